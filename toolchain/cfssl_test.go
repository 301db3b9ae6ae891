package toolchain

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io/ioutil"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cfcfg "github.com/cloudflare/cfssl/config"
	"github.com/cloudflare/cfssl/csr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPassphrase = []byte("correct horse battery staple")

func testPolicy() *cfcfg.Signing {
	leaf := &cfcfg.SigningProfile{
		Usage:                       []string{"digital signature", "key encipherment", "server auth"},
		Expiry:                      365 * 24 * time.Hour,
		ExpiryString:                "8760h",
		ClientProvidesSerialNumbers: true,
	}
	return &cfcfg.Signing{
		Profiles: map[string]*cfcfg.SigningProfile{"leaf": leaf},
		Default:  leaf,
	}
}

func makeRoot(t *testing.T, dir string) (string, string) {
	tc := NewCFSSL()
	keyFile := filepath.Join(dir, "ca.key")
	certFile := filepath.Join(dir, "ca.pem")

	require.NoError(t, tc.GenerateKey(keyFile, testPassphrase, 2048))
	err := tc.GenerateSelfSignedCert(&csr.CertificateRequest{
		CN:    "Test Root CA",
		Names: []csr.Name{{C: "DE", O: "Example"}},
	}, keyFile, testPassphrase, 3650, certFile)
	require.NoError(t, err)
	return certFile, keyFile
}

func TestGenerateKeyEncrypted(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "ca.key")
	tc := NewCFSSL()

	require.NoError(t, tc.GenerateKey(keyFile, testPassphrase, 0))
	assert.True(t, IsEncryptedKey(keyFile))

	buf, err := ioutil.ReadFile(keyFile)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(buf), "RSA PRIVATE KEY"))

	_, err = LoadKey(keyFile, nil)
	assert.Error(t, err)
	_, err = LoadKey(keyFile, []byte("wrong"))
	assert.Error(t, err)
	key, err := LoadEncryptedKey(keyFile, testPassphrase)
	require.NoError(t, err)
	assert.NotNil(t, key.Public())
}

func TestGenerateKeyPlain(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "leaf.key")
	tc := NewCFSSL()

	assert.Error(t, tc.GenerateKey(keyFile, nil, 1024))
	require.NoError(t, tc.GenerateKey(keyFile, nil, 2048))
	assert.False(t, IsEncryptedKey(keyFile))

	key, err := LoadKey(keyFile, nil)
	require.NoError(t, err)
	_, ok := key.(*rsa.PrivateKey)
	assert.True(t, ok)
	_, err = LoadEncryptedKey(keyFile, testPassphrase)
	assert.Error(t, err, "an unencrypted key must not be accepted as CA key")

	bad := filepath.Join(dir, "bad.key")
	require.NoError(t, ioutil.WriteFile(bad, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: []byte("junk")}), 0600))
	_, err = LoadKey(bad, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), bad)
}

func TestSelfSignedRoot(t *testing.T) {
	certFile, _ := makeRoot(t, t.TempDir())

	buf, err := ioutil.ReadFile(certFile)
	require.NoError(t, err)
	block, _ := pem.Decode(buf)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	assert.True(t, cert.IsCA)
	assert.Equal(t, "Test Root CA", cert.Subject.CommonName)
	assert.Equal(t, []string{"Example"}, cert.Subject.Organization)
	assert.True(t, cert.NotAfter.After(time.Now().AddDate(9, 11, 0)))
	assert.Equal(t, cert.RawIssuer, cert.RawSubject)
}

func TestIssueLeaf(t *testing.T) {
	dir := t.TempDir()
	caCert, caKey := makeRoot(t, dir)
	tc := NewCFSSL()

	keyFile := filepath.Join(dir, "wildcard.example.org.key")
	csrFile := filepath.Join(dir, "wildcard.example.org.csr")
	certFile := filepath.Join(dir, "wildcard.example.org.pem")

	require.NoError(t, tc.GenerateKey(keyFile, nil, 2048))
	require.NoError(t, tc.GenerateCSR(&csr.CertificateRequest{
		CN:    "*.example.org",
		Hosts: []string{"*.example.org", "hostmaster@example.org"},
	}, keyFile, csrFile))

	serial := big.NewInt(0x2a)
	cert, err := tc.SignCSR(SignRequest{
		CSRFile:    csrFile,
		CertFile:   certFile,
		CACertFile: caCert,
		CAKeyFile:  caKey,
		Passphrase: testPassphrase,
		Serial:     serial,
		Policy:     testPolicy(),
		Profile:    "leaf",
	})
	require.NoError(t, err)

	assert.Equal(t, 0, serial.Cmp(cert.SerialNumber))
	assert.Equal(t, "*.example.org", cert.Subject.CommonName)
	assert.Contains(t, cert.DNSNames, "*.example.org")
	assert.Contains(t, cert.EmailAddresses, "hostmaster@example.org")
	assert.Equal(t, "Test Root CA", cert.Issuer.CommonName)
	assert.False(t, cert.IsCA)

	fp, err := tc.Fingerprint(certFile)
	require.NoError(t, err)
	assert.Len(t, fp, 32*3-1)
	assert.Equal(t, strings.ToUpper(fp), fp)
	assert.NotEmpty(t, PublicKeyID(cert))
}

func TestSignWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	caCert, caKey := makeRoot(t, dir)
	tc := NewCFSSL()

	keyFile := filepath.Join(dir, "host.key")
	csrFile := filepath.Join(dir, "host.csr")
	require.NoError(t, tc.GenerateKey(keyFile, nil, 2048))
	require.NoError(t, tc.GenerateCSR(&csr.CertificateRequest{CN: "host.example.org", Hosts: []string{"host.example.org"}}, keyFile, csrFile))

	certFile := filepath.Join(dir, "host.pem")
	_, err := tc.SignCSR(SignRequest{
		CSRFile:    csrFile,
		CertFile:   certFile,
		CACertFile: caCert,
		CAKeyFile:  caKey,
		Passphrase: []byte("nope"),
		Serial:     big.NewInt(1),
		Policy:     testPolicy(),
		Profile:    "leaf",
	})
	assert.Error(t, err)
	_, err = ioutil.ReadFile(certFile)
	assert.Error(t, err, "no certificate may be written when signing fails")
}

func TestSignMissingCSR(t *testing.T) {
	dir := t.TempDir()
	caCert, caKey := makeRoot(t, dir)

	_, err := NewCFSSL().SignCSR(SignRequest{
		CSRFile:    filepath.Join(dir, "missing.csr"),
		CertFile:   filepath.Join(dir, "missing.pem"),
		CACertFile: caCert,
		CAKeyFile:  caKey,
		Passphrase: testPassphrase,
		Serial:     big.NewInt(1),
		Policy:     testPolicy(),
	})
	assert.Error(t, err)
}

func TestFingerprintMissing(t *testing.T) {
	_, err := NewCFSSL().Fingerprint(filepath.Join(t.TempDir(), "none.pem"))
	assert.Error(t, err)
}
