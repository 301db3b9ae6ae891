package toolchain

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/ioutil"

	"github.com/cloudflare/cfssl/csr"
	"github.com/cloudflare/cfssl/helpers"
	"github.com/cloudflare/cfssl/initca"
	"github.com/cloudflare/cfssl/log"
	"github.com/cloudflare/cfssl/signer"
	"github.com/cloudflare/cfssl/signer/local"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/hostca/util"
	"github.com/youmark/pkcs8"
)

const encryptedKeyType = "ENCRYPTED PRIVATE KEY"

var keyEncryption = &pkcs8.Opts{
	Cipher: pkcs8.AES256CBC,
	KDFOpts: pkcs8.PBKDF2Opts{
		SaltSize:       16,
		IterationCount: 100000,
		HMACHash:       crypto.SHA256,
	},
}

// CFSSL implements Toolchain with the cfssl library
type CFSSL struct{}

// NewCFSSL returns the cfssl backed toolchain
func NewCFSSL() *CFSSL {
	return &CFSSL{}
}

// GenerateKey generates an RSA key. With a passphrase the key is stored as
// encrypted PKCS#8, otherwise as PKCS#1.
func (c *CFSSL) GenerateKey(keyFile string, passphrase []byte, bits int) error {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	if bits < 2048 {
		return errors.Errorf("Key size %d is less than 2048 bits", bits)
	}
	log.Debugf("Generating %d bit RSA key %s (encrypted: %t)", bits, keyFile, len(passphrase) > 0)

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return errors.Wrap(err, "Failed to generate RSA key")
	}

	var block *pem.Block
	if len(passphrase) > 0 {
		der, err := pkcs8.MarshalPrivateKey(key, passphrase, keyEncryption)
		if err != nil {
			return errors.Wrap(err, "Failed to encrypt private key")
		}
		block = &pem.Block{Type: encryptedKeyType, Bytes: der}
	} else {
		block = &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	}
	return util.WriteFile(keyFile, pem.EncodeToMemory(block), 0600)
}

// GenerateSelfSignedCert creates the root certificate with cfssl's initca
func (c *CFSSL) GenerateSelfSignedCert(req *csr.CertificateRequest, keyFile string, passphrase []byte, days int, certFile string) error {
	key, err := LoadKey(keyFile, passphrase)
	if err != nil {
		return err
	}

	r := *req
	r.CA = &csr.CAConfig{
		PathLength:  0,
		PathLenZero: true,
		Expiry:      fmt.Sprintf("%dh", days*24),
	}
	cert, _, err := initca.NewFromSigner(&r, key)
	if err != nil {
		return errors.Wrap(err, "Failed to self-sign root certificate")
	}
	return util.WriteFile(certFile, cert, 0644)
}

// GenerateCSR creates a PEM certificate request
func (c *CFSSL) GenerateCSR(req *csr.CertificateRequest, keyFile, csrFile string) error {
	key, err := LoadKey(keyFile, nil)
	if err != nil {
		return err
	}
	csrPEM, err := csr.Generate(key, req)
	if err != nil {
		return errors.Wrapf(err, "Failed to generate CSR for '%s'", req.CN)
	}
	return util.WriteFile(csrFile, csrPEM, 0644)
}

// SignCSR signs with cfssl's local signer
func (c *CFSSL) SignCSR(req SignRequest) (*x509.Certificate, error) {
	csrPEM, err := ioutil.ReadFile(req.CSRFile)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read CSR '%s'", req.CSRFile)
	}
	caPEM, err := ioutil.ReadFile(req.CACertFile)
	if err != nil {
		return nil, errors.Wrapf(err, "Could not read CA certificate '%s'", req.CACertFile)
	}
	caCert, err := helpers.ParseCertificatePEM(caPEM)
	if err != nil {
		return nil, errors.Wrapf(err, "Invalid CA certificate '%s'", req.CACertFile)
	}
	caKey, err := LoadEncryptedKey(req.CAKeyFile, req.Passphrase)
	if err != nil {
		return nil, err
	}

	s, err := local.NewSigner(caKey, caCert, signer.DefaultSigAlgo(caKey), req.Policy)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create new signer")
	}
	certPEM, err := s.Sign(signer.SignRequest{
		Request:  string(csrPEM),
		Profile:  req.Profile,
		Serial:   req.Serial,
		NotAfter: req.NotAfter,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Certificate signing failure")
	}

	cert, err := helpers.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, errors.Wrap(err, "Signer returned an invalid certificate")
	}
	if err = util.WriteFile(req.CertFile, certPEM, 0644); err != nil {
		return nil, err
	}
	return cert, nil
}

// Fingerprint returns the SHA-256 fingerprint of a PEM certificate file
func (c *CFSSL) Fingerprint(certFile string) (string, error) {
	cert, err := util.GetX509CertificateFromFile(certFile)
	if err != nil {
		return "", err
	}
	return util.Fingerprint(cert.Raw), nil
}

// LoadKey reads a PEM private key, decrypting it when it is encrypted
func LoadKey(keyFile string, passphrase []byte) (crypto.Signer, error) {
	buf, err := ioutil.ReadFile(keyFile)
	if err != nil {
		return nil, errors.Wrapf(err, "Could not read private key '%s'", keyFile)
	}
	block, _ := pem.Decode(buf)
	if block == nil {
		return nil, errors.Errorf("Failed to PEM decode private key '%s'", keyFile)
	}
	switch block.Type {
	case encryptedKeyType:
		return decryptKey(keyFile, block.Bytes, passphrase)
	case "EC PRIVATE KEY":
		key, err := helpers.ParsePrivateKeyPEM(buf)
		if err != nil {
			return nil, errors.Wrapf(err, "Failed parsing private key '%s'", keyFile)
		}
		return key, nil
	}
	key, err := util.GetRSAPrivateKey(buf)
	if err != nil {
		return nil, errors.WithMessagef(err, "Private key '%s'", keyFile)
	}
	return key, nil
}

// LoadEncryptedKey is LoadKey for keys that must never be stored in the
// clear; an unencrypted file is rejected
func LoadEncryptedKey(keyFile string, passphrase []byte) (crypto.Signer, error) {
	buf, err := ioutil.ReadFile(keyFile)
	if err != nil {
		return nil, errors.Wrapf(err, "Could not read private key '%s'", keyFile)
	}
	block, _ := pem.Decode(buf)
	if block == nil || block.Type != encryptedKeyType {
		return nil, errors.Errorf("Private key '%s' is not encrypted", keyFile)
	}
	return decryptKey(keyFile, block.Bytes, passphrase)
}

// IsEncryptedKey reports whether keyFile holds an encrypted PKCS#8 key
func IsEncryptedKey(keyFile string) bool {
	buf, err := ioutil.ReadFile(keyFile)
	if err != nil {
		return false
	}
	block, _ := pem.Decode(buf)
	return block != nil && block.Type == encryptedKeyType
}

func decryptKey(keyFile string, der, passphrase []byte) (crypto.Signer, error) {
	if len(passphrase) == 0 {
		return nil, errors.Errorf("Private key '%s' is encrypted and no passphrase was given", keyFile)
	}
	key, err := pkcs8.ParsePKCS8PrivateKey(der, passphrase)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to decrypt private key '%s'; the passphrase may be wrong", keyFile)
	}
	s, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.Errorf("Private key '%s' cannot be used for signing", keyFile)
	}
	return s, nil
}

// PublicKeyID returns a short identifier of a certificate's public key,
// used in log lines instead of any key material
func PublicKeyID(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return fmt.Sprintf("%x", sum[:8])
}
