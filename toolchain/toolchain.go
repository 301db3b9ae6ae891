// Package toolchain abstracts the PKI primitives the CA orchestrates. The
// engine only talks to the Toolchain interface; CFSSL is the in-process
// implementation built on cloudflare/cfssl.
package toolchain

import (
	"crypto/x509"
	"math/big"
	"time"

	cfcfg "github.com/cloudflare/cfssl/config"
	"github.com/cloudflare/cfssl/csr"
)

// DefaultKeyBits is the RSA modulus size for generated keys
const DefaultKeyBits = 2048

// SignRequest describes one non-interactive CA signing
type SignRequest struct {
	// CSR to sign
	CSRFile string
	// Where the signed PEM certificate is written
	CertFile string
	// Root certificate and encrypted root key
	CACertFile string
	CAKeyFile  string
	// Passphrase protecting CAKeyFile
	Passphrase []byte
	// Serial to embed in the certificate
	Serial *big.Int
	// Policy and profile to sign with
	Policy  *cfcfg.Signing
	Profile string
	// Optional cap on the certificate's expiry
	NotAfter time.Time
}

// Toolchain is the set of PKI primitives the CA engine needs. All inputs
// and outputs are files so an implementation may shell out to an external
// tool as well as work in process.
type Toolchain interface {
	// GenerateKey writes a new private key to keyFile. A non-empty
	// passphrase encrypts the key.
	GenerateKey(keyFile string, passphrase []byte, bits int) error
	// GenerateSelfSignedCert self-signs req with the key in keyFile and
	// writes the certificate to certFile
	GenerateSelfSignedCert(req *csr.CertificateRequest, keyFile string, passphrase []byte, days int, certFile string) error
	// GenerateCSR writes a certificate request for req signed by the
	// unencrypted key in keyFile
	GenerateCSR(req *csr.CertificateRequest, keyFile, csrFile string) error
	// SignCSR signs a request with the CA key and writes the certificate
	SignCSR(req SignRequest) (*x509.Certificate, error)
	// Fingerprint returns the certificate's content fingerprint
	Fingerprint(certFile string) (string, error)
}
