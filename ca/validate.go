package ca

import (
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	caerrors "github.com/rkcloudchain/hostca/errors"
	"github.com/rkcloudchain/hostca/toolchain"
	"github.com/rkcloudchain/hostca/util"
)

const (
	certificateError = "Invalid certificate in file"
)

// validateRoot performs checks on an existing root certificate and key
func (e *Engine) validateRoot(certFile, keyFile string) error {
	log.Debug("Validating the root certificate and key")

	cert, err := util.GetX509CertificateFromFile(certFile)
	if err != nil {
		return caerrors.NewBootstrapError("%s '%s': %s", certificateError, certFile, err)
	}

	checks := []func(*x509.Certificate) error{validateDates, validateUsage, validateIsCA, validateKeyType, validateKeySize}
	for _, check := range checks {
		if err = check(cert); err != nil {
			return caerrors.NewBootstrapError("%s '%s': %s", certificateError, certFile, err)
		}
	}

	if !toolchain.IsEncryptedKey(keyFile) {
		return caerrors.NewBootstrapError("Root key '%s' is not encrypted", keyFile)
	}
	if err = util.EnforceMode(keyFile, rootKeyMode); err != nil {
		return caerrors.NewPermissionError("%s", err)
	}

	if e.passphrase == nil {
		log.Debug("No passphrase available; skipping root key match check")
		return nil
	}
	err = e.withPassphrase(func(passphrase []byte) error {
		return validateMatchingKeys(cert, keyFile, passphrase)
	})
	if err != nil {
		return caerrors.NewBootstrapError("Invalid root certificate and/or key in files '%s' and '%s': %s", certFile, keyFile, err)
	}
	log.Debug("Validation of root certificate and key successful")
	return nil
}

func validateDates(cert *x509.Certificate) error {
	log.Debug("Check CA certificate for valid dates")

	notAfter := cert.NotAfter
	currentTime := time.Now().UTC()

	if currentTime.After(notAfter) {
		return errors.New("Certificate provided has expired")
	}

	notBefore := cert.NotBefore
	if currentTime.Before(notBefore) {
		return errors.New("Certificate provided not valid until later date")
	}

	return nil
}

func validateUsage(cert *x509.Certificate) error {
	log.Debug("Check CA certificate for valid usages")

	if cert.KeyUsage == 0 {
		return errors.New("No usage specified for certificate")
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return errors.New("The 'cert sign' key usage is required")
	}
	if !canSignCRL(cert) {
		log.Warningf("The root certificate '%s' does not have 'crl sign' key usage", cert.Subject.CommonName)
	}
	return nil
}

func validateIsCA(cert *x509.Certificate) error {
	log.Debug("Check CA certificate for valid IsCA value")

	if !cert.IsCA {
		return errors.New("Certificate not configured to be used for CA")
	}

	return nil
}

func validateKeyType(cert *x509.Certificate) error {
	log.Debug("Check that key type is supported")

	switch cert.PublicKey.(type) {
	case *dsa.PublicKey:
		return errors.New("Unsupported key type: DSA")
	}

	return nil
}

func validateKeySize(cert *x509.Certificate) error {
	log.Debug("Check that key size is of appropriate length")

	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if pub.N.BitLen() < 2048 {
			return errors.New("Key size is less than 2048 bits")
		}
	}

	return nil
}

func validateMatchingKeys(cert *x509.Certificate, keyFile string, passphrase []byte) error {
	log.Debugf("Check that public key %s and private key match", toolchain.PublicKeyID(cert))

	key, err := toolchain.LoadEncryptedKey(keyFile, passphrase)
	if err != nil {
		return err
	}

	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		priv, ok := key.Public().(*rsa.PublicKey)
		if !ok || priv.N.Cmp(pub.N) != 0 {
			return errors.New("Public key and private key do not match")
		}
	case *ecdsa.PublicKey:
		priv, ok := key.Public().(*ecdsa.PublicKey)
		if !ok || priv.X.Cmp(pub.X) != 0 {
			return errors.New("Public key and private key do not match")
		}
	default:
		return errors.New(fmt.Sprintf("Unsupported public key type %T", pub))
	}

	return nil
}

func canSignCRL(cert *x509.Certificate) bool {
	return cert.KeyUsage&x509.KeyUsageCRLSign != 0
}
