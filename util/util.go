package util

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// FileExists checks to see if a file exists.
func FileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// MakeFileNamesAbsolute makes all file names in the list absolute, relative to home
func MakeFileNamesAbsolute(files []*string, home string) error {
	for _, filePtr := range files {
		abs, err := MakeFileAbs(*filePtr, home)
		if err != nil {
			return err
		}
		*filePtr = abs
	}
	return nil
}

// MakeFileAbs makes 'file' absolute relative to 'dir' if not already absolute
func MakeFileAbs(file, dir string) (string, error) {
	if file == "" {
		return "", nil
	}
	if filepath.IsAbs(file) {
		return file, nil
	}
	path, err := filepath.Abs(filepath.Join(dir, file))
	if err != nil {
		return "", errors.Wrapf(err, "Failed making '%s' absolute based on '%s'", file, dir)
	}
	return path, nil
}

// GetX509CertificateFromPEM get on x509 certificate from bytes in PEM format
func GetX509CertificateFromPEM(cert []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(cert)
	if block == nil {
		return nil, errors.New("Failed to PEM decode certificate")
	}
	x509Cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "Error parsing certificate")
	}
	return x509Cert, nil
}

// GetX509CertificateFromFile reads and parses a PEM certificate file
func GetX509CertificateFromFile(file string) (*x509.Certificate, error) {
	buf, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "Could not read certificate file '%s'", file)
	}
	return GetX509CertificateFromPEM(buf)
}

// GetRSAPrivateKey get *rsa.PrivateKey from key pem
func GetRSAPrivateKey(raw []byte) (*rsa.PrivateKey, error) {
	decoded, _ := pem.Decode(raw)
	if decoded == nil {
		return nil, errors.New("Failed to decode the PEM-encoded RSA key")
	}
	RSAPrivKey, err := x509.ParsePKCS1PrivateKey(decoded.Bytes)
	if err == nil {
		return RSAPrivKey, nil
	}
	key, err2 := x509.ParsePKCS8PrivateKey(decoded.Bytes)
	if err2 == nil {
		switch key.(type) {
		case *ecdsa.PrivateKey:
			return nil, errors.New("Expecting RSA private key but found EC private key")
		case *rsa.PrivateKey:
			return key.(*rsa.PrivateKey), nil
		default:
			return nil, errors.New("Invalid private key type in PKCS#8 wrapping")
		}
	}
	return nil, errors.Wrap(err, "Failed parsing RSA private key")
}

// Fingerprint returns the SHA-256 fingerprint of a DER certificate as
// colon separated upper case hex
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// URLRegex is the regular expression to check if a value is an URL
var URLRegex = regexp.MustCompile("(http)s*://(\\S+):(\\S+)@")

// GetMaskedURL returns masked URL. It masks username and password from the URL if present
func GetMaskedURL(url string) string {
	matches := URLRegex.FindStringSubmatch(url)
	if len(matches) == 4 {
		matchIdxs := URLRegex.FindStringSubmatchIndex(url)
		matchStr := url[matchIdxs[0]:matchIdxs[1]]
		for idx := 2; idx < len(matches); idx++ {
			if matches[idx] != "" {
				matchStr = strings.Replace(matchStr, matches[idx], "****", 1)
			}
		}
		url = url[:matchIdxs[0]] + matchStr + url[matchIdxs[1]:]
	}
	return url
}

// WriteFile writes a file and forces its mode, creating the parent directory if needed
func WriteFile(file string, buf []byte, perm os.FileMode) error {
	dir := filepath.Dir(file)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		err = os.MkdirAll(dir, 0755)
		if err != nil {
			return errors.Wrapf(err, "Failed to create directory '%s' for file '%s'", dir, file)
		}
	}
	err := ioutil.WriteFile(file, buf, perm)
	if err != nil {
		return errors.Wrapf(err, "Failed to write file '%s'", file)
	}
	return nil
}

// EnforceMode sets the mode of a file and verifies it took effect.
// The umask does not apply to chmod, so the result is exact.
func EnforceMode(file string, perm os.FileMode) error {
	if err := os.Chmod(file, perm); err != nil {
		return errors.Wrapf(err, "Failed to set mode %04o on '%s'", perm, file)
	}
	fi, err := os.Stat(file)
	if err != nil {
		return errors.Wrapf(err, "Failed to stat '%s'", file)
	}
	if fi.Mode().Perm() != perm {
		return errors.Errorf("Mode of '%s' is %04o, expected %04o", file, fi.Mode().Perm(), perm)
	}
	return nil
}

// RemoveFile removes a file, treating a missing file as success
func RemoveFile(file string) error {
	err := os.Remove(file)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "Failed to remove '%s'", file)
	}
	return nil
}

// GetSerialAsHex returns the serial number from certificate as hex format
func GetSerialAsHex(serial *big.Int) string {
	hex := fmt.Sprintf("%X", serial)
	if len(hex)%2 == 1 {
		hex = "0" + hex
	}
	return hex
}

// NormalizeStringSlice checks for seperators
func NormalizeStringSlice(slice []string) []string {
	var normalizeSlice []string

	if len(slice) > 0 {
		for _, item := range slice {
			if strings.HasPrefix(item, "[") && strings.HasSuffix(item, "]") {
				item = item[1 : len(item)-1]
			}

			if strings.Contains(item, ",") {
				normalizeSlice = append(normalizeSlice, strings.Split(item, ",")...)
			} else {
				normalizeSlice = append(normalizeSlice, item)
			}
		}
	}

	var out []string
	for _, item := range normalizeSlice {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
