// Package store manages the on-disk state of the certificate authority:
// the append-only index ledger, the serial counter and the directory layout
// shared by root bootstrap and issuance.
//
// A Store is single-writer. Running two processes against the same store
// root requires an external lock held by the caller.
package store

import (
	"math/big"
	"os"
	"path/filepath"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	caerrors "github.com/rkcloudchain/hostca/errors"
	"github.com/rkcloudchain/hostca/util"
)

const (
	indexFile   = "index"
	serialFile  = "serial"
	certsDir    = "certs"
	privateDir  = "private"
	newCertsDir = "newcerts"
	crlDir      = "crl"
	journalFile = "journal.db"

	rootCertName = "ca.pem"
	rootKeyName  = "ca.key"

	// DefaultFirstSerial is the serial given to the first issued certificate
	DefaultFirstSerial = "01"
)

// Status is the coarse state of a store
type Status int

// Store states
const (
	Uninitialized Status = iota
	Initialized
	RootReady
)

func (s Status) String() string {
	switch s {
	case Initialized:
		return "Initialized"
	case RootReady:
		return "RootReady"
	default:
		return "Uninitialized"
	}
}

// Store is the directory holding the CA's ledger, serial counter, root
// key material and copies of issued certificates
type Store struct {
	root        string
	firstSerial string
}

// New returns a store rooted at dir. firstSerial is the hex serial written
// to a fresh serial counter; empty means DefaultFirstSerial.
func New(dir, firstSerial string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("Store directory is not set")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to get full path of store directory '%s'", dir)
	}
	if firstSerial == "" {
		firstSerial = DefaultFirstSerial
	}
	if _, err := parseSerial(firstSerial); err != nil {
		return nil, errors.WithMessage(err, "Invalid first serial")
	}
	return &Store{root: abs, firstSerial: firstSerial}, nil
}

// Root returns the absolute store directory
func (s *Store) Root() string { return s.root }

// IndexFile returns the path of the ledger
func (s *Store) IndexFile() string { return filepath.Join(s.root, indexFile) }

// SerialFile returns the path of the serial counter
func (s *Store) SerialFile() string { return filepath.Join(s.root, serialFile) }

// CertsDir returns the directory holding the root certificate
func (s *Store) CertsDir() string { return filepath.Join(s.root, certsDir) }

// PrivateDir returns the directory holding the root key
func (s *Store) PrivateDir() string { return filepath.Join(s.root, privateDir) }

// NewCertsDir returns the directory holding a copy of every issued certificate
func (s *Store) NewCertsDir() string { return filepath.Join(s.root, newCertsDir) }

// CRLDir returns the directory reserved for revocation data
func (s *Store) CRLDir() string { return filepath.Join(s.root, crlDir) }

// JournalFile returns the path of the issuance journal database
func (s *Store) JournalFile() string { return filepath.Join(s.root, journalFile) }

// RootCertFile returns the path of the self-signed root certificate
func (s *Store) RootCertFile() string { return filepath.Join(s.CertsDir(), rootCertName) }

// RootKeyFile returns the path of the encrypted root key
func (s *Store) RootKeyFile() string { return filepath.Join(s.PrivateDir(), rootKeyName) }

// Status reports how far the store has been bootstrapped
func (s *Store) Status() Status {
	if !util.FileExists(s.IndexFile()) {
		return Uninitialized
	}
	if util.FileExists(s.RootCertFile()) && util.FileExists(s.RootKeyFile()) {
		return RootReady
	}
	return Initialized
}

// EnsureInitialized creates the ledger, serial counter and subdirectories
// if the ledger does not exist yet. It reports whether anything was created.
func (s *Store) EnsureInitialized() (bool, error) {
	if util.FileExists(s.IndexFile()) {
		log.Debugf("Store at %s is already initialized", s.root)
		return false, nil
	}
	log.Infof("Initializing CA store at %s", s.root)

	dirs := []struct {
		path string
		perm os.FileMode
	}{
		{s.root, 0755},
		{s.CertsDir(), 0755},
		{s.CRLDir(), 0755},
		{s.NewCertsDir(), 0755},
		{s.PrivateDir(), 0700},
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d.path, d.perm); err != nil {
			return false, caerrors.NewFatalError(caerrors.ErrStoreInit, "Failed to create directory '%s': %s", d.path, err)
		}
	}
	if err := os.Chmod(s.PrivateDir(), 0700); err != nil {
		return false, caerrors.NewPermissionError("Failed to restrict '%s': %s", s.PrivateDir(), err)
	}

	first, _ := parseSerial(s.firstSerial)
	if err := s.writeSerial(first); err != nil {
		return false, caerrors.NewFatalError(caerrors.ErrStoreInit, "Failed to create serial counter: %s", err)
	}
	if err := util.WriteFile(s.IndexFile(), nil, 0644); err != nil {
		return false, caerrors.NewFatalError(caerrors.ErrStoreInit, "Failed to create ledger: %s", err)
	}
	log.Infof("Created ledger %s and serial counter %s", s.IndexFile(), s.SerialFile())
	return true, nil
}

// NextSerial returns the serial the next signing will consume without
// consuming it
func (s *Store) NextSerial() (*big.Int, error) {
	return s.readSerial()
}

// Commit records a signed certificate. The serial must be the one returned
// by NextSerial. A copy of the certificate is written to newcerts, the
// counter is advanced and the ledger row appended, in that order, so a
// partial failure can leave a gap but never a reused serial.
func (s *Store) Commit(entry *IndexEntry, certPEM []byte) error {
	if entry == nil || entry.Serial == nil {
		return errors.New("Ledger entry has no serial")
	}
	current, err := s.readSerial()
	if err != nil {
		return err
	}
	if entry.Serial.Cmp(current) != 0 {
		return errors.Errorf("Serial %s does not match the serial counter %s",
			util.GetSerialAsHex(entry.Serial), util.GetSerialAsHex(current))
	}

	copyFile := filepath.Join(s.NewCertsDir(), util.GetSerialAsHex(entry.Serial)+".pem")
	if err := util.WriteFile(copyFile, certPEM, 0644); err != nil {
		return err
	}

	next := new(big.Int).Add(entry.Serial, big.NewInt(1))
	if err := s.writeSerial(next); err != nil {
		return err
	}

	if err := appendIndexEntry(s.IndexFile(), entry); err != nil {
		return err
	}
	log.Debugf("Ledger row appended for serial %s", util.GetSerialAsHex(entry.Serial))
	return nil
}

// Entries returns every ledger row in order
func (s *Store) Entries() ([]IndexEntry, error) {
	return readIndex(s.IndexFile())
}
