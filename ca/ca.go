// Package ca drives the certificate authority: it bootstraps the store and
// root certificate, issues leaf certificates, delivers them to the remote
// host and reports on what is installed.
//
// An Engine is not safe for use by several processes against one store.
// Callers that run hostca concurrently must serialise access themselves.
package ca

import (
	"crypto/x509"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/cloudflare/cfssl/csr"
	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/hostca/config"
	caerrors "github.com/rkcloudchain/hostca/errors"
	"github.com/rkcloudchain/hostca/journal"
	"github.com/rkcloudchain/hostca/policy"
	"github.com/rkcloudchain/hostca/store"
	"github.com/rkcloudchain/hostca/toolchain"
	"github.com/rkcloudchain/hostca/transfer"
	"github.com/rkcloudchain/hostca/util"
)

const (
	// RootKeyBits is the size of the root RSA key
	RootKeyBits = 2048

	rootKeyMode = 0400
	leafKeyMode = 0400
	certMode    = 0644
)

// ConfirmFunc is asked before anything irreversible is done on the
// operator's behalf, such as creating a new root CA
type ConfirmFunc func(question string) bool

// Option configures an Engine
type Option func(*Engine)

// WithConfirm sets the confirmation callback. Without one every question
// is answered no.
func WithConfirm(f ConfirmFunc) Option {
	return func(e *Engine) {
		e.confirm = f
	}
}

// WithPassphrase sets the root key passphrase. The slice is moved into an
// encrypted enclave and wiped.
func WithPassphrase(passphrase []byte) Option {
	return func(e *Engine) {
		if len(passphrase) > 0 {
			e.passphrase = memguard.NewEnclave(passphrase)
		}
	}
}

// WithJournal sets the issuance journal. Without one the engine opens the
// journal configured for the store.
func WithJournal(j journal.Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}

// Engine orchestrates issuance for one CA store
type Engine struct {
	cfg        config.Config
	store      *store.Store
	toolchain  toolchain.Toolchain
	transferer transfer.Transferer
	journal    journal.Journal
	ownJournal bool
	confirm    ConfirmFunc
	passphrase *memguard.Enclave
	mu         sync.Mutex
}

// New returns an engine for cfg. The configuration is copied.
func New(cfg *config.Config, tc toolchain.Toolchain, tr transfer.Transferer, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("Configuration is required")
	}
	if tc == nil {
		return nil, errors.New("A toolchain is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "Invalid configuration")
	}
	s, err := store.New(cfg.Store.Dir, cfg.Store.FirstSerial)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        *cfg,
		store:      s,
		toolchain:  tc,
		transferer: tr,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Store returns the engine's CA store
func (e *Engine) Store() *store.Store {
	return e.store
}

// Journal returns the issuance journal; nil until EnsureInitialized ran
func (e *Engine) Journal() journal.Journal {
	return e.journal
}

// Close releases the journal if the engine opened it
func (e *Engine) Close() error {
	if e.ownJournal && e.journal != nil {
		err := e.journal.Close()
		e.journal = nil
		return err
	}
	return nil
}

// EnsureInitialized creates the CA store if needed and opens the journal
func (e *Engine) EnsureInitialized() error {
	log.Infof("Checking CA store %s", e.store.Root())
	created, err := e.store.EnsureInitialized()
	if err != nil {
		return err
	}
	if e.journal == nil {
		j, err := journal.Open(journal.Options{
			Path:       e.store.JournalFile(),
			DBType:     e.cfg.Journal.Type,
			Datasource: e.cfg.Journal.Datasource,
		})
		if err != nil {
			return caerrors.NewFatalError(caerrors.ErrStoreInit, "Failed to open issuance journal: %s", err)
		}
		e.journal = j
		e.ownJournal = true
	}
	if created {
		log.Infof("CA store %s created", e.store.Root())
	} else {
		log.Infof("CA store %s is %s", e.store.Root(), e.store.Status())
	}
	return nil
}

// EnsureRootCertificate makes sure a root certificate and its encrypted key
// exist, asking for confirmation before creating them. Every failure is a
// FatalBootstrapError.
func (e *Engine) EnsureRootCertificate() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	certFile := e.store.RootCertFile()
	keyFile := e.store.RootKeyFile()

	switch e.store.Status() {
	case store.Uninitialized:
		return caerrors.NewBootstrapError("CA store %s is not initialized", e.store.Root())
	case store.RootReady:
		log.Infof("Root certificate %s exists", certFile)
		return e.validateRoot(certFile, keyFile)
	}

	if util.FileExists(certFile) {
		return caerrors.NewBootstrapError("Root certificate %s exists but its key %s is missing", certFile, keyFile)
	}

	question := fmt.Sprintf("No root certificate found in %s. Generate a new root CA?", e.store.Root())
	if e.confirm == nil || !e.confirm(question) {
		return caerrors.NewBootstrapError("Root certificate generation was declined; nothing can be issued without a CA")
	}

	log.Infof("Generating root CA key %s", keyFile)
	err := e.withPassphrase(func(passphrase []byte) error {
		if toolchain.IsEncryptedKey(keyFile) {
			if _, err := toolchain.LoadEncryptedKey(keyFile, passphrase); err == nil {
				log.Infof("Reusing existing encrypted root key %s", keyFile)
				return nil
			}
			return errors.Errorf("Existing root key %s cannot be decrypted with the given passphrase", keyFile)
		}
		if err := util.RemoveFile(keyFile); err != nil {
			return err
		}
		return e.toolchain.GenerateKey(keyFile, passphrase, RootKeyBits)
	})
	if err != nil {
		return caerrors.NewBootstrapError("Failed to generate root key: %s", err)
	}
	if err = e.protectRootKey(keyFile); err != nil {
		return err
	}
	log.Infof("Root CA key %s ready", keyFile)

	log.Infof("Self-signing root certificate %s", certFile)
	err = e.withPassphrase(func(passphrase []byte) error {
		return e.toolchain.GenerateSelfSignedCert(e.rootRequest(), keyFile, passphrase, policy.RootDays, certFile)
	})
	if err != nil {
		util.RemoveFile(certFile)
		return caerrors.NewBootstrapError("Failed to self-sign root certificate: %s", err)
	}
	if err = util.EnforceMode(certFile, certMode); err != nil {
		return caerrors.NewPermissionError("%s", err)
	}

	cert, err := util.GetX509CertificateFromFile(certFile)
	if err != nil {
		return caerrors.NewBootstrapError("Generated root certificate is unreadable: %s", err)
	}
	log.Infof("Root certificate %s ready; valid until %s, fingerprint %s",
		cert.Subject.CommonName, cert.NotAfter.Format("2006-01-02"), util.Fingerprint(cert.Raw))
	return nil
}

// RootCertificate returns the parsed root certificate
func (e *Engine) RootCertificate() (*x509.Certificate, error) {
	return util.GetX509CertificateFromFile(e.store.RootCertFile())
}

func (e *Engine) rootRequest() *csr.CertificateRequest {
	cn := e.cfg.CA.CN
	if cn == "" {
		cn = "hostca Root CA"
	}
	req := &csr.CertificateRequest{CN: cn}
	c := e.cfg.CSR
	if c.Country != "" || c.State != "" || c.City != "" || c.Organization != "" {
		req.Names = []csr.Name{{C: c.Country, ST: c.State, L: c.City, O: c.Organization}}
	}
	return req
}

func (e *Engine) protectRootKey(keyFile string) error {
	if err := util.EnforceMode(keyFile, rootKeyMode); err != nil {
		return caerrors.NewPermissionError("%s", err)
	}
	if e.cfg.CA.KeyOwner == "" && e.cfg.CA.KeyGroup == "" {
		return nil
	}
	uid, gid, err := lookupOwner(e.cfg.CA.KeyOwner, e.cfg.CA.KeyGroup)
	if err != nil {
		return caerrors.NewPermissionError("%s", err)
	}
	if err = os.Chown(keyFile, uid, gid); err != nil {
		return caerrors.NewPermissionError("Failed to change owner of '%s': %s", keyFile, err)
	}
	log.Debugf("Root key owned by %s:%s", e.cfg.CA.KeyOwner, e.cfg.CA.KeyGroup)
	return nil
}

// lookupOwner resolves names to ids; -1 leaves the id unchanged
func lookupOwner(owner, group string) (int, int, error) {
	uid, gid := -1, -1
	if owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			return 0, 0, errors.Wrapf(err, "Unknown key owner '%s'", owner)
		}
		uid, _ = strconv.Atoi(u.Uid)
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return 0, 0, errors.Wrapf(err, "Unknown key group '%s'", group)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}
	return uid, gid, nil
}

// withPassphrase opens the enclave for the duration of fn
func (e *Engine) withPassphrase(fn func(passphrase []byte) error) error {
	if e.passphrase == nil {
		return errors.New("No root key passphrase was provided")
	}
	buf, err := e.passphrase.Open()
	if err != nil {
		return errors.Wrap(err, "Failed to open passphrase enclave")
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// SafeName is the file name stem used for a common name's artifacts. A
// leading "*." becomes "wildcard."; the certificate keeps the original CN.
func SafeName(commonName string) string {
	if strings.HasPrefix(commonName, "*.") {
		return "wildcard." + commonName[2:]
	}
	return commonName
}
