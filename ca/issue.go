package ca

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"io/ioutil"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	caerrors "github.com/rkcloudchain/hostca/errors"
	"github.com/rkcloudchain/hostca/journal"
	"github.com/rkcloudchain/hostca/policy"
	"github.com/rkcloudchain/hostca/store"
	"github.com/rkcloudchain/hostca/toolchain"
	"github.com/rkcloudchain/hostca/util"
)

// IssuedCertificate is a signed leaf certificate and its local artifacts
type IssuedCertificate struct {
	Serial      *big.Int
	CommonName  string
	SafeName    string
	CertPath    string
	KeyPath     string
	Fingerprint string
	NotAfter    time.Time
	Status      journal.Status

	record *journal.Record
}

// SerialHex returns the serial in ledger format
func (ic *IssuedCertificate) SerialHex() string {
	if ic.Serial == nil {
		return ""
	}
	return util.GetSerialAsHex(ic.Serial)
}

// CertificateRequest holds the subject values a leaf is requested with
type CertificateRequest struct {
	CommonName   string
	Organization string
	Country      string
	State        string
	City         string
	ContactEmail string
	ValidityDays int
}

// NewRequest returns the request for commonName filled from the CSR defaults
func (e *Engine) NewRequest(commonName string) CertificateRequest {
	return CertificateRequest{
		CommonName:   commonName,
		Organization: e.cfg.CSR.Organization,
		Country:      e.cfg.CSR.Country,
		State:        e.cfg.CSR.State,
		City:         e.cfg.CSR.City,
		ContactEmail: e.cfg.CSR.Email,
		ValidityDays: e.cfg.Leaf.ValidityDays,
	}
}

type artifacts struct {
	key, csr, policy, cert string
}

func (e *Engine) artifactsFor(safe string) artifacts {
	base := filepath.Join(e.cfg.WorkDir, safe)
	return artifacts{
		key:    base + ".key",
		csr:    base + ".csr",
		policy: base + ".policy.json",
		cert:   base + ".pem",
	}
}

func (a artifacts) removeAll() {
	for _, f := range []string{a.key, a.csr, a.policy, a.cert} {
		if err := util.RemoveFile(f); err != nil {
			log.Warningf("Failed to clean up: %s", err)
		}
	}
}

// Issue generates a key and CSR for commonName and has the root CA sign
// it. The serial counter and ledger only change when signing succeeds.
// Every error returned is fatal for the run.
func (e *Engine) Issue(commonName string) (*IssuedCertificate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	commonName = strings.TrimSpace(commonName)
	if e.store.Status() != store.RootReady {
		return nil, caerrors.NewBootstrapError("CA store %s has no root certificate", e.store.Root())
	}
	if e.journal == nil {
		return nil, caerrors.NewBootstrapError("CA store %s is not initialized", e.store.Root())
	}
	if commonName == "" || strings.ContainsAny(commonName, `/\`) || strings.Contains(commonName, "..") {
		return nil, caerrors.NewSigningError(caerrors.ErrCSR, "Invalid common name '%s'", commonName)
	}

	rec, err := e.journal.Create(commonName)
	if err != nil {
		return nil, caerrors.NewSigningError(caerrors.ErrLedger, "%s", err)
	}
	ic := &IssuedCertificate{
		CommonName: commonName,
		SafeName:   SafeName(commonName),
		Status:     journal.Requested,
		record:     rec,
	}
	files := e.artifactsFor(ic.SafeName)
	ic.KeyPath = files.key
	ic.CertPath = files.cert

	abort := func(err error) (*IssuedCertificate, error) {
		files.removeAll()
		e.setStatus(ic, journal.Aborted, err.Error())
		return nil, err
	}

	doc, err := policy.Generate(commonName, e.policyDefaults(e.NewRequest(commonName)))
	if err != nil {
		return abort(caerrors.NewSigningError(caerrors.ErrCSR, "Signing policy for '%s' rejected: %s", commonName, err))
	}

	log.Infof("[%s] Generating key and certificate request", commonName)
	if err = e.generateRequest(doc, files); err != nil {
		return abort(err)
	}
	log.Infof("[%s] Certificate request %s ready", commonName, filepath.Base(files.csr))

	serial, err := e.store.NextSerial()
	if err != nil {
		return abort(caerrors.NewSigningError(caerrors.ErrLedger, "Failed to read serial counter: %s", err))
	}
	notAfter, err := e.leafNotAfter(doc.DefaultDays)
	if err != nil {
		return abort(caerrors.NewSigningError(caerrors.ErrSigning, "%s", err))
	}

	log.Infof("[%s] Signing with serial %s", commonName, util.GetSerialAsHex(serial))
	var cert *x509.Certificate
	err = e.withPassphrase(func(passphrase []byte) error {
		var err error
		cert, err = e.toolchain.SignCSR(toolchain.SignRequest{
			CSRFile:    files.csr,
			CertFile:   files.cert,
			CACertFile: e.store.RootCertFile(),
			CAKeyFile:  e.store.RootKeyFile(),
			Passphrase: passphrase,
			Serial:     serial,
			Policy:     doc.Signing(),
			Profile:    policy.LeafProfile,
			NotAfter:   notAfter,
		})
		return err
	})
	if err != nil {
		return abort(caerrors.NewSigningError(caerrors.ErrSigning, "CA refused to sign '%s': %s", commonName, err))
	}

	certPEM, err := ioutil.ReadFile(files.cert)
	if err != nil {
		return abort(caerrors.NewSigningError(caerrors.ErrSigning, "Signed certificate for '%s' is missing: %s", commonName, err))
	}
	err = e.store.Commit(&store.IndexEntry{
		Status:            store.StatusValid,
		Expiry:            cert.NotAfter,
		Serial:            serial,
		DistinguishedName: FormatDN(cert.Subject),
	}, certPEM)
	if err != nil {
		return abort(caerrors.NewSigningError(caerrors.ErrLedger, "Failed to record '%s' in the ledger: %s", commonName, err))
	}

	if err = util.RemoveFile(files.csr); err != nil {
		return abort(caerrors.NewPermissionError("%s", err))
	}
	if err = util.RemoveFile(files.policy); err != nil {
		return abort(caerrors.NewPermissionError("%s", err))
	}
	if err = util.EnforceMode(files.cert, certMode); err != nil {
		return abort(caerrors.NewPermissionError("%s", err))
	}
	if err = util.EnforceMode(files.key, leafKeyMode); err != nil {
		return abort(caerrors.NewPermissionError("%s", err))
	}

	ic.Serial = serial
	ic.NotAfter = cert.NotAfter
	ic.Fingerprint = util.Fingerprint(cert.Raw)
	ic.record.Serial = ic.SerialHex()
	ic.record.Fingerprint = ic.Fingerprint
	e.setStatus(ic, journal.Signed, "")
	log.Infof("[%s] Signed; serial %s, expires %s", commonName, ic.SerialHex(), ic.NotAfter.Format("2006-01-02"))
	return ic, nil
}

// generateRequest writes the audit copy of the policy, the leaf key and
// the CSR. A missing CSR is fatal.
func (e *Engine) generateRequest(doc *policy.Document, files artifacts) error {
	if err := os.MkdirAll(e.cfg.WorkDir, 0700); err != nil {
		return caerrors.NewSigningError(caerrors.ErrCSR, "Failed to create work directory '%s': %s", e.cfg.WorkDir, err)
	}
	rendered, err := doc.Render()
	if err != nil {
		return caerrors.NewSigningError(caerrors.ErrCSR, "%s", err)
	}
	if err = util.WriteFile(files.policy, rendered, 0644); err != nil {
		return caerrors.NewSigningError(caerrors.ErrCSR, "%s", err)
	}

	for _, f := range []string{files.key, files.csr, files.cert} {
		if err = util.RemoveFile(f); err != nil {
			return caerrors.NewPermissionError("Stale artifact cannot be removed: %s", err)
		}
	}
	if err = e.toolchain.GenerateKey(files.key, nil, e.cfg.Leaf.KeyBits); err != nil {
		return caerrors.NewSigningError(caerrors.ErrCSR, "Failed to generate key for '%s': %s", doc.DN.CommonName, err)
	}
	if err = util.EnforceMode(files.key, leafKeyMode); err != nil {
		return caerrors.NewPermissionError("%s", err)
	}

	err = e.toolchain.GenerateCSR(doc.Request(), files.key, files.csr)
	if err != nil {
		return caerrors.NewSigningError(caerrors.ErrCSR, "Failed to generate CSR for '%s': %s", doc.DN.CommonName, err)
	}
	if !util.FileExists(files.csr) {
		return caerrors.NewSigningError(caerrors.ErrCSR, "No certificate request was produced for '%s'", doc.DN.CommonName)
	}
	return nil
}

// leafNotAfter caps a leaf's expiry at the root's
func (e *Engine) leafNotAfter(days int) (time.Time, error) {
	root, err := e.RootCertificate()
	if err != nil {
		return time.Time{}, err
	}
	notAfter := time.Now().UTC().Add(time.Duration(days) * 24 * time.Hour)
	if notAfter.After(root.NotAfter) {
		log.Warningf("Leaf validity of %d days exceeds the root certificate; capping at %s", days, root.NotAfter.Format("2006-01-02"))
		return root.NotAfter, nil
	}
	return notAfter, nil
}

func (e *Engine) policyDefaults(req CertificateRequest) policy.Defaults {
	return policy.Defaults{
		StoreDir:     e.store.Root(),
		RootCertFile: e.store.RootCertFile(),
		RootKeyFile:  e.store.RootKeyFile(),
		Organization: req.Organization,
		Country:      req.Country,
		State:        req.State,
		City:         req.City,
		ContactEmail: req.ContactEmail,
		ValidityDays: req.ValidityDays,
	}
}

// setStatus moves the certificate and its journal record to status. Journal
// failures are logged; the ledger is the record of what was signed.
func (e *Engine) setStatus(ic *IssuedCertificate, status journal.Status, reason string) {
	ic.Status = status
	if ic.record == nil {
		return
	}
	ic.record.Status = status
	ic.record.Reason = reason
	if err := e.journal.Update(ic.record); err != nil {
		log.Warningf("Failed to journal %s for '%s': %s", status, ic.CommonName, err)
	}
}

// FormatDN renders a subject in the slash-separated form used by the ledger
func FormatDN(name pkix.Name) string {
	var b strings.Builder
	add := func(key string, values []string) {
		for _, v := range values {
			b.WriteString("/" + key + "=" + v)
		}
	}
	add("C", name.Country)
	add("ST", name.Province)
	add("L", name.Locality)
	add("O", name.Organization)
	add("OU", name.OrganizationalUnit)
	if name.CommonName != "" {
		add("CN", []string{name.CommonName})
	}
	return b.String()
}
