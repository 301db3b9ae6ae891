package server

import (
	"encoding/base64"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/hostca/api"
	caerrors "github.com/rkcloudchain/hostca/errors"
	"github.com/rkcloudchain/hostca/journal"
	"github.com/rkcloudchain/hostca/metadata"
	"github.com/rkcloudchain/hostca/store"
	"github.com/rkcloudchain/hostca/util"
)

// How long a request waits for an issuing process to release the journal
const journalReadTimeout = 500 * time.Millisecond

// Handle a cainfo request
func cainfoHandler(s *Server, w http.ResponseWriter, r *http.Request) (interface{}, error) {
	st := s.Engine.Store()
	resp := &api.CAInfoResponseNet{
		StoreStatus: st.Status().String(),
		Version:     metadata.GetVersion(),
	}
	if st.Status() == store.Uninitialized {
		return resp, nil
	}

	serial, err := st.NextSerial()
	if err != nil {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrStoreRead, "Failed to read serial counter: %s", err)
	}
	resp.NextSerial = util.GetSerialAsHex(serial)

	if st.Status() != store.RootReady {
		return resp, nil
	}
	certPEM, err := ioutil.ReadFile(st.RootCertFile())
	if err != nil {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrStoreRead, "Failed to read root certificate: %s", err)
	}
	cert, err := util.GetX509CertificateFromPEM(certPEM)
	if err != nil {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrStoreRead, "Invalid root certificate: %s", err)
	}
	resp.CAName = cert.Subject.CommonName
	resp.CAChain = base64.StdEncoding.EncodeToString(certPEM)
	resp.Fingerprint = util.Fingerprint(cert.Raw)
	resp.NotAfter = cert.NotAfter.UTC().Format(time.RFC3339)
	return resp, nil
}

// Handle a ledger request
func ledgerHandler(s *Server, w http.ResponseWriter, r *http.Request) (interface{}, error) {
	entries, err := s.ledger()
	if err != nil {
		return nil, err
	}
	return &api.LedgerResponseNet{Entries: entries}, nil
}

// Handle a request for the history of one common name
func certificateHandler(s *Server, w http.ResponseWriter, r *http.Request) (interface{}, error) {
	cn := strings.TrimSpace(mux.Vars(r)["cn"])
	if cn == "" {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrNotFound, "No common name in request")
	}

	all, err := s.ledger()
	if err != nil {
		return nil, err
	}
	resp := &api.CertificateResponseNet{CommonName: cn}
	for _, entry := range all {
		if entry.CommonName == cn {
			resp.Entries = append(resp.Entries, entry)
		}
	}

	recs, err := s.journalRecords(cn)
	switch {
	case errors.Is(err, journal.ErrBusy):
		log.Warningf("Issuance journal is busy; omitting records for '%s'", cn)
		resp.JournalBusy = true
	case err != nil:
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrStoreRead, "Failed to read issuance journal: %s", err)
	}
	for _, rec := range recs {
		resp.Records = append(resp.Records, recordNet(rec))
	}

	if len(resp.Entries) == 0 && len(resp.Records) == 0 {
		return nil, caerrors.NewNotFoundErr("No certificate was issued for '%s'", cn)
	}
	resp.InstalledFingerprint = s.Engine.Fingerprint(cn)
	return resp, nil
}

// journalRecords reads the records of one common name. An engine that has
// its journal open is read directly; otherwise the journal file is opened
// read-only for the duration of the request so an issuing process can
// still take the write lock.
func (s *Server) journalRecords(cn string) ([]*journal.Record, error) {
	if j := s.Engine.Journal(); j != nil {
		return journal.ForCommonName(j, cn)
	}
	path := s.Engine.Store().JournalFile()
	if !util.FileExists(path) {
		return nil, nil
	}
	j, err := journal.OpenBoltReadOnly(path, journalReadTimeout)
	if err != nil {
		return nil, err
	}
	defer j.Close()
	return journal.ForCommonName(j, cn)
}

func (s *Server) ledger() ([]api.LedgerEntryNet, error) {
	st := s.Engine.Store()
	if st.Status() == store.Uninitialized {
		return nil, caerrors.NewNotFoundErr("CA store %s is not initialized", st.Root())
	}
	entries, err := st.Entries()
	if err != nil {
		log.Errorf("Failed to read ledger: %s", err)
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrStoreRead, "Failed to read ledger: %s", err)
	}
	rtn := make([]api.LedgerEntryNet, len(entries))
	for i := range entries {
		rtn[i] = ledgerEntryNet(&entries[i])
	}
	return rtn, nil
}

func ledgerEntryNet(ie *store.IndexEntry) api.LedgerEntryNet {
	net := api.LedgerEntryNet{
		Status:            string(ie.Status),
		Expiry:            ie.Expiry.UTC().Format(time.RFC3339),
		Serial:            util.GetSerialAsHex(ie.Serial),
		Filename:          ie.Filename,
		DistinguishedName: ie.DistinguishedName,
		CommonName:        ie.CommonName(),
	}
	if !ie.RevocationTime.IsZero() {
		net.RevocationTime = ie.RevocationTime.UTC().Format(time.RFC3339)
	}
	return net
}

func recordNet(rec *journal.Record) api.IssuanceRecordNet {
	return api.IssuanceRecordNet{
		ID:          rec.ID,
		CommonName:  rec.CommonName,
		Serial:      rec.Serial,
		Fingerprint: rec.Fingerprint,
		Status:      string(rec.Status),
		Reason:      rec.Reason,
		CreatedAt:   rec.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
