// Package journal keeps the status history of every certificate the CA
// has been asked to issue. Records are never deleted; only their status
// moves forward.
package journal

import (
	"time"

	"github.com/pkg/errors"
)

// Status of an issued certificate
type Status string

// Issuance states
const (
	Requested   Status = "Requested"
	Signed      Status = "Signed"
	Transferred Status = "Transferred"
	PurgedLocal Status = "PurgedLocal"
	Skipped     Status = "Skipped"
	Aborted     Status = "Aborted"
)

var transitions = map[Status][]Status{
	Requested:   {Signed, Aborted},
	Signed:      {Transferred, Skipped, Aborted},
	Transferred: {PurgedLocal},
}

// CanTransition reports whether a record in state s may move to next
func (s Status) CanTransition(next Status) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Terminal returns true if no further transition is possible
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Record is one issuance attempt
type Record struct {
	ID          uint64    `db:"id" json:"id"`
	CommonName  string    `db:"common_name" json:"common_name"`
	Serial      string    `db:"serial" json:"serial,omitempty"`
	Fingerprint string    `db:"fingerprint" json:"fingerprint,omitempty"`
	Status      Status    `db:"status" json:"status"`
	Reason      string    `db:"reason" json:"reason,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Journal stores issuance records
type Journal interface {
	// Create records a new request for commonName in state Requested
	Create(commonName string) (*Record, error)
	// Update stores rec, whose status must be a legal successor of the
	// stored one
	Update(rec *Record) error
	Get(id uint64) (*Record, error)
	List() ([]*Record, error)
	Close() error
}

// ErrNotFound is returned by Get for an unknown id
var ErrNotFound = errors.New("Journal record not found")

// ErrBusy is returned when another process holds the journal for writing
var ErrBusy = errors.New("Journal is in use by another process")

func newRecord(id uint64, commonName string) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:         id,
		CommonName: commonName,
		Status:     Requested,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func checkTransition(stored, rec *Record) error {
	if stored.CommonName != rec.CommonName {
		return errors.Errorf("Record %d belongs to '%s', not '%s'", stored.ID, stored.CommonName, rec.CommonName)
	}
	if stored.Status == rec.Status {
		return nil
	}
	if !stored.Status.CanTransition(rec.Status) {
		return errors.Errorf("Illegal status transition %s -> %s for '%s' (record %d)",
			stored.Status, rec.Status, stored.CommonName, stored.ID)
	}
	return nil
}

// ForCommonName filters records by common name, oldest first
func ForCommonName(j Journal, commonName string) ([]*Record, error) {
	all, err := j.List()
	if err != nil {
		return nil, err
	}
	var recs []*Record
	for _, rec := range all {
		if rec.CommonName == commonName {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}
