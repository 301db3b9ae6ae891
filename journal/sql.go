package journal

import (
	"database/sql"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/jmoiron/sqlx"
	"github.com/kisielk/sqlstruct"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/hostca/db"
)

func init() {
	sqlstruct.TagName = "db"
}

const (
	insertRecord = `
INSERT INTO issuance_journal (id, common_name, serial, fingerprint, status, reason, created_at, updated_at)
	VALUES (:id, :common_name, :serial, :fingerprint, :status, :reason, :created_at, :updated_at);`

	updateRecord = `
UPDATE issuance_journal
SET serial = :serial, fingerprint = :fingerprint, status = :status, reason = :reason, updated_at = :updated_at
	WHERE (id = :id);`

	nextRecordID = `
SELECT COALESCE(MAX(id), 0) + 1 FROM issuance_journal`
)

var (
	selectRecord  = "SELECT " + sqlstruct.Columns(Record{}) + " FROM issuance_journal WHERE (id = ?)"
	selectRecords = "SELECT " + sqlstruct.Columns(Record{}) + " FROM issuance_journal ORDER BY id"
)

// SQL is a Journal kept in a postgres or mysql database
type SQL struct {
	db db.HostCADB
}

// NewSQL wraps an opened database
func NewSQL(database db.HostCADB) *SQL {
	return &SQL{db: database}
}

// OpenSQL connects to the database and creates the journal table
func OpenSQL(dbType, datasource string) (*SQL, error) {
	database, err := db.Open(dbType, datasource)
	if err != nil {
		return nil, err
	}
	return NewSQL(database), nil
}

func (s *SQL) checkDB() error {
	if s.db == nil || !s.db.IsInitialized() {
		return errors.New("Failed to correctly setup database connection")
	}
	return nil
}

// Create implements Journal
func (s *SQL) Create(commonName string) (*Record, error) {
	result, err := s.doTransaction(func(tx *sqlx.Tx) (interface{}, error) {
		var id uint64
		if err := tx.Get(&id, tx.Rebind(nextRecordID)); err != nil {
			return nil, errors.Wrap(err, "Failed to allocate journal id")
		}
		rec := newRecord(id, commonName)
		if err := insertTx(tx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Record), nil
}

// Insert stores rec under its own id
func (s *SQL) Insert(rec *Record) error {
	_, err := s.doTransaction(func(tx *sqlx.Tx) (interface{}, error) {
		return nil, insertTx(tx, rec)
	})
	return err
}

func insertTx(tx *sqlx.Tx, rec *Record) error {
	log.Debugf("DB: Add journal record %d for '%s'", rec.ID, rec.CommonName)
	res, err := tx.NamedExec(tx.Rebind(insertRecord), rec)
	if err != nil {
		return errors.Wrapf(err, "Error adding journal record for '%s' to the database", rec.CommonName)
	}
	return expectOneRow(res, "add")
}

// Update implements Journal
func (s *SQL) Update(rec *Record) error {
	log.Debugf("DB: Update journal record %d to %s", rec.ID, rec.Status)
	_, err := s.doTransaction(func(tx *sqlx.Tx) (interface{}, error) {
		var stored Record
		if err := tx.Get(&stored, tx.Rebind(selectRecord), rec.ID); err != nil {
			return nil, getError(err, rec.ID)
		}
		if err := checkTransition(&stored, rec); err != nil {
			return nil, err
		}
		rec.CreatedAt = stored.CreatedAt
		rec.UpdatedAt = time.Now().UTC()
		res, err := tx.NamedExec(tx.Rebind(updateRecord), rec)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to update journal record")
		}
		return nil, expectOneRow(res, "update")
	})
	return err
}

// Get implements Journal
func (s *SQL) Get(id uint64) (*Record, error) {
	if err := s.checkDB(); err != nil {
		return nil, err
	}
	var rec Record
	if err := s.db.Get(&rec, s.db.Rebind(selectRecord), id); err != nil {
		return nil, getError(err, id)
	}
	return &rec, nil
}

// List implements Journal
func (s *SQL) List() ([]*Record, error) {
	if err := s.checkDB(); err != nil {
		return nil, err
	}
	var recs []*Record
	if err := s.db.Select(&recs, selectRecords); err != nil {
		return nil, errors.Wrap(err, "Failed to list journal records")
	}
	return recs, nil
}

// Close closes the database when it can be closed
func (s *SQL) Close() error {
	if c, ok := s.db.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (s *SQL) doTransaction(doit func(tx *sqlx.Tx) (interface{}, error)) (interface{}, error) {
	err := s.checkDB()
	if err != nil {
		return nil, err
	}

	tx := s.db.MustBegin()
	result, err := doit(tx)
	if err != nil {
		err2 := tx.Rollback()
		if err2 != nil {
			log.Errorf("Error encountered while rolling back transaction: %s", err2)
		}
		return nil, err
	}

	err = tx.Commit()
	if err != nil {
		return nil, errors.Wrap(err, "Error encountered while committing transaction")
	}

	return result, nil
}

func expectOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return errors.Errorf("Expected to %s one journal record, but %d records were affected", op, n)
	}
	return nil
}

func getError(err error, id uint64) error {
	if err == sql.ErrNoRows {
		return errors.WithMessagef(ErrNotFound, "id %d", id)
	}
	return errors.Wrapf(err, "Failed to get journal record %d", id)
}
