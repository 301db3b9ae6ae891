package journal

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

var recordsBucket = []byte("records")

// Bolt is a Journal stored in a single bbolt file
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the journal file. A second process holding
// the file makes the open fail after timeout.
func OpenBolt(path string, timeout time.Duration) (*Bolt, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	log.Debugf("Opening issuance journal %s", path)
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to open journal '%s'; is another process using the store?", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "Failed to create journal bucket")
	}
	return &Bolt{db: db}, nil
}

// OpenBoltReadOnly opens an existing journal file for reading. The shared
// lock conflicts only with a writer; ErrBusy is returned when one holds the
// file for longer than timeout.
func OpenBoltReadOnly(path string, timeout time.Duration) (*Bolt, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout, ReadOnly: true})
	if err != nil {
		if errors.Is(err, berrors.ErrTimeout) {
			return nil, errors.WithMessagef(ErrBusy, "journal '%s'", path)
		}
		return nil, errors.Wrapf(err, "Failed to open journal '%s' for reading", path)
	}
	return &Bolt{db: db}, nil
}

// Create implements Journal
func (b *Bolt) Create(commonName string) (*Record, error) {
	var rec *Record
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(recordsBucket)
		id, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		rec = newRecord(id, commonName)
		return putRecord(bkt, rec)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to journal request for '%s'", commonName)
	}
	return rec, nil
}

// Insert stores rec under its own id. Used to mirror another journal.
func (b *Bolt) Insert(rec *Record) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(recordsBucket)
		if bkt.Get(itob(rec.ID)) != nil {
			return errors.Errorf("Journal record %d already exists", rec.ID)
		}
		if rec.ID > bkt.Sequence() {
			if err := bkt.SetSequence(rec.ID); err != nil {
				return err
			}
		}
		return putRecord(bkt, rec)
	})
}

// Update implements Journal
func (b *Bolt) Update(rec *Record) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(recordsBucket)
		stored, err := getRecord(bkt, rec.ID)
		if err != nil {
			return err
		}
		if err = checkTransition(stored, rec); err != nil {
			return err
		}
		rec.CreatedAt = stored.CreatedAt
		rec.UpdatedAt = time.Now().UTC()
		return putRecord(bkt, rec)
	})
}

// Get implements Journal
func (b *Bolt) Get(id uint64) (*Record, error) {
	var rec *Record
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(recordsBucket)
		if bkt == nil {
			return errors.WithMessagef(ErrNotFound, "id %d", id)
		}
		var err error
		rec, err = getRecord(bkt, id)
		return err
	})
	return rec, err
}

// List implements Journal. Records are returned in id order.
func (b *Bolt) List() ([]*Record, error) {
	var recs []*Record
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(recordsBucket)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			rec := new(Record)
			if err := json.Unmarshal(v, rec); err != nil {
				return errors.Wrapf(err, "Corrupt journal record %d", binary.BigEndian.Uint64(k))
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

// Close releases the file lock
func (b *Bolt) Close() error {
	return b.db.Close()
}

func getRecord(bkt *bolt.Bucket, id uint64) (*Record, error) {
	v := bkt.Get(itob(id))
	if v == nil {
		return nil, errors.WithMessagef(ErrNotFound, "id %d", id)
	}
	rec := new(Record)
	if err := json.Unmarshal(v, rec); err != nil {
		return nil, errors.Wrapf(err, "Corrupt journal record %d", id)
	}
	return rec, nil
}

func putRecord(bkt *bolt.Bucket, rec *Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "Failed to marshal journal record")
	}
	return bkt.Put(itob(rec.ID), buf)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
