package journal

import (
	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
)

// Inserter accepts records that were created elsewhere
type Inserter interface {
	Journal
	Insert(rec *Record) error
}

// Mirror writes every record to a primary journal and copies it to a
// secondary one. The primary is authoritative; secondary failures are
// logged and do not fail the operation.
type Mirror struct {
	primary   Journal
	secondary Inserter
}

// NewMirror returns a journal mirroring primary into secondary
func NewMirror(primary Journal, secondary Inserter) *Mirror {
	return &Mirror{primary: primary, secondary: secondary}
}

// Create implements Journal
func (m *Mirror) Create(commonName string) (*Record, error) {
	rec, err := m.primary.Create(commonName)
	if err != nil {
		return nil, err
	}
	cp := *rec
	if err := m.secondary.Insert(&cp); err != nil {
		log.Warningf("Failed to mirror journal record %d: %s", rec.ID, err)
	}
	return rec, nil
}

// Update implements Journal
func (m *Mirror) Update(rec *Record) error {
	if err := m.primary.Update(rec); err != nil {
		return err
	}
	cp := *rec
	if err := m.secondary.Update(&cp); err != nil {
		log.Warningf("Failed to mirror journal update of record %d: %s", rec.ID, err)
	}
	return nil
}

// Get implements Journal
func (m *Mirror) Get(id uint64) (*Record, error) {
	return m.primary.Get(id)
}

// List implements Journal
func (m *Mirror) List() ([]*Record, error) {
	return m.primary.List()
}

// Close closes both journals
func (m *Mirror) Close() error {
	err1 := m.primary.Close()
	err2 := m.secondary.Close()
	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return errors.WithMessage(err2, "Failed to close mirrored journal")
	}
	return nil
}

// Options selects the journal backends
type Options struct {
	// Path of the bbolt file
	Path string
	// Optional SQL mirror
	DBType     string
	Datasource string
}

// Open returns the bbolt journal, mirrored to SQL when a database type is
// configured
func Open(opts Options) (Journal, error) {
	b, err := OpenBolt(opts.Path, 0)
	if err != nil {
		return nil, err
	}
	if opts.DBType == "" {
		return b, nil
	}
	s, err := OpenSQL(opts.DBType, opts.Datasource)
	if err != nil {
		b.Close()
		return nil, errors.WithMessage(err, "Failed to open journal database")
	}
	log.Infof("Mirroring issuance journal to %s database", opts.DBType)
	return NewMirror(b, s), nil
}
