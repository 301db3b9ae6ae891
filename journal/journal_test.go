package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBolt(t *testing.T) *Bolt {
	b, err := OpenBolt(filepath.Join(t.TempDir(), "journal.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, Requested.CanTransition(Signed))
	assert.True(t, Requested.CanTransition(Aborted))
	assert.True(t, Signed.CanTransition(Transferred))
	assert.True(t, Signed.CanTransition(Skipped))
	assert.True(t, Transferred.CanTransition(PurgedLocal))

	assert.False(t, Requested.CanTransition(Transferred))
	assert.False(t, Skipped.CanTransition(Transferred))
	assert.False(t, PurgedLocal.CanTransition(Requested))

	for _, s := range []Status{PurgedLocal, Skipped, Aborted} {
		assert.True(t, s.Terminal(), string(s))
	}
	assert.False(t, Signed.Terminal())
}

func TestBoltLifecycle(t *testing.T) {
	b := openTestBolt(t)

	rec, err := b.Create("ldap.example.org")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.ID)
	assert.Equal(t, Requested, rec.Status)

	rec.Status = Signed
	rec.Serial = "01"
	require.NoError(t, b.Update(rec))

	rec.Status = Transferred
	require.NoError(t, b.Update(rec))
	rec.Status = PurgedLocal
	require.NoError(t, b.Update(rec))

	got, err := b.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, PurgedLocal, got.Status)
	assert.Equal(t, "01", got.Serial)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

	got.Status = Signed
	assert.Error(t, b.Update(got), "terminal records cannot move")
}

func TestBoltIllegalTransition(t *testing.T) {
	b := openTestBolt(t)

	rec, err := b.Create("mail.example.org")
	require.NoError(t, err)
	rec.Status = Transferred
	assert.Error(t, b.Update(rec))

	stored, err := b.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, Requested, stored.Status)
}

func TestBoltGetMissing(t *testing.T) {
	b := openTestBolt(t)
	_, err := b.Get(42)
	require.Error(t, err)
	assert.Equal(t, ErrNotFound, errors.Cause(err))

	assert.Error(t, b.Update(&Record{ID: 42, Status: Signed}))
}

func TestBoltListAndFilter(t *testing.T) {
	b := openTestBolt(t)
	for _, cn := range []string{"a.example.org", "b.example.org", "a.example.org"} {
		_, err := b.Create(cn)
		require.NoError(t, err)
	}

	all, err := b.List()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(3), all[2].ID)

	recs, err := ForCommonName(b, "a.example.org")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(1), recs[0].ID)
	assert.Equal(t, uint64(3), recs[1].ID)
}

func TestBoltInsertKeepsSequence(t *testing.T) {
	b := openTestBolt(t)
	now := time.Now().UTC()
	require.NoError(t, b.Insert(&Record{ID: 7, CommonName: "x.example.org", Status: Requested, CreatedAt: now, UpdatedAt: now}))
	assert.Error(t, b.Insert(&Record{ID: 7, CommonName: "x.example.org", Status: Requested}))

	rec, err := b.Create("y.example.org")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), rec.ID)
}

func TestBoltReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	b, err := OpenBolt(path, 0)
	require.NoError(t, err)
	_, err = b.Create("www.example.org")
	require.NoError(t, err)

	_, err = OpenBolt(path, 50*time.Millisecond)
	assert.Error(t, err, "the file lock must keep a second writer out")
	require.NoError(t, b.Close())

	b, err = OpenBolt(path, 0)
	require.NoError(t, err)
	defer b.Close()
	recs, err := b.List()
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

type failingInserter struct {
	*Bolt
	inserts int
}

func (f *failingInserter) Insert(rec *Record) error {
	f.inserts++
	return errors.New("database unavailable")
}

func TestBoltReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	_, err := OpenBoltReadOnly(path, 50*time.Millisecond)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrBusy))

	w, err := OpenBolt(path, 0)
	require.NoError(t, err)
	_, err = w.Create("mail.example.org")
	require.NoError(t, err)

	_, err = OpenBoltReadOnly(path, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBusy))
	require.NoError(t, w.Close())

	r, err := OpenBoltReadOnly(path, 0)
	require.NoError(t, err)
	recs, err := ForCommonName(r, "mail.example.org")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, Requested, recs[0].Status)
	require.NoError(t, r.Close())

	w, err = OpenBolt(path, 0)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestMirror(t *testing.T) {
	primary := openTestBolt(t)
	secondary := openTestBolt(t)
	m := NewMirror(primary, secondary)

	rec, err := m.Create("ldap.example.org")
	require.NoError(t, err)
	rec.Status = Signed
	require.NoError(t, m.Update(rec))

	copied, err := secondary.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, Signed, copied.Status)
	assert.Equal(t, "ldap.example.org", copied.CommonName)

	broken := &failingInserter{Bolt: openTestBolt(t)}
	m = NewMirror(primary, broken)
	rec, err = m.Create("mail.example.org")
	require.NoError(t, err, "mirror failures must not fail the primary")
	assert.Equal(t, 1, broken.inserts)
	got, err := m.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "mail.example.org", got.CommonName)
}

func TestOpenBoltOnly(t *testing.T) {
	j, err := Open(Options{Path: filepath.Join(t.TempDir(), "journal.db")})
	require.NoError(t, err)
	defer j.Close()
	_, ok := j.(*Bolt)
	assert.True(t, ok)
}

func TestSQLJournal(t *testing.T) {
	datasource := os.Getenv("HOSTCA_TEST_POSTGRES")
	if datasource == "" {
		t.Skip("HOSTCA_TEST_POSTGRES not set")
	}
	s, err := OpenSQL("postgres", datasource)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.Create("sql.example.org")
	require.NoError(t, err)
	rec.Status = Aborted
	rec.Reason = "test"
	require.NoError(t, s.Update(rec))

	got, err := s.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, Aborted, got.Status)
}
