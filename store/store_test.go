package store

import (
	"io/ioutil"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	s, err := New(filepath.Join(t.TempDir(), "ca"), "")
	require.NoError(t, err)
	return s
}

func snapshot(t *testing.T, root string) map[string]string {
	files := map[string]string{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		if info.IsDir() {
			files[rel] = "dir " + info.Mode().Perm().String()
			return nil
		}
		buf, err := ioutil.ReadFile(path)
		if err != nil {
			return err
		}
		files[rel] = info.Mode().Perm().String() + " " + string(buf)
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestNewStore(t *testing.T) {
	_, err := New("", "")
	assert.Error(t, err)

	_, err = New(t.TempDir(), "zz")
	assert.Error(t, err)

	_, err = New(t.TempDir(), "00")
	assert.Error(t, err)

	s, err := New(t.TempDir(), "1000")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(s.Root()))
}

func TestEnsureInitializedEmptyStore(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, Uninitialized, s.Status())

	created, err := s.EnsureInitialized()
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Initialized, s.Status())

	for _, dir := range []string{s.CertsDir(), s.CRLDir(), s.NewCertsDir(), s.PrivateDir()} {
		fi, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, fi.IsDir(), dir)
	}
	fi, err := os.Stat(s.PrivateDir())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), fi.Mode().Perm())

	buf, err := ioutil.ReadFile(s.SerialFile())
	require.NoError(t, err)
	assert.Equal(t, "01\n", string(buf))

	entries, err := s.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.False(t, fileExists(s.RootCertFile()))
}

func TestEnsureInitializedIdempotent(t *testing.T) {
	s := newTestStore(t)

	_, err := s.EnsureInitialized()
	require.NoError(t, err)
	first := snapshot(t, s.Root())

	created, err := s.EnsureInitialized()
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, snapshot(t, s.Root()))
}

func TestCommitMonotonicSerials(t *testing.T) {
	s := newTestStore(t)
	_, err := s.EnsureInitialized()
	require.NoError(t, err)

	expiry := time.Date(2035, 1, 2, 3, 4, 5, 0, time.UTC)
	var issued []*big.Int
	for i := 0; i < 3; i++ {
		serial, err := s.NextSerial()
		require.NoError(t, err)
		err = s.Commit(&IndexEntry{
			Status:            StatusValid,
			Expiry:            expiry,
			Serial:            serial,
			DistinguishedName: "/O=Example/CN=host.example.org",
		}, []byte("pem"))
		require.NoError(t, err)
		issued = append(issued, serial)
	}

	for i := 1; i < len(issued); i++ {
		assert.Equal(t, 1, issued[i].Cmp(issued[i-1]), "serials must strictly increase")
	}

	entries, err := s.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(1), entries[0].Serial.Int64())
	assert.Equal(t, int64(3), entries[2].Serial.Int64())
	assert.Equal(t, "host.example.org", entries[1].CommonName())
	assert.True(t, expiry.Equal(entries[0].Expiry))
	assert.True(t, fileExists(filepath.Join(s.NewCertsDir(), "02.pem")))

	next, err := s.NextSerial()
	require.NoError(t, err)
	assert.Equal(t, int64(4), next.Int64())
}

func TestCommitRejectsStaleSerial(t *testing.T) {
	s := newTestStore(t)
	_, err := s.EnsureInitialized()
	require.NoError(t, err)

	err = s.Commit(&IndexEntry{Status: StatusValid, Serial: big.NewInt(7)}, nil)
	assert.Error(t, err)

	err = s.Commit(&IndexEntry{Status: StatusValid}, nil)
	assert.Error(t, err)

	entries, err := s.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFixedWidthSerial(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "ca"), "1000")
	require.NoError(t, err)
	_, err = s.EnsureInitialized()
	require.NoError(t, err)

	serial, err := s.NextSerial()
	require.NoError(t, err)
	require.NoError(t, s.Commit(&IndexEntry{Status: StatusValid, Expiry: time.Now(), Serial: serial, DistinguishedName: "/CN=a"}, nil))

	buf, err := ioutil.ReadFile(s.SerialFile())
	require.NoError(t, err)
	assert.Equal(t, "1001\n", string(buf))
}

func TestParseIndexLine(t *testing.T) {
	ie, err := parseIndexLine("R\t350102030405Z\t260101000000Z\t0A\tunknown\t/CN=*.example.org")
	require.NoError(t, err)
	assert.Equal(t, byte(StatusRevoked), ie.Status)
	assert.Equal(t, int64(10), ie.Serial.Int64())
	assert.Equal(t, "*.example.org", ie.CommonName())
	assert.Equal(t, 2026, ie.RevocationTime.Year())

	_, err = parseIndexLine("X\t350102030405Z\t\t0A\tunknown\t/CN=a")
	assert.Error(t, err)
	_, err = parseIndexLine("V\t350102030405Z")
	assert.Error(t, err)
}

func TestOpenSSLTime(t *testing.T) {
	late := time.Date(2051, 6, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "20510601000000Z", makeOpenSSLTime(late))
	parsed, err := parseOpenSSLTime("20510601000000Z")
	require.NoError(t, err)
	assert.True(t, late.Equal(parsed))
}

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}
