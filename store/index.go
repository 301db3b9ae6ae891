package store

import (
	"bufio"
	"bytes"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/hostca/util"
)

// Ledger row states, as used by OpenSSL's index file
const (
	StatusValid   = 'V'
	StatusRevoked = 'R'
	StatusExpired = 'E'
)

const (
	utcTimeLayout         = "060102150405Z"
	generalizedTimeLayout = "20060102150405Z"
)

// IndexEntry is one ledger row
type IndexEntry struct {
	Status            byte
	Expiry            time.Time
	RevocationTime    time.Time
	Serial            *big.Int
	Filename          string
	DistinguishedName string
}

// CommonName extracts the CN component of the row's distinguished name
func (ie *IndexEntry) CommonName() string {
	for _, part := range strings.Split(ie.DistinguishedName, "/") {
		if strings.HasPrefix(part, "CN=") {
			return strings.TrimPrefix(part, "CN=")
		}
	}
	return ""
}

func (ie *IndexEntry) line() string {
	var buf bytes.Buffer
	buf.WriteByte(ie.Status)
	buf.WriteString("\t")
	buf.WriteString(makeOpenSSLTime(ie.Expiry))
	buf.WriteString("\t")
	if ie.Status == StatusRevoked {
		buf.WriteString(makeOpenSSLTime(ie.RevocationTime))
	}
	buf.WriteString("\t")
	buf.WriteString(util.GetSerialAsHex(ie.Serial))
	buf.WriteString("\t")
	filename := ie.Filename
	if filename == "" {
		filename = "unknown"
	}
	buf.WriteString(filename)
	buf.WriteString("\t")
	buf.WriteString(ie.DistinguishedName)
	buf.WriteString("\n")
	return buf.String()
}

func appendIndexEntry(indexFile string, ie *IndexEntry) error {
	file, err := os.OpenFile(indexFile, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrapf(err, "Could not open ledger '%s' to append a new entry", indexFile)
	}
	defer file.Close()

	if _, err := file.WriteString(ie.line()); err != nil {
		return errors.Wrapf(err, "Could not append serial %s to the ledger", util.GetSerialAsHex(ie.Serial))
	}
	return file.Sync()
}

func readIndex(indexFile string) ([]IndexEntry, error) {
	file, err := os.Open(indexFile)
	if err != nil {
		return nil, errors.Wrapf(err, "Could not open ledger '%s'", indexFile)
	}
	defer file.Close()

	var entries []IndexEntry
	s := bufio.NewScanner(file)
	lineNo := 0
	for s.Scan() {
		lineNo++
		if strings.TrimSpace(s.Text()) == "" {
			continue
		}
		ie, err := parseIndexLine(s.Text())
		if err != nil {
			log.Warningf("Skipping malformed ledger line %d: %s", lineNo, err)
			continue
		}
		entries = append(entries, *ie)
	}
	if err := s.Err(); err != nil {
		return nil, errors.Wrapf(err, "Failed reading ledger '%s'", indexFile)
	}
	return entries, nil
}

func parseIndexLine(line string) (*IndexEntry, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 6 {
		return nil, errors.Errorf("expected 6 fields, found %d", len(fields))
	}
	if len(fields[0]) != 1 {
		return nil, errors.Errorf("invalid status '%s'", fields[0])
	}

	ie := &IndexEntry{
		Status:            fields[0][0],
		Filename:          fields[4],
		DistinguishedName: fields[5],
	}
	switch ie.Status {
	case StatusValid, StatusRevoked, StatusExpired:
	default:
		return nil, errors.Errorf("invalid status '%c'", ie.Status)
	}

	var err error
	ie.Expiry, err = parseOpenSSLTime(fields[1])
	if err != nil {
		return nil, err
	}
	if fields[2] != "" {
		ie.RevocationTime, err = parseOpenSSLTime(fields[2])
		if err != nil {
			return nil, err
		}
	}
	serial, ok := new(big.Int).SetString(fields[3], 16)
	if !ok {
		return nil, errors.Errorf("invalid serial '%s'", fields[3])
	}
	ie.Serial = serial
	return ie, nil
}

// OpenSSL writes UTCTime before 2050 and GeneralizedTime after
func makeOpenSSLTime(t time.Time) string {
	t = t.UTC()
	if t.Year() >= 2050 {
		return t.Format(generalizedTimeLayout)
	}
	return t.Format(utcTimeLayout)
}

func parseOpenSSLTime(s string) (time.Time, error) {
	layout := utcTimeLayout
	if len(s) == len(generalizedTimeLayout) {
		layout = generalizedTimeLayout
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, errors.Wrap(err, fmt.Sprintf("invalid time '%s'", s))
	}
	return t, nil
}
