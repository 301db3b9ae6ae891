package store

import (
	"io/ioutil"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rkcloudchain/hostca/util"
)

func parseSerial(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("Serial is empty")
	}
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, errors.Errorf("Serial '%s' is not a hexadecimal number", s)
	}
	if n.Sign() <= 0 {
		return nil, errors.Errorf("Serial '%s' must be positive", s)
	}
	return n, nil
}

// formatSerial pads to the width of the configured first serial so the
// counter keeps a fixed width until it outgrows it
func (s *Store) formatSerial(n *big.Int) string {
	hex := util.GetSerialAsHex(n)
	width := len(strings.TrimSpace(s.firstSerial))
	if width%2 == 1 {
		width++
	}
	for len(hex) < width {
		hex = "0" + hex
	}
	return hex
}

func (s *Store) readSerial() (*big.Int, error) {
	buf, err := ioutil.ReadFile(s.SerialFile())
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read serial counter '%s'", s.SerialFile())
	}
	n, err := parseSerial(string(buf))
	if err != nil {
		return nil, errors.WithMessage(err, "Corrupt serial counter")
	}
	return n, nil
}

// writeSerial replaces the counter atomically
func (s *Store) writeSerial(n *big.Int) error {
	tmp, err := ioutil.TempFile(s.root, ".serial-")
	if err != nil {
		return errors.Wrap(err, "Failed to create temporary serial file")
	}
	defer os.Remove(tmp.Name())

	if _, err = tmp.WriteString(s.formatSerial(n) + "\n"); err != nil {
		tmp.Close()
		return errors.Wrap(err, "Failed to write serial counter")
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "Failed to sync serial counter")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "Failed to close serial counter")
	}
	if err = os.Chmod(tmp.Name(), 0644); err != nil {
		return errors.Wrap(err, "Failed to set mode of serial counter")
	}
	if err = os.Rename(tmp.Name(), filepath.Join(s.root, serialFile)); err != nil {
		return errors.Wrap(err, "Failed to replace serial counter")
	}
	return nil
}
