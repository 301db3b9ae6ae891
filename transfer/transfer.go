// Package transfer delivers signed certificate pairs to the host that will
// use them.
package transfer

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultPort is the SSH port used when a target sets none
const DefaultPort = 22

// RemoteTarget is the destination of a delivery
type RemoteTarget struct {
	Host      string
	Principal string
	Port      int
	// Directory on the remote host the files are written to; empty means
	// the principal's login directory
	Dir string
}

// Address returns host:port
func (r RemoteTarget) Address() string {
	port := r.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(r.Host, strconv.Itoa(port))
}

func (r RemoteTarget) String() string {
	s := fmt.Sprintf("%s@%s", r.Principal, r.Address())
	if r.Dir != "" {
		s += ":" + r.Dir
	}
	return s
}

// Validate checks that the target can be dialed
func (r RemoteTarget) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return errors.New("Remote host is not set")
	}
	if strings.TrimSpace(r.Principal) == "" {
		return errors.Errorf("Remote principal for host '%s' is not set", r.Host)
	}
	if r.Port < 0 || r.Port > 65535 {
		return errors.Errorf("Invalid remote port %d", r.Port)
	}
	return nil
}

// File is a local file and the mode it gets on the remote side
type File struct {
	Path string
	Mode os.FileMode
}

// Name is the remote file name
func (f File) Name() string {
	return path.Base(strings.Replace(f.Path, "\\", "/", -1))
}

// Transferer pushes files to a remote target
type Transferer interface {
	Push(ctx context.Context, target RemoteTarget, files ...File) error
}
