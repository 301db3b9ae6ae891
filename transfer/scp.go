package transfer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SCPConfig configures the SSH client used for delivery
type SCPConfig struct {
	// known_hosts file used to verify the remote host key
	KnownHostsFile string
	// Optional private key file
	IdentityFile string
	// Authenticate with the keys held by the agent at SSH_AUTH_SOCK
	UseAgent bool
	// Connection timeout; zero waits as long as the network does
	Timeout time.Duration
}

// SCP copies files with the scp sink protocol over an SSH session
type SCP struct {
	cfg SCPConfig
}

// NewSCP returns an SCP transferer
func NewSCP(cfg SCPConfig) *SCP {
	if cfg.KnownHostsFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.KnownHostsFile = filepath.Join(home, ".ssh", "known_hosts")
		}
	}
	return &SCP{cfg: cfg}
}

// Push copies files into target.Dir. Files are sent in order; the first
// failure stops the transfer.
func (s *SCP) Push(ctx context.Context, target RemoteTarget, files ...File) error {
	if err := target.Validate(); err != nil {
		return err
	}
	client, err := s.dial(ctx, target)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return errors.Wrapf(err, "Failed to open SSH session to %s", target.Address())
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "Failed to get session stdin")
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "Failed to get session stdout")
	}

	dir := target.Dir
	if dir == "" {
		dir = "."
	}
	if err = session.Start("scp -qt " + shellQuote(dir)); err != nil {
		return errors.Wrapf(err, "Failed to start scp on %s", target.Address())
	}

	done := make(chan error, 1)
	go func() {
		err := sendFiles(stdin, stdout, files)
		stdin.Close()
		if err != nil {
			done <- err
			return
		}
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		session.Close()
		return errors.Wrap(ctx.Err(), "Transfer cancelled")
	case err = <-done:
		if err != nil {
			return errors.WithMessage(err, fmt.Sprintf("Transfer to %s failed", target))
		}
	}
	log.Debugf("Copied %d files to %s", len(files), target)
	return nil
}

func (s *SCP) dial(ctx context.Context, target RemoteTarget) (*ssh.Client, error) {
	hostKeys, err := knownhosts.New(s.cfg.KnownHostsFile)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to load known hosts file '%s'", s.cfg.KnownHostsFile)
	}
	auth, err := s.authMethods()
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            target.Principal,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         s.cfg.Timeout,
	}

	addr := target.Address()
	log.Debugf("Connecting to %s as %s", addr, target.Principal)
	d := net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to connect to %s", addr)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "SSH handshake with %s failed", addr)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (s *SCP) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if s.cfg.IdentityFile != "" {
		buf, err := ioutil.ReadFile(s.cfg.IdentityFile)
		if err != nil {
			return nil, errors.Wrapf(err, "Could not read identity file '%s'", s.cfg.IdentityFile)
		}
		signer, err := ssh.ParsePrivateKey(buf)
		if err != nil {
			return nil, errors.Wrapf(err, "Failed to parse identity file '%s'", s.cfg.IdentityFile)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if s.cfg.UseAgent {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			log.Warning("SSH agent requested but SSH_AUTH_SOCK is not set")
		} else {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				return nil, errors.Wrap(err, "Failed to connect to SSH agent")
			}
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if len(methods) == 0 {
		return nil, errors.New("No SSH authentication method configured; set an identity file or enable the agent")
	}
	return methods, nil
}

// sendFiles speaks the source side of the scp protocol
func sendFiles(w io.Writer, r io.Reader, files []File) error {
	br := bufio.NewReader(r)
	if err := readAck(br); err != nil {
		return err
	}
	for _, f := range files {
		if err := sendFile(w, br, f); err != nil {
			return errors.WithMessage(err, fmt.Sprintf("Failed to copy '%s'", f.Name()))
		}
	}
	return nil
}

func sendFile(w io.Writer, br *bufio.Reader, f File) error {
	content, err := ioutil.ReadFile(f.Path)
	if err != nil {
		return errors.Wrapf(err, "Could not read '%s'", f.Path)
	}
	if _, err = fmt.Fprintf(w, "C%04o %d %s\n", f.Mode.Perm(), len(content), f.Name()); err != nil {
		return errors.Wrap(err, "Failed to send file header")
	}
	if err = readAck(br); err != nil {
		return err
	}
	if _, err = w.Write(content); err != nil {
		return errors.Wrap(err, "Failed to send file content")
	}
	if _, err = w.Write([]byte{0}); err != nil {
		return errors.Wrap(err, "Failed to terminate file content")
	}
	return readAck(br)
}

// readAck reads a status byte; 1 is a warning and 2 a fatal error, both
// followed by a message line
func readAck(br *bufio.Reader) error {
	b, err := br.ReadByte()
	if err != nil {
		return errors.Wrap(err, "Failed to read scp acknowledgement")
	}
	if b == 0 {
		return nil
	}
	msg, _ := br.ReadString('\n')
	msg = strings.TrimSpace(msg)
	if b == 1 || b == 2 {
		return errors.Errorf("Remote scp: %s", msg)
	}
	return errors.Errorf("Unexpected scp response %q", string(b)+msg)
}

func shellQuote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}
