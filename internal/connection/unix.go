package connection

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"

	"github.com/rickgao/ircrelay/internal/router"
)

// UnixListener accepts observers on a Unix-domain stream socket.
type UnixListener struct {
	ln   *net.UnixListener
	path string
}

// ListenUnix listens on path. A leftover socket file from an earlier run is
// removed first; any other kind of file at path is an error.
// The socket file is unlinked on Close.
func ListenUnix(path string) (*UnixListener, error) {
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", path, err)
	}
	ln.SetUnlinkOnClose(true)

	return &UnixListener{ln: ln, path: path}, nil
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("listen unix %s: %w", path, ErrPathNotSocket)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	return nil
}

// Accept waits for the next observer.
func (l *UnixListener) Accept() (router.Conn, error) {
	conn, err := l.ln.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Close stops listening and removes the socket file.
func (l *UnixListener) Close() error {
	return l.ln.Close()
}

// Addr returns the socket address.
func (l *UnixListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Path returns the socket file path.
func (l *UnixListener) Path() string {
	return l.path
}
