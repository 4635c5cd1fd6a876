package connection

import (
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func socketPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "relay.sock")
}

func TestListenUnix_AcceptAndClose(t *testing.T) {
	path := socketPath(t)

	l, err := ListenUnix(path)
	if err != nil {
		t.Fatalf("ListenUnix failed: %v", err)
	}
	if l.Path() != path {
		t.Errorf("Path() = %q, want %q", l.Path(), path)
	}
	if l.Addr().String() != path {
		t.Errorf("Addr() = %q, want %q", l.Addr().String(), path)
	}

	go func() {
		c, err := net.Dial("unix", path)
		if err != nil {
			return
		}
		c.Write([]byte("NICK finch\r\n"))
		c.Close()
	}()

	conn, err := l.Accept()
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "NICK finch\r\n" {
		t.Errorf("read %q, want %q", data, "NICK finch\r\n")
	}
	conn.Close()

	if err := l.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, err := os.Lstat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket file still present after Close: %v", err)
	}
	if _, err := l.Accept(); err == nil {
		t.Error("Accept after Close succeeded")
	}
}

func TestListenUnix_RemovesStaleSocket(t *testing.T) {
	path := socketPath(t)

	// Leave a socket file behind the way a crashed process would.
	stale, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("setup listen failed: %v", err)
	}
	stale.SetUnlinkOnClose(false)
	stale.Close()

	if _, err := os.Lstat(path); err != nil {
		t.Fatalf("stale socket missing: %v", err)
	}

	l, err := ListenUnix(path)
	if err != nil {
		t.Fatalf("ListenUnix over stale socket failed: %v", err)
	}
	defer l.Close()

	done := make(chan error, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			c.Close()
		}
		done <- err
	}()

	c, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	c.Close()
	if err := <-done; err != nil {
		t.Errorf("Accept failed: %v", err)
	}
}

func TestListenUnix_RefusesRegularFile(t *testing.T) {
	path := socketPath(t)
	if err := os.WriteFile(path, []byte("not a socket"), 0o600); err != nil {
		t.Fatal(err)
	}

	l, err := ListenUnix(path)
	if err == nil {
		l.Close()
		t.Fatal("ListenUnix succeeded over a regular file")
	}
	if !errors.Is(err, ErrPathNotSocket) {
		t.Errorf("error = %v, want ErrPathNotSocket", err)
	}

	data, err := os.ReadFile(path)
	if err != nil || string(data) != "not a socket" {
		t.Errorf("regular file was modified: %q, %v", data, err)
	}
}
