// Command ircwatch connects to a running ircrelay as an observer and prints
// every relayed line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/ircrelay/internal/framer"
	"github.com/rickgao/ircrelay/internal/version"
)

func main() {
	socketPath := flag.String("socket", "ircrelay.sock", "relay Unix socket path")
	wsURL := flag.String("ws", "", "relay WebSocket URL, e.g. ws://127.0.0.1:6680/observe (overrides -socket)")
	raw := flag.Bool("raw", false, "print lines exactly as received")
	commands := flag.String("commands", "", "comma-separated commands to show (default: all)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, err := dial(ctx, *socketPath, *wsURL)
	if err != nil {
		logger.Error("failed to connect to relay", "error", err)
		os.Exit(1)
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	p := &printer{
		out:    os.Stdout,
		raw:    *raw,
		filter: parseFilter(*commands),
		now:    time.Now,
	}
	if err := watch(conn, p); err != nil && ctx.Err() == nil {
		logger.Error("relay connection lost", "error", err)
		os.Exit(1)
	}
}

func dial(ctx context.Context, socketPath, wsURL string) (io.ReadCloser, error) {
	if wsURL != "" {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", wsURL, err)
		}
		return &wsReader{conn: ws}, nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return conn, nil
}

// watch reads frames from r until it closes, handing each to p.
func watch(r io.Reader, p *printer) error {
	f := framer.New(nil)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, ferr := f.Append(buf[:n]); ferr != nil {
				return ferr
			}
			for {
				frame, ok := f.Next()
				if !ok {
					break
				}
				p.print(frame)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// wsReader turns WebSocket text messages back into CRLF lines.
type wsReader struct {
	conn    *websocket.Conn
	pending []byte
}

func (r *wsReader) Read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		_, msg, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		r.pending = append([]byte(strings.TrimRight(string(msg), "\r\n")), '\r', '\n')
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *wsReader) Close() error {
	return r.conn.Close()
}
