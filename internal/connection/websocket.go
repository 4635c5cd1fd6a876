package connection

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/ircrelay/internal/router"
)

var crlf = []byte("\r\n")

// WebSocketListener accepts observers over WebSocket. Each text message an
// observer sends is one line; each line relayed to it is one text message.
//
// It is an http.Handler and can be mounted on any server, or bound to its own
// address with ListenWebSocket.
type WebSocketListener struct {
	cfg      WebSocketConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	conns     chan router.Conn
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	srv  *http.Server
	addr net.Addr
}

// NewWebSocketListener creates an unbound listener.
func NewWebSocketListener(cfg WebSocketConfig, logger *slog.Logger) *WebSocketListener {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AcceptBacklog <= 0 {
		cfg.AcceptBacklog = DefaultWebSocketConfig().AcceptBacklog
	}

	return &WebSocketListener{
		cfg:    cfg,
		logger: logger.With("component", "websocket"),
		conns:  make(chan router.Conn, cfg.AcceptBacklog),
		done:   make(chan struct{}),
	}
}

// ListenWebSocket binds cfg.Addr and serves upgrades on cfg.Path.
func ListenWebSocket(cfg WebSocketConfig, logger *slog.Logger) (*WebSocketListener, error) {
	l := NewWebSocketListener(cfg, logger)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen websocket %s: %w", cfg.Addr, err)
	}

	go func() {
		if err := l.Serve(ln); err != nil {
			l.logger.Error("websocket server failed", "error", err)
		}
	}()

	return l, nil
}

// Serve serves upgrades on ln until Close.
func (l *WebSocketListener) Serve(ln net.Listener) error {
	path := l.cfg.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.Handle(path, l)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	l.mu.Lock()
	l.srv = srv
	l.addr = ln.Addr()
	l.mu.Unlock()

	l.logger.Info("websocket listener started", "addr", ln.Addr().String(), "path", path)

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP upgrades the request and queues the connection for Accept.
func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newWSConn(conn, l.cfg, l.logger)
	select {
	case l.conns <- c:
	case <-l.done:
		c.Close()
	}
}

// Accept waits for the next upgraded connection.
func (l *WebSocketListener) Accept() (router.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

// Close stops the server and closes connections not yet accepted.
func (l *WebSocketListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)

		l.mu.Lock()
		srv := l.srv
		l.mu.Unlock()
		if srv != nil {
			err = srv.Close()
		}

		for {
			select {
			case c := <-l.conns:
				c.Close()
			default:
				return
			}
		}
	})
	return err
}

// Addr returns the bound address, or a placeholder when mounted elsewhere.
func (l *WebSocketListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.addr != nil {
		return l.addr
	}
	return wsAddr(l.cfg.Path)
}

type wsAddr string

func (a wsAddr) Network() string { return "websocket" }
func (a wsAddr) String() string  { return string(a) }

// wsConn presents a WebSocket as a CRLF-delimited byte stream.
type wsConn struct {
	conn   *websocket.Conn
	cfg    WebSocketConfig
	logger *slog.Logger

	rbuf []byte // rest of the current inbound line, CRLF included
	wbuf []byte // incomplete outbound line

	mu       sync.RWMutex
	lastPong time.Time

	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, cfg WebSocketConfig, logger *slog.Logger) *wsConn {
	c := &wsConn{
		conn:     conn,
		cfg:      cfg,
		logger:   logger.With("remote", conn.RemoteAddr().String()),
		lastPong: time.Now(),
		done:     make(chan struct{}),
	}

	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	// Either side's keepalive proves the peer is alive.
	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	if cfg.PingInterval > 0 {
		go c.heartbeatLoop()
	}
	return c
}

// Read returns bytes of the current message followed by CRLF.
func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.rbuf) == 0 {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		data = bytes.TrimRight(data, "\r\n")
		c.rbuf = append(append(c.rbuf[:0], data...), crlf...)
	}

	n := copy(p, c.rbuf)
	c.rbuf = c.rbuf[n:]
	return n, nil
}

// Write sends every complete line in p as one text message and keeps an
// incomplete tail for the next call. Any failure breaks the connection.
func (c *wsConn) Write(p []byte) (int, error) {
	c.wbuf = append(c.wbuf, p...)

	consumed := 0
	for {
		i := bytes.Index(c.wbuf[consumed:], crlf)
		if i < 0 {
			break
		}
		line := c.wbuf[consumed : consumed+i]
		if err := c.conn.WriteMessage(websocket.TextMessage, line); err != nil {
			// Not reported as a timeout: gorilla connections are unusable
			// after any write error.
			return len(p), fmt.Errorf("%w: %v", ErrConnectionBroken, err)
		}
		consumed += i + len(crlf)
	}

	rest := copy(c.wbuf, c.wbuf[consumed:])
	c.wbuf = c.wbuf[:rest]
	return len(p), nil
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Close sends a close frame and closes the socket. Safe to call twice.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) touch() {
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
}

// heartbeatLoop pings the observer and closes it when pongs stop.
func (c *wsConn) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(time.Second)
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			c.mu.RLock()
			lastPong := c.lastPong
			c.mu.RUnlock()

			if c.cfg.PingTimeout > 0 && time.Since(lastPong) > c.cfg.PingTimeout {
				c.logger.Warn("closing stale websocket observer",
					"last_pong", lastPong,
					"timeout", c.cfg.PingTimeout,
					"error", ErrStaleConnection,
				)
				c.Close()
				return
			}
		}
	}
}
