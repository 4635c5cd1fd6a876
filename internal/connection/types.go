package connection

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrPathNotSocket    = errors.New("path exists and is not a socket")
	ErrNoAddresses      = errors.New("host resolved to no addresses")
	ErrListenerClosed   = errors.New("listener closed")
	ErrStaleConnection  = errors.New("connection stale (no pong)")
	ErrConnectionBroken = errors.New("connection broken")
)

// ConnectorError reports a failure to reach the upstream server.
type ConnectorError struct {
	Op   string // "resolve" or "dial"
	Addr string // host:port being reached
	Err  error
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectorError) Unwrap() error {
	return e.Err
}

// WebSocketConfig configures the WebSocket observer listener.
type WebSocketConfig struct {
	Addr           string        // Listen address, e.g. "127.0.0.1:6680"
	Path           string        // Upgrade path, e.g. "/observe"
	PingInterval   time.Duration // Keepalive ping period
	PingTimeout    time.Duration // Max time without pong before the observer is closed
	MaxMessageSize int64         // Read limit per message
	AcceptBacklog  int           // Upgraded connections waiting for Accept
}

// DefaultWebSocketConfig returns sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Path:           "/observe",
		PingInterval:   30 * time.Second,
		PingTimeout:    60 * time.Second,
		MaxMessageSize: 16384,
		AcceptBacklog:  16,
	}
}
