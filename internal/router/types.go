package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/ircrelay/internal/ircmsg"
	"github.com/rickgao/ircrelay/internal/model"
)

// Errors
var (
	ErrUpstreamClosed   = errors.New("upstream closed")
	ErrAlreadyRunning   = errors.New("router already running")
	ErrSlowObserver     = errors.New("observer write backlog exceeded")
	ErrTooManyObservers = errors.New("observer limit reached")
)

// Conn is a bidirectional byte stream the Router reads and writes.
// net.Conn satisfies it.
type Conn interface {
	io.ReadWriteCloser
	SetWriteDeadline(t time.Time) error
}

// Listener yields downstream connections.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() net.Addr
}

// Identity is what the relay registers upstream as.
type Identity struct {
	Nick       string
	Username   string
	Hostname   string
	Servername string
	Realname   string
	Mode       string // Default: "+B"
	Password   string // Sent as PASS when non-empty
}

// Config holds configuration for the Router.
type Config struct {
	Identity Identity

	PollTimeout     time.Duration // Default: 1s, idle tick interval
	RetryInterval   time.Duration // Default: 50ms, wait while writes are pending
	WriteTimeout    time.Duration // Default: 100ms, per-drain write deadline
	ReadBufferSize  int           // Default: 4096
	MaxFrameSize    int           // Default: 16384
	MaxPendingWrite int           // Default: 1 MiB per observer
	MaxObservers    int           // Default: 0 (unlimited)
	MaxNickRetries  int           // Default: 3
	EventBufferSize int           // Default: 256
	QuitMessage     string        // Sent as QUIT on cancellation; empty sends a bare QUIT
}

// DefaultConfig returns default configuration with the given identity.
func DefaultConfig(id Identity) Config {
	if id.Mode == "" {
		id.Mode = "+B"
	}
	return Config{
		Identity:        id,
		PollTimeout:     time.Second,
		RetryInterval:   50 * time.Millisecond,
		WriteTimeout:    100 * time.Millisecond,
		ReadBufferSize:  4096,
		MaxFrameSize:    16384,
		MaxPendingWrite: 1 << 20,
		MaxNickRetries:  3,
		EventBufferSize: 256,
	}
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Identity)
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.MaxPendingWrite <= 0 {
		c.MaxPendingWrite = d.MaxPendingWrite
	}
	if c.MaxNickRetries < 0 {
		c.MaxNickRetries = 0
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = d.EventBufferSize
	}
	if c.Identity.Mode == "" {
		c.Identity.Mode = d.Identity.Mode
	}
	return c
}

// State is the session lifecycle state.
type State int32

const (
	StateInit State = iota
	StateRegistering
	StateRegistered
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Stats contains runtime statistics.
type Stats struct {
	State     State
	Observers int
	Nick      string

	UpstreamFrames int64
	UpstreamBytes  int64
	ParseErrors    int64
	Pongs          int64
	Welcomes       int64
	NickRetries    int64

	FramesFannedOut int64 // frame copies queued to observers
	ObserverFrames  int64 // frames received from observers
	Accepted        int64
	Dropped         int64

	Ticks     int64
	IdleTicks int64

	EventBuffer BufferStats
}

// ObserverInfo describes one connected downstream observer.
type ObserverInfo struct {
	ID           uuid.UUID `json:"id"`
	Listener     string    `json:"listener"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	PendingWrite int       `json:"pending_write"`
	FramesSent   int64     `json:"frames_sent"`
}

// Upstream lets a Handler send messages to the IRC server. It is only valid
// for the duration of the HandleFrame call.
type Upstream interface {
	Send(msg *ircmsg.Message)
}

// Handler receives complete frames sent by observers.
type Handler interface {
	HandleFrame(ctx context.Context, from ObserverInfo, frame []byte, up Upstream)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, from ObserverInfo, frame []byte, up Upstream)

// HandleFrame calls f.
func (f HandlerFunc) HandleFrame(ctx context.Context, from ObserverInfo, frame []byte, up Upstream) {
	f(ctx, from, frame, up)
}

// LogHandler records observer frames in the log and does nothing else.
type LogHandler struct {
	Logger *slog.Logger
}

// HandleFrame logs the frame at debug level.
func (h LogHandler) HandleFrame(_ context.Context, from ObserverInfo, frame []byte, _ Upstream) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("observer frame",
		"observer", from.ID,
		"listener", from.Listener,
		"bytes", len(frame),
	)
}

// Tap observes relayed frames. Record is called from the Router loop and
// must not block.
type Tap interface {
	Record(rec model.FrameRecord)
}

// TapFunc adapts a function to Tap.
type TapFunc func(rec model.FrameRecord)

// Record calls f.
func (f TapFunc) Record(rec model.FrameRecord) {
	f(rec)
}

// Option configures a Router.
type Option func(*Router)

// WithHandler sets the observer frame handler. Default: LogHandler.
func WithHandler(h Handler) Option {
	return func(r *Router) {
		if h != nil {
			r.handler = h
		}
	}
}

// WithTap registers a tap.
func WithTap(t Tap) Option {
	return func(r *Router) {
		if t != nil {
			r.taps = append(r.taps, t)
		}
	}
}

// WithIdleHook registers a function run on every idle tick.
func WithIdleHook(fn func(ctx context.Context)) Option {
	return func(r *Router) {
		if fn != nil {
			r.idleHooks = append(r.idleHooks, fn)
		}
	}
}

// WithSessionID overrides the generated session id.
func WithSessionID(id uuid.UUID) Option {
	return func(r *Router) {
		r.sessionID = id
	}
}

// netListener adapts a net.Listener.
type netListener struct {
	net.Listener
}

// NetListener adapts l to a Listener.
func NetListener(l net.Listener) Listener {
	return netListener{l}
}

func (l netListener) Accept() (Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return c, nil
}

// event kinds posted by reader and acceptor goroutines.
type eventKind int

const (
	evData eventKind = iota
	evClosed
	evAccepted
	evListenerFailed
)

type source int

const (
	srcUpstream source = iota
	srcListener
	srcDownstream
)

type event struct {
	kind     eventKind
	src      source
	id       uuid.UUID // downstream id
	listener string
	conn     Conn
	data     []byte
	err      error
}
