package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rickgao/ircrelay/internal/config"
	"github.com/rickgao/ircrelay/internal/model"
	"github.com/rickgao/ircrelay/internal/router"
)

// Publisher publishes a message. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// flusher is implemented by *nats.Conn.
type flusher interface {
	FlushTimeout(timeout time.Duration) error
}

// Config holds mirror settings.
type Config struct {
	SubjectPrefix string
	BufferSize    int  // Max queued records before Record drops
	Downstream    bool // Also mirror frames sent by observers
}

// Metrics counts mirror activity.
type Metrics struct {
	Published int64
	Errors    int64
	Dropped   int64
}

// Mirror publishes frame records to NATS.
type Mirror struct {
	cfg    Config
	pub    Publisher
	logger *slog.Logger

	input *router.GrowableBuffer[model.FrameRecord]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	metrics Metrics
}

// NewMirror creates a Mirror publishing through pub.
func NewMirror(cfg Config, pub Publisher, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = config.DefaultSubjectPrefix
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = config.DefaultBufferSize
	}
	return &Mirror{
		cfg:    cfg,
		pub:    pub,
		logger: logger.With("component", "bus_mirror"),
		input:  router.NewGrowableBuffer[model.FrameRecord](256),
	}
}

// Record queues rec for publishing. Outbound frames are never mirrored,
// downstream frames only when configured.
func (m *Mirror) Record(rec model.FrameRecord) {
	switch rec.Direction {
	case model.DirectionUpstream:
	case model.DirectionDownstream:
		if !m.cfg.Downstream {
			return
		}
	default:
		return
	}

	if m.input.Len() >= m.cfg.BufferSize || !m.input.Send(rec) {
		m.mu.Lock()
		m.metrics.Dropped++
		m.mu.Unlock()
	}
}

// Start begins publishing.
func (m *Mirror) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.publishLoop()

	m.logger.Info("bus mirror started", "subject_prefix", m.cfg.SubjectPrefix)
	return nil
}

// Stop publishes what is queued and flushes the connection.
func (m *Mirror) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.input.Close()
	m.drain()

	if f, ok := m.pub.(flusher); ok {
		timeout := time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := f.FlushTimeout(timeout); err != nil {
			return fmt.Errorf("flush bus: %w", err)
		}
	}

	m.logger.Info("bus mirror stopped")
	return nil
}

// Stats returns current metrics.
func (m *Mirror) Stats() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

func (m *Mirror) publishLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.input.Ready():
			m.drain()
		}
	}
}

func (m *Mirror) drain() {
	for {
		recs := m.input.DrainTo(0)
		if recs == nil {
			return
		}
		for _, rec := range recs {
			m.publish(rec)
		}
	}
}

func (m *Mirror) publish(rec model.FrameRecord) {
	data, err := json.Marshal(NewEvent(rec))
	if err != nil {
		m.logger.Error("marshal event failed", "error", err, "seq", rec.Seq)
		m.count(0, 1)
		return
	}

	for _, subject := range Subjects(m.cfg.SubjectPrefix, rec) {
		if err := m.pub.Publish(subject, data); err != nil {
			m.logger.Warn("publish failed", "subject", subject, "error", err)
			m.count(0, 1)
			continue
		}
		m.count(1, 0)
	}
}

func (m *Mirror) count(published, errs int64) {
	m.mu.Lock()
	m.metrics.Published += published
	m.metrics.Errors += errs
	m.mu.Unlock()
}

// Connect opens a NATS connection that reconnects forever and logs
// connection state changes.
func Connect(cfg config.BusConfig, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	return nc, nil
}
