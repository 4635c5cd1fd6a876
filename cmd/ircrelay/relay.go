package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/ircrelay/internal/config"
	"github.com/rickgao/ircrelay/internal/connection"
	"github.com/rickgao/ircrelay/internal/presence"
	"github.com/rickgao/ircrelay/internal/router"
)

// relay runs upstream sessions one after another. Each session gets a fresh
// Router and fresh listeners; the taps outlive sessions.
type relay struct {
	cfg       *config.RelayConfig
	connector *connection.Connector
	taps      []router.Tap
	presence  *redis.Client // nil when presence is disabled
	logger    *slog.Logger

	mu       sync.RWMutex
	current  *router.Router
	sessions atomic.Int64
}

// Router returns the router of the current session, or nil before the first
// connect.
func (r *relay) Router() *router.Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Server returns the upstream address.
func (r *relay) Server() string {
	return r.connector.Addr()
}

// Sessions returns how many sessions have been started.
func (r *relay) Sessions() int64 {
	return r.sessions.Load()
}

// stableSession is how long a session must last, when the server never sent
// 001, before the reconnect delay starts over from the base.
const stableSession = time.Minute

func (r *relay) run(ctx context.Context) error {
	base := r.cfg.Upstream.ReconnectBaseDelay
	if base <= 0 {
		base = config.DefaultReconnectBaseDelay
	}
	wait := base
	first := true
	for {
		conn, err := r.dial(ctx, first)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		first = false

		started := time.Now()
		welcomed, err := r.session(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		if !r.cfg.Upstream.Reconnect {
			return err
		}

		if welcomed || time.Since(started) >= stableSession {
			wait = base
		}
		r.logger.Warn("upstream session ended, reconnecting",
			"retry_in", wait,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait = nextDelay(wait, base, r.cfg.Upstream.ReconnectMaxDelay)
	}
}

// nextDelay doubles wait, clamped to [base, maxWait].
func nextDelay(wait, base, maxWait time.Duration) time.Duration {
	wait *= 2
	if wait < base {
		wait = base
	}
	if maxWait > 0 && wait > maxWait {
		wait = maxWait
	}
	return wait
}

// dial connects once for the first session, so a bad address fails startup,
// and retries with backoff for later sessions.
func (r *relay) dial(ctx context.Context, first bool) (net.Conn, error) {
	if first || !r.cfg.Upstream.Reconnect {
		return r.connector.Dial(ctx)
	}
	return r.connector.DialRetry(ctx)
}

// session relays one upstream connection until it ends. welcomed reports
// whether the server sent 001 during the session.
func (r *relay) session(ctx context.Context, conn net.Conn) (welcomed bool, err error) {
	listeners, err := r.openListeners()
	if err != nil {
		conn.Close()
		return false, err
	}

	rt := router.New(routerConfig(r.cfg), conn, r.logger, r.routerOptions()...)
	for _, nl := range listeners {
		rt.AddListener(nl.name, nl.l)
	}

	r.mu.Lock()
	r.current = rt
	r.mu.Unlock()
	r.sessions.Add(1)

	if r.presence != nil {
		reg := presence.NewRegistry(presence.Config{
			KeyPrefix:       r.cfg.Presence.KeyPrefix,
			TTL:             r.cfg.Presence.TTL,
			RefreshInterval: r.cfg.Presence.RefreshInterval,
			Server:          r.Server(),
		}, r.presence, rt, r.logger)
		if err := reg.Start(ctx); err != nil {
			r.logger.Warn("presence registration failed, will retry", "error", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := reg.Stop(stopCtx); err != nil {
				r.logger.Warn("presence removal failed", "error", err)
			}
		}()
	}

	r.logger.Info("upstream session started",
		"session", rt.SessionID(),
		"server", r.Server(),
		"remote", conn.RemoteAddr(),
	)
	err = rt.Run(ctx)
	return rt.Stats().Welcomes > 0, err
}

func (r *relay) routerOptions() []router.Option {
	opts := make([]router.Option, 0, len(r.taps)+1)
	for _, t := range r.taps {
		opts = append(opts, router.WithTap(t))
	}
	opts = append(opts, router.WithIdleHook(func(context.Context) {
		if r.logger.Enabled(context.Background(), slog.LevelDebug) {
			st := r.Router().Stats()
			r.logger.Debug("relay idle",
				"observers", st.Observers,
				"upstream_frames", st.UpstreamFrames,
				"fanned_out", st.FramesFannedOut,
			)
		}
	}))
	return opts
}

type namedListener struct {
	name string
	l    router.Listener
}

func (r *relay) openListeners() ([]namedListener, error) {
	var out []namedListener
	closeAll := func() {
		for _, nl := range out {
			nl.l.Close()
		}
	}

	if path := r.cfg.Listen.UnixSocket; path != "" {
		ul, err := connection.ListenUnix(path)
		if err != nil {
			return nil, err
		}
		r.logger.Info("listening for observers", "listener", "unix", "path", ul.Path())
		out = append(out, namedListener{"unix", ul})
	}

	if ws := r.cfg.Listen.WebSocket; ws.Addr != "" {
		wsCfg := connection.DefaultWebSocketConfig()
		wsCfg.Addr = ws.Addr
		wsCfg.Path = ws.Path
		wsCfg.PingInterval = ws.PingInterval
		wsCfg.PingTimeout = ws.PingTimeout
		wsCfg.MaxMessageSize = int64(r.cfg.Router.MaxFrameSize)

		wl, err := connection.ListenWebSocket(wsCfg, r.logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("listen websocket: %w", err)
		}
		r.logger.Info("listening for observers", "listener", "websocket", "addr", wl.Addr(), "path", ws.Path)
		out = append(out, namedListener{"websocket", wl})
	}

	return out, nil
}

// routerConfig maps the file configuration onto router.Config.
func routerConfig(cfg *config.RelayConfig) router.Config {
	rc := router.DefaultConfig(router.Identity{
		Nick:       cfg.Identity.Nick,
		Username:   cfg.Identity.Username,
		Hostname:   cfg.Identity.Hostname,
		Servername: cfg.Identity.Servername,
		Realname:   cfg.Identity.Realname,
		Mode:       cfg.Identity.Mode,
		Password:   cfg.Identity.Password,
	})
	rc.PollTimeout = cfg.Router.PollTimeout
	rc.RetryInterval = cfg.Router.RetryInterval
	rc.WriteTimeout = cfg.Router.WriteTimeout
	rc.ReadBufferSize = cfg.Router.ReadBufferSize
	rc.MaxFrameSize = cfg.Router.MaxFrameSize
	rc.MaxPendingWrite = cfg.Router.MaxPendingWrite
	rc.MaxObservers = cfg.Router.MaxObservers
	rc.MaxNickRetries = cfg.Router.MaxNickRetries
	rc.QuitMessage = cfg.Router.QuitMessage
	return rc
}
