package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *RelayConfig) Validate() error {
	if c.Upstream.Host == "" {
		return errors.New("upstream.host is required")
	}
	if c.Upstream.Port < 1 || c.Upstream.Port > 65535 {
		return fmt.Errorf("upstream.port must be between 1 and 65535, got %d", c.Upstream.Port)
	}
	if c.Upstream.ReconnectBaseDelay > c.Upstream.ReconnectMaxDelay {
		return errors.New("upstream.reconnect_base_delay cannot exceed reconnect_max_delay")
	}

	if c.Identity.Nick == "" {
		return errors.New("identity.nick is required")
	}
	if c.Identity.Username == "" {
		return errors.New("identity.username is required")
	}

	if c.Listen.UnixSocket == "" && c.Listen.WebSocket.Addr == "" {
		return errors.New("listen.unix_socket or listen.websocket.addr is required")
	}

	if c.Router.MaxFrameSize < 512 {
		return fmt.Errorf("router.max_frame_size must be >= 512, got %d", c.Router.MaxFrameSize)
	}
	if c.Router.MaxPendingWrite < c.Router.MaxFrameSize {
		return errors.New("router.max_pending_write must be >= router.max_frame_size")
	}
	if c.Router.ReadBufferSize < 1 {
		return errors.New("router.read_buffer_size must be >= 1")
	}
	if c.Router.MaxObservers < 0 {
		return errors.New("router.max_observers must be >= 0")
	}

	if c.Archive.Enabled {
		if err := c.Archive.Database.validate("archive.database"); err != nil {
			return err
		}
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
		if c.Archive.BufferSize < 1 {
			return errors.New("archive.buffer_size must be >= 1")
		}
	}

	if c.Bus.Enabled && c.Bus.URL == "" {
		return errors.New("bus.url is required")
	}

	if c.Presence.Enabled {
		if c.Presence.Addr == "" {
			return errors.New("presence.addr is required")
		}
		if c.Presence.RefreshInterval >= c.Presence.TTL {
			return fmt.Errorf("presence.refresh_interval (%v) must be shorter than presence.ttl (%v)", c.Presence.RefreshInterval, c.Presence.TTL)
		}
	}

	if c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be <= 65535, got %d", c.Health.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
