package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultUpstreamPort       = 6667
	DefaultDialTimeout        = 10 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultHostname           = "localhost"
	DefaultServername         = "*"
	DefaultMode               = "+B"
	DefaultUnixSocket         = "ircrelay.sock"
	DefaultWebSocketPath      = "/observe"
	DefaultWSPingInterval     = 30 * time.Second
	DefaultWSPingTimeout      = 60 * time.Second
	DefaultPollTimeout        = 1 * time.Second
	DefaultRetryInterval      = 50 * time.Millisecond
	DefaultWriteTimeout       = 100 * time.Millisecond
	DefaultReadBufferSize     = 4096
	DefaultMaxFrameSize       = 16384
	DefaultMaxPendingWrite    = 1 << 20
	DefaultMaxNickRetries     = 3
	DefaultQuitMessage        = "ircrelay shutting down"
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 4
	DefaultMinConns           = 1
	DefaultBatchSize          = 500
	DefaultFlushInterval      = 1 * time.Second
	DefaultBufferSize         = 10000
	DefaultBusURL             = "nats://127.0.0.1:4222"
	DefaultSubjectPrefix      = "irc"
	DefaultBusName            = "ircrelay"
	DefaultRedisAddr          = "localhost:6379"
	DefaultKeyPrefix          = "ircrelay:session:"
	DefaultPresenceTTL        = 30 * time.Second
	DefaultPresenceRefresh    = 10 * time.Second
	DefaultHealthPort         = 8080
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

func (c *RelayConfig) applyDefaults() {
	// Upstream defaults
	if c.Upstream.Port == 0 {
		c.Upstream.Port = DefaultUpstreamPort
	}
	if c.Upstream.DialTimeout == 0 {
		c.Upstream.DialTimeout = DefaultDialTimeout
	}
	if c.Upstream.ReconnectBaseDelay == 0 {
		c.Upstream.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Upstream.ReconnectMaxDelay == 0 {
		c.Upstream.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}

	// Identity defaults derive from the nick
	if c.Identity.Username == "" {
		c.Identity.Username = c.Identity.Nick
	}
	if c.Identity.Realname == "" {
		c.Identity.Realname = c.Identity.Nick
	}
	if c.Identity.Hostname == "" {
		c.Identity.Hostname = DefaultHostname
	}
	if c.Identity.Servername == "" {
		c.Identity.Servername = DefaultServername
	}
	if c.Identity.Mode == "" {
		c.Identity.Mode = DefaultMode
	}

	// Listen defaults
	if c.Listen.UnixSocket == "" && c.Listen.WebSocket.Addr == "" {
		c.Listen.UnixSocket = DefaultUnixSocket
	}
	if c.Listen.WebSocket.Path == "" {
		c.Listen.WebSocket.Path = DefaultWebSocketPath
	}
	if c.Listen.WebSocket.PingInterval == 0 {
		c.Listen.WebSocket.PingInterval = DefaultWSPingInterval
	}
	if c.Listen.WebSocket.PingTimeout == 0 {
		c.Listen.WebSocket.PingTimeout = DefaultWSPingTimeout
	}

	// Router defaults
	if c.Router.PollTimeout == 0 {
		c.Router.PollTimeout = DefaultPollTimeout
	}
	if c.Router.RetryInterval == 0 {
		c.Router.RetryInterval = DefaultRetryInterval
	}
	if c.Router.WriteTimeout == 0 {
		c.Router.WriteTimeout = DefaultWriteTimeout
	}
	if c.Router.ReadBufferSize == 0 {
		c.Router.ReadBufferSize = DefaultReadBufferSize
	}
	if c.Router.MaxFrameSize == 0 {
		c.Router.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.Router.MaxPendingWrite == 0 {
		c.Router.MaxPendingWrite = DefaultMaxPendingWrite
	}
	if c.Router.MaxNickRetries == 0 {
		c.Router.MaxNickRetries = DefaultMaxNickRetries
	}
	if c.Router.QuitMessage == "" {
		c.Router.QuitMessage = DefaultQuitMessage
	}

	// Archive defaults
	applyDBDefaults(&c.Archive.Database)
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultFlushInterval
	}
	if c.Archive.BufferSize == 0 {
		c.Archive.BufferSize = DefaultBufferSize
	}

	// Bus defaults
	if c.Bus.URL == "" {
		c.Bus.URL = DefaultBusURL
	}
	if c.Bus.SubjectPrefix == "" {
		c.Bus.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Bus.Name == "" {
		c.Bus.Name = DefaultBusName
	}
	if c.Bus.BufferSize == 0 {
		c.Bus.BufferSize = DefaultBufferSize
	}

	// Presence defaults
	if c.Presence.Addr == "" {
		c.Presence.Addr = DefaultRedisAddr
	}
	if c.Presence.KeyPrefix == "" {
		c.Presence.KeyPrefix = DefaultKeyPrefix
	}
	if c.Presence.TTL == 0 {
		c.Presence.TTL = DefaultPresenceTTL
	}
	if c.Presence.RefreshInterval == 0 {
		c.Presence.RefreshInterval = DefaultPresenceRefresh
	}

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
