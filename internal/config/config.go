package config

import "time"

// RelayConfig is the root configuration for a relay instance.
type RelayConfig struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	Identity IdentityConfig `yaml:"identity"`
	Listen   ListenConfig   `yaml:"listen"`
	Router   RouterConfig   `yaml:"router"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Bus      BusConfig      `yaml:"bus"`
	Presence PresenceConfig `yaml:"presence"`
	Health   HealthConfig   `yaml:"health"`
	Log      LogConfig      `yaml:"log"`
}

// UpstreamConfig locates the IRC server.
type UpstreamConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	Reconnect          bool          `yaml:"reconnect"` // Start a new session when the server goes away
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
}

// IdentityConfig is what the relay registers as.
type IdentityConfig struct {
	Nick       string `yaml:"nick"`
	Username   string `yaml:"username"`   // Default: nick
	Hostname   string `yaml:"hostname"`   // Default: "localhost"
	Servername string `yaml:"servername"` // Default: "*"
	Realname   string `yaml:"realname"`   // Default: nick
	Mode       string `yaml:"mode"`       // Default: "+B"
	Password   string `yaml:"password"`   // Server password, usually ${IRC_PASSWORD}
}

// ListenConfig holds the observer listening surfaces.
type ListenConfig struct {
	UnixSocket string          `yaml:"unix_socket"`
	WebSocket  WebSocketConfig `yaml:"websocket"`
}

// WebSocketConfig holds the WebSocket observer endpoint. Empty Addr disables it.
type WebSocketConfig struct {
	Addr         string        `yaml:"addr"`
	Path         string        `yaml:"path"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`
}

// RouterConfig holds relay loop tuning.
type RouterConfig struct {
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	MaxFrameSize    int           `yaml:"max_frame_size"`
	MaxPendingWrite int           `yaml:"max_pending_write"`
	MaxObservers    int           `yaml:"max_observers"`
	MaxNickRetries  int           `yaml:"max_nick_retries"`
	QuitMessage     string        `yaml:"quit_message"`
}

// ArchiveConfig holds the PostgreSQL transcript archive.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// BusConfig holds the NATS mirror.
type BusConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Name          string `yaml:"name"` // NATS client name
	BufferSize    int    `yaml:"buffer_size"`
	Downstream    bool   `yaml:"downstream"` // Also mirror observer-sent frames
}

// PresenceConfig holds the Redis session registry.
type PresenceConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	KeyPrefix       string        `yaml:"key_prefix"`
	TTL             time.Duration `yaml:"ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// HealthConfig holds the health HTTP server. A negative port disables it.
type HealthConfig struct {
	Port int `yaml:"port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
