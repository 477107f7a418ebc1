package config

import (
	"log/slog"
	"time"
)

// RelayConfig is the root configuration for a relay instance.
type RelayConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Server   ServerConfig   `yaml:"server"`
	Relay    RelaySettings  `yaml:"relay"`
	Journal  JournalConfig  `yaml:"journal"`
	Health   HealthConfig   `yaml:"health"`
	Log      LogConfig      `yaml:"log"`
}

// InstanceConfig identifies this relay.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds the WebSocket listener and per-connection settings.
type ServerConfig struct {
	ListenAddr       string        `yaml:"listen_addr"`
	Path             string        `yaml:"path"`
	ReadLimit        int64         `yaml:"read_limit"`        // Max frame size in bytes
	PingInterval     time.Duration `yaml:"ping_interval"`     // 0 disables heartbeats
	PingTimeout      time.Duration `yaml:"ping_timeout"`      // Stale after this long without ping/pong
	WriteTimeout     time.Duration `yaml:"write_timeout"`     // Per-frame write deadline
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // Upgrade handshake deadline
	TextFrames       bool          `yaml:"text_frames"`       // Send text instead of binary messages
}

// RelaySettings controls how received frames are routed.
type RelaySettings struct {
	Mode string `yaml:"mode"` // "broadcast" or "echo"
}

// JournalConfig holds the optional connection event journal.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	CreateSchema  bool          `yaml:"create_schema"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Name             string        `yaml:"name"`
	User             string        `yaml:"user"`
	Password         string        `yaml:"password"`
	SSLMode          string        `yaml:"ssl_mode"`
	MaxConns         int           `yaml:"max_conns"`
	MinConns         int           `yaml:"min_conns"`
	ApplicationName  string        `yaml:"application_name"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"` // 0 leaves the server default
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// SlogLevel parses Level into a slog.Level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.Level))
	return level, err
}
