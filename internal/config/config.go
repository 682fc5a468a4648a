package config

import (
	"time"

	"github.com/rickgao/blocklink/internal/connection"
)

// Config is the root configuration for a blocklink worker.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Backend  BackendConfig  `yaml:"backend"`
	Database DBConfig       `yaml:"database"`
	Recorder RecorderConfig `yaml:"recorder"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// InstanceConfig identifies this worker.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// BackendConfig holds indexing backend connection settings.
type BackendConfig struct {
	Endpoints      []string      `yaml:"endpoints"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	KeepAlive      bool          `yaml:"keep_alive"`
	FrameBuffer    int           `yaml:"frame_buffer"`
	ReadLimit      int64         `yaml:"read_limit"`
}

// DBConfig holds the Postgres connection used by the recorder.
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

// RecorderConfig holds block recorder settings.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// LoggingConfig holds slog handler settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Settings returns the connection settings described by the backend section.
func (c *Config) Settings() connection.Settings {
	return connection.Settings{
		Endpoints:      append([]string(nil), c.Backend.Endpoints...),
		ConnectTimeout: c.Backend.ConnectTimeout,
		RequestTimeout: c.Backend.RequestTimeout,
		IdleTimeout:    c.Backend.IdleTimeout,
		KeepAlive:      c.Backend.KeepAlive,
	}
}

// ManagerConfig returns the connection manager configuration.
func (c *Config) ManagerConfig() connection.ManagerConfig {
	return connection.ManagerConfig{
		Settings:     c.Settings(),
		WriteTimeout: c.Backend.WriteTimeout,
		BufferSize:   c.Backend.FrameBuffer,
		ReadLimit:    c.Backend.ReadLimit,
	}
}
