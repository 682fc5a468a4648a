package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID     = "blocklink"
	DefaultConnectTimeout = 20 * time.Second
	DefaultRequestTimeout = 20 * time.Second
	DefaultIdleTimeout    = 50 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultFrameBuffer    = 1000
	DefaultDBPort         = 5432
	DefaultDBSSLMode      = "prefer"
	DefaultMaxConns       = 4
	DefaultMinConns       = 1
	DefaultBatchSize      = 100
	DefaultFlushInterval  = 1 * time.Second
	DefaultBufferSize     = 1000
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
)

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// Backend defaults
	if c.Backend.ConnectTimeout == 0 {
		c.Backend.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Backend.RequestTimeout == 0 {
		c.Backend.RequestTimeout = DefaultRequestTimeout
	}
	if c.Backend.IdleTimeout == 0 {
		c.Backend.IdleTimeout = DefaultIdleTimeout
	}
	if c.Backend.WriteTimeout == 0 {
		c.Backend.WriteTimeout = DefaultWriteTimeout
	}
	if c.Backend.FrameBuffer == 0 {
		c.Backend.FrameBuffer = DefaultFrameBuffer
	}

	// Database defaults
	if c.Database.Port == 0 {
		c.Database.Port = DefaultDBPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDBSSLMode
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}

	// Recorder defaults
	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = DefaultBatchSize
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = DefaultFlushInterval
	}
	if c.Recorder.BufferSize == 0 {
		c.Recorder.BufferSize = DefaultBufferSize
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}
