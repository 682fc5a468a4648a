package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
// The database section is only checked when the recorder is enabled.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Backend.validate(); err != nil {
		return err
	}

	if c.Recorder.Enabled {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
		if c.Recorder.BatchSize < 1 {
			return errors.New("recorder.batch_size must be >= 1")
		}
		if c.Recorder.BufferSize < 1 {
			return errors.New("recorder.buffer_size must be >= 1")
		}
		if c.Recorder.FlushInterval <= 0 {
			return errors.New("recorder.flush_interval must be > 0")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (b *BackendConfig) validate() error {
	if len(b.Endpoints) == 0 {
		return errors.New("backend.endpoints is required")
	}
	for i, ep := range b.Endpoints {
		u, err := url.Parse(ep)
		if err != nil {
			return fmt.Errorf("backend.endpoints[%d]: %w", i, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("backend.endpoints[%d] must be a ws:// or wss:// url, got %q", i, ep)
		}
		if u.Host == "" {
			return fmt.Errorf("backend.endpoints[%d] has no host", i)
		}
	}
	if b.ConnectTimeout <= 0 {
		return errors.New("backend.connect_timeout must be > 0")
	}
	if b.RequestTimeout <= 0 {
		return errors.New("backend.request_timeout must be > 0")
	}
	if b.IdleTimeout <= 0 {
		return errors.New("backend.idle_timeout must be > 0")
	}
	if b.FrameBuffer < 0 {
		return errors.New("backend.frame_buffer must be >= 0")
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
