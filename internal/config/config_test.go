package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: test-worker
backend:
  endpoints:
    - wss://indexer-1.example.com/websocket
    - wss://indexer-2.example.com/websocket
  request_timeout: 5s
  keep_alive: true
database:
  host: localhost
  port: 5432
  name: blocks
  user: testuser
  password: testpass
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "test-worker" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "test-worker")
	}
	if len(cfg.Backend.Endpoints) != 2 {
		t.Fatalf("len(Backend.Endpoints) = %d, want 2", len(cfg.Backend.Endpoints))
	}
	if cfg.Backend.RequestTimeout != 5*time.Second {
		t.Errorf("Backend.RequestTimeout = %v, want 5s", cfg.Backend.RequestTimeout)
	}
	if !cfg.Backend.KeepAlive {
		t.Error("Backend.KeepAlive = false, want true")
	}
	if cfg.Database.Host != "localhost" {
		t.Errorf("Database.Host = %q, want %q", cfg.Database.Host, "localhost")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("backend: [unclosed")); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "secret123")
	t.Setenv("TEST_BACKEND", "wss://indexer.example.com/websocket")

	yaml := `
backend:
  endpoints:
    - ${TEST_BACKEND}
database:
  host: localhost
  name: blocks
  user: testuser
  password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Password != "secret123" {
		t.Errorf("Database.Password = %q, want %q", cfg.Database.Password, "secret123")
	}
	if cfg.Backend.Endpoints[0] != "wss://indexer.example.com/websocket" {
		t.Errorf("Backend.Endpoints[0] = %q", cfg.Backend.Endpoints[0])
	}
}

func TestParseEnvFallback(t *testing.T) {
	t.Setenv("TEST_SET_ENDPOINT", "wss://set.example.com/websocket")
	t.Setenv("TEST_EMPTY_USER", "")

	cfg, err := Parse([]byte(`
backend:
  endpoints:
    - ${TEST_SET_ENDPOINT:-wss://unused.example.com/websocket}
    - ${TEST_UNSET_ENDPOINT:-wss://fallback.example.com/websocket}
database:
  user: ${TEST_EMPTY_USER:-reader}
  name: ${TEST_UNSET_NAME}
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	want := []string{"wss://set.example.com/websocket", "wss://fallback.example.com/websocket"}
	for i, ep := range want {
		if cfg.Backend.Endpoints[i] != ep {
			t.Errorf("Backend.Endpoints[%d] = %q, want %q", i, cfg.Backend.Endpoints[i], ep)
		}
	}
	if cfg.Database.User != "reader" {
		t.Errorf("Database.User = %q, want %q", cfg.Database.User, "reader")
	}
	if cfg.Database.Name != "" {
		t.Errorf("Database.Name = %q, want empty", cfg.Database.Name)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(`
backend:
  request_timout: 5s
`))
	if err == nil {
		t.Fatal("expected error for misspelled key")
	}
	if !strings.Contains(err.Error(), "request_timout") {
		t.Errorf("error = %q, want it to name the unknown key", err)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) failed: %v", err)
	}
	if len(cfg.Backend.Endpoints) != 0 {
		t.Errorf("Backend.Endpoints = %v, want none", cfg.Backend.Endpoints)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
backend:
  endpoints:
    - wss://indexer.example.com/websocket
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	// Check defaults were applied
	if cfg.Instance.ID != DefaultInstanceID {
		t.Errorf("Instance.ID = %q, want default %q", cfg.Instance.ID, DefaultInstanceID)
	}
	if cfg.Backend.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("Backend.ConnectTimeout = %v, want default %v", cfg.Backend.ConnectTimeout, DefaultConnectTimeout)
	}
	if cfg.Backend.IdleTimeout != DefaultIdleTimeout {
		t.Errorf("Backend.IdleTimeout = %v, want default %v", cfg.Backend.IdleTimeout, DefaultIdleTimeout)
	}
	if cfg.Backend.FrameBuffer != DefaultFrameBuffer {
		t.Errorf("Backend.FrameBuffer = %d, want default %d", cfg.Backend.FrameBuffer, DefaultFrameBuffer)
	}
	if cfg.Database.Port != DefaultDBPort {
		t.Errorf("Database.Port = %d, want default %d", cfg.Database.Port, DefaultDBPort)
	}
	if cfg.Recorder.BatchSize != DefaultBatchSize {
		t.Errorf("Recorder.BatchSize = %d, want default %d", cfg.Recorder.BatchSize, DefaultBatchSize)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Errorf("Logging.Level = %q, want default %q", cfg.Logging.Level, DefaultLogLevel)
	}
}

func TestLoadAndValidate(t *testing.T) {
	path := writeTempFile(t, `
backend:
  endpoints:
    - https://not-a-websocket.example.com
`)

	if _, err := LoadAndValidate(path); err == nil {
		t.Error("expected validation error for http endpoint")
	}
}

func TestSettings(t *testing.T) {
	cfg := &Config{
		Backend: BackendConfig{
			Endpoints:      []string{"wss://a", "wss://b"},
			ConnectTimeout: 3 * time.Second,
			RequestTimeout: 4 * time.Second,
			IdleTimeout:    5 * time.Second,
			WriteTimeout:   time.Second,
			KeepAlive:      true,
			FrameBuffer:    64,
		},
	}

	s := cfg.Settings()
	if len(s.Endpoints) != 2 || s.Endpoints[0] != "wss://a" {
		t.Errorf("Endpoints = %v", s.Endpoints)
	}
	if s.ConnectTimeout != 3*time.Second || s.RequestTimeout != 4*time.Second || s.IdleTimeout != 5*time.Second {
		t.Errorf("timeouts = %v/%v/%v", s.ConnectTimeout, s.RequestTimeout, s.IdleTimeout)
	}
	if !s.KeepAlive {
		t.Error("KeepAlive = false, want true")
	}

	// The returned endpoints are a copy.
	s.Endpoints[0] = "wss://changed"
	if cfg.Backend.Endpoints[0] != "wss://a" {
		t.Error("Settings() shares the endpoint slice")
	}

	mc := cfg.ManagerConfig()
	if mc.BufferSize != 64 || mc.WriteTimeout != time.Second {
		t.Errorf("ManagerConfig = %+v", mc)
	}
}

func validConfig() Config {
	cfg := Config{
		Instance: InstanceConfig{ID: "test"},
		Backend: BackendConfig{
			Endpoints: []string{"wss://indexer.example.com/websocket"},
		},
		Database: DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "missing instance id",
			mutate:  func(c *Config) { c.Instance.ID = "" },
			wantErr: "instance.id is required",
		},
		{
			name:    "missing endpoints",
			mutate:  func(c *Config) { c.Backend.Endpoints = nil },
			wantErr: "backend.endpoints is required",
		},
		{
			name:    "non websocket endpoint",
			mutate:  func(c *Config) { c.Backend.Endpoints = []string{"http://indexer"} },
			wantErr: `backend.endpoints[0] must be a ws:// or wss:// url, got "http://indexer"`,
		},
		{
			name:    "zero request timeout",
			mutate:  func(c *Config) { c.Backend.RequestTimeout = 0 },
			wantErr: "backend.request_timeout must be > 0",
		},
		{
			name: "database ignored when recorder disabled",
			mutate: func(c *Config) {
				c.Database = DBConfig{}
			},
			wantErr: "",
		},
		{
			name: "missing database password with recorder",
			mutate: func(c *Config) {
				c.Recorder.Enabled = true
				c.Database.Password = ""
			},
			wantErr: "database.password is required",
		},
		{
			name: "min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.Recorder.Enabled = true
				c.Database.MaxConns = 2
				c.Database.MinConns = 5
			},
			wantErr: "database.min_conns (5) cannot exceed max_conns (2)",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "trace" },
			wantErr: `logging.level must be one of debug, info, warn, error, got "trace"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
