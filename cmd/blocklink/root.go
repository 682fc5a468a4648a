package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rickgao/blocklink/internal/config"
	"github.com/rickgao/blocklink/internal/connection"
)

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	endpoints  []string
	logLevel   string
	logFormat  string
	keepAlive  bool

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "blocklink",
		Short: "Client for blockchain indexing backends over WebSocket",
		Long: `blocklink keeps one multiplexed WebSocket connection to a blockchain
indexing backend, failing over between the configured endpoints.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return opts.load(cmd.ErrOrStderr())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to config file")
	flags.StringSliceVarP(&opts.endpoints, "endpoint", "e", nil, "backend endpoint url (repeatable, overrides config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: text, json")
	flags.BoolVar(&opts.keepAlive, "keep-alive", false, "probe the backend instead of closing idle connections")

	root.AddCommand(
		newInfoCmd(opts),
		newSendCmd(opts),
		newWatchCmd(opts),
		newVersionCmd(),
	)
	return root
}

// load reads the config file, applies flag overrides and builds the logger.
func (o *options) load(logOut io.Writer) error {
	cfg := &config.Config{}
	if o.configPath != "" {
		var err error
		cfg, err = config.Load(o.configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	// Override config with flags
	if len(o.endpoints) > 0 {
		cfg.Backend.Endpoints = o.endpoints
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	if o.keepAlive {
		cfg.Backend.KeepAlive = true
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	o.cfg = cfg
	o.logger = newLogger(logOut, cfg.Logging).With("instance", cfg.Instance.ID)
	slog.SetDefault(o.logger)
	return nil
}

// newManager creates a connection manager from the loaded config.
func (o *options) newManager() connection.Manager {
	return connection.NewManager(o.cfg.ManagerConfig(), o.logger)
}

// newLogger builds a slog logger for the logging section.
func newLogger(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
