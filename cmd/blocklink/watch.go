package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/blocklink/internal/connection"
	"github.com/rickgao/blocklink/internal/database"
	"github.com/rickgao/blocklink/internal/recorder"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = time.Minute
	statsInterval      = 30 * time.Second
)

func newWatchCmd(opts *options) *cobra.Command {
	var record bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe to new blocks and log them, reconnecting on failure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if record {
				opts.cfg.Recorder.Enabled = true
				if err := opts.cfg.Validate(); err != nil {
					return fmt.Errorf("invalid config: %w", err)
				}
			}
			return runWatch(cmd.Context(), opts, record)
		},
	}
	cmd.Flags().BoolVar(&record, "record", false, "record blocks to the configured database")
	return cmd
}

func runWatch(parent context.Context, opts *options, record bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := opts.logger
	cfg := opts.cfg

	var rec *recorder.BlockRecorder
	if record {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database, cfg.Instance.ID)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		rec = recorder.NewBlockRecorder(recorder.Config{
			BatchSize:     cfg.Recorder.BatchSize,
			FlushInterval: cfg.Recorder.FlushInterval,
			BufferSize:    cfg.Recorder.BufferSize,
		}, pool, logger.With("component", "recorder"))
		if err := rec.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := rec.Stop(stopCtx); err != nil {
				logger.Error("failed to stop recorder", "error", err)
			}
		}()
	}

	m := opts.newManager()
	defer m.Disconnect()

	disconnected := make(chan connection.DisconnectedEvent, 1)
	m.OnDisconnected(func(ev connection.DisconnectedEvent) {
		select {
		case disconnected <- ev:
		default:
		}
	})

	// Subscriptions do not survive a reconnect; re-subscribe on every connect.
	m.OnConnected(func(ev connection.ConnectedEvent) {
		cb := logBlock(logger)
		if rec != nil {
			save := rec.Callback(ev)
			log := cb
			cb = func(data json.RawMessage) {
				log(data)
				save(data)
			}
		}
		id, err := m.Subscribe(ctx, connection.KindBlock, nil, cb)
		if err != nil {
			logger.Error("block subscription failed", "session", ev.Session, "error", err)
			return
		}
		logger.Info("subscribed to blocks", "endpoint", ev.Endpoint, "subscription", id)
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return connectLoop(gctx, m, disconnected, logger)
	})

	g.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s := m.Stats()
				attrs := []any{
					"state", s.State,
					"endpoint", s.Endpoint,
					"pending", s.Pending,
					"subscriptions", s.Subscriptions,
					"connects", s.Connects,
				}
				if !s.LastFrameAt.IsZero() {
					attrs = append(attrs, "last_frame_age", time.Since(s.LastFrameAt).Round(time.Millisecond))
				}
				if rec != nil {
					rs := rec.Stats()
					attrs = append(attrs, "recorded", rs.Inserts, "record_errors", rs.Errors)
				}
				logger.Info("watch stats", attrs...)
			}
		}
	})

	err := g.Wait()
	logger.Info("shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// connectLoop keeps the manager connected until ctx is done, backing off
// exponentially while every endpoint is down.
func connectLoop(ctx context.Context, m connection.Manager, disconnected <-chan connection.DisconnectedEvent, logger *slog.Logger) error {
	delay := reconnectBaseDelay
	for {
		if err := m.EnsureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("connect failed, retrying", "error", err, "delay", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}
		delay = reconnectBaseDelay

		select {
		case <-ctx.Done():
			return nil
		case ev := <-disconnected:
			logger.Warn("connection lost", "endpoint", ev.Endpoint, "reason", ev.Reason, "error", ev.Err)
		}
	}
}

// logBlock returns a callback that logs block notifications.
func logBlock(logger *slog.Logger) connection.Callback {
	return func(data json.RawMessage) {
		var n connection.BlockNotification
		if err := json.Unmarshal(data, &n); err != nil {
			logger.Warn("malformed block notification", "error", err)
			return
		}
		logger.Info("new block", "height", n.Height, "hash", n.Hash)
	}
}
