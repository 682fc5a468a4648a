package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/blocklink/internal/connection"
)

// Config holds batching settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int // initial queue capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    1000,
	}
}

// batchSender is the subset of *pgxpool.Pool used for inserts.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Metrics tracks recorder activity.
type Metrics struct {
	Received  int64
	Dropped   int64 // malformed or arrived after Stop
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}

// blockRow is one row of the blocks table.
type blockRow struct {
	Height     int64
	Hash       string
	Endpoint   string
	Session    string
	ReceivedAt time.Time
}

const insertBlockSQL = `
	INSERT INTO blocks (height, hash, endpoint, session, received_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (height, hash) DO NOTHING`

// BlockRecorder writes block notifications to the blocks table in batches.
type BlockRecorder struct {
	cfg    Config
	logger *slog.Logger
	db     batchSender
	queue  *Queue[blockRow]

	batchMu sync.Mutex
	batch   []blockRow
	metrics Metrics

	cancel   context.CancelFunc
	consumed chan struct{}
	wg       sync.WaitGroup
}

// NewBlockRecorder creates a recorder writing through db.
func NewBlockRecorder(cfg Config, db batchSender, logger *slog.Logger) *BlockRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &BlockRecorder{
		cfg:    cfg,
		logger: logger,
		db:     db,
		queue:  NewQueue[blockRow](cfg.BufferSize),
		batch:  make([]blockRow, 0, cfg.BatchSize),
	}
}

// Callback returns a subscription callback that records block notifications
// tagged with the connection described by ev.
func (r *BlockRecorder) Callback(ev connection.ConnectedEvent) connection.Callback {
	return func(data json.RawMessage) {
		var n connection.BlockNotification
		if err := json.Unmarshal(data, &n); err != nil || n.Hash == "" {
			r.logger.Warn("dropping malformed block notification", "error", err, "session", ev.Session)
			r.count(func(m *Metrics) { m.Dropped++ })
			return
		}
		r.Record(n, ev.Endpoint, ev.Session, time.Now())
	}
}

// Record enqueues one notification. It never blocks.
func (r *BlockRecorder) Record(n connection.BlockNotification, endpoint, session string, receivedAt time.Time) {
	ok := r.queue.Push(blockRow{
		Height:     n.Height,
		Hash:       n.Hash,
		Endpoint:   endpoint,
		Session:    session,
		ReceivedAt: receivedAt,
	})
	r.count(func(m *Metrics) {
		if ok {
			m.Received++
		} else {
			m.Dropped++
		}
	})
}

// Start begins consuming the queue and flushing batches.
func (r *BlockRecorder) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)
	r.consumed = make(chan struct{})

	r.wg.Add(2)
	go r.consumeLoop(ctx)
	go r.flushLoop(ctx)

	r.logger.Info("block recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop closes the queue, waits for queued rows to be batched and flushes
// them using ctx.
func (r *BlockRecorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping block recorder")

	r.queue.Close()

	if r.consumed != nil {
		select {
		case <-r.consumed:
		case <-ctx.Done():
			r.logger.Warn("block recorder stop timed out", "queued", r.queue.Len())
		}
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	// Final flush
	if err := r.flush(ctx); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	r.logger.Info("block recorder stopped", "inserts", r.Stats().Inserts)
	return nil
}

// Stats returns current metrics.
func (r *BlockRecorder) Stats() Metrics {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.metrics
}

// consumeLoop moves rows from the queue into the current batch until the
// queue is closed and empty.
func (r *BlockRecorder) consumeLoop(ctx context.Context) {
	defer r.wg.Done()
	defer close(r.consumed)

	for {
		row, ok := r.queue.Receive()
		if !ok {
			return
		}
		if r.add(row) {
			if err := r.flush(ctx); err != nil {
				r.logger.Error("block flush failed", "error", err)
			}
		}
	}
}

// flushLoop periodically flushes the batch.
func (r *BlockRecorder) flushLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.flush(ctx); err != nil {
				r.logger.Error("block flush failed", "error", err)
			}
		}
	}
}

// add appends a row and reports whether the batch is full.
func (r *BlockRecorder) add(row blockRow) bool {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	r.batch = append(r.batch, row)
	return len(r.batch) >= r.cfg.BatchSize
}

// flush writes the current batch to the database.
func (r *BlockRecorder) flush(ctx context.Context) error {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return nil
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]blockRow, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	conflicts, err := r.batchInsert(ctx, batch)
	if err != nil {
		r.count(func(m *Metrics) { m.Errors++ })
		return fmt.Errorf("insert %d blocks: %w", len(batch), err)
	}

	r.count(func(m *Metrics) {
		m.Inserts += int64(len(batch) - conflicts)
		m.Conflicts += int64(conflicts)
		m.Flushes++
	})

	r.logger.Debug("flushed blocks",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
	return nil
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (r *BlockRecorder) batchInsert(ctx context.Context, rows []blockRow) (conflicts int, err error) {
	if r.db == nil {
		return 0, errors.New("no database configured")
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(insertBlockSQL, row.Height, row.Hash, row.Endpoint, row.Session, row.ReceivedAt)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}

func (r *BlockRecorder) count(fn func(m *Metrics)) {
	r.batchMu.Lock()
	fn(&r.metrics)
	r.batchMu.Unlock()
}
