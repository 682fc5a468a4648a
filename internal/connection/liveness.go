package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// livenessTarget is the connection a LivenessMonitor supervises.
type livenessTarget interface {
	Pending() int
	Subscriptions() int
	Probe(ctx context.Context) error
	CloseIdle()
	ForceClose(err error)
}

// LivenessMonitor closes idle connections and probes busy ones.
//
// The timer restarts on every Touch. When it fires with nothing pending,
// no subscriptions and keep-alive off, the connection is closed as idle.
// Otherwise a GET_SERVER_INFO probe is issued; a failed probe force-closes
// the connection.
type LivenessMonitor struct {
	interval     time.Duration
	probeTimeout time.Duration
	keepAlive    bool
	target       livenessTarget
	logger       *slog.Logger

	touch chan struct{}
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewLivenessMonitor creates a stopped monitor.
func NewLivenessMonitor(interval, probeTimeout time.Duration, keepAlive bool, target livenessTarget, logger *slog.Logger) *LivenessMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LivenessMonitor{
		interval:     interval,
		probeTimeout: probeTimeout,
		keepAlive:    keepAlive,
		target:       target,
		logger:       logger,
		touch:        make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
}

// Start launches the monitor goroutine.
func (l *LivenessMonitor) Start() {
	l.wg.Add(1)
	go l.run()
}

// Touch restarts the idle timer.
func (l *LivenessMonitor) Touch() {
	select {
	case l.touch <- struct{}{}:
	default:
	}
}

// Stop halts the monitor and waits for it to exit. Safe to call repeatedly.
// It must not be called from the monitor goroutine itself.
func (l *LivenessMonitor) Stop() {
	l.once.Do(func() { close(l.stop) })
	l.wg.Wait()
}

func (l *LivenessMonitor) run() {
	defer l.wg.Done()

	timer := time.NewTimer(l.interval)
	defer timer.Stop()

	for {
		select {
		case <-l.stop:
			return

		case <-l.touch:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(l.interval)

		case <-timer.C:
			if !l.check() {
				return
			}
			timer.Reset(l.interval)
		}
	}
}

// check runs one liveness round. It returns false once the connection was closed.
func (l *LivenessMonitor) check() bool {
	pending := l.target.Pending()
	subs := l.target.Subscriptions()

	if pending == 0 && subs == 0 && !l.keepAlive {
		l.logger.Info("closing idle connection", "idle", l.interval)
		l.target.CloseIdle()
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.probeTimeout)
	defer cancel()

	// Abandon the probe wait when the monitor is stopped.
	go func() {
		select {
		case <-l.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := l.target.Probe(ctx); err != nil {
		select {
		case <-l.stop:
			return false
		default:
		}
		l.logger.Warn("liveness probe failed, forcing disconnect",
			"pending", pending,
			"subscriptions", subs,
			"error", err,
		)
		l.target.ForceClose(err)
		return false
	}

	l.logger.Debug("liveness probe ok", "pending", pending, "subscriptions", subs)
	return true
}
