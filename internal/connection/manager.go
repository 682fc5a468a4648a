package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Manager owns the single backend connection and its request and
// subscription state.
type Manager interface {
	// EnsureConnected connects if no live connection exists. Concurrent
	// callers share one attempt.
	EnsureConnected(ctx context.Context) error

	// Connect is an alias for EnsureConnected.
	Connect(ctx context.Context) error

	// Send issues a command and waits for its reply payload.
	Send(ctx context.Context, command string, params any) (json.RawMessage, error)

	// Subscribe registers cb for push frames of kind and returns the subscription id.
	Subscribe(ctx context.Context, kind SubscriptionKind, params any, cb Callback) (string, error)

	// Unsubscribe removes a subscription and tells the backend.
	Unsubscribe(ctx context.Context, id string) error

	// UnsubscribeAll removes every active subscription.
	UnsubscribeAll(ctx context.Context) error

	// Disconnect closes the live connection, if any. It returns once teardown
	// is complete and the read goroutine has exited, so no subscription
	// callback runs after it. It must not be called from a Callback.
	Disconnect() error

	// SetSettings replaces the settings used by the next connect.
	SetSettings(s Settings)

	// Settings returns the current settings.
	Settings() Settings

	// State returns the current connection state.
	State() State

	// Stats returns current connection statistics.
	Stats() ManagerStats

	// OnConnected registers a handler for the connected transition.
	OnConnected(h func(ConnectedEvent))

	// OnDisconnected registers a handler for the disconnected transition.
	OnDisconnected(h func(DisconnectedEvent))
}

// connState holds everything owned by one physical connection.
type connState struct {
	session  string
	endpoint string
	client   Client
	requests *Correlator
	subs     *Registry
	monitor  *LivenessMonitor
	logger   *slog.Logger

	teardownOnce sync.Once
	loopDone     chan struct{}
	lastFrameAt  atomic.Int64 // unix nanos

	// Orders the disconnected event after the connected one.
	mu        sync.Mutex
	announced bool
	deferred  *DisconnectedEvent
}

func (cs *connState) Pending() int       { return cs.requests.Pending() }
func (cs *connState) Subscriptions() int { return cs.subs.Count() }

func (cs *connState) Probe(ctx context.Context) error {
	_, err := cs.requests.Submit(ctx, CmdGetServerInfo, nil)
	return err
}

func (cs *connState) CloseIdle() {
	cs.client.CloseWithReason(CloseIdle, nil)
}

func (cs *connState) ForceClose(err error) {
	cs.client.CloseWithReason(CloseTimeout, err)
}

// manager implements the Manager interface.
type manager struct {
	cfg       ManagerConfig
	logger    *slog.Logger
	newClient ClientFactory
	listeners *listeners

	connectGroup singleflight.Group
	connects     atomic.Int64

	mu       sync.Mutex
	state    State
	settings Settings
	conn     *connState
}

// NewManager creates a new Connection Manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NewClient == nil {
		cfg.NewClient = NewClient
	}

	settings := cfg.Settings.withDefaults()

	return &manager{
		cfg:       cfg,
		logger:    logger,
		newClient: cfg.NewClient,
		listeners: &listeners{logger: logger},
		state:     StateDisconnected,
		settings:  settings,
	}
}

// Connect establishes a connection if needed.
func (m *manager) Connect(ctx context.Context) error {
	return m.EnsureConnected(ctx)
}

// EnsureConnected connects if no live connection exists.
func (m *manager) EnsureConnected(ctx context.Context) error {
	if m.current() != nil {
		return nil
	}

	// The attempt outlives any single caller; each caller only stops waiting.
	attemptCtx := context.WithoutCancel(ctx)
	ch := m.connectGroup.DoChan("connect", func() (any, error) {
		return nil, m.connect(attemptCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect walks the shuffled candidates until one connects.
func (m *manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	settings := m.settings
	m.mu.Unlock()

	// Each cycle owns its selector so SetSettings cannot reorder it mid-walk.
	selector := NewEndpointSelector(settings.Endpoints)
	candidates := selector.Remaining()

	m.logger.Info("connecting", "candidates", selector.Candidates())

	var lastErr error
	for attempt := 0; attempt < candidates; attempt++ {
		endpoint, err := selector.Next()
		if err != nil {
			break
		}

		client := m.newClient(ClientConfig{
			ConnectTimeout: settings.ConnectTimeout,
			WriteTimeout:   m.cfg.WriteTimeout,
			BufferSize:     m.cfg.BufferSize,
			ReadLimit:      m.cfg.ReadLimit,
		}, m.logger.With("endpoint", endpoint))

		if err := client.Connect(ctx, endpoint); err != nil {
			m.logger.Warn("endpoint connect failed",
				"endpoint", endpoint,
				"attempt", attempt+1,
				"error", err,
			)
			client.Close()
			selector.ReportFailure()
			lastErr = err
			continue
		}

		m.activate(client, endpoint, settings)
		return nil
	}

	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()

	m.logger.Error("all endpoints down", "candidates", candidates, "error", lastErr)

	if lastErr != nil {
		return fmt.Errorf("%w: %w", ErrAllEndpointsDown, lastErr)
	}
	return ErrAllEndpointsDown
}

// activate wires a freshly connected client and moves to Connected.
func (m *manager) activate(client Client, endpoint string, settings Settings) {
	session := uuid.NewString()
	logger := m.logger.With("endpoint", endpoint, "session", session)

	cs := &connState{
		session:  session,
		endpoint: endpoint,
		client:   client,
		logger:   logger,
		loopDone: make(chan struct{}),
	}
	cs.requests = NewCorrelator(client.Send, settings.RequestTimeout, func() {
		client.CloseWithReason(CloseTimeout, ErrTimeout)
	}, logger)
	cs.subs = NewRegistry(logger)
	cs.monitor = NewLivenessMonitor(settings.IdleTimeout, settings.RequestTimeout, settings.KeepAlive, cs, logger)

	m.mu.Lock()
	m.conn = cs
	m.state = StateConnected
	m.mu.Unlock()
	m.connects.Add(1)

	go m.readLoop(cs)
	cs.monitor.Start()

	logger.Info("connected")

	m.listeners.emitConnected(ConnectedEvent{
		Endpoint: endpoint,
		Session:  session,
		At:       time.Now(),
	})

	cs.mu.Lock()
	cs.announced = true
	deferred := cs.deferred
	cs.mu.Unlock()
	if deferred != nil {
		m.listeners.emitDisconnected(*deferred)
	}
}

// readLoop processes frames of one connection in arrival order.
func (m *manager) readLoop(cs *connState) {
	defer close(cs.loopDone)

	for f := range cs.client.Frames() {
		cs.lastFrameAt.Store(f.ReceivedAt.UnixNano())

		switch {
		case cs.requests.Resolve(f):
		case cs.subs.Dispatch(f):
		case IsSubscriptionID(f.ID):
			cs.logger.Debug("dropping frame for inactive subscription", "id", f.ID)
		default:
			cs.logger.Debug("dropping unmatched frame", "id", f.ID)
		}
		cs.monitor.Touch()
	}

	m.teardown(cs, cs.client.CloseEvent())
}

// teardown moves to Disconnected and clears everything cs owned.
func (m *manager) teardown(cs *connState, ev CloseEvent) {
	cs.teardownOnce.Do(func() {
		m.mu.Lock()
		if m.conn == cs {
			m.conn = nil
			m.state = StateDisconnected
		}
		m.mu.Unlock()

		cs.monitor.Stop()
		rejected := cs.requests.RejectAll(ErrConnectionClosed)
		cleared := cs.subs.Clear()
		cs.client.Close()

		cs.logger.Info("disconnected",
			"reason", ev.Reason,
			"error", ev.Err,
			"rejected", rejected,
			"subscriptions_cleared", cleared,
		)

		event := DisconnectedEvent{
			Endpoint: cs.endpoint,
			Session:  cs.session,
			Reason:   ev.Reason,
			Err:      ev.Err,
			At:       time.Now(),
		}

		cs.mu.Lock()
		if !cs.announced {
			cs.deferred = &event
			cs.mu.Unlock()
			return
		}
		cs.mu.Unlock()

		m.listeners.emitDisconnected(event)
	})
}

// Send issues a command on the live connection.
func (m *manager) Send(ctx context.Context, command string, params any) (json.RawMessage, error) {
	cs := m.current()
	if cs == nil {
		return nil, &RequestError{Command: command, Err: ErrNotConnected}
	}
	return cs.requests.Submit(ctx, command, params)
}

// Subscribe registers a push-notification subscription.
func (m *manager) Subscribe(ctx context.Context, kind SubscriptionKind, params any, cb Callback) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown subscription kind %q", kind)
	}

	cs := m.current()
	if cs == nil {
		return "", ErrNotConnected
	}

	sub := cs.subs.Add(kind, params, cb)
	if sub == nil {
		return "", ErrNotConnected
	}

	command, _ := subscribeCommand(kind)
	if _, err := cs.requests.Submit(ctx, command, SubscribeParams{
		SubscriptionID: sub.ID,
		Filter:         params,
	}); err != nil {
		cs.subs.Remove(sub.ID)
		return "", err
	}

	cs.logger.Debug("subscribed", "subscription", sub.ID, "kind", kind)

	return sub.ID, nil
}

// Unsubscribe removes a subscription and tells the backend.
func (m *manager) Unsubscribe(ctx context.Context, id string) error {
	cs := m.current()
	if cs == nil {
		return ErrNotConnected
	}

	sub, ok := cs.subs.Remove(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
	}

	_, command := subscribeCommand(sub.Kind)
	if _, err := cs.requests.Submit(ctx, command, SubscribeParams{SubscriptionID: id}); err != nil {
		return err
	}

	cs.logger.Debug("unsubscribed", "subscription", id, "kind", sub.Kind)

	return nil
}

// UnsubscribeAll removes every active subscription.
func (m *manager) UnsubscribeAll(ctx context.Context) error {
	cs := m.current()
	if cs == nil {
		return nil
	}

	var errs []error
	for _, sub := range cs.subs.List() {
		if err := m.Unsubscribe(ctx, sub.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disconnect closes the live connection and waits for its read goroutine.
func (m *manager) Disconnect() error {
	cs := m.current()
	if cs == nil {
		return nil
	}

	err := cs.client.Close()
	m.teardown(cs, cs.client.CloseEvent())
	<-cs.loopDone
	return err
}

// SetSettings replaces the settings used by the next connect. An attempt
// already in progress keeps the settings it started with.
func (m *manager) SetSettings(s Settings) {
	s = s.withDefaults()
	s.Endpoints = slices.Clone(s.Endpoints)

	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
}

// Settings returns the current settings.
func (m *manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.settings
	s.Endpoints = slices.Clone(s.Endpoints)
	return s
}

// State returns the current connection state.
func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	m.mu.Lock()
	state := m.state
	cs := m.conn
	m.mu.Unlock()

	stats := ManagerStats{
		State:    state,
		Connects: m.connects.Load(),
	}
	if cs != nil {
		stats.Endpoint = cs.endpoint
		stats.Session = cs.session
		stats.Pending = cs.requests.Pending()
		stats.Subscriptions = cs.subs.Count()
		if ns := cs.lastFrameAt.Load(); ns != 0 {
			stats.LastFrameAt = time.Unix(0, ns)
		}
	}
	return stats
}

// OnConnected registers a handler for the connected transition.
func (m *manager) OnConnected(h func(ConnectedEvent)) {
	m.listeners.addConnected(h)
}

// OnDisconnected registers a handler for the disconnected transition.
func (m *manager) OnDisconnected(h func(DisconnectedEvent)) {
	m.listeners.addDisconnected(h)
}

// current returns the live connection, or nil.
func (m *manager) current() *connState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}
