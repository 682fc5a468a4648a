package connection

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// subscriptionPrefix keeps subscription ids disjoint from numeric request ids.
const subscriptionPrefix = "sub-"

// Callback receives the data payload of a push frame. Callbacks run on the
// connection's read goroutine, so they must not wait on a reply or call
// Disconnect.
type Callback func(data json.RawMessage)

// Subscription tracks an active subscription.
type Subscription struct {
	ID       string
	Kind     SubscriptionKind
	Params   any
	callback Callback
}

// Registry routes push frames to subscription callbacks for one connection.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	nextID  uint64
	subs    map[string]*Subscription
	cleared bool
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		nextID: 1,
		subs:   make(map[string]*Subscription),
	}
}

// IsSubscriptionID reports whether id belongs to the subscription id space.
func IsSubscriptionID(id string) bool {
	n, ok := strings.CutPrefix(id, subscriptionPrefix)
	if !ok {
		return false
	}
	_, err := strconv.ParseUint(n, 10, 64)
	return err == nil
}

// Add registers a callback and allocates its subscription id.
// It returns nil once the registry has been cleared.
func (r *Registry) Add(kind SubscriptionKind, params any, cb Callback) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cleared {
		return nil
	}

	sub := &Subscription{
		ID:       subscriptionPrefix + strconv.FormatUint(r.nextID, 10),
		Kind:     kind,
		Params:   params,
		callback: cb,
	}
	r.nextID++
	r.subs[sub.ID] = sub
	return sub
}

// Remove unregisters a subscription. Later frames for it are ignored.
func (r *Registry) Remove(id string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	return sub, ok
}

// List returns a snapshot of active subscriptions.
func (r *Registry) List() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}

// Clear drops every subscription and disables the registry.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.subs)
	r.subs = make(map[string]*Subscription)
	r.cleared = true
	return n
}

// Count returns the number of active subscriptions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Dispatch delivers a frame to its subscription callback on the calling
// goroutine. It returns false when no subscription matches.
func (r *Registry) Dispatch(f Frame) bool {
	r.mu.Lock()
	sub, ok := r.subs[f.ID]
	r.mu.Unlock()

	if !ok {
		return false
	}

	if err := r.invoke(sub, f.Data); err != nil {
		r.logger.Error("subscription callback failed",
			"subscription", sub.ID,
			"kind", sub.Kind,
			"error", err,
		)
	}
	return true
}

// invoke runs the callback, turning a panic into an error.
func (r *Registry) invoke(sub *Subscription, data json.RawMessage) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("callback panic: %v", rec)
		}
	}()
	if sub.callback != nil {
		sub.callback(data)
	}
	return nil
}
