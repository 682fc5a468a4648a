package connection

import (
	"log/slog"
	"slices"
	"sync"
)

// listeners holds the lifecycle handlers registered on a Manager.
type listeners struct {
	logger *slog.Logger

	mu             sync.Mutex
	onConnected    []func(ConnectedEvent)
	onDisconnected []func(DisconnectedEvent)
}

func (l *listeners) addConnected(h func(ConnectedEvent)) {
	l.mu.Lock()
	l.onConnected = append(l.onConnected, h)
	l.mu.Unlock()
}

func (l *listeners) addDisconnected(h func(DisconnectedEvent)) {
	l.mu.Lock()
	l.onDisconnected = append(l.onDisconnected, h)
	l.mu.Unlock()
}

func (l *listeners) emitConnected(ev ConnectedEvent) {
	l.mu.Lock()
	hs := slices.Clone(l.onConnected)
	l.mu.Unlock()

	for _, h := range hs {
		l.call("connected", func() { h(ev) })
	}
}

func (l *listeners) emitDisconnected(ev DisconnectedEvent) {
	l.mu.Lock()
	hs := slices.Clone(l.onDisconnected)
	l.mu.Unlock()

	for _, h := range hs {
		l.call("disconnected", func() { h(ev) })
	}
}

// call runs one handler; a panicking handler does not stop the others.
func (l *listeners) call(event string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("lifecycle listener panicked", "event", event, "panic", rec)
		}
	}()
	fn()
}
