package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrTimeout          = errors.New("operation timeout")
	ErrConnectionClosed = errors.New("connection closed")
	ErrAllEndpointsDown = errors.New("all endpoints down")
	ErrMalformedFrame   = errors.New("malformed frame")

	ErrUnknownSubscription = errors.New("unknown subscription")
)

// ConnectionError is returned when the transport could not connect to an endpoint.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RemoteError is an error payload returned by the backend.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}

// RequestError wraps every rejection of a submitted request with its context.
type RequestError struct {
	Command string
	ID      string
	Err     error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s (id %s): %v", e.Command, e.ID, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Frame is one decoded inbound message.
type Frame struct {
	ID         string          // Request or subscription identifier
	Data       json.RawMessage // Payload (success data or error wrapper)
	ReceivedAt time.Time       // Local timestamp when ReadMessage() returned
}

// Request is the wire envelope for an outgoing command.
type Request struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Params  any    `json:"params"`
}

// Reply is the wire envelope for replies and push frames.
type Reply struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// errorData is the shape of Reply.Data when the backend reports an error.
type errorData struct {
	Error json.RawMessage `json:"error"`
}

// SubscribeParams are the params of a subscribe or unsubscribe command.
type SubscribeParams struct {
	SubscriptionID string `json:"subscriptionId"`
	Filter         any    `json:"filter,omitempty"`
}

// CloseReason describes why a connection terminated.
type CloseReason string

const (
	CloseNormal  CloseReason = "normal"
	CloseError   CloseReason = "error"
	CloseTimeout CloseReason = "timeout"
	CloseIdle    CloseReason = "idle"
)

// CloseEvent is the single terminal event of a transport.
type CloseEvent struct {
	Reason CloseReason
	Err    error // nil for normal and idle closes
}

// State is the connection manager state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// SubscriptionKind identifies a push-notification channel.
type SubscriptionKind string

const (
	KindNotification SubscriptionKind = "notification"
	KindBlock        SubscriptionKind = "block"
	KindFiatRates    SubscriptionKind = "fiatRates"
)

// Valid reports whether k is a known subscription kind.
func (k SubscriptionKind) Valid() bool {
	switch k {
	case KindNotification, KindBlock, KindFiatRates:
		return true
	}
	return false
}

// Settings are supplied by the host and replaced as a unit between connects.
type Settings struct {
	Endpoints      []string      // Candidate backend URLs
	ConnectTimeout time.Duration // Handshake timeout per endpoint
	RequestTimeout time.Duration // Max age of the oldest pending request
	IdleTimeout    time.Duration // Liveness timer interval
	KeepAlive      bool          // Probe instead of closing when idle
}

// DefaultSettings returns the default timeouts.
func DefaultSettings() Settings {
	return Settings{
		ConnectTimeout: 20 * time.Second,
		RequestTimeout: 20 * time.Second,
		IdleTimeout:    50 * time.Second,
	}
}

// withDefaults fills zero durations.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = d.ConnectTimeout
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = d.RequestTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = d.IdleTimeout
	}
	s.Endpoints = append([]string(nil), s.Endpoints...)
	return s
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	ConnectTimeout time.Duration // Handshake timeout
	WriteTimeout   time.Duration // Write deadline for sends
	BufferSize     int           // Frame channel buffer size
	ReadLimit      int64         // Max inbound message size (0 = unlimited)
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout: 20 * time.Second,
		WriteTimeout:   5 * time.Second,
		BufferSize:     1000,
	}
}

// ClientFactory creates a fresh transport for one connection attempt.
type ClientFactory func(cfg ClientConfig, logger *slog.Logger) Client

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Settings     Settings
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Inbound frame buffer per connection
	ReadLimit    int64         // Max inbound message size
	NewClient    ClientFactory // nil = NewClient
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Settings:     DefaultSettings(),
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}

// ConnectedEvent is delivered to OnConnected listeners.
type ConnectedEvent struct {
	Endpoint string
	Session  string
	At       time.Time
}

// DisconnectedEvent is delivered to OnDisconnected listeners.
type DisconnectedEvent struct {
	Endpoint string
	Session  string
	Reason   CloseReason
	Err      error
	At       time.Time
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State         State
	Endpoint      string
	Session       string
	Pending       int
	Subscriptions int
	Connects      int64
	LastFrameAt   time.Time // zero until the live connection receives a frame
}
