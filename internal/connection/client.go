package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/blocklink/internal/version"
)

// Client represents a single WebSocket connection to an indexing backend.
type Client interface {
	// Connect establishes the WebSocket connection.
	Connect(ctx context.Context, endpoint string) error

	// Close gracefully closes the connection. Safe to call in any state.
	Close() error

	// CloseWithReason closes the connection and records why.
	CloseWithReason(reason CloseReason, err error) error

	// Send writes raw bytes to the connection.
	Send(data []byte) error

	// Frames returns a channel of decoded inbound frames in arrival order.
	// The channel is closed once the connection has terminated.
	Frames() <-chan Frame

	// CloseEvent returns the terminal event. Valid after Frames() is closed.
	CloseEvent() CloseEvent

	// IsConnected returns current connection state.
	IsConnected() bool
}

// client implements the Client interface.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	// Output channel
	frames chan Frame
	done   chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// State
	mu        sync.RWMutex
	connected bool
	closed    bool
	event     CloseEvent
	eventSet  bool
}

// NewClient creates a new WebSocket client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 0 {
		cfg.BufferSize = 0
	}

	return &client{
		cfg:    cfg,
		logger: logger,
		frames: make(chan Frame, cfg.BufferSize),
		done:   make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection.
func (c *client) Connect(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("User-Agent", version.UserAgent())

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.ConnectTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			err = ErrTimeout
		}
		return &ConnectionError{Endpoint: endpoint, Err: err}
	}

	c.mu.Lock()
	if c.closed || c.conn != nil {
		// Lost a race with Close or a concurrent Connect.
		already := c.conn != nil
		c.mu.Unlock()
		conn.Close()
		if already {
			return ErrAlreadyConnected
		}
		return ErrAlreadyClosed
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if c.cfg.ReadLimit > 0 {
		conn.SetReadLimit(c.cfg.ReadLimit)
	}

	go c.readLoop()

	c.logger.Debug("websocket connected", "endpoint", endpoint)

	return nil
}

// Close gracefully closes the connection.
func (c *client) Close() error {
	return c.CloseWithReason(CloseNormal, nil)
}

// CloseWithReason records the terminal event and closes the connection.
// Only the first close decides the reason.
func (c *client) CloseWithReason(reason CloseReason, cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.setEventLocked(reason, cause)
	conn := c.conn
	c.mu.Unlock()

	// Signal goroutines to stop
	close(c.done)

	if conn == nil {
		// Never connected: nothing will close frames for us.
		close(c.frames)
		return nil
	}

	if reason == CloseNormal || reason == CloseIdle {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
	}
	return conn.Close()
}

// Send writes raw bytes to the connection.
func (c *client) Send(data []byte) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	c.writeMu.Lock()
	if c.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	err := conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Warn("websocket write failed", "error", err)
		c.CloseWithReason(CloseError, err)
		return err
	}
	return nil
}

// Frames returns the frames channel.
func (c *client) Frames() <-chan Frame {
	return c.frames
}

// CloseEvent returns the terminal event.
func (c *client) CloseEvent() CloseEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.event
}

// IsConnected returns the current connection state.
func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *client) setEventLocked(reason CloseReason, cause error) {
	if c.eventSet {
		return
	}
	c.event = CloseEvent{Reason: reason, Err: cause}
	c.eventSet = true
}

// readLoop reads messages from the WebSocket and sends decoded frames to the frames channel.
func (c *client) readLoop() {
	defer close(c.frames)
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately

		if err != nil {
			select {
			case <-c.done:
				// Close() already recorded the reason
				return
			default:
			}

			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.setEventLocked(CloseNormal, err)
			} else {
				c.setEventLocked(CloseError, err)
			}
			c.closed = true
			c.mu.Unlock()
			close(c.done)
			c.conn.Close()

			c.logger.Debug("websocket read ended", "error", err)
			return
		}

		frame, err := decodeFrame(data, receivedAt)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
			continue
		}

		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}

// decodeFrame parses a reply envelope. Frames without an id are malformed.
func decodeFrame(data []byte, receivedAt time.Time) (Frame, error) {
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return Frame{}, errors.Join(ErrMalformedFrame, err)
	}
	if reply.ID == "" {
		return Frame{}, errors.Join(ErrMalformedFrame, errors.New("missing id"))
	}
	return Frame{
		ID:         reply.ID,
		Data:       reply.Data,
		ReceivedAt: receivedAt,
	}, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
