package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// result is what a pending request resolves with.
type result struct {
	data json.RawMessage
	err  error
}

// pendingRequest is one in-flight request awaiting its reply.
type pendingRequest struct {
	id        uint64
	command   string
	createdAt time.Time
	done      chan result // buffered 1
	settled   atomic.Bool
}

// resolve delivers the result. Resolving twice is a bug.
func (p *pendingRequest) resolve(res result) {
	if !p.settled.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("connection: request %d (%s) resolved twice", p.id, p.command))
	}
	p.done <- res
}

// Correlator pairs replies with requests for one physical connection.
//
// Request ids are decimal integers starting at 0. A connection-wide timer
// tracks the oldest pending request; when it expires every pending request
// is rejected with ErrTimeout and onTimeout is called.
type Correlator struct {
	send      func([]byte) error
	timeout   time.Duration
	onTimeout func()
	logger    *slog.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingRequest
	timer   *time.Timer
	gen     uint64 // bumped on every re-arm
	closed  bool
}

// NewCorrelator creates a correlator writing envelopes through send.
func NewCorrelator(send func([]byte) error, timeout time.Duration, onTimeout func(), logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	if onTimeout == nil {
		onTimeout = func() {}
	}
	return &Correlator{
		send:      send,
		timeout:   timeout,
		onTimeout: onTimeout,
		logger:    logger,
		pending:   make(map[uint64]*pendingRequest),
	}
}

// Submit sends a command and waits for its reply.
//
// Cancelling ctx only stops the wait: the request stays pending until its
// reply, the connection timeout or teardown resolves it.
func (c *Correlator) Submit(ctx context.Context, command string, params any) (json.RawMessage, error) {
	if params == nil {
		params = struct{}{}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &RequestError{Command: command, Err: ErrNotConnected}
	}
	id := c.nextID
	c.nextID++
	p := &pendingRequest{
		id:        id,
		command:   command,
		createdAt: time.Now(),
		done:      make(chan result, 1),
	}
	c.pending[id] = p
	c.armLocked()
	c.mu.Unlock()

	idStr := strconv.FormatUint(id, 10)

	data, err := json.Marshal(Request{ID: idStr, Command: command, Params: params})
	if err == nil {
		err = c.send(data)
	} else {
		err = fmt.Errorf("marshal request: %w", err)
	}
	if err != nil {
		if c.take(id) != nil {
			p.resolve(result{err: err})
		}
		// else teardown or timeout got there first; their result wins
	}

	select {
	case res := <-p.done:
		if res.err != nil {
			return nil, &RequestError{Command: command, ID: idStr, Err: res.err}
		}
		return res.data, nil
	case <-ctx.Done():
		return nil, &RequestError{Command: command, ID: idStr, Err: ctx.Err()}
	}
}

// Resolve matches a frame against the pending table. It returns false when
// the frame id is not a pending request id.
func (c *Correlator) Resolve(f Frame) bool {
	id, err := strconv.ParseUint(f.ID, 10, 64)
	if err != nil || strconv.FormatUint(id, 10) != f.ID {
		return false
	}
	p := c.take(id)
	if p == nil {
		return false
	}

	if msg, ok := remoteError(f.Data); ok {
		p.resolve(result{err: &RemoteError{Message: msg}})
	} else {
		p.resolve(result{data: f.Data})
	}
	return true
}

// RejectAll rejects every pending request with err and refuses new ones.
func (c *Correlator) RejectAll(err error) int {
	c.mu.Lock()
	c.closed = true
	rejected := c.drainLocked()
	c.mu.Unlock()

	for _, p := range rejected {
		p.resolve(result{err: err})
	}
	return len(rejected)
}

// Pending returns the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// take removes a pending request and re-arms the timer for the next oldest.
func (c *Correlator) take(id uint64) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	c.armLocked()
	return p
}

// drainLocked empties the pending table and stops the timer.
func (c *Correlator) drainLocked() []*pendingRequest {
	out := make([]*pendingRequest, 0, len(c.pending))
	for id, p := range c.pending {
		out = append(out, p)
		delete(c.pending, id)
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return out
}

// armLocked points the timer at the oldest pending request, or stops it.
func (c *Correlator) armLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if len(c.pending) == 0 || c.timeout <= 0 {
		return
	}

	var oldest *pendingRequest
	for _, p := range c.pending {
		if oldest == nil || p.id < oldest.id {
			oldest = p
		}
	}

	wait := time.Until(oldest.createdAt.Add(c.timeout))
	if wait < 0 {
		wait = 0
	}
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(wait, func() { c.expire(gen) })
}

// expire fires when the oldest pending request outlived the timeout.
func (c *Correlator) expire(gen uint64) {
	c.mu.Lock()
	if c.timer == nil || c.gen != gen {
		// Superseded by a re-arm
		c.mu.Unlock()
		return
	}
	c.timer = nil
	expired := c.drainLocked()
	c.closed = true
	c.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	c.logger.Warn("request timeout, rejecting pending requests",
		"pending", len(expired),
		"timeout", c.timeout,
	)

	for _, p := range expired {
		p.resolve(result{err: ErrTimeout})
	}
	c.onTimeout()
}

// remoteError reports whether data carries a truthy "error" member. An
// object error yields its message; any other value yields its text.
func remoteError(data json.RawMessage) (string, bool) {
	if len(data) == 0 || data[0] != '{' {
		return "", false
	}
	var e errorData
	if err := json.Unmarshal(data, &e); err != nil {
		return "", false
	}

	raw := bytes.TrimSpace(e.Error)
	switch string(raw) {
	case "", "null", "false", "0", `""`:
		return "", false
	}

	switch raw[0] {
	case '{':
		var obj struct {
			Message *string `json:"message"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != nil {
			return *obj.Message, true
		}
	case '"':
		var msg string
		if err := json.Unmarshal(raw, &msg); err == nil {
			return msg, true
		}
	}
	return string(raw), true
}
