// Package cdp implements the transport for the browser remote-debugging
// protocol: one WebSocket per endpoint, command/response correlation by id,
// and event fan-out to listeners and queues.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/roelfdiedericks/chromewire/internal/logging"
	"github.com/roelfdiedericks/chromewire/internal/metrics"
)

const (
	defaultCommandTimeout   = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	writeBufferSize         = 1 << 20
)

// Options configures a Conn.
type Options struct {
	Name             string        // used in log lines only
	DefaultTimeout   time.Duration // per-command timeout when the caller gives none
	HandshakeTimeout time.Duration
	Header           http.Header
	Metrics          *metrics.Recorder
}

// Listener receives the params of one event frame.
type Listener func(params json.RawMessage)

// ListenerID identifies a registered listener for Off.
type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn Listener
}

type response struct {
	msg *Message
	err error
}

type dispatchItem struct {
	method    string
	params    json.RawMessage
	listeners []listenerEntry
	closing   []func(error)
	closeErr  error
}

// Conn is one WebSocket connection to one protocol endpoint.
//
// A single read goroutine is the only writer of results into pending slots
// and of events into subscriptions. Listeners run on a separate dispatcher
// goroutine so a slow or blocking listener never stalls response delivery.
type Conn struct {
	ws   *websocket.Conn
	opts Options

	nextID  atomic.Int64
	writeMu sync.Mutex

	mu         sync.Mutex
	pending    map[int64]chan response
	listeners  map[string][]listenerEntry
	subs       map[string]map[uint64]*Subscription
	nextSubID  uint64
	nextLisID  ListenerID
	onClose    []func(error)
	closed     bool
	closeErr   error
	dispatchQ  *Queue[dispatchItem]
	readDone   chan struct{}
	done       chan struct{}
	lateFrames atomic.Int64
}

// Dial opens a connection to a ws:// endpoint.
func Dial(ctx context.Context, wsURL string, opts Options) (*Conn, error) {
	handshake := opts.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshake,
		WriteBufferSize:  writeBufferSize,
	}

	L_debug("cdp: dialing", "url", wsURL, "name", opts.Name)

	//nolint:bodyclose // WebSocket upgrade - response body handled by gorilla/websocket
	ws, resp, err := dialer.DialContext(ctx, wsURL, opts.Header)
	if err != nil {
		terr := &TransportError{Op: "dial", URL: wsURL, Err: err}
		if resp != nil {
			terr.StatusCode = resp.StatusCode
		}
		opts.Metrics.RecordOutcome("cdp", "dial", "error")
		return nil, terr
	}
	opts.Metrics.RecordOutcome("cdp", "dial", "ok")

	return NewConn(ws, opts), nil
}

// NewConn wraps an established WebSocket and starts its read loop.
func NewConn(ws *websocket.Conn, opts Options) *Conn {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultCommandTimeout
	}
	c := &Conn{
		ws:        ws,
		opts:      opts,
		pending:   make(map[int64]chan response),
		listeners: make(map[string][]listenerEntry),
		subs:      make(map[string]map[uint64]*Subscription),
		dispatchQ: NewQueue[dispatchItem](),
		readDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	go c.dispatchLoop()
	return c
}

// Name returns the name given in Options.
func (c *Conn) Name() string { return c.opts.Name }

// DefaultTimeout returns the per-command timeout used by Send.
func (c *Conn) DefaultTimeout() time.Duration { return c.opts.DefaultTimeout }

// Send issues a command with the connection's default timeout.
func (c *Conn) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.SendTimeout(ctx, method, params, 0)
}

// Call issues a command and decodes its result into result (which may be nil).
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	raw, err := c.Send(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("cdp: decode %s result: %w", method, err)
	}
	return nil
}

// SendTimeout issues a command and waits for its response. A timeout of 0
// uses the connection default. Expiry fails with *TimeoutError and removes
// the pending slot; a response arriving afterwards is dropped.
func (c *Conn) SendTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	start := time.Now()

	id := c.nextID.Add(1)
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		c.opts.Metrics.RecordOutcome("cdp", "send", "transport_error")
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(Request{ID: id, Method: method, Params: params})
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("cdp: encode %s: %w", method, err)
	}

	L_trace("cdp: send", "conn", c.opts.Name, "id", id, "method", method)

	c.writeMu.Lock()
	werr := c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if werr != nil {
		c.removePending(id)
		terr := &TransportError{Op: "write", Err: werr}
		c.shutdown(terr)
		c.opts.Metrics.RecordOutcome("cdp", "send", "transport_error")
		return nil, terr
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		c.opts.Metrics.RecordDuration("cdp", method, time.Since(start))
		if resp.err != nil {
			c.opts.Metrics.RecordOutcome("cdp", "send", "transport_error")
			return nil, resp.err
		}
		if resp.msg.Error != nil {
			c.opts.Metrics.RecordOutcome("cdp", "send", "protocol_error")
			return nil, &ProtocolError{
				Method:  method,
				Code:    resp.msg.Error.Code,
				Message: resp.msg.Error.Message,
				Data:    resp.msg.Error.Data,
			}
		}
		c.opts.Metrics.RecordOutcome("cdp", "send", "ok")
		return resp.msg.Result, nil

	case <-timer.C:
		c.removePending(id)
		c.opts.Metrics.RecordOutcome("cdp", "send", "timeout")
		L_debug("cdp: command timed out", "conn", c.opts.Name, "id", id, "method", method, "timeout", timeout)
		return nil, &TimeoutError{Method: method, Timeout: timeout}

	case <-ctx.Done():
		c.removePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.opts.Metrics.RecordOutcome("cdp", "send", "timeout")
			return nil, &TimeoutError{Method: method, Timeout: time.Since(start).Round(time.Millisecond)}
		}
		c.opts.Metrics.RecordOutcome("cdp", "send", "cancelled")
		return nil, ctx.Err()
	}
}

func (c *Conn) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// On registers fn for every event named event. Listeners run one at a time,
// in frame order, on the connection's dispatcher goroutine. A panicking
// listener is logged and does not affect the others.
func (c *Conn) On(event string, fn Listener) ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextLisID++
	id := c.nextLisID
	c.listeners[event] = append(c.listeners[event], listenerEntry{id: id, fn: fn})
	return id
}

// Off removes a listener registered with On.
func (c *Conn) Off(event string, id ListenerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.listeners[event]
	for i, l := range list {
		if l.id == id {
			// copy so snapshots handed to the dispatcher stay intact
			next := make([]listenerEntry, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(c.listeners, event)
			} else {
				c.listeners[event] = next
			}
			return
		}
	}
}

// Subscribe returns an unbounded queue of every future event named event.
// If the connection is already closed the subscription is closed too.
func (c *Conn) Subscribe(event string) *Subscription {
	sub := &Subscription{conn: c, event: event, queue: NewQueue[json.RawMessage]()}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		sub.queue.Close(err)
		return sub
	}
	c.nextSubID++
	sub.id = c.nextSubID
	if c.subs[event] == nil {
		c.subs[event] = make(map[uint64]*Subscription)
	}
	c.subs[event][sub.id] = sub
	c.mu.Unlock()
	return sub
}

func (c *Conn) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.subs[sub.event]; ok {
		delete(m, sub.id)
		if len(m) == 0 {
			delete(c.subs, sub.event)
		}
	}
}

// WaitFor returns the params of the next event named event. The temporary
// subscription is removed on every return path.
func (c *Conn) WaitFor(ctx context.Context, event string, timeout time.Duration) (json.RawMessage, error) {
	return c.WaitForFunc(ctx, event, timeout, nil)
}

// WaitForFunc is WaitFor restricted to payloads for which match returns true.
// A nil match accepts the first payload.
func (c *Conn) WaitForFunc(ctx context.Context, event string, timeout time.Duration, match func(json.RawMessage) bool) (json.RawMessage, error) {
	sub := c.Subscribe(event)
	defer sub.Unsubscribe()
	return WaitSubscription(ctx, sub, timeout, match)
}

// WaitSubscription consumes sub until match accepts a payload or timeout
// elapses. Callers that must subscribe before triggering the event use this
// directly.
func WaitSubscription(ctx context.Context, sub *Subscription, timeout time.Duration, match func(json.RawMessage) bool) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = sub.conn.opts.DefaultTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		params, err := sub.Next(wctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, &TimeoutError{Method: sub.event, Timeout: timeout}
			}
			return nil, err
		}
		if match == nil || match(params) {
			return params, nil
		}
	}
}

// OnClose registers fn to run once when the connection closes, with the
// close cause. Registering on a closed connection runs fn right away.
func (c *Conn) OnClose(fn func(error)) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		go runCloseCallback(fn, err)
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Done is closed once the connection has been shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the close cause, or nil while the connection is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Closed reports whether the connection has been shut down.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close shuts the connection down. Every pending command fails with a
// *TransportError wrapping ErrConnectionClosed. Safe to call repeatedly and
// from listeners.
func (c *Conn) Close() error {
	c.shutdown(&TransportError{Op: "close", Err: ErrConnectionClosed})
	<-c.readDone
	return nil
}

// shutdown runs the close sequence once. Later calls are no-ops.
func (c *Conn) shutdown(cause *TransportError) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	pending := c.pending
	c.pending = make(map[int64]chan response)
	var subs []*Subscription
	for _, m := range c.subs {
		for _, s := range m {
			subs = append(subs, s)
		}
	}
	c.subs = make(map[string]map[uint64]*Subscription)
	callbacks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	L_debug("cdp: connection closing", "conn", c.opts.Name, "pending", len(pending), "cause", cause)

	c.ws.Close()

	for _, ch := range pending {
		ch <- response{err: cause}
	}
	for _, s := range subs {
		s.queue.Close(cause)
	}

	close(c.done)

	// close callbacks run after every event already queued for listeners
	c.dispatchQ.Push(dispatchItem{closing: callbacks, closeErr: cause})
	c.dispatchQ.Close(ErrConnectionClosed)
}

func (c *Conn) readLoop() {
	defer close(c.readDone)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.Closed() {
				L_warn("cdp: websocket read error", "conn", c.opts.Name, "error", err)
			}
			c.shutdown(&TransportError{Op: "read", Err: fmt.Errorf("%w: %v", ErrConnectionClosed, err)})
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			L_warn("cdp: dropping undecodable frame", "conn", c.opts.Name, "error", err, "bytes", len(data))
			continue
		}

		if msg.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if !ok {
				c.lateFrames.Add(1)
				L_debug("cdp: dropping late response", "conn", c.opts.Name, "id", msg.ID)
				continue
			}
			ch <- response{msg: &msg}
			continue
		}

		if msg.Method == "" {
			continue
		}

		c.opts.Metrics.IncrementCounter("cdp", "events")

		c.mu.Lock()
		listeners := c.listeners[msg.Method]
		var subs []*Subscription
		for _, s := range c.subs[msg.Method] {
			subs = append(subs, s)
		}
		c.mu.Unlock()

		for _, s := range subs {
			s.queue.Push(msg.Params)
		}
		if len(listeners) > 0 {
			c.dispatchQ.Push(dispatchItem{method: msg.Method, params: msg.Params, listeners: listeners})
		}
	}
}

func (c *Conn) dispatchLoop() {
	for {
		item, err := c.dispatchQ.Next(context.Background())
		if err != nil {
			return
		}
		if item.closing != nil {
			for _, fn := range item.closing {
				runCloseCallback(fn, item.closeErr)
			}
			continue
		}
		for _, l := range item.listeners {
			c.runListener(item.method, l.fn, item.params)
		}
	}
}

func (c *Conn) runListener(method string, fn Listener, params json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.opts.Metrics.IncrementCounter("cdp", "listener_panics")
			L_error("cdp: listener panicked", "conn", c.opts.Name, "event", method, "panic", r)
		}
	}()
	fn(params)
}

func runCloseCallback(fn func(error), err error) {
	defer func() {
		if r := recover(); r != nil {
			L_error("cdp: close callback panicked", "panic", r)
		}
	}()
	fn(err)
}

// LateResponses returns how many responses arrived after their command had
// already timed out.
func (c *Conn) LateResponses() int64 { return c.lateFrames.Load() }
