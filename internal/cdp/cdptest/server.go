// Package cdptest provides a scriptable in-process remote-debugging endpoint
// for tests: per-method handlers, deferred replies, event emission and the
// /json discovery documents.
package cdptest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/roelfdiedericks/chromewire/internal/cdp"
)

// ErrNoReply tells the server not to answer; the handler (or the test)
// replies later with Conn.Reply or Conn.ReplyError.
var ErrNoReply = errors.New("cdptest: no reply")

// Request is one command received by the server.
type Request struct {
	ID     int64
	Method string
	Params json.RawMessage
	Path   string
}

// Decode unmarshals the params into v.
func (r Request) Decode(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	return json.Unmarshal(r.Params, v)
}

// Handler answers a command. A nil error replies with result (nil = {}).
// A *cdp.ProtocolError replies with its code and message; any other error
// replies with code -32000.
type Handler func(c *Conn, req Request) (any, error)

// Server is a fake debugging endpoint.
type Server struct {
	t        testing.TB
	srv      *httptest.Server
	upgrader websocket.Upgrader
	browser  string

	mu       sync.Mutex
	handlers map[string]Handler
	fallback Handler
	conns    []*Conn
	calls    []Request
	targets  []cdp.TargetListing
	gone     map[string]bool
	connCh   chan *Conn
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		t:        t,
		browser:  uuid.NewString(),
		handlers: make(map[string]Handler),
		gone:     make(map[string]bool),
		connCh:   make(chan *Conn, 64),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.Close)
	return s
}

// Close drops every connection and stops the HTTP server.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

// Host returns host:port.
func (s *Server) Host() string {
	return strings.TrimPrefix(s.srv.URL, "http://")
}

// HTTPURL returns the http:// base URL.
func (s *Server) HTTPURL() string { return s.srv.URL }

// BrowserURL returns the browser-level WebSocket endpoint.
func (s *Server) BrowserURL() string {
	return "ws://" + s.Host() + "/devtools/browser/" + s.browser
}

// PageURL returns the WebSocket endpoint of a target.
func (s *Server) PageURL(targetID string) string {
	return cdp.PageURL(s.Host(), targetID)
}

// Handle registers the handler for method, replacing any earlier one.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// HandleResult registers a handler that always replies with result.
func (s *Server) HandleResult(method string, result any) {
	s.Handle(method, func(*Conn, Request) (any, error) { return result, nil })
}

// Fallback sets the handler for methods without their own. The default
// fallback replies {}.
func (s *Server) Fallback(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = h
}

// AddTarget lists a target in /json/list and lets /devtools/page/<id> upgrade.
func (s *Server) AddTarget(t cdp.TargetListing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.WebSocketDebuggerURL == "" {
		t.WebSocketDebuggerURL = cdp.PageURL(s.Host(), t.ID)
	}
	s.targets = append(s.targets, t)
	delete(s.gone, t.ID)
}

// RemoveTarget makes the target disappear: it leaves /json/list and its
// endpoint answers 404.
func (s *Server) RemoveTarget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.targets {
		if t.ID == id {
			s.targets = append(s.targets[:i], s.targets[i+1:]...)
			break
		}
	}
	s.gone[id] = true
}

// Calls returns every command received so far, in arrival order.
func (s *Server) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how often method was received.
func (s *Server) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// NextConn waits for the next accepted WebSocket connection.
func (s *Server) NextConn(timeout time.Duration) *Conn {
	s.t.Helper()
	select {
	case c := <-s.connCh:
		return c
	case <-time.After(timeout):
		s.t.Fatalf("cdptest: no connection within %s", timeout)
		return nil
	}
}

// Conns returns the connections that are still open.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Conn
	for _, c := range s.conns {
		if !c.isClosed() {
			out = append(out, c)
		}
	}
	return out
}

// Emit sends an event on every open connection whose path has prefix.
// An empty prefix matches all connections.
func (s *Server) Emit(prefix, method string, params any) {
	for _, c := range s.Conns() {
		if strings.HasPrefix(c.Path, prefix) {
			c.Emit(method, params)
		}
	}
}

// DropConnections closes every WebSocket without a close frame, like a
// crashing browser.
func (s *Server) DropConnections() {
	for _, c := range s.Conns() {
		c.Close()
	}
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/json/version":
		writeJSON(w, cdp.VersionInfo{
			Browser:              "HeadlessChrome/120.0.0.0",
			ProtocolVersion:      "1.3",
			UserAgent:            "Mozilla/5.0 cdptest",
			WebSocketDebuggerURL: s.BrowserURL(),
		})
	case r.URL.Path == "/json/list" || r.URL.Path == "/json":
		s.mu.Lock()
		targets := make([]cdp.TargetListing, len(s.targets))
		copy(targets, s.targets)
		s.mu.Unlock()
		writeJSON(w, targets)
	case strings.HasPrefix(r.URL.Path, "/devtools/"):
		s.serveWS(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if id, ok := strings.CutPrefix(r.URL.Path, "/devtools/page/"); ok {
		s.mu.Lock()
		gone := s.gone[id]
		s.mu.Unlock()
		if gone {
			http.NotFound(w, r)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &Conn{server: s, ws: ws, Path: r.URL.Path, done: make(chan struct{})}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	select {
	case s.connCh <- c:
	default:
	}

	go c.serve()
}

func (s *Server) handlerFor(method string) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handlers[method]; ok {
		return h
	}
	if s.fallback != nil {
		return s.fallback
	}
	return func(*Conn, Request) (any, error) { return nil, nil }
}

func (s *Server) record(req Request) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Conn is the server side of one WebSocket connection.
type Conn struct {
	Path string

	server  *Server
	ws      *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func (c *Conn) serve() {
	defer c.Close()
	for {
		var msg cdp.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		req := Request{ID: msg.ID, Method: msg.Method, Params: msg.Params, Path: c.Path}
		c.server.record(req)

		// handlers run concurrently so a deferred reply never blocks the reader
		go c.handle(req)
	}
}

func (c *Conn) handle(req Request) {
	result, err := c.server.handlerFor(req.Method)(c, req)
	switch {
	case errors.Is(err, ErrNoReply):
	case err != nil:
		var perr *cdp.ProtocolError
		if errors.As(err, &perr) {
			c.ReplyError(req.ID, perr.Code, perr.Message)
		} else {
			c.ReplyError(req.ID, -32000, err.Error())
		}
	default:
		c.Reply(req.ID, result)
	}
}

// Reply sends a result frame for id. A nil result is sent as {}.
func (c *Conn) Reply(id int64, result any) {
	if result == nil {
		result = struct{}{}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		c.server.t.Errorf("cdptest: marshal result: %v", err)
		return
	}
	c.write(cdp.Message{ID: id, Result: raw})
}

// ReplyError sends an error frame for id.
func (c *Conn) ReplyError(id int64, code int64, message string) {
	c.write(cdp.Message{ID: id, Error: &cdp.ErrorObject{Code: code, Message: message}})
}

// Emit sends an event frame.
func (c *Conn) Emit(method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		c.server.t.Errorf("cdptest: marshal params: %v", err)
		return
	}
	c.write(cdp.Message{Method: method, Params: raw})
}

// WriteRaw sends an arbitrary text frame.
func (c *Conn) WriteRaw(data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) write(msg cdp.Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteJSON(msg)
}

// Close drops the connection.
func (c *Conn) Close() {
	c.once.Do(func() {
		c.ws.Close()
		close(c.done)
	})
}

// Done is closed when the connection has gone away.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
