package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/stealth"
	"github.com/google/uuid"
	"github.com/roelfdiedericks/chromewire/internal/cdp"
	. "github.com/roelfdiedericks/chromewire/internal/logging"
	"golang.org/x/sync/singleflight"
)

// State is the lifecycle state of a Target.
type State int32

const (
	StateDiscovered State = iota // known, no connection yet
	StateAttached                // own connection open, domains enabled
	StateReady                   // main-world execution context observed
	StateNavigating              // a navigation command is in flight
	StateDetached                // connection lost (terminal)
	StateClosed                  // closed on request (terminal)
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateAttached:
		return "attached"
	case StateReady:
		return "ready"
	case StateNavigating:
		return "navigating"
	case StateDetached:
		return "detached"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// AttachOptions controls Target.Attach.
type AttachOptions struct {
	Network      bool          // enable the Network domain
	Stealth      bool          // inject the stealth script on every new document
	ReadyTimeout time.Duration // how long to wait for the main world (0 = command timeout)
}

type frameInfo struct {
	id       string
	parentID string
	loaderID string
	url      string
}

type isolatedKey struct {
	frameID string
	name    string
}

// Target is one page, tab or iframe. It owns its own connection to the
// target's endpoint; its execution-context table is mutated only by events
// on that connection and by its own navigation commands.
type Target struct {
	browser *Browser
	id      string
	seq     uint64
	opts    Options

	mu          sync.RWMutex
	info        TargetInfo
	state       State
	conn        *cdp.Conn
	navigating  int
	mainFrameID string
	frames      map[string]*frameInfo
	contexts    map[int64]*ExecutionContext
	mainWorlds  map[string]*ExecutionContext // frame id -> main world
	isolated    map[isolatedKey]*ExecutionContext
	changed     chan struct{} // closed and replaced on every context change

	attachMu  sync.Mutex
	worlds    singleflight.Group
	worldName string
	exprCache sync.Map // code -> is expression
}

func newTarget(b *Browser, info TargetInfo, seq uint64) *Target {
	return &Target{
		browser:    b,
		id:         info.TargetID,
		seq:        seq,
		opts:       b.opts,
		info:       info,
		frames:     make(map[string]*frameInfo),
		contexts:   make(map[int64]*ExecutionContext),
		mainWorlds: make(map[string]*ExecutionContext),
		isolated:   make(map[isolatedKey]*ExecutionContext),
		changed:    make(chan struct{}),
		worldName:  "chromewire_" + uuid.NewString()[:8],
	}
}

// ID returns the target id.
func (t *Target) ID() string { return t.id }

// Parent returns the browsing context the target belongs to.
func (t *Target) Parent() Node {
	ctxID := t.Info().BrowserContextID
	t.browser.mu.RLock()
	bc, ok := t.browser.contexts[ctxID]
	t.browser.mu.RUnlock()
	if ok {
		return bc
	}
	return t.browser.defaultCtx
}

// Browser returns the root session.
func (t *Target) Browser() *Browser { return t.browser }

// Info returns the latest known target description.
func (t *Target) Info() TargetInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info
}

// State returns the current lifecycle state.
func (t *Target) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Detached reports whether the target reached a terminal state or the
// browser root is gone.
func (t *Target) Detached() bool {
	st := t.State()
	return st == StateDetached || st == StateClosed || t.browser.Detached()
}

func (t *Target) setInfo(info TargetInfo, complete bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if complete {
		t.info = info
		return
	}
	if info.Type != "" {
		t.info.Type = info.Type
	}
	if info.URL != "" && t.info.URL == "" {
		t.info.URL = info.URL
	}
	if info.BrowserContextID != "" {
		t.info.BrowserContextID = info.BrowserContextID
	}
}

// requireAttached returns the target connection, or a *StateError unless
// the target is attached, ready or navigating.
func (t *Target) requireAttached(op string) (*cdp.Conn, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch t.state {
	case StateAttached, StateReady, StateNavigating:
		return t.conn, nil
	default:
		return nil, &StateError{Op: op, State: t.state}
	}
}

func (t *Target) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	conn, err := t.requireAttached(method)
	if err != nil {
		return nil, err
	}
	return conn.Send(ctx, method, params)
}

func (t *Target) Call(ctx context.Context, method string, params, result any) error {
	conn, err := t.requireAttached(method)
	if err != nil {
		return err
	}
	return conn.Call(ctx, method, params, result)
}

// On registers a listener on the target connection. It returns 0 and does
// nothing when the target is not attached.
func (t *Target) On(event string, fn cdp.Listener) cdp.ListenerID {
	conn, err := t.requireAttached("on " + event)
	if err != nil {
		L_warn("session: listener not registered", "target", t.id, "event", event, "error", err)
		return 0
	}
	return conn.On(event, fn)
}

func (t *Target) Off(event string, id cdp.ListenerID) {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn != nil {
		conn.Off(event, id)
	}
}

func (t *Target) WaitFor(ctx context.Context, event string, timeout time.Duration) (json.RawMessage, error) {
	conn, err := t.requireAttached("wait for " + event)
	if err != nil {
		return nil, err
	}
	return conn.WaitFor(ctx, event, timeout)
}

// Attach opens the target's own connection and enables the domains the
// session depends on. Context and frame listeners are registered before any
// domain is enabled so no creation event is missed. Attaching an attached
// target is a no-op.
func (t *Target) Attach(ctx context.Context, opts AttachOptions) error {
	t.attachMu.Lock()
	defer t.attachMu.Unlock()

	switch st := t.State(); st {
	case StateDiscovered:
	case StateDetached, StateClosed:
		return &StateError{Op: "attach", State: st}
	default:
		return nil
	}
	if t.browser.Detached() {
		return &AttachError{TargetID: t.id, Err: cdp.ErrConnectionClosed}
	}

	start := time.Now()
	conn, err := cdp.Dial(ctx, cdp.PageURL(t.browser.host, t.id), cdp.Options{
		Name:           "target:" + shortID(t.id),
		DefaultTimeout: t.opts.CommandTimeout,
		Metrics:        t.opts.Metrics,
	})
	if err != nil {
		return &AttachError{TargetID: t.id, Err: err}
	}

	conn.On("Runtime.executionContextCreated", t.onContextCreated)
	conn.On("Runtime.executionContextDestroyed", t.onContextDestroyed)
	conn.On("Runtime.executionContextsCleared", t.onContextsCleared)
	conn.On("Page.frameAttached", t.onFrameAttached)
	conn.On("Page.frameNavigated", t.onFrameNavigated)
	conn.On("Page.frameDetached", t.onFrameDetached)
	conn.On("Inspector.detached", func(json.RawMessage) { t.detach(conn, "inspector detached") })
	conn.On("Inspector.targetCrashed", func(json.RawMessage) { t.detach(conn, "target crashed") })
	conn.OnClose(func(err error) { t.detach(conn, "connection closed") })

	t.mu.Lock()
	t.conn = conn
	t.state = StateAttached
	t.mu.Unlock()

	if err := t.enableDomains(ctx, conn, opts); err != nil {
		t.mu.Lock()
		t.conn = nil
		t.state = StateDiscovered
		t.mu.Unlock()
		conn.Close()
		return &AttachError{TargetID: t.id, Err: err}
	}

	readyTimeout := opts.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = t.opts.CommandTimeout
	}
	if _, err := t.waitMainWorld(ctx, "", readyTimeout); err != nil {
		// stays Attached; queries still work and Evaluate waits again
		L_debug("session: main world not seen after attach", "target", t.id, "error", err)
	}

	t.opts.Metrics.RecordDuration("session", "attach", time.Since(start))
	L_debug("session: target attached", "target", t.id, "state", t.State(), "elapsed", time.Since(start))
	return nil
}

func (t *Target) enableDomains(ctx context.Context, conn *cdp.Conn, opts AttachOptions) error {
	if err := conn.Call(ctx, "Page.enable", nil, nil); err != nil {
		return err
	}
	if err := conn.Call(ctx, "Page.setLifecycleEventsEnabled", map[string]any{"enabled": true}, nil); err != nil {
		return err
	}
	if opts.Stealth {
		if err := conn.Call(ctx, "Page.addScriptToEvaluateOnNewDocument", map[string]any{"source": stealth.JS}, nil); err != nil {
			return fmt.Errorf("inject stealth script: %w", err)
		}
	}

	var tree frameTreeResult
	if err := conn.Call(ctx, "Page.getFrameTree", nil, &tree); err != nil {
		return err
	}
	t.seedFrames(tree.FrameTree)

	if err := conn.Call(ctx, "DOM.enable", nil, nil); err != nil {
		return err
	}
	if opts.Network {
		if err := conn.Call(ctx, "Network.enable", nil, nil); err != nil {
			return err
		}
	}
	return conn.Call(ctx, "Runtime.enable", nil, nil)
}

// Close asks the browser to close the target, waits (bounded) for the
// matching Target.targetDestroyed, then tears down the connection.
func (t *Target) Close(ctx context.Context) error {
	if t.State() == StateClosed {
		return nil
	}

	root := t.browser.conn
	sub := root.Subscribe("Target.targetDestroyed")
	defer sub.Unsubscribe()

	if err := root.Call(ctx, "Target.closeTarget", map[string]any{"targetId": t.id}, nil); err != nil {
		if !errors.Is(err, cdp.ErrTransport) {
			return err
		}
	} else {
		_, err := cdp.WaitSubscription(ctx, sub, t.opts.CloseTimeout, func(p json.RawMessage) bool {
			var ev struct {
				TargetID string `json:"targetId"`
			}
			return json.Unmarshal(p, &ev) == nil && ev.TargetID == t.id
		})
		if err != nil {
			L_debug("session: target close not confirmed", "target", t.id, "error", err)
		}
	}

	t.mu.Lock()
	conn := t.conn
	t.state = StateClosed
	t.invalidateAllLocked("target closed")
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.browser.removeTarget(t.id)
	L_debug("session: target closed", "target", t.id)
	return nil
}

// detach moves the target to StateDetached (unless already closed) and
// invalidates every execution context. A non-nil conn restricts the call to
// that connection, so a stale callback cannot detach a newer attachment.
func (t *Target) detach(conn *cdp.Conn, reason string) {
	t.mu.Lock()
	if conn != nil && t.conn != conn {
		t.mu.Unlock()
		return
	}
	current := t.conn
	if t.state != StateClosed && t.state != StateDetached {
		t.state = StateDetached
		L_debug("session: target detached", "target", t.id, "reason", reason)
	}
	t.invalidateAllLocked(reason)
	t.mu.Unlock()

	if current != nil {
		current.Close()
	}
}

func (t *Target) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Target) invalidateLocked(ec *ExecutionContext, reason string) {
	ec.invalidate(reason)
	delete(t.contexts, ec.id)
	if t.mainWorlds[ec.frameID] == ec {
		delete(t.mainWorlds, ec.frameID)
	}
	for k, v := range t.isolated {
		if v == ec {
			delete(t.isolated, k)
		}
	}
}

func (t *Target) invalidateAllLocked(reason string) {
	for _, ec := range t.contexts {
		t.invalidateLocked(ec, reason)
	}
	t.notifyLocked()
}

// invalidate marks the given contexts stale.
func (t *Target) invalidate(contexts []*ExecutionContext, reason string) {
	if len(contexts) == 0 {
		return
	}
	t.mu.Lock()
	for _, ec := range contexts {
		if t.contexts[ec.id] == ec {
			t.invalidateLocked(ec, reason)
		} else {
			ec.invalidate(reason)
		}
	}
	t.notifyLocked()
	t.mu.Unlock()
}

// contextsInSubtree returns the live contexts of frameID and its
// descendants; an empty frameID means every frame.
func (t *Target) contextsInSubtree(frameID string) []*ExecutionContext {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var inTree map[string]bool
	if frameID != "" {
		inTree = t.subtreeLocked(frameID)
	}
	var out []*ExecutionContext
	for _, ec := range t.contexts {
		if inTree == nil || inTree[ec.frameID] {
			out = append(out, ec)
		}
	}
	return out
}

func (t *Target) subtreeLocked(root string) map[string]bool {
	tree := map[string]bool{root: true}
	for grew := true; grew; {
		grew = false
		for id, f := range t.frames {
			if !tree[id] && tree[f.parentID] {
				tree[id] = true
				grew = true
			}
		}
	}
	return tree
}

func (t *Target) onContextCreated(params json.RawMessage) {
	var ev struct {
		Context struct {
			ID       int64  `json:"id"`
			Origin   string `json:"origin"`
			Name     string `json:"name"`
			UniqueID string `json:"uniqueId"`
			AuxData  struct {
				IsDefault bool   `json:"isDefault"`
				Type      string `json:"type"`
				FrameID   string `json:"frameId"`
			} `json:"auxData"`
		} `json:"context"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		L_warn("session: bad executionContextCreated", "target", t.id, "error", err)
		return
	}
	c := ev.Context

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.contexts[c.ID]; ok {
		return
	}
	ec := newExecutionContext(t, c.ID, c.AuxData.FrameID, c.Name, !c.AuxData.IsDefault)
	ec.origin = c.Origin
	t.contexts[c.ID] = ec

	if c.AuxData.IsDefault {
		if old := t.mainWorlds[c.AuxData.FrameID]; old != nil {
			t.invalidateLocked(old, "replaced by a new main world")
		}
		t.mainWorlds[c.AuxData.FrameID] = ec
		if t.mainFrameID == "" {
			t.mainFrameID = c.AuxData.FrameID
		}
		if t.state == StateAttached && c.AuxData.FrameID == t.mainFrameID {
			t.state = StateReady
		}
	}
	L_trace("session: execution context created", "target", t.id, "context", c.ID, "frame", c.AuxData.FrameID, "default", c.AuxData.IsDefault)
	t.notifyLocked()
}

func (t *Target) onContextDestroyed(params json.RawMessage) {
	var ev struct {
		ExecutionContextID int64 `json:"executionContextId"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if ec, ok := t.contexts[ev.ExecutionContextID]; ok {
		t.invalidateLocked(ec, "execution context destroyed")
		t.notifyLocked()
	}
}

func (t *Target) onContextsCleared(json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.invalidateAllLocked("execution contexts cleared")
}

func (t *Target) onFrameAttached(params json.RawMessage) {
	var ev struct {
		FrameID       string `json:"frameId"`
		ParentFrameID string `json:"parentFrameId"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.frames[ev.FrameID]; !ok {
		t.frames[ev.FrameID] = &frameInfo{id: ev.FrameID, parentID: ev.ParentFrameID}
	}
}

func (t *Target) onFrameNavigated(params json.RawMessage) {
	var ev struct {
		Frame frameJSON `json:"frame"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	f := ev.Frame

	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames[f.ID] = &frameInfo{id: f.ID, parentID: f.ParentID, loaderID: f.LoaderID, url: f.URL}
	if f.ParentID == "" {
		t.mainFrameID = f.ID
		t.info.URL = f.URL
	}
}

func (t *Target) onFrameDetached(params json.RawMessage) {
	var ev struct {
		FrameID string `json:"frameId"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	tree := t.subtreeLocked(ev.FrameID)
	for _, ec := range t.contexts {
		if tree[ec.frameID] {
			t.invalidateLocked(ec, "frame detached")
		}
	}
	if ev.Reason != "swap" {
		for id := range tree {
			delete(t.frames, id)
		}
	}
	t.notifyLocked()
}

func (t *Target) seedFrames(node *frameTreeNode) {
	if node == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var walk func(n *frameTreeNode)
	walk = func(n *frameTreeNode) {
		f := n.Frame
		t.frames[f.ID] = &frameInfo{id: f.ID, parentID: f.ParentID, loaderID: f.LoaderID, url: f.URL}
		for _, child := range n.ChildFrames {
			walk(child)
		}
	}
	walk(node)

	if node.Frame.ID != "" {
		t.mainFrameID = node.Frame.ID
		if node.Frame.URL != "" {
			t.info.URL = node.Frame.URL
		}
	}
}

func (t *Target) mainFrame() (id, loaderID string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if f, ok := t.frames[t.mainFrameID]; ok {
		return f.id, f.loaderID
	}
	return t.mainFrameID, ""
}

// waitMainWorld returns the live main world of frameID ("" = main frame),
// waiting up to timeout for it to be announced.
func (t *Target) waitMainWorld(ctx context.Context, frameID string, timeout time.Duration) (*ExecutionContext, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		t.mu.RLock()
		state := t.state
		fid := frameID
		if fid == "" {
			fid = t.mainFrameID
		}
		ec := t.mainWorlds[fid]
		changed := t.changed
		t.mu.RUnlock()

		if state == StateDetached || state == StateClosed {
			return nil, &StateError{Op: "execution context", State: state}
		}
		if ec != nil && ec.Live() {
			return ec, nil
		}

		select {
		case <-changed:
		case <-timer.C:
			return nil, &cdp.TimeoutError{Method: "Runtime.executionContextCreated", Timeout: timeout}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// currentMainWorld returns the main world without waiting, or nil.
func (t *Target) currentMainWorld() *ExecutionContext {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ec := t.mainWorlds[t.mainFrameID]
	if ec != nil && ec.Live() {
		return ec
	}
	return nil
}

// MainWorld returns the page's own execution context of the main frame.
func (t *Target) MainWorld(ctx context.Context) (*ExecutionContext, error) {
	return t.FrameWorld(ctx, "")
}

// FrameWorld returns the main world of a frame ("" = main frame).
func (t *Target) FrameWorld(ctx context.Context, frameID string) (*ExecutionContext, error) {
	if _, err := t.requireAttached("execution context"); err != nil {
		return nil, err
	}
	return t.waitMainWorld(ctx, frameID, t.opts.CommandTimeout)
}

// IsolatedWorld returns the isolated world name of frameID, creating it on
// first use. Within one navigation epoch repeated and concurrent requests
// for the same (frame, name) share one context. Empty frameID means the main
// frame; empty name uses a per-target default.
func (t *Target) IsolatedWorld(ctx context.Context, frameID, name string) (*ExecutionContext, error) {
	conn, err := t.requireAttached("Page.createIsolatedWorld")
	if err != nil {
		return nil, err
	}
	if frameID == "" {
		main, err := t.MainWorld(ctx)
		if err != nil {
			return nil, err
		}
		frameID = main.frameID
	}
	if name == "" {
		name = t.worldName
	}
	key := isolatedKey{frameID: frameID, name: name}

	if ec := t.cachedIsolated(key); ec != nil {
		return ec, nil
	}

	v, err, _ := t.worlds.Do(frameID+"\x00"+name, func() (any, error) {
		if ec := t.cachedIsolated(key); ec != nil {
			return ec, nil
		}

		var res struct {
			ExecutionContextID int64 `json:"executionContextId"`
		}
		err := conn.Call(ctx, "Page.createIsolatedWorld", map[string]any{
			"frameId":             frameID,
			"worldName":           name,
			"grantUniveralAccess": true,
		}, &res)
		if err != nil {
			return nil, err
		}

		t.mu.Lock()
		defer t.mu.Unlock()
		ec := t.contexts[res.ExecutionContextID]
		if ec == nil {
			ec = newExecutionContext(t, res.ExecutionContextID, frameID, name, true)
			t.contexts[ec.id] = ec
		}
		t.isolated[key] = ec
		t.notifyLocked()
		L_debug("session: isolated world created", "target", t.id, "frame", frameID, "world", name, "context", ec.id)
		return ec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ExecutionContext), nil
}

func (t *Target) cachedIsolated(key isolatedKey) *ExecutionContext {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if ec := t.isolated[key]; ec != nil && ec.Live() {
		return ec
	}
	return nil
}

// ExecutionContexts returns the live contexts of the target.
func (t *Target) ExecutionContexts() []*ExecutionContext {
	return t.contextsInSubtree("")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
