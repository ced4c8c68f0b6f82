// Package session models the browser's addressable hierarchy on top of the
// cdp transport: the browser root, browsing contexts, targets, execution
// contexts and the remote handles that live inside them.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roelfdiedericks/chromewire/internal/cdp"
	"github.com/roelfdiedericks/chromewire/internal/config"
	. "github.com/roelfdiedericks/chromewire/internal/logging"
	"golang.org/x/sync/errgroup"
)

// Node is the command and event surface shared by every addressable
// endpoint: the browser root, a browsing context and a target.
type Node interface {
	ID() string
	Parent() Node // lookup only; a parent is never owned by its child
	Send(ctx context.Context, method string, params any) (json.RawMessage, error)
	Call(ctx context.Context, method string, params, result any) error
	On(event string, fn cdp.Listener) cdp.ListenerID
	Off(event string, id cdp.ListenerID)
	WaitFor(ctx context.Context, event string, timeout time.Duration) (json.RawMessage, error)
	Detached() bool
}

// TargetInfo is the Target domain's description of a target.
type TargetInfo struct {
	TargetID         string `json:"targetId"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	URL              string `json:"url"`
	Attached         bool   `json:"attached"`
	OpenerID         string `json:"openerId,omitempty"`
	BrowserContextID string `json:"browserContextId,omitempty"`
}

// Version is the result of Browser.getVersion.
type Version struct {
	ProtocolVersion string `json:"protocolVersion"`
	Product         string `json:"product"`
	Revision        string `json:"revision"`
	UserAgent       string `json:"userAgent"`
	JSVersion       string `json:"jsVersion"`
}

// NewTargetOptions controls Browser.NewWindow.
type NewTargetOptions struct {
	NewWindow        bool
	Background       bool
	Width            int
	Height           int
	BrowserContextID string // empty = default context
}

// ContextOptions controls Browser.NewContext.
type ContextOptions struct {
	DisposeOnDetach bool
	ProxyServer     string // must not embed credentials
	ProxyBypassList string
}

// Browser is the root session. It owns the control connection; browsing
// contexts route through it and every target hangs off it.
type Browser struct {
	conn *cdp.Conn
	host string
	id   string
	opts Options

	mu         sync.RWMutex
	targets    map[string]*Target
	contexts   map[string]*BrowserContext
	defaultCtx *BrowserContext
	seq        uint64
	detached   atomic.Bool
}

// Connect dials the browser-level endpoint (webSocketDebuggerUrl of
// /json/version) and starts tracking targets.
func Connect(ctx context.Context, wsURL string, opts Options) (*Browser, error) {
	opts = opts.withDefaults()

	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("session: invalid browser endpoint %q: %w", wsURL, err)
	}

	conn, err := cdp.Dial(ctx, wsURL, cdp.Options{
		Name:           "browser",
		DefaultTimeout: opts.CommandTimeout,
		Metrics:        opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	b := newBrowser(conn, u.Host, path.Base(u.Path), opts)
	if err := b.start(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	L_info("session: connected to browser", "host", b.host, "targets", len(b.snapshotTargets()))
	return b, nil
}

func newBrowser(conn *cdp.Conn, host, id string, opts Options) *Browser {
	b := &Browser{
		conn:     conn,
		host:     host,
		id:       id,
		opts:     opts,
		targets:  make(map[string]*Target),
		contexts: make(map[string]*BrowserContext),
	}
	b.defaultCtx = &BrowserContext{browser: b}
	return b
}

func (b *Browser) start(ctx context.Context) error {
	b.conn.On("Target.targetCreated", b.onTargetCreated)
	b.conn.On("Target.targetInfoChanged", b.onTargetCreated)
	b.conn.On("Target.targetDestroyed", b.onTargetDestroyed)
	b.conn.OnClose(b.onConnClosed)

	if err := b.conn.Call(ctx, "Target.setDiscoverTargets", map[string]any{"discover": true}, nil); err != nil {
		return fmt.Errorf("session: enable target discovery: %w", err)
	}
	return b.refreshTargets(ctx)
}

// ID returns the browser endpoint id.
func (b *Browser) ID() string { return b.id }

// Parent returns nil; the browser is the root.
func (b *Browser) Parent() Node { return nil }

// Host returns host:port of the debugging endpoint.
func (b *Browser) Host() string { return b.host }

// Conn exposes the control connection.
func (b *Browser) Conn() *cdp.Conn { return b.conn }

// Options returns the session options in effect.
func (b *Browser) Options() Options { return b.opts }

func (b *Browser) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return b.conn.Send(ctx, method, params)
}

func (b *Browser) Call(ctx context.Context, method string, params, result any) error {
	return b.conn.Call(ctx, method, params, result)
}

func (b *Browser) On(event string, fn cdp.Listener) cdp.ListenerID {
	return b.conn.On(event, fn)
}

func (b *Browser) Off(event string, id cdp.ListenerID) {
	b.conn.Off(event, id)
}

func (b *Browser) WaitFor(ctx context.Context, event string, timeout time.Duration) (json.RawMessage, error) {
	return b.conn.WaitFor(ctx, event, timeout)
}

// Detached reports whether the control connection is gone.
func (b *Browser) Detached() bool {
	return b.detached.Load() || b.conn.Closed()
}

// Version returns the browser's product and protocol versions.
func (b *Browser) Version(ctx context.Context) (Version, error) {
	var v Version
	err := b.conn.Call(ctx, "Browser.getVersion", nil, &v)
	return v, err
}

// Targets refreshes the target table and returns every known target in
// discovery order.
func (b *Browser) Targets(ctx context.Context) ([]*Target, error) {
	if err := b.refreshTargets(ctx); err != nil {
		return nil, err
	}
	return b.snapshotTargets(), nil
}

// Pages returns the page targets.
func (b *Browser) Pages(ctx context.Context) ([]*Target, error) {
	all, err := b.Targets(ctx)
	if err != nil {
		return nil, err
	}
	var pages []*Target
	for _, t := range all {
		if t.Info().Type == "page" {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

// Target returns the target with id, attaching it if it is only discovered.
func (b *Browser) Target(ctx context.Context, id string) (*Target, error) {
	t := b.lookup(id)
	if t == nil {
		if err := b.refreshTargets(ctx); err != nil {
			return nil, err
		}
		t = b.lookup(id)
	}
	if t == nil {
		return nil, &NotFoundError{What: "target", Query: id}
	}
	if t.State() == StateDiscovered {
		if err := t.Attach(ctx, b.defaultAttachOptions()); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// WaitForTarget polls the target table until match accepts a target or
// timeout elapses. The returned target is not attached.
func (b *Browser) WaitForTarget(ctx context.Context, match func(TargetInfo) bool, timeout time.Duration) (*Target, error) {
	if timeout <= 0 {
		timeout = b.opts.FindTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		for _, t := range b.snapshotTargets() {
			if match(t.Info()) {
				return t, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &NotFoundError{What: "target", Query: "matching predicate", Timeout: timeout}
		}
		if err := sleepCtx(ctx, min(b.opts.PollInterval, remaining)); err != nil {
			return nil, err
		}
	}
}

// NewWindow opens a new page and attaches to it.
func (b *Browser) NewWindow(ctx context.Context, pageURL string, opts NewTargetOptions) (*Target, error) {
	if pageURL == "" {
		pageURL = "about:blank"
	}
	params := map[string]any{"url": pageURL}
	if opts.NewWindow {
		params["newWindow"] = true
	}
	if opts.Background {
		params["background"] = true
	}
	if opts.Width > 0 && opts.Height > 0 {
		params["width"] = opts.Width
		params["height"] = opts.Height
	}
	if opts.BrowserContextID != "" {
		params["browserContextId"] = opts.BrowserContextID
	}

	var res struct {
		TargetID string `json:"targetId"`
	}
	if err := b.conn.Call(ctx, "Target.createTarget", params, &res); err != nil {
		return nil, err
	}

	t := b.upsert(TargetInfo{
		TargetID:         res.TargetID,
		Type:             "page",
		URL:              pageURL,
		BrowserContextID: opts.BrowserContextID,
	}, false)

	if err := t.Attach(ctx, b.defaultAttachOptions()); err != nil {
		return nil, err
	}
	L_debug("session: window opened", "target", res.TargetID, "url", pageURL)
	return t, nil
}

// NewContext creates an isolated browsing context.
func (b *Browser) NewContext(ctx context.Context, opts ContextOptions) (*BrowserContext, error) {
	if err := config.ValidateProxy(opts.ProxyServer); err != nil {
		return nil, fmt.Errorf("session: context proxy: %w", err)
	}

	params := map[string]any{}
	if opts.DisposeOnDetach {
		params["disposeOnDetach"] = true
	}
	if opts.ProxyServer != "" {
		params["proxyServer"] = opts.ProxyServer
	}
	if opts.ProxyBypassList != "" {
		params["proxyBypassList"] = opts.ProxyBypassList
	}

	var res struct {
		BrowserContextID string `json:"browserContextId"`
	}
	if err := b.conn.Call(ctx, "Target.createBrowserContext", params, &res); err != nil {
		return nil, err
	}

	bc := &BrowserContext{browser: b, id: res.BrowserContextID}
	b.mu.Lock()
	b.contexts[bc.id] = bc
	b.mu.Unlock()

	L_debug("session: browser context created", "context", bc.id)
	return bc, nil
}

// DefaultContext returns the browser's default browsing context.
func (b *Browser) DefaultContext() *BrowserContext { return b.defaultCtx }

// Contexts returns the browsing contexts created through this session.
func (b *Browser) Contexts() []*BrowserContext {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*BrowserContext, 0, len(b.contexts))
	for _, bc := range b.contexts {
		out = append(out, bc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Close detaches every target and closes the control connection. The
// browser process keeps running; see Quit.
func (b *Browser) Close() error {
	var g errgroup.Group
	for _, t := range b.snapshotTargets() {
		g.Go(func() error {
			t.detach(nil, "browser session closed")
			return nil
		})
	}
	err := g.Wait()

	b.detached.Store(true)
	if cerr := b.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Quit asks the browser to exit and then closes the session. The browser
// dropping the connection while answering is expected.
func (b *Browser) Quit(ctx context.Context) error {
	_, err := b.conn.SendTimeout(ctx, "Browser.close", nil, b.opts.CloseTimeout)
	if err != nil && !errors.Is(err, cdp.ErrTransport) {
		L_warn("session: Browser.close failed", "error", err)
		b.Close()
		return err
	}
	return b.Close()
}

func (b *Browser) defaultAttachOptions() AttachOptions {
	return AttachOptions{Network: b.opts.Network, Stealth: b.opts.Stealth}
}

func (b *Browser) refreshTargets(ctx context.Context) error {
	var res struct {
		TargetInfos []TargetInfo `json:"targetInfos"`
	}
	if err := b.conn.Call(ctx, "Target.getTargets", nil, &res); err != nil {
		return err
	}
	for _, info := range res.TargetInfos {
		b.upsert(info, true)
	}
	return nil
}

func (b *Browser) lookup(id string) *Target {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.targets[id]
}

// upsert records info. When complete is false only the fields that are set
// override what is already known.
func (b *Browser) upsert(info TargetInfo, complete bool) *Target {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.targets[info.TargetID]; ok {
		t.setInfo(info, complete)
		return t
	}
	b.seq++
	t := newTarget(b, info, b.seq)
	b.targets[info.TargetID] = t
	return t
}

func (b *Browser) removeTarget(id string) {
	b.mu.Lock()
	delete(b.targets, id)
	b.mu.Unlock()
}

func (b *Browser) snapshotTargets() []*Target {
	b.mu.RLock()
	out := make([]*Target, 0, len(b.targets))
	for _, t := range b.targets {
		out = append(out, t)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (b *Browser) onTargetCreated(params json.RawMessage) {
	var ev struct {
		TargetInfo TargetInfo `json:"targetInfo"`
	}
	if err := json.Unmarshal(params, &ev); err != nil || ev.TargetInfo.TargetID == "" {
		L_warn("session: bad target event", "error", err)
		return
	}
	b.upsert(ev.TargetInfo, true)
}

func (b *Browser) onTargetDestroyed(params json.RawMessage) {
	var ev struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	t := b.lookup(ev.TargetID)
	if t == nil {
		return
	}
	b.removeTarget(ev.TargetID)
	t.detach(nil, "target destroyed")
	L_debug("session: target destroyed", "target", ev.TargetID)
}

func (b *Browser) onConnClosed(err error) {
	b.detached.Store(true)
	targets := b.snapshotTargets()
	L_debug("session: browser connection closed", "targets", len(targets), "cause", err)
	for _, t := range targets {
		t.detach(nil, "browser connection closed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
