package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/roelfdiedericks/chromewire/internal/cdp"
	. "github.com/roelfdiedericks/chromewire/internal/logging"
)

// Download behaviours accepted by SetDownloadBehavior.
const (
	DownloadDeny         = "deny"
	DownloadAllow        = "allow"
	DownloadAllowAndName = "allowAndName"
	DownloadDefault      = "default"
)

// BrowserContext is a browsing-context partition. It has no connection of
// its own: its commands go through the browser root, scoped by
// browserContextId. The default context has an empty id.
type BrowserContext struct {
	browser  *Browser
	id       string
	disposed atomic.Bool
}

// ID returns the browserContextId ("" for the default context).
func (bc *BrowserContext) ID() string { return bc.id }

// Parent returns the browser root.
func (bc *BrowserContext) Parent() Node { return bc.browser }

// IsDefault reports whether this is the browser's default context.
func (bc *BrowserContext) IsDefault() bool { return bc.id == "" }

func (bc *BrowserContext) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := bc.check(method); err != nil {
		return nil, err
	}
	return bc.browser.Send(ctx, method, params)
}

func (bc *BrowserContext) Call(ctx context.Context, method string, params, result any) error {
	if err := bc.check(method); err != nil {
		return err
	}
	return bc.browser.Call(ctx, method, params, result)
}

func (bc *BrowserContext) On(event string, fn cdp.Listener) cdp.ListenerID {
	return bc.browser.On(event, fn)
}

func (bc *BrowserContext) Off(event string, id cdp.ListenerID) {
	bc.browser.Off(event, id)
}

func (bc *BrowserContext) WaitFor(ctx context.Context, event string, timeout time.Duration) (json.RawMessage, error) {
	return bc.browser.WaitFor(ctx, event, timeout)
}

// Detached reports whether the context was disposed or the browser is gone.
func (bc *BrowserContext) Detached() bool {
	return bc.disposed.Load() || bc.browser.Detached()
}

func (bc *BrowserContext) check(op string) error {
	if bc.disposed.Load() {
		return &StateError{Op: op, State: StateClosed}
	}
	return nil
}

// scoped adds browserContextId to params unless this is the default context.
func (bc *BrowserContext) scoped(params map[string]any) map[string]any {
	if bc.id != "" {
		params["browserContextId"] = bc.id
	}
	return params
}

// NewTarget opens a page inside this context.
func (bc *BrowserContext) NewTarget(ctx context.Context, pageURL string) (*Target, error) {
	if err := bc.check("Target.createTarget"); err != nil {
		return nil, err
	}
	return bc.browser.NewWindow(ctx, pageURL, NewTargetOptions{BrowserContextID: bc.id})
}

// Targets returns the known targets that belong to this context.
func (bc *BrowserContext) Targets() []*Target {
	bc.browser.mu.RLock()
	owned := make(map[string]bool, len(bc.browser.contexts))
	for id := range bc.browser.contexts {
		owned[id] = true
	}
	bc.browser.mu.RUnlock()

	var out []*Target
	for _, t := range bc.browser.snapshotTargets() {
		ctxID := t.Info().BrowserContextID
		if bc.id == "" {
			if !owned[ctxID] {
				out = append(out, t)
			}
		} else if ctxID == bc.id {
			out = append(out, t)
		}
	}
	return out
}

// GrantPermissions grants permissions (e.g. "geolocation", "notifications")
// to origin; an empty origin applies to all origins.
func (bc *BrowserContext) GrantPermissions(ctx context.Context, origin string, permissions []string) error {
	params := map[string]any{"permissions": permissions}
	if origin != "" {
		params["origin"] = origin
	}
	return bc.Call(ctx, "Browser.grantPermissions", bc.scoped(params), nil)
}

// ResetPermissions drops every permission override of this context.
func (bc *BrowserContext) ResetPermissions(ctx context.Context) error {
	return bc.Call(ctx, "Browser.resetPermissions", bc.scoped(map[string]any{}), nil)
}

// SetDownloadBehavior sets where downloads go. downloadPath is required for
// DownloadAllow and DownloadAllowAndName.
func (bc *BrowserContext) SetDownloadBehavior(ctx context.Context, behavior, downloadPath string) error {
	switch behavior {
	case DownloadDeny, DownloadDefault:
	case DownloadAllow, DownloadAllowAndName:
		if downloadPath == "" {
			return fmt.Errorf("session: download behavior %q needs a path", behavior)
		}
	default:
		return fmt.Errorf("session: unknown download behavior %q", behavior)
	}

	params := map[string]any{"behavior": behavior, "eventsEnabled": true}
	if downloadPath != "" {
		params["downloadPath"] = downloadPath
	}
	return bc.Call(ctx, "Browser.setDownloadBehavior", bc.scoped(params), nil)
}

// Dispose closes every target of the context and removes it.
func (bc *BrowserContext) Dispose(ctx context.Context) error {
	if bc.id == "" {
		return fmt.Errorf("session: the default browser context cannot be disposed")
	}
	if bc.disposed.Load() {
		return nil
	}
	if err := bc.browser.Call(ctx, "Target.disposeBrowserContext", map[string]any{"browserContextId": bc.id}, nil); err != nil {
		return err
	}
	bc.disposed.Store(true)

	for _, t := range bc.Targets() {
		bc.browser.removeTarget(t.ID())
		t.detach(nil, "browser context disposed")
	}

	bc.browser.mu.Lock()
	delete(bc.browser.contexts, bc.id)
	bc.browser.mu.Unlock()

	L_debug("session: browser context disposed", "context", bc.id)
	return nil
}
