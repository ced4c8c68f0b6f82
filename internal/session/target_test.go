package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roelfdiedericks/chromewire/internal/cdp"
)

func TestAttachEnablesDomainsInOrder(t *testing.T) {
	fb := newFakeBrowser(t)
	opts := testOptions()
	opts.Stealth = true
	b := connectFake(t, fb, opts)

	target, err := b.Target(context.Background(), fixtureTarget)
	if err != nil {
		t.Fatalf("Target: %v", err)
	}
	if got := target.State(); got != StateReady {
		t.Fatalf("state = %s, want ready", got)
	}

	var order []string
	for _, c := range fb.srv.Calls() {
		if strings.HasPrefix(c.Path, "/devtools/page/") {
			order = append(order, c.Method)
		}
	}
	want := []string{
		"Page.enable",
		"Page.setLifecycleEventsEnabled",
		"Page.addScriptToEvaluateOnNewDocument",
		"Page.getFrameTree",
		"DOM.enable",
		"Runtime.enable",
	}
	if len(order) < len(want) {
		t.Fatalf("page calls = %v, want prefix %v", order, want)
	}
	for i, m := range want {
		if order[i] != m {
			t.Fatalf("page call %d = %s, want %s (all: %v)", i, order[i], m, order)
		}
	}

	scripts := callParams(t, fb, "Page.addScriptToEvaluateOnNewDocument")
	if src, _ := scripts[0]["source"].(string); src == "" {
		t.Fatalf("stealth script is empty")
	}
}

func TestAttachIsIdempotent(t *testing.T) {
	fb, b, target := attachFixture(t)

	again, err := b.Target(context.Background(), fixtureTarget)
	if err != nil {
		t.Fatalf("Target: %v", err)
	}
	if again != target {
		t.Fatalf("Target returned a different object")
	}
	if err := target.Attach(context.Background(), AttachOptions{}); err != nil {
		t.Fatalf("Attach on attached target: %v", err)
	}
	if n := fb.srv.CallCount("Runtime.enable"); n != 1 {
		t.Fatalf("Runtime.enable sent %d times, want 1", n)
	}
}

func TestAttachToMissingTarget(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.srv.HandleResult("Target.getTargets", map[string]any{
		"targetInfos": []map[string]any{{"targetId": "gone-1", "type": "page", "url": "about:blank"}},
	})
	fb.srv.RemoveTarget("gone-1")
	b := connectFake(t, fb, testOptions())

	_, err := b.Target(context.Background(), "gone-1")
	if !errors.Is(err, ErrAttach) {
		t.Fatalf("err = %v, want ErrAttach", err)
	}
	if !errors.Is(err, cdp.ErrTransport) {
		t.Fatalf("err = %v, want to wrap a transport error", err)
	}
	var aerr *AttachError
	if !errors.As(err, &aerr) || aerr.TargetID != "gone-1" {
		t.Fatalf("err = %#v, want *AttachError for gone-1", err)
	}

	target := b.lookup("gone-1")
	if target == nil || target.State() != StateDiscovered {
		t.Fatalf("target should stay discovered after a failed attach")
	}
}

func TestUnknownTarget(t *testing.T) {
	fb := newFakeBrowser(t)
	b := connectFake(t, fb, testOptions())

	_, err := b.Target(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTargetDetachesWhenConnectionDrops(t *testing.T) {
	fb, _, target := attachFixture(t)
	ec := mainWorld(t, target)

	for _, c := range fb.srv.Conns() {
		if strings.HasPrefix(c.Path, "/devtools/page/") {
			c.Close()
		}
	}
	waitFor(t, "detach", func() bool { return target.State() == StateDetached })

	if ec.Live() {
		t.Fatalf("execution context still live after detach")
	}

	calls := len(fb.srv.Calls())
	_, err := target.Send(context.Background(), "Page.reload", nil)
	if !errors.Is(err, ErrNotAttached) || !errors.Is(err, cdp.ErrProtocol) {
		t.Fatalf("err = %v, want ErrNotAttached and ErrProtocol", err)
	}
	var serr *StateError
	if !errors.As(err, &serr) || serr.State != StateDetached {
		t.Fatalf("err = %#v, want *StateError in detached state", err)
	}
	if _, err := ec.Evaluate(context.Background(), "1", EvalOptions{}); !errors.Is(err, ErrStaleReference) {
		t.Fatalf("Evaluate err = %v, want ErrStaleReference", err)
	}
	if len(fb.srv.Calls()) != calls {
		t.Fatalf("commands were sent for a detached target")
	}

	if err := target.Attach(context.Background(), AttachOptions{}); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("re-attach err = %v, want a state error", err)
	}
}

func TestBrowserCloseDetachesTargets(t *testing.T) {
	_, b, target := attachFixture(t)
	ec := mainWorld(t, target)

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !b.Detached() || !target.Detached() {
		t.Fatalf("browser and target should report detached")
	}
	if ec.Live() {
		t.Fatalf("context live after browser close")
	}
}

func TestTargetClose(t *testing.T) {
	fb, b, target := attachFixture(t)

	if err := target.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := target.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
	if b.lookup(fixtureTarget) != nil {
		t.Fatalf("closed target still in the table")
	}
	params := callParams(t, fb, "Target.closeTarget")
	if len(params) != 1 || params[0]["targetId"] != fixtureTarget {
		t.Fatalf("closeTarget params = %v", params)
	}
	if err := target.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestTargetDestroyedEvent(t *testing.T) {
	fb, b, target := attachFixture(t)

	fb.srv.Emit("/devtools/browser/", "Target.targetDestroyed", map[string]any{"targetId": fixtureTarget})
	waitFor(t, "target removal", func() bool { return b.lookup(fixtureTarget) == nil })
	waitFor(t, "detach", func() bool { return target.State() == StateDetached })
}

func TestIsolatedWorldIsCreatedOnce(t *testing.T) {
	fb, _, target := attachFixture(t)

	const n = 8
	worlds := make([]*ExecutionContext, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worlds[i], errs[i] = target.IsolatedWorld(context.Background(), "", "probe")
		}()
	}
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatalf("IsolatedWorld %d: %v", i, errs[i])
		}
		if worlds[i] != worlds[0] {
			t.Fatalf("IsolatedWorld %d returned a different context", i)
		}
	}
	if !worlds[0].IsIsolated() || worlds[0].FrameID() != fixtureFrame {
		t.Fatalf("world = %s", worlds[0])
	}
	if got := fb.srv.CallCount("Page.createIsolatedWorld"); got != 1 {
		t.Fatalf("createIsolatedWorld sent %d times, want 1", got)
	}

	other, err := target.IsolatedWorld(context.Background(), "", "other")
	if err != nil {
		t.Fatalf("IsolatedWorld other: %v", err)
	}
	if other == worlds[0] {
		t.Fatalf("different names share a context")
	}
	params := callParams(t, fb, "Page.createIsolatedWorld")
	if params[0]["worldName"] != "probe" || params[0]["grantUniveralAccess"] != true {
		t.Fatalf("createIsolatedWorld params = %v", params[0])
	}
}

func TestIsolatedWorldRecreatedAfterNavigation(t *testing.T) {
	fb, _, target := attachFixture(t)
	ctx := context.Background()

	before, err := target.IsolatedWorld(ctx, "", "probe")
	if err != nil {
		t.Fatalf("IsolatedWorld: %v", err)
	}
	if err := target.Navigate(ctx, "https://example.test/next", true); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if before.Live() {
		t.Fatalf("isolated world survived navigation")
	}
	after, err := target.IsolatedWorld(ctx, "", "probe")
	if err != nil {
		t.Fatalf("IsolatedWorld: %v", err)
	}
	if after == before || !after.Live() {
		t.Fatalf("expected a fresh isolated world")
	}
	if got := fb.srv.CallCount("Page.createIsolatedWorld"); got != 2 {
		t.Fatalf("createIsolatedWorld sent %d times, want 2", got)
	}
}

func TestInputOnlyAcceptsInputMethods(t *testing.T) {
	fb, _, target := attachFixture(t)
	in := target.Input()

	calls := len(fb.srv.Calls())
	err := in.DispatchInputEvent(context.Background(), "Runtime.evaluate", map[string]any{"expression": "1"})
	if !errors.Is(err, ErrNotInputMethod) {
		t.Fatalf("err = %v, want ErrNotInputMethod", err)
	}
	if len(fb.srv.Calls()) != calls {
		t.Fatalf("a non-input command was sent")
	}

	if err := in.KeyPress(context.Background(), "a"); err != nil {
		t.Fatalf("KeyPress: %v", err)
	}
	keys := callParams(t, fb, "Input.dispatchKeyEvent")
	if len(keys) != 2 || keys[0]["type"] != "keyDown" || keys[0]["text"] != "a" || keys[1]["type"] != "keyUp" {
		t.Fatalf("key events = %v", keys)
	}
}

func TestBrowserContextScoping(t *testing.T) {
	fb := newFakeBrowser(t)
	b := connectFake(t, fb, testOptions())
	ctx := context.Background()

	bc, err := b.NewContext(ctx, ContextOptions{DisposeOnDetach: true})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if bc.ID() != "ctx-1" || bc.IsDefault() || bc.Parent() != b {
		t.Fatalf("context = %q default=%v", bc.ID(), bc.IsDefault())
	}

	target, err := bc.NewTarget(ctx, "about:blank")
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	created := callParams(t, fb, "Target.createTarget")
	if created[0]["browserContextId"] != "ctx-1" {
		t.Fatalf("createTarget params = %v", created[0])
	}
	if got := bc.Targets(); len(got) != 1 || got[0] != target {
		t.Fatalf("context targets = %v", got)
	}
	if got := b.DefaultContext().Targets(); len(got) != 0 {
		t.Fatalf("default context should not list ctx-1 targets, got %d", len(got))
	}
	if target.Parent() != bc {
		t.Fatalf("target parent is not its browser context")
	}

	if err := bc.GrantPermissions(ctx, "https://example.test", []string{"geolocation"}); err != nil {
		t.Fatalf("GrantPermissions: %v", err)
	}
	grant := callParams(t, fb, "Browser.grantPermissions")
	if grant[0]["browserContextId"] != "ctx-1" || grant[0]["origin"] != "https://example.test" {
		t.Fatalf("grantPermissions params = %v", grant[0])
	}
	if err := bc.SetDownloadBehavior(ctx, DownloadAllow, ""); err == nil {
		t.Fatalf("allow without a path should fail")
	}

	if err := bc.Dispose(ctx); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if !bc.Detached() || target.State() != StateDetached {
		t.Fatalf("dispose should detach the context and its targets")
	}
	if err := bc.ResetPermissions(ctx); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("ResetPermissions after dispose err = %v", err)
	}
	if err := b.DefaultContext().Dispose(ctx); err == nil {
		t.Fatalf("disposing the default context should fail")
	}
}

func TestNewContextRejectsProxyCredentials(t *testing.T) {
	fb := newFakeBrowser(t)
	b := connectFake(t, fb, testOptions())

	_, err := b.NewContext(context.Background(), ContextOptions{ProxyServer: "http://user:pw@proxy.test:3128"})
	if err == nil {
		t.Fatalf("expected an error for a proxy with credentials")
	}
	if fb.srv.CallCount("Target.createBrowserContext") != 0 {
		t.Fatalf("createBrowserContext was sent")
	}
}

func TestWaitForTargetTimesOut(t *testing.T) {
	fb := newFakeBrowser(t)
	b := connectFake(t, fb, testOptions())

	_, err := b.WaitForTarget(context.Background(), func(info TargetInfo) bool { return info.Type == "iframe" }, 100*time.Millisecond)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	fb.srv.Emit("/devtools/browser/", "Target.targetCreated", map[string]any{
		"targetInfo": map[string]any{"targetId": "frame-target", "type": "iframe", "url": "https://example.test/"},
	})
	got, err := b.WaitForTarget(context.Background(), func(info TargetInfo) bool { return info.Type == "iframe" }, 0)
	if err != nil {
		t.Fatalf("WaitForTarget: %v", err)
	}
	if got.ID() != "frame-target" || got.State() != StateDiscovered {
		t.Fatalf("got %s in state %s", got.ID(), got.State())
	}
}
