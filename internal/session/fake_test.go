package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roelfdiedericks/chromewire/internal/cdp/cdptest"
	"github.com/roelfdiedericks/chromewire/internal/metrics"
)

const (
	fixtureTarget = "page-1"
	fixtureFrame  = "frame-1"
)

// fakeBrowser scripts a cdptest server to behave like a browser with one
// page: contexts are announced on Runtime.enable and replaced on every
// cross-document navigation.
type fakeBrowser struct {
	srv *cdptest.Server

	mu       sync.Mutex
	ctxSeq   int64
	loader   int
	current  map[string]int64 // conn path -> main world id
	worlds   int
	contexts []string // created browser contexts
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{srv: cdptest.NewServer(t), current: make(map[string]int64)}
	s := fb.srv

	s.HandleResult("Target.getTargets", map[string]any{
		"targetInfos": []map[string]any{
			{"targetId": fixtureTarget, "type": "page", "title": "Fixture", "url": "about:blank"},
		},
	})
	s.HandleResult("Page.getFrameTree", map[string]any{
		"frameTree": map[string]any{
			"frame": map[string]any{"id": fixtureFrame, "loaderId": "loader-0", "url": "about:blank"},
		},
	})
	s.Handle("Runtime.enable", func(c *cdptest.Conn, req cdptest.Request) (any, error) {
		fb.announce(c, 0)
		return nil, nil
	})
	s.Handle("Page.navigate", fb.navigate)
	s.Handle("Runtime.compileScript", func(c *cdptest.Conn, req cdptest.Request) (any, error) {
		var p struct {
			Expression string `json:"expression"`
		}
		_ = req.Decode(&p)
		code := strings.TrimSuffix(strings.TrimPrefix(p.Expression, "(function(){ return (\n"), "\n) })")
		if strings.Contains(code, "return ") {
			return map[string]any{"exceptionDetails": map[string]any{"text": "SyntaxError: Unexpected token 'return'"}}, nil
		}
		return map[string]any{}, nil
	})
	s.Handle("Page.createIsolatedWorld", func(c *cdptest.Conn, req cdptest.Request) (any, error) {
		time.Sleep(20 * time.Millisecond)
		fb.mu.Lock()
		fb.ctxSeq++
		fb.worlds++
		id := fb.ctxSeq
		fb.mu.Unlock()
		return map[string]any{"executionContextId": id}, nil
	})
	s.Handle("Target.createTarget", func(c *cdptest.Conn, req cdptest.Request) (any, error) {
		return map[string]any{"targetId": fixtureTarget}, nil
	})
	s.Handle("Target.createBrowserContext", func(c *cdptest.Conn, req cdptest.Request) (any, error) {
		fb.mu.Lock()
		id := fmt.Sprintf("ctx-%d", len(fb.contexts)+1)
		fb.contexts = append(fb.contexts, id)
		fb.mu.Unlock()
		return map[string]any{"browserContextId": id}, nil
	})
	s.Handle("Target.closeTarget", func(c *cdptest.Conn, req cdptest.Request) (any, error) {
		var p struct {
			TargetID string `json:"targetId"`
		}
		_ = req.Decode(&p)
		c.Emit("Target.targetDestroyed", map[string]any{"targetId": p.TargetID})
		return map[string]any{"success": true}, nil
	})
	return fb
}

// announce emits a new main world on c, destroying the previous one when
// old is set.
func (fb *fakeBrowser) announce(c *cdptest.Conn, old int64) int64 {
	fb.mu.Lock()
	fb.ctxSeq++
	id := fb.ctxSeq
	fb.current[c.Path] = id
	fb.mu.Unlock()

	if old != 0 {
		c.Emit("Runtime.executionContextDestroyed", map[string]any{"executionContextId": old})
	}
	c.Emit("Runtime.executionContextCreated", map[string]any{
		"context": map[string]any{
			"id":       id,
			"uniqueId": fmt.Sprintf("unique-%d", id),
			"origin":   "",
			"name":     "",
			"auxData":  map[string]any{"isDefault": true, "type": "default", "frameId": fixtureFrame},
		},
	})
	return id
}

func (fb *fakeBrowser) navigate(c *cdptest.Conn, req cdptest.Request) (any, error) {
	var p struct {
		URL string `json:"url"`
	}
	_ = req.Decode(&p)

	switch {
	case strings.HasPrefix(p.URL, "#"):
		return map[string]any{"frameId": fixtureFrame}, nil
	case strings.HasPrefix(p.URL, "bad:"):
		return map[string]any{"frameId": fixtureFrame, "loaderId": "x", "errorText": "net::ERR_NAME_NOT_RESOLVED"}, nil
	case strings.HasPrefix(p.URL, "download:"):
		return map[string]any{"frameId": fixtureFrame, "loaderId": "x", "errorText": errAborted}, nil
	}

	fb.mu.Lock()
	fb.loader++
	loader := fmt.Sprintf("loader-%d", fb.loader)
	old := fb.current[c.Path]
	fb.mu.Unlock()

	c.Reply(req.ID, map[string]any{"frameId": fixtureFrame, "loaderId": loader})
	fb.announce(c, old)
	c.Emit("Page.lifecycleEvent", map[string]any{"frameId": fixtureFrame, "loaderId": loader, "name": "DOMContentLoaded"})
	c.Emit("Page.lifecycleEvent", map[string]any{"frameId": fixtureFrame, "loaderId": loader, "name": "load"})
	return nil, cdptest.ErrNoReply
}

func testOptions() Options {
	return Options{
		CommandTimeout:    2 * time.Second,
		NavigationTimeout: 2 * time.Second,
		FindTimeout:       time.Second,
		PollInterval:      25 * time.Millisecond,
		CloseTimeout:      time.Second,
		Metrics:           metrics.NewRecorder(),
	}
}

func connectFake(t *testing.T, fb *fakeBrowser, opts Options) *Browser {
	t.Helper()
	b, err := Connect(context.Background(), fb.srv.BrowserURL(), opts)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

// attachFixture connects and attaches the fixture page.
func attachFixture(t *testing.T) (*fakeBrowser, *Browser, *Target) {
	t.Helper()
	fb := newFakeBrowser(t)
	b := connectFake(t, fb, testOptions())
	target, err := b.Target(context.Background(), fixtureTarget)
	if err != nil {
		t.Fatalf("Target: %v", err)
	}
	return fb, b, target
}

func mainWorld(t *testing.T, target *Target) *ExecutionContext {
	t.Helper()
	ec, err := target.MainWorld(context.Background())
	if err != nil {
		t.Fatalf("MainWorld: %v", err)
	}
	return ec
}

// replyCall answers Runtime.callFunctionOn with result.
func replyCall(fb *fakeBrowser, result string) {
	fb.srv.Handle("Runtime.callFunctionOn", func(c *cdptest.Conn, req cdptest.Request) (any, error) {
		return json.RawMessage(result), nil
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func callParams(t *testing.T, fb *fakeBrowser, method string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, c := range fb.srv.Calls() {
		if c.Method != method {
			continue
		}
		var p map[string]any
		if err := c.Decode(&p); err != nil {
			t.Fatalf("decode %s params: %v", method, err)
		}
		out = append(out, p)
	}
	return out
}
