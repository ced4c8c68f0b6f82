package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNavigateInvalidatesContextsAndHandles(t *testing.T) {
	fb, _, target := attachFixture(t)
	ctx := context.Background()

	old := mainWorld(t, target)
	replyCall(fb, `{"result":{"type":"object","className":"HTMLDocument","objectId":"obj-1"}}`)
	handle, err := old.EvaluateHandle(ctx, "document", EvalOptions{})
	if err != nil {
		t.Fatalf("EvaluateHandle: %v", err)
	}

	if err := target.Navigate(ctx, "https://example.test/page", true); err != nil {
		t.Fatalf("Navigate: %v", err)
	}

	if old.Live() || handle.Live() {
		t.Fatalf("context or handle still live after navigation")
	}

	sent := fb.srv.CallCount("Runtime.callFunctionOn")
	_, err = old.Evaluate(ctx, "1 + 1", EvalOptions{})
	var stale *StaleReferenceError
	if !errors.As(err, &stale) || stale.ContextID != old.ID() {
		t.Fatalf("Evaluate on old context err = %v, want *StaleReferenceError", err)
	}
	if _, err := handle.Call(ctx, "function() { return 1 }", EvalOptions{}); !errors.Is(err, ErrStaleReference) {
		t.Fatalf("Call on old handle err = %v, want ErrStaleReference", err)
	}
	if got := fb.srv.CallCount("Runtime.callFunctionOn"); got != sent {
		t.Fatalf("stale references reached the browser (%d calls, want %d)", got, sent)
	}

	fresh := mainWorld(t, target)
	if fresh == old || fresh.ID() == old.ID() {
		t.Fatalf("main world was not replaced")
	}
	if got := target.State(); got != StateReady {
		t.Fatalf("state after navigation = %s, want ready", got)
	}
}

func TestSameDocumentNavigationKeepsContexts(t *testing.T) {
	fb, _, target := attachFixture(t)
	ec := mainWorld(t, target)

	if err := target.Navigate(context.Background(), "#section-2", true); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if !ec.Live() {
		t.Fatalf("same-document navigation invalidated the main world")
	}
	if got := fb.srv.CallCount("Page.navigate"); got != 1 {
		t.Fatalf("Page.navigate sent %d times", got)
	}
}

func TestNavigateErrors(t *testing.T) {
	_, _, target := attachFixture(t)
	ctx := context.Background()

	err := target.Navigate(ctx, "bad://host", true)
	var nerr *NavigationError
	if !errors.As(err, &nerr) || nerr.ErrorText != "net::ERR_NAME_NOT_RESOLVED" {
		t.Fatalf("err = %v, want *NavigationError", err)
	}
	if !errors.Is(err, ErrNavigation) {
		t.Fatalf("err = %v, want ErrNavigation", err)
	}
}

func TestAbortedNavigationKeepsDocument(t *testing.T) {
	for _, wait := range []bool{true, false} {
		t.Run(fmt.Sprintf("waitForLoad=%v", wait), func(t *testing.T) {
			_, _, target := attachFixture(t)
			ctx := context.Background()
			ec := mainWorld(t, target)

			start := time.Now()
			if err := target.Navigate(ctx, "download://file.zip", wait); err != nil {
				t.Fatalf("Navigate: %v", err)
			}
			if d := time.Since(start); d > time.Second {
				t.Fatalf("aborted navigation took %s", d)
			}
			if !ec.Live() {
				t.Fatalf("aborted navigation invalidated the main world")
			}
			if got := mainWorld(t, target); got != ec {
				t.Fatalf("main world replaced after aborted navigation")
			}
			if got := target.State(); got != StateReady {
				t.Fatalf("state = %s, want ready", got)
			}
			if got := target.opts.Metrics.Outcome("session", "navigate", "aborted"); got != 1 {
				t.Fatalf("aborted outcome = %d", got)
			}
		})
	}
}

func TestNavigateWithoutWaiting(t *testing.T) {
	fb, _, target := attachFixture(t)
	ec := mainWorld(t, target)

	if err := target.Navigate(context.Background(), "https://example.test/", false); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if ec.Live() {
		t.Fatalf("old main world live after Navigate returned")
	}
	params := callParams(t, fb, "Page.navigate")
	if params[0]["url"] != "https://example.test/" {
		t.Fatalf("navigate params = %v", params[0])
	}
}

func TestNavigateLoadTimeout(t *testing.T) {
	fb, _, target := attachFixture(t)
	fb.srv.HandleResult("Page.navigate", map[string]any{"frameId": fixtureFrame, "loaderId": "never-loads"})

	opts := target.opts
	target.opts.NavigationTimeout = 150 * time.Millisecond
	defer func() { target.opts = opts }()

	err := target.Navigate(context.Background(), "https://slow.test/", true)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want a timeout", err)
	}
	if got := target.State(); got == StateNavigating {
		t.Fatalf("state stuck in navigating")
	}
}

func TestPageQueries(t *testing.T) {
	fb, _, target := attachFixture(t)
	ctx := context.Background()

	fb.srv.HandleResult("Page.getNavigationHistory", map[string]any{
		"currentIndex": 1,
		"entries":      []map[string]any{{"url": "about:blank"}, {"url": "https://example.test/two"}},
	})
	fb.srv.HandleResult("DOM.getDocument", map[string]any{"root": map[string]any{"nodeId": 1}})
	fb.srv.HandleResult("DOM.getOuterHTML", map[string]any{"outerHTML": "<html><head></head><body></body></html>"})
	replyCall(fb, `{"result":{"type":"string","value":"Fixture Title"}}`)

	url, err := target.CurrentURL(ctx)
	if err != nil || url != "https://example.test/two" {
		t.Fatalf("CurrentURL = %q, %v", url, err)
	}
	src, err := target.PageSource(ctx)
	if err != nil || src != "<html><head></head><body></body></html>" {
		t.Fatalf("PageSource = %q, %v", src, err)
	}
	title, err := target.Title(ctx)
	if err != nil || title != "Fixture Title" {
		t.Fatalf("Title = %q, %v", title, err)
	}

	tree, err := target.FrameTree(ctx)
	if err != nil {
		t.Fatalf("FrameTree: %v", err)
	}
	if tree.ID != fixtureFrame || tree.URL != "about:blank" {
		t.Fatalf("FrameTree = %+v", tree)
	}
}
