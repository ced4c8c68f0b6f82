package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/roelfdiedericks/chromewire/internal/cdp"
	. "github.com/roelfdiedericks/chromewire/internal/logging"
)

// errAborted is what Page.navigate reports when the navigation was replaced
// by another one or turned into a download; neither is a failure.
const errAborted = "net::ERR_ABORTED"

type frameJSON struct {
	ID             string `json:"id"`
	ParentID       string `json:"parentId,omitempty"`
	LoaderID       string `json:"loaderId"`
	Name           string `json:"name,omitempty"`
	URL            string `json:"url"`
	URLFragment    string `json:"urlFragment,omitempty"`
	SecurityOrigin string `json:"securityOrigin,omitempty"`
	MimeType       string `json:"mimeType,omitempty"`
}

type frameTreeNode struct {
	Frame       frameJSON        `json:"frame"`
	ChildFrames []*frameTreeNode `json:"childFrames,omitempty"`
}

type frameTreeResult struct {
	FrameTree *frameTreeNode `json:"frameTree"`
}

// Frame is one node of a target's frame tree.
type Frame struct {
	ID             string
	ParentID       string
	LoaderID       string
	Name           string
	URL            string
	SecurityOrigin string
	MimeType       string
	Children       []Frame
}

func (n *frameTreeNode) toFrame() Frame {
	f := Frame{
		ID:             n.Frame.ID,
		ParentID:       n.Frame.ParentID,
		LoaderID:       n.Frame.LoaderID,
		Name:           n.Frame.Name,
		URL:            n.Frame.URL + n.Frame.URLFragment,
		SecurityOrigin: n.Frame.SecurityOrigin,
		MimeType:       n.Frame.MimeType,
	}
	for _, c := range n.ChildFrames {
		f.Children = append(f.Children, c.toFrame())
	}
	return f
}

type lifecycleEvent struct {
	FrameID  string `json:"frameId"`
	LoaderID string `json:"loaderId"`
	Name     string `json:"name"`
}

func (t *Target) beginNavigation() {
	t.mu.Lock()
	t.navigating++
	if t.state == StateAttached || t.state == StateReady {
		t.state = StateNavigating
	}
	t.mu.Unlock()
}

func (t *Target) endNavigation() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.navigating--
	if t.navigating > 0 || t.state != StateNavigating {
		return
	}
	if ec := t.mainWorlds[t.mainFrameID]; ec != nil && ec.Live() {
		t.state = StateReady
	} else {
		t.state = StateAttached
	}
}

// Navigate loads pageURL in the main frame. Every execution context of the
// main frame's subtree that existed before the call is stale once Navigate
// returns successfully, unless the navigation stayed within the document or
// was aborted (net::ERR_ABORTED), which also count as success.
// With waitForLoad the call returns after the load lifecycle event of the
// new document, bounded by the navigation timeout.
func (t *Target) Navigate(ctx context.Context, pageURL string, waitForLoad bool) error {
	conn, err := t.requireAttached("Page.navigate")
	if err != nil {
		return err
	}

	start := time.Now()
	t.beginNavigation()
	defer t.endNavigation()

	mainFrame, _ := t.mainFrame()
	before := t.contextsInSubtree(mainFrame)

	// subscribe first: a fast page fires "load" before the command reply
	lifecycle := conn.Subscribe("Page.lifecycleEvent")
	defer lifecycle.Unsubscribe()

	var res struct {
		FrameID   string `json:"frameId"`
		LoaderID  string `json:"loaderId"`
		ErrorText string `json:"errorText"`
	}
	params := map[string]any{"url": pageURL}
	if err := conn.Call(ctx, "Page.navigate", params, &res); err != nil {
		t.opts.Metrics.RecordOutcome("session", "navigate", "error")
		return err
	}

	if res.ErrorText == errAborted {
		// Superseded or turned into a download: the current document stays.
		L_debug("session: navigation aborted", "target", t.id, "url", pageURL)
		t.opts.Metrics.RecordOutcome("session", "navigate", "aborted")
		return nil
	}
	if res.ErrorText != "" {
		t.opts.Metrics.RecordOutcome("session", "navigate", "failed")
		return &NavigationError{URL: pageURL, ErrorText: res.ErrorText}
	}
	if res.LoaderID == "" {
		L_debug("session: same-document navigation", "target", t.id, "url", pageURL)
		t.opts.Metrics.RecordOutcome("session", "navigate", "same_document")
		return nil
	}

	t.invalidate(before, "navigated to "+pageURL)

	if waitForLoad {
		if err := t.waitLoad(ctx, lifecycle, res.FrameID, func(loaderID string) bool {
			return loaderID == res.LoaderID
		}); err != nil {
			t.opts.Metrics.RecordOutcome("session", "navigate", "timeout")
			return err
		}
	}

	t.opts.Metrics.RecordOutcome("session", "navigate", "ok")
	t.opts.Metrics.RecordDuration("session", "navigate", time.Since(start))
	L_debug("session: navigated", "target", t.id, "url", pageURL, "elapsed", time.Since(start))
	return nil
}

// Reload reloads the main frame; contexts invalidate the same way as for
// Navigate.
func (t *Target) Reload(ctx context.Context, waitForLoad bool) error {
	conn, err := t.requireAttached("Page.reload")
	if err != nil {
		return err
	}

	t.beginNavigation()
	defer t.endNavigation()

	mainFrame, oldLoader := t.mainFrame()
	before := t.contextsInSubtree(mainFrame)

	lifecycle := conn.Subscribe("Page.lifecycleEvent")
	defer lifecycle.Unsubscribe()

	if err := conn.Call(ctx, "Page.reload", map[string]any{"ignoreCache": false}, nil); err != nil {
		return err
	}
	t.invalidate(before, "reloaded")

	if !waitForLoad {
		return nil
	}
	return t.waitLoad(ctx, lifecycle, mainFrame, func(loaderID string) bool {
		return oldLoader == "" || loaderID != oldLoader
	})
}

func (t *Target) waitLoad(ctx context.Context, sub *cdp.Subscription, frameID string, loader func(string) bool) error {
	_, err := cdp.WaitSubscription(ctx, sub, t.opts.NavigationTimeout, func(p json.RawMessage) bool {
		var ev lifecycleEvent
		if json.Unmarshal(p, &ev) != nil || ev.Name != "load" {
			return false
		}
		if frameID != "" && ev.FrameID != frameID {
			return false
		}
		return loader(ev.LoaderID)
	})
	return err
}

// FrameTree returns the target's current frame tree.
func (t *Target) FrameTree(ctx context.Context) (Frame, error) {
	var res frameTreeResult
	if err := t.Call(ctx, "Page.getFrameTree", nil, &res); err != nil {
		return Frame{}, err
	}
	if res.FrameTree == nil {
		return Frame{}, nil
	}
	t.seedFrames(res.FrameTree)
	return res.FrameTree.toFrame(), nil
}

// Title returns document.title of the main frame.
func (t *Target) Title(ctx context.Context) (string, error) {
	ec, err := t.MainWorld(ctx)
	if err != nil {
		return "", err
	}
	v, err := ec.Evaluate(ctx, "document.title", EvalOptions{Serialization: SerializeJSON})
	if err != nil {
		return "", err
	}
	s, _ := AsString(v)
	return s, nil
}

// CurrentURL returns the URL of the current history entry.
func (t *Target) CurrentURL(ctx context.Context) (string, error) {
	var res struct {
		CurrentIndex int `json:"currentIndex"`
		Entries      []struct {
			URL string `json:"url"`
		} `json:"entries"`
	}
	if err := t.Call(ctx, "Page.getNavigationHistory", nil, &res); err != nil {
		return "", err
	}
	if res.CurrentIndex < 0 || res.CurrentIndex >= len(res.Entries) {
		return t.Info().URL, nil
	}
	return res.Entries[res.CurrentIndex].URL, nil
}

// PageSource returns the serialised document of the main frame.
func (t *Target) PageSource(ctx context.Context) (string, error) {
	var doc struct {
		Root struct {
			NodeID int64 `json:"nodeId"`
		} `json:"root"`
	}
	if err := t.Call(ctx, "DOM.getDocument", map[string]any{"depth": 0}, &doc); err != nil {
		return "", err
	}
	var res struct {
		OuterHTML string `json:"outerHTML"`
	}
	if err := t.Call(ctx, "DOM.getOuterHTML", map[string]any{"nodeId": doc.Root.NodeID}, &res); err != nil {
		return "", err
	}
	return res.OuterHTML, nil
}
