package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/roelfdiedericks/chromewire/internal/cdp"
)

// By is an element selector.
type By struct {
	kind  string // "css" or "xpath"
	value string
}

// CSS selects elements with a CSS selector.
func CSS(selector string) By { return By{kind: "css", value: selector} }

// XPath selects elements with an XPath expression.
func XPath(expr string) By { return By{kind: "xpath", value: expr} }

func (b By) String() string { return b.kind + "=" + b.value }

const (
	findOneCSS = `function(sel) {
	const root = this && this.nodeType ? this : document;
	return root.querySelector(sel);
}`
	findAllCSS = `function(sel) {
	const root = this && this.nodeType ? this : document;
	return Array.from(root.querySelectorAll(sel));
}`
	findOneXPath = `function(expr) {
	const root = this && this.nodeType ? this : document;
	return document.evaluate(expr, root, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
}`
	findAllXPath = `function(expr) {
	const root = this && this.nodeType ? this : document;
	const snap = document.evaluate(expr, root, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
	const out = [];
	for (let i = 0; i < snap.snapshotLength; i++) out.push(snap.snapshotItem(i));
	return out;
}`
)

func (b By) function(many bool) string {
	switch {
	case b.kind == "xpath" && many:
		return findAllXPath
	case b.kind == "xpath":
		return findOneXPath
	case many:
		return findAllCSS
	default:
		return findOneCSS
	}
}

// FindElement waits up to timeout (0 = find timeout) for an element
// matching by in the main frame.
func (t *Target) FindElement(ctx context.Context, by By, timeout time.Duration) (*Element, error) {
	els, err := t.find(ctx, nil, by, timeout, false)
	if err != nil {
		return nil, err
	}
	return els[0], nil
}

// FindElements waits up to timeout for at least one element matching by and
// returns all matches in document order.
func (t *Target) FindElements(ctx context.Context, by By, timeout time.Duration) ([]*Element, error) {
	return t.find(ctx, nil, by, timeout, true)
}

// FindElement searches below e.
func (e *Element) FindElement(ctx context.Context, by By, timeout time.Duration) (*Element, error) {
	els, err := e.ctx.target.find(ctx, e, by, timeout, false)
	if err != nil {
		return nil, err
	}
	return els[0], nil
}

// FindElements searches below e.
func (e *Element) FindElements(ctx context.Context, by By, timeout time.Duration) ([]*Element, error) {
	return e.ctx.target.find(ctx, e, by, timeout, true)
}

// find polls until a match or the timeout. Without a root, errors caused by
// the page changing underneath (a navigation replacing the main world) are
// retried; with a root every error is final since the root cannot recover.
func (t *Target) find(ctx context.Context, root *Element, by By, timeout time.Duration, many bool) ([]*Element, error) {
	if timeout <= 0 {
		timeout = t.opts.FindTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		els, err := t.findOnce(ctx, root, by, many)
		if err != nil && (root != nil || !retryableFind(err)) {
			return nil, err
		}
		if len(els) > 0 {
			return els, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.opts.Metrics.RecordOutcome("session", "find", "not_found")
			return nil, &NotFoundError{What: "element", Query: by.String(), Timeout: timeout}
		}
		if err := sleepCtx(ctx, min(t.opts.PollInterval, remaining)); err != nil {
			return nil, err
		}
	}
}

func retryableFind(err error) bool {
	return errors.Is(err, ErrStaleReference) ||
		errors.Is(err, cdp.ErrTimeout) ||
		(errors.Is(err, cdp.ErrProtocol) && !errors.Is(err, ErrNotAttached))
}

func (t *Target) findOnce(ctx context.Context, root *Element, by By, many bool) ([]*Element, error) {
	var (
		ec   *ExecutionContext
		this *RemoteHandle
	)
	if root != nil {
		ec, this = root.ctx, root.RemoteHandle
	} else {
		// a short wait: the poll loop owns the overall timeout
		if _, err := t.requireAttached("find"); err != nil {
			return nil, err
		}
		var err error
		if ec, err = t.waitMainWorld(ctx, "", t.opts.PollInterval); err != nil {
			return nil, err
		}
	}

	res, err := ec.call(ctx, by.function(many), this, EvalOptions{Args: []any{by.value}}, map[string]any{})
	if err != nil {
		return nil, err
	}
	if res.Result.ObjectID == "" {
		return nil, nil
	}
	h := newRemoteHandle(ec, res.Result)
	if !many {
		el, err := h.Element(ctx)
		if err != nil {
			return nil, err
		}
		return []*Element{el}, nil
	}

	defer h.Release(context.WithoutCancel(ctx))
	return t.arrayElements(ctx, h)
}

// arrayElements turns an array handle into one Element per index.
func (t *Target) arrayElements(ctx context.Context, arr *RemoteHandle) ([]*Element, error) {
	var props struct {
		Result []struct {
			Name  string        `json:"name"`
			Value *remoteObject `json:"value"`
		} `json:"result"`
	}
	err := t.Call(ctx, "Runtime.getProperties", map[string]any{
		"objectId":      arr.objectID,
		"ownProperties": true,
	}, &props)
	if err != nil {
		return nil, err
	}

	var out []*Element
	for _, p := range props.Result {
		if p.Value == nil || p.Value.ObjectID == "" || !isIndex(p.Name) {
			continue
		}
		el, err := newRemoteHandle(arr.ctx, *p.Value).Element(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, el)
	}
	return out, nil
}

func isIndex(name string) bool {
	_, err := strconv.Atoi(name)
	return err == nil
}
