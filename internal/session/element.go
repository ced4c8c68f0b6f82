package session

import (
	"context"
	"fmt"
)

// Element is a handle to a DOM node.
type Element struct {
	*RemoteHandle
	backendNodeID int64
	nodeName      string
}

// BackendNodeID returns the DOM backend node id.
func (e *Element) BackendNodeID() int64 { return e.backendNodeID }

// NodeName returns the node name ("DIV", "#text").
func (e *Element) NodeName() string { return e.nodeName }

// Text returns the element's textContent.
func (e *Element) Text(ctx context.Context) (string, error) {
	return e.stringCall(ctx, `function() { return this.textContent || ""; }`)
}

// Attribute returns an attribute value; ok is false when it is absent.
func (e *Element) Attribute(ctx context.Context, name string) (value string, ok bool, err error) {
	v, err := e.Call(ctx, `function(n) { return this.getAttribute(n); }`, EvalOptions{
		Args:          []any{name},
		Serialization: SerializeJSON,
	})
	if err != nil {
		return "", false, err
	}
	s, ok := AsString(v)
	return s, ok, nil
}

// Property returns a JavaScript property of the element.
func (e *Element) Property(ctx context.Context, name string) (Value, error) {
	return e.Call(ctx, `function(n) { return this[n]; }`, EvalOptions{Args: []any{name}})
}

// OuterHTML returns the serialised element.
func (e *Element) OuterHTML(ctx context.Context) (string, error) {
	if err := e.check(nil); err != nil {
		return "", err
	}
	var res struct {
		OuterHTML string `json:"outerHTML"`
	}
	if err := e.ctx.target.Call(ctx, "DOM.getOuterHTML", map[string]any{"objectId": e.objectID}, &res); err != nil {
		return "", err
	}
	return res.OuterHTML, nil
}

// Focus focuses the element.
func (e *Element) Focus(ctx context.Context) error {
	if err := e.check(nil); err != nil {
		return err
	}
	return e.ctx.target.Call(ctx, "DOM.focus", map[string]any{"objectId": e.objectID}, nil)
}

// ScrollIntoView scrolls the element into the viewport if needed.
func (e *Element) ScrollIntoView(ctx context.Context) error {
	if err := e.check(nil); err != nil {
		return err
	}
	return e.ctx.target.Call(ctx, "DOM.scrollIntoViewIfNeeded", map[string]any{"objectId": e.objectID}, nil)
}

// Quad is four points, clockwise from top-left.
type Quad [8]float64

// Center returns the centre of the quad.
func (q Quad) Center() (x, y float64) {
	return (q[0] + q[2] + q[4] + q[6]) / 4, (q[1] + q[3] + q[5] + q[7]) / 4
}

// BoxModel is the element's CSS box model in viewport coordinates.
type BoxModel struct {
	Content Quad `json:"content"`
	Padding Quad `json:"padding"`
	Border  Quad `json:"border"`
	Margin  Quad `json:"margin"`
	Width   int  `json:"width"`
	Height  int  `json:"height"`
}

// BoxModel returns the element's box model.
func (e *Element) BoxModel(ctx context.Context) (BoxModel, error) {
	if err := e.check(nil); err != nil {
		return BoxModel{}, err
	}
	var res struct {
		Model BoxModel `json:"model"`
	}
	if err := e.ctx.target.Call(ctx, "DOM.getBoxModel", map[string]any{"objectId": e.objectID}, &res); err != nil {
		return BoxModel{}, err
	}
	return res.Model, nil
}

// Click scrolls the element into view and clicks the centre of its content
// box with the left button.
func (e *Element) Click(ctx context.Context) error {
	if err := e.ScrollIntoView(ctx); err != nil {
		return err
	}
	box, err := e.BoxModel(ctx)
	if err != nil {
		return err
	}
	if box.Width == 0 && box.Height == 0 {
		return fmt.Errorf("session: element %s has no size", e.nodeName)
	}
	x, y := box.Content.Center()
	return e.ctx.target.Input().MouseClick(ctx, x, y, MouseLeft, 1)
}

// InsertText focuses the element and inserts text.
func (e *Element) InsertText(ctx context.Context, text string) error {
	if err := e.Focus(ctx); err != nil {
		return err
	}
	return e.ctx.target.Input().InsertText(ctx, text)
}

func (e *Element) stringCall(ctx context.Context, fn string) (string, error) {
	v, err := e.Call(ctx, fn, EvalOptions{Serialization: SerializeJSON})
	if err != nil {
		return "", err
	}
	s, _ := AsString(v)
	return s, nil
}
