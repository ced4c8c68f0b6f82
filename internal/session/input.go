package session

import (
	"context"
	"fmt"
	"strings"
)

// InputDispatcher sends raw Input domain events to a target. It is the only
// command surface handed to code that synthesises input (mouse
// trajectories, typing cadence), so it refuses every other domain.
type InputDispatcher interface {
	DispatchInputEvent(ctx context.Context, method string, params any) error
}

// MouseButton names a mouse button for Input.dispatchMouseEvent.
type MouseButton string

const (
	MouseNone   MouseButton = "none"
	MouseLeft   MouseButton = "left"
	MouseMiddle MouseButton = "middle"
	MouseRight  MouseButton = "right"
)

// Input is the target's InputDispatcher.
type Input struct {
	target *Target
}

// Input returns the target's input dispatcher.
func (t *Target) Input() *Input { return &Input{target: t} }

// DispatchInputEvent sends method, which must belong to the Input domain.
func (in *Input) DispatchInputEvent(ctx context.Context, method string, params any) error {
	if !strings.HasPrefix(method, "Input.") {
		return fmt.Errorf("%w: %s", ErrNotInputMethod, method)
	}
	return in.target.Call(ctx, method, params, nil)
}

// MouseMove moves the pointer to (x, y).
func (in *Input) MouseMove(ctx context.Context, x, y float64) error {
	return in.DispatchInputEvent(ctx, "Input.dispatchMouseEvent", map[string]any{
		"type": "mouseMoved",
		"x":    x,
		"y":    y,
	})
}

// MouseClick presses and releases button at (x, y) after moving there.
func (in *Input) MouseClick(ctx context.Context, x, y float64, button MouseButton, clickCount int) error {
	if clickCount <= 0 {
		clickCount = 1
	}
	if err := in.MouseMove(ctx, x, y); err != nil {
		return err
	}
	for _, typ := range []string{"mousePressed", "mouseReleased"} {
		err := in.DispatchInputEvent(ctx, "Input.dispatchMouseEvent", map[string]any{
			"type":       typ,
			"x":          x,
			"y":          y,
			"button":     string(button),
			"clickCount": clickCount,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// InsertText types text into the focused element as one composition.
func (in *Input) InsertText(ctx context.Context, text string) error {
	return in.DispatchInputEvent(ctx, "Input.insertText", map[string]any{"text": text})
}

// KeyPress sends keyDown and keyUp for a named key ("Enter", "Tab", "a").
func (in *Input) KeyPress(ctx context.Context, key string) error {
	for _, typ := range []string{"keyDown", "keyUp"} {
		params := map[string]any{"type": typ, "key": key}
		if typ == "keyDown" && len([]rune(key)) == 1 {
			params["text"] = key
		}
		if err := in.DispatchInputEvent(ctx, "Input.dispatchKeyEvent", params); err != nil {
			return err
		}
	}
	return nil
}

var _ InputDispatcher = (*Input)(nil)
