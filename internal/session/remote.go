package session

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// RemoteHandle refers to an object that stays in the page. It is bound to
// the execution context it was created in and goes stale with it.
type RemoteHandle struct {
	ctx      *ExecutionContext
	objectID string

	Type        string
	Subtype     string
	ClassName   string
	Description string

	released atomic.Bool
}

func newRemoteHandle(ec *ExecutionContext, obj remoteObject) *RemoteHandle {
	return &RemoteHandle{
		ctx:         ec,
		objectID:    obj.ObjectID,
		Type:        obj.Type,
		Subtype:     obj.Subtype,
		ClassName:   obj.ClassName,
		Description: obj.Description,
	}
}

// ObjectID returns the protocol object id.
func (h *RemoteHandle) ObjectID() string { return h.objectID }

// Context returns the execution context the handle lives in.
func (h *RemoteHandle) Context() *ExecutionContext { return h.ctx }

// Live reports whether the handle can still be used.
func (h *RemoteHandle) Live() bool {
	return !h.released.Load() && h.ctx.Live()
}

// check fails when the handle is stale or belongs to another context than
// ec (nil ec skips the context check).
func (h *RemoteHandle) check(ec *ExecutionContext) error {
	if h.released.Load() {
		return &StaleReferenceError{ObjectID: h.objectID, ContextID: h.ctx.id, Reason: "released"}
	}
	if err := h.ctx.checkLive(h.objectID); err != nil {
		return err
	}
	if ec != nil && ec != h.ctx {
		return fmt.Errorf("session: handle %s belongs to execution context %d, not %d", h.objectID, h.ctx.id, ec.id)
	}
	return nil
}

// Call invokes fn (a function declaration) with this bound to the object
// and returns the deserialised result.
func (h *RemoteHandle) Call(ctx context.Context, fn string, opts EvalOptions) (Value, error) {
	if err := h.check(nil); err != nil {
		return nil, err
	}
	return h.ctx.callValue(ctx, fn, h, opts)
}

// CallHandle is Call returning the result as a handle.
func (h *RemoteHandle) CallHandle(ctx context.Context, fn string, opts EvalOptions) (*RemoteHandle, error) {
	if err := h.check(nil); err != nil {
		return nil, err
	}
	return h.ctx.callHandle(ctx, fn, h, opts)
}

// Release frees the remote object. The handle is stale afterwards.
// Releasing twice, or after the context went away, is a no-op.
func (h *RemoteHandle) Release(ctx context.Context) error {
	if h.released.Swap(true) {
		return nil
	}
	if !h.ctx.Live() {
		return nil
	}
	return h.ctx.target.Call(ctx, "Runtime.releaseObject", map[string]any{"objectId": h.objectID}, nil)
}

// Element returns the handle as an Element when it refers to a DOM node.
func (h *RemoteHandle) Element(ctx context.Context) (*Element, error) {
	if err := h.check(nil); err != nil {
		return nil, err
	}
	if h.Subtype != "node" {
		return nil, fmt.Errorf("session: handle %s is a %s, not a node", h.objectID, h.describe())
	}
	var res struct {
		Node struct {
			BackendNodeID int64  `json:"backendNodeId"`
			NodeName      string `json:"nodeName"`
		} `json:"node"`
	}
	if err := h.ctx.target.Call(ctx, "DOM.describeNode", map[string]any{"objectId": h.objectID}, &res); err != nil {
		return nil, err
	}
	return &Element{RemoteHandle: h, backendNodeID: res.Node.BackendNodeID, nodeName: res.Node.NodeName}, nil
}

func (h *RemoteHandle) describe() string {
	parts := []string{h.Type}
	if h.Subtype != "" {
		parts = append(parts, h.Subtype)
	}
	return strings.Join(parts, "/")
}

func (h *RemoteHandle) String() string {
	if h.Description != "" {
		return h.Description
	}
	return h.describe() + " " + h.objectID
}
