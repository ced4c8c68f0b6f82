package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	. "github.com/roelfdiedericks/chromewire/internal/logging"
)

// Serialization selects how an evaluation result travels back.
type Serialization string

const (
	// SerializeDeep asks for the typed deep serialization: cycles, DOM
	// nodes, NaN and friends survive, and depth is bounded by MaxDepth.
	SerializeDeep Serialization = "deep"
	// SerializeJSON asks for a JSON-compatible copy of the result.
	SerializeJSON Serialization = "json"
)

const defaultMaxDepth = 8

// EvalOptions controls Evaluate and Call.
type EvalOptions struct {
	Args          []any // available to the code as arguments[i]
	AwaitPromise  bool
	Serialization Serialization // default SerializeDeep
	MaxDepth      int           // deep serialization depth, default 8
}

func (o EvalOptions) withDefaults() EvalOptions {
	if o.Serialization == "" {
		o.Serialization = SerializeDeep
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = defaultMaxDepth
	}
	return o
}

// ExecutionContext is one JavaScript realm inside a target: the main world
// of a frame, or an isolated world. It becomes stale when the frame
// navigates, the realm is destroyed or the target detaches; staleness is
// permanent and checked before any command is sent.
type ExecutionContext struct {
	target   *Target
	id       int64
	frameID  string
	name     string
	origin   string
	isolated bool

	mu     sync.RWMutex
	live   bool
	reason string
}

func newExecutionContext(t *Target, id int64, frameID, name string, isolated bool) *ExecutionContext {
	return &ExecutionContext{
		target:   t,
		id:       id,
		frameID:  frameID,
		name:     name,
		isolated: isolated,
		live:     true,
	}
}

// ID returns the protocol execution context id.
func (ec *ExecutionContext) ID() int64 { return ec.id }

// FrameID returns the frame the context belongs to.
func (ec *ExecutionContext) FrameID() string { return ec.frameID }

// Name returns the world name ("" for a main world).
func (ec *ExecutionContext) Name() string { return ec.name }

// Origin returns the security origin reported at creation.
func (ec *ExecutionContext) Origin() string { return ec.origin }

// IsIsolated reports whether this is an isolated world.
func (ec *ExecutionContext) IsIsolated() bool { return ec.isolated }

// Target returns the owning target.
func (ec *ExecutionContext) Target() *Target { return ec.target }

// Live reports whether the context can still be used.
func (ec *ExecutionContext) Live() bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.live
}

func (ec *ExecutionContext) invalidate(reason string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.live {
		ec.live = false
		ec.reason = reason
	}
}

// checkLive fails with *StaleReferenceError when the context is stale.
func (ec *ExecutionContext) checkLive(objectID string) error {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	if ec.live {
		return nil
	}
	return &StaleReferenceError{ObjectID: objectID, ContextID: ec.id, Reason: ec.reason}
}

// remoteObject is the protocol RemoteObject.
type remoteObject struct {
	Type                string          `json:"type"`
	Subtype             string          `json:"subtype,omitempty"`
	ClassName           string          `json:"className,omitempty"`
	Value               json.RawMessage `json:"value,omitempty"`
	UnserializableValue string          `json:"unserializableValue,omitempty"`
	Description         string          `json:"description,omitempty"`
	ObjectID            string          `json:"objectId,omitempty"`
	DeepSerializedValue *deepValue      `json:"deepSerializedValue,omitempty"`
}

type exceptionDetails struct {
	Text         string        `json:"text"`
	LineNumber   int           `json:"lineNumber"`
	ColumnNumber int           `json:"columnNumber"`
	URL          string        `json:"url,omitempty"`
	Exception    *remoteObject `json:"exception,omitempty"`
	StackTrace   *struct {
		CallFrames []struct {
			FunctionName string `json:"functionName"`
			URL          string `json:"url"`
			LineNumber   int    `json:"lineNumber"`
			ColumnNumber int    `json:"columnNumber"`
		} `json:"callFrames"`
	} `json:"stackTrace,omitempty"`
}

func (d *exceptionDetails) toError() *JSEvaluationError {
	e := &JSEvaluationError{
		Text:   d.Text,
		Line:   d.LineNumber + 1,
		Column: d.ColumnNumber + 1,
	}
	if d.Exception != nil {
		e.Description = d.Exception.Description
		e.ClassName = d.Exception.ClassName
		if e.Description == "" && len(d.Exception.Value) > 0 {
			e.Description = string(d.Exception.Value)
		}
	}
	if d.StackTrace != nil {
		for _, f := range d.StackTrace.CallFrames {
			name := f.FunctionName
			if name == "" {
				name = "<anonymous>"
			}
			e.Stack = append(e.Stack, fmt.Sprintf("%s (%s:%d:%d)", name, f.URL, f.LineNumber+1, f.ColumnNumber+1))
		}
	}
	return e
}

type callArgument struct {
	Value               json.RawMessage `json:"value,omitempty"`
	UnserializableValue string          `json:"unserializableValue,omitempty"`
	ObjectID            string          `json:"objectId,omitempty"`
}

// Evaluate runs code in the context and returns its deserialised result.
// code may be an expression ("document.title") or a function body with an
// explicit return; arguments are visible as arguments[i].
func (ec *ExecutionContext) Evaluate(ctx context.Context, code string, opts EvalOptions) (Value, error) {
	if err := ec.checkLive(""); err != nil {
		return nil, err
	}
	decl, err := ec.declaration(ctx, code)
	if err != nil {
		return nil, err
	}
	return ec.callValue(ctx, decl, nil, opts)
}

// EvaluateHandle is Evaluate for results that must stay in the page: it
// returns a handle instead of a copy. A primitive result is an error.
func (ec *ExecutionContext) EvaluateHandle(ctx context.Context, code string, opts EvalOptions) (*RemoteHandle, error) {
	if err := ec.checkLive(""); err != nil {
		return nil, err
	}
	decl, err := ec.declaration(ctx, code)
	if err != nil {
		return nil, err
	}
	return ec.callHandle(ctx, decl, nil, opts)
}

// declaration turns code into a function declaration. Whether code is an
// expression is decided once per distinct code by compiling it.
func (ec *ExecutionContext) declaration(ctx context.Context, code string) (string, error) {
	t := ec.target
	isExpr, ok := t.exprCache.Load(code)
	if !ok {
		var res struct {
			ExceptionDetails *exceptionDetails `json:"exceptionDetails"`
		}
		err := t.Call(ctx, "Runtime.compileScript", map[string]any{
			"expression":         "(function(){ return (\n" + code + "\n) })",
			"sourceURL":          "",
			"persistScript":      false,
			"executionContextId": ec.id,
		}, &res)
		if err != nil {
			return "", err
		}
		isExpr = res.ExceptionDetails == nil
		t.exprCache.Store(code, isExpr)
	}
	if isExpr.(bool) {
		return "function() { return (\n" + code + "\n) }", nil
	}
	return "function() {\n" + code + "\n}", nil
}

type callResult struct {
	Result           remoteObject      `json:"result"`
	ExceptionDetails *exceptionDetails `json:"exceptionDetails"`
}

// call invokes decl with this bound to the handle (or the global object
// when this is nil).
func (ec *ExecutionContext) call(ctx context.Context, decl string, this *RemoteHandle, opts EvalOptions, params map[string]any) (callResult, error) {
	args, err := ec.arguments(opts.Args)
	if err != nil {
		return callResult{}, err
	}

	params["functionDeclaration"] = decl
	params["arguments"] = args
	params["awaitPromise"] = opts.AwaitPromise
	params["userGesture"] = true
	if this != nil {
		if err := this.check(ec); err != nil {
			return callResult{}, err
		}
		params["objectId"] = this.objectID
	} else {
		params["executionContextId"] = ec.id
	}

	start := time.Now()
	var res callResult
	err = ec.target.Call(ctx, "Runtime.callFunctionOn", params, &res)
	ec.target.opts.Metrics.RecordDuration("session", "evaluate", time.Since(start))
	if err != nil {
		// a context destroyed under the call reports a protocol error; report
		// it as stale when we already know
		if serr := ec.checkLive(""); serr != nil {
			return callResult{}, serr
		}
		return callResult{}, err
	}
	if res.ExceptionDetails != nil {
		ec.target.opts.Metrics.IncrementCounter("session", "js_exceptions")
		return callResult{}, res.ExceptionDetails.toError()
	}
	return res, nil
}

func (ec *ExecutionContext) callValue(ctx context.Context, decl string, this *RemoteHandle, opts EvalOptions) (Value, error) {
	opts = opts.withDefaults()

	params := map[string]any{}
	switch opts.Serialization {
	case SerializeJSON:
		params["returnByValue"] = true
	case SerializeDeep:
		params["serializationOptions"] = map[string]any{
			"serialization": "deep",
			"maxDepth":      opts.MaxDepth,
		}
	default:
		return nil, fmt.Errorf("session: unknown serialization %q", opts.Serialization)
	}

	res, err := ec.call(ctx, decl, this, opts, params)
	if err != nil {
		return nil, err
	}

	if opts.Serialization == SerializeJSON {
		return decodeByValue(res.Result)
	}

	if res.Result.ObjectID != "" {
		ec.release(res.Result.ObjectID)
	}
	if res.Result.DeepSerializedValue == nil {
		return decodeByValue(res.Result)
	}
	return decodeDeep(res.Result.DeepSerializedValue, ec, opts.MaxDepth)
}

func (ec *ExecutionContext) callHandle(ctx context.Context, decl string, this *RemoteHandle, opts EvalOptions) (*RemoteHandle, error) {
	res, err := ec.call(ctx, decl, this, opts, map[string]any{})
	if err != nil {
		return nil, err
	}
	if res.Result.ObjectID == "" {
		return nil, fmt.Errorf("session: result is a %s, not an object", res.Result.Type)
	}
	return newRemoteHandle(ec, res.Result), nil
}

// release drops a remote object in the background. Failures are harmless:
// the object dies with its context anyway.
func (ec *ExecutionContext) release(objectID string) {
	conn, err := ec.target.requireAttached("Runtime.releaseObject")
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ec.target.opts.CommandTimeout)
		defer cancel()
		if _, err := conn.Send(ctx, "Runtime.releaseObject", map[string]any{"objectId": objectID}); err != nil {
			L_trace("session: release failed", "object", objectID, "error", err)
		}
	}()
}

// arguments converts Go values to call arguments. Handles must belong to
// this context and still be live.
func (ec *ExecutionContext) arguments(args []any) ([]callArgument, error) {
	out := make([]callArgument, 0, len(args))
	for i, a := range args {
		arg, err := ec.argument(a)
		if err != nil {
			return nil, fmt.Errorf("session: argument %d: %w", i, err)
		}
		out = append(out, arg)
	}
	return out, nil
}

func (ec *ExecutionContext) argument(a any) (callArgument, error) {
	switch v := a.(type) {
	case nil:
		return callArgument{Value: json.RawMessage("null")}, nil
	case *RemoteHandle:
		if err := v.check(ec); err != nil {
			return callArgument{}, err
		}
		return callArgument{ObjectID: v.objectID}, nil
	case *Element:
		if err := v.check(ec); err != nil {
			return callArgument{}, err
		}
		return callArgument{ObjectID: v.objectID}, nil
	case float64:
		if s := unserializableFloat(v); s != "" {
			return callArgument{UnserializableValue: s}, nil
		}
	case float32:
		if s := unserializableFloat(float64(v)); s != "" {
			return callArgument{UnserializableValue: s}, nil
		}
	case *big.Int:
		return callArgument{UnserializableValue: v.String() + "n"}, nil
	}

	raw, err := json.Marshal(a)
	if err != nil {
		return callArgument{}, err
	}
	return callArgument{Value: raw}, nil
}

func unserializableFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0 && math.Signbit(f):
		return "-0"
	}
	return ""
}

func (ec *ExecutionContext) String() string {
	kind := "main"
	if ec.isolated {
		kind = "isolated:" + strings.TrimSpace(ec.name)
	}
	return fmt.Sprintf("context %d (%s, frame %s)", ec.id, kind, ec.frameID)
}
