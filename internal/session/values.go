package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Value is a deserialised JavaScript value. The concrete type is one of
// Primitive, Array, Object, DOMNode or Unserializable.
type Value interface {
	jsType() string
}

// Primitive is undefined, null, a string, a number or a boolean. Value is
// nil, string, float64 or bool.
type Primitive struct {
	Type  string
	Value any
}

// Array is an array-like value: array, set, nodelist or htmlcollection.
type Array struct {
	Type      string
	Items     []Value
	Truncated bool // depth limit reached, Items is empty
}

// Entry is one key/value pair of an Object.
type Entry struct {
	Key   string
	Value Value
}

// Object is a plain object or a map, with keys in their original order.
type Object struct {
	Type      string
	Entries   []Entry
	Truncated bool
}

// Get returns the value of the first entry named key.
func (o Object) Get(key string) (Value, bool) {
	for _, e := range o.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// DOMNode is a DOM node. It can be turned into an Element while its execution
// context is live.
type DOMNode struct {
	BackendNodeID  int64
	NodeType       int
	LocalName      string
	NodeValue      string
	Attributes     map[string]string
	ChildNodeCount int

	Context *ExecutionContext
}

// Element resolves the node to a handle in its execution context.
func (n DOMNode) Element(ctx context.Context) (*Element, error) {
	if n.Context == nil {
		return nil, errors.New("session: node has no execution context")
	}
	if err := n.Context.checkLive(""); err != nil {
		return nil, err
	}
	var res struct {
		Object remoteObject `json:"object"`
	}
	err := n.Context.target.Call(ctx, "DOM.resolveNode", map[string]any{
		"backendNodeId":      n.BackendNodeID,
		"executionContextId": n.Context.id,
	}, &res)
	if err != nil {
		return nil, err
	}
	h := newRemoteHandle(n.Context, res.Object)
	return &Element{RemoteHandle: h, backendNodeID: n.BackendNodeID, nodeName: strings.ToUpper(n.LocalName)}, nil
}

// Unserializable is a value with no data representation (function, symbol,
// promise, window, bigint, date, regexp...). Description is the browser's
// rendering of it.
type Unserializable struct {
	Type        string
	Description string
}

func (p Primitive) jsType() string      { return p.Type }
func (a Array) jsType() string          { return a.Type }
func (o Object) jsType() string         { return o.Type }
func (n DOMNode) jsType() string        { return "node" }
func (u Unserializable) jsType() string { return u.Type }

// TypeOf returns the JavaScript type name of v.
func TypeOf(v Value) string {
	if v == nil {
		return "undefined"
	}
	return v.jsType()
}

// AsString returns v as a string when it is a string primitive.
func AsString(v Value) (string, bool) {
	p, ok := v.(Primitive)
	if !ok {
		return "", false
	}
	s, ok := p.Value.(string)
	return s, ok
}

// Native converts v into plain Go values: primitives to their Go value,
// arrays to []any, objects to map[string]any. DOMNode and Unserializable
// values are returned unchanged, so they never pass for plain data.
func Native(v Value) any {
	switch x := v.(type) {
	case Primitive:
		return x.Value
	case Array:
		out := make([]any, 0, len(x.Items))
		for _, it := range x.Items {
			out = append(out, Native(it))
		}
		return out
	case Object:
		out := make(map[string]any, len(x.Entries))
		for _, e := range x.Entries {
			out[e.Key] = Native(e.Value)
		}
		return out
	case DOMNode:
		return x
	case Unserializable:
		return x
	}
	return nil
}

// deepValue is the protocol DeepSerializedValue.
type deepValue struct {
	Type                     string          `json:"type"`
	Value                    json.RawMessage `json:"value,omitempty"`
	ObjectID                 string          `json:"objectId,omitempty"`
	WeakLocalObjectReference *int            `json:"weakLocalObjectReference,omitempty"`
}

type deepNode struct {
	NodeType       int               `json:"nodeType"`
	LocalName      string            `json:"localName"`
	NodeValue      string            `json:"nodeValue"`
	ChildNodeCount int               `json:"childNodeCount"`
	Attributes     map[string]string `json:"attributes"`
	BackendNodeID  int64             `json:"backendNodeId"`
}

func decodeDeep(d *deepValue, ec *ExecutionContext, depth int) (Value, error) {
	switch d.Type {
	case "undefined", "null":
		return Primitive{Type: d.Type}, nil

	case "string", "boolean":
		var v any
		if err := json.Unmarshal(d.Value, &v); err != nil {
			return nil, fmt.Errorf("session: decode %s: %w", d.Type, err)
		}
		return Primitive{Type: d.Type, Value: v}, nil

	case "number":
		f, err := deepNumber(d.Value)
		if err != nil {
			return nil, err
		}
		return Primitive{Type: "number", Value: f}, nil

	case "bigint":
		var s string
		if err := json.Unmarshal(d.Value, &s); err != nil {
			return nil, fmt.Errorf("session: decode bigint: %w", err)
		}
		return Unserializable{Type: "bigint", Description: s + "n"}, nil

	case "array", "set", "nodelist", "htmlcollection":
		if len(d.Value) == 0 || depth <= 0 {
			return Array{Type: d.Type, Truncated: true}, nil
		}
		var raw []*deepValue
		if err := json.Unmarshal(d.Value, &raw); err != nil {
			return nil, fmt.Errorf("session: decode %s: %w", d.Type, err)
		}
		arr := Array{Type: d.Type, Items: make([]Value, 0, len(raw))}
		for _, item := range raw {
			v, err := decodeDeep(item, ec, depth-1)
			if err != nil {
				return nil, err
			}
			arr.Items = append(arr.Items, v)
		}
		return arr, nil

	case "object", "map":
		if len(d.Value) == 0 || depth <= 0 {
			return Object{Type: d.Type, Truncated: true}, nil
		}
		var pairs [][2]json.RawMessage
		if err := json.Unmarshal(d.Value, &pairs); err != nil {
			return nil, fmt.Errorf("session: decode %s: %w", d.Type, err)
		}
		obj := Object{Type: d.Type, Entries: make([]Entry, 0, len(pairs))}
		for _, p := range pairs {
			key, err := deepKey(p[0], ec, depth-1)
			if err != nil {
				return nil, err
			}
			var item deepValue
			if err := json.Unmarshal(p[1], &item); err != nil {
				return nil, fmt.Errorf("session: decode %s entry %q: %w", d.Type, key, err)
			}
			v, err := decodeDeep(&item, ec, depth-1)
			if err != nil {
				return nil, err
			}
			obj.Entries = append(obj.Entries, Entry{Key: key, Value: v})
		}
		return obj, nil

	case "node":
		if len(d.Value) == 0 {
			return DOMNode{Context: ec}, nil
		}
		var n deepNode
		if err := json.Unmarshal(d.Value, &n); err != nil {
			return nil, fmt.Errorf("session: decode node: %w", err)
		}
		return DOMNode{
			BackendNodeID:  n.BackendNodeID,
			NodeType:       n.NodeType,
			LocalName:      n.LocalName,
			NodeValue:      n.NodeValue,
			Attributes:     n.Attributes,
			ChildNodeCount: n.ChildNodeCount,
			Context:        ec,
		}, nil

	case "regexp":
		var re struct {
			Pattern string `json:"pattern"`
			Flags   string `json:"flags"`
		}
		if err := json.Unmarshal(d.Value, &re); err != nil {
			return nil, fmt.Errorf("session: decode regexp: %w", err)
		}
		return Unserializable{Type: "regexp", Description: "/" + re.Pattern + "/" + re.Flags}, nil

	default:
		// date, function, symbol, promise, window, error, proxy...
		desc := d.Type
		var s string
		if json.Unmarshal(d.Value, &s) == nil && s != "" {
			desc = s
		}
		return Unserializable{Type: d.Type, Description: desc}, nil
	}
}

// deepKey decodes an object/map key: a plain string or a serialised value.
func deepKey(raw json.RawMessage, ec *ExecutionContext, depth int) (string, error) {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, nil
	}
	var kv deepValue
	if err := json.Unmarshal(raw, &kv); err != nil {
		return "", fmt.Errorf("session: decode key: %w", err)
	}
	v, err := decodeDeep(&kv, ec, depth)
	if err != nil {
		return "", err
	}
	if u, ok := v.(Unserializable); ok {
		return u.Description, nil
	}
	return fmt.Sprint(Native(v)), nil
}

func deepNumber(raw json.RawMessage) (float64, error) {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if f, ok := parseUnserializable(s); ok {
			return f, nil
		}
		return 0, fmt.Errorf("session: unknown number %q", s)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("session: decode number: %w", err)
	}
	return f, nil
}

func parseUnserializable(s string) (float64, bool) {
	switch s {
	case "NaN":
		return math.NaN(), true
	case "Infinity":
		return math.Inf(1), true
	case "-Infinity":
		return math.Inf(-1), true
	case "-0":
		return math.Copysign(0, -1), true
	}
	return 0, false
}

// decodeByValue decodes a returnByValue result.
func decodeByValue(r remoteObject) (Value, error) {
	if r.UnserializableValue != "" {
		if f, ok := parseUnserializable(r.UnserializableValue); ok {
			return Primitive{Type: "number", Value: f}, nil
		}
		return Unserializable{Type: r.Type, Description: r.UnserializableValue}, nil
	}
	if r.Type == "undefined" {
		return Primitive{Type: "undefined"}, nil
	}
	if len(r.Value) == 0 {
		if r.Subtype == "null" {
			return Primitive{Type: "null"}, nil
		}
		t := r.Type
		if r.Subtype != "" {
			t = r.Subtype
		}
		return Unserializable{Type: t, Description: r.Description}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(r.Value))
	dec.UseNumber()
	return decodeJSON(dec)
}

// decodeJSON reads one JSON value from dec, keeping object key order.
func decodeJSON(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '[':
			arr := Array{Type: "array", Items: []Value{}}
			for dec.More() {
				item, err := decodeJSON(dec)
				if err != nil {
					return nil, err
				}
				arr.Items = append(arr.Items, item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		case '{':
			obj := Object{Type: "object", Entries: []Entry{}}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, _ := kt.(string)
				val, err := decodeJSON(dec)
				if err != nil {
					return nil, err
				}
				obj.Entries = append(obj.Entries, Entry{Key: key, Value: val})
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return obj, nil
		}
		return nil, fmt.Errorf("session: unexpected delimiter %v", v)
	case string:
		return Primitive{Type: "string", Value: v}, nil
	case bool:
		return Primitive{Type: "boolean", Value: v}, nil
	case json.Number:
		f, err := strconv.ParseFloat(v.String(), 64)
		if err != nil {
			return nil, err
		}
		return Primitive{Type: "number", Value: f}, nil
	case nil:
		return Primitive{Type: "null"}, nil
	}
	return nil, fmt.Errorf("session: unexpected token %v", tok)
}
