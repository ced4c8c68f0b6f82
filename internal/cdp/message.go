package cdp

import "encoding/json"

// Request is a command frame sent to the endpoint.
type Request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Message is any frame received from the endpoint: a response when ID is
// set, an event otherwise.
type Message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorObject    `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// ErrorObject is the error member of a response frame.
type ErrorObject struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Event is one received event frame.
type Event struct {
	Method string
	Params json.RawMessage
}

// IsEvent reports whether the frame is an event rather than a response.
func (m *Message) IsEvent() bool {
	return m.ID == 0 && m.Method != ""
}
