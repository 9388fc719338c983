// Package dispatch reads line-delimited JSON requests from a stream, routes
// them to named tools, and owns process-wide startup and shutdown sequencing.
package dispatch

import "encoding/json"

// Request is one framed tool invocation read from the stream.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one framed reply; exactly one of Result and Error is set.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result interface{}     `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
}

// ErrorPayload carries a stable error code and a human-readable message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var nullID = json.RawMessage("null")

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}
