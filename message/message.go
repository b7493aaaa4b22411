// Package message defines the request and response envelopes exchanged
// between a bridge client and the bridge daemon.
//
// A Request names a (module, function) pair and a bag of keyword
// parameters. A Response is always the outer "envelope" — the
// handler's own result, including any handler-native success flag,
// lives nested under Result. See ErrorKind for the taxonomy of
// request-fatal and connection-fatal failures.
package message

import "encoding/json"

// ErrorKind classifies why a request failed. It never changes meaning
// based on which module or function was called.
type ErrorKind string

const (
	ErrorKindProtocol    ErrorKind = "protocol"
	ErrorKindSecurity    ErrorKind = "security"
	ErrorKindHandler     ErrorKind = "handler"
	ErrorKindResource    ErrorKind = "resource"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindRestoration ErrorKind = "restoration"
	ErrorKindUnknownHdl  ErrorKind = "unknown_handle"
)

// Request is the decoded form of one client call.
type Request struct {
	Module    string         `json:"module"`
	Function  string         `json:"function"`
	Params    map[string]any `json:"params"`
	RequestID string         `json:"request_id,omitempty"`
}

// Response is the outer envelope wrapping every reply. Success reflects
// transport-level success only — a handler that itself reports failure
// (e.g. `{success:false, error:"..."}`) still travels back with the
// envelope's Success=true and its own verdict nested under Result. See
// spec's envelope-vs-result contract in dispatch.Dispatch.
type Response struct {
	Success    bool      `json:"success"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	DurationMs float64   `json:"duration_ms"`
	RequestID  string    `json:"request_id,omitempty"`
}

// Fail builds a request-fatal or connection-fatal error response.
func Fail(kind ErrorKind, requestID string, err error) *Response {
	return &Response{
		Success:   false,
		Error:     err.Error(),
		ErrorKind: kind,
		RequestID: requestID,
	}
}

// OK builds a successful response envelope.
func OK(requestID string, result any, durationMs float64) *Response {
	return &Response{
		Success:    true,
		Result:     result,
		DurationMs: durationMs,
		RequestID:  requestID,
	}
}

// MarshalParams is a convenience for building a Request's params from a
// typed args struct instead of a raw map.
func MarshalParams(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	return params, nil
}
