// Package ws implements the WebSocket service multiplexer: one endpoint,
// typed envelopes routed to registered services, request/response
// correlation with per-operation deadlines, heartbeats, and event fan-out.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Kind classifies a client-visible failure.
type Kind string

const (
	KindTimeout      Kind = "Timeout"
	KindNotFound     Kind = "NotFound"
	KindRefused      Kind = "Refused"
	KindConflict     Kind = "Conflict"
	KindUpstream     Kind = "Upstream"
	KindAuthRequired Kind = "AuthRequired"
	KindMalformed    Kind = "Malformed"
	KindUnavailable  Kind = "Unavailable"
)

// Error is a failure surfaced on the WebSocket. Data, when set, is attached
// to the error frame (e.g. authMethods on AuthRequired).
type Error struct {
	Kind    Kind
	Message string
	Data    any
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Errf builds an Error with a formatted message.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsError coerces err into an *Error, classifying plain errors by cause.
func AsError(err error) *Error {
	var we *Error
	if errors.As(err, &we) {
		return we
	}
	return &Error{Kind: classify(err), Message: err.Error()}
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindUnavailable
	case errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, os.ErrPermission):
		return KindRefused
	default:
		return KindUpstream
	}
}

// Envelope is an inbound wire frame. Requests carry their arguments in
// either payload or data; Args() returns whichever is present.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Op        string          `json:"op,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Args returns the request argument object.
func (e *Envelope) Args() json.RawMessage {
	if len(e.Payload) > 0 {
		return e.Payload
	}
	return e.Data
}

// ParseEnvelope decodes a text frame. In strict mode unknown top-level keys
// are rejected; permissive mode ignores them.
func ParseEnvelope(data []byte, strict bool) (*Envelope, error) {
	var env Envelope
	if strict {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&env); err != nil {
			return nil, err
		}
	} else if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, errors.New("missing type")
	}
	return &env, nil
}

// Frame is an outbound wire frame.
type Frame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Op        string `json:"op,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ResponseFrame builds a success response for a request on a service type.
func ResponseFrame(serviceType, id, op string, data any) Frame {
	return Frame{
		Type:      serviceType + "_response",
		ID:        id,
		Op:        op,
		Data:      data,
		Timestamp: nowMillis(),
	}
}

// ErrorFrame builds an error response for a request on a service type. An
// empty service type yields a bare "error" frame (unparseable envelopes).
func ErrorFrame(serviceType, id, op string, err error) Frame {
	we := AsError(err)
	frameType := "error"
	if serviceType != "" {
		frameType = serviceType + "_response"
	}
	return Frame{
		Type:      frameType,
		ID:        id,
		Op:        op,
		Data:      we.Data,
		Error:     we.Error(),
		Timestamp: nowMillis(),
	}
}

// EventFrame builds a server-originated broadcast frame.
func EventFrame(eventType string, data any) Frame {
	return Frame{
		Type:      eventType,
		Data:      data,
		Timestamp: nowMillis(),
	}
}

func marshalFrame(f Frame) ([]byte, error) {
	if f.Timestamp == 0 {
		f.Timestamp = nowMillis()
	}
	return json.Marshal(f)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
