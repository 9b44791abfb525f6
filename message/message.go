// Package message defines the values exchanged with the rendering service.
//
// Outbound traffic is always a Request. Inbound traffic is one of three shapes
// (success reply, error reply, progress notification) and is handed around as
// an Inbound, a tagged union decoded once by the codec so that nothing
// downstream has to look at JSON keys again.
//
//	caller ──Request──► codec ──Frame──► transport ──► service
//	caller ◄──Task◄── pending ◄──Inbound◄── codec ◄──Frame◄── transport
package message

import (
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC version spoken by the service.
const Version = "2.0"

// Method used by the client to ask the service to stop working on a request.
const CancelMethod = "cancel"

// Method used by the service for progress notifications.
const ProgressMethod = "progress"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a call to a remote method.
//
//   - ID absent:  notification, no reply will ever be sent back.
//   - Params nil: "params" is omitted from the wire message.
//   - Binary:     optional raw bytes, switches the codec to binary framing.
type Request struct {
	ID     ID
	Method string
	Params any
	Binary []byte
}

// IsNotification reports whether the request expects no reply.
func (r *Request) IsNotification() bool {
	return r.ID.IsZero()
}

// Reply is a successful answer to the request with the same ID.
type Reply struct {
	ID     ID
	Result json.RawMessage
	Binary []byte
}

// Decode unmarshals the JSON result into v.
func (r *Reply) Decode(v any) error {
	if len(r.Result) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(r.Result, v)
}

// RemoteError is an error reply sent by the service. An absent ID makes it a
// global error, which is not tied to any request.
type RemoteError struct {
	ID      ID
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RemoteError) Error() string {
	if e.ID.IsZero() {
		return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("jsonrpc error %d for request %s: %s", e.Code, e.ID, e.Message)
}

// Global reports whether the error is addressed to every pending request.
func (e *RemoteError) Global() bool {
	return e.ID.IsZero()
}

// Progress reports partial completion of the request with the same ID.
// Amount is in [0, 1].
type Progress struct {
	ID        ID
	Operation string
	Amount    float64
}

// Kind tags the content of an Inbound message.
type Kind byte

const (
	KindReply    Kind = 0
	KindError    Kind = 1
	KindProgress Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindReply:
		return "reply"
	case KindError:
		return "error"
	case KindProgress:
		return "progress"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Inbound is a decoded message received from the service. Exactly one of
// Reply, Error or Progress is set, matching Kind.
type Inbound struct {
	Kind     Kind
	Reply    *Reply
	Error    *RemoteError
	Progress *Progress
}

// ID returns the request id the message is addressed to (absent for global errors).
func (m *Inbound) ID() ID {
	switch m.Kind {
	case KindReply:
		return m.Reply.ID
	case KindError:
		return m.Error.ID
	default:
		return m.Progress.ID
	}
}
