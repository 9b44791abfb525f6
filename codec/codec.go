// Package codec converts between message values and wire frames.
//
// Client side:  EncodeRequest (Request → Frame) and Decode (Frame → Inbound).
// Service side: DecodeRequest, EncodeReply, EncodeError and EncodeProgress, used
// by the stub server so that both ends share one implementation of the format.
//
// Framing choice is driven by the presence of binary bytes: a message with a
// non-empty binary payload is packed into a binary frame, everything else is a
// compact JSON text frame.
package codec

import (
	"render-rpc/message"
	"render-rpc/protocol"

	"github.com/pkg/errors"
)

var (
	// ErrDecode is the class of every inbound decoding failure.
	ErrDecode = errors.New("decode error")
	// ErrBinaryNotAllowed is returned when raw bytes are attached to an error or a progress message.
	ErrBinaryNotAllowed = errors.New("binary payload only allowed on replies")
)

// EncodeRequest serializes a request. A non-empty binary payload selects the binary framing.
func EncodeRequest(req *message.Request) (protocol.Frame, error) {
	if req.Method == "" {
		return protocol.Frame{}, errors.New("request method is empty")
	}
	js, err := marshalRequest(req)
	if err != nil {
		return protocol.Frame{}, errors.Wrapf(err, "encode request %q", req.Method)
	}
	return frame(js, req.Binary), nil
}

// Decode parses a frame received from the service. Every error it returns
// matches ErrDecode; the caller turns it into a global error.
func Decode(f protocol.Frame) (*message.Inbound, error) {
	js, payload, err := f.Split()
	if err != nil {
		return nil, decodeError(err)
	}
	msg, err := unmarshalInbound(js)
	if err != nil {
		return nil, decodeError(err)
	}
	if len(payload) == 0 {
		return msg, nil
	}
	if msg.Kind != message.KindReply {
		return nil, decodeError(errors.Wrapf(ErrBinaryNotAllowed, "got %d bytes on %s", len(payload), msg.Kind))
	}
	msg.Reply.Binary = payload
	return msg, nil
}

// DecodeRequest parses a frame sent by a client.
func DecodeRequest(f protocol.Frame) (*message.Request, error) {
	js, payload, err := f.Split()
	if err != nil {
		return nil, decodeError(err)
	}
	req, err := unmarshalRequest(js)
	if err != nil {
		return nil, decodeError(err)
	}
	if len(payload) > 0 {
		req.Binary = payload
	}
	return req, nil
}

// EncodeReply serializes a success reply, packing its binary payload if any.
func EncodeReply(reply *message.Reply) (protocol.Frame, error) {
	js, err := marshalReply(reply)
	if err != nil {
		return protocol.Frame{}, errors.Wrap(err, "encode reply")
	}
	return frame(js, reply.Binary), nil
}

// EncodeError serializes an error reply. Errors never carry binary data.
func EncodeError(e *message.RemoteError) (protocol.Frame, error) {
	js, err := marshalError(e)
	if err != nil {
		return protocol.Frame{}, errors.Wrap(err, "encode error")
	}
	return protocol.Text(js), nil
}

// EncodeProgress serializes a progress notification.
func EncodeProgress(p *message.Progress) (protocol.Frame, error) {
	js, err := marshalProgress(p)
	if err != nil {
		return protocol.Frame{}, errors.Wrap(err, "encode progress")
	}
	return protocol.Text(js), nil
}

func frame(js, payload []byte) protocol.Frame {
	if len(payload) == 0 {
		return protocol.Text(js)
	}
	return protocol.Packed(js, payload)
}

func decodeError(err error) error {
	return &wrappedDecodeError{cause: err}
}

// wrappedDecodeError matches both ErrDecode and its underlying cause.
type wrappedDecodeError struct {
	cause error
}

func (e *wrappedDecodeError) Error() string { return ErrDecode.Error() + ": " + e.cause.Error() }

func (e *wrappedDecodeError) Unwrap() []error { return []error{ErrDecode, e.cause} }
