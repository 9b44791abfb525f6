// Package protocol implements the framing used on the rendering service socket.
//
// The socket is message oriented, so there is no stream to split: every
// websocket message is one Frame. Text frames carry UTF-8 JSON only. Binary
// frames carry JSON plus opaque trailing bytes behind a little-endian length
// header:
//
//	0        4                    4+jsonLen
//	┌────────┬────────────────────┬──────────────────────┐
//	│jsonLen │     json text      │   binary payload ... │
//	│ uint32 │   jsonLen bytes    │   remaining bytes    │
//	└────────┴────────────────────┴──────────────────────┘
package protocol

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// HeaderSize is the size of the JSON length prefix of a binary frame.
const HeaderSize = 4

var (
	// ErrShortHeader is returned when a binary frame is too small to hold its header.
	ErrShortHeader = errors.New("binary frame shorter than its header")
	// ErrLengthMismatch is returned when the header declares more JSON than the frame holds.
	ErrLengthMismatch = errors.New("binary frame header does not match frame size")
	// ErrInvalidUTF8 is returned when the JSON segment is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("json segment is not valid UTF-8")
)

// Frame is one complete wire-level message.
type Frame struct {
	Binary bool   // Sent as a websocket binary message (packed) instead of text
	Data   []byte // Raw message bytes as seen on the socket
}

// Text returns a text frame carrying the given JSON.
func Text(js []byte) Frame {
	return Frame{Data: js}
}

// Packed returns a binary frame carrying the given JSON and payload.
func Packed(js, payload []byte) Frame {
	return Frame{Binary: true, Data: Pack(js, payload)}
}

// Split returns the JSON segment and binary payload of the frame.
// Text frames have an empty payload.
func (f Frame) Split() (js []byte, payload []byte, err error) {
	if !f.Binary {
		if !utf8.Valid(f.Data) {
			return nil, nil, ErrInvalidUTF8
		}
		return f.Data, nil, nil
	}
	return Unpack(f.Data)
}

// Pack builds the body of a binary frame.
func Pack(js, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(js)+len(payload))
	binary.LittleEndian.PutUint32(buf[0:HeaderSize], uint32(len(js)))
	copy(buf[HeaderSize:], js)
	copy(buf[HeaderSize+len(js):], payload)
	return buf
}

// Unpack splits the body of a binary frame into its JSON segment and payload.
// The returned slices alias data.
func Unpack(data []byte) (js []byte, payload []byte, err error) {
	if len(data) < HeaderSize {
		return nil, nil, errors.Wrapf(ErrShortHeader, "got %d bytes", len(data))
	}
	jsonLen := binary.LittleEndian.Uint32(data[0:HeaderSize])
	remaining := uint64(len(data) - HeaderSize)
	if uint64(jsonLen) > remaining {
		return nil, nil, errors.Wrapf(ErrLengthMismatch, "header declares %d json bytes, %d remaining", jsonLen, remaining)
	}
	end := HeaderSize + int(jsonLen)
	js = data[HeaderSize:end]
	if !utf8.Valid(js) {
		return nil, nil, ErrInvalidUTF8
	}
	return js, data[end:], nil
}
