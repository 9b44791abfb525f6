package message

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// ID identifies a request on the wire. JSON-RPC allows integers and strings;
// the zero value means "no id" and marks a notification.
//
// ID is comparable, so it can be used directly as a map key by the pending registry.
type ID struct {
	num   int64
	str   string
	isStr bool
	valid bool
}

// IntID returns an integer request id.
func IntID(n int64) ID {
	return ID{num: n, valid: true}
}

// StringID returns a string request id.
func StringID(s string) ID {
	return ID{str: s, isStr: true, valid: true}
}

// IsZero reports whether the id is absent (notification or global error).
func (id ID) IsZero() bool {
	return !id.valid
}

// Int returns the integer value and whether the id holds an integer.
func (id ID) Int() (int64, bool) {
	return id.num, id.valid && !id.isStr
}

func (id ID) String() string {
	switch {
	case !id.valid:
		return "null"
	case id.isStr:
		return strconv.Quote(id.str)
	default:
		return strconv.FormatInt(id.num, 10)
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case !id.valid:
		return []byte("null"), nil
	case id.isStr:
		return json.Marshal(id.str)
	default:
		return strconv.AppendInt(nil, id.num, 10), nil
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ID{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return errors.Wrap(err, "invalid string id")
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return errors.Errorf("id must be an integer or a string, got %s", data)
	}
	*id = IntID(n)
	return nil
}
