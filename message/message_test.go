package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDJSON(t *testing.T) {
	cases := []struct {
		name string
		id   ID
		json string
	}{
		{"absent", ID{}, `null`},
		{"int", IntID(42), `42`},
		{"negative", IntID(-3), `-3`},
		{"string", StringID("abc"), `"abc"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.id)
			require.NoError(t, err)
			assert.JSONEq(t, tc.json, string(data))

			var back ID
			require.NoError(t, json.Unmarshal(data, &back))
			assert.Equal(t, tc.id, back)
		})
	}
}

func TestIDRejectsFractions(t *testing.T) {
	var id ID
	assert.Error(t, json.Unmarshal([]byte(`1.5`), &id))
	assert.Error(t, json.Unmarshal([]byte(`true`), &id))
}

func TestIDAsMapKey(t *testing.T) {
	m := map[ID]int{IntID(1): 1, StringID("1"): 2}
	assert.Len(t, m, 2)
	assert.Equal(t, 1, m[IntID(1)])
	assert.Equal(t, 2, m[StringID("1")])
}

func TestRemoteErrorGlobal(t *testing.T) {
	global := &RemoteError{Code: CodeParseError, Message: "bad frame"}
	assert.True(t, global.Global())
	assert.Contains(t, global.Error(), "bad frame")

	addressed := &RemoteError{ID: IntID(3), Code: 7, Message: "no such model"}
	assert.False(t, addressed.Global())
	assert.Contains(t, addressed.Error(), "request 3")
}

func TestReplyDecode(t *testing.T) {
	reply := &Reply{ID: IntID(0), Result: json.RawMessage(`{"major":1}`)}
	var v struct {
		Major int `json:"major"`
	}
	require.NoError(t, reply.Decode(&v))
	assert.Equal(t, 1, v.Major)

	var empty any
	require.NoError(t, (&Reply{}).Decode(&empty))
	assert.Nil(t, empty)
}

func TestInboundID(t *testing.T) {
	msg := &Inbound{Kind: KindProgress, Progress: &Progress{ID: IntID(5), Operation: "loading", Amount: 0.5}}
	assert.Equal(t, IntID(5), msg.ID())
	assert.Equal(t, "progress", msg.Kind.String())
}
