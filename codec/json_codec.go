package codec

import (
	"bytes"
	"encoding/json"

	"render-rpc/message"

	"github.com/pkg/errors"
)

type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *message.ID     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type wireReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      message.ID      `json:"id"`
	Result  json.RawMessage `json:"result"`
}

type wireErrorReply struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      message.ID `json:"id"`
	Error   wireError  `json:"error"`
}

type wireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type wireNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type wireProgress struct {
	ID        message.ID `json:"id"`
	Operation string     `json:"operation"`
	Amount    float64    `json:"amount"`
}

var null = json.RawMessage("null")

func marshalRequest(req *message.Request) ([]byte, error) {
	w := wireRequest{JSONRPC: message.Version, Method: req.Method}
	if !req.ID.IsZero() {
		id := req.ID
		w.ID = &id
	}
	if req.Params != nil {
		params, err := json.Marshal(req.Params)
		if err != nil {
			return nil, errors.Wrap(err, "marshal params")
		}
		w.Params = params
	}
	return json.Marshal(&w)
}

func marshalReply(reply *message.Reply) ([]byte, error) {
	if reply.ID.IsZero() {
		return nil, errors.New("reply without id")
	}
	result := reply.Result
	if len(result) == 0 {
		result = null
	}
	return json.Marshal(&wireReply{JSONRPC: message.Version, ID: reply.ID, Result: result})
}

func marshalError(e *message.RemoteError) ([]byte, error) {
	return json.Marshal(&wireErrorReply{
		JSONRPC: message.Version,
		ID:      e.ID,
		Error:   wireError{Code: e.Code, Message: e.Message, Data: e.Data},
	})
}

func marshalProgress(p *message.Progress) ([]byte, error) {
	if p.ID.IsZero() {
		return nil, errors.New("progress without id")
	}
	return json.Marshal(&wireNotification{
		JSONRPC: message.Version,
		Method:  message.ProgressMethod,
		Params:  wireProgress{ID: p.ID, Operation: p.Operation, Amount: p.Amount},
	})
}

func unmarshalRequest(js []byte) (*message.Request, error) {
	fields, err := unmarshalObject(js)
	if err != nil {
		return nil, err
	}
	req := &message.Request{}
	if raw, ok := fields["method"]; ok {
		if err := json.Unmarshal(raw, &req.Method); err != nil {
			return nil, errors.Wrap(err, "invalid method")
		}
	}
	if req.Method == "" {
		return nil, errors.New("request without method")
	}
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &req.ID); err != nil {
			return nil, err
		}
	}
	if raw, ok := fields["params"]; ok {
		req.Params = raw
	}
	return req, nil
}

// unmarshalInbound is the only place that looks at the shape of an inbound
// message. Keys are checked in this order: "error", "result", then progress
// notification params.
func unmarshalInbound(js []byte) (*message.Inbound, error) {
	fields, err := unmarshalObject(js)
	if err != nil {
		return nil, err
	}

	var id message.ID
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, err
		}
	}

	if raw, ok := fields["error"]; ok {
		var w wireError
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, errors.Wrap(err, "invalid error object")
		}
		return &message.Inbound{
			Kind: message.KindError,
			Error: &message.RemoteError{
				ID:      id,
				Code:    w.Code,
				Message: w.Message,
				Data:    w.Data,
			},
		}, nil
	}

	if raw, ok := fields["result"]; ok {
		if id.IsZero() {
			return nil, errors.New("reply without id")
		}
		return &message.Inbound{
			Kind:  message.KindReply,
			Reply: &message.Reply{ID: id, Result: raw},
		}, nil
	}

	if !id.IsZero() {
		return nil, errors.Errorf("message %s has neither result nor error", id)
	}

	progress, err := unmarshalProgress(fields["params"])
	if err != nil {
		return nil, err
	}
	return &message.Inbound{Kind: message.KindProgress, Progress: progress}, nil
}

func unmarshalProgress(raw json.RawMessage) (*message.Progress, error) {
	if len(raw) == 0 {
		return nil, errors.New("unrecognized message: no id, result, error or params")
	}
	var params struct {
		ID        *message.ID `json:"id"`
		Operation *string     `json:"operation"`
		Amount    *float64    `json:"amount"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errors.Wrap(err, "invalid progress params")
	}
	if params.ID == nil || params.ID.IsZero() || params.Operation == nil || params.Amount == nil {
		return nil, errors.New("unrecognized notification: params need id, operation and amount")
	}
	if *params.Amount < 0 || *params.Amount > 1 {
		return nil, errors.Errorf("progress amount %v outside [0, 1]", *params.Amount)
	}
	return &message.Progress{ID: *params.ID, Operation: *params.Operation, Amount: *params.Amount}, nil
}

func unmarshalObject(js []byte) (map[string]json.RawMessage, error) {
	js = bytes.TrimSpace(js)
	if len(js) == 0 || js[0] != '{' {
		return nil, errors.New("message is not a JSON object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(js, &fields); err != nil {
		return nil, errors.Wrap(err, "invalid JSON")
	}
	return fields, nil
}
