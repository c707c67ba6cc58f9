package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// The `connect` request is the first frame a participant sends. It claims
// a role in the next session of the protocol served at the endpoint.
type ConnectRequest struct {
	Connect Role `json:"connect"` // the role being claimed
}

// The `connected` confirmation is sent by the coordinator to every
// participant once all roles of a session have joined.
type ConnectConfirm struct {
	Connected bool `json:"connected"`
}

// A Message is a steady-state channel frame.
//
// Between a participant and the coordinator, Role names the far end of the
// hop: a participant addresses frames to their recipient, and the
// coordinator stamps relayed or locally produced frames with their sender.
type Message struct {
	Role    Role            `json:"role"`    // recipient on the way in, sender on the way out
	Label   string          `json:"label"`   // message label from the protocol
	Payload json.RawMessage `json:"payload"` // arbitrary JSON value
}

var confirmFrame = mustEncode(&ConnectConfirm{Connected: true})

func mustEncode(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// NewMessage encodes payload and wraps it in a Message.
func NewMessage(role Role, label string, payload interface{}) (*Message, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: payload: %s", label, err)
	}
	return &Message{Role: role, Label: label, Payload: encoded}, nil
}

func (msg *Message) Encode() ([]byte, error) { return json.Marshal(msg) }

// Decode unmarshals the payload into v.
func (msg *Message) Decode(v interface{}) error {
	if len(msg.Payload) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(msg.Payload, v)
}

// Relabel returns a copy of msg with Role replaced. Label and payload bytes
// are carried over untouched.
func (msg *Message) Relabel(role Role) *Message {
	return &Message{Role: role, Label: msg.Label, Payload: msg.Payload}
}

func ParseMessage(data []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	if msg.Role == "" {
		return nil, fmt.Errorf("message: role required")
	}
	return msg, nil
}

func (req *ConnectRequest) Encode() ([]byte, error) { return json.Marshal(req) }

func ParseConnectRequest(data []byte) (*ConnectRequest, error) {
	req := &ConnectRequest{}
	if err := json.Unmarshal(data, req); err != nil {
		return nil, err
	}
	if req.Connect == "" {
		return nil, fmt.Errorf("connect: role required")
	}
	return req, nil
}

// EncodeConfirm returns the `{"connected":true}` frame.
func EncodeConfirm() []byte { return append([]byte(nil), confirmFrame...) }

// IsConfirm reports whether data is a connection confirmation.
func IsConfirm(data []byte) bool {
	if bytes.Equal(data, confirmFrame) {
		return true
	}
	confirm := &ConnectConfirm{}
	if err := json.Unmarshal(data, confirm); err != nil {
		return false
	}
	return confirm.Connected
}
