package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned for messages that are not valid JSON objects or
// carry neither a type nor an action.
var ErrMalformed = errors.New("malformed message")

// Message is a received signaling message whose body has not yet been
// decoded into a concrete type.
type Message struct {
	Type   string
	Action string
	raw    []byte
}

type envelope struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

// Parse inspects the discriminator fields of a JSON message.
func Parse(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" && env.Action == "" {
		return Message{}, fmt.Errorf("%w: missing type and action", ErrMalformed)
	}
	return Message{Type: env.Type, Action: env.Action, raw: append([]byte(nil), data...)}, nil
}

// Marshal encodes v and parses it back into a Message.
func Marshal(v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}
	return Parse(data)
}

// Kind returns the type, or the action for client actions.
func (m Message) Kind() string {
	if m.Type != "" {
		return m.Type
	}
	return m.Action
}

// Decode unmarshals the full message into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.raw, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrMalformed, m.Kind(), err)
	}
	return nil
}

// Bytes returns the raw JSON.
func (m Message) Bytes() []byte {
	return m.raw
}
