package socket

import (
	"encoding/json"
	"fmt"
)

// Message is one decoded server frame. Only JSON objects are delivered.
type Message struct {
	// Type is the value of the "type" field, or empty when absent.
	Type   string
	Fields map[string]json.RawMessage
	Raw    []byte
}

// String returns the string value of key, or "" when it is missing or not a string.
func (m Message) String(key string) string {
	raw, ok := m.Fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Has reports whether the frame carried key at all.
func (m Message) Has(key string) bool {
	_, ok := m.Fields[key]
	return ok
}

func decodeMessage(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if fields == nil {
		return Message{}, fmt.Errorf("decode frame: not an object")
	}
	msg := Message{Fields: fields, Raw: data}
	msg.Type = msg.String("type")
	return msg, nil
}
