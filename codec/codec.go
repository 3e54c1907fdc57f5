// Package codec converts between message.Message values and the JSON objects
// that travel on the wire.
//
// Incoming objects are classified by which members are present:
//
//	"method" and "id"  → Request
//	"method" only      → Notification
//	"id" only          → Response (must carry exactly one of result/error)
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"plugin-rpc/message"
)

// ErrInvalidMessage is wrapped by every classification failure.
var ErrInvalidMessage = errors.New("invalid message")

// wireMessage mirrors the JSON-RPC object. Pointer and raw fields let Decode
// tell an absent member from a null one.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  *string         `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *message.Error  `json:"error,omitempty"`
}

// Codec encodes and decodes messages.
type Codec interface {
	Encode(m *message.Message) ([]byte, error)
	Decode(data []byte) (*message.Message, error)
}

// JSONCodec is the only wire codec: JSON-RPC 2.0 objects.
type JSONCodec struct{}

// Wire returns the object to serialize for m. The protocol.Writer takes it
// from here so framing and encoding happen in one step.
func (JSONCodec) Wire(m *message.Message) (any, error) {
	w := wireMessage{JSONRPC: message.Version}
	switch m.Kind {
	case message.KindRequest:
		if m.ID.IsZero() {
			return nil, fmt.Errorf("%w: request without id", ErrInvalidMessage)
		}
		w.ID, _ = m.ID.MarshalJSON()
		w.Method = &m.Method
		w.Params = params(m.Params)
	case message.KindNotification:
		w.Method = &m.Method
		w.Params = params(m.Params)
	case message.KindResponse:
		if (m.Error == nil) == (m.Result == nil) {
			return nil, fmt.Errorf("%w: response needs exactly one of result or error", ErrInvalidMessage)
		}
		w.ID, _ = m.ID.MarshalJSON()
		w.Result = m.Result
		w.Error = m.Error
	default:
		return nil, fmt.Errorf("%w: unknown kind %v", ErrInvalidMessage, m.Kind)
	}
	return &w, nil
}

func (c JSONCodec) Encode(m *message.Message) ([]byte, error) {
	w, err := c.Wire(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (JSONCodec) Decode(data []byte) (*message.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	m := &message.Message{Params: w.Params}
	hasID := len(w.ID) > 0 && !bytes.Equal(bytes.TrimSpace(w.ID), []byte("null"))
	if hasID {
		if err := m.ID.UnmarshalJSON(w.ID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}

	switch {
	case w.Method != nil && hasID:
		m.Kind = message.KindRequest
		m.Method = *w.Method
	case w.Method != nil:
		m.Kind = message.KindNotification
		m.Method = *w.Method
	case hasID:
		m.Kind = message.KindResponse
		m.Params = nil
		hasResult := len(w.Result) > 0
		if hasResult == (w.Error != nil) {
			return nil, fmt.Errorf("%w: response %s needs exactly one of result or error", ErrInvalidMessage, m.ID)
		}
		m.Result = w.Result
		m.Error = w.Error
	default:
		return nil, fmt.Errorf("%w: neither method nor id present", ErrInvalidMessage)
	}
	return m, nil
}

func params(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage("{}")
	}
	return p
}
