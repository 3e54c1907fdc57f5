// Package message defines the JSON-RPC 2.0 messages exchanged between a plugin
// and its host.
//
// Message is a tagged union:
//
//   - Request:      ID and Method set, Params holds the arguments.
//   - Notification: Method set, no ID.
//   - Response:     ID set, exactly one of Result or Error.
//
// Params, Result and Error.Data stay as raw JSON until a handler decides how
// to interpret them; the codec package turns messages into wire objects.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gorilla/rpc/v2/json2"
)

// Version is the value of the "jsonrpc" member.
const Version = "2.0"

// Kind tags which variant of the union a Message is.
type Kind uint8

const (
	KindRequest Kind = iota
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ID is an opaque request identifier: a JSON string or number chosen by the
// sender. IDs compare by their canonical JSON text, so they can be used as
// map keys.
type ID struct {
	raw string
}

// NumberID returns the ID for n.
func NumberID(n uint64) ID {
	return ID{raw: strconv.FormatUint(n, 10)}
}

// StringID returns the ID for s.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: string(b)}
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool { return id.raw == "" }

// String returns the JSON text of the ID.
func (id ID) String() string { return id.raw }

func (id ID) MarshalJSON() ([]byte, error) {
	if id.raw == "" {
		return []byte("null"), nil
	}
	return []byte(id.raw), nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		id.raw = ""
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		id.raw = n.String()
	default:
		return fmt.Errorf("message: id must be a string or number, got %s", data)
	}
	return nil
}

// Error is the error member of a failed Response. It also implements the
// error interface so handlers can return it to choose the code and data sent
// back.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (data: %s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError builds an Error, marshalling data if it is not nil.
func NewError(code int, msg string, data any) *Error {
	e := &Error{Code: code, Message: msg}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}

// Standard error codes, shared with gorilla's json2 package.
const (
	CodeInvalidRequest = int(json2.E_INVALID_REQ)
	CodeMethodNotFound = int(json2.E_NO_METHOD)
	CodeInvalidParams  = int(json2.E_BAD_PARAMS)
	CodeInternal       = int(json2.E_INTERNAL)
	CodeServer         = int(json2.E_SERVER)
)

// Message is one JSON-RPC message.
type Message struct {
	Kind   Kind
	ID     ID
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// NewRequest builds a Request, marshalling params.
func NewRequest(id ID, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Kind: KindRequest, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a Notification, marshalling params.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Kind: KindNotification, Method: method, Params: raw}, nil
}

// NewResult builds a successful Response. A nil result is sent as JSON null.
func NewResult(id ID, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("message: marshal result: %w", err)
	}
	return &Message{Kind: KindResponse, ID: id, Result: raw}, nil
}

// NewFailure builds a failed Response.
func NewFailure(id ID, e *Error) *Message {
	return &Message{Kind: KindResponse, ID: id, Error: e}
}

// Positional reports whether Params is an ordered sequence.
func (m *Message) Positional() bool {
	p := bytes.TrimSpace(m.Params)
	return len(p) > 0 && p[0] == '['
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return p, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("message: marshal params: %w", err)
	}
	p := bytes.TrimSpace(raw)
	if len(p) == 0 || (p[0] != '[' && p[0] != '{') {
		return nil, fmt.Errorf("message: params must be an array or object, got %s", raw)
	}
	return raw, nil
}
