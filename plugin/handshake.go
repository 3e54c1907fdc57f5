package plugin

import (
	"fmt"
	"sync"

	"plugin-rpc/message"
)

// Handshake method names.
const (
	MethodGetManifest = "getmanifest"
	MethodInit        = "init"
)

// State is a position in the getmanifest/init negotiation.
type State uint8

const (
	StateStarted State = iota
	StateCapabilitiesSent
	StateCapabilitiesAcked
	StateConfigured
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "STARTED"
	case StateCapabilitiesSent:
		return "CAPABILITIES_SENT"
	case StateCapabilitiesAcked:
		return "CAPABILITIES_ACKED"
	case StateConfigured:
		return "CONFIGURED"
	case StateRunning:
		return "RUNNING"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// ProtocolOrderError reports a message the current handshake state does not
// allow. It is fatal to the endpoint.
type ProtocolOrderError struct {
	State  State
	Method string
}

func (e *ProtocolOrderError) Error() string {
	return fmt.Sprintf("protocol order: %q not allowed in state %s", e.Method, e.State)
}

// Handshake tracks the negotiation for either role. The initiator reports
// what it sent and hands every response to Acked; the responder asks Admit
// before dispatching each request and reports progress once it has answered.
// States only move forward.
type Handshake struct {
	mu         sync.Mutex
	state      State
	manifestID message.ID
	initID     message.ID
}

// NewHandshake returns a handshake in StateStarted.
func NewHandshake() *Handshake {
	return &Handshake{}
}

// State returns the current state.
func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Running reports whether normal dispatch is allowed.
func (h *Handshake) Running() bool {
	return h.State() == StateRunning
}

// Sent records an outbound handshake request (initiator side).
func (h *Handshake) Sent(method string, id message.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case method == MethodGetManifest && h.state == StateStarted:
		h.state = StateCapabilitiesSent
		h.manifestID = id
	case method == MethodInit && h.state == StateCapabilitiesAcked:
		h.state = StateConfigured
		h.initID = id
	default:
		return &ProtocolOrderError{State: h.state, Method: method}
	}
	return nil
}

// Acked feeds a response to the initiator side. It reports whether the
// response completed a handshake step; responses to anything else leave the
// state alone.
func (h *Handshake) Acked(id message.ID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.state == StateCapabilitiesSent && id == h.manifestID:
		h.state = StateCapabilitiesAcked
	case h.state == StateConfigured && id == h.initID:
		h.state = StateRunning
	default:
		return false
	}
	return true
}

// Admit checks an inbound request against the responder state without
// changing it. getmanifest is accepted until init has been applied, init only
// once a manifest went out, everything else only when running.
func (h *Handshake) Admit(method string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ok := false
	switch method {
	case MethodGetManifest:
		ok = h.state == StateStarted || h.state == StateCapabilitiesAcked
	case MethodInit:
		ok = h.state == StateCapabilitiesAcked
	default:
		ok = h.state == StateRunning
	}
	if !ok {
		return &ProtocolOrderError{State: h.state, Method: method}
	}
	return nil
}

// ManifestWritten marks the manifest response as sent (responder side). The
// responder has nothing to wait for, so it goes straight to
// StateCapabilitiesAcked.
func (h *Handshake) ManifestWritten() {
	h.advance(StateStarted, StateCapabilitiesAcked)
}

// Configured marks init as applied (responder side).
func (h *Handshake) Configured() {
	h.advance(StateCapabilitiesAcked, StateConfigured)
}

// Run enters the permanent running state (responder side).
func (h *Handshake) Run() {
	h.advance(StateConfigured, StateRunning)
}

func (h *Handshake) advance(from, to State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == from {
		h.state = to
	}
}
