// ABOUTME: Wire frame envelope, error shapes, and close codes for the gateway socket
// ABOUTME: Defines request/response/event frames and the connect handshake payloads

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the single protocol version this gateway speaks. Clients
// declare a [min,max] range in the connect frame and are rejected when the
// server version falls outside it.
const Version = 3

// MethodConnect is the only method accepted before a connection is admitted.
const MethodConnect = "connect"

// EventChallenge carries the server-issued connect nonce, sent as the first
// frame after the socket opens.
const EventChallenge = "connect.challenge"

// EventPairingRequested notifies operators that a device awaits approval.
const EventPairingRequested = "pairing.requested"

// Frame type discriminators.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Close codes. Protocol mismatch gets its own code so clients can detect
// version skew; every other handshake rejection uses the generic policy
// violation code and reveals nothing further.
const (
	ClosePolicyViolation  = 1008
	CloseProtocolMismatch = 4008
)

// Machine-readable error codes carried in ErrorShape.Code.
const (
	CodeInvalidHandshake  = "invalid-handshake"
	CodeProtocolMismatch  = "protocol-mismatch"
	CodeInvalidRole       = "invalid-role"
	CodeOriginDenied      = "origin-denied"
	CodeAuthRequired      = "auth-required"
	CodeDeviceAuthInvalid = "device-auth-invalid"
	CodeNotPaired         = "not-paired"
	CodeRateLimited       = "rate-limited"
	CodeInvalidRequest    = "invalid-request"
	CodeUnknownMethod     = "unknown-method"
)

var errMissingField = errors.New("missing required field")

// RequestFrame is the inbound request envelope.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is the outbound reply envelope.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// EventFrame is a server-initiated notification.
type EventFrame struct {
	Type   string      `json:"type"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// ErrorShape is the machine-readable error carried in failed responses.
type ErrorShape struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// NewResponse builds a successful response frame.
func NewResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: TypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed response frame.
func NewErrorResponse(id, code, message string, details interface{}) *ResponseFrame {
	return &ResponseFrame{
		Type: TypeResponse,
		ID:   id,
		OK:   false,
		Error: &ErrorShape{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// NewEvent builds an event frame.
func NewEvent(method string, params interface{}) *EventFrame {
	return &EventFrame{Type: TypeEvent, Method: method, Params: params}
}

// ParseRequest decodes and validates a request envelope. Any frame that is
// not a well-formed request is rejected before its params are examined.
func ParseRequest(data []byte) (*RequestFrame, error) {
	var frame RequestFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if frame.Type != TypeRequest {
		return nil, fmt.Errorf("unexpected frame type %q", frame.Type)
	}
	if frame.ID == "" {
		return nil, fmt.Errorf("%w: id", errMissingField)
	}
	if frame.Method == "" {
		return nil, fmt.Errorf("%w: method", errMissingField)
	}
	return &frame, nil
}
