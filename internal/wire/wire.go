// ABOUTME: Event envelope and payload schemas for the wallboard live protocol.
// ABOUTME: Defines inbound/outbound event names and boundary validation.

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound event names.
const (
	EventAgentConnect      = "agent_connect"
	EventSupervisorConnect = "supervisor_connect"
	EventUpdateStatus      = "update_status"
	EventSendMessage       = "send_message"
	EventMarkRead          = "mark_read"
)

// Outbound event names.
const (
	EventConnectionSuccess    = "connection_success"
	EventConnectionSuperseded = "connection_superseded"
	EventAgentStatusUpdate    = "agent_status_update"
	EventNewDirectMessage     = "new_direct_message"
	EventNewBroadcastMessage  = "new_broadcast_message"
	EventAck                  = "ack"
	EventError                = "error"
)

// Message types carried in send_message payloads.
const (
	MessageTypeDirect    = "direct"
	MessageTypeBroadcast = "broadcast"
)

// Roles recognized at identify time.
const (
	RoleAgent      = "agent"
	RoleSupervisor = "supervisor"
)

// ErrMalformedPayload indicates a payload that failed schema validation.
// The event must be rejected before it reaches core logic.
var ErrMalformedPayload = errors.New("malformed payload")

// Envelope wraps every frame on the wire in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeEnvelope parses a raw text frame into an Envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformedPayload)
	}
	return &env, nil
}

// Encode builds the wire form of an event with the given payload.
func Encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", event, err)
	}
	return json.Marshal(&Envelope{Event: event, Payload: raw})
}

// ConnectPayload is the handshake payload for agent_connect and
// supervisor_connect. The role is implied by the event name.
type ConnectPayload struct {
	Identity string `json:"identity"`
	Team     string `json:"team,omitempty"`
}

// DecodeConnect validates the handshake payload for either connect event.
func DecodeConnect(raw json.RawMessage) (*ConnectPayload, error) {
	var p ConnectPayload
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.Identity == "" {
		return nil, fmt.Errorf("%w: identity is required", ErrMalformedPayload)
	}
	return &p, nil
}

// UpdateStatusPayload carries a status change request.
type UpdateStatusPayload struct {
	Status string `json:"status"`
}

// DecodeUpdateStatus validates an update_status payload.
func DecodeUpdateStatus(raw json.RawMessage) (*UpdateStatusPayload, error) {
	var p UpdateStatusPayload
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.Status == "" {
		return nil, fmt.Errorf("%w: status is required", ErrMalformedPayload)
	}
	return &p, nil
}

// SendMessagePayload carries a direct or broadcast message send request.
// FromCode is accepted on the wire for compatibility but the session always
// overwrites it with the registered identity before routing.
type SendMessagePayload struct {
	FromCode string  `json:"fromCode,omitempty"`
	ToCode   *string `json:"toCode,omitempty"`
	Content  string  `json:"content"`
	Type     string  `json:"type"`
	Priority string  `json:"priority,omitempty"`
}

// DecodeSendMessage validates a send_message payload.
func DecodeSendMessage(raw json.RawMessage) (*SendMessagePayload, error) {
	var p SendMessagePayload
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.Content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrMalformedPayload)
	}
	switch p.Type {
	case MessageTypeDirect:
		if p.ToCode == nil || *p.ToCode == "" {
			return nil, fmt.Errorf("%w: direct message requires toCode", ErrMalformedPayload)
		}
	case MessageTypeBroadcast:
		if p.ToCode != nil {
			return nil, fmt.Errorf("%w: broadcast message must not set toCode", ErrMalformedPayload)
		}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformedPayload, p.Type)
	}
	return &p, nil
}

// MarkReadPayload identifies a stored message to mark as read.
type MarkReadPayload struct {
	MessageID string `json:"messageId"`
}

// DecodeMarkRead validates a mark_read payload.
func DecodeMarkRead(raw json.RawMessage) (*MarkReadPayload, error) {
	var p MarkReadPayload
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.MessageID == "" {
		return nil, fmt.Errorf("%w: messageId is required", ErrMalformedPayload)
	}
	return &p, nil
}

// ConnectionSuccess acknowledges a completed handshake.
type ConnectionSuccess struct {
	Identity string `json:"identity"`
	Role     string `json:"role"`
}

// ConnectionSuperseded tells an old connection that a newer connection for
// the same identity replaced it.
type ConnectionSuperseded struct {
	Reason string `json:"reason"`
}

// StatusUpdate notifies observers of an identity's status change.
type StatusUpdate struct {
	Identity  string    `json:"identity"`
	Status    string    `json:"status"`
	Team      string    `json:"team,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Ack reports the outcome of an inbound event back to its sender.
type Ack struct {
	Event     string `json:"event"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// ErrorEvent reports a protocol-level problem on the connection.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrMalformedPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
