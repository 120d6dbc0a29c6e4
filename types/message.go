package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of payload an MCPMessage carries.
type MessageType string

const (
	// Control messages.
	TypePing      MessageType = "PING"
	TypePong      MessageType = "PONG"
	TypeHeartbeat MessageType = "HEARTBEAT"
	TypeShutdown  MessageType = "SHUTDOWN"

	// Task lifecycle messages.
	TypeTaskRequest  MessageType = "TASK_REQUEST"
	TypeTaskResponse MessageType = "TASK_RESPONSE"
	TypeTaskError    MessageType = "TASK_ERROR"
	TypeTaskProgress MessageType = "TASK_PROGRESS"

	// Resource governance messages.
	TypeResourceRequest MessageType = "RESOURCE_REQUEST"
	TypeResourceGrant   MessageType = "RESOURCE_GRANT"
	TypeResourceDeny    MessageType = "RESOURCE_DENY"

	// Streaming messages.
	TypeStreamStart MessageType = "STREAM_START"
	TypeStreamData  MessageType = "STREAM_DATA"
	TypeStreamEnd   MessageType = "STREAM_END"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypePing, TypePong, TypeHeartbeat, TypeShutdown,
		TypeTaskRequest, TypeTaskResponse, TypeTaskError, TypeTaskProgress,
		TypeResourceRequest, TypeResourceGrant, TypeResourceDeny,
		TypeStreamStart, TypeStreamData, TypeStreamEnd:
		return true
	}
	return false
}

// Interim reports whether t is a non-terminal frame sharing the parent id
// of a still-pending response (progress and stream messages). Interim
// frames must never resolve a request waiter.
func (t MessageType) Interim() bool {
	switch t {
	case TypeTaskProgress, TypeStreamStart, TypeStreamData, TypeStreamEnd:
		return true
	}
	return false
}

// Priority orders messages in supervisor inbound queues.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase name used on the wire.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// DeliveryMode declares the redelivery contract for a message.
type DeliveryMode string

const (
	AtMostOnce  DeliveryMode = "at_most_once"
	AtLeastOnce DeliveryMode = "at_least_once"
	ExactlyOnce DeliveryMode = "exactly_once"
)

// MCPMessage is the universal envelope exchanged between tiers.
//
// ID is a time-ordered UUIDv7 so ids sort by creation time. CorrelationID
// is stable across an entire multi-hop exchange; ParentID links a response
// to the request that caused it.
type MCPMessage struct {
	ID            string          `json:"id"`
	ParentID      string          `json:"parent_id,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	Sender        Address         `json:"sender"`
	Recipient     Address         `json:"recipient"`
	Timestamp     time.Time       `json:"timestamp"`
	TTL           time.Duration   `json:"ttl"`
	Priority      Priority        `json:"priority"`
	Context       MessageContext  `json:"context"`
	Type          MessageType     `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	DeliveryMode  DeliveryMode    `json:"delivery_mode"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
}

// NewMessage constructs an envelope with a fresh UUIDv7 id and timestamp.
// CorrelationID defaults to the message's own id so a root message starts
// a new exchange.
func NewMessage(msgType MessageType, sender, recipient Address) *MCPMessage {
	id := newMessageID()
	return &MCPMessage{
		ID:            id,
		CorrelationID: id,
		Sender:        sender,
		Recipient:     recipient,
		Timestamp:     time.Now().UTC(),
		Priority:      PriorityNormal,
		Type:          msgType,
		DeliveryMode:  AtMostOnce,
	}
}

func newMessageID() string {
	// UUIDv7 embeds a millisecond timestamp, giving monotonically
	// sortable ids. NewV7 only fails if the entropy source does, in
	// which case falling back to v4 keeps ids unique.
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// Reply constructs a response envelope for m: sender/recipient swapped,
// ParentID set to m.ID, correlation id and context carried over.
func (m *MCPMessage) Reply(msgType MessageType) *MCPMessage {
	r := NewMessage(msgType, m.Recipient, m.Sender)
	r.ParentID = m.ID
	r.CorrelationID = m.CorrelationID
	r.Context = m.Context
	r.TTL = m.TTL
	r.Priority = m.Priority
	return r
}

// WithPayload marshals v into the envelope payload. It returns m for
// chaining; marshal failures surface on Validate via an empty payload.
func (m *MCPMessage) WithPayload(v any) (*MCPMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return m, NewError(ErrMalformedMessage, "encode payload").WithCause(err)
	}
	m.Payload = raw
	return m, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (m *MCPMessage) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return NewError(ErrMalformedMessage, "empty payload")
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return NewError(ErrMalformedMessage, "decode payload").WithCause(err)
	}
	return nil
}

// Deadline returns the absolute instant after which the message is expired.
func (m *MCPMessage) Deadline() time.Time {
	return m.Timestamp.Add(m.TTL)
}

// Expired reports whether the message deadline has elapsed at now.
// Expired messages must be discarded or retried, never executed.
func (m *MCPMessage) Expired(now time.Time) bool {
	return !now.Before(m.Deadline())
}

// payloadRequired lists the types whose payload must be non-empty.
var payloadRequired = map[MessageType]bool{
	TypeTaskRequest:     true,
	TypeTaskResponse:    true,
	TypeTaskError:       true,
	TypeResourceRequest: true,
	TypeResourceDeny:    true,
	TypeStreamData:      true,
}

// Validate checks the envelope against the protocol invariants. Failures
// are reported as MALFORMED_MESSAGE errors and are never retried.
func (m *MCPMessage) Validate() error {
	switch {
	case m.ID == "":
		return NewError(ErrMalformedMessage, "missing id")
	case m.CorrelationID == "":
		return NewError(ErrMalformedMessage, "missing correlation_id")
	case m.Sender.IsZero():
		return NewError(ErrMalformedMessage, "missing sender")
	case m.Recipient.IsZero():
		return NewError(ErrMalformedMessage, "missing recipient")
	case !m.Type.Valid():
		return NewError(ErrMalformedMessage, "unknown message type "+string(m.Type))
	case m.TTL <= 0:
		return NewError(ErrMalformedMessage, "ttl must be positive")
	case m.Timestamp.IsZero():
		return NewError(ErrMalformedMessage, "missing timestamp")
	}
	if payloadRequired[m.Type] && len(m.Payload) == 0 {
		return NewError(ErrMalformedMessage, "type "+string(m.Type)+" requires a payload")
	}
	if m.Type == TypeTaskResponse || m.Type == TypeTaskError {
		if m.ParentID == "" {
			return NewError(ErrMalformedMessage, "response missing parent_id")
		}
	}
	return nil
}
