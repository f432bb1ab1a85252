package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope message types. Application-defined types are allowed; everything
// below is handled by the connection layer or the server hub.
const (
	TypePing      = "ping"
	TypePong      = "pong"
	TypeAck       = "ack"
	TypeBatch     = "batch"
	TypeWelcome   = "welcome"
	TypeHeartbeat = "heartbeat"
	TypeStats     = "stats"
	TypeError     = "error"
)

// Envelope is the wire format for a single message.
type Envelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds

	// Correlation ids. A reply carries the same id under the same field
	// name as the request that triggered it.
	MessageID     string `json:"messageId,omitempty"`
	HealthCheckID string `json:"healthCheckId,omitempty"`
	LatencyID     string `json:"latencyId,omitempty"`

	// Priority messages bypass batch coalescing.
	Priority bool `json:"priority,omitempty"`

	// Data is the opaque application payload.
	Data json.RawMessage `json:"data,omitempty"`

	// Messages is populated for TypeBatch envelopes only.
	Messages []Envelope `json:"messages,omitempty"`
}

// New creates an envelope of the given type with the current timestamp.
func New(msgType string) Envelope {
	return Envelope{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewData creates an application envelope carrying a JSON-serializable payload.
func NewData(msgType string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env := New(msgType)
	env.Data = data
	return env, nil
}

// NewBatch wraps messages into a single batch envelope.
func NewBatch(messages []Envelope) Envelope {
	env := New(TypeBatch)
	env.Messages = messages
	return env
}

// NewID returns a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

// CorrelationID returns the envelope's correlation id, checking the id
// fields in a fixed order. Empty when the envelope carries none.
func (e Envelope) CorrelationID() string {
	switch {
	case e.MessageID != "":
		return e.MessageID
	case e.HealthCheckID != "":
		return e.HealthCheckID
	case e.LatencyID != "":
		return e.LatencyID
	}
	return ""
}

// Pong builds the reply for a ping envelope, echoing its correlation ids.
func (e Envelope) Pong() Envelope {
	pong := New(TypePong)
	pong.MessageID = e.MessageID
	pong.HealthCheckID = e.HealthCheckID
	pong.LatencyID = e.LatencyID
	return pong
}

// Ack builds the acknowledgment reply for an envelope carrying a messageId.
func (e Envelope) Ack() Envelope {
	ack := New(TypeAck)
	ack.MessageID = e.MessageID
	return ack
}

// Decode parses a raw payload into an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode serializes the envelope.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
