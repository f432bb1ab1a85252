package connection

import (
	"errors"
	"strings"
	"time"

	"github.com/livecalc/streamlink/internal/wire"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrTimeout          = errors.New("request timeout")
	ErrConnectionClosed = errors.New("connection closed")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrGiveUp           = errors.New("max reconnect attempts reached")
)

// State is the lifecycle state of the managed connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
)

// SendStatus reports how Send disposed of a message.
type SendStatus int

const (
	// Sent means the message was transmitted (or handed to the batcher).
	Sent SendStatus = iota

	// Queued means the message was buffered until the next connect.
	Queued
)

// TimestampedMessage wraps raw payload bytes with a receive timestamp.
type TimestampedMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// AckResult resolves a SendWithAck call.
type AckResult struct {
	Reply wire.Envelope
	Err   error
}

// LatencyResult resolves a MeasureLatency call.
type LatencyResult struct {
	Elapsed time.Duration
	Err     error
}

// ClientConfig configures the underlying WebSocket transport.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., ws://localhost:8080/ws)
	AuthToken        string        // Optional bearer token for the upgrade request
	HandshakeTimeout time.Duration // Dial handshake deadline
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// Config configures the Connection Manager.
type Config struct {
	URL       string // WebSocket URL of the streaming endpoint
	AuthToken string // Optional bearer token

	MaxReconnectAttempts int           // Reconnect attempt cap
	ReconnectBaseDelay   time.Duration // First backoff delay
	ReconnectMaxDelay    time.Duration // Backoff cap
	PingInterval         time.Duration // Liveness ping period
	QueueCapacity        int           // Bounded outbound queue size
	BatchWindow          time.Duration // Coalescing window; 0 disables batching

	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Outbound channel buffer sizes
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		MaxReconnectAttempts: 10,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		PingInterval:         30 * time.Second,
		QueueCapacity:        100,
		WriteTimeout:         5 * time.Second,
		BufferSize:           1000,
	}
}

// Stats is a point-in-time snapshot of manager counters.
type Stats struct {
	State             State
	ReconnectAttempts int
	QueueLen          int
	QueueDropped      int64
	MessagesSent      int64
	MessagesReceived  int64
	ParseErrors       int64
	PendingRequests   int
	LastPongAt        time.Time
}

// WebSocketURL converts an http(s) endpoint to its ws(s) equivalent,
// preserving the path. Already-websocket URLs pass through unchanged.
func WebSocketURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}
