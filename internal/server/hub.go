package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livecalc/streamlink/internal/wire"
)

// Config configures the hub.
type Config struct {
	HeartbeatInterval time.Duration // Heartbeat broadcast period; 0 disables
	StatsInterval     time.Duration // Stats broadcast period; 0 disables
	WriteTimeout      time.Duration // Write deadline per client
	SendBuffer        int           // Per-client outbound buffer
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		StatsInterval:     5 * time.Second,
		WriteTimeout:      5 * time.Second,
		SendBuffer:        256,
	}
}

// MessageHandler receives application envelopes from connected clients.
// Ping/pong, ack, and batch envelopes are handled by the hub itself.
type MessageHandler func(client ClientInfo, env wire.Envelope)

// ClientInfo is per-connection metadata.
type ClientInfo struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time
}

// HubStats is a snapshot of hub counters.
type HubStats struct {
	ActiveConnections int   `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	MessagesReceived  int64 `json:"messages_received"`
	MessagesSent      int64 `json:"messages_sent"`
	Broadcasts        int64 `json:"broadcasts"`
	SendDrops         int64 `json:"send_drops"`
	ParseErrors       int64 `json:"parse_errors"`
}

// Hub manages the set of connected streaming clients.
type Hub struct {
	cfg     Config
	logger  *slog.Logger
	handler MessageHandler

	mu    sync.RWMutex
	conns map[string]*conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats
	statsMu    sync.Mutex
	totalConns int64
	received   int64
	sent       int64
	broadcasts int64
	sendDrops  int64
	parseErrs  int64
}

// NewHub creates a hub. The handler may be nil when the server only pushes.
func NewHub(cfg Config, handler MessageHandler, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
		conns:   make(map[string]*conn),
	}
}

// Start begins the periodic heartbeat and stats broadcasts.
func (h *Hub) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	if h.cfg.HeartbeatInterval > 0 {
		h.wg.Add(1)
		go h.broadcastLoop(h.cfg.HeartbeatInterval, h.heartbeatEnvelope)
	}
	if h.cfg.StatsInterval > 0 {
		h.wg.Add(1)
		go h.broadcastLoop(h.cfg.StatsInterval, h.statsEnvelope)
	}

	h.logger.Info("hub started",
		"heartbeat_interval", h.cfg.HeartbeatInterval,
		"stats_interval", h.cfg.StatsInterval,
	)
	return nil
}

// Stop disconnects all clients and waits for goroutines.
func (h *Hub) Stop(ctx context.Context) error {
	h.logger.Info("stopping hub")

	if h.cancel != nil {
		h.cancel()
	}

	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*conn)
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub stopped")
	case <-ctx.Done():
		h.logger.Warn("hub stop timed out")
	}
	return nil
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Stats returns current hub statistics.
func (h *Hub) Stats() HubStats {
	active := h.Count()

	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return HubStats{
		ActiveConnections: active,
		TotalConnections:  h.totalConns,
		MessagesReceived:  h.received,
		MessagesSent:      h.sent,
		Broadcasts:        h.broadcasts,
		SendDrops:         h.sendDrops,
		ParseErrors:       h.parseErrs,
	}
}

// Broadcast sends an envelope to every connected client. Slow clients whose
// buffers are full have the message dropped rather than blocking the hub.
func (h *Hub) Broadcast(env wire.Envelope) {
	data, err := env.Encode()
	if err != nil {
		h.logger.Warn("failed to encode broadcast", "type", env.Type, "error", err)
		return
	}

	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.sendTo(c, data)
	}

	h.statsMu.Lock()
	h.broadcasts++
	h.statsMu.Unlock()
}

// SendTo sends an envelope to one client by connection id.
func (h *Hub) SendTo(id string, env wire.Envelope) bool {
	h.mu.RLock()
	c, ok := h.conns[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	data, err := env.Encode()
	if err != nil {
		h.logger.Warn("failed to encode message", "type", env.Type, "error", err)
		return false
	}
	h.sendTo(c, data)
	return true
}

// register adds a freshly upgraded connection.
func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c.info.ID] = c
	count := len(h.conns)
	h.mu.Unlock()

	h.statsMu.Lock()
	h.totalConns++
	h.statsMu.Unlock()

	h.logger.Info("client connected",
		"conn_id", c.info.ID,
		"remote", c.info.RemoteAddr,
		"total", count,
	)
}

// unregister removes a connection; safe to call more than once.
func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	_, present := h.conns[c.info.ID]
	delete(h.conns, c.info.ID)
	count := len(h.conns)
	h.mu.Unlock()

	if present {
		h.logger.Info("client disconnected",
			"conn_id", c.info.ID,
			"remote", c.info.RemoteAddr,
			"total", count,
		)
	}
}

// sendTo queues raw bytes for one client without blocking.
func (h *Hub) sendTo(c *conn, data []byte) {
	select {
	case <-c.done:
		return
	case c.send <- data:
		h.statsMu.Lock()
		h.sent++
		h.statsMu.Unlock()
	default:
		h.statsMu.Lock()
		h.sendDrops++
		h.statsMu.Unlock()
		h.logger.Warn("client send buffer full, dropping", "conn_id", c.info.ID)
	}
}

// dispatch handles one decoded envelope from a client.
func (h *Hub) dispatch(c *conn, env wire.Envelope) {
	h.statsMu.Lock()
	h.received++
	h.statsMu.Unlock()

	switch env.Type {
	case wire.TypePing:
		h.SendTo(c.info.ID, env.Pong())

	case wire.TypePong:
		// Liveness confirmation only.

	case wire.TypeBatch:
		for _, inner := range env.Messages {
			h.dispatch(c, inner)
		}

	default:
		if env.MessageID != "" {
			h.SendTo(c.info.ID, env.Ack())
		}
		if h.handler != nil {
			h.handler(c.info, env)
		}
	}
}

// broadcastLoop periodically broadcasts the envelope produced by build.
func (h *Hub) broadcastLoop(interval time.Duration, build func() wire.Envelope) {
	defer h.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.Broadcast(build())
		}
	}
}

func (h *Hub) heartbeatEnvelope() wire.Envelope {
	return wire.New(wire.TypeHeartbeat)
}

func (h *Hub) statsEnvelope() wire.Envelope {
	env, err := wire.NewData(wire.TypeStats, h.Stats())
	if err != nil {
		return wire.New(wire.TypeStats)
	}
	return env
}

func newClientInfo(remoteAddr string) ClientInfo {
	return ClientInfo{
		ID:          uuid.NewString(),
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
	}
}
