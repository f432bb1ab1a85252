package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/livecalc/streamlink/internal/wire"
)

// Manager owns one logical streaming connection: it dials, reconnects with
// exponential backoff, queues sends while disconnected, and correlates
// request/response pairs. Collaborators observe it through the Messages,
// StateChanges, and Errors channels.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	// Connection state. mu also orders queue flushes against new sends.
	mu             sync.Mutex
	state          State
	client         Client
	readStop       chan struct{}
	livenessStop   chan struct{}
	reconnectTimer *time.Timer
	attempts       int
	noReconnect    bool

	queue   *sendQueue
	pending *pendingTable

	// Batch coalescing (active only when cfg.BatchWindow > 0)
	batchMu    sync.Mutex
	batch      []wire.Envelope
	batchTimer *time.Timer

	// Output channels
	messages chan wire.Envelope
	states   chan bool
	errors   chan error

	// Stats
	statsMu     sync.Mutex
	sent        int64
	received    int64
	parseErrors int64
	lastPongAt  time.Time
}

// NewManager creates a Connection Manager. It does not connect; call
// Connect or EnsureConnection.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultConfig(cfg.URL).BufferSize
	}

	return &Manager{
		cfg:      cfg,
		logger:   logger,
		state:    StateDisconnected,
		queue:    newSendQueue(cfg.QueueCapacity),
		pending:  newPendingTable(),
		messages: make(chan wire.Envelope, cfg.BufferSize),
		states:   make(chan bool, 16),
		errors:   make(chan error, 16),
	}
}

// Messages returns inbound application envelopes. Internally handled
// ping/pong traffic is not delivered here.
func (m *Manager) Messages() <-chan wire.Envelope {
	return m.messages
}

// StateChanges reports connectivity transitions as a boolean stream.
func (m *Manager) StateChanges() <-chan bool {
	return m.states
}

// Errors reports transport-level failures, including the terminal ErrGiveUp
// once the reconnect attempt cap is reached.
func (m *Manager) Errors() <-chan error {
	return m.errors
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the connection. It is idempotent: a no-op when already
// connecting or connected. On success it resets the backoff state, flushes
// the outbound queue oldest-first, and starts the liveness ticker. On
// failure it schedules a reconnect per the backoff policy and returns the
// dial error.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}

	// An explicit connect supersedes any scheduled one and re-arms the
	// reconnect policy after a Disconnect.
	m.cancelReconnectLocked()
	m.noReconnect = false

	cl := NewClient(ClientConfig{
		URL:              m.cfg.URL,
		AuthToken:        m.cfg.AuthToken,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     m.cfg.WriteTimeout,
		BufferSize:       m.cfg.BufferSize,
	}, m.logger)

	m.state = StateConnecting
	m.client = cl
	m.mu.Unlock()

	if err := cl.Connect(ctx); err != nil {
		m.mu.Lock()
		if m.client == cl {
			m.client = nil
			m.state = StateDisconnected
		}
		m.mu.Unlock()

		m.logger.Warn("connect failed", "url", m.cfg.URL, "error", err)
		m.scheduleReconnect()
		return err
	}

	m.mu.Lock()
	if m.client != cl {
		// Disconnect raced the dial; drop the fresh transport.
		m.mu.Unlock()
		cl.Close()
		return ErrConnectionClosed
	}

	m.attempts = 0

	// Flush queued messages in insertion order before any new Send can
	// observe the connected state (Send serializes on mu).
	flushed := m.queue.Drain()
	for _, env := range flushed {
		m.writeEnvelope(cl, env)
	}

	m.state = StateConnected
	stop := make(chan struct{})
	m.readStop = stop
	m.startLivenessLocked()
	m.mu.Unlock()

	go m.readLoop(cl, stop)

	m.logger.Info("connected", "url", m.cfg.URL, "flushed", len(flushed))
	m.notifyState(true)

	return nil
}

// EnsureConnection connects only when no connection exists or is being
// established. A cheap idempotent guard for callers that don't track state.
func (m *Manager) EnsureConnection(ctx context.Context) error {
	m.mu.Lock()
	busy := m.state == StateConnecting || m.state == StateConnected
	m.mu.Unlock()

	if busy {
		return nil
	}
	return m.Connect(ctx)
}

// Disconnect closes the connection gracefully. It cancels any scheduled
// reconnect and the liveness ticker, fails outstanding pending requests,
// and does not auto-reconnect.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.state = StateClosing
	m.noReconnect = true
	m.cancelReconnectLocked()
	m.stopLivenessLocked()
	m.stopReadLoopLocked()

	cl := m.client
	m.client = nil
	wasConnected := cl != nil && cl.IsConnected()
	m.state = StateDisconnected
	m.mu.Unlock()

	m.flushBatchToQueue()

	if cl != nil {
		cl.Close()
	}

	m.pending.FailAll(ErrConnectionClosed)

	if wasConnected {
		m.notifyState(false)
	}
	m.logger.Info("disconnected")

	return nil
}

// Send transmits the envelope when connected and queues it otherwise. It
// never blocks and never fails for a disconnected state; at queue capacity
// the oldest entry is dropped. When batching is enabled, non-priority
// messages are coalesced into a batch envelope.
func (m *Manager) Send(env wire.Envelope) SendStatus {
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}

	m.mu.Lock()
	cl := m.client
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected {
		m.enqueue(env)
		return Queued
	}

	if m.cfg.BatchWindow > 0 && !env.Priority {
		m.addToBatch(env)
		return Sent
	}

	if err := m.writeEnvelope(cl, env); err != nil {
		// The transport died under us; keep the message.
		m.enqueue(env)
		return Queued
	}
	return Sent
}

// SendWithAck sends the envelope and returns a single-result channel that
// resolves with the matching ack reply, ErrTimeout, or ErrConnectionClosed.
func (m *Manager) SendWithAck(env wire.Envelope, timeout time.Duration) <-chan AckResult {
	if env.MessageID == "" {
		env.MessageID = wire.NewID()
	}

	ch := m.pending.Register(env.MessageID, timeout)
	m.Send(env)
	return ch
}

// HealthCheck sends a liveness probe and resolves nil on a matching reply.
// Fails immediately when not connected.
func (m *Manager) HealthCheck(timeout time.Duration) <-chan error {
	out := make(chan error, 1)

	if m.State() != StateConnected {
		out <- ErrNotConnected
		return out
	}

	probe := wire.New(wire.TypePing)
	probe.HealthCheckID = wire.NewID()
	probe.Priority = true

	ch := m.pending.Register(probe.HealthCheckID, timeout)
	m.Send(probe)

	go func() {
		res := <-ch
		out <- res.Err
	}()
	return out
}

// MeasureLatency sends a liveness probe and resolves with the wall-clock
// time between send and matching reply.
func (m *Manager) MeasureLatency(timeout time.Duration) <-chan LatencyResult {
	out := make(chan LatencyResult, 1)

	if m.State() != StateConnected {
		out <- LatencyResult{Err: ErrNotConnected}
		return out
	}

	probe := wire.New(wire.TypePing)
	probe.LatencyID = wire.NewID()
	probe.Priority = true

	start := time.Now()
	ch := m.pending.Register(probe.LatencyID, timeout)
	m.Send(probe)

	go func() {
		res := <-ch
		if res.Err != nil {
			out <- LatencyResult{Err: res.Err}
			return
		}
		out <- LatencyResult{Elapsed: time.Since(start)}
	}()
	return out
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	state := m.state
	attempts := m.attempts
	m.mu.Unlock()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	return Stats{
		State:             state,
		ReconnectAttempts: attempts,
		QueueLen:          m.queue.Len(),
		QueueDropped:      m.queue.Dropped(),
		MessagesSent:      m.sent,
		MessagesReceived:  m.received,
		ParseErrors:       m.parseErrors,
		PendingRequests:   m.pending.Len(),
		LastPongAt:        m.lastPongAt,
	}
}

// enqueue buffers an envelope for the next connect.
func (m *Manager) enqueue(env wire.Envelope) {
	if m.queue.Push(env) {
		m.logger.Debug("outbound queue full, dropped oldest message")
	}
}

// writeEnvelope serializes and transmits one envelope.
func (m *Manager) writeEnvelope(cl Client, env wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		m.logger.Warn("failed to encode envelope", "type", env.Type, "error", err)
		return err
	}
	if err := cl.Send(data); err != nil {
		return err
	}

	m.statsMu.Lock()
	m.sent++
	m.statsMu.Unlock()
	return nil
}

// addToBatch appends to the current coalescing window, opening one if needed.
func (m *Manager) addToBatch(env wire.Envelope) {
	m.batchMu.Lock()
	m.batch = append(m.batch, env)
	if m.batchTimer == nil {
		m.batchTimer = time.AfterFunc(m.cfg.BatchWindow, m.flushBatch)
	}
	m.batchMu.Unlock()
}

// flushBatch transmits the accumulated window as one batch envelope.
func (m *Manager) flushBatch() {
	m.batchMu.Lock()
	batch := m.batch
	m.batch = nil
	m.batchTimer = nil
	m.batchMu.Unlock()

	if len(batch) == 0 {
		return
	}

	m.mu.Lock()
	cl := m.client
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected {
		for _, env := range batch {
			m.enqueue(env)
		}
		return
	}

	if len(batch) == 1 {
		m.writeEnvelope(cl, batch[0])
		return
	}
	m.writeEnvelope(cl, wire.NewBatch(batch))
}

// flushBatchToQueue moves an open coalescing window into the queue.
func (m *Manager) flushBatchToQueue() {
	m.batchMu.Lock()
	batch := m.batch
	m.batch = nil
	if m.batchTimer != nil {
		m.batchTimer.Stop()
		m.batchTimer = nil
	}
	m.batchMu.Unlock()

	for _, env := range batch {
		m.enqueue(env)
	}
}

// readLoop consumes one transport's messages and errors until it dies or
// the manager detaches it.
func (m *Manager) readLoop(cl Client, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return

		case err := <-cl.Errors():
			m.handleConnectionLoss(cl, err)
			return

		case msg, ok := <-cl.Messages():
			if !ok {
				return
			}
			m.handleMessage(cl, msg)
		}
	}
}

// handleMessage decodes and dispatches one inbound payload.
func (m *Manager) handleMessage(cl Client, msg TimestampedMessage) {
	env, err := wire.Decode(msg.Data)
	if err != nil {
		m.statsMu.Lock()
		m.parseErrors++
		m.statsMu.Unlock()
		m.logger.Warn("discarding malformed message", "error", err)
		return
	}

	m.statsMu.Lock()
	m.received++
	m.statsMu.Unlock()

	switch env.Type {
	case wire.TypePing:
		// Auto-reply, echoing the correlation ids.
		m.writeEnvelope(cl, env.Pong())

	case wire.TypePong:
		m.statsMu.Lock()
		m.lastPongAt = msg.ReceivedAt
		m.statsMu.Unlock()
		// Liveness confirmation unless a caller is waiting on it.
		m.pending.Resolve(env)

	case wire.TypeAck:
		if !m.pending.Resolve(env) {
			m.logger.Debug("unmatched ack", "messageId", env.MessageID)
		}

	case wire.TypeBatch:
		for _, inner := range env.Messages {
			m.deliver(inner)
		}

	default:
		m.deliver(env)
	}
}

// deliver forwards an application envelope to collaborators.
func (m *Manager) deliver(env wire.Envelope) {
	select {
	case m.messages <- env:
	default:
		m.logger.Warn("inbound buffer full, dropping message", "type", env.Type)
	}
}

// handleConnectionLoss reacts to an abnormal closure: state change, pending
// cancellation, and a scheduled reconnect.
func (m *Manager) handleConnectionLoss(cl Client, err error) {
	m.mu.Lock()
	if m.client != cl {
		// A stale transport; the manager already moved on.
		m.mu.Unlock()
		return
	}
	m.client = nil
	m.state = StateDisconnected
	m.stopLivenessLocked()
	m.readStop = nil
	m.mu.Unlock()

	cl.Close()
	m.flushBatchToQueue()
	m.pending.FailAll(ErrConnectionClosed)

	m.logger.Warn("connection lost", "error", err)
	m.notifyError(err)
	m.notifyState(false)

	m.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next attempt, replacing
// any timer already armed. Past the attempt cap it emits ErrGiveUp instead.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()

	if m.noReconnect {
		// Disconnect won the race against a concurrent connection loss.
		m.mu.Unlock()
		return
	}

	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.mu.Unlock()
		m.logger.Error("giving up after max reconnect attempts",
			"attempts", m.cfg.MaxReconnectAttempts,
		)
		m.notifyError(ErrGiveUp)
		return
	}

	m.attempts++
	delay := backoffDelay(m.attempts, m.cfg.ReconnectBaseDelay, m.cfg.ReconnectMaxDelay)

	m.cancelReconnectLocked()
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		skip := m.noReconnect
		m.mu.Unlock()
		if skip {
			return
		}
		m.Connect(context.Background())
	})

	attempt := m.attempts
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
}

// backoffDelay computes min(base * 2^(attempt-1), max).
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// startLivenessLocked starts the periodic ping sender. Caller holds mu.
func (m *Manager) startLivenessLocked() {
	m.stopLivenessLocked()
	if m.cfg.PingInterval <= 0 {
		return
	}

	stop := make(chan struct{})
	m.livenessStop = stop

	go func() {
		ticker := time.NewTicker(m.cfg.PingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ping := wire.New(wire.TypePing)
				ping.Priority = true
				m.Send(ping)
			}
		}
	}()
}

// stopLivenessLocked stops the liveness ticker. Caller holds mu.
func (m *Manager) stopLivenessLocked() {
	if m.livenessStop != nil {
		close(m.livenessStop)
		m.livenessStop = nil
	}
}

// stopReadLoopLocked detaches the current read loop. Caller holds mu.
func (m *Manager) stopReadLoopLocked() {
	if m.readStop != nil {
		close(m.readStop)
		m.readStop = nil
	}
}

// cancelReconnectLocked disarms a scheduled reconnect. Caller holds mu.
func (m *Manager) cancelReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) notifyState(connected bool) {
	select {
	case m.states <- connected:
	default:
	}
}

func (m *Manager) notifyError(err error) {
	select {
	case m.errors <- err:
	default:
	}
}
