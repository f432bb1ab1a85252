package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livecalc/streamlink/internal/wire"
)

// recordingServer is a test WebSocket server that records every decoded
// envelope it receives and can reply through its conn.
type recordingServer struct {
	*httptest.Server

	mu       sync.Mutex
	received []wire.Envelope
	conns    int
}

// newRecordingServer starts a server whose handler is called per envelope.
// A nil handler just records.
func newRecordingServer(t *testing.T, handler func(conn *websocket.Conn, env wire.Envelope)) *recordingServer {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	rs := &recordingServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		rs.mu.Lock()
		rs.conns++
		rs.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := wire.Decode(data)
			if err != nil {
				continue
			}

			rs.mu.Lock()
			rs.received = append(rs.received, env)
			rs.mu.Unlock()

			if handler != nil {
				handler(conn, env)
			}
		}
	}))

	return rs
}

func (rs *recordingServer) envelopes() []wire.Envelope {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]wire.Envelope, len(rs.received))
	copy(out, rs.received)
	return out
}

func (rs *recordingServer) connCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.conns
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ackingHandler replies to pings with pongs and to correlated messages with acks.
func ackingHandler(conn *websocket.Conn, env wire.Envelope) {
	var reply wire.Envelope
	switch {
	case env.Type == wire.TypePing:
		reply = env.Pong()
	case env.MessageID != "":
		reply = env.Ack()
	default:
		return
	}
	data, _ := reply.Encode()
	conn.WriteMessage(websocket.TextMessage, data)
}

func testManagerConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.PingInterval = 0 // keep periodic pings out of recorded traffic
	cfg.ReconnectBaseDelay = 50 * time.Millisecond
	cfg.ReconnectMaxDelay = 200 * time.Millisecond
	return cfg
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}

	for i, w := range want {
		attempt := i + 1
		if got := backoffDelay(attempt, base, max); got != w {
			t.Errorf("backoffDelay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestManager_ConnectDisconnect(t *testing.T) {
	server := newRecordingServer(t, nil)
	defer server.Close()

	mgr := NewManager(testManagerConfig(wsURL(server.Server)), nil)

	if mgr.State() != StateDisconnected {
		t.Errorf("initial State() = %v, want %v", mgr.State(), StateDisconnected)
	}

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if mgr.State() != StateConnected {
		t.Errorf("State() = %v, want %v", mgr.State(), StateConnected)
	}

	// Connect is idempotent while connected.
	if err := mgr.Connect(context.Background()); err != nil {
		t.Errorf("second Connect failed: %v", err)
	}
	if server.connCount() != 1 {
		t.Errorf("connCount = %d, want 1", server.connCount())
	}

	select {
	case connected := <-mgr.StateChanges():
		if !connected {
			t.Error("expected connected=true state change")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for state change")
	}

	if err := mgr.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if mgr.State() != StateDisconnected {
		t.Errorf("State() after Disconnect = %v, want %v", mgr.State(), StateDisconnected)
	}

	select {
	case connected := <-mgr.StateChanges():
		if connected {
			t.Error("expected connected=false state change")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for disconnect state change")
	}
}

func TestManager_SendQueuedWhileDisconnected(t *testing.T) {
	mgr := NewManager(testManagerConfig("ws://localhost:12345"), nil)

	if status := mgr.Send(wire.New("echo")); status != Queued {
		t.Errorf("Send() = %v, want Queued", status)
	}

	stats := mgr.Stats()
	if stats.QueueLen != 1 {
		t.Errorf("QueueLen = %d, want 1", stats.QueueLen)
	}
}

func TestManager_QueueFlushOrder(t *testing.T) {
	// Capacity 3: queue A, B, C, D while disconnected. A is dropped and the
	// connect flushes B, C, D in that order.
	server := newRecordingServer(t, nil)
	defer server.Close()

	cfg := testManagerConfig(wsURL(server.Server))
	cfg.QueueCapacity = 3
	mgr := NewManager(cfg, nil)

	for _, typ := range []string{"A", "B", "C", "D"} {
		if status := mgr.Send(wire.New(typ)); status != Queued {
			t.Fatalf("Send(%s) = %v, want Queued", typ, status)
		}
	}

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer mgr.Disconnect()

	waitFor(t, time.Second, func() bool {
		return len(server.envelopes()) == 3
	}, "timeout waiting for flushed messages")

	got := server.envelopes()
	for i, want := range []string{"B", "C", "D"} {
		if got[i].Type != want {
			t.Errorf("flushed[%d].Type = %q, want %q", i, got[i].Type, want)
		}
	}

	if mgr.Stats().QueueDropped != 1 {
		t.Errorf("QueueDropped = %d, want 1", mgr.Stats().QueueDropped)
	}
}

func TestManager_SendWithAck(t *testing.T) {
	server := newRecordingServer(t, ackingHandler)
	defer server.Close()

	mgr := NewManager(testManagerConfig(wsURL(server.Server)), nil)
	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer mgr.Disconnect()

	env, err := wire.NewData("echo", map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("NewData failed: %v", err)
	}

	select {
	case res := <-mgr.SendWithAck(env, time.Second):
		if res.Err != nil {
			t.Fatalf("ack error: %v", res.Err)
		}
		if res.Reply.Type != wire.TypeAck {
			t.Errorf("Reply.Type = %q, want %q", res.Reply.Type, wire.TypeAck)
		}
		if res.Reply.MessageID == "" {
			t.Error("Reply.MessageID should be set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for ack")
	}

	if mgr.Stats().PendingRequests != 0 {
		t.Errorf("PendingRequests = %d, want 0", mgr.Stats().PendingRequests)
	}
}

func TestManager_SendWithAckTimeout(t *testing.T) {
	// Server records but never acks.
	server := newRecordingServer(t, nil)
	defer server.Close()

	mgr := NewManager(testManagerConfig(wsURL(server.Server)), nil)
	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer mgr.Disconnect()

	ch := mgr.SendWithAck(wire.New("echo"), 50*time.Millisecond)

	select {
	case res := <-ch:
		if !errors.Is(res.Err, ErrTimeout) {
			t.Errorf("Err = %v, want ErrTimeout", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for timeout result")
	}

	// No second result even after a late window.
	time.Sleep(100 * time.Millisecond)
	select {
	case extra := <-ch:
		t.Errorf("received second result: %+v", extra)
	default:
	}
}

func TestManager_DisconnectFailsPending(t *testing.T) {
	server := newRecordingServer(t, nil)
	defer server.Close()

	mgr := NewManager(testManagerConfig(wsURL(server.Server)), nil)
	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ch := mgr.SendWithAck(wire.New("echo"), time.Minute)
	mgr.Disconnect()

	select {
	case res := <-ch:
		if !errors.Is(res.Err, ErrConnectionClosed) {
			t.Errorf("Err = %v, want ErrConnectionClosed", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for cancellation")
	}
}

func TestManager_HealthCheck(t *testing.T) {
	server := newRecordingServer(t, ackingHandler)
	defer server.Close()

	mgr := NewManager(testManagerConfig(wsURL(server.Server)), nil)
	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer mgr.Disconnect()

	select {
	case err := <-mgr.HealthCheck(time.Second):
		if err != nil {
			t.Errorf("HealthCheck error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for health check")
	}
}

func TestManager_HealthCheckNotConnected(t *testing.T) {
	mgr := NewManager(testManagerConfig("ws://localhost:12345"), nil)

	select {
	case err := <-mgr.HealthCheck(time.Second):
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("Err = %v, want ErrNotConnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected immediate failure")
	}
}

func TestManager_HealthCheckTimeoutStaysConnected(t *testing.T) {
	// Server stays silent; a probe timeout is not a connection failure.
	server := newRecordingServer(t, nil)
	defer server.Close()

	mgr := NewManager(testManagerConfig(wsURL(server.Server)), nil)
	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer mgr.Disconnect()

	select {
	case err := <-mgr.HealthCheck(50 * time.Millisecond):
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("Err = %v, want ErrTimeout", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for health check result")
	}

	if mgr.State() != StateConnected {
		t.Errorf("State() = %v, want %v after probe timeout", mgr.State(), StateConnected)
	}
}

func TestManager_MeasureLatency(t *testing.T) {
	server := newRecordingServer(t, ackingHandler)
	defer server.Close()

	mgr := NewManager(testManagerConfig(wsURL(server.Server)), nil)
	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer mgr.Disconnect()

	select {
	case res := <-mgr.MeasureLatency(time.Second):
		if res.Err != nil {
			t.Fatalf("MeasureLatency error: %v", res.Err)
		}
		if res.Elapsed <= 0 {
			t.Errorf("Elapsed = %v, want > 0", res.Elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for latency result")
	}
}

func TestManager_PeerPingAnswered(t *testing.T) {
	pongCh := make(chan wire.Envelope, 1)
	var once sync.Once

	server := newRecordingServer(t, func(conn *websocket.Conn, env wire.Envelope) {
		if env.Type == wire.TypePong {
			select {
			case pongCh <- env:
			default:
			}
			return
		}
		// First application message triggers a server-side ping.
		once.Do(func() {
			ping := wire.New(wire.TypePing)
			ping.HealthCheckID = "srv-hc-1"
			data, _ := ping.Encode()
			conn.WriteMessage(websocket.TextMessage, data)
		})
	})
	defer server.Close()

	mgr := NewManager(testManagerConfig(wsURL(server.Server)), nil)
	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer mgr.Disconnect()

	mgr.Send(wire.New("echo"))

	select {
	case pong := <-pongCh:
		if pong.HealthCheckID != "srv-hc-1" {
			t.Errorf("pong.HealthCheckID = %q, want srv-hc-1", pong.HealthCheckID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for pong")
	}
}

func TestManager_BatchCoalescing(t *testing.T) {
	server := newRecordingServer(t, nil)
	defer server.Close()

	cfg := testManagerConfig(wsURL(server.Server))
	cfg.BatchWindow = 50 * time.Millisecond
	mgr := NewManager(cfg, nil)

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer mgr.Disconnect()

	for i := 0; i < 3; i++ {
		if status := mgr.Send(wire.New("echo")); status != Sent {
			t.Errorf("Send() = %v, want Sent", status)
		}
	}

	waitFor(t, time.Second, func() bool {
		return len(server.envelopes()) >= 1
	}, "timeout waiting for batch flush")

	got := server.envelopes()
	if len(got) != 1 {
		t.Fatalf("received %d envelopes, want 1 coalesced batch", len(got))
	}
	if got[0].Type != wire.TypeBatch {
		t.Errorf("Type = %q, want %q", got[0].Type, wire.TypeBatch)
	}
	if len(got[0].Messages) != 3 {
		t.Errorf("len(Messages) = %d, want 3", len(got[0].Messages))
	}
}

func TestManager_PriorityBypassesBatch(t *testing.T) {
	server := newRecordingServer(t, nil)
	defer server.Close()

	cfg := testManagerConfig(wsURL(server.Server))
	cfg.BatchWindow = 200 * time.Millisecond
	mgr := NewManager(cfg, nil)

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer mgr.Disconnect()

	urgent := wire.New("alert")
	urgent.Priority = true
	mgr.Send(urgent)

	// The priority message arrives well before the batch window closes.
	waitFor(t, 100*time.Millisecond, func() bool {
		return len(server.envelopes()) == 1
	}, "timeout waiting for priority send")

	if got := server.envelopes()[0]; got.Type != "alert" {
		t.Errorf("Type = %q, want alert", got.Type)
	}
}

func TestManager_ReconnectAfterLoss(t *testing.T) {
	server := newRecordingServer(t, func(conn *websocket.Conn, env wire.Envelope) {
		// Kill the first connection on its first message.
		conn.Close()
	})
	defer server.Close()

	cfg := testManagerConfig(wsURL(server.Server))
	mgr := NewManager(cfg, nil)

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer mgr.Disconnect()

	mgr.Send(wire.New("echo"))

	// The manager should observe the loss and dial again on its own.
	waitFor(t, 3*time.Second, func() bool {
		return server.connCount() >= 2 && mgr.State() == StateConnected
	}, "timeout waiting for automatic reconnect")

	select {
	case err := <-mgr.Errors():
		if err == nil {
			t.Error("expected non-nil connection loss error")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for loss notification")
	}
}

func TestManager_DisconnectCancelsReconnect(t *testing.T) {
	server := newRecordingServer(t, func(conn *websocket.Conn, env wire.Envelope) {
		conn.Close()
	})
	defer server.Close()

	cfg := testManagerConfig(wsURL(server.Server))
	cfg.ReconnectBaseDelay = 200 * time.Millisecond
	mgr := NewManager(cfg, nil)

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	mgr.Send(wire.New("echo"))

	// Wait for the loss to be observed and a reconnect to be scheduled.
	waitFor(t, 2*time.Second, func() bool {
		return mgr.State() == StateDisconnected
	}, "timeout waiting for connection loss")

	mgr.Disconnect()

	// Past the backoff delay there must be no new dial.
	before := server.connCount()
	time.Sleep(500 * time.Millisecond)

	if got := server.connCount(); got != before {
		t.Errorf("connCount = %d after Disconnect, want %d", got, before)
	}
	if mgr.State() != StateDisconnected {
		t.Errorf("State() = %v, want %v", mgr.State(), StateDisconnected)
	}
}

func TestManager_GiveUpAfterMaxAttempts(t *testing.T) {
	cfg := testManagerConfig("ws://localhost:1") // nothing listens here
	cfg.MaxReconnectAttempts = 2
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 20 * time.Millisecond
	mgr := NewManager(cfg, nil)

	if err := mgr.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}

	select {
	case err := <-mgr.Errors():
		if !errors.Is(err, ErrGiveUp) {
			t.Errorf("Err = %v, want ErrGiveUp", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for give-up")
	}

	if mgr.State() != StateDisconnected {
		t.Errorf("State() = %v, want %v", mgr.State(), StateDisconnected)
	}
}

func TestManager_EnsureConnection(t *testing.T) {
	server := newRecordingServer(t, nil)
	defer server.Close()

	mgr := NewManager(testManagerConfig(wsURL(server.Server)), nil)

	if err := mgr.EnsureConnection(context.Background()); err != nil {
		t.Fatalf("EnsureConnection failed: %v", err)
	}
	defer mgr.Disconnect()

	if mgr.State() != StateConnected {
		t.Errorf("State() = %v, want %v", mgr.State(), StateConnected)
	}

	// Second call is a no-op on the live connection.
	if err := mgr.EnsureConnection(context.Background()); err != nil {
		t.Errorf("second EnsureConnection failed: %v", err)
	}
	if server.connCount() != 1 {
		t.Errorf("connCount = %d, want 1", server.connCount())
	}
}

func TestManager_InboundBatchUnpacked(t *testing.T) {
	var once sync.Once
	server := newRecordingServer(t, func(conn *websocket.Conn, env wire.Envelope) {
		once.Do(func() {
			batch := wire.NewBatch([]wire.Envelope{
				wire.New("first"),
				wire.New("second"),
			})
			data, _ := batch.Encode()
			conn.WriteMessage(websocket.TextMessage, data)
		})
	})
	defer server.Close()

	mgr := NewManager(testManagerConfig(wsURL(server.Server)), nil)
	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer mgr.Disconnect()

	mgr.Send(wire.New("echo"))

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case env := <-mgr.Messages():
			got = append(got, env.Type)
		case <-timeout:
			t.Fatalf("timeout, received %v", got)
		}
	}

	if got[0] != "first" || got[1] != "second" {
		t.Errorf("delivered types = %v, want [first second]", got)
	}
}

func TestManager_MalformedInboundCounted(t *testing.T) {
	var once sync.Once
	server := newRecordingServer(t, func(conn *websocket.Conn, env wire.Envelope) {
		once.Do(func() {
			conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		})
	})
	defer server.Close()

	mgr := NewManager(testManagerConfig(wsURL(server.Server)), nil)
	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer mgr.Disconnect()

	mgr.Send(wire.New("echo"))

	waitFor(t, 2*time.Second, func() bool {
		return mgr.Stats().ParseErrors == 1
	}, "timeout waiting for parse error count")

	// The connection survives a malformed message.
	if mgr.State() != StateConnected {
		t.Errorf("State() = %v, want %v", mgr.State(), StateConnected)
	}
}
