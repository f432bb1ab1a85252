package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livecalc/streamlink/internal/version"
	"github.com/livecalc/streamlink/internal/wire"
)

// conn is one connected streaming client.
type conn struct {
	info ClientInfo
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The endpoint serves browser dashboards on other origins as well.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request and attaches the client to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &conn{
		info: newClientInfo(r.RemoteAddr),
		ws:   ws,
		send: make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}

	h.register(c)

	go h.writePump(c)

	// Greet before any broadcast can reach the client.
	welcome, err := wire.NewData(wire.TypeWelcome, map[string]string{
		"connectionId": c.info.ID,
		"version":      version.Version,
	})
	if err == nil {
		h.sendTo(c, mustEncode(welcome))
	}

	h.readPump(c)
}

// readPump reads client messages until the connection dies.
func (h *Hub) readPump(c *conn) {
	defer func() {
		h.unregister(c)
		c.close()
		c.ws.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("read error", "conn_id", c.info.ID, "error", err)
			}
			return
		}

		env, err := wire.Decode(data)
		if err != nil {
			// Malformed payloads are dropped; the connection stays up.
			h.statsMu.Lock()
			h.parseErrs++
			h.statsMu.Unlock()
			h.logger.Warn("discarding malformed message", "conn_id", c.info.ID, "error", err)
			continue
		}

		h.dispatch(c, env)
	}
}

// writePump serializes all writes for one client.
func (h *Hub) writePump(c *conn) {
	defer c.ws.Close()

	for {
		select {
		case <-c.done:
			// Hub-initiated shutdown: send a normal-closure frame.
			c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return

		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("write error", "conn_id", c.info.ID, "error", err)
				h.unregister(c)
				c.close()
				return
			}
		}
	}
}

func mustEncode(env wire.Envelope) []byte {
	data, _ := env.Encode()
	return data
}

// Pinger reports backend dependency health (e.g., the archive database).
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewMux builds the HTTP routes: /ws, /health, and /stats. pinger may be nil
// when no backing store is configured.
func NewMux(hub *Hub, pinger Pinger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", hub.ServeWS)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Version    string         `json:"version"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Version:    version.Version,
			Components: make(map[string]any),
		}

		health.Components["hub"] = map[string]any{
			"connections": hub.Count(),
		}

		if pinger != nil {
			if err := pinger.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["database"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["database"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(hub.Stats())
	})

	return mux
}
