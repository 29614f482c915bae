// WebSocket hub for streaming check results and crash alerts.
package reportapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/hyperfuzz/internal/harness"
	"github.com/atmx/hyperfuzz/internal/metrics"
	"github.com/atmx/hyperfuzz/internal/model"
	"github.com/atmx/hyperfuzz/internal/store"
)

// Message types sent to clients.
const (
	MsgCheckResult = "check_result"
	MsgRunFinished = "run_finished"
	MsgCrash       = "crash"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string                      `json:"type"`
	RunID     string                      `json:"run_id"`
	Scenario  string                      `json:"scenario,omitempty"`
	Status    model.RunStatus             `json:"status,omitempty"`
	Check     *model.InvariantCheckResult `json:"check,omitempty"`
	CrashID   string                      `json:"crash_id,omitempty"`
	Invariant string                      `json:"invariant,omitempty"`
	Seed      int64                       `json:"random_seed,omitempty"`
}

// WSHub manages WebSocket connections and broadcasts run events to every
// connected client. It implements harness.Observer.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	logger     *slog.Logger

	// FailuresOnly drops passing check results.
	FailuresOnly bool
}

var _ harness.Observer = (*WSHub)(nil)

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		logger:     logger,
	}
}

// Run starts the hub's event loop until ctx is done. Must be called in a
// goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.logger.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

func (h *WSHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
	metrics.WebSocketClients.Set(0)
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("ws message encode failed", "type", msg.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full so a run never waits on a slow client.
	}
}

// CheckResult streams one invariant result.
func (h *WSHub) CheckResult(runID string, r model.InvariantCheckResult) {
	if h.FailuresOnly && r.Passed {
		return
	}
	h.Broadcast(WSMessage{Type: MsgCheckResult, RunID: runID, Check: &r})
}

// RunFinished streams the run outcome, and the crash when there was one.
func (h *WSHub) RunFinished(r *model.FuzzRunReport) {
	h.Broadcast(WSMessage{
		Type:     MsgRunFinished,
		RunID:    r.RunID,
		Scenario: r.Scenario,
		Status:   r.Status,
		Seed:     r.RandomSeed,
	})
	if b := r.CrashDump; b != nil {
		h.Broadcast(WSMessage{
			Type:      MsgCrash,
			RunID:     r.RunID,
			Scenario:  r.Scenario,
			CrashID:   b.ID,
			Invariant: b.FailingInvariantName,
			Seed:      b.RandomSeed,
		})
	}
}

// ForwardCrashes relays crash alerts published by other processes until
// ctx is done or the subscription closes.
func (h *WSHub) ForwardCrashes(ctx context.Context, sub *redis.PubSub) {
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var alert store.CrashAlert
			if err := json.Unmarshal([]byte(m.Payload), &alert); err != nil {
				h.logger.Warn("ignoring malformed crash alert", "err", err)
				continue
			}
			h.Broadcast(WSMessage{
				Type:      MsgCrash,
				RunID:     alert.RunID,
				CrashID:   alert.CrashID,
				Invariant: alert.Invariant,
				Seed:      alert.Seed,
			})
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Report viewers are served from other origins.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
