package web

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bridge"
)

const (
	DefaultBroadcastInterval = 500 * time.Millisecond

	writeWait = 2 * time.Second
)

// Message is the websocket envelope in both directions
type Message struct {
	Type     string           `json:"type"`
	Snapshot *bridge.Snapshot `json:"snapshot,omitempty"`
	Control  *ControlRequest  `json:"control,omitempty"`
	Error    string           `json:"error,omitempty"`
}

const (
	MessageTypeSnapshot = "snapshot"
	MessageTypeControl  = "control"
	MessageTypeError    = "error"
)

// Hub streams snapshots to every connected websocket client and accepts
// control messages from them
type Hub struct {
	logger   *log.Logger
	source   SnapshotSource
	control  func(value []byte)
	interval time.Duration
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewHub(source SnapshotSource, control func(value []byte), interval time.Duration, logger *log.Logger) *Hub {
	if logger == nil {
		panic("Hub: logger cannot be nil")
	}
	if interval <= 0 {
		interval = DefaultBroadcastInterval
	}
	return &Hub{
		logger:   logger,
		source:   source,
		control:  control,
		interval: interval,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]struct{}),
	}
}

// Run broadcasts a snapshot every interval until ctx is cancelled, then
// closes all clients
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.Broadcast()
		}
	}
}

// Broadcast sends the current snapshot to all clients, dropping the ones
// that fail
func (h *Hub) Broadcast() {
	snap := h.source.Snapshot()
	msg := Message{Type: MessageTypeSnapshot, Snapshot: &snap}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("Hub: upgrade failed: %v", err)
		return
	}

	snap := h.source.Snapshot()
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteJSON(Message{Type: MessageTypeSnapshot, Snapshot: &snap})
	h.mu.Unlock()
	h.logger.Printf("Hub: client connected: %s", conn.RemoteAddr())

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
		h.logger.Printf("Hub: client disconnected: %s", conn.RemoteAddr())
	}()
	if err != nil {
		return
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		h.handleMessage(conn, msg)
	}
}

func (h *Hub) handleMessage(conn *websocket.Conn, msg Message) {
	if msg.Type != MessageTypeControl || msg.Control == nil {
		h.reply(conn, Message{Type: MessageTypeError, Error: "unsupported message"})
		return
	}
	value, err := msg.Control.ControlPointWrite()
	if err != nil {
		h.reply(conn, Message{Type: MessageTypeError, Error: err.Error()})
		return
	}
	if h.control != nil {
		h.control(value)
	}
}

func (h *Hub) reply(conn *websocket.Conn, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Printf("Hub: reply to %s: %v", conn.RemoteAddr(), err)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		delete(h.clients, conn)
	}
}
