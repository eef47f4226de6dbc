package dispatch

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aipipeline/renderfarm/internal/apperrors"
)

// DefaultWriteTimeout bounds how long a dispatch send may block on the wire.
// A timed-out write is treated identically to a missing connection.
const DefaultWriteTimeout = 10 * time.Second

// Hub tracks the one logical dispatch channel per connected worker, addressed
// by node ID. Sends to a node without a live channel fail with ErrUnreachable
// so the scheduler can requeue immediately instead of waiting for the health
// sweep.
type Hub struct {
	mu           sync.RWMutex
	conns        map[string]*workerConn
	writeTimeout time.Duration
}

// workerConn serializes writes to a single websocket connection
type workerConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// NewHub creates a new dispatch hub
func NewHub(writeTimeout time.Duration) *Hub {
	if writeTimeout == 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Hub{
		conns:        make(map[string]*workerConn),
		writeTimeout: writeTimeout,
	}
}

// Attach registers a worker's connection. A node may hold only one channel at
// a time; a second connection is rejected.
func (h *Hub) Attach(nodeID string, ws *websocket.Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.conns[nodeID]; exists {
		return apperrors.Conflictf("worker %s is already connected", nodeID)
	}

	h.conns[nodeID] = &workerConn{ws: ws}
	log.Printf("Worker %s attached to dispatch hub", nodeID)
	return nil
}

// Detach removes a worker's connection if it is still the attached one.
// Passing the connection guards against a reconnect race where a fresh
// channel would otherwise be torn down by the old read loop's cleanup.
func (h *Hub) Detach(nodeID string, ws *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn, exists := h.conns[nodeID]; exists && conn.ws == ws {
		delete(h.conns, nodeID)
		log.Printf("Worker %s detached from dispatch hub", nodeID)
	}
}

// Send delivers a JSON message to a worker's channel. Write failures tear the
// connection down and surface as ErrUnreachable.
func (h *Hub) Send(nodeID string, v any) error {
	h.mu.RLock()
	conn, exists := h.conns[nodeID]
	h.mu.RUnlock()

	if !exists {
		return apperrors.Unreachablef("worker %s has no dispatch channel", nodeID)
	}

	conn.mu.Lock()
	conn.ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	err := conn.ws.WriteJSON(v)
	conn.mu.Unlock()

	if err != nil {
		log.Printf("Dispatch send to worker %s failed: %v", nodeID, err)
		h.closeConn(nodeID, conn)
		return apperrors.Unreachablef("worker %s: %v", nodeID, err)
	}

	return nil
}

// closeConn tears down a specific connection. Like Detach, the map entry is
// removed only if it still holds this connection, so a failed send on a stale
// channel cannot sever a worker that has since reconnected.
func (h *Hub) closeConn(nodeID string, conn *workerConn) {
	h.mu.Lock()
	if current, exists := h.conns[nodeID]; exists && current == conn {
		delete(h.conns, nodeID)
	}
	h.mu.Unlock()

	conn.ws.Close()
}

// IsConnected reports whether a worker currently holds a dispatch channel
func (h *Hub) IsConnected(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, exists := h.conns[nodeID]
	return exists
}

// Close tears down a worker's connection if present
func (h *Hub) Close(nodeID string) {
	h.mu.Lock()
	conn, exists := h.conns[nodeID]
	if exists {
		delete(h.conns, nodeID)
	}
	h.mu.Unlock()

	if exists {
		conn.ws.Close()
	}
}

// Shutdown closes every worker connection
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*workerConn)
	h.mu.Unlock()

	for nodeID, conn := range conns {
		conn.ws.Close()
		log.Printf("Closed dispatch channel for worker %s", nodeID)
	}
}
