package dispatch

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/aipipeline/renderfarm/internal/models"
)

// Broadcaster fans job updates out to dashboard websocket clients. Clients
// are read-only observers; a failed write drops the client.
type Broadcaster struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
}

// NewBroadcaster creates a new dashboard broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Start begins the broadcaster's event loop
func (b *Broadcaster) Start() {
	go func() {
		for {
			select {
			case client := <-b.register:
				b.mu.Lock()
				b.clients[client] = true
				count := len(b.clients)
				b.mu.Unlock()
				log.Printf("Dashboard client connected. Total clients: %d", count)
			case client := <-b.unregister:
				b.mu.Lock()
				if _, ok := b.clients[client]; ok {
					delete(b.clients, client)
					client.Close()
				}
				count := len(b.clients)
				b.mu.Unlock()
				log.Printf("Dashboard client disconnected. Remaining clients: %d", count)
			case message := <-b.broadcast:
				b.mu.Lock()
				for client := range b.clients {
					if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
						client.Close()
						delete(b.clients, client)
					}
				}
				b.mu.Unlock()
			}
		}
	}()
}

// RegisterClient adds a dashboard client
func (b *Broadcaster) RegisterClient(conn *websocket.Conn) {
	b.register <- conn
}

// UnregisterClient removes a dashboard client
func (b *Broadcaster) UnregisterClient(conn *websocket.Conn) {
	b.unregister <- conn
}

// BroadcastJobUpdate pushes a job's current state to all dashboard clients
func (b *Broadcaster) BroadcastJobUpdate(job *models.Job) {
	data, err := json.Marshal(map[string]any{
		"type": "job_update",
		"job":  job,
	})
	if err != nil {
		log.Printf("Failed to marshal job update: %v", err)
		return
	}

	select {
	case b.broadcast <- data:
	default:
		log.Printf("Broadcast queue full, dropping job update for %s", job.ID)
	}
}
