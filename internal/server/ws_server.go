package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/aipipeline/renderfarm/internal/dispatch"
	"github.com/aipipeline/renderfarm/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSServer terminates the websocket listeners: the worker dispatch channels
// and the read-only dashboard event feed.
type WSServer struct {
	server        *http.Server
	hub           *dispatch.Hub
	broadcaster   *dispatch.Broadcaster
	workerService *services.WorkerService
	jobService    *services.JobService
}

type WSServerConfig struct {
	Hub           *dispatch.Hub
	Broadcaster   *dispatch.Broadcaster
	WorkerService *services.WorkerService
	JobService    *services.JobService
	Host          string
	Port          int
}

func NewWSServer(config WSServerConfig) *WSServer {
	s := &WSServer{
		hub:           config.Hub,
		broadcaster:   config.Broadcaster,
		workerService: config.WorkerService,
		jobService:    config.JobService,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/worker", s.handleWorker)
	mux.HandleFunc("/ws/events", s.handleEvents)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler: mux,
	}

	return s
}

func (s *WSServer) Start() error {
	log.Printf("Starting websocket server on %s", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *WSServer) Shutdown(ctx context.Context) error {
	log.Println("Shutting down websocket server...")
	s.hub.Shutdown()
	return s.server.Shutdown(ctx)
}

// handleWorker upgrades a worker's dispatch channel and pumps its events into
// the services. One channel per node; the worker must have registered over
// HTTP first.
func (s *WSServer) handleWorker(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		http.Error(w, "node_id is required", http.StatusBadRequest)
		return
	}

	if _, err := s.workerService.GetWorker(nodeID); err != nil {
		http.Error(w, "unknown worker, register first", http.StatusNotFound)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade worker connection: %v", err)
		return
	}

	if err := s.hub.Attach(nodeID, ws); err != nil {
		log.Printf("Rejecting worker %s connection: %v", nodeID, err)
		ws.WriteJSON(map[string]string{"error": err.Error()})
		ws.Close()
		return
	}

	defer s.hub.Detach(nodeID, ws)

	for {
		var msg dispatch.WorkerMessage
		if err := ws.ReadJSON(&msg); err != nil {
			log.Printf("Worker %s connection closed: %v", nodeID, err)
			return
		}

		switch msg.Type {
		case dispatch.MessageTypeHeartbeat:
			if err := s.workerService.Heartbeat(nodeID, msg.Telemetry); err != nil {
				// The registry no longer knows this node. Drop the channel so
				// the agent re-registers on reconnect.
				log.Printf("Heartbeat from worker %s rejected, closing channel: %v", nodeID, err)
				ws.Close()
				return
			}
		case dispatch.MessageTypeJobStarted, dispatch.MessageTypeJobProgress,
			dispatch.MessageTypeJobCompleted, dispatch.MessageTypeJobFailed:
			s.jobService.HandleJobEvent(nodeID, &msg)
		default:
			log.Printf("Worker %s sent unexpected message type %s", nodeID, msg.Type)
		}
	}
}

// handleEvents serves the dashboard feed: a snapshot of current jobs on
// connect, then live job updates until the client goes away.
func (s *WSServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade dashboard connection: %v", err)
		return
	}

	jobs, err := s.jobService.ListJobs("", "")
	if err != nil {
		log.Printf("Failed to load jobs for dashboard snapshot: %v", err)
		ws.Close()
		return
	}

	snapshot, err := json.Marshal(map[string]any{
		"type": "initial_jobs",
		"jobs": jobs,
	})
	if err != nil {
		log.Printf("Failed to marshal dashboard snapshot: %v", err)
		ws.Close()
		return
	}
	if err := ws.WriteMessage(websocket.TextMessage, snapshot); err != nil {
		ws.Close()
		return
	}

	s.broadcaster.RegisterClient(ws)
	defer s.broadcaster.UnregisterClient(ws)

	// Dashboard clients are read-only; drain until disconnect.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
