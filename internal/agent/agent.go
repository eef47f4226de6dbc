package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aipipeline/renderfarm/internal/dispatch"
)

// DefaultReconnectDelay paces reconnect attempts after the master drops
const DefaultReconnectDelay = 5 * time.Second

// Config holds the worker agent's configuration
type Config struct {
	MasterAPIURL      string // http://host:port
	MasterWSURL       string // ws://host:port
	ComfyURL          string
	WorkflowsDir      string
	OutputDir         string
	StateFile         string // persists the node ID across restarts
	Capabilities      []string
	HeartbeatInterval time.Duration
	Hostname          string
}

// Agent is the worker-side daemon: it registers with the master, holds the
// dispatch channel open, heartbeats telemetry and executes assigned jobs one
// at a time.
type Agent struct {
	cfg       Config
	comfy     *ComfyClient
	telemetry *TelemetryCollector
	http      *http.Client

	nodeID string

	connMu sync.Mutex
	conn   *websocket.Conn

	jobMu      sync.Mutex
	currentJob string
	cancelJob  context.CancelFunc
}

// New creates a worker agent
func New(cfg Config) *Agent {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Hostname = h
		} else {
			cfg.Hostname = "unknown"
		}
	}

	return &Agent{
		cfg:       cfg,
		comfy:     NewComfyClient(cfg.ComfyURL, "renderfarm-worker"),
		telemetry: NewTelemetryCollector(cfg.Hostname),
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

// Run registers with the master and services the dispatch channel until the
// context is cancelled, reconnecting with a fixed delay on any failure.
func (a *Agent) Run(ctx context.Context) error {
	for {
		if err := a.session(ctx); err != nil {
			log.Printf("Session ended: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(DefaultReconnectDelay):
		}
	}
}

// session performs one register-connect-serve cycle
func (a *Agent) session(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	wsURL := fmt.Sprintf("%s/ws/worker?node_id=%s", a.cfg.MasterWSURL, a.nodeID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dispatch channel dial failed: %w", err)
	}

	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()

	log.Printf("Connected to master as node %s", a.nodeID)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()
	defer a.cancelCurrentJob("")

	go a.heartbeatLoop(sessionCtx)

	return a.readLoop(sessionCtx, conn)
}

// register announces this node to the master, reusing the node ID from the
// state file when one exists. The master may assign a fresh ID after a reset.
func (a *Agent) register(ctx context.Context) error {
	savedID := a.loadNodeID()

	report := a.telemetry.Collect()
	var vramTotal int64
	for _, gpu := range report.GPUs {
		vramTotal += gpu.MemoryTotalMB
	}

	body, err := json.Marshal(map[string]any{
		"node_id":       savedID,
		"hostname":      a.cfg.Hostname,
		"capabilities":  a.cfg.Capabilities,
		"vram_total_mb": vramTotal,
		"simulated":     report.Simulated,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.MasterAPIURL+"/api/workers/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register returned %d", resp.StatusCode)
	}

	var result struct {
		NodeID string `json:"node_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	if result.NodeID == "" {
		return fmt.Errorf("register response carried no node_id")
	}

	a.nodeID = result.NodeID
	if a.nodeID != savedID {
		a.saveNodeID(a.nodeID)
	}

	return nil
}

// heartbeatLoop sends telemetry at a fixed cadence until the session ends
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msg := &dispatch.WorkerMessage{
			Type:      dispatch.MessageTypeHeartbeat,
			NodeID:    a.nodeID,
			Telemetry: a.telemetry.Collect(),
		}
		if err := a.send(msg); err != nil {
			log.Printf("Heartbeat send failed: %v", err)
			return
		}
	}
}

// readLoop processes commands from the master until the connection drops
func (a *Agent) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var cmd dispatch.Command
		if err := conn.ReadJSON(&cmd); err != nil {
			return fmt.Errorf("dispatch channel closed: %w", err)
		}

		switch cmd.Type {
		case dispatch.MessageTypeJobAssign:
			a.startJob(ctx, &cmd)
		case dispatch.MessageTypeJobCancel:
			a.cancelCurrentJob(cmd.JobID)
		default:
			log.Printf("Ignoring unknown command type %s", cmd.Type)
		}
	}
}

// startJob launches the executor for an assigned job. The node runs one job
// at a time; a second assignment is a master-side accounting bug and gets
// rejected rather than silently queued.
func (a *Agent) startJob(ctx context.Context, cmd *dispatch.Command) {
	a.jobMu.Lock()
	if a.currentJob != "" {
		busy := a.currentJob
		a.jobMu.Unlock()
		log.Printf("Rejecting job %s: already running job %s", cmd.JobID, busy)
		a.send(&dispatch.WorkerMessage{
			Type:   dispatch.MessageTypeJobFailed,
			NodeID: a.nodeID,
			JobID:  cmd.JobID,
			Error:  "worker is already running a job",
		})
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	a.currentJob = cmd.JobID
	a.cancelJob = cancel
	a.jobMu.Unlock()

	log.Printf("Starting job %s (%s)", cmd.JobID, cmd.WorkflowType)

	executor := NewExecutor(a.comfy, a.cfg.WorkflowsDir, a.cfg.OutputDir, func(v any) error {
		if msg, ok := v.(*dispatch.WorkerMessage); ok {
			msg.NodeID = a.nodeID
		}
		return a.send(v)
	})

	go func() {
		defer func() {
			a.jobMu.Lock()
			a.currentJob = ""
			a.cancelJob = nil
			a.jobMu.Unlock()
			cancel()
		}()
		executor.Run(jobCtx, cmd.JobID, cmd.WorkflowType, cmd.Params)
	}()
}

// cancelCurrentJob stops the running job. An empty jobID cancels whatever is
// running; a mismatched ID is a stale cancel for a job already gone.
func (a *Agent) cancelCurrentJob(jobID string) {
	a.jobMu.Lock()
	defer a.jobMu.Unlock()

	if a.cancelJob == nil {
		return
	}
	if jobID != "" && jobID != a.currentJob {
		log.Printf("Ignoring cancel for job %s, currently running %s", jobID, a.currentJob)
		return
	}

	log.Printf("Cancelling job %s", a.currentJob)
	a.cancelJob()
}

// send serializes writes to the dispatch channel
func (a *Agent) send(v any) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()

	if a.conn == nil {
		return fmt.Errorf("not connected")
	}
	a.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return a.conn.WriteJSON(v)
}

// loadNodeID reads the persisted node ID, if any
func (a *Agent) loadNodeID() string {
	data, err := os.ReadFile(a.cfg.StateFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// saveNodeID persists the node ID for the next restart
func (a *Agent) saveNodeID(id string) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.StateFile), 0o755); err != nil {
		log.Printf("Failed to create state dir: %v", err)
		return
	}
	if err := os.WriteFile(a.cfg.StateFile, []byte(id), 0o644); err != nil {
		log.Printf("Failed to persist node ID: %v", err)
	}
}
