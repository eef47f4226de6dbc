package services

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/aipipeline/renderfarm/internal/apperrors"
	"github.com/aipipeline/renderfarm/internal/db"
	"github.com/aipipeline/renderfarm/internal/dispatch"
	"github.com/aipipeline/renderfarm/internal/models"
	"github.com/aipipeline/renderfarm/internal/registry"
)

// RegisterWorkerRequest is the inbound worker registration payload. NodeID is
// optional: a worker that kept its ID across restarts reclaims its identity,
// a blank ID mints a new one.
type RegisterWorkerRequest struct {
	NodeID       string   `json:"node_id"`
	Hostname     string   `json:"hostname"`
	Capabilities []string `json:"capabilities"`
	VRAMTotalMB  int64    `json:"vram_total_mb"`
	// Simulated marks the VRAM figure as fabricated fallback data, so the
	// scheduler never VRAM-gates on it before the first heartbeat arrives.
	Simulated bool `json:"simulated"`
}

// RegisterWorkerResponse returns the node ID the worker must use on its
// dispatch channel and in heartbeats.
type RegisterWorkerResponse struct {
	NodeID string `json:"node_id"`
}

// WorkerService manages worker node lifecycle: registration, heartbeats and
// the merged durable/live view served over the API.
type WorkerService struct {
	store    *db.Store
	registry registry.WorkerRegistry
	hub      *dispatch.Hub
}

// NewWorkerService creates a new worker service
func NewWorkerService(store *db.Store, reg registry.WorkerRegistry, hub *dispatch.Hub) *WorkerService {
	return &WorkerService{
		store:    store,
		registry: reg,
		hub:      hub,
	}
}

// Register creates or revives a worker node and places it in the registry as
// idle.
func (s *WorkerService) Register(req *RegisterWorkerRequest) (*RegisterWorkerResponse, error) {
	if req.Hostname == "" {
		return nil, apperrors.InvalidArgumentf("hostname is required")
	}
	if len(req.Capabilities) == 0 {
		return nil, apperrors.InvalidArgumentf("at least one capability is required")
	}

	worker, err := s.resolveWorker(req)
	if err != nil {
		return nil, err
	}

	s.registry.Register(worker, req.Capabilities, req.Simulated)
	log.Printf("Worker %s (%s) registered with capabilities %v", worker.ID, worker.Hostname, req.Capabilities)

	return &RegisterWorkerResponse{NodeID: worker.ID}, nil
}

// resolveWorker finds the existing row for a returning node and refreshes its
// declaration, or creates a new row.
func (s *WorkerService) resolveWorker(req *RegisterWorkerRequest) (*models.Worker, error) {
	if req.NodeID != "" {
		existing, err := s.store.WorkerRepo.GetWorkerByID(req.NodeID)
		if err == nil {
			existing.Hostname = req.Hostname
			existing.VRAMTotalMB = req.VRAMTotalMB
			if err := existing.SetCapabilityList(req.Capabilities); err != nil {
				return nil, err
			}
			if err := s.store.WorkerRepo.UpdateWorker(existing.ID, existing.Hostname,
				existing.Capabilities, existing.VRAMTotalMB); err != nil {
				return nil, err
			}
			return existing, nil
		}
		if !apperrors.IsNotFound(err) {
			return nil, err
		}
		// Unknown ID, likely a stale state file after a database reset. Fall
		// through and mint a fresh identity.
		log.Printf("Worker presented unknown node ID %s, assigning a new one", req.NodeID)
	}

	now := time.Now()
	worker := &models.Worker{
		ID:          uuid.New().String(),
		Hostname:    req.Hostname,
		VRAMTotalMB: req.VRAMTotalMB,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := worker.SetCapabilityList(req.Capabilities); err != nil {
		return nil, err
	}

	if err := s.store.WorkerRepo.CreateWorker(worker); err != nil {
		return nil, err
	}

	return worker, nil
}

// Heartbeat records a worker's liveness and telemetry. An unknown node gets
// ErrNotFound; the caller should drop the connection so the agent re-registers.
func (s *WorkerService) Heartbeat(nodeID string, report *dispatch.TelemetryReport) error {
	t := registry.Telemetry{}
	if report != nil {
		t.GPUs = report.GPUs
		t.CPUPercent = report.CPUPercent
		t.RAMPercent = report.RAMPercent
		t.Simulated = report.Simulated
	}
	return s.registry.Heartbeat(nodeID, t)
}

// GetWorker returns a single worker merged with its live registry state
func (s *WorkerService) GetWorker(id string) (*models.WorkerWithStatus, error) {
	worker, err := s.store.WorkerRepo.GetWorkerByID(id)
	if err != nil {
		return nil, err
	}
	return s.withStatus(worker), nil
}

// ListWorkers returns every worker merged with live registry state. A row
// with no registry entry is offline.
func (s *WorkerService) ListWorkers() ([]*models.WorkerWithStatus, error) {
	workers, err := s.store.WorkerRepo.GetAllWorkers()
	if err != nil {
		return nil, err
	}

	result := make([]*models.WorkerWithStatus, 0, len(workers))
	for _, worker := range workers {
		result = append(result, s.withStatus(worker))
	}
	return result, nil
}

// RemoveWorker deletes a worker that holds no active jobs
func (s *WorkerService) RemoveWorker(id string) error {
	if _, err := s.store.WorkerRepo.GetWorkerByID(id); err != nil {
		return err
	}

	if state, ok := s.registry.Get(id); ok && state.Status == models.WorkerStatusBusy {
		return apperrors.Conflictf("worker %s is busy with job %s", id, state.CurrentJobID)
	}

	active, err := s.store.JobRepo.CountActiveForWorker(id)
	if err != nil {
		return err
	}
	if active > 0 {
		return apperrors.Conflictf("worker %s has %d active jobs", id, active)
	}

	s.registry.Remove(id)
	s.hub.Close(id)

	if err := s.store.WorkerRepo.DeleteWorker(id); err != nil {
		return err
	}

	log.Printf("Worker %s removed", id)
	return nil
}

// withStatus merges a worker row with its live registry state
func (s *WorkerService) withStatus(worker *models.Worker) *models.WorkerWithStatus {
	ws := &models.WorkerWithStatus{
		ID:           worker.ID,
		Hostname:     worker.Hostname,
		Capabilities: worker.CapabilityList(),
		VRAMTotalMB:  worker.VRAMTotalMB,
		Status:       models.WorkerStatusOffline,
		CreatedAt:    worker.CreatedAt,
		UpdatedAt:    worker.UpdatedAt,
	}

	state, ok := s.registry.Get(worker.ID)
	if !ok {
		return ws
	}

	ws.Status = state.Status
	ws.Simulated = state.Simulated
	ws.VRAMTotalMB = state.VRAMTotalMB
	ws.VRAMUsedMB = state.VRAMUsedMB
	ws.GPUUtilization = state.Utilization
	ws.GPUs = state.GPUs

	if state.CurrentJobID != "" {
		jobID := state.CurrentJobID
		ws.CurrentJobID = &jobID
	}
	if !state.LastHeartbeat.IsZero() {
		hb := state.LastHeartbeat
		ws.LastHeartbeat = &hb
	}

	return ws
}
