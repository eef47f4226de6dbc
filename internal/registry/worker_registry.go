package registry

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/aipipeline/renderfarm/internal/apperrors"
	"github.com/aipipeline/renderfarm/internal/models"
)

// WorkerRegistry is the authoritative record of live worker state. All
// busy/idle transitions go through Claim and Release, which are atomic per
// node: two scheduling passes racing to claim the same idle worker cannot
// both succeed.
type WorkerRegistry interface {
	// Register adds a worker (or revives a known one) as idle. The simulated
	// flag marks registration-time VRAM numbers as fabricated fallback data.
	Register(node *models.Worker, capabilities []string, simulated bool)

	// Remove deletes a worker from the registry.
	Remove(nodeID string)

	// Heartbeat refreshes telemetry and the liveness timestamp. An unknown
	// node returns ErrNotFound; the worker must re-register.
	Heartbeat(nodeID string, t Telemetry) error

	// Claim atomically transitions an idle worker to busy with the given job.
	// Any other current status returns ErrConflict.
	Claim(nodeID, jobID string) error

	// Release transitions a busy worker back to idle and clears its job.
	Release(nodeID string) error

	// MarkOffline forces a worker offline, returning the job it held, if any.
	MarkOffline(nodeID string) (orphanJobID string, known bool)

	// SweepExpired marks every worker whose heartbeat lapsed as offline and
	// returns the jobs they were holding.
	SweepExpired(timeout time.Duration) []Orphan

	// Get returns a snapshot of one worker's live state.
	Get(nodeID string) (WorkerState, bool)

	// List returns snapshots in registration order, optionally filtered by
	// status ("" returns all).
	List(statusFilter string) []WorkerState

	// Subscribe adds an observer for status change events.
	Subscribe(observer Observer)

	// Unsubscribe removes an observer.
	Unsubscribe(observer Observer)
}

// workerRegistryImpl is the concrete implementation of WorkerRegistry
type workerRegistryImpl struct {
	workers map[string]*WorkerState
	nextSeq int
	mu      sync.RWMutex

	observers   []Observer
	observersMu sync.RWMutex
}

// NewWorkerRegistry creates a new WorkerRegistry instance
func NewWorkerRegistry() WorkerRegistry {
	return &workerRegistryImpl{
		workers: make(map[string]*WorkerState),
	}
}

// Register adds a worker as idle, or revives a known worker. A revived worker
// gets a fresh registration sequence: it queues behind nodes that stayed up.
// A job the previous session held is not touched here; the health monitor's
// assignment reconciliation recovers it.
func (r *workerRegistryImpl) Register(node *models.Worker, capabilities []string, simulated bool) {
	r.mu.Lock()

	prev := models.WorkerStatusOffline
	if existing, ok := r.workers[node.ID]; ok {
		prev = existing.Status
	}

	r.workers[node.ID] = &WorkerState{
		ID:            node.ID,
		Hostname:      node.Hostname,
		Capabilities:  capabilities,
		Status:        models.WorkerStatusIdle,
		VRAMTotalMB:   node.VRAMTotalMB,
		Simulated:     simulated,
		LastHeartbeat: time.Now(),
		Seq:           r.nextSeq,
	}
	r.nextSeq++
	r.mu.Unlock()

	log.Printf("Worker %s (%s) registered in registry", node.ID, node.Hostname)

	if prev != models.WorkerStatusIdle {
		r.notify(StatusChangedEvent{
			NodeID:         node.ID,
			PreviousStatus: prev,
			CurrentStatus:  models.WorkerStatusIdle,
		})
	}
}

// Remove deletes a worker from the registry
func (r *workerRegistryImpl) Remove(nodeID string) {
	r.mu.Lock()
	delete(r.workers, nodeID)
	r.mu.Unlock()

	log.Printf("Worker %s removed from registry", nodeID)
}

// Heartbeat refreshes a worker's telemetry and liveness timestamp. A worker
// that was offline comes back as idle; offline is never entered here, only by
// the health monitor or an unreachable dispatch send.
func (r *workerRegistryImpl) Heartbeat(nodeID string, t Telemetry) error {
	r.mu.Lock()

	w, ok := r.workers[nodeID]
	if !ok {
		r.mu.Unlock()
		return apperrors.NotFoundf("worker %s", nodeID)
	}

	w.LastHeartbeat = time.Now()
	w.GPUs = t.GPUs
	w.Simulated = t.Simulated

	if len(t.GPUs) > 0 {
		var total, used int64
		utilization := 0
		for _, gpu := range t.GPUs {
			total += gpu.MemoryTotalMB
			used += gpu.MemoryUsedMB
			if gpu.Utilization > utilization {
				utilization = gpu.Utilization
			}
		}
		w.VRAMTotalMB = total
		w.VRAMUsedMB = used
		w.Utilization = utilization
	}

	var event *StatusChangedEvent
	if w.Status == models.WorkerStatusOffline {
		w.Status = models.WorkerStatusIdle
		w.CurrentJobID = ""
		event = &StatusChangedEvent{
			NodeID:         nodeID,
			PreviousStatus: models.WorkerStatusOffline,
			CurrentStatus:  models.WorkerStatusIdle,
		}
	}
	r.mu.Unlock()

	if event != nil {
		log.Printf("Worker %s heartbeat received, back online as idle", nodeID)
		r.notify(*event)
	}

	return nil
}

// Claim atomically marks an idle worker busy with a job. This is the single
// compare-and-set the scheduling model relies on.
func (r *workerRegistryImpl) Claim(nodeID, jobID string) error {
	r.mu.Lock()

	w, ok := r.workers[nodeID]
	if !ok {
		r.mu.Unlock()
		return apperrors.NotFoundf("worker %s", nodeID)
	}

	if w.Status != models.WorkerStatusIdle {
		status := w.Status
		r.mu.Unlock()
		return apperrors.Conflictf("worker %s is %s, cannot claim for job %s", nodeID, status, jobID)
	}

	w.Status = models.WorkerStatusBusy
	w.CurrentJobID = jobID
	r.mu.Unlock()

	r.notify(StatusChangedEvent{
		NodeID:         nodeID,
		PreviousStatus: models.WorkerStatusIdle,
		CurrentStatus:  models.WorkerStatusBusy,
	})

	return nil
}

// Release returns a busy worker to idle and clears its current job
func (r *workerRegistryImpl) Release(nodeID string) error {
	r.mu.Lock()

	w, ok := r.workers[nodeID]
	if !ok {
		r.mu.Unlock()
		return apperrors.NotFoundf("worker %s", nodeID)
	}

	if w.Status == models.WorkerStatusOffline {
		r.mu.Unlock()
		return apperrors.Conflictf("worker %s is offline, cannot release", nodeID)
	}

	prev := w.Status
	w.Status = models.WorkerStatusIdle
	w.CurrentJobID = ""
	r.mu.Unlock()

	if prev != models.WorkerStatusIdle {
		r.notify(StatusChangedEvent{
			NodeID:         nodeID,
			PreviousStatus: prev,
			CurrentStatus:  models.WorkerStatusIdle,
		})
	}

	return nil
}

// MarkOffline forces a worker offline and surrenders the job it held
func (r *workerRegistryImpl) MarkOffline(nodeID string) (string, bool) {
	r.mu.Lock()

	w, ok := r.workers[nodeID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}

	prev := w.Status
	orphan := w.CurrentJobID
	w.Status = models.WorkerStatusOffline
	w.CurrentJobID = ""
	r.mu.Unlock()

	if prev != models.WorkerStatusOffline {
		r.notify(StatusChangedEvent{
			NodeID:         nodeID,
			PreviousStatus: prev,
			CurrentStatus:  models.WorkerStatusOffline,
		})
	}

	return orphan, true
}

// SweepExpired marks workers with lapsed heartbeats offline and collects the
// jobs they were holding
func (r *workerRegistryImpl) SweepExpired(timeout time.Duration) []Orphan {
	now := time.Now()

	r.mu.Lock()
	var expired []string
	for id, w := range r.workers {
		if w.Status == models.WorkerStatusOffline {
			continue
		}
		if now.Sub(w.LastHeartbeat) > timeout {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	var orphans []Orphan
	for _, id := range expired {
		jobID, ok := r.MarkOffline(id)
		if !ok {
			continue
		}
		log.Printf("Worker %s heartbeat lapsed, marked offline", id)
		if jobID != "" {
			orphans = append(orphans, Orphan{NodeID: id, JobID: jobID})
		}
	}

	return orphans
}

// Get returns a snapshot of one worker's live state
func (r *workerRegistryImpl) Get(nodeID string) (WorkerState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[nodeID]
	if !ok {
		return WorkerState{}, false
	}
	return *w, true
}

// List returns worker snapshots in registration order
func (r *workerRegistryImpl) List(statusFilter string) []WorkerState {
	r.mu.RLock()
	states := make([]WorkerState, 0, len(r.workers))
	for _, w := range r.workers {
		if statusFilter != "" && w.Status != statusFilter {
			continue
		}
		states = append(states, *w)
	}
	r.mu.RUnlock()

	sort.Slice(states, func(i, j int) bool {
		return states[i].Seq < states[j].Seq
	})

	return states
}

// Subscribe adds an observer to receive status change notifications
func (r *workerRegistryImpl) Subscribe(observer Observer) {
	r.observersMu.Lock()
	defer r.observersMu.Unlock()
	r.observers = append(r.observers, observer)
}

// Unsubscribe removes an observer from receiving status change notifications
func (r *workerRegistryImpl) Unsubscribe(observer Observer) {
	r.observersMu.Lock()
	defer r.observersMu.Unlock()

	for i, obs := range r.observers {
		if obs == observer {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			break
		}
	}
}

// notify sends a status change event to all registered observers
func (r *workerRegistryImpl) notify(event StatusChangedEvent) {
	r.observersMu.RLock()
	observers := make([]Observer, len(r.observers))
	copy(observers, r.observers)
	r.observersMu.RUnlock()

	for _, observer := range observers {
		observer.OnEvent(event)
	}
}
