package health

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aipipeline/renderfarm/internal/apperrors"
	"github.com/aipipeline/renderfarm/internal/db"
	"github.com/aipipeline/renderfarm/internal/dispatch"
	"github.com/aipipeline/renderfarm/internal/models"
	"github.com/aipipeline/renderfarm/internal/registry"
)

// DefaultMaxRequeues caps how often a job may be requeued after losing its
// worker before it is failed outright instead of looping forever.
const DefaultMaxRequeues = 3

// Config holds configuration for the health monitor
type Config struct {
	WorkerRegistry   registry.WorkerRegistry
	JobRepo          db.JobRepository
	Hub              *dispatch.Hub
	SweepInterval    time.Duration
	HeartbeatTimeout time.Duration
	MaxRequeues      int
	OnRequeue        func() // invoked after a job returns to pending
}

// Monitor periodically sweeps the registry for workers with lapsed
// heartbeats, marks them offline and requeues the jobs they were holding.
// This is the only path that returns a running job to pending.
type Monitor struct {
	workers          registry.WorkerRegistry
	jobs             db.JobRepository
	hub              *dispatch.Hub
	cron             *cron.Cron
	sweepInterval    time.Duration
	heartbeatTimeout time.Duration
	maxRequeues      int
	onRequeue        func()
}

// New creates a new health monitor
func New(cfg Config) *Monitor {
	sweepInterval := cfg.SweepInterval
	if sweepInterval == 0 {
		sweepInterval = 10 * time.Second
	}
	heartbeatTimeout := cfg.HeartbeatTimeout
	if heartbeatTimeout == 0 {
		heartbeatTimeout = registry.DefaultHeartbeatTimeout
	}
	maxRequeues := cfg.MaxRequeues
	if maxRequeues == 0 {
		maxRequeues = DefaultMaxRequeues
	}

	return &Monitor{
		workers:          cfg.WorkerRegistry,
		jobs:             cfg.JobRepo,
		hub:              cfg.Hub,
		cron:             cron.New(),
		sweepInterval:    sweepInterval,
		heartbeatTimeout: heartbeatTimeout,
		maxRequeues:      maxRequeues,
		onRequeue:        cfg.OnRequeue,
	}
}

// Start schedules the periodic sweep
func (m *Monitor) Start() error {
	spec := fmt.Sprintf("@every %ds", int(m.sweepInterval.Seconds()))
	if _, err := m.cron.AddFunc(spec, m.Sweep); err != nil {
		return fmt.Errorf("failed to schedule health sweep: %w", err)
	}

	m.cron.Start()
	log.Printf("Health monitor started: sweep %s, heartbeat timeout %s",
		m.sweepInterval, m.heartbeatTimeout)
	return nil
}

// Stop halts the sweep schedule
func (m *Monitor) Stop() {
	m.cron.Stop()
	log.Println("Health monitor stopped")
}

// Sweep runs one health check cycle: expire lapsed workers, recover their
// jobs, and reconcile any busy worker whose job is no longer active.
func (m *Monitor) Sweep() {
	orphans := m.workers.SweepExpired(m.heartbeatTimeout)

	for _, orphan := range orphans {
		if m.hub != nil {
			m.hub.Close(orphan.NodeID)
		}
		m.recoverJob(orphan.NodeID, orphan.JobID)
	}

	m.reconcileBusyWorkers()
	m.reconcileAssignedJobs()
}

// recoverJob returns an orphaned job to pending, or fails it once the
// requeue budget is spent
func (m *Monitor) recoverJob(nodeID, jobID string) {
	job, err := m.jobs.GetJobByID(jobID)
	if err != nil {
		log.Printf("Orphaned job %s from worker %s not found: %v", jobID, nodeID, err)
		return
	}

	if models.IsTerminalJobStatus(job.Status) {
		// A completion event won the race against the sweep; nothing to do.
		return
	}

	if job.RequeueCount >= m.maxRequeues {
		msg := fmt.Sprintf("worker lost repeatedly (%d requeues), giving up", job.RequeueCount)
		if err := m.jobs.FailJob(jobID, nodeID, msg); err != nil {
			log.Printf("Failed to dead-letter job %s: %v", jobID, err)
			return
		}
		log.Printf("Job %s failed after %d requeues (last worker %s)", jobID, job.RequeueCount, nodeID)
		return
	}

	if _, err := m.jobs.RequeueJob(jobID); err != nil {
		if apperrors.IsInvalidTransition(err) {
			// Terminal-state rejection: a racing event settled the job first.
			log.Printf("Job %s already settled, skipping requeue: %v", jobID, err)
			return
		}
		log.Printf("Failed to requeue orphaned job %s: %v", jobID, err)
		return
	}

	log.Printf("Job %s requeued after worker %s went offline", jobID, nodeID)

	if m.onRequeue != nil {
		m.onRequeue()
	}
}

// reconcileBusyWorkers releases any busy worker whose current job is no
// longer queued or running, keeping worker state and job state consistent
// even if a release was lost to a crash or race.
func (m *Monitor) reconcileBusyWorkers() {
	for _, w := range m.workers.List(models.WorkerStatusBusy) {
		if w.CurrentJobID == "" {
			continue
		}

		job, err := m.jobs.GetJobByID(w.CurrentJobID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				log.Printf("Busy worker %s references unknown job %s, releasing", w.ID, w.CurrentJobID)
				m.release(w.ID)
			}
			continue
		}

		active := (job.Status == models.JobStatusQueued || job.Status == models.JobStatusRunning) &&
			job.AssignedWorkerID != nil && *job.AssignedWorkerID == w.ID
		if !active {
			log.Printf("Busy worker %s holds inactive job %s (status %s), releasing", w.ID, job.ID, job.Status)
			m.release(w.ID)
		}
	}
}

// reconcileAssignedJobs is the inverse check: every queued or running job
// must have a worker that is busy with exactly that job. A re-registration
// resets a worker to idle without touching its old assignment, which would
// otherwise leave the job in flight forever.
func (m *Monitor) reconcileAssignedJobs() {
	for _, status := range []string{models.JobStatusQueued, models.JobStatusRunning} {
		jobs, err := m.jobs.ListJobs("", status)
		if err != nil {
			log.Printf("Failed to list %s jobs for reconciliation: %v", status, err)
			continue
		}

		for _, job := range jobs {
			if job.AssignedWorkerID == nil {
				continue
			}
			workerID := *job.AssignedWorkerID

			if state, ok := m.workers.Get(workerID); ok &&
				state.Status == models.WorkerStatusBusy && state.CurrentJobID == job.ID {
				continue
			}

			log.Printf("Job %s assigned to worker %s which no longer holds it, recovering", job.ID, workerID)
			m.recoverJob(workerID, job.ID)
		}
	}
}

func (m *Monitor) release(nodeID string) {
	if err := m.workers.Release(nodeID); err != nil {
		log.Printf("Failed to release worker %s: %v", nodeID, err)
	}
}
