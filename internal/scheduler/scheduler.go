package scheduler

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/aipipeline/renderfarm/internal/db"
	"github.com/aipipeline/renderfarm/internal/dispatch"
	"github.com/aipipeline/renderfarm/internal/models"
	"github.com/aipipeline/renderfarm/internal/registry"
)

// Dispatcher is the outbound half of the dispatch channel the scheduler needs
type Dispatcher interface {
	Send(nodeID string, v any) error
}

// Config holds configuration for the scheduler
type Config struct {
	JobRepo        db.JobRepository
	WorkerRegistry registry.WorkerRegistry
	Dispatcher     Dispatcher
	SweepInterval  time.Duration // safety sweep for jobs stuck in pending
}

// Scheduler matches pending jobs to eligible workers. It holds no state of
// its own: every pass recomputes from the job store and the registry, so
// running it twice with no state change assigns nothing further.
type Scheduler struct {
	jobs       db.JobRepository
	workers    registry.WorkerRegistry
	dispatcher Dispatcher

	kick          chan struct{}
	sweepInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
}

// New creates a new scheduler instance
func New(cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	sweepInterval := cfg.SweepInterval
	if sweepInterval == 0 {
		sweepInterval = 30 * time.Second
	}

	return &Scheduler{
		jobs:          cfg.JobRepo,
		workers:       cfg.WorkerRegistry,
		dispatcher:    cfg.Dispatcher,
		kick:          make(chan struct{}, 1),
		sweepInterval: sweepInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start runs the scheduling loop until Stop is called. Passes run on every
// kick and on a fixed interval as a safety sweep.
func (s *Scheduler) Start() {
	log.Println("Scheduler started")

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	s.schedulePass()

	for {
		select {
		case <-s.kick:
			s.schedulePass()
		case <-ticker.C:
			s.schedulePass()
		case <-s.ctx.Done():
			log.Println("Scheduler stopped")
			return
		}
	}
}

// Stop gracefully stops the scheduler
func (s *Scheduler) Stop() {
	s.cancel()
}

// Kick requests a scheduling pass. Non-blocking; a pending kick coalesces
// with any number of further kicks.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// OnEvent lets the scheduler observe registry status changes: a worker
// arriving at idle means capacity freed up.
func (s *Scheduler) OnEvent(event registry.StatusChangedEvent) {
	if event.CurrentStatus == models.WorkerStatusIdle {
		s.Kick()
	}
}

// schedulePass walks pending jobs in priority order and dispatches each to
// the least-loaded eligible worker. A job with no eligible worker stays
// pending; it never blocks the jobs behind it.
func (s *Scheduler) schedulePass() {
	pending, err := s.jobs.GetPendingJobs()
	if err != nil {
		log.Printf("Failed to get pending jobs: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	idle := s.workers.List(models.WorkerStatusIdle)

	for _, job := range pending {
		if len(idle) == 0 {
			return
		}

		candidate, rest := selectWorker(job, idle)
		if candidate == nil {
			log.Printf("Job %s starved: %s", job.ID, s.diagnose(job))
			continue
		}

		if s.dispatchJob(job, candidate) {
			idle = rest
		}
	}
}

// selectWorker picks the eligible worker with the lowest GPU utilization,
// ties broken by registration order. Returns the pick and the remaining idle
// set with the pick removed.
func selectWorker(job *models.Job, idle []registry.WorkerState) (*registry.WorkerState, []registry.WorkerState) {
	bestIdx := -1

	for i, w := range idle {
		if !eligible(job, w) {
			continue
		}
		// idle is in registration order, so strict less-than keeps the
		// earliest-registered worker on utilization ties
		if bestIdx == -1 || w.Utilization < idle[bestIdx].Utilization {
			bestIdx = i
		}
	}

	if bestIdx == -1 {
		return nil, idle
	}

	best := idle[bestIdx]
	rest := make([]registry.WorkerState, 0, len(idle)-1)
	rest = append(rest, idle[:bestIdx]...)
	rest = append(rest, idle[bestIdx+1:]...)
	return &best, rest
}

// eligible reports whether a worker can take a job right now. Workers running
// on fabricated telemetry are never VRAM-gated against fake numbers: they are
// only eligible for jobs that declare no VRAM requirement.
func eligible(job *models.Job, w registry.WorkerState) bool {
	if !w.HasCapability(job.WorkflowType) {
		return false
	}
	if job.VRAMRequiredMB == 0 {
		return true
	}
	if w.Simulated {
		return false
	}
	return w.FreeVRAMMB() >= job.VRAMRequiredMB
}

// dispatchJob claims the worker, assigns the job and pushes the start
// command, reverting each step if a later one fails. Returns true if the
// worker was consumed (dispatched or taken offline by a failed send).
func (s *Scheduler) dispatchJob(job *models.Job, w *registry.WorkerState) bool {
	if err := s.workers.Claim(w.ID, job.ID); err != nil {
		// Lost the race to a concurrent pass; the job retries next trigger.
		log.Printf("Failed to claim worker %s for job %s: %v", w.ID, job.ID, err)
		return true
	}

	if err := s.jobs.AssignJob(job.ID, w.ID); err != nil {
		log.Printf("Failed to assign job %s to worker %s: %v", job.ID, w.ID, err)
		if relErr := s.workers.Release(w.ID); relErr != nil {
			log.Printf("Failed to release worker %s after assign failure: %v", w.ID, relErr)
		}
		return false
	}

	cmd := &dispatch.Command{
		Type:         dispatch.MessageTypeJobAssign,
		JobID:        job.ID,
		WorkflowType: job.WorkflowType,
		Params:       json.RawMessage(job.Params),
	}

	if err := s.dispatcher.Send(w.ID, cmd); err != nil {
		// The channel is gone: treat the worker as offline right now and
		// requeue, instead of waiting for the health sweep.
		log.Printf("Dispatch to worker %s unreachable, requeueing job %s: %v", w.ID, job.ID, err)
		if _, reqErr := s.jobs.RequeueJob(job.ID); reqErr != nil {
			log.Printf("Failed to requeue job %s: %v", job.ID, reqErr)
		}
		s.workers.MarkOffline(w.ID)
		return true
	}

	log.Printf("Job %s dispatched to worker %s (%s, %d MB free)",
		job.ID, w.ID, w.Hostname, w.FreeVRAMMB())
	return true
}

// diagnose explains why a pending job has no eligible worker, distinguishing
// a capability/VRAM mismatch no worker can ever satisfy from transient
// starvation.
func (s *Scheduler) diagnose(job *models.Job) string {
	all := s.workers.List("")
	if len(all) == 0 {
		return "no workers registered"
	}

	capable := 0
	enoughTotal := 0
	for _, w := range all {
		if !w.HasCapability(job.WorkflowType) {
			continue
		}
		capable++
		if w.VRAMTotalMB >= job.VRAMRequiredMB {
			enoughTotal++
		}
	}

	if capable == 0 {
		return "no registered worker supports workflow " + job.WorkflowType
	}
	if job.VRAMRequiredMB > 0 && enoughTotal == 0 {
		return "vram requirement exceeds every capable worker's total VRAM"
	}
	return "all capable workers busy, offline or lacking free VRAM"
}

// Stats is a point-in-time view of cluster and queue state for dashboards
type Stats struct {
	TotalWorkers     int          `json:"total_workers"`
	IdleWorkers      int          `json:"idle_workers"`
	BusyWorkers      int          `json:"busy_workers"`
	OfflineWorkers   int          `json:"offline_workers"`
	SimulatedWorkers int          `json:"simulated_workers"`
	TotalVRAMMB      int64        `json:"total_vram_mb"`
	FreeVRAMMB       int64        `json:"free_vram_mb"`
	PendingJobs      int          `json:"pending_jobs"`
	OldestPendingSec float64      `json:"oldest_pending_seconds"`
	Starved          []StarvedJob `json:"starved,omitempty"`
}

// StarvedJob describes a pending job with no eligible worker
type StarvedJob struct {
	JobID          string  `json:"job_id"`
	WorkflowType   string  `json:"workflow_type"`
	VRAMRequiredMB int64   `json:"vram_required_mb"`
	WaitingSec     float64 `json:"waiting_seconds"`
	Reason         string  `json:"reason"`
}

// Stats assembles scheduler statistics and starvation diagnostics
func (s *Scheduler) Stats() (*Stats, error) {
	stats := &Stats{}

	for _, w := range s.workers.List("") {
		stats.TotalWorkers++
		switch w.Status {
		case models.WorkerStatusIdle:
			stats.IdleWorkers++
		case models.WorkerStatusBusy:
			stats.BusyWorkers++
		case models.WorkerStatusOffline:
			stats.OfflineWorkers++
		}
		if w.Simulated {
			stats.SimulatedWorkers++
		}
		if w.Status != models.WorkerStatusOffline {
			stats.TotalVRAMMB += w.VRAMTotalMB
			stats.FreeVRAMMB += w.FreeVRAMMB()
		}
	}

	pending, err := s.jobs.GetPendingJobs()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	idle := s.workers.List(models.WorkerStatusIdle)
	stats.PendingJobs = len(pending)

	for _, job := range pending {
		waiting := now.Sub(job.CreatedAt).Seconds()
		if waiting > stats.OldestPendingSec {
			stats.OldestPendingSec = waiting
		}

		if candidate, _ := selectWorker(job, idle); candidate == nil {
			stats.Starved = append(stats.Starved, StarvedJob{
				JobID:          job.ID,
				WorkflowType:   job.WorkflowType,
				VRAMRequiredMB: job.VRAMRequiredMB,
				WaitingSec:     waiting,
				Reason:         s.diagnose(job),
			})
		}
	}

	return stats, nil
}
