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
	"github.com/aipipeline/renderfarm/internal/scheduler"
)

// JobService manages the job lifecycle: submission, queries, cancellation and
// the worker events that drive jobs through their state machine.
type JobService struct {
	store       *db.Store
	registry    registry.WorkerRegistry
	hub         *dispatch.Hub
	broadcaster *dispatch.Broadcaster
	kick        func() // wakes the scheduler
}

// NewJobService creates a new job service
func NewJobService(store *db.Store, reg registry.WorkerRegistry, hub *dispatch.Hub,
	broadcaster *dispatch.Broadcaster, kick func()) *JobService {
	return &JobService{
		store:       store,
		registry:    reg,
		hub:         hub,
		broadcaster: broadcaster,
		kick:        kick,
	}
}

// Submit validates and persists a new job as pending, then wakes the scheduler
func (s *JobService) Submit(req *models.SubmitJobRequest) (*models.Job, error) {
	if req.ProjectID == "" {
		return nil, apperrors.InvalidArgumentf("project_id is required")
	}
	if req.WorkflowType == "" {
		return nil, apperrors.InvalidArgumentf("workflow_type is required")
	}
	if req.VRAMRequiredMB < 0 {
		return nil, apperrors.InvalidArgumentf("vram_required_mb must not be negative")
	}

	vramRequired := req.VRAMRequiredMB
	if vramRequired == 0 {
		vramRequired = scheduler.VRAMRequirementMB(req.WorkflowType)
	}

	now := time.Now()
	job := &models.Job{
		ID:             uuid.New().String(),
		ProjectID:      req.ProjectID,
		ShotID:         req.ShotID,
		WorkflowType:   req.WorkflowType,
		VRAMRequiredMB: vramRequired,
		Priority:       req.Priority,
		Status:         models.JobStatusPending,
		OutputFiles:    "[]",
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := job.SetParams(params); err != nil {
		return nil, apperrors.InvalidArgumentf("params: %v", err)
	}

	if err := s.store.JobRepo.CreateJob(job); err != nil {
		return nil, err
	}

	log.Printf("Job %s submitted: %s for project %s (priority %d, %d MB)",
		job.ID, job.WorkflowType, job.ProjectID, job.Priority, job.VRAMRequiredMB)

	s.broadcaster.BroadcastJobUpdate(job)
	s.kick()

	return job, nil
}

// GetJob returns a job by ID
func (s *JobService) GetJob(id string) (*models.Job, error) {
	return s.store.JobRepo.GetJobByID(id)
}

// ListJobs returns jobs, optionally filtered by project and/or status
func (s *JobService) ListJobs(projectID, status string) ([]*models.Job, error) {
	if status != "" && !validJobStatus(status) {
		return nil, apperrors.InvalidArgumentf("unknown status %q", status)
	}
	return s.store.JobRepo.ListJobs(projectID, status)
}

// Cancel cancels a pending or queued job. A queued job's worker gets a
// best-effort cancel notice and returns to the idle pool; running and terminal
// jobs cannot be cancelled.
func (s *JobService) Cancel(id string) (*models.Job, error) {
	job, err := s.store.JobRepo.GetJobByID(id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case models.JobStatusPending, models.JobStatusQueued:
	default:
		return nil, apperrors.Conflictf("job %s is %s, cannot cancel", id, job.Status)
	}

	workerID := ""
	if job.AssignedWorkerID != nil {
		workerID = *job.AssignedWorkerID
	}

	if err := s.store.JobRepo.CancelJob(id); err != nil {
		return nil, err
	}

	if workerID != "" {
		// The worker may have already pulled the job off its channel; the
		// cancel notice is best effort.
		cmd := &dispatch.Command{Type: dispatch.MessageTypeJobCancel, JobID: id}
		if err := s.hub.Send(workerID, cmd); err != nil {
			log.Printf("Cancel notice for job %s to worker %s failed: %v", id, workerID, err)
		}
		if err := s.registry.Release(workerID); err != nil {
			log.Printf("Failed to release worker %s after cancelling job %s: %v", workerID, id, err)
		}
		s.kick()
	}

	log.Printf("Job %s cancelled", id)

	cancelled, err := s.store.JobRepo.GetJobByID(id)
	if err != nil {
		return nil, err
	}
	s.broadcaster.BroadcastJobUpdate(cancelled)

	return cancelled, nil
}

// HandleJobEvent applies a worker-reported job event. Events referencing a job
// the sender no longer owns, or a job already in a terminal state, are stale
// leftovers of a requeue or cancellation and are dropped with a warning.
func (s *JobService) HandleJobEvent(nodeID string, msg *dispatch.WorkerMessage) {
	if msg.JobID == "" {
		log.Printf("Worker %s sent %s event without a job ID, dropping", nodeID, msg.Type)
		return
	}

	job, err := s.store.JobRepo.GetJobByID(msg.JobID)
	if err != nil {
		log.Printf("Worker %s reported %s for unknown job %s, dropping", nodeID, msg.Type, msg.JobID)
		return
	}

	if job.AssignedWorkerID == nil || *job.AssignedWorkerID != nodeID {
		log.Printf("Worker %s reported %s for job %s it no longer owns, dropping", nodeID, msg.Type, msg.JobID)
		return
	}

	if models.IsTerminalJobStatus(job.Status) {
		log.Printf("Worker %s reported %s for settled job %s (%s), dropping", nodeID, msg.Type, msg.JobID, job.Status)
		return
	}

	switch msg.Type {
	case dispatch.MessageTypeJobStarted:
		err = s.store.JobRepo.MarkJobRunning(msg.JobID, nodeID)
	case dispatch.MessageTypeJobProgress:
		err = s.store.JobRepo.UpdateJobProgress(msg.JobID, msg.Progress)
	case dispatch.MessageTypeJobCompleted:
		err = s.completeJob(nodeID, msg)
	case dispatch.MessageTypeJobFailed:
		err = s.failJob(nodeID, msg)
	default:
		log.Printf("Worker %s sent unknown event type %s for job %s", nodeID, msg.Type, msg.JobID)
		return
	}

	if err != nil {
		// Guarded updates lose races by design; a rejected transition here
		// means a sweep or cancel settled the job between our read and write.
		log.Printf("Event %s from worker %s for job %s not applied: %v", msg.Type, nodeID, msg.JobID, err)
		return
	}

	if updated, err := s.store.JobRepo.GetJobByID(msg.JobID); err == nil {
		s.broadcaster.BroadcastJobUpdate(updated)
	}
}

func (s *JobService) completeJob(nodeID string, msg *dispatch.WorkerMessage) error {
	job := &models.Job{}
	if err := job.SetOutputFileList(msg.OutputFiles); err != nil {
		return err
	}

	if err := s.store.JobRepo.CompleteJob(msg.JobID, nodeID, job.OutputFiles); err != nil {
		return err
	}

	log.Printf("Job %s completed by worker %s (%d artifacts)", msg.JobID, nodeID, len(msg.OutputFiles))
	s.releaseAndKick(nodeID)
	return nil
}

func (s *JobService) failJob(nodeID string, msg *dispatch.WorkerMessage) error {
	errorMsg := msg.Error
	if errorMsg == "" {
		errorMsg = "worker reported failure without details"
	}

	if err := s.store.JobRepo.FailJob(msg.JobID, nodeID, errorMsg); err != nil {
		return err
	}

	log.Printf("Job %s failed on worker %s: %s", msg.JobID, nodeID, errorMsg)
	s.releaseAndKick(nodeID)
	return nil
}

// releaseAndKick returns the worker to the idle pool and wakes the scheduler
func (s *JobService) releaseAndKick(nodeID string) {
	if err := s.registry.Release(nodeID); err != nil {
		log.Printf("Failed to release worker %s: %v", nodeID, err)
	}
	s.kick()
}

func validJobStatus(status string) bool {
	switch status {
	case models.JobStatusPending, models.JobStatusQueued, models.JobStatusRunning,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled:
		return true
	}
	return false
}
