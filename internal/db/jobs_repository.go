package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/aipipeline/renderfarm/internal/apperrors"
	"github.com/aipipeline/renderfarm/internal/models"
)

// JobRepository defines operations for job persistence. State-changing
// operations enforce the job state machine with guarded updates: an update
// whose WHERE clause matches no row because the job is in the wrong state
// returns ErrInvalidTransition, never silently succeeds.
type JobRepository interface {
	CreateJob(job *models.Job) error
	GetJobByID(id string) (*models.Job, error)
	ListJobs(projectID, status string) ([]*models.Job, error)
	GetPendingJobs() ([]*models.Job, error)
	CountActiveForWorker(workerID string) (int, error)
	CountByStatus() (map[string]int, error)

	// AssignJob transitions pending -> queued and records the worker.
	AssignJob(jobID, workerID string) error
	// MarkJobRunning transitions queued -> running on worker acknowledgement.
	MarkJobRunning(jobID, workerID string) error
	// UpdateJobProgress updates progress of a running job; a no-op otherwise.
	UpdateJobProgress(jobID string, progress float64) error
	// CompleteJob transitions queued/running -> completed with artifacts. The
	// workerID must match the current assignment: a completion from a worker
	// the job was requeued away from is an invalid transition.
	CompleteJob(jobID, workerID, outputFiles string) error
	// FailJob transitions queued/running -> failed with an error message,
	// guarded by the same worker pin as CompleteJob.
	FailJob(jobID, workerID, errorMsg string) error
	// RequeueJob transitions queued/running -> pending, clears the assignment
	// and bumps the requeue counter. Returns the updated job.
	RequeueJob(jobID string) (*models.Job, error)
	// CancelJob transitions pending/queued -> cancelled.
	CancelJob(jobID string) error
	// RequeueInFlight resets every queued/running job to pending. Run once at
	// startup: dispatch channels do not survive a master restart.
	RequeueInFlight() (int64, error)
}

type jobRepository struct {
	db *sqlx.DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *sqlx.DB) JobRepository {
	return &jobRepository{db: db}
}

// CreateJob inserts a new job into the database
func (r *jobRepository) CreateJob(job *models.Job) error {
	query := `
		INSERT INTO jobs (
			id, project_id, shot_id, workflow_type, params, vram_required_mb,
			priority, status, progress, requeue_count, output_files,
			created_at, updated_at
		) VALUES (
			:id, :project_id, :shot_id, :workflow_type, :params, :vram_required_mb,
			:priority, :status, :progress, :requeue_count, :output_files,
			:created_at, :updated_at
		)
	`

	_, err := r.db.NamedExec(query, job)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJobByID retrieves a job by ID
func (r *jobRepository) GetJobByID(id string) (*models.Job, error) {
	var job models.Job
	query := `SELECT * FROM jobs WHERE id = ?`

	err := r.db.Get(&job, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFoundf("job %s", id)
		}
		return nil, fmt.Errorf("failed to get job by id: %w", err)
	}

	return &job, nil
}

// ListJobs retrieves jobs, optionally filtered by project and/or status
func (r *jobRepository) ListJobs(projectID, status string) ([]*models.Job, error) {
	query := `SELECT * FROM jobs WHERE 1=1`
	args := []any{}

	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	var jobs []*models.Job
	if err := r.db.Select(&jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// GetPendingJobs retrieves pending jobs in scheduling order: ascending
// priority (lower value first), then submission order.
func (r *jobRepository) GetPendingJobs() ([]*models.Job, error) {
	var jobs []*models.Job
	query := `SELECT * FROM jobs WHERE status = ? ORDER BY priority ASC, created_at ASC, id ASC`

	err := r.db.Select(&jobs, query, models.JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending jobs: %w", err)
	}

	return jobs, nil
}

// CountActiveForWorker counts queued/running jobs assigned to a worker
func (r *jobRepository) CountActiveForWorker(workerID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM jobs WHERE assigned_worker_id = ? AND status IN (?, ?)`

	err := r.db.Get(&count, query, workerID, models.JobStatusQueued, models.JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs for worker: %w", err)
	}

	return count, nil
}

// CountByStatus returns job counts grouped by status
func (r *jobRepository) CountByStatus() (map[string]int, error) {
	rows := []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}{}

	err := r.db.Select(&rows, `SELECT status, COUNT(*) AS count FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// AssignJob transitions a pending job to queued with an assigned worker
func (r *jobRepository) AssignJob(jobID, workerID string) error {
	query := `
		UPDATE jobs SET status = ?, assigned_worker_id = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	return r.guardedUpdate(jobID, models.JobStatusQueued, query,
		models.JobStatusQueued, workerID, time.Now(), jobID, models.JobStatusPending)
}

// MarkJobRunning transitions a queued job to running once the assigned worker
// acknowledges the start command
func (r *jobRepository) MarkJobRunning(jobID, workerID string) error {
	now := time.Now()
	query := `
		UPDATE jobs SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND assigned_worker_id = ?
	`
	return r.guardedUpdate(jobID, models.JobStatusRunning, query,
		models.JobStatusRunning, now, now, jobID, models.JobStatusQueued, workerID)
}

// UpdateJobProgress updates a running job's progress. Progress against a job
// that is no longer running is dropped without error: a stale progress event
// after a requeue or completion is expected, not a fault.
func (r *jobRepository) UpdateJobProgress(jobID string, progress float64) error {
	query := `UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ? AND status = ?`

	_, err := r.db.Exec(query, progress, time.Now(), jobID, models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	return nil
}

// CompleteJob transitions a queued/running job to completed with its
// artifacts. The update is pinned to the assigned worker so a stale event
// cannot settle a job that was requeued to someone else.
func (r *jobRepository) CompleteJob(jobID, workerID, outputFiles string) error {
	now := time.Now()
	query := `
		UPDATE jobs
		SET status = ?, output_files = ?, progress = 1.0, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND assigned_worker_id = ?
	`
	return r.guardedUpdate(jobID, models.JobStatusCompleted, query,
		models.JobStatusCompleted, outputFiles, now, now,
		jobID, models.JobStatusQueued, models.JobStatusRunning, workerID)
}

// FailJob transitions a queued/running job to failed with an error message,
// pinned to the assigned worker like CompleteJob
func (r *jobRepository) FailJob(jobID, workerID, errorMsg string) error {
	now := time.Now()
	query := `
		UPDATE jobs
		SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND assigned_worker_id = ?
	`
	return r.guardedUpdate(jobID, models.JobStatusFailed, query,
		models.JobStatusFailed, errorMsg, now, now,
		jobID, models.JobStatusQueued, models.JobStatusRunning, workerID)
}

// RequeueJob returns a queued/running job to pending after its worker was
// lost, clearing the assignment
func (r *jobRepository) RequeueJob(jobID string) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = ?, assigned_worker_id = NULL, progress = 0,
		    requeue_count = requeue_count + 1, started_at = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`
	err := r.guardedUpdate(jobID, models.JobStatusPending, query,
		models.JobStatusPending, time.Now(),
		jobID, models.JobStatusQueued, models.JobStatusRunning)
	if err != nil {
		return nil, err
	}

	return r.GetJobByID(jobID)
}

// CancelJob transitions a pending/queued job to cancelled
func (r *jobRepository) CancelJob(jobID string) error {
	now := time.Now()
	query := `
		UPDATE jobs
		SET status = ?, assigned_worker_id = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`
	return r.guardedUpdate(jobID, models.JobStatusCancelled, query,
		models.JobStatusCancelled, now, now,
		jobID, models.JobStatusPending, models.JobStatusQueued)
}

// RequeueInFlight resets all queued/running jobs to pending
func (r *jobRepository) RequeueInFlight() (int64, error) {
	query := `
		UPDATE jobs
		SET status = ?, assigned_worker_id = NULL, progress = 0,
		    started_at = NULL, updated_at = ?
		WHERE status IN (?, ?)
	`

	result, err := r.db.Exec(query, models.JobStatusPending, time.Now(),
		models.JobStatusQueued, models.JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue in-flight jobs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// guardedUpdate executes a state-guarded update and classifies a zero-row
// result as either not-found or an illegal transition.
func (r *jobRepository) guardedUpdate(jobID, target, query string, args ...any) error {
	result, err := r.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition job %s to %s: %w", jobID, target, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		job, err := r.GetJobByID(jobID)
		if err != nil {
			return err
		}
		return apperrors.InvalidTransitionf("job %s: %s -> %s", jobID, job.Status, target)
	}

	return nil
}
