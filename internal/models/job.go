package models

import (
	"encoding/json"
	"time"
)

// Job statuses
const (
	JobStatusPending   = "pending"
	JobStatusQueued    = "queued"    // Assigned to a worker, start not yet acknowledged
	JobStatusRunning   = "running"   // Worker acknowledged execution start
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// jobTransitions encodes the legal state machine. Terminal states have no
// entry: the store rejects every transition out of them.
var jobTransitions = map[string][]string{
	JobStatusPending: {JobStatusQueued, JobStatusCancelled},
	JobStatusQueued:  {JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusPending},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusPending},
}

// CanTransition reports whether from -> to is a legal job status change.
func CanTransition(from, to string) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminalJobStatus reports whether a status permits no further transitions.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// SubmitJobRequest is the inbound job submission payload.
type SubmitJobRequest struct {
	ProjectID      string         `json:"project_id" validate:"required"`
	ShotID         string         `json:"shot_id"`
	WorkflowType   string         `json:"workflow_type" validate:"required"`
	Params         map[string]any `json:"params"`
	VRAMRequiredMB int64          `json:"vram_required_mb"`
	Priority       int            `json:"priority"` // lower value = serviced first
}

// Job represents a render job in the system
type Job struct {
	ID               string     `db:"id" json:"id"`
	ProjectID        string     `db:"project_id" json:"project_id"`
	ShotID           string     `db:"shot_id" json:"shot_id"`
	WorkflowType     string     `db:"workflow_type" json:"workflow_type"`
	Params           string     `db:"params" json:"params"` // opaque JSON, forwarded verbatim to the engine
	VRAMRequiredMB   int64      `db:"vram_required_mb" json:"vram_required_mb"`
	Priority         int        `db:"priority" json:"priority"`
	Status           string     `db:"status" json:"status"`
	AssignedWorkerID *string    `db:"assigned_worker_id" json:"assigned_worker_id,omitempty"`
	Progress         float64    `db:"progress" json:"progress"`
	RequeueCount     int        `db:"requeue_count" json:"requeue_count"`
	ErrorMessage     *string    `db:"error_message" json:"error_message,omitempty"`
	OutputFiles      string     `db:"output_files" json:"output_files"` // JSON array of artifact paths
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
	StartedAt        *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// GetParamsAs unmarshals the job params into the provided struct
func (j *Job) GetParamsAs(v any) error {
	return json.Unmarshal([]byte(j.Params), v)
}

// SetParams marshals the provided value into the job params
func (j *Job) SetParams(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	j.Params = string(data)
	return nil
}

// OutputFileList unmarshals the output_files column into a string slice
func (j *Job) OutputFileList() []string {
	var files []string
	if err := json.Unmarshal([]byte(j.OutputFiles), &files); err != nil {
		return nil
	}
	return files
}

// SetOutputFileList marshals artifact paths into the output_files column
func (j *Job) SetOutputFileList(files []string) error {
	data, err := json.Marshal(files)
	if err != nil {
		return err
	}
	j.OutputFiles = string(data)
	return nil
}
