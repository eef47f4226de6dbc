package dispatch

import (
	"encoding/json"

	"github.com/aipipeline/renderfarm/internal/models"
)

// MessageType identifies a websocket message on the dispatch channel
type MessageType string

const (
	// Master -> worker
	MessageTypeJobAssign MessageType = "job_assign"
	MessageTypeJobCancel MessageType = "job_cancel"

	// Worker -> master
	MessageTypeHeartbeat    MessageType = "heartbeat"
	MessageTypeJobStarted   MessageType = "job_started"
	MessageTypeJobProgress  MessageType = "job_progress"
	MessageTypeJobCompleted MessageType = "job_completed"
	MessageTypeJobFailed    MessageType = "job_failed"
)

// Command is a master-to-worker instruction
type Command struct {
	Type         MessageType     `json:"type"`
	JobID        string          `json:"job_id"`
	WorkflowType string          `json:"workflow_type,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
}

// TelemetryReport carries a worker's live metrics inside a heartbeat
type TelemetryReport struct {
	Hostname   string           `json:"hostname"`
	CPUPercent float64          `json:"cpu_percent"`
	RAMPercent float64          `json:"ram_percent"`
	Simulated  bool             `json:"simulated"`
	GPUs       []models.GPUInfo `json:"gpus"`
}

// WorkerMessage is a worker-to-master event. JobID keys the job events;
// Telemetry is set on heartbeats only.
type WorkerMessage struct {
	Type        MessageType      `json:"type"`
	NodeID      string           `json:"node_id"`
	JobID       string           `json:"job_id,omitempty"`
	Telemetry   *TelemetryReport `json:"telemetry,omitempty"`
	Progress    float64          `json:"progress,omitempty"`
	StepInfo    string           `json:"step_info,omitempty"`
	OutputFiles []string         `json:"output_files,omitempty"`
	Error       string           `json:"error,omitempty"`
}
