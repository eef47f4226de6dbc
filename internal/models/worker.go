package models

import (
	"encoding/json"
	"time"
)

// Worker statuses
const (
	WorkerStatusIdle    = "idle"
	WorkerStatusBusy    = "busy"
	WorkerStatusOffline = "offline"
	WorkerStatusError   = "error"
)

// Worker represents a worker node in the database. Live status and telemetry
// are held by the registry; the row carries the durable identity.
type Worker struct {
	ID           string    `db:"id" json:"id"`
	Hostname     string    `db:"hostname" json:"hostname"`
	Capabilities string    `db:"capabilities" json:"capabilities"` // JSON array of workflow types
	VRAMTotalMB  int64     `db:"vram_total_mb" json:"vram_total_mb"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// CapabilityList unmarshals the capabilities column
func (w *Worker) CapabilityList() []string {
	var caps []string
	if err := json.Unmarshal([]byte(w.Capabilities), &caps); err != nil {
		return nil
	}
	return caps
}

// SetCapabilityList marshals workflow types into the capabilities column
func (w *Worker) SetCapabilityList(caps []string) error {
	data, err := json.Marshal(caps)
	if err != nil {
		return err
	}
	w.Capabilities = string(data)
	return nil
}

// GPUInfo is a single GPU's telemetry as reported in a heartbeat
type GPUInfo struct {
	Index         int    `json:"index"`
	Name          string `json:"name"`
	MemoryTotalMB int64  `json:"memory_total_mb"`
	MemoryUsedMB  int64  `json:"memory_used_mb"`
	Utilization   int    `json:"utilization"` // %
	Temperature   int    `json:"temperature"` // Celsius
}

// WorkerWithStatus combines database worker data with live registry state
type WorkerWithStatus struct {
	ID             string     `json:"id"`
	Hostname       string     `json:"hostname"`
	Capabilities   []string   `json:"capabilities"`
	VRAMTotalMB    int64      `json:"vram_total_mb"`
	VRAMUsedMB     int64      `json:"vram_used_mb"`
	GPUUtilization int        `json:"gpu_utilization"`
	Status         string     `json:"status"`
	Simulated      bool       `json:"simulated"` // telemetry is fabricated fallback data
	CurrentJobID   *string    `json:"current_job_id,omitempty"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`
	GPUs           []GPUInfo  `json:"gpus,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
