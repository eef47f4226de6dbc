package registry

import (
	"time"

	"github.com/aipipeline/renderfarm/internal/models"
)

// Health monitoring defaults
const (
	DefaultHeartbeatTimeout = 30 * time.Second
)

// Telemetry is the live metric set delivered with each heartbeat
type Telemetry struct {
	GPUs       []models.GPUInfo
	CPUPercent float64
	RAMPercent float64
	Simulated  bool // GPU numbers are fabricated fallback data
}

// StatusChangedEvent represents a worker status change event
type StatusChangedEvent struct {
	NodeID         string
	PreviousStatus string
	CurrentStatus  string
}

// Orphan identifies a job left behind by a worker that went offline
type Orphan struct {
	NodeID string
	JobID  string
}

// WorkerState is the registry's live view of a worker node
type WorkerState struct {
	ID            string
	Hostname      string
	Capabilities  []string
	Status        string
	VRAMTotalMB   int64
	VRAMUsedMB    int64
	Utilization   int
	GPUs          []models.GPUInfo
	Simulated     bool
	CurrentJobID  string
	LastHeartbeat time.Time
	Seq           int // registration order, tie-breaker for scheduling
}

// HasCapability reports whether the node declared support for a workflow type
func (w WorkerState) HasCapability(workflowType string) bool {
	for _, c := range w.Capabilities {
		if c == workflowType {
			return true
		}
	}
	return false
}

// FreeVRAMMB returns the VRAM headroom from the last heartbeat
func (w WorkerState) FreeVRAMMB() int64 {
	return w.VRAMTotalMB - w.VRAMUsedMB
}

// Observer defines the interface for observers of registry events
type Observer interface {
	OnEvent(event StatusChangedEvent)
}
