package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from    string
		to      string
		allowed bool
	}{
		{JobStatusPending, JobStatusQueued, true},
		{JobStatusPending, JobStatusCancelled, true},
		{JobStatusPending, JobStatusRunning, false},
		{JobStatusPending, JobStatusCompleted, false},

		{JobStatusQueued, JobStatusRunning, true},
		{JobStatusQueued, JobStatusFailed, true},
		{JobStatusQueued, JobStatusCancelled, true},
		{JobStatusQueued, JobStatusPending, true},
		{JobStatusQueued, JobStatusCompleted, true},

		{JobStatusRunning, JobStatusCompleted, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusPending, true},
		{JobStatusRunning, JobStatusCancelled, false},

		{JobStatusCompleted, JobStatusPending, false},
		{JobStatusCompleted, JobStatusRunning, false},
		{JobStatusFailed, JobStatusPending, false},
		{JobStatusCancelled, JobStatusQueued, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestCanTransitionQueuedToCompleted(t *testing.T) {
	// A very fast job can complete before the start acknowledgement lands.
	assert.True(t, CanTransition(JobStatusQueued, JobStatusCompleted))
}

func TestIsTerminalJobStatus(t *testing.T) {
	assert.True(t, IsTerminalJobStatus(JobStatusCompleted))
	assert.True(t, IsTerminalJobStatus(JobStatusFailed))
	assert.True(t, IsTerminalJobStatus(JobStatusCancelled))

	assert.False(t, IsTerminalJobStatus(JobStatusPending))
	assert.False(t, IsTerminalJobStatus(JobStatusQueued))
	assert.False(t, IsTerminalJobStatus(JobStatusRunning))
}

func TestJobParamsRoundTrip(t *testing.T) {
	job := &Job{}

	err := job.SetParams(map[string]any{"seed": float64(42), "prompt": "a red fox"})
	require.NoError(t, err)

	var params map[string]any
	require.NoError(t, job.GetParamsAs(&params))
	assert.Equal(t, float64(42), params["seed"])
	assert.Equal(t, "a red fox", params["prompt"])
}

func TestJobOutputFileList(t *testing.T) {
	job := &Job{}

	require.NoError(t, job.SetOutputFileList([]string{"/out/a.png", "/out/b.png"}))
	assert.Equal(t, []string{"/out/a.png", "/out/b.png"}, job.OutputFileList())

	job.OutputFiles = "not json"
	assert.Nil(t, job.OutputFileList())
}

func TestWorkerCapabilityList(t *testing.T) {
	w := &Worker{}

	require.NoError(t, w.SetCapabilityList([]string{"sdxl_t2i", "flux_t2i"}))
	assert.Equal(t, []string{"sdxl_t2i", "flux_t2i"}, w.CapabilityList())
}
