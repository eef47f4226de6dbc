package services

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipipeline/renderfarm/internal/apperrors"
	"github.com/aipipeline/renderfarm/internal/db"
	"github.com/aipipeline/renderfarm/internal/dispatch"
	"github.com/aipipeline/renderfarm/internal/models"
	"github.com/aipipeline/renderfarm/internal/registry"
)

type fixture struct {
	store         *db.Store
	registry      registry.WorkerRegistry
	hub           *dispatch.Hub
	jobService    *JobService
	workerService *WorkerService
	kicks         int
}

func setup(t *testing.T) *fixture {
	t.Helper()

	cfg := db.Config{
		DatabasePath:   filepath.Join(t.TempDir(), "test.db"),
		MigrationsPath: "../../migrations",
	}
	require.NoError(t, db.RunMigrations(cfg))

	database, err := db.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	f := &fixture{
		store:    db.NewStore(database),
		registry: registry.NewWorkerRegistry(),
		hub:      dispatch.NewHub(0),
	}

	broadcaster := dispatch.NewBroadcaster()
	broadcaster.Start()

	f.jobService = NewJobService(f.store, f.registry, f.hub, broadcaster, func() { f.kicks++ })
	f.workerService = NewWorkerService(f.store, f.registry, f.hub)

	return f
}

func (f *fixture) registerWorker(t *testing.T, caps []string) string {
	t.Helper()

	resp, err := f.workerService.Register(&RegisterWorkerRequest{
		Hostname:     "gpu-node-1",
		Capabilities: caps,
		VRAMTotalMB:  24576,
	})
	require.NoError(t, err)
	return resp.NodeID
}

func TestSubmitValidation(t *testing.T) {
	f := setup(t)

	_, err := f.jobService.Submit(&models.SubmitJobRequest{WorkflowType: "sdxl_t2i"})
	assert.True(t, apperrors.IsInvalidArgument(err), "missing project_id")

	_, err = f.jobService.Submit(&models.SubmitJobRequest{ProjectID: "p"})
	assert.True(t, apperrors.IsInvalidArgument(err), "missing workflow_type")

	_, err = f.jobService.Submit(&models.SubmitJobRequest{
		ProjectID: "p", WorkflowType: "sdxl_t2i", VRAMRequiredMB: -1,
	})
	assert.True(t, apperrors.IsInvalidArgument(err), "negative vram")
}

func TestSubmitDefaultsVRAMFromWorkflowType(t *testing.T) {
	f := setup(t)

	job, err := f.jobService.Submit(&models.SubmitJobRequest{
		ProjectID:    "p",
		WorkflowType: "flux_t2i",
		Params:       map[string]any{"prompt": "a red fox"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(14336), job.VRAMRequiredMB)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 1, f.kicks)

	explicit, err := f.jobService.Submit(&models.SubmitJobRequest{
		ProjectID:      "p",
		WorkflowType:   "flux_t2i",
		VRAMRequiredMB: 4096,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4096), explicit.VRAMRequiredMB)
}

func TestListJobsRejectsUnknownStatus(t *testing.T) {
	f := setup(t)

	_, err := f.jobService.ListJobs("", "exploded")
	assert.True(t, apperrors.IsInvalidArgument(err))
}

func TestCancelPendingJob(t *testing.T) {
	f := setup(t)

	job, err := f.jobService.Submit(&models.SubmitJobRequest{
		ProjectID: "p", WorkflowType: "sdxl_t2i",
	})
	require.NoError(t, err)

	cancelled, err := f.jobService.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
}

func TestCancelQueuedJobReleasesWorker(t *testing.T) {
	f := setup(t)
	nodeID := f.registerWorker(t, []string{"sdxl_t2i"})

	job, err := f.jobService.Submit(&models.SubmitJobRequest{
		ProjectID: "p", WorkflowType: "sdxl_t2i",
	})
	require.NoError(t, err)

	require.NoError(t, f.registry.Claim(nodeID, job.ID))
	require.NoError(t, f.store.JobRepo.AssignJob(job.ID, nodeID))

	kicksBefore := f.kicks
	cancelled, err := f.jobService.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	state, _ := f.registry.Get(nodeID)
	assert.Equal(t, models.WorkerStatusIdle, state.Status)
	assert.Greater(t, f.kicks, kicksBefore, "freed capacity wakes the scheduler")
}

func TestCancelRunningJobConflicts(t *testing.T) {
	f := setup(t)
	nodeID := f.registerWorker(t, []string{"sdxl_t2i"})

	job, err := f.jobService.Submit(&models.SubmitJobRequest{
		ProjectID: "p", WorkflowType: "sdxl_t2i",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.JobRepo.AssignJob(job.ID, nodeID))
	require.NoError(t, f.store.JobRepo.MarkJobRunning(job.ID, nodeID))

	_, err = f.jobService.Cancel(job.ID)
	assert.True(t, apperrors.IsConflict(err))

	_, err = f.jobService.Cancel("missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestHandleJobEventLifecycle(t *testing.T) {
	f := setup(t)
	nodeID := f.registerWorker(t, []string{"sdxl_t2i"})

	job, err := f.jobService.Submit(&models.SubmitJobRequest{
		ProjectID: "p", WorkflowType: "sdxl_t2i",
	})
	require.NoError(t, err)
	require.NoError(t, f.registry.Claim(nodeID, job.ID))
	require.NoError(t, f.store.JobRepo.AssignJob(job.ID, nodeID))

	f.jobService.HandleJobEvent(nodeID, &dispatch.WorkerMessage{
		Type: dispatch.MessageTypeJobStarted, JobID: job.ID,
	})
	got, _ := f.store.JobRepo.GetJobByID(job.ID)
	assert.Equal(t, models.JobStatusRunning, got.Status)

	f.jobService.HandleJobEvent(nodeID, &dispatch.WorkerMessage{
		Type: dispatch.MessageTypeJobProgress, JobID: job.ID, Progress: 0.5,
	})
	got, _ = f.store.JobRepo.GetJobByID(job.ID)
	assert.Equal(t, 0.5, got.Progress)

	f.jobService.HandleJobEvent(nodeID, &dispatch.WorkerMessage{
		Type: dispatch.MessageTypeJobCompleted, JobID: job.ID,
		OutputFiles: []string{"/out/a.png"},
	})
	got, _ = f.store.JobRepo.GetJobByID(job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, []string{"/out/a.png"}, got.OutputFileList())

	state, _ := f.registry.Get(nodeID)
	assert.Equal(t, models.WorkerStatusIdle, state.Status, "completion frees the worker")
}

func TestHandleJobEventFailure(t *testing.T) {
	f := setup(t)
	nodeID := f.registerWorker(t, []string{"sdxl_t2i"})

	job, err := f.jobService.Submit(&models.SubmitJobRequest{
		ProjectID: "p", WorkflowType: "sdxl_t2i",
	})
	require.NoError(t, err)
	require.NoError(t, f.registry.Claim(nodeID, job.ID))
	require.NoError(t, f.store.JobRepo.AssignJob(job.ID, nodeID))

	f.jobService.HandleJobEvent(nodeID, &dispatch.WorkerMessage{
		Type: dispatch.MessageTypeJobFailed, JobID: job.ID, Error: "engine exploded",
	})

	got, _ := f.store.JobRepo.GetJobByID(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "engine exploded", *got.ErrorMessage)

	state, _ := f.registry.Get(nodeID)
	assert.Equal(t, models.WorkerStatusIdle, state.Status)
}

func TestHandleJobEventDropsStaleSender(t *testing.T) {
	f := setup(t)
	nodeID := f.registerWorker(t, []string{"sdxl_t2i"})

	job, err := f.jobService.Submit(&models.SubmitJobRequest{
		ProjectID: "p", WorkflowType: "sdxl_t2i",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.JobRepo.AssignJob(job.ID, nodeID))

	// An event from a worker that no longer owns the job is dropped.
	f.jobService.HandleJobEvent("someone-else", &dispatch.WorkerMessage{
		Type: dispatch.MessageTypeJobCompleted, JobID: job.ID,
	})

	got, _ := f.store.JobRepo.GetJobByID(job.ID)
	assert.Equal(t, models.JobStatusQueued, got.Status)
}

func TestHandleJobEventDropsDuplicateCompletion(t *testing.T) {
	f := setup(t)
	nodeID := f.registerWorker(t, []string{"sdxl_t2i"})

	job, err := f.jobService.Submit(&models.SubmitJobRequest{
		ProjectID: "p", WorkflowType: "sdxl_t2i",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.JobRepo.AssignJob(job.ID, nodeID))
	require.NoError(t, f.store.JobRepo.CompleteJob(job.ID, nodeID, `["/out/a.png"]`))

	f.jobService.HandleJobEvent(nodeID, &dispatch.WorkerMessage{
		Type: dispatch.MessageTypeJobFailed, JobID: job.ID, Error: "late failure",
	})

	got, _ := f.store.JobRepo.GetJobByID(job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status, "settled jobs stay settled")
	assert.Nil(t, got.ErrorMessage)
}

func TestHandleJobEventUnknownJob(t *testing.T) {
	f := setup(t)
	nodeID := f.registerWorker(t, []string{"sdxl_t2i"})

	// Must not panic or create anything.
	f.jobService.HandleJobEvent(nodeID, &dispatch.WorkerMessage{
		Type: dispatch.MessageTypeJobCompleted, JobID: "ghost",
	})
	f.jobService.HandleJobEvent(nodeID, &dispatch.WorkerMessage{
		Type: dispatch.MessageTypeJobCompleted,
	})
}
