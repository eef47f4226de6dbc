package db

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipipeline/renderfarm/internal/apperrors"
	"github.com/aipipeline/renderfarm/internal/models"
)

func newDBWorker(hostname string) *models.Worker {
	now := time.Now()
	return &models.Worker{
		ID:           uuid.New().String(),
		Hostname:     hostname,
		Capabilities: `["sdxl_t2i"]`,
		VRAMTotalMB:  24576,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestWorkerCRUD(t *testing.T) {
	store := setupTestStore(t)

	worker := newDBWorker("gpu-node-1")
	require.NoError(t, store.WorkerRepo.CreateWorker(worker))

	got, err := store.WorkerRepo.GetWorkerByID(worker.ID)
	require.NoError(t, err)
	assert.Equal(t, "gpu-node-1", got.Hostname)
	assert.Equal(t, []string{"sdxl_t2i"}, got.CapabilityList())

	require.NoError(t, store.WorkerRepo.UpdateWorker(worker.ID, "gpu-node-1b", `["flux_t2i"]`, 49152))
	got, err = store.WorkerRepo.GetWorkerByID(worker.ID)
	require.NoError(t, err)
	assert.Equal(t, "gpu-node-1b", got.Hostname)
	assert.Equal(t, []string{"flux_t2i"}, got.CapabilityList())
	assert.Equal(t, int64(49152), got.VRAMTotalMB)

	require.NoError(t, store.WorkerRepo.DeleteWorker(worker.ID))
	_, err = store.WorkerRepo.GetWorkerByID(worker.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestWorkerNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.WorkerRepo.GetWorkerByID("missing")
	assert.True(t, apperrors.IsNotFound(err))

	assert.True(t, apperrors.IsNotFound(store.WorkerRepo.UpdateWorker("missing", "h", "[]", 0)))
	assert.True(t, apperrors.IsNotFound(store.WorkerRepo.DeleteWorker("missing")))
}

func TestGetAllWorkersOrdering(t *testing.T) {
	store := setupTestStore(t)

	first := newDBWorker("a")
	first.CreatedAt = time.Now().Add(-time.Hour)
	second := newDBWorker("b")

	require.NoError(t, store.WorkerRepo.CreateWorker(second))
	require.NoError(t, store.WorkerRepo.CreateWorker(first))

	workers, err := store.WorkerRepo.GetAllWorkers()
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "a", workers[0].Hostname)
	assert.Equal(t, "b", workers[1].Hostname)
}
