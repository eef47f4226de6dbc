package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/aipipeline/renderfarm/internal/apperrors"
	"github.com/aipipeline/renderfarm/internal/models"
)

// WorkerRepository defines operations for worker node persistence
type WorkerRepository interface {
	CreateWorker(worker *models.Worker) error
	GetWorkerByID(id string) (*models.Worker, error)
	UpdateWorker(id, hostname, capabilities string, vramTotalMB int64) error
	GetAllWorkers() ([]*models.Worker, error)
	DeleteWorker(id string) error
}

type workerRepository struct {
	db *sqlx.DB
}

// NewWorkerRepository creates a new worker repository
func NewWorkerRepository(db *sqlx.DB) WorkerRepository {
	return &workerRepository{db: db}
}

// CreateWorker inserts a new worker into the database
func (r *workerRepository) CreateWorker(worker *models.Worker) error {
	query := `
		INSERT INTO workers (id, hostname, capabilities, vram_total_mb, created_at, updated_at)
		VALUES (:id, :hostname, :capabilities, :vram_total_mb, :created_at, :updated_at)
	`

	_, err := r.db.NamedExec(query, worker)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	return nil
}

// GetWorkerByID retrieves a worker by ID
func (r *workerRepository) GetWorkerByID(id string) (*models.Worker, error) {
	var worker models.Worker
	query := `SELECT * FROM workers WHERE id = ?`

	err := r.db.Get(&worker, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFoundf("worker %s", id)
		}
		return nil, fmt.Errorf("failed to get worker by id: %w", err)
	}

	return &worker, nil
}

// UpdateWorker updates a worker's declared hostname, capabilities and VRAM budget
func (r *workerRepository) UpdateWorker(id, hostname, capabilities string, vramTotalMB int64) error {
	query := `
		UPDATE workers
		SET hostname = ?, capabilities = ?, vram_total_mb = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.Exec(query, hostname, capabilities, vramTotalMB, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update worker: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return apperrors.NotFoundf("worker %s", id)
	}

	return nil
}

// GetAllWorkers retrieves all workers ordered by registration time
func (r *workerRepository) GetAllWorkers() ([]*models.Worker, error) {
	var workers []*models.Worker
	query := `SELECT * FROM workers ORDER BY created_at ASC`

	err := r.db.Select(&workers, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get all workers: %w", err)
	}

	return workers, nil
}

// DeleteWorker removes a worker row. The service layer checks for active jobs
// before calling this.
func (r *workerRepository) DeleteWorker(id string) error {
	result, err := r.db.Exec(`DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return apperrors.NotFoundf("worker %s", id)
	}

	return nil
}
