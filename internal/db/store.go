package db

import "github.com/jmoiron/sqlx"

// Store bundles the job and worker repositories behind one handle so services
// take a single dependency instead of a repository each.
type Store struct {
	WorkerRepo WorkerRepository
	JobRepo    JobRepository
}

// NewStore wires the repositories over a shared connection
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		WorkerRepo: NewWorkerRepository(db),
		JobRepo:    NewJobRepository(db),
	}
}
