package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store groups the orchestrator repositories over one database handle so a
// service can run several repository calls inside a single transaction.
type Store struct {
	db *gorm.DB

	Jobs      *JobRepository
	Steps     *StepRepository
	WorkItems *WorkItemRepository
	Batches   *BatchRepository
}

// NewStore creates a Store bound to db.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:        db,
		Jobs:      NewJobRepository(db),
		Steps:     NewStepRepository(db),
		WorkItems: NewWorkItemRepository(db),
		Batches:   NewBatchRepository(db),
	}
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn with a Store whose repositories share one transaction.
// The transaction is retried as a whole when SQLite reports lock contention.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - fn: unit of work; returning an error rolls the transaction back.
//
// Returns:
//   - error: the error returned by fn or by commit.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return retryOnBusy(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(NewStore(tx))
		})
	})
}
