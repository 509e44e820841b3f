package repository

import (
	"context"
	"fmt"

	"github.com/timmy/stepflow/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobRepository handles job persistence.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//
// Returns:
//   - *JobRepository: repository instance bound to db.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a job together with its workflow steps.
func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves a job with its steps and errors (oldest error first).
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
//
// Returns:
//   - *domain.Job: job record if found.
//   - error: gorm.ErrRecordNotFound when the job does not exist.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	err := r.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_index ASC") }).
		Preload("Errors", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&job, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Get retrieves a job without its associations.
func (r *JobRepository) Get(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// Lock loads the job row for a read-modify-write inside a transaction.
// On PostgreSQL the row is locked with FOR UPDATE; SQLite transactions are
// opened IMMEDIATE and already hold the database write lock.
func (r *JobRepository) Lock(ctx context.Context, id string) (*domain.Job, error) {
	query := r.db.WithContext(ctx)
	if isPostgres(r.db) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var job domain.Job
	if err := query.First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// SaveAggregate persists the derived fields of a job.
func (r *JobRepository) SaveAggregate(ctx context.Context, job *domain.Job) error {
	err := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":       job.Status,
			"progress":     job.Progress,
			"error_count":  job.ErrorCount,
			"num_inputs":   job.NumInputs,
			"message":      job.Message,
			"completed_at": job.CompletedAt,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// AddError appends a job error; a second error for the same work item is ignored.
func (r *JobRepository) AddError(ctx context.Context, jobErr *domain.JobError) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "work_item_id"}}, DoNothing: true}).
		Create(jobErr).Error
}

// List returns jobs ordered newest first, optionally filtered by status.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - status: status filter; empty means all.
//   - limit: maximum number of records to return.
//   - offset: number of records to skip.
//
// Returns:
//   - []domain.Job: matching jobs.
//   - int64: total number of matching jobs.
//   - error: non-nil if the query fails.
func (r *JobRepository) List(ctx context.Context, status domain.JobStatus, limit, offset int) ([]domain.Job, int64, error) {
	query := r.db.WithContext(ctx).Model(&domain.Job{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var jobs []domain.Job
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&jobs).Error; err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}
