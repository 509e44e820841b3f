package repository

import (
	"context"

	"github.com/timmy/stepflow/internal/domain"
	"gorm.io/gorm"
)

// StepRepository handles workflow step lookups.
type StepRepository struct {
	db *gorm.DB
}

// NewStepRepository creates a new StepRepository.
func NewStepRepository(db *gorm.DB) *StepRepository {
	return &StepRepository{db: db}
}

// ListByJob returns the job's steps ordered by index.
func (r *StepRepository) ListByJob(ctx context.Context, jobID string) ([]domain.WorkflowStep, error) {
	var steps []domain.WorkflowStep
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("step_index ASC").
		Find(&steps).Error; err != nil {
		return nil, err
	}
	return steps, nil
}

// Get returns one step of a job.
func (r *StepRepository) Get(ctx context.Context, jobID string, stepIndex int) (*domain.WorkflowStep, error) {
	var step domain.WorkflowStep
	if err := r.db.WithContext(ctx).
		First(&step, "job_id = ? AND step_index = ?", jobID, stepIndex).Error; err != nil {
		return nil, err
	}
	return &step, nil
}

// AddWorkItemCount records n more items produced for a step.
func (r *StepRepository) AddWorkItemCount(ctx context.Context, jobID string, stepIndex, n int) error {
	if n == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&domain.WorkflowStep{}).
		Where("job_id = ? AND step_index = ?", jobID, stepIndex).
		UpdateColumn("work_item_count", gorm.Expr("work_item_count + ?", n)).Error
}
