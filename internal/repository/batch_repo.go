package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/stepflow/internal/domain"
	"gorm.io/gorm"
)

// BatchRepository handles fan-in batches and their members.
type BatchRepository struct {
	db *gorm.DB
}

// NewBatchRepository creates a new BatchRepository.
func NewBatchRepository(db *gorm.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// GetOpen returns the open batch of an aggregating step.
// Returns gorm.ErrRecordNotFound when no batch is open.
func (r *BatchRepository) GetOpen(ctx context.Context, jobID string, stepIndex int) (*domain.Batch, error) {
	var batch domain.Batch
	if err := r.db.WithContext(ctx).
		Where("job_id = ? AND step_index = ? AND is_closed = ?", jobID, stepIndex, false).
		Order("sequence DESC").
		First(&batch).Error; err != nil {
		return nil, err
	}
	return &batch, nil
}

// Open returns the open batch of a step, creating the next one in sequence if none is open.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: owning job.
//   - stepIndex: aggregating step the batch feeds.
//
// Returns:
//   - *domain.Batch: an open batch.
//   - error: non-nil if the lookup or insert fails.
func (r *BatchRepository) Open(ctx context.Context, jobID string, stepIndex int) (*domain.Batch, error) {
	batch, err := r.GetOpen(ctx, jobID, stepIndex)
	if err == nil {
		return batch, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var maxSeq *int
	if err := r.db.WithContext(ctx).Model(&domain.Batch{}).
		Select("MAX(sequence)").
		Where("job_id = ? AND step_index = ?", jobID, stepIndex).
		Scan(&maxSeq).Error; err != nil {
		return nil, err
	}
	seq := 0
	if maxSeq != nil {
		seq = *maxSeq + 1
	}

	batch = &domain.Batch{JobID: jobID, StepIndex: stepIndex, Sequence: seq}
	if err := r.db.WithContext(ctx).Create(batch).Error; err != nil {
		return nil, fmt.Errorf("failed to open batch %d for job %s step %d: %w", seq, jobID, stepIndex, err)
	}
	return batch, nil
}

// AddItem appends an output to a batch and updates its running totals in place.
func (r *BatchRepository) AddItem(ctx context.Context, batch *domain.Batch, item *domain.BatchItem) error {
	item.BatchID = batch.ID
	item.SortIndex = batch.ItemCount
	if err := r.db.WithContext(ctx).Create(item).Error; err != nil {
		return fmt.Errorf("failed to add item to batch %d: %w", batch.ID, err)
	}
	batch.ItemCount++
	batch.TotalBytes += item.Size
	return r.db.WithContext(ctx).Model(batch).
		Updates(map[string]interface{}{
			"item_count":  batch.ItemCount,
			"total_bytes": batch.TotalBytes,
		}).Error
}

// Close marks a batch closed and records the downstream item it produced, if any.
func (r *BatchRepository) Close(ctx context.Context, batch *domain.Batch, workItemID *uint64) error {
	batch.IsClosed = true
	batch.WorkItemID = workItemID
	return r.db.WithContext(ctx).Model(batch).
		Updates(map[string]interface{}{
			"is_closed":    true,
			"work_item_id": workItemID,
		}).Error
}

// ListItems returns a batch's members in insertion order.
func (r *BatchRepository) ListItems(ctx context.Context, batchID uint64) ([]domain.BatchItem, error) {
	var items []domain.BatchItem
	if err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("sort_index ASC, id ASC").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// HasOpenNonEmptyBefore reports whether an earlier aggregating step still holds
// outputs that have not been emitted downstream.
func (r *BatchRepository) HasOpenNonEmptyBefore(ctx context.Context, jobID string, stepIndex int) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Batch{}).
		Where("job_id = ? AND step_index < ? AND is_closed = ? AND item_count > 0", jobID, stepIndex, false).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListByJob returns all batches of a job ordered by step and sequence.
func (r *BatchRepository) ListByJob(ctx context.Context, jobID string) ([]domain.Batch, error) {
	var batches []domain.Batch
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("step_index ASC, sequence ASC").
		Find(&batches).Error; err != nil {
		return nil, err
	}
	return batches, nil
}
