package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/stepflow/internal/domain"
	"github.com/timmy/stepflow/internal/logger"
	"github.com/timmy/stepflow/internal/repository"
	"gorm.io/gorm"
)

// appendToBatches adds a successful item's outputs to the open batch of the
// aggregating step that follows it, closing batches that become full.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - tx: transactional store holding the job lock.
//   - step: the aggregating step fed by source.
//   - source: the SUCCESSFUL upstream item.
//
// Returns:
//   - error: non-nil if a batch could not be updated or emitted.
func appendToBatches(ctx context.Context, tx *repository.Store, step domain.WorkflowStep, source *domain.WorkItem) error {
	maxInputs := step.MaxBatchInputs
	if maxInputs < 1 {
		maxInputs = 1
	}

	for i, ref := range source.Results {
		var size int64
		if i < len(source.OutputSizes) {
			size = source.OutputSizes[i]
		}

		batch, err := tx.Batches.Open(ctx, source.JobID, step.StepIndex)
		if err != nil {
			return err
		}
		if step.MaxBatchSizeInBytes > 0 && batch.ItemCount > 0 && batch.TotalBytes+size > step.MaxBatchSizeInBytes {
			if err := emitBatch(ctx, tx, step, batch); err != nil {
				return err
			}
			if batch, err = tx.Batches.Open(ctx, source.JobID, step.StepIndex); err != nil {
				return err
			}
		}

		if err := tx.Batches.AddItem(ctx, batch, &domain.BatchItem{
			SourceWorkItemID: source.ID,
			Ref:              ref,
			Size:             size,
		}); err != nil {
			return err
		}
		if batch.ItemCount >= maxInputs {
			if err := emitBatch(ctx, tx, step, batch); err != nil {
				return err
			}
		}
	}
	return nil
}

// emitBatch closes a batch and creates one downstream item from its members.
// An empty batch is closed without producing an item.
func emitBatch(ctx context.Context, tx *repository.Store, step domain.WorkflowStep, batch *domain.Batch) error {
	members, err := tx.Batches.ListItems(ctx, batch.ID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return tx.Batches.Close(ctx, batch, nil)
	}

	refs := make(domain.StringArray, 0, len(members))
	for _, m := range members {
		refs = append(refs, m.Ref)
	}
	item := &domain.WorkItem{
		JobID:     batch.JobID,
		StepIndex: step.StepIndex,
		ServiceID: step.ServiceID,
		Status:    domain.WorkItemStatusReady,
		SortIndex: batch.Sequence,
		InputRefs: refs,
	}
	if err := tx.WorkItems.Create(ctx, []*domain.WorkItem{item}); err != nil {
		return fmt.Errorf("failed to create batch work item: %w", err)
	}
	if err := tx.Steps.AddWorkItemCount(ctx, batch.JobID, step.StepIndex, 1); err != nil {
		return err
	}

	logger.With(logger.Fields{
		logger.FieldJobID:      batch.JobID,
		logger.FieldStepIndex:  step.StepIndex,
		logger.FieldWorkItemID: item.ID,
		"batch":                batch.Sequence,
	}).WithCount(len(members)).Debug(ctx, "Emitted batch work item")

	return tx.Batches.Close(ctx, batch, &item.ID)
}

// closeExhaustedBatches emits the open batch of every aggregating step whose
// upstream can no longer contribute: no earlier step has unfinished items and
// no earlier aggregating step still holds unemitted outputs. Steps are visited
// in order so an emitted batch holds back the steps after it.
func closeExhaustedBatches(ctx context.Context, tx *repository.Store, jobID string, steps []domain.WorkflowStep) error {
	for _, step := range steps {
		if !step.IsAggregating || step.StepIndex == 0 {
			continue
		}
		active, err := tx.WorkItems.CountActiveBefore(ctx, jobID, step.StepIndex)
		if err != nil {
			return err
		}
		if active > 0 {
			return nil
		}
		pending, err := tx.Batches.HasOpenNonEmptyBefore(ctx, jobID, step.StepIndex)
		if err != nil {
			return err
		}
		if pending {
			return nil
		}

		batch, err := tx.Batches.GetOpen(ctx, jobID, step.StepIndex)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := emitBatch(ctx, tx, step, batch); err != nil {
			return err
		}
	}
	return nil
}
