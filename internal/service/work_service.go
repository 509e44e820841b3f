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

// claimAttempts bounds retries after losing a claim race to another worker.
const claimAttempts = 3

// WorkMetadata is the operation payload handed to a worker with a claimed item.
type WorkMetadata struct {
	Operation     string `json:"operation"`
	StepIndex     int    `json:"workflowStepIndex"`
	IsAggregating bool   `json:"isAggregating,omitempty"`
	PageSize      int    `json:"pageSize,omitempty"`
	MaxResults    int    `json:"maxResults,omitempty"`
	Query         string `json:"query,omitempty"`
}

// ClaimedWork is a work item together with its operation payload.
type ClaimedWork struct {
	WorkItem *domain.WorkItem `json:"workItem"`
	Metadata WorkMetadata     `json:"metadata"`
}

// CompletionReport is a worker's outcome for a claimed item.
type CompletionReport struct {
	Status           domain.WorkItemStatus
	Results          []string
	OutputSizes      []int64
	ErrorMessage     string
	Hits             int
	ScrollToken      []byte
	SearchAfterToken []byte
	DurationMs       int64
}

// WorkService implements the pull-queue protocol: claiming items and applying
// completion reports to items, batches and the owning job.
type WorkService struct {
	store  *repository.Store
	retry  RetryPolicy
	logger *logger.Logger
}

// WorkConfig holds configuration for the work service.
type WorkConfig struct {
	RetryLimit int
}

// NewWorkService creates a new work service.
func NewWorkService(store *repository.Store, log *logger.Logger, cfg *WorkConfig) *WorkService {
	return &WorkService{
		store:  store,
		retry:  RetryPolicy{RetryLimit: cfg.RetryLimit},
		logger: log,
	}
}

// ClaimNext hands the oldest claimable item of serviceID to the caller.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - serviceID: worker service asking for work.
//
// Returns:
//   - *ClaimedWork: the RUNNING item and its metadata.
//   - error: ErrNoWork when nothing is claimable.
func (s *WorkService) ClaimNext(ctx context.Context, serviceID string) (*ClaimedWork, error) {
	ctx = s.logger.Attach(ctx)
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var claimed *ClaimedWork
		err := s.store.Transaction(ctx, func(tx *repository.Store) error {
			item, err := tx.WorkItems.ClaimNext(ctx, serviceID)
			if err != nil {
				return err
			}
			job, err := tx.Jobs.Get(ctx, item.JobID)
			if err != nil {
				return err
			}
			step, err := tx.Steps.Get(ctx, item.JobID, item.StepIndex)
			if err != nil {
				return err
			}
			claimed = &ClaimedWork{
				WorkItem: item,
				Metadata: WorkMetadata{
					Operation:     step.Operation,
					StepIndex:     step.StepIndex,
					IsAggregating: step.IsAggregating,
					PageSize:      step.PageSize,
					MaxResults:    job.MaxResults,
					Query:         job.Query,
				},
			}
			return nil
		})
		switch {
		case err == nil:
			ctx = logger.SetWorkItem(ctx, claimed.WorkItem.JobID, claimed.WorkItem.ID, serviceID, claimed.WorkItem.StepIndex)
			logger.CtxDebug(ctx, "Claimed work item")
			return claimed, nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			return nil, ErrNoWork
		case errors.Is(err, repository.ErrClaimConflict):
			continue
		default:
			return nil, fmt.Errorf("failed to claim work for %s: %w", serviceID, err)
		}
	}
	return nil, ErrNoWork
}

// GetWorkItem returns a work item by id.
func (s *WorkService) GetWorkItem(ctx context.Context, id uint64) (*domain.WorkItem, error) {
	item, err := s.store.WorkItems.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWorkItemNotFound
	}
	return item, err
}

// Complete applies a worker's report to a RUNNING item inside one transaction
// holding the job lock: retry policy, continuation, downstream fan-out,
// batching and the job status refresh. Reports for items that are no longer
// RUNNING, or whose job has finished, leave everything unchanged.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: work item id.
//   - report: the worker's outcome.
//
// Returns:
//   - *domain.WorkItem: the item as stored after the report.
//   - error: ErrWorkItemNotFound for unknown ids, ErrInvalidTransition for malformed reports.
func (s *WorkService) Complete(ctx context.Context, id uint64, report *CompletionReport) (*domain.WorkItem, error) {
	ctx = s.logger.Attach(ctx)
	if report.Status != domain.WorkItemStatusSuccessful && report.Status != domain.WorkItemStatusFailed {
		return nil, fmt.Errorf("%w: cannot report status %q", ErrInvalidTransition, report.Status)
	}
	if len(report.OutputSizes) > 0 && len(report.OutputSizes) != len(report.Results) {
		return nil, fmt.Errorf("%w: %d output sizes for %d results", ErrInvalidTransition, len(report.OutputSizes), len(report.Results))
	}

	var result *domain.WorkItem
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		probe, err := tx.WorkItems.GetByID(ctx, id)
		if err != nil {
			return err
		}
		job, err := tx.Jobs.Lock(ctx, probe.JobID)
		if err != nil {
			return err
		}
		item, err := tx.WorkItems.GetByID(ctx, id)
		if err != nil {
			return err
		}
		result = item

		ctx := logger.SetWorkItem(ctx, item.JobID, item.ID, item.ServiceID, item.StepIndex)
		if job.Status.IsTerminal() || item.Status != domain.WorkItemStatusRunning {
			logger.With(logger.Fields{
				"job_status": job.Status,
			}).WithStatus(string(item.Status)).Info(ctx, "Ignoring report for work item that is not running")
			return nil
		}

		steps, err := tx.Steps.ListByJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if item.StepIndex >= len(steps) {
			return fmt.Errorf("work item %d references missing step %d", item.ID, item.StepIndex)
		}
		return s.applyReport(ctx, tx, job, steps, item, report)
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWorkItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *WorkService) applyReport(ctx context.Context, tx *repository.Store, job *domain.Job, steps []domain.WorkflowStep, item *domain.WorkItem, report *CompletionReport) error {
	step := steps[item.StepIndex]
	item.DurationMs = report.DurationMs

	var successor *domain.WorkItem
	if report.Status == domain.WorkItemStatusSuccessful {
		item.Status = domain.WorkItemStatusSuccessful
		item.Results = append(domain.StringArray(nil), report.Results...)
		item.OutputSizes = append(domain.Int64Array(nil), report.OutputSizes...)
		item.Hits = report.Hits
		item.ErrorMessage = ""

		if step.HasContinuation {
			page := pageReport{
				ResultCount:      len(report.Results),
				Hits:             report.Hits,
				ScrollToken:      report.ScrollToken,
				SearchAfterToken: report.SearchAfterToken,
			}
			plan := planContinuation(item, job.MaxResults, page)
			job.NumInputs = plan.Target
			switch plan.Outcome {
			case chainContinue:
				sortIndex, err := tx.WorkItems.NextSortIndex(ctx, job.ID, item.StepIndex)
				if err != nil {
					return err
				}
				successor = newContinuationItem(item, page, plan.Produced, sortIndex)
			case chainExhausted:
				logger.With(logger.Fields{
					"produced": plan.Produced,
					"target":   plan.Target,
				}).Warn(ctx, "Upstream returned no more items before the expected total")
			case chainBroken:
				s.retry.Apply(item, continuationTokenMissing, false)
			}
		}
	} else {
		if s.retry.Apply(item, report.ErrorMessage, true) {
			logger.With(logger.Fields{
				"retry_count": item.RetryCount,
			}).Info(ctx, "Work item failed, retrying")
		}
	}

	if err := tx.WorkItems.SaveOutcome(ctx, item); err != nil {
		return err
	}

	switch item.Status {
	case domain.WorkItemStatusFailed:
		logger.With(logger.Fields{
			"error": item.ErrorMessage,
		}).WithStatus(string(item.Status)).Warn(ctx, "Work item failed permanently")
		if err := tx.Jobs.AddError(ctx, jobErrorFor(item)); err != nil {
			return err
		}
		return s.finish(ctx, tx, job, steps, item)
	case domain.WorkItemStatusReady:
		return refreshJob(ctx, tx, job, steps, nil)
	}

	if successor != nil {
		if err := tx.WorkItems.Create(ctx, []*domain.WorkItem{successor}); err != nil {
			return fmt.Errorf("failed to create continuation work item: %w", err)
		}
		if err := tx.Steps.AddWorkItemCount(ctx, job.ID, item.StepIndex, 1); err != nil {
			return err
		}
	}
	if err := s.createDownstream(ctx, tx, steps, item); err != nil {
		return err
	}
	return s.finish(ctx, tx, job, steps, nil)
}

// finish runs batch closure unless the error budget already fails the job,
// then refreshes the job. Whether any output was produced is only judged
// after closure has had its chance to emit the pending fan-in items.
func (s *WorkService) finish(ctx context.Context, tx *repository.Store, job *domain.Job, steps []domain.WorkflowStep, cause *domain.WorkItem) error {
	rows, err := tx.WorkItems.CountByStepStatus(ctx, job.ID)
	if err != nil {
		return err
	}
	if _, failed := budgetFailure(job, newItemTally(rows).Failed); !failed {
		if err := closeExhaustedBatches(ctx, tx, job.ID, steps); err != nil {
			return err
		}
	}
	return refreshJob(ctx, tx, job, steps, cause)
}

// createDownstream feeds a successful item's outputs to the next step: into
// its open batch when it aggregates, otherwise as one item per output.
func (s *WorkService) createDownstream(ctx context.Context, tx *repository.Store, steps []domain.WorkflowStep, item *domain.WorkItem) error {
	next := item.StepIndex + 1
	if next >= len(steps) || len(item.Results) == 0 {
		return nil
	}
	step := steps[next]
	if step.IsAggregating {
		return appendToBatches(ctx, tx, step, item)
	}

	sortIndex, err := tx.WorkItems.NextSortIndex(ctx, item.JobID, step.StepIndex)
	if err != nil {
		return err
	}
	items := make([]*domain.WorkItem, 0, len(item.Results))
	for i, ref := range item.Results {
		items = append(items, &domain.WorkItem{
			JobID:     item.JobID,
			StepIndex: step.StepIndex,
			ServiceID: step.ServiceID,
			Status:    domain.WorkItemStatusReady,
			SortIndex: sortIndex + i,
			InputRefs: domain.StringArray{ref},
		})
	}
	if err := tx.WorkItems.Create(ctx, items); err != nil {
		return fmt.Errorf("failed to create downstream work items: %w", err)
	}
	return tx.Steps.AddWorkItemCount(ctx, item.JobID, step.StepIndex, len(items))
}
