package service

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/stepflow/internal/domain"
	"github.com/timmy/stepflow/internal/logger"
	"github.com/timmy/stepflow/internal/repository"
)

const (
	messageRunning            = "The job is being processed"
	messageRunningWithErrors  = "The job is being processed, but some items have failed"
	messageSuccessful         = "The job has completed successfully"
	messageCompleteWithErrors = "The job has completed with errors. See the errors field for more details"
	messagePaused             = "The job is paused and may be resumed using the provided link"
	messageCanceled           = "Canceled by user"
	messageNotIgnoringErrors  = "A work item failed and the job does not ignore errors"
)

// stepTally counts a step's items by status class.
type stepTally struct {
	Total      int
	Successful int
	Failed     int
	Canceled   int
	Active     int
}

// itemTally is the status breakdown of all of a job's items.
type itemTally struct {
	stepTally
	steps map[int]*stepTally
}

func newItemTally(rows []repository.StatusCount) itemTally {
	t := itemTally{steps: make(map[int]*stepTally)}
	for _, row := range rows {
		st, ok := t.steps[row.StepIndex]
		if !ok {
			st = &stepTally{}
			t.steps[row.StepIndex] = st
		}
		st.add(row.Status, row.Count)
		t.add(row.Status, row.Count)
	}
	return t
}

func (s *stepTally) add(status domain.WorkItemStatus, n int) {
	s.Total += n
	switch status {
	case domain.WorkItemStatusSuccessful:
		s.Successful += n
	case domain.WorkItemStatusFailed:
		s.Failed += n
	case domain.WorkItemStatusCanceled:
		s.Canceled += n
	default:
		s.Active += n
	}
}

// step returns the tally of one step, zero when it has no items yet.
func (t itemTally) step(index int) stepTally {
	if st, ok := t.steps[index]; ok {
		return *st
	}
	return stepTally{}
}

// computeJobStatus derives a job's status from its item tally.
// Precedence: error budget failure, complete with errors, successful,
// running with errors, running.
// Parameters:
//   - job: supplies ignoreErrors and maxErrorsAllowed.
//   - tally: item counts for the job.
//   - lastStep: index of the final workflow step.
//
// Returns:
//   - domain.JobStatus: the derived status.
//   - string: user-facing message for the status.
func computeJobStatus(job *domain.Job, tally itemTally, lastStep int) (domain.JobStatus, string) {
	errorCount := tally.Failed
	if message, failed := budgetFailure(job, errorCount); failed {
		return domain.JobStatusFailed, message
	}

	if tally.Active == 0 && tally.Total > 0 {
		if errorCount > 0 {
			if tally.step(lastStep).Successful == 0 {
				return domain.JobStatusFailed, fmt.Sprintf("The job failed with %d errors and no outputs were produced", errorCount)
			}
			return domain.JobStatusCompleteWithErrors, messageCompleteWithErrors
		}
		return domain.JobStatusSuccessful, messageSuccessful
	}

	if errorCount > 0 {
		return domain.JobStatusRunningWithErrors, messageRunningWithErrors
	}
	return domain.JobStatusRunning, messageRunning
}

// budgetFailure reports whether errorCount alone fails the job, regardless
// of which items are still outstanding.
func budgetFailure(job *domain.Job, errorCount int) (string, bool) {
	switch {
	case errorCount > 0 && !job.IgnoreErrors:
		return messageNotIgnoringErrors, true
	case errorCount > job.MaxErrorsAllowed:
		return fmt.Sprintf("Maximum allowed errors %d exceeded", job.MaxErrorsAllowed), true
	}
	return "", false
}

// refreshJob recomputes a locked job's status, error count and progress from
// its items and persists them. A FAILED outcome cancels every remaining item
// in the same transaction. A paused job stays paused until it becomes terminal.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - tx: transactional store holding the job lock.
//   - job: the locked job; updated in place.
//   - steps: the job's workflow steps ordered by index.
//   - cause: the item whose failure triggered the refresh, or nil.
//
// Returns:
//   - error: non-nil if a query or update fails.
func refreshJob(ctx context.Context, tx *repository.Store, job *domain.Job, steps []domain.WorkflowStep, cause *domain.WorkItem) error {
	rows, err := tx.WorkItems.CountByStepStatus(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to count work items: %w", err)
	}
	tally := newItemTally(rows)

	status, message := computeJobStatus(job, tally, len(steps)-1)
	if status == domain.JobStatusFailed {
		if message == messageNotIgnoringErrors && cause != nil && cause.ErrorMessage != "" {
			message = cause.ErrorMessage
		}
		canceled, err := tx.WorkItems.CancelActive(ctx, job.ID)
		if err != nil {
			return err
		}
		if canceled > 0 {
			logger.With(logger.Fields{
				logger.FieldJobID: job.ID,
			}).WithCount(int(canceled)).Info(ctx, "Canceled remaining work items of failed job")
		}
		tally.Canceled += tally.Active
		tally.Active = 0
	}

	if job.Status == domain.JobStatusPaused && !status.IsTerminal() {
		status = domain.JobStatusPaused
		message = messagePaused
	}

	if status != job.Status {
		logger.With(logger.Fields{
			logger.FieldJobID: job.ID,
			"from":            job.Status,
		}).WithStatus(string(status)).Info(ctx, "Job status changed")
	}

	job.ErrorCount = tally.Failed
	job.Progress = computeProgress(job.Progress, status, steps, job.NumInputs, tally)
	job.Status = status
	job.Message = message
	if status.IsTerminal() && job.CompletedAt == nil {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	return tx.Jobs.SaveAggregate(ctx, job)
}
