package service

import "github.com/timmy/stepflow/internal/domain"

// RetryPolicy decides what happens to a RUNNING item that reported failure.
type RetryPolicy struct {
	RetryLimit int
}

// Apply moves a failed item back to READY while retries remain, otherwise to
// terminal FAILED. Non-retryable failures go straight to FAILED.
// Parameters:
//   - item: the RUNNING item that failed; mutated in place.
//   - message: human-readable failure reason.
//   - retryable: false when the failure can never succeed on another attempt.
//
// Returns:
//   - bool: true when the item was re-queued.
func (p RetryPolicy) Apply(item *domain.WorkItem, message string, retryable bool) bool {
	item.ErrorMessage = truncateMessage(message)
	item.Results = nil
	item.OutputSizes = nil
	if retryable && item.RetryCount < p.RetryLimit {
		item.RetryCount++
		item.Status = domain.WorkItemStatusReady
		item.StartedAt = nil
		return true
	}
	item.Status = domain.WorkItemStatusFailed
	return false
}

// jobErrorFor builds the user-visible error recorded for a terminally failed item.
func jobErrorFor(item *domain.WorkItem) *domain.JobError {
	msg := item.ErrorMessage
	if msg == "" {
		msg = "Work item failed with an unknown error"
	}
	return &domain.JobError{
		JobID:      item.JobID,
		WorkItemID: item.ID,
		URL:        item.SourceURL(),
		Message:    truncateMessage(msg),
	}
}
