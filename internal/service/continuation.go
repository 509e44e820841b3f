package service

import "github.com/timmy/stepflow/internal/domain"

const continuationTokenMissing = "continuation token missing"

// continuationOutcome is what a continuation step's completed page implies for its chain.
type continuationOutcome int

const (
	// chainDone means every requested item has been produced.
	chainDone continuationOutcome = iota
	// chainContinue means a successor must fetch the next page.
	chainContinue
	// chainExhausted means upstream returned an empty page before the expected total.
	chainExhausted
	// chainBroken means another page is needed but no token was reported.
	chainBroken
)

// continuationPlan is the paging decision for one completed page.
type continuationPlan struct {
	Outcome  continuationOutcome
	Produced int
	Target   int
}

// pageReport is the subset of a completion report the continuation engine reads.
type pageReport struct {
	ResultCount      int
	Hits             int
	ScrollToken      []byte
	SearchAfterToken []byte
}

func (r pageReport) hasToken() bool {
	return len(r.ScrollToken) > 0 || len(r.SearchAfterToken) > 0
}

// continuationTarget is the number of items the chain should produce in total.
func continuationTarget(hits, maxResults int) int {
	if maxResults > 0 && maxResults < hits {
		return maxResults
	}
	return hits
}

// planContinuation decides whether a page of a continuation chain needs a successor.
// Parameters:
//   - item: the completed page; ProducedBefore counts items returned by earlier pages.
//   - maxResults: job-level cap on produced items, 0 for no cap.
//   - report: what the worker reported for this page.
//
// Returns:
//   - continuationPlan: outcome plus the produced count and target used to decide it.
func planContinuation(item *domain.WorkItem, maxResults int, report pageReport) continuationPlan {
	plan := continuationPlan{
		Produced: item.ProducedBefore + report.ResultCount,
		Target:   continuationTarget(report.Hits, maxResults),
	}
	switch {
	case plan.Produced >= plan.Target:
		plan.Outcome = chainDone
	case report.ResultCount == 0:
		plan.Outcome = chainExhausted
	case !report.hasToken():
		plan.Outcome = chainBroken
	default:
		plan.Outcome = chainContinue
	}
	return plan
}

// newContinuationItem builds the successor page of item, carrying the tokens unchanged.
func newContinuationItem(item *domain.WorkItem, report pageReport, produced, sortIndex int) *domain.WorkItem {
	return &domain.WorkItem{
		JobID:            item.JobID,
		StepIndex:        item.StepIndex,
		ServiceID:        item.ServiceID,
		Status:           domain.WorkItemStatusReady,
		ScrollToken:      append([]byte(nil), report.ScrollToken...),
		SearchAfterToken: append([]byte(nil), report.SearchAfterToken...),
		SortIndex:        sortIndex,
		InputRefs:        append(domain.StringArray(nil), item.InputRefs...),
		ProducedBefore:   produced,
	}
}
