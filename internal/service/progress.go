package service

import "github.com/timmy/stepflow/internal/domain"

// maxRunningProgress is the highest progress reported before a job finishes.
const maxRunningProgress = 99

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

// estimateStepItems predicts how many items each step will process in total.
// Continuation steps emit one item per page, aggregating steps one item per
// batch, other steps one item per upstream output.
func estimateStepItems(steps []domain.WorkflowStep, numInputs int) []int {
	estimates := make([]int, len(steps))
	outputs := numInputs
	for i, step := range steps {
		var est int
		switch {
		case step.HasContinuation:
			est = ceilDiv(numInputs, step.PageSize)
		case step.IsAggregating:
			est = ceilDiv(outputs, step.MaxBatchInputs)
			outputs = est
		default:
			est = outputs
		}
		if est < 1 {
			est = 1
		}
		estimates[i] = est
	}
	return estimates
}

// computeProgress returns the job's progress percentage.
// Each step contributes its finished fraction against the larger of its
// estimate and its actual item count. Progress never decreases, stays below
// 100 while the job is unfinished and is exactly 100 once it completes.
func computeProgress(prev int, status domain.JobStatus, steps []domain.WorkflowStep, numInputs int, tally itemTally) int {
	if status == domain.JobStatusSuccessful || status == domain.JobStatusCompleteWithErrors {
		return 100
	}
	if len(steps) == 0 {
		return prev
	}

	var sum float64
	for i, est := range estimateStepItems(steps, numInputs) {
		st := tally.step(steps[i].StepIndex)
		expected := st.Total - st.Canceled
		if est > expected {
			expected = est
		}
		done := st.Successful + st.Failed
		frac := float64(done) / float64(expected)
		if frac > 1 {
			frac = 1
		}
		sum += frac
	}

	progress := int(sum / float64(len(steps)) * 100)
	if progress > maxRunningProgress {
		progress = maxRunningProgress
	}
	if progress < prev {
		progress = prev
	}
	return progress
}
