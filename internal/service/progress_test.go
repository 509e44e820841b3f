package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/timmy/stepflow/internal/domain"
)

func TestEstimateStepItems(t *testing.T) {
	steps := []domain.WorkflowStep{
		{StepIndex: 0, HasContinuation: true, PageSize: 2000},
		{StepIndex: 1},
		{StepIndex: 2, IsAggregating: true, MaxBatchInputs: 100},
		{StepIndex: 3},
	}
	assert.Equal(t, []int{3, 4500, 45, 45}, estimateStepItems(steps, 4500))
	assert.Equal(t, []int{1, 1, 1, 1}, estimateStepItems(steps, 0))
}

func TestComputeProgress(t *testing.T) {
	steps := []domain.WorkflowStep{{StepIndex: 0}, {StepIndex: 1}}

	half := tallyOf(row(0, domain.WorkItemStatusSuccessful, 2), row(0, domain.WorkItemStatusReady, 2))
	assert.Equal(t, 25, computeProgress(0, domain.JobStatusRunning, steps, 4, half))

	// never decreases when estimates grow
	assert.Equal(t, 40, computeProgress(40, domain.JobStatusRunning, steps, 4, half))

	done := tallyOf(row(0, domain.WorkItemStatusSuccessful, 4), row(1, domain.WorkItemStatusSuccessful, 3), row(1, domain.WorkItemStatusRunning, 1))
	assert.Equal(t, 87, computeProgress(0, domain.JobStatusRunning, steps, 4, done))

	all := tallyOf(row(0, domain.WorkItemStatusSuccessful, 4), row(1, domain.WorkItemStatusSuccessful, 4))
	assert.Equal(t, 99, computeProgress(0, domain.JobStatusRunningWithErrors, steps, 4, all))
	assert.Equal(t, 100, computeProgress(0, domain.JobStatusSuccessful, steps, 4, all))
	assert.Equal(t, 100, computeProgress(50, domain.JobStatusCompleteWithErrors, steps, 4, half))
	assert.Equal(t, 60, computeProgress(60, domain.JobStatusFailed, steps, 4, half))
}
