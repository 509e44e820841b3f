package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/stepflow/internal/config"
	"github.com/timmy/stepflow/internal/domain"
	"github.com/timmy/stepflow/internal/logger"
	"github.com/timmy/stepflow/internal/repository"
)

type testEnv struct {
	store *repository.Store
	work  *WorkService
	jobs  *JobService
}

func newTestEnv(t *testing.T, retryLimit int) *testEnv {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "stepflow.db"),
		AutoMigrate: true,
		LogLevel:    "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	store := repository.NewStore(db)
	log := logger.New(&logger.Config{Level: "error", Format: "text"})
	return &testEnv{
		store: store,
		work:  NewWorkService(store, log, &WorkConfig{RetryLimit: retryLimit}),
		jobs: NewJobService(store, log, &JobConfig{
			IgnoreErrors:     true,
			MaxErrorsAllowed: 10,
			MaxBatchInputs:   100,
			PageSize:         3,
		}),
	}
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

func inputs(n int) []string {
	refs := make([]string, n)
	for i := range refs {
		refs[i] = fmt.Sprintf("s3://inputs/granule-%d.nc", i)
	}
	return refs
}

func (e *testEnv) submit(t *testing.T, req *JobRequest) *domain.Job {
	t.Helper()
	job, err := e.jobs.CreateJob(context.Background(), req)
	require.NoError(t, err)
	return job
}

func (e *testEnv) claim(t *testing.T, serviceID string) *ClaimedWork {
	t.Helper()
	claimed, err := e.work.ClaimNext(context.Background(), serviceID)
	require.NoError(t, err)
	return claimed
}

func (e *testEnv) succeed(t *testing.T, serviceID string, results ...string) *domain.WorkItem {
	t.Helper()
	claimed := e.claim(t, serviceID)
	item, err := e.work.Complete(context.Background(), claimed.WorkItem.ID, &CompletionReport{
		Status:  domain.WorkItemStatusSuccessful,
		Results: results,
	})
	require.NoError(t, err)
	return item
}

func (e *testEnv) fail(t *testing.T, serviceID, message string) *domain.WorkItem {
	t.Helper()
	claimed := e.claim(t, serviceID)
	item, err := e.work.Complete(context.Background(), claimed.WorkItem.ID, &CompletionReport{
		Status:       domain.WorkItemStatusFailed,
		ErrorMessage: message,
	})
	require.NoError(t, err)
	return item
}

func (e *testEnv) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := e.jobs.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (e *testEnv) stepItems(t *testing.T, jobID string, step int) []domain.WorkItem {
	t.Helper()
	all, err := e.jobs.ListWorkItems(context.Background(), jobID)
	require.NoError(t, err)
	var out []domain.WorkItem
	for _, item := range all {
		if item.StepIndex == step {
			out = append(out, item)
		}
	}
	return out
}

func TestClaimNext_NoWork(t *testing.T) {
	env := newTestEnv(t, 0)
	_, err := env.work.ClaimNext(context.Background(), "nobody")
	assert.True(t, errors.Is(err, ErrNoWork))
}

func TestClaimNext_Metadata(t *testing.T) {
	env := newTestEnv(t, 0)
	job := env.submit(t, &JobRequest{
		Steps:      []StepRequest{{ServiceID: "query", Operation: `{"format":"netcdf"}`, HasContinuation: true}},
		Query:      "collection_concept_id=C1",
		MaxResults: 10,
	})

	claimed := env.claim(t, "query")
	assert.Equal(t, job.ID, claimed.WorkItem.JobID)
	assert.Equal(t, domain.WorkItemStatusRunning, claimed.WorkItem.Status)
	assert.Equal(t, `{"format":"netcdf"}`, claimed.Metadata.Operation)
	assert.Equal(t, 3, claimed.Metadata.PageSize)
	assert.Equal(t, 10, claimed.Metadata.MaxResults)
	assert.Equal(t, "collection_concept_id=C1", claimed.Metadata.Query)

	_, err := env.work.ClaimNext(context.Background(), "query")
	assert.True(t, errors.Is(err, ErrNoWork), "running item must not be claimed twice")
}

func TestComplete_RetryBound(t *testing.T) {
	const retryLimit = 2
	env := newTestEnv(t, retryLimit)
	job := env.submit(t, &JobRequest{
		Steps:  []StepRequest{{ServiceID: "svc"}},
		Inputs: inputs(2),
	})

	var failedID uint64
	for i := 0; i < retryLimit; i++ {
		item := env.fail(t, "svc", "worker crashed")
		failedID = item.ID
		assert.Equal(t, domain.WorkItemStatusReady, item.Status)
		assert.Equal(t, i+1, item.RetryCount)
		assert.Empty(t, env.job(t, job.ID).Errors, "retried failures do not count")
	}

	item := env.fail(t, "svc", "worker crashed")
	assert.Equal(t, failedID, item.ID)
	assert.Equal(t, domain.WorkItemStatusFailed, item.Status)
	assert.Equal(t, retryLimit, item.RetryCount)

	got := env.job(t, job.ID)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "s3://inputs/granule-0.nc", got.Errors[0].URL)
	assert.Equal(t, "worker crashed", got.Errors[0].Message)
	assert.Equal(t, domain.JobStatusRunningWithErrors, got.Status)
	assert.Equal(t, 1, got.ErrorCount)

	env.succeed(t, "svc", "s3://outputs/granule-1.nc")
	got = env.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleteWithErrors, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.NotNil(t, got.CompletedAt)
}

func TestComplete_ErrorBudgetExceeded(t *testing.T) {
	env := newTestEnv(t, 0)
	job := env.submit(t, &JobRequest{
		Steps:            []StepRequest{{ServiceID: "svc"}},
		Inputs:           inputs(3),
		MaxErrorsAllowed: intPtr(1),
	})

	env.fail(t, "svc", "bad granule")
	assert.Equal(t, domain.JobStatusRunningWithErrors, env.job(t, job.ID).Status)

	env.fail(t, "svc", "bad granule")
	got := env.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, "Maximum allowed errors 1 exceeded", got.Message)
	assert.Len(t, got.Errors, 2)
	assert.Less(t, got.Progress, 100)

	items := env.stepItems(t, job.ID, 0)
	require.Len(t, items, 3)
	assert.Equal(t, domain.WorkItemStatusCanceled, items[2].Status)

	_, err := env.work.ClaimNext(context.Background(), "svc")
	assert.True(t, errors.Is(err, ErrNoWork))
}

func TestComplete_CompleteWithErrorsWithinBudget(t *testing.T) {
	env := newTestEnv(t, 0)
	job := env.submit(t, &JobRequest{
		Steps:            []StepRequest{{ServiceID: "svc"}},
		Inputs:           inputs(2),
		MaxErrorsAllowed: intPtr(1),
	})

	env.fail(t, "svc", "bad granule")
	assert.Equal(t, domain.JobStatusRunningWithErrors, env.job(t, job.ID).Status)

	env.succeed(t, "svc", "s3://outputs/1")
	got := env.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleteWithErrors, got.Status)
	assert.Equal(t, 100, got.Progress)
}

func TestComplete_NotIgnoringErrorsCascades(t *testing.T) {
	env := newTestEnv(t, 0)
	job := env.submit(t, &JobRequest{
		Steps:        []StepRequest{{ServiceID: "svc"}},
		Inputs:       inputs(3),
		IgnoreErrors: boolPtr(false),
	})

	inFlight := env.claim(t, "svc")
	env.fail(t, "svc", "projection not supported")

	got := env.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, "projection not supported", got.Message)
	for _, item := range env.stepItems(t, job.ID, 0) {
		assert.True(t, item.Status.IsTerminal())
	}

	// the in-flight item was canceled; its late report changes nothing
	late, err := env.work.Complete(context.Background(), inFlight.WorkItem.ID, &CompletionReport{
		Status:  domain.WorkItemStatusSuccessful,
		Results: []string{"s3://outputs/late"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusCanceled, late.Status)
	assert.Equal(t, domain.JobStatusFailed, env.job(t, job.ID).Status)
}

func TestComplete_NoOutputsFailsJob(t *testing.T) {
	env := newTestEnv(t, 0)
	job := env.submit(t, &JobRequest{
		Steps:  []StepRequest{{ServiceID: "svc"}},
		Inputs: inputs(1),
	})
	env.fail(t, "svc", "bad granule")

	got := env.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Contains(t, got.Message, "no outputs were produced")
}

func TestComplete_Idempotent(t *testing.T) {
	env := newTestEnv(t, 0)
	job := env.submit(t, &JobRequest{
		Steps:  []StepRequest{{ServiceID: "svc"}, {ServiceID: "next"}},
		Inputs: inputs(2),
	})

	failed := env.fail(t, "svc", "bad granule")
	ok := env.succeed(t, "svc", "s3://outputs/1")
	before := env.job(t, job.ID)
	nextBefore := env.stepItems(t, job.ID, 1)

	again, err := env.work.Complete(context.Background(), ok.ID, &CompletionReport{
		Status:  domain.WorkItemStatusSuccessful,
		Results: []string{"s3://outputs/1"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusSuccessful, again.Status)

	againFailed, err := env.work.Complete(context.Background(), failed.ID, &CompletionReport{
		Status:       domain.WorkItemStatusFailed,
		ErrorMessage: "bad granule",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusFailed, againFailed.Status)

	after := env.job(t, job.ID)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Progress, after.Progress)
	assert.Equal(t, before.ErrorCount, after.ErrorCount)
	assert.Len(t, after.Errors, len(before.Errors))
	assert.Len(t, env.stepItems(t, job.ID, 1), len(nextBefore))
}

func TestComplete_UnknownItem(t *testing.T) {
	env := newTestEnv(t, 0)
	_, err := env.work.Complete(context.Background(), 404, &CompletionReport{Status: domain.WorkItemStatusSuccessful})
	assert.True(t, errors.Is(err, ErrWorkItemNotFound))
}

func TestComplete_RejectsMalformedReport(t *testing.T) {
	env := newTestEnv(t, 0)
	_, err := env.work.Complete(context.Background(), 1, &CompletionReport{Status: domain.WorkItemStatusRunning})
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = env.work.Complete(context.Background(), 1, &CompletionReport{
		Status:      domain.WorkItemStatusSuccessful,
		Results:     []string{"a", "b"},
		OutputSizes: []int64{1},
	})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestComplete_FanOutToNextStep(t *testing.T) {
	env := newTestEnv(t, 0)
	job := env.submit(t, &JobRequest{
		Steps:  []StepRequest{{ServiceID: "svc"}, {ServiceID: "next"}},
		Inputs: inputs(1),
	})

	env.succeed(t, "svc", "s3://outputs/a", "s3://outputs/b")
	next := env.stepItems(t, job.ID, 1)
	require.Len(t, next, 2)
	assert.Equal(t, domain.StringArray{"s3://outputs/a"}, next[0].InputRefs)
	assert.Equal(t, domain.StringArray{"s3://outputs/b"}, next[1].InputRefs)
	assert.Equal(t, 0, next[0].SortIndex)
	assert.Equal(t, 1, next[1].SortIndex)
	assert.Equal(t, domain.JobStatusRunning, env.job(t, job.ID).Status)

	env.succeed(t, "next", "s3://final/a")
	env.succeed(t, "next", "s3://final/b")
	got := env.job(t, job.ID)
	assert.Equal(t, domain.JobStatusSuccessful, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 2, got.Steps[1].WorkItemCount)
}

func TestBatching_ClosesOnCount(t *testing.T) {
	env := newTestEnv(t, 0)
	job := env.submit(t, &JobRequest{
		Steps: []StepRequest{
			{ServiceID: "svc"},
			{ServiceID: "concat", IsAggregating: true, MaxBatchInputs: 2},
		},
		Inputs: inputs(3),
	})

	env.succeed(t, "svc", "s3://outputs/0")
	assert.Empty(t, env.stepItems(t, job.ID, 1))

	env.succeed(t, "svc", "s3://outputs/1")
	batches := env.stepItems(t, job.ID, 1)
	require.Len(t, batches, 1)
	assert.Equal(t, domain.StringArray{"s3://outputs/0", "s3://outputs/1"}, batches[0].InputRefs)

	env.succeed(t, "svc", "s3://outputs/2")
	batches = env.stepItems(t, job.ID, 1)
	require.Len(t, batches, 2)
	assert.Equal(t, domain.StringArray{"s3://outputs/2"}, batches[1].InputRefs)
}

func TestBatching_FailedSiblingIsExcluded(t *testing.T) {
	env := newTestEnv(t, 0)
	job := env.submit(t, &JobRequest{
		Steps: []StepRequest{
			{ServiceID: "svc"},
			{ServiceID: "concat", IsAggregating: true, MaxBatchInputs: 2},
		},
		Inputs: inputs(3),
	})

	env.succeed(t, "svc", "s3://outputs/0")
	env.fail(t, "svc", "bad granule")
	env.succeed(t, "svc", "s3://outputs/2")

	batches := env.stepItems(t, job.ID, 1)
	require.Len(t, batches, 1)
	assert.Equal(t, domain.StringArray{"s3://outputs/0", "s3://outputs/2"}, batches[0].InputRefs)
	assert.Equal(t, domain.JobStatusRunningWithErrors, env.job(t, job.ID).Status)

	env.succeed(t, "concat", "s3://final/merged.nc")
	assert.Equal(t, domain.JobStatusCompleteWithErrors, env.job(t, job.ID).Status)
}

func TestBatching_ClosesWhenUpstreamExhausted(t *testing.T) {
	env := newTestEnv(t, 0)
	job := env.submit(t, &JobRequest{
		Steps: []StepRequest{
			{ServiceID: "svc"},
			{ServiceID: "concat", IsAggregating: true, MaxBatchInputs: 10},
		},
		Inputs: inputs(3),
	})

	env.succeed(t, "svc", "s3://outputs/0")
	env.succeed(t, "svc", "s3://outputs/1")
	assert.Empty(t, env.stepItems(t, job.ID, 1))

	env.fail(t, "svc", "bad granule")
	batches := env.stepItems(t, job.ID, 1)
	require.Len(t, batches, 1)
	assert.Equal(t, domain.StringArray{"s3://outputs/0", "s3://outputs/1"}, batches[0].InputRefs)
	assert.Equal(t, domain.JobStatusRunningWithErrors, env.job(t, job.ID).Status)
}

func TestBatching_ToleratedFailureBeforeSiblingsSucceed(t *testing.T) {
	env := newTestEnv(t, 0)
	job := env.submit(t, &JobRequest{
		Steps: []StepRequest{
			{ServiceID: "svc"},
			{ServiceID: "concat", IsAggregating: true, MaxBatchInputs: 10},
		},
		Inputs: inputs(3),
	})

	env.fail(t, "svc", "subsetting failed")
	env.succeed(t, "svc", "s3://outputs/1")
	assert.Empty(t, env.stepItems(t, job.ID, 1))
	env.succeed(t, "svc", "s3://outputs/2")

	batches := env.stepItems(t, job.ID, 1)
	require.Len(t, batches, 1)
	assert.Equal(t, domain.StringArray{"s3://outputs/1", "s3://outputs/2"}, batches[0].InputRefs)
	got := env.job(t, job.ID)
	assert.Equal(t, domain.JobStatusRunningWithErrors, got.Status)
	assert.Less(t, got.Progress, 100)

	env.succeed(t, "concat", "s3://final/merged.nc")
	got = env.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleteWithErrors, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Len(t, got.Errors, 1)
}

func TestBatching_AllSiblingsFailDropsBatch(t *testing.T) {
	env := newTestEnv(t, 0)
	job := env.submit(t, &JobRequest{
		Steps: []StepRequest{
			{ServiceID: "svc"},
			{ServiceID: "concat", IsAggregating: true, MaxBatchInputs: 10},
		},
		Inputs: inputs(2),
	})

	env.fail(t, "svc", "bad granule")
	env.fail(t, "svc", "bad granule")
	assert.Empty(t, env.stepItems(t, job.ID, 1))
	assert.Equal(t, domain.JobStatusFailed, env.job(t, job.ID).Status)
}

func TestBatching_ClosesOnSize(t *testing.T) {
	env := newTestEnv(t, 0)
	job := env.submit(t, &JobRequest{
		Steps: []StepRequest{
			{ServiceID: "svc"},
			{ServiceID: "concat", IsAggregating: true, MaxBatchInputs: 10, MaxBatchSizeInBytes: 10},
		},
		Inputs: inputs(1),
	})

	claimed := env.claim(t, "svc")
	_, err := env.work.Complete(context.Background(), claimed.WorkItem.ID, &CompletionReport{
		Status:      domain.WorkItemStatusSuccessful,
		Results:     []string{"a", "b", "c"},
		OutputSizes: []int64{6, 4, 6},
	})
	require.NoError(t, err)

	batches := env.stepItems(t, job.ID, 1)
	require.Len(t, batches, 2)
	assert.Equal(t, domain.StringArray{"a", "b"}, batches[0].InputRefs)
	assert.Equal(t, domain.StringArray{"c"}, batches[1].InputRefs)
}

func TestBatching_ChainedAggregation(t *testing.T) {
	env := newTestEnv(t, 0)
	job := env.submit(t, &JobRequest{
		Steps: []StepRequest{
			{ServiceID: "svc"},
			{ServiceID: "pair", IsAggregating: true, MaxBatchInputs: 2},
			{ServiceID: "merge", IsAggregating: true, MaxBatchInputs: 10},
		},
		Inputs: inputs(3),
	})

	env.succeed(t, "svc", "o0")
	env.succeed(t, "svc", "o1")
	env.succeed(t, "svc", "o2")
	require.Len(t, env.stepItems(t, job.ID, 1), 2)
	assert.Empty(t, env.stepItems(t, job.ID, 2))

	env.succeed(t, "pair", "p0")
	assert.Empty(t, env.stepItems(t, job.ID, 2), "merge waits for the second pair")

	env.succeed(t, "pair", "p1")
	merged := env.stepItems(t, job.ID, 2)
	require.Len(t, merged, 1)
	assert.Equal(t, domain.StringArray{"p0", "p1"}, merged[0].InputRefs)

	env.succeed(t, "merge", "final")
	assert.Equal(t, domain.JobStatusSuccessful, env.job(t, job.ID).Status)
}

func TestBatching_ConcurrentCompletions(t *testing.T) {
	env := newTestEnv(t, 0)
	job := env.submit(t, &JobRequest{
		Steps: []StepRequest{
			{ServiceID: "svc"},
			{ServiceID: "concat", IsAggregating: true, MaxBatchInputs: 3},
		},
		Inputs: inputs(10),
	})

	claims := make([]*ClaimedWork, 0, 10)
	for i := 0; i < 10; i++ {
		claims = append(claims, env.claim(t, "svc"))
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(claims))
	for i, c := range claims {
		wg.Add(1)
		go func(i int, c *ClaimedWork) {
			defer wg.Done()
			_, err := env.work.Complete(context.Background(), c.WorkItem.ID, &CompletionReport{
				Status:  domain.WorkItemStatusSuccessful,
				Results: []string{fmt.Sprintf("s3://outputs/%d", i)},
			})
			errs <- err
		}(i, c)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	batches := env.stepItems(t, job.ID, 1)
	require.Len(t, batches, 4)
	refs := 0
	for _, b := range batches {
		assert.LessOrEqual(t, len(b.InputRefs), 3)
		refs += len(b.InputRefs)
	}
	assert.Equal(t, 10, refs)
}

func TestContinuation_PagesUntilTotalHits(t *testing.T) {
	env := newTestEnv(t, 0)
	job := env.submit(t, &JobRequest{
		Steps: []StepRequest{
			{ServiceID: "query", HasContinuation: true, PageSize: 3},
			{ServiceID: "subset"},
		},
		Query: "collection_concept_id=C1",
	})
	token := []byte{0x5b, 0x22, 0x00, 0xfe, 0x22, 0x5d}

	first := env.claim(t, "query")
	_, err := env.work.Complete(context.Background(), first.WorkItem.ID, &CompletionReport{
		Status:           domain.WorkItemStatusSuccessful,
		Results:          []string{"g1", "g2", "g3"},
		Hits:             5,
		SearchAfterToken: token,
	})
	require.NoError(t, err)

	pages := env.stepItems(t, job.ID, 0)
	require.Len(t, pages, 2)
	assert.Equal(t, domain.WorkItemStatusReady, pages[1].Status)
	assert.Equal(t, token, pages[1].SearchAfterToken)
	assert.Equal(t, 3, pages[1].ProducedBefore)
	assert.Len(t, env.stepItems(t, job.ID, 1), 3)
	assert.Equal(t, 5, env.job(t, job.ID).NumInputs)

	second := env.claim(t, "query")
	assert.Equal(t, pages[1].ID, second.WorkItem.ID)
	assert.Equal(t, token, second.WorkItem.SearchAfterToken)
	_, err = env.work.Complete(context.Background(), second.WorkItem.ID, &CompletionReport{
		Status:           domain.WorkItemStatusSuccessful,
		Results:          []string{"g4", "g5"},
		Hits:             5,
		SearchAfterToken: []byte("next"),
	})
	require.NoError(t, err)

	assert.Len(t, env.stepItems(t, job.ID, 0), 2, "no page after the total is reached")
	assert.Len(t, env.stepItems(t, job.ID, 1), 5)
}

func TestContinuation_RespectsMaxResults(t *testing.T) {
	env := newTestEnv(t, 0)
	job := env.submit(t, &JobRequest{
		Steps:      []StepRequest{{ServiceID: "query", HasContinuation: true, PageSize: 3}},
		Query:      "q",
		MaxResults: 3,
	})

	claimed := env.claim(t, "query")
	_, err := env.work.Complete(context.Background(), claimed.WorkItem.ID, &CompletionReport{
		Status:      domain.WorkItemStatusSuccessful,
		Results:     []string{"g1", "g2", "g3"},
		Hits:        100,
		ScrollToken: []byte("scroll-1"),
	})
	require.NoError(t, err)

	assert.Len(t, env.stepItems(t, job.ID, 0), 1)
	got := env.job(t, job.ID)
	assert.Equal(t, domain.JobStatusSuccessful, got.Status)
	assert.Equal(t, 3, got.NumInputs)
}

func TestContinuation_MissingTokenFailsChain(t *testing.T) {
	env := newTestEnv(t, 3)
	job := env.submit(t, &JobRequest{
		Steps: []StepRequest{
			{ServiceID: "query", HasContinuation: true, PageSize: 3},
			{ServiceID: "subset"},
		},
		Query: "q",
	})

	claimed := env.claim(t, "query")
	item, err := env.work.Complete(context.Background(), claimed.WorkItem.ID, &CompletionReport{
		Status:  domain.WorkItemStatusSuccessful,
		Results: []string{"g1", "g2", "g3"},
		Hits:    5,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusFailed, item.Status)
	assert.Equal(t, 0, item.RetryCount, "a lost token is not retried")
	assert.Equal(t, continuationTokenMissing, item.ErrorMessage)

	assert.Len(t, env.stepItems(t, job.ID, 0), 1)
	assert.Empty(t, env.stepItems(t, job.ID, 1))
	got := env.job(t, job.ID)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "q", got.Errors[0].URL)
}

func TestContinuation_EmptyPageStopsChain(t *testing.T) {
	env := newTestEnv(t, 0)
	job := env.submit(t, &JobRequest{
		Steps: []StepRequest{{ServiceID: "query", HasContinuation: true, PageSize: 3}},
		Query: "q",
	})

	claimed := env.claim(t, "query")
	item, err := env.work.Complete(context.Background(), claimed.WorkItem.ID, &CompletionReport{
		Status:      domain.WorkItemStatusSuccessful,
		Hits:        5,
		ScrollToken: []byte("s"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusSuccessful, item.Status)
	assert.Len(t, env.stepItems(t, job.ID, 0), 1)
	assert.Equal(t, domain.JobStatusSuccessful, env.job(t, job.ID).Status)
}

func TestWorkService_LogsThroughConfiguredLogger(t *testing.T) {
	env := newTestEnv(t, 0)
	var buf bytes.Buffer
	log := logger.New(&logger.Config{Level: "info", Format: "json", Output: &buf})
	work := NewWorkService(env.store, log, &WorkConfig{})

	env.submit(t, &JobRequest{Steps: []StepRequest{{ServiceID: "svc"}}, Inputs: inputs(2)})
	claimed, err := work.ClaimNext(context.Background(), "svc")
	require.NoError(t, err)
	_, err = work.Complete(context.Background(), claimed.WorkItem.ID, &CompletionReport{
		Status:       domain.WorkItemStatusFailed,
		ErrorMessage: "bad granule",
	})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "Work item failed permanently")
	assert.Contains(t, buf.String(), claimed.WorkItem.JobID)
}
