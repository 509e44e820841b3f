package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/stepflow/internal/domain"
	"github.com/timmy/stepflow/internal/logger"
	"github.com/timmy/stepflow/internal/service"
)

type fakeAPI struct {
	mu      sync.Mutex
	queue   []*service.ClaimedWork
	reports map[uint64]*Report
	status  domain.WorkItemStatus
}

func newFakeAPI(items ...*domain.WorkItem) *fakeAPI {
	api := &fakeAPI{reports: map[uint64]*Report{}, status: domain.WorkItemStatusRunning}
	for _, item := range items {
		api.queue = append(api.queue, &service.ClaimedWork{WorkItem: item, Metadata: service.WorkMetadata{Operation: "subset"}})
	}
	return api
}

func (f *fakeAPI) Claim(ctx context.Context, serviceID string) (*service.ClaimedWork, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, ErrNoWork
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	return next, nil
}

func (f *fakeAPI) Complete(ctx context.Context, id uint64, report *Report) (*domain.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[id] = report
	return &domain.WorkItem{ID: id, Status: report.Status}, nil
}

func (f *fakeAPI) Get(ctx context.Context, id uint64) (*domain.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &domain.WorkItem{ID: id, Status: f.status}, nil
}

func (f *fakeAPI) setStatus(s domain.WorkItemStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *fakeAPI) report(id uint64) *Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reports[id]
}

func newTestRunner(t *testing.T, api WorkAPI, exec Executor) *Runner {
	t.Helper()
	return NewRunner(api, exec, RunnerConfig{
		ServiceID:           "subsetter",
		PollInterval:        10 * time.Millisecond,
		CancelCheckInterval: 10 * time.Millisecond,
		WorkDir:             t.TempDir(),
	}, logger.GetDefault())
}

func TestRunOnce_NoWork(t *testing.T) {
	r := newTestRunner(t, newFakeAPI(), ExecutorFunc(func(ctx context.Context, task *Task) (*Output, error) {
		t.Fatal("executor must not run without work")
		return nil, nil
	}))
	handled, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestRunOnce_ReportsSuccess(t *testing.T) {
	api := newFakeAPI(&domain.WorkItem{ID: 1, JobID: "job-1", InputRefs: domain.StringArray{"s3://in/a"}})
	r := newTestRunner(t, api, ExecutorFunc(func(ctx context.Context, task *Task) (*Output, error) {
		assert.Equal(t, "subset", task.Metadata.Operation)
		assert.DirExists(t, task.WorkDir)
		return &Output{
			Refs:             []string{"s3://out/a"},
			Sizes:            []int64{42},
			Hits:             7,
			SearchAfterToken: []byte("tok"),
		}, nil
	}))

	handled, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, handled)

	rep := api.report(1)
	require.NotNil(t, rep)
	assert.Equal(t, domain.WorkItemStatusSuccessful, rep.Status)
	assert.Equal(t, []string{"s3://out/a"}, rep.Results)
	assert.Equal(t, []int64{42}, rep.OutputSizes)
	assert.Equal(t, 7, rep.Hits)
	assert.Equal(t, []byte("tok"), rep.SearchAfterToken)
}

func TestRunOnce_ReportsFailure(t *testing.T) {
	api := newFakeAPI(&domain.WorkItem{ID: 2, JobID: "job-1"})
	r := newTestRunner(t, api, ExecutorFunc(func(ctx context.Context, task *Task) (*Output, error) {
		return nil, errors.New("Service exited with code 3")
	}))

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	rep := api.report(2)
	require.NotNil(t, rep)
	assert.Equal(t, domain.WorkItemStatusFailed, rep.Status)
	assert.Equal(t, "Service exited with code 3", rep.ErrorMessage)
}

func TestRunOnce_StopsCanceledItem(t *testing.T) {
	api := newFakeAPI(&domain.WorkItem{ID: 3, JobID: "job-1"})
	started := make(chan struct{})
	r := newTestRunner(t, api, ExecutorFunc(func(ctx context.Context, task *Task) (*Output, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	go func() {
		<-started
		api.setStatus(domain.WorkItemStatusCanceled)
	}()

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, api.report(3), "canceled items are not reported")
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	api := newFakeAPI(&domain.WorkItem{ID: 4, JobID: "job-1"}, &domain.WorkItem{ID: 5, JobID: "job-1"})
	r := newTestRunner(t, api, ExecutorFunc(func(ctx context.Context, task *Task) (*Output, error) {
		return &Output{}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return api.report(4) != nil && api.report(5) != nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}
