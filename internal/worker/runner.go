package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/timmy/stepflow/internal/domain"
	"github.com/timmy/stepflow/internal/logger"
	"github.com/timmy/stepflow/internal/service"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// WorkAPI is the part of the orchestrator API a Runner needs.
type WorkAPI interface {
	Claim(ctx context.Context, serviceID string) (*service.ClaimedWork, error)
	Complete(ctx context.Context, id uint64, report *Report) (*domain.WorkItem, error)
	Get(ctx context.Context, id uint64) (*domain.WorkItem, error)
}

// RunnerConfig holds configuration for a worker runner.
type RunnerConfig struct {
	ServiceID           string
	Concurrency         int
	PollInterval        time.Duration
	MaxPollInterval     time.Duration
	CancelCheckInterval time.Duration
	WorkDir             string
	Timeout             time.Duration
}

// Runner polls the orchestrator for one service and executes claimed items.
type Runner struct {
	api      WorkAPI
	executor Executor
	cfg      RunnerConfig
	limiter  *rate.Limiter
	logger   *logger.Logger
}

// NewRunner creates a new runner.
func NewRunner(api WorkAPI, executor Executor, cfg RunnerConfig, log *logger.Logger) *Runner {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = cfg.PollInterval
	}
	if cfg.CancelCheckInterval <= 0 {
		cfg.CancelCheckInterval = 10 * time.Second
	}
	return &Runner{
		api:      api,
		executor: executor,
		cfg:      cfg,
		// all pollers together claim at most Concurrency times per poll interval
		limiter: rate.NewLimiter(rate.Every(cfg.PollInterval/time.Duration(cfg.Concurrency)), cfg.Concurrency),
		logger:  log,
	}
}

// Run starts the pollers and blocks until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	ctx = logger.WithFields(r.logger.WithContext(ctx), logger.Fields{
		logger.FieldComponent: "worker",
		logger.FieldServiceID: r.cfg.ServiceID,
	})
	logger.CtxInfo(ctx, "Starting %d pollers", r.cfg.Concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Concurrency; i++ {
		pollerCtx := logger.WithField(ctx, logger.FieldWorkerID, i)
		g.Go(func() error {
			return r.poll(pollerCtx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) poll(ctx context.Context) error {
	backoff := r.cfg.PollInterval
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		handled, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			logger.CtxWarn(ctx, "Polling for work failed: %v", err)
		}
		if handled {
			backoff = r.cfg.PollInterval
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > r.cfg.MaxPollInterval {
			backoff = r.cfg.MaxPollInterval
		}
	}
}

// RunOnce claims and processes at most one item.
// Returns:
//   - bool: true when an item was claimed.
//   - error: non-nil if claiming or reporting failed.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	claimed, err := r.api.Claim(ctx, r.cfg.ServiceID)
	if errors.Is(err, ErrNoWork) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, r.process(ctx, claimed)
}

func (r *Runner) process(ctx context.Context, claimed *service.ClaimedWork) error {
	item := claimed.WorkItem
	ctx = logger.SetWorkItem(ctx, item.JobID, item.ID, item.ServiceID, item.StepIndex)

	workDir := filepath.Join(r.cfg.WorkDir, item.JobID, strconv.FormatUint(item.ID, 10))
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return r.report(ctx, item.ID, &Report{Status: domain.WorkItemStatusFailed, ErrorMessage: err.Error()})
	}
	defer os.RemoveAll(workDir)

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.cfg.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(execCtx, r.cfg.Timeout)
		defer cancel()
	}

	canceled := make(chan struct{})
	go r.watchCancellation(execCtx, item.ID, cancel, canceled)

	start := time.Now()
	out, err := r.executor.Invoke(execCtx, &Task{Item: item, Metadata: claimed.Metadata, WorkDir: workDir})
	durationMs := time.Since(start).Milliseconds()

	select {
	case <-canceled:
		logger.With(nil).WithDuration(durationMs).Info(ctx, "Stopped work item that was canceled")
		return nil
	default:
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	report := &Report{DurationMs: durationMs}
	if err != nil {
		report.Status = domain.WorkItemStatusFailed
		report.ErrorMessage = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			report.ErrorMessage = "Service timed out after " + r.cfg.Timeout.String()
		}
	} else {
		report.Status = domain.WorkItemStatusSuccessful
		report.Results = out.Refs
		report.OutputSizes = out.Sizes
		report.Hits = out.Hits
		report.ScrollToken = out.ScrollToken
		report.SearchAfterToken = out.SearchAfterToken
	}

	logger.With(nil).WithDuration(durationMs).WithStatus(string(report.Status)).Info(ctx, "Work item finished")
	return r.report(ctx, item.ID, report)
}

func (r *Runner) report(ctx context.Context, id uint64, report *Report) error {
	_, err := r.api.Complete(context.WithoutCancel(ctx), id, report)
	if err != nil {
		logger.CtxError(ctx, "Failed to report work item %d: %v", id, err)
	}
	return err
}

// watchCancellation polls the item and cancels execution once it is no longer RUNNING.
func (r *Runner) watchCancellation(ctx context.Context, id uint64, cancel context.CancelFunc, canceled chan<- struct{}) {
	ticker := time.NewTicker(r.cfg.CancelCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			item, err := r.api.Get(ctx, id)
			if err != nil {
				continue
			}
			if item.Status != domain.WorkItemStatusRunning {
				logger.With(nil).WithStatus(string(item.Status)).Warn(ctx, "Work item is no longer running, aborting")
				close(canceled)
				cancel()
				return
			}
		}
	}
}
