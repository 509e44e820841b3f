package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/stepflow/internal/domain"
	"github.com/timmy/stepflow/internal/logger"
	"github.com/timmy/stepflow/internal/repository"
	"gorm.io/gorm"
)

// StepRequest describes one step of a submitted job.
type StepRequest struct {
	ServiceID           string `json:"serviceID" yaml:"serviceID"`
	Operation           string `json:"operation,omitempty" yaml:"operation,omitempty"`
	HasContinuation     bool   `json:"hasContinuation,omitempty" yaml:"hasContinuation,omitempty"`
	IsAggregating       bool   `json:"isAggregating,omitempty" yaml:"isAggregating,omitempty"`
	MaxBatchInputs      int    `json:"maxBatchInputs,omitempty" yaml:"maxBatchInputs,omitempty"`
	MaxBatchSizeInBytes int64  `json:"maxBatchSizeInBytes,omitempty" yaml:"maxBatchSizeInBytes,omitempty"`
	PageSize            int    `json:"pageSize,omitempty" yaml:"pageSize,omitempty"`
}

// JobRequest is a job submission. Step 0 either pages through Query or
// processes the explicit Inputs, one item per input.
type JobRequest struct {
	Steps            []StepRequest `json:"steps" yaml:"steps"`
	Inputs           []string      `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Query            string        `json:"query,omitempty" yaml:"query,omitempty"`
	MaxResults       int           `json:"maxResults,omitempty" yaml:"maxResults,omitempty"`
	IgnoreErrors     *bool         `json:"ignoreErrors,omitempty" yaml:"ignoreErrors,omitempty"`
	MaxErrorsAllowed *int          `json:"maxErrorsAllowed,omitempty" yaml:"maxErrorsAllowed,omitempty"`
}

// JobConfig holds job defaults applied at submission.
type JobConfig struct {
	IgnoreErrors      bool
	MaxErrorsAllowed  int
	MaxBatchInputs    int
	MaxBatchSizeBytes int64
	PageSize          int
}

// JobService plans submitted jobs and performs user-driven job transitions.
type JobService struct {
	store  *repository.Store
	cfg    JobConfig
	logger *logger.Logger
}

// NewJobService creates a new job service.
func NewJobService(store *repository.Store, log *logger.Logger, cfg *JobConfig) *JobService {
	return &JobService{
		store:  store,
		cfg:    *cfg,
		logger: log,
	}
}

// CreateJob validates a request, stores the job with its steps and creates
// the step 0 work items in one transaction.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: the submission.
//
// Returns:
//   - *domain.Job: the stored job.
//   - error: wraps ErrInvalidJobRequest when the request cannot be planned.
func (s *JobService) CreateJob(ctx context.Context, req *JobRequest) (*domain.Job, error) {
	ctx = s.logger.Attach(ctx)
	if err := validateJobRequest(req); err != nil {
		return nil, err
	}

	job := &domain.Job{
		ID:               uuid.New().String(),
		Status:           domain.JobStatusRunning,
		IgnoreErrors:     s.cfg.IgnoreErrors,
		MaxErrorsAllowed: s.cfg.MaxErrorsAllowed,
		MaxResults:       req.MaxResults,
		Query:            req.Query,
		Message:          messageRunning,
	}
	if req.IgnoreErrors != nil {
		job.IgnoreErrors = *req.IgnoreErrors
	}
	if req.MaxErrorsAllowed != nil {
		job.MaxErrorsAllowed = *req.MaxErrorsAllowed
	}

	for i, sr := range req.Steps {
		step := domain.WorkflowStep{
			StepIndex:           i,
			ServiceID:           sr.ServiceID,
			Operation:           sr.Operation,
			HasContinuation:     sr.HasContinuation,
			IsAggregating:       sr.IsAggregating,
			MaxBatchInputs:      sr.MaxBatchInputs,
			MaxBatchSizeInBytes: sr.MaxBatchSizeInBytes,
			PageSize:            sr.PageSize,
		}
		if step.IsAggregating {
			if step.MaxBatchInputs == 0 {
				step.MaxBatchInputs = s.cfg.MaxBatchInputs
			}
			if step.MaxBatchSizeInBytes == 0 {
				step.MaxBatchSizeInBytes = s.cfg.MaxBatchSizeBytes
			}
		}
		if step.HasContinuation && step.PageSize == 0 {
			step.PageSize = s.cfg.PageSize
		}
		job.Steps = append(job.Steps, step)
	}

	items := s.planFirstStep(job, req)
	job.Steps[0].WorkItemCount = len(items)

	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Jobs.Create(ctx, job); err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}
		return tx.WorkItems.Create(ctx, items)
	})
	if err != nil {
		return nil, err
	}

	logger.With(logger.Fields{
		logger.FieldJobID: job.ID,
		"steps":           len(job.Steps),
	}).WithCount(len(items)).Info(ctx, "Job created")
	return job, nil
}

func (s *JobService) planFirstStep(job *domain.Job, req *JobRequest) []*domain.WorkItem {
	first := job.Steps[0]
	if first.HasContinuation {
		job.NumInputs = req.MaxResults
		return []*domain.WorkItem{{
			JobID:     job.ID,
			StepIndex: 0,
			ServiceID: first.ServiceID,
			Status:    domain.WorkItemStatusReady,
			InputRefs: domain.StringArray{req.Query},
		}}
	}

	inputs := req.Inputs
	if req.MaxResults > 0 && len(inputs) > req.MaxResults {
		inputs = inputs[:req.MaxResults]
	}
	job.NumInputs = len(inputs)
	items := make([]*domain.WorkItem, 0, len(inputs))
	for i, ref := range inputs {
		items = append(items, &domain.WorkItem{
			JobID:     job.ID,
			StepIndex: 0,
			ServiceID: first.ServiceID,
			Status:    domain.WorkItemStatusReady,
			SortIndex: i,
			InputRefs: domain.StringArray{ref},
		})
	}
	return items
}

func validateJobRequest(req *JobRequest) error {
	if req == nil || len(req.Steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", ErrInvalidJobRequest)
	}
	for i, step := range req.Steps {
		if strings.TrimSpace(step.ServiceID) == "" {
			return fmt.Errorf("%w: step %d has no serviceID", ErrInvalidJobRequest, i)
		}
		if step.HasContinuation && i != 0 {
			return fmt.Errorf("%w: only the first step may page through a query", ErrInvalidJobRequest)
		}
		if step.MaxBatchInputs < 0 || step.MaxBatchSizeInBytes < 0 || step.PageSize < 0 {
			return fmt.Errorf("%w: step %d has a negative limit", ErrInvalidJobRequest, i)
		}
	}
	if req.Steps[0].IsAggregating {
		return fmt.Errorf("%w: the first step cannot aggregate", ErrInvalidJobRequest)
	}
	if req.MaxResults < 0 {
		return fmt.Errorf("%w: maxResults must not be negative", ErrInvalidJobRequest)
	}
	if req.MaxErrorsAllowed != nil && *req.MaxErrorsAllowed < 0 {
		return fmt.Errorf("%w: maxErrorsAllowed must not be negative", ErrInvalidJobRequest)
	}
	if req.Steps[0].HasContinuation {
		if strings.TrimSpace(req.Query) == "" {
			return fmt.Errorf("%w: a query is required when the first step pages", ErrInvalidJobRequest)
		}
		return nil
	}
	if len(req.Inputs) == 0 {
		return fmt.Errorf("%w: inputs are required", ErrInvalidJobRequest)
	}
	return nil
}

// GetJob returns a job with its steps and errors.
func (s *JobService) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := s.store.Jobs.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// ListJobs returns a page of jobs, newest first.
func (s *JobService) ListJobs(ctx context.Context, status domain.JobStatus, limit, offset int) ([]domain.Job, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.Jobs.List(ctx, status, limit, offset)
}

// ListWorkItems returns every item of a job.
func (s *JobService) ListWorkItems(ctx context.Context, jobID string) ([]domain.WorkItem, error) {
	if _, err := s.store.Jobs.Get(ctx, jobID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return s.store.WorkItems.ListByJob(ctx, jobID)
}

// CancelJob moves a job to CANCELED and cancels all of its unfinished items.
func (s *JobService) CancelJob(ctx context.Context, id string) (*domain.Job, error) {
	ctx = s.logger.Attach(ctx)
	return s.transition(ctx, id, func(tx *repository.Store, job *domain.Job, _ []domain.WorkflowStep) error {
		if job.Status.IsTerminal() {
			return fmt.Errorf("%w: job is already %s", ErrInvalidTransition, job.Status)
		}
		canceled, err := tx.WorkItems.CancelActive(ctx, job.ID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		job.Status = domain.JobStatusCanceled
		job.Message = messageCanceled
		job.CompletedAt = &now
		logger.With(logger.Fields{logger.FieldJobID: job.ID}).WithCount(int(canceled)).Info(ctx, "Job canceled")
		return tx.Jobs.SaveAggregate(ctx, job)
	})
}

// PauseJob stops further claims for a running job.
func (s *JobService) PauseJob(ctx context.Context, id string) (*domain.Job, error) {
	return s.transition(ctx, id, func(tx *repository.Store, job *domain.Job, _ []domain.WorkflowStep) error {
		if job.Status.IsTerminal() || job.Status == domain.JobStatusPaused {
			return fmt.Errorf("%w: cannot pause a job that is %s", ErrInvalidTransition, job.Status)
		}
		job.Status = domain.JobStatusPaused
		job.Message = messagePaused
		return tx.Jobs.SaveAggregate(ctx, job)
	})
}

// ResumeJob makes a paused job's items claimable again.
func (s *JobService) ResumeJob(ctx context.Context, id string) (*domain.Job, error) {
	ctx = s.logger.Attach(ctx)
	return s.transition(ctx, id, func(tx *repository.Store, job *domain.Job, steps []domain.WorkflowStep) error {
		if job.Status != domain.JobStatusPaused {
			return fmt.Errorf("%w: cannot resume a job that is %s", ErrInvalidTransition, job.Status)
		}
		job.Status = domain.JobStatusRunning
		return refreshJob(ctx, tx, job, steps, nil)
	})
}

func (s *JobService) transition(ctx context.Context, id string, fn func(tx *repository.Store, job *domain.Job, steps []domain.WorkflowStep) error) (*domain.Job, error) {
	ctx = logger.SetJobID(ctx, id)
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		job, err := tx.Jobs.Lock(ctx, id)
		if err != nil {
			return err
		}
		steps, err := tx.Steps.ListByJob(ctx, id)
		if err != nil {
			return err
		}
		return fn(tx, job, steps)
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}
