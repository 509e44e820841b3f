package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/timmy/stepflow/internal/domain"
	"github.com/timmy/stepflow/internal/logger"
	"github.com/timmy/stepflow/internal/repository"
)

const defaultQueueSchedule = "@every 5s"

// Scheduler periodically promotes READY items to QUEUED so each service keeps
// a bounded queue of claimable work, shared round-robin between its jobs.
type Scheduler struct {
	store      *repository.Store
	cron       *cron.Cron
	queueDepth int
	logger     *logger.Logger
}

// NewScheduler creates a new queue scheduler.
func NewScheduler(store *repository.Store, queueDepth int, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:      store,
		cron:       cron.New(cron.WithSeconds()),
		queueDepth: queueDepth,
		logger:     log,
	}
}

// Start begins periodic queue refills on the given cron schedule.
func (s *Scheduler) Start(schedule string) error {
	if schedule == "" {
		schedule = defaultQueueSchedule
	}

	_, err := s.cron.AddFunc(schedule, func() {
		s.runRefill()
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.WithField("schedule", schedule).Info("Queue scheduler started")
	return nil
}

// Stop stops the scheduler and waits for a running refill to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Queue scheduler stopped")
}

func (s *Scheduler) runRefill() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	ctx = logger.SetComponent(s.logger.WithContext(ctx), "scheduler")

	queued, err := s.Refill(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Queue refill failed")
		return
	}
	if queued > 0 {
		logger.With(nil).WithCount(queued).Debug(ctx, "Queue refill completed")
	}
}

// Refill tops up every service's QUEUED items to the configured depth.
// Returns:
//   - int: number of items promoted.
//   - error: non-nil if a query fails.
func (s *Scheduler) Refill(ctx context.Context) (int, error) {
	services, err := s.store.WorkItems.ServicesWithReadyItems(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, serviceID := range services {
		n, err := s.refillService(ctx, serviceID)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *Scheduler) refillService(ctx context.Context, serviceID string) (int, error) {
	queued, err := s.store.WorkItems.CountByServiceStatus(ctx, serviceID, domain.WorkItemStatusQueued)
	if err != nil {
		return 0, err
	}
	room := s.queueDepth - int(queued)
	if room <= 0 {
		return 0, nil
	}

	jobIDs, err := s.store.WorkItems.ReadyJobIDs(ctx, serviceID)
	if err != nil {
		return 0, err
	}

	// Hand out one slot per job per pass so a large job cannot fill the queue alone.
	total := 0
	for room > 0 && len(jobIDs) > 0 {
		remaining := jobIDs[:0]
		for _, jobID := range jobIDs {
			if room == 0 {
				break
			}
			n, err := s.store.WorkItems.QueueReady(ctx, jobID, serviceID, 1)
			if err != nil {
				return total, err
			}
			if n > 0 {
				room -= int(n)
				total += int(n)
				remaining = append(remaining, jobID)
			}
		}
		jobIDs = remaining
	}
	return total, nil
}
