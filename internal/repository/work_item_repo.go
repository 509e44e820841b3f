package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/stepflow/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrClaimConflict is returned when a selected item was taken by another claimer
// between selection and update.
var ErrClaimConflict = errors.New("work item claimed concurrently")

// claimableJobStatuses are the job statuses whose items may be handed to workers.
var claimableJobStatuses = []domain.JobStatus{
	domain.JobStatusRunning,
	domain.JobStatusRunningWithErrors,
}

// StatusCount is the number of a job's items in one step and status.
type StatusCount struct {
	StepIndex int
	Status    domain.WorkItemStatus
	Count     int
}

// WorkItemRepository handles work item persistence and the claim transition.
type WorkItemRepository struct {
	db *gorm.DB
}

// NewWorkItemRepository creates a new WorkItemRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//
// Returns:
//   - *WorkItemRepository: repository instance bound to db.
func NewWorkItemRepository(db *gorm.DB) *WorkItemRepository {
	return &WorkItemRepository{db: db}
}

// Create inserts new work items.
func (r *WorkItemRepository) Create(ctx context.Context, items []*domain.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&items).Error
}

// GetByID retrieves a work item by its ID.
func (r *WorkItemRepository) GetByID(ctx context.Context, id uint64) (*domain.WorkItem, error) {
	var item domain.WorkItem
	if err := r.db.WithContext(ctx).First(&item, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// ClaimNext moves the oldest claimable item of serviceID to RUNNING and returns it.
// It must run inside a transaction. Items whose job is paused or finished are skipped.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - serviceID: worker service asking for work.
//
// Returns:
//   - *domain.WorkItem: the claimed item with status RUNNING.
//   - error: gorm.ErrRecordNotFound when nothing is claimable, ErrClaimConflict on a lost race.
func (r *WorkItemRepository) ClaimNext(ctx context.Context, serviceID string) (*domain.WorkItem, error) {
	query := r.db.WithContext(ctx).
		Model(&domain.WorkItem{}).
		Select("work_items.*").
		Joins("JOIN jobs ON jobs.id = work_items.job_id").
		Where("work_items.service_id = ?", serviceID).
		Where("work_items.status IN ?", []domain.WorkItemStatus{domain.WorkItemStatusReady, domain.WorkItemStatusQueued}).
		Where("jobs.status IN ?", claimableJobStatuses).
		Order("work_items.id ASC").
		Limit(1)
	if isPostgres(r.db) {
		query = query.Clauses(clause.Locking{
			Strength: "UPDATE",
			Table:    clause.Table{Name: clause.CurrentTable},
			Options:  "SKIP LOCKED",
		})
	}

	var item domain.WorkItem
	if err := query.Take(&item).Error; err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.WorkItem{}).
		Where("id = ? AND status IN ?", item.ID, []domain.WorkItemStatus{domain.WorkItemStatusReady, domain.WorkItemStatusQueued}).
		Updates(map[string]interface{}{
			"status":     domain.WorkItemStatusRunning,
			"started_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim work item %d: %w", item.ID, res.Error)
	}
	if res.RowsAffected != 1 {
		return nil, ErrClaimConflict
	}

	item.Status = domain.WorkItemStatusRunning
	item.StartedAt = &now
	return &item, nil
}

// SaveOutcome persists the fields written when a worker reports on an item.
func (r *WorkItemRepository) SaveOutcome(ctx context.Context, item *domain.WorkItem) error {
	err := r.db.WithContext(ctx).Model(item).
		Select("status", "retry_count", "results", "output_sizes", "hits", "error_message", "duration_ms", "started_at").
		Updates(item).Error
	if err != nil {
		return fmt.Errorf("failed to save work item %d: %w", item.ID, err)
	}
	return nil
}

// ListByJob returns every item of a job ordered by step and sort index.
func (r *WorkItemRepository) ListByJob(ctx context.Context, jobID string) ([]domain.WorkItem, error) {
	var items []domain.WorkItem
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("step_index ASC, sort_index ASC, id ASC").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// CountByStepStatus groups a job's items by step and status.
func (r *WorkItemRepository) CountByStepStatus(ctx context.Context, jobID string) ([]StatusCount, error) {
	var rows []StatusCount
	if err := r.db.WithContext(ctx).Model(&domain.WorkItem{}).
		Select("step_index, status, COUNT(*) AS count").
		Where("job_id = ?", jobID).
		Group("step_index, status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CountActiveBefore counts non-terminal items in steps earlier than stepIndex.
func (r *WorkItemRepository) CountActiveBefore(ctx context.Context, jobID string, stepIndex int) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.WorkItem{}).
		Where("job_id = ? AND step_index < ? AND status IN ?", jobID, stepIndex, domain.ActiveWorkItemStatuses).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// NextSortIndex returns the sort index for the next item created in a step.
func (r *WorkItemRepository) NextSortIndex(ctx context.Context, jobID string, stepIndex int) (int, error) {
	var maxIndex *int
	if err := r.db.WithContext(ctx).Model(&domain.WorkItem{}).
		Select("MAX(sort_index)").
		Where("job_id = ? AND step_index = ?", jobID, stepIndex).
		Scan(&maxIndex).Error; err != nil {
		return 0, err
	}
	if maxIndex == nil {
		return 0, nil
	}
	return *maxIndex + 1, nil
}

// CancelActive moves every non-terminal item of a job to CANCELED.
// Returns:
//   - int64: number of items canceled.
//   - error: non-nil if the update fails.
func (r *WorkItemRepository) CancelActive(ctx context.Context, jobID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.WorkItem{}).
		Where("job_id = ? AND status IN ?", jobID, domain.ActiveWorkItemStatuses).
		Update("status", domain.WorkItemStatusCanceled)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to cancel work items for job %s: %w", jobID, res.Error)
	}
	return res.RowsAffected, nil
}

// ServicesWithReadyItems lists service IDs that have READY items in claimable jobs.
func (r *WorkItemRepository) ServicesWithReadyItems(ctx context.Context) ([]string, error) {
	var services []string
	if err := r.db.WithContext(ctx).Model(&domain.WorkItem{}).
		Joins("JOIN jobs ON jobs.id = work_items.job_id").
		Where("work_items.status = ? AND jobs.status IN ?", domain.WorkItemStatusReady, claimableJobStatuses).
		Distinct("work_items.service_id").
		Pluck("work_items.service_id", &services).Error; err != nil {
		return nil, err
	}
	return services, nil
}

// CountByServiceStatus counts items of one service in one status, within claimable jobs.
func (r *WorkItemRepository) CountByServiceStatus(ctx context.Context, serviceID string, status domain.WorkItemStatus) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.WorkItem{}).
		Joins("JOIN jobs ON jobs.id = work_items.job_id").
		Where("work_items.service_id = ? AND work_items.status = ? AND jobs.status IN ?",
			serviceID, status, claimableJobStatuses).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// ReadyJobIDs lists jobs with READY items for a service, oldest waiting job first.
func (r *WorkItemRepository) ReadyJobIDs(ctx context.Context, serviceID string) ([]string, error) {
	var rows []struct {
		JobID string
		MinID uint64
	}
	if err := r.db.WithContext(ctx).Model(&domain.WorkItem{}).
		Select("work_items.job_id AS job_id, MIN(work_items.id) AS min_id").
		Joins("JOIN jobs ON jobs.id = work_items.job_id").
		Where("work_items.service_id = ? AND work_items.status = ? AND jobs.status IN ?",
			serviceID, domain.WorkItemStatusReady, claimableJobStatuses).
		Group("work_items.job_id").
		Order("min_id ASC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.JobID)
	}
	return ids, nil
}

// QueueReady promotes up to limit of the oldest READY items of a job and service to QUEUED.
func (r *WorkItemRepository) QueueReady(ctx context.Context, jobID, serviceID string, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	var ids []uint64
	if err := r.db.WithContext(ctx).Model(&domain.WorkItem{}).
		Where("job_id = ? AND service_id = ? AND status = ?", jobID, serviceID, domain.WorkItemStatusReady).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Model(&domain.WorkItem{}).
		Where("id IN ? AND status = ?", ids, domain.WorkItemStatusReady).
		Update("status", domain.WorkItemStatusQueued)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to queue work items: %w", res.Error)
	}
	return res.RowsAffected, nil
}
