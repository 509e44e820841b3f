package domain

import "time"

// WorkItemStatus represents the execution state of a work item.
type WorkItemStatus string

const (
	WorkItemStatusReady      WorkItemStatus = "ready"
	WorkItemStatusQueued     WorkItemStatus = "queued"
	WorkItemStatusRunning    WorkItemStatus = "running"
	WorkItemStatusSuccessful WorkItemStatus = "successful"
	WorkItemStatusFailed     WorkItemStatus = "failed"
	WorkItemStatusCanceled   WorkItemStatus = "canceled"
)

// ActiveWorkItemStatuses lists the statuses an item can still leave.
var ActiveWorkItemStatuses = []WorkItemStatus{
	WorkItemStatusReady,
	WorkItemStatusQueued,
	WorkItemStatusRunning,
}

// IsTerminal reports whether the status can never change again.
func (s WorkItemStatus) IsTerminal() bool {
	switch s {
	case WorkItemStatusSuccessful, WorkItemStatusFailed, WorkItemStatusCanceled:
		return true
	}
	return false
}

// IsClaimable reports whether a worker may claim an item in this status.
func (s WorkItemStatus) IsClaimable() bool {
	return s == WorkItemStatusReady || s == WorkItemStatusQueued
}

// WorkItem is one claimable unit of execution for a single step.
// ScrollToken and SearchAfterToken are opaque continuation tokens owned by the
// upstream catalog; they are stored and returned byte-for-byte.
type WorkItem struct {
	ID               uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID            string         `gorm:"type:text;not null;index:idx_work_items_job_step" json:"jobID"`
	StepIndex        int            `gorm:"not null;index:idx_work_items_job_step" json:"workflowStepIndex"`
	ServiceID        string         `gorm:"type:text;not null;index:idx_work_items_service_status" json:"serviceID"`
	Status           WorkItemStatus `gorm:"type:text;not null;index:idx_work_items_service_status;default:ready" json:"status"`
	RetryCount       int            `gorm:"not null;default:0" json:"retryCount"`
	ScrollToken      []byte         `json:"scrollToken,omitempty"`
	SearchAfterToken []byte         `json:"searchAfterToken,omitempty"`
	SortIndex        int            `gorm:"not null;default:0" json:"sortIndex"`
	InputRefs        StringArray    `gorm:"type:text" json:"inputRefs"`
	Results          StringArray    `gorm:"type:text" json:"results"`
	OutputSizes      Int64Array     `gorm:"type:text" json:"outputItemSizes"`
	ProducedBefore   int            `gorm:"not null;default:0" json:"producedBefore"`
	Hits             int            `gorm:"not null;default:0" json:"hits"`
	ErrorMessage     string         `gorm:"type:text" json:"errorMessage,omitempty"`
	StartedAt        *time.Time     `json:"startedAt,omitempty"`
	DurationMs       int64          `gorm:"not null;default:0" json:"duration"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// TableName returns the database table name for WorkItem.
func (WorkItem) TableName() string {
	return "work_items"
}

// SourceURL is the reference reported to users when the item fails.
func (w *WorkItem) SourceURL() string {
	if len(w.InputRefs) > 0 {
		return w.InputRefs[0]
	}
	return ""
}
