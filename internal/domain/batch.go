package domain

import "time"

// Batch accumulates upstream outputs for one aggregating step of a job.
// At most one batch per job and step is open at a time.
type Batch struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID      string    `gorm:"type:text;not null;uniqueIndex:idx_batches_job_step_seq" json:"jobID"`
	StepIndex  int       `gorm:"not null;uniqueIndex:idx_batches_job_step_seq" json:"stepIndex"`
	Sequence   int       `gorm:"not null;uniqueIndex:idx_batches_job_step_seq" json:"sequence"`
	IsClosed   bool      `gorm:"not null;default:false" json:"isClosed"`
	ItemCount  int       `gorm:"not null;default:0" json:"itemCount"`
	TotalBytes int64     `gorm:"not null;default:0" json:"totalBytes"`
	WorkItemID *uint64   `json:"workItemID,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`

	Items []BatchItem `gorm:"foreignKey:BatchID" json:"items,omitempty"`
}

// TableName returns the database table name for Batch.
func (Batch) TableName() string {
	return "batches"
}

// BatchItem is one upstream output assigned to a batch.
type BatchItem struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchID          uint64    `gorm:"not null;index" json:"batchID"`
	SourceWorkItemID uint64    `gorm:"not null" json:"sourceWorkItemID"`
	Ref              string    `gorm:"type:text;not null" json:"ref"`
	Size             int64     `gorm:"not null;default:0" json:"size"`
	SortIndex        int       `gorm:"not null;default:0" json:"sortIndex"`
	CreatedAt        time.Time `json:"createdAt"`
}

// TableName returns the database table name for BatchItem.
func (BatchItem) TableName() string {
	return "batch_items"
}
