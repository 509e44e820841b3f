package domain

import "time"

// WorkflowStep is one stage of a job's chain, bound to one worker service.
// Behaviour is selected by capability flags rather than step kinds:
// HasContinuation steps page through an upstream result set, IsAggregating
// steps take batches of upstream outputs as input.
type WorkflowStep struct {
	ID                  uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	JobID               string    `gorm:"type:text;not null;uniqueIndex:idx_steps_job_index" json:"jobID"`
	StepIndex           int       `gorm:"not null;uniqueIndex:idx_steps_job_index" json:"stepIndex"`
	ServiceID           string    `gorm:"type:text;not null" json:"serviceID"`
	Operation           string    `gorm:"type:text" json:"operation"`
	HasContinuation     bool      `gorm:"not null;default:false" json:"hasContinuation"`
	IsAggregating       bool      `gorm:"not null;default:false" json:"isAggregating"`
	MaxBatchInputs      int       `gorm:"not null;default:0" json:"maxBatchInputs,omitempty"`
	MaxBatchSizeInBytes int64     `gorm:"not null;default:0" json:"maxBatchSizeInBytes,omitempty"`
	PageSize            int       `gorm:"not null;default:0" json:"pageSize,omitempty"`
	WorkItemCount       int       `gorm:"not null;default:0" json:"workItemCount"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// TableName returns the database table name for WorkflowStep.
func (WorkflowStep) TableName() string {
	return "workflow_steps"
}
