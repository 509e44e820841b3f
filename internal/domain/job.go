package domain

import "time"

// JobStatus represents the aggregate status of a job.
type JobStatus string

const (
	JobStatusRunning            JobStatus = "running"
	JobStatusRunningWithErrors  JobStatus = "running_with_errors"
	JobStatusSuccessful         JobStatus = "successful"
	JobStatusCompleteWithErrors JobStatus = "complete_with_errors"
	JobStatusFailed             JobStatus = "failed"
	JobStatusCanceled           JobStatus = "canceled"
	JobStatusPaused             JobStatus = "paused"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSuccessful, JobStatusCompleteWithErrors, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// Job is one submitted pipeline run. Status, progress and error count are
// derived from the job's work items and rewritten on every item transition.
type Job struct {
	ID               string     `gorm:"type:text;primaryKey" json:"jobID"`
	Status           JobStatus  `gorm:"type:text;not null;index;default:running" json:"status"`
	Progress         int        `gorm:"not null;default:0" json:"progress"`
	ErrorCount       int        `gorm:"not null;default:0" json:"errorCount"`
	IgnoreErrors     bool       `gorm:"not null" json:"ignoreErrors"`
	MaxErrorsAllowed int        `gorm:"not null;default:0" json:"maxErrorsAllowed"`
	MaxResults       int        `gorm:"not null;default:0" json:"maxResults"`
	NumInputs        int        `gorm:"not null;default:0" json:"numInputs"`
	Message          string     `gorm:"type:text" json:"message,omitempty"`
	Query            string     `gorm:"type:text" json:"query,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`

	Errors []JobError     `gorm:"foreignKey:JobID" json:"errors,omitempty"`
	Steps  []WorkflowStep `gorm:"foreignKey:JobID" json:"steps,omitempty"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string {
	return "jobs"
}

// JobError records one terminal work item failure against the job's error budget.
type JobError struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	JobID      string    `gorm:"type:text;not null;index" json:"-"`
	WorkItemID uint64    `gorm:"not null;uniqueIndex" json:"workItemID"`
	URL        string    `gorm:"type:text" json:"url"`
	Message    string    `gorm:"type:text" json:"message"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TableName returns the database table name for JobError.
func (JobError) TableName() string {
	return "job_errors"
}
