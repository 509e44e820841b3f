package worker

import (
	"context"

	"github.com/timmy/stepflow/internal/domain"
	"github.com/timmy/stepflow/internal/service"
)

// Task is a claimed item handed to an Executor.
type Task struct {
	Item     *domain.WorkItem
	Metadata service.WorkMetadata
	// WorkDir is a scratch directory owned by this task
	WorkDir string
}

// Output is what a successful invocation produced.
type Output struct {
	Refs             []string
	Sizes            []int64
	Hits             int
	ScrollToken      []byte
	SearchAfterToken []byte
}

// Executor runs the business logic of one step for one item.
type Executor interface {
	Invoke(ctx context.Context, task *Task) (*Output, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task *Task) (*Output, error)

// Invoke calls f.
func (f ExecutorFunc) Invoke(ctx context.Context, task *Task) (*Output, error) {
	return f(ctx, task)
}
