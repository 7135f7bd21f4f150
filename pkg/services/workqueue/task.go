package workqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Task is a unit of generation work.
type Task interface {
	// ID returns a unique identifier for this task.
	ID() string

	// Name returns a human-readable name for progress logging.
	Name() string

	// RequiresSolver returns true if the task runs the cardinality solver.
	// Solver tasks are admitted by the queue's concurrency strategy.
	RequiresSolver() bool

	// Execute runs the task. The enqueuer lets it schedule follow-up tasks.
	Execute(ctx context.Context, enqueuer TaskEnqueuer) error
}

// TaskEnqueuer allows tasks to enqueue follow-up tasks.
type TaskEnqueuer interface {
	Enqueue(task Task)
}

// TaskState holds the runtime state of a task.
type TaskState struct {
	Task        Task
	Status      TaskStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       error

	mu sync.RWMutex
}

// NewTaskState creates a new TaskState wrapping a task.
func NewTaskState(task Task) *TaskState {
	return &TaskState{
		Task:   task,
		Status: TaskStatusPending,
	}
}

// GetStatus returns the current status (thread-safe).
func (ts *TaskState) GetStatus() TaskStatus {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.Status
}

// SetStatus updates the status and timestamps (thread-safe).
func (ts *TaskState) SetStatus(status TaskStatus) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.Status = status
	now := time.Now()

	switch status {
	case TaskStatusRunning:
		ts.StartedAt = &now
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		ts.CompletedAt = &now
	}
}

// SetError sets the error (thread-safe).
func (ts *TaskState) SetError(err error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.Error = err
}

// GetError returns the error (thread-safe).
func (ts *TaskState) GetError() error {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.Error
}

// Snapshot returns an immutable copy of the task state.
func (ts *TaskState) Snapshot() TaskSnapshot {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var errMsg string
	if ts.Error != nil {
		errMsg = ts.Error.Error()
	}
	var elapsed time.Duration
	if ts.StartedAt != nil && ts.CompletedAt != nil {
		elapsed = ts.CompletedAt.Sub(*ts.StartedAt)
	}

	return TaskSnapshot{
		ID:             ts.Task.ID(),
		Name:           ts.Task.Name(),
		RequiresSolver: ts.Task.RequiresSolver(),
		Status:         ts.Status,
		Elapsed:        elapsed,
		Error:          errMsg,
	}
}

// TaskSnapshot is an immutable view of task state.
type TaskSnapshot struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	RequiresSolver bool          `json:"requires_solver"`
	Status         TaskStatus    `json:"status"`
	Elapsed        time.Duration `json:"elapsed,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// BaseTask provides common task functionality.
// Embed this in concrete task implementations.
type BaseTask struct {
	id             string
	name           string
	requiresSolver bool
}

// NewBaseTask creates a new base task.
func NewBaseTask(name string, requiresSolver bool) BaseTask {
	return BaseTask{
		id:             uuid.New().String(),
		name:           name,
		requiresSolver: requiresSolver,
	}
}

// ID returns the task ID.
func (t BaseTask) ID() string {
	return t.id
}

// Name returns the task name.
func (t BaseTask) Name() string {
	return t.name
}

// RequiresSolver reports whether the task is admitted as a solver task.
func (t BaseTask) RequiresSolver() bool {
	return t.requiresSolver
}

// FuncTask adapts a function to a Task.
type FuncTask struct {
	BaseTask
	fn func(ctx context.Context, enqueuer TaskEnqueuer) error
}

// NewFuncTask creates a task running fn.
func NewFuncTask(name string, requiresSolver bool, fn func(ctx context.Context, enqueuer TaskEnqueuer) error) *FuncTask {
	return &FuncTask{BaseTask: NewBaseTask(name, requiresSolver), fn: fn}
}

// Execute runs the wrapped function.
func (t *FuncTask) Execute(ctx context.Context, enqueuer TaskEnqueuer) error {
	return t.fn(ctx, enqueuer)
}
