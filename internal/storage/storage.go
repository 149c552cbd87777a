package storage

import "errors"

var (
	// ErrNotFound is returned when a task record does not exist.
	ErrNotFound = errors.New("storage: task not found")
)

// Task statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// TaskRecord is one queued transfer task and, once finished, its outcome.
type TaskRecord struct {
	ID               string
	URL              string
	FilePath         string
	HeadersJSON      string
	ProgressHandleID int64
	Status           string
	LockedBy         string
	ErrorCode        int32
	Error            string
	CreatedAt        string
	UpdatedAt        string
}

// TaskReadRepository reads queued and finished tasks.
type TaskReadRepository interface {
	GetTask(id string) (TaskRecord, error)
	GetPendingTasks(limit int) ([]TaskRecord, error)
}

// TaskWriteRepository mutates the queue.
type TaskWriteRepository interface {
	EnqueueTask(rec TaskRecord) error
	ClaimTask(id, instanceID string) (bool, error) // atomically claim a pending task
	CompleteTask(id string, success bool, errorCode int32, errorMsg string) error
}

// TaskRepository combines reads and writes.
type TaskRepository interface {
	TaskReadRepository
	TaskWriteRepository
}
