package sqlite

import (
	"context"
	"database/sql"

	"github.com/tmavro/enginebridge/internal/storage"
	"github.com/tmavro/enginebridge/internal/telemetry"
)

// InstrumentedTaskRepository wraps TaskRepository with telemetry.
type InstrumentedTaskRepository struct {
	repo      *TaskRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedTaskRepository creates a new instrumented task repository.
func NewInstrumentedTaskRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedTaskRepository {
	return &InstrumentedTaskRepository{
		repo:      NewTaskRepository(dbConn),
		telemetry: tel,
	}
}

// EnqueueTask enqueues a task with telemetry.
func (r *InstrumentedTaskRepository) EnqueueTask(rec storage.TaskRecord) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "enqueue_task", func(ctx context.Context) error {
		return r.repo.EnqueueTask(rec)
	})
}

// GetTask retrieves one task with telemetry.
func (r *InstrumentedTaskRepository) GetTask(id string) (storage.TaskRecord, error) {
	var result storage.TaskRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "get_task", func(ctx context.Context) error {
		result, err = r.repo.GetTask(id)

		return err
	})

	if instrumentedErr != nil {
		return storage.TaskRecord{}, instrumentedErr
	}

	return result, nil
}

// GetPendingTasks retrieves pending tasks with telemetry.
func (r *InstrumentedTaskRepository) GetPendingTasks(limit int) ([]storage.TaskRecord, error) {
	var result []storage.TaskRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "get_pending_tasks", func(ctx context.Context) error {
		result, err = r.repo.GetPendingTasks(limit)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// ClaimTask claims a task with telemetry.
func (r *InstrumentedTaskRepository) ClaimTask(id, instanceID string) (bool, error) {
	var result bool

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "claim_task", func(ctx context.Context) error {
		result, err = r.repo.ClaimTask(id, instanceID)

		return err
	})

	if instrumentedErr != nil {
		return false, instrumentedErr
	}

	return result, nil
}

// CompleteTask records a task outcome with telemetry.
func (r *InstrumentedTaskRepository) CompleteTask(id string, success bool, errorCode int32, errorMsg string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "complete_task", func(ctx context.Context) error {
		return r.repo.CompleteTask(id, success, errorCode, errorMsg)
	})
}
