package sqlite

import (
	"database/sql"
	"time"

	"github.com/tmavro/enginebridge/internal/storage"
)

// TaskRepository stores the transfer task queue in SQLite.
type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(dbConn *sql.DB) *TaskRepository {
	return &TaskRepository{db: dbConn}
}

func (r *TaskRepository) EnqueueTask(rec storage.TaskRecord) error {
	now := time.Now().Format(time.RFC3339)

	headers := rec.HeadersJSON
	if headers == "" {
		headers = "{}"
	}

	progressHandle := rec.ProgressHandleID
	if progressHandle == 0 {
		progressHandle = -1
	}

	_, err := r.db.Exec(
		`INSERT INTO tasks (id, url, file_path, headers, progress_handle_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)`,
		rec.ID, rec.URL, rec.FilePath, headers, progressHandle, now, now,
	)

	return err
}

func (r *TaskRepository) GetTask(id string) (storage.TaskRecord, error) {
	row := r.db.QueryRow(
		`SELECT id, url, file_path, headers, progress_handle_id, status, locked_by, error_code, error, created_at, updated_at
		 FROM tasks WHERE id = ?`, id)

	rec, err := scanTask(row)
	if err == sql.ErrNoRows {
		return storage.TaskRecord{}, storage.ErrNotFound
	}

	return rec, err
}

func (r *TaskRepository) GetPendingTasks(limit int) ([]storage.TaskRecord, error) {
	rows, err := r.db.Query(
		`SELECT id, url, file_path, headers, progress_handle_id, status, locked_by, error_code, error, created_at, updated_at
		 FROM tasks WHERE status = 'pending' ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []storage.TaskRecord

	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, rec)
	}

	return tasks, rows.Err()
}

// ClaimTask atomically sets status to 'running' and locked_by to instanceID
// if the task is still pending and unclaimed.
func (r *TaskRepository) ClaimTask(id, instanceID string) (bool, error) {
	res, err := r.db.Exec(
		`UPDATE tasks SET status = 'running', locked_by = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending' AND (locked_by IS NULL OR locked_by = '')`,
		instanceID, time.Now().Format(time.RFC3339), id,
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

// CompleteTask records the task outcome and releases the claim.
func (r *TaskRepository) CompleteTask(id string, success bool, errorCode int32, errorMsg string) error {
	status := storage.StatusSucceeded
	if !success {
		status = storage.StatusFailed
	}

	_, err := r.db.Exec(
		`UPDATE tasks SET status = ?, error_code = ?, error = ?, locked_by = NULL, updated_at = ?
		 WHERE id = ?`,
		status, errorCode, errorMsg, time.Now().Format(time.RFC3339), id,
	)

	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (storage.TaskRecord, error) {
	var rec storage.TaskRecord

	var lockedBy, errMsg, createdAt, updatedAt sql.NullString

	var errorCode sql.NullInt32

	err := row.Scan(&rec.ID, &rec.URL, &rec.FilePath, &rec.HeadersJSON, &rec.ProgressHandleID,
		&rec.Status, &lockedBy, &errorCode, &errMsg, &createdAt, &updatedAt)
	if err != nil {
		return rec, err
	}

	rec.LockedBy = lockedBy.String
	rec.Error = errMsg.String
	rec.CreatedAt = createdAt.String
	rec.UpdatedAt = updatedAt.String
	rec.ErrorCode = errorCode.Int32

	return rec, nil
}
