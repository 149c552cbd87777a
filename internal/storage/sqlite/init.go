package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database and creates the tasks table if it doesn't exist.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		file_path TEXT NOT NULL,
		headers TEXT NOT NULL DEFAULT '{}',
		progress_handle_id INTEGER NOT NULL DEFAULT -1,
		status TEXT NOT NULL DEFAULT 'pending',
		locked_by TEXT,
		error_code INTEGER,
		error TEXT,
		created_at DATETIME,
		updated_at DATETIME
	)`)

	if err != nil {
		return nil, err
	}

	return db, nil
}
