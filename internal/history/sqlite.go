package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLStore persists grading records in SQLite. A single connection with WAL
// journaling avoids lock contention between the HTTP handlers.
type SQLStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLStore opens (creating if needed) the database at dbPath.
func NewSQLStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLStore{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS grading_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER,
		image_url TEXT,
		predictions TEXT NOT NULL,
		top_class INTEGER NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		label TEXT NOT NULL DEFAULT '',
		inference_time INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_grading_history_created_at ON grading_history(created_at);
	CREATE INDEX IF NOT EXISTS idx_grading_history_user_id ON grading_history(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save inserts a record and trims the table back to MaxRecords, evicting the
// oldest rows first.
func (s *SQLStore) Save(ctx context.Context, rec *Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	predictions, err := json.Marshal(rec.Predictions)
	if err != nil {
		return 0, fmt.Errorf("failed to encode predictions: %w", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO grading_history (user_id, image_url, predictions, top_class, confidence, label, inference_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.UserID, TruncateImageRef(rec.ImageRef), string(predictions),
		rec.TopClass, rec.Confidence, rec.Label, rec.InferenceTime, createdAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM grading_history
		WHERE id NOT IN (
			SELECT id FROM grading_history
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`, MaxRecords)
	if err != nil {
		return 0, fmt.Errorf("failed to trim history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return id, nil
}

// List returns records newest-first.
func (s *SQLStore) List(ctx context.Context, q Query) ([]Record, error) {
	query := `
		SELECT id, user_id, image_url, predictions, top_class, confidence, label, inference_time, created_at
		FROM grading_history
	`
	args := []any{}
	if q.UserID != nil {
		query += " WHERE user_id = ?"
		args = append(args, *q.UserID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var rec Record
		var userID sql.NullInt64
		var predictions string
		if err := rows.Scan(&rec.ID, &userID, &rec.ImageRef, &predictions,
			&rec.TopClass, &rec.Confidence, &rec.Label, &rec.InferenceTime, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if userID.Valid {
			uid := userID.Int64
			rec.UserID = &uid
		}
		if err := json.Unmarshal([]byte(predictions), &rec.Predictions); err != nil {
			return nil, fmt.Errorf("failed to decode predictions: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes one record.
func (s *SQLStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM grading_history WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear removes all records.
func (s *SQLStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM grading_history`); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// Count reports how many records are stored.
func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM grading_history`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
