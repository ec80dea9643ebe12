package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuemby/hydra/pkg/types"
)

// UpsertMigrationRecord inserts or replaces a migration record, including
// its full step log, on every transition (§4.3 appends one step-log entry
// per call).
func (s *Store) UpsertMigrationRecord(m *types.MigrationRecord) error {
	stepLog, err := json.Marshal(m.StepLog)
	if err != nil {
		return fmt.Errorf("storage: marshal step log: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO migration_records (id, username, from_node, to_node, current_step, status, started_at, completed_at, error_message, step_log)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			current_step=excluded.current_step, status=excluded.status,
			completed_at=excluded.completed_at, error_message=excluded.error_message, step_log=excluded.step_log
	`, m.ID, m.Username, m.FromNode, m.ToNode, m.CurrentStep, m.Status, m.StartedAt, m.CompletedAt, m.ErrorMessage, string(stepLog))
	return err
}

// GetInProgressMigration returns the single in_progress record for a user,
// if any (spec.md §3: at most one in_progress record per user).
func (s *Store) GetInProgressMigration(username string) (*types.MigrationRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, username, from_node, to_node, current_step, status, started_at, completed_at, error_message, step_log
		FROM migration_records WHERE username = ? AND status = ?`, username, types.MigrationInProgress)
	return scanMigrationRecord(row)
}

// GetMigrationRecord fetches a migration record by ID.
func (s *Store) GetMigrationRecord(id string) (*types.MigrationRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, username, from_node, to_node, current_step, status, started_at, completed_at, error_message, step_log
		FROM migration_records WHERE id = ?`, id)
	return scanMigrationRecord(row)
}

func scanMigrationRecord(row rowScanner) (*types.MigrationRecord, error) {
	var m types.MigrationRecord
	var stepLogJSON string
	if err := row.Scan(&m.ID, &m.Username, &m.FromNode, &m.ToNode, &m.CurrentStep, &m.Status, &m.StartedAt, &m.CompletedAt, &m.ErrorMessage, &stepLogJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(stepLogJSON), &m.StepLog); err != nil {
		return nil, fmt.Errorf("storage: unmarshal step log: %w", err)
	}
	return &m, nil
}
