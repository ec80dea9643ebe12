package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/hydra/pkg/types"
)

// ErrNotFound is returned by Get-style lookups that find no row.
var ErrNotFound = errors.New("storage: not found")

// UpsertUserQuota inserts or replaces a user's quota row.
func (s *Store) UpsertUserQuota(q *types.UserQuota) error {
	approvals, err := json.Marshal(q.NodeApprovals)
	if err != nil {
		return fmt.Errorf("storage: marshal node approvals: %w", err)
	}
	now := q.UpdatedAt
	if now.IsZero() {
		now = q.CreatedAt
	}
	_, err = s.db.Exec(`
		INSERT INTO user_quotas (username, email, role, max_memory_gb, max_cpus, max_storage_gb, node_approvals, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			email=excluded.email, role=excluded.role,
			max_memory_gb=excluded.max_memory_gb, max_cpus=excluded.max_cpus, max_storage_gb=excluded.max_storage_gb,
			node_approvals=excluded.node_approvals, updated_at=excluded.updated_at
	`, q.Username, q.Email, q.Role, q.MaxMemoryGB, q.MaxCPUs, q.MaxStorage, string(approvals), q.CreatedAt, now)
	return err
}

// GetUserQuota fetches a user's quota by username.
func (s *Store) GetUserQuota(username string) (*types.UserQuota, error) {
	row := s.db.QueryRow(`
		SELECT username, email, role, max_memory_gb, max_cpus, max_storage_gb, node_approvals, created_at, updated_at
		FROM user_quotas WHERE username = ?`, username)
	return scanUserQuota(row)
}

// ListUserQuotas returns all user quotas.
func (s *Store) ListUserQuotas() ([]*types.UserQuota, error) {
	rows, err := s.db.Query(`
		SELECT username, email, role, max_memory_gb, max_cpus, max_storage_gb, node_approvals, created_at, updated_at
		FROM user_quotas ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.UserQuota
	for rows.Next() {
		q, err := scanUserQuota(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUserQuota(row rowScanner) (*types.UserQuota, error) {
	var q types.UserQuota
	var approvalsJSON string
	if err := row.Scan(&q.Username, &q.Email, &q.Role, &q.MaxMemoryGB, &q.MaxCPUs, &q.MaxStorage,
		&approvalsJSON, &q.CreatedAt, &q.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	q.NodeApprovals = make(map[string]types.NodeApproval)
	if err := json.Unmarshal([]byte(approvalsJSON), &q.NodeApprovals); err != nil {
		return nil, fmt.Errorf("storage: unmarshal node approvals: %w", err)
	}
	return &q, nil
}

// SetNodeApproval grants (or updates) a user's approval for a target node,
// optionally with an expiry. A zero expiry means unconditional.
func (s *Store) SetNodeApproval(username, node string, expiresAt time.Time) error {
	q, err := s.GetUserQuota(username)
	if err != nil {
		return err
	}
	if q.NodeApprovals == nil {
		q.NodeApprovals = map[string]types.NodeApproval{}
	}
	q.NodeApprovals[node] = types.NodeApproval{ExpiresAt: expiresAt}
	q.UpdatedAt = time.Now().UTC()
	return s.UpsertUserQuota(q)
}

// RemoveNodeApproval revokes a user's approval for a target node.
func (s *Store) RemoveNodeApproval(username, node string) error {
	q, err := s.GetUserQuota(username)
	if err != nil {
		return err
	}
	delete(q.NodeApprovals, node)
	q.UpdatedAt = time.Now().UTC()
	return s.UpsertUserQuota(q)
}
