package storage

import (
	"database/sql"
	"errors"

	"github.com/cuemby/hydra/pkg/types"
)

// CreateApprovalRequest inserts a new approval request and returns its
// assigned ID. Callers (pkg/quota) are responsible for enforcing the
// at-most-one-pending-per-(username,request_type) invariant before calling.
func (s *Store) CreateApprovalRequest(r *types.ApprovalRequest) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO approval_requests (username, target_node, request_type, memory_gb, cpus, storage_gb, gpu_count,
			status, reason, reviewer, created_at, decided_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Username, r.TargetNode, r.RequestType, r.MemoryGB, r.CPUs, r.StorageGB, r.GPUCount,
		r.Status, r.Reason, r.Reviewer, r.CreatedAt, r.DecidedAt, r.ExpiresAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetPendingApprovalRequest returns the single non-terminal request for a
// (username, request_type) pair, if any.
func (s *Store) GetPendingApprovalRequest(username string, reqType types.RequestType) (*types.ApprovalRequest, error) {
	row := s.db.QueryRow(`
		SELECT id, username, target_node, request_type, memory_gb, cpus, storage_gb, gpu_count,
			status, reason, reviewer, created_at, decided_at, expires_at
		FROM approval_requests WHERE username = ? AND request_type = ? AND status = ?
	`, username, reqType, types.StatusPending)
	return scanApprovalRequest(row)
}

// UpdateApprovalRequest persists a decision (approve/deny/expire) against
// an existing request row.
func (s *Store) UpdateApprovalRequest(r *types.ApprovalRequest) error {
	_, err := s.db.Exec(`
		UPDATE approval_requests SET status=?, reason=?, reviewer=?, decided_at=?, expires_at=? WHERE id=?
	`, r.Status, r.Reason, r.Reviewer, r.DecidedAt, r.ExpiresAt, r.ID)
	return err
}

// ListApprovalRequests returns all requests for a user, most recent first.
func (s *Store) ListApprovalRequests(username string) ([]*types.ApprovalRequest, error) {
	rows, err := s.db.Query(`
		SELECT id, username, target_node, request_type, memory_gb, cpus, storage_gb, gpu_count,
			status, reason, reviewer, created_at, decided_at, expires_at
		FROM approval_requests WHERE username = ? ORDER BY created_at DESC
	`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.ApprovalRequest
	for rows.Next() {
		r, err := scanApprovalRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanApprovalRequest(row rowScanner) (*types.ApprovalRequest, error) {
	var r types.ApprovalRequest
	if err := row.Scan(&r.ID, &r.Username, &r.TargetNode, &r.RequestType, &r.MemoryGB, &r.CPUs, &r.StorageGB, &r.GPUCount,
		&r.Status, &r.Reason, &r.Reviewer, &r.CreatedAt, &r.DecidedAt, &r.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}
