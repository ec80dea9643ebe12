package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/cuemby/hydra/pkg/types"
)

// CreateShareLink inserts a new share link row.
func (s *Store) CreateShareLink(l *types.ShareLink) error {
	_, err := s.db.Exec(`
		INSERT INTO share_links (token, owner_username, container_name, endpoint, access, expires_at, view_count, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, l.Token, l.OwnerUsername, l.ContainerName, l.Endpoint, l.Access, l.ExpiresAt, l.ViewCount, l.LastAccessed)
	return err
}

// GetShareLink fetches a share link by token.
func (s *Store) GetShareLink(token string) (*types.ShareLink, error) {
	row := s.db.QueryRow(`
		SELECT token, owner_username, container_name, endpoint, access, expires_at, view_count, last_accessed
		FROM share_links WHERE token = ?`, token)
	return scanShareLink(row)
}

// RecordShareLinkAccess atomically increments the view counter and stamps
// last_accessed, preserving strict monotonicity under concurrent redemption
// (the UPDATE is a single statement, serialized by SQLite's writer lock).
func (s *Store) RecordShareLinkAccess(token string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE share_links SET view_count = view_count + 1, last_accessed = ? WHERE token = ?`, at, token)
	return err
}

func scanShareLink(row rowScanner) (*types.ShareLink, error) {
	var l types.ShareLink
	if err := row.Scan(&l.Token, &l.OwnerUsername, &l.ContainerName, &l.Endpoint, &l.Access, &l.ExpiresAt, &l.ViewCount, &l.LastAccessed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}
