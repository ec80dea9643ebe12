package storage

import (
	"github.com/cuemby/hydra/pkg/types"
)

// InsertSecurityEvent appends a recorded security event (C9).
func (s *Store) InsertSecurityEvent(e *types.SecurityEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO security_events (timestamp, username, container_name, event_type, severity, description, metrics, action_taken, container_paused)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Timestamp, e.Username, e.ContainerName, e.EventType, e.Severity, e.Description, e.Metrics, e.ActionTaken, e.ContainerPaused)
	return err
}

// ListSecurityEvents returns a user's security events, most recent first.
func (s *Store) ListSecurityEvents(username string, limit int) ([]*types.SecurityEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, username, container_name, event_type, severity, description, metrics, action_taken, container_paused
		FROM security_events WHERE username = ? ORDER BY timestamp DESC LIMIT ?`, username, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.SecurityEvent
	for rows.Next() {
		var e types.SecurityEvent
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Username, &e.ContainerName, &e.EventType, &e.Severity, &e.Description, &e.Metrics, &e.ActionTaken, &e.ContainerPaused); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ListAllSecurityEvents returns the most recent events across all users,
// for the admin-scoped dashboard view.
func (s *Store) ListAllSecurityEvents(limit int) ([]*types.SecurityEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, username, container_name, event_type, severity, description, metrics, action_taken, container_paused
		FROM security_events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.SecurityEvent
	for rows.Next() {
		var e types.SecurityEvent
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Username, &e.ContainerName, &e.EventType, &e.Severity, &e.Description, &e.Metrics, &e.ActionTaken, &e.ContainerPaused); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
