package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/cuemby/hydra/pkg/types"
)

// entryOverheadBytes is the constant per-row overhead added to the sum of
// variable-length field lengths when estimating an activity log entry's
// size (spec.md §3: "estimated from field lengths plus a constant
// overhead").
const entryOverheadBytes = 128

// EstimateSize computes the byte estimate used by the aggregate cap and
// the archival threshold.
func EstimateSize(e *types.ActivityLogEntry) int {
	return entryOverheadBytes + len(e.Action) + len(e.Target) + len(e.Details) +
		len(e.IPAddress) + len(e.UserAgent) + len(e.SessionID) + len(e.RequestID)
}

// InsertActivityLogEntry appends one entry and updates the user's running
// aggregate (total_entries, total_size_bytes) in the same transaction.
func (s *Store) InsertActivityLogEntry(e *types.ActivityLogEntry) error {
	size := EstimateSize(e)

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO activity_log (username, timestamp, category, action, target, success, duration_ms, details,
			ip_address, user_agent, session_id, request_id, estimated_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Username, e.Timestamp, e.Category, e.Action, e.Target, e.Success, e.DurationMS, e.Details,
		e.IPAddress, e.UserAgent, e.SessionID, e.RequestID, size)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO activity_log_aggregate (username, total_entries, total_size_bytes)
		VALUES (?, 1, ?)
		ON CONFLICT(username) DO UPDATE SET
			total_entries = total_entries + 1,
			total_size_bytes = total_size_bytes + excluded.total_size_bytes
	`, e.Username, size)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// AggregateSize returns a user's current live aggregate (total_entries,
// total_size_bytes), used by the archival sweep to decide whether to
// archive and by tests asserting the 100MB cap invariant.
func (s *Store) AggregateSize(username string) (entries int64, sizeBytes int64, err error) {
	row := s.db.QueryRow(`SELECT total_entries, total_size_bytes FROM activity_log_aggregate WHERE username = ?`, username)
	err = row.Scan(&entries, &sizeBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	return entries, sizeBytes, err
}

// ListActivityLogEntries returns a user's live entries, most recent first,
// limited to limit rows (0 means unlimited).
func (s *Store) ListActivityLogEntries(username string, limit int) ([]*types.ActivityLogEntry, error) {
	query := `SELECT id, username, timestamp, category, action, target, success, duration_ms, details,
		ip_address, user_agent, session_id, request_id, estimated_size
		FROM activity_log WHERE username = ? ORDER BY timestamp DESC`
	args := []any{username}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.ActivityLogEntry
	for rows.Next() {
		e, err := scanActivityLogEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanActivityLogEntry(row rowScanner) (*types.ActivityLogEntry, error) {
	var e types.ActivityLogEntry
	if err := row.Scan(&e.ID, &e.Username, &e.Timestamp, &e.Category, &e.Action, &e.Target, &e.Success, &e.DurationMS, &e.Details,
		&e.IPAddress, &e.UserAgent, &e.SessionID, &e.RequestID, &e.EstimatedSize); err != nil {
		return nil, err
	}
	return &e, nil
}

// ArchiveOldestPercent moves the oldest pct of a user's live entries (pct
// is a fraction of the entry count: 0.2 moves 20%) into the yearly archive
// table, stamped with archiveYear, and subtracts their
// size from the running aggregate (spec.md §3: "the oldest 20% of entries
// are moved to a yearly archive table" once the 80MB threshold is crossed).
func (s *Store) ArchiveOldestPercent(username string, pct float64, archiveYear int) (int, error) {
	entries, _, err := s.AggregateSize(username)
	if err != nil {
		return 0, err
	}
	n := int(float64(entries) * pct)
	if n <= 0 {
		return 0, nil
	}
	return s.archiveOldest(username, n, archiveYear)
}

// ArchiveBefore moves every live entry for username timestamped strictly
// before cutoff into the archive table (the January 1st yearly job, §4.8,
// run per-user by the caller across all users).
func (s *Store) ArchiveBefore(username string, cutoff time.Time, archiveYear int) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, username, timestamp, category, action, target, success, duration_ms, details,
			ip_address, user_agent, session_id, request_id, estimated_size
		FROM activity_log WHERE username = ? AND timestamp < ? ORDER BY timestamp ASC`, username, cutoff)
	if err != nil {
		return 0, err
	}
	var victims []*types.ActivityLogEntry
	for rows.Next() {
		e, err := scanActivityLogEntry(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		victims = append(victims, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if err := archiveRows(tx, victims, archiveYear); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(victims), nil
}

func (s *Store) archiveOldest(username string, n int, archiveYear int) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, username, timestamp, category, action, target, success, duration_ms, details,
			ip_address, user_agent, session_id, request_id, estimated_size
		FROM activity_log WHERE username = ? ORDER BY timestamp ASC LIMIT ?`, username, n)
	if err != nil {
		return 0, err
	}
	var victims []*types.ActivityLogEntry
	for rows.Next() {
		e, err := scanActivityLogEntry(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		victims = append(victims, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if err := archiveRows(tx, victims, archiveYear); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(victims), nil
}

// archiveRows moves a batch of already-fetched live entries into the
// archive table and adjusts the aggregate, within the caller's transaction.
func archiveRows(tx *sql.Tx, victims []*types.ActivityLogEntry, archiveYear int) error {
	var freedBytes int64
	for _, e := range victims {
		_, err := tx.Exec(`
			INSERT INTO activity_log_archive (id, username, timestamp, category, action, target, success, duration_ms, details,
				ip_address, user_agent, session_id, request_id, estimated_size, archive_year)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.Username, e.Timestamp, e.Category, e.Action, e.Target, e.Success, e.DurationMS, e.Details,
			e.IPAddress, e.UserAgent, e.SessionID, e.RequestID, e.EstimatedSize, archiveYear)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM activity_log WHERE id = ?`, e.ID); err != nil {
			return err
		}
		freedBytes += int64(e.EstimatedSize)
	}
	if len(victims) == 0 {
		return nil
	}
	_, err := tx.Exec(`
		UPDATE activity_log_aggregate SET total_entries = total_entries - ?, total_size_bytes = total_size_bytes - ?
		WHERE username = ?`, len(victims), freedBytes, victims[0].Username)
	return err
}

// ListUsersWithLiveEntries returns the distinct usernames holding at least
// one live (unarchived) activity log entry, used by the yearly rollover job
// to enumerate who needs archiving.
func (s *Store) ListUsersWithLiveEntries() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT username FROM activity_log`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListArchivedEntries returns a user's archived entries for a given
// archive year.
func (s *Store) ListArchivedEntries(username string, archiveYear int) ([]*types.ActivityLogEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, username, timestamp, category, action, target, success, duration_ms, details,
			ip_address, user_agent, session_id, request_id, estimated_size
		FROM activity_log_archive WHERE username = ? AND archive_year = ? ORDER BY timestamp ASC`, username, archiveYear)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.ActivityLogEntry
	for rows.Next() {
		e, err := scanActivityLogEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
