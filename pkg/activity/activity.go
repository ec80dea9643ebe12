// Package activity implements the append-only per-user activity log (C10,
// spec.md §4.8): it wraps pkg/storage's activity tables with the
// archive-on-threshold policy, an SSE-ready event broadcast, and the
// January-1st yearly rollover job. It satisfies pkg/container's
// ActivityRecorder interface so C4 can append entries without importing
// this package's full surface.
package activity

import (
	"sync"
	"time"

	"github.com/cuemby/hydra/pkg/events"
	"github.com/cuemby/hydra/pkg/log"
	"github.com/cuemby/hydra/pkg/metrics"
	"github.com/cuemby/hydra/pkg/storage"
	"github.com/cuemby/hydra/pkg/types"
)

// DefaultCapBytes is the per-user cap spec.md §3 bounds the aggregate at.
const DefaultCapBytes int64 = 100 * 1024 * 1024

// archiveThresholdFraction and archiveBatchFraction implement spec.md
// §4.8: once the live aggregate exceeds 80% of the cap, archive the
// oldest 20% of that user's entries.
const (
	archiveThresholdFraction = 0.8
	archiveBatchFraction     = 0.2
)

// Store is the activity log's service layer over pkg/storage.
type Store struct {
	store    *storage.Store
	broker   *events.Broker
	capBytes int64

	mu               sync.Mutex
	lastRolloverYear int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Deps bundles Store's collaborators.
type Deps struct {
	Store    *storage.Store
	Broker   *events.Broker
	CapBytes int64 // 0 means DefaultCapBytes
}

// New builds a Store from its collaborators.
func New(d Deps) *Store {
	cap := d.CapBytes
	if cap <= 0 {
		cap = DefaultCapBytes
	}
	return &Store{
		store:    d.Store,
		broker:   d.Broker,
		capBytes: cap,
		stopCh:   make(chan struct{}),
	}
}

// Record persists one entry, broadcasts it, and archives the user's
// oldest entries if the write pushed them past the threshold. Satisfies
// container.ActivityRecorder.
func (s *Store) Record(entry *types.ActivityLogEntry) error {
	if err := s.store.InsertActivityLogEntry(entry); err != nil {
		return err
	}

	s.broker.Publish(&events.Event{
		Type:     events.EventActivity,
		Username: entry.Username,
		Message:  entry.Action,
		Metadata: map[string]string{"category": string(entry.Category), "target": entry.Target},
	})

	return s.archiveIfNeeded(entry.Username)
}

func (s *Store) archiveIfNeeded(username string) error {
	_, sizeBytes, err := s.store.AggregateSize(username)
	if err != nil {
		return err
	}
	threshold := int64(float64(s.capBytes) * archiveThresholdFraction)
	if sizeBytes <= threshold {
		return nil
	}

	year := time.Now().UTC().Year()
	n, err := s.store.ArchiveOldestPercent(username, archiveBatchFraction, year)
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.ActivityEntriesArchivedTotal.Add(float64(n))
		l := log.WithComponent("activity")
		l.Info().Str("username", username).Int("archived", n).
			Msg("archived oldest entries past size threshold")
	}
	return nil
}

// List returns a user's live entries, most recent first.
func (s *Store) List(username string, limit int) ([]*types.ActivityLogEntry, error) {
	return s.store.ListActivityLogEntries(username, limit)
}

// Archived returns a user's entries archived under a given year.
func (s *Store) Archived(username string, archiveYear int) ([]*types.ActivityLogEntry, error) {
	return s.store.ListArchivedEntries(username, archiveYear)
}

// Subscribe opens a bus subscription. Callers filter by username
// themselves (spec.md §4.8: a per-user SSE endpoint filters the same bus
// the admin endpoint reads unfiltered).
func (s *Store) Subscribe() events.Subscriber {
	return s.broker.Subscribe()
}

// Unsubscribe closes a subscription opened with Subscribe.
func (s *Store) Unsubscribe(sub events.Subscriber) {
	s.broker.Unsubscribe(sub)
}
