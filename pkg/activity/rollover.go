package activity

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hydra/pkg/log"
)

// yearlyCheckInterval governs how often the rollover loop checks whether
// January 1st has passed since its last run. Checking hourly rather than
// waiting a full year means a daemon restarted mid-year still catches the
// boundary within an hour of it passing, not a year later.
const yearlyCheckInterval = time.Hour

// StartRollover launches the yearly archive job (spec.md §4.8), grounded
// on pkg/reconciler's ticker run loop.
func (s *Store) StartRollover(ctx context.Context) {
	s.wg.Add(1)
	go s.runRollover(ctx)
}

// StopRollover signals the rollover loop to exit and waits for it.
func (s *Store) StopRollover() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Store) runRollover(ctx context.Context) {
	defer s.wg.Done()
	logger := log.WithComponent("activity")

	s.maybeRollover(logger)

	ticker := time.NewTicker(yearlyCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.maybeRollover(logger)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// maybeRollover archives every live entry older than the current year,
// once per calendar year. Entries are stamped under the year that just
// ended, matching the archive table's per-run archive_year convention.
func (s *Store) maybeRollover(logger zerolog.Logger) {
	now := time.Now().UTC()
	year := now.Year()

	s.mu.Lock()
	already := s.lastRolloverYear >= year
	s.mu.Unlock()
	if already {
		return
	}

	cutoff := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	if now.Before(cutoff) {
		return
	}

	users, err := s.store.ListUsersWithLiveEntries()
	if err != nil {
		logger.Error().Err(err).Msg("list users for yearly rollover failed")
		return
	}

	var total int
	for _, u := range users {
		n, err := s.store.ArchiveBefore(u, cutoff, year-1)
		if err != nil {
			logger.Error().Err(err).Str("username", u).Msg("yearly archive failed")
			continue
		}
		total += n
	}

	s.mu.Lock()
	s.lastRolloverYear = year
	s.mu.Unlock()

	logger.Info().Int("year", year).Int("archived_entries", total).Int("users", len(users)).
		Msg("yearly activity archive complete")
}
