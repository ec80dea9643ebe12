package container

import (
	"context"
	"time"

	"github.com/cuemby/hydra/pkg/hydraerr"
	"github.com/cuemby/hydra/pkg/types"
)

// Migrate hands the move off to the migration engine (C5), returning the
// migration record's identifier (spec.md §4.2). Unlike the other
// operations, migrate does not hold the per-user lock for its whole
// duration — the migration engine itself owns serialization of
// concurrent migrations for one user (spec.md §4.3's "a second start
// cancels the prior record").
func (s *Service) Migrate(ctx context.Context, username, targetNode string, override *ConfigOverride) (string, error) {
	if s.migrator == nil {
		return "", hydraerr.Operation("migrator_unavailable", "container", "migration engine not wired", nil)
	}
	start := time.Now()
	id, err := s.migrator.Start(ctx, username, targetNode, override)
	s.recordActivity(username, string(types.CategoryContainer), "migrate", targetNode, err == nil, time.Since(start), "")
	return id, err
}
