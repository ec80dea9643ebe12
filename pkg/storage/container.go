package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/cuemby/hydra/pkg/types"
)

// UpsertContainerConfig inserts or replaces a user's container config.
func (s *Store) UpsertContainerConfig(c *types.ContainerConfig) error {
	var lastSeenReady any
	if !c.LastSeenReady.IsZero() {
		lastSeenReady = c.LastSeenReady
	}
	_, err := s.db.Exec(`
		INSERT INTO container_configs (username, current_node, preset_tier, memory_gb, cpus, storage_gb, gpu_count,
			resources_expire_at, last_migration_at, volume_name, storage_class, last_seen_ready, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			current_node=excluded.current_node, preset_tier=excluded.preset_tier,
			memory_gb=excluded.memory_gb, cpus=excluded.cpus, storage_gb=excluded.storage_gb, gpu_count=excluded.gpu_count,
			resources_expire_at=excluded.resources_expire_at, last_migration_at=excluded.last_migration_at,
			volume_name=excluded.volume_name, storage_class=excluded.storage_class,
			last_seen_ready=excluded.last_seen_ready, updated_at=excluded.updated_at
	`, c.Username, c.CurrentNode, c.PresetTier, c.MemoryGB, c.CPUs, c.StorageGB, c.GPUCount,
		c.ResourcesExpireAt, c.LastMigrationAt, c.VolumeName, c.StorageClass, lastSeenReady, c.CreatedAt, c.UpdatedAt)
	return err
}

// GetContainerConfig fetches a user's container config.
func (s *Store) GetContainerConfig(username string) (*types.ContainerConfig, error) {
	row := s.db.QueryRow(`
		SELECT username, current_node, preset_tier, memory_gb, cpus, storage_gb, gpu_count,
			resources_expire_at, last_migration_at, volume_name, storage_class, last_seen_ready, created_at, updated_at
		FROM container_configs WHERE username = ?`, username)
	return scanContainerConfig(row)
}

// DeleteContainerConfig removes a user's container config row (used by
// wipe, which has already removed the SSH-mux directory, the volume and
// the secret, in that order, per spec.md §3 ownership rules).
func (s *Store) DeleteContainerConfig(username string) error {
	_, err := s.db.Exec(`DELETE FROM container_configs WHERE username = ?`, username)
	return err
}

// ListContainerConfigs returns every user's container config, for the
// security monitor's periodic scan (C9) to enumerate running workloads.
func (s *Store) ListContainerConfigs() ([]*types.ContainerConfig, error) {
	rows, err := s.db.Query(`
		SELECT username, current_node, preset_tier, memory_gb, cpus, storage_gb, gpu_count,
			resources_expire_at, last_migration_at, volume_name, storage_class, last_seen_ready, created_at, updated_at
		FROM container_configs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.ContainerConfig
	for rows.Next() {
		c, err := scanContainerConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListContainerConfigsExpiring returns container configs whose
// resources_expire_at has passed asOf, for the quota engine's periodic
// sweep (C6).
func (s *Store) ListContainerConfigsExpiring(asOf time.Time) ([]*types.ContainerConfig, error) {
	rows, err := s.db.Query(`
		SELECT username, current_node, preset_tier, memory_gb, cpus, storage_gb, gpu_count,
			resources_expire_at, last_migration_at, volume_name, storage_class, last_seen_ready, created_at, updated_at
		FROM container_configs WHERE resources_expire_at IS NOT NULL AND resources_expire_at < ?`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.ContainerConfig
	for rows.Next() {
		c, err := scanContainerConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanContainerConfig(row rowScanner) (*types.ContainerConfig, error) {
	var c types.ContainerConfig
	var lastSeenReady sql.NullTime
	if err := row.Scan(&c.Username, &c.CurrentNode, &c.PresetTier, &c.MemoryGB, &c.CPUs, &c.StorageGB, &c.GPUCount,
		&c.ResourcesExpireAt, &c.LastMigrationAt, &c.VolumeName, &c.StorageClass, &lastSeenReady, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastSeenReady.Valid {
		c.LastSeenReady = lastSeenReady.Time
	}
	return &c, nil
}
