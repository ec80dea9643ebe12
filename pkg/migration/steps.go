package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/hydra/pkg/container"
	"github.com/cuemby/hydra/pkg/events"
	"github.com/cuemby/hydra/pkg/log"
	"github.com/cuemby/hydra/pkg/orchestrator"
	"github.com/cuemby/hydra/pkg/sshmux"
	"github.com/cuemby/hydra/pkg/types"
)

// run drives rec through steps 1-10, persisting after every transition and
// publishing a progress event. A failure at any step stops the machine,
// marks the record FAILED with that step's label, and leaves the source
// workload's volume and stored config untouched so the caller may retry
// (spec.md §4.3).
func (e *Engine) run(ctx context.Context, rec *types.MigrationRecord, cfg *types.ContainerConfig, toNode types.NodeDescriptor, override *container.ConfigOverride) {
	defer e.finishActive(rec.Username, rec.ID)

	logger := log.WithComponent("migration").With().Str("migration_id", rec.ID).Str("username", rec.Username).Logger()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	preset := types.Preset{Name: cfg.PresetTier, MemoryGB: cfg.MemoryGB, CPUs: cfg.CPUs, StorageGB: cfg.StorageGB, GPUCount: cfg.GPUCount}
	if override != nil {
		preset.MemoryGB, preset.CPUs, preset.StorageGB, preset.GPUCount = override.MemoryGB, override.CPUs, override.StorageGB, override.GPUCount
		if override.PresetTier != "" {
			preset.Name = override.PresetTier
		}
	}

	fail := func(step int, err error) {
		// A superseding Start cancels this run's context with a cause; the
		// record should read "superseded", not a bare context error.
		if cause := context.Cause(ctx); errors.Is(cause, errSuperseded) {
			err = errSuperseded
		}
		rec.Status = types.MigrationFailed
		rec.CurrentStep = types.StepFailed
		rec.ErrorMessage = fmt.Sprintf("failed at %s: %v", types.StepName(step), err)
		e.appendStep(rec, types.StepFailed, rec.ErrorMessage)
		_ = e.store.UpsertMigrationRecord(rec)
		e.publish(rec, events.EventMigrationFailed, rec.ErrorMessage)
		logger.Error().Err(err).Int("step", step).Msg("migration failed")
	}

	advance := func(step int, message string) bool {
		e.appendStep(rec, step, message)
		if err := e.store.UpsertMigrationRecord(rec); err != nil {
			fail(step, err)
			return false
		}
		e.publish(rec, events.EventMigrationProgress, message)
		return true
	}

	workloadName := container.WorkloadName(rec.Username)

	if err := e.backend.DeleteWorkload(ctx, workloadName); err != nil {
		fail(types.StepStopping, err)
		return
	}
	if !advance(types.StepStopping, "workload stopped") {
		return
	}
	if !advance(types.StepStopped, "workload confirmed stopped") {
		return
	}

	sameClass := cfg.StorageClass == toNode.StorageClass
	targetVolume := cfg.VolumeName

	if sameClass {
		if !advance(types.StepCreatingTargetStorage, "same storage class, reusing volume") {
			return
		}
		if !advance(types.StepStorageReady, "volume rebind complete") {
			return
		}
		if !advance(types.StepCopyingData, "no data copy required") {
			return
		}
		if !advance(types.StepDataCopied, "no data copy required") {
			return
		}
	} else {
		targetVolume = rec.ID + "-vol"
		if err := e.backend.CreateVolume(ctx, orchestrator.VolumeSpec{
			Name:         targetVolume,
			SizeGB:       preset.StorageGB,
			StorageClass: toNode.StorageClass,
		}); err != nil {
			fail(types.StepCreatingTargetStorage, err)
			return
		}
		if !advance(types.StepCreatingTargetStorage, "target volume created") {
			return
		}
		if !advance(types.StepStorageReady, "target volume ready") {
			return
		}

		jobName := "migrate-" + rec.ID
		if err := e.backend.SubmitJob(ctx, orchestrator.JobSpec{
			Name:         jobName,
			Node:         toNode.Name,
			SourceVolume: cfg.VolumeName,
			TargetVolume: targetVolume,
		}); err != nil {
			fail(types.StepCopyingData, err)
			return
		}
		if !advance(types.StepCopyingData, "copy job running") {
			return
		}
		result, err := e.backend.AwaitJob(ctx, jobName, e.timeout)
		if err != nil {
			fail(types.StepCopyingData, err)
			return
		}
		if !result.Succeeded {
			fail(types.StepCopyingData, fmt.Errorf("copy job exited %d: %s", result.ExitCode, result.Message))
			return
		}
		if !advance(types.StepDataCopied, "data copy complete") {
			return
		}
	}

	spec := container.BuildWorkloadSpec(rec.Username, toNode.Name, preset, targetVolume)
	if err := e.backend.CreateWorkload(ctx, spec); err != nil {
		fail(types.StepCreatingWorkload, err)
		return
	}
	if !advance(types.StepCreatingWorkload, "workload created on target node") {
		return
	}

	if err := e.backend.WaitWorkloadReady(ctx, workloadName, e.timeout); err != nil {
		fail(types.StepWorkloadReady, err)
		return
	}
	if !advance(types.StepWorkloadReady, "workload ready on target node") {
		return
	}

	if e.sshmux != nil {
		host := toNode.Address
		if status, err := e.backend.GetWorkload(ctx, workloadName); err == nil && status.Node != "" {
			if nd, ok := e.catalog.Node(status.Node); ok && nd.Address != "" {
				host = nd.Address
			}
		}
		hostport := fmt.Sprintf("%s:%d", host, sshmux.DerivePort(rec.Username))
		if err := e.sshmux.WriteUpstream(rec.Username, hostport); err != nil {
			fail(types.StepUpdatingRoutes, err)
			return
		}
	}
	if e.proxy != nil {
		if err := container.RegenerateProxyDocument(e.backend, e.proxy, rec.Username); err != nil {
			fail(types.StepUpdatingRoutes, err)
			return
		}
	}
	if !advance(types.StepUpdatingRoutes, "routes updated") {
		return
	}

	if !sameClass {
		if err := e.backend.DeleteVolume(ctx, cfg.VolumeName); err != nil {
			logger.Warn().Err(err).Msg("source volume cleanup failed after successful migration")
		}
	}

	now := time.Now().UTC()
	newCfg := *cfg
	newCfg.CurrentNode = toNode.Name
	newCfg.StorageClass = toNode.StorageClass
	newCfg.VolumeName = targetVolume
	newCfg.PresetTier = preset.Name
	newCfg.MemoryGB = preset.MemoryGB
	newCfg.CPUs = preset.CPUs
	newCfg.StorageGB = preset.StorageGB
	newCfg.GPUCount = preset.GPUCount
	newCfg.LastMigrationAt = &now
	newCfg.UpdatedAt = now
	if err := e.store.UpsertContainerConfig(&newCfg); err != nil {
		fail(types.StepCompleted, err)
		return
	}

	if !sameClass {
		if err := e.backend.DeleteVolume(ctx, cfg.VolumeName); err != nil {
			logger.Warn().Err(err).Msg("source volume cleanup failed after successful migration")
		}
	}

	rec.Status = types.MigrationCompleted
	rec.CompletedAt = &now
	if !advance(types.StepCompleted, "migration completed") {
		return
	}
	e.publish(rec, events.EventMigrationComplete, "migration completed")
}
