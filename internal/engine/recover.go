package engine

import (
	"context"
	"fmt"

	"github.com/Johnnywatts/forkerDotNet-sub001/internal/event"
)

// recover reconciles persisted state with the filesystem before the first
// dispatch: quarantine structurally corrupt rows, sweep staging areas of
// temp files no live target references, and log what resumes.
func (e *Engine) recover(ctx context.Context) error {
	quarantined, err := e.store.QuarantineCorrupt(ctx)
	if err != nil {
		return fmt.Errorf("audit state: %w", err)
	}
	for _, id := range quarantined {
		e.stats.AddJobsQuarantined(1)
		e.events.Record(event.Event{Type: event.JobQuarantined, JobID: id})
		e.log.Warn("job quarantined", "job", id)
	}

	live, err := e.store.StagedPaths(ctx)
	if err != nil {
		return fmt.Errorf("load staged paths: %w", err)
	}
	roots := []string{e.cfg.Targets.Primary.Root, e.cfg.Targets.Research.Root}
	removed, err := e.cop.SweepOrphans(roots, live)
	if err != nil {
		// Sweep problems cost disk space, not correctness.
		e.log.Warn("orphan sweep incomplete", "removed", removed, "error", err)
	}
	if removed > 0 {
		e.stats.AddOrphansRemoved(int64(removed))
		e.events.Record(event.Event{Type: event.OrphanRemoved, Size: int64(removed)})
		e.log.Info("orphaned staging files removed", "count", removed)
	}

	jobs, err := e.store.ListIncomplete(ctx)
	if err != nil {
		return fmt.Errorf("list incomplete jobs: %w", err)
	}
	if len(jobs) > 0 {
		e.log.Info("resuming incomplete jobs", "count", len(jobs))
		for _, j := range jobs {
			e.log.Debug("resume", "job", j.ID, "state", j.State, "path", j.SourcePath)
		}
	}
	return nil
}
