package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/Johnnywatts/forkerDotNet-sub001/internal/digest"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/event"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/model"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/store"
)

// candidate is a source file waiting out the settle window. Scanners and
// instruments write large files over many seconds; a file is admitted only
// once its size and mtime have held still for the configured window.
type candidate struct {
	size  int64
	mtime time.Time
	since time.Time
}

// discover scans the source directory once and admits settled files.
func (e *Engine) discover(ctx context.Context) {
	entries, err := os.ReadDir(e.cfg.Source.Dir)
	if err != nil {
		e.log.Error("scan source", "error", err)
		return
	}
	now := time.Now()
	seen := make(map[string]struct{}, len(entries))
	for _, ent := range entries {
		if ctx.Err() != nil {
			return
		}
		// Subdirectories, symlinks and devices are not replication inputs.
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		info, err := ent.Info()
		if err != nil {
			continue // vanished between readdir and stat
		}
		if !e.filt.Admit(name, info.Size()) {
			continue
		}
		seen[name] = struct{}{}

		c, ok := e.settle[name]
		if !ok || c.size != info.Size() || !c.mtime.Equal(info.ModTime()) {
			e.settle[name] = candidate{size: info.Size(), mtime: info.ModTime(), since: now}
			continue
		}
		if now.Sub(c.since) < e.cfg.Source.Settle.Std() {
			continue
		}
		if e.admit(ctx, filepath.Join(e.cfg.Source.Dir, name), info) {
			delete(e.settle, name)
		}
	}

	// Forget candidates whose file disappeared before settling.
	for name := range e.settle {
		if _, ok := seen[name]; !ok {
			delete(e.settle, name)
		}
	}
}

// admit creates the job record with both targets pending. Reports whether
// the path is now owned by a job, new or pre-existing.
func (e *Engine) admit(ctx context.Context, path string, info os.FileInfo) bool {
	disc := time.Now()
	id := digest.JobID(path, disc)
	job := &model.Job{
		ID:           id,
		SourcePath:   path,
		Size:         info.Size(),
		HashAlg:      e.cfg.Hashing.Algorithm,
		State:        model.JobDiscovered,
		DiscoveredAt: disc,
		Targets: []model.Target{
			{JobID: id, Name: model.TargetPrimary, Root: e.cfg.Targets.Primary.Root, State: model.TargetPending},
			{JobID: id, Name: model.TargetResearch, Root: e.cfg.Targets.Research.Root, State: model.TargetPending},
		},
	}
	err := e.store.CreateJob(ctx, job)
	if errors.Is(err, store.ErrSourceClaimed) {
		return true
	}
	if err != nil {
		e.persistFailed("admit job", err, "path", path)
		return false
	}
	e.stats.AddJobsAdmitted(1)
	e.events.Record(event.Event{Type: event.JobAdmitted, JobID: id, Path: path, Size: info.Size()})
	e.log.Info("job admitted", "job", id, "path", path, "size", info.Size())
	return true
}
