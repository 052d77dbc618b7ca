package engine

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/Johnnywatts/forkerDotNet-sub001/internal/copier"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/digest"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/event"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/model"
)

// maxBackoff caps exponential retry delays.
const maxBackoff = 5 * time.Minute

// retryDelay is the wait before attempt+1: base doubled per failure, capped.
func retryDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 16 {
		return maxBackoff
	}
	d := base << (attempts - 1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}

func due(at *time.Time, now time.Time) bool {
	return at == nil || !now.Before(*at)
}

// step advances job by exactly one unit of work. The caller holds the job's
// token, so nothing else mutates this job while it runs and the in-memory
// view stays authoritative.
func (e *Engine) step(job *model.Job) {
	// ctx bounds the step's work. Outcome writes ride e.base instead, so
	// an operation that ran out of time can still book what happened.
	ctx, cancel := context.WithTimeout(e.base, e.cfg.Replication.OperationTimeout.Std())
	defer cancel()

	if job.SourceDigest == "" {
		e.stepSourceDigest(ctx, job)
		return
	}
	now := time.Now()
	for i := range job.Targets {
		t := &job.Targets[i]
		if t.State.Terminal() || !due(t.NextAttempt, now) {
			continue
		}
		e.stepTarget(ctx, job, t)
		return
	}
	if job.State == model.JobVerified && job.CleanedAt == nil && due(job.NextAttempt, now) {
		e.stepCleanup(job)
	}
}

// stepSourceDigest records the source content digest before any bytes move.
// Every later verification compares against this value.
func (e *Engine) stepSourceDigest(ctx context.Context, job *model.Job) {
	sum, xxh, err := digest.SumFile(ctx, job.HashAlg, job.SourcePath)
	if err != nil {
		e.failJobStep(job, model.Transient("hash source", err))
		return
	}
	if err := e.store.SetSourceDigest(e.base, job.ID, sum, xxh); err != nil {
		e.persistFailed("persist source digest", err, "job", job.ID)
		return
	}
	e.events.Record(event.Event{Type: event.SourceHashed, JobID: job.ID})
	e.log.Info("source hashed", "job", job.ID, "alg", job.HashAlg, "digest", sum)
}

func (e *Engine) stepTarget(ctx context.Context, job *model.Job, t *model.Target) {
	switch t.State {
	case model.TargetPending, model.TargetStaging:
		e.stageTarget(ctx, job, t)
	case model.TargetStaged:
		e.publishTarget(job, t)
	case model.TargetVerificationPending:
		e.verifyTarget(ctx, job, t)
	}
}

// stageTarget copies the source into the target's staging area. The STAGING
// record commits before the first byte moves, so a crash mid-copy leaves an
// unreferenced temp file the startup sweep recognizes and removes.
func (e *Engine) stageTarget(ctx context.Context, job *model.Job, t *model.Target) {
	if t.State != model.TargetStaging {
		t.State = model.TargetStaging
		if err := e.store.SaveTarget(e.base, job.ID, t); err != nil {
			e.persistFailed("persist staging intent", err, "job", job.ID, "target", t.Name)
			return
		}
	}

	res, err := e.cop.Stage(ctx, t.Name, job.ID, job.SourcePath, t.Root)
	if err != nil {
		e.failTarget(job, t, err)
		return
	}

	t.StagedPath = res.StagedPath
	t.State = model.TargetStaged
	t.Attempts = 0
	t.NextAttempt = nil
	t.LastError = ""
	if err := e.store.SaveTarget(e.base, job.ID, t); err != nil {
		e.persistFailed("persist staged", err, "job", job.ID, "target", t.Name)
		return
	}
	e.stats.AddTargetsStaged(1)
	e.stats.AddBytesStaged(res.Bytes)
	e.events.Record(event.Event{Type: event.TargetStaged, JobID: job.ID, Target: t.Name, Size: res.Bytes})
	e.log.Info("target staged", "job", job.ID, "target", t.Name,
		"bytes", res.Bytes, "method", res.Method.String())
}

// publishTarget renames the staged file to its final destination path.
func (e *Engine) publishTarget(job *model.Job, t *model.Target) {
	final, err := e.cop.FinalPath(t.Root, job.SourcePath)
	if err != nil {
		e.failTarget(job, t, err)
		return
	}

	err = e.cop.Publish(t.Name, t.StagedPath, final)
	if errors.Is(err, copier.ErrStagedVanished) {
		// Neither staged nor final exists. The copy work is lost; go back
		// and stage again, burning one attempt.
		e.log.Warn("staged file missing, restaging", "job", job.ID, "target", t.Name)
		t.State = model.TargetPending
		t.StagedPath = ""
		e.failTarget(job, t, model.Transient("publish", err))
		return
	}
	if err != nil {
		e.failTarget(job, t, err)
		return
	}

	t.FinalPath = final
	t.StagedPath = ""
	t.State = model.TargetVerificationPending
	t.Attempts = 0
	t.NextAttempt = nil
	t.LastError = ""
	if err := e.store.SaveTarget(e.base, job.ID, t); err != nil {
		e.persistFailed("persist published", err, "job", job.ID, "target", t.Name)
		return
	}
	e.stats.AddTargetsPublished(1)
	e.events.Record(event.Event{Type: event.TargetPublished, JobID: job.ID, Target: t.Name, Path: final})
	e.log.Info("target published", "job", job.ID, "target", t.Name, "path", final)
}

// verifyTarget re-reads the published file and compares its digest to the
// source record. A mismatch is terminal and the bad copy is removed, so a
// destination never serves wrong bytes under a right name.
func (e *Engine) verifyTarget(ctx context.Context, job *model.Job, t *model.Target) {
	sum, xxh, err := digest.SumFile(ctx, job.HashAlg, t.FinalPath)
	if err != nil {
		e.failTarget(job, t, model.Transient("verify read", err))
		return
	}
	if sum != job.SourceDigest {
		if rmErr := os.Remove(t.FinalPath); rmErr != nil && !os.IsNotExist(rmErr) {
			e.log.Error("remove mismatched copy", "job", job.ID, "target", t.Name, "error", rmErr)
		}
		e.failTarget(job, t, &model.IntegrityError{
			Target:    t.Name,
			Algorithm: job.HashAlg,
			Want:      job.SourceDigest,
			Got:       sum,
		})
		return
	}

	t.Digest = sum
	t.XXH64 = xxh
	t.State = model.TargetVerified
	t.Attempts = 0
	t.NextAttempt = nil
	t.LastError = ""
	if err := e.store.SaveTarget(e.base, job.ID, t); err != nil {
		e.persistFailed("persist verified", err, "job", job.ID, "target", t.Name)
		return
	}
	e.stats.AddTargetsVerified(1)
	e.events.Record(event.Event{Type: event.TargetVerified, JobID: job.ID, Target: t.Name})
	e.log.Info("target verified", "job", job.ID, "target", t.Name, "digest", sum)

	if model.DeriveJobState(job.Targets) == model.JobVerified {
		e.stats.AddJobsVerified(1)
		e.events.Record(event.Event{Type: event.JobVerified, JobID: job.ID})
		e.log.Info("job verified", "job", job.ID, "path", job.SourcePath)
	}
}

// stepCleanup removes the source file after both copies verified. Failures
// retry indefinitely with capped backoff: the data is already safe, the
// claim holds, and the stuck job stays visible in status output.
func (e *Engine) stepCleanup(job *model.Job) {
	if err := e.cop.CleanupSource(job.SourcePath); err != nil {
		attempts := job.Attempts + 1
		next := time.Now().Add(retryDelay(e.cfg.Replication.RetryBackoff.Std(), attempts))
		if berr := e.store.BumpJobBackoff(e.base, job.ID, attempts, next, err.Error()); berr != nil {
			e.persistFailed("persist cleanup backoff", berr, "job", job.ID)
			return
		}
		e.stats.AddRetries(1)
		e.log.Warn("source cleanup failed, will retry", "job", job.ID, "attempt", attempts, "error", err)
		return
	}
	if err := e.store.MarkCleaned(e.base, job.ID, time.Now()); err != nil {
		e.persistFailed("persist cleanup", err, "job", job.ID)
		return
	}
	e.stats.AddSourcesCleaned(1)
	e.events.Record(event.Event{Type: event.SourceCleaned, JobID: job.ID, Path: job.SourcePath})
	e.log.Info("source removed", "job", job.ID, "path", job.SourcePath)
}

// failTarget books a failed target attempt: transient errors back off until
// the retry limit, everything else fails the target with its code.
func (e *Engine) failTarget(job *model.Job, t *model.Target, err error) {
	attempts := t.Attempts + 1
	if model.IsTransient(err) && attempts < e.cfg.Replication.RetryLimit {
		t.Attempts = attempts
		next := time.Now().Add(retryDelay(e.cfg.Replication.RetryBackoff.Std(), attempts))
		t.NextAttempt = &next
		t.LastError = err.Error()
		if serr := e.store.SaveTarget(e.base, job.ID, t); serr != nil {
			e.persistFailed("persist retry", serr, "job", job.ID, "target", t.Name)
			return
		}
		e.stats.AddRetries(1)
		e.log.Warn("target step failed, will retry",
			"job", job.ID, "target", t.Name, "state", t.State, "attempt", attempts, "error", err)
		return
	}

	before := model.DeriveJobState(job.Targets)
	if t.StagedPath != "" {
		if rmErr := os.Remove(t.StagedPath); rmErr != nil && !os.IsNotExist(rmErr) {
			e.log.Warn("remove staged leftover", "job", job.ID, "target", t.Name, "error", rmErr)
		}
		t.StagedPath = ""
	}
	t.State = model.TargetFailed
	t.FailureCode = model.FailureCode(err)
	t.LastError = err.Error()
	t.Attempts = attempts
	t.NextAttempt = nil
	if serr := e.store.SaveTarget(e.base, job.ID, t); serr != nil {
		e.persistFailed("persist failed target", serr, "job", job.ID, "target", t.Name)
		return
	}
	e.stats.AddTargetsFailed(1)
	e.events.Record(event.Event{Type: event.TargetFailed, JobID: job.ID, Target: t.Name, Error: err.Error()})
	e.log.Error("target failed", "job", job.ID, "target", t.Name, "code", t.FailureCode, "error", err)

	after := model.DeriveJobState(job.Targets)
	if after == before {
		return
	}
	switch after {
	case model.JobPartiallyFailed:
		e.stats.AddJobsPartial(1)
		e.events.Record(event.Event{Type: event.JobPartiallyFailed, JobID: job.ID})
		e.log.Error("job partially failed", "job", job.ID, "path", job.SourcePath)
	case model.JobFailed:
		e.stats.AddJobsFailed(1)
		e.events.Record(event.Event{Type: event.JobFailed, JobID: job.ID})
		e.log.Error("job failed", "job", job.ID, "path", job.SourcePath)
	}
}

// failJobStep books a failed job-level attempt (source digest). Exhaustion
// fails every live target, which keeps the persisted fold honest.
func (e *Engine) failJobStep(job *model.Job, err error) {
	attempts := job.Attempts + 1
	if model.IsTransient(err) && attempts < e.cfg.Replication.RetryLimit {
		next := time.Now().Add(retryDelay(e.cfg.Replication.RetryBackoff.Std(), attempts))
		if berr := e.store.BumpJobBackoff(e.base, job.ID, attempts, next, err.Error()); berr != nil {
			e.persistFailed("persist backoff", berr, "job", job.ID)
			return
		}
		e.stats.AddRetries(1)
		e.log.Warn("job step failed, will retry", "job", job.ID, "attempt", attempts, "error", err)
		return
	}

	code := model.FailureCode(err)
	for i := range job.Targets {
		t := &job.Targets[i]
		if t.State.Terminal() {
			continue
		}
		t.State = model.TargetFailed
		t.FailureCode = code
		t.LastError = err.Error()
		t.Attempts = attempts
		t.NextAttempt = nil
		if serr := e.store.SaveTarget(e.base, job.ID, t); serr != nil {
			e.persistFailed("persist failed target", serr, "job", job.ID, "target", t.Name)
			return
		}
		e.stats.AddTargetsFailed(1)
	}
	e.stats.AddJobsFailed(1)
	e.events.Record(event.Event{Type: event.JobFailed, JobID: job.ID, Error: err.Error()})
	e.log.Error("job failed", "job", job.ID, "code", code, "error", err)
}
