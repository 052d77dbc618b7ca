// Package model holds the replication domain: jobs, targets, their state
// machines, and the error taxonomy the rest of the service dispatches on.
//
// A Job tracks one source file. Every job replicates to exactly two targets,
// "primary" and "research". Job state is never stored independently of the
// targets: it is a pure fold over the two target states (DeriveJobState) and
// is recomputed inside the same transaction as any target write.
package model

import "time"

// Fixed target names. Primary is always advanced first.
const (
	TargetPrimary  = "primary"
	TargetResearch = "research"
)

// TargetNames returns the replication targets in advancement order.
func TargetNames() []string {
	return []string{TargetPrimary, TargetResearch}
}

// JobState is the derived lifecycle state of a job.
type JobState string

const (
	JobDiscovered      JobState = "DISCOVERED"
	JobCopying         JobState = "COPYING"
	JobVerifying       JobState = "VERIFYING"
	JobVerified        JobState = "VERIFIED"
	JobPartiallyFailed JobState = "PARTIALLY_FAILED"
	JobFailed          JobState = "FAILED"
)

// Valid reports whether s is a known job state.
func (s JobState) Valid() bool {
	switch s {
	case JobDiscovered, JobCopying, JobVerifying, JobVerified, JobPartiallyFailed, JobFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a resolved outcome. A VERIFIED job may still
// owe source cleanup; that is tracked by Job.CleanedAt, not by state.
func (s JobState) Terminal() bool {
	return s == JobVerified || s == JobPartiallyFailed || s == JobFailed
}

// TargetState is the per-destination copy lifecycle.
type TargetState string

const (
	TargetPending             TargetState = "PENDING"
	TargetStaging             TargetState = "STAGING"
	TargetStaged              TargetState = "STAGED"
	TargetVerificationPending TargetState = "VERIFICATION_PENDING"
	TargetVerified            TargetState = "VERIFIED"
	TargetFailed              TargetState = "FAILED"
)

// Valid reports whether s is a known target state.
func (s TargetState) Valid() bool {
	switch s {
	case TargetPending, TargetStaging, TargetStaged, TargetVerificationPending, TargetVerified, TargetFailed:
		return true
	}
	return false
}

// Terminal reports whether the target needs no further work.
func (s TargetState) Terminal() bool {
	return s == TargetVerified || s == TargetFailed
}

// Failure codes persisted on jobs and targets for operator triage.
const (
	FailRetryExhausted = "RETRY_EXHAUSTED"
	FailIntegrity      = "INTEGRITY_MISMATCH"
	FailCrossVolume    = "CROSS_VOLUME_RENAME"
	FailPathPolicy     = "PATH_POLICY"
	FailCorruptState   = "CORRUPT_STATE"
)

// Job is one source file's replication record.
type Job struct {
	ID           string
	SourcePath   string
	Size         int64
	HashAlg      string // algorithm recorded at discovery; verification always uses it
	SourceDigest string // hex digest of the source, empty until computed
	SourceXXH64  string // supplementary xxh64 of the source, advisory only
	State        JobState
	DiscoveredAt time.Time
	VerifiedAt   *time.Time
	CleanedAt    *time.Time // source removal completed
	// Attempts/NextAttempt track the job-level steps (source digest before
	// any target work, source cleanup after all of it). The two phases never
	// overlap, so they share one backoff pair.
	Attempts    int
	NextAttempt *time.Time
	FailureCode string
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// Targets in advancement order (primary first). Always length two for a
	// well-formed job; the store quarantines anything else.
	Targets []Target
}

// Target is one destination's copy of the job's source file.
type Target struct {
	JobID       string
	Name        string
	Root        string
	StagedPath  string // temp path inside the staging dir, set while STAGING/STAGED
	FinalPath   string // destination path, set at publish
	Digest      string // hex digest of the published file
	XXH64       string // supplementary xxh64 computed during the staging write
	State       TargetState
	Attempts    int // consecutive failures of the current step
	NextAttempt *time.Time
	FailureCode string
	LastError   string
	UpdatedAt   time.Time
}

// Target returns the named target, or nil.
func (j *Job) Target(name string) *Target {
	for i := range j.Targets {
		if j.Targets[i].Name == name {
			return &j.Targets[i]
		}
	}
	return nil
}

// Complete reports whether no work remains: both targets resolved and, if the
// job verified, the source cleaned up.
func (j *Job) Complete() bool {
	for i := range j.Targets {
		if !j.Targets[i].State.Terminal() {
			return false
		}
	}
	if j.State == JobVerified && j.CleanedAt == nil {
		return false
	}
	return true
}

func ready(at *time.Time, now time.Time) bool {
	return at == nil || !now.Before(*at)
}

// Runnable reports whether some step of the job is eligible at now, honoring
// the backoff timestamps. Target steps wait for the source digest; cleanup
// waits for both targets to verify.
func (j *Job) Runnable(now time.Time) bool {
	anyLive := false
	for i := range j.Targets {
		if !j.Targets[i].State.Terminal() {
			anyLive = true
			break
		}
	}
	if j.SourceDigest == "" {
		return anyLive && ready(j.NextAttempt, now)
	}
	if anyLive {
		for i := range j.Targets {
			t := &j.Targets[i]
			if !t.State.Terminal() && ready(t.NextAttempt, now) {
				return true
			}
		}
		return false
	}
	if j.State == JobVerified && j.CleanedAt == nil {
		return ready(j.NextAttempt, now)
	}
	return false
}

// DeriveJobState folds target states into the job state. It is the single
// source of truth for the mapping; callers must persist its result in the
// same transaction as the target write that changed the inputs.
func DeriveJobState(targets []Target) JobState {
	var verified, failed, atVerify, progressed int
	for i := range targets {
		switch targets[i].State {
		case TargetVerified:
			verified++
			atVerify++
			progressed++
		case TargetFailed:
			failed++
		case TargetVerificationPending:
			atVerify++
			progressed++
		case TargetStaging, TargetStaged:
			progressed++
		}
	}
	n := len(targets)
	switch {
	case n > 0 && verified == n:
		return JobVerified
	case n > 0 && failed == n:
		return JobFailed
	case failed > 0:
		return JobPartiallyFailed
	case n > 0 && atVerify == n:
		return JobVerifying
	case progressed > 0:
		return JobCopying
	default:
		return JobDiscovered
	}
}
