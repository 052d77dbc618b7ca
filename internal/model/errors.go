package model

import (
	"errors"
	"fmt"
)

// ErrJobNotFound is returned by stores for lookups of unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// TransientError marks a failure worth retrying with backoff: I/O timeouts,
// sharing violations, unreachable destination roots. Everything not wrapped
// as transient is treated as terminal for the step that produced it.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil if err is nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IntegrityError reports a digest mismatch between the source record and a
// published file. Never retried: the copy is wrong, not unlucky.
type IntegrityError struct {
	Target    string
	Algorithm string
	Want      string
	Got       string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity mismatch on %s: %s %s != %s", e.Target, e.Algorithm, e.Got, e.Want)
}

// CrossVolumeError reports that a staged file and its final path sit on
// different devices, so rename cannot be atomic. Configuration fault,
// terminal. Device ids rather than paths: final paths carry the source
// file name, which may embed patient identifiers.
type CrossVolumeError struct {
	Target   string
	StageDev uint64
	FinalDev uint64
}

func (e *CrossVolumeError) Error() string {
	return fmt.Sprintf("cross-volume rename on %s: staging device %d != destination device %d", e.Target, e.StageDev, e.FinalDev)
}

// PathPolicyError reports a path that violates replication policy (symlink,
// non-regular file, escape from the target root). The offending path is
// deliberately not part of the message; the job id locates it in the store.
type PathPolicyError struct {
	Rule string
}

func (e *PathPolicyError) Error() string {
	return "path policy violation: " + e.Rule
}

// CorruptStateError reports persisted state that violates an invariant the
// code maintains. The job is quarantined, never silently repaired.
type CorruptStateError struct {
	JobID  string
	Detail string
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt state for job %s: %s", e.JobID, e.Detail)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// FailureCode maps err to the persisted failure code for triage.
func FailureCode(err error) string {
	var (
		ie *IntegrityError
		cv *CrossVolumeError
		pp *PathPolicyError
		cs *CorruptStateError
	)
	switch {
	case errors.As(err, &ie):
		return FailIntegrity
	case errors.As(err, &cv):
		return FailCrossVolume
	case errors.As(err, &pp):
		return FailPathPolicy
	case errors.As(err, &cs):
		return FailCorruptState
	default:
		return FailRetryExhausted
	}
}
