// Package store persists replication state in SQLite.
//
// Correctness rests on two rules. Every logical transition commits in one
// transaction: a target write and the refolded job state land together or
// not at all, so a crash can never leave the pair disagreeing. And commits
// are durable (WAL + synchronous=FULL) before the caller proceeds to side
// effects, so the filesystem is never ahead of the record in a way recovery
// cannot resolve.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Johnnywatts/forkerDotNet-sub001/internal/model"
)

// ErrSourceClaimed is returned by CreateJob when a live job already owns the
// source path.
var ErrSourceClaimed = errors.New("source path already claimed by a live job")

// Store wraps the SQLite state database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the state database at path and prepares
// the schema. The parent directory is created.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	s := &Store{db: db}
	if err := s.initMeta(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initMeta() error {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(
			`INSERT INTO meta (key, value) VALUES ('schema_version', ?), ('instance_id', ?)`,
			schemaVersion, uuid.New().String(),
		)
		return err
	case err != nil:
		return err
	case v != schemaVersion:
		return fmt.Errorf("state db has schema version %s, this binary expects %s", v, schemaVersion)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func ns(t time.Time) int64 { return t.UnixNano() }

func nsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

const jobCols = `id, source_path, size, hash_alg, source_digest, source_xxh64, state,
	discovered_at, verified_at, cleaned_at, attempts, next_attempt,
	failure_code, last_error, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.Job, error) {
	var (
		j                       model.Job
		state                   string
		disc, created, updated  int64
		verified, cleaned, next sql.NullInt64
	)
	err := row.Scan(
		&j.ID, &j.SourcePath, &j.Size, &j.HashAlg, &j.SourceDigest, &j.SourceXXH64, &state,
		&disc, &verified, &cleaned, &j.Attempts, &next,
		&j.FailureCode, &j.LastError, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	j.State = model.JobState(state)
	j.DiscoveredAt = time.Unix(0, disc)
	j.VerifiedAt = fromNS(verified)
	j.CleanedAt = fromNS(cleaned)
	j.NextAttempt = fromNS(next)
	j.CreatedAt = time.Unix(0, created)
	j.UpdatedAt = time.Unix(0, updated)
	return &j, nil
}

func (s *Store) loadTargets(ctx context.Context, jobID string) ([]model.Target, error) {
	// "primary" sorts before "research", keeping advancement order.
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, name, root, staged_path, final_path, digest, xxh64, state,
			attempts, next_attempt, failure_code, last_error, updated_at
		FROM targets WHERE job_id = ? ORDER BY name`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Target
	for rows.Next() {
		var (
			t       model.Target
			state   string
			next    sql.NullInt64
			updated int64
		)
		err := rows.Scan(
			&t.JobID, &t.Name, &t.Root, &t.StagedPath, &t.FinalPath, &t.Digest, &t.XXH64, &state,
			&t.Attempts, &next, &t.FailureCode, &t.LastError, &updated,
		)
		if err != nil {
			return nil, err
		}
		t.State = model.TargetState(state)
		t.NextAttempt = fromNS(next)
		t.UpdatedAt = time.Unix(0, updated)
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateJob inserts the job and its targets in one transaction. A live claim
// on the same source path returns ErrSourceClaimed.
func (s *Store) CreateJob(ctx context.Context, j *model.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, source_path, size, hash_alg, source_digest, source_xxh64, state,
			discovered_at, verified_at, cleaned_at, attempts, next_attempt,
			failure_code, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, 0, NULL, '', '', ?, ?)`,
		j.ID, j.SourcePath, j.Size, j.HashAlg, j.SourceDigest, j.SourceXXH64, string(j.State),
		ns(j.DiscoveredAt), ns(now), ns(now),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrSourceClaimed, j.SourcePath)
		}
		return err
	}
	for i := range j.Targets {
		t := &j.Targets[i]
		_, err = tx.ExecContext(ctx, `
			INSERT INTO targets (job_id, name, root, staged_path, final_path, digest, xxh64, state,
				attempts, next_attempt, failure_code, last_error, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID, t.Name, t.Root, t.StagedPath, t.FinalPath, t.Digest, t.XXH64, string(t.State),
			t.Attempts, nsPtr(t.NextAttempt), t.FailureCode, t.LastError, ns(now),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetJob loads a job with its targets.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Targets, err = s.loadTargets(ctx, id)
	return j, err
}

func (s *Store) queryJobs(ctx context.Context, where string, args ...any) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobCols+` FROM jobs `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, j := range out {
		if j.Targets, err = s.loadTargets(ctx, j.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListIncomplete returns every job that still owes work: a non-terminal
// target, or a verified job whose source cleanup has not happened. Oldest
// first.
func (s *Store) ListIncomplete(ctx context.Context) ([]*model.Job, error) {
	return s.queryJobs(ctx, `
		WHERE EXISTS (
			SELECT 1 FROM targets t
			WHERE t.job_id = jobs.id AND t.state NOT IN ('VERIFIED', 'FAILED')
		)
		OR (jobs.state = 'VERIFIED' AND jobs.cleaned_at IS NULL)
		ORDER BY discovered_at`)
}

// ListJobs returns recent jobs, optionally filtered by state. Newest first.
func (s *Store) ListJobs(ctx context.Context, state model.JobState, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	if state == "" {
		return s.queryJobs(ctx, `ORDER BY discovered_at DESC LIMIT ?`, limit)
	}
	return s.queryJobs(ctx, `WHERE state = ? ORDER BY discovered_at DESC LIMIT ?`, string(state), limit)
}

// SetSourceDigest records the source digest pair and resets the job-level
// backoff.
func (s *Store) SetSourceDigest(ctx context.Context, jobID, digestHex, xxh64Hex string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET source_digest = ?, source_xxh64 = ?, attempts = 0, next_attempt = NULL,
			last_error = '', updated_at = ?
		WHERE id = ?`,
		digestHex, xxh64Hex, ns(time.Now()), jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return model.ErrJobNotFound
	}
	return nil
}

// BumpJobBackoff persists a job-level step failure (source digest or
// cleanup) with its retry eligibility time.
func (s *Store) BumpJobBackoff(ctx context.Context, jobID string, attempts int, next time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET attempts = ?, next_attempt = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		attempts, ns(next), lastErr, ns(time.Now()), jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return model.ErrJobNotFound
	}
	return nil
}

// SaveTarget writes the target and the refolded job state in one
// transaction. Entering VERIFIED stamps the job's verified_at once; a failed
// fold copies the first failed target's code onto the job for listing.
func (s *Store) SaveTarget(ctx context.Context, jobID string, t *model.Target) error {
	if !t.State.Valid() {
		return &model.CorruptStateError{JobID: jobID, Detail: fmt.Sprintf("unknown target state %q", t.State)}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE targets SET root = ?, staged_path = ?, final_path = ?, digest = ?, xxh64 = ?,
			state = ?, attempts = ?, next_attempt = ?, failure_code = ?, last_error = ?, updated_at = ?
		WHERE job_id = ? AND name = ?`,
		t.Root, t.StagedPath, t.FinalPath, t.Digest, t.XXH64,
		string(t.State), t.Attempts, nsPtr(t.NextAttempt), t.FailureCode, t.LastError, ns(now),
		jobID, t.Name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return &model.CorruptStateError{JobID: jobID, Detail: fmt.Sprintf("target %q not present", t.Name)}
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT name, state, failure_code, last_error FROM targets
		WHERE job_id = ? ORDER BY name`, jobID)
	if err != nil {
		return err
	}
	var all []model.Target
	for rows.Next() {
		var (
			tt    model.Target
			state string
		)
		if err := rows.Scan(&tt.Name, &state, &tt.FailureCode, &tt.LastError); err != nil {
			rows.Close()
			return err
		}
		tt.State = model.TargetState(state)
		all = append(all, tt)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	jobState := model.DeriveJobState(all)
	var failCode, failErr string
	if jobState == model.JobPartiallyFailed || jobState == model.JobFailed {
		for i := range all {
			if all[i].State == model.TargetFailed {
				failCode, failErr = all[i].FailureCode, all[i].LastError
				break
			}
		}
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?,
			verified_at = CASE WHEN ? = 'VERIFIED' THEN COALESCE(verified_at, ?) ELSE verified_at END,
			failure_code = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(jobState), string(jobState), ns(now), failCode, failErr, ns(now), jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return &model.CorruptStateError{JobID: jobID, Detail: "job row missing for target update"}
	}
	return tx.Commit()
}

// MarkCleaned records source cleanup. Idempotent.
func (s *Store) MarkCleaned(ctx context.Context, jobID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET cleaned_at = ?, attempts = 0, next_attempt = NULL, last_error = '', updated_at = ?
		WHERE id = ? AND cleaned_at IS NULL`,
		ns(at), ns(time.Now()), jobID)
	return err
}

// Quarantine forces the job and its unresolved targets to FAILED with
// CORRUPT_STATE. The job keeps its source claim, so the file surfaces to an
// operator instead of being rediscovered.
func (s *Store) Quarantine(ctx context.Context, jobID, detail string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := ns(time.Now())
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET state = 'FAILED', failure_code = ?, last_error = ?,
			attempts = 0, next_attempt = NULL, updated_at = ?
		WHERE id = ?`,
		model.FailCorruptState, detail, now, jobID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE targets SET state = 'FAILED', failure_code = ?, updated_at = ?
		WHERE job_id = ? AND state NOT IN ('VERIFIED', 'FAILED')`,
		model.FailCorruptState, now, jobID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// QuarantineCorrupt audits every incomplete job against the structural
// invariants and quarantines violators. Returns the quarantined ids.
// Already-quarantined jobs are left alone (their fold is deliberately
// inconsistent).
func (s *Store) QuarantineCorrupt(ctx context.Context) ([]string, error) {
	jobs, err := s.ListIncomplete(ctx)
	if err != nil {
		return nil, err
	}
	var quarantined []string
	for _, j := range jobs {
		if j.FailureCode == model.FailCorruptState {
			continue
		}
		detail := corruptionOf(j)
		if detail == "" {
			continue
		}
		if err := s.Quarantine(ctx, j.ID, detail); err != nil {
			return quarantined, err
		}
		quarantined = append(quarantined, j.ID)
	}
	return quarantined, nil
}

func corruptionOf(j *model.Job) string {
	if len(j.Targets) != len(model.TargetNames()) {
		return fmt.Sprintf("expected %d targets, found %d", len(model.TargetNames()), len(j.Targets))
	}
	if !j.State.Valid() {
		return fmt.Sprintf("unknown job state %q", j.State)
	}
	for i := range j.Targets {
		if !j.Targets[i].State.Valid() {
			return fmt.Sprintf("target %s has unknown state %q", j.Targets[i].Name, j.Targets[i].State)
		}
	}
	if derived := model.DeriveJobState(j.Targets); derived != j.State {
		return fmt.Sprintf("job state %s inconsistent with targets (fold says %s)", j.State, derived)
	}
	if j.State == model.JobVerified && j.SourceDigest == "" {
		return "verified job carries no source digest"
	}
	return ""
}

// StagedPaths returns every staged path a live target still references,
// keyed for the orphan sweep.
func (s *Store) StagedPaths(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT staged_path FROM targets
		WHERE staged_path != '' AND state IN ('STAGING', 'STAGED')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[p] = struct{}{}
	}
	return out, rows.Err()
}

// CountsByState returns job counts per state.
func (s *Store) CountsByState(ctx context.Context) (map[model.JobState]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[model.JobState]int64)
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[model.JobState(state)] = n
	}
	return out, rows.Err()
}

// FindArchivable returns verified, cleaned jobs whose cleanup happened at or
// before cutoff. Oldest cleanup first.
func (s *Store) FindArchivable(ctx context.Context, cutoff time.Time, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryJobs(ctx, `
		WHERE state = 'VERIFIED' AND cleaned_at IS NOT NULL AND cleaned_at <= ?
		ORDER BY cleaned_at LIMIT ?`, ns(cutoff), limit)
}

// DeleteJobs removes job rows (targets cascade). The archiver calls this
// only after the archive file is durable.
func (s *Store) DeleteJobs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
