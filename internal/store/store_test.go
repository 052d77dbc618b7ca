package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Johnnywatts/forkerDotNet-sub001/internal/model"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "forker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedJob(t *testing.T, s *Store, id, source string, disc time.Time) *model.Job {
	t.Helper()
	j := &model.Job{
		ID:           id,
		SourcePath:   source,
		Size:         1234,
		HashAlg:      "sha256",
		State:        model.JobDiscovered,
		DiscoveredAt: disc,
		Targets: []model.Target{
			{JobID: id, Name: model.TargetPrimary, Root: "/mnt/primary", State: model.TargetPending},
			{JobID: id, Name: model.TargetResearch, Root: "/mnt/research", State: model.TargetPending},
		},
	}
	require.NoError(t, s.CreateJob(context.Background(), j))
	return j
}

// saveState is shorthand for advancing one target to a new state.
func saveState(t *testing.T, s *Store, jobID, name string, st model.TargetState) {
	t.Helper()
	j, err := s.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	tgt := j.Target(name)
	require.NotNil(t, tgt)
	tgt.State = st
	require.NoError(t, s.SaveTarget(context.Background(), jobID, tgt))
}

func TestOpenReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forker.db")
	s, err := Open(path)
	require.NoError(t, err)
	seedJob(t, s, "aaaa000011112222", "/in/a.dat", time.Now())
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	j, err := s2.GetJob(context.Background(), "aaaa000011112222")
	require.NoError(t, err)
	assert.Equal(t, "/in/a.dat", j.SourcePath)
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	s := newStore(t)
	disc := time.Date(2024, 3, 9, 10, 30, 0, 123456789, time.UTC)
	seedJob(t, s, "1111222233334444", "/in/scan_0001.svs", disc)

	j, err := s.GetJob(context.Background(), "1111222233334444")
	require.NoError(t, err)
	assert.Equal(t, "/in/scan_0001.svs", j.SourcePath)
	assert.Equal(t, int64(1234), j.Size)
	assert.Equal(t, "sha256", j.HashAlg)
	assert.Equal(t, model.JobDiscovered, j.State)
	assert.Equal(t, disc.UnixNano(), j.DiscoveredAt.UnixNano())
	assert.Nil(t, j.VerifiedAt)
	assert.Nil(t, j.CleanedAt)
	require.Len(t, j.Targets, 2)
	// Targets come back ordered, primary first.
	assert.Equal(t, model.TargetPrimary, j.Targets[0].Name)
	assert.Equal(t, model.TargetResearch, j.Targets[1].Name)
	assert.Equal(t, model.TargetPending, j.Targets[0].State)
}

func TestGetJobMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.GetJob(context.Background(), "ffffffffffffffff")
	assert.ErrorIs(t, err, model.ErrJobNotFound)
}

func TestSourceClaim(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedJob(t, s, "1010101010101010", "/in/dup.dat", time.Now())

	dup := &model.Job{
		ID: "2020202020202020", SourcePath: "/in/dup.dat", HashAlg: "sha256",
		State: model.JobDiscovered, DiscoveredAt: time.Now(),
	}
	err := s.CreateJob(ctx, dup)
	assert.ErrorIs(t, err, ErrSourceClaimed)

	// Releasing the claim (cleanup) frees the path for a new job.
	require.NoError(t, s.MarkCleaned(ctx, "1010101010101010", time.Now()))
	dup.ID = "3030303030303030"
	assert.NoError(t, s.CreateJob(ctx, dup))
}

func TestSaveTargetRefoldsJobState(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedJob(t, s, "abcdef0123456789", "/in/fold.dat", time.Now())
	id := "abcdef0123456789"

	get := func() *model.Job {
		j, err := s.GetJob(ctx, id)
		require.NoError(t, err)
		return j
	}

	saveState(t, s, id, model.TargetPrimary, model.TargetStaging)
	assert.Equal(t, model.JobCopying, get().State)

	saveState(t, s, id, model.TargetPrimary, model.TargetStaged)
	saveState(t, s, id, model.TargetResearch, model.TargetStaged)
	assert.Equal(t, model.JobCopying, get().State)

	saveState(t, s, id, model.TargetPrimary, model.TargetVerificationPending)
	saveState(t, s, id, model.TargetResearch, model.TargetVerificationPending)
	assert.Equal(t, model.JobVerifying, get().State)

	saveState(t, s, id, model.TargetPrimary, model.TargetVerified)
	assert.Equal(t, model.JobVerifying, get().State)
	assert.Nil(t, get().VerifiedAt)

	saveState(t, s, id, model.TargetResearch, model.TargetVerified)
	j := get()
	assert.Equal(t, model.JobVerified, j.State)
	require.NotNil(t, j.VerifiedAt)

	// Re-saving a verified target must not move the verification stamp.
	stamp := j.VerifiedAt.UnixNano()
	time.Sleep(5 * time.Millisecond)
	saveState(t, s, id, model.TargetResearch, model.TargetVerified)
	j = get()
	require.NotNil(t, j.VerifiedAt)
	assert.Equal(t, stamp, j.VerifiedAt.UnixNano())
}

func TestSaveTargetFailurePropagation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedJob(t, s, "0123012301230123", "/in/partial.dat", time.Now())
	id := "0123012301230123"

	saveState(t, s, id, model.TargetPrimary, model.TargetVerified)

	j, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	tgt := j.Target(model.TargetResearch)
	tgt.State = model.TargetFailed
	tgt.FailureCode = model.FailIntegrity
	tgt.LastError = "research: digest mismatch"
	require.NoError(t, s.SaveTarget(ctx, id, tgt))

	j, err = s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobPartiallyFailed, j.State)
	assert.Equal(t, model.FailIntegrity, j.FailureCode)
	assert.Equal(t, "research: digest mismatch", j.LastError)
}

func TestSaveTargetUnknownTargetOrState(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedJob(t, s, "9999888877776666", "/in/odd.dat", time.Now())

	var corrupt *model.CorruptStateError
	err := s.SaveTarget(ctx, "9999888877776666", &model.Target{Name: "backup", State: model.TargetStaged})
	assert.ErrorAs(t, err, &corrupt)

	err = s.SaveTarget(ctx, "9999888877776666", &model.Target{Name: model.TargetPrimary, State: "TELEPORTED"})
	assert.ErrorAs(t, err, &corrupt)

	// Nothing leaked through the rolled-back transaction.
	j, err := s.GetJob(ctx, "9999888877776666")
	require.NoError(t, err)
	assert.Equal(t, model.JobDiscovered, j.State)
	assert.Equal(t, model.TargetPending, j.Target(model.TargetPrimary).State)
}

func TestSourceDigestResetsBackoff(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedJob(t, s, "4444555566667777", "/in/digest.dat", time.Now())
	id := "4444555566667777"

	next := time.Now().Add(30 * time.Second)
	require.NoError(t, s.BumpJobBackoff(ctx, id, 3, next, "read source: i/o timeout"))
	j, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, j.Attempts)
	require.NotNil(t, j.NextAttempt)
	assert.Equal(t, next.UnixNano(), j.NextAttempt.UnixNano())
	assert.Equal(t, "read source: i/o timeout", j.LastError)

	require.NoError(t, s.SetSourceDigest(ctx, id, "deadbeef", "0123456789abcdef"))
	j, err = s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", j.SourceDigest)
	assert.Equal(t, "0123456789abcdef", j.SourceXXH64)
	assert.Zero(t, j.Attempts)
	assert.Nil(t, j.NextAttempt)
	assert.Empty(t, j.LastError)
}

func TestListIncomplete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Now()

	// done: fully verified and cleaned, owes nothing.
	seedJob(t, s, "d0d0d0d0d0d0d0d0", "/in/done.dat", base.Add(-3*time.Hour))
	saveState(t, s, "d0d0d0d0d0d0d0d0", model.TargetPrimary, model.TargetVerified)
	saveState(t, s, "d0d0d0d0d0d0d0d0", model.TargetResearch, model.TargetVerified)
	require.NoError(t, s.MarkCleaned(ctx, "d0d0d0d0d0d0d0d0", base))

	// awaiting cleanup: verified but source still present.
	seedJob(t, s, "c1c1c1c1c1c1c1c1", "/in/cleanme.dat", base.Add(-2*time.Hour))
	saveState(t, s, "c1c1c1c1c1c1c1c1", model.TargetPrimary, model.TargetVerified)
	saveState(t, s, "c1c1c1c1c1c1c1c1", model.TargetResearch, model.TargetVerified)

	// in flight.
	seedJob(t, s, "b2b2b2b2b2b2b2b2", "/in/flight.dat", base.Add(-1*time.Hour))

	jobs, err := s.ListIncomplete(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "c1c1c1c1c1c1c1c1", jobs[0].ID)
	assert.Equal(t, "b2b2b2b2b2b2b2b2", jobs[1].ID)
	require.Len(t, jobs[1].Targets, 2)
}

func TestListJobsFiltered(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedJob(t, s, "1212121212121212", "/in/one.dat", time.Now().Add(-time.Minute))
	seedJob(t, s, "3434343434343434", "/in/two.dat", time.Now())
	saveState(t, s, "3434343434343434", model.TargetPrimary, model.TargetStaging)

	all, err := s.ListJobs(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "3434343434343434", all[0].ID) // newest first

	copying, err := s.ListJobs(ctx, model.JobCopying, 10)
	require.NoError(t, err)
	require.Len(t, copying, 1)
	assert.Equal(t, "3434343434343434", copying[0].ID)
}

func TestQuarantineKeepsClaim(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedJob(t, s, "5656565656565656", "/in/q.dat", time.Now())
	saveState(t, s, "5656565656565656", model.TargetPrimary, model.TargetVerified)

	require.NoError(t, s.Quarantine(ctx, "5656565656565656", "expected 2 targets, found 3"))

	j, err := s.GetJob(ctx, "5656565656565656")
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, j.State)
	assert.Equal(t, model.FailCorruptState, j.FailureCode)
	assert.True(t, j.Complete())
	// Verified target keeps its state; only the unresolved one is failed.
	assert.Equal(t, model.TargetVerified, j.Target(model.TargetPrimary).State)
	assert.Equal(t, model.TargetFailed, j.Target(model.TargetResearch).State)

	// The source path stays claimed for operator attention.
	err = s.CreateJob(ctx, &model.Job{
		ID: "7878787878787878", SourcePath: "/in/q.dat", HashAlg: "sha256",
		State: model.JobDiscovered, DiscoveredAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrSourceClaimed)
}

func TestQuarantineCorrupt(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	seedJob(t, s, "0a0a0a0a0a0a0a0a", "/in/fine.dat", time.Now())

	// A job whose persisted state cannot have been written by this code.
	seedJob(t, s, "0b0b0b0b0b0b0b0b", "/in/drift.dat", time.Now())
	_, err := s.db.Exec(`UPDATE jobs SET state = 'VERIFYING' WHERE id = '0b0b0b0b0b0b0b0b'`)
	require.NoError(t, err)

	// A job missing a target row entirely.
	seedJob(t, s, "0c0c0c0c0c0c0c0c", "/in/amputee.dat", time.Now())
	_, err = s.db.Exec(`DELETE FROM targets WHERE job_id = '0c0c0c0c0c0c0c0c' AND name = 'research'`)
	require.NoError(t, err)

	ids, err := s.QuarantineCorrupt(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"0b0b0b0b0b0b0b0b", "0c0c0c0c0c0c0c0c"}, ids)

	j, err := s.GetJob(ctx, "0b0b0b0b0b0b0b0b")
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, j.State)
	assert.Equal(t, model.FailCorruptState, j.FailureCode)

	// Healthy job untouched, and a second audit pass is a no-op.
	j, err = s.GetJob(ctx, "0a0a0a0a0a0a0a0a")
	require.NoError(t, err)
	assert.Equal(t, model.JobDiscovered, j.State)

	ids, err = s.QuarantineCorrupt(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStagedPaths(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedJob(t, s, "1f1f1f1f1f1f1f1f", "/in/sp.dat", time.Now())

	j, err := s.GetJob(ctx, "1f1f1f1f1f1f1f1f")
	require.NoError(t, err)
	tgt := j.Target(model.TargetPrimary)
	tgt.State = model.TargetStaged
	tgt.StagedPath = "/mnt/primary/.forker-staging/.sp.dat.1f1f.abcd.forker-tmp"
	require.NoError(t, s.SaveTarget(ctx, "1f1f1f1f1f1f1f1f", tgt))

	live, err := s.StagedPaths(ctx)
	require.NoError(t, err)
	assert.Contains(t, live, "/mnt/primary/.forker-staging/.sp.dat.1f1f.abcd.forker-tmp")
	assert.Len(t, live, 1)
}

func TestCountsByState(t *testing.T) {
	s := newStore(t)
	seedJob(t, s, "2e2e2e2e2e2e2e2e", "/in/c1.dat", time.Now())
	seedJob(t, s, "3d3d3d3d3d3d3d3d", "/in/c2.dat", time.Now())
	saveState(t, s, "3d3d3d3d3d3d3d3d", model.TargetPrimary, model.TargetStaging)

	counts, err := s.CountsByState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[model.JobDiscovered])
	assert.Equal(t, int64(1), counts[model.JobCopying])
}

func TestArchiveLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"aa11aa11aa11aa11", "bb22bb22bb22bb22"} {
		seedJob(t, s, id, fmt.Sprintf("/in/arch%d.dat", i), base.Add(-48*time.Hour))
		saveState(t, s, id, model.TargetPrimary, model.TargetVerified)
		saveState(t, s, id, model.TargetResearch, model.TargetVerified)
	}
	require.NoError(t, s.MarkCleaned(ctx, "aa11aa11aa11aa11", base.Add(-24*time.Hour)))
	require.NoError(t, s.MarkCleaned(ctx, "bb22bb22bb22bb22", base.Add(-time.Minute)))

	old, err := s.FindArchivable(ctx, base.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, "aa11aa11aa11aa11", old[0].ID)

	require.NoError(t, s.DeleteJobs(ctx, []string{"aa11aa11aa11aa11"}))
	_, err = s.GetJob(ctx, "aa11aa11aa11aa11")
	assert.ErrorIs(t, err, model.ErrJobNotFound)

	// Cascade removed the target rows too.
	var n int
	require.NoError(t, s.db.QueryRow(
		`SELECT COUNT(*) FROM targets WHERE job_id = 'aa11aa11aa11aa11'`).Scan(&n))
	assert.Zero(t, n)
}

func TestMarkCleanedIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedJob(t, s, "cafe0000cafe0000", "/in/mc.dat", time.Now())

	first := time.Now().Add(-time.Minute)
	require.NoError(t, s.MarkCleaned(ctx, "cafe0000cafe0000", first))
	require.NoError(t, s.MarkCleaned(ctx, "cafe0000cafe0000", time.Now()))

	j, err := s.GetJob(ctx, "cafe0000cafe0000")
	require.NoError(t, err)
	require.NotNil(t, j.CleanedAt)
	assert.Equal(t, first.UnixNano(), j.CleanedAt.UnixNano())
}
