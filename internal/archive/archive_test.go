package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Johnnywatts/forkerDotNet-sub001/internal/model"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "forker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedRetired walks a job to VERIFIED with both targets done and stamps the
// given cleanup time.
func seedRetired(t *testing.T, s *store.Store, id, source string, cleaned time.Time) {
	t.Helper()
	ctx := context.Background()
	j := &model.Job{
		ID:           id,
		SourcePath:   source,
		Size:         2048,
		HashAlg:      "sha256",
		State:        model.JobDiscovered,
		DiscoveredAt: cleaned.Add(-time.Hour),
		Targets: []model.Target{
			{JobID: id, Name: model.TargetPrimary, Root: "/mnt/primary", State: model.TargetPending},
			{JobID: id, Name: model.TargetResearch, Root: "/mnt/research", State: model.TargetPending},
		},
	}
	require.NoError(t, s.CreateJob(ctx, j))
	require.NoError(t, s.SetSourceDigest(ctx, id, "aa11", "bb22"))
	for _, name := range model.TargetNames() {
		tgt := j.Target(name)
		tgt.State = model.TargetVerified
		tgt.Digest = "aa11"
		tgt.XXH64 = "bb22"
		tgt.FinalPath = filepath.Join("/mnt", name, filepath.Base(source))
		require.NoError(t, s.SaveTarget(ctx, id, tgt))
	}
	require.NoError(t, s.MarkCleaned(ctx, id, cleaned))
}

func readArchive(t *testing.T, dir string) []record {
	t.Helper()
	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, ents, 1, "expected exactly one archive file")
	f, err := os.Open(filepath.Join(dir, ents[0].Name()))
	require.NoError(t, err)
	defer f.Close()
	zr, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()

	dec := json.NewDecoder(zr)
	var out []record
	for {
		var r record
		err := dec.Decode(&r)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func TestSweepArchivesExpired(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(t.TempDir(), "archive")
	now := time.Now()
	seedRetired(t, s, "aaaa000000000001", "/in/old1.svs", now.Add(-48*time.Hour))
	seedRetired(t, s, "aaaa000000000002", "/in/old2.svs", now.Add(-30*time.Hour))
	seedRetired(t, s, "aaaa000000000003", "/in/fresh.svs", now)

	a := New(s, dir, 24*time.Hour, nil)
	n, err := a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ctx := context.Background()
	_, err = s.GetJob(ctx, "aaaa000000000001")
	assert.ErrorIs(t, err, model.ErrJobNotFound)
	_, err = s.GetJob(ctx, "aaaa000000000002")
	assert.ErrorIs(t, err, model.ErrJobNotFound)
	fresh, err := s.GetJob(ctx, "aaaa000000000003")
	require.NoError(t, err)
	assert.Equal(t, model.JobVerified, fresh.State)

	recs := readArchive(t, dir)
	require.Len(t, recs, 2)
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.ID)
		assert.Equal(t, string(model.JobVerified), r.State)
		assert.Equal(t, "aa11", r.SourceDigest)
		assert.NotNil(t, r.CleanedAt)
		require.Len(t, r.Targets, 2)
		assert.Equal(t, model.TargetPrimary, r.Targets[0].Name)
		assert.Equal(t, model.TargetResearch, r.Targets[1].Name)
		for _, tr := range r.Targets {
			assert.Equal(t, string(model.TargetVerified), tr.State)
			assert.NotEmpty(t, tr.FinalPath)
		}
	}
	assert.ElementsMatch(t, []string{"aaaa000000000001", "aaaa000000000002"}, ids)
}

func TestSweepNothingExpired(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(t.TempDir(), "archive")
	seedRetired(t, s, "bbbb000000000001", "/in/fresh.svs", time.Now())

	a := New(s, dir, 24*time.Hour, nil)
	n, err := a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// No batch means no file and not even the directory.
	_, err = os.Stat(dir)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestSweepEmptyStore(t *testing.T) {
	s := newTestStore(t)
	a := New(s, filepath.Join(t.TempDir(), "archive"), time.Hour, nil)
	n, err := a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepSecondPassNoOp(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(t.TempDir(), "archive")
	seedRetired(t, s, "cccc000000000001", "/in/old.svs", time.Now().Add(-2*time.Hour))

	a := New(s, dir, time.Hour, nil)
	n, err := a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, ents, 1)
}

func TestSweepSkipsFailedJobs(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(t.TempDir(), "archive")
	ctx := context.Background()
	old := time.Now().Add(-72 * time.Hour)

	seedRetired(t, s, "dddd000000000001", "/in/done.svs", old)

	// A partially failed job is never retired; it stays for operator review.
	j := &model.Job{
		ID:           "dddd000000000002",
		SourcePath:   "/in/stuck.svs",
		Size:         512,
		HashAlg:      "sha256",
		State:        model.JobDiscovered,
		DiscoveredAt: old,
		Targets: []model.Target{
			{JobID: "dddd000000000002", Name: model.TargetPrimary, Root: "/mnt/primary", State: model.TargetPending},
			{JobID: "dddd000000000002", Name: model.TargetResearch, Root: "/mnt/research", State: model.TargetPending},
		},
	}
	require.NoError(t, s.CreateJob(ctx, j))
	require.NoError(t, s.SetSourceDigest(ctx, j.ID, "aa11", "bb22"))
	pri := j.Target(model.TargetPrimary)
	pri.State = model.TargetVerified
	pri.Digest = "aa11"
	require.NoError(t, s.SaveTarget(ctx, j.ID, pri))
	res := j.Target(model.TargetResearch)
	res.State = model.TargetFailed
	res.FailureCode = model.FailRetryExhausted
	res.LastError = "copy: device offline"
	require.NoError(t, s.SaveTarget(ctx, j.ID, res))

	a := New(s, dir, 24*time.Hour, nil)
	n, err := a.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	kept, err := s.GetJob(ctx, "dddd000000000002")
	require.NoError(t, err)
	assert.Equal(t, model.JobPartiallyFailed, kept.State)
}
