// Package archive retires old job records from the state database into
// compressed JSONL files, keeping the hot store small without losing the
// audit trail.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/Johnnywatts/forkerDotNet-sub001/internal/model"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/store"
)

const batchLimit = 500

// Archiver writes batches of retired jobs to zstd-compressed JSONL files,
// one file per sweep, then deletes the rows. The file is synced to disk
// before any row dies.
type Archiver struct {
	store *store.Store
	dir   string
	age   time.Duration
	log   *slog.Logger
}

// New builds an Archiver retiring jobs whose cleanup is older than age.
func New(st *store.Store, dir string, age time.Duration, log *slog.Logger) *Archiver {
	if log == nil {
		log = slog.Default()
	}
	return &Archiver{store: st, dir: dir, age: age, log: log}
}

// record is the archived form of a job, self-contained for later audit.
type record struct {
	ID           string         `json:"id"`
	SourcePath   string         `json:"source_path"`
	Size         int64          `json:"size"`
	HashAlg      string         `json:"hash_alg"`
	SourceDigest string         `json:"source_digest"`
	SourceXXH64  string         `json:"source_xxh64,omitempty"`
	State        string         `json:"state"`
	DiscoveredAt time.Time      `json:"discovered_at"`
	VerifiedAt   *time.Time     `json:"verified_at,omitempty"`
	CleanedAt    *time.Time     `json:"cleaned_at,omitempty"`
	Targets      []targetRecord `json:"targets"`
}

type targetRecord struct {
	Name      string `json:"name"`
	Root      string `json:"root"`
	FinalPath string `json:"final_path"`
	Digest    string `json:"digest"`
	XXH64     string `json:"xxh64,omitempty"`
	State     string `json:"state"`
}

func toRecord(j *model.Job) record {
	r := record{
		ID:           j.ID,
		SourcePath:   j.SourcePath,
		Size:         j.Size,
		HashAlg:      j.HashAlg,
		SourceDigest: j.SourceDigest,
		SourceXXH64:  j.SourceXXH64,
		State:        string(j.State),
		DiscoveredAt: j.DiscoveredAt,
		VerifiedAt:   j.VerifiedAt,
		CleanedAt:    j.CleanedAt,
	}
	for _, t := range j.Targets {
		r.Targets = append(r.Targets, targetRecord{
			Name:      t.Name,
			Root:      t.Root,
			FinalPath: t.FinalPath,
			Digest:    t.Digest,
			XXH64:     t.XXH64,
			State:     string(t.State),
		})
	}
	return r
}

// Sweep archives one batch of jobs whose cleanup happened before the
// retention age. Returns how many records moved.
func (a *Archiver) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-a.age)
	jobs, err := a.store.FindArchivable(ctx, cutoff, batchLimit)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	path, err := a.writeBatch(jobs)
	if err != nil {
		return 0, err
	}

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	if err := a.store.DeleteJobs(ctx, ids); err != nil {
		return 0, fmt.Errorf("purge archived jobs: %w", err)
	}
	a.log.Debug("archive written", "file", filepath.Base(path), "jobs", len(jobs))
	return len(jobs), nil
}

// writeBatch writes one timestamped archive file and makes it durable.
func (a *Archiver) writeBatch(jobs []*model.Job) (string, error) {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("jobs-%s.jsonl.zst", time.Now().UTC().Format("20060102T150405.000Z"))
	path := filepath.Join(a.dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(path)
		}
	}()

	// Cold storage: favor ratio over encode speed.
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return "", err
	}
	jenc := json.NewEncoder(enc)
	for _, j := range jobs {
		if err := jenc.Encode(toRecord(j)); err != nil {
			enc.Close()
			return "", err
		}
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	if err := f.Sync(); err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	committed = true
	return path, nil
}
