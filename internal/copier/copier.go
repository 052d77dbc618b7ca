// Package copier performs the file movements: staging a source into a
// target's staging directory, publishing the staged copy with an atomic
// rename, deleting verified sources, and sweeping orphaned staging files.
//
// The copier never mutates the source beyond the final cleanup, and never
// overwrites an existing destination. Everything it stages lands inside the
// per-root staging directory with a recognizable suffix so crash leftovers
// can be swept without touching clinical data.
package copier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Johnnywatts/forkerDotNet-sub001/internal/model"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/platform"
)

// TmpSuffix marks every staging file the copier creates. The orphan sweep
// only ever deletes names carrying it.
const TmpSuffix = ".forker-tmp"

// ErrStagedVanished means a staged file disappeared with no published file
// in its place. The target must be staged again.
var ErrStagedVanished = errors.New("staged file vanished")

const (
	limitChunk = 256 * 1024
	minBurst   = 64 * 1024
)

// Copier stages and publishes files. Safe for concurrent use; the optional
// rate limiter is shared so the configured cap is an aggregate.
type Copier struct {
	stagingDir string
	limiter    *rate.Limiter
}

// New builds a Copier. stagingDir is the directory name created under each
// target root. bytesPerSec caps aggregate staging throughput; zero means
// unlimited.
func New(stagingDir string, bytesPerSec int64) *Copier {
	var limiter *rate.Limiter
	if bytesPerSec > 0 {
		burst := int(bytesPerSec)
		if burst < minBurst {
			burst = minBurst
		}
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
	return &Copier{stagingDir: stagingDir, limiter: limiter}
}

// StagingDir returns the staging directory under root.
func (c *Copier) StagingDir(root string) string {
	return filepath.Join(root, c.stagingDir)
}

// FinalPath resolves where source publishes under root, rejecting names
// that could escape it.
func (c *Copier) FinalPath(root, sourcePath string) (string, error) {
	base := filepath.Base(sourcePath)
	if base == "." || base == ".." || base == string(os.PathSeparator) || strings.ContainsRune(base, os.PathSeparator) {
		return "", &model.PathPolicyError{Rule: "source name does not resolve to a file under the target root"}
	}
	return filepath.Join(root, base), nil
}

// Prepare creates the staging directory under each root and confirms it
// shares the root's device, so publish renames can be atomic.
func (c *Copier) Prepare(roots ...string) error {
	for _, root := range roots {
		stage := c.StagingDir(root)
		if err := os.MkdirAll(stage, 0o755); err != nil {
			return model.Transient("prepare staging", err)
		}
		rootDev, err := platform.DeviceID(root)
		if err != nil {
			return model.Transient("prepare staging", err)
		}
		stageDev, err := platform.DeviceID(stage)
		if err != nil {
			return model.Transient("prepare staging", err)
		}
		if rootDev != stageDev {
			return &model.CrossVolumeError{Target: root, StageDev: stageDev, FinalDev: rootDev}
		}
	}
	return nil
}

// StageResult reports a completed staging copy.
type StageResult struct {
	StagedPath string
	Bytes      int64
	Method     platform.CopyMethod
}

// Stage copies the source into root's staging directory and fsyncs it.
// The staged file carries the source's permissions and mtime. Policy
// violations (symlinks, non-regular files) are terminal; I/O failures are
// transient.
func (c *Copier) Stage(ctx context.Context, targetName, jobID, sourcePath, root string) (StageResult, error) {
	fi, err := os.Lstat(sourcePath)
	if err != nil {
		return StageResult{}, model.Transient("stage "+targetName, err)
	}
	if fi.Mode()&fs.ModeSymlink != 0 {
		return StageResult{}, &model.PathPolicyError{Rule: "source is a symbolic link"}
	}
	if !fi.Mode().IsRegular() {
		return StageResult{}, &model.PathPolicyError{Rule: "source is not a regular file"}
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return StageResult{}, model.Transient("stage "+targetName, err)
	}
	defer src.Close()

	stageDir := c.StagingDir(root)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return StageResult{}, model.Transient("stage "+targetName, err)
	}

	base := filepath.Base(sourcePath)
	tmp := filepath.Join(stageDir, fmt.Sprintf(".%s.%s.%s%s", base, jobID, uuid.New().String()[:8], TmpSuffix))

	dst, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return StageResult{}, model.Transient("stage "+targetName, err)
	}

	res, err := c.copy(ctx, dst, src, fi.Size())
	if err == nil {
		err = dst.Sync()
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		if ctx.Err() != nil {
			return StageResult{}, model.Transient("stage "+targetName, ctx.Err())
		}
		return StageResult{}, model.Transient("stage "+targetName, err)
	}

	// Carry source metadata onto the copy. Non-fatal if the filesystem
	// refuses times.
	if err := os.Chmod(tmp, fi.Mode().Perm()); err != nil {
		os.Remove(tmp)
		return StageResult{}, model.Transient("stage "+targetName, err)
	}
	_ = os.Chtimes(tmp, fi.ModTime(), fi.ModTime())

	return StageResult{StagedPath: tmp, Bytes: res.Bytes, Method: res.Method}, nil
}

func (c *Copier) copy(ctx context.Context, dst, src *os.File, size int64) (platform.CopyResult, error) {
	if err := ctx.Err(); err != nil {
		return platform.CopyResult{}, err
	}
	if c.limiter == nil {
		return platform.CopyFile(dst, src, size)
	}
	return c.limitedCopy(ctx, dst, src)
}

// limitedCopy streams through userspace so the shared limiter can pace the
// bytes. The kernel-side paths cannot be throttled.
func (c *Copier) limitedCopy(ctx context.Context, dst, src *os.File) (platform.CopyResult, error) {
	chunk := limitChunk
	if b := c.limiter.Burst(); b < chunk {
		chunk = b
	}
	buf := make([]byte, chunk)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if err := c.limiter.WaitN(ctx, n); err != nil {
				return platform.CopyResult{Bytes: total, Method: platform.ReadWrite}, err
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return platform.CopyResult{Bytes: total, Method: platform.ReadWrite}, werr
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			return platform.CopyResult{Bytes: total, Method: platform.ReadWrite}, nil
		}
		if rerr != nil {
			return platform.CopyResult{Bytes: total, Method: platform.ReadWrite}, rerr
		}
	}
}

// Publish moves a staged file to its final path with an atomic rename and
// fsyncs the parent directory.
//
// It is idempotent across crashes: a missing staged file with the final in
// place is success (the rename happened, the record of it did not). A
// missing staged file with no final means the stage must be repeated, and a
// foreign file occupying the final path stops the line.
func (c *Copier) Publish(targetName, staged, final string) error {
	_, stagedErr := os.Lstat(staged)
	_, finalErr := os.Lstat(final)

	switch {
	case os.IsNotExist(stagedErr) && finalErr == nil:
		return nil
	case os.IsNotExist(stagedErr) && os.IsNotExist(finalErr):
		return ErrStagedVanished
	case stagedErr != nil:
		return model.Transient("publish "+targetName, stagedErr)
	case finalErr == nil:
		return &model.PathPolicyError{Rule: "destination path already occupied"}
	case !os.IsNotExist(finalErr):
		return model.Transient("publish "+targetName, finalErr)
	}

	stageDev, err := platform.DeviceID(filepath.Dir(staged))
	if err != nil {
		return model.Transient("publish "+targetName, err)
	}
	finalDev, err := platform.DeviceID(filepath.Dir(final))
	if err != nil {
		return model.Transient("publish "+targetName, err)
	}
	if stageDev != finalDev {
		return &model.CrossVolumeError{Target: targetName, StageDev: stageDev, FinalDev: finalDev}
	}

	if err := os.Rename(staged, final); err != nil {
		if errors.Is(err, syscall.EXDEV) {
			return &model.CrossVolumeError{Target: targetName, StageDev: stageDev, FinalDev: finalDev}
		}
		return model.Transient("publish "+targetName, err)
	}
	if err := platform.SyncDir(filepath.Dir(final)); err != nil {
		return model.Transient("publish "+targetName, err)
	}
	return nil
}

// CleanupSource removes the source file once both replicas verified.
// Idempotent: an already-missing source is success.
func (c *Copier) CleanupSource(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return model.Transient("cleanup source", err)
	}
	return nil
}

// SweepOrphans removes staging files under the given roots that no live
// target references: leftovers of crashed or cancelled stages. Only names
// with TmpSuffix inside the staging directories are candidates.
func (c *Copier) SweepOrphans(roots []string, live map[string]struct{}) (int, error) {
	var (
		removed int
		errs    []error
	)
	for _, root := range roots {
		stage := c.StagingDir(root)
		entries, err := os.ReadDir(stage)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), TmpSuffix) {
				continue
			}
			path := filepath.Join(stage, e.Name())
			if _, ok := live[path]; ok {
				continue
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}
