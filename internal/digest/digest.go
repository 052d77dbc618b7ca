// Package digest is the hashing engine: streaming digests over source and
// published files, the supplementary xxh64 write-path checksum, and job id
// derivation. Memory use is a fixed buffer regardless of file size.
package digest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// Supported algorithms. SHA256 is the default; BLAKE3 trades ubiquity for
// throughput on large imaging files.
const (
	SHA256 = "sha256"
	BLAKE3 = "blake3"
)

const bufSize = 32 * 1024

// Algorithms lists the supported algorithm names.
func Algorithms() []string {
	return []string{SHA256, BLAKE3}
}

// New returns a fresh hash for alg.
func New(alg string) (hash.Hash, error) {
	switch alg {
	case SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", alg)
	}
}

// stream copies r into w chunk by chunk, checking cancellation between
// chunks so multi-GiB reads abort promptly.
func stream(ctx context.Context, w io.Writer, r io.Reader) error {
	buf := make([]byte, bufSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// Sum streams r through alg and returns the hex digest.
func Sum(ctx context.Context, alg string, r io.Reader) (string, error) {
	h, err := New(alg)
	if err != nil {
		return "", err
	}
	if err := stream(ctx, h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// File computes the hex digest of the file at path with alg.
func File(ctx context.Context, alg, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Sum(ctx, alg, f)
}

// SumFile computes the primary digest and the supplementary xxh64 of the
// file at path in a single read.
func SumFile(ctx context.Context, alg, path string) (digestHex, xxh64Hex string, err error) {
	h, err := New(alg)
	if err != nil {
		return "", "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	x := NewXXH64()
	if err := stream(ctx, io.MultiWriter(h, x), f); err != nil {
		return "", "", err
	}
	return hex.EncodeToString(h.Sum(nil)), HexUint64(x.Sum64()), nil
}

// NewXXH64 returns the supplementary checksum hasher used in the staging
// write path. xxh64 is not cryptographic; it only serves as a fast
// first-divergence tripwire alongside the real digest.
func NewXXH64() *xxhash.Digest {
	return xxhash.New()
}

// HexUint64 formats a 64-bit checksum as fixed-width hex.
func HexUint64(v uint64) string {
	return fmt.Sprintf("%016x", v)
}

// JobID derives a stable job identifier from the source path and discovery
// time. Path and time are hashed, so ids are safe to log where the path is
// not.
func JobID(sourcePath string, discoveredAt time.Time) string {
	h := blake3.New()
	h.Write([]byte(sourcePath))
	h.Write([]byte{0})
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(discoveredAt.UnixNano()))
	h.Write(ts[:])
	return hex.EncodeToString(h.Sum(nil)[:8])
}
