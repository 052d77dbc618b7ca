// Package filter gates discovery: which entries of the source directory
// become replication candidates. Matching is by base name only; the source
// is a flat drop directory.
package filter

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Set is a compiled admission filter. Excludes are checked first, then size
// bounds; an empty include list admits everything that survives them.
type Set struct {
	include []string
	exclude []string
	minSize int64
	maxSize int64
}

// New validates the glob patterns and builds a Set. Size bounds of zero are
// unbounded.
func New(include, exclude []string, minSize, maxSize int64) (*Set, error) {
	for _, p := range append(append([]string{}, include...), exclude...) {
		if _, err := path.Match(p, "probe"); err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
	}
	return &Set{include: include, exclude: exclude, minSize: minSize, maxSize: maxSize}, nil
}

// Admit reports whether a regular file with the given base name and size
// passes the filter.
func (s *Set) Admit(name string, size int64) bool {
	for _, p := range s.exclude {
		if ok, _ := path.Match(p, name); ok {
			return false
		}
	}
	if s.minSize > 0 && size < s.minSize {
		return false
	}
	if s.maxSize > 0 && size > s.maxSize {
		return false
	}
	if len(s.include) == 0 {
		return true
	}
	for _, p := range s.include {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

var sizeUnits = map[byte]int64{
	'B': 1,
	'K': 1 << 10,
	'M': 1 << 20,
	'G': 1 << 30,
	'T': 1 << 40,
}

// ParseSize converts a human-readable size ("500", "64K", "1.5G") to bytes.
// Suffixes are powers of 1024 and case-insensitive.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	num := s
	mult := int64(1)
	if m, ok := sizeUnits[s[len(s)-1]&^0x20]; ok {
		mult = m
		num = s[:len(s)-1]
	}
	if num == "" {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n, err := strconv.ParseInt(num, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative size %q", s)
		}
		return n * mult, nil
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(f * float64(mult)), nil
}
