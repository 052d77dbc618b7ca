//go:build !linux

package platform

import "os"

// preallocate is a no-op off Linux (fallocate is Linux-only).
func preallocate(_ *os.File, _ int64) {}
