//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves disk space ahead of the copy. Advisory: filesystems
// without fallocate support just ignore it.
func preallocate(fd *os.File, size int64) {
	if size <= 0 {
		return
	}
	//nolint:errcheck // advisory; unsupported filesystems return ENOTSUP
	unix.Fallocate(int(fd.Fd()), 0, 0, size)
}
