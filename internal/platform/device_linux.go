//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// DeviceID returns the device number of the filesystem holding path.
func DeviceID(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	return uint64(st.Dev), nil
}
