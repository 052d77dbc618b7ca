//go:build !linux

package platform

import "os"

// CopyFile copies src to dst with buffered read/write on platforms without
// kernel copy support.
func CopyFile(dst, src *os.File, size int64) (CopyResult, error) {
	preallocate(dst, size)
	return copyReadWrite(dst, src)
}
