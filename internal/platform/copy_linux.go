//go:build linux

package platform

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// CopyFile copies size bytes from src to dst, both open regular files
// positioned at the start. Kernel-side copies are attempted first;
// filesystems that refuse fall through to buffered read/write.
func CopyFile(dst, src *os.File, size int64) (CopyResult, error) {
	preallocate(dst, size)

	res, err := copyFileRange(dst, src, size)
	if err == nil {
		return res, nil
	}
	if res.Bytes > 0 || !isFallbackErr(err) {
		return res, err
	}

	res, err = copySendfile(dst, src, size)
	if err == nil {
		return res, nil
	}
	if res.Bytes > 0 || !isFallbackErr(err) {
		return res, err
	}

	return copyReadWrite(dst, src)
}

func copyFileRange(dst, src *os.File, size int64) (CopyResult, error) {
	var (
		roff, woff int64
		total      int64
	)
	remaining := size
	for remaining > 0 {
		n, err := unix.CopyFileRange(int(src.Fd()), &roff, int(dst.Fd()), &woff, int(remaining), 0)
		if err != nil {
			return CopyResult{Bytes: total, Method: CopyFileRange}, err
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
		total += int64(n)
	}
	return CopyResult{Bytes: total, Method: CopyFileRange}, nil
}

func copySendfile(dst, src *os.File, size int64) (CopyResult, error) {
	var (
		offset int64
		total  int64
	)
	remaining := size
	for remaining > 0 {
		n, err := unix.Sendfile(int(dst.Fd()), int(src.Fd()), &offset, int(remaining))
		if err != nil {
			return CopyResult{Bytes: total, Method: Sendfile}, err
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
		total += int64(n)
	}
	return CopyResult{Bytes: total, Method: Sendfile}, nil
}

// isFallbackErr reports whether err means "this syscall cannot serve this
// pair of files" rather than a real I/O failure.
func isFallbackErr(err error) bool {
	return errors.Is(err, unix.ENOSYS) ||
		errors.Is(err, unix.EXDEV) ||
		errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.ENOTSUP)
}
