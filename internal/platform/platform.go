// Package platform provides the low-level copy primitives. On Linux the
// kernel moves the bytes where it can (copy_file_range, then sendfile) with
// a buffered read/write ladder underneath; elsewhere the buffered path is
// all there is.
package platform

import "os"

// CopyMethod identifies which strategy performed a copy.
type CopyMethod int

const (
	ReadWrite     CopyMethod = iota
	CopyFileRange            // Linux copy_file_range(2)
	Sendfile                 // Linux sendfile(2)
)

func (m CopyMethod) String() string {
	switch m {
	case ReadWrite:
		return "read_write"
	case CopyFileRange:
		return "copy_file_range"
	case Sendfile:
		return "sendfile"
	default:
		return "unknown"
	}
}

// CopyResult reports the outcome of a copy.
type CopyResult struct {
	Bytes  int64
	Method CopyMethod
}

// SyncDir fsyncs a directory, making a rename inside it durable.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
