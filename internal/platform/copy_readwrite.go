package platform

import (
	"io"
	"os"
	"sync"
)

const bufferSize = 1 << 20 // 1 MiB

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, bufferSize)
		return &b
	},
}

// copyReadWrite streams src to dst sequentially with a pooled buffer.
func copyReadWrite(dst, src *os.File) (CopyResult, error) {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return CopyResult{}, err
	}
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return CopyResult{}, err
	}

	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)
	buf := *bufp

	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return CopyResult{Bytes: total, Method: ReadWrite}, werr
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			return CopyResult{Bytes: total, Method: ReadWrite}, nil
		}
		if rerr != nil {
			return CopyResult{Bytes: total, Method: ReadWrite}, rerr
		}
	}
}
