//go:build !unix

package memory

import (
	"io"
	"os"
)

// mmapFile reads the file region into memory on platforms without mmap support.
// Writes to the region are not reflected in the file.
func mmapFile(f *os.File, size int, _ int, offset int64) ([]byte, error) {
	data := make([]byte, size)
	if _, err := f.ReadAt(data, offset); err != nil && err != io.EOF {
		return nil, err
	}
	return data, nil
}

func munmapFile([]byte) error {
	return nil
}
