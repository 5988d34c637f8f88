//go:build unix

package memory

import (
	"os"
	"syscall"
)

// mmapFile memory-maps a file region (Unix implementation).
func mmapFile(f *os.File, size int, prot int, offset int64) ([]byte, error) {
	sysProt := 0
	if prot&ProtRead != 0 {
		sysProt |= syscall.PROT_READ
	}
	if prot&ProtWrite != 0 {
		sysProt |= syscall.PROT_WRITE
	}
	return syscall.Mmap(
		int(f.Fd()), //nolint:gosec // G115: file descriptor fits in int
		offset,
		size,
		sysProt,
		syscall.MAP_SHARED,
	)
}

// munmapFile unmaps a memory-mapped region (Unix implementation).
func munmapFile(data []byte) error {
	return syscall.Munmap(data)
}
