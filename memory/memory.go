// Package memory provides the memory regions used to share constant values and
// execution inputs/outputs without copies: either caller-owned host bytes or a
// memory-mapped file.
package memory

import (
	"io"
	"os"

	"github.com/gomlx/go-nnapi/nn"
	"github.com/pkg/errors"
)

// Protection flags for FromFile, matching the usual mmap protections.
const (
	ProtRead  = 0x1
	ProtWrite = 0x2
)

// Memory is a contiguous region of bytes.
// It implements io.ReaderAt and io.WriterAt.
type Memory struct {
	data     []byte
	writable bool
	mapped   bool
	closed   bool
}

var (
	_ io.ReaderAt = (*Memory)(nil)
	_ io.WriterAt = (*Memory)(nil)
)

// FromHost wraps data without copying it. The caller keeps ownership of data and
// must keep it alive while the Memory is in use.
func FromHost(data []byte) (*Memory, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(nn.ErrUnexpectedNull, "memory.FromHost: empty data")
	}
	return &Memory{data: data, writable: true}, nil
}

// FromFile maps size bytes of f starting at offset.
// offset must be a multiple of the system page size. The file can be closed after the
// call, the mapping stays valid until Close.
//
// Important: Always call Close() when done to unmap the file (use defer).
func FromFile(f *os.File, size int, prot int, offset int64) (*Memory, error) {
	if f == nil {
		return nil, errors.Wrap(nn.ErrUnexpectedNull, "memory.FromFile: nil file")
	}
	if size <= 0 {
		return nil, errors.Wrapf(nn.ErrBadData, "memory.FromFile: invalid size %d", size)
	}
	if prot&(ProtRead|ProtWrite) == 0 || prot&^(ProtRead|ProtWrite) != 0 {
		return nil, errors.Wrapf(nn.ErrBadData, "memory.FromFile: invalid protection flags %#x", prot)
	}
	if offset < 0 || offset%int64(os.Getpagesize()) != 0 {
		return nil, errors.Wrapf(nn.ErrUnmappable, "memory.FromFile: offset %d is not a multiple of the page size %d",
			offset, os.Getpagesize())
	}
	data, err := mmapFile(f, size, prot, offset)
	if err != nil {
		return nil, errors.Wrapf(nn.ErrUnmappable, "memory.FromFile: mmap failed: %v", err)
	}
	return &Memory{data: data, writable: prot&ProtWrite != 0, mapped: true}, nil
}

// Size returns the size of the region in bytes.
func (m *Memory) Size() int64 {
	return int64(len(m.data))
}

// Bytes returns the underlying bytes. Changes are visible to every user of the region.
func (m *Memory) Bytes() []byte {
	return m.data
}

// ReadAt implements io.ReaderAt.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if m.closed {
		return 0, errors.Wrap(nn.ErrBadState, "memory is closed")
	}
	if off < 0 {
		return 0, errors.Wrapf(nn.ErrBadData, "negative offset %d", off)
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if m.closed {
		return 0, errors.Wrap(nn.ErrBadState, "memory is closed")
	}
	if !m.writable {
		return 0, errors.Wrap(nn.ErrBadState, "memory is read-only")
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, errors.Wrapf(nn.ErrBadData, "write of %d bytes at offset %d exceeds memory size %d", len(p), off, len(m.data))
	}
	return copy(m.data[off:], p), nil
}

// Close releases the region. For mapped memory it unmaps the file.
func (m *Memory) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	if m.mapped {
		data := m.data
		m.data = nil
		return munmapFile(data)
	}
	m.data = nil
	return nil
}
