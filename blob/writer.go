package blob

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Writer writes blob data to a file or to an in-memory image.
//
// Usage:
//
//	w := blob.NewMemoryWriter()
//	offset, err := w.AddBlob(blob.DataTypeFloat32, weightData)
//	// Record offset in the graph description.
//	if err := w.Close(); err != nil { ... }
//	image := w.Bytes()
type Writer struct {
	dst     io.WriterAt
	file    *os.File     // set for file writers
	mem     *memoryImage // set for memory writers
	offset  uint64       // Current write position
	entries []blobEntry
	closed  bool
}

type blobEntry struct {
	metadataOffset uint64
	dataOffset     uint64
	dtype          DataType
	data           []byte
}

// NewWriter creates a new blob writer that writes to the specified path.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create blob file")
	}
	return &Writer{
		dst:    f,
		file:   f,
		offset: headerSize,
	}, nil
}

// NewMemoryWriter creates a writer that builds the image in memory.
// The image is available from Bytes after Close.
func NewMemoryWriter() *Writer {
	mem := &memoryImage{}
	return &Writer{
		dst:    mem,
		mem:    mem,
		offset: headerSize,
	}
}

// AddBlob adds a blob and returns its metadata offset, which is what the
// Reader takes to retrieve it. The data is not copied and must not be
// modified until Close.
func (w *Writer) AddBlob(dtype DataType, data []byte) (uint64, error) {
	if w.closed {
		return 0, errors.New("blob writer already closed")
	}
	if !dtype.Valid() {
		return 0, errors.Errorf("invalid blob data type %d", dtype)
	}

	// Metadata goes at current offset, data follows (both 64-byte aligned).
	metadataOffset := w.offset
	dataOffset := alignTo(metadataOffset+metadataSize, DefaultAlignment)
	w.entries = append(w.entries, blobEntry{
		metadataOffset: metadataOffset,
		dataOffset:     dataOffset,
		dtype:          dtype,
		data:           data,
	})

	// Advance offset past data (aligned for next entry)
	w.offset = alignTo(dataOffset+uint64(len(data)), DefaultAlignment)
	return metadataOffset, nil
}

// Close finalizes the image by writing the header and all entries.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.writeAll()
	if w.file != nil {
		if closeErr := w.file.Close(); err == nil && closeErr != nil {
			err = errors.Wrap(closeErr, "close blob file")
		}
	}
	return err
}

func (w *Writer) writeAll() error {
	if w.mem != nil {
		w.mem.data = make([]byte, w.offset)
	}
	header := StorageHeader{
		Count:   uint32(len(w.entries)),
		Version: BlobVersion,
	}
	if err := w.writeStructAt(0, &header); err != nil {
		return errors.WithMessage(err, "write header")
	}

	for _, entry := range w.entries {
		metadata := BlobMetadata{
			Sentinel:    BlobMetadataSentinel,
			DType:       uint32(entry.dtype),
			SizeInBytes: uint64(len(entry.data)),
			Offset:      entry.dataOffset,
		}
		if err := w.writeStructAt(entry.metadataOffset, &metadata); err != nil {
			return errors.WithMessagef(err, "write metadata at offset %d", entry.metadataOffset)
		}
		if _, err := w.dst.WriteAt(entry.data, int64(entry.dataOffset)); err != nil {
			return errors.Wrapf(err, "write data at offset %d", entry.dataOffset)
		}
	}
	if w.file != nil {
		// Pads the last entry to the alignment, as memory images are.
		return errors.Wrap(w.file.Truncate(int64(w.offset)), "truncate blob file")
	}
	return nil
}

// writeStructAt writes a struct at the specified offset using little-endian encoding.
func (w *Writer) writeStructAt(offset uint64, data any) error {
	buf, err := binary.Append(nil, binary.LittleEndian, data)
	if err != nil {
		return errors.Wrap(err, "encode")
	}
	_, err = w.dst.WriteAt(buf, int64(offset))
	return errors.Wrap(err, "write")
}

// EntryCount returns the number of blob entries added.
func (w *Writer) EntryCount() int {
	return len(w.entries)
}

// Size returns the size of the image written so far, including alignment.
func (w *Writer) Size() uint64 {
	return w.offset
}

// Bytes returns the image of a memory writer after Close, and nil otherwise.
func (w *Writer) Bytes() []byte {
	if w.mem == nil || !w.closed {
		return nil
	}
	return w.mem.data
}

// memoryImage is an io.WriterAt over a growing byte slice.
type memoryImage struct {
	data []byte
}

func (m *memoryImage) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Errorf("negative offset %d", off)
	}
	end := int(off) + len(p)
	if end > len(m.data) {
		if end > cap(m.data) {
			grown := make([]byte, end, max(end, 2*cap(m.data)))
			copy(grown, m.data)
			m.data = grown
		} else {
			m.data = m.data[:end]
		}
	}
	copy(m.data[off:], p)
	return len(p), nil
}
