package blob

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Reader gives access to the entries of a blob image. Entries are returned as
// sub-slices of the image, nothing is copied.
type Reader struct {
	data   []byte
	header StorageHeader
}

// NewReader validates the header of image and returns a Reader over it.
func NewReader(image []byte) (*Reader, error) {
	if len(image) < headerSize {
		return nil, errors.Wrapf(ErrCorrupt, "image has %d bytes, smaller than the %d bytes header", len(image), headerSize)
	}
	r := &Reader{data: image}
	if _, err := binary.Decode(image[:headerSize], binary.LittleEndian, &r.header); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "decoding header: %v", err)
	}
	if r.header.Version != BlobVersion {
		return nil, errors.Wrapf(ErrCorrupt, "unsupported version %d, wanted %d", r.header.Version, BlobVersion)
	}
	return r, nil
}

// Count returns the number of entries recorded in the header.
func (r *Reader) Count() int {
	return int(r.header.Count)
}

// Entry returns the data type and contents of the entry whose metadata is at
// offset, as returned by Writer.AddBlob.
func (r *Reader) Entry(offset uint64) (DataType, []byte, error) {
	if offset < headerSize || offset%DefaultAlignment != 0 {
		return DataTypeInvalid, nil, errors.Wrapf(ErrCorrupt, "invalid entry offset %d", offset)
	}
	size := uint64(len(r.data))
	if offset > size || size-offset < metadataSize {
		return DataTypeInvalid, nil, errors.Wrapf(ErrCorrupt, "entry offset %d out of bounds (image has %d bytes)", offset, size)
	}
	var meta BlobMetadata
	if _, err := binary.Decode(r.data[offset:offset+metadataSize], binary.LittleEndian, &meta); err != nil {
		return DataTypeInvalid, nil, errors.Wrapf(ErrCorrupt, "decoding metadata at %d: %v", offset, err)
	}
	if meta.Sentinel != BlobMetadataSentinel {
		return DataTypeInvalid, nil, errors.Wrapf(ErrCorrupt, "metadata at %d has sentinel %#x", offset, meta.Sentinel)
	}
	dtype := DataType(meta.DType)
	if !dtype.Valid() {
		return DataTypeInvalid, nil, errors.Wrapf(ErrCorrupt, "metadata at %d has data type %d", offset, meta.DType)
	}
	if meta.Offset < offset+metadataSize || meta.Offset > size || size-meta.Offset < meta.SizeInBytes {
		return DataTypeInvalid, nil, errors.Wrapf(ErrCorrupt, "entry at %d: data [%d, +%d) out of bounds (image has %d bytes)",
			offset, meta.Offset, meta.SizeInBytes, size)
	}
	end := meta.Offset + meta.SizeInBytes
	return dtype, r.data[meta.Offset:end:end], nil
}
