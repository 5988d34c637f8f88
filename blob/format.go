// Package blob implements the aligned storage format used for the constant
// payloads of a serialized graph.
//
// Fixed inputs (weights, biases, folded constants) can be large, so the codec
// keeps them out of the graph description and places them in a blob image
// instead. Each payload starts on a 64 byte boundary, which lets a reader
// hand out sub-slices of a memory-mapped image without copying.
//
// Image format:
//
//	[storage_header (64B)]
//	[blob_metadata_0 (64B)] [data_0 (64B aligned)]
//	[blob_metadata_1 (64B)] [data_1 (64B aligned)]
//	...
package blob

import "github.com/pkg/errors"

const (
	// DefaultAlignment is the byte alignment for all sections in the image.
	DefaultAlignment = 64

	// BlobMetadataSentinel is a magic number used to validate blob metadata entries.
	BlobMetadataSentinel uint32 = 0xDEADBEEF

	// BlobVersion is the current image format version.
	BlobVersion uint32 = 2

	headerSize   = 64
	metadataSize = 64
)

// ErrCorrupt is returned by the Reader for images that don't follow the format.
var ErrCorrupt = errors.New("corrupt blob image")

// DataType represents the data type of a blob entry.
type DataType uint32

const (
	DataTypeInvalid DataType = 0
	DataTypeFloat32 DataType = 2
	DataTypeUInt8   DataType = 3
	DataTypeInt32   DataType = 14
	DataTypeUInt32  DataType = 15
)

// Valid returns whether dt is one of the known data types.
func (dt DataType) Valid() bool {
	switch dt {
	case DataTypeFloat32, DataTypeUInt8, DataTypeInt32, DataTypeUInt32:
		return true
	}
	return false
}

// StorageHeader is the header of a blob image.
// It is always 64 bytes and appears at the start of the image.
type StorageHeader struct {
	Count    uint32   // Number of blob entries
	Version  uint32   // Format version (always BlobVersion)
	Reserved [56]byte // Reserved for future use, must be zero
}

// BlobMetadata describes a single blob entry.
// It is always 64 bytes and precedes the blob data.
type BlobMetadata struct {
	Sentinel    uint32   // Magic number (BlobMetadataSentinel)
	DType       uint32   // Data type (DataType enum)
	SizeInBytes uint64   // Size of the blob data in bytes
	Offset      uint64   // Absolute offset to the blob data
	Reserved    [40]byte // Reserved for future use, must be zero
}

// alignTo returns the smallest multiple of alignment >= offset.
func alignTo(offset uint64, alignment uint64) uint64 {
	if alignment == 0 {
		return offset
	}
	remainder := offset % alignment
	if remainder == 0 {
		return offset
	}
	return offset + (alignment - remainder)
}
