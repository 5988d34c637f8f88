// Package codec serializes backend graphs, so compilations can be cached and
// shipped as bytes.
//
// An encoded graph is:
//
//	magic "NNGB" (4B) | version (4B, little-endian) | SHA-256 of payload (32B) | payload
//
// The payload is a protobuf wire-format message holding the graph description
// (field 1) and a blob image (field 2, see package blob) with the contents of
// the large fixed inputs. Small fixed inputs are kept inline in the graph
// description.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/go-nnapi/blob"
	"github.com/gomlx/go-nnapi/graph"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

// Magic identifies encoded graphs.
const Magic = "NNGB"

// Version of the encoding produced by Marshal.
const Version uint32 = 1

const headerSize = len(Magic) + 4 + sha256.Size

var (
	// ErrInvalidMagic is returned when decoding bytes that are not an encoded graph.
	ErrInvalidMagic = errors.New("invalid magic, not an encoded graph")

	// ErrUnsupportedVersion is returned for graphs encoded with another version.
	ErrUnsupportedVersion = errors.New("unsupported encoding version")

	// ErrChecksumMismatch is returned when the payload doesn't match its checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrMalformed is returned when the payload can't be decoded into a valid graph.
	ErrMalformed = errors.New("malformed graph encoding")
)

// Options configures Marshal.
type Options struct {
	// BlobThreshold is the minimum size in bytes of a fixed input to be
	// stored in the blob image. Smaller ones are kept inline.
	BlobThreshold int
}

// DefaultOptions returns the options used by Marshal.
func DefaultOptions() Options {
	return Options{
		BlobThreshold: 64,
	}
}

// payload fields.
const (
	payloadGraph protowire.Number = 1
	payloadBlobs protowire.Number = 2
)

// Marshal encodes g with the default options.
func Marshal(g *graph.Graph) ([]byte, error) {
	return MarshalWithOptions(g, DefaultOptions())
}

// MarshalWithOptions encodes g.
func MarshalWithOptions(g *graph.Graph, opts Options) ([]byte, error) {
	if g == nil {
		return nil, errors.New("codec: nil graph")
	}
	if err := g.Validate(); err != nil {
		return nil, errors.WithMessage(err, "codec: refusing to encode invalid graph")
	}
	blobs := blob.NewMemoryWriter()
	desc, err := appendGraph(nil, g, blobs, opts.BlobThreshold)
	if err != nil {
		return nil, err
	}
	if err := blobs.Close(); err != nil {
		return nil, errors.WithMessage(err, "codec: writing blob image")
	}

	payload := protowire.AppendTag(nil, payloadGraph, protowire.BytesType)
	payload = protowire.AppendBytes(payload, desc)
	if blobs.EntryCount() > 0 {
		payload = protowire.AppendTag(payload, payloadBlobs, protowire.BytesType)
		payload = protowire.AppendBytes(payload, blobs.Bytes())
	}

	sum := sha256.Sum256(payload)
	out := make([]byte, 0, headerSize+len(payload))
	out = append(out, Magic...)
	out = binary.LittleEndian.AppendUint32(out, Version)
	out = append(out, sum[:]...)
	out = append(out, payload...)

	if klog.V(2).Enabled() {
		klog.Infof("codec: encoded graph %q (%s): %d nodes, %s of fixed data (%d blobs), %s total",
			g.Name, g.ID, len(g.Nodes), humanize.Bytes(uint64(g.FixedBytes())), blobs.EntryCount(),
			humanize.Bytes(uint64(len(out))))
	}
	return out, nil
}

// Unmarshal decodes a graph encoded by Marshal. The graph is checked node by
// node (see graph.Graph.Replay) before being returned, so it is safe to
// execute.
//
// The fixed inputs of the returned graph may reference data directly, so data
// must not be modified afterwards.
func Unmarshal(data []byte) (*graph.Graph, error) {
	if len(data) < headerSize || !bytes.Equal(data[:len(Magic)], []byte(Magic)) {
		return nil, errors.WithStack(ErrInvalidMagic)
	}
	version := binary.LittleEndian.Uint32(data[len(Magic):])
	if version != Version {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "version %d, wanted %d", version, Version)
	}
	payload := data[headerSize:]
	sum := sha256.Sum256(payload)
	if !bytes.Equal(sum[:], data[len(Magic)+4:headerSize]) {
		return nil, errors.WithStack(ErrChecksumMismatch)
	}

	var desc, image []byte
	err := forEachField(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case payloadGraph:
			return consumeBytes(num, typ, b, &desc)
		case payloadBlobs:
			return consumeBytes(num, typ, b, &image)
		}
		return skipField(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, errors.Wrap(ErrMalformed, "missing graph description")
	}

	var blobs *blob.Reader
	if image != nil {
		blobs, err = blob.NewReader(image)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "blob image: %v", err)
		}
	}
	g, err := decodeGraph(desc, blobs)
	if err != nil {
		return nil, err
	}
	if err := g.Replay(); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "%v", err)
	}
	klog.V(2).Infof("codec: decoded graph %q (%s): %d nodes, %s of fixed data",
		g.Name, g.ID, len(g.Nodes), humanize.Bytes(uint64(g.FixedBytes())))
	return g, nil
}
