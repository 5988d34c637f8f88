package codec

import (
	"math"

	"github.com/gomlx/go-nnapi/blob"
	"github.com/gomlx/go-nnapi/graph"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Graph message fields.
const (
	graphID      protowire.Number = 1
	graphName    protowire.Number = 2
	graphNode    protowire.Number = 3
	graphInputs  protowire.Number = 4
	graphOutputs protowire.Number = 5
)

// Node message fields. Zero values are omitted.
const (
	nodeOp         protowire.Number = 1
	nodeDType      protowire.Number = 2
	nodeShape      protowire.Number = 3
	nodeInputs     protowire.Number = 4
	nodeData       protowire.Number = 5
	nodeBlobOffset protowire.Number = 6
	nodeAxis       protowire.Number = 7
	nodePerm       protowire.Number = 8
	nodeStart      protowire.Number = 9
	nodeEnd        protowire.Number = 10
	nodeStride     protowire.Number = 11
	nodeWindow     protowire.Number = 12
	nodeStrides    protowire.Number = 13
	nodePadBegin   protowire.Number = 14
	nodePadEnd     protowire.Number = 15
	nodeDilations  protowire.Number = 16
	nodeLow        protowire.Number = 17
	nodeHigh       protowire.Number = 18
	nodeScale      protowire.Number = 19
	nodeBeta       protowire.Number = 20
	nodeQuantScale protowire.Number = 21
	nodeZeroPoint  protowire.Number = 22
)

var blobTypes = map[graph.DType]blob.DataType{
	graph.F32: blob.DataTypeFloat32,
	graph.I32: blob.DataTypeInt32,
	graph.U32: blob.DataTypeUInt32,
	graph.U8:  blob.DataTypeUInt8,
}

//======================================================================================================================
// Encoding
//======================================================================================================================

func appendGraph(b []byte, g *graph.Graph, blobs *blob.Writer, threshold int) ([]byte, error) {
	b = protowire.AppendTag(b, graphID, protowire.BytesType)
	b = protowire.AppendBytes(b, g.ID[:])
	if g.Name != "" {
		b = protowire.AppendTag(b, graphName, protowire.BytesType)
		b = protowire.AppendString(b, g.Name)
	}
	var node []byte
	for _, n := range g.Nodes {
		var err error
		node, err = appendNode(node[:0], n, blobs, threshold)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, graphNode, protowire.BytesType)
		b = protowire.AppendBytes(b, node)
	}
	b = appendInts(b, graphInputs, g.Inputs)
	b = appendInts(b, graphOutputs, g.Outputs)
	return b, nil
}

func appendNode(b []byte, n *graph.Node, blobs *blob.Writer, threshold int) ([]byte, error) {
	b = appendVarint(b, nodeOp, uint64(n.Op))
	b = appendVarint(b, nodeDType, uint64(n.DType))
	b = appendInts(b, nodeShape, n.Shape)
	b = appendInts(b, nodeInputs, n.Inputs)
	if n.Op == graph.OpFixedInput {
		if len(n.Data) >= threshold {
			offset, err := blobs.AddBlob(blobTypes[n.DType], n.Data)
			if err != nil {
				return nil, errors.WithMessagef(err, "codec: storing data of %s", n)
			}
			b = appendVarint(b, nodeBlobOffset, offset)
		} else {
			b = protowire.AppendTag(b, nodeData, protowire.BytesType)
			b = protowire.AppendBytes(b, n.Data)
		}
	}
	b = appendVarint(b, nodeAxis, protowire.EncodeZigZag(int64(n.Axis)))
	b = appendInts(b, nodePerm, n.Perm)
	b = appendInts(b, nodeStart, n.Start)
	b = appendInts(b, nodeEnd, n.End)
	b = appendInts(b, nodeStride, n.Stride)
	b = appendInts(b, nodeWindow, n.Window)
	b = appendInts(b, nodeStrides, n.Strides)
	b = appendInts(b, nodePadBegin, n.PadBegin)
	b = appendInts(b, nodePadEnd, n.PadEnd)
	b = appendInts(b, nodeDilations, n.Dilations)
	b = appendFloat(b, nodeLow, n.Low)
	b = appendFloat(b, nodeHigh, n.High)
	b = appendFloat(b, nodeScale, n.Scale)
	b = appendFloat(b, nodeBeta, n.Beta)
	b = appendFloat(b, nodeQuantScale, n.QuantScale)
	b = appendVarint(b, nodeZeroPoint, protowire.EncodeZigZag(int64(n.ZeroPoint)))
	return b, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

// appendInts appends values as a packed list of zig-zag varints.
func appendInts(b []byte, num protowire.Number, values []int) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(v)))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

//======================================================================================================================
// Decoding
//======================================================================================================================

// forEachField calls fn for every field of the message in b. fn returns the
// number of bytes of the field value it consumed.
func forEachField(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrapf(ErrMalformed, "field tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func checkType(num protowire.Number, typ, want protowire.Type) error {
	if typ != want {
		return errors.Wrapf(ErrMalformed, "field %d has wire type %d, wanted %d", num, typ, want)
	}
	return nil
}

func parseErr(num protowire.Number, n int) error {
	return errors.Wrapf(ErrMalformed, "field %d: %v", num, protowire.ParseError(n))
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, parseErr(num, n)
	}
	return n, nil
}

func consumeBytes(num protowire.Number, typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if err := checkType(num, typ, protowire.BytesType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, parseErr(num, n)
	}
	*dst = v
	return n, nil
}

func consumeVarint(num protowire.Number, typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if err := checkType(num, typ, protowire.VarintType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, parseErr(num, n)
	}
	*dst = v
	return n, nil
}

// consumeInt reads a zig-zag varint that must fit in an int32.
func consumeInt(num protowire.Number, typ protowire.Type, b []byte, dst *int) (int, error) {
	var v uint64
	n, err := consumeVarint(num, typ, b, &v)
	if err != nil {
		return 0, err
	}
	decoded := protowire.DecodeZigZag(v)
	if decoded < math.MinInt32 || decoded > math.MaxInt32 {
		return 0, errors.Wrapf(ErrMalformed, "field %d: value %d out of range", num, decoded)
	}
	*dst = int(decoded)
	return n, nil
}

func consumeFloat(num protowire.Number, typ protowire.Type, b []byte, dst *float32) (int, error) {
	if err := checkType(num, typ, protowire.Fixed32Type); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, parseErr(num, n)
	}
	*dst = math.Float32frombits(v)
	return n, nil
}

func consumeInts(num protowire.Number, typ protowire.Type, b []byte, dst *[]int) (int, error) {
	if err := checkType(num, typ, protowire.BytesType); err != nil {
		return 0, err
	}
	packed, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, parseErr(num, n)
	}
	var values []int
	for len(packed) > 0 {
		var v int
		m, err := consumeInt(num, protowire.VarintType, packed, &v)
		if err != nil {
			return 0, err
		}
		values = append(values, v)
		packed = packed[m:]
	}
	*dst = values
	return n, nil
}

func decodeGraph(b []byte, blobs *blob.Reader) (*graph.Graph, error) {
	g := &graph.Graph{}
	var id []byte
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case graphID:
			return consumeBytes(num, typ, b, &id)
		case graphName:
			var name []byte
			n, err := consumeBytes(num, typ, b, &name)
			g.Name = string(name)
			return n, err
		case graphNode:
			var msg []byte
			n, err := consumeBytes(num, typ, b, &msg)
			if err != nil {
				return 0, err
			}
			node, err := decodeNode(msg, blobs)
			if err != nil {
				return 0, errors.WithMessagef(err, "node #%d", len(g.Nodes))
			}
			node.ID = len(g.Nodes)
			g.Nodes = append(g.Nodes, node)
			return n, nil
		case graphInputs:
			return consumeInts(num, typ, b, &g.Inputs)
		case graphOutputs:
			return consumeInts(num, typ, b, &g.Outputs)
		}
		return skipField(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	g.ID, err = uuid.FromBytes(id)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "graph id: %v", err)
	}
	return g, nil
}

func decodeNode(b []byte, blobs *blob.Reader) (*graph.Node, error) {
	n := &graph.Node{}
	var op, dtype, zeroPoint uint64
	var blobOffset uint64
	hasBlob := false
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case nodeOp:
			return consumeVarint(num, typ, b, &op)
		case nodeDType:
			return consumeVarint(num, typ, b, &dtype)
		case nodeShape:
			return consumeInts(num, typ, b, &n.Shape)
		case nodeInputs:
			return consumeInts(num, typ, b, &n.Inputs)
		case nodeData:
			return consumeBytes(num, typ, b, &n.Data)
		case nodeBlobOffset:
			hasBlob = true
			return consumeVarint(num, typ, b, &blobOffset)
		case nodeAxis:
			return consumeInt(num, typ, b, &n.Axis)
		case nodePerm:
			return consumeInts(num, typ, b, &n.Perm)
		case nodeStart:
			return consumeInts(num, typ, b, &n.Start)
		case nodeEnd:
			return consumeInts(num, typ, b, &n.End)
		case nodeStride:
			return consumeInts(num, typ, b, &n.Stride)
		case nodeWindow:
			return consumeInts(num, typ, b, &n.Window)
		case nodeStrides:
			return consumeInts(num, typ, b, &n.Strides)
		case nodePadBegin:
			return consumeInts(num, typ, b, &n.PadBegin)
		case nodePadEnd:
			return consumeInts(num, typ, b, &n.PadEnd)
		case nodeDilations:
			return consumeInts(num, typ, b, &n.Dilations)
		case nodeLow:
			return consumeFloat(num, typ, b, &n.Low)
		case nodeHigh:
			return consumeFloat(num, typ, b, &n.High)
		case nodeScale:
			return consumeFloat(num, typ, b, &n.Scale)
		case nodeBeta:
			return consumeFloat(num, typ, b, &n.Beta)
		case nodeQuantScale:
			return consumeFloat(num, typ, b, &n.QuantScale)
		case nodeZeroPoint:
			return consumeVarint(num, typ, b, &zeroPoint)
		}
		return skipField(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	if op > math.MaxInt16 || dtype > math.MaxInt8 {
		return nil, errors.Wrapf(ErrMalformed, "op %d or dtype %d out of range", op, dtype)
	}
	n.Op = graph.OpType(op)
	n.DType = graph.DType(dtype)
	zp := protowire.DecodeZigZag(zeroPoint)
	if zp < math.MinInt32 || zp > math.MaxInt32 {
		return nil, errors.Wrapf(ErrMalformed, "zero point %d out of range", zp)
	}
	n.ZeroPoint = int32(zp)

	if hasBlob {
		if blobs == nil {
			return nil, errors.Wrapf(ErrMalformed, "blob offset %d but there is no blob image", blobOffset)
		}
		blobType, data, err := blobs.Entry(blobOffset)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "%v", err)
		}
		if want, ok := blobTypes[n.DType]; !ok || want != blobType {
			return nil, errors.Wrapf(ErrMalformed, "blob at %d holds data type %d, node has %s", blobOffset, blobType, n.DType)
		}
		n.Data = data
	}
	return n, nil
}
