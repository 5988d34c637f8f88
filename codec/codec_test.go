package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/go-nnapi/graph"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func sequence(n int, scale float32) []float32 {
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(i%7-3) * scale
	}
	return values
}

// buildGraph builds a graph exercising most node attributes, with one large
// fixed input (stored as a blob by default) and one small (kept inline).
func buildGraph(t *testing.T) *graph.Graph {
	t.Helper()
	b := graph.NewBuilder("codec-test")
	x := b.Input(graph.F32, 1, 2, 4, 4)
	filter := b.FixedInput(graph.F32, []int{3, 2, 3, 3}, graph.Float32Bytes(sequence(54, 0.25)...))
	bias := b.FixedInput(graph.F32, []int{3, 1, 1}, graph.Float32Bytes(0.5, -1, 2))
	y := b.Conv2D(x, filter, []int{1, 1}, []int{1, 1}, []int{1, 1}, []int{1, 1})
	y = b.Add(y, bias)
	y = b.BoundedRelu(y, 0, 6, 0.1)
	y = b.Pool2D(graph.OpMaxPool2D, y, []int{2, 2}, []int{2, 2}, []int{0, 0}, []int{0, 0})
	y = b.Transpose(y, []int{0, 2, 3, 1})
	y = b.Reshape(y, []int{4, 3})
	soft := b.Softmax(y, 0.5, 1)
	sub := b.SubTensor(y, []int{0, 0}, []int{3, 1}, []int{2, 1})
	joined := b.Concat(0, sub, sub)
	cast := b.Cast(joined, graph.I32, 0, 0)
	g, err := b.Build([]*graph.Tensor{x}, []*graph.Tensor{soft, cast})
	require.NoError(t, err)
	return g
}

func execute(t *testing.T, g *graph.Graph) [][]byte {
	t.Helper()
	outputs, err := g.Execute([][]byte{graph.Float32Bytes(sequence(32, 1)...)})
	require.NoError(t, err)
	return outputs
}

func TestRoundTrip(t *testing.T) {
	g := buildGraph(t)
	want := execute(t, g)

	for name, opts := range map[string]Options{
		"default":   DefaultOptions(),
		"all blobs": {BlobThreshold: 0},
		"no blobs":  {BlobThreshold: math.MaxInt},
	} {
		t.Run(name, func(t *testing.T) {
			data, err := MarshalWithOptions(g, opts)
			require.NoError(t, err)
			require.Equal(t, Magic, string(data[:4]))

			decoded, err := Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, g.ID, decoded.ID)
			assert.Equal(t, g.Name, decoded.Name)
			assert.Equal(t, g.String(), decoded.String())
			assert.Equal(t, g.FixedBytes(), decoded.FixedBytes())
			for i, n := range g.Nodes {
				assert.Equal(t, n.Data, decoded.Nodes[i].Data, "data of %s", n)
			}
			assert.Equal(t, want, execute(t, decoded))
		})
	}

	// The same graph always encodes to the same bytes.
	first, err := Marshal(g)
	require.NoError(t, err)
	second, err := Marshal(g)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAttributesSurvive(t *testing.T) {
	b := graph.NewBuilder("attributes")
	x := b.Input(graph.F32, 1, 1, 5, 5)
	filter := b.FixedInput(graph.F32, []int{2, 1, 2, 2}, graph.Float32Bytes(sequence(8, 1)...))
	y := b.DepthwiseConv2D(x, filter, []int{2, 1}, []int{1, 0}, []int{0, 1}, []int{2, 1})
	y = b.Pool2D(graph.OpAvgPool2D, y, []int{1, 2}, []int{1, 1}, []int{0, 1}, []int{0, 0})
	z := b.Cast(y, graph.U32, 0.25, -3)
	g, err := b.Build([]*graph.Tensor{x}, []*graph.Tensor{z})
	require.NoError(t, err)

	data, err := Marshal(g)
	require.NoError(t, err)
	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	for i, n := range g.Nodes {
		got := decoded.Nodes[i]
		assert.Equal(t, n.Op, got.Op)
		assert.Equal(t, n.Strides, got.Strides, "%s", n)
		assert.Equal(t, n.PadBegin, got.PadBegin, "%s", n)
		assert.Equal(t, n.PadEnd, got.PadEnd, "%s", n)
		assert.Equal(t, n.Dilations, got.Dilations, "%s", n)
		assert.Equal(t, n.Window, got.Window, "%s", n)
		assert.Equal(t, n.QuantScale, got.QuantScale, "%s", n)
		assert.Equal(t, n.ZeroPoint, got.ZeroPoint, "%s", n)
	}
}

// reseal replaces the payload of an encoded graph and recomputes its checksum.
func reseal(payload []byte) []byte {
	sum := sha256.Sum256(payload)
	out := append([]byte(Magic), binary.LittleEndian.AppendUint32(nil, Version)...)
	out = append(out, sum[:]...)
	return append(out, payload...)
}

func TestUnmarshalErrors(t *testing.T) {
	g := buildGraph(t)
	data, err := Marshal(g)
	require.NoError(t, err)

	_, err = Unmarshal(data[:10])
	require.ErrorIs(t, err, ErrInvalidMagic)

	badMagic := bytes.Clone(data)
	badMagic[0] = 'X'
	_, err = Unmarshal(badMagic)
	require.ErrorIs(t, err, ErrInvalidMagic)

	badVersion := bytes.Clone(data)
	badVersion[4] = 7
	_, err = Unmarshal(badVersion)
	require.ErrorIs(t, err, ErrUnsupportedVersion)

	for _, pos := range []int{headerSize, headerSize + 20, len(data) - 1, len(Magic) + 4} {
		corrupted := bytes.Clone(data)
		corrupted[pos] ^= 0x40
		_, err = Unmarshal(corrupted)
		require.ErrorIs(t, err, ErrChecksumMismatch, "flipping byte %d", pos)
	}

	_, err = Unmarshal(reseal([]byte{0xFF, 0xFF}))
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Unmarshal(reseal(nil))
	require.ErrorIs(t, err, ErrMalformed, "missing graph description")

	// A graph description with a blob reference but no blob image.
	desc := protowire.AppendTag(nil, graphID, protowire.BytesType)
	desc = protowire.AppendBytes(desc, g.ID[:])
	node := appendVarint(nil, nodeOp, uint64(graph.OpFixedInput))
	node = appendVarint(node, nodeDType, uint64(graph.F32))
	node = appendInts(node, nodeShape, []int{1})
	node = appendVarint(node, nodeBlobOffset, 64)
	desc = protowire.AppendTag(desc, graphNode, protowire.BytesType)
	desc = protowire.AppendBytes(desc, node)
	desc = appendInts(desc, graphOutputs, []int{0})
	payload := protowire.AppendTag(nil, payloadGraph, protowire.BytesType)
	payload = protowire.AppendBytes(payload, desc)
	_, err = Unmarshal(reseal(payload))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestUnmarshalRejectsInconsistentGraph(t *testing.T) {
	g := buildGraph(t)
	// Structurally valid, but the recorded shape of the Add node isn't
	// the one its inputs produce.
	for _, n := range g.Nodes {
		if n.Op == graph.OpAdd {
			n.Shape = []int{48}
		}
	}
	require.NoError(t, g.Validate())
	data, err := Marshal(g)
	require.NoError(t, err)
	_, err = Unmarshal(data)
	require.ErrorIs(t, err, ErrMalformed)
	assert.False(t, errors.Is(err, ErrChecksumMismatch))
}
