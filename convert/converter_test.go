package convert

import (
	"context"
	"slices"
	"testing"

	"github.com/gomlx/go-nnapi/device"
	"github.com/gomlx/go-nnapi/graph"
	"github.com/gomlx/go-nnapi/nn"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testModel builds nn.Models for the tests.
type testModel struct {
	t *testing.T
	m *nn.Model
}

func newTestModel(t *testing.T) *testModel {
	return &testModel{t: t, m: nn.NewModel()}
}

func (tm *testModel) operand(code nn.OperandCode, dims ...uint32) uint32 {
	idx, err := tm.m.AddOperand(nn.OperandType{Code: code, Dimensions: dims})
	require.NoError(tm.t, err)
	return idx
}

func (tm *testModel) input(dims ...uint32) uint32 {
	return tm.operand(nn.TensorFloat32, dims...)
}

func (tm *testModel) constant(code nn.OperandCode, dims []uint32, data []byte) uint32 {
	idx := tm.operand(code, dims...)
	require.NoError(tm.t, tm.m.SetOperandValue(idx, data))
	return idx
}

func (tm *testModel) floats(dims []uint32, values ...float32) uint32 {
	return tm.constant(nn.TensorFloat32, dims, graph.Float32Bytes(values...))
}

func (tm *testModel) ints(values ...int32) uint32 {
	return tm.constant(nn.TensorInt32, []uint32{uint32(len(values))}, graph.Int32Bytes(values...))
}

func (tm *testModel) i32(v int32) uint32 {
	return tm.constant(nn.Int32, nil, graph.Int32Bytes(v))
}

func (tm *testModel) f32(v float32) uint32 {
	return tm.constant(nn.Float32, nil, graph.Float32Bytes(v))
}

func (tm *testModel) boolean(v bool) uint32 {
	b := byte(0)
	if v {
		b = 1
	}
	return tm.constant(nn.Bool, nil, []byte{b})
}

// op adds an operation with a single f32 output of the given dimensions.
func (tm *testModel) op(code nn.OperationCode, inputs []uint32, dims ...uint32) uint32 {
	return tm.typedOp(code, inputs, nn.OperandType{Code: nn.TensorFloat32, Dimensions: dims})
}

func (tm *testModel) typedOp(code nn.OperationCode, inputs []uint32, out nn.OperandType) uint32 {
	idx, err := tm.m.AddOperand(out)
	require.NoError(tm.t, err)
	require.NoError(tm.t, tm.m.AddOperation(code, inputs, []uint32{idx}))
	return idx
}

func (tm *testModel) convert(inputs, outputs []uint32) (*graph.Graph, error) {
	require.NoError(tm.t, tm.m.IdentifyInputsAndOutputs(inputs, outputs))
	require.NoError(tm.t, tm.m.Finish())
	return Convert(context.Background(), tm.m, NewResolver(tm.m, nil))
}

// run converts the model and executes it on f32 inputs, returning f32 outputs.
func (tm *testModel) run(inputs, outputs []uint32, values ...[]float32) [][]float32 {
	g := must.M1(tm.convert(inputs, outputs))
	feeds := make([][]byte, len(values))
	for i, v := range values {
		feeds[i] = graph.Float32Bytes(v...)
	}
	results := must.M1(g.Execute(feeds))
	floats := make([][]float32, len(results))
	for i, r := range results {
		floats[i] = graph.BytesToFloat32(r)
	}
	return floats
}

func iota32(n int) []float32 {
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(i)
	}
	return values
}

func TestConvertBasicSample(t *testing.T) {
	tm := newTestModel(t)
	dims := []uint32{3, 4}
	c1 := make([]float32, 12)
	c3 := make([]float32, 12)
	for i := range c1 {
		c1[i] = float32(i) + 0.5
		c3[i] = float32(2 * (i % 3))
	}
	in0 := tm.input(dims...)
	const1 := tm.floats(dims, c1...)
	fuse2 := tm.i32(int32(nn.FusedNone))
	const3 := tm.floats(dims, c3...)
	op4 := tm.op(nn.Add, []uint32{const1, in0, fuse2}, dims...)
	fuse5 := tm.i32(int32(nn.FusedNone))
	out6 := tm.op(nn.Mul, []uint32{const3, op4, fuse5}, dims...)

	input := iota32(12)
	got := tm.run([]uint32{in0}, []uint32{out6}, input)[0]
	for i := range got {
		assert.Equal(t, c3[i]*(c1[i]+input[i]), got[i], "element %d", i)
	}
}

func TestConvertFuseAndBroadcast(t *testing.T) {
	tm := newTestModel(t)
	x := tm.input(2, 3)
	y := tm.floats([]uint32{3}, 1, 2, 3)
	sub := tm.op(nn.Sub, []uint32{x, y, tm.i32(int32(nn.FusedRelu))}, 2, 3)
	relu6 := tm.op(nn.Max, []uint32{sub, tm.floats([]uint32{1}, 0), tm.i32(int32(nn.FusedRelu6))}, 2, 3)
	relu1 := tm.op(nn.Relu1, []uint32{x}, 2, 3)

	got := tm.run([]uint32{x}, []uint32{sub, relu6, relu1}, []float32{0, 5, 10, -3, 2, 3})
	assert.Equal(t, []float32{0, 3, 7, 0, 0, 0}, got[0])
	assert.Equal(t, []float32{0, 3, 6, 0, 0, 0}, got[1])
	assert.Equal(t, []float32{0, 1, 1, -1, 1, 1}, got[2])
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// broadcastAdd adds x and y, of backend shapes xShape and yShape, right-aligned
// against outShape.
func broadcastAdd(x, y []float32, xShape, yShape, outShape []int) []float32 {
	at := func(values []float32, shape, idx []int) float32 {
		flat := 0
		offset := len(idx) - len(shape)
		for i, dim := range shape {
			flat *= dim
			if dim > 1 {
				flat += idx[offset+i]
			}
		}
		return values[flat]
	}
	var out []float32
	idx := make([]int, len(outShape))
	for range shapeSize(outShape) {
		out = append(out, at(x, xShape, idx)+at(y, yShape, idx))
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < outShape[i] {
				break
			}
			idx[i] = 0
		}
	}
	return out
}

func TestConvertBinaryBroadcast(t *testing.T) {
	tests := []struct {
		name       string
		lhs, rhs   []uint32
		want       []uint32
		lhsV, rhsV []float32
		wantV      []float32
	}{
		{name: "scalar plus vector", lhs: nil, rhs: []uint32{3}, want: []uint32{3},
			lhsV: []float32{1}, rhsV: []float32{-1, 2, 5}, wantV: []float32{0, 3, 6}},
		{name: "rank 6 both sides", lhs: []uint32{1, 1, 2, 3, 4, 5}, rhs: []uint32{1, 5, 1, 1, 1, 1}, want: []uint32{1, 5, 2, 3, 4, 5}},
		{name: "rank 2 plus rank 5", lhs: []uint32{5, 7}, rhs: []uint32{2, 3, 1, 5, 1}, want: []uint32{2, 3, 1, 5, 7}},
		{name: "scalar plus rank 4", lhs: nil, rhs: []uint32{2, 3, 5, 1}, want: []uint32{2, 3, 5, 1}},
		{name: "scalar plus [1]", lhs: nil, rhs: []uint32{1}, want: []uint32{1}},
		{name: "scalar plus scalar", lhs: nil, rhs: nil, want: nil},
	}
	backend := func(dims []uint32) []int {
		shape := []int{1}
		if len(dims) > 0 {
			shape = make([]int, len(dims))
			for i, d := range dims {
				shape[i] = int(d)
			}
		}
		return shape
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tm := newTestModel(t)
			x := tm.input(tc.lhs...)
			y := tm.input(tc.rhs...)
			out := tm.op(nn.Add, []uint32{x, y, tm.i32(int32(nn.FusedNone))}, tc.want...)
			xShape, yShape, outShape := backend(tc.lhs), backend(tc.rhs), backend(tc.want)
			lhsV, rhsV := tc.lhsV, tc.rhsV
			if lhsV == nil {
				lhsV = iota32(shapeSize(xShape))
				rhsV = iota32(shapeSize(yShape))
				for i := range rhsV {
					rhsV[i] *= 100
				}
			}
			got := tm.run([]uint32{x, y}, []uint32{out}, lhsV, rhsV)[0]
			want := tc.wantV
			if want == nil {
				want = broadcastAdd(lhsV, rhsV, xShape, yShape, outShape)
			}
			assert.Equal(t, want, got)
		})
	}

	t.Run("declared shape differs from the broadcast", func(t *testing.T) {
		tm := newTestModel(t)
		x := tm.input(2, 3, 4)
		y := tm.input(3, 1)
		out := tm.op(nn.Add, []uint32{x, y, tm.i32(int32(nn.FusedNone))}, 2, 3)
		_, err := tm.convert([]uint32{x, y}, []uint32{out})
		require.ErrorIs(t, err, nn.ErrOpFailed)
		assert.Contains(t, err.Error(), "[2 3 4]")
	})
}

func TestConvertRsqrtSharesFloatOne(t *testing.T) {
	tm := newTestModel(t)
	x := tm.input(3)
	a := tm.op(nn.Rsqrt, []uint32{x}, 3)
	b := tm.op(nn.Rsqrt, []uint32{a}, 3)
	e := tm.op(nn.Exp, []uint32{x}, 3)
	g, err := tm.convert([]uint32{x}, []uint32{a, b, e})
	require.NoError(t, err)

	var ones int
	for _, n := range g.Nodes {
		if n.Op == graph.OpFixedInput {
			ones++
			assert.Equal(t, []int{1}, n.Shape)
			assert.Equal(t, graph.Float32Bytes(1), n.Data)
		}
	}
	assert.Equal(t, 1, ones, "the 1.0 constant must be created once")

	outputs, err := g.Execute([][]byte{graph.Float32Bytes(1, 4, 16)})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0.5, 0.25}, graph.BytesToFloat32(outputs[0]))
	assert.InDeltaSlice(t, []float32{1, 1.4142135, 2}, graph.BytesToFloat32(outputs[1]), 1e-6)
}

func TestConvertMatMul(t *testing.T) {
	tm := newTestModel(t)
	x := tm.input(2, 3)
	y := tm.floats([]uint32{2, 3}, 1, 0, 1, 0, 1, 0)
	out := tm.op(nn.MatMul, []uint32{x, y, tm.boolean(false), tm.boolean(true)}, 2, 2)
	got := tm.run([]uint32{x}, []uint32{out}, []float32{1, 2, 3, 4, 5, 6})[0]
	assert.Equal(t, []float32{4, 2, 10, 5}, got)

	// The transpose flags are required.
	tm = newTestModel(t)
	x = tm.input(2, 3)
	out = tm.op(nn.MatMul, []uint32{x, x, tm.boolean(false)}, 2, 2)
	_, err := tm.convert([]uint32{x}, []uint32{out})
	require.ErrorIs(t, err, nn.ErrBadData)
}

func TestConvertPool(t *testing.T) {
	tm := newTestModel(t)
	x := tm.input(1, 3, 3, 1)
	one, two := tm.i32(1), tm.i32(2)
	maxPool := tm.op(nn.MaxPool2D,
		[]uint32{x, tm.i32(int32(nn.PaddingSame)), two, two, two, two}, 1, 2, 2, 1)
	avgPool := tm.op(nn.AveragePool2D,
		[]uint32{x, tm.i32(int32(nn.PaddingValid)), one, one, two, two, tm.i32(int32(nn.FusedRelu6))}, 1, 2, 2, 1)

	got := tm.run([]uint32{x}, []uint32{maxPool, avgPool}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})
	assert.Equal(t, []float32{5, 6, 8, 9}, got[0])
	assert.Equal(t, []float32{3, 4, 6, 6}, got[1])

	// NCHW input.
	tm = newTestModel(t)
	x = tm.input(1, 1, 2, 2)
	one, two = tm.i32(1), tm.i32(2)
	avgPool = tm.op(nn.AveragePool2D,
		[]uint32{x, tm.i32(int32(nn.PaddingValid)), one, one, two, two, tm.i32(0), tm.boolean(true)}, 1, 1, 1, 1)
	got = tm.run([]uint32{x}, []uint32{avgPool}, []float32{1, 2, 3, 4})
	assert.Equal(t, []float32{2.5}, got[0])
}

func TestConvertConv2D(t *testing.T) {
	valid := int32(nn.PaddingValid)

	t.Run("NHWC with bias", func(t *testing.T) {
		tm := newTestModel(t)
		x := tm.input(1, 3, 3, 1)
		filter := tm.floats([]uint32{1, 2, 2, 1}, 1, 1, 1, 1) // OHWI
		bias := tm.floats([]uint32{1}, 10)
		one := tm.i32(1)
		out := tm.op(nn.Conv2D, []uint32{x, filter, bias, tm.i32(valid), one, one}, 1, 2, 2, 1)
		got := tm.run([]uint32{x}, []uint32{out}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})[0]
		assert.Equal(t, []float32{22, 26, 34, 38}, got)
	})

	t.Run("SAME padding, HWIO filter, no bias", func(t *testing.T) {
		tm := newTestModel(t)
		x := tm.input(1, 3, 3, 1)
		filter := tm.floats([]uint32{3, 3, 1, 1}, 0, 0, 0, 0, 2, 0, 0, 0, 0)
		noBias := tm.operand(nn.Float32)
		one := tm.i32(1)
		out := tm.op(nn.Conv2D, []uint32{x, filter, noBias, tm.i32(int32(nn.PaddingSame)), one, one,
			tm.i32(0), tm.boolean(false), tm.boolean(true)}, 1, 3, 3, 1)
		got := tm.run([]uint32{x}, []uint32{out}, iota32(9))[0]
		assert.Equal(t, []float32{0, 2, 4, 6, 8, 10, 12, 14, 16}, got)
	})

	t.Run("NCHW with per-channel bias", func(t *testing.T) {
		tm := newTestModel(t)
		x := tm.input(1, 2, 1, 1)
		filter := tm.floats([]uint32{3, 1, 1, 2}, 1, 0, 0, 1, 1, 1) // OHWI
		bias := tm.floats([]uint32{3}, 10, 20, 30)
		one := tm.i32(1)
		out := tm.op(nn.Conv2D, []uint32{x, filter, bias, tm.i32(valid), one, one,
			tm.i32(0), tm.boolean(true)}, 1, 3, 1, 1)
		got := tm.run([]uint32{x}, []uint32{out}, []float32{1, 2})[0]
		assert.Equal(t, []float32{11, 22, 33}, got)
	})

	t.Run("dilation", func(t *testing.T) {
		tm := newTestModel(t)
		x := tm.input(1, 3, 3, 1)
		filter := tm.floats([]uint32{1, 2, 2, 1}, 1, 1, 1, 1)
		noBias := tm.operand(nn.Float32)
		one, two := tm.i32(1), tm.i32(2)
		out := tm.op(nn.Conv2D, []uint32{x, filter, noBias, tm.i32(valid), one, one,
			tm.i32(0), tm.boolean(false), tm.boolean(false), two, two}, 1, 1, 1, 1)
		got := tm.run([]uint32{x}, []uint32{out}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})[0]
		assert.Equal(t, []float32{20}, got)
	})

	t.Run("bias of rank 2", func(t *testing.T) {
		tm := newTestModel(t)
		x := tm.input(1, 3, 3, 1)
		filter := tm.floats([]uint32{1, 2, 2, 1}, 1, 1, 1, 1)
		bias := tm.floats([]uint32{1, 1}, 10)
		one := tm.i32(1)
		out := tm.op(nn.Conv2D, []uint32{x, filter, bias, tm.i32(valid), one, one}, 1, 2, 2, 1)
		_, err := tm.convert([]uint32{x}, []uint32{out})
		require.ErrorIs(t, err, nn.ErrOpFailed)
	})

	t.Run("unknown padding code", func(t *testing.T) {
		tm := newTestModel(t)
		x := tm.input(1, 3, 3, 1)
		filter := tm.floats([]uint32{1, 2, 2, 1}, 1, 1, 1, 1)
		one := tm.i32(1)
		out := tm.op(nn.Conv2D, []uint32{x, filter, tm.operand(nn.Float32), tm.i32(5), one, one}, 1, 2, 2, 1)
		_, err := tm.convert([]uint32{x}, []uint32{out})
		require.ErrorIs(t, err, nn.ErrBadData)
	})

	t.Run("unknown fuse code", func(t *testing.T) {
		tm := newTestModel(t)
		x := tm.input(1, 3, 3, 1)
		filter := tm.floats([]uint32{1, 2, 2, 1}, 1, 1, 1, 1)
		one := tm.i32(1)
		out := tm.op(nn.Conv2D, []uint32{x, filter, tm.operand(nn.Float32), tm.i32(valid), one, one, tm.i32(9)},
			1, 2, 2, 1)
		_, err := tm.convert([]uint32{x}, []uint32{out})
		require.ErrorIs(t, err, nn.ErrBadData)
	})
}

func TestConvertDepthwiseConv2D(t *testing.T) {
	tm := newTestModel(t)
	x := tm.input(1, 1, 1, 2)
	filter := tm.floats([]uint32{1, 1, 1, 4}, 1, 2, 3, 4)
	one := tm.i32(1)
	out := tm.op(nn.DepthwiseConv2D, []uint32{x, filter, tm.operand(nn.Float32), tm.i32(int32(nn.PaddingValid)),
		one, one, tm.i32(2)}, 1, 1, 1, 4)
	got := tm.run([]uint32{x}, []uint32{out}, []float32{1, 10})[0]
	assert.Equal(t, []float32{1, 2, 30, 40}, got)

	// The filter channels must match input channels x multiplier.
	tm = newTestModel(t)
	x = tm.input(1, 1, 1, 2)
	filter = tm.floats([]uint32{1, 1, 1, 4}, 1, 2, 3, 4)
	one = tm.i32(1)
	out = tm.op(nn.DepthwiseConv2D, []uint32{x, filter, tm.operand(nn.Float32), tm.i32(int32(nn.PaddingValid)),
		one, one, tm.i32(3)}, 1, 1, 1, 4)
	_, err := tm.convert([]uint32{x}, []uint32{out})
	require.ErrorIs(t, err, nn.ErrOpFailed)
}

func TestConvertShapeOps(t *testing.T) {
	tm := newTestModel(t)
	x := tm.input(2, 3)
	transposed := tm.op(nn.Transpose, []uint32{x, tm.ints(1, 0)}, 3, 2)
	reshaped := tm.op(nn.Reshape, []uint32{x, tm.ints(3, 2)}, 3, 2)
	squeezed := tm.op(nn.Squeeze, []uint32{tm.op(nn.Reshape, []uint32{x, tm.ints(1, 6)}, 1, 6)}, 6)
	concat := tm.op(nn.Concatenation, []uint32{x, tm.floats([]uint32{2, 1}, 9, 8), tm.i32(-1)}, 2, 4)

	got := tm.run([]uint32{x}, []uint32{transposed, reshaped, squeezed, concat}, iota32(6))
	assert.Equal(t, []float32{0, 3, 1, 4, 2, 5}, got[0])
	assert.Equal(t, iota32(6), got[1])
	assert.Equal(t, iota32(6), got[2])
	assert.Equal(t, []float32{0, 1, 2, 9, 3, 4, 5, 8}, got[3])

	tm = newTestModel(t)
	x = tm.input(2, 3)
	bad := tm.op(nn.Transpose, []uint32{x, tm.ints(0, 1, 2)}, 3, 2)
	_, err := tm.convert([]uint32{x}, []uint32{bad})
	require.ErrorIs(t, err, nn.ErrOpFailed)
}

func TestConvertSlice(t *testing.T) {
	tm := newTestModel(t)
	x := tm.input(3, 4)
	out := tm.op(nn.Slice, []uint32{x, tm.ints(1, 1), tm.ints(2, -1)}, 2, 3)
	got := tm.run([]uint32{x}, []uint32{out}, iota32(12))[0]
	assert.Equal(t, []float32{5, 6, 7, 9, 10, 11}, got)

	tm = newTestModel(t)
	x = tm.input(3, 4)
	out = tm.op(nn.Slice, []uint32{x, tm.ints(1), tm.ints(2)}, 2, 4)
	_, err := tm.convert([]uint32{x}, []uint32{out})
	require.ErrorIs(t, err, nn.ErrOpFailed)
}

func TestConvertStridedSlice(t *testing.T) {
	type maskSet struct{ begin, end, shrink, ellipsis, newAxis int32 }
	tests := []struct {
		name                string
		inDims              []uint32
		begin, end, strides []int32
		masks               *maskSet
		outDims             []uint32
		want                []float32
	}{
		{"strided", []uint32{3, 4}, []int32{0, 1}, []int32{3, 4}, []int32{2, 2}, nil,
			[]uint32{2, 2}, []float32{1, 3, 9, 11}},
		{"masks", []uint32{3, 4}, []int32{2, 2}, []int32{0, 3}, []int32{1, 1}, &maskSet{begin: 1, end: 1},
			[]uint32{3, 1}, []float32{2, 6, 10}},
		{"negative begin and end", []uint32{3, 4}, []int32{-1, 0}, []int32{1, -1}, []int32{1, 2}, nil,
			[]uint32{1, 2}, []float32{0, 2}},
		{"shrink keeps rank", []uint32{3, 4}, []int32{1, 0}, []int32{2, 4}, []int32{1, 1}, &maskSet{shrink: 1},
			[]uint32{1, 4}, []float32{4, 5, 6, 7}},
		{"ellipsis", []uint32{1, 3, 4}, []int32{1}, []int32{3}, []int32{1}, &maskSet{ellipsis: 1},
			[]uint32{1, 3, 2}, []float32{1, 2, 5, 6, 9, 10}},
		{"new axis", []uint32{3, 4}, []int32{0, 1}, []int32{3, 4}, []int32{2, 2}, &maskSet{newAxis: 1},
			[]uint32{1, 2, 2}, []float32{1, 3, 9, 11}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tm := newTestModel(t)
			x := tm.input(tc.inDims...)
			inputs := []uint32{x, tm.ints(tc.begin...), tm.ints(tc.end...), tm.ints(tc.strides...)}
			if tc.masks != nil {
				for _, m := range []int32{tc.masks.begin, tc.masks.end, tc.masks.shrink, tc.masks.ellipsis, tc.masks.newAxis} {
					inputs = append(inputs, tm.i32(m))
				}
			}
			out := tm.op(nn.StridedSlice, inputs, tc.outDims...)
			n := 1
			for _, d := range tc.inDims {
				n *= int(d)
			}
			got := tm.run([]uint32{x}, []uint32{out}, iota32(n))[0]
			assert.Equal(t, tc.want, got)
		})
	}

	errTests := []struct {
		name                string
		begin, end, strides []int32
	}{
		{"negative stride", []int32{0, 0}, []int32{3, 4}, []int32{1, -1}},
		{"zero stride", []int32{0, 0}, []int32{3, 4}, []int32{0, 1}},
		{"too long", []int32{0, 0, 0}, []int32{3, 4, 1}, []int32{1, 1, 1}},
		{"mismatched lengths", []int32{0, 0}, []int32{3}, []int32{1, 1}},
		{"short without ellipsis", []int32{0}, []int32{3}, []int32{1}},
	}
	for _, tc := range errTests {
		t.Run(tc.name, func(t *testing.T) {
			tm := newTestModel(t)
			x := tm.input(3, 4)
			out := tm.op(nn.StridedSlice, []uint32{x, tm.ints(tc.begin...), tm.ints(tc.end...), tm.ints(tc.strides...)}, 3, 4)
			_, err := tm.convert([]uint32{x}, []uint32{out})
			require.ErrorIs(t, err, nn.ErrOpFailed)
		})
	}
}

func TestConvertSoftmaxAndCast(t *testing.T) {
	tm := newTestModel(t)
	x := tm.input(2, 2)
	sm := tm.op(nn.Softmax, []uint32{x}, 2, 2)
	smAxis0 := tm.op(nn.Softmax, []uint32{x, tm.f32(0), tm.i32(0)}, 2, 2)
	asInt := tm.typedOp(nn.Cast, []uint32{x}, nn.OperandType{Code: nn.TensorInt32, Dimensions: []uint32{2, 2}})
	require.NoError(t, tm.m.IdentifyInputsAndOutputs([]uint32{x}, []uint32{sm, smAxis0, asInt}))
	require.NoError(t, tm.m.Finish())

	g, err := Convert(context.Background(), tm.m, NewResolver(tm.m, nil))
	require.NoError(t, err)
	outputs, err := g.Execute([][]byte{graph.Float32Bytes(1, 1, 2.5, -7.9)})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.5, 0.5, 0.9999696, 0.0000304}, graph.BytesToFloat32(outputs[0]), 1e-5)
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, graph.BytesToFloat32(outputs[1]))
	assert.Equal(t, graph.Int32Bytes(1, 1, 2, -7), outputs[2])
	assert.Equal(t, graph.I32, g.Nodes[g.Outputs[2]].DType)
}

func TestConvertErrors(t *testing.T) {
	t.Run("duplicate input", func(t *testing.T) {
		tm := newTestModel(t)
		x := tm.input(2)
		out := tm.op(nn.Relu, []uint32{x}, 2)
		_, err := tm.convert([]uint32{x, x}, []uint32{out})
		require.ErrorIs(t, err, nn.ErrBadData)
	})

	t.Run("operand not yet created", func(t *testing.T) {
		tm := newTestModel(t)
		x := tm.input(2)
		later := tm.operand(nn.TensorFloat32, 2)
		out := tm.op(nn.Add, []uint32{x, later}, 2)
		require.NoError(t, tm.m.AddOperation(nn.Relu, []uint32{x}, []uint32{later}))
		_, err := tm.convert([]uint32{x}, []uint32{out})
		require.ErrorIs(t, err, nn.ErrOpFailed)
		assert.Contains(t, err.Error(), "not created yet")
	})

	t.Run("output never produced", func(t *testing.T) {
		tm := newTestModel(t)
		x := tm.input(2)
		orphan := tm.operand(nn.TensorFloat32, 2)
		_, err := tm.convert([]uint32{x}, []uint32{orphan})
		require.ErrorIs(t, err, nn.ErrOpFailed)
	})

	t.Run("arity", func(t *testing.T) {
		tm := newTestModel(t)
		x := tm.input(2)
		out := tm.op(nn.Exp, []uint32{x, x}, 2)
		_, err := tm.convert([]uint32{x}, []uint32{out})
		require.ErrorIs(t, err, nn.ErrBadData)
	})

	t.Run("multiple outputs", func(t *testing.T) {
		tm := newTestModel(t)
		x := tm.input(2)
		a, b := tm.operand(nn.TensorFloat32, 2), tm.operand(nn.TensorFloat32, 2)
		require.NoError(t, tm.m.AddOperation(nn.Relu, []uint32{x}, []uint32{a, b}))
		_, err := tm.convert([]uint32{x}, []uint32{a})
		require.ErrorIs(t, err, nn.ErrBadData)
	})

	t.Run("constant is a model output", func(t *testing.T) {
		tm := newTestModel(t)
		x := tm.input(2)
		c := tm.floats([]uint32{2}, 1, 2)
		out := tm.op(nn.Add, []uint32{x, c}, 2)
		_, err := tm.convert([]uint32{x}, []uint32{out, c})
		require.ErrorIs(t, err, nn.ErrBadData)
	})

	t.Run("constant size mismatch", func(t *testing.T) {
		tm := newTestModel(t)
		x := tm.input(3)
		c := tm.floats([]uint32{3}, 1, 2)
		out := tm.op(nn.Add, []uint32{x, c}, 3)
		_, err := tm.convert([]uint32{x}, []uint32{out})
		require.ErrorIs(t, err, nn.ErrBadData)
	})

	t.Run("declared shape mismatch", func(t *testing.T) {
		tm := newTestModel(t)
		x := tm.input(2, 3)
		out := tm.op(nn.Relu, []uint32{x}, 3, 2)
		_, err := tm.convert([]uint32{x}, []uint32{out})
		require.ErrorIs(t, err, nn.ErrOpFailed)
	})

	t.Run("backend rejection", func(t *testing.T) {
		tm := newTestModel(t)
		x := tm.input(2, 3)
		y := tm.input(4)
		out := tm.op(nn.Add, []uint32{x, y}, 2, 3)
		_, err := tm.convert([]uint32{x, y}, []uint32{out})
		require.ErrorIs(t, err, nn.ErrOpFailed)
		assert.Equal(t, nn.OpFailed, nn.CodeOf(err))
	})
}

func TestConvertScalarOutputAndDuplicates(t *testing.T) {
	tm := newTestModel(t)
	x := tm.operand(nn.Float32)
	out := tm.typedOp(nn.Exp, []uint32{x}, nn.OperandType{Code: nn.Float32})
	g, err := tm.convert([]uint32{x}, []uint32{out, out})
	require.NoError(t, err)
	require.Len(t, g.Outputs, 2)
	assert.Equal(t, []int{1}, g.Nodes[g.Outputs[0]].Shape)

	outputs, err := g.Execute([][]byte{graph.Float32Bytes(0)})
	require.NoError(t, err)
	assert.Equal(t, outputs[0], outputs[1])
	assert.Equal(t, []float32{1}, graph.BytesToFloat32(outputs[0]))
}

func TestSupportedOperations(t *testing.T) {
	devices := []*device.Device{device.Default()}
	caps := SupportedOperations(devices)
	for code := range nn.OperationCount {
		assert.True(t, caps.Supports(code), "%s should be supported", code)
	}
	assert.True(t, caps.OperandCodes[nn.TensorFloat32])
	assert.True(t, caps.OperandCodes[nn.Bool])

	// Every call returns a fresh table.
	caps.Operations[nn.Add] = false
	assert.True(t, SupportedOperations(devices).Supports(nn.Add))

	empty := SupportedOperations(nil)
	assert.False(t, empty.Supports(nn.Add))

	m := nn.NewModel()
	supported := m.SupportedOperations(SupportedOperations(devices))
	assert.Len(t, supported, int(nn.OperationCount))
	assert.False(t, slices.Contains(supported, false))
	assert.True(t, m.CanAddOperation(SupportedOperations(devices), nn.Conv2D))
	assert.False(t, m.CanAddOperation(empty, nn.Conv2D))
}
