package graph

import (
	"slices"

	"github.com/pkg/errors"
)

// Binary adds an element-wise binary operation with numpy-style broadcasting.
func (b *Builder) Binary(op OpType, x, y *Tensor) *Tensor {
	if !b.checkTensors(op.String(), x, y) {
		return nil
	}
	if !op.IsBinary() {
		b.setErrf("Binary: %s is not a binary element-wise operation", op)
		return nil
	}
	if x.DType() != y.DType() {
		b.setErrf("%s: mismatched dtypes %s and %s", op, x.DType(), y.DType())
		return nil
	}
	shape, err := broadcastShape(x.Shape(), y.Shape())
	if err != nil {
		b.setErr(errors.WithMessagef(err, "%s", op))
		return nil
	}
	return b.addNode(&Node{Op: op, DType: x.DType(), Shape: shape}, x, y)
}

// Add is a shortcut for Binary(OpAdd, x, y).
func (b *Builder) Add(x, y *Tensor) *Tensor {
	return b.Binary(OpAdd, x, y)
}

// MatMul multiplies two rank-2 tensors: [M, K] x [K, N] -> [M, N].
func (b *Builder) MatMul(x, y *Tensor) *Tensor {
	if !b.checkTensors("MatMul", x, y) {
		return nil
	}
	if x.Rank() != 2 || y.Rank() != 2 {
		b.setErrf("MatMul: operands must be rank 2, got %v and %v", x.Shape(), y.Shape())
		return nil
	}
	if x.DType() != y.DType() {
		b.setErrf("MatMul: mismatched dtypes %s and %s", x.DType(), y.DType())
		return nil
	}
	if x.Shape()[1] != y.Shape()[0] {
		b.setErrf("MatMul: contracting dimensions differ, %v x %v", x.Shape(), y.Shape())
		return nil
	}
	return b.addNode(&Node{Op: OpMatMul, DType: x.DType(), Shape: []int{x.Shape()[0], y.Shape()[1]}}, x, y)
}

// Unary adds an element-wise unary operation (OpRelu, OpExp or OpSqrt).
func (b *Builder) Unary(op OpType, x *Tensor) *Tensor {
	if !b.checkTensors(op.String(), x) {
		return nil
	}
	if !op.IsUnary() {
		b.setErrf("Unary: %s is not a unary element-wise operation", op)
		return nil
	}
	return b.addNode(&Node{Op: op, DType: x.DType(), Shape: slices.Clone(x.Shape())}, x)
}

// Relu is a shortcut for Unary(OpRelu, x).
func (b *Builder) Relu(x *Tensor) *Tensor {
	return b.Unary(OpRelu, x)
}

// BoundedRelu scales negative values by scale and clamps the result to [low, high].
func (b *Builder) BoundedRelu(x *Tensor, low, high, scale float32) *Tensor {
	if !b.checkTensors("BoundedRelu", x) {
		return nil
	}
	if low > high {
		b.setErrf("BoundedRelu: low bound %g is above high bound %g", low, high)
		return nil
	}
	return b.addNode(&Node{
		Op: OpBoundedRelu, DType: x.DType(), Shape: slices.Clone(x.Shape()),
		Low: low, High: high, Scale: scale,
	}, x)
}

// Transpose permutes the dimensions of a tensor: output dimension i is input
// dimension perm[i].
func (b *Builder) Transpose(x *Tensor, perm []int) *Tensor {
	if !b.checkTensors("Transpose", x) {
		return nil
	}
	if err := checkPermutation(perm, x.Rank()); err != nil {
		b.setErr(errors.WithMessage(err, "Transpose"))
		return nil
	}
	outShape := make([]int, len(perm))
	for i, p := range perm {
		outShape[i] = x.Shape()[p]
	}
	return b.addNode(&Node{Op: OpTranspose, DType: x.DType(), Shape: outShape, Perm: slices.Clone(perm)}, x)
}

// Reshape changes the shape of a tensor, keeping the number of elements.
func (b *Builder) Reshape(x *Tensor, shape []int) *Tensor {
	if !b.checkTensors("Reshape", x) {
		return nil
	}
	if !validShape(shape) {
		b.setErrf("Reshape: invalid target shape %v", shape)
		return nil
	}
	if numElements(shape) != numElements(x.Shape()) {
		b.setErrf("Reshape: cannot reshape %v (%d elements) to %v (%d elements)",
			x.Shape(), numElements(x.Shape()), shape, numElements(shape))
		return nil
	}
	return b.addNode(&Node{Op: OpReshape, DType: x.DType(), Shape: slices.Clone(shape)}, x)
}

// SubTensor extracts a strided sub-tensor. start and end are inclusive and
// every stride must be positive. The output dimension i is
// (end[i]-start[i])/stride[i]+1.
func (b *Builder) SubTensor(x *Tensor, start, end, stride []int) *Tensor {
	if !b.checkTensors("SubTensor", x) {
		return nil
	}
	rank := x.Rank()
	if len(start) != rank || len(end) != rank || len(stride) != rank {
		b.setErrf("SubTensor: start/end/stride lengths (%d, %d, %d) must match rank %d",
			len(start), len(end), len(stride), rank)
		return nil
	}
	outShape := make([]int, rank)
	for i, dim := range x.Shape() {
		if stride[i] <= 0 {
			b.setErrf("SubTensor: stride %d on axis %d must be positive", stride[i], i)
			return nil
		}
		if start[i] < 0 || end[i] >= dim || start[i] > end[i] {
			b.setErrf("SubTensor: range [%d, %d] on axis %d is invalid for dimension %d", start[i], end[i], i, dim)
			return nil
		}
		outShape[i] = (end[i]-start[i])/stride[i] + 1
	}
	return b.addNode(&Node{
		Op: OpSubTensor, DType: x.DType(), Shape: outShape,
		Start: slices.Clone(start), End: slices.Clone(end), Stride: slices.Clone(stride),
	}, x)
}

// Concat concatenates tensors along axis. A negative axis counts from the end.
func (b *Builder) Concat(axis int, xs ...*Tensor) *Tensor {
	if !b.checkTensors("Concat", xs...) {
		return nil
	}
	if len(xs) == 0 {
		b.setErrf("Concat requires at least one input tensor")
		return nil
	}
	first := xs[0]
	rank := first.Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		b.setErrf("Concat: axis %d out of range for rank %d", axis, rank)
		return nil
	}
	outShape := slices.Clone(first.Shape())
	outShape[axis] = 0
	for i, x := range xs {
		if x.DType() != first.DType() || x.Rank() != rank {
			b.setErrf("Concat: input #%d %s%v is incompatible with %s%v", i, x.DType(), x.Shape(), first.DType(), first.Shape())
			return nil
		}
		for d, dim := range x.Shape() {
			if d != axis && dim != first.Shape()[d] {
				b.setErrf("Concat: input #%d shape %v differs from %v outside axis %d", i, x.Shape(), first.Shape(), axis)
				return nil
			}
		}
		outShape[axis] += x.Shape()[axis]
	}
	return b.addNode(&Node{Op: OpConcat, DType: first.DType(), Shape: outShape, Axis: axis}, xs...)
}

// Softmax computes exp(beta*x) normalized along axis. A negative axis counts from the end.
func (b *Builder) Softmax(x *Tensor, beta float32, axis int) *Tensor {
	if !b.checkTensors("Softmax", x) {
		return nil
	}
	if x.DType() != F32 {
		b.setErrf("Softmax: requires f32 input, got %s", x.DType())
		return nil
	}
	if axis < 0 {
		axis += x.Rank()
	}
	if axis < 0 || axis >= x.Rank() {
		b.setErrf("Softmax: axis %d out of range for rank %d", axis, x.Rank())
		return nil
	}
	return b.addNode(&Node{
		Op: OpSoftmax, DType: F32, Shape: slices.Clone(x.Shape()),
		Axis: axis, Beta: beta,
	}, x)
}

// Cast converts x to dtype. The quantization scale and zero point are recorded
// on the node; they only affect quantized element types.
func (b *Builder) Cast(x *Tensor, dtype DType, quantScale float32, zeroPoint int32) *Tensor {
	if !b.checkTensors("Cast", x) {
		return nil
	}
	if !dtype.Valid() {
		b.setErrf("Cast: invalid target dtype %s", dtype)
		return nil
	}
	return b.addNode(&Node{
		Op: OpCast, DType: dtype, Shape: slices.Clone(x.Shape()),
		QuantScale: quantScale, ZeroPoint: zeroPoint,
	}, x)
}

// Pool2D adds a max (OpMaxPool2D) or average (OpAvgPool2D) pooling over an NCHW tensor.
// window, strides, padBegin and padEnd are [height, width] pairs. Average pooling
// excludes padded positions from the count.
func (b *Builder) Pool2D(kind OpType, x *Tensor, window, strides, padBegin, padEnd []int) *Tensor {
	if !b.checkTensors(kind.String(), x) {
		return nil
	}
	if kind != OpMaxPool2D && kind != OpAvgPool2D {
		b.setErrf("Pool2D: %s is not a pooling operation", kind)
		return nil
	}
	if x.Rank() != 4 {
		b.setErrf("%s: input must be rank 4 (NCHW), got %v", kind, x.Shape())
		return nil
	}
	if err := checkWindowParams(window, strides, padBegin, padEnd, nil); err != nil {
		b.setErr(errors.WithMessagef(err, "%s", kind))
		return nil
	}
	shape := x.Shape()
	outH := (shape[2]+padBegin[0]+padEnd[0]-window[0])/strides[0] + 1
	outW := (shape[3]+padBegin[1]+padEnd[1]-window[1])/strides[1] + 1
	if outH <= 0 || outW <= 0 {
		b.setErrf("%s: window %v does not fit input %v with padding %v/%v", kind, window, shape, padBegin, padEnd)
		return nil
	}
	return b.addNode(&Node{
		Op: kind, DType: x.DType(), Shape: []int{shape[0], shape[1], outH, outW},
		Window: slices.Clone(window), Strides: slices.Clone(strides),
		PadBegin: slices.Clone(padBegin), PadEnd: slices.Clone(padEnd),
	}, x)
}

// Conv2D convolves an NCHW input with an OIHW filter.
// strides, padBegin, padEnd and dilations are [height, width] pairs.
func (b *Builder) Conv2D(x, filter *Tensor, strides, padBegin, padEnd, dilations []int) *Tensor {
	return b.conv(OpConv2D, x, filter, strides, padBegin, padEnd, dilations)
}

// DepthwiseConv2D convolves every input channel of an NCHW input separately.
// The filter is [C*multiplier, 1, H, W] and output channel o reads input
// channel o/multiplier.
func (b *Builder) DepthwiseConv2D(x, filter *Tensor, strides, padBegin, padEnd, dilations []int) *Tensor {
	return b.conv(OpDepthwiseConv2D, x, filter, strides, padBegin, padEnd, dilations)
}

func (b *Builder) conv(op OpType, x, filter *Tensor, strides, padBegin, padEnd, dilations []int) *Tensor {
	if !b.checkTensors(op.String(), x, filter) {
		return nil
	}
	if x.Rank() != 4 || filter.Rank() != 4 {
		b.setErrf("%s: input and filter must be rank 4, got %v and %v", op, x.Shape(), filter.Shape())
		return nil
	}
	if x.DType() != filter.DType() {
		b.setErrf("%s: mismatched dtypes %s and %s", op, x.DType(), filter.DType())
		return nil
	}
	in, f := x.Shape(), filter.Shape()
	switch op {
	case OpConv2D:
		if f[1] != in[1] {
			b.setErrf("%s: filter %v expects %d input channels, input %v has %d", op, f, f[1], in, in[1])
			return nil
		}
	case OpDepthwiseConv2D:
		if f[1] != 1 || f[0]%in[1] != 0 {
			b.setErrf("%s: filter %v is not a depthwise filter for %d input channels", op, f, in[1])
			return nil
		}
	}
	if err := checkWindowParams(f[2:], strides, padBegin, padEnd, dilations); err != nil {
		b.setErr(errors.WithMessagef(err, "%s", op))
		return nil
	}
	effH := (f[2]-1)*dilations[0] + 1
	effW := (f[3]-1)*dilations[1] + 1
	outH := (in[2]+padBegin[0]+padEnd[0]-effH)/strides[0] + 1
	outW := (in[3]+padBegin[1]+padEnd[1]-effW)/strides[1] + 1
	if outH <= 0 || outW <= 0 {
		b.setErrf("%s: filter %v does not fit input %v with padding %v/%v", op, f, in, padBegin, padEnd)
		return nil
	}
	return b.addNode(&Node{
		Op: op, DType: x.DType(), Shape: []int{in[0], f[0], outH, outW},
		Window: []int{f[2], f[3]}, Strides: slices.Clone(strides),
		PadBegin: slices.Clone(padBegin), PadEnd: slices.Clone(padEnd), Dilations: slices.Clone(dilations),
	}, x, filter)
}

func checkWindowParams(window, strides, padBegin, padEnd, dilations []int) error {
	pairs := [][]int{window, strides, padBegin, padEnd}
	if dilations != nil {
		pairs = append(pairs, dilations)
	}
	for _, p := range pairs {
		if len(p) != 2 {
			return errors.Errorf("window parameters must be [height, width] pairs, got %v", p)
		}
	}
	for i := range 2 {
		if window[i] <= 0 || strides[i] <= 0 {
			return errors.Errorf("window %v and strides %v must be positive", window, strides)
		}
		if padBegin[i] < 0 || padEnd[i] < 0 {
			return errors.Errorf("padding %v/%v must not be negative", padBegin, padEnd)
		}
		if dilations != nil && dilations[i] <= 0 {
			return errors.Errorf("dilations %v must be positive", dilations)
		}
	}
	return nil
}

func checkPermutation(perm []int, rank int) error {
	if len(perm) != rank {
		return errors.Errorf("permutation %v has length %d, wanted %d", perm, len(perm), rank)
	}
	seen := make([]bool, rank)
	for _, p := range perm {
		if p < 0 || p >= rank || seen[p] {
			return errors.Errorf("%v is not a permutation of %d axes", perm, rank)
		}
		seen[p] = true
	}
	return nil
}

// broadcastShape returns the numpy-style broadcast of two shapes, aligned on
// the right.
func broadcastShape(a, b []int) ([]int, error) {
	maxLen := max(len(a), len(b))
	result := make([]int, maxLen)
	for i := range maxLen {
		ai, bi := 1, 1
		if i < len(a) {
			ai = a[len(a)-1-i]
		}
		if i < len(b) {
			bi = b[len(b)-1-i]
		}
		switch {
		case ai == bi, bi == 1:
			result[maxLen-1-i] = ai
		case ai == 1:
			result[maxLen-1-i] = bi
		default:
			return nil, errors.Errorf("shapes %v and %v cannot be broadcast", a, b)
		}
	}
	return result, nil
}
