package convert

import (
	"github.com/gomlx/go-nnapi/graph"
	"github.com/gomlx/go-nnapi/nn"
	"github.com/pkg/errors"
)

// lowerer converts one operation. maxInputs < 0 means there is no upper bound.
type lowerer struct {
	minInputs, maxInputs int
	lower                func(c *converter, op *nn.Operation) (*graph.Tensor, error)
}

var lowerers = map[nn.OperationCode]lowerer{
	nn.Add: {2, 3, lowerBinary},
	nn.Sub: {2, 3, lowerBinary},
	nn.Mul: {2, 3, lowerBinary},
	nn.Div: {2, 3, lowerBinary},
	nn.Max: {2, 3, lowerBinary},
	nn.Min: {2, 3, lowerBinary},

	nn.Exp:   {1, 1, lowerUnary},
	nn.Relu:  {1, 1, lowerUnary},
	nn.Relu1: {1, 1, lowerUnary},
	nn.Relu6: {1, 1, lowerUnary},
	nn.Sqrt:  {1, 1, lowerUnary},
	nn.Rsqrt: {1, 1, lowerUnary},

	nn.MatMul: {4, 4, lowerMatMul},

	nn.AveragePool2D:   {6, 8, lowerPool},
	nn.MaxPool2D:       {6, 8, lowerPool},
	nn.Conv2D:          {6, 11, lowerConv},
	nn.DepthwiseConv2D: {6, 12, lowerConv},

	nn.Transpose:     {2, 2, lowerTranspose},
	nn.Reshape:       {2, 2, lowerReshape},
	nn.Squeeze:       {1, 2, lowerReshape},
	nn.Concatenation: {2, -1, lowerConcat},
	nn.Slice:         {3, 3, lowerSlice},
	nn.StridedSlice:  {4, 9, lowerStridedSlice},
	nn.Softmax:       {1, 3, lowerSoftmax},
	nn.Cast:          {1, 1, lowerCast},
}

// applyFuse applies the activation selected by a fuse code.
func applyFuse(b *graph.Builder, x *graph.Tensor, fuse nn.FuseCode) (*graph.Tensor, error) {
	switch fuse {
	case nn.FusedNone:
		return x, nil
	case nn.FusedRelu:
		return b.Relu(x), nil
	case nn.FusedRelu1:
		return b.BoundedRelu(x, -1, 1, 1), nil
	case nn.FusedRelu6:
		return b.BoundedRelu(x, 0, 6, 1), nil
	}
	return nil, errors.Wrapf(nn.ErrBadData, "unknown fuse code %d", int32(fuse))
}

// readFuse reads the optional fuse code at position pos.
func (c *converter) readFuse(op *nn.Operation, pos int) (nn.FuseCode, error) {
	fuse := int32(nn.FusedNone)
	if err := ReadOptionalScalar(c.resolver, op, pos, &fuse); err != nil {
		return nn.FusedNone, err
	}
	return nn.FuseCode(fuse), nil
}
