package convert

import (
	"github.com/gomlx/go-nnapi/graph"
	"github.com/gomlx/go-nnapi/nn"
	"github.com/pkg/errors"
)

func lowerTranspose(c *converter, op *nn.Operation) (*graph.Tensor, error) {
	x, err := c.tensor(op, 0)
	if err != nil {
		return nil, err
	}
	perm, err := ReadVector[int32](c.resolver, op.Inputs[1])
	if err != nil {
		return nil, err
	}
	if len(perm) != x.Rank() {
		return nil, errors.Wrapf(nn.ErrOpFailed, "permutation %v has %d elements but input rank is %d", perm, len(perm), x.Rank())
	}
	return c.b.Transpose(x, toInts(perm)), nil
}

// lowerReshape lowers RESHAPE and SQUEEZE. Both use the shape declared by the
// output operand; the shape and axes parameters are not read.
func lowerReshape(c *converter, op *nn.Operation) (*graph.Tensor, error) {
	x, err := c.tensor(op, 0)
	if err != nil {
		return nil, err
	}
	return c.b.Reshape(x, backendShape(*c.model.Operand(op.Outputs[0]))), nil
}

// lowerConcat lowers CONCATENATION: every input but the last is a tensor, the
// last one is the axis.
func lowerConcat(c *converter, op *nn.Operation) (*graph.Tensor, error) {
	numTensors := len(op.Inputs) - 1
	xs := make([]*graph.Tensor, numTensors)
	for i := range numTensors {
		var err error
		if xs[i], err = c.tensor(op, i); err != nil {
			return nil, err
		}
	}
	axis, err := ReadScalar[int32](c.resolver, op.Inputs[numTensors])
	if err != nil {
		return nil, err
	}
	if axis < 0 {
		axis += int32(xs[0].Rank())
	}
	return c.b.Concat(int(axis), xs...), nil
}

func lowerSoftmax(c *converter, op *nn.Operation) (*graph.Tensor, error) {
	x, err := c.tensor(op, 0)
	if err != nil {
		return nil, err
	}
	beta := float32(1)
	axis := int32(-1)
	if err := ReadOptionalScalar(c.resolver, op, 1, &beta); err != nil {
		return nil, err
	}
	if err := ReadOptionalScalar(c.resolver, op, 2, &axis); err != nil {
		return nil, err
	}
	if axis < 0 {
		axis += int32(x.Rank())
	}
	return c.b.Softmax(x, beta, int(axis)), nil
}

// lowerCast converts to the element type and quantization of the output operand.
func lowerCast(c *converter, op *nn.Operation) (*graph.Tensor, error) {
	x, err := c.tensor(op, 0)
	if err != nil {
		return nil, err
	}
	outType := c.model.Operand(op.Outputs[0])
	dtype, err := backendDType(outType.Code)
	if err != nil {
		return nil, err
	}
	return c.b.Cast(x, dtype, outType.Scale, outType.ZeroPoint), nil
}
