package convert

import (
	"github.com/gomlx/go-nnapi/graph"
	"github.com/gomlx/go-nnapi/nn"
)

var binaryOps = map[nn.OperationCode]graph.OpType{
	nn.Add: graph.OpAdd,
	nn.Sub: graph.OpSub,
	nn.Mul: graph.OpMul,
	nn.Div: graph.OpDiv,
	nn.Max: graph.OpMax,
	nn.Min: graph.OpMin,
}

func lowerBinary(c *converter, op *nn.Operation) (*graph.Tensor, error) {
	x, err := c.tensor(op, 0)
	if err != nil {
		return nil, err
	}
	y, err := c.tensor(op, 1)
	if err != nil {
		return nil, err
	}
	fuse, err := c.readFuse(op, 2)
	if err != nil {
		return nil, err
	}
	return applyFuse(c.b, c.b.Binary(binaryOps[op.Code], x, y), fuse)
}

func lowerUnary(c *converter, op *nn.Operation) (*graph.Tensor, error) {
	x, err := c.tensor(op, 0)
	if err != nil {
		return nil, err
	}
	switch op.Code {
	case nn.Exp:
		return c.b.Unary(graph.OpExp, x), nil
	case nn.Relu:
		return c.b.Relu(x), nil
	case nn.Relu1:
		return c.b.BoundedRelu(x, -1, 1, 1), nil
	case nn.Relu6:
		return c.b.BoundedRelu(x, 0, 6, 1), nil
	case nn.Sqrt:
		return c.b.Unary(graph.OpSqrt, x), nil
	default: // nn.Rsqrt
		return c.b.Binary(graph.OpDiv, c.floatOne(), c.b.Unary(graph.OpSqrt, x)), nil
	}
}

func lowerMatMul(c *converter, op *nn.Operation) (*graph.Tensor, error) {
	x, err := c.tensor(op, 0)
	if err != nil {
		return nil, err
	}
	y, err := c.tensor(op, 1)
	if err != nil {
		return nil, err
	}
	transposeX, err := ReadScalar[bool](c.resolver, op.Inputs[2])
	if err != nil {
		return nil, err
	}
	transposeY, err := ReadScalar[bool](c.resolver, op.Inputs[3])
	if err != nil {
		return nil, err
	}
	if transposeX {
		x = c.b.Transpose(x, []int{1, 0})
	}
	if transposeY {
		y = c.b.Transpose(y, []int{1, 0})
	}
	return c.b.MatMul(x, y), nil
}
