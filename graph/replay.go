package graph

import (
	"slices"

	"github.com/pkg/errors"
)

// Replay rebuilds the graph node by node with a fresh Builder, checking that
// every node's attributes are valid for its op and that the recorded dtype and
// shape match the inferred ones. It is used on graphs decoded from untrusted
// bytes before executing them.
func (g *Graph) Replay() error {
	if err := g.Validate(); err != nil {
		return err
	}
	b := NewBuilder(g.Name)
	tensors := make([]*Tensor, len(g.Nodes))
	for _, n := range g.Nodes {
		args := make([]*Tensor, len(n.Inputs))
		for i, in := range n.Inputs {
			args[i] = tensors[in]
		}
		t, err := replayNode(b, n, args)
		if err != nil {
			return errors.WithMessagef(err, "graph %q: replaying %s", g.Name, n)
		}
		if t.DType() != n.DType || !slices.Equal(t.Shape(), n.Shape) {
			return errors.Errorf("graph %q: node #%d records %s%v but its inputs produce %s%v",
				g.Name, n.ID, n.DType, n.Shape, t.DType(), t.Shape())
		}
		tensors[n.ID] = t
	}
	return nil
}

func replayNode(b *Builder, n *Node, args []*Tensor) (*Tensor, error) {
	wantArgs := 1
	switch {
	case n.Op == OpInput, n.Op == OpFixedInput:
		wantArgs = 0
	case n.Op.IsBinary(), n.Op == OpMatMul, n.Op == OpConv2D, n.Op == OpDepthwiseConv2D:
		wantArgs = 2
	case n.Op == OpConcat:
		wantArgs = max(len(args), 1)
	}
	if len(args) != wantArgs {
		return nil, errors.Errorf("%s takes %d inputs, got %d", n.Op, wantArgs, len(args))
	}

	var t *Tensor
	switch {
	case n.Op == OpInput:
		t = b.Input(n.DType, n.Shape...)
	case n.Op == OpFixedInput:
		t = b.FixedInput(n.DType, n.Shape, n.Data)
	case n.Op.IsBinary():
		t = b.Binary(n.Op, args[0], args[1])
	case n.Op.IsUnary():
		t = b.Unary(n.Op, args[0])
	case n.Op == OpMatMul:
		t = b.MatMul(args[0], args[1])
	case n.Op == OpBoundedRelu:
		t = b.BoundedRelu(args[0], n.Low, n.High, n.Scale)
	case n.Op == OpTranspose:
		t = b.Transpose(args[0], n.Perm)
	case n.Op == OpReshape:
		t = b.Reshape(args[0], n.Shape)
	case n.Op == OpSubTensor:
		t = b.SubTensor(args[0], n.Start, n.End, n.Stride)
	case n.Op == OpConcat:
		t = b.Concat(n.Axis, args...)
	case n.Op == OpSoftmax:
		t = b.Softmax(args[0], n.Beta, n.Axis)
	case n.Op == OpCast:
		t = b.Cast(args[0], n.DType, n.QuantScale, n.ZeroPoint)
	case n.Op == OpMaxPool2D, n.Op == OpAvgPool2D:
		t = b.Pool2D(n.Op, args[0], n.Window, n.Strides, n.PadBegin, n.PadEnd)
	case n.Op == OpConv2D:
		t = b.Conv2D(args[0], args[1], n.Strides, n.PadBegin, n.PadEnd, n.Dilations)
	case n.Op == OpDepthwiseConv2D:
		t = b.DepthwiseConv2D(args[0], args[1], n.Strides, n.PadBegin, n.PadEnd, n.Dilations)
	default:
		return nil, errors.Errorf("unknown op %s", n.Op)
	}
	if b.Err() != nil {
		return nil, b.Err()
	}
	return t, nil
}
