package graph

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Execute runs the graph on the host. inputs holds the little-endian bytes of
// every runtime input, in the order of g.Inputs. It returns the bytes of every
// output, in the order of g.Outputs.
//
// Execute doesn't modify the graph and is safe for concurrent use.
func (g *Graph) Execute(inputs [][]byte) ([][]byte, error) {
	if len(inputs) != len(g.Inputs) {
		return nil, errors.Errorf("graph %q takes %d inputs, got %d", g.Name, len(g.Inputs), len(inputs))
	}
	for i, id := range g.Inputs {
		n := g.Nodes[id]
		if want := n.ByteSize(); len(inputs[i]) != want {
			return nil, errors.Errorf("graph %q: input #%d (%s%v) has %d bytes, wanted %d",
				g.Name, i, n.DType, n.Shape, len(inputs[i]), want)
		}
	}

	// lastUse[id] is the position of the last node consuming id. Graph outputs
	// are never released.
	lastUse := make([]int, len(g.Nodes))
	for _, n := range g.Nodes {
		for _, in := range n.Inputs {
			lastUse[in] = n.ID
		}
	}
	for _, id := range g.Outputs {
		lastUse[id] = len(g.Nodes)
	}

	inputPos := make(map[int]int, len(g.Inputs))
	for i, id := range g.Inputs {
		inputPos[id] = i
	}

	values := make([][]float64, len(g.Nodes))
	defer func() {
		for _, v := range values {
			putBuffer(v)
		}
	}()
	for _, n := range g.Nodes {
		var out []float64
		switch n.Op {
		case OpInput:
			pos, ok := inputPos[n.ID]
			if !ok {
				return nil, errors.Errorf("graph %q: input node #%d is not fed", g.Name, n.ID)
			}
			out = getBuffer(numElements(n.Shape))
			decodeBytes(n.DType, inputs[pos], out)
		case OpFixedInput:
			out = getBuffer(numElements(n.Shape))
			decodeBytes(n.DType, n.Data, out)
		default:
			args := make([]*value, len(n.Inputs))
			for i, in := range n.Inputs {
				args[i] = &value{flat: values[in], shape: g.Nodes[in].Shape}
			}
			var err error
			out, err = execNode(n, args)
			if err != nil {
				return nil, errors.WithMessagef(err, "graph %q: executing %s", g.Name, n)
			}
			for i, v := range out {
				out[i] = roundTo(n.DType, v)
			}
		}
		values[n.ID] = out
		if klog.V(3).Enabled() {
			klog.Infof("graph %q: executed %s", g.Name, n)
		}

		for _, in := range n.Inputs {
			if lastUse[in] == n.ID && values[in] != nil {
				putBuffer(values[in])
				values[in] = nil
			}
		}
	}

	outputs := make([][]byte, len(g.Outputs))
	for i, id := range g.Outputs {
		outputs[i] = encodeValues(g.Nodes[id].DType, values[id])
	}
	return outputs, nil
}

// value is a node result being consumed by a kernel.
type value struct {
	flat  []float64
	shape []int
}

type kernel func(n *Node, args []*value) []float64

var kernels = map[OpType]kernel{
	OpAdd:             execBinary,
	OpSub:             execBinary,
	OpMul:             execBinary,
	OpDiv:             execBinary,
	OpMax:             execBinary,
	OpMin:             execBinary,
	OpMatMul:          execMatMul,
	OpRelu:            execUnary,
	OpExp:             execUnary,
	OpSqrt:            execUnary,
	OpBoundedRelu:     execBoundedRelu,
	OpTranspose:       execTranspose,
	OpReshape:         execReshape,
	OpSubTensor:       execSubTensor,
	OpConcat:          execConcat,
	OpSoftmax:         execSoftmax,
	OpCast:            execCast,
	OpMaxPool2D:       execPool2D,
	OpAvgPool2D:       execPool2D,
	OpConv2D:          execConv2D,
	OpDepthwiseConv2D: execConv2D,
}

func execNode(n *Node, args []*value) ([]float64, error) {
	k, ok := kernels[n.Op]
	if !ok {
		return nil, errors.Errorf("no kernel for op %s", n.Op)
	}
	return k(n, args), nil
}
