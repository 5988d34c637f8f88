package graph

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// OpType identifies the operation a node performs.
type OpType int16

const (
	OpInvalid OpType = iota
	OpInput
	OpFixedInput

	// Binary element-wise operations, with broadcasting.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMax
	OpMin

	OpMatMul

	// Unary element-wise operations.
	OpRelu
	OpExp
	OpSqrt
	OpBoundedRelu

	OpTranspose
	OpReshape
	OpSubTensor
	OpConcat
	OpSoftmax
	OpCast
	OpMaxPool2D
	OpAvgPool2D
	OpConv2D
	OpDepthwiseConv2D

	opLast
)

var opNames = [...]string{
	OpInvalid:         "Invalid",
	OpInput:           "Input",
	OpFixedInput:      "FixedInput",
	OpAdd:             "Add",
	OpSub:             "Sub",
	OpMul:             "Mul",
	OpDiv:             "Div",
	OpMax:             "Max",
	OpMin:             "Min",
	OpMatMul:          "MatMul",
	OpRelu:            "Relu",
	OpExp:             "Exp",
	OpSqrt:            "Sqrt",
	OpBoundedRelu:     "BoundedRelu",
	OpTranspose:       "Transpose",
	OpReshape:         "Reshape",
	OpSubTensor:       "SubTensor",
	OpConcat:          "Concat",
	OpSoftmax:         "Softmax",
	OpCast:            "Cast",
	OpMaxPool2D:       "MaxPool2D",
	OpAvgPool2D:       "AvgPool2D",
	OpConv2D:          "Conv2D",
	OpDepthwiseConv2D: "DepthwiseConv2D",
}

func (op OpType) String() string {
	if op >= 0 && op < opLast {
		return opNames[op]
	}
	return fmt.Sprintf("OpType(%d)", int16(op))
}

// Valid returns whether op is a known operation.
func (op OpType) Valid() bool {
	return op > OpInvalid && op < opLast
}

// IsBinary returns whether op is an element-wise binary operation.
func (op OpType) IsBinary() bool {
	return op >= OpAdd && op <= OpMin
}

// IsUnary returns whether op is an element-wise unary operation taking no attributes.
func (op OpType) IsUnary() bool {
	return op == OpRelu || op == OpExp || op == OpSqrt
}

// Node is one operation of a graph. Attribute fields are only meaningful for
// the operations that use them.
type Node struct {
	ID     int
	Op     OpType
	DType  DType
	Shape  []int
	Inputs []int

	// Data holds the contents of OpFixedInput nodes.
	Data []byte

	// Axis is used by OpConcat and OpSoftmax.
	Axis int
	// Perm is the permutation of OpTranspose.
	Perm []int

	// Start, End (inclusive) and Stride of OpSubTensor.
	Start, End, Stride []int

	// Window, Strides, PadBegin, PadEnd and Dilations of pooling and
	// convolutions. All hold the [height, width] pair.
	Window, Strides, PadBegin, PadEnd, Dilations []int

	// Low, High and Scale of OpBoundedRelu, where Scale is the slope of
	// negative values before clamping.
	Low, High, Scale float32
	// Beta of OpSoftmax.
	Beta float32
	// QuantScale and ZeroPoint of OpCast.
	QuantScale float32
	ZeroPoint  int32
}

// String returns a one-line description of the node.
func (n *Node) String() string {
	return fmt.Sprintf("#%d %s(%v) -> %s%v", n.ID, n.Op, n.Inputs, n.DType, n.Shape)
}

// ByteSize returns the size in bytes of the node's value.
func (n *Node) ByteSize() int {
	return numElements(n.Shape) * n.DType.Size()
}

// Graph is a built backend graph, ready to be executed or serialized.
type Graph struct {
	ID      uuid.UUID
	Name    string
	Nodes   []*Node
	Inputs  []int
	Outputs []int
}

// InputNodes returns the runtime input nodes, in the order they are fed.
func (g *Graph) InputNodes() []*Node {
	nodes := make([]*Node, len(g.Inputs))
	for i, id := range g.Inputs {
		nodes[i] = g.Nodes[id]
	}
	return nodes
}

// OutputNodes returns the nodes whose values are returned by Execute.
func (g *Graph) OutputNodes() []*Node {
	nodes := make([]*Node, len(g.Outputs))
	for i, id := range g.Outputs {
		nodes[i] = g.Nodes[id]
	}
	return nodes
}

// FixedBytes returns the total size of the data captured by fixed inputs.
func (g *Graph) FixedBytes() int {
	var total int
	for _, n := range g.Nodes {
		if n.Op == OpFixedInput {
			total += len(n.Data)
		}
	}
	return total
}

// Validate checks the structural consistency of a graph: node ids, topological
// order of the inputs of every node and the range of inputs/outputs.
// It is used for graphs that were not produced by a Builder, e.g. deserialized ones.
func (g *Graph) Validate() error {
	for i, n := range g.Nodes {
		if n == nil {
			return errors.Errorf("graph %q: node #%d is nil", g.Name, i)
		}
		if n.ID != i {
			return errors.Errorf("graph %q: node at position %d has id %d", g.Name, i, n.ID)
		}
		if !n.Op.Valid() {
			return errors.Errorf("graph %q: node #%d has invalid op %s", g.Name, i, n.Op)
		}
		if !n.DType.Valid() || !validShape(n.Shape) {
			return errors.Errorf("graph %q: node #%d has invalid type %s%v", g.Name, i, n.DType, n.Shape)
		}
		for _, in := range n.Inputs {
			if in < 0 || in >= i {
				return errors.Errorf("graph %q: node #%d references node #%d out of order", g.Name, i, in)
			}
		}
		if n.Op == OpFixedInput && len(n.Data) != numElements(n.Shape)*n.DType.Size() {
			return errors.Errorf("graph %q: fixed input #%d has %d bytes, wanted %d",
				g.Name, i, len(n.Data), numElements(n.Shape)*n.DType.Size())
		}
	}
	for _, id := range g.Inputs {
		if id < 0 || id >= len(g.Nodes) || g.Nodes[id].Op != OpInput {
			return errors.Errorf("graph %q: invalid input node #%d", g.Name, id)
		}
	}
	if len(g.Outputs) == 0 {
		return errors.Errorf("graph %q: no outputs", g.Name)
	}
	for _, id := range g.Outputs {
		if id < 0 || id >= len(g.Nodes) {
			return errors.Errorf("graph %q: invalid output node #%d", g.Name, id)
		}
	}
	return nil
}

// String returns a multi-line listing of the graph.
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "graph %q (%s): inputs=%v outputs=%v\n", g.Name, g.ID, g.Inputs, g.Outputs)
	for _, n := range g.Nodes {
		sb.WriteString("  ")
		sb.WriteString(n.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
