// Package graph provides a fluent API for constructing backend tensor graphs
// and a reference evaluator that executes them on the host.
//
// A graph is a flat list of nodes in topological order. Every node produces
// exactly one tensor; inputs are either runtime inputs (fed at execution time)
// or fixed inputs whose bytes are captured at build time.
//
// Example usage:
//
//	b := graph.NewBuilder("main")
//	x := b.Input(graph.F32, 2, 3)
//	y := b.FixedInput(graph.F32, []int{3}, data)
//	z := b.Binary(graph.OpAdd, x, y)
//	g, err := b.Build([]*graph.Tensor{x}, []*graph.Tensor{z})
package graph

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DType represents the element type of backend tensors.
type DType int8

const (
	InvalidDType DType = iota
	F32
	I32
	U32
	// U8 is used for booleans.
	U8
)

// Size returns the size in bytes of one element.
func (dt DType) Size() int {
	switch dt {
	case F32, I32, U32:
		return 4
	case U8:
		return 1
	}
	return 0
}

func (dt DType) String() string {
	switch dt {
	case F32:
		return "f32"
	case I32:
		return "i32"
	case U32:
		return "u32"
	case U8:
		return "u8"
	}
	return fmt.Sprintf("DType(%d)", int8(dt))
}

// Valid returns whether dt is one of the supported element types.
func (dt DType) Valid() bool {
	return dt >= F32 && dt <= U8
}

// Tensor is a handle to the output of a node under construction.
type Tensor struct {
	node    *Node
	builder *Builder
}

// ID returns the id of the node producing the tensor.
func (t *Tensor) ID() int {
	return t.node.ID
}

// Shape returns the tensor's shape. The returned slice must not be modified.
func (t *Tensor) Shape() []int {
	return t.node.Shape
}

// DType returns the tensor's element type.
func (t *Tensor) DType() DType {
	return t.node.DType
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.node.Shape)
}

// Builder constructs backend graphs.
//
// Errors are sticky: after the first failure every further call returns nil
// and the error is reported by Err and Build.
type Builder struct {
	name  string
	nodes []*Node
	err   error // first error encountered during building
}

// NewBuilder creates a new graph builder.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// Err returns the first error encountered during building, if any.
func (b *Builder) Err() error {
	return b.err
}

// setErr records the first error encountered.
func (b *Builder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *Builder) setErrf(format string, args ...any) {
	b.setErr(errors.Errorf(format, args...))
}

// NumNodes returns the number of nodes added so far.
func (b *Builder) NumNodes() int {
	return len(b.nodes)
}

// checkTensors returns false if the builder is in error state or if any of the
// tensors is nil or belongs to another builder.
func (b *Builder) checkTensors(opName string, tensors ...*Tensor) bool {
	if b.err != nil {
		return false
	}
	for i, t := range tensors {
		if t == nil {
			b.setErrf("%s: input #%d is nil", opName, i)
			return false
		}
		if t.builder != b {
			b.setErrf("%s: input #%d was created by a different builder", opName, i)
			return false
		}
	}
	return true
}

// addNode appends a new node and returns its output tensor.
func (b *Builder) addNode(node *Node, inputs ...*Tensor) *Tensor {
	node.ID = len(b.nodes)
	node.Inputs = make([]int, len(inputs))
	for i, t := range inputs {
		node.Inputs[i] = t.node.ID
	}
	b.nodes = append(b.nodes, node)
	return &Tensor{node: node, builder: b}
}

func validShape(shape []int) bool {
	if len(shape) == 0 {
		return false
	}
	for _, d := range shape {
		if d <= 0 {
			return false
		}
	}
	return true
}

// Input adds a runtime input to the graph.
func (b *Builder) Input(dtype DType, shape ...int) *Tensor {
	if b.err != nil {
		return nil
	}
	if !dtype.Valid() {
		b.setErrf("Input: invalid dtype %s", dtype)
		return nil
	}
	if !validShape(shape) {
		b.setErrf("Input: invalid shape %v, backend tensors need rank >= 1 and positive dimensions", shape)
		return nil
	}
	return b.addNode(&Node{Op: OpInput, DType: dtype, Shape: slices.Clone(shape)})
}

// FixedInput adds an input whose contents are captured at build time.
// The data is copied, so the caller's buffer may be reused afterwards.
func (b *Builder) FixedInput(dtype DType, shape []int, data []byte) *Tensor {
	if b.err != nil {
		return nil
	}
	if !dtype.Valid() {
		b.setErrf("FixedInput: invalid dtype %s", dtype)
		return nil
	}
	if !validShape(shape) {
		b.setErrf("FixedInput: invalid shape %v, backend tensors need rank >= 1 and positive dimensions", shape)
		return nil
	}
	want := numElements(shape) * dtype.Size()
	if len(data) != want {
		b.setErrf("FixedInput: got %d bytes for %s%v, wanted %d", len(data), dtype, shape, want)
		return nil
	}
	return b.addNode(&Node{Op: OpFixedInput, DType: dtype, Shape: slices.Clone(shape), Data: slices.Clone(data)})
}

// Build finalizes the graph with the given inputs and outputs.
//
// Every tensor in inputs must have been created with Input, and every Input
// node must be listed exactly once.
func (b *Builder) Build(inputs, outputs []*Tensor) (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	if !b.checkTensors("Build", inputs...) || !b.checkTensors("Build", outputs...) {
		return nil, b.err
	}
	if len(outputs) == 0 {
		return nil, errors.New("Build: graph has no outputs")
	}
	g := &Graph{
		ID:    uuid.New(),
		Name:  b.name,
		Nodes: b.nodes,
	}
	seen := make(map[int]bool, len(inputs))
	for _, t := range inputs {
		if t.node.Op != OpInput {
			return nil, errors.Errorf("Build: node #%d (%s) is not a runtime input", t.node.ID, t.node.Op)
		}
		if seen[t.node.ID] {
			return nil, errors.Errorf("Build: input node #%d listed twice", t.node.ID)
		}
		seen[t.node.ID] = true
		g.Inputs = append(g.Inputs, t.node.ID)
	}
	for _, n := range b.nodes {
		if n.Op == OpInput && !seen[n.ID] {
			return nil, errors.Errorf("Build: runtime input node #%d is not listed in the graph inputs", n.ID)
		}
	}
	for _, t := range outputs {
		g.Outputs = append(g.Outputs, t.node.ID)
	}
	return g, nil
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
