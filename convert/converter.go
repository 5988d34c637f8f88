// Package convert lowers a finished nn.Model into a backend graph.
//
// Operations are lowered one by one, in the order they were added to the model.
// Every model operand maps to at most one backend tensor: identified inputs
// become graph inputs, constants become fixed inputs the first time an
// operation consumes them, and operation results are recorded as they are
// produced.
package convert

import (
	"context"
	"fmt"
	"slices"

	"github.com/gomlx/go-nnapi/graph"
	"github.com/gomlx/go-nnapi/nn"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"
)

type refKind uint8

const (
	declaredRef refKind = iota
	syntheticRef
)

// Synthetic identifies an internal tensor that has no model operand.
type Synthetic uint32

const (
	// FloatOne is a [1] f32 tensor holding 1.0.
	FloatOne Synthetic = iota
)

// OperandRef keys the backend tensor table: either a declared model operand or
// a synthetic tensor created by the lowering itself.
type OperandRef struct {
	kind  refKind
	index uint32
}

// Declared returns the reference of model operand idx.
func Declared(idx uint32) OperandRef {
	return OperandRef{kind: declaredRef, index: idx}
}

// SyntheticRef returns the reference of an internal tensor.
func SyntheticRef(s Synthetic) OperandRef {
	return OperandRef{kind: syntheticRef, index: uint32(s)}
}

func (r OperandRef) String() string {
	if r.kind == syntheticRef {
		return fmt.Sprintf("synthetic#%d", r.index)
	}
	return fmt.Sprintf("operand#%d", r.index)
}

type state int

const (
	stateEmpty state = iota
	stateInputsRegistered
	stateOperationsLowered
	stateOutputsCollected
	stateDone
)

func (s state) String() string {
	switch s {
	case stateEmpty:
		return "Empty"
	case stateInputsRegistered:
		return "InputsRegistered"
	case stateOperationsLowered:
		return "OperationsLowered"
	case stateOutputsCollected:
		return "OutputsCollected"
	case stateDone:
		return "Done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// converter holds the state of one lowering.
type converter struct {
	model    *nn.Model
	resolver *Resolver
	b        *graph.Builder
	tensors  map[OperandRef]*graph.Tensor
	state    state
	log      klog.Logger
}

// Convert lowers model into a backend graph. Constant operands are read through
// resolver. The first error aborts the conversion.
//
// Errors wrap nn.ErrBadData for malformed operations or constants and
// nn.ErrOpFailed for everything the backend can't build.
func Convert(ctx context.Context, model *nn.Model, resolver *Resolver) (*graph.Graph, error) {
	if model == nil || resolver == nil {
		return nil, errors.Wrap(nn.ErrUnexpectedNull, "Convert requires a model and a resolver")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &converter{
		model:    model,
		resolver: resolver,
		b:        graph.NewBuilder("nnapi"),
		tensors:  make(map[OperandRef]*graph.Tensor),
		log:      klog.FromContext(ctx),
	}

	g, err := c.run()
	if err != nil {
		c.log.V(1).Info("model conversion failed", "state", c.state, "err", err)
		return nil, err
	}
	c.log.V(1).Info("model converted", "operations", model.OperationCount(), "nodes", len(g.Nodes),
		"inputs", len(g.Inputs), "outputs", len(g.Outputs), "graph", g.ID)
	return g, nil
}

func (c *converter) run() (*graph.Graph, error) {
	inputs, err := c.registerInputs()
	if err != nil {
		return nil, err
	}
	if err := c.lowerOperations(); err != nil {
		return nil, err
	}
	outputs, err := c.collectOutputs()
	if err != nil {
		return nil, err
	}
	g, err := c.b.Build(inputs, outputs)
	if err != nil {
		return nil, errors.Wrap(nn.ErrOpFailed, err.Error())
	}
	c.state = stateDone
	return g, nil
}

func (c *converter) registerInputs() ([]*graph.Tensor, error) {
	inputs := make([]*graph.Tensor, 0, len(c.model.Inputs()))
	for _, idx := range c.model.Inputs() {
		ref := Declared(idx)
		if _, found := c.tensors[ref]; found {
			return nil, errors.Wrapf(nn.ErrBadData, "operand %d is listed more than once as input", idx)
		}
		ot := c.model.Operand(idx)
		dtype, err := backendDType(ot.Code)
		if err != nil {
			return nil, err
		}
		t := c.b.Input(dtype, backendShape(*ot)...)
		if err := c.builderErr(); err != nil {
			return nil, errors.WithMessagef(err, "input operand %d", idx)
		}
		c.tensors[ref] = t
		inputs = append(inputs, t)
	}
	c.state = stateInputsRegistered
	return inputs, nil
}

func (c *converter) lowerOperations() error {
	for i, op := range c.model.Operations() {
		if err := c.lowerOperation(&op); err != nil {
			return errors.WithMessagef(err, "operation #%d (%s)", i, op.Code)
		}
		if c.log.V(2).Enabled() {
			out := c.tensors[Declared(op.Outputs[0])]
			c.log.V(2).Info("lowered operation", "index", i, "code", op.Code,
				"inputs", op.Inputs, "outputs", op.Outputs, "shape", out.Shape())
		}
	}
	c.state = stateOperationsLowered
	return nil
}

func (c *converter) lowerOperation(op *nn.Operation) error {
	l, found := lowerers[op.Code]
	if !found {
		return errors.Wrapf(nn.ErrOpFailed, "unsupported operation code %s", op.Code)
	}
	if len(op.Inputs) < l.minInputs || (l.maxInputs >= 0 && len(op.Inputs) > l.maxInputs) {
		if l.minInputs == l.maxInputs {
			return errors.Wrapf(nn.ErrBadData, "expected %d inputs, got %d", l.minInputs, len(op.Inputs))
		}
		return errors.Wrapf(nn.ErrBadData, "expected between %d and %d inputs, got %d",
			l.minInputs, l.maxInputs, len(op.Inputs))
	}
	if len(op.Outputs) != 1 {
		return errors.Wrapf(nn.ErrBadData, "expected 1 output, got %d", len(op.Outputs))
	}
	outIdx := op.Outputs[0]
	if _, found := c.tensors[Declared(outIdx)]; found {
		return errors.Wrapf(nn.ErrBadData, "output operand %d was already produced", outIdx)
	}
	if _, isConst := c.resolver.Read(outIdx); isConst {
		return errors.Wrapf(nn.ErrBadData, "output operand %d is a constant", outIdx)
	}

	out, err := l.lower(c, op)
	if err == nil {
		err = c.builderErr()
	}
	if err != nil {
		return err
	}
	c.tensors[Declared(outIdx)] = out
	return c.checkOutputShape(outIdx, out)
}

// checkOutputShape verifies that the backend tensor matches the declared operand.
// A declared scalar matches a backend [1] tensor.
func (c *converter) checkOutputShape(idx uint32, t *graph.Tensor) error {
	want := backendShape(*c.model.Operand(idx))
	if !slices.Equal(want, t.Shape()) {
		return errors.Wrapf(nn.ErrOpFailed, "operand %d is declared with shape %v but the operation produces %v",
			idx, c.model.Operand(idx).Dimensions, t.Shape())
	}
	return nil
}

func (c *converter) collectOutputs() ([]*graph.Tensor, error) {
	outputs := make([]*graph.Tensor, 0, len(c.model.Outputs()))
	for _, idx := range c.model.Outputs() {
		t, found := c.tensors[Declared(idx)]
		if !found {
			return nil, errors.Wrapf(nn.ErrOpFailed, "output operand %d was never produced", idx)
		}
		outputs = append(outputs, t)
	}
	c.state = stateOutputsCollected
	return outputs, nil
}

// builderErr returns the backend builder's sticky error as an nn.ErrOpFailed.
func (c *converter) builderErr() error {
	if err := c.b.Err(); err != nil {
		return errors.Wrap(nn.ErrOpFailed, err.Error())
	}
	return nil
}

// tensor returns the backend tensor of operation input pos, creating a fixed
// input if the operand is a constant consumed for the first time.
func (c *converter) tensor(op *nn.Operation, pos int) (*graph.Tensor, error) {
	idx := op.Inputs[pos]
	if t, found := c.tensors[Declared(idx)]; found {
		return t, nil
	}
	data, isConst := c.resolver.Read(idx)
	if !isConst {
		return nil, errors.Wrapf(nn.ErrOpFailed, "operand %d was not created yet", idx)
	}
	return c.fixedInput(idx, data)
}

func (c *converter) fixedInput(idx uint32, data []byte) (*graph.Tensor, error) {
	if c.model.IsInput(idx) || c.model.IsOutput(idx) {
		return nil, errors.Wrapf(nn.ErrBadData, "constant operand %d is also a model input or output", idx)
	}
	ot := c.model.Operand(idx)
	if len(data) != ot.ByteSize() {
		return nil, errors.Wrapf(nn.ErrBadData, "constant operand %d %s has %d bytes, expected %d",
			idx, ot, len(data), ot.ByteSize())
	}
	dtype, err := backendDType(ot.Code)
	if err != nil {
		return nil, err
	}
	t := c.b.FixedInput(dtype, backendShape(*ot), data)
	if err := c.builderErr(); err != nil {
		return nil, err
	}
	c.tensors[Declared(idx)] = t
	return t, nil
}

// floatOne returns the shared [1] f32 tensor holding 1.0.
func (c *converter) floatOne() *graph.Tensor {
	ref := SyntheticRef(FloatOne)
	if t, found := c.tensors[ref]; found {
		return t
	}
	t := c.b.FixedInput(graph.F32, []int{1}, graph.Float32Bytes(1))
	if t != nil {
		c.tensors[ref] = t
	}
	return t
}

// backendDType maps an operand code to the backend element type.
func backendDType(code nn.OperandCode) (graph.DType, error) {
	switch code {
	case nn.Float32, nn.TensorFloat32:
		return graph.F32, nil
	case nn.Int32, nn.TensorInt32:
		return graph.I32, nil
	case nn.Uint32:
		return graph.U32, nil
	case nn.Bool, nn.TensorBool8:
		return graph.U8, nil
	}
	return graph.InvalidDType, errors.Wrapf(nn.ErrBadData, "operand code %s has no backend type", code)
}

// backendShape returns the backend shape of an operand: scalars become [1].
func backendShape(ot nn.OperandType) []int {
	if ot.Rank() == 0 {
		return []int{1}
	}
	return toInts(ot.Dimensions)
}

func toInts[I constraints.Integer](values []I) []int {
	ints := make([]int, len(values))
	for i, v := range values {
		ints[i] = int(v)
	}
	return ints
}
