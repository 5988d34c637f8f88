// Package nn holds the declarative operand/operation model: the tensors (operands) a
// graph declares, the ordered list of operations referencing them, their constant
// values and which operands are the graph inputs and outputs.
//
// Example usage:
//
//	m := nn.NewModel()
//	f32 := nn.OperandType{Code: nn.TensorFloat32, Dimensions: []uint32{3}}
//	x, _ := m.AddOperand(f32)
//	y, _ := m.AddOperand(f32)
//	z, _ := m.AddOperand(f32)
//	_ = m.AddOperation(nn.Add, []uint32{x, y}, []uint32{z})
//	_ = m.IdentifyInputsAndOutputs([]uint32{x, y}, []uint32{z})
//	_ = m.Finish()
package nn

import (
	"io"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MaxInlineValueSize is the largest constant, in bytes, that SetOperandValue copies into
// the model. Larger values are referenced and must be kept alive by the caller.
const MaxInlineValueSize = 128

// Operation is one node of the model: a code and the indices of its operands.
type Operation struct {
	Code    OperationCode
	Inputs  []uint32
	Outputs []uint32
}

// DeviceConstant is a constant value stored in a memory region, to be copied to host
// before lowering.
type DeviceConstant struct {
	Memory io.ReaderAt
	Offset int64
	Length int
}

// Model is a graph of operands and operations under construction.
// Once Finish is called it becomes immutable and can be compiled.
type Model struct {
	operands   []OperandType
	operations []Operation
	inputs     []uint32
	outputs    []uint32

	// Each operand has at most one constant source: inline (copied), host (referenced)
	// or device (memory region).
	inlineConstants map[uint32][]byte
	hostConstants   map[uint32][]byte
	deviceConstants map[uint32]DeviceConstant

	finished bool
}

// NewModel creates an empty model.
func NewModel() *Model {
	return &Model{
		inlineConstants: make(map[uint32][]byte),
		hostConstants:   make(map[uint32][]byte),
		deviceConstants: make(map[uint32]DeviceConstant),
	}
}

func (m *Model) checkNotFinished() error {
	if m.finished {
		return errors.Wrap(ErrBadState, "model is already finished")
	}
	return nil
}

func (m *Model) checkOperandIndex(idx uint32) error {
	if int(idx) >= len(m.operands) {
		return errors.Wrapf(ErrBadData, "operand index %d out of range, model has %d operands", idx, len(m.operands))
	}
	return nil
}

// AddOperand declares a new operand and returns its index.
func (m *Model) AddOperand(t OperandType) (uint32, error) {
	if err := m.checkNotFinished(); err != nil {
		return 0, err
	}
	if err := t.Validate(); err != nil {
		return 0, err
	}
	m.operands = append(m.operands, t.Clone())
	return uint32(len(m.operands) - 1), nil
}

// OperandCount returns the number of declared operands.
func (m *Model) OperandCount() int {
	return len(m.operands)
}

// OperandType returns the type of the operand at idx.
func (m *Model) OperandType(idx uint32) (OperandType, error) {
	if err := m.checkOperandIndex(idx); err != nil {
		return OperandType{}, err
	}
	return m.operands[idx].Clone(), nil
}

// Operand returns the type of the operand at idx without copying it.
// It panics if idx is out of range, callers are expected to have validated it.
func (m *Model) Operand(idx uint32) *OperandType {
	return &m.operands[idx]
}

// clearConstant drops any constant previously set for idx.
func (m *Model) clearConstant(idx uint32) {
	delete(m.inlineConstants, idx)
	delete(m.hostConstants, idx)
	delete(m.deviceConstants, idx)
}

// SetOperandValue sets the constant value of the operand at idx.
//
// Values up to MaxInlineValueSize bytes are copied into the model. Larger values are
// referenced: the caller must not modify data until every compilation of the model is
// finished.
func (m *Model) SetOperandValue(idx uint32, data []byte) error {
	if err := m.checkNotFinished(); err != nil {
		return err
	}
	if err := m.checkOperandIndex(idx); err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.Wrapf(ErrUnexpectedNull, "empty value for operand %d", idx)
	}
	m.clearConstant(idx)
	if len(data) <= MaxInlineValueSize {
		m.inlineConstants[idx] = slices.Clone(data)
	} else {
		m.hostConstants[idx] = data
	}
	return nil
}

// SetOperandValueFromMemory sets the constant value of the operand at idx to length bytes
// of mem starting at offset. The bytes are read when a compilation is finished.
func (m *Model) SetOperandValueFromMemory(idx uint32, mem io.ReaderAt, offset int64, length int) error {
	if err := m.checkNotFinished(); err != nil {
		return err
	}
	if err := m.checkOperandIndex(idx); err != nil {
		return err
	}
	if mem == nil {
		return errors.Wrapf(ErrUnexpectedNull, "nil memory for operand %d", idx)
	}
	if offset < 0 || length <= 0 {
		return errors.Wrapf(ErrBadData, "invalid memory range offset=%d length=%d for operand %d", offset, length, idx)
	}
	if s, ok := mem.(interface{ Size() int64 }); ok && offset+int64(length) > s.Size() {
		return errors.Wrapf(ErrBadData, "memory range [%d, %d) for operand %d exceeds memory size %d",
			offset, offset+int64(length), idx, s.Size())
	}
	m.clearConstant(idx)
	m.deviceConstants[idx] = DeviceConstant{Memory: mem, Offset: offset, Length: length}
	return nil
}

// InlineConstant returns the constant copied into the model for idx, if any.
func (m *Model) InlineConstant(idx uint32) ([]byte, bool) {
	data, ok := m.inlineConstants[idx]
	return data, ok
}

// HostConstant returns the externally owned constant for idx, if any.
func (m *Model) HostConstant(idx uint32) ([]byte, bool) {
	data, ok := m.hostConstants[idx]
	return data, ok
}

// DeviceConstant returns the memory-backed constant for idx, if any.
func (m *Model) DeviceConstant(idx uint32) (DeviceConstant, bool) {
	dc, ok := m.deviceConstants[idx]
	return dc, ok
}

// DeviceConstants returns the indices of all memory-backed constants, in ascending order.
func (m *Model) DeviceConstants() []uint32 {
	indices := make([]uint32, 0, len(m.deviceConstants))
	for idx := range m.deviceConstants {
		indices = append(indices, idx)
	}
	slices.Sort(indices)
	return indices
}

// AddOperation appends an operation. Operations are lowered in the order they are added,
// so the producers of an operation's inputs must be added before it.
func (m *Model) AddOperation(code OperationCode, inputs, outputs []uint32) error {
	if err := m.checkNotFinished(); err != nil {
		return err
	}
	if !code.IsValid() {
		return errors.Wrapf(ErrBadData, "invalid operation code %d", int32(code))
	}
	for _, idx := range inputs {
		if err := m.checkOperandIndex(idx); err != nil {
			return errors.WithMessagef(err, "input of operation %s", code)
		}
	}
	for _, idx := range outputs {
		if err := m.checkOperandIndex(idx); err != nil {
			return errors.WithMessagef(err, "output of operation %s", code)
		}
	}
	m.operations = append(m.operations, Operation{
		Code:    code,
		Inputs:  slices.Clone(inputs),
		Outputs: slices.Clone(outputs),
	})
	return nil
}

// OperationCount returns the number of operations added.
func (m *Model) OperationCount() int {
	return len(m.operations)
}

// Operation returns the i-th operation. The returned value is owned by the model.
func (m *Model) Operation(i int) (*Operation, error) {
	if i < 0 || i >= len(m.operations) {
		return nil, errors.Wrapf(ErrBadData, "operation index %d out of range, model has %d operations", i, len(m.operations))
	}
	return &m.operations[i], nil
}

// Operations returns all operations in declaration order. The slice is owned by the model.
func (m *Model) Operations() []Operation {
	return m.operations
}

func (m *Model) checkIndices(indices []uint32, what string) error {
	for _, idx := range indices {
		if err := m.checkOperandIndex(idx); err != nil {
			return errors.WithMessage(err, what)
		}
	}
	return nil
}

// IdentifyInputs sets which operands are the model inputs, replacing any previous ones.
func (m *Model) IdentifyInputs(inputs []uint32) error {
	if err := m.checkNotFinished(); err != nil {
		return err
	}
	if err := m.checkIndices(inputs, "model input"); err != nil {
		return err
	}
	m.inputs = slices.Clone(inputs)
	return nil
}

// IdentifyOutputs sets which operands are the model outputs, replacing any previous ones.
func (m *Model) IdentifyOutputs(outputs []uint32) error {
	if err := m.checkNotFinished(); err != nil {
		return err
	}
	if err := m.checkIndices(outputs, "model output"); err != nil {
		return err
	}
	m.outputs = slices.Clone(outputs)
	return nil
}

// IdentifyInputsAndOutputs sets both the model inputs and outputs.
func (m *Model) IdentifyInputsAndOutputs(inputs, outputs []uint32) error {
	if err := m.IdentifyInputs(inputs); err != nil {
		return err
	}
	return m.IdentifyOutputs(outputs)
}

// Inputs returns the identified inputs. The slice is owned by the model.
func (m *Model) Inputs() []uint32 {
	return m.inputs
}

// Outputs returns the identified outputs. The slice is owned by the model.
func (m *Model) Outputs() []uint32 {
	return m.outputs
}

// IsInput returns whether idx was identified as a model input.
func (m *Model) IsInput(idx uint32) bool {
	return slices.Contains(m.inputs, idx)
}

// IsOutput returns whether idx was identified as a model output.
func (m *Model) IsOutput(idx uint32) bool {
	return slices.Contains(m.outputs, idx)
}

// Finish marks the model as complete. No further changes are accepted.
func (m *Model) Finish() error {
	if err := m.checkNotFinished(); err != nil {
		return err
	}
	m.finished = true
	if klog.V(1).Enabled() {
		klog.Infof("model finished: %d operands, %d operations, %d inputs, %d outputs, %d inline/%d host/%d device constants",
			len(m.operands), len(m.operations), len(m.inputs), len(m.outputs),
			len(m.inlineConstants), len(m.hostConstants), len(m.deviceConstants))
	}
	return nil
}

// IsFinished returns whether Finish was called.
func (m *Model) IsFinished() bool {
	return m.finished
}

// SupportedOperations reports, for each operation code, whether the given capabilities
// support it.
func (m *Model) SupportedOperations(caps Capabilities) []bool {
	supported := make([]bool, OperationCount)
	for code := range OperationCount {
		supported[code] = caps.Supports(code)
	}
	return supported
}

// CanAddOperation returns whether an operation of the given code could be added to the model.
// It is always false for operations the capabilities don't support, and false for any
// operation once the model is finished.
func (m *Model) CanAddOperation(caps Capabilities, code OperationCode) bool {
	return !m.finished && code.IsValid() && caps.Supports(code)
}
