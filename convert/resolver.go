package convert

import (
	"encoding/binary"

	"github.com/gomlx/go-nnapi/nn"
	"github.com/pkg/errors"
)

// Scalar is the set of Go types constant parameters can be read as.
type Scalar interface {
	bool | int32 | uint32 | float32
}

// Resolver reads constant operand values.
//
// Sources are checked in priority order: device constants already copied to
// host, constants copied into the model, and constants referenced from host
// memory. The resolver doesn't own any of them.
type Resolver struct {
	model  *nn.Model
	copied map[uint32][]byte
}

// NewResolver creates a resolver over model. copied holds the device constants
// copied to host, keyed by operand index; it may be nil.
func NewResolver(model *nn.Model, copied map[uint32][]byte) *Resolver {
	return &Resolver{model: model, copied: copied}
}

// Read returns the constant bytes of operand idx, and whether it has a value.
func (r *Resolver) Read(idx uint32) ([]byte, bool) {
	if data, ok := r.copied[idx]; ok {
		return data, true
	}
	if data, ok := r.model.InlineConstant(idx); ok {
		return data, true
	}
	if data, ok := r.model.HostConstant(idx); ok {
		return data, true
	}
	return nil, false
}

func (r *Resolver) read(idx uint32) ([]byte, error) {
	data, ok := r.Read(idx)
	if !ok {
		return nil, errors.Wrapf(nn.ErrBadData, "operand %d was not added as a constant operand", idx)
	}
	return data, nil
}

// ReadScalar reads operand idx as a single value of type T. The constant must
// have exactly the size of T.
func ReadScalar[T Scalar](r *Resolver, idx uint32) (T, error) {
	var v T
	data, err := r.read(idx)
	if err != nil {
		return v, err
	}
	if size := binary.Size(v); len(data) != size {
		return v, errors.Wrapf(nn.ErrBadData, "operand %d holds %d bytes, expected %d for a %T", idx, len(data), size, v)
	}
	if _, err := binary.Decode(data, binary.LittleEndian, &v); err != nil {
		return v, errors.Wrapf(nn.ErrBadData, "operand %d: %v", idx, err)
	}
	return v, nil
}

// ReadVector reads operand idx as a vector of T. The operand length must be a
// multiple of the size of T.
func ReadVector[T Scalar](r *Resolver, idx uint32) ([]T, error) {
	data, err := r.read(idx)
	if err != nil {
		return nil, err
	}
	var zero T
	size := binary.Size(zero)
	if len(data)%size != 0 {
		return nil, errors.Wrapf(nn.ErrBadData, "operand %d holds %d bytes, not a multiple of %d for a %T", idx, len(data), size, zero)
	}
	values := make([]T, len(data)/size)
	if len(values) == 0 {
		return values, nil
	}
	if _, err := binary.Decode(data, binary.LittleEndian, values); err != nil {
		return nil, errors.Wrapf(nn.ErrBadData, "operand %d: %v", idx, err)
	}
	return values, nil
}

// Bitmask is a per-axis mask read from an int32 operand.
type Bitmask uint32

// Test returns whether bit i is set.
func (m Bitmask) Test(i int) bool {
	return i >= 0 && i < 32 && m&(1<<uint(i)) != 0
}

// ReadBitmask reads operand idx as an int32 bitmask.
func (r *Resolver) ReadBitmask(idx uint32) (Bitmask, error) {
	v, err := ReadScalar[int32](r, idx)
	if err != nil {
		return 0, err
	}
	return Bitmask(uint32(v)), nil
}

// ReadOptionalScalar reads the operation input at position pos into v. If the
// operation has no input at pos, v keeps its default value.
func ReadOptionalScalar[T Scalar](r *Resolver, op *nn.Operation, pos int, v *T) error {
	if pos >= len(op.Inputs) {
		return nil
	}
	value, err := ReadScalar[T](r, op.Inputs[pos])
	if err != nil {
		return err
	}
	*v = value
	return nil
}

// ReadOptionalBitmask is like ReadOptionalScalar for bitmasks.
func (r *Resolver) ReadOptionalBitmask(op *nn.Operation, pos int, m *Bitmask) error {
	if pos >= len(op.Inputs) {
		return nil
	}
	value, err := r.ReadBitmask(op.Inputs[pos])
	if err != nil {
		return err
	}
	*m = value
	return nil
}
