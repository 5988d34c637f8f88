package nn

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// OperandType describes an operand: its element kind, its dimensions and the
// optional quantization parameters.
type OperandType struct {
	Code       OperandCode
	Dimensions []uint32

	// Scale and ZeroPoint are only meaningful for quantized types, they are carried
	// through to casts.
	Scale     float32
	ZeroPoint int32
}

// Rank returns the number of dimensions, 0 for scalars.
func (t OperandType) Rank() int {
	return len(t.Dimensions)
}

// NumElements returns the number of elements, 1 for scalars.
func (t OperandType) NumElements() int {
	n := 1
	for _, d := range t.Dimensions {
		n *= int(d)
	}
	return n
}

// ByteSize returns the number of bytes needed to store a value of this type.
func (t OperandType) ByteSize() int {
	return t.NumElements() * t.Code.ElementSize()
}

// Clone returns a deep copy of t.
func (t OperandType) Clone() OperandType {
	t.Dimensions = slices.Clone(t.Dimensions)
	return t
}

// Equal returns whether both operand types describe the same code and dimensions.
func (t OperandType) Equal(other OperandType) bool {
	return t.Code == other.Code && slices.Equal(t.Dimensions, other.Dimensions)
}

// Validate returns an error if the operand type is not well-formed.
func (t OperandType) Validate() error {
	if !t.Code.IsValid() {
		return errors.Wrapf(ErrBadData, "invalid operand code %s", t.Code)
	}
	switch t.Code {
	case Bool, Int32, Uint32, Float32:
		if len(t.Dimensions) != 0 {
			return errors.Wrapf(ErrBadData, "scalar operand code %s given %d dimensions", t.Code, len(t.Dimensions))
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (t OperandType) String() string {
	dims := make([]string, len(t.Dimensions))
	for i, d := range t.Dimensions {
		dims[i] = fmt.Sprint(d)
	}
	return fmt.Sprintf("(%s)[%s]", t.Code, strings.Join(dims, " "))
}
