package nn

import "fmt"

// OperandCode is the element kind of an operand.
type OperandCode int32

const (
	// Bool is a scalar boolean stored in one byte.
	Bool OperandCode = iota
	// Int32 is a scalar signed 32-bit integer.
	Int32
	// Uint32 is a scalar unsigned 32-bit integer.
	Uint32
	// Float32 is a scalar 32-bit float.
	Float32
	// TensorBool8 is a tensor of booleans, one byte each.
	TensorBool8
	// TensorInt32 is a tensor of signed 32-bit integers.
	TensorInt32
	// TensorFloat32 is a tensor of 32-bit floats.
	TensorFloat32
	// InvalidOperand marks an operand type that was never set.
	InvalidOperand
)

var operandCodeNames = [...]string{
	Bool:           "BOOL",
	Int32:          "INT32",
	Uint32:         "UINT32",
	Float32:        "FLOAT32",
	TensorBool8:    "TENSOR_BOOL8",
	TensorInt32:    "TENSOR_INT32",
	TensorFloat32:  "TENSOR_FLOAT32",
	InvalidOperand: "INVALID",
}

func (c OperandCode) String() string {
	if c < 0 || int(c) >= len(operandCodeNames) {
		return fmt.Sprintf("OperandCode(%d)", int32(c))
	}
	return operandCodeNames[c]
}

// IsValid reports whether c is one of the defined operand codes (excluding InvalidOperand).
func (c OperandCode) IsValid() bool {
	return c >= Bool && c < InvalidOperand
}

// ElementSize returns the size in bytes of one element of the given kind.
func (c OperandCode) ElementSize() int {
	switch c {
	case Bool, TensorBool8:
		return 1
	case Int32, Uint32, Float32, TensorInt32, TensorFloat32:
		return 4
	default:
		return 0
	}
}

// OperationCode identifies the type of an operation.
// The list is kept in alphabetical order, OperationCount must stay last.
type OperationCode int32

const (
	Add OperationCode = iota
	AveragePool2D
	Cast
	Concatenation
	Conv2D
	Div
	DepthwiseConv2D
	Exp
	Max
	MaxPool2D
	MatMul
	Min
	Mul
	Relu
	Relu1
	Relu6
	Reshape
	Rsqrt
	Slice
	Softmax
	Sqrt
	Squeeze
	StridedSlice
	Sub
	Transpose

	// OperationCount is the number of operations in the vocabulary, not a valid operation.
	OperationCount
)

var operationCodeNames = [...]string{
	Add:             "ADD",
	AveragePool2D:   "AVERAGE_POOL_2D",
	Cast:            "CAST",
	Concatenation:   "CONCATENATION",
	Conv2D:          "CONV_2D",
	Div:             "DIV",
	DepthwiseConv2D: "DEPTHWISE_CONV_2D",
	Exp:             "EXP",
	Max:             "MAX",
	MaxPool2D:       "MAX_POOL_2D",
	MatMul:          "MATMUL",
	Min:             "MIN",
	Mul:             "MUL",
	Relu:            "RELU",
	Relu1:           "RELU1",
	Relu6:           "RELU6",
	Reshape:         "RESHAPE",
	Rsqrt:           "RSQRT",
	Slice:           "SLICE",
	Softmax:         "SOFTMAX",
	Sqrt:            "SQRT",
	Squeeze:         "SQUEEZE",
	StridedSlice:    "STRIDED_SLICE",
	Sub:             "SUB",
	Transpose:       "TRANSPOSE",
}

func (c OperationCode) String() string {
	if c < 0 || c >= OperationCount {
		return fmt.Sprintf("OperationCode(%d)", int32(c))
	}
	return operationCodeNames[c]
}

// IsValid reports whether c is part of the operation vocabulary.
func (c OperationCode) IsValid() bool {
	return c >= 0 && c < OperationCount
}

// FuseCode is an activation applied to the result of some operations.
type FuseCode int32

const (
	FusedNone FuseCode = iota
	FusedRelu
	FusedRelu1
	FusedRelu6
)

func (f FuseCode) String() string {
	switch f {
	case FusedNone:
		return "NONE"
	case FusedRelu:
		return "RELU"
	case FusedRelu1:
		return "RELU1"
	case FusedRelu6:
		return "RELU6"
	}
	return fmt.Sprintf("FuseCode(%d)", int32(f))
}

// PaddingCode selects the implicit padding policy of convolutions and poolings.
type PaddingCode int32

const (
	// PaddingSame pads so that the output spatial size is ceil(input/stride).
	PaddingSame PaddingCode = 0
	// PaddingValid applies no padding.
	PaddingValid PaddingCode = 1
)

func (p PaddingCode) String() string {
	switch p {
	case PaddingSame:
		return "SAME"
	case PaddingValid:
		return "VALID"
	}
	return fmt.Sprintf("PaddingCode(%d)", int32(p))
}

// Preference is an execution hint given to a compilation.
type Preference int32

const (
	PreferLowPower Preference = iota
	PreferFastSingleAnswer
	PreferSustainedSpeed
)

func (p Preference) String() string {
	switch p {
	case PreferLowPower:
		return "LOW_POWER"
	case PreferFastSingleAnswer:
		return "FAST_SINGLE_ANSWER"
	case PreferSustainedSpeed:
		return "SUSTAINED_SPEED"
	}
	return fmt.Sprintf("Preference(%d)", int32(p))
}

// IsValid reports whether p is a known preference.
func (p Preference) IsValid() bool {
	return p >= PreferLowPower && p <= PreferSustainedSpeed
}
