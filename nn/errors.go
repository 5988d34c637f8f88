package nn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds. Every error returned by this module wraps one of them, use errors.Is to
// discriminate, or CodeOf to get the matching ResultCode.
var (
	ErrOutOfMemory            = errors.New("out of memory")
	ErrIncomplete             = errors.New("incomplete")
	ErrUnexpectedNull         = errors.New("unexpected null argument")
	ErrBadData                = errors.New("bad data")
	ErrOpFailed               = errors.New("operation failed")
	ErrBadState               = errors.New("bad state")
	ErrUnmappable             = errors.New("unmappable")
	ErrOutputInsufficientSize = errors.New("output insufficient size")
	ErrUnavailableDevice      = errors.New("unavailable device")
)

// ResultCode is the discriminated outcome of an API call.
type ResultCode int32

const (
	NoError ResultCode = iota
	OutOfMemory
	Incomplete
	UnexpectedNull
	BadData
	OpFailed
	BadState
	Unmappable
	OutputInsufficientSize
	UnavailableDevice
)

var resultCodeNames = [...]string{
	NoError:                "NO_ERROR",
	OutOfMemory:            "OUT_OF_MEMORY",
	Incomplete:             "INCOMPLETE",
	UnexpectedNull:         "UNEXPECTED_NULL",
	BadData:                "BAD_DATA",
	OpFailed:               "OP_FAILED",
	BadState:               "BAD_STATE",
	Unmappable:             "UNMAPPABLE",
	OutputInsufficientSize: "OUTPUT_INSUFFICIENT_SIZE",
	UnavailableDevice:      "UNAVAILABLE_DEVICE",
}

func (r ResultCode) String() string {
	if r < 0 || int(r) >= len(resultCodeNames) {
		return fmt.Sprintf("ResultCode(%d)", int32(r))
	}
	return resultCodeNames[r]
}

var kindToCode = []struct {
	kind error
	code ResultCode
}{
	{ErrOutOfMemory, OutOfMemory},
	{ErrIncomplete, Incomplete},
	{ErrUnexpectedNull, UnexpectedNull},
	{ErrBadData, BadData},
	{ErrOpFailed, OpFailed},
	{ErrBadState, BadState},
	{ErrUnmappable, Unmappable},
	{ErrOutputInsufficientSize, OutputInsufficientSize},
	{ErrUnavailableDevice, UnavailableDevice},
}

// CodeOf returns the ResultCode matching err.
// Errors that don't wrap any of the known kinds are reported as OpFailed.
func CodeOf(err error) ResultCode {
	if err == nil {
		return NoError
	}
	for _, kc := range kindToCode {
		if errors.Is(err, kc.kind) {
			return kc.code
		}
	}
	return OpFailed
}
