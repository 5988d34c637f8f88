package convert

import (
	"github.com/gomlx/go-nnapi/nn"
	"github.com/pkg/errors"
)

// ComputePadding returns the padding before and after one spatial axis of size in.
//
// VALID never pads. SAME pads so that the output has ceil(in/stride) elements,
// putting the odd element of padding at the end.
func ComputePadding(code nn.PaddingCode, in, stride, filter, dilation int) (begin, end int, err error) {
	switch code {
	case nn.PaddingValid:
		return 0, 0, nil
	case nn.PaddingSame:
		if stride <= 0 || dilation <= 0 {
			return 0, 0, errors.Wrapf(nn.ErrBadData, "stride (%d) and dilation (%d) must be positive", stride, dilation)
		}
		outSize := (in + stride - 1) / stride
		effectiveFilter := (filter-1)*dilation + 1
		needed := max(0, (outSize-1)*stride+effectiveFilter-in)
		begin = needed / 2
		return begin, needed - begin, nil
	}
	return 0, 0, errors.Wrapf(nn.ErrBadData, "unknown padding code %d", int32(code))
}
