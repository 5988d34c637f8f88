package convert

import (
	"github.com/gomlx/go-nnapi/graph"
	"github.com/gomlx/go-nnapi/nn"
	"github.com/pkg/errors"
)

// The backend computes convolutions and pooling on NCHW inputs and OIHW filters.
var (
	nhwcToNCHW = []int{0, 3, 1, 2}
	nchwToNHWC = inversePermutation(nhwcToNCHW) // {0, 2, 3, 1}
	hwioToOIHW = []int{3, 2, 0, 1}
	ohwiToOIHW = []int{0, 3, 1, 2}
)

// toBackendInput returns x in NCHW layout.
func toBackendInput(b *graph.Builder, x *graph.Tensor, isNCHW bool) *graph.Tensor {
	if isNCHW {
		return x
	}
	return b.Transpose(x, nhwcToNCHW)
}

// toBackendFilter returns filter in OIHW layout. The model filter is either HWIO or OHWI.
func toBackendFilter(b *graph.Builder, filter *graph.Tensor, isHWIO bool) *graph.Tensor {
	if isHWIO {
		return b.Transpose(filter, hwioToOIHW)
	}
	return b.Transpose(filter, ohwiToOIHW)
}

// fromBackendOutput restores the layout of the operation input on an NCHW result.
func fromBackendOutput(b *graph.Builder, x *graph.Tensor, isNCHW bool) *graph.Tensor {
	if isNCHW {
		return x
	}
	return b.Transpose(x, nchwToNHWC)
}

func checkRank4(shape []int, what string) error {
	if len(shape) != 4 {
		return errors.Wrapf(nn.ErrOpFailed, "%s must be rank 4, got shape %v", what, shape)
	}
	return nil
}

// inputHW returns the spatial dimensions of an NCHW or NHWC input shape.
func inputHW(shape []int, isNCHW bool) (h, w int, err error) {
	if err = checkRank4(shape, "input"); err != nil {
		return
	}
	if isNCHW {
		return shape[2], shape[3], nil
	}
	return shape[1], shape[2], nil
}

// filterHW returns the spatial dimensions of an HWIO or OHWI filter shape.
func filterHW(shape []int, isHWIO bool) (h, w int, err error) {
	if err = checkRank4(shape, "filter"); err != nil {
		return
	}
	if isHWIO {
		return shape[0], shape[1], nil
	}
	return shape[1], shape[2], nil
}

// inversePermutation returns the permutation that undoes perm.
func inversePermutation(perm []int) []int {
	inv := make([]int, len(perm))
	for i, p := range perm {
		inv[p] = i
	}
	return inv
}
