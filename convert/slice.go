package convert

import (
	"slices"

	"github.com/gomlx/go-nnapi/graph"
	"github.com/gomlx/go-nnapi/nn"
	"github.com/pkg/errors"
)

func checkRankLength[T any](values []T, rank int, name string) error {
	if len(values) != rank {
		return errors.Wrapf(nn.ErrOpFailed, "%s has %d elements but input rank is %d", name, len(values), rank)
	}
	return nil
}

// lowerSlice lowers SLICE(input, begin, size). A negative size takes everything
// up to the end of the axis.
func lowerSlice(c *converter, op *nn.Operation) (*graph.Tensor, error) {
	x, err := c.tensor(op, 0)
	if err != nil {
		return nil, err
	}
	begins, err := ReadVector[int32](c.resolver, op.Inputs[1])
	if err != nil {
		return nil, err
	}
	sizes, err := ReadVector[int32](c.resolver, op.Inputs[2])
	if err != nil {
		return nil, err
	}
	rank := x.Rank()
	if err := checkRankLength(begins, rank, "begin"); err != nil {
		return nil, err
	}
	if err := checkRankLength(sizes, rank, "size"); err != nil {
		return nil, err
	}
	start := make([]int, rank)
	end := make([]int, rank)
	stride := make([]int, rank)
	for i, dim := range x.Shape() {
		start[i] = int(begins[i])
		if sizes[i] < 0 {
			end[i] = dim - 1
		} else {
			end[i] = start[i] + int(sizes[i]) - 1
		}
		stride[i] = 1
	}
	return c.b.SubTensor(x, start, end, stride), nil
}

// lowerStridedSlice lowers STRIDED_SLICE(input, begin, end, strides,
// [beginMask, endMask, shrinkAxisMask, ellipsisMask, newAxisMask]).
//
// Shrunk axes keep their size-1 dimension. Negative strides are not supported.
func lowerStridedSlice(c *converter, op *nn.Operation) (*graph.Tensor, error) {
	x, err := c.tensor(op, 0)
	if err != nil {
		return nil, err
	}
	begins, err := ReadVector[int32](c.resolver, op.Inputs[1])
	if err != nil {
		return nil, err
	}
	ends, err := ReadVector[int32](c.resolver, op.Inputs[2])
	if err != nil {
		return nil, err
	}
	strides, err := ReadVector[int32](c.resolver, op.Inputs[3])
	if err != nil {
		return nil, err
	}
	var beginMask, endMask, shrinkMask, ellipsisMask, newAxisMask Bitmask
	for i, m := range []*Bitmask{&beginMask, &endMask, &shrinkMask, &ellipsisMask, &newAxisMask} {
		if err := c.resolver.ReadOptionalBitmask(op, 4+i, m); err != nil {
			return nil, err
		}
	}

	rank := x.Rank()
	if len(begins) > rank {
		return nil, errors.Wrapf(nn.ErrOpFailed, "begin has %d elements but input rank is %d", len(begins), rank)
	}
	if err := checkRankLength(ends, len(begins), "end"); err != nil {
		return nil, err
	}
	if err := checkRankLength(strides, len(begins), "strides"); err != nil {
		return nil, err
	}
	if ellipsisMask == 0 {
		if err := checkRankLength(begins, rank, "begin"); err != nil {
			return nil, err
		}
	} else if len(begins) < rank {
		// The ellipsis expands to full ranges on the missing axes.
		ellipsis := 0
		for ellipsis < rank && !ellipsisMask.Test(ellipsis) {
			ellipsis++
		}
		if ellipsis < rank {
			diff := rank - len(begins)
			begins = slices.Insert(begins, ellipsis, slices.Repeat([]int32{0}, diff)...)
			ends = slices.Insert(ends, ellipsis, slices.Repeat([]int32{-1}, diff)...)
			strides = slices.Insert(strides, ellipsis, slices.Repeat([]int32{1}, diff)...)
		}
		if err := checkRankLength(begins, rank, "begin"); err != nil {
			return nil, err
		}
	}

	start := make([]int, rank)
	end := make([]int, rank)
	stride := make([]int, rank)
	for i, dim := range x.Shape() {
		if beginMask.Test(i) || begins[i] < 0 {
			start[i] = 0
		} else {
			start[i] = int(begins[i])
		}
		if shrinkMask.Test(i) {
			end[i] = start[i]
			stride[i] = 1
			continue
		}
		if endMask.Test(i) || ends[i] < 0 {
			end[i] = dim - 1
		} else {
			end[i] = int(ends[i]) - 1
		}
		if strides[i] <= 0 {
			return nil, errors.Wrapf(nn.ErrOpFailed, "strides must be strictly positive, got %v", strides)
		}
		stride[i] = int(strides[i])
	}

	out := c.b.SubTensor(x, start, end, stride)
	if newAxisMask == 0 {
		return out, nil
	}
	return c.b.Reshape(out, backendShape(*c.model.Operand(op.Outputs[0]))), nil
}
