package convert

import (
	"github.com/gomlx/go-nnapi/graph"
	"github.com/gomlx/go-nnapi/nn"
	"github.com/pkg/errors"
)

// window holds the resolved spatial parameters of a pooling or convolution.
type window struct {
	strides, dilations, padBegin, padEnd []int
}

// spatialPadding computes the [height, width] padding for an input of size
// (inH, inW) and a filter of size (filterH, filterW).
func spatialPadding(code nn.PaddingCode, inH, inW, filterH, filterW int, w *window) error {
	w.padBegin = make([]int, 2)
	w.padEnd = make([]int, 2)
	var err error
	w.padBegin[0], w.padEnd[0], err = ComputePadding(code, inH, w.strides[0], filterH, w.dilations[0])
	if err != nil {
		return err
	}
	w.padBegin[1], w.padEnd[1], err = ComputePadding(code, inW, w.strides[1], filterW, w.dilations[1])
	return err
}

// readStrides reads the (width, height) stride pair at positions pos and pos+1.
func (c *converter) readStrides(op *nn.Operation, pos int) ([]int, error) {
	strideW, err := ReadScalar[int32](c.resolver, op.Inputs[pos])
	if err != nil {
		return nil, err
	}
	strideH, err := ReadScalar[int32](c.resolver, op.Inputs[pos+1])
	if err != nil {
		return nil, err
	}
	return []int{int(strideH), int(strideW)}, nil
}

func lowerPool(c *converter, op *nn.Operation) (*graph.Tensor, error) {
	x, err := c.tensor(op, 0)
	if err != nil {
		return nil, err
	}
	padding, err := ReadScalar[int32](c.resolver, op.Inputs[1])
	if err != nil {
		return nil, err
	}
	w := &window{dilations: []int{1, 1}}
	if w.strides, err = c.readStrides(op, 2); err != nil {
		return nil, err
	}
	filterW, err := ReadScalar[int32](c.resolver, op.Inputs[4])
	if err != nil {
		return nil, err
	}
	filterH, err := ReadScalar[int32](c.resolver, op.Inputs[5])
	if err != nil {
		return nil, err
	}
	fuse, err := c.readFuse(op, 6)
	if err != nil {
		return nil, err
	}
	var isNCHW bool
	if err := ReadOptionalScalar(c.resolver, op, 7, &isNCHW); err != nil {
		return nil, err
	}

	inH, inW, err := inputHW(x.Shape(), isNCHW)
	if err != nil {
		return nil, err
	}
	if err := spatialPadding(nn.PaddingCode(padding), inH, inW, int(filterH), int(filterW), w); err != nil {
		return nil, err
	}
	kind := graph.OpAvgPool2D
	if op.Code == nn.MaxPool2D {
		kind = graph.OpMaxPool2D
	}
	out := c.b.Pool2D(kind, toBackendInput(c.b, x, isNCHW),
		[]int{int(filterH), int(filterW)}, w.strides, w.padBegin, w.padEnd)
	return applyFuse(c.b, fromBackendOutput(c.b, out, isNCHW), fuse)
}

// lowerConv lowers CONV_2D and DEPTHWISE_CONV_2D. Depthwise convolutions take
// the depth multiplier at position 6, which shifts the optional parameters
// that follow by one.
func lowerConv(c *converter, op *nn.Operation) (*graph.Tensor, error) {
	depthwise := op.Code == nn.DepthwiseConv2D
	x, err := c.tensor(op, 0)
	if err != nil {
		return nil, err
	}
	filter, err := c.tensor(op, 1)
	if err != nil {
		return nil, err
	}
	padding, err := ReadScalar[int32](c.resolver, op.Inputs[3])
	if err != nil {
		return nil, err
	}
	w := &window{}
	if w.strides, err = c.readStrides(op, 4); err != nil {
		return nil, err
	}

	pos := 6
	multiplier := int32(1)
	if depthwise {
		if err := ReadOptionalScalar(c.resolver, op, pos, &multiplier); err != nil {
			return nil, err
		}
		pos++
	}
	fuse, err := c.readFuse(op, pos)
	if err != nil {
		return nil, err
	}
	var isNCHW, isHWIO bool
	if err := ReadOptionalScalar(c.resolver, op, pos+1, &isNCHW); err != nil {
		return nil, err
	}
	if err := ReadOptionalScalar(c.resolver, op, pos+2, &isHWIO); err != nil {
		return nil, err
	}
	dilationW, dilationH := int32(1), int32(1)
	if err := ReadOptionalScalar(c.resolver, op, pos+3, &dilationW); err != nil {
		return nil, err
	}
	if err := ReadOptionalScalar(c.resolver, op, pos+4, &dilationH); err != nil {
		return nil, err
	}
	w.dilations = []int{int(dilationH), int(dilationW)}

	inH, inW, err := inputHW(x.Shape(), isNCHW)
	if err != nil {
		return nil, err
	}
	filterH, filterW, err := filterHW(filter.Shape(), isHWIO)
	if err != nil {
		return nil, err
	}
	if err := spatialPadding(nn.PaddingCode(padding), inH, inW, filterH, filterW, w); err != nil {
		return nil, err
	}

	in := toBackendInput(c.b, x, isNCHW)
	oihw := toBackendFilter(c.b, filter, isHWIO)
	var out *graph.Tensor
	if depthwise {
		if oihw, err = depthwiseFilter(c.b, in, oihw, int(multiplier)); err != nil {
			return nil, err
		}
		out = c.b.DepthwiseConv2D(in, oihw, w.strides, w.padBegin, w.padEnd, w.dilations)
	} else {
		out = c.b.Conv2D(in, oihw, w.strides, w.padBegin, w.padEnd, w.dilations)
	}
	out = fromBackendOutput(c.b, out, isNCHW)

	out, err = c.addBias(op, out, isNCHW)
	if err != nil {
		return nil, err
	}
	return applyFuse(c.b, out, fuse)
}

// depthwiseFilter reshapes an OIHW depthwise filter to [C*multiplier, 1, H, W].
// Depthwise filters come as [1, H, W, C*multiplier] (or [H, W, 1, C*multiplier]
// for HWIO), so after the OIHW transpose the channels may be on either of the
// first two axes.
func depthwiseFilter(b *graph.Builder, in, oihw *graph.Tensor, multiplier int) (*graph.Tensor, error) {
	if in == nil || oihw == nil {
		return nil, nil
	}
	if multiplier <= 0 {
		return nil, errors.Wrapf(nn.ErrBadData, "depth multiplier must be positive, got %d", multiplier)
	}
	f := oihw.Shape()
	outChannels := f[0] * f[1]
	if f[0] != 1 && f[1] != 1 {
		return nil, errors.Wrapf(nn.ErrOpFailed, "filter %v is not a depthwise filter", f)
	}
	if inChannels := in.Shape()[1]; outChannels != inChannels*multiplier {
		return nil, errors.Wrapf(nn.ErrOpFailed, "depthwise filter has %d output channels, expected %d input channels x multiplier %d",
			outChannels, inChannels, multiplier)
	}
	if f[1] == 1 {
		return oihw, nil
	}
	return b.Reshape(oihw, []int{outChannels, 1, f[2], f[3]}), nil
}

// addBias adds the rank-1 bias at input 2 to out. A scalar bias operand means
// no bias.
func (c *converter) addBias(op *nn.Operation, out *graph.Tensor, isNCHW bool) (*graph.Tensor, error) {
	biasType := c.model.Operand(op.Inputs[2])
	switch biasType.Rank() {
	case 0:
		return out, nil
	case 1:
	default:
		return nil, errors.Wrapf(nn.ErrOpFailed, "bias operand must be rank 0 or 1, got %s", biasType)
	}
	bias, err := c.tensor(op, 2)
	if err != nil {
		return nil, err
	}
	if isNCHW {
		// Channels are on axis 1: align the bias with it.
		bias = c.b.Reshape(bias, []int{bias.Shape()[0], 1, 1})
	}
	return c.b.Add(out, bias), nil
}
