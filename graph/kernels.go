package graph

import (
	"math"
)

// stridesOf returns the row-major strides of shape.
func stridesOf(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// broadcastStrides returns the strides to walk shape while iterating over
// outShape: broadcast axes get stride 0.
func broadcastStrides(shape, outShape []int) []int {
	rank := len(outShape)
	strides := make([]int, rank)
	offset := rank - len(shape)
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		if shape[i] != 1 {
			strides[i+offset] = stride
		}
		stride *= shape[i]
	}
	return strides
}

// walk iterates over every position of outShape in row-major order, calling fn
// with the output flat index and the flat index into an input laid out with
// the given strides, starting at base.
func walk(outShape, strides []int, base int, fn func(outIdx, inIdx int)) {
	size := numElements(outShape)
	idx := make([]int, len(outShape))
	in := base
	for o := range size {
		fn(o, in)
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			in += strides[d]
			if idx[d] < outShape[d] {
				break
			}
			in -= strides[d] * outShape[d]
			idx[d] = 0
		}
	}
}

var binaryFns = map[OpType]func(x, y float64) float64{
	OpAdd: func(x, y float64) float64 { return x + y },
	OpSub: func(x, y float64) float64 { return x - y },
	OpMul: func(x, y float64) float64 { return x * y },
	OpDiv: func(x, y float64) float64 { return x / y },
	OpMax: math.Max,
	OpMin: math.Min,
}

func execBinary(n *Node, args []*value) []float64 {
	x, y := args[0], args[1]
	fn := binaryFns[n.Op]
	out := getBuffer(numElements(n.Shape))
	xs := broadcastStrides(x.shape, n.Shape)
	ys := broadcastStrides(y.shape, n.Shape)
	idx := make([]int, len(n.Shape))
	xi, yi := 0, 0
	for o := range out {
		out[o] = fn(x.flat[xi], y.flat[yi])
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			xi += xs[d]
			yi += ys[d]
			if idx[d] < n.Shape[d] {
				break
			}
			xi -= xs[d] * n.Shape[d]
			yi -= ys[d] * n.Shape[d]
			idx[d] = 0
		}
	}
	return out
}

func execMatMul(n *Node, args []*value) []float64 {
	x, y := args[0], args[1]
	m, k, cols := x.shape[0], x.shape[1], y.shape[1]
	out := getZeroBuffer(m * cols)
	for i := range m {
		for kk := range k {
			a := x.flat[i*k+kk]
			for j := range cols {
				out[i*cols+j] += a * y.flat[kk*cols+j]
			}
		}
	}
	return out
}

func execUnary(n *Node, args []*value) []float64 {
	x := args[0]
	out := getBuffer(len(x.flat))
	var fn func(float64) float64
	switch n.Op {
	case OpRelu:
		fn = func(v float64) float64 { return max(v, 0) }
	case OpExp:
		fn = math.Exp
	case OpSqrt:
		fn = math.Sqrt
	}
	for i, v := range x.flat {
		out[i] = fn(v)
	}
	return out
}

func execBoundedRelu(n *Node, args []*value) []float64 {
	x := args[0]
	out := getBuffer(len(x.flat))
	low, high, scale := float64(n.Low), float64(n.High), float64(n.Scale)
	for i, v := range x.flat {
		if v < 0 {
			v *= scale
		}
		out[i] = min(max(v, low), high)
	}
	return out
}

func execTranspose(n *Node, args []*value) []float64 {
	x := args[0]
	out := getBuffer(len(x.flat))
	inStrides := stridesOf(x.shape)
	strides := make([]int, len(n.Perm))
	for i, p := range n.Perm {
		strides[i] = inStrides[p]
	}
	walk(n.Shape, strides, 0, func(o, in int) {
		out[o] = x.flat[in]
	})
	return out
}

func execReshape(_ *Node, args []*value) []float64 {
	out := getBuffer(len(args[0].flat))
	copy(out, args[0].flat)
	return out
}

func execCast(_ *Node, args []*value) []float64 {
	return execReshape(nil, args)
}

func execSubTensor(n *Node, args []*value) []float64 {
	x := args[0]
	out := getBuffer(numElements(n.Shape))
	inStrides := stridesOf(x.shape)
	strides := make([]int, len(inStrides))
	base := 0
	for i, s := range inStrides {
		base += n.Start[i] * s
		strides[i] = n.Stride[i] * s
	}
	walk(n.Shape, strides, base, func(o, in int) {
		out[o] = x.flat[in]
	})
	return out
}

func execConcat(n *Node, args []*value) []float64 {
	out := getBuffer(numElements(n.Shape))
	outer := numElements(n.Shape[:n.Axis])
	pos := 0
	for o := range outer {
		for _, x := range args {
			block := numElements(x.shape[n.Axis:])
			copy(out[pos:pos+block], x.flat[o*block:(o+1)*block])
			pos += block
		}
	}
	return out
}

func execSoftmax(n *Node, args []*value) []float64 {
	x := args[0]
	out := getBuffer(len(x.flat))
	axisDim := n.Shape[n.Axis]
	outer := numElements(n.Shape[:n.Axis])
	inner := numElements(n.Shape[n.Axis+1:])
	beta := float64(n.Beta)
	for o := range outer {
		for i := range inner {
			base := o*axisDim*inner + i
			maxV := math.Inf(-1)
			for a := range axisDim {
				maxV = max(maxV, x.flat[base+a*inner]*beta)
			}
			var sum float64
			for a := range axisDim {
				e := math.Exp(x.flat[base+a*inner]*beta - maxV)
				out[base+a*inner] = e
				sum += e
			}
			for a := range axisDim {
				out[base+a*inner] /= sum
			}
		}
	}
	return out
}

func execPool2D(n *Node, args []*value) []float64 {
	x := args[0]
	batch, channels, inH, inW := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	outH, outW := n.Shape[2], n.Shape[3]
	out := getBuffer(numElements(n.Shape))
	isMax := n.Op == OpMaxPool2D
	o := 0
	for b := range batch {
		for c := range channels {
			plane := x.flat[(b*channels+c)*inH*inW:][:inH*inW]
			for oh := range outH {
				for ow := range outW {
					h0 := oh*n.Strides[0] - n.PadBegin[0]
					w0 := ow*n.Strides[1] - n.PadBegin[1]
					acc := math.Inf(-1)
					if !isMax {
						acc = 0
					}
					count := 0
					for kh := range n.Window[0] {
						h := h0 + kh
						if h < 0 || h >= inH {
							continue
						}
						for kw := range n.Window[1] {
							w := w0 + kw
							if w < 0 || w >= inW {
								continue
							}
							v := plane[h*inW+w]
							if isMax {
								acc = max(acc, v)
							} else {
								acc += v
							}
							count++
						}
					}
					switch {
					case count == 0:
						acc = 0
					case !isMax:
						acc /= float64(count)
					}
					out[o] = acc
					o++
				}
			}
		}
	}
	return out
}

func execConv2D(n *Node, args []*value) []float64 {
	x, filter := args[0], args[1]
	batch, inC, inH, inW := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	outC, fInC, fH, fW := filter.shape[0], filter.shape[1], filter.shape[2], filter.shape[3]
	outH, outW := n.Shape[2], n.Shape[3]
	depthwise := n.Op == OpDepthwiseConv2D
	multiplier := 1
	if depthwise {
		multiplier = outC / inC
	}
	out := getZeroBuffer(numElements(n.Shape))
	for b := range batch {
		for oc := range outC {
			kernel := filter.flat[oc*fInC*fH*fW:][:fInC*fH*fW]
			dst := out[(b*outC+oc)*outH*outW:][:outH*outW]
			for fc := range fInC {
				ic := fc
				if depthwise {
					ic = oc / multiplier
				}
				plane := x.flat[(b*inC+ic)*inH*inW:][:inH*inW]
				for kh := range fH {
					for kw := range fW {
						weight := kernel[(fc*fH+kh)*fW+kw]
						for oh := range outH {
							h := oh*n.Strides[0] - n.PadBegin[0] + kh*n.Dilations[0]
							if h < 0 || h >= inH {
								continue
							}
							for ow := range outW {
								w := ow*n.Strides[1] - n.PadBegin[1] + kw*n.Dilations[1]
								if w < 0 || w >= inW {
									continue
								}
								dst[oh*outW+ow] += weight * plane[h*inW+w]
							}
						}
					}
				}
			}
		}
	}
	return out
}
