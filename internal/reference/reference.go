// Package reference computes operations on the host in float64. Results
// from compute programs are checked against it.
package reference

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/fxnlabs/nn-gpu/internal/gpu"
	"github.com/fxnlabs/nn-gpu/internal/kernel"
	"github.com/fxnlabs/nn-gpu/internal/model"
)

// Run computes op d over its tensor inputs, given in binding order. A
// missing bias is passed as nil.
func Run(d *kernel.Descriptor, inputs [][]float32) ([]float32, error) {
	need := 1
	switch d.Kind {
	case model.Add, model.Mul:
		need = 2
	case model.Conv2D, model.DepthwiseConv2D:
		need = 3
	case model.Concatenation:
		need = len(d.Parts)
	}
	if len(inputs) != need {
		return nil, fmt.Errorf("%s: want %d inputs, got %d", d.Kind, need, len(inputs))
	}
	switch d.Kind {
	case model.Add, model.Mul:
		return Binary(d, inputs[0], inputs[1]), nil
	case model.Logistic, model.Tanh, model.Relu, model.Relu1, model.Relu6:
		return Unary(d.Kind, inputs[0]), nil
	case model.Softmax:
		return Softmax(d, inputs[0]), nil
	case model.AveragePool2D, model.MaxPool2D, model.L2Pool2D:
		return Pool(d, inputs[0]), nil
	case model.LocalResponseNormalization:
		return LRN(d, inputs[0]), nil
	case model.Concatenation:
		return Concat(d, inputs), nil
	case model.Conv2D:
		return ConvBHWC(d, inputs[0], inputs[1], inputs[2]), nil
	case model.DepthwiseConv2D:
		return DepthwiseBHWC(d, inputs[0], inputs[1], inputs[2]), nil
	case model.Reshape:
		return append([]float32(nil), inputs[0]...), nil
	case model.ChannelExpand:
		return ChannelExpand(d, inputs[0]), nil
	default:
		return nil, fmt.Errorf("no reference for %s", d.Kind)
	}
}

// Activate applies a fused activation.
func Activate(code model.FuseCode, x float64) float64 {
	switch code {
	case model.FuseRelu:
		return math.Max(x, 0)
	case model.FuseRelu1:
		return math.Min(math.Max(x, -1), 1)
	case model.FuseRelu6:
		return math.Min(math.Max(x, 0), 6)
	default:
		return x
	}
}

// ConvBHWC computes a batch-height-width-channel convolution as the product
// of the im2col matrix of the input and the transposed OHWI filter.
func ConvBHWC(d *kernel.Descriptor, in, filter, bias []float32) []float32 {
	m, n, k := d.GemmM(), d.GemmN(), d.GemmK()
	cols := mat.NewDense(m, k, nil)
	row := 0
	for b := 0; b < d.Batch; b++ {
		for oy := 0; oy < d.Out.H; oy++ {
			for ox := 0; ox < d.Out.W; ox++ {
				for ky := 0; ky < d.Filter.H; ky++ {
					iy := oy*d.StrideH + ky*d.DilationH - d.PadTop
					if iy < 0 || iy >= d.In.H {
						continue
					}
					for kx := 0; kx < d.Filter.W; kx++ {
						ix := ox*d.StrideW + kx*d.DilationW - d.PadLeft
						if ix < 0 || ix >= d.In.W {
							continue
						}
						base := ((b*d.In.H+iy)*d.In.W + ix) * d.In.C
						col := (ky*d.Filter.W + kx) * d.In.C
						for ic := 0; ic < d.In.C; ic++ {
							cols.Set(row, col+ic, float64(in[base+ic]))
						}
					}
				}
				row++
			}
		}
	}
	weights := mat.NewDense(n, k, gpu.Float32ToFloat64(filter[:n*k]))

	var product mat.Dense
	product.Mul(cols, weights.T())

	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			v := product.At(i, j)
			if bias != nil {
				v += float64(bias[j])
			}
			out[i*n+j] = float32(Activate(d.Activation, v))
		}
	}
	return out
}

// DepthwiseBHWC computes a depthwise convolution with a [1, fh, fw, outC]
// filter.
func DepthwiseBHWC(d *kernel.Descriptor, in, filter, bias []float32) []float32 {
	mult := max(d.DepthMultiplier, 1)
	out := make([]float32, d.OutElements())
	for b := 0; b < d.Batch; b++ {
		for oy := 0; oy < d.Out.H; oy++ {
			for ox := 0; ox < d.Out.W; ox++ {
				for oc := 0; oc < d.Out.C; oc++ {
					var sum float64
					for ky := 0; ky < d.Filter.H; ky++ {
						iy := oy*d.StrideH + ky*d.DilationH - d.PadTop
						if iy < 0 || iy >= d.In.H {
							continue
						}
						for kx := 0; kx < d.Filter.W; kx++ {
							ix := ox*d.StrideW + kx*d.DilationW - d.PadLeft
							if ix < 0 || ix >= d.In.W {
								continue
							}
							sum += float64(in[((b*d.In.H+iy)*d.In.W+ix)*d.In.C+oc/mult]) *
								float64(filter[(ky*d.Filter.W+kx)*d.Out.C+oc])
						}
					}
					if bias != nil {
						sum += float64(bias[oc])
					}
					out[((b*d.Out.H+oy)*d.Out.W+ox)*d.Out.C+oc] = float32(Activate(d.Activation, sum))
				}
			}
		}
	}
	return out
}

// Pool computes average, max or L2 pooling. Padded positions are excluded
// from averages.
func Pool(d *kernel.Descriptor, in []float32) []float32 {
	out := make([]float32, d.OutElements())
	for b := 0; b < d.Batch; b++ {
		for oy := 0; oy < d.Out.H; oy++ {
			for ox := 0; ox < d.Out.W; ox++ {
				for c := 0; c < d.Out.C; c++ {
					acc := 0.0
					if d.Kind == model.MaxPool2D {
						acc = math.Inf(-1)
					}
					count := 0
					for ky := 0; ky < d.Filter.H; ky++ {
						iy := oy*d.StrideH + ky - d.PadTop
						for kx := 0; kx < d.Filter.W; kx++ {
							ix := ox*d.StrideW + kx - d.PadLeft
							if iy < 0 || iy >= d.In.H || ix < 0 || ix >= d.In.W {
								continue
							}
							v := float64(in[((b*d.In.H+iy)*d.In.W+ix)*d.In.C+c])
							switch d.Kind {
							case model.MaxPool2D:
								acc = math.Max(acc, v)
							case model.L2Pool2D:
								acc += v * v
							default:
								acc += v
							}
							count++
						}
					}
					switch {
					case count == 0:
						acc = 0
					case d.Kind == model.AveragePool2D:
						acc /= float64(count)
					case d.Kind == model.L2Pool2D:
						acc = math.Sqrt(acc / float64(count))
					}
					out[((b*d.Out.H+oy)*d.Out.W+ox)*d.Out.C+c] = float32(Activate(d.Activation, acc))
				}
			}
		}
	}
	return out
}

// LRN normalizes each element by the squared sum of its depth neighbours.
func LRN(d *kernel.Descriptor, in []float32) []float32 {
	out := make([]float32, len(in))
	depth := d.In.C
	for base := 0; base < len(in); base += depth {
		for c := 0; c < depth; c++ {
			var sum float64
			for k := max(c-d.Radius, 0); k <= min(c+d.Radius, depth-1); k++ {
				v := float64(in[base+k])
				sum += v * v
			}
			scale := math.Pow(float64(d.Bias)+float64(d.Alpha)*sum, float64(d.Beta))
			out[base+c] = float32(float64(in[base+c]) / scale)
		}
	}
	return out
}

// Softmax normalizes each row of the innermost dimension, subtracting the
// row maximum first.
func Softmax(d *kernel.Descriptor, in []float32) []float32 {
	out := make([]float32, len(in))
	cols := d.In.C
	beta := float64(d.Beta)
	for base := 0; base < len(in); base += cols {
		row := in[base : base+cols]
		m := math.Inf(-1)
		for _, v := range row {
			m = math.Max(m, float64(v))
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp((float64(v) - m) * beta)
		}
		for i, v := range row {
			out[base+i] = float32(math.Exp((float64(v)-m)*beta) / sum)
		}
	}
	return out
}

// Binary computes Add or Mul with NHWC broadcasting.
func Binary(d *kernel.Descriptor, a, b []float32) []float32 {
	outDims := [4]int{max(d.Batch, d.Batch2), d.Out.H, d.Out.W, d.Out.C}
	aDims := [4]int{d.Batch, d.In.H, d.In.W, d.In.C}
	bDims := [4]int{d.Batch2, d.In2.H, d.In2.W, d.In2.C}
	out := make([]float32, outDims[0]*outDims[1]*outDims[2]*outDims[3])
	for i := range out {
		idx := unravel(i, outDims)
		x := float64(a[ravel(idx, aDims)])
		y := float64(b[ravel(idx, bDims)])
		v := x + y
		if d.Kind == model.Mul {
			v = x * y
		}
		out[i] = float32(Activate(d.Activation, v))
	}
	return out
}

// Unary computes the elementwise activations.
func Unary(kind model.OperationType, in []float32) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		x := float64(v)
		switch kind {
		case model.Logistic:
			x = 1 / (1 + math.Exp(-x))
		case model.Tanh:
			x = math.Tanh(x)
		case model.Relu:
			x = Activate(model.FuseRelu, x)
		case model.Relu1:
			x = Activate(model.FuseRelu1, x)
		case model.Relu6:
			x = Activate(model.FuseRelu6, x)
		}
		out[i] = float32(x)
	}
	return out
}

// Concat joins the parts along the descriptor's NHWC axis.
func Concat(d *kernel.Descriptor, parts [][]float32) []float32 {
	outDims := [4]int{d.Batch, d.Out.H, d.Out.W, d.Out.C}
	out := make([]float32, outDims[0]*outDims[1]*outDims[2]*outDims[3])
	offset := 0
	for p, part := range d.Parts {
		dims := [4]int{part.Batch, part.H, part.W, part.C}
		for i, v := range parts[p] {
			idx := unravel(i, dims)
			idx[d.Axis] += offset
			out[ravel(idx, outDims)] = v
		}
		offset += dims[d.Axis]
	}
	return out
}

// ChannelExpand pads 3-channel pixels to 4 channels with zeros.
func ChannelExpand(d *kernel.Descriptor, in []float32) []float32 {
	pixels := len(in) / 3
	out := make([]float32, pixels*4)
	for i := 0; i < pixels; i++ {
		copy(out[i*4:i*4+3], in[i*3:i*3+3])
	}
	return out
}

func unravel(i int, dims [4]int) [4]int {
	return [4]int{
		i / (dims[3] * dims[2] * dims[1]),
		(i / (dims[3] * dims[2])) % dims[1],
		(i / dims[3]) % dims[2],
		i % dims[3],
	}
}

// ravel indexes dims, broadcasting axes of size one.
func ravel(idx, dims [4]int) int {
	return (((idx[0]%dims[0])*dims[1]+idx[1]%dims[1])*dims[2]+idx[2]%dims[2])*dims[3] + idx[3]%dims[3]
}
