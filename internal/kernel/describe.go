package kernel

import (
	"fmt"

	"github.com/fxnlabs/nn-gpu/internal/model"
)

// ValueReader reads constant scalar operands.
type ValueReader interface {
	Int(operand int) (int, error)
	Float(operand int) (float32, error)
	Bool(operand int) (bool, error)
}

// TensorInputs is the number of leading inputs of an operation that are
// tensors bound as buffers; the rest are scalar parameters.
func TensorInputs(op model.Operation) int {
	switch op.Type {
	case model.Add, model.Mul:
		return 2
	case model.Conv2D, model.DepthwiseConv2D:
		return 3
	case model.Concatenation:
		return len(op.Inputs) - 1
	default:
		return 1
	}
}

// nhwc right-aligns dims of rank 0 to 4 into batch, height, width and depth.
func nhwc(dims []int) (int, Shape, error) {
	if len(dims) > 4 {
		return 0, Shape{}, fmt.Errorf("rank %d tensors are not supported", len(dims))
	}
	full := [4]int{1, 1, 1, 1}
	copy(full[4-len(dims):], dims)
	for _, d := range full {
		if d <= 0 {
			return 0, Shape{}, fmt.Errorf("dimensions %v are not fully specified", dims)
		}
	}
	return full[0], Shape{H: full[1], W: full[2], C: full[3]}, nil
}

// Describe builds the descriptor of op from the model's operand metadata
// and constant scalars.
func Describe(m *model.Model, op model.Operation, values ValueReader) (*Descriptor, error) {
	if len(op.Outputs) != 1 {
		return nil, fmt.Errorf("%s: want 1 output, got %d", op.Type, len(op.Outputs))
	}
	if len(op.Inputs) < 1 {
		return nil, fmt.Errorf("%s: no inputs", op.Type)
	}
	d := &Descriptor{Kind: op.Type}
	r := &reader{m: m, op: op, values: values}
	var err error
	if d.Batch, d.In, err = nhwc(r.dims(0)); err != nil {
		return nil, fmt.Errorf("%s input: %w", op.Type, err)
	}
	outBatch, out, err := nhwc(m.Operands[op.Outputs[0]].Dimensions)
	if err != nil {
		return nil, fmt.Errorf("%s output: %w", op.Type, err)
	}
	d.Out = out

	switch op.Type {
	case model.Add, model.Mul:
		r.want(3)
		if d.Batch2, d.In2, err = nhwc(r.dims(1)); err != nil {
			return nil, fmt.Errorf("%s input 1: %w", op.Type, err)
		}
		d.Broadcast = d.Batch != d.Batch2 || d.In != d.In2
		d.Activation = model.FuseCode(r.int(2))
	case model.Logistic, model.Tanh, model.Relu, model.Relu1, model.Relu6:
		r.want(1)
	case model.Softmax:
		r.want(2)
		d.Beta = r.float(1)
		d.LastAxis = true
	case model.LocalResponseNormalization:
		if len(op.Inputs) == 6 {
			axis := r.int(5)
			if axis != -1 && axis != len(r.dims(0))-1 {
				return nil, fmt.Errorf("%s: only the last axis is supported, got %d", op.Type, axis)
			}
		} else {
			r.want(5)
		}
		d.Radius = r.int(1)
		d.Bias = r.float(2)
		d.Alpha = r.float(3)
		d.Beta = r.float(4)
		d.LastAxis = true
	case model.AveragePool2D, model.MaxPool2D, model.L2Pool2D:
		err = r.pool(d)
	case model.Conv2D:
		err = r.conv(d, false)
	case model.DepthwiseConv2D:
		err = r.conv(d, true)
	case model.Concatenation:
		err = r.concat(d)
	case model.Reshape:
		r.want(2)
		d.Batch2 = outBatch
	default:
		return nil, fmt.Errorf("operation %s is not supported", op.Type)
	}
	if err == nil {
		err = r.err
	}
	if err != nil {
		return nil, err
	}
	if op.Type != model.Reshape && op.Type != model.Concatenation && outBatch != max(d.Batch, d.Batch2) {
		return nil, fmt.Errorf("%s: output batch %d does not match input batch %d", op.Type, outBatch, d.Batch)
	}
	return d, nil
}

// reader collects the first error of a sequence of operand reads.
type reader struct {
	m      *model.Model
	op     model.Operation
	values ValueReader
	err    error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%s: %w", r.op.Type, err)
	}
}

func (r *reader) want(n int) {
	if len(r.op.Inputs) != n {
		r.fail(fmt.Errorf("want %d inputs, got %d", n, len(r.op.Inputs)))
	}
}

func (r *reader) operand(i int) (model.Operand, bool) {
	if i >= len(r.op.Inputs) {
		r.fail(fmt.Errorf("missing input %d", i))
		return model.Operand{}, false
	}
	return r.m.Operands[r.op.Inputs[i]], true
}

func (r *reader) dims(i int) []int {
	o, _ := r.operand(i)
	return o.Dimensions
}

func (r *reader) int(i int) int {
	if _, ok := r.operand(i); !ok || r.err != nil {
		return 0
	}
	v, err := r.values.Int(r.op.Inputs[i])
	if err != nil {
		r.fail(fmt.Errorf("input %d: %w", i, err))
	}
	return v
}

func (r *reader) float(i int) float32 {
	if _, ok := r.operand(i); !ok || r.err != nil {
		return 0
	}
	v, err := r.values.Float(r.op.Inputs[i])
	if err != nil {
		r.fail(fmt.Errorf("input %d: %w", i, err))
	}
	return v
}

// isBool reports whether input i exists and is a boolean scalar, which is
// how the optional layout flag tells the two operand signatures apart.
func (r *reader) isBool(i int) bool {
	return i < len(r.op.Inputs) && r.m.Operands[r.op.Inputs[i]].Type == model.Bool
}

// layout rejects NCHW data layout flags.
func (r *reader) layout(i int) {
	if i >= len(r.op.Inputs) || r.err != nil {
		return
	}
	nchw, err := r.values.Bool(r.op.Inputs[i])
	if err != nil {
		r.fail(fmt.Errorf("input %d: %w", i, err))
		return
	}
	if nchw {
		r.fail(fmt.Errorf("NCHW layout is not supported"))
	}
}

// implicitPadding resolves a padding scheme along one axis.
func implicitPadding(scheme model.PaddingScheme, in, stride, filter, dilation int) (head, tail int, err error) {
	effective := (filter-1)*dilation + 1
	switch scheme {
	case model.PaddingSame:
		out := ceilDiv(in, stride)
		total := max((out-1)*stride+effective-in, 0)
		return total / 2, total - total/2, nil
	case model.PaddingValid:
		return 0, 0, nil
	default:
		return 0, 0, fmt.Errorf("unknown padding scheme %d", scheme)
	}
}

// checkOutput verifies the output extent implied by padding, stride and
// dilation against the operand's dimensions.
func checkOutput(d *Descriptor) error {
	effH := (d.Filter.H-1)*d.DilationH + 1
	effW := (d.Filter.W-1)*d.DilationW + 1
	if d.StrideH <= 0 || d.StrideW <= 0 {
		return fmt.Errorf("%s: stride must be positive", d.Kind)
	}
	h := (d.In.H+d.PadTop+d.PadBottom-effH)/d.StrideH + 1
	w := (d.In.W+d.PadLeft+d.PadRight-effW)/d.StrideW + 1
	if h != d.Out.H || w != d.Out.W {
		return fmt.Errorf("%s: output %dx%d does not match computed %dx%d", d.Kind, d.Out.H, d.Out.W, h, w)
	}
	return nil
}

func (r *reader) padding(d *Descriptor, scheme model.PaddingScheme) {
	if r.err != nil {
		return
	}
	var err error
	if d.PadTop, d.PadBottom, err = implicitPadding(scheme, d.In.H, d.StrideH, d.Filter.H, d.DilationH); err != nil {
		r.fail(err)
		return
	}
	if d.PadLeft, d.PadRight, err = implicitPadding(scheme, d.In.W, d.StrideW, d.Filter.W, d.DilationW); err != nil {
		r.fail(err)
	}
}

// pool reads the explicit (10 or 11 inputs) or implicit (7 or 8 inputs)
// pooling signature.
func (r *reader) pool(d *Descriptor) error {
	d.DilationH, d.DilationW = 1, 1
	d.Filter.C = d.In.C
	switch n := len(r.op.Inputs); {
	case n == 7 || n == 8 && r.isBool(7):
		d.StrideW, d.StrideH = r.int(2), r.int(3)
		d.Filter.W, d.Filter.H = r.int(4), r.int(5)
		d.Activation = model.FuseCode(r.int(6))
		r.layout(7)
		r.padding(d, model.PaddingScheme(r.int(1)))
	case n == 10 || n == 11:
		d.PadLeft, d.PadRight, d.PadTop, d.PadBottom = r.int(1), r.int(2), r.int(3), r.int(4)
		d.StrideW, d.StrideH = r.int(5), r.int(6)
		d.Filter.W, d.Filter.H = r.int(7), r.int(8)
		d.Activation = model.FuseCode(r.int(9))
		r.layout(10)
	default:
		return fmt.Errorf("%s: unexpected input count %d", d.Kind, n)
	}
	if r.err != nil {
		return r.err
	}
	return checkOutput(d)
}

// conv reads CONV_2D and DEPTHWISE_CONV_2D. Depthwise carries the depth
// multiplier before the fuse code, which shifts the trailing inputs by one.
func (r *reader) conv(d *Descriptor, depthwise bool) error {
	filter := r.dims(1)
	if len(filter) != 4 {
		return fmt.Errorf("%s: filter must be rank 4, got %v", d.Kind, filter)
	}
	d.Filter.H, d.Filter.W = filter[1], filter[2]
	if depthwise {
		d.Filter.C = 1
		if filter[0] != 1 || filter[3] != d.Out.C {
			return fmt.Errorf("%s: filter %v does not produce depth %d", d.Kind, filter, d.Out.C)
		}
	} else {
		d.Filter.C = filter[3]
		if filter[0] != d.Out.C {
			return fmt.Errorf("%s: filter %v does not produce depth %d", d.Kind, filter, d.Out.C)
		}
	}
	bias, _ := r.operand(2)
	d.HasBias = bias.Lifetime != model.NoValue
	if d.HasBias && bias.ElementCount() != d.Out.C {
		return fmt.Errorf("%s: bias of %d elements for depth %d", d.Kind, bias.ElementCount(), d.Out.C)
	}

	shift := 0
	if depthwise {
		shift = 1
	}
	d.DilationH, d.DilationW = 1, 1
	n := len(r.op.Inputs)
	implicit := n == 7+shift || n > 7+shift && r.isBool(7+shift)
	if implicit {
		d.StrideW, d.StrideH = r.int(4), r.int(5)
		if depthwise {
			d.DepthMultiplier = r.int(6)
		}
		d.Activation = model.FuseCode(r.int(6 + shift))
		r.layout(7 + shift)
		if n >= 10+shift {
			d.DilationW, d.DilationH = r.int(8+shift), r.int(9+shift)
		}
		r.padding(d, model.PaddingScheme(r.int(3)))
	} else {
		if n < 10+shift {
			return fmt.Errorf("%s: unexpected input count %d", d.Kind, n)
		}
		d.PadLeft, d.PadRight, d.PadTop, d.PadBottom = r.int(3), r.int(4), r.int(5), r.int(6)
		d.StrideW, d.StrideH = r.int(7), r.int(8)
		if depthwise {
			d.DepthMultiplier = r.int(9)
		}
		d.Activation = model.FuseCode(r.int(9 + shift))
		r.layout(10 + shift)
		if n >= 13+shift {
			d.DilationW, d.DilationH = r.int(11+shift), r.int(12+shift)
		}
	}
	if r.err != nil {
		return r.err
	}
	if d.DilationH <= 0 || d.DilationW <= 0 {
		return fmt.Errorf("%s: dilation must be positive", d.Kind)
	}
	return checkOutput(d)
}

func (r *reader) concat(d *Descriptor) error {
	n := len(r.op.Inputs) - 1
	if n < 1 {
		return fmt.Errorf("%s: no inputs to concatenate", d.Kind)
	}
	rank := len(r.dims(0))
	axis := r.int(n)
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return fmt.Errorf("%s: axis %d out of range for rank %d", d.Kind, axis, rank)
	}
	d.Axis = axis + 4 - rank
	d.LastAxis = axis == rank-1
	for i := 0; i < n; i++ {
		dims := r.dims(i)
		if len(dims) != rank {
			return fmt.Errorf("%s: input %d has rank %d, want %d", d.Kind, i, len(dims), rank)
		}
		b, s, err := nhwc(dims)
		if err != nil {
			return fmt.Errorf("%s input %d: %w", d.Kind, i, err)
		}
		d.Parts = append(d.Parts, Part{Batch: b, Shape: s})
	}
	outBatch, _, err := nhwc(r.m.Operands[r.op.Outputs[0]].Dimensions)
	if err != nil {
		return err
	}
	// The output batch differs from the first input's when joining on it.
	d.Batch = outBatch
	d.In = d.Parts[0].Shape
	return r.err
}
