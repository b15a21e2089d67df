package kernel

import (
	"math"

	"github.com/fxnlabs/nn-gpu/internal/gpu"
	"github.com/fxnlabs/nn-gpu/internal/model"
)

var elementwiseLocal = [3]int{64, 1, 1}

func elementwiseHeuristic(*Descriptor) TuningParameters {
	return fixedParams(elementwiseLocal, [3]int{1, 1, 1})
}

// binary implements Add and Mul, one invocation per output element.
type binary struct {
	single
	kind model.OperationType
	op   int
}

func (b binary) Kind() model.OperationType { return b.kind }
func (b binary) Name() string              { return b.kind.String() }

func (b binary) Supported(d *Descriptor) bool {
	in1 := [4]int{d.Batch, d.In.H, d.In.W, d.In.C}
	in2 := [4]int{d.Batch2, d.In2.H, d.In2.W, d.In2.C}
	out := [4]int{max(d.Batch, d.Batch2), d.Out.H, d.Out.W, d.Out.C}
	for axis := 0; axis < 4; axis++ {
		if in1[axis] != in2[axis] && in1[axis] != 1 && in2[axis] != 1 {
			return false
		}
		if max(in1[axis], in2[axis]) != out[axis] {
			return false
		}
	}
	return true
}

func (b binary) Specialize(d *Descriptor, p TuningParameters) Specialization {
	return Specialization{
		Entry: "binary",
		Local: p.Local,
		Overrides: []Override{
			u32("OP", b.op),
			u32("ACTIVATION", int(d.Activation)),
			boolean("BROADCAST", d.Broadcast),
		},
	}
}

func (b binary) Plan(d *Descriptor, p TuningParameters) []Dispatch {
	batch := max(d.Batch, d.Batch2)
	n := batch * d.Out.H * d.Out.W * d.Out.C
	groups, span := linearGroups(n, p.Local[0], d.groupLimit())
	u := gpu.Uniforms{}.AppendInt(n, span,
		batch, d.Out.H, d.Out.W, d.Out.C,
		d.Batch, d.In.H, d.In.W, d.In.C,
		d.Batch2, d.In2.H, d.In2.W, d.In2.C)
	return []Dispatch{{Bindings: []int{0, 1, 2}, Uniforms: u, Groups: groups}}
}

const binaryDecls = `
struct Params {
  n: u32, span: u32,
  ob: u32, oh: u32, ow: u32, oc: u32,
  ab: u32, ah: u32, aw: u32, ac: u32,
  bb: u32, bh: u32, bw: u32, bc: u32,
}
@group(0) @binding(0) var<storage, read> lhs: array<f32>;
@group(0) @binding(1) var<storage, read> rhs: array<f32>;
@group(0) @binding(2) var<storage, read_write> dst: array<f32>;
@group(0) @binding(3) var<uniform> params: Params;

fn broadcast_index(i: u32, b: u32, h: u32, w: u32, c: u32) -> u32 {
  let x = i % params.oc;
  let y = (i / params.oc) % params.ow;
  let z = (i / (params.oc * params.ow)) % params.oh;
  let n = i / (params.oc * params.ow * params.oh);
  return (((n % b) * h + z % h) * w + y % w) * c + x % c;
}
`

const binaryBody = `  let i = gid.y * params.span + gid.x;
  if (i >= params.n) { return; }
  var ia = i;
  var ib = i;
  if (BROADCAST == 1u) {
    ia = broadcast_index(i, params.ab, params.ah, params.aw, params.ac);
    ib = broadcast_index(i, params.bb, params.bh, params.bw, params.bc);
  }
  var r: f32;
  if (OP == 0u) { r = lhs[ia] + rhs[ib]; } else { r = lhs[ia] * rhs[ib]; }
  dst[i] = activate(r);
`

func dims4(u gpu.Uniforms, off int) [4]int {
	return [4]int{u.Int(off), u.Int(off + 1), u.Int(off + 2), u.Int(off + 3)}
}

// broadcastIndex maps an output element to the element of an operand whose
// size-1 dimensions are broadcast.
func broadcastIndex(i int, out, in [4]int) int {
	c := i % out[3]
	w := (i / out[3]) % out[2]
	h := (i / (out[3] * out[2])) % out[1]
	n := i / (out[3] * out[2] * out[1])
	return (((n%in[0])*in[1]+h%in[1])*in[2]+w%in[2])*in[3] + c%in[3]
}

func binaryTemplate(c gpu.Constants) (gpu.Kernel, error) {
	op := c.Int("OP")
	broadcast := c.Int("BROADCAST") == 1
	act := activation(c.Int("ACTIVATION"))
	return func(inv gpu.Invocation, args gpu.Args) {
		u := args.Uniforms
		i := linearIndex(inv, u.Int(1))
		if i >= u.Int(0) {
			return
		}
		ia, ib := i, i
		if broadcast {
			out := dims4(u, 2)
			ia = broadcastIndex(i, out, dims4(u, 6))
			ib = broadcastIndex(i, out, dims4(u, 10))
		}
		a, b := args.Buffers[0][ia], args.Buffers[1][ib]
		r := a + b
		if op == 1 {
			r = a * b
		}
		args.Buffers[2][i] = act(r)
	}, nil
}

// Unary operation codes baked into the unary program.
const (
	unaryLogistic = iota
	unaryTanh
	unaryRelu
	unaryRelu1
	unaryRelu6
)

// unary implements Logistic, Tanh and the standalone Relu family.
type unary struct {
	single
	kind model.OperationType
	op   int
}

func (k unary) Kind() model.OperationType { return k.kind }
func (k unary) Name() string              { return k.kind.String() }

func (k unary) Supported(d *Descriptor) bool {
	return d.In == d.Out && d.InElements() > 0
}

func (k unary) Specialize(d *Descriptor, p TuningParameters) Specialization {
	return Specialization{Entry: "unary", Local: p.Local, Overrides: []Override{u32("OP", k.op)}}
}

func (k unary) Plan(d *Descriptor, p TuningParameters) []Dispatch {
	n := d.OutElements()
	groups, span := linearGroups(n, p.Local[0], d.groupLimit())
	return []Dispatch{{Bindings: []int{0, 1}, Uniforms: gpu.Uniforms{}.AppendInt(n, span), Groups: groups}}
}

const unaryDecls = `
struct Params { n: u32, span: u32 }
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<f32>;
@group(0) @binding(2) var<uniform> params: Params;
`

const unaryBody = `  let i = gid.y * params.span + gid.x;
  if (i >= params.n) { return; }
  let x = src[i];
  switch (OP) {
    case 0u: { dst[i] = 1.0 / (1.0 + exp(-x)); }
    case 1u: { dst[i] = tanh(x); }
    case 2u: { dst[i] = max(x, 0.0); }
    case 3u: { dst[i] = clamp(x, -1.0, 1.0); }
    default: { dst[i] = clamp(x, 0.0, 6.0); }
  }
`

func unaryTemplate(c gpu.Constants) (gpu.Kernel, error) {
	var f func(float32) float32
	switch c.Int("OP") {
	case unaryLogistic:
		f = func(x float32) float32 { return float32(1 / (1 + math.Exp(-float64(x)))) }
	case unaryTanh:
		f = func(x float32) float32 { return float32(math.Tanh(float64(x))) }
	case unaryRelu:
		f = activation(int(model.FuseRelu))
	case unaryRelu1:
		f = activation(int(model.FuseRelu1))
	default:
		f = activation(int(model.FuseRelu6))
	}
	return func(inv gpu.Invocation, args gpu.Args) {
		i := linearIndex(inv, args.Uniforms.Int(1))
		if i >= args.Uniforms.Int(0) {
			return
		}
		args.Buffers[1][i] = f(args.Buffers[0][i])
	}, nil
}

// softmax runs one invocation per row of the innermost dimension.
type softmax struct {
	single
}

func (softmax) Kind() model.OperationType { return model.Softmax }
func (softmax) Name() string              { return model.Softmax.String() }

func (softmax) Supported(d *Descriptor) bool {
	return d.In == d.Out && d.In.C > 0 && d.Beta > 0
}

func (softmax) Specialize(d *Descriptor, p TuningParameters) Specialization {
	return Specialization{Entry: "softmax", Local: p.Local}
}

func (softmax) Plan(d *Descriptor, p TuningParameters) []Dispatch {
	rows := d.Batch * d.In.H * d.In.W
	groups, span := linearGroups(rows, p.Local[0], d.groupLimit())
	u := gpu.Uniforms{}.AppendInt(rows, d.In.C, span).AppendFloat(d.Beta)
	return []Dispatch{{Bindings: []int{0, 1}, Uniforms: u, Groups: groups}}
}

const softmaxDecls = `
struct Params { rows: u32, cols: u32, span: u32, beta: f32 }
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<f32>;
@group(0) @binding(2) var<uniform> params: Params;
`

const softmaxBody = `  let row = gid.y * params.span + gid.x;
  if (row >= params.rows) { return; }
  let base = row * params.cols;
  var m = src[base];
  for (var i = 1u; i < params.cols; i++) { m = max(m, src[base + i]); }
  var sum = 0.0;
  for (var i = 0u; i < params.cols; i++) {
    let e = exp((src[base + i] - m) * params.beta);
    dst[base + i] = e;
    sum += e;
  }
  for (var i = 0u; i < params.cols; i++) { dst[base + i] /= sum; }
`

func softmaxTemplate(gpu.Constants) (gpu.Kernel, error) {
	return func(inv gpu.Invocation, args gpu.Args) {
		u := args.Uniforms
		rows, cols := u.Int(0), u.Int(1)
		row := linearIndex(inv, u.Int(2))
		if row >= rows {
			return
		}
		beta := float64(u.Float(3))
		src := args.Buffers[0][row*cols : (row+1)*cols]
		dst := args.Buffers[1][row*cols : (row+1)*cols]
		m := src[0]
		for _, v := range src[1:] {
			m = max(m, v)
		}
		var sum float64
		for i, v := range src {
			e := math.Exp(float64(v-m) * beta)
			dst[i] = float32(e)
			sum += e
		}
		for i := range dst {
			dst[i] = float32(float64(dst[i]) / sum)
		}
	}, nil
}

func init() {
	registerEntry("binary", program{decls: binaryDecls, body: binaryBody}, binaryTemplate)
	registerEntry("unary", program{decls: unaryDecls, body: unaryBody}, unaryTemplate)
	registerEntry("softmax", program{decls: softmaxDecls, body: softmaxBody}, softmaxTemplate)

	h := single{heuristic: elementwiseHeuristic}
	register(binary{single: h, kind: model.Add, op: 0})
	register(binary{single: h, kind: model.Mul, op: 1})
	register(unary{single: h, kind: model.Logistic, op: unaryLogistic})
	register(unary{single: h, kind: model.Tanh, op: unaryTanh})
	register(unary{single: h, kind: model.Relu, op: unaryRelu})
	register(unary{single: h, kind: model.Relu1, op: unaryRelu1})
	register(unary{single: h, kind: model.Relu6, op: unaryRelu6})
	register(softmax{single: h})
}
