package kernel

import (
	"github.com/fxnlabs/nn-gpu/internal/gpu"
	"github.com/fxnlabs/nn-gpu/internal/model"
)

// concat copies each input into its slot of the output, one dispatch per
// input.
type concat struct {
	single
}

func (concat) Kind() model.OperationType { return model.Concatenation }
func (concat) Name() string              { return model.Concatenation.String() }

func (concat) Supported(d *Descriptor) bool {
	if len(d.Parts) == 0 || d.Axis < 0 || d.Axis > 3 {
		return false
	}
	out := [4]int{d.Batch, d.Out.H, d.Out.W, d.Out.C}
	total := 0
	for _, p := range d.Parts {
		dims := [4]int{p.Batch, p.H, p.W, p.C}
		for axis := 0; axis < 4; axis++ {
			if axis != d.Axis && dims[axis] != out[axis] {
				return false
			}
		}
		total += dims[d.Axis]
	}
	return total == out[d.Axis]
}

func (concat) Specialize(d *Descriptor, p TuningParameters) Specialization {
	return Specialization{Entry: "concat", Local: p.Local}
}

func (concat) Plan(d *Descriptor, p TuningParameters) []Dispatch {
	dispatches := make([]Dispatch, 0, len(d.Parts))
	offset := 0
	for i, part := range d.Parts {
		dims := [4]int{part.Batch, part.H, part.W, part.C}
		n := dims[0] * dims[1] * dims[2] * dims[3]
		groups, span := linearGroups(n, p.Local[0], d.groupLimit())
		u := gpu.Uniforms{}.AppendInt(n, span).
			AppendInt(dims[:]...).
			AppendInt(d.Batch, d.Out.H, d.Out.W, d.Out.C, d.Axis, offset)
		dispatches = append(dispatches, Dispatch{Bindings: []int{i, len(d.Parts)}, Uniforms: u, Groups: groups})
		offset += dims[d.Axis]
	}
	return dispatches
}

const concatDecls = `
struct Params {
  n: u32, span: u32,
  part: vec4<u32>,
  out: vec4<u32>,
  axis: u32, offset: u32,
}
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<f32>;
@group(0) @binding(2) var<uniform> params: Params;
`

const concatBody = `  let i = gid.y * params.span + gid.x;
  if (i >= params.n) { return; }
  var idx = vec4<u32>(
    i / (params.part.w * params.part.z * params.part.y),
    (i / (params.part.w * params.part.z)) % params.part.y,
    (i / params.part.w) % params.part.z,
    i % params.part.w);
  idx[params.axis] += params.offset;
  dst[((idx.x * params.out.y + idx.y) * params.out.z + idx.z) * params.out.w + idx.w] = src[i];
`

func concatTemplate(gpu.Constants) (gpu.Kernel, error) {
	return func(inv gpu.Invocation, args gpu.Args) {
		u := args.Uniforms
		i := linearIndex(inv, u.Int(1))
		if i >= u.Int(0) {
			return
		}
		part, out := dims4(u, 2), dims4(u, 6)
		axis, offset := u.Int(10), u.Int(11)
		idx := [4]int{
			i / (part[3] * part[2] * part[1]),
			(i / (part[3] * part[2])) % part[1],
			(i / part[3]) % part[2],
			i % part[3],
		}
		idx[axis] += offset
		args.Buffers[1][((idx[0]*out[1]+idx[1])*out[2]+idx[2])*out[3]+idx[3]] = args.Buffers[0][i]
	}, nil
}

// reshape never dispatches; the executor aliases its output to its input.
type reshape struct {
	single
}

func (reshape) Kind() model.OperationType { return model.Reshape }
func (reshape) Name() string              { return model.Reshape.String() }

// Supported compares element counts; Batch2 holds the output batch.
func (reshape) Supported(d *Descriptor) bool {
	return d.InElements() == d.Batch2*d.Out.H*d.Out.W*d.Out.C
}

func (reshape) Specialize(*Descriptor, TuningParameters) Specialization {
	panic("kernel: reshape has no program")
}

func (reshape) Plan(*Descriptor, TuningParameters) []Dispatch {
	return nil
}

func init() {
	registerEntry("concat", program{decls: concatDecls, body: concatBody}, concatTemplate)

	register(concat{single: single{heuristic: elementwiseHeuristic}})
	register(reshape{single: single{heuristic: elementwiseHeuristic}})
}
