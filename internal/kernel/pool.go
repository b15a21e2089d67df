package kernel

import (
	"math"

	"github.com/fxnlabs/nn-gpu/internal/gpu"
	"github.com/fxnlabs/nn-gpu/internal/model"
)

// Pooling codes baked into the pool2d program.
const (
	poolAverage = iota
	poolMax
	poolL2
)

// Pixel kernels run one invocation per output pixel and a block of depth
// channels.
func pixelHeuristic(*Descriptor) TuningParameters {
	return fixedParams([3]int{8, 8, 1}, [3]int{1, 1, 4})
}

func pixelGroups(d *Descriptor, p TuningParameters) (groups [3]int, depthBlocks int) {
	depthBlocks = ceilDiv(d.Out.C, p.Block[2])
	return [3]int{
		ceilDiv(d.Out.W, p.Local[0]),
		ceilDiv(d.Out.H, p.Local[1]),
		ceilDiv(d.Batch*depthBlocks, p.Local[2]),
	}, depthBlocks
}

type pool struct {
	single
	kind model.OperationType
	op   int
}

func (k pool) Kind() model.OperationType { return k.kind }
func (k pool) Name() string              { return k.kind.String() }

func (k pool) Supported(d *Descriptor) bool {
	return d.Filter.H > 0 && d.Filter.W > 0 && d.StrideH > 0 && d.StrideW > 0 &&
		d.In.C == d.Out.C && d.Out.H > 0 && d.Out.W > 0
}

func (k pool) Specialize(d *Descriptor, p TuningParameters) Specialization {
	return Specialization{
		Entry: "pool2d",
		Local: p.Local,
		Overrides: []Override{
			u32("POOL", k.op),
			u32("ACTIVATION", int(d.Activation)),
			u32("BLOCK_D", p.Block[2]),
		},
	}
}

func (k pool) Plan(d *Descriptor, p TuningParameters) []Dispatch {
	groups, depthBlocks := pixelGroups(d, p)
	u := gpu.Uniforms{}.AppendInt(d.Batch, d.In.H, d.In.W, d.In.C, d.Out.H, d.Out.W,
		d.Filter.H, d.Filter.W, d.StrideH, d.StrideW, d.PadTop, d.PadLeft, depthBlocks)
	return []Dispatch{{Bindings: []int{0, 1}, Uniforms: u, Groups: groups}}
}

const poolDecls = `
struct Params {
  batch: u32, in_h: i32, in_w: i32, channels: u32, out_h: u32, out_w: u32,
  filter_h: i32, filter_w: i32, stride_h: i32, stride_w: i32,
  pad_top: i32, pad_left: i32, depth_blocks: u32,
}
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<f32>;
@group(0) @binding(2) var<uniform> params: Params;
`

const poolBody = `  if (gid.x >= params.out_w || gid.y >= params.out_h || gid.z >= params.batch * params.depth_blocks) { return; }
  let b = gid.z / params.depth_blocks;
  let c0 = (gid.z % params.depth_blocks) * BLOCK_D;
  for (var dc = 0u; dc < BLOCK_D && c0 + dc < params.channels; dc++) {
    let c = c0 + dc;
    var acc = 0.0;
    if (POOL == 1u) { acc = -3.402823e38; }
    var count = 0u;
    for (var ky = 0; ky < params.filter_h; ky++) {
      let iy = i32(gid.y) * params.stride_h + ky - params.pad_top;
      if (iy < 0 || iy >= params.in_h) { continue; }
      for (var kx = 0; kx < params.filter_w; kx++) {
        let ix = i32(gid.x) * params.stride_w + kx - params.pad_left;
        if (ix < 0 || ix >= params.in_w) { continue; }
        let v = src[((b * u32(params.in_h) + u32(iy)) * u32(params.in_w) + u32(ix)) * params.channels + c];
        if (POOL == 0u) { acc += v; } else if (POOL == 1u) { acc = max(acc, v); } else { acc += v * v; }
        count++;
      }
    }
    if (count == 0u) { acc = 0.0; }
    else if (POOL == 0u) { acc /= f32(count); }
    else if (POOL == 2u) { acc = sqrt(acc / f32(count)); }
    dst[((b * params.out_h + gid.y) * params.out_w + gid.x) * params.channels + c] = activate(acc);
  }
`

func poolTemplate(c gpu.Constants) (gpu.Kernel, error) {
	op := c.Int("POOL")
	bd := c.Int("BLOCK_D")
	act := activation(c.Int("ACTIVATION"))
	return func(inv gpu.Invocation, args gpu.Args) {
		u := args.Uniforms
		batch, inH, inW, ch := u.Int(0), u.Int(1), u.Int(2), u.Int(3)
		outH, outW := u.Int(4), u.Int(5)
		fh, fw, sh, sw, pt, pl := u.Int(6), u.Int(7), u.Int(8), u.Int(9), u.Int(10), u.Int(11)
		depthBlocks := u.Int(12)
		ox, oy := inv.Global[0], inv.Global[1]
		if ox >= outW || oy >= outH || inv.Global[2] >= batch*depthBlocks {
			return
		}
		b := inv.Global[2] / depthBlocks
		c0 := (inv.Global[2] % depthBlocks) * bd
		in, out := args.Buffers[0], args.Buffers[1]
		for cc := c0; cc < c0+bd && cc < ch; cc++ {
			var acc float32
			if op == poolMax {
				acc = -math.MaxFloat32
			}
			count := 0
			for ky := 0; ky < fh; ky++ {
				iy := oy*sh + ky - pt
				if iy < 0 || iy >= inH {
					continue
				}
				for kx := 0; kx < fw; kx++ {
					ix := ox*sw + kx - pl
					if ix < 0 || ix >= inW {
						continue
					}
					v := in[((b*inH+iy)*inW+ix)*ch+cc]
					switch op {
					case poolAverage:
						acc += v
					case poolMax:
						acc = max(acc, v)
					default:
						acc += v * v
					}
					count++
				}
			}
			switch {
			case count == 0:
				acc = 0
			case op == poolAverage:
				acc /= float32(count)
			case op == poolL2:
				acc = float32(math.Sqrt(float64(acc / float32(count))))
			}
			out[((b*outH+oy)*outW+ox)*ch+cc] = act(acc)
		}
	}, nil
}

// lrn is local response normalization across the depth dimension.
type lrn struct {
	single
}

func (lrn) Kind() model.OperationType { return model.LocalResponseNormalization }
func (lrn) Name() string              { return model.LocalResponseNormalization.String() }

func (lrn) Supported(d *Descriptor) bool {
	return d.In == d.Out && d.Radius >= 0 && d.In.C > 0
}

func (lrn) Specialize(d *Descriptor, p TuningParameters) Specialization {
	return Specialization{Entry: "lrn", Local: p.Local, Overrides: []Override{u32("BLOCK_D", p.Block[2])}}
}

func (lrn) Plan(d *Descriptor, p TuningParameters) []Dispatch {
	groups, depthBlocks := pixelGroups(d, p)
	u := gpu.Uniforms{}.AppendInt(d.Batch, d.In.H, d.In.W, d.In.C, d.Radius, depthBlocks).
		AppendFloat(d.Bias, d.Alpha, d.Beta)
	return []Dispatch{{Bindings: []int{0, 1}, Uniforms: u, Groups: groups}}
}

const lrnDecls = `
struct Params {
  batch: u32, height: u32, width: u32, channels: i32, radius: i32, depth_blocks: u32,
  bias: f32, alpha: f32, beta: f32,
}
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<f32>;
@group(0) @binding(2) var<uniform> params: Params;
`

const lrnBody = `  if (gid.x >= params.width || gid.y >= params.height || gid.z >= params.batch * params.depth_blocks) { return; }
  let b = gid.z / params.depth_blocks;
  let c0 = i32((gid.z % params.depth_blocks) * BLOCK_D);
  let base = ((b * params.height + gid.y) * params.width + gid.x) * u32(params.channels);
  for (var c = c0; c < c0 + i32(BLOCK_D) && c < params.channels; c++) {
    var sum = 0.0;
    for (var k = max(c - params.radius, 0); k <= min(c + params.radius, params.channels - 1); k++) {
      let v = src[base + u32(k)];
      sum += v * v;
    }
    dst[base + u32(c)] = src[base + u32(c)] / pow(params.bias + params.alpha * sum, params.beta);
  }
`

func lrnTemplate(c gpu.Constants) (gpu.Kernel, error) {
	bd := c.Int("BLOCK_D")
	return func(inv gpu.Invocation, args gpu.Args) {
		u := args.Uniforms
		batch, h, w, ch, radius, depthBlocks := u.Int(0), u.Int(1), u.Int(2), u.Int(3), u.Int(4), u.Int(5)
		bias, alpha, beta := float64(u.Float(6)), float64(u.Float(7)), float64(u.Float(8))
		x, y := inv.Global[0], inv.Global[1]
		if x >= w || y >= h || inv.Global[2] >= batch*depthBlocks {
			return
		}
		b := inv.Global[2] / depthBlocks
		c0 := (inv.Global[2] % depthBlocks) * bd
		base := ((b*h+y)*w + x) * ch
		in, out := args.Buffers[0], args.Buffers[1]
		for cc := c0; cc < c0+bd && cc < ch; cc++ {
			var sum float64
			for k := max(cc-radius, 0); k <= min(cc+radius, ch-1); k++ {
				v := float64(in[base+k])
				sum += v * v
			}
			out[base+cc] = float32(float64(in[base+cc]) / math.Pow(bias+alpha*sum, beta))
		}
	}, nil
}

func init() {
	registerEntry("pool2d", program{decls: poolDecls, body: poolBody}, poolTemplate)
	registerEntry("lrn", program{decls: lrnDecls, body: lrnBody}, lrnTemplate)

	h := single{heuristic: pixelHeuristic}
	register(pool{single: h, kind: model.AveragePool2D, op: poolAverage})
	register(pool{single: h, kind: model.MaxPool2D, op: poolMax})
	register(pool{single: h, kind: model.L2Pool2D, op: poolL2})
	register(lrn{single: h})
}
