package kernel

import (
	"github.com/fxnlabs/nn-gpu/internal/gpu"
	"github.com/fxnlabs/nn-gpu/internal/model"
)

// Candidate grids. Some local sizes exceed common device limits on purpose;
// the search drops them per device.
var (
	convBasicLocals = [][3]int{{4, 4, 1}, {8, 8, 1}, {16, 16, 1}, {8, 4, 2}, {4, 4, 4}, {32, 16, 1}}
	convBasicBlocks = [][3]int{{1, 1, 1}, {2, 2, 1}, {1, 1, 4}, {2, 2, 4}, {4, 1, 4}}
	convGemmLocals  = [][3]int{{4, 16, 1}, {8, 8, 1}, {16, 16, 1}, {8, 32, 1}, {1, 64, 1}, {32, 16, 1}}
	gemmBlocks      = map[Family][3]int{
		FamilyGemm1:   {1, 1, 1},
		FamilyGemm4x4: {4, 4, 1},
		FamilyGemm4x8: {4, 8, 1},
	}
)

// conv implements CONV_2D. The gemm families view the convolution as an
// (M x K) by (K x N) product with M = batch*outH*outW, N = outC and
// K = fh*fw*inC; block width tiles N and block height tiles M. The tiled
// families load input depth four at a time and need it to be a multiple of
// four.
type conv struct{}

func (conv) Kind() model.OperationType { return model.Conv2D }
func (conv) Name() string              { return model.Conv2D.String() }
func (conv) Tunable() bool             { return true }

func (conv) Supported(d *Descriptor) bool {
	return validConv(d) && d.Filter.C == d.In.C
}

func validConv(d *Descriptor) bool {
	return d.Batch > 0 && d.In.C > 0 && d.Out.C > 0 && d.Out.H > 0 && d.Out.W > 0 &&
		d.Filter.H > 0 && d.Filter.W > 0 && d.StrideH > 0 && d.StrideW > 0 &&
		d.DilationH > 0 && d.DilationW > 0
}

func (conv) Families(d *Descriptor) []Family {
	if d.In.C%4 == 0 {
		return []Family{FamilyGemm4x8, FamilyGemm4x4, FamilyGemm1, FamilyBasic}
	}
	return []Family{FamilyGemm1, FamilyBasic}
}

func (conv) Candidates(d *Descriptor, f Family) []TuningParameters {
	var out []TuningParameters
	switch f {
	case FamilyBasic:
		for _, l := range convBasicLocals {
			for _, b := range convBasicBlocks {
				out = append(out, TuningParameters{Family: f, Local: l, Block: b})
			}
		}
	case FamilyGemm1, FamilyGemm4x4, FamilyGemm4x8:
		for _, l := range convGemmLocals {
			out = append(out, TuningParameters{Family: f, Local: l, Block: gemmBlocks[f]})
		}
	}
	return out
}

func (conv) Heuristic(d *Descriptor) TuningParameters {
	if d.In.C%4 == 0 {
		return TuningParameters{Family: FamilyGemm4x4, Local: [3]int{8, 8, 1}, Block: gemmBlocks[FamilyGemm4x4]}
	}
	return TuningParameters{Family: FamilyBasic, Local: [3]int{8, 8, 1}, Block: [3]int{1, 1, 1}}
}

func (conv) Specialize(d *Descriptor, p TuningParameters) Specialization {
	if p.Family == FamilyBasic {
		return Specialization{
			Entry: "conv2d_basic",
			Local: p.Local,
			Overrides: []Override{
				u32("ACTIVATION", int(d.Activation)),
				boolean("HAS_BIAS", d.HasBias),
				u32("BLOCK_W", p.Block[0]),
				u32("BLOCK_H", p.Block[1]),
				u32("BLOCK_D", p.Block[2]),
				boolean("VEC4", false),
			},
		}
	}
	return Specialization{
		Entry: "conv2d_gemm",
		Local: p.Local,
		Overrides: []Override{
			u32("ACTIVATION", int(d.Activation)),
			boolean("HAS_BIAS", d.HasBias),
			u32("TILE_M", p.Block[1]),
			u32("TILE_N", p.Block[0]),
			boolean("VEC4", p.Family != FamilyGemm1),
		},
	}
}

func (conv) Plan(d *Descriptor, p TuningParameters) []Dispatch {
	var groups [3]int
	if p.Family == FamilyBasic {
		groups = [3]int{
			ceilDiv(ceilDiv(d.Out.W, p.Block[0]), p.Local[0]),
			ceilDiv(ceilDiv(d.Out.H, p.Block[1]), p.Local[1]),
			ceilDiv(d.Batch*ceilDiv(d.Out.C, p.Block[2]), p.Local[2]),
		}
	} else {
		groups = [3]int{
			ceilDiv(ceilDiv(d.GemmN(), p.Block[0]), p.Local[0]),
			ceilDiv(ceilDiv(d.GemmM(), p.Block[1]), p.Local[1]),
			1,
		}
	}
	return []Dispatch{{Bindings: convBindings(d), Uniforms: convUniforms(d), Groups: groups}}
}

// convBindings selects input, filter, optional bias and output from the
// operation buffers [input, filter, bias, output].
func convBindings(d *Descriptor) []int {
	if d.HasBias {
		return []int{0, 1, 2, 3}
	}
	return []int{0, 1, 3}
}

func convUniforms(d *Descriptor) gpu.Uniforms {
	return gpu.Uniforms{}.AppendInt(d.Batch, d.In.H, d.In.W, d.In.C, d.Out.H, d.Out.W, d.Out.C,
		d.Filter.H, d.Filter.W, d.StrideH, d.StrideW, d.DilationH, d.DilationW,
		d.PadTop, d.PadLeft, max(d.DepthMultiplier, 1))
}

type convParams struct {
	batch, inH, inW, inC   int
	outH, outW, outC       int
	fh, fw, sh, sw, dh, dw int
	padTop, padLeft, mult  int
}

func readConvParams(u gpu.Uniforms) convParams {
	return convParams{
		batch: u.Int(0), inH: u.Int(1), inW: u.Int(2), inC: u.Int(3),
		outH: u.Int(4), outW: u.Int(5), outC: u.Int(6),
		fh: u.Int(7), fw: u.Int(8), sh: u.Int(9), sw: u.Int(10), dh: u.Int(11), dw: u.Int(12),
		padTop: u.Int(13), padLeft: u.Int(14), mult: u.Int(15),
	}
}

// dot accumulates one output of a convolution over its receptive field.
func (p *convParams) dot(in, filter []float32, b, oy, ox, oc int, vec4 bool) float32 {
	var sum float32
	for ky := 0; ky < p.fh; ky++ {
		iy := oy*p.sh + ky*p.dh - p.padTop
		if iy < 0 || iy >= p.inH {
			continue
		}
		for kx := 0; kx < p.fw; kx++ {
			ix := ox*p.sw + kx*p.dw - p.padLeft
			if ix < 0 || ix >= p.inW {
				continue
			}
			x := in[((b*p.inH+iy)*p.inW+ix)*p.inC:][:p.inC]
			w := filter[((oc*p.fh+ky)*p.fw+kx)*p.inC:][:p.inC]
			if vec4 {
				for ic := 0; ic < p.inC; ic += 4 {
					sum += x[ic]*w[ic] + x[ic+1]*w[ic+1] + x[ic+2]*w[ic+2] + x[ic+3]*w[ic+3]
				}
				continue
			}
			for ic := range x {
				sum += x[ic] * w[ic]
			}
		}
	}
	return sum
}

const convParamDecls = `
struct Params {
  batch: u32, in_h: i32, in_w: i32, in_c: u32,
  out_h: u32, out_w: u32, out_c: u32,
  filter_h: i32, filter_w: i32, stride_h: i32, stride_w: i32,
  dilation_h: i32, dilation_w: i32, pad_top: i32, pad_left: i32, multiplier: u32,
}
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read> filter: array<f32>;
@group(0) @binding(2) var<storage, read> bias: array<f32>;
@group(0) @binding(3) var<storage, read_write> dst: array<f32>;
@group(0) @binding(4) var<uniform> params: Params;
`

const convAtDecls = `
fn conv_at(b: u32, oy: u32, ox: u32, oc: u32) -> f32 {
  var sum = 0.0;
  for (var ky = 0; ky < params.filter_h; ky++) {
    let iy = i32(oy) * params.stride_h + ky * params.dilation_h - params.pad_top;
    if (iy < 0 || iy >= params.in_h) { continue; }
    for (var kx = 0; kx < params.filter_w; kx++) {
      let ix = i32(ox) * params.stride_w + kx * params.dilation_w - params.pad_left;
      if (ix < 0 || ix >= params.in_w) { continue; }
      let x = ((b * u32(params.in_h) + u32(iy)) * u32(params.in_w) + u32(ix)) * params.in_c;
      let w = ((oc * u32(params.filter_h) + u32(ky)) * u32(params.filter_w) + u32(kx)) * params.in_c;
      if (VEC4 == 1u) {
        for (var ic = 0u; ic < params.in_c; ic += 4u) {
          sum += dot(vec4<f32>(src[x + ic], src[x + ic + 1u], src[x + ic + 2u], src[x + ic + 3u]),
                     vec4<f32>(filter[w + ic], filter[w + ic + 1u], filter[w + ic + 2u], filter[w + ic + 3u]));
        }
      } else {
        for (var ic = 0u; ic < params.in_c; ic++) { sum += src[x + ic] * filter[w + ic]; }
      }
    }
  }
  if (HAS_BIAS == 1u) { sum += bias[oc]; }
  return activate(sum);
}
`

const convBasicBody = `  let depth_blocks = (params.out_c + BLOCK_D - 1u) / BLOCK_D;
  if (gid.z >= params.batch * depth_blocks) { return; }
  let b = gid.z / depth_blocks;
  let c0 = (gid.z % depth_blocks) * BLOCK_D;
  for (var dy = 0u; dy < BLOCK_H; dy++) {
    let oy = gid.y * BLOCK_H + dy;
    if (oy >= params.out_h) { break; }
    for (var dx = 0u; dx < BLOCK_W; dx++) {
      let ox = gid.x * BLOCK_W + dx;
      if (ox >= params.out_w) { break; }
      for (var dc = 0u; dc < BLOCK_D && c0 + dc < params.out_c; dc++) {
        dst[((b * params.out_h + oy) * params.out_w + ox) * params.out_c + c0 + dc] = conv_at(b, oy, ox, c0 + dc);
      }
    }
  }
`

const convGemmBody = `  let rows = params.batch * params.out_h * params.out_w;
  for (var tm = 0u; tm < TILE_M; tm++) {
    let m = gid.y * TILE_M + tm;
    if (m >= rows) { break; }
    let ox = m % params.out_w;
    let oy = (m / params.out_w) % params.out_h;
    let b = m / (params.out_w * params.out_h);
    for (var tn = 0u; tn < TILE_N; tn++) {
      let n = gid.x * TILE_N + tn;
      if (n >= params.out_c) { break; }
      dst[m * params.out_c + n] = conv_at(b, oy, ox, n);
    }
  }
`

func convBasicTemplate(c gpu.Constants) (gpu.Kernel, error) {
	act := activation(c.Int("ACTIVATION"))
	hasBias := c.Int("HAS_BIAS") == 1
	bw, bh, bd := c.Int("BLOCK_W"), c.Int("BLOCK_H"), c.Int("BLOCK_D")
	return func(inv gpu.Invocation, args gpu.Args) {
		p := readConvParams(args.Uniforms)
		in, filter, out := args.Buffers[0], args.Buffers[1], args.Buffers[len(args.Buffers)-1]
		depthBlocks := ceilDiv(p.outC, bd)
		if inv.Global[2] >= p.batch*depthBlocks {
			return
		}
		b := inv.Global[2] / depthBlocks
		c0 := (inv.Global[2] % depthBlocks) * bd
		for oy := inv.Global[1] * bh; oy < (inv.Global[1]+1)*bh && oy < p.outH; oy++ {
			for ox := inv.Global[0] * bw; ox < (inv.Global[0]+1)*bw && ox < p.outW; ox++ {
				for oc := c0; oc < c0+bd && oc < p.outC; oc++ {
					sum := p.dot(in, filter, b, oy, ox, oc, false)
					if hasBias {
						sum += args.Buffers[2][oc]
					}
					out[((b*p.outH+oy)*p.outW+ox)*p.outC+oc] = act(sum)
				}
			}
		}
	}, nil
}

func convGemmTemplate(c gpu.Constants) (gpu.Kernel, error) {
	act := activation(c.Int("ACTIVATION"))
	hasBias := c.Int("HAS_BIAS") == 1
	tm, tn := c.Int("TILE_M"), c.Int("TILE_N")
	vec4 := c.Int("VEC4") == 1
	return func(inv gpu.Invocation, args gpu.Args) {
		p := readConvParams(args.Uniforms)
		if vec4 && p.inC%4 != 0 {
			return
		}
		in, filter, out := args.Buffers[0], args.Buffers[1], args.Buffers[len(args.Buffers)-1]
		rows := p.batch * p.outH * p.outW
		for m := inv.Global[1] * tm; m < (inv.Global[1]+1)*tm && m < rows; m++ {
			ox := m % p.outW
			oy := (m / p.outW) % p.outH
			b := m / (p.outW * p.outH)
			for n := inv.Global[0] * tn; n < (inv.Global[0]+1)*tn && n < p.outC; n++ {
				sum := p.dot(in, filter, b, oy, ox, n, vec4)
				if hasBias {
					sum += args.Buffers[2][n]
				}
				out[m*p.outC+n] = act(sum)
			}
		}
	}, nil
}

// depthwise implements DEPTHWISE_CONV_2D with a [1, fh, fw, outC] filter.
type depthwise struct {
	single
}

func (depthwise) Kind() model.OperationType { return model.DepthwiseConv2D }
func (depthwise) Name() string              { return model.DepthwiseConv2D.String() }

func (depthwise) Supported(d *Descriptor) bool {
	return validConv(d) && d.DepthMultiplier > 0 && d.Out.C == d.In.C*d.DepthMultiplier
}

func (depthwise) Specialize(d *Descriptor, p TuningParameters) Specialization {
	return Specialization{
		Entry: "depthwise_conv2d",
		Local: p.Local,
		Overrides: []Override{
			u32("ACTIVATION", int(d.Activation)),
			boolean("HAS_BIAS", d.HasBias),
			u32("BLOCK_D", p.Block[2]),
		},
	}
}

func (depthwise) Plan(d *Descriptor, p TuningParameters) []Dispatch {
	groups, _ := pixelGroups(d, p)
	return []Dispatch{{Bindings: convBindings(d), Uniforms: convUniforms(d), Groups: groups}}
}

const depthwiseBody = `  let depth_blocks = (params.out_c + BLOCK_D - 1u) / BLOCK_D;
  if (gid.x >= params.out_w || gid.y >= params.out_h || gid.z >= params.batch * depth_blocks) { return; }
  let b = gid.z / depth_blocks;
  let c0 = (gid.z % depth_blocks) * BLOCK_D;
  for (var oc = c0; oc < c0 + BLOCK_D && oc < params.out_c; oc++) {
    let ic = oc / params.multiplier;
    var sum = 0.0;
    for (var ky = 0; ky < params.filter_h; ky++) {
      let iy = i32(gid.y) * params.stride_h + ky * params.dilation_h - params.pad_top;
      if (iy < 0 || iy >= params.in_h) { continue; }
      for (var kx = 0; kx < params.filter_w; kx++) {
        let ix = i32(gid.x) * params.stride_w + kx * params.dilation_w - params.pad_left;
        if (ix < 0 || ix >= params.in_w) { continue; }
        sum += src[((b * u32(params.in_h) + u32(iy)) * u32(params.in_w) + u32(ix)) * params.in_c + ic] *
               filter[(u32(ky) * u32(params.filter_w) + u32(kx)) * params.out_c + oc];
      }
    }
    if (HAS_BIAS == 1u) { sum += bias[oc]; }
    dst[((b * params.out_h + gid.y) * params.out_w + gid.x) * params.out_c + oc] = activate(sum);
  }
`

func depthwiseTemplate(c gpu.Constants) (gpu.Kernel, error) {
	act := activation(c.Int("ACTIVATION"))
	hasBias := c.Int("HAS_BIAS") == 1
	bd := c.Int("BLOCK_D")
	return func(inv gpu.Invocation, args gpu.Args) {
		p := readConvParams(args.Uniforms)
		in, filter, out := args.Buffers[0], args.Buffers[1], args.Buffers[len(args.Buffers)-1]
		ox, oy := inv.Global[0], inv.Global[1]
		depthBlocks := ceilDiv(p.outC, bd)
		if ox >= p.outW || oy >= p.outH || inv.Global[2] >= p.batch*depthBlocks {
			return
		}
		b := inv.Global[2] / depthBlocks
		c0 := (inv.Global[2] % depthBlocks) * bd
		for oc := c0; oc < c0+bd && oc < p.outC; oc++ {
			ic := oc / p.mult
			var sum float32
			for ky := 0; ky < p.fh; ky++ {
				iy := oy*p.sh + ky*p.dh - p.padTop
				if iy < 0 || iy >= p.inH {
					continue
				}
				for kx := 0; kx < p.fw; kx++ {
					ix := ox*p.sw + kx*p.dw - p.padLeft
					if ix < 0 || ix >= p.inW {
						continue
					}
					sum += in[((b*p.inH+iy)*p.inW+ix)*p.inC+ic] * filter[(ky*p.fw+kx)*p.outC+oc]
				}
			}
			if hasBias {
				sum += args.Buffers[2][oc]
			}
			out[((b*p.outH+oy)*p.outW+ox)*p.outC+oc] = act(sum)
		}
	}, nil
}

// channelExpand pads the depth of a 3-channel tensor to 4 with zeros. It is
// tuned over the local size only.
type channelExpand struct{}

var channelExpandLocals = []int{16, 32, 64, 128, 256, 512}

func (channelExpand) Kind() model.OperationType { return model.ChannelExpand }
func (channelExpand) Name() string              { return model.ChannelExpand.String() }
func (channelExpand) Tunable() bool             { return true }

func (channelExpand) Supported(d *Descriptor) bool {
	return d.In.C == 3 && d.Out.C == 4 && d.InElements() > 0
}

func (channelExpand) Families(*Descriptor) []Family {
	return []Family{FamilyChannelPad}
}

func (channelExpand) Candidates(d *Descriptor, f Family) []TuningParameters {
	if f != FamilyChannelPad {
		return nil
	}
	out := make([]TuningParameters, 0, len(channelExpandLocals))
	for _, x := range channelExpandLocals {
		out = append(out, TuningParameters{Family: f, Local: [3]int{x, 1, 1}, Block: [3]int{1, 1, 1}})
	}
	return out
}

func (channelExpand) Heuristic(*Descriptor) TuningParameters {
	return TuningParameters{Family: FamilyChannelPad, Local: [3]int{64, 1, 1}, Block: [3]int{1, 1, 1}}
}

func (channelExpand) Specialize(d *Descriptor, p TuningParameters) Specialization {
	return Specialization{Entry: "channel_expand", Local: p.Local}
}

func (channelExpand) Plan(d *Descriptor, p TuningParameters) []Dispatch {
	pixels := d.Batch * d.In.H * d.In.W
	groups, span := linearGroups(pixels, p.Local[0], d.groupLimit())
	return []Dispatch{{Bindings: []int{0, 1}, Uniforms: gpu.Uniforms{}.AppendInt(pixels, span), Groups: groups}}
}

const channelExpandDecls = `
struct Params { pixels: u32, span: u32 }
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<vec4<f32>>;
@group(0) @binding(2) var<uniform> params: Params;
`

const channelExpandBody = `  let i = gid.y * params.span + gid.x;
  if (i >= params.pixels) { return; }
  dst[i] = vec4<f32>(src[i * 3u], src[i * 3u + 1u], src[i * 3u + 2u], 0.0);
`

func channelExpandTemplate(gpu.Constants) (gpu.Kernel, error) {
	return func(inv gpu.Invocation, args gpu.Args) {
		i := linearIndex(inv, args.Uniforms.Int(1))
		if i >= args.Uniforms.Int(0) {
			return
		}
		src, dst := args.Buffers[0][i*3:i*3+3], args.Buffers[1][i*4:i*4+4]
		dst[0], dst[1], dst[2], dst[3] = src[0], src[1], src[2], 0
	}, nil
}

func init() {
	registerEntry("conv2d_basic", program{decls: convParamDecls + convAtDecls, body: convBasicBody}, convBasicTemplate)
	registerEntry("conv2d_gemm", program{decls: convParamDecls + convAtDecls, body: convGemmBody}, convGemmTemplate)
	registerEntry("depthwise_conv2d", program{decls: convParamDecls, body: depthwiseBody}, depthwiseTemplate)
	registerEntry("channel_expand", program{decls: channelExpandDecls, body: channelExpandBody}, channelExpandTemplate)

	register(conv{})
	register(depthwise{single: single{heuristic: pixelHeuristic}})
	register(channelExpand{})
}
