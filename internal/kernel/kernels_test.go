package kernel_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/nn-gpu/internal/gpu"
	"github.com/fxnlabs/nn-gpu/internal/kernel"
	"github.com/fxnlabs/nn-gpu/internal/model"
	"github.com/fxnlabs/nn-gpu/internal/reference"
)

// pattern is deterministic data in roughly [-1, 1].
func pattern(n int, seed float64) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(math.Sin(float64(i)*0.37 + seed))
	}
	return v
}

type harness struct {
	dev   *gpu.CPUDevice
	cache *kernel.ProgramCache
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dev := gpu.NewCPUDevice(zap.NewNop(), kernel.Templates())
	t.Cleanup(func() { _ = dev.Close() })
	return &harness{dev: dev, cache: kernel.NewProgramCache(dev, zap.NewNop())}
}

// run executes k with p; inputs are the operation's tensor inputs (nil for
// an absent bias).
func (h *harness) run(t *testing.T, k kernel.Kernel, d *kernel.Descriptor, p kernel.TuningParameters, inputs [][]float32, outLen int) []float32 {
	t.Helper()
	buffers := make([]gpu.Buffer, 0, len(inputs)+1)
	for _, in := range inputs {
		if in == nil {
			buffers = append(buffers, nil)
			continue
		}
		b, err := h.dev.Allocate(len(in) * 4)
		require.NoError(t, err)
		require.NoError(t, h.dev.Upload(b, 0, gpu.Float32ToBytes(in)))
		buffers = append(buffers, b)
	}
	out, err := h.dev.Allocate(outLen * 4)
	require.NoError(t, err)
	buffers = append(buffers, out)

	prog, err := h.cache.Get(k.Specialize(d, p))
	require.NoError(t, err)
	for _, disp := range k.Plan(d, p) {
		bindings := make([]gpu.Buffer, len(disp.Bindings))
		for i, idx := range disp.Bindings {
			bindings[i] = buffers[idx]
		}
		require.NoError(t, h.dev.Dispatch(prog, bindings, disp.Uniforms, disp.Groups))
		h.dev.Barrier()
	}
	host := make([]byte, outLen*4)
	require.NoError(t, h.dev.Download(out, 0, host))
	return gpu.BytesToFloat32(host)
}

func convDescriptor(in kernel.Shape, outC, fh, fw, stride, pad int, act model.FuseCode, bias bool) *kernel.Descriptor {
	d := &kernel.Descriptor{
		Kind: model.Conv2D, Batch: 2, In: in,
		Filter:  kernel.Shape{H: fh, W: fw, C: in.C},
		PadTop:  pad, PadLeft: pad, PadBottom: pad, PadRight: pad,
		StrideH: stride, StrideW: stride, DilationH: 1, DilationW: 1,
		Activation: act, HasBias: bias,
	}
	d.Out = kernel.Shape{
		H: (in.H+2*pad-fh)/stride + 1,
		W: (in.W+2*pad-fw)/stride + 1,
		C: outC,
	}
	return d
}

func TestConv_EveryCandidateMatchesReference(t *testing.T) {
	conv, _ := kernel.Lookup(model.Conv2D)
	testCases := []struct {
		name string
		d    *kernel.Descriptor
	}{
		{name: "depth 4 no padding", d: convDescriptor(kernel.Shape{H: 8, W: 8, C: 4}, 5, 3, 3, 1, 0, model.FuseNone, false)},
		{name: "depth 8 strided padded relu", d: convDescriptor(kernel.Shape{H: 9, W: 7, C: 8}, 6, 3, 3, 2, 1, model.FuseRelu, true)},
		{name: "depth 3 pointwise relu6", d: convDescriptor(kernel.Shape{H: 5, W: 5, C: 3}, 9, 1, 1, 1, 0, model.FuseRelu6, true)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			d := tc.d
			require.True(t, conv.Supported(d))
			in := pattern(d.InElements(), 0.1)
			filter := pattern(d.Out.C*d.GemmK(), 0.7)
			var bias []float32
			if d.HasBias {
				bias = pattern(d.Out.C, 1.3)
			}
			want := reference.ConvBHWC(d, in, filter, bias)
			for _, p := range kernel.Candidates(conv, d) {
				if p.Invocations() > gpu.DefaultLimits.MaxWorkgroupInvocations || p.Local[2] > gpu.DefaultLimits.MaxWorkgroupSize[2] {
					continue
				}
				got := h.run(t, conv, d, p, [][]float32{in, filter, bias}, d.OutElements())
				require.NoError(t, reference.Compare(got, want), p.String())
			}
		})
	}
}

func TestDilatedConv(t *testing.T) {
	conv, _ := kernel.Lookup(model.Conv2D)
	d := convDescriptor(kernel.Shape{H: 9, W: 9, C: 4}, 2, 3, 3, 1, 0, model.FuseNone, false)
	d.DilationH, d.DilationW = 2, 2
	d.Out.H, d.Out.W = 5, 5
	h := newHarness(t)
	in, filter := pattern(d.InElements(), 0.2), pattern(2*d.GemmK(), 0.4)
	got := h.run(t, conv, d, conv.Heuristic(d), [][]float32{in, filter, nil}, d.OutElements())
	assert.NoError(t, reference.Compare(got, reference.ConvBHWC(d, in, filter, nil)))
}

func TestKernels_MatchReference(t *testing.T) {
	testCases := []struct {
		name   string
		d      *kernel.Descriptor
		inputs [][]float32
	}{
		{
			name:   "add",
			d:      &kernel.Descriptor{Kind: model.Add, Batch: 1, In: kernel.Shape{H: 3, W: 3, C: 5}, Batch2: 1, In2: kernel.Shape{H: 3, W: 3, C: 5}, Out: kernel.Shape{H: 3, W: 3, C: 5}},
			inputs: [][]float32{pattern(45, 0), pattern(45, 1)},
		},
		{
			name: "mul broadcast relu",
			d: &kernel.Descriptor{Kind: model.Mul, Batch: 2, In: kernel.Shape{H: 3, W: 1, C: 4}, Batch2: 1, In2: kernel.Shape{H: 1, W: 5, C: 1},
				Out: kernel.Shape{H: 3, W: 5, C: 4}, Broadcast: true, Activation: model.FuseRelu},
			inputs: [][]float32{pattern(24, 0), pattern(5, 2)},
		},
		{name: "logistic", d: unaryDesc(model.Logistic), inputs: [][]float32{pattern(60, 0)}},
		{name: "tanh", d: unaryDesc(model.Tanh), inputs: [][]float32{pattern(60, 0)}},
		{name: "relu", d: unaryDesc(model.Relu), inputs: [][]float32{pattern(60, 0)}},
		{name: "relu1", d: unaryDesc(model.Relu1), inputs: [][]float32{scale(pattern(60, 0), 3)}},
		{name: "relu6", d: unaryDesc(model.Relu6), inputs: [][]float32{scale(pattern(60, 0), 9)}},
		{
			name:   "softmax",
			d:      &kernel.Descriptor{Kind: model.Softmax, Batch: 1, In: kernel.Shape{H: 1, W: 7, C: 11}, Out: kernel.Shape{H: 1, W: 7, C: 11}, Beta: 0.8},
			inputs: [][]float32{scale(pattern(77, 0), 5)},
		},
		{name: "average pool", d: poolDesc(model.AveragePool2D), inputs: [][]float32{pattern(2 * 7 * 7 * 6, 0)}},
		{name: "max pool", d: poolDesc(model.MaxPool2D), inputs: [][]float32{pattern(2 * 7 * 7 * 6, 0)}},
		{name: "l2 pool", d: poolDesc(model.L2Pool2D), inputs: [][]float32{pattern(2 * 7 * 7 * 6, 0)}},
		{
			name: "lrn",
			d: &kernel.Descriptor{Kind: model.LocalResponseNormalization, Batch: 1, In: kernel.Shape{H: 3, W: 3, C: 9}, Out: kernel.Shape{H: 3, W: 3, C: 9},
				Radius: 2, Bias: 1, Alpha: 0.5, Beta: 0.75},
			inputs: [][]float32{pattern(81, 0)},
		},
		{
			name: "concat depth",
			d: &kernel.Descriptor{Kind: model.Concatenation, Batch: 1, Axis: 3, LastAxis: true, Out: kernel.Shape{H: 2, W: 3, C: 5},
				Parts: []kernel.Part{{Batch: 1, Shape: kernel.Shape{H: 2, W: 3, C: 2}}, {Batch: 1, Shape: kernel.Shape{H: 2, W: 3, C: 3}}}},
			inputs: [][]float32{pattern(12, 0), pattern(18, 1)},
		},
		{
			name: "concat height",
			d: &kernel.Descriptor{Kind: model.Concatenation, Batch: 2, Axis: 1, Out: kernel.Shape{H: 5, W: 2, C: 2},
				Parts: []kernel.Part{{Batch: 2, Shape: kernel.Shape{H: 1, W: 2, C: 2}}, {Batch: 2, Shape: kernel.Shape{H: 4, W: 2, C: 2}}}},
			inputs: [][]float32{pattern(8, 0), pattern(32, 1)},
		},
		{
			name: "depthwise multiplier 2",
			d: &kernel.Descriptor{Kind: model.DepthwiseConv2D, Batch: 1, In: kernel.Shape{H: 6, W: 6, C: 3}, Out: kernel.Shape{H: 6, W: 6, C: 6},
				Filter: kernel.Shape{H: 3, W: 3, C: 1}, PadTop: 1, PadLeft: 1, PadBottom: 1, PadRight: 1,
				StrideH: 1, StrideW: 1, DilationH: 1, DilationW: 1, DepthMultiplier: 2, HasBias: true, Activation: model.FuseRelu},
			inputs: [][]float32{pattern(108, 0), pattern(54, 1), pattern(6, 2)},
		},
		{
			name:   "channel expand",
			d:      kernel.ChannelExpansion(2, kernel.Shape{H: 3, W: 4, C: 3}),
			inputs: [][]float32{pattern(72, 0)},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			k, ok := kernel.Lookup(tc.d.Kind)
			require.True(t, ok)
			require.True(t, k.Supported(tc.d))
			want, err := reference.Run(tc.d, tc.inputs)
			require.NoError(t, err)

			h := newHarness(t)
			got := h.run(t, k, tc.d, k.Heuristic(tc.d), tc.inputs, len(want))
			assert.NoError(t, reference.Compare(got, want))
		})
	}
}

func TestKernels_WrapPastGroupLimit(t *testing.T) {
	h := newHarness(t)
	h.dev.SetLimits(gpu.Limits{
		MaxWorkgroupInvocations: 256,
		MaxWorkgroupSize:        [3]int{256, 256, 64},
		MaxWorkgroupCount:       [3]int{3, 100, 100},
	})
	s := kernel.Shape{H: 9, W: 11, C: 7}

	relu, _ := kernel.Lookup(model.Relu)
	d := &kernel.Descriptor{Kind: model.Relu, Batch: 1, In: s, Out: s, GroupLimit: 3}
	in := pattern(d.InElements(), 0.5)
	want, err := reference.Run(d, [][]float32{in})
	require.NoError(t, err)
	got := h.run(t, relu, d, relu.Heuristic(d), [][]float32{in}, len(want))
	assert.NoError(t, reference.Compare(got, want))

	expand, _ := kernel.Lookup(model.ChannelExpand)
	e := kernel.ChannelExpansion(2, kernel.Shape{H: 13, W: 10, C: 3})
	e.GroupLimit = 3
	in = pattern(e.InElements(), 1.5)
	want, err = reference.Run(e, [][]float32{in})
	require.NoError(t, err)
	got = h.run(t, expand, e, expand.Heuristic(e), [][]float32{in}, len(want))
	assert.NoError(t, reference.Compare(got, want))
}

func unaryDesc(kind model.OperationType) *kernel.Descriptor {
	s := kernel.Shape{H: 3, W: 4, C: 5}
	return &kernel.Descriptor{Kind: kind, Batch: 1, In: s, Out: s}
}

func poolDesc(kind model.OperationType) *kernel.Descriptor {
	return &kernel.Descriptor{
		Kind: kind, Batch: 2, In: kernel.Shape{H: 7, W: 7, C: 6}, Out: kernel.Shape{H: 4, W: 4, C: 6},
		Filter: kernel.Shape{H: 3, W: 3, C: 6}, PadTop: 1, PadLeft: 1, PadBottom: 1, PadRight: 1,
		StrideH: 2, StrideW: 2, DilationH: 1, DilationW: 1,
	}
}

func scale(v []float32, f float32) []float32 {
	for i := range v {
		v[i] *= f
	}
	return v
}
