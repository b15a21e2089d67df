package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/nn-gpu/internal/gpu"
	"github.com/fxnlabs/nn-gpu/internal/model"
)

func testConv() *Descriptor {
	return &Descriptor{
		Kind:    model.Conv2D,
		Batch:   1,
		In:      Shape{H: 8, W: 8, C: 4},
		Out:     Shape{H: 6, W: 6, C: 1},
		Filter:  Shape{H: 3, W: 3, C: 4},
		StrideH: 1, StrideW: 1,
		DilationH: 1, DilationW: 1,
	}
}

func TestSignature(t *testing.T) {
	d := testConv()
	assert.Equal(t, "optype3_batch1_in8_8_4_out6_6_1_filter3_3_pad0_0_stride1_1_activation0_bias0", d.Signature())

	d.HasBias = true
	d.Activation = model.FuseRelu6
	d.PadTop, d.PadLeft, d.PadBottom = 1, 2, 5
	assert.Equal(t, "optype3_batch1_in8_8_4_out6_6_1_filter3_3_pad1_2_stride1_1_activation3_bias1", d.Signature())
}

func TestParseTuning(t *testing.T) {
	p := TuningParameters{Family: FamilyGemm4x8, Local: [3]int{8, 8, 1}, Block: [3]int{4, 8, 1}}
	assert.Equal(t, "gemm4x8_8_8_1_4_8_1", p.String())

	parsed, err := ParseTuning("gemm4x8_8_8_1_4_8_1")
	require.NoError(t, err)
	assert.Equal(t, p, parsed)
	assert.Equal(t, 64, parsed.Invocations())

	for _, bad := range []string{"", "gemm4x8_8_8_1_4_8", "winograd_1_1_1_1_1_1", "basic_1_1_0_1_1_1", "basic_a_1_1_1_1_1"} {
		_, err := ParseTuning(bad)
		assert.Error(t, err, bad)
	}
}

func TestSource_Deterministic(t *testing.T) {
	k, ok := Lookup(model.Conv2D)
	require.True(t, ok)
	d := testConv()
	for _, p := range Candidates(k, d) {
		s := k.Specialize(d, p)
		a, b := Source(s), Source(k.Specialize(d, p))
		require.Equal(t, a.Text, b.Text, p.String())
		assert.Equal(t, s.Key(), a.Name)

		parsed, err := gpu.ParseSource(a)
		require.NoError(t, err, p.String())
		assert.Equal(t, s.Entry, parsed.Entry)
		assert.Equal(t, p.Local, parsed.LocalSize)
		for _, o := range s.Overrides {
			assert.Equal(t, o.Value, parsed.Constants[o.Name], o.Name)
		}
	}
}

func TestVariantKey(t *testing.T) {
	conv, _ := Lookup(model.Conv2D)
	d := testConv()
	p := conv.Heuristic(d)

	t.Run("shape is not part of the key", func(t *testing.T) {
		other := testConv()
		other.In = Shape{H: 32, W: 32, C: 8}
		other.Out = Shape{H: 30, W: 30, C: 16}
		other.Filter.C = 8
		assert.Equal(t, VariantKey(conv, d, p), VariantKey(conv, other, p))
	})

	t.Run("activation and bias are", func(t *testing.T) {
		relu := testConv()
		relu.Activation = model.FuseRelu
		assert.NotEqual(t, VariantKey(conv, d, p), VariantKey(conv, relu, p))
		biased := testConv()
		biased.HasBias = true
		assert.NotEqual(t, VariantKey(conv, d, p), VariantKey(conv, biased, p))
	})

	t.Run("tuning is", func(t *testing.T) {
		q := p
		q.Local = [3]int{16, 16, 1}
		assert.NotEqual(t, VariantKey(conv, d, p), VariantKey(conv, d, q))
	})

	t.Run("softmax beta is not", func(t *testing.T) {
		sm, _ := Lookup(model.Softmax)
		a := &Descriptor{Kind: model.Softmax, Batch: 1, In: Shape{1, 1, 10}, Out: Shape{1, 1, 10}, Beta: 1}
		b := *a
		b.Beta = 0.5
		assert.Equal(t, VariantKey(sm, a, sm.Heuristic(a)), VariantKey(sm, &b, sm.Heuristic(&b)))
	})
}

func TestConvFamilies(t *testing.T) {
	conv, _ := Lookup(model.Conv2D)
	assert.True(t, conv.Tunable())

	d := testConv()
	assert.Equal(t, []Family{FamilyGemm4x8, FamilyGemm4x4, FamilyGemm1, FamilyBasic}, conv.Families(d))

	three := testConv()
	three.In.C, three.Filter.C = 3, 3
	assert.Equal(t, []Family{FamilyGemm1, FamilyBasic}, conv.Families(three))
	assert.Equal(t, FamilyBasic, conv.Heuristic(three).Family)

	cands := Candidates(conv, d)
	require.NotEmpty(t, cands)
	assert.Equal(t, FamilyGemm4x8, cands[0].Family, "tiled families first")
	assert.Equal(t, FamilyBasic, cands[len(cands)-1].Family, "basic last")
	for _, c := range cands {
		if c.Family == FamilyGemm4x4 {
			assert.Equal(t, [3]int{4, 4, 1}, c.Block)
		}
		assert.True(t, Applies(conv, d, c))
	}
	assert.False(t, Applies(conv, three, TuningParameters{Family: FamilyGemm4x4}))
}

func TestChannelExpandCandidates(t *testing.T) {
	k, ok := Lookup(model.ChannelExpand)
	require.True(t, ok)
	d := ChannelExpansion(1, Shape{H: 4, W: 4, C: 3})
	assert.True(t, k.Supported(d))
	for _, c := range Candidates(k, d) {
		assert.Equal(t, FamilyChannelPad, c.Family)
		assert.Equal(t, [3]int{1, 1, 1}, c.Block)
		assert.Equal(t, 1, c.Local[1]*c.Local[2])
	}
}

func TestRegistry(t *testing.T) {
	kinds := Kinds()
	assert.Len(t, kinds, 17)
	assert.Equal(t, model.Add, kinds[0])
	assert.Equal(t, model.ChannelExpand, kinds[len(kinds)-1])

	tmpl := Templates()
	for entry := range programs {
		assert.Contains(t, tmpl, entry)
	}
	_, ok := Lookup(model.OperationType(99))
	assert.False(t, ok)
}

func TestProgramCache(t *testing.T) {
	dev := gpu.NewCPUDevice(zap.NewNop(), Templates())
	defer dev.Close()
	cache := NewProgramCache(dev, zap.NewNop())

	conv, _ := Lookup(model.Conv2D)
	d := testConv()
	p := conv.Heuristic(d)

	first, err := cache.Get(conv.Specialize(d, p))
	require.NoError(t, err)
	again, err := cache.Get(conv.Specialize(d, p))
	require.NoError(t, err)
	assert.Same(t, first, again)

	// Another shape with the same specialization shares the program.
	other := testConv()
	other.In = Shape{H: 16, W: 16, C: 4}
	other.Out = Shape{H: 14, W: 14, C: 1}
	_, err = cache.Get(conv.Specialize(other, p))
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Compiles())
	assert.Equal(t, int64(1), dev.Stats().Compiles)

	q := p
	q.Family, q.Block = FamilyGemm1, [3]int{1, 1, 1}
	_, err = cache.Get(conv.Specialize(d, q))
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())
}

func TestLinearGroups(t *testing.T) {
	groups, span := linearGroups(100, 64, defaultGroupLimit)
	assert.Equal(t, [3]int{2, 1, 1}, groups)
	assert.Equal(t, 128, span)

	groups, span = linearGroups(64*defaultGroupLimit+1, 64, defaultGroupLimit)
	assert.Equal(t, [3]int{defaultGroupLimit, 2, 1}, groups)
	assert.Equal(t, 64*defaultGroupLimit, span)

	groups, span = linearGroups(1000, 64, 4)
	assert.Equal(t, [3]int{4, 4, 1}, groups)
	assert.Equal(t, 256, span)

	groups, _ = linearGroups(0, 64, defaultGroupLimit)
	assert.Equal(t, [3]int{1, 1, 1}, groups)
}

func TestDescriptor_GroupLimit(t *testing.T) {
	relu, ok := Lookup(model.Relu)
	require.True(t, ok)
	s := Shape{H: 10, W: 10, C: 10}
	d := &Descriptor{Kind: model.Relu, Batch: 1, In: s, Out: s}
	p := relu.Heuristic(d)
	assert.Equal(t, [3]int{16, 1, 1}, relu.Plan(d, p)[0].Groups)

	d.GroupLimit = 5
	assert.Equal(t, [3]int{5, 4, 1}, relu.Plan(d, p)[0].Groups)
	assert.Equal(t, d.Signature(), (&Descriptor{Kind: model.Relu, Batch: 1, In: s, Out: s}).Signature())
}

func TestFits(t *testing.T) {
	relu, _ := Lookup(model.Relu)
	s := Shape{H: 4, W: 4, C: 4}
	d := &Descriptor{Kind: model.Relu, Batch: 1, In: s, Out: s}
	limits := gpu.Limits{
		MaxWorkgroupInvocations: 32,
		MaxWorkgroupSize:        [3]int{32, 32, 32},
		MaxWorkgroupCount:       [3]int{100, 100, 100},
	}

	p := relu.Heuristic(d)
	require.Equal(t, [3]int{64, 1, 1}, p.Local)
	assert.ErrorIs(t, Fits(relu, d, p, limits, false), gpu.ErrLimits)

	p, ok := Shrink(p)
	require.True(t, ok)
	assert.Equal(t, [3]int{32, 1, 1}, p.Local)
	assert.NoError(t, Fits(relu, d, p, limits, false))
	assert.ErrorIs(t, Fits(relu, d, p, limits, true), gpu.ErrLimits)
}

func TestShrink(t *testing.T) {
	p := TuningParameters{Family: FamilyBasic, Local: [3]int{8, 16, 1}, Block: [3]int{1, 1, 4}}
	p, ok := Shrink(p)
	require.True(t, ok)
	assert.Equal(t, [3]int{8, 8, 1}, p.Local)
	assert.Equal(t, [3]int{1, 1, 4}, p.Block)

	p, ok = Shrink(p)
	require.True(t, ok)
	assert.Equal(t, [3]int{4, 8, 1}, p.Local)

	_, ok = Shrink(TuningParameters{Local: [3]int{1, 1, 1}})
	assert.False(t, ok)
}
