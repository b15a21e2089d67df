package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/nn-gpu/internal/gpu"
	"github.com/fxnlabs/nn-gpu/internal/model"
)

func newTestManager(t *testing.T) (*Manager, *gpu.CPUDevice) {
	t.Helper()
	dev := gpu.NewCPUDevice(zap.NewNop(), nil)
	t.Cleanup(func() { _ = dev.Close() })
	return NewManager(dev, zap.NewNop()), dev
}

func download(t *testing.T, dev gpu.Device, b gpu.Buffer, n int) []float32 {
	t.Helper()
	data := make([]byte, n*4)
	require.NoError(t, dev.Download(b, 0, data))
	return gpu.BytesToFloat32(data)
}

type graph struct {
	m                        *model.Model
	in, c, tmp, out, omitted int
}

// in + c -> tmp -> relu -> out
func newGraph() graph {
	b := model.NewBuilder()
	var g graph
	g.in = b.Input(4)
	g.c = b.Constant([]float32{1, 2, 3, 4}, 4)
	fuse := b.Int(0)
	g.tmp = b.Temporary(4)
	g.out = b.Output(4)
	g.omitted = b.Omitted()
	b.Operation(model.Add, []int{g.in, g.c, fuse}, g.tmp)
	b.Operation(model.Relu, []int{g.tmp}, g.out)
	g.m = b.Build()
	return g
}

func newRequest(input []float32) (*model.Request, []byte) {
	pool := make([]byte, 32)
	copy(pool, gpu.Float32ToBytes(input))
	return &model.Request{
		Inputs:  []model.RequestArgument{{Location: model.DataLocation{PoolIndex: 0, Offset: 0, Length: 16}}},
		Outputs: []model.RequestArgument{{Location: model.DataLocation{PoolIndex: 0, Offset: 16, Length: 16}}},
		Pools:   []model.Memory{model.SharedMemory(pool)},
	}, pool
}

func TestManager_Resolve(t *testing.T) {
	m, dev := newTestManager(t)
	g := newGraph()
	require.NoError(t, m.BindModel(g.m))
	req, _ := newRequest([]float32{-1, 0, 1, 2})
	require.NoError(t, m.BindRequest(req))

	tests := []struct {
		name      string
		operand   int
		kind      Kind
		refs      int
		needsSync bool
		want      []float32
	}{
		{"model input", g.in, KindRequest, 0, false, []float32{-1, 0, 1, 2}},
		{"constant", g.c, KindModel, 0, false, []float32{1, 2, 3, 4}},
		{"temporary", g.tmp, KindIntermediate, 1, false, nil},
		{"model output", g.out, KindRequest, 0, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := m.Resolve(tt.operand)
			require.NoError(t, err)
			require.NotNil(t, b)

			again, err := m.Resolve(tt.operand)
			require.NoError(t, err)
			assert.Same(t, b, again)

			info, ok := m.Info(tt.operand)
			require.True(t, ok)
			assert.Equal(t, tt.kind, info.Kind)
			assert.Equal(t, tt.needsSync, info.NeedsSync)
			assert.True(t, info.InUse)
			if tt.kind == KindIntermediate {
				assert.Equal(t, tt.refs, info.RefCount)
			}
			if tt.want != nil {
				assert.Equal(t, tt.want, download(t, dev, b, 4))
			}
		})
	}

	t.Run("omitted", func(t *testing.T) {
		b, err := m.Resolve(g.omitted)
		require.NoError(t, err)
		assert.Nil(t, b)
	})

	t.Run("out of range", func(t *testing.T) {
		_, err := m.Resolve(len(g.m.Operands))
		assert.Error(t, err)
	})
}

func TestManager_IntermediateReuse(t *testing.T) {
	b := model.NewBuilder()
	in := b.Input(4)
	t1 := b.Temporary(4)
	t2 := b.Temporary(2, 2)
	t3 := b.Temporary(8)
	out := b.Output(8)
	b.Operation(model.Relu, []int{in}, t1)
	b.Operation(model.Relu, []int{t1}, t2)
	b.Operation(model.Relu, []int{t2}, t3)
	b.Operation(model.Relu, []int{t3}, out)
	mdl := b.Build()

	m, _ := newTestManager(t)
	require.NoError(t, m.BindModel(mdl))

	first, err := m.Resolve(t1)
	require.NoError(t, err)
	m.Release(t1)
	inUse, free := m.Intermediates()
	assert.Equal(t, 0, inUse)
	assert.Equal(t, 1, free)
	_, ok := m.Info(t1)
	assert.False(t, ok, "released operand is unbound")

	second, err := m.Resolve(t2)
	require.NoError(t, err)
	assert.Same(t, first, second, "equal size buffer is reused")

	third, err := m.Resolve(t3)
	require.NoError(t, err)
	assert.NotSame(t, first, third, "different size allocates")
	inUse, free = m.Intermediates()
	assert.Equal(t, 2, inUse)
	assert.Equal(t, 0, free)
}

func TestManager_ReleaseUnderflow(t *testing.T) {
	b := model.NewBuilder()
	in := b.Input(4)
	dead := b.Temporary(4)
	b.Operation(model.Relu, []int{in}, dead)
	mdl := b.Build()

	m, _ := newTestManager(t)
	require.NoError(t, m.BindModel(mdl))
	_, err := m.Resolve(dead)
	require.NoError(t, err)

	assert.PanicsWithValue(t, "memory: reference count underflow on operand 1", func() { m.Release(dead) })
}

func TestManager_Alias(t *testing.T) {
	b := model.NewBuilder()
	in := b.Input(2, 2)
	src := b.Temporary(2, 2)
	dst := b.Temporary(4)
	out := b.Output(4)
	shape := b.ConstantInts([]int{4}, 1)
	b.Operation(model.Relu, []int{in}, src)
	b.Operation(model.Reshape, []int{src, shape}, dst)
	b.Operation(model.Add, []int{dst, dst, b.Int(0)}, out)
	mdl := b.Build()

	m, _ := newTestManager(t)
	require.NoError(t, m.BindModel(mdl))
	srcBuf, err := m.Resolve(src)
	require.NoError(t, err)

	require.NoError(t, m.Alias(dst, src))
	dstBuf, err := m.Resolve(dst)
	require.NoError(t, err)
	assert.Same(t, srcBuf, dstBuf)

	info, _ := m.Info(dst)
	assert.Equal(t, 3, info.RefCount, "consumers of both operands")

	m.Release(src)
	m.Release(dst)
	_, free := m.Intermediates()
	assert.Equal(t, 0, free)
	m.Release(dst)
	_, free = m.Intermediates()
	assert.Equal(t, 1, free)

	assert.Error(t, m.Alias(dst, in), "model input without a bound request")
}

func TestManager_AliasToOutputCopies(t *testing.T) {
	b := model.NewBuilder()
	in := b.Input(2, 2)
	out := b.Output(4)
	b.Operation(model.Reshape, []int{in, b.ConstantInts([]int{4}, 1)}, out)
	mdl := b.Build()

	m, dev := newTestManager(t)
	require.NoError(t, m.BindModel(mdl))
	pool := make([]byte, 32)
	copy(pool, gpu.Float32ToBytes([]float32{1, 2, 3, 4}))
	req := &model.Request{
		Inputs:  []model.RequestArgument{{Location: model.DataLocation{Length: 16}}},
		Outputs: []model.RequestArgument{{Location: model.DataLocation{Offset: 16, Length: 16}}},
		Pools:   []model.Memory{model.SharedMemory(pool)},
	}
	require.NoError(t, m.BindRequest(req))

	require.NoError(t, m.Alias(out, in))
	inBuf, _ := m.Resolve(in)
	outBuf, _ := m.Resolve(out)
	assert.NotSame(t, inBuf, outBuf)
	assert.Equal(t, []float32{1, 2, 3, 4}, download(t, dev, outBuf, 4))

	require.NoError(t, m.SyncOutputs())
	assert.Equal(t, []float32{1, 2, 3, 4}, gpu.BytesToFloat32(pool[16:]))
}

func TestManager_Requests(t *testing.T) {
	m, dev := newTestManager(t)
	g := newGraph()
	require.NoError(t, m.BindModel(g.m))

	req, pool := newRequest([]float32{1, 1, 1, 1})
	require.NoError(t, m.BindRequest(req))
	constant, err := m.Resolve(g.c)
	require.NoError(t, err)
	_, err = m.Resolve(g.tmp)
	require.NoError(t, err)
	out, err := m.Resolve(g.out)
	require.NoError(t, err)
	require.NoError(t, dev.Upload(out, 0, gpu.Float32ToBytes([]float32{5, 6, 7, 8})))
	require.NoError(t, m.SyncOutputs())
	assert.Equal(t, []float32{5, 6, 7, 8}, gpu.BytesToFloat32(pool[16:]))

	req2, _ := newRequest([]float32{2, 2, 2, 2})
	require.NoError(t, m.BindRequest(req2))

	inUse, free := m.Intermediates()
	assert.Equal(t, 0, inUse, "intermediates reset between requests")
	assert.Equal(t, 1, free)

	again, err := m.Resolve(g.c)
	require.NoError(t, err)
	assert.Same(t, constant, again, "constants live as long as the model")

	in, err := m.Resolve(g.in)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2, 2, 2}, download(t, dev, in, 4))
}

func TestManager_BindRequestErrors(t *testing.T) {
	g := newGraph()

	t.Run("short shared pool", func(t *testing.T) {
		m, _ := newTestManager(t)
		require.NoError(t, m.BindModel(g.m))
		req, _ := newRequest(make([]float32, 4))
		req.Pools[0].Size = 64
		assert.ErrorIs(t, m.BindRequest(req), ErrPoolMapping)
	})

	t.Run("bad file descriptor", func(t *testing.T) {
		m, _ := newTestManager(t)
		require.NoError(t, m.BindModel(g.m))
		req, _ := newRequest(make([]float32, 4))
		req.Pools[0] = model.FileMemory(-1, 0, 32)
		assert.ErrorIs(t, m.BindRequest(req), ErrPoolMapping)
	})

	t.Run("argument count", func(t *testing.T) {
		m, _ := newTestManager(t)
		require.NoError(t, m.BindModel(g.m))
		req, _ := newRequest(make([]float32, 4))
		req.Outputs = nil
		assert.Error(t, m.BindRequest(req))
	})

	t.Run("no model", func(t *testing.T) {
		m, _ := newTestManager(t)
		req, _ := newRequest(make([]float32, 4))
		assert.Error(t, m.BindRequest(req))
	})

	t.Run("short output binding", func(t *testing.T) {
		m, _ := newTestManager(t)
		require.NoError(t, m.BindModel(g.m))
		req, _ := newRequest(make([]float32, 4))
		req.Outputs[0].Location.Length = 4
		assert.ErrorIs(t, m.BindRequest(req), ErrRequestArgument)
	})

	t.Run("short input binding", func(t *testing.T) {
		m, _ := newTestManager(t)
		require.NoError(t, m.BindModel(g.m))
		req, _ := newRequest(make([]float32, 4))
		req.Inputs[0].Location.Length = 12
		assert.ErrorIs(t, m.BindRequest(req), ErrRequestArgument)
	})

	t.Run("mismatched dimensions", func(t *testing.T) {
		m, _ := newTestManager(t)
		require.NoError(t, m.BindModel(g.m))
		req, _ := newRequest(make([]float32, 4))
		req.Inputs[0].Dimensions = []int{2, 2}
		assert.ErrorIs(t, m.BindRequest(req), ErrRequestArgument)
		req.Inputs[0].Dimensions = []int{8}
		assert.ErrorIs(t, m.BindRequest(req), ErrRequestArgument)
	})

	t.Run("matching dimensions", func(t *testing.T) {
		m, _ := newTestManager(t)
		require.NoError(t, m.BindModel(g.m))
		req, _ := newRequest([]float32{1, 2, 3, 4})
		req.Inputs[0].Dimensions = []int{4}
		req.Outputs[0].Location.Length = 0
		require.NoError(t, m.BindRequest(req))
		_, err := m.Resolve(g.out)
		assert.NoError(t, err)
	})
}

func TestManager_ResolveChecksBindingLength(t *testing.T) {
	m, _ := newTestManager(t)
	g := newGraph()
	require.NoError(t, m.BindModel(g.m))
	req, _ := newRequest(make([]float32, 4))
	require.NoError(t, m.BindRequest(req))

	// The request is shared with the caller, which may edit it after binding.
	req.Outputs[0].Location.Length = 8
	_, err := m.Resolve(g.out)
	assert.ErrorIs(t, err, ErrRequestArgument)
	assert.Zero(t, m.Allocated())
}

// failingUpload is a CPU device whose uploads fail.
type failingUpload struct {
	*gpu.CPUDevice
}

func (failingUpload) Upload(gpu.Buffer, int, []byte) error {
	return errors.New("upload failed")
}

func TestManager_UploadFailureFreesBuffer(t *testing.T) {
	dev := gpu.NewCPUDevice(zap.NewNop(), nil)
	t.Cleanup(func() { _ = dev.Close() })
	m := NewManager(failingUpload{dev}, zap.NewNop())
	g := newGraph()
	require.NoError(t, m.BindModel(g.m))
	req, _ := newRequest([]float32{1, 2, 3, 4})
	require.NoError(t, m.BindRequest(req))

	_, err := m.Resolve(g.c)
	assert.Error(t, err)
	_, err = m.Resolve(g.in)
	assert.Error(t, err)

	assert.Zero(t, m.Allocated())
	assert.Zero(t, dev.Stats().AllocatedBytes)
	_, ok := m.Info(g.c)
	assert.False(t, ok)
}

func TestManager_Scratch(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.BindModel(newGraph().m))

	a, err := m.Scratch(64)
	require.NoError(t, err)
	m.Recycle(a)
	b, err := m.Scratch(64)
	require.NoError(t, err)
	assert.Same(t, a, b)

	assert.Panics(t, func() { m.Recycle(a); m.Recycle(a) })
}

func TestManager_Close(t *testing.T) {
	m, dev := newTestManager(t)
	g := newGraph()
	require.NoError(t, m.BindModel(g.m))
	req, _ := newRequest([]float32{1, 2, 3, 4})
	require.NoError(t, m.BindRequest(req))
	for _, op := range []int{g.in, g.c, g.tmp, g.out} {
		_, err := m.Resolve(op)
		require.NoError(t, err)
	}
	_, err := m.ModelBuffer(64)
	require.NoError(t, err)
	assert.Positive(t, m.Allocated())

	require.NoError(t, m.Close())
	assert.Zero(t, m.Allocated())
	assert.Zero(t, dev.Stats().AllocatedBytes)
}
