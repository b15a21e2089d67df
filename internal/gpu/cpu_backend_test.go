package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const scaleSource = `override SCALE: f32 = 2.0;
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<f32>;
@compute @workgroup_size(%d, 1, 1)
fn scale(@builtin(global_invocation_id) gid: vec3<u32>) {
	if (gid.x >= params.n) { return; }
	dst[gid.x] = src[gid.x] * SCALE;
}`

func scaleTemplate(c Constants) (Kernel, error) {
	s := c.Float("SCALE")
	return func(inv Invocation, args Args) {
		i := inv.Global[0]
		if i >= args.Uniforms.Int(0) {
			return
		}
		args.Buffers[1][i] = args.Buffers[0][i] * s
	}, nil
}

func newTestDevice(t *testing.T) *CPUDevice {
	t.Helper()
	dev := NewCPUDevice(zap.NewNop(), map[string]Template{"scale": scaleTemplate})
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func compileScale(t *testing.T, dev *CPUDevice, local int) Program {
	t.Helper()
	text := fmtSource(scaleSource, local)
	p, err := dev.Compile(Source{Name: "scale", Text: text})
	require.NoError(t, err)
	return p
}

func TestCPUDevice_Info(t *testing.T) {
	dev := newTestDevice(t)
	info := dev.Info()
	assert.Contains(t, info.Name, "CPU")
	assert.Greater(t, info.TotalMemory, int64(0))
	assert.Equal(t, DefaultLimits, dev.Limits())
}

func TestCPUDevice_UploadDownload(t *testing.T) {
	dev := newTestDevice(t)
	buf, err := dev.Allocate(16)
	require.NoError(t, err)
	assert.Equal(t, int64(16), dev.Stats().AllocatedBytes)

	require.NoError(t, dev.Upload(buf, 4, Float32ToBytes([]float32{1, 2})))
	out := make([]byte, 16)
	require.NoError(t, dev.Download(buf, 0, out))
	assert.Equal(t, []float32{0, 1, 2, 0}, BytesToFloat32(out))

	assert.Error(t, dev.Upload(buf, 2, make([]byte, 4)), "unaligned")
	assert.Error(t, dev.Upload(buf, 12, make([]byte, 8)), "overflow")

	require.NoError(t, dev.Fill(buf, 0x3f800000))
	require.NoError(t, dev.Download(buf, 0, out))
	assert.Equal(t, []float32{1, 1, 1, 1}, BytesToFloat32(out))

	dev.Free(buf)
	assert.Equal(t, int64(0), dev.Stats().AllocatedBytes)
	assert.Error(t, dev.Download(buf, 0, out), "use after free")
}

func TestCPUDevice_Copy(t *testing.T) {
	dev := newTestDevice(t)
	src, err := dev.Allocate(8)
	require.NoError(t, err)
	dst, err := dev.Allocate(8)
	require.NoError(t, err)
	require.NoError(t, dev.Upload(src, 0, Float32ToBytes([]float32{3, 4})))
	require.NoError(t, dev.Copy(dst, src, 8))

	out := make([]byte, 8)
	require.NoError(t, dev.Download(dst, 0, out))
	assert.Equal(t, []float32{3, 4}, BytesToFloat32(out))
	assert.Error(t, dev.Copy(dst, src, 12))
}

func TestCPUDevice_CompileAndDispatch(t *testing.T) {
	testCases := []struct {
		name  string
		n     int
		local int
	}{
		{name: "single group", n: 5, local: 8},
		{name: "ragged groups", n: 37, local: 8},
		{name: "parallel groups", n: 20000, local: 64},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dev := newTestDevice(t)
			p := compileScale(t, dev, tc.local)
			assert.Equal(t, "scale", p.Entry())
			assert.Equal(t, [3]int{tc.local, 1, 1}, p.LocalSize())

			in := make([]float32, tc.n)
			for i := range in {
				in[i] = float32(i)
			}
			src, err := dev.Allocate(tc.n * 4)
			require.NoError(t, err)
			dst, err := dev.Allocate(tc.n * 4)
			require.NoError(t, err)
			require.NoError(t, dev.Upload(src, 0, Float32ToBytes(in)))

			groups := [3]int{(tc.n + tc.local - 1) / tc.local, 1, 1}
			err = dev.Dispatch(p, []Buffer{src, dst}, Uniforms{}.AppendInt(tc.n), groups)
			require.NoError(t, err)
			dev.Barrier()
			require.NoError(t, dev.WaitIdle())

			out := make([]byte, tc.n*4)
			require.NoError(t, dev.Download(dst, 0, out))
			for i, v := range BytesToFloat32(out) {
				require.Equal(t, float32(2*i), v, "element %d", i)
			}
			assert.Equal(t, int64(1), dev.Stats().Dispatches)
			assert.Equal(t, int64(1), dev.Stats().Compiles)
		})
	}
}

func TestCPUDevice_UnknownEntry(t *testing.T) {
	dev := newTestDevice(t)
	_, err := dev.Compile(Source{Name: "x", Text: "@compute @workgroup_size(1, 1, 1) fn missing() {}"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownEntry)
	assert.Equal(t, int64(0), dev.Stats().Compiles)
}

func TestCPUDevice_DispatchLimits(t *testing.T) {
	dev := newTestDevice(t)
	dev.SetLimits(Limits{
		MaxWorkgroupInvocations: 64,
		MaxWorkgroupSize:        [3]int{64, 1, 1},
		MaxWorkgroupCount:       [3]int{4, 1, 1},
	})
	buf, err := dev.Allocate(1024 * 4)
	require.NoError(t, err)

	err = dev.Dispatch(compileScale(t, dev, 128), []Buffer{buf, buf}, Uniforms{}.AppendInt(1), [3]int{1, 1, 1})
	assert.ErrorIs(t, err, ErrLimits)

	err = dev.Dispatch(compileScale(t, dev, 64), []Buffer{buf, buf}, Uniforms{}.AppendInt(1), [3]int{5, 1, 1})
	assert.ErrorIs(t, err, ErrLimits)
	assert.Equal(t, int64(0), dev.Stats().Dispatches)
}

func TestLimits_Check(t *testing.T) {
	l := Limits{
		MaxWorkgroupInvocations: 256,
		MaxWorkgroupSize:        [3]int{256, 256, 64},
		MaxWorkgroupCount:       [3]int{100, 100, 100},
	}

	testCases := []struct {
		name   string
		local  [3]int
		groups [3]int
		strict bool
		ok     bool
	}{
		{name: "within", local: [3]int{8, 8, 1}, groups: [3]int{10, 10, 1}, ok: true},
		{name: "at invocation limit", local: [3]int{16, 16, 1}, groups: [3]int{1, 1, 1}, ok: true},
		{name: "at invocation limit strict", local: [3]int{16, 16, 1}, groups: [3]int{1, 1, 1}, strict: true},
		{name: "over invocations", local: [3]int{32, 16, 1}, groups: [3]int{1, 1, 1}},
		{name: "at group limit", local: [3]int{1, 1, 1}, groups: [3]int{100, 1, 1}, ok: true},
		{name: "at group limit strict", local: [3]int{1, 1, 1}, groups: [3]int{100, 1, 1}, strict: true},
		{name: "z axis", local: [3]int{1, 1, 65}, groups: [3]int{1, 1, 1}},
		{name: "zero groups", local: [3]int{1, 1, 1}, groups: [3]int{0, 1, 1}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := l.Check(tc.local, tc.groups, tc.strict)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrLimits)
			}
		})
	}
}

func TestCPUDevice_Close(t *testing.T) {
	dev := NewCPUDevice(nil, nil)
	_, err := dev.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, dev.Close())
	assert.Equal(t, int64(0), dev.Stats().AllocatedBytes)
	assert.Error(t, dev.WaitIdle())
	_, err = dev.Allocate(4)
	assert.Error(t, err)
	assert.NoError(t, dev.Close(), "close is idempotent")
}
