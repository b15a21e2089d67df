package executor

import (
	"fmt"
	"math"

	"github.com/fxnlabs/nn-gpu/internal/gpu"
	"github.com/fxnlabs/nn-gpu/internal/kernel"
	"github.com/fxnlabs/nn-gpu/internal/model"
	"github.com/fxnlabs/nn-gpu/internal/reference"
	"github.com/fxnlabs/nn-gpu/internal/tuning"
)

// sentinelWord is a NaN pattern written to the output before a verification
// run, so elements a candidate fails to write never compare equal.
const sentinelWord = 0xffc0dead

// trial runs candidates of one kernel on synthetic data with the shape of
// the real operation.
type trial struct {
	device   gpu.Device
	programs *kernel.ProgramCache
	kernel   kernel.Kernel
	desc     *kernel.Descriptor
	buffers  []gpu.Buffer
	expected []float32
}

// syntheticInputs fills every tensor input of d with deterministic data.
func syntheticInputs(d *kernel.Descriptor) [][]float32 {
	wave := func(n int, phase float64) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = float32(math.Sin(float64(i)*0.61+phase) * 0.5)
		}
		return v
	}
	switch d.Kind {
	case model.Conv2D:
		var bias []float32
		if d.HasBias {
			bias = wave(d.Out.C, 2)
		}
		return [][]float32{wave(d.InElements(), 0), wave(d.Out.C*d.GemmK(), 1), bias}
	case model.DepthwiseConv2D:
		var bias []float32
		if d.HasBias {
			bias = wave(d.Out.C, 2)
		}
		return [][]float32{wave(d.InElements(), 0), wave(d.Filter.H*d.Filter.W*d.Out.C, 1), bias}
	case model.Add, model.Mul:
		return [][]float32{wave(d.InElements(), 0), wave(d.Batch2*d.In2.H*d.In2.W*d.In2.C, 1)}
	case model.Concatenation:
		parts := make([][]float32, len(d.Parts))
		for i, p := range d.Parts {
			parts[i] = wave(p.Batch*p.H*p.W*p.C, float64(i))
		}
		return parts
	default:
		return [][]float32{wave(d.InElements(), 0)}
	}
}

func newTrial(device gpu.Device, programs *kernel.ProgramCache, k kernel.Kernel, d *kernel.Descriptor) (tuning.Trial, error) {
	inputs := syntheticInputs(d)
	expected, err := reference.Run(d, inputs)
	if err != nil {
		return nil, err
	}
	t := &trial{device: device, programs: programs, kernel: k, desc: d, expected: expected}
	for _, in := range inputs {
		if in == nil {
			t.buffers = append(t.buffers, nil)
			continue
		}
		b, err := device.Allocate(len(in) * 4)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("failed to allocate trial input: %w", err)
		}
		t.buffers = append(t.buffers, b)
		if err := device.Upload(b, 0, gpu.Float32ToBytes(in)); err != nil {
			t.Close()
			return nil, err
		}
	}
	out, err := device.Allocate(len(expected) * 4)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to allocate trial output: %w", err)
	}
	t.buffers = append(t.buffers, out)
	return t, nil
}

func (t *trial) output() gpu.Buffer {
	return t.buffers[len(t.buffers)-1]
}

func (t *trial) Run(p kernel.TuningParameters) error {
	prog, err := t.programs.Get(t.kernel.Specialize(t.desc, p))
	if err != nil {
		return err
	}
	return dispatch(t.device, prog, t.kernel.Plan(t.desc, p), t.buffers)
}

func (t *trial) WaitIdle() error {
	return t.device.WaitIdle()
}

func (t *trial) ResetOutput() error {
	return t.device.Fill(t.output(), sentinelWord)
}

func (t *trial) Verify() error {
	data := make([]byte, len(t.expected)*4)
	if err := t.device.Download(t.output(), 0, data); err != nil {
		return err
	}
	return reference.Compare(gpu.BytesToFloat32(data), t.expected)
}

func (t *trial) Close() {
	for _, b := range t.buffers {
		if b != nil {
			t.device.Free(b)
		}
	}
	t.buffers = nil
}
