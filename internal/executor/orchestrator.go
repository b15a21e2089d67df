package executor

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/nn-gpu/internal/gpu"
	"github.com/fxnlabs/nn-gpu/internal/kernel"
	"github.com/fxnlabs/nn-gpu/internal/metrics"
	"github.com/fxnlabs/nn-gpu/internal/model"
)

// step is one operation of a prepared model with everything that does not
// depend on request data already chosen.
type step struct {
	index  int
	op     model.Operation
	kernel kernel.Kernel
	desc   *kernel.Descriptor
	params kernel.TuningParameters
	spec   kernel.Specialization
	// expand is set for convolutions over 3-channel input, which run on a
	// 4-channel copy of the activation and filter.
	expand *expansion
}

type expansion struct {
	input        *kernel.Descriptor
	inputParams  kernel.TuningParameters
	filter       *kernel.Descriptor
	filterParams kernel.TuningParameters
}

// dispatch launches every dispatch of a plan. buffers is the operation's
// buffer list; a barrier follows each launch so the next one sees its
// writes.
func dispatch(device gpu.Device, prog gpu.Program, plan []kernel.Dispatch, buffers []gpu.Buffer) error {
	for _, d := range plan {
		bindings := make([]gpu.Buffer, len(d.Bindings))
		for i, idx := range d.Bindings {
			bindings[i] = buffers[idx]
		}
		if err := device.Dispatch(prog, bindings, d.Uniforms, d.Groups); err != nil {
			return err
		}
		device.Barrier()
	}
	return nil
}

// execution is the state of one Execute call.
type execution struct {
	// expanded caches the 4-channel copy of each 3-channel activation for
	// the duration of the call, keyed by operand.
	expanded map[int]gpu.Buffer
}

// run executes one operation: resolve buffers, fetch the program, bind and
// dispatch, then release the temporaries the operation consumed.
func (p *PreparedModel) run(x *execution, s *step) error {
	start := time.Now()
	mem := p.mem
	n := kernel.TensorInputs(s.op)
	out := s.op.Outputs[0]

	if s.op.Type == model.Reshape {
		if err := mem.Alias(out, s.op.Inputs[0]); err != nil {
			return err
		}
		p.releaseInputs(s.op, n)
		return nil
	}

	buffers := make([]gpu.Buffer, 0, n+1)
	for _, in := range s.op.Inputs[:n] {
		b, err := mem.Resolve(in)
		if err != nil {
			return err
		}
		buffers = append(buffers, b)
	}
	ob, err := mem.Resolve(out)
	if err != nil {
		return err
	}
	buffers = append(buffers, ob)

	if s.expand != nil {
		if buffers[0], err = p.expandInput(x, s); err != nil {
			return err
		}
		if buffers[1], err = p.expandFilter(x, s); err != nil {
			return err
		}
	}

	prog, err := p.driver.programs.Get(s.spec)
	if err != nil {
		return err
	}
	if err := dispatch(p.driver.device, prog, s.kernel.Plan(s.desc, s.params), buffers); err != nil {
		return fmt.Errorf("failed to dispatch %s: %w", s.kernel.Name(), err)
	}
	p.releaseInputs(s.op, n)

	metrics.DispatchDuration.WithLabelValues(s.kernel.Name()).Observe(float64(time.Since(start).Microseconds()) / 1000)
	p.logger.Debug("Ran operation",
		zap.Int("index", s.index),
		zap.String("operation", s.kernel.Name()),
		zap.String("params", s.params.String()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// releaseInputs drops the references the operation held on temporaries.
func (p *PreparedModel) releaseInputs(op model.Operation, n int) {
	for _, in := range op.Inputs[:n] {
		if p.model.Operands[in].Lifetime == model.TemporaryVariable {
			p.mem.Release(in)
		}
	}
}

func (p *PreparedModel) runExpansion(k kernel.Kernel, d *kernel.Descriptor, params kernel.TuningParameters, src, dst gpu.Buffer) error {
	prog, err := p.driver.programs.Get(k.Specialize(d, params))
	if err != nil {
		return err
	}
	return dispatch(p.driver.device, prog, k.Plan(d, params), []gpu.Buffer{src, dst})
}

// expandInput returns the 4-channel copy of the activation, converting it
// on first use in this execution.
func (p *PreparedModel) expandInput(x *execution, s *step) (gpu.Buffer, error) {
	e := s.expand
	return p.expand(x, s.op.Inputs[0], e.input, e.inputParams)
}

// expandFilter returns the 4-channel copy of the filter. A constant filter
// is converted once and kept for the model's lifetime.
func (p *PreparedModel) expandFilter(x *execution, s *step) (gpu.Buffer, error) {
	e := s.expand
	operand := s.op.Inputs[1]
	switch p.model.Operands[operand].Lifetime {
	case model.ConstantCopy, model.ConstantReference:
	default:
		return p.expand(x, operand, e.filter, e.filterParams)
	}
	if b, ok := p.filters[operand]; ok {
		return b, nil
	}
	src, err := p.mem.Resolve(operand)
	if err != nil {
		return nil, err
	}
	dst, err := p.mem.ModelBuffer(e.filter.OutElements() * 4)
	if err != nil {
		return nil, err
	}
	if err := p.runExpansion(p.driver.expander, e.filter, e.filterParams, src, dst); err != nil {
		return nil, fmt.Errorf("failed to expand filter channels: %w", err)
	}
	p.filters[operand] = dst
	return dst, nil
}

func (p *PreparedModel) expand(x *execution, operand int, d *kernel.Descriptor, params kernel.TuningParameters) (gpu.Buffer, error) {
	if b, ok := x.expanded[operand]; ok {
		return b, nil
	}
	src, err := p.mem.Resolve(operand)
	if err != nil {
		return nil, err
	}
	dst, err := p.mem.Scratch(d.OutElements() * 4)
	if err != nil {
		return nil, err
	}
	if err := p.runExpansion(p.driver.expander, d, params, src, dst); err != nil {
		return nil, fmt.Errorf("failed to expand channels of operand %d: %w", operand, err)
	}
	x.expanded[operand] = dst
	return dst, nil
}
