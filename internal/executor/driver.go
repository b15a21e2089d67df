// Package executor prepares models for the compute device and runs them
// operation by operation.
package executor

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fxnlabs/nn-gpu/internal/config"
	"github.com/fxnlabs/nn-gpu/internal/gpu"
	"github.com/fxnlabs/nn-gpu/internal/kernel"
	"github.com/fxnlabs/nn-gpu/internal/memory"
	"github.com/fxnlabs/nn-gpu/internal/model"
	"github.com/fxnlabs/nn-gpu/internal/tuning"
)

var (
	// ErrUnsupported is returned by Prepare for a model with an operation
	// the driver cannot run.
	ErrUnsupported = errors.New("operation not supported")
	// ErrModelClosed is returned by Execute after Close.
	ErrModelClosed = errors.New("prepared model is closed")
	// ErrDriverClosed is returned by Prepare after Close.
	ErrDriverClosed = errors.New("driver is closed")
)

// Capabilities are the performance figures reported to schedulers ranking
// this driver against others. Lower is better.
type Capabilities struct {
	ExecTime   float32 `json:"execTime"`
	PowerUsage float32 `json:"powerUsage"`
}

// Driver owns the state shared by every model prepared on one device: the
// program cache and the tuning context.
type Driver struct {
	device   gpu.Device
	programs *kernel.ProgramCache
	tuning   *tuning.Context
	caps     config.CapabilitiesConfig
	expander kernel.Kernel
	logger   *zap.Logger

	mu     sync.Mutex
	models map[*PreparedModel]struct{}
	closed bool
}

// NewDriver returns a driver for device. A nil tuning context runs every
// kernel with its heuristic parameters.
func NewDriver(caps config.CapabilitiesConfig, device gpu.Device, tc *tuning.Context, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	expander, ok := kernel.Lookup(model.ChannelExpand)
	if !ok {
		panic("executor: channel expansion kernel is not registered")
	}
	return &Driver{
		device:   device,
		programs: kernel.NewProgramCache(device, logger),
		tuning:   tc,
		caps:     caps,
		expander: expander,
		logger:   logger.Named("executor"),
		models:   make(map[*PreparedModel]struct{}),
	}
}

func (d *Driver) Capabilities() Capabilities {
	e, p := d.caps.Performance()
	return Capabilities{ExecTime: e, PowerUsage: p}
}

func (d *Driver) Programs() *kernel.ProgramCache {
	return d.programs
}

func (d *Driver) Tuning() *tuning.Context {
	return d.tuning
}

func (d *Driver) Device() gpu.Device {
	return d.device
}

// SupportedOperations reports for each operation of m whether this driver
// can run it.
func (d *Driver) SupportedOperations(m *model.Model) ([]bool, error) {
	mem := memory.NewManager(d.device, d.logger)
	if err := mem.BindModel(m); err != nil {
		return nil, err
	}
	defer mem.Close()
	values := mem.Values()

	supported := make([]bool, len(m.Operations))
	for i, op := range m.Operations {
		k, desc, err := describe(m, op, values)
		if err == nil {
			err = d.fits(k, d.bound(desc))
		}
		supported[i] = err == nil
		if err != nil {
			d.logger.Debug("Operation not supported", zap.Int("index", i), zap.Error(err))
		}
	}
	return supported, nil
}

// describe looks up the kernel of op and checks it can run the operation's
// shape and operand types.
func describe(m *model.Model, op model.Operation, values kernel.ValueReader) (kernel.Kernel, *kernel.Descriptor, error) {
	k, ok := kernel.Lookup(op.Type)
	if !ok || op.Type == model.ChannelExpand {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupported, op.Type)
	}
	for _, idx := range operandsOf(m, op) {
		if idx < 0 || idx >= len(m.Operands) {
			return nil, nil, fmt.Errorf("%s: operand %d out of range", op.Type, idx)
		}
		if o := m.Operands[idx]; o.Lifetime != model.NoValue && o.Type != model.TensorFloat32 {
			return nil, nil, fmt.Errorf("%w: %s on %v tensors", ErrUnsupported, op.Type, o.Type)
		}
	}
	desc, err := kernel.Describe(m, op, values)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if !k.Supported(desc) {
		return nil, nil, fmt.Errorf("%w: %s with signature %s", ErrUnsupported, op.Type, desc.Signature())
	}
	return k, desc, nil
}

// operandsOf lists the tensor operands of op, outputs included.
func operandsOf(m *model.Model, op model.Operation) []int {
	n := min(kernel.TensorInputs(op), len(op.Inputs))
	out := append([]int(nil), op.Inputs[:n]...)
	return append(out, op.Outputs...)
}

// Prepare binds m to the device and chooses the parameters of every
// operation, tuning shape-sensitive ones that have not been seen before.
func (d *Driver) Prepare(m *model.Model) (*PreparedModel, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDriverClosed
	}
	d.mu.Unlock()

	mem := memory.NewManager(d.device, d.logger)
	if err := mem.BindModel(m); err != nil {
		return nil, err
	}
	p := &PreparedModel{
		driver:  d,
		model:   m,
		mem:     mem,
		filters: make(map[int]gpu.Buffer),
		logger:  d.logger.With(zap.Int("operations", len(m.Operations))),
	}
	values := mem.Values()
	for i, op := range m.Operations {
		s, err := d.plan(i, m, op, values)
		if err != nil {
			mem.Close()
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		p.steps = append(p.steps, s)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		mem.Close()
		return nil, ErrDriverClosed
	}
	d.models[p] = struct{}{}
	d.logger.Info("Prepared model", zap.Int("operations", len(p.steps)), zap.Int("operands", len(m.Operands)))
	return p, nil
}

func (d *Driver) plan(index int, m *model.Model, op model.Operation, values kernel.ValueReader) (*step, error) {
	k, desc, err := describe(m, op, values)
	if err != nil {
		return nil, err
	}
	d.bound(desc)
	s := &step{index: index, op: op, kernel: k, desc: desc}
	if op.Type == model.Reshape {
		return s, nil
	}

	run := desc
	if op.Type == model.Conv2D && desc.In.C == 3 {
		run = desc.Expanded()
		s.desc = run
		input, filter := d.expansions(desc)
		inputParams, err := d.params(d.expander, input, input)
		if err != nil {
			return nil, err
		}
		filterParams, err := d.heuristic(d.expander, filter)
		if err != nil {
			return nil, err
		}
		s.expand = &expansion{
			input:        input,
			inputParams:  inputParams,
			filter:       filter,
			filterParams: filterParams,
		}
	}
	// The signature of the operation as written keys the tuning cache, while
	// candidates are timed on the descriptor actually dispatched.
	if s.params, err = d.params(k, desc, run); err != nil {
		return nil, err
	}
	s.spec = k.Specialize(run, s.params)
	return s, nil
}

// params resolves the tuning parameters of a kernel. key is the descriptor
// whose signature is cached and run the one dispatched.
func (d *Driver) params(k kernel.Kernel, key, run *kernel.Descriptor) (kernel.TuningParameters, error) {
	if !k.Tunable() || d.tuning == nil || !d.anyFits(k, run) {
		return d.heuristic(k, run)
	}
	t := &tuning.KernelTunable{
		Kernel: k,
		Key:    key,
		Desc:   run,
		Trial: func() (tuning.Trial, error) {
			return newTrial(d.device, d.programs, k, run)
		},
	}
	p, err := d.tuning.Resolve(t)
	if errors.Is(err, tuning.ErrNotFound) {
		return d.heuristic(k, run)
	}
	return p, err
}

// limits returns the limits dispatch parameters are checked against: those
// of the tuning context when there is one, else the device's own.
func (d *Driver) limits() (gpu.Limits, bool) {
	if d.tuning != nil {
		return d.tuning.Limits()
	}
	return d.device.Limits(), false
}

// bound records the x-axis workgroup limit of the device on desc.
func (d *Driver) bound(desc *kernel.Descriptor) *kernel.Descriptor {
	limits, strict := d.limits()
	desc.GroupLimit = limits.MaxWorkgroupCount[0]
	if strict {
		desc.GroupLimit--
	}
	return desc
}

// expansions describes the input and filter channel expansions of a
// 3-channel convolution.
func (d *Driver) expansions(desc *kernel.Descriptor) (input, filter *kernel.Descriptor) {
	input = d.bound(kernel.ChannelExpansion(desc.Batch, desc.In))
	filter = d.bound(kernel.ChannelExpansion(desc.Out.C, kernel.Shape{H: desc.Filter.H, W: desc.Filter.W, C: 3}))
	return input, filter
}

// heuristic returns the fixed parameters of k for run, halving the local
// size until every dispatch fits the device.
func (d *Driver) heuristic(k kernel.Kernel, run *kernel.Descriptor) (kernel.TuningParameters, error) {
	limits, strict := d.limits()
	p := k.Heuristic(run)
	for {
		err := kernel.Fits(k, run, p, limits, strict)
		if err == nil {
			return p, nil
		}
		var ok bool
		if p, ok = kernel.Shrink(p); !ok {
			return p, fmt.Errorf("%w: %s does not fit the device: %v", ErrUnsupported, k.Name(), err)
		}
	}
}

// anyFits reports whether one of the candidates of k fits the device.
func (d *Driver) anyFits(k kernel.Kernel, run *kernel.Descriptor) bool {
	limits, strict := d.limits()
	for _, p := range kernel.Candidates(k, run) {
		if kernel.Fits(k, run, p, limits, strict) == nil {
			return true
		}
	}
	return false
}

// fits checks that an operation described by desc can be dispatched within
// the device limits with some parameter set.
func (d *Driver) fits(k kernel.Kernel, desc *kernel.Descriptor) error {
	run := desc
	if desc.Kind == model.Conv2D && desc.In.C == 3 {
		run = desc.Expanded()
		input, filter := d.expansions(desc)
		for _, e := range []*kernel.Descriptor{input, filter} {
			if _, err := d.heuristic(d.expander, e); err != nil {
				return err
			}
		}
	}
	if d.anyFits(k, run) {
		return nil
	}
	_, err := d.heuristic(k, run)
	return err
}

func (d *Driver) forget(p *PreparedModel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.models, p)
}

// Close closes every prepared model, waiting for their executions.
func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	models := make([]*PreparedModel, 0, len(d.models))
	for p := range d.models {
		models = append(models, p)
	}
	d.mu.Unlock()

	var errs []error
	for _, p := range models {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.logger.Info("Driver closed",
		zap.Int("models", len(models)),
		zap.Int("programs", d.programs.Len()))
	return errors.Join(errs...)
}
