// Package memory owns the device buffers of one prepared model: constants
// uploaded once, request inputs and outputs rebuilt per execution, and
// intermediates recycled through a size-keyed free list.
package memory

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fxnlabs/nn-gpu/internal/gpu"
	"github.com/fxnlabs/nn-gpu/internal/metrics"
	"github.com/fxnlabs/nn-gpu/internal/model"
)

// ErrRequestArgument is returned when a request argument does not fit the
// operand it binds.
var ErrRequestArgument = errors.New("invalid request argument")

// Kind is the pool a buffer belongs to.
type Kind int

const (
	KindModel Kind = iota
	KindRequest
	KindIntermediate
)

func (k Kind) String() string {
	switch k {
	case KindModel:
		return "model"
	case KindRequest:
		return "request"
	case KindIntermediate:
		return "intermediate"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Handle indexes the manager's buffer arena.
type Handle int

const unbound Handle = -1

// MemoryInfo is the bookkeeping of one device buffer.
type MemoryInfo struct {
	Buffer gpu.Buffer
	Size   int
	Kind   Kind
	// Host is the host region the buffer mirrors, if any.
	Host []byte
	// NeedsSync marks request outputs that are copied back by SyncOutputs.
	NeedsSync bool
	RefCount  int
	InUse     bool
}

// Manager is not safe for concurrent use; a prepared model serializes its
// executions.
type Manager struct {
	device gpu.Device
	logger *zap.Logger

	model        *model.Model
	modelPools   []*PoolInfo
	request      *model.Request
	requestPools []*PoolInfo

	arena    []*MemoryInfo
	vacant   []Handle
	operands []Handle
	free     map[int][]Handle
	scratch  map[gpu.Buffer]Handle
	inputs   map[int]int
	outputs  map[int]int

	mu        sync.Mutex
	allocated int64
}

func NewManager(device gpu.Device, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		device:  device,
		logger:  logger.Named("memory"),
		free:    make(map[int][]Handle),
		scratch: make(map[gpu.Buffer]Handle),
	}
}

// BindModel maps the model's constant pools and reserves one buffer slot per
// operand. Nothing is allocated on the device yet.
func (m *Manager) BindModel(mdl *model.Model) error {
	pools, err := mapPools(KindModel, mdl.Pools)
	if err != nil {
		return err
	}
	m.model = mdl
	m.modelPools = pools
	m.operands = make([]Handle, len(mdl.Operands))
	for i := range m.operands {
		m.operands[i] = unbound
	}
	m.inputs = make(map[int]int, len(mdl.InputIndexes))
	for i, op := range mdl.InputIndexes {
		m.inputs[op] = i
	}
	m.outputs = make(map[int]int, len(mdl.OutputIndexes))
	for i, op := range mdl.OutputIndexes {
		m.outputs[op] = i
	}
	m.logger.Debug("Bound model", zap.Int("operands", len(mdl.Operands)), zap.Int("pools", len(pools)))
	return nil
}

// Values reads constant operands of the bound model.
func (m *Manager) Values() *model.Values {
	pools := make([][]byte, len(m.modelPools))
	for i, p := range m.modelPools {
		pools[i] = p.Data
	}
	return model.NewValues(m.model, pools)
}

// BindRequest maps the pools of a new request. Buffers of the previous
// request are released and every intermediate returns to the free list.
func (m *Manager) BindRequest(req *model.Request) error {
	if m.model == nil {
		return errors.New("no model bound")
	}
	m.EndRequest()
	if len(req.Inputs) != len(m.model.InputIndexes) || len(req.Outputs) != len(m.model.OutputIndexes) {
		return fmt.Errorf("request binds %d inputs and %d outputs, model has %d and %d",
			len(req.Inputs), len(req.Outputs), len(m.model.InputIndexes), len(m.model.OutputIndexes))
	}
	for i, arg := range req.Inputs {
		if err := m.checkArgument(m.model.InputIndexes[i], arg); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}
	for i, arg := range req.Outputs {
		if err := m.checkArgument(m.model.OutputIndexes[i], arg); err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
	}
	pools, err := mapPools(KindRequest, req.Pools)
	if err != nil {
		return err
	}
	m.request = req
	m.requestPools = pools
	return nil
}

// checkArgument verifies that arg can hold operand. A zero length means the
// operand's full size.
func (m *Manager) checkArgument(operand int, arg model.RequestArgument) error {
	if arg.HasNoValue {
		return nil
	}
	o := m.model.Operands[operand]
	if arg.Location.Length != 0 && arg.Location.Length < o.ByteSize() {
		return fmt.Errorf("%w: %d bytes bound to operand %d of %d bytes",
			ErrRequestArgument, arg.Location.Length, operand, o.ByteSize())
	}
	if len(arg.Dimensions) == 0 {
		return nil
	}
	if len(arg.Dimensions) != len(o.Dimensions) {
		return fmt.Errorf("%w: dimensions %v for operand %d of %v",
			ErrRequestArgument, arg.Dimensions, operand, o.Dimensions)
	}
	for i, d := range arg.Dimensions {
		if d != o.Dimensions[i] {
			return fmt.Errorf("%w: dimensions %v for operand %d of %v",
				ErrRequestArgument, arg.Dimensions, operand, o.Dimensions)
		}
	}
	return nil
}

// EndRequest drops all per-request state: request buffers are freed, pools
// unmapped, and intermediates reset to unused.
func (m *Manager) EndRequest() {
	for h, info := range m.arena {
		if info == nil {
			continue
		}
		switch info.Kind {
		case KindRequest:
			m.release(Handle(h))
		case KindIntermediate:
			if info.InUse {
				info.InUse = false
				info.RefCount = 0
				m.free[info.Size] = append(m.free[info.Size], Handle(h))
			}
		}
	}
	for op, h := range m.operands {
		if h == unbound {
			continue
		}
		if info := m.arena[h]; info == nil || info.Kind != KindModel {
			m.operands[op] = unbound
		}
	}
	clear(m.scratch)
	if err := unmapPools(m.requestPools); err != nil {
		m.logger.Warn("Failed to unmap request pools", zap.Error(err))
	}
	m.request, m.requestPools = nil, nil
	m.updateGauges()
}

func (m *Manager) add(info *MemoryInfo) Handle {
	if n := len(m.vacant); n > 0 {
		h := m.vacant[n-1]
		m.vacant = m.vacant[:n-1]
		m.arena[h] = info
		return h
	}
	m.arena = append(m.arena, info)
	return Handle(len(m.arena) - 1)
}

// release frees a buffer on the device and vacates its arena slot.
func (m *Manager) release(h Handle) {
	info := m.arena[h]
	m.discard(info.Buffer, info.Size)
	m.arena[h] = nil
	m.vacant = append(m.vacant, h)
}

// discard returns a buffer obtained from allocate to the device.
func (m *Manager) discard(b gpu.Buffer, size int) {
	m.device.Free(b)
	m.mu.Lock()
	m.allocated -= int64(size)
	m.mu.Unlock()
	metrics.DeviceMemoryBytes.Sub(float64(size))
}

func (m *Manager) allocate(size int) (gpu.Buffer, error) {
	b, err := m.device.Allocate(size)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %d byte buffer: %w", size, err)
	}
	m.mu.Lock()
	m.allocated += int64(size)
	m.mu.Unlock()
	metrics.DeviceMemoryBytes.Add(float64(size))
	return b, nil
}

func (m *Manager) upload(b gpu.Buffer, data []byte) error {
	if len(data)%4 != 0 {
		padded := make([]byte, align4(len(data)))
		copy(padded, data)
		data = padded
	}
	return m.device.Upload(b, 0, data)
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// Resolve returns the buffer of an operand, creating it on first use.
// Constants are uploaded once and kept for the model's lifetime; request
// inputs and outputs wrap the bound request pools; temporaries come from the
// free list when a buffer of equal size is unused. An omitted operand
// resolves to nil.
func (m *Manager) Resolve(operand int) (gpu.Buffer, error) {
	if operand < 0 || operand >= len(m.operands) {
		return nil, fmt.Errorf("operand %d out of range", operand)
	}
	if h := m.operands[operand]; h != unbound {
		return m.arena[h].Buffer, nil
	}
	o := m.model.Operands[operand]
	var (
		info *MemoryInfo
		err  error
	)
	switch o.Lifetime {
	case model.NoValue:
		return nil, nil
	case model.ConstantCopy, model.ConstantReference:
		info, err = m.constant(operand)
	case model.ModelInput:
		index, ok := m.inputs[operand]
		if !ok {
			return nil, fmt.Errorf("operand %d is not a model input", operand)
		}
		info, err = m.requestBuffer(operand, index, false)
	case model.ModelOutput:
		index, ok := m.outputs[operand]
		if !ok {
			return nil, fmt.Errorf("operand %d is not a model output", operand)
		}
		info, err = m.requestBuffer(operand, index, true)
	case model.TemporaryVariable:
		h := m.temporary(o.ByteSize(), o.NumberOfConsumers)
		if h == unbound {
			var b gpu.Buffer
			if b, err = m.allocate(align4(o.ByteSize())); err != nil {
				return nil, err
			}
			h = m.add(&MemoryInfo{Buffer: b, Size: align4(o.ByteSize()), Kind: KindIntermediate, RefCount: o.NumberOfConsumers, InUse: true})
		}
		m.operands[operand] = h
		m.updateGauges()
		return m.arena[h].Buffer, nil
	default:
		return nil, fmt.Errorf("operand %d has unknown lifetime %s", operand, o.Lifetime)
	}
	if err != nil {
		return nil, fmt.Errorf("operand %d: %w", operand, err)
	}
	m.operands[operand] = m.add(info)
	return info.Buffer, nil
}

// temporary pops an unused intermediate of the given size, or returns
// unbound when the free list has none.
func (m *Manager) temporary(size, consumers int) Handle {
	size = align4(size)
	list := m.free[size]
	if len(list) == 0 {
		metrics.IntermediateReuse.WithLabelValues("miss").Inc()
		return unbound
	}
	h := list[len(list)-1]
	m.free[size] = list[:len(list)-1]
	info := m.arena[h]
	info.InUse = true
	info.RefCount = consumers
	metrics.IntermediateReuse.WithLabelValues("hit").Inc()
	return h
}

func (m *Manager) constant(operand int) (*MemoryInfo, error) {
	data, err := m.Values().Bytes(operand)
	if err != nil {
		return nil, err
	}
	size := align4(len(data))
	b, err := m.allocate(size)
	if err != nil {
		return nil, err
	}
	if err := m.upload(b, data); err != nil {
		m.discard(b, size)
		return nil, err
	}
	return &MemoryInfo{Buffer: b, Size: size, Kind: KindModel, Host: data, InUse: true}, nil
}

func (m *Manager) requestBuffer(operand, index int, output bool) (*MemoryInfo, error) {
	if m.request == nil {
		return nil, errors.New("no request bound")
	}
	args := m.request.Inputs
	if output {
		args = m.request.Outputs
	}
	arg := args[index]
	if arg.HasNoValue {
		return nil, fmt.Errorf("request argument %d has no value", index)
	}
	if err := m.checkArgument(operand, arg); err != nil {
		return nil, err
	}
	loc := arg.Location
	if loc.PoolIndex < 0 || loc.PoolIndex >= len(m.requestPools) {
		return nil, fmt.Errorf("request pool %d is not bound", loc.PoolIndex)
	}
	length := loc.Length
	if length == 0 {
		length = m.model.Operands[operand].ByteSize()
	}
	pool := m.requestPools[loc.PoolIndex].Data
	if loc.Offset < 0 || loc.Offset+length > len(pool) {
		return nil, fmt.Errorf("request location %+v outside %d byte pool", loc, len(pool))
	}
	host := pool[loc.Offset : loc.Offset+length]

	size := align4(length)
	b, err := m.allocate(size)
	if err != nil {
		return nil, err
	}
	info := &MemoryInfo{Buffer: b, Size: size, Kind: KindRequest, Host: host, NeedsSync: output, InUse: true}
	if !output {
		if err := m.upload(b, host); err != nil {
			m.discard(b, size)
			return nil, err
		}
	}
	return info, nil
}

// Release drops one reference an operation held on a temporary operand. At
// zero the buffer returns to the free list for a later operand of the same
// size. Other lifetimes are not reference counted.
func (m *Manager) Release(operand int) {
	h := m.operands[operand]
	if h == unbound {
		panic(fmt.Sprintf("memory: release of unresolved operand %d", operand))
	}
	info := m.arena[h]
	if info.Kind != KindIntermediate {
		return
	}
	if info.RefCount <= 0 {
		panic(fmt.Sprintf("memory: reference count underflow on operand %d", operand))
	}
	info.RefCount--
	if info.RefCount > 0 {
		return
	}
	info.InUse = false
	m.free[info.Size] = append(m.free[info.Size], h)
	// Every operand sharing the buffer has been consumed.
	for op, bound := range m.operands {
		if bound == h {
			m.operands[op] = unbound
		}
	}
	m.updateGauges()
}

// Alias makes dst share src's buffer. The buffer then carries the consumers
// of both operands. A request output cannot share storage with anything
// else, so it gets its own buffer and a copy instead.
func (m *Manager) Alias(dst, src int) error {
	b, err := m.Resolve(src)
	if err != nil {
		return err
	}
	h := m.operands[src]
	if m.model.Operands[dst].Lifetime == model.ModelOutput {
		out, err := m.Resolve(dst)
		if err != nil {
			return err
		}
		size := min(m.arena[h].Size, m.arena[m.operands[dst]].Size)
		return m.device.Copy(out, b, size)
	}
	if m.operands[dst] != unbound {
		return fmt.Errorf("operand %d is already bound", dst)
	}
	m.operands[dst] = h
	if info := m.arena[h]; info.Kind == KindIntermediate {
		info.RefCount += m.model.Operands[dst].NumberOfConsumers
	}
	return nil
}

// Scratch lends an intermediate buffer outside the operand graph, e.g. for
// the channel-expanded copy of an activation. It stays in use until Recycle
// or the end of the request.
func (m *Manager) Scratch(size int) (gpu.Buffer, error) {
	h := m.temporary(size, 1)
	if h == unbound {
		b, err := m.allocate(align4(size))
		if err != nil {
			return nil, err
		}
		h = m.add(&MemoryInfo{Buffer: b, Size: align4(size), Kind: KindIntermediate, RefCount: 1, InUse: true})
	}
	m.scratch[m.arena[h].Buffer] = h
	m.updateGauges()
	return m.arena[h].Buffer, nil
}

// Recycle returns a Scratch buffer to the free list.
func (m *Manager) Recycle(b gpu.Buffer) {
	h, ok := m.scratch[b]
	if !ok {
		panic("memory: recycle of a buffer that is not scratch")
	}
	delete(m.scratch, b)
	info := m.arena[h]
	info.RefCount, info.InUse = 0, false
	m.free[info.Size] = append(m.free[info.Size], h)
	m.updateGauges()
}

// ModelBuffer allocates a buffer that lives as long as the model, such as a
// converted copy of a constant.
func (m *Manager) ModelBuffer(size int) (gpu.Buffer, error) {
	b, err := m.allocate(align4(size))
	if err != nil {
		return nil, err
	}
	m.add(&MemoryInfo{Buffer: b, Size: align4(size), Kind: KindModel, InUse: true})
	return b, nil
}

// SyncOutputs copies every request output back to its host region and
// flushes file-backed request pools.
func (m *Manager) SyncOutputs() error {
	for _, info := range m.arena {
		if info == nil || info.Kind != KindRequest || !info.NeedsSync {
			continue
		}
		n := len(info.Host) &^ 3
		if err := m.device.Download(info.Buffer, 0, info.Host[:n]); err != nil {
			return fmt.Errorf("failed to read back output: %w", err)
		}
		if tail := len(info.Host) - n; tail > 0 {
			word := make([]byte, 4)
			if err := m.device.Download(info.Buffer, n, word); err != nil {
				return fmt.Errorf("failed to read back output: %w", err)
			}
			copy(info.Host[n:], word[:tail])
		}
	}
	for i, p := range m.requestPools {
		if err := p.sync(); err != nil {
			return fmt.Errorf("request pool %d: %w", i, err)
		}
	}
	return nil
}

// Info returns the bookkeeping of an operand's buffer.
func (m *Manager) Info(operand int) (MemoryInfo, bool) {
	if operand < 0 || operand >= len(m.operands) || m.operands[operand] == unbound {
		return MemoryInfo{}, false
	}
	return *m.arena[m.operands[operand]], true
}

// Intermediates counts intermediate buffers by state.
func (m *Manager) Intermediates() (inUse, free int) {
	for _, info := range m.arena {
		if info == nil || info.Kind != KindIntermediate {
			continue
		}
		if info.InUse {
			inUse++
		} else {
			free++
		}
	}
	return inUse, free
}

// Allocated is the number of device bytes the manager holds.
func (m *Manager) Allocated() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated
}

func (m *Manager) updateGauges() {
	inUse, free := m.Intermediates()
	metrics.IntermediateBuffers.WithLabelValues("in_use").Set(float64(inUse))
	metrics.IntermediateBuffers.WithLabelValues("free").Set(float64(free))
}

// Close frees every buffer and unmaps all pools.
func (m *Manager) Close() error {
	m.EndRequest()
	for h, info := range m.arena {
		if info != nil {
			m.release(Handle(h))
		}
	}
	m.arena, m.vacant = nil, nil
	m.free = make(map[int][]Handle)
	m.operands = nil
	err := unmapPools(m.modelPools)
	m.modelPools = nil
	m.updateGauges()
	return err
}
