package gpu

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// inlineInvocations is the dispatch size below which workgroups run on the
// calling goroutine.
const inlineInvocations = 4096

var errClosed = errors.New("device closed")

// DefaultLimits are the limits the CPU device reports unless configured
// otherwise. They match the common WebGPU defaults.
var DefaultLimits = Limits{
	MaxWorkgroupInvocations: 256,
	MaxWorkgroupSize:        [3]int{256, 256, 64},
	MaxWorkgroupCount:       [3]int{65535, 65535, 65535},
}

// DeviceStats counts work submitted to a device.
type DeviceStats struct {
	Dispatches     int64
	Compiles       int64
	AllocatedBytes int64
}

type cpuBuffer struct {
	size  int
	words []float32
}

func (b *cpuBuffer) Size() int { return b.size }

type cpuProgram struct {
	name   string
	entry  string
	local  [3]int
	kernel Kernel
}

func (p *cpuProgram) Entry() string     { return p.entry }
func (p *cpuProgram) LocalSize() [3]int { return p.local }

// CPUDevice is a software compute device. Programs are compiled by reading
// the entry point, workgroup size and override constants from the source and
// instantiating the Go template registered for that entry point. Dispatches
// complete before Dispatch returns, so Barrier and WaitIdle have nothing to
// wait for.
type CPUDevice struct {
	logger    *zap.Logger
	templates map[string]Template
	limits    Limits
	workers   int

	mu     sync.Mutex
	closed bool
	live   map[*cpuBuffer]struct{}

	dispatches atomic.Int64
	compiles   atomic.Int64
	allocated  atomic.Int64
}

// NewCPUDevice creates a CPU device that can compile the given entry points.
func NewCPUDevice(logger *zap.Logger, templates map[string]Template) *CPUDevice {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CPUDevice{
		logger:    logger.Named("device"),
		templates: templates,
		limits:    DefaultLimits,
		workers:   runtime.GOMAXPROCS(0),
		live:      make(map[*cpuBuffer]struct{}),
	}
}

// Info returns device information for the CPU
func (c *CPUDevice) Info() DeviceInfo {
	return DeviceInfo{
		Name:              fmt.Sprintf("CPU (%s, %d threads)", runtime.GOARCH, c.workers),
		TotalMemory:       getTotalSystemMemory(),
		AvailableMemory:   getTotalSystemMemory() - c.allocated.Load(),
		ComputeCapability: "wgsl-cpu",
		DriverVersion:     runtime.Version(),
	}
}

func (c *CPUDevice) Limits() Limits {
	return c.limits
}

// SetLimits replaces the reported limits. Dispatches are checked against them.
func (c *CPUDevice) SetLimits(l Limits) {
	c.limits = l
}

// Stats returns a snapshot of the device counters.
func (c *CPUDevice) Stats() DeviceStats {
	return DeviceStats{
		Dispatches:     c.dispatches.Load(),
		Compiles:       c.compiles.Load(),
		AllocatedBytes: c.allocated.Load(),
	}
}

func (c *CPUDevice) Allocate(size int) (Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("allocate %d bytes: negative size", size)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClosed
	}
	b := &cpuBuffer{size: size, words: make([]float32, (size+3)/4)}
	c.live[b] = struct{}{}
	c.allocated.Add(int64(size))
	return b, nil
}

func (c *CPUDevice) Free(b Buffer) {
	cb, ok := b.(*cpuBuffer)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live[cb]; !ok {
		return
	}
	delete(c.live, cb)
	c.allocated.Add(-int64(cb.size))
	cb.words = nil
}

func (c *CPUDevice) buffer(b Buffer) (*cpuBuffer, error) {
	cb, ok := b.(*cpuBuffer)
	if !ok || cb == nil {
		return nil, fmt.Errorf("buffer %T was not allocated by the cpu device", b)
	}
	if cb.words == nil && cb.size > 0 {
		return nil, errors.New("buffer used after free")
	}
	return cb, nil
}

func (c *CPUDevice) Upload(dst Buffer, offset int, data []byte) error {
	b, err := c.buffer(dst)
	if err != nil {
		return err
	}
	if offset%4 != 0 || len(data)%4 != 0 {
		return fmt.Errorf("upload of %d bytes at offset %d is not word aligned", len(data), offset)
	}
	if offset < 0 || offset+len(data) > b.size {
		return fmt.Errorf("upload of %d bytes at offset %d overflows %d byte buffer", len(data), offset, b.size)
	}
	BytesToFloat32Into(b.words[offset/4:], data)
	return nil
}

func (c *CPUDevice) Download(src Buffer, offset int, dst []byte) error {
	b, err := c.buffer(src)
	if err != nil {
		return err
	}
	if offset%4 != 0 || len(dst)%4 != 0 {
		return fmt.Errorf("download of %d bytes at offset %d is not word aligned", len(dst), offset)
	}
	if offset < 0 || offset+len(dst) > b.size {
		return fmt.Errorf("download of %d bytes at offset %d overflows %d byte buffer", len(dst), offset, b.size)
	}
	Float32ToBytesInto(dst, b.words[offset/4:offset/4+len(dst)/4])
	return nil
}

func (c *CPUDevice) Copy(dst, src Buffer, size int) error {
	d, err := c.buffer(dst)
	if err != nil {
		return err
	}
	s, err := c.buffer(src)
	if err != nil {
		return err
	}
	if size%4 != 0 || size > d.size || size > s.size {
		return fmt.Errorf("copy of %d bytes from %d to %d byte buffer", size, s.size, d.size)
	}
	copy(d.words[:size/4], s.words[:size/4])
	return nil
}

func (c *CPUDevice) Fill(dst Buffer, word uint32) error {
	b, err := c.buffer(dst)
	if err != nil {
		return err
	}
	v := Float32FromBits(word)
	for i := range b.words {
		b.words[i] = v
	}
	return nil
}

func (c *CPUDevice) Compile(src Source) (Program, error) {
	parsed, err := ParseSource(src)
	if err != nil {
		return nil, err
	}
	tmpl, ok := c.templates[parsed.Entry]
	if !ok {
		return nil, fmt.Errorf("program %s: %w: %s", src.Name, ErrUnknownEntry, parsed.Entry)
	}
	kernel, err := tmpl(parsed.Constants)
	if err != nil {
		return nil, fmt.Errorf("program %s: %w", src.Name, err)
	}
	c.compiles.Add(1)
	c.logger.Debug("Compiled program",
		zap.String("name", src.Name),
		zap.String("entry", parsed.Entry),
		zap.Ints("localSize", parsed.LocalSize[:]))
	return &cpuProgram{
		name:   src.Name,
		entry:  parsed.Entry,
		local:  parsed.LocalSize,
		kernel: kernel,
	}, nil
}

func (c *CPUDevice) Dispatch(p Program, bindings []Buffer, uniforms Uniforms, groups [3]int) error {
	prog, ok := p.(*cpuProgram)
	if !ok {
		return fmt.Errorf("program %T was not compiled by the cpu device", p)
	}
	if err := c.limits.Check(prog.local, groups, false); err != nil {
		return fmt.Errorf("dispatch %s: %w", prog.name, err)
	}
	args := Args{Buffers: make([][]float32, len(bindings)), Uniforms: uniforms}
	for i, b := range bindings {
		cb, err := c.buffer(b)
		if err != nil {
			return fmt.Errorf("dispatch %s binding %d: %w", prog.name, i, err)
		}
		args.Buffers[i] = cb.words
	}
	c.dispatches.Add(1)

	total := groups[0] * groups[1] * groups[2]
	invocations := total * prog.local[0] * prog.local[1] * prog.local[2]
	if invocations <= inlineInvocations || c.workers == 1 {
		for g := 0; g < total; g++ {
			runGroup(prog, args, groups, g)
		}
		return nil
	}

	var eg errgroup.Group
	chunk := (total + c.workers - 1) / c.workers
	for start := 0; start < total; start += chunk {
		start, end := start, min(start+chunk, total)
		eg.Go(func() error {
			for g := start; g < end; g++ {
				runGroup(prog, args, groups, g)
			}
			return nil
		})
	}
	return eg.Wait()
}

// runGroup runs every invocation of the linear workgroup index g.
func runGroup(p *cpuProgram, args Args, groups [3]int, g int) {
	var inv Invocation
	inv.Group = [3]int{g % groups[0], (g / groups[0]) % groups[1], g / (groups[0] * groups[1])}
	for z := 0; z < p.local[2]; z++ {
		for y := 0; y < p.local[1]; y++ {
			for x := 0; x < p.local[0]; x++ {
				inv.Local = [3]int{x, y, z}
				inv.Global = [3]int{
					inv.Group[0]*p.local[0] + x,
					inv.Group[1]*p.local[1] + y,
					inv.Group[2]*p.local[2] + z,
				}
				p.kernel(inv, args)
			}
		}
	}
}

// Barrier is a no-op: dispatches have completed when Dispatch returns.
func (c *CPUDevice) Barrier() {}

func (c *CPUDevice) WaitIdle() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	return nil
}

// Close frees every live buffer.
func (c *CPUDevice) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	for b := range c.live {
		c.allocated.Add(-int64(b.size))
		b.words = nil
	}
	c.live = nil
	c.closed = true
	c.logger.Info("CPU device closed")
	return nil
}

// getTotalSystemMemory returns the memory budget reported for the CPU device.
func getTotalSystemMemory() int64 {
	return 8 * 1024 * 1024 * 1024 // 8GB
}
