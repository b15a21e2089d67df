package gpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// Uniforms is the per-dispatch scalar block, one 32-bit word per parameter.
type Uniforms []uint32

// AppendInt appends signed integers.
func (u Uniforms) AppendInt(vs ...int) Uniforms {
	for _, v := range vs {
		u = append(u, uint32(int32(v)))
	}
	return u
}

// AppendFloat appends float32 values by bit pattern.
func (u Uniforms) AppendFloat(vs ...float32) Uniforms {
	for _, v := range vs {
		u = append(u, math.Float32bits(v))
	}
	return u
}

func (u Uniforms) Int(i int) int {
	return int(int32(u[i]))
}

func (u Uniforms) Float(i int) float32 {
	return math.Float32frombits(u[i])
}

// Bytes packs the block little-endian and pads it to 16 bytes, the uniform
// buffer alignment.
func (u Uniforms) Bytes() []byte {
	size := (len(u)*4 + 15) &^ 15
	out := make([]byte, size)
	for i, w := range u {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// Invocation identifies one shader invocation.
type Invocation struct {
	Global [3]int
	Local  [3]int
	Group  [3]int
}

// Args are the bound buffers and uniforms of one dispatch.
type Args struct {
	Buffers  [][]float32
	Uniforms Uniforms
}

// Kernel runs a single invocation.
type Kernel func(inv Invocation, args Args)

// Constants are the specialization constants compiled into a program.
type Constants map[string]float64

// Int returns a constant as an int. Missing constants are a template bug.
func (c Constants) Int(name string) int {
	v, ok := c[name]
	if !ok {
		panic(fmt.Sprintf("gpu: missing specialization constant %s", name))
	}
	return int(v)
}

func (c Constants) Float(name string) float32 {
	v, ok := c[name]
	if !ok {
		panic(fmt.Sprintf("gpu: missing specialization constant %s", name))
	}
	return float32(v)
}

// Template builds the kernel for an entry point once its specialization
// constants are known.
type Template func(c Constants) (Kernel, error)

var (
	entryPattern    = regexp.MustCompile(`@compute\s+@workgroup_size\(\s*(\d+)\s*,\s*(\d+)\s*,\s*(\d+)\s*\)\s*fn\s+(\w+)`)
	overridePattern = regexp.MustCompile(`(?m)^\s*override\s+(\w+)\s*:\s*\w+\s*=\s*([-+0-9.eE]+)[uif]?\s*;`)
)

// ParsedSource is what a device reads from program text.
type ParsedSource struct {
	Entry     string
	LocalSize [3]int
	Constants Constants
}

// ParseSource extracts the entry point, its workgroup size and every override
// constant from WGSL-style program text.
func ParseSource(src Source) (*ParsedSource, error) {
	m := entryPattern.FindStringSubmatch(src.Text)
	if m == nil {
		return nil, fmt.Errorf("program %s: no @compute entry point", src.Name)
	}
	parsed := &ParsedSource{
		Entry:     m[4],
		Constants: make(Constants),
	}
	for i := 0; i < 3; i++ {
		v, err := strconv.Atoi(m[i+1])
		if err != nil || v < 1 {
			return nil, fmt.Errorf("program %s: bad workgroup size %q", src.Name, m[i+1])
		}
		parsed.LocalSize[i] = v
	}
	for _, o := range overridePattern.FindAllStringSubmatch(src.Text, -1) {
		v, err := strconv.ParseFloat(o[2], 64)
		if err != nil {
			return nil, fmt.Errorf("program %s: constant %s: %w", src.Name, o[1], err)
		}
		parsed.Constants[o[1]] = v
	}
	return parsed, nil
}
