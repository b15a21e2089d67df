package model

import (
	"encoding/binary"
	"math"
)

// Builder assembles a Model operand by operand. Constants are stored as
// constant copies in OperandValues.
type Builder struct {
	m Model
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Tensor adds a float32 tensor operand and returns its index.
func (b *Builder) Tensor(lifetime Lifetime, dims ...int) int {
	b.m.Operands = append(b.m.Operands, Operand{
		Type:       TensorFloat32,
		Dimensions: append([]int(nil), dims...),
		Lifetime:   lifetime,
	})
	return len(b.m.Operands) - 1
}

// Input adds a model input tensor.
func (b *Builder) Input(dims ...int) int {
	idx := b.Tensor(ModelInput, dims...)
	b.m.InputIndexes = append(b.m.InputIndexes, idx)
	return idx
}

// Output adds a model output tensor.
func (b *Builder) Output(dims ...int) int {
	idx := b.Tensor(ModelOutput, dims...)
	b.m.OutputIndexes = append(b.m.OutputIndexes, idx)
	return idx
}

// Temporary adds an intermediate tensor.
func (b *Builder) Temporary(dims ...int) int {
	return b.Tensor(TemporaryVariable, dims...)
}

// Constant adds a float32 tensor whose values are copied into the model.
func (b *Builder) Constant(values []float32, dims ...int) int {
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	idx := b.Tensor(ConstantCopy, dims...)
	b.m.Operands[idx].Location = b.appendValue(data)
	return idx
}

// ConstantInts adds an int32 tensor constant, as used for reshape targets.
func (b *Builder) ConstantInts(values []int, dims ...int) int {
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], uint32(int32(v)))
	}
	b.m.Operands = append(b.m.Operands, Operand{
		Type:       TensorInt32,
		Dimensions: append([]int(nil), dims...),
		Lifetime:   ConstantCopy,
		Location:   b.appendValue(data),
	})
	return len(b.m.Operands) - 1
}

// Int adds an int32 scalar constant.
func (b *Builder) Int(v int) int {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, uint32(int32(v)))
	b.m.Operands = append(b.m.Operands, Operand{Type: Int32, Lifetime: ConstantCopy, Location: b.appendValue(data)})
	return len(b.m.Operands) - 1
}

// Float adds a float32 scalar constant.
func (b *Builder) Float(v float32) int {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, math.Float32bits(v))
	b.m.Operands = append(b.m.Operands, Operand{Type: Float32, Lifetime: ConstantCopy, Location: b.appendValue(data)})
	return len(b.m.Operands) - 1
}

// Omitted adds an operand with no value, such as an absent bias.
func (b *Builder) Omitted() int {
	b.m.Operands = append(b.m.Operands, Operand{Type: TensorFloat32, Lifetime: NoValue})
	return len(b.m.Operands) - 1
}

// Operation appends an operation; operations run in the order added.
func (b *Builder) Operation(t OperationType, inputs []int, outputs ...int) {
	b.m.Operations = append(b.m.Operations, Operation{
		Type:    t,
		Inputs:  append([]int(nil), inputs...),
		Outputs: append([]int(nil), outputs...),
	})
}

// Build fills in consumer counts and returns the model.
func (b *Builder) Build() *Model {
	m := b.m
	m.Operands = append([]Operand(nil), b.m.Operands...)
	for i := range m.Operands {
		m.Operands[i].NumberOfConsumers = 0
	}
	for _, op := range m.Operations {
		for _, in := range op.Inputs {
			m.Operands[in].NumberOfConsumers++
		}
	}
	return &m
}

func (b *Builder) appendValue(data []byte) DataLocation {
	// Keep every value word aligned.
	for len(b.m.OperandValues)%4 != 0 {
		b.m.OperandValues = append(b.m.OperandValues, 0)
	}
	loc := DataLocation{Offset: len(b.m.OperandValues), Length: len(data)}
	b.m.OperandValues = append(b.m.OperandValues, data...)
	return loc
}

// Bool adds a boolean scalar constant, such as a data layout flag.
func (b *Builder) Bool(v bool) int {
	data := []byte{0}
	if v {
		data[0] = 1
	}
	b.m.Operands = append(b.m.Operands, Operand{Type: Bool, Lifetime: ConstantCopy, Location: b.appendValue(data)})
	return len(b.m.Operands) - 1
}
