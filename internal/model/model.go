// Package model holds the graph a driver is asked to prepare and the
// requests it is asked to execute. Structural validation happens upstream;
// these types only carry the data.
package model

import "fmt"

// OperandType is the element type of an operand.
type OperandType int

const (
	Float32 OperandType = iota
	Int32
	Uint32
	TensorFloat32
	TensorInt32
	TensorQuant8Asymm
	Bool
)

// ElementSize returns the size in bytes of one element.
func (t OperandType) ElementSize() int {
	switch t {
	case TensorQuant8Asymm, Bool:
		return 1
	default:
		return 4
	}
}

// Lifetime says where an operand's data lives.
type Lifetime int

const (
	TemporaryVariable Lifetime = iota
	ModelInput
	ModelOutput
	ConstantCopy
	ConstantReference
	NoValue
)

func (l Lifetime) String() string {
	switch l {
	case TemporaryVariable:
		return "temporary"
	case ModelInput:
		return "model-input"
	case ModelOutput:
		return "model-output"
	case ConstantCopy:
		return "constant-copy"
	case ConstantReference:
		return "constant-reference"
	case NoValue:
		return "no-value"
	default:
		return fmt.Sprintf("lifetime(%d)", int(l))
	}
}

// DataLocation addresses bytes in a memory pool, or in Model.OperandValues
// for constant copies.
type DataLocation struct {
	PoolIndex int
	Offset    int
	Length    int
}

type Operand struct {
	Type       OperandType
	Dimensions []int
	// NumberOfConsumers is the number of operations reading the operand.
	NumberOfConsumers int
	Lifetime          Lifetime
	Location          DataLocation
}

// ElementCount is the product of the dimensions; scalars have one element.
func (o Operand) ElementCount() int {
	n := 1
	for _, d := range o.Dimensions {
		n *= d
	}
	return n
}

func (o Operand) ByteSize() int {
	return o.ElementCount() * o.Type.ElementSize()
}

// Operation is one node of the graph.
type Operation struct {
	Type    OperationType
	Inputs  []int
	Outputs []int
}

// Model is a prepared graph: operands, operations in execution order, and
// the memory backing its constants.
type Model struct {
	Operands      []Operand
	Operations    []Operation
	InputIndexes  []int
	OutputIndexes []int
	OperandValues []byte
	Pools         []Memory
}

// RequestArgument binds one model input or output to request memory.
type RequestArgument struct {
	HasNoValue bool
	Location   DataLocation
	// Dimensions restates the operand's dimensions when non-empty. Shapes
	// are fixed when the model is prepared, so they must match.
	Dimensions []int
}

// Request carries the buffers of one execution.
type Request struct {
	Inputs  []RequestArgument
	Outputs []RequestArgument
	Pools   []Memory
}

// MemoryKind says how a pool's host region is obtained.
type MemoryKind int

const (
	// MemoryShared is a region already mapped in this process.
	MemoryShared MemoryKind = iota
	// MemoryFile is a file descriptor to be mapped.
	MemoryFile
)

// Memory is one host memory pool.
type Memory struct {
	Kind MemoryKind
	Size int
	// Data is the region of a shared pool.
	Data []byte
	// Fd and Offset locate a file-backed pool.
	Fd     int
	Offset int64
}

// SharedMemory wraps an existing byte slice as a pool.
func SharedMemory(data []byte) Memory {
	return Memory{Kind: MemoryShared, Size: len(data), Data: data}
}

// FileMemory describes size bytes of fd starting at offset.
func FileMemory(fd int, offset int64, size int) Memory {
	return Memory{Kind: MemoryFile, Size: size, Fd: fd, Offset: offset}
}
