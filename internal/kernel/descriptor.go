// Package kernel turns graph operations into specialized compute programs.
//
// A Descriptor captures the shape and parameters of one operation. A Kernel
// enumerates the TuningParameters it can run with, and specializes itself for
// a (Descriptor, TuningParameters) pair. The Specialization both keys the
// program cache and generates the program source, so one key always names
// one program.
package kernel

import (
	"fmt"

	"github.com/fxnlabs/nn-gpu/internal/model"
)

// Shape is the spatial extent and depth of an NHWC tensor.
type Shape struct {
	H, W, C int
}

// Part is one input of a concatenation.
type Part struct {
	Batch int
	Shape
}

// Descriptor is the immutable description of one operation instance. Fields
// an operation does not use are zero.
type Descriptor struct {
	Kind  model.OperationType
	Batch int
	In    Shape
	Out   Shape
	// Filter holds the window height and width. For convolutions C is the
	// filter's input depth.
	Filter Shape

	// Second operand of Add and Mul.
	Batch2 int
	In2    Shape

	Parts []Part

	PadTop, PadLeft, PadBottom, PadRight int
	StrideH, StrideW                     int
	DilationH, DilationW                 int

	Activation model.FuseCode
	HasBias    bool
	Broadcast  bool
	LastAxis   bool

	// Softmax beta, or the LRN exponent.
	Beta float32
	// LRN parameters.
	Radius      int
	Bias, Alpha float32
	// Concatenation axis in NHWC order.
	Axis            int
	DepthMultiplier int

	// GroupLimit caps the workgroup count on the x axis of one-dimensional
	// dispatches, which wrap onto y past it. Zero means 65535. It is a
	// device property and not part of the signature.
	GroupLimit int
}

func (d *Descriptor) groupLimit() int {
	if d.GroupLimit > 0 {
		return d.GroupLimit
	}
	return defaultGroupLimit
}

// Signature is the tuning-cache key of the descriptor. Padding is recorded as
// top and left.
func (d *Descriptor) Signature() string {
	bias := 0
	if d.HasBias {
		bias = 1
	}
	return fmt.Sprintf("optype%d_batch%d_in%d_%d_%d_out%d_%d_%d_filter%d_%d_pad%d_%d_stride%d_%d_activation%d_bias%d",
		int(d.Kind), d.Batch,
		d.In.H, d.In.W, d.In.C,
		d.Out.H, d.Out.W, d.Out.C,
		d.Filter.H, d.Filter.W,
		d.PadTop, d.PadLeft,
		d.StrideH, d.StrideW,
		int(d.Activation), bias)
}

// InElements is the element count of the (first) input.
func (d *Descriptor) InElements() int {
	return d.Batch * d.In.H * d.In.W * d.In.C
}

// OutElements is the element count of the output.
func (d *Descriptor) OutElements() int {
	return d.Batch * d.Out.H * d.Out.W * d.Out.C
}

// GemmM, GemmN and GemmK are the dimensions of a convolution viewed as the
// product of its im2col matrix and its filter.
func (d *Descriptor) GemmM() int { return d.Batch * d.Out.H * d.Out.W }
func (d *Descriptor) GemmN() int { return d.Out.C }
func (d *Descriptor) GemmK() int { return d.Filter.H * d.Filter.W * d.Filter.C }

// Expanded returns a copy of a 3-channel convolution descriptor as it runs
// after channel expansion: input and filter depth padded to 4.
func (d *Descriptor) Expanded() *Descriptor {
	e := *d
	e.In.C = 4
	e.Filter.C = 4
	return &e
}

// ChannelExpansion describes the 3 to 4 channel pass over a tensor of the
// given batch and shape.
func ChannelExpansion(batch int, s Shape) *Descriptor {
	return &Descriptor{
		Kind:  model.ChannelExpand,
		Batch: batch,
		In:    s,
		Out:   Shape{H: s.H, W: s.W, C: 4},
	}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
