package gpu

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownEntry is returned by Compile when the device has no template for
	// the source's entry point.
	ErrUnknownEntry = errors.New("unknown program entry point")
	// ErrLimits is returned when a dispatch exceeds the device limits.
	ErrLimits = errors.New("dispatch exceeds device limits")
)

// DeviceInfo contains information about the compute device
type DeviceInfo struct {
	Name              string `json:"name"`
	TotalMemory       int64  `json:"totalMemory"`     // in bytes
	AvailableMemory   int64  `json:"availableMemory"` // in bytes
	ComputeCapability string `json:"computeCapability"`
	DriverVersion     string `json:"driverVersion"`
}

// Limits are the dispatch limits a device reports.
type Limits struct {
	MaxWorkgroupInvocations int    `json:"maxWorkgroupInvocations"`
	MaxWorkgroupSize        [3]int `json:"maxWorkgroupSize"`
	MaxWorkgroupCount       [3]int `json:"maxWorkgroupCount"`
}

// Check reports whether a dispatch with the given local size and group counts
// fits. With strict set a value equal to its limit is rejected too, which is
// how the limits were historically compared.
func (l Limits) Check(local, groups [3]int, strict bool) error {
	exceeds := func(v, limit int) bool {
		if strict {
			return v >= limit
		}
		return v > limit
	}
	if exceeds(local[0]*local[1]*local[2], l.MaxWorkgroupInvocations) {
		return fmt.Errorf("%w: %d invocations per workgroup, limit %d",
			ErrLimits, local[0]*local[1]*local[2], l.MaxWorkgroupInvocations)
	}
	for axis := 0; axis < 3; axis++ {
		if local[axis] < 1 || exceeds(local[axis], l.MaxWorkgroupSize[axis]) {
			return fmt.Errorf("%w: local size %d on axis %d, limit %d",
				ErrLimits, local[axis], axis, l.MaxWorkgroupSize[axis])
		}
		if groups[axis] < 1 || exceeds(groups[axis], l.MaxWorkgroupCount[axis]) {
			return fmt.Errorf("%w: %d workgroups on axis %d, limit %d",
				ErrLimits, groups[axis], axis, l.MaxWorkgroupCount[axis])
		}
	}
	return nil
}

// Source is the text of one compute program. The entry point, workgroup size
// and specialization constants are all read from the text.
type Source struct {
	Name string
	Text string
}

// Buffer is device-resident storage. Its concrete type belongs to the device
// that allocated it.
type Buffer interface {
	Size() int
}

// Program is a compiled compute program.
type Program interface {
	Entry() string
	LocalSize() [3]int
}

// Device is the capability set the engine needs from a compute backend.
//
// Implementation notes:
//   - Dispatch may be asynchronous; Barrier orders consecutive dispatches and
//     WaitIdle blocks until all submitted work has finished
//   - Buffers are only freed through Free or Close
//   - Compile must be deterministic: the same Source yields an equivalent Program
type Device interface {
	Info() DeviceInfo
	Limits() Limits

	Allocate(size int) (Buffer, error)
	Free(b Buffer)
	// Upload copies host bytes into the buffer at a byte offset.
	Upload(dst Buffer, offset int, data []byte) error
	// Download maps the buffer and copies its bytes out, waiting for pending
	// writes first.
	Download(src Buffer, offset int, dst []byte) error
	Copy(dst, src Buffer, size int) error
	// Fill writes the 32-bit word into every element of the buffer.
	Fill(dst Buffer, word uint32) error

	Compile(src Source) (Program, error)
	// Dispatch binds buffers to slots 0..n-1 in order, passes the uniform
	// block and launches groups workgroups.
	Dispatch(p Program, bindings []Buffer, uniforms Uniforms, groups [3]int) error
	Barrier()
	WaitIdle() error

	Close() error
}
