package gpu

import (
	"encoding/binary"
	"math"
)

// Float32FromBits reinterprets a 32-bit word as a float32.
func Float32FromBits(w uint32) float32 {
	return math.Float32frombits(w)
}

// BytesToFloat32 decodes little-endian float32 values.
func BytesToFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	BytesToFloat32Into(out, b)
	return out
}

// BytesToFloat32Into decodes little-endian float32 values into dst.
func BytesToFloat32Into(dst []float32, b []byte) {
	n := min(len(dst), len(b)/4)
	for i := 0; i < n; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
}

// Float32ToBytes encodes float32 values little-endian.
func Float32ToBytes(v []float32) []byte {
	out := make([]byte, len(v)*4)
	Float32ToBytesInto(out, v)
	return out
}

// Float32ToBytesInto encodes float32 values little-endian into dst.
func Float32ToBytesInto(dst []byte, v []float32) {
	n := min(len(dst)/4, len(v))
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v[i]))
	}
}

// Float32ToFloat64 converts a slice of float32 to float64
func Float32ToFloat64(input []float32) []float64 {
	output := make([]float64, len(input))
	for i, v := range input {
		output[i] = float64(v)
	}
	return output
}
