package reference

import (
	"fmt"
	"math"
)

// Relative and absolute tolerances of Within.
const (
	RelativeTolerance = 0.1
	AbsoluteTolerance = 1e-4
	// SmallMagnitude is the |expected| below which the absolute tolerance
	// applies instead of the relative one.
	SmallMagnitude = 1e-3
)

// Within reports whether actual matches expected: |a-e| <= 0.1|e|, or
// |a-e| < 1e-4 when |e| < 1e-3.
func Within(actual, expected float32) bool {
	a, e := float64(actual), float64(expected)
	if math.IsNaN(a) || math.IsNaN(e) {
		return false
	}
	diff := math.Abs(a - e)
	if math.Abs(e) < SmallMagnitude {
		return diff < AbsoluteTolerance
	}
	return diff <= RelativeTolerance*math.Abs(e)
}

// MismatchError reports the first element outside tolerance.
type MismatchError struct {
	Index    int
	Actual   float32
	Expected float32
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("element %d: got %g, want %g", e.Index, e.Actual, e.Expected)
}

// Compare checks two vectors element by element.
func Compare(actual, expected []float32) error {
	if len(actual) != len(expected) {
		return fmt.Errorf("length mismatch: got %d, want %d", len(actual), len(expected))
	}
	for i := range actual {
		if !Within(actual[i], expected[i]) {
			return &MismatchError{Index: i, Actual: actual[i], Expected: expected[i]}
		}
	}
	return nil
}
