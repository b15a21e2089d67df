package kernel

import (
	"fmt"
	"strconv"
	"strings"
)

// Family is an algorithm family. Families of one operation compute the same
// result with different thread mappings.
type Family string

const (
	FamilyBasic      Family = "basic"
	FamilyGemm1      Family = "gemm1"
	FamilyGemm4x4    Family = "gemm4x4"
	FamilyGemm4x8    Family = "gemm4x8"
	FamilyChannelPad Family = "channelpad"
)

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	switch f {
	case FamilyBasic, FamilyGemm1, FamilyGemm4x4, FamilyGemm4x8, FamilyChannelPad:
		return true
	}
	return false
}

// TuningParameters is one candidate implementation choice: a family, the
// workgroup local size and the per-invocation block of outputs.
type TuningParameters struct {
	Family Family
	Local  [3]int
	Block  [3]int
}

// Invocations is the workgroup size.
func (p TuningParameters) Invocations() int {
	return p.Local[0] * p.Local[1] * p.Local[2]
}

// String encodes p as <family>_<lx>_<ly>_<lz>_<bw>_<bh>_<bd>, the form kept
// in tuning stores.
func (p TuningParameters) String() string {
	return fmt.Sprintf("%s_%d_%d_%d_%d_%d_%d", p.Family,
		p.Local[0], p.Local[1], p.Local[2], p.Block[0], p.Block[1], p.Block[2])
}

// ParseTuning decodes the String form.
func ParseTuning(s string) (TuningParameters, error) {
	fields := strings.Split(s, "_")
	if len(fields) != 7 {
		return TuningParameters{}, fmt.Errorf("tuning value %q: want 7 fields, got %d", s, len(fields))
	}
	p := TuningParameters{Family: Family(fields[0])}
	if !p.Family.Valid() {
		return TuningParameters{}, fmt.Errorf("tuning value %q: unknown family %q", s, fields[0])
	}
	for i, f := range fields[1:] {
		v, err := strconv.Atoi(f)
		if err != nil || v < 1 {
			return TuningParameters{}, fmt.Errorf("tuning value %q: bad field %q", s, f)
		}
		if i < 3 {
			p.Local[i] = v
		} else {
			p.Block[i-3] = v
		}
	}
	return p, nil
}
