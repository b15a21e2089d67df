package kernel

import (
	"sort"

	"github.com/fxnlabs/nn-gpu/internal/gpu"
	"github.com/fxnlabs/nn-gpu/internal/model"
)

// defaultGroupLimit bounds the x axis of linear dispatches when the
// descriptor carries no device limit.
const defaultGroupLimit = 65535

// Dispatch is one program launch. Bindings index the buffers of the
// operation in fixed order: inputs first, then auxiliary operands such as the
// filter and bias, the output last.
type Dispatch struct {
	Bindings []int
	Uniforms gpu.Uniforms
	Groups   [3]int
}

// Kernel implements one operation kind.
type Kernel interface {
	Kind() model.OperationType
	Name() string
	// Supported reports whether the descriptor can run on this kernel. The
	// other methods may panic for unsupported descriptors.
	Supported(d *Descriptor) bool
	// Tunable kernels are searched per shape signature; the rest always run
	// their Heuristic parameters.
	Tunable() bool
	// Families lists the families applicable to d, highest priority first.
	Families(d *Descriptor) []Family
	// Candidates enumerates the parameter grid of one family.
	Candidates(d *Descriptor, f Family) []TuningParameters
	// Heuristic is the fixed choice used without a search.
	Heuristic(d *Descriptor) TuningParameters
	Specialize(d *Descriptor, p TuningParameters) Specialization
	Plan(d *Descriptor, p TuningParameters) []Dispatch
}

var registry = map[model.OperationType]Kernel{}

func register(k Kernel) {
	if _, dup := registry[k.Kind()]; dup {
		panic("kernel: duplicate kernel for " + k.Kind().String())
	}
	registry[k.Kind()] = k
}

// Lookup returns the kernel of an operation kind.
func Lookup(t model.OperationType) (Kernel, bool) {
	k, ok := registry[t]
	return k, ok
}

// Kinds lists every registered operation kind in code order.
func Kinds() []model.OperationType {
	kinds := make([]model.OperationType, 0, len(registry))
	for t := range registry {
		kinds = append(kinds, t)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Candidates flattens every family of k for d in priority order.
func Candidates(k Kernel, d *Descriptor) []TuningParameters {
	if !k.Tunable() {
		return []TuningParameters{k.Heuristic(d)}
	}
	var out []TuningParameters
	for _, f := range k.Families(d) {
		out = append(out, k.Candidates(d, f)...)
	}
	return out
}

// VariantKey is the program cache key of a kernel run with p on d.
func VariantKey(k Kernel, d *Descriptor, p TuningParameters) string {
	return k.Specialize(d, p).Key()
}

// Applies reports whether p belongs to one of the families k offers for d.
func Applies(k Kernel, d *Descriptor, p TuningParameters) bool {
	for _, f := range k.Families(d) {
		if f == p.Family {
			return true
		}
	}
	return false
}

// Fits checks every dispatch of k run with p on d against limits.
func Fits(k Kernel, d *Descriptor, p TuningParameters, limits gpu.Limits, strict bool) error {
	for _, disp := range k.Plan(d, p) {
		if err := limits.Check(p.Local, disp.Groups, strict); err != nil {
			return err
		}
	}
	return nil
}

// Shrink halves the largest axis of the local size. It reports false once
// the local size is a single invocation.
func Shrink(p TuningParameters) (TuningParameters, bool) {
	axis := 0
	for i := 1; i < 3; i++ {
		if p.Local[i] > p.Local[axis] {
			axis = i
		}
	}
	if p.Local[axis] <= 1 {
		return p, false
	}
	p.Local[axis] /= 2
	return p, true
}

// linearGroups covers n invocations with one-dimensional workgroups of the
// given size, wrapping onto y past limit groups. span is the number of
// invocations per row of groups.
func linearGroups(n, local, limit int) (groups [3]int, span int) {
	g := max(ceilDiv(n, local), 1)
	if g <= limit {
		return [3]int{g, 1, 1}, g * local
	}
	return [3]int{limit, ceilDiv(g, limit), 1}, limit * local
}

func linearIndex(inv gpu.Invocation, span int) int {
	return inv.Global[1]*span + inv.Global[0]
}

func fixedParams(local [3]int, block [3]int) TuningParameters {
	return TuningParameters{Family: FamilyBasic, Local: local, Block: block}
}

// single is the Families/Candidates pair of kernels with one fixed choice.
type single struct {
	heuristic func(d *Descriptor) TuningParameters
}

func (s single) Tunable() bool                 { return false }
func (s single) Families(*Descriptor) []Family { return []Family{FamilyBasic} }
func (s single) Candidates(d *Descriptor, f Family) []TuningParameters {
	if f != FamilyBasic {
		return nil
	}
	return []TuningParameters{s.heuristic(d)}
}
func (s single) Heuristic(d *Descriptor) TuningParameters { return s.heuristic(d) }
