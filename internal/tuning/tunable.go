package tuning

import "github.com/fxnlabs/nn-gpu/internal/kernel"

// KernelTunable adapts a registered kernel to Tunable. Key is the descriptor
// whose signature keys the cache; Desc is the one dispatched, which differs
// from Key when a convolution runs on channel-expanded input.
type KernelTunable struct {
	Kernel kernel.Kernel
	Key    *kernel.Descriptor
	Desc   *kernel.Descriptor
	Trial  func() (Trial, error)
}

func (t *KernelTunable) Signature() string { return t.Key.Signature() }
func (t *KernelTunable) Operation() string { return t.Kernel.Name() }

func (t *KernelTunable) Candidates() []kernel.TuningParameters {
	return kernel.Candidates(t.Kernel, t.Desc)
}

func (t *KernelTunable) Accepts(p kernel.TuningParameters) bool {
	return kernel.Applies(t.Kernel, t.Desc, p)
}

func (t *KernelTunable) Groups(p kernel.TuningParameters) [][3]int {
	plan := t.Kernel.Plan(t.Desc, p)
	groups := make([][3]int, len(plan))
	for i, d := range plan {
		groups[i] = d.Groups
	}
	return groups
}

func (t *KernelTunable) NewTrial() (Trial, error) {
	return t.Trial()
}
