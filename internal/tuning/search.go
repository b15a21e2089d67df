package tuning

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/nn-gpu/internal/kernel"
	"github.com/fxnlabs/nn-gpu/internal/metrics"
)

// Tunable is one shape-sensitive operation at one shape.
type Tunable interface {
	// Signature keys both cache tiers.
	Signature() string
	// Operation labels metrics and logs.
	Operation() string
	// Candidates lists every parameter set in family priority order.
	Candidates() []kernel.TuningParameters
	// Accepts reports whether p is a valid choice for this shape. Entries
	// read back from a store are checked with it.
	Accepts(p kernel.TuningParameters) bool
	// Groups returns the workgroup counts of every dispatch p would issue.
	Groups(p kernel.TuningParameters) [][3]int
	// NewTrial sets up buffers for timing and verifying candidates.
	NewTrial() (Trial, error)
}

// Trial runs candidates of one Tunable on the device.
type Trial interface {
	Run(p kernel.TuningParameters) error
	WaitIdle() error
	// ResetOutput fills the output with a sentinel pattern.
	ResetOutput() error
	// Verify compares the output with the CPU reference.
	Verify() error
	Close()
}

type timing struct {
	params  kernel.TuningParameters
	elapsed time.Duration
}

// fits checks every dispatch of p against the device limits.
func (c *Context) fits(t Tunable, p kernel.TuningParameters) error {
	for _, g := range t.Groups(p) {
		if err := c.limits.Check(p.Local, g, c.strict); err != nil {
			return err
		}
	}
	return nil
}

// search times every candidate that fits the device and returns the fastest
// one that verifies. The basic family is always correct, so running out of
// candidates is a defect and panics.
func (c *Context) search(t Tunable) (kernel.TuningParameters, error) {
	start := c.clock()
	log := c.logger.With(zap.String("signature", t.Signature()), zap.String("operation", t.Operation()))

	var eligible []kernel.TuningParameters
	for _, p := range t.Candidates() {
		if err := c.fits(t, p); err != nil {
			metrics.TuningCandidatesRejected.WithLabelValues("limits").Inc()
			log.Debug("Candidate exceeds device limits", zap.String("params", p.String()), zap.Error(err))
			continue
		}
		eligible = append(eligible, p)
	}
	if len(eligible) == 0 {
		panic(fmt.Sprintf("tuning: no candidate of %s fits the device limits", t.Signature()))
	}

	trial, err := t.NewTrial()
	if err != nil {
		return kernel.TuningParameters{}, fmt.Errorf("failed to set up tuning trial: %w", err)
	}
	defer trial.Close()

	timings := make([]timing, 0, len(eligible))
	for _, p := range eligible {
		if err := trial.Run(p); err != nil {
			metrics.TuningCandidatesRejected.WithLabelValues("dispatch").Inc()
			log.Debug("Candidate failed warm-up", zap.String("params", p.String()), zap.Error(err))
			continue
		}
		if err := trial.WaitIdle(); err != nil {
			return kernel.TuningParameters{}, err
		}
		begin := c.clock()
		if err := trial.Run(p); err != nil {
			metrics.TuningCandidatesRejected.WithLabelValues("dispatch").Inc()
			continue
		}
		if err := trial.WaitIdle(); err != nil {
			return kernel.TuningParameters{}, err
		}
		timings = append(timings, timing{params: p, elapsed: c.clock().Sub(begin)})
	}
	sort.SliceStable(timings, func(i, j int) bool { return timings[i].elapsed < timings[j].elapsed })

	for _, tm := range timings {
		if err := trial.ResetOutput(); err != nil {
			return kernel.TuningParameters{}, err
		}
		if err := trial.Run(tm.params); err != nil {
			return kernel.TuningParameters{}, err
		}
		if err := trial.WaitIdle(); err != nil {
			return kernel.TuningParameters{}, err
		}
		if err := trial.Verify(); err != nil {
			metrics.TuningCandidatesRejected.WithLabelValues("verify").Inc()
			log.Warn("Candidate failed verification", zap.String("params", tm.params.String()), zap.Error(err))
			continue
		}
		metrics.TuningSearches.WithLabelValues(t.Operation()).Inc()
		metrics.TuningSearchDuration.Observe(float64(c.clock().Sub(start).Microseconds()) / 1000)
		log.Info("Tuning search finished",
			zap.String("winner", tm.params.String()),
			zap.Duration("elapsed", tm.elapsed),
			zap.Int("candidates", len(eligible)))
		return tm.params, nil
	}
	panic(fmt.Sprintf("tuning: every candidate of %s failed verification", t.Signature()))
}
