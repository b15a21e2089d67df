package tuning

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/nn-gpu/internal/gpu"
	"github.com/fxnlabs/nn-gpu/internal/kernel"
	"github.com/fxnlabs/nn-gpu/internal/metrics"
)

// ErrNotFound is returned by Resolve when no tier holds the signature and
// searching is disabled. Callers fall back to the kernel heuristic.
var ErrNotFound = errors.New("no tuning entry")

type Options struct {
	// Enabled allows full searches on a miss.
	Enabled bool
	// Force searches every signature missing from the in-process cache
	// without reading Store or Defaults. Winners are still written to Store.
	Force bool
	// StrictLimits rejects values equal to a device limit.
	StrictLimits bool
	Limits       gpu.Limits
	// Store is the persistent tier. Nil disables it.
	Store Store
	// Defaults is consulted after Store misses. Nil disables it.
	Defaults Store
	// Arbiter serializes searches; ProcessArbiter() when nil.
	Arbiter *Arbiter
	// Clock times candidates; time.Now when nil.
	Clock func() time.Time
}

// Context holds the tuning state of one driver: the in-process tier, the
// persistent tiers and the search policy.
type Context struct {
	cache    *Cache
	store    Store
	defaults Store
	arbiter  *Arbiter
	limits   gpu.Limits
	strict   bool
	enabled  bool
	force    bool
	clock    func() time.Time
	searches atomic.Int64
	logger   *zap.Logger
}

func NewContext(opts Options, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Context{
		cache:    NewCache(),
		store:    opts.Store,
		defaults: opts.Defaults,
		arbiter:  opts.Arbiter,
		limits:   opts.Limits,
		strict:   opts.StrictLimits,
		enabled:  opts.Enabled || opts.Force,
		force:    opts.Force,
		clock:    opts.Clock,
		logger:   logger.Named("tuning"),
	}
	if c.arbiter == nil {
		c.arbiter = ProcessArbiter()
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return c
}

// Searches returns how many full searches this context has run.
func (c *Context) Searches() int64 {
	return c.searches.Load()
}

// Limits returns the device limits candidates are checked against and
// whether the comparison is strict.
func (c *Context) Limits() (gpu.Limits, bool) {
	return c.limits, c.strict
}

func (c *Context) Cache() *Cache {
	return c.cache
}

func (c *Context) Store() Store {
	return c.store
}

// Resolve returns the tuning parameters for t, consulting the in-process
// cache, the persistent store and the defaults table in that order before
// searching. A winner is written to both the in-process cache and the store.
func (c *Context) Resolve(t Tunable) (kernel.TuningParameters, error) {
	sig := t.Signature()
	if p, ok := c.cache.Get(sig); ok {
		metrics.TuningLookups.WithLabelValues("memory", "hit").Inc()
		return p, nil
	}
	metrics.TuningLookups.WithLabelValues("memory", "miss").Inc()

	release := c.arbiter.Acquire(c.logger)
	defer release()

	// Another caller may have finished the same search while we waited.
	if p, ok := c.cache.Get(sig); ok {
		return p, nil
	}
	if !c.force {
		if p, ok := c.lookup(t, "store", c.store); ok {
			c.cache.Set(sig, p)
			return p, nil
		}
		if p, ok := c.lookup(t, "defaults", c.defaults); ok {
			c.cache.Set(sig, p)
			return p, nil
		}
	}
	if !c.enabled {
		return kernel.TuningParameters{}, fmt.Errorf("%w for %s", ErrNotFound, sig)
	}

	p, err := c.search(t)
	if err != nil {
		return kernel.TuningParameters{}, err
	}
	c.searches.Add(1)
	c.cache.Set(sig, p)
	if c.store != nil {
		if err := c.store.Set(sig, p.String()); err != nil {
			c.logger.Warn("Failed to persist tuning result", zap.String("signature", sig), zap.Error(err))
		}
	}
	return p, nil
}

// lookup reads one persistent tier. Entries that do not parse, do not apply
// to the shape or do not fit the device are ignored.
func (c *Context) lookup(t Tunable, tier string, s Store) (kernel.TuningParameters, bool) {
	if s == nil {
		return kernel.TuningParameters{}, false
	}
	sig := t.Signature()
	v, ok, err := s.Get(sig)
	if err != nil {
		c.logger.Warn("Tuning store lookup failed", zap.String("tier", tier), zap.Error(err))
		metrics.TuningLookups.WithLabelValues(tier, "error").Inc()
		return kernel.TuningParameters{}, false
	}
	if !ok {
		metrics.TuningLookups.WithLabelValues(tier, "miss").Inc()
		return kernel.TuningParameters{}, false
	}
	p, err := kernel.ParseTuning(v)
	if err == nil && !t.Accepts(p) {
		err = fmt.Errorf("%s does not apply to this shape", v)
	}
	if err == nil {
		err = c.fits(t, p)
	}
	if err != nil {
		c.logger.Warn("Ignoring stored tuning entry",
			zap.String("tier", tier), zap.String("signature", sig), zap.Error(err))
		metrics.TuningLookups.WithLabelValues(tier, "invalid").Inc()
		return kernel.TuningParameters{}, false
	}
	metrics.TuningLookups.WithLabelValues(tier, "hit").Inc()
	return p, true
}
