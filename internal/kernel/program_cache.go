package kernel

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fxnlabs/nn-gpu/internal/gpu"
	"github.com/fxnlabs/nn-gpu/internal/metrics"
)

// ProgramCache maps variant keys to compiled programs. Programs are compiled
// on first use and kept until the cache is dropped with its device.
type ProgramCache struct {
	mu       sync.RWMutex
	programs map[string]gpu.Program
	device   gpu.Device
	logger   *zap.Logger
	compiles int
}

// NewProgramCache creates an empty cache compiling on device.
func NewProgramCache(device gpu.Device, logger *zap.Logger) *ProgramCache {
	return &ProgramCache{
		programs: make(map[string]gpu.Program),
		device:   device,
		logger:   logger.Named("programs"),
	}
}

// Get returns the program of a specialization, compiling it on a miss.
func (c *ProgramCache) Get(s Specialization) (gpu.Program, error) {
	key := s.Key()
	c.mu.RLock()
	p, ok := c.programs[key]
	c.mu.RUnlock()
	if ok {
		metrics.ProgramCacheHits.Inc()
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[key]; ok {
		metrics.ProgramCacheHits.Inc()
		return p, nil
	}
	p, err := c.device.Compile(Source(s))
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", key, err)
	}
	c.programs[key] = p
	c.compiles++
	metrics.ProgramCompiles.Inc()
	c.logger.Debug("Program compiled", zap.String("key", key), zap.Int("cached", len(c.programs)))
	return p, nil
}

// Len is the number of cached programs.
func (c *ProgramCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// Compiles counts compilations since creation.
func (c *ProgramCache) Compiles() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.compiles
}
