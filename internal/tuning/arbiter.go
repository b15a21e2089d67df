package tuning

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Arbiter serializes tuning searches. A search owns the device while it
// times candidates, so only one may run at a time even for unrelated shapes.
type Arbiter struct {
	name string
	mu   sync.Mutex
}

func NewArbiter(name string) *Arbiter {
	return &Arbiter{name: name}
}

var processArbiter = NewArbiter("process")

// ProcessArbiter is the arbiter shared by every tuning context of the
// process.
func ProcessArbiter() *Arbiter {
	return processArbiter
}

func (a *Arbiter) Name() string {
	return a.name
}

// Acquire blocks until the arbiter is free and returns its release func.
func (a *Arbiter) Acquire(logger *zap.Logger) func() {
	start := time.Now()
	a.mu.Lock()
	if waited := time.Since(start); waited > 10*time.Millisecond {
		logger.Debug("Waited for tuning arbiter", zap.String("arbiter", a.name), zap.Duration("waited", waited))
	}
	return a.mu.Unlock
}
