package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fxnlabs/nn-gpu/internal/gpu"
	"github.com/fxnlabs/nn-gpu/internal/memory"
	"github.com/fxnlabs/nn-gpu/internal/metrics"
	"github.com/fxnlabs/nn-gpu/internal/model"
)

// PreparedModel is a model bound to the device. Executions hold an exclusive
// slot, so concurrent calls on one model run one after another.
type PreparedModel struct {
	driver *Driver
	model  *model.Model
	mem    *memory.Manager
	steps  []*step
	// filters holds channel-expanded constant filters by operand.
	filters map[int]gpu.Buffer
	logger  *zap.Logger

	slot sync.Mutex
	// mu orders starting executions against Close.
	mu        sync.Mutex
	group     errgroup.Group
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Execute runs the model on one request and leaves the outputs in the
// request's pools.
func (p *PreparedModel) Execute(ctx context.Context, req *model.Request) error {
	if p.closed.Load() {
		return ErrModelClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.slot.Lock()
	defer p.slot.Unlock()
	if p.closed.Load() {
		return ErrModelClosed
	}

	start := time.Now()
	err := p.execute(req)
	metrics.ExecuteDuration.Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		metrics.ExecuteResults.WithLabelValues("error").Inc()
		p.logger.Error("Execution failed", zap.Error(err))
		return err
	}
	metrics.ExecuteResults.WithLabelValues("ok").Inc()
	p.logger.Debug("Execution finished", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (p *PreparedModel) execute(req *model.Request) error {
	if err := p.mem.BindRequest(req); err != nil {
		return err
	}
	defer p.mem.EndRequest()

	x := &execution{expanded: make(map[int]gpu.Buffer)}
	for _, s := range p.steps {
		if err := p.run(x, s); err != nil {
			return fmt.Errorf("operation %d (%s): %w", s.index, s.op.Type, err)
		}
	}
	if err := p.driver.device.WaitIdle(); err != nil {
		return err
	}
	return p.mem.SyncOutputs()
}

// ExecuteAsync starts an execution on its own goroutine. The channel
// receives its result. Close waits for every started execution.
func (p *PreparedModel) ExecuteAsync(ctx context.Context, req *model.Request) <-chan error {
	done := make(chan error, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		done <- ErrModelClosed
		return done
	}
	p.group.Go(func() error {
		done <- p.Execute(ctx, req)
		return nil
	})
	return done
}

// Close waits for running executions and releases the model's buffers.
func (p *PreparedModel) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed.Store(true)
		p.mu.Unlock()
		_ = p.group.Wait()
		p.slot.Lock()
		defer p.slot.Unlock()
		p.closeErr = p.mem.Close()
		p.driver.forget(p)
		p.logger.Debug("Prepared model closed")
	})
	return p.closeErr
}
