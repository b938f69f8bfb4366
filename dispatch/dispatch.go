// Package dispatch defers handler invocation off the lifecycle machine's
// goroutine. The pool holds a single worker, so handler executions are
// serialized and the hand-off from an accepted job to its handler always
// happens on a later scheduling turn, never re-entrantly from the event loop.
package dispatch

import (
	"context"
	"errors"

	"github.com/panjf2000/ants/v2"
	"github.com/pitabwire/util"
)

// ErrShutdown is returned by Submit after the pool has been released.
var ErrShutdown = errors.New("dispatch pool has been shut down")

const poolCapacity = 1

// Pool runs handler tasks one at a time on a dedicated worker.
type Pool struct {
	pool *ants.Pool
	log  *util.LogEntry
}

// NewPool creates the single-worker pool. Submissions block until the worker
// is free rather than being rejected, preserving hand-off order.
func NewPool(ctx context.Context) (*Pool, error) {
	log := util.Log(ctx).WithField("component", "dispatch")

	p, err := ants.NewPool(
		poolCapacity,
		ants.WithPanicHandler(func(v any) {
			log.WithField("panic", v).Error("handler task panicked")
		}),
	)
	if err != nil {
		return nil, err
	}

	return &Pool{pool: p, log: log}, nil
}

// Submit enqueues one task for the worker.
func (p *Pool) Submit(task func()) error {
	err := p.pool.Submit(task)
	if err != nil {
		if errors.Is(err, ants.ErrPoolClosed) {
			return ErrShutdown
		}
		return err
	}
	return nil
}

// Shutdown releases the worker. Queued tasks that have not started are
// dropped.
func (p *Pool) Shutdown() {
	p.pool.Release()
}
