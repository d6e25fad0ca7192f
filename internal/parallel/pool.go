// Package parallel provides the fixed-size executor used to fan event
// partitions out to workers.
package parallel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 5

// ErrPoolClosed is returned by Map after the pool has been closed.
var ErrPoolClosed = errors.New("worker pool closed")

// Pool bounds the number of partitions processed concurrently. A Pool is
// owned by one sample's event loop and closed when that loop ends.
type Pool struct {
	workers    int
	dispatched atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewPool returns a pool with the given number of workers. Non-positive
// values select DefaultWorkers.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{workers: workers}
}

// Workers returns the pool size.
func (p *Pool) Workers() int { return p.workers }

// Dispatched returns the number of partitions submitted since creation.
func (p *Pool) Dispatched() int64 { return p.dispatched.Load() }

// Close marks the pool closed. Calls to Map already running complete.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Map applies fn to every part on the pool and returns the results in
// submission order, regardless of completion order. The first error
// cancels the context passed to the remaining calls and is returned once
// all started calls have finished.
func Map[In, Out any](ctx context.Context, p *Pool, parts []In, fn func(context.Context, In) (Out, error)) ([]Out, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	results := make([]Out, len(parts))
	if len(parts) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := range parts {
		if gctx.Err() != nil {
			break
		}
		p.dispatched.Add(1)
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := fn(gctx, parts[i])
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
