package embedding

import (
	"context"
	"fmt"
	"sync"
)

// =============================================================================
// BOUNDED WORKER POOL
// =============================================================================

// Pool wraps an Engine with a fixed concurrency bound. Requests beyond the
// bound queue on the semaphore instead of stacking goroutines against the
// backend, and batch work fans out without exceeding the bound.
type Pool struct {
	inner Engine
	slots chan struct{}
}

// NewPool wraps engine with a worker pool of the given size.
func NewPool(engine Engine, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{
		inner: engine,
		slots: make(chan struct{}, workers),
	}
}

// Embed acquires a worker slot and delegates to the inner engine.
func (p *Pool) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case p.slots <- struct{}{}:
		defer func() { <-p.slots }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.inner.Embed(ctx, text)
}

// EmbedBatch fans the texts out across the pool, preserving input order.
// The first error cancels the remaining work.
func (p *Pool) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([][]float32, len(texts))
	errs := make(chan error, len(texts))
	var wg sync.WaitGroup

	for i, text := range texts {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil, ctx.Err()
		}

		wg.Add(1)
		go func(idx int, t string) {
			defer wg.Done()
			defer func() { <-p.slots }()

			vec, err := p.inner.Embed(ctx, t)
			if err != nil {
				errs <- fmt.Errorf("failed to embed text %d: %w", idx, err)
				cancel()
				return
			}
			results[idx] = vec
		}(i, text)
	}

	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return nil, err
	}
	return results, nil
}

// Dimensions returns the inner engine's dimensionality.
func (p *Pool) Dimensions() int { return p.inner.Dimensions() }

// Name returns the inner engine's name.
func (p *Pool) Name() string { return p.inner.Name() }

// HealthCheck delegates when the inner engine supports it.
func (p *Pool) HealthCheck(ctx context.Context) error {
	if hc, ok := p.inner.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}
