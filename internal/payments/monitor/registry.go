package monitor

import (
	"context"
	"sync"
	"time"
)

// PollFunc runs one poll for an invoice. Returning true ends the loop.
type PollFunc func(ctx context.Context) (done bool)

// Registry runs one cancellable polling goroutine per invoice. Start is
// idempotent per invoice ID; Stop cancels and forgets.
type Registry struct {
	interval time.Duration
	logger   Logger

	mu    sync.Mutex
	loops map[string]context.CancelFunc
	wg    sync.WaitGroup
}

// NewRegistry constructs a registry polling at the given interval.
func NewRegistry(interval time.Duration, logger Logger) *Registry {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Registry{
		interval: interval,
		logger:   logger,
		loops:    make(map[string]context.CancelFunc),
	}
}

// Start launches the polling loop for an invoice. A loop already running for
// the same invoice is left alone.
func (r *Registry) Start(ctx context.Context, invoiceID string, poll PollFunc) {
	r.mu.Lock()
	if _, ok := r.loops[invoiceID]; ok {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.loops[invoiceID] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(loopCtx, invoiceID, poll)
}

func (r *Registry) run(ctx context.Context, invoiceID string, poll PollFunc) {
	defer r.wg.Done()
	defer r.forget(invoiceID)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	if poll(ctx) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if poll(ctx) {
				return
			}
		}
	}
}

// Stop cancels the loop for one invoice, if any.
func (r *Registry) Stop(invoiceID string) {
	r.mu.Lock()
	cancel, ok := r.loops[invoiceID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Watching reports whether a loop is active for the invoice.
func (r *Registry) Watching(invoiceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loops[invoiceID]
	return ok
}

// Close cancels every loop and waits for them to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	for _, cancel := range r.loops {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Registry) forget(invoiceID string) {
	r.mu.Lock()
	delete(r.loops, invoiceID)
	r.mu.Unlock()
}
