package module

import (
	"context"
	"sync"
)

// Worker runs a module's background goroutines and joins them on Stop.
type Worker struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// NewWorker creates a worker whose goroutines see a context derived from parent.
func NewWorker(parent context.Context) *Worker {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Worker{ctx: ctx, cancel: cancel}
}

// Go runs fn in a new goroutine. It reports false, without running fn, after Stop.
func (w *Worker) Go(fn func(ctx context.Context)) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn(w.ctx)
	}()
	return true
}

// Stop cancels the context and waits for every goroutine started by Go.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
}

// Done is closed once Stop has been called.
func (w *Worker) Done() <-chan struct{} {
	return w.ctx.Done()
}
