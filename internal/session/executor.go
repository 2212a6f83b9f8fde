package session

import (
	"context"
	"sync"
)

// Registry hands out one single-concurrency worker per identity. All
// automation work for an identity goes through its worker, which is what
// keeps the underlying browser session free of concurrent access; distinct
// identities run in parallel. Idle workers are cheap and are retained for
// the life of the process.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*Worker
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*Worker)}
}

// For returns the identity's worker, creating it on first use.
func (r *Registry) For(identity string) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[identity]
	if !ok {
		w = &Worker{tasks: make(chan func(), 32)}
		go w.run()
		r.workers[identity] = w
	}
	return w
}

// Worker executes submitted tasks strictly sequentially, in submission order.
type Worker struct {
	tasks chan func()
}

func (w *Worker) run() {
	for task := range w.tasks {
		task()
	}
}

// Do submits fn and waits for it to finish. If ctx ends before the task can
// be queued, fn never runs and ctx's error is returned. Once queued, Do waits
// for completion regardless of ctx: fn is expected to observe ctx itself, and
// callers read results out of variables fn wrote.
func (w *Worker) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}

	select {
	case w.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	}

	<-done
	return nil
}
