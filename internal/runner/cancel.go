package runner

import (
	"context"
	"fmt"
	"sync"
)

// CancelRegistry maps an in-flight run to its cancellation function so a
// supervisor (web API, monitor deletion) can abort it. Entries are inserted
// when a run starts and removed when it ends, whatever the outcome.
type CancelRegistry struct {
	mu   sync.Mutex
	runs map[string]*registration
}

// registration identifies one Register call. The pointer doubles as the
// ownership token: done only evicts the entry it installed, never a newer
// run that superseded it under the same key.
type registration struct {
	cancel context.CancelFunc
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{runs: make(map[string]*registration)}
}

// MonitorKey addresses a scheduled monitor run.
func MonitorKey(monitorID int64) string {
	return fmt.Sprintf("monitor:%d", monitorID)
}

// IdentityKey addresses an interactive run for a patient identity.
func IdentityKey(identity string) string {
	return "identity:" + identity
}

// Register derives a cancellable context for the run and tracks it under key.
// A previous entry under the same key is cancelled first. The returned done
// cancels the run and removes its own entry; a stale done from a superseded
// run leaves the current entry in place.
func (r *CancelRegistry) Register(ctx context.Context, key string) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	reg := &registration{cancel: cancel}

	r.mu.Lock()
	if old, ok := r.runs[key]; ok {
		old.cancel()
	}
	r.runs[key] = reg
	r.mu.Unlock()

	return runCtx, func() {
		cancel()
		r.mu.Lock()
		if r.runs[key] == reg {
			delete(r.runs, key)
		}
		r.mu.Unlock()
	}
}

// Cancel aborts the run registered under key, if any.
func (r *CancelRegistry) Cancel(key string) bool {
	r.mu.Lock()
	reg, ok := r.runs[key]
	delete(r.runs, key)
	r.mu.Unlock()
	if ok {
		reg.cancel()
	}
	return ok
}

// Active reports whether a run is currently registered under key.
func (r *CancelRegistry) Active(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[key]
	return ok
}
