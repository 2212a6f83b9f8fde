package runner

import (
	"github.com/rs/zerolog"

	"github.com/example/randevu-watch/internal/engine"
)

// StatusCallback receives (step, humanMessage) progress updates. Callbacks
// may do I/O; they run on a dedicated goroutine, never on the affinity
// worker, and their failures never abort the run.
type StatusCallback func(step, message string)

type statusUpdate struct {
	step    string
	message string
}

// newStatusSink bridges status emission out of the affinity worker through a
// bounded channel. When the buffer is full the update is dropped rather than
// stalling the automation run. stop flushes the queue and waits for the
// drain goroutine.
func newStatusSink(cb StatusCallback, log zerolog.Logger) (emit engine.StatusFunc, stop func()) {
	if cb == nil {
		return func(string, string) {}, func() {}
	}

	ch := make(chan statusUpdate, 64)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for u := range ch {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Warn().Interface("panic", r).Msg("status callback panicked")
					}
				}()
				cb(u.step, u.message)
			}()
		}
	}()

	emit = func(step, message string) {
		select {
		case ch <- statusUpdate{step: step, message: message}:
		default:
			log.Debug().Str("step", step).Msg("status buffer full, update dropped")
		}
	}
	stop = func() {
		close(ch)
		<-done
	}
	return emit, stop
}
