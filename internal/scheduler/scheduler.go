// Package scheduler runs the periodic wake loop that triggers due monitors.
// The loop only reads monitor state and enqueues work; scans run on their
// identity's affinity worker and never block the next tick.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/randevu-watch/internal/appointment"
	"github.com/example/randevu-watch/internal/db"
	"github.com/example/randevu-watch/internal/runner"
	"github.com/example/randevu-watch/internal/session"
	"github.com/example/randevu-watch/internal/store"
)

type MonitorStore interface {
	ListActive(ctx context.Context) ([]store.Monitor, error)
	Get(ctx context.Context, id int64) (store.Monitor, error)
	SetActive(ctx context.Context, id int64, active bool) error
	SetLastChecked(ctx context.Context, id int64, at time.Time) error
}

type PatientStore interface {
	Get(ctx context.Context, id int64) (store.Patient, error)
}

type Runner interface {
	Run(ctx context.Context, req runner.Request) appointment.RunResult
}

type Dispatcher interface {
	Dispatch(ctx context.Context, m store.Monitor, p store.Patient, res appointment.RunResult)
}

type Scheduler struct {
	Monitors   MonitorStore
	Patients   PatientStore
	Runner     Runner
	Dispatcher Dispatcher
	Cancels    *runner.CancelRegistry
	Interval   time.Duration // wake period, default 60s
	Log        zerolog.Logger

	mu      sync.Mutex
	stop    context.CancelFunc
	loopWg  sync.WaitGroup
	now     func() time.Time // test hook
	started bool
}

// Start launches the wake loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	if s.now == nil {
		s.now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.started = true
	s.loopWg.Add(1)
	go func() {
		defer s.loopWg.Done()
		s.run(ctx)
	}()
	s.Log.Info().Dur("interval", s.Interval).Msg("scheduler started")
}

// Stop signals the wake loop to exit and waits for it. Already-dispatched
// monitor runs keep going; they carry their own contexts. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stop := s.stop
	s.mu.Unlock()

	stop()
	s.loopWg.Wait()
	s.Log.Info().Msg("scheduler stopped")
}

// Running reports whether the wake loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Scheduler) run(ctx context.Context) {
	t := time.NewTicker(s.Interval)
	defer t.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

// tick marks due monitors and dispatches each in its own goroutine so a slow
// scan never delays the others or the next wake.
func (s *Scheduler) tick(ctx context.Context) {
	monitors, err := s.Monitors.ListActive(ctx)
	if err != nil {
		s.Log.Error().Err(err).Msg("listing active monitors failed")
		return
	}

	now := s.now()
	for _, m := range monitors {
		if !m.Due(now) {
			continue
		}
		m := m
		go s.runMonitor(m)
	}
}

// runMonitor executes one due monitor. It deliberately derives its context
// from Background, not the wake loop: stopping the scheduler must not abort
// a scan already in flight. Aborts go through the cancellation registry.
func (s *Scheduler) runMonitor(m store.Monitor) {
	key := runner.MonitorKey(m.ID)
	if s.Cancels.Active(key) {
		// previous run for this monitor still in flight
		return
	}

	ctx, done := s.Cancels.Register(context.Background(), key)
	defer done()

	log := s.Log.With().Int64("monitor_id", m.ID).Logger()

	// re-validate: a booking flow may have deactivated it since the tick
	fresh, err := s.Monitors.Get(ctx, m.ID)
	if err != nil || !fresh.IsActive {
		log.Debug().Msg("monitor no longer active, skipping")
		return
	}

	patient, err := s.Patients.Get(ctx, fresh.PatientID)
	if err != nil {
		if db.IsNotFound(err) {
			log.Warn().Int64("patient_id", fresh.PatientID).Msg("patient gone, deactivating monitor")
			_ = s.Monitors.SetActive(ctx, m.ID, false)
		} else {
			log.Error().Err(err).Msg("loading patient failed")
		}
		return
	}

	// gate before the (long) scan so the next tick cannot re-queue us
	if err := s.Monitors.SetLastChecked(ctx, m.ID, s.now()); err != nil {
		log.Error().Err(err).Msg("updating last_checked failed")
		return
	}

	log.Info().
		Str("identity", session.Mask(patient.NationalID)).
		Str("search", fresh.SearchText).
		Msg("monitor scan starting")

	res := s.Runner.Run(ctx, runner.Request{
		Identity:      patient.NationalID,
		BirthDate:     patient.BirthDate,
		Phone:         patient.Phone,
		Criteria:      appointment.SearchCriteria{SearchText: fresh.SearchText, AppointmentType: fresh.AppointmentType},
		ProbeSubtimes: true,
	})

	log.Info().Str("status", string(res.Status)).Msg("monitor scan finished")

	switch res.Status {
	case appointment.StatusCancelled, appointment.StatusError:
		return
	}

	_ = s.Monitors.SetLastChecked(ctx, m.ID, s.now())

	if res.Available() {
		s.Dispatcher.Dispatch(ctx, fresh, patient, res)
	}
}
