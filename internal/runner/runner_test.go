package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/randevu-watch/internal/appointment"
	"github.com/example/randevu-watch/internal/engine"
	"github.com/example/randevu-watch/internal/session"
)

type stubPage struct {
	alive   atomic.Bool
	gotoErr error
}

func (p *stubPage) Alive(ctx context.Context) bool             { return p.alive.Load() }
func (p *stubPage) Goto(ctx context.Context, url string) error { return p.gotoErr }
func (p *stubPage) URL(ctx context.Context) (string, error)    { return "https://portal/search", nil }
func (p *stubPage) Close(ctx context.Context) error {
	p.alive.Store(false)
	return nil
}

type stubHandle struct {
	page *stubPage
}

func (h *stubHandle) NewPage(ctx context.Context) (engine.Page, error) { return h.page, nil }
func (h *stubHandle) Close(ctx context.Context) error                  { return nil }

// scriptEngine returns the queued outcomes in order; the last one repeats.
type scriptEngine struct {
	mu      sync.Mutex
	opens   int
	runs    []engine.RunSpec
	script  []runOutcome
	openErr error
}

type runOutcome struct {
	res appointment.RunResult
	err error
}

func (e *scriptEngine) Open(ctx context.Context, cfg engine.SessionConfig) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openErr != nil {
		return nil, e.openErr
	}
	e.opens++
	p := &stubPage{}
	p.alive.Store(true)
	return &stubHandle{page: p}, nil
}

func (e *scriptEngine) Run(ctx context.Context, page engine.Page, spec engine.RunSpec) (appointment.RunResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs = append(e.runs, spec)

	out := e.script[0]
	if len(e.script) > 1 {
		e.script = e.script[1:]
	}
	return out.res, out.err
}

func (e *scriptEngine) openCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens
}

func (e *scriptEngine) runSpecs() []engine.RunSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.RunSpec(nil), e.runs...)
}

func newTestCoordinator(eng *scriptEngine) (*Coordinator, *session.Pool) {
	regs := session.NewRegistry()
	pool := session.NewPool(eng, regs, session.PoolConfig{}, zerolog.Nop())
	return NewCoordinator(pool, regs, eng, zerolog.Nop()), pool
}

func searchRequest() Request {
	return Request{
		Identity:  "12345678901",
		BirthDate: "01.01.1990",
		Phone:     "5551234567",
		Criteria:  appointment.SearchCriteria{SearchText: "kardiyoloji", AppointmentType: "internet randevu"},
	}
}

func TestRunColdThenWarm(t *testing.T) {
	ctx := context.Background()
	eng := &scriptEngine{script: []runOutcome{
		{res: appointment.RunResult{Status: appointment.StatusAvailable}},
	}}
	c, pool := newTestCoordinator(eng)

	res := c.Run(ctx, searchRequest())
	assert.Equal(t, appointment.StatusAvailable, res.Status)
	assert.Equal(t, 0, res.ExitCode)

	s := pool.Get(ctx, "12345678901")
	require.NotNil(t, s)
	assert.True(t, s.LoggedIn)
	assert.Equal(t, "https://portal/search", s.SearchURL)

	res = c.Run(ctx, searchRequest())
	assert.Equal(t, appointment.StatusAvailable, res.Status)

	specs := eng.runSpecs()
	require.Len(t, specs, 2)
	assert.False(t, specs[0].SkipLogin, "first run logs in")
	assert.True(t, specs[1].SkipLogin, "second run reuses the session")
	assert.Equal(t, 1, eng.openCount(), "no second browser session for a warm run")
}

func TestRunRetriesOnceOnInvalidSession(t *testing.T) {
	ctx := context.Background()
	eng := &scriptEngine{script: []runOutcome{
		{res: appointment.RunResult{Status: appointment.StatusNotAvailable}},
		{err: engine.ErrSessionInvalid},
		{res: appointment.RunResult{Status: appointment.StatusAvailable}},
	}}
	c, pool := newTestCoordinator(eng)

	// seed a logged-in session
	res := c.Run(ctx, searchRequest())
	require.Equal(t, appointment.StatusNotAvailable, res.Status)

	// warm run fails with an invalid session, cold retry succeeds
	res = c.Run(ctx, searchRequest())
	assert.Equal(t, appointment.StatusAvailable, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 2, eng.openCount())

	s := pool.Get(ctx, "12345678901")
	require.NotNil(t, s)
	assert.True(t, s.LoggedIn)
}

func TestRunInvalidSessionNoSecondRetry(t *testing.T) {
	ctx := context.Background()
	eng := &scriptEngine{script: []runOutcome{
		{res: appointment.RunResult{Status: appointment.StatusNotAvailable}},
		{err: engine.ErrSessionInvalid},
	}}
	c, pool := newTestCoordinator(eng)

	res := c.Run(ctx, searchRequest())
	require.Equal(t, appointment.StatusNotAvailable, res.Status)

	// both the warm run and the cold retry report an invalid session
	res = c.Run(ctx, searchRequest())
	assert.Equal(t, appointment.StatusError, res.Status)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, 2, eng.openCount(), "exactly one retry")
	assert.Nil(t, pool.Get(ctx, "12345678901"), "failed session must not stay cached")
}

func TestRunColdFailureNotCached(t *testing.T) {
	ctx := context.Background()
	eng := &scriptEngine{script: []runOutcome{
		{err: errors.New("portal timeout")},
	}}
	c, pool := newTestCoordinator(eng)

	res := c.Run(ctx, searchRequest())
	assert.Equal(t, appointment.StatusError, res.Status)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Err, "portal timeout")
	assert.Nil(t, pool.Get(ctx, "12345678901"))
}

func TestRunOpenFailure(t *testing.T) {
	eng := &scriptEngine{openErr: errors.New("sidecar unreachable")}
	c, _ := newTestCoordinator(eng)

	res := c.Run(context.Background(), searchRequest())
	assert.Equal(t, appointment.StatusError, res.Status)
	assert.Contains(t, res.Err, "sidecar unreachable")
}

func TestRunCancelledContext(t *testing.T) {
	eng := &scriptEngine{script: []runOutcome{
		{res: appointment.RunResult{Status: appointment.StatusAvailable}},
	}}
	c, _ := newTestCoordinator(eng)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := c.Run(ctx, searchRequest())
	assert.Equal(t, appointment.StatusCancelled, res.Status)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, 0, eng.openCount(), "no session work after cancellation")
}

func TestRunCancelDuringEngineRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	eng := &scriptEngine{script: []runOutcome{
		{err: context.Canceled},
	}}
	c, _ := newTestCoordinator(eng)

	go cancel()
	res := c.Run(ctx, searchRequest())
	assert.Equal(t, appointment.StatusCancelled, res.Status)
	assert.Equal(t, 2, res.ExitCode)
}

func TestRunStatusUpdatesDelivered(t *testing.T) {
	eng := &scriptEngine{script: []runOutcome{
		{res: appointment.RunResult{Status: appointment.StatusNotAvailable}},
	}}
	c, _ := newTestCoordinator(eng)

	var mu sync.Mutex
	var steps []string
	req := searchRequest()
	req.Status = func(step, message string) {
		mu.Lock()
		steps = append(steps, step)
		mu.Unlock()
	}

	c.Run(context.Background(), req)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, steps, "session")
}

// Session status is polled over the API while runs are in flight; the login
// bookkeeping must go through the pool lock. Meaningful under the race
// detector.
func TestRunConcurrentWithStatusSnapshots(t *testing.T) {
	ctx := context.Background()
	eng := &scriptEngine{script: []runOutcome{
		{res: appointment.RunResult{Status: appointment.StatusNotAvailable}},
	}}
	c, pool := newTestCoordinator(eng)

	stop := make(chan struct{})
	snapshots := make(chan struct{})
	go func() {
		defer close(snapshots)
		for {
			select {
			case <-stop:
				return
			default:
				_ = pool.GetStatus(ctx, "12345678901")
			}
		}
	}()

	for i := 0; i < 20; i++ {
		res := c.Run(ctx, searchRequest())
		require.Equal(t, appointment.StatusNotAvailable, res.Status)
	}
	close(stop)
	<-snapshots

	assert.True(t, pool.GetStatus(ctx, "12345678901").LoggedIn)
}

func TestFinalizeExitCodes(t *testing.T) {
	assert.Equal(t, 0, finalize(appointment.RunResult{Status: appointment.StatusAvailable}).ExitCode)
	assert.Equal(t, 0, finalize(appointment.RunResult{Status: appointment.StatusNotAvailable}).ExitCode)
	assert.Equal(t, 1, finalize(appointment.RunResult{Status: appointment.StatusError}).ExitCode)
	assert.Equal(t, 2, finalize(appointment.RunResult{Status: appointment.StatusCancelled}).ExitCode)

	res := finalize(appointment.RunResult{})
	assert.Equal(t, appointment.StatusUnknown, res.Status)
	assert.Equal(t, 0, res.ExitCode)
}
