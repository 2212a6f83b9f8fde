// Package runner coordinates one search-or-book invocation for an identity:
// session reuse versus fresh login, the single retry on an invalidated
// session, and conversion of every outcome into a uniform result envelope.
package runner

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/randevu-watch/internal/appointment"
	"github.com/example/randevu-watch/internal/engine"
	"github.com/example/randevu-watch/internal/session"
)

// Request is one ephemeral search-or-book invocation.
type Request struct {
	Identity  string
	BirthDate string
	Phone     string

	Criteria      appointment.SearchCriteria
	BookTarget    *appointment.BookTarget
	ProbeSubtimes bool

	Status StatusCallback
}

type Coordinator struct {
	pool *session.Pool
	regs *session.Registry
	eng  engine.Engine
	log  zerolog.Logger
}

func NewCoordinator(pool *session.Pool, regs *session.Registry, eng engine.Engine, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		pool: pool,
		regs: regs,
		eng:  eng,
		log:  log.With().Str("component", "runner").Logger(),
	}
}

// Run executes the request on the identity's affinity worker and always
// returns a result envelope; errors never cross this boundary raw. Run may
// be called from any goroutine.
func (c *Coordinator) Run(ctx context.Context, req Request) appointment.RunResult {
	var res appointment.RunResult

	w := c.regs.For(req.Identity)
	if err := w.Do(ctx, func() { res = c.execute(ctx, req) }); err != nil {
		// cancelled before the worker picked the task up
		return cancelledResult()
	}
	return res
}

// execute runs on the affinity worker: it is the only place the identity's
// session is touched.
func (c *Coordinator) execute(ctx context.Context, req Request) appointment.RunResult {
	log := c.log.With().
		Str("run_id", uuid.NewString()).
		Str("identity", session.Mask(req.Identity)).
		Logger()

	emit, stop := newStatusSink(req.Status, log)
	defer stop()

	if ctx.Err() != nil {
		return cancelledResult()
	}

	spec := engine.RunSpec{
		Criteria:      req.Criteria,
		BookTarget:    req.BookTarget,
		ProbeSubtimes: req.ProbeSubtimes,
		Status:        emit,
	}

	if s := c.pool.Get(ctx, req.Identity); s != nil && s.LoggedIn {
		emit("session", "Reusing existing session")
		res, err := c.runWarm(ctx, s, spec)
		switch {
		case err == nil:
			return finalize(res)
		case isCancel(ctx, err):
			return cancelledResult()
		case errors.Is(err, engine.ErrSessionInvalid):
			// stale server-side; recreate and retry exactly once
			log.Warn().Msg("session invalid, recreating and retrying")
			emit("session", "Session expired, logging in again")
			c.pool.Close(ctx, req.Identity)
		default:
			c.pool.Close(ctx, req.Identity)
			return errorResult(err)
		}
	}

	res, err := c.runCold(ctx, req, spec, emit)
	if err != nil {
		if isCancel(ctx, err) {
			return cancelledResult()
		}
		log.Error().Err(err).Msg("run failed")
		return errorResult(err)
	}
	return finalize(res)
}

// runWarm drives the engine over an already-authenticated session: navigate
// back to the recorded search view, skip login.
func (c *Coordinator) runWarm(ctx context.Context, s *session.Session, spec engine.RunSpec) (appointment.RunResult, error) {
	if s.SearchURL != "" {
		if err := s.Page.Goto(ctx, s.SearchURL); err != nil {
			return appointment.RunResult{}, engine.ErrSessionInvalid
		}
	}
	spec.SkipLogin = true

	res, err := c.eng.Run(ctx, s.Page, spec)
	if err != nil {
		return appointment.RunResult{}, err
	}

	if url, uerr := s.Page.URL(ctx); uerr == nil {
		c.pool.SetSearchURL(s.Identity, url)
	}
	return res, nil
}

// runCold provisions a fresh session and runs with a full login. A failure
// after creation always closes the session: a half-logged-in session must
// never stay cached.
func (c *Coordinator) runCold(ctx context.Context, req Request, spec engine.RunSpec, emit engine.StatusFunc) (appointment.RunResult, error) {
	emit("session", "Opening new browser session")
	s, err := c.pool.Create(ctx, req.Identity, req.BirthDate, req.Phone)
	if err != nil {
		return appointment.RunResult{}, err
	}

	spec.SkipLogin = false
	res, err := c.eng.Run(ctx, s.Page, spec)
	if err != nil {
		// the session never reached a logged-in state; do not cache it
		c.pool.Close(context.WithoutCancel(ctx), req.Identity)
		return appointment.RunResult{}, err
	}

	var searchURL string
	if url, uerr := s.Page.URL(ctx); uerr == nil {
		searchURL = url
	}
	c.pool.MarkLoggedIn(req.Identity, searchURL)
	return res, nil
}

func isCancel(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func finalize(res appointment.RunResult) appointment.RunResult {
	if res.Status == "" {
		res.Status = appointment.StatusUnknown
	}
	switch res.Status {
	case appointment.StatusError:
		res.ExitCode = 1
	case appointment.StatusCancelled:
		res.ExitCode = 2
	default:
		res.ExitCode = 0
	}
	return res
}

func errorResult(err error) appointment.RunResult {
	return appointment.RunResult{
		Status:   appointment.StatusError,
		Err:      err.Error(),
		ExitCode: 1,
	}
}

func cancelledResult() appointment.RunResult {
	return appointment.RunResult{
		Status:   appointment.StatusCancelled,
		ExitCode: 2,
	}
}
