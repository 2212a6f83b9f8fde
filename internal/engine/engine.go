// Package engine is the seam to the browser-automation collaborator. The
// portal navigation itself (login form, captcha, slot scraping) lives in a
// sidecar process; this package only opens sessions against it and runs
// scripted interactions.
package engine

import (
	"context"
	"errors"

	"github.com/example/randevu-watch/internal/appointment"
)

var (
	// ErrSessionInvalid means the portal no longer honors the session
	// (server-side logout, expired cookies). The caller may recreate the
	// session and retry once.
	ErrSessionInvalid = errors.New("engine: session invalid")

	// ErrChallengeUnsolved means the visual challenge could not be solved.
	ErrChallengeUnsolved = errors.New("engine: challenge unsolved")
)

// SessionConfig provisions one browser session for an identity.
type SessionConfig struct {
	Identity      string
	BirthDate     string
	Phone         string
	ProfileDir    string // per-identity persistent profile
	Headless      bool
	TimeoutMS     int
	CaptchaAPIKey string
}

// StatusFunc receives progress steps during a run. Implementations must not
// block; failures are the caller's to swallow.
type StatusFunc func(step, message string)

// RunSpec describes one scripted interaction against an open page.
type RunSpec struct {
	SkipLogin     bool
	Criteria      appointment.SearchCriteria
	BookTarget    *appointment.BookTarget
	ProbeSubtimes bool
	Status        StatusFunc
}

// Page is the live page inside a session. Not safe for concurrent use; all
// calls must come from the identity's affinity worker.
type Page interface {
	// Alive reports whether the page still responds. A dead page means the
	// whole session should be discarded.
	Alive(ctx context.Context) bool
	// Goto navigates back to a recorded URL (warm re-search path).
	Goto(ctx context.Context, url string) error
	// URL returns the page's current address.
	URL(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// Handle is one provisioned browser session.
type Handle interface {
	NewPage(ctx context.Context) (Page, error)
	Close(ctx context.Context) error
}

// Engine opens sessions and runs scripted interactions against them.
type Engine interface {
	Open(ctx context.Context, cfg SessionConfig) (Handle, error)
	// Run executes the interaction and classifies the outcome. A context
	// cancellation observed at a checkpoint surfaces as ctx.Err(), not as a
	// result.
	Run(ctx context.Context, page Page, spec RunSpec) (appointment.RunResult, error)
}
