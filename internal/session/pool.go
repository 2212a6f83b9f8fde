package session

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/randevu-watch/internal/engine"
)

// Session is one authenticated browser session for an identity. The pool
// owns the entry; LoggedIn and SearchURL are mutated only through the pool
// (MarkLoggedIn, SetSearchURL) so status snapshots never race with the
// identity's affinity worker.
type Session struct {
	Identity string
	Handle   engine.Handle
	Page     engine.Page

	LoggedIn  bool
	SearchURL string

	lastUsed time.Time
}

// Status is a read-only snapshot for external reporting.
type Status struct {
	Active      bool  `json:"active"`
	LoggedIn    bool  `json:"logged_in"`
	IdleSeconds int64 `json:"idle_seconds"`
}

type PoolConfig struct {
	ProfileDir    string
	Headless      bool
	TimeoutMS     int
	CaptchaAPIKey string

	IdleTimeout      time.Duration // default 10m
	EvictionInterval time.Duration // default 30s
}

// Pool maps identity to its live session: at most one per identity. The
// pool-wide lock guards only the map; blocking engine calls happen outside
// it.
type Pool struct {
	eng  engine.Engine
	cfg  PoolConfig
	log  zerolog.Logger
	regs *Registry

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewPool(eng engine.Engine, regs *Registry, cfg PoolConfig, log zerolog.Logger) *Pool {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.EvictionInterval <= 0 {
		cfg.EvictionInterval = 30 * time.Second
	}
	return &Pool{
		eng:      eng,
		cfg:      cfg,
		log:      log.With().Str("component", "session_pool").Logger(),
		regs:     regs,
		sessions: make(map[string]*Session),
	}
}

// Get returns the identity's live session, or nil if there is none. A session
// whose page no longer responds is closed and removed as a side effect. A hit
// refreshes the idle clock.
func (p *Pool) Get(ctx context.Context, identity string) *Session {
	p.mu.Lock()
	s := p.sessions[identity]
	p.mu.Unlock()
	if s == nil {
		return nil
	}

	if !s.Page.Alive(ctx) {
		p.log.Warn().Str("identity", Mask(identity)).Msg("page dead, discarding session")
		p.Close(ctx, identity)
		return nil
	}

	p.mu.Lock()
	s.lastUsed = time.Now()
	p.mu.Unlock()
	return s
}

// Create provisions a fresh session for the identity, closing any existing
// one first. It never registers a partially-initialized session.
func (p *Pool) Create(ctx context.Context, identity, birthDate, phone string) (*Session, error) {
	p.Close(ctx, identity)

	handle, err := p.eng.Open(ctx, engine.SessionConfig{
		Identity:      identity,
		BirthDate:     birthDate,
		Phone:         phone,
		ProfileDir:    filepath.Join(p.cfg.ProfileDir, identity),
		Headless:      p.cfg.Headless,
		TimeoutMS:     p.cfg.TimeoutMS,
		CaptchaAPIKey: p.cfg.CaptchaAPIKey,
	})
	if err != nil {
		return nil, err
	}

	page, err := handle.NewPage(ctx)
	if err != nil {
		_ = handle.Close(ctx)
		return nil, err
	}

	s := &Session{
		Identity: identity,
		Handle:   handle,
		Page:     page,
		lastUsed: time.Now(),
	}

	p.mu.Lock()
	p.sessions[identity] = s
	p.mu.Unlock()

	p.log.Info().Str("identity", Mask(identity)).Msg("session created")
	return s, nil
}

// Close tears down the identity's session if present. Closing an absent
// identity is a no-op. Page and handle close failures are swallowed
// independently so one failing step cannot leak the other.
func (p *Pool) Close(ctx context.Context, identity string) {
	p.mu.Lock()
	s := p.sessions[identity]
	delete(p.sessions, identity)
	p.mu.Unlock()
	if s == nil {
		return
	}

	if s.Page != nil {
		_ = s.Page.Close(ctx)
	}
	if s.Handle != nil {
		_ = s.Handle.Close(ctx)
	}
	p.log.Info().Str("identity", Mask(identity)).Msg("session closed")
}

// CloseAll tears down every tracked session. Called once at shutdown.
func (p *Pool) CloseAll(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Close(ctx, id)
	}
}

// MarkLoggedIn records a completed login for the identity's session, along
// with the post-login search view when known. No-op if the session is gone.
func (p *Pool) MarkLoggedIn(identity, searchURL string) {
	p.mu.Lock()
	if s := p.sessions[identity]; s != nil {
		s.LoggedIn = true
		if searchURL != "" {
			s.SearchURL = searchURL
		}
	}
	p.mu.Unlock()
}

// SetSearchURL records the page's current search view for warm re-entry.
func (p *Pool) SetSearchURL(identity, url string) {
	if url == "" {
		return
	}
	p.mu.Lock()
	if s := p.sessions[identity]; s != nil {
		s.SearchURL = url
	}
	p.mu.Unlock()
}

// GetStatus reports the session's state without mutating it.
func (p *Pool) GetStatus(ctx context.Context, identity string) Status {
	p.mu.Lock()
	s := p.sessions[identity]
	var idle time.Duration
	var loggedIn bool
	if s != nil {
		idle = time.Since(s.lastUsed)
		loggedIn = s.LoggedIn
	}
	p.mu.Unlock()

	if s == nil {
		return Status{}
	}
	alive := s.Page.Alive(ctx)
	return Status{
		Active:      alive,
		LoggedIn:    loggedIn && alive,
		IdleSeconds: int64(idle.Seconds()),
	}
}

// RunEviction closes sessions idle past the timeout. The scan runs on the
// eviction loop, but each close is submitted to the identity's affinity
// worker: the session must only ever be touched from there.
func (p *Pool) RunEviction(ctx context.Context) {
	t := time.NewTicker(p.cfg.EvictionInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.evictIdle(ctx)
		}
	}
}

func (p *Pool) evictIdle(ctx context.Context) {
	p.mu.Lock()
	var expired []string
	for id, s := range p.sessions {
		if time.Since(s.lastUsed) > p.cfg.IdleTimeout {
			expired = append(expired, id)
		}
	}
	p.mu.Unlock()

	for _, id := range expired {
		id := id
		p.log.Info().Str("identity", Mask(id)).Msg("idle timeout, evicting session")
		w := p.regs.For(id)
		go func() {
			_ = w.Do(ctx, func() { p.Close(ctx, id) })
		}()
	}
}

// Mask hides all but the first four characters of an identity in logs.
func Mask(identity string) string {
	if len(identity) <= 4 {
		return identity
	}
	return identity[:4] + "****"
}
