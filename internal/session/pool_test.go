package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/randevu-watch/internal/appointment"
	"github.com/example/randevu-watch/internal/engine"
)

type fakePage struct {
	alive  atomic.Bool
	closed atomic.Bool
}

func (p *fakePage) Alive(ctx context.Context) bool             { return p.alive.Load() }
func (p *fakePage) Goto(ctx context.Context, url string) error { return nil }
func (p *fakePage) URL(ctx context.Context) (string, error)    { return "https://portal/search", nil }
func (p *fakePage) Close(ctx context.Context) error {
	p.closed.Store(true)
	p.alive.Store(false)
	return nil
}

type fakeHandle struct {
	page   *fakePage
	closed atomic.Bool
}

func (h *fakeHandle) NewPage(ctx context.Context) (engine.Page, error) { return h.page, nil }
func (h *fakeHandle) Close(ctx context.Context) error {
	h.closed.Store(true)
	return nil
}

type fakeEngine struct {
	mu      sync.Mutex
	opened  []string
	handles []*fakeHandle
	openErr error
}

func (e *fakeEngine) Open(ctx context.Context, cfg engine.SessionConfig) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openErr != nil {
		return nil, e.openErr
	}
	p := &fakePage{}
	p.alive.Store(true)
	h := &fakeHandle{page: p}
	e.opened = append(e.opened, cfg.Identity)
	e.handles = append(e.handles, h)
	return h, nil
}

func (e *fakeEngine) Run(ctx context.Context, page engine.Page, spec engine.RunSpec) (appointment.RunResult, error) {
	return appointment.RunResult{Status: appointment.StatusNotAvailable}, nil
}

func (e *fakeEngine) lastHandle() *fakeHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handles[len(e.handles)-1]
}

func newTestPool(eng *fakeEngine, cfg PoolConfig) *Pool {
	return NewPool(eng, NewRegistry(), cfg, zerolog.Nop())
}

func TestPoolSingleSessionPerIdentity(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	pool := newTestPool(eng, PoolConfig{})

	s1, err := pool.Create(ctx, "12345678901", "01.01.1990", "5551234567")
	require.NoError(t, err)

	s2, err := pool.Create(ctx, "12345678901", "01.01.1990", "5551234567")
	require.NoError(t, err)
	require.NotSame(t, s1, s2)

	// the first session was torn down when the second was provisioned
	first := eng.handles[0]
	assert.True(t, first.page.closed.Load())
	assert.True(t, first.closed.Load())

	assert.Same(t, s2, pool.Get(ctx, "12345678901"))
}

func TestPoolGetMissAndDeadPage(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	pool := newTestPool(eng, PoolConfig{})

	assert.Nil(t, pool.Get(ctx, "12345678901"))

	s, err := pool.Create(ctx, "12345678901", "01.01.1990", "5551234567")
	require.NoError(t, err)

	// simulate a crashed page; the pool must discard the whole session
	s.Page.(*fakePage).alive.Store(false)
	assert.Nil(t, pool.Get(ctx, "12345678901"))
	assert.True(t, eng.lastHandle().closed.Load())
	assert.Nil(t, pool.Get(ctx, "12345678901"))
}

func TestPoolCloseIdempotent(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	pool := newTestPool(eng, PoolConfig{})

	_, err := pool.Create(ctx, "12345678901", "01.01.1990", "5551234567")
	require.NoError(t, err)

	pool.Close(ctx, "12345678901")
	pool.Close(ctx, "12345678901")
	pool.Close(ctx, "99999999999")

	assert.Nil(t, pool.Get(ctx, "12345678901"))
}

func TestPoolCloseAll(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	pool := newTestPool(eng, PoolConfig{})

	for _, id := range []string{"11111111111", "22222222222"} {
		_, err := pool.Create(ctx, id, "01.01.1990", "5551234567")
		require.NoError(t, err)
	}

	pool.CloseAll(ctx)
	for _, h := range eng.handles {
		assert.True(t, h.closed.Load())
	}
}

func TestPoolGetStatus(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	pool := newTestPool(eng, PoolConfig{})

	assert.Equal(t, Status{}, pool.GetStatus(ctx, "12345678901"))

	s, err := pool.Create(ctx, "12345678901", "01.01.1990", "5551234567")
	require.NoError(t, err)

	st := pool.GetStatus(ctx, "12345678901")
	assert.True(t, st.Active)
	assert.False(t, st.LoggedIn, "fresh session is not logged in yet")

	pool.MarkLoggedIn("12345678901", "https://portal/search")
	st = pool.GetStatus(ctx, "12345678901")
	assert.True(t, st.LoggedIn)

	s.Page.(*fakePage).alive.Store(false)
	st = pool.GetStatus(ctx, "12345678901")
	assert.False(t, st.Active)
	assert.False(t, st.LoggedIn)
}

func TestPoolEvictsIdleSessions(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	pool := newTestPool(eng, PoolConfig{IdleTimeout: 10 * time.Millisecond})

	_, err := pool.Create(ctx, "12345678901", "01.01.1990", "5551234567")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	pool.evictIdle(ctx)

	require.Eventually(t, func() bool {
		return pool.Get(ctx, "12345678901") == nil
	}, time.Second, 5*time.Millisecond)
	assert.True(t, eng.lastHandle().closed.Load())
}

func TestPoolGetRefreshesIdleClock(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	pool := newTestPool(eng, PoolConfig{IdleTimeout: 50 * time.Millisecond})

	_, err := pool.Create(ctx, "12345678901", "01.01.1990", "5551234567")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	require.NotNil(t, pool.Get(ctx, "12345678901"))
	time.Sleep(30 * time.Millisecond)

	// 60ms since creation but only 30ms since the hit: still fresh
	pool.evictIdle(ctx)
	time.Sleep(10 * time.Millisecond)
	assert.NotNil(t, pool.Get(ctx, "12345678901"))
}

func TestPoolMarkLoggedIn(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	pool := newTestPool(eng, PoolConfig{})

	// absent identity is a no-op
	pool.MarkLoggedIn("12345678901", "https://portal/search")
	pool.SetSearchURL("12345678901", "https://portal/search")

	s, err := pool.Create(ctx, "12345678901", "01.01.1990", "5551234567")
	require.NoError(t, err)

	pool.MarkLoggedIn("12345678901", "")
	assert.True(t, s.LoggedIn)
	assert.Empty(t, s.SearchURL, "empty URL must not clobber anything")

	pool.SetSearchURL("12345678901", "https://portal/search?d=1")
	assert.Equal(t, "https://portal/search?d=1", s.SearchURL)
	pool.SetSearchURL("12345678901", "")
	assert.Equal(t, "https://portal/search?d=1", s.SearchURL)
}

// Status snapshots run concurrently with login bookkeeping; both sides must
// hold the pool lock. Meaningful under the race detector.
func TestPoolStatusDuringLoginWrites(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	pool := newTestPool(eng, PoolConfig{})

	_, err := pool.Create(ctx, "12345678901", "01.01.1990", "5551234567")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			pool.MarkLoggedIn("12345678901", "https://portal/search")
			pool.SetSearchURL("12345678901", "https://portal/search?d=1")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = pool.GetStatus(ctx, "12345678901")
		}
	}()
	wg.Wait()

	assert.True(t, pool.GetStatus(ctx, "12345678901").LoggedIn)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "1234****", Mask("12345678901"))
	assert.Equal(t, "abc", Mask("abc"))
}
