package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelRegistryRegisterAndCancel(t *testing.T) {
	r := NewCancelRegistry()
	key := MonitorKey(7)

	ctx, done := r.Register(context.Background(), key)
	assert.True(t, r.Active(key))

	require.True(t, r.Cancel(key))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.False(t, r.Active(key))

	// done after Cancel is harmless
	done()
}

func TestCancelRegistryDoneRemoves(t *testing.T) {
	r := NewCancelRegistry()
	key := IdentityKey("12345678901")

	ctx, done := r.Register(context.Background(), key)
	done()

	assert.False(t, r.Active(key))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.False(t, r.Cancel(key), "nothing left to cancel")
}

func TestCancelRegistrySupersedesSameKey(t *testing.T) {
	r := NewCancelRegistry()
	key := IdentityKey("12345678901")

	oldCtx, _ := r.Register(context.Background(), key)
	newCtx, done := r.Register(context.Background(), key)
	defer done()

	assert.ErrorIs(t, oldCtx.Err(), context.Canceled, "re-registering aborts the previous run")
	assert.NoError(t, newCtx.Err())
	assert.True(t, r.Active(key))
}

func TestCancelRegistryStaleDoneKeepsCurrentRun(t *testing.T) {
	r := NewCancelRegistry()
	key := IdentityKey("12345678901")

	_, oldDone := r.Register(context.Background(), key)
	newCtx, newDone := r.Register(context.Background(), key)

	// the superseded run finishing must not evict the live run's entry
	oldDone()
	assert.True(t, r.Active(key))
	assert.NoError(t, newCtx.Err())

	require.True(t, r.Cancel(key))
	assert.ErrorIs(t, newCtx.Err(), context.Canceled)

	newDone()
	assert.False(t, r.Active(key))
}

func TestCancelRegistryKeys(t *testing.T) {
	assert.Equal(t, "monitor:42", MonitorKey(42))
	assert.Equal(t, "identity:12345678901", IdentityKey("12345678901"))
}
