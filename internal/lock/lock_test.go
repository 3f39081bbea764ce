package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optiview/remedy/internal/lock"
)

func TestMemoryManager_AcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	manager := lock.NewMemoryManager()

	held, acquired, err := manager.TryAcquire(ctx, "entity:e-1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	assert.Equal(t, "entity:e-1", held.Key())
	assert.Equal(t, "worker-a", held.Owner())

	// A second owner cannot take the key while it is held.
	_, acquired, err = manager.TryAcquire(ctx, "entity:e-1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, held.Unlock(ctx))

	_, acquired, err = manager.TryAcquire(ctx, "entity:e-1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestMemoryManager_ExpiredLockIsTakeable(t *testing.T) {
	ctx := context.Background()
	manager := lock.NewMemoryManager()

	_, acquired, err := manager.TryAcquire(ctx, "entity:e-1", "worker-a", time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(5 * time.Millisecond)

	_, acquired, err = manager.TryAcquire(ctx, "entity:e-1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "an expired lock no longer blocks")
}

func TestMemoryManager_ReleaseRequiresOwner(t *testing.T) {
	ctx := context.Background()
	manager := lock.NewMemoryManager()

	_, acquired, err := manager.TryAcquire(ctx, "entity:e-1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	err = manager.Release(ctx, "entity:e-1", "worker-b")
	assert.ErrorIs(t, err, lock.ErrLockNotHeld)

	err = manager.Release(ctx, "entity:e-1", "worker-a")
	assert.NoError(t, err)

	err = manager.Release(ctx, "entity:e-1", "worker-a")
	assert.ErrorIs(t, err, lock.ErrLockNotHeld)
}

func TestMemoryManager_IndependentKeys(t *testing.T) {
	ctx := context.Background()
	manager := lock.NewMemoryManager()

	_, acquired, err := manager.TryAcquire(ctx, "entity:e-1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquired, err = manager.TryAcquire(ctx, "entity:e-2", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}
