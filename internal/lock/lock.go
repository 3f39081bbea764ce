// Package lock provides the distributed lock that keeps concurrent workers
// from sweeping the same entity at the same time. The deployment dedupe key
// remains the correctness backstop; the lock only avoids wasted work.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Common locking errors.
var (
	ErrLockNotHeld = errors.New("lock not held by caller")
)

// Lock is a held sweep lock.
type Lock interface {
	// Key returns the lock key.
	Key() string

	// Owner returns the lock owner.
	Owner() string

	// Unlock releases the lock.
	Unlock(ctx context.Context) error
}

// Manager hands out sweep locks.
type Manager interface {
	// TryAcquire attempts to acquire a lock without blocking. It returns
	// acquired=false when another owner holds the key.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (Lock, bool, error)

	// Release releases a lock held by owner.
	Release(ctx context.Context, key, owner string) error
}

// MemoryManager is an in-process lock manager for tests and single-worker
// deployments without Redis.
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]memoryLockEntry
}

type memoryLockEntry struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryManager creates an in-process lock manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{locks: make(map[string]memoryLockEntry)}
}

// TryAcquire attempts to acquire a lock without blocking.
func (m *MemoryManager) TryAcquire(_ context.Context, key, owner string, ttl time.Duration) (Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, held := m.locks[key]
	if held && entry.owner != owner && time.Now().Before(entry.expiresAt) {
		return nil, false, nil
	}

	m.locks[key] = memoryLockEntry{owner: owner, expiresAt: time.Now().Add(ttl)}
	return &memoryLock{key: key, owner: owner, manager: m}, true, nil
}

// Release releases a lock held by owner.
func (m *MemoryManager) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, held := m.locks[key]
	if !held || entry.owner != owner {
		return ErrLockNotHeld
	}
	delete(m.locks, key)
	return nil
}

type memoryLock struct {
	key     string
	owner   string
	manager *MemoryManager
}

func (l *memoryLock) Key() string   { return l.key }
func (l *memoryLock) Owner() string { return l.owner }

func (l *memoryLock) Unlock(ctx context.Context) error {
	return l.manager.Release(ctx, l.key, l.owner)
}
