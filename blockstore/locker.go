package blockstore

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// lockCapacity is the total weight of the repository lock. A GC run takes
// all of it; block/pin writers take one unit each, so writers share the
// store with each other but never overlap a GC run.
const lockCapacity = int64(1) << 30

// Unlocker releases a held lock. Unlock is idempotent; only the first
// call releases.
type Unlocker interface {
	Unlock()
}

// GCLocker coordinates garbage collection with concurrent store mutations.
type GCLocker interface {
	// GCLock acquires the lock exclusively for a GC run. It blocks while
	// any other holder (including another GC run) is active and fails
	// only if ctx is done first.
	GCLock(ctx context.Context) (Unlocker, error)

	// PinLock acquires the lock in shared mode for an operation that adds
	// blocks or pins. It blocks while a GC run holds the lock.
	PinLock(ctx context.Context) (Unlocker, error)
}

type locker struct {
	sem *semaphore.Weighted
}

// NewGCLocker creates a repository GC locker.
func NewGCLocker() GCLocker {
	return &locker{sem: semaphore.NewWeighted(lockCapacity)}
}

func (l *locker) GCLock(ctx context.Context) (Unlocker, error) {
	if err := l.sem.Acquire(ctx, lockCapacity); err != nil {
		return nil, fmt.Errorf("acquiring gc lock: %w", err)
	}
	return &unlocker{release: func() { l.sem.Release(lockCapacity) }}, nil
}

func (l *locker) PinLock(ctx context.Context) (Unlocker, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring pin lock: %w", err)
	}
	return &unlocker{release: func() { l.sem.Release(1) }}, nil
}

type unlocker struct {
	once    sync.Once
	release func()
}

func (u *unlocker) Unlock() {
	u.once.Do(u.release)
}
