package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// ProcessLock excludes other processes sharing the same local store.
type ProcessLock interface {
	Lock(ctx context.Context) error
	Unlock() error
}

const lockRetryDelay = 25 * time.Millisecond

// FileLock is an advisory flock(2) on a file next to the store. Each FileLock owns its
// own descriptor, so two FileLocks on one path also exclude each other in one process.
type FileLock struct {
	fl *flock.Flock
}

// NewFileLock returns a lock on path. The file is created on first Lock.
func NewFileLock(path string) *FileLock {
	return &FileLock{fl: flock.New(path)}
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.fl.Path()
}

// Lock blocks until the lock is held or ctx ends.
func (l *FileLock) Lock(ctx context.Context) error {
	locked, err := l.fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("lock %s: %w", l.fl.Path(), err)
	}
	if !locked {
		return fmt.Errorf("lock %s: not acquired", l.fl.Path())
	}
	return nil
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", l.fl.Path(), err)
	}
	return nil
}
