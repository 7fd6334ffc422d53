package runstate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const ownershipLockFile = "worker.lock"

// Ownership is the advisory lock held by the one live worker. The kernel
// releases it when the holder exits, however it exits.
type Ownership struct {
	lock *flock.Flock
}

// LockPath returns the ownership lock file path.
func (s *Store) LockPath() string {
	return filepath.Join(s.dir, ownershipLockFile)
}

// AcquireOwnership takes the worker ownership lock without waiting. ok is
// false when another process holds it.
func (s *Store) AcquireOwnership() (*Ownership, bool, error) {
	lock := flock.New(s.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("acquire worker lock: %w", err)
	}
	if !locked {
		return nil, false, nil
	}
	return &Ownership{lock: lock}, true, nil
}

// OwnershipHeld reports whether some process currently holds the worker
// ownership lock. It tests by taking and immediately releasing the lock.
func (s *Store) OwnershipHeld() (bool, error) {
	own, ok, err := s.AcquireOwnership()
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return false, own.Release()
}

// Release drops the lock.
func (o *Ownership) Release() error {
	if o == nil || o.lock == nil {
		return nil
	}
	if err := o.lock.Unlock(); err != nil {
		return fmt.Errorf("release worker lock: %w", err)
	}
	return nil
}

// WaitOwnership retries AcquireOwnership for up to wait. Health checks take
// the lock for an instant, so a starting worker must not give up on the
// first refusal.
func (s *Store) WaitOwnership(ctx context.Context, wait time.Duration) (*Ownership, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	lock := flock.New(s.LockPath())
	locked, err := lock.TryLockContext(ctx, 20*time.Millisecond)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire worker lock: %w", err)
	}
	if !locked {
		return nil, false, nil
	}
	return &Ownership{lock: lock}, true, nil
}
