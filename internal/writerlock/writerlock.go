// Package writerlock guards the canonical store against concurrent writers
// with an exclusive advisory file lock.
package writerlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// FileName is the lock file created under the store root.
const FileName = ".writer.lock"

// DefaultTimeout bounds how long Acquire waits for a competing holder.
const DefaultTimeout = 120 * time.Second

const retryDelay = 100 * time.Millisecond

// ErrLockTimeout is returned when the lock could not be taken in time. It is
// transient: callers retry on their next cycle.
var ErrLockTimeout = errors.New("writer lock timeout")

// Lock is the store-root writer lock. A Lock value is not safe for
// concurrent Acquire calls; each process holds at most one.
type Lock struct {
	path string
	fl   *flock.Flock
}

// New returns the writer lock for storeRoot without acquiring it.
func New(storeRoot string) *Lock {
	p := filepath.Join(storeRoot, FileName)
	return &Lock{path: p, fl: flock.New(p)}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Acquire takes the lock, waiting at most timeout (DefaultTimeout when <= 0).
// It returns ErrLockTimeout when another holder keeps it past the deadline,
// and ctx's error when ctx ends first.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := l.fl.TryLockContext(waitCtx, retryDelay)
	if ok {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %s", ErrLockTimeout, timeout, l.path)
	}
	return fmt.Errorf("acquire writer lock: %w", err)
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *Lock) Release() error {
	if !l.fl.Locked() {
		return nil
	}
	return l.fl.Unlock()
}

// Held reports whether this process holds the lock.
func (l *Lock) Held() bool { return l.fl.Locked() }

// With runs fn while holding the lock.
func (l *Lock) With(ctx context.Context, timeout time.Duration, fn func() error) error {
	if err := l.Acquire(ctx, timeout); err != nil {
		return err
	}
	defer func() { _ = l.Release() }()
	return fn()
}
