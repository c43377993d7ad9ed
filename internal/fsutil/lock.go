package fsutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLockTimeout is returned when an exclusive lock could not be acquired
// within the configured timeout.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// Default lock tunables
const (
	DefaultLockTimeout  = 60 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// LockOptions bounds lock acquisition.
type LockOptions struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

func (o LockOptions) withDefaults() LockOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultLockTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// FileLock is a held advisory lock. The lock file itself is left on disk.
type FileLock struct {
	path string
	file *os.File
}

// Path returns the lock file's path.
func (l *FileLock) Path() string {
	return l.path
}

// Unlock releases the lock and closes the lock file. It is safe to call more
// than once.
func (l *FileLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	closeErr := f.Close()
	if unlockErr != nil {
		return fmt.Errorf("unlock %s: %w", l.path, unlockErr)
	}
	return closeErr
}

// Lock acquires an exclusive advisory lock on lockPath, creating the file if
// needed. Acquisition is attempted without blocking and retried every
// PollInterval until Timeout elapses, in which case the returned error wraps
// ErrLockTimeout. Cancelling ctx aborts the wait.
//
// flock locks belong to the open file description, so two Lock calls in the
// same process on the same path also exclude each other.
func Lock(ctx context.Context, lockPath string, opts LockOptions) (*FileLock, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}

	deadline := time.Now().Add(opts.Timeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &FileLock{path: lockPath, file: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return nil, fmt.Errorf("flock %s: %w", lockPath, err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			_ = f.Close()
			return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, lockPath, opts.Timeout)
		}
		wait := opts.PollInterval
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			_ = f.Close()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// WithLock runs fn while holding the lock on lockPath.
func WithLock(ctx context.Context, lockPath string, opts LockOptions, fn func() error) (err error) {
	lock, err := Lock(ctx, lockPath, opts)
	if err != nil {
		return err
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()
	return fn()
}
