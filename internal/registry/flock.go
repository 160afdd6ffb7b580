package registry

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/Iron-Ham/planloop/internal/errors"
)

// fileLock provides cross-process mutual exclusion over the registry using
// flock(2) on a sibling lock file. The lock file is never read for content.
type fileLock struct {
	path string
	file *os.File
}

func newFileLock(path string) *fileLock {
	return &fileLock{path: path}
}

// tryLock makes one non-blocking attempt. It reports false when another
// holder has the lock.
func (fl *fileLock) tryLock() (bool, error) {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK || err == unix.EINTR {
			return false, nil
		}
		return false, fmt.Errorf("flock: %w", err)
	}

	fl.file = f
	return true, nil
}

// acquire retries tryLock with exponential backoff until timeout elapses.
// On timeout it returns errors.ErrLockTimeout.
func (fl *fileLock) acquire(ctx context.Context, timeout time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Millisecond
	bo.MaxInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = timeout

	busy := fmt.Errorf("lock held")
	err := backoff.Retry(func() error {
		ok, err := fl.tryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return busy
		}
		return nil
	}, backoff.WithContext(bo, ctx))

	switch {
	case err == nil:
		return nil
	case err == busy:
		return errors.ErrLockTimeout
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return err
	}
}

// release unlocks and closes the lock file. Safe to call when not held.
func (fl *fileLock) release() error {
	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil

	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("funlock: %w", err)
	}
	return f.Close()
}
