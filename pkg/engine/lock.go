package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dolthub/fslock"
)

// lockFile is the name of the writer lock inside the database directory
const lockFile = "LOCK"

// activeWriters tracks the directories locked by this process, so a second
// writer in the same process fails fast whatever the platform lock semantics
var activeWriters = struct {
	sync.Mutex
	dirs map[string]struct{}
}{dirs: make(map[string]struct{})}

// writerLock is the exclusive lock held by a writer session
type writerLock struct {
	dir  string
	lock *fslock.Lock
}

// acquireWriterLock takes the writer lock of dir. With a positive timeout the
// lock is retried with exponential backoff until the timeout expires.
func acquireWriterLock(dir string, timeout time.Duration) (*writerLock, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	wl := &writerLock{dir: abs, lock: fslock.New(filepath.Join(abs, lockFile))}
	try := func() error {
		activeWriters.Lock()
		defer activeWriters.Unlock()
		if _, busy := activeWriters.dirs[abs]; busy {
			return ErrWriterBusy
		}
		if err := wl.lock.TryLock(); err != nil {
			if errors.Is(err, fslock.ErrLocked) {
				return ErrWriterBusy
			}
			return backoff.Permanent(fmt.Errorf("failed to lock %s: %w", abs, err))
		}
		activeWriters.dirs[abs] = struct{}{}
		return nil
	}

	if timeout <= 0 {
		if err := unwrapPermanent(try()); err != nil {
			return nil, err
		}
		return wl, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	err = backoff.Retry(try, backoff.WithContext(b, ctx))
	if err == nil {
		return wl, nil
	}
	if ctx.Err() == nil {
		return nil, err
	}

	// last attempt at the deadline
	if err := unwrapPermanent(try()); err != nil {
		return nil, err
	}
	return wl, nil
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// release drops the lock
func (wl *writerLock) release() error {
	activeWriters.Lock()
	defer activeWriters.Unlock()
	delete(activeWriters.dirs, wl.dir)
	return wl.lock.Unlock()
}
