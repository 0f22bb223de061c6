package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

type lockMode int

const (
	lockShared lockMode = iota
	lockExclusive
)

// lockHandle is an acquired advisory file lock. release() must be called
// exactly once, on every control-flow exit.
type lockHandle struct {
	f *os.File
}

func (l *lockHandle) release() {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
}

const lockPollInterval = 10 * time.Millisecond

// acquireLock takes an advisory flock on path, polling until acquired,
// ctx is cancelled, or timeout elapses. A single-process collision
// (another goroutine already holding the in-process copy of this lock)
// and a cross-process collision behave identically: flock is associated
// with the open file description, not the process, so a fresh os.File
// per call gives SwarmSH the same contention model whether the
// contending caller is in this process or another one sharing the
// filesystem.
func acquireLock(ctx context.Context, path string, mode lockMode, timeout time.Duration) (*lockHandle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open lock %s: %w", path, err)
	}

	how := unix.LOCK_SH | unix.LOCK_NB
	if mode == lockExclusive {
		how = unix.LOCK_EX | unix.LOCK_NB
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		if err := unix.Flock(int(f.Fd()), how); err == nil {
			return &lockHandle{f: f}, nil
		} else if err != unix.EWOULDBLOCK {
			_ = f.Close()
			return nil, fmt.Errorf("storage: flock %s: %w", path, err)
		}

		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, fmt.Errorf("storage: %s: %w", path, ErrLockTimeout)
		}

		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
