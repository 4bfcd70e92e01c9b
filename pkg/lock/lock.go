// Package lock serializes vault writers. The chain's "append next index"
// step is only safe with one writer, so every append runs under a Locker.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ErrNotHeld is returned when releasing a lock that is no longer owned.
var ErrNotHeld = errors.New("lock: not held")

// Locker acquires an exclusive lease. The returned function releases it.
type Locker interface {
	Acquire(ctx context.Context) (release func() error, err error)
}

// Nop is a Locker for single-process use; it never blocks.
type Nop struct{}

func (Nop) Acquire(context.Context) (func() error, error) {
	return func() error { return nil }, nil
}

// FileLock is a lock file created with O_EXCL next to the resource it guards.
// A lock file older than StaleAfter is assumed abandoned and removed.
type FileLock struct {
	Path       string
	StaleAfter time.Duration
	Poll       time.Duration
	now        func() time.Time
}

// NewFileLock returns a lock at path with a 2 minute staleness bound.
func NewFileLock(path string) *FileLock {
	return &FileLock{Path: path, StaleAfter: 2 * time.Minute, Poll: 50 * time.Millisecond, now: time.Now}
}

func (l *FileLock) Acquire(ctx context.Context) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
		return nil, err
	}
	poll := l.Poll
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	now := l.now
	if now == nil {
		now = time.Now
	}

	for {
		f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + " " + now().UTC().Format(time.RFC3339) + "\n")
			_ = f.Close()
			token, statErr := os.Stat(l.Path)
			return func() error {
				cur, err := os.Stat(l.Path)
				if err != nil {
					return ErrNotHeld
				}
				if statErr == nil && !os.SameFile(cur, token) {
					return ErrNotHeld
				}
				return os.Remove(l.Path)
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("lock %s: %w", l.Path, err)
		}
		if info, serr := os.Stat(l.Path); serr == nil && l.StaleAfter > 0 && now().Sub(info.ModTime()) > l.StaleAfter {
			_ = os.Remove(l.Path)
			continue
		}

		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("lock %s: %w", l.Path, ctx.Err())
		case <-t.C:
		}
	}
}
