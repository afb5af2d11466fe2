// Package filelock is a cross-process mutex backed by a sidecar lock file.
// Holding the lock means having created "<path>.lock"; waiters poll until it
// disappears. There is no queuing, so it only suits low contention.
package filelock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultRetryWait = 25 * time.Millisecond
	defaultStaleAge  = 2 * time.Minute
)

var (
	ErrLockTimeout = errors.New("filelock: lock timeout")
	ErrInvalidPath = errors.New("filelock: invalid path")
)

// Options tunes polling. Zero values use the defaults.
type Options struct {
	RetryWait time.Duration
	// Locks older than StaleAge are assumed abandoned by a crashed holder
	// and broken. Negative disables.
	StaleAge time.Duration
}

// LockPath returns the sidecar path guarding target.
func LockPath(target string) string { return target + ".lock" }

// WithLock runs fn while holding the lock for target.
func WithLock(ctx context.Context, target string, fn func() error) error {
	return WithLockOptions(ctx, target, Options{}, fn)
}

func WithLockOptions(ctx context.Context, target string, opts Options, fn func() error) error {
	if target == "" {
		return ErrInvalidPath
	}
	if fn == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = defaultRetryWait
	}
	if opts.StaleAge == 0 {
		opts.StaleAge = defaultStaleAge
	}

	lockPath := LockPath(filepath.Clean(target))
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("filelock ensure dir %s: %w", lockPath, err)
	}

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			writeOwner(f, lockPath)
			_ = f.Close()
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("filelock acquire %s: %w", lockPath, err)
		}
		if opts.StaleAge > 0 {
			if info, ok := staleLock(lockPath, opts.StaleAge); ok {
				breakStale(lockPath, info)
				continue
			}
		}
		if err := wait(ctx, lockPath, opts.RetryWait); err != nil {
			return err
		}
	}
	defer func() { _ = os.Remove(lockPath) }()
	return fn()
}

func staleLock(lockPath string, age time.Duration) (os.FileInfo, bool) {
	info, err := os.Stat(lockPath)
	if err != nil {
		return nil, false
	}
	return info, time.Since(info.ModTime()) > age
}

// breakStale moves the lock aside and drops it, unless what was moved is no
// longer the file seen as stale. Another waiter may have broken it and taken
// a fresh lock in between; that one is linked back into place.
func breakStale(lockPath string, stale os.FileInfo) {
	aside := fmt.Sprintf("%s.stale.%d.%d", lockPath, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(lockPath, aside); err != nil {
		return
	}
	defer func() { _ = os.Remove(aside) }()
	moved, err := os.Stat(aside)
	if err != nil || os.SameFile(stale, moved) {
		return
	}
	_ = os.Link(aside, lockPath)
}

func writeOwner(f *os.File, lockPath string) {
	host, _ := os.Hostname()
	data, err := json.Marshal(map[string]any{
		"lock_path":   lockPath,
		"pid":         os.Getpid(),
		"hostname":    host,
		"acquired_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	_, _ = f.Write(append(data, '\n'))
}

func wait(ctx context.Context, lockPath string, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrLockTimeout, lockPath, ctx.Err())
	case <-timer.C:
		return nil
	}
}
