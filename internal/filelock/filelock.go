// Package filelock coordinates concurrent writers to the JSON/markdown
// state files shared across orchestrator runs: PRD files (internal/source),
// session records (internal/session), and the learnings file (internal/
// learnings). Each caller picks its own acquisition policy instead of
// blocking forever, since a factory run with several workers can have
// many goroutines racing to persist the same file.
package filelock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// DefaultRetryInterval is how often LockTimeout polls the lock file while
// waiting for a timed-out acquisition.
const DefaultRetryInterval = 20 * time.Millisecond

// FileLock wraps a flock file lock for coordinating access to one path.
type FileLock struct {
	flock *flock.Flock
	path  string
}

// NewFileLock creates a lock backed by the file at path. The file is
// created on first acquisition if it does not exist.
func NewFileLock(path string) *FileLock {
	return &FileLock{flock: flock.New(path), path: path}
}

// Lock blocks until the exclusive lock is acquired.
func (fl *FileLock) Lock() error {
	if err := fl.flock.Lock(); err != nil {
		return fmt.Errorf("acquiring lock on %s: %w", fl.path, err)
	}
	return nil
}

// LockTimeout acquires the lock, retrying every interval until it
// succeeds or timeout elapses. Use this instead of Lock wherever an
// unbounded wait would stall an orchestrator loop on a wedged writer.
func (fl *FileLock) LockTimeout(timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ok, err := fl.flock.TryLockContext(ctx, interval)
	if err != nil {
		return fmt.Errorf("acquiring lock on %s: %w", fl.path, err)
	}
	if !ok {
		return fmt.Errorf("timed out after %s acquiring lock on %s", timeout, fl.path)
	}
	return nil
}

// TryLock attempts to acquire the lock without blocking.
func (fl *FileLock) TryLock() (bool, error) {
	ok, err := fl.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("try-locking %s: %w", fl.path, err)
	}
	return ok, nil
}

// Unlock releases the lock.
func (fl *FileLock) Unlock() error {
	if err := fl.flock.Unlock(); err != nil {
		return fmt.Errorf("releasing lock on %s: %w", fl.path, err)
	}
	return nil
}

// AtomicWrite writes data to path via a temp-file-plus-rename so readers
// never observe a partial write. The temp file is created alongside path
// so the rename stays within one filesystem.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file to %s: %w", path, err)
	}
	tmp = nil
	return nil
}

// LockAndWrite acquires path+".lock" (bounded by timeout, retrying every
// DefaultRetryInterval) and performs an AtomicWrite while holding it.
// Callers pick timeout based on how much write contention they expect:
// session/index writes are low-contention and use a short timeout so a
// wedged lock fails fast; PRD and learnings writes, which factory workers
// can race on, use a longer one.
func LockAndWrite(path string, data []byte, timeout time.Duration) error {
	lock := NewFileLock(path + ".lock")
	if err := lock.LockTimeout(timeout, DefaultRetryInterval); err != nil {
		return err
	}
	defer lock.Unlock()
	return AtomicWrite(path, data)
}
