package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultLockPath is the system-wide advisory lock for privileged operations.
const DefaultLockPath = "/run/lock/nixh.lock"

// FileLock is a non-blocking flock(2) on a shared lock file. Every TryLock
// opens its own descriptor, so two holders conflict even inside one process.
type FileLock struct {
	Path string
}

var _ Locker = FileLock{}

// TryLock takes the lock or returns ErrBusy at once.
func (l FileLock) TryLock() (func(), error) {
	path := l.Path
	if path == "" {
		path = DefaultLockPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
		})
	}, nil
}
