package artifactstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// storeLock is a per-(kind, input key) advisory lock held for the duration
// of a single write operation. Acquisition is non-blocking: a second writer
// for the same key fails immediately with ErrLocked.
type storeLock struct {
	file *os.File
	path string
}

func (s *Store) acquireLock(kind, key string) (*storeLock, error) {
	path, err := s.lockPath(kind, key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	// The lock file is never unlinked before acquisition, even if it looks
	// stale. Unlinking a still-locked file would let a second process
	// create a fresh file at the same path and take a separate exclusive
	// lock, defeating mutual exclusion.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("error creating lock file %s: %v", path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("error locking %s: %v", path, err)
	}

	return &storeLock{file: file, path: path}, nil
}

// release drops the lock and removes the lock file on a best-effort basis.
func (l *storeLock) release() {
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	_ = os.Remove(l.path)
}
