package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/opencontainers/go-digest"
)

var ErrLocked = errors.New("image is locked by another process")

// FlockLocker takes an exclusive non-blocking flock on a file named after the
// image digest. Retrying a partially-mutated image from two processes is more
// dangerous than failing, so a held lock is an immediate error.
type FlockLocker struct {
	dir string
}

func NewFlockLocker(dir string) *FlockLocker {
	return &FlockLocker{dir: dir}
}

func (l *FlockLocker) AcquireLock(ctx context.Context, d digest.Digest) (Lock, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	path := filepath.Join(l.dir, d.Encoded()+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	return &flockLock{file: f}, nil
}

type flockLock struct {
	file *os.File
}

func (l *flockLock) Release() error {
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("unlocking %s: %w", l.file.Name(), err)
	}
	return l.file.Close()
}
