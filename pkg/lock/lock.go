// Package lock serializes access to a disk image. Only one shrink pipeline
// may run against a given image at a time.
package lock

import (
	"context"

	"github.com/opencontainers/go-digest"
)

// Locker acquires an exclusive lock for the image identified by digest.
// Acquisition fails fast when another process already holds the lock.
type Locker interface {
	AcquireLock(ctx context.Context, digest digest.Digest) (Lock, error)
}

// Lock represents an acquired lock that must be released
type Lock interface {
	Release() error
}
