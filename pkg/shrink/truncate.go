package shrink

import "os"

// Truncator cuts the backing image file to its new length.
type Truncator interface {
	Truncate(path string, newSize int64) error
}

type FileTruncator struct{}

func NewFileTruncator() *FileTruncator {
	return &FileTruncator{}
}

func (FileTruncator) Truncate(path string, newSize int64) error {
	return os.Truncate(path, newSize)
}
