package extfs

import "errors"

var (
	ErrUnsupportedFilesystem = errors.New("last partition does not hold an ext2/3/4 filesystem")
	ErrFilesystemCheck       = errors.New("filesystem check reported unrecoverable errors")
	ErrFilesystemResize      = errors.New("filesystem resize failed")
)
