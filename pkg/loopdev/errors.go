package loopdev

import "errors"

var ErrBinding = errors.New("loop device binding failed")
