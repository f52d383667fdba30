package utils

import (
	"fmt"
	"os"
	"time"
)

// PollUntilExists blocks until path exists or timeout elapses. The kernel
// creates loop partition nodes asynchronously after a partition scan, so
// callers have to wait for udev to catch up.
func PollUntilExists(path string, timeout, pollEvery time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("device node %s did not appear within %s", path, timeout)
		}

		time.Sleep(pollEvery)
	}
}
