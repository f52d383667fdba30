package disk

import (
	"context"
	"fmt"

	"github.com/createcandle/shrenk/pkg/hostcmd"
)

// PartitionResizer rewrites the size of one partition table entry in place.
type PartitionResizer interface {
	ResizePartition(ctx context.Context, devicePath string, index int, newEndSector int64) error
}

// PartedResizer drives parted in scripted mode. Shrinking needs a confirmed
// "Yes", which parted only accepts on a tty, hence ---pretend-input-tty with
// the answers piped on stdin.
type PartedResizer struct {
	run hostcmd.Runner
}

func NewPartedResizer(run hostcmd.Runner) *PartedResizer {
	return &PartedResizer{run: run}
}

func (p *PartedResizer) ResizePartition(ctx context.Context, devicePath string, index int, newEndSector int64) error {
	script := fmt.Sprintf("resizepart %d %ds\nYes\nquit\n", index, newEndSector)

	_, err := p.run.RunInput(ctx, script, "parted", devicePath, "---pretend-input-tty")
	if err != nil {
		return fmt.Errorf("%w: partition %d on %s: %w", ErrPartitionResize, index, devicePath, err)
	}

	return nil
}
