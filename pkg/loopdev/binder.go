// Package loopdev attaches disk image files to loop block devices and their
// partition sub-devices.
package loopdev

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/createcandle/shrenk/pkg/hostcmd"
	"github.com/createcandle/shrenk/pkg/utils"
)

// Device is an attached loop device. Path is cleared on detach so a second
// detach is a no-op.
type Device struct {
	Path       string
	Partitions []string // partition node paths in partition-number order
}

// Binder is the block device binder the shrink pipeline consumes. Detach must
// be idempotent and tolerate devices that are no longer attached.
type Binder interface {
	Attach(ctx context.Context, imagePath string) (*Device, error)
	Detach(ctx context.Context, dev *Device) error
}

// LosetupBinder binds images with losetup -P and waits for the kernel to
// publish the partition nodes.
type LosetupBinder struct {
	run         hostcmd.Runner
	logger      *slog.Logger
	devDir      string
	nodeTimeout time.Duration
}

func NewLosetupBinder(run hostcmd.Runner) *LosetupBinder {
	return &LosetupBinder{
		run:         run,
		logger:      slog.Default(),
		devDir:      "/dev",
		nodeTimeout: 10 * time.Second,
	}
}

func (b *LosetupBinder) Attach(ctx context.Context, imagePath string) (*Device, error) {
	free, err := b.run.Run(ctx, "losetup", "-f")
	if err != nil {
		return nil, fmt.Errorf("%w: finding free loop device: %w", ErrBinding, err)
	}

	if _, err := b.run.Run(ctx, "losetup", "-P", free, imagePath); err != nil {
		return nil, fmt.Errorf("%w: attaching %s to %s: %w", ErrBinding, imagePath, free, err)
	}

	// Best effort: make sure the kernel rescans the table and udev settles
	// before anyone touches the partition nodes.
	if _, err := b.run.Run(ctx, "partprobe", free); err != nil {
		b.logger.DebugContext(ctx, "partprobe failed", "device", free, "error", err)
	}
	if _, err := b.run.Run(ctx, "udevadm", "settle"); err != nil {
		b.logger.DebugContext(ctx, "udevadm settle failed", "error", err)
	}

	dev := &Device{Path: free}
	dev.Partitions, err = b.listPartitions(ctx, free)
	if err != nil {
		detachErr := b.Detach(ctx, dev)
		if detachErr != nil {
			b.logger.WarnContext(ctx, "detach after failed attach", "device", free, "error", detachErr)
		}
		return nil, err
	}

	b.logger.DebugContext(ctx, "image attached", "image", imagePath, "device", free, "partitions", len(dev.Partitions))
	return dev, nil
}

func (b *LosetupBinder) Detach(ctx context.Context, dev *Device) error {
	if dev == nil || dev.Path == "" {
		return nil
	}

	if _, err := b.run.Run(ctx, "losetup", "-d", dev.Path); err != nil {
		// The device may already be gone; only a still-attached device is a
		// real failure.
		if b.attached(ctx, dev.Path) {
			return fmt.Errorf("%w: detaching %s: %w", ErrBinding, dev.Path, err)
		}
	}

	dev.Path = ""
	dev.Partitions = nil
	return nil
}

func (b *LosetupBinder) attached(ctx context.Context, devicePath string) bool {
	out, err := b.run.Run(ctx, "losetup", devicePath)
	return err == nil && out != ""
}

func (b *LosetupBinder) listPartitions(ctx context.Context, devicePath string) ([]string, error) {
	out, err := b.run.Run(ctx, "lsblk", "-ln", "-o", "NAME,TYPE", devicePath)
	if err != nil {
		return nil, fmt.Errorf("%w: listing partitions of %s: %w", ErrBinding, devicePath, err)
	}

	var nodes []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[1] != "part" {
			continue
		}
		nodes = append(nodes, b.devDir+"/"+fields[0])
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: no partitions on %s", ErrBinding, devicePath)
	}

	for _, node := range nodes {
		if err := utils.PollUntilExists(node, b.nodeTimeout, 200*time.Millisecond); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBinding, err)
		}
	}

	return nodes, nil
}
