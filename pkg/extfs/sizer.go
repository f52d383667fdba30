// Package extfs queries and resizes ext2/3/4 filesystems through the
// e2fsprogs command-line tools.
package extfs

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/createcandle/shrenk/pkg/hostcmd"
)

// SizeReport is the current geometry of one filesystem. Minimum <= current
// when the filesystem is consistent.
type SizeReport struct {
	BlockSize     int64 // bytes
	MinBlocks     int64 // minimum viable block count per resize2fs -P
	CurrentBlocks int64
}

// Sizer checks and resizes the filesystem on a partition device.
type Sizer interface {
	// Check runs a full consistency check, repairing what the checker can
	// repair on its own. Unrecoverable errors are fatal.
	Check(ctx context.Context, partPath string) error
	// Report runs Check as a precondition, then returns the filesystem
	// geometry.
	Report(ctx context.Context, partPath string) (*SizeReport, error)
	// Resize shrinks the filesystem to the given block count and returns the
	// block count the tool reports afterwards, which is the ground truth for
	// every subsequent step.
	Resize(ctx context.Context, partPath string, blocks int64) (int64, error)
}

var (
	reMinBlocks     = regexp.MustCompile(`Estimated minimum size of the filesystem: (\d+)`)
	reBlockCount    = regexp.MustCompile(`Block count:\s*(\d+)`)
	reBlockSize     = regexp.MustCompile(`Block size:\s*(\d+)`)
	reNowBlocks     = regexp.MustCompile(`is now (\d+)(?: \([0-9]+k\))? blocks long`)
	reAlreadyBlocks = regexp.MustCompile(`is already (\d+)(?: \([0-9]+k\))? blocks long`)
)

// E2fsTool implements Sizer on top of e2fsck, resize2fs and tune2fs.
type E2fsTool struct {
	run    hostcmd.Runner
	logger *slog.Logger
}

func NewE2fsTool(run hostcmd.Runner) *E2fsTool {
	return &E2fsTool{
		run:    run,
		logger: slog.Default(),
	}
}

func (t *E2fsTool) Check(ctx context.Context, partPath string) error {
	_, err := t.run.Run(ctx, "e2fsck", "-f", "-y", partPath)
	if err != nil {
		// e2fsck exits 1 when errors were fixed and 2 when errors were fixed
		// and a reboot is advised. Both leave a consistent filesystem behind.
		code := hostcmd.ExitCode(err)
		if code == 1 || code == 2 {
			t.logger.WarnContext(ctx, "filesystem check repaired errors", "device", partPath, "exit_code", code)
			return nil
		}
		return fmt.Errorf("%w: e2fsck on %s: %w", ErrFilesystemCheck, partPath, err)
	}

	return nil
}

func (t *E2fsTool) Report(ctx context.Context, partPath string) (*SizeReport, error) {
	if err := t.Check(ctx, partPath); err != nil {
		return nil, err
	}

	out, err := t.run.Run(ctx, "resize2fs", "-P", partPath)
	if err != nil {
		return nil, fmt.Errorf("resize2fs -P on %s: %w", partPath, err)
	}
	minBlocks, err := matchCount(reMinBlocks, out)
	if err != nil {
		return nil, fmt.Errorf("minimum size from resize2fs output: %w", err)
	}

	out, err = t.run.Run(ctx, "tune2fs", "-l", partPath)
	if err != nil {
		return nil, fmt.Errorf("tune2fs -l on %s: %w", partPath, err)
	}
	blockCount, err := matchCount(reBlockCount, out)
	if err != nil {
		return nil, fmt.Errorf("block count from tune2fs output: %w", err)
	}
	blockSize, err := matchCount(reBlockSize, out)
	if err != nil {
		return nil, fmt.Errorf("block size from tune2fs output: %w", err)
	}

	return &SizeReport{
		BlockSize:     blockSize,
		MinBlocks:     minBlocks,
		CurrentBlocks: blockCount,
	}, nil
}

func (t *E2fsTool) Resize(ctx context.Context, partPath string, blocks int64) (int64, error) {
	out, err := t.run.Run(ctx, "resize2fs", partPath, strconv.FormatInt(blocks, 10))
	if err != nil {
		return 0, fmt.Errorf("%w: resize2fs %s to %d blocks: %w", ErrFilesystemResize, partPath, blocks, err)
	}

	// resize2fs may round internally; its reported final size wins over the
	// requested target. Older versions print the line only when the size
	// changed, so fall back to the request.
	for _, re := range []*regexp.Regexp{reNowBlocks, reAlreadyBlocks} {
		if final, err := matchCount(re, out); err == nil {
			return final, nil
		}
	}

	return blocks, nil
}

func matchCount(re *regexp.Regexp, out string) (int64, error) {
	match := re.FindStringSubmatch(out)
	if match == nil {
		return 0, fmt.Errorf("no match for %q", re.String())
	}
	return strconv.ParseInt(match[1], 10, 64)
}
