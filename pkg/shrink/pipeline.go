// Package shrink orchestrates the partition-shrink pipeline: read the
// partition table, size the last filesystem, plan the target, then run the
// ordered destructive sequence and truncate the backing image file.
package shrink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/createcandle/shrenk/pkg/disk"
	"github.com/createcandle/shrenk/pkg/extfs"
	"github.com/createcandle/shrenk/pkg/hostcmd"
	"github.com/createcandle/shrenk/pkg/lock"
	"github.com/createcandle/shrenk/pkg/loopdev"
	"github.com/opencontainers/go-digest"
)

// Pipeline wires the collaborators together and guarantees the loop binding
// is released on every exit path.
type Pipeline struct {
	binder   loopdev.Binder
	reader   disk.Reader
	sizer    extfs.Sizer
	executor *Executor
	locker   lock.Locker
	margin   int64
	logger   *slog.Logger
}

// Options configures a Pipeline. Zero values select the defaults: a 100 MiB
// safety margin and no locking (for callers that serialize externally).
type Options struct {
	SafetyMarginBytes int64
	Locker            lock.Locker
}

func New(binder loopdev.Binder, reader disk.Reader, sizer extfs.Sizer, parts disk.PartitionResizer, trunc Truncator, opts Options) *Pipeline {
	if opts.SafetyMarginBytes <= 0 {
		opts.SafetyMarginBytes = DefaultSafetyMarginBytes
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewNoOpLocker()
	}

	return &Pipeline{
		binder:   binder,
		reader:   reader,
		sizer:    sizer,
		executor: NewExecutor(binder, reader, sizer, parts, trunc),
		locker:   opts.Locker,
		margin:   opts.SafetyMarginBytes,
		logger:   slog.Default(),
	}
}

// NewDefault builds a pipeline on the real host tools.
func NewDefault(opts Options) *Pipeline {
	run := hostcmd.NewExecRunner()
	return New(
		loopdev.NewLosetupBinder(run),
		disk.NewLsblkReader(run),
		extfs.NewE2fsTool(run),
		disk.NewPartedResizer(run),
		NewFileTruncator(),
		opts,
	)
}

// ReportLayout attaches the image, takes a fresh partition table snapshot and
// detaches again. Read-only.
func (p *Pipeline) ReportLayout(ctx context.Context, imagePath string) (*disk.PartitionTable, error) {
	dev, err := p.binder.Attach(ctx, imagePath)
	if err != nil {
		return nil, err
	}
	defer p.detach(ctx, dev)

	return p.reader.ReadTable(ctx, dev.Path)
}

// Shrink reduces the last partition's filesystem to its minimum plus the
// safety margin, shrinks the partition entry to match and truncates the
// backing file. Invoking it on an already-shrunk image is a no-op.
func (p *Pipeline) Shrink(ctx context.Context, imagePath string) (*Outcome, error) {
	absPath, err := filepath.Abs(imagePath)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", imagePath, err)
	}

	lk, err := p.locker.AcquireLock(ctx, digest.FromString(absPath))
	if err != nil {
		return nil, fmt.Errorf("locking image %s: %w", absPath, err)
	}
	defer func() {
		if releaseErr := lk.Release(); releaseErr != nil {
			p.logger.WarnContext(ctx, "releasing image lock", "error", releaseErr)
		}
	}()

	dev, err := p.binder.Attach(ctx, absPath)
	if err != nil {
		return nil, err
	}
	defer p.detach(ctx, dev)

	table, err := p.reader.ReadTable(ctx, dev.Path)
	if err != nil {
		return nil, err
	}
	record, ok := table.Last()
	if !ok {
		return nil, fmt.Errorf("%w: no partitions in %s", disk.ErrTableParse, absPath)
	}
	if !record.Type.Ext() {
		return nil, fmt.Errorf("%w: partition %d is %s", extfs.ErrUnsupportedFilesystem, record.Index, record.Type)
	}

	report, err := p.sizer.Report(ctx, record.Path)
	if err != nil {
		return nil, err
	}

	plan := ComputePlan(report, record, table.SectorSize, p.margin)
	p.logger.InfoContext(ctx, "shrink planned",
		"image", absPath,
		"min_blocks", report.MinBlocks,
		"current_blocks", report.CurrentBlocks,
		"target_blocks", plan.TargetBlocks,
		"target_bytes", plan.TargetBytes,
		"needed", plan.Needed)

	if !plan.Needed {
		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", absPath, err)
		}
		return &Outcome{
			Status:              StatusNoop,
			Stage:               StageIdle,
			FinalBlocks:         report.CurrentBlocks,
			FinalPartitionBytes: record.SizeBytes,
			FinalFileBytes:      info.Size(),
		}, nil
	}

	return p.executor.Run(ctx, absPath, dev, table, record, plan)
}

func (p *Pipeline) detach(ctx context.Context, dev *loopdev.Device) {
	if err := p.binder.Detach(ctx, dev); err != nil {
		p.logger.WarnContext(ctx, "detaching loop device", "error", err)
	}
}
