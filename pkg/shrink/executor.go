package shrink

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/createcandle/shrenk/pkg/disk"
	"github.com/createcandle/shrenk/pkg/extfs"
	"github.com/createcandle/shrenk/pkg/loopdev"
)

// Status classifies a shrink outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusNoop    Status = "no-op"
	StatusFailed  Status = "failed"
)

// Outcome is the final state of one shrink invocation. On failure Stage names
// the transition that failed.
type Outcome struct {
	Status              Status
	Stage               Stage
	FinalBlocks         int64
	FinalPartitionBytes int64
	FinalFileBytes      int64
}

// Executor performs the ordered destructive sequence: filesystem check,
// filesystem resize, partition resize, file truncation, verification. The
// filesystem is always shrunk before its partition; the partition is never
// made smaller than the filesystem it contains.
type Executor struct {
	binder loopdev.Binder
	reader disk.Reader
	sizer  extfs.Sizer
	parts  disk.PartitionResizer
	trunc  Truncator
	logger *slog.Logger
}

func NewExecutor(binder loopdev.Binder, reader disk.Reader, sizer extfs.Sizer, parts disk.PartitionResizer, trunc Truncator) *Executor {
	return &Executor{
		binder: binder,
		reader: reader,
		sizer:  sizer,
		parts:  parts,
		trunc:  trunc,
		logger: slog.Default(),
	}
}

// Run executes the plan against an attached image. dev is detached before the
// backing file is truncated; the caller's deferred detach becomes a no-op.
func (e *Executor) Run(ctx context.Context, imagePath string, dev *loopdev.Device, table *disk.PartitionTable, record disk.PartitionRecord, plan Plan) (*Outcome, error) {
	// Idle -> Checked. Fatal on failure, image untouched.
	if err := e.sizer.Check(ctx, record.Path); err != nil {
		return fail(StageChecked, err)
	}
	e.logger.InfoContext(ctx, "filesystem checked", "device", record.Path)

	// Checked -> FilesystemShrunk. The tool-reported final block count is
	// the ground truth for everything after this point.
	actualBlocks := plan.TargetBlocks
	if plan.FilesystemShrinkNeeded {
		final, err := e.sizer.Resize(ctx, record.Path, plan.TargetBlocks)
		if err != nil {
			return fail(StageFilesystemShrunk, err)
		}
		actualBlocks = final
		e.logger.InfoContext(ctx, "filesystem shrunk", "device", record.Path, "blocks", final)
	} else {
		if plan.CurrentBlocks > actualBlocks {
			actualBlocks = plan.CurrentBlocks
		}
		e.logger.InfoContext(ctx, "filesystem already at target size, skipping resize",
			"device", record.Path, "blocks", actualBlocks)
	}

	// FilesystemShrunk -> PartitionShrunk. A failure here leaves a valid,
	// merely oversized partition; a rerun converges.
	actualBytes := roundUp(actualBlocks*plan.BlockSize, table.SectorSize)
	newEndSector := record.StartBytes/table.SectorSize + actualBytes/table.SectorSize - 1
	if err := e.parts.ResizePartition(ctx, dev.Path, record.Index, newEndSector); err != nil {
		return fail(StagePartitionShrunk, err)
	}
	e.logger.InfoContext(ctx, "partition shrunk",
		"device", dev.Path, "partition", record.Index, "end_sector", newEndSector)

	// PartitionShrunk -> Truncated. Detach first so the kernel flushes the
	// rewritten table before the file shrinks underneath it. Until the
	// truncate lands this is the one unsafe intermediate state.
	if err := e.binder.Detach(ctx, dev); err != nil {
		return fail(StageTruncated, err)
	}
	newFileSize := record.StartBytes + actualBytes
	if err := e.trunc.Truncate(imagePath, newFileSize); err != nil {
		return fail(StageTruncated, err)
	}
	e.logger.InfoContext(ctx, "image truncated", "image", imagePath, "bytes", newFileSize)

	// Truncated -> Done: fresh snapshot to confirm the table and file agree.
	outcome, err := e.verify(ctx, imagePath, actualBlocks)
	if err != nil {
		return fail(StageDone, err)
	}

	return outcome, nil
}

func (e *Executor) verify(ctx context.Context, imagePath string, actualBlocks int64) (*Outcome, error) {
	dev, err := e.binder.Attach(ctx, imagePath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if detachErr := e.binder.Detach(ctx, dev); detachErr != nil {
			e.logger.WarnContext(ctx, "detach after verification", "error", detachErr)
		}
	}()

	table, err := e.reader.ReadTable(ctx, dev.Path)
	if err != nil {
		return nil, err
	}
	last, ok := table.Last()
	if !ok {
		return nil, fmt.Errorf("no partitions after shrink of %s", imagePath)
	}

	info, err := os.Stat(imagePath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", imagePath, err)
	}
	if last.EndBytes() > info.Size() {
		return nil, fmt.Errorf("partition %d ends at %d but file is %d bytes",
			last.Index, last.EndBytes(), info.Size())
	}

	return &Outcome{
		Status:              StatusSuccess,
		Stage:               StageDone,
		FinalBlocks:         actualBlocks,
		FinalPartitionBytes: last.SizeBytes,
		FinalFileBytes:      info.Size(),
	}, nil
}

func fail(stage Stage, err error) (*Outcome, error) {
	return &Outcome{Status: StatusFailed, Stage: stage}, &StageError{Stage: stage, Err: err}
}
