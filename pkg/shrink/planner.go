package shrink

import (
	"github.com/createcandle/shrenk/pkg/disk"
	"github.com/createcandle/shrenk/pkg/extfs"
)

// DefaultSafetyMarginBytes is the extra free space reserved above the
// filesystem's computed minimum, so the system has room for logs and temp
// files after the shrink.
const DefaultSafetyMarginBytes int64 = 100 * 1024 * 1024

// Plan is the immutable result of shrink planning. The executor never
// recomputes it mid-operation.
type Plan struct {
	TargetBlocks  int64
	CurrentBlocks int64
	BlockSize     int64
	TargetBytes   int64 // TargetBlocks * BlockSize rounded up to sector size

	// FilesystemShrinkNeeded is false when the filesystem is already within
	// one block of the target, e.g. on a rerun after a partition-resize
	// failure. The partition stage may still be needed in that case.
	FilesystemShrinkNeeded bool
	PartitionShrinkNeeded  bool
	Needed                 bool
}

// ComputePlan derives the shrink target from the filesystem geometry and the
// current partition record. Pure.
func ComputePlan(report *extfs.SizeReport, record disk.PartitionRecord, sectorSize, marginBytes int64) Plan {
	extraBlocks := (marginBytes + report.BlockSize - 1) / report.BlockSize
	targetBlocks := report.MinBlocks + extraBlocks

	// Round up to whole sectors, never down: truncating a live filesystem
	// block is how images get corrupted.
	targetBytes := roundUp(targetBlocks*report.BlockSize, sectorSize)

	// One block / one sector of tolerance so rounding differences do not
	// trigger a pointless shrink.
	fsNeeded := report.CurrentBlocks > targetBlocks+1
	partNeeded := record.SizeBytes-targetBytes > sectorSize

	return Plan{
		TargetBlocks:           targetBlocks,
		CurrentBlocks:          report.CurrentBlocks,
		BlockSize:              report.BlockSize,
		TargetBytes:            targetBytes,
		FilesystemShrinkNeeded: fsNeeded,
		PartitionShrinkNeeded:  partNeeded,
		Needed:                 fsNeeded || partNeeded,
	}
}

func roundUp(n, multiple int64) int64 {
	if multiple <= 0 {
		return n
	}
	return (n + multiple - 1) / multiple * multiple
}
