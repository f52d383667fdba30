package disk

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/createcandle/shrenk/pkg/hostcmd"
)

// Reader parses the current partition table of an attached block device into
// an ordered snapshot. Read-only.
type Reader interface {
	ReadTable(ctx context.Context, devicePath string) (*PartitionTable, error)
}

// Raw JSON representation from lsblk --bytes --json.
type lsblkOutput struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name     string        `json:"name"`
	Path     string        `json:"path"`
	Type     string        `json:"type"`
	Start    *int64        `json:"start,omitempty"` // sectors
	Size     int64         `json:"size"`            // bytes with --bytes
	FSType   string        `json:"fstype,omitempty"`
	Children []lsblkDevice `json:"children,omitempty"`
}

// LsblkReader reads the table with lsblk and blockdev.
type LsblkReader struct {
	run hostcmd.Runner
}

func NewLsblkReader(run hostcmd.Runner) *LsblkReader {
	return &LsblkReader{run: run}
}

func (r *LsblkReader) ReadTable(ctx context.Context, devicePath string) (*PartitionTable, error) {
	sectorSize, err := r.sectorSize(ctx, devicePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTableParse, err)
	}

	out, err := r.run.Run(ctx, "lsblk", "--bytes", "--json",
		"-o", "NAME,PATH,TYPE,START,SIZE,FSTYPE", devicePath)
	if err != nil {
		return nil, fmt.Errorf("%w: lsblk on %s: %w", ErrTableParse, devicePath, err)
	}

	var raw lsblkOutput
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("%w: parsing lsblk output: %w", ErrTableParse, err)
	}
	if len(raw.Blockdevices) == 0 {
		return nil, fmt.Errorf("%w: %s not reported by lsblk", ErrTableParse, devicePath)
	}

	dev := raw.Blockdevices[0]
	table := &PartitionTable{
		DevicePath: devicePath,
		TotalBytes: dev.Size,
		SectorSize: sectorSize,
	}

	for _, child := range dev.Children {
		if child.Type != "part" {
			continue
		}
		if child.Start == nil {
			return nil, fmt.Errorf("%w: partition %s has no start offset", ErrTableParse, child.Name)
		}
		index, err := partitionIndex(child.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTableParse, err)
		}
		table.Records = append(table.Records, PartitionRecord{
			Index:      index,
			Path:       child.Path,
			StartBytes: *child.Start * sectorSize,
			SizeBytes:  child.Size,
			Type:       ParseFsType(child.FSType),
		})
	}

	if len(table.Records) == 0 {
		return nil, fmt.Errorf("%w: no partitions on %s", ErrTableParse, devicePath)
	}

	sort.Slice(table.Records, func(a, b int) bool {
		return table.Records[a].StartBytes < table.Records[b].StartBytes
	})
	for i := 1; i < len(table.Records); i++ {
		prev, cur := table.Records[i-1], table.Records[i]
		if prev.EndBytes() > cur.StartBytes {
			return nil, fmt.Errorf("%w: partitions %d and %d overlap", ErrTableParse, prev.Index, cur.Index)
		}
	}

	return table, nil
}

// partitionIndex extracts the partition number from a node name such as
// loop0p2 or sda2.
func partitionIndex(name string) (int, error) {
	end := len(name)
	start := end
	for start > 0 && name[start-1] >= '0' && name[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0, fmt.Errorf("no partition number in node name %q", name)
	}

	index, err := strconv.Atoi(name[start:end])
	if err != nil {
		return 0, fmt.Errorf("partition number in node name %q: %w", name, err)
	}

	return index, nil
}

func (r *LsblkReader) sectorSize(ctx context.Context, devicePath string) (int64, error) {
	out, err := r.run.Run(ctx, "blockdev", "--getss", devicePath)
	if err != nil {
		return 0, fmt.Errorf("blockdev --getss %s: %w", devicePath, err)
	}

	size, err := strconv.ParseInt(out, 10, 64)
	if err != nil || size <= 0 {
		return 0, fmt.Errorf("unexpected sector size %q for %s", out, devicePath)
	}

	return size, nil
}
