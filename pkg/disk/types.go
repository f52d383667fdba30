// Package disk reads and mutates partition tables on attached block devices.
package disk

// FsType is the filesystem type tag of a partition.
type FsType string

const (
	FsExt2    FsType = "ext2"
	FsExt3    FsType = "ext3"
	FsExt4    FsType = "ext4"
	FsFat     FsType = "fat"
	FsOther   FsType = "other"
	FsUnknown FsType = "unknown"
)

// ParseFsType normalizes a probed filesystem type string into a tag.
func ParseFsType(s string) FsType {
	switch s {
	case "ext2":
		return FsExt2
	case "ext3":
		return FsExt3
	case "ext4":
		return FsExt4
	case "vfat", "fat", "fat12", "fat16", "fat32", "msdos":
		return FsFat
	case "":
		return FsUnknown
	default:
		return FsOther
	}
}

// Ext reports whether the tag is one of the ext family.
func (t FsType) Ext() bool {
	return t == FsExt2 || t == FsExt3 || t == FsExt4
}

// PartitionRecord is an immutable snapshot of one partition table entry.
// A fresh snapshot must be retaken after any mutation of the table.
type PartitionRecord struct {
	Index      int    // partition number in the table
	Path       string // partition device node, e.g. /dev/loop0p2
	StartBytes int64  // sector-aligned start offset
	SizeBytes  int64
	Type       FsType
}

func (r PartitionRecord) EndBytes() int64 {
	return r.StartBytes + r.SizeBytes
}

// PartitionTable is an ordered snapshot of the partition table of one device.
// Records are sorted by start offset and non-overlapping.
type PartitionTable struct {
	DevicePath string
	TotalBytes int64 // total addressable image size
	SectorSize int64
	Records    []PartitionRecord
}

// Last returns the record with the highest start offset, the only partition
// eligible for shrinking.
func (t *PartitionTable) Last() (PartitionRecord, bool) {
	if len(t.Records) == 0 {
		return PartitionRecord{}, false
	}
	return t.Records[len(t.Records)-1], true
}
