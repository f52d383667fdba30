package disk

import "errors"

var (
	ErrTableParse      = errors.New("partition table is absent, corrupt or unrecognized")
	ErrPartitionResize = errors.New("failed to resize partition table entry")
)
