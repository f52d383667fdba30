package disk

import "strconv"

// Segment is one partition normalized against the total image size, consumed
// by the ASCII bar renderer.
type Segment struct {
	Label     string
	FracStart float64
	FracSize  float64
}

// LayoutSegments converts a partition table into normalized segments whose
// fractions sum to at most 1.0. An empty table yields an empty slice.
func LayoutSegments(table *PartitionTable) []Segment {
	if table == nil || table.TotalBytes <= 0 || len(table.Records) == 0 {
		return nil
	}

	total := float64(table.TotalBytes)
	segments := make([]Segment, 0, len(table.Records))
	for _, rec := range table.Records {
		segments = append(segments, Segment{
			Label:     strconv.Itoa(rec.Index % 10),
			FracStart: float64(rec.StartBytes) / total,
			FracSize:  float64(rec.SizeBytes) / total,
		})
	}

	return segments
}
