package lsn

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
)

// WALSegmentSize is the default size of a PostgreSQL WAL segment.
const WALSegmentSize = 16 * 1024 * 1024

// Lag calculates the byte distance between two LSN positions.
func Lag(current, latest pglogrepl.LSN) uint64 {
	if latest <= current {
		return 0
	}
	return uint64(latest - current)
}

// FormatLag returns a human-friendly representation of replication lag.
func FormatLag(bytes uint64, latency time.Duration) string {
	var size string
	switch {
	case bytes >= 1<<30:
		size = fmt.Sprintf("%.2f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		size = fmt.Sprintf("%.2f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		size = fmt.Sprintf("%.2f KB", float64(bytes)/float64(1<<10))
	default:
		size = fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%s (latency: %s)", size, latency.Truncate(time.Millisecond))
}

// SegmentNo returns the WAL segment number containing the given position.
func SegmentNo(l pglogrepl.LSN) uint64 {
	return uint64(l) / WALSegmentSize
}

// SegmentName returns the WAL file name for the segment containing l on the
// given timeline, matching the names PostgreSQL uses under pg_wal.
func SegmentName(l pglogrepl.LSN, timeline uint32) string {
	segno := SegmentNo(l)
	segsPerID := uint64(0x100000000 / WALSegmentSize)
	return fmt.Sprintf("%08X%08X%08X", timeline, segno/segsPerID, segno%segsPerID)
}

// SegmentStart returns the first LSN of the segment containing l.
func SegmentStart(l pglogrepl.LSN) pglogrepl.LSN {
	return pglogrepl.LSN(SegmentNo(l) * WALSegmentSize)
}
