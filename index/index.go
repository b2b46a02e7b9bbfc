package index

import (
	"fmt"
	"time"

	"github.com/hupe1980/alloclog/model"
)

// Version is the in-memory and serialized index format version.
const Version uint32 = 1

// BinaryIndex locates every record of one allocation log file and carries
// the metadata needed to decide whether it still describes that file.
type BinaryIndex struct {
	Version uint32

	// FilePath is the absolute path of the indexed file.
	FilePath string
	// FileHash fingerprints the file contents (see Fingerprint).
	FileHash    uint64
	FileSize    int64
	FileModTime time.Time

	// DataStart and DataEnd bound the record region of the file.
	DataStart uint64
	DataEnd   uint64

	// Offsets holds the absolute start offset of each record in file order.
	Offsets []uint64

	// Quick is nil for files below the quick-filter threshold.
	Quick *QuickFilter

	CreatedAt time.Time
}

// RecordCount returns the number of indexed records.
func (x *BinaryIndex) RecordCount() int { return len(x.Offsets) }

// OffsetOf returns the start offset of record i.
func (x *BinaryIndex) OffsetOf(i int) (uint64, bool) {
	if i < 0 || i >= len(x.Offsets) {
		return 0, false
	}
	return x.Offsets[i], true
}

// RecordBounds returns the half-open byte range [start, end) of record i.
func (x *BinaryIndex) RecordBounds(i int) (start, end uint64, ok bool) {
	if i < 0 || i >= len(x.Offsets) {
		return 0, 0, false
	}
	start = x.Offsets[i]
	if i+1 < len(x.Offsets) {
		end = x.Offsets[i+1]
	} else {
		end = x.DataEnd
	}
	return start, end, true
}

// Validate checks the structural invariants of the index: offsets are
// strictly increasing and lie inside the data region, the region lies inside
// the file, and the quick filter covers exactly the record count.
func (x *BinaryIndex) Validate() error {
	const op = "index.validate"
	if x.Version == 0 || x.Version > Version {
		return model.Unsupportedf(op, "index version %d", x.Version)
	}
	if x.DataStart > x.DataEnd {
		return model.Corruptedf(op, "data start %d beyond end %d", x.DataStart, x.DataEnd)
	}
	if x.FileSize >= 0 && x.DataEnd > uint64(x.FileSize) {
		return model.Corruptedf(op, "data end %d beyond file size %d", x.DataEnd, x.FileSize)
	}
	prev := x.DataStart
	for i, off := range x.Offsets {
		if off < x.DataStart || off >= x.DataEnd {
			return model.Corruptedf(op, "record %d offset %d outside [%d, %d)", i, off, x.DataStart, x.DataEnd)
		}
		if i > 0 && off <= prev {
			return model.Corruptedf(op, "record %d offset %d not after %d", i, off, prev)
		}
		prev = off
	}
	if q := x.Quick; q != nil {
		if q.BatchSize <= 0 {
			return model.Corruptedf(op, "quick filter batch size %d", q.BatchSize)
		}
		want := (len(x.Offsets) + q.BatchSize - 1) / q.BatchSize
		if len(q.Batches) != want {
			return model.Corruptedf(op, "quick filter has %d batches, want %d", len(q.Batches), want)
		}
	}
	return nil
}

func (x *BinaryIndex) String() string {
	return fmt.Sprintf("index(%s, %d records, quick=%t)", x.FilePath, len(x.Offsets), x.Quick != nil)
}
