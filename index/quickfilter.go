package index

import (
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/alloclog/model"
)

// BatchRange summarizes one batch of consecutive records.
type BatchRange struct {
	MinPtr, MaxPtr             uint64
	MinSize, MaxSize           uint64
	MinTimestamp, MaxTimestamp uint64

	// Threads holds every thread id in the batch; Types every present type name.
	Threads *Bloom
	Types   *Bloom
}

func newBatchRange(bits uint64, k uint32) BatchRange {
	return BatchRange{
		MinPtr:       ^uint64(0),
		MinSize:      ^uint64(0),
		MinTimestamp: ^uint64(0),
		Threads:      NewBloom(bits, k),
		Types:        NewBloom(bits, k),
	}
}

func (b *BatchRange) add(ptr, size, ts uint64, thread string, typeName *string) {
	b.MinPtr, b.MaxPtr = min(b.MinPtr, ptr), max(b.MaxPtr, ptr)
	b.MinSize, b.MaxSize = min(b.MinSize, size), max(b.MaxSize, size)
	b.MinTimestamp, b.MaxTimestamp = min(b.MinTimestamp, ts), max(b.MaxTimestamp, ts)
	b.Threads.Add(thread)
	if typeName != nil {
		b.Types.Add(*typeName)
	}
}

// MayMatch reports whether some record of the batch can satisfy f. A false
// result is definitive; filters the batch summary cannot answer return true.
func (b *BatchRange) MayMatch(f model.Filter) bool {
	switch f.Kind {
	case model.FilterPtrRange:
		return overlaps(f.Min, f.Max, b.MinPtr, b.MaxPtr)
	case model.FilterSizeRange:
		return overlaps(f.Min, f.Max, b.MinSize, b.MaxSize)
	case model.FilterTimestampRange:
		return overlaps(f.Min, f.Max, b.MinTimestamp, b.MaxTimestamp)
	case model.FilterThreadEquals:
		return b.Threads == nil || b.Threads.MayContain(f.Text)
	case model.FilterTypeEquals:
		return b.Types == nil || b.Types.MayContain(f.Text)
	default:
		return true
	}
}

func overlaps(lo, hi, min, max uint64) bool { return lo <= max && hi >= min }

// QuickFilter holds per-batch summaries used to reject whole batches before
// any record is loaded.
type QuickFilter struct {
	BatchSize int
	Batches   []BatchRange
}

// Candidates returns the indices of records in batches that may satisfy all
// filters, and the number of batches rejected.
func (q *QuickFilter) Candidates(count int, filters []model.Filter) (*roaring.Bitmap, int) {
	bm := roaring.New()
	skipped := 0
	for i := range q.Batches {
		start := i * q.BatchSize
		end := min(start+q.BatchSize, count)
		if start >= end {
			break
		}
		if q.batchMayMatch(i, filters) {
			bm.AddRange(uint64(start), uint64(end))
		} else {
			skipped++
		}
	}
	return bm, skipped
}

func (q *QuickFilter) batchMayMatch(i int, filters []model.Filter) bool {
	for _, f := range filters {
		if f.Prefilterable() && !q.Batches[i].MayMatch(f) {
			return false
		}
	}
	return true
}
