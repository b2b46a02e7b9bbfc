package selective

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/alloclog/index"
	"github.com/hupe1980/alloclog/internal/mmap"
	"github.com/hupe1980/alloclog/internal/resource"
	"github.com/hupe1980/alloclog/model"
	"github.com/hupe1980/alloclog/record"
	"golang.org/x/sync/errgroup"
)

// Stats counts reader activity since it was opened.
type Stats struct {
	Reads          uint64
	RecordsScanned uint64
	RecordsMatched uint64
	BatchesSkipped uint64
	BytesRead      uint64
}

// Reader serves selective reads of one indexed allocation log.
// It is safe for concurrent use.
type Reader struct {
	m       *mmap.Mapping
	idx     *index.BinaryIndex
	logger  *slog.Logger
	ctrl    *resource.Controller
	workers int

	reads          atomic.Uint64
	recordsScanned atomic.Uint64
	recordsMatched atomic.Uint64
	batchesSkipped atomic.Uint64
	bytesRead      atomic.Uint64
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithController reserves batch memory against c and takes the worker
// count from it unless WithWorkers is also given.
func WithController(c *resource.Controller) Option {
	return func(r *Reader) { r.ctrl = c }
}

// WithWorkers sets the number of parallel decode workers.
func WithWorkers(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.workers = n
		}
	}
}

// Open maps the file at path. idx must describe that file.
func Open(path string, idx *index.BinaryIndex, opts ...Option) (*Reader, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, model.IOError("selective.open", err)
	}
	r, err := newReader(m, idx, opts)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	_ = m.Advise(mmap.AccessRandom)
	return r, nil
}

// New serves reads from an in-memory copy of an indexed file.
func New(data []byte, idx *index.BinaryIndex, opts ...Option) (*Reader, error) {
	return newReader(mmap.FromBytes(data), idx, opts)
}

func newReader(m *mmap.Mapping, idx *index.BinaryIndex, opts []Option) (*Reader, error) {
	if idx == nil {
		return nil, model.Invalid("index", "must not be nil")
	}
	if uint64(m.Size()) < idx.DataEnd {
		return nil, model.Corruptedf("selective.open", "file of %d bytes is shorter than indexed data end %d", m.Size(), idx.DataEnd)
	}
	r := &Reader{
		m:      m,
		idx:    idx,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.workers == 0 {
		r.workers = runtime.GOMAXPROCS(0)
		if r.ctrl != nil {
			r.workers = r.ctrl.MaxWorkers()
		}
	}
	return r, nil
}

// Close releases the mapping.
func (r *Reader) Close() error { return r.m.Close() }

// Index returns the index the reader was opened with.
func (r *Reader) Index() *index.BinaryIndex { return r.idx }

// Stats returns a snapshot of the reader counters.
func (r *Reader) Stats() Stats {
	return Stats{
		Reads:          r.reads.Load(),
		RecordsScanned: r.recordsScanned.Load(),
		RecordsMatched: r.recordsMatched.Load(),
		BatchesSkipped: r.batchesSkipped.Load(),
		BytesRead:      r.bytesRead.Load(),
	}
}

// Read returns the records selected by opts.
func (r *Reader) Read(ctx context.Context, opts Options) ([]model.AllocationRecord, error) {
	var out []model.AllocationRecord
	err := r.Stream(ctx, opts, func(batch []model.AllocationRecord) bool {
		out = append(out, batch...)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stream delivers the records selected by opts to fn one batch at a time.
// Offset and limit apply across batches. Returning false from fn stops the
// stream without error. With a sort, every match is loaded and sorted before
// the first batch is delivered.
func (r *Reader) Stream(ctx context.Context, opts Options, fn func([]model.AllocationRecord) bool) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	r.reads.Add(1)

	cand := r.candidates(opts.Filters)
	if len(opts.Filters) == 0 && opts.Sort == nil {
		lo, hi := window(len(cand), opts.Offset, opts.Limit)
		cand = cand[lo:hi]
		opts.Offset, opts.Limit = 0, 0
	}

	if opts.Sort != nil {
		return r.streamSorted(ctx, opts, cand, fn)
	}

	skip, remaining := opts.Offset, opts.Limit
	for start := 0; start < len(cand); start += opts.BatchSize {
		batch, reserved, err := r.loadBatch(ctx, opts, cand[start:min(start+opts.BatchSize, len(cand))])
		if err != nil {
			return err
		}
		if skip > 0 {
			n := min(skip, len(batch))
			batch, skip = batch[n:], skip-n
		}
		if opts.Limit > 0 {
			batch = batch[:min(remaining, len(batch))]
			remaining -= len(batch)
		}
		project(batch, opts.Fields)

		cont := len(batch) == 0 || fn(batch)
		r.ctrl.ReleaseMemory(reserved)
		if !cont || (opts.Limit > 0 && remaining == 0) {
			return nil
		}
	}
	return nil
}

func (r *Reader) streamSorted(ctx context.Context, opts Options, cand []uint32, fn func([]model.AllocationRecord) bool) error {
	var all []model.AllocationRecord
	for start := 0; start < len(cand); start += opts.BatchSize {
		batch, reserved, err := r.loadBatch(ctx, opts, cand[start:min(start+opts.BatchSize, len(cand))])
		if err != nil {
			return err
		}
		all = append(all, batch...)
		// The reservation bounds in-flight decoding only.
		r.ctrl.ReleaseMemory(reserved)
	}

	model.SortRecords(all, *opts.Sort)
	lo, hi := window(len(all), opts.Offset, opts.Limit)
	all = all[lo:hi]
	project(all, opts.Fields)

	for start := 0; start < len(all); start += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(all[start:min(start+opts.BatchSize, len(all))]) {
			return nil
		}
	}
	return nil
}

// candidates returns the record indices that survive quick-filter pruning.
func (r *Reader) candidates(filters []model.Filter) []uint32 {
	n := r.idx.RecordCount()
	if q := r.idx.Quick; q != nil && anyPrefilterable(filters) {
		bm, skipped := q.Candidates(n, filters)
		r.batchesSkipped.Add(uint64(skipped))
		r.logger.Debug("quick filter pruned batches",
			slog.Int("skipped", skipped),
			slog.Int("batches", len(q.Batches)),
			slog.Uint64("candidates", bm.GetCardinality()))
		return bm.ToArray()
	}
	bm := roaring.New()
	bm.AddRange(0, uint64(n))
	return bm.ToArray()
}

func anyPrefilterable(filters []model.Filter) bool {
	for _, f := range filters {
		if f.Prefilterable() {
			return true
		}
	}
	return false
}

// loadBatch decodes and filters the candidate records ids in parallel and
// returns the matches in file order together with the number of bytes
// reserved on the controller. The caller releases the reservation once the
// batch is no longer referenced.
func (r *Reader) loadBatch(ctx context.Context, opts Options, ids []uint32) ([]model.AllocationRecord, int64, error) {
	var size int64
	for _, id := range ids {
		start, end, _ := r.idx.RecordBounds(int(id))
		size += int64(end - start)
	}
	if err := r.ctrl.WaitMemory(ctx, size); err != nil {
		return nil, 0, err
	}

	mask := opts.loadMask()
	workers := max(1, min(r.workers, len(ids)))
	chunk := (len(ids) + workers - 1) / workers
	parts := make([][]model.AllocationRecord, workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for w := range workers {
		lo, hi := w*chunk, min((w+1)*chunk, len(ids))
		if lo >= hi {
			break
		}
		g.Go(func() error {
			out := make([]model.AllocationRecord, 0, hi-lo)
			for _, id := range ids[lo:hi] {
				if err := gctx.Err(); err != nil {
					return err
				}
				rec, err := r.decode(int(id), mask)
				if err != nil {
					return err
				}
				if model.MatchAll(opts.Filters, &rec) {
					out = append(out, rec)
				}
			}
			parts[w] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.ctrl.ReleaseMemory(size)
		return nil, 0, err
	}

	n := 0
	for _, p := range parts {
		n += len(p)
	}
	matched := make([]model.AllocationRecord, 0, n)
	for _, p := range parts {
		matched = append(matched, p...)
	}

	r.recordsScanned.Add(uint64(len(ids)))
	r.recordsMatched.Add(uint64(n))
	r.bytesRead.Add(uint64(size))
	return matched, size, nil
}

func (r *Reader) decode(i int, mask model.FieldSet) (model.AllocationRecord, error) {
	start, end, ok := r.idx.RecordBounds(i)
	if !ok || start >= end {
		return model.AllocationRecord{}, model.Corruptedf("selective.decode", "record %d has empty bounds [%d, %d)", i, start, end)
	}
	buf, err := r.m.Slice(int(start), int(end-start))
	if errors.Is(err, mmap.ErrOutOfBounds) {
		return model.AllocationRecord{}, model.Corruptedf("selective.decode", "record %d bounds [%d, %d) outside file of %d bytes", i, start, end, r.m.Size())
	}
	if err != nil {
		return model.AllocationRecord{}, model.IOError("selective.decode", err)
	}
	rec, n, err := record.DecodeRecord(buf, mask)
	if err != nil {
		return model.AllocationRecord{}, err
	}
	if uint64(n) != end-start {
		return model.AllocationRecord{}, model.Corruptedf("selective.decode", "record %d spans %d bytes, index says %d", i, n, end-start)
	}
	return rec, nil
}

func project(recs []model.AllocationRecord, fields model.FieldSet) {
	for i := range recs {
		recs[i].Project(fields)
	}
}
