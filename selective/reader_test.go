package selective

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/hupe1980/alloclog/index"
	"github.com/hupe1980/alloclog/internal/mmap"
	"github.com/hupe1980/alloclog/internal/resource"
	"github.com/hupe1980/alloclog/model"
	"github.com/hupe1980/alloclog/record"
	"github.com/hupe1980/alloclog/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Unix(1_700_000_000, 0)

func contextWithCancel(t *testing.T) (context.Context, context.CancelFunc) {
	return context.WithCancel(t.Context())
}

type fixture struct {
	data []byte
	idx  *index.BinaryIndex
	recs []model.AllocationRecord
}

func newFixture(t *testing.T, recs []model.AllocationRecord, opts ...index.BuilderOption) fixture {
	t.Helper()
	data := record.Encode(recs)
	idx, err := index.NewBuilder(opts...).BuildBytes("/mem/alloc.memscope", data, testTime)
	require.NoError(t, err)
	return fixture{data: data, idx: idx, recs: recs}
}

func (f fixture) reader(t *testing.T, opts ...Option) *Reader {
	t.Helper()
	r, err := New(f.data, f.idx, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// expected computes the result of opts by brute force over every record.
func (f fixture) expected(opts Options) []model.AllocationRecord {
	var out []model.AllocationRecord
	for _, rec := range f.recs {
		if model.MatchAll(opts.Filters, &rec) {
			out = append(out, rec)
		}
	}
	if opts.Sort != nil {
		model.SortRecords(out, *opts.Sort)
	}
	lo, hi := window(len(out), opts.Offset, opts.Limit)
	out = out[lo:hi]
	project(out, opts.Fields)
	if len(out) == 0 {
		return nil
	}
	return out
}

func sizes(recs []model.AllocationRecord) []uint64 {
	out := make([]uint64, len(recs))
	for i, r := range recs {
		out[i] = r.Size
	}
	return out
}

func TestScenarioThreadFilter(t *testing.T) {
	f := newFixture(t, testutil.Scenario())
	r := f.reader(t)

	got, err := r.Read(t.Context(), NewOptions(model.BasicFields).WithFilter(model.ThreadEquals("main")))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1024, 512}, sizes(got))
	assert.Equal(t, "main", got[0].ThreadID)
}

func TestScenarioSortDescending(t *testing.T) {
	f := newFixture(t, testutil.Scenario())
	r := f.reader(t)

	got, err := r.Read(t.Context(), NewOptions(model.BasicFields).SortBy(model.SortBySize, model.Descending))
	require.NoError(t, err)
	assert.Equal(t, []uint64{2048, 1024, 512}, sizes(got))
}

func TestProjectionClearsUnrequestedFields(t *testing.T) {
	recs := testutil.NewRNG(3).Records(40)
	f := newFixture(t, recs)
	r := f.reader(t)

	opts := NewOptions(model.Fields(model.FieldSize)).
		WithFilter(model.HasStackTrace(), model.TypeContains("<")).
		SortBy(model.SortByLifetimeMs, model.Ascending)
	got, err := r.Read(t.Context(), opts)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for _, rec := range got {
		assert.Nil(t, rec.StackTrace)
		assert.Nil(t, rec.TypeName)
		assert.Nil(t, rec.LifetimeMs)
		assert.NotEmpty(t, rec.ThreadID, "core fields survive projection")
	}
	assert.Equal(t, f.expected(opts), got)
}

func TestQuickFilterMatchesFullScan(t *testing.T) {
	recs := testutil.NewRNG(17).Records(3000)
	pruned := newFixture(t, recs, index.WithBatchSize(100), index.WithQuickFilterThreshold(1000))
	plain := newFixture(t, recs, index.WithQuickFilterThreshold(1<<30))
	require.NotNil(t, pruned.idx.Quick)
	require.Nil(t, plain.idx.Quick)

	mid := recs[1500]
	filterSets := map[string][]model.Filter{
		"point":        {model.PtrRange(mid.Ptr, mid.Ptr)},
		"ts window":    {model.TimestampRange(recs[100].TimestampAlloc, recs[450].TimestampAlloc)},
		"size":         {model.SizeRange(1000, 2000)},
		"thread":       {model.ThreadEquals("worker-2")},
		"absent type":  {model.TypeEquals("NoSuchType")},
		"type+leaked":  {model.TypeEquals("String"), model.LeakedOnly()},
		"exact only":   {model.VarNameContains("1"), model.MinBorrowCount(2)},
		"lifetime+ptr": {model.LifetimeRange(10, 5000), model.PtrRange(0, recs[999].Ptr)},
	}

	rp := pruned.reader(t, WithWorkers(4))
	rs := plain.reader(t, WithWorkers(1))
	for name, filters := range filterSets {
		t.Run(name, func(t *testing.T) {
			opts := NewOptions(model.AllFields).WithFilter(filters...).WithBatchSize(128)
			want := pruned.expected(opts)

			got, err := rp.Read(t.Context(), opts)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			full, err := rs.Read(t.Context(), opts)
			require.NoError(t, err)
			assert.Equal(t, want, full)
		})
	}
	assert.Positive(t, rp.Stats().BatchesSkipped)
	assert.Zero(t, rs.Stats().BatchesSkipped)
}

func TestPaginationEqualsSortedSlice(t *testing.T) {
	recs := testutil.NewRNG(23).Records(700)
	f := newFixture(t, recs, index.WithBatchSize(64), index.WithQuickFilterThreshold(100))
	r := f.reader(t, WithWorkers(3))
	rng := testutil.NewRNG(99)

	sorts := []*model.SortSpec{
		nil,
		{Field: model.SortBySize, Order: model.Ascending},
		{Field: model.SortByThreadID, Order: model.Descending},
		{Field: model.SortByTypeName, Order: model.Ascending},
		{Field: model.SortByTimestampDealloc, Order: model.Descending},
		{Field: model.SortByBorrowCount, Order: model.Ascending},
	}
	filterSets := [][]model.Filter{
		nil,
		{model.SizeRange(0, 2048)},
		{model.NotLeaked(), model.ThreadContains("worker")},
	}

	for i := range 60 {
		opts := NewOptions(model.BasicFields).
			WithFilter(filterSets[i%len(filterSets)]...).
			WithOffset(rng.Intn(400)).
			WithLimit(rng.Intn(120)).
			WithBatchSize(1 + rng.Intn(100))
		opts.Sort = sorts[i%len(sorts)]

		t.Run(fmt.Sprintf("case%d", i), func(t *testing.T) {
			got, err := r.Read(t.Context(), opts)
			require.NoError(t, err)
			assert.Equal(t, f.expected(opts), got, "offset=%d limit=%d sort=%v", opts.Offset, opts.Limit, opts.Sort)
		})
	}
}

func TestStreamBatchesAndStop(t *testing.T) {
	recs := testutil.NewRNG(5).Records(250)
	f := newFixture(t, recs)
	r := f.reader(t)

	opts := NewOptions(model.CoreFields).WithBatchSize(40).WithOffset(30).WithLimit(100)
	var batches []int
	var got []model.AllocationRecord
	require.NoError(t, r.Stream(t.Context(), opts, func(b []model.AllocationRecord) bool {
		batches = append(batches, len(b))
		got = append(got, b...)
		return true
	}))
	assert.Equal(t, f.expected(opts), got)
	for _, n := range batches {
		assert.LessOrEqual(t, n, 40)
	}

	calls := 0
	require.NoError(t, r.Stream(t.Context(), NewOptions(model.CoreFields).WithBatchSize(10), func([]model.AllocationRecord) bool {
		calls++
		return calls < 3
	}))
	assert.Equal(t, 3, calls)

	sorted := NewOptions(model.CoreFields).WithBatchSize(100).SortBy(model.SortBySize, model.Descending)
	calls = 0
	require.NoError(t, r.Stream(t.Context(), sorted, func(b []model.AllocationRecord) bool {
		calls++
		assert.Len(t, b, 100)
		return false
	}))
	assert.Equal(t, 1, calls)
}

func TestValidationBeforeIO(t *testing.T) {
	f := newFixture(t, testutil.Scenario())
	r := f.reader(t)

	for name, opts := range map[string]Options{
		"no fields":       NewOptions(0),
		"zero batch":      NewOptions(model.BasicFields).WithBatchSize(0),
		"negative limit":  NewOptions(model.BasicFields).WithLimit(-1),
		"negative offset": NewOptions(model.BasicFields).WithOffset(-2),
		"bad filter":      NewOptions(model.BasicFields).WithFilter(model.SizeRange(10, 1)),
		"bad sort":        NewOptions(model.BasicFields).SortBy(model.SortField(99), model.Ascending),
		"unknown field":   NewOptions(model.FieldSet(1 << 40)),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := r.Read(t.Context(), opts)
			assert.ErrorIs(t, err, model.ErrValidationFailed)
		})
	}
	assert.Zero(t, r.Stats().Reads)
}

func TestWithFilterDoesNotAlias(t *testing.T) {
	base := NewOptions(model.BasicFields).WithFilter(model.LeakedOnly())
	a := base.WithFilter(model.ThreadEquals("a"))
	b := base.WithFilter(model.ThreadEquals("b"))
	assert.Equal(t, "a", a.Filters[1].Text)
	assert.Equal(t, "b", b.Filters[1].Text)
	assert.Len(t, base.Filters, 1)
}

func TestMemoryController(t *testing.T) {
	f := newFixture(t, testutil.NewRNG(8).Records(200))

	tight := resource.NewController(resource.Config{MemoryLimitBytes: 64, MaxWorkers: 2})
	r := f.reader(t, WithController(tight))
	_, err := r.Read(t.Context(), NewOptions(model.BasicFields))
	assert.ErrorIs(t, err, resource.ErrMemoryLimitExceeded)

	ample := resource.NewController(resource.Config{MemoryLimitBytes: 64 << 20, MaxWorkers: 2})
	r = f.reader(t, WithController(ample))
	got, err := r.Read(t.Context(), NewOptions(model.BasicFields).WithBatchSize(50))
	require.NoError(t, err)
	assert.Len(t, got, 200)
	assert.Zero(t, ample.MemoryUsage(), "every reservation released")
	assert.Positive(t, ample.PeakMemory())
}

func TestOpenFromFile(t *testing.T) {
	recs := testutil.Scenario()
	path := filepath.Join(t.TempDir(), "alloc.memscope")
	require.NoError(t, record.WriteFile(path, recs))
	idx, err := index.NewBuilder().Build(path)
	require.NoError(t, err)

	r, err := Open(path, idx)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Read(t.Context(), NewOptions(model.AllFields))
	require.NoError(t, err)
	assert.Equal(t, recs, got)
	assert.Equal(t, uint64(3), r.Stats().RecordsScanned)

	_, err = Open(filepath.Join(t.TempDir(), "missing"), idx)
	assert.ErrorIs(t, err, model.ErrIO)

	short := *idx
	short.DataEnd = 1 << 20
	_, err = New(nil, &short)
	assert.ErrorIs(t, err, model.ErrCorruptedData)
}

func TestCancelledContext(t *testing.T) {
	f := newFixture(t, testutil.NewRNG(1).Records(50))
	r := f.reader(t)

	ctx, cancel := contextWithCancel(t)
	cancel()
	_, err := r.Read(ctx, NewOptions(model.BasicFields).WithFilter(model.NotLeaked()))
	assert.Error(t, err)
}

func TestReadAfterClose(t *testing.T) {
	f := newFixture(t, testutil.NewRNG(3).Records(20))
	r, err := New(f.data, f.idx)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = r.Read(t.Context(), NewOptions(model.BasicFields))
	assert.ErrorIs(t, err, mmap.ErrClosed)
	assert.ErrorIs(t, err, model.ErrIO)
}
