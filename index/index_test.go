package index

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hupe1980/alloclog/model"
	"github.com/hupe1980/alloclog/record"
	"github.com/hupe1980/alloclog/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedClock = func() time.Time { return time.Unix(1_700_000_000, 0) }

func writeLog(t *testing.T, recs []model.AllocationRecord) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alloc.memscope")
	require.NoError(t, record.WriteFile(path, recs))
	return path
}

func TestBuildScenario(t *testing.T) {
	recs := testutil.Scenario()
	path := writeLog(t, recs)

	x, err := NewBuilder(WithClock(fixedClock)).Build(path)
	require.NoError(t, err)
	require.NoError(t, x.Validate())

	assert.Equal(t, 3, x.RecordCount())
	assert.Nil(t, x.Quick, "small files carry no quick filter")
	assert.Equal(t, uint64(record.HeaderSize), x.Offsets[0])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), x.FileSize)
	assert.Equal(t, uint64(len(data)), x.DataEnd)

	for i := range recs {
		start, end, ok := x.RecordBounds(i)
		require.True(t, ok)
		got, n, err := record.DecodeRecord(data[start:end], model.AllFields)
		require.NoError(t, err)
		assert.Equal(t, int(end-start), n)
		assert.Equal(t, recs[i], got)
	}
	_, _, ok := x.RecordBounds(3)
	assert.False(t, ok)
	_, ok = x.OffsetOf(-1)
	assert.False(t, ok)
}

func TestBuildEmptyFile(t *testing.T) {
	path := writeLog(t, nil)
	x, err := NewBuilder().Build(path)
	require.NoError(t, err)
	assert.Equal(t, 0, x.RecordCount())
	assert.Nil(t, x.Quick)
	require.NoError(t, x.Validate())
}

func TestBuildCorrupted(t *testing.T) {
	path := writeLog(t, testutil.NewRNG(5).Records(10))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	t.Run("truncated", func(t *testing.T) {
		_, err := NewBuilder().BuildBytes(path, data[:len(data)-3], time.Time{})
		assert.ErrorIs(t, err, model.ErrCorruptedData)
	})

	t.Run("count mismatch", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[12] = 11
		_, err := NewBuilder().BuildBytes(path, bad, time.Time{})
		assert.ErrorIs(t, err, model.ErrCorruptedData)
	})

	t.Run("trailing data", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[12] = 9
		_, err := NewBuilder().BuildBytes(path, bad, time.Time{})
		assert.ErrorIs(t, err, model.ErrCorruptedData)
	})

	t.Run("corrupt record with quick filter", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[record.HeaderSize] = 0x7f
		_, err := NewBuilder(WithQuickFilterThreshold(1)).BuildBytes(path, bad, time.Time{})
		assert.ErrorIs(t, err, model.ErrCorruptedData)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewBuilder().Build(filepath.Join(t.TempDir(), "nope"))
		assert.ErrorIs(t, err, model.ErrIO)
	})
}

func TestQuickFilterSoundness(t *testing.T) {
	recs := testutil.NewRNG(11).Records(2500)
	path := writeLog(t, recs)

	x, err := NewBuilder(WithBatchSize(100), WithQuickFilterThreshold(1000)).Build(path)
	require.NoError(t, err)
	require.NotNil(t, x.Quick)
	assert.Len(t, x.Quick.Batches, 25)
	require.NoError(t, x.Validate())

	mid := recs[1234]
	filterSets := [][]model.Filter{
		{model.PtrRange(mid.Ptr, mid.Ptr)},
		{model.SizeRange(0, 64)},
		{model.TimestampRange(recs[500].TimestampAlloc, recs[700].TimestampAlloc)},
		{model.ThreadEquals("io")},
		{model.ThreadEquals("no-such-thread")},
		{model.TypeEquals("Vec<u8>"), model.SizeRange(100, 4096)},
		{model.TypeEquals("NoSuchType")},
		{model.LeakedOnly(), model.PtrRange(0, recs[99].Ptr)},
	}

	for _, filters := range filterSets {
		cand, skipped := x.Quick.Candidates(x.RecordCount(), filters)
		for i := range recs {
			if model.MatchAll(filters, &recs[i]) {
				assert.True(t, cand.Contains(uint32(i)), "record %d matches %v but was pruned", i, filters)
			}
		}
		assert.Equal(t, uint64(x.RecordCount()-skipped*100), cand.GetCardinality())
	}

	// A point lookup prunes every batch but one.
	cand, skipped := x.Quick.Candidates(x.RecordCount(), []model.Filter{model.PtrRange(mid.Ptr, mid.Ptr)})
	assert.Equal(t, 24, skipped)
	assert.True(t, cand.Contains(1234))
}

func TestBatchRangeOverlap(t *testing.T) {
	b := newBatchRange(64, 1)
	b.add(100, 10, 1000, "main", nil)
	b.add(200, 20, 2000, "main", model.Ptr("u64"))

	assert.True(t, b.MayMatch(model.PtrRange(0, 100)))
	assert.True(t, b.MayMatch(model.PtrRange(150, 160)), "range inside the batch span")
	assert.True(t, b.MayMatch(model.PtrRange(0, 1000)), "range covering the batch")
	assert.False(t, b.MayMatch(model.PtrRange(201, 300)))
	assert.False(t, b.MayMatch(model.SizeRange(0, 9)))
	assert.True(t, b.MayMatch(model.TimestampRange(2000, 2000)))
	assert.True(t, b.MayMatch(model.TypeEquals("u64")))
	assert.True(t, b.MayMatch(model.ThreadContains("zzz")), "non-prefilterable filters never prune")
}

func TestBloom(t *testing.T) {
	b := NewBloom(DefaultBloomBits, DefaultBloomHashes)
	for i := range 500 {
		b.Add(threadName(i))
	}
	for i := range 500 {
		assert.True(t, b.MayContain(threadName(i)))
	}
	assert.Equal(t, uint32(500), b.Count())

	falsePositives := 0
	for i := 500; i < 5500; i++ {
		if b.MayContain(threadName(i)) {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, 250)

	small := NewBloom(1, 99)
	assert.Equal(t, uint64(64), small.numBits)
	assert.Equal(t, uint32(16), small.k)
}

func threadName(i int) string { return "ThreadId(" + string(rune('a'+i%26)) + time.Duration(i).String() + ")" }

func TestMarshalRoundTrip(t *testing.T) {
	recs := testutil.NewRNG(21).Records(1500)
	path := writeLog(t, recs)

	for _, opts := range [][]BuilderOption{
		{WithClock(fixedClock)},
		{WithClock(fixedClock), WithBatchSize(250), WithQuickFilterThreshold(1)},
	} {
		x, err := NewBuilder(opts...).Build(path)
		require.NoError(t, err)

		data, err := x.MarshalBinary()
		require.NoError(t, err)
		assert.Equal(t, "MSIX", string(data[:4]))

		var got BinaryIndex
		require.NoError(t, got.UnmarshalBinary(data))
		assert.Equal(t, x.Offsets, got.Offsets)
		assert.Equal(t, x.FilePath, got.FilePath)
		assert.Equal(t, x.FileHash, got.FileHash)
		assert.Equal(t, x.FileSize, got.FileSize)
		assert.True(t, x.FileModTime.Equal(got.FileModTime))
		assert.True(t, x.CreatedAt.Equal(got.CreatedAt))
		assert.Equal(t, x.DataEnd, got.DataEnd)
		assert.Equal(t, x.Quick, got.Quick)
	}
}

func TestUnmarshalCorrupted(t *testing.T) {
	x, err := NewBuilder(WithQuickFilterThreshold(1)).Build(writeLog(t, testutil.Scenario()))
	require.NoError(t, err)
	data, err := x.MarshalBinary()
	require.NoError(t, err)

	var got BinaryIndex
	for _, bad := range [][]byte{
		nil,
		data[:len(data)-1],
		append([]byte("XXXX"), data[4:]...),
	} {
		assert.ErrorIs(t, got.UnmarshalBinary(bad), model.ErrCorruptedData)
	}

	flipped := append([]byte(nil), data...)
	flipped[10] ^= 0x01
	assert.ErrorIs(t, got.UnmarshalBinary(flipped), model.ErrCorruptedData)
}

func TestValidateRejectsBadOffsets(t *testing.T) {
	x := &BinaryIndex{Version: Version, FileSize: 100, DataStart: 16, DataEnd: 100, Offsets: []uint64{16, 40, 40}}
	assert.ErrorIs(t, x.Validate(), model.ErrCorruptedData)

	x.Offsets = []uint64{16, 120}
	assert.ErrorIs(t, x.Validate(), model.ErrCorruptedData)

	x.Offsets = []uint64{16, 40}
	x.Quick = &QuickFilter{BatchSize: 1, Batches: make([]BatchRange, 1)}
	assert.ErrorIs(t, x.Validate(), model.ErrCorruptedData)

	x.Quick = nil
	require.NoError(t, x.Validate())

	x.Version = 9
	assert.ErrorIs(t, x.Validate(), model.ErrUnsupportedFeature)
}

func TestFingerprint(t *testing.T) {
	data := record.Encode(testutil.Scenario())
	mod := fixedClock()

	x, err := NewBuilder().BuildBytes("scenario.memscope", data, mod)
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(data, mod), x.FileHash)

	other := record.Encode(testutil.NewRNG(1).Records(4))
	assert.NotEqual(t, x.FileHash, Fingerprint(other, mod))
	assert.NotEqual(t, x.FileHash, Fingerprint(data, mod.Add(time.Second)))
}
