package record

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/alloclog/model"
	"github.com/hupe1980/alloclog/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUvarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 255, 300, 1 << 32, math.MaxUint64 - 1, math.MaxUint64}
	rng := testutil.NewRNG(7)
	for range 1000 {
		values = append(values, rng.Uint64()>>uint(rng.Intn(64)))
	}

	for _, v := range values {
		buf := AppendUvarint(nil, v)
		assert.LessOrEqual(t, len(buf), MaxVarintLen)
		got, n, err := Uvarint(buf)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, len(buf), n)
	}

	assert.Len(t, AppendUvarint(nil, 0), 1)
	assert.Len(t, AppendUvarint(nil, math.MaxUint64), 10)
}

func TestUvarintCorrupted(t *testing.T) {
	_, _, err := Uvarint(nil)
	assert.ErrorIs(t, err, model.ErrCorruptedData)

	_, _, err = Uvarint([]byte{0x80, 0x80})
	assert.ErrorIs(t, err, model.ErrCorruptedData, "truncated chain")

	overlong := bytes.Repeat([]byte{0xff}, 11)
	_, _, err = Uvarint(overlong)
	assert.ErrorIs(t, err, model.ErrCorruptedData, "chain longer than 10 bytes")

	overflow := append(bytes.Repeat([]byte{0xff}, 9), 0x02)
	_, _, err = Uvarint(overflow)
	assert.ErrorIs(t, err, model.ErrCorruptedData, "10th byte overflows 64 bits")
}

func TestDeltasRoundTrip(t *testing.T) {
	tests := map[string][]uint64{
		"empty":       nil,
		"increasing":  {10, 11, 15, 1000, 1001},
		"decreasing":  {math.MaxUint64, 5, 0},
		"extremes":    {0, math.MaxUint64, 0, math.MaxUint64},
		"single zero": {0},
	}
	for name, values := range tests {
		t.Run(name, func(t *testing.T) {
			buf := AppendDeltas(nil, values)
			got, n, err := Deltas(buf, len(values))
			require.NoError(t, err)
			assert.Equal(t, len(buf), n)
			if len(values) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, values, got)
		})
	}
}

func TestDeltasCompactForLocalSeries(t *testing.T) {
	values := make([]uint64, 100)
	for i := range values {
		values[i] = 1_700_000_000_000 + uint64(i)*3
	}
	buf := AppendDeltas(nil, values)
	// One absolute value, then 99 single-byte deltas.
	assert.Less(t, len(buf), 8+100)
}

func TestEventRoundTrip(t *testing.T) {
	lifecycle := []model.LifecycleEvent{
		{Timestamp: math.MaxUint64, Kind: model.EventCreation, ThreadID: "main", Size: 16},
		{Timestamp: 0, Kind: model.EventDeallocation, ThreadID: "ThreadId(2)"},
	}
	buf := AppendLifecycleEvents(nil, lifecycle)
	gotL, n, err := DecodeLifecycleEvents(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, lifecycle, gotL)

	access := []model.AccessEvent{
		{Timestamp: 5, Address: 0x7fff_0000_0000, Size: 8, Kind: model.AccessWrite},
		{Timestamp: 6, Address: 0x1000, Size: 4, Kind: model.AccessRead},
		{Timestamp: 6, Address: math.MaxUint64, Size: 1, Kind: model.AccessFlush},
	}
	buf = AppendAccessEvents(nil, access)
	gotA, _, err := DecodeAccessEvents(buf)
	require.NoError(t, err)
	assert.Equal(t, access, gotA)

	_, _, err = DecodeAccessEvents(buf[:len(buf)-1])
	assert.ErrorIs(t, err, model.ErrCorruptedData)
}

func TestRecordRoundTrip(t *testing.T) {
	recs := testutil.NewRNG(42).Records(64)
	for i := range recs {
		buf := AppendRecord(nil, &recs[i])
		got, n, err := DecodeRecord(buf, model.AllFields)
		require.NoError(t, err)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, recs[i], got)

		ptr, size, ts, err := PeekCore(buf)
		require.NoError(t, err)
		assert.Equal(t, recs[i].Ptr, ptr)
		assert.Equal(t, recs[i].Size, size)
		assert.Equal(t, recs[i].TimestampAlloc, ts)
	}
}

func TestRecordByteLayout(t *testing.T) {
	lifetime := uint64(300)
	r := model.AllocationRecord{
		Ptr:            1,
		Size:           2,
		TimestampAlloc: 3,
		ThreadID:       "t",
		BorrowCount:    7,
		LifetimeMs:     &lifetime,
		StackTrace:     []string{},
	}

	var want []byte
	want = append(want, KindAllocation, 0, 0, 0, 0)
	want = append(want, 1, 0, 0, 0, 0, 0, 0, 0)
	want = append(want, 2, 0, 0, 0, 0, 0, 0, 0)
	want = append(want, 3, 0, 0, 0, 0, 0, 0, 0)
	want = append(want, 1, 't')
	want = append(want, 0, 0, 0, 0)    // ts_dealloc, var, type, scope
	want = append(want, 7, 0, 0, 0)    // borrow_count
	want = append(want, 0)             // is_leaked
	want = append(want, 1, 0xac, 0x02) // lifetime_ms
	want = append(want, 0)             // ownership history
	want = append(want, 1, 1, 0)       // empty stack trace section
	want = append(want, make([]byte, 8)...)
	want[1] = byte(len(want) - FrameHeaderSize)

	assert.Equal(t, want, AppendRecord(nil, &r))

	got, n, err := DecodeRecord(want, model.AllFields)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)
	assert.Equal(t, r, got)
}

func TestDecodeRecordMask(t *testing.T) {
	rec := testutil.NewRNG(1).Record(0)
	rec.VarName = model.Ptr("x")
	rec.TypeName = model.Ptr("Vec<u8>")
	buf := AppendRecord(nil, &rec)

	got, _, err := DecodeRecord(buf, model.Fields(model.FieldTypeName, model.FieldAccess))
	require.NoError(t, err)

	want := rec
	want.Project(model.Fields(model.FieldTypeName, model.FieldAccess))
	assert.Equal(t, want, got)
	assert.Nil(t, got.VarName)
	assert.Equal(t, rec.Access, got.Access)
	assert.Equal(t, rec.ThreadID, got.ThreadID)
}

func TestDecodeRecordCorrupted(t *testing.T) {
	rec := testutil.NewRNG(3).Record(0)
	buf := AppendRecord(nil, &rec)

	_, _, err := DecodeRecord(buf[:len(buf)-1], model.AllFields)
	assert.ErrorIs(t, err, model.ErrCorruptedData)

	bad := append([]byte(nil), buf...)
	bad[0] = 0x7f
	_, _, err = DecodeRecord(bad, model.AllFields)
	assert.ErrorIs(t, err, model.ErrCorruptedData)

	// Presence markers other than 0 and 1 are rejected.
	bad = append([]byte(nil), buf...)
	threadLen := int(bad[FrameHeaderSize+coreSize])
	bad[FrameHeaderSize+coreSize+1+threadLen] = 7
	_, _, err = DecodeRecord(bad, model.AllFields)
	assert.ErrorIs(t, err, model.ErrCorruptedData)
}

func TestFileWriterAndDecodeAll(t *testing.T) {
	recs := testutil.NewRNG(9).Records(100)
	path := filepath.Join(t.TempDir(), "alloc.bin")

	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := NewWriter(f)
	require.NoError(t, err)
	for i := range recs {
		require.NoError(t, w.Write(&recs[i]))
	}
	assert.Equal(t, 100, w.Count())
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	h, err := ReadHeader(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), h.Count)
	assert.Equal(t, Version, h.Version)

	got, err := DecodeAll(data, model.AllFields)
	require.NoError(t, err)
	assert.Equal(t, recs, got)

	assert.Equal(t, Encode(recs), data)
}

func TestWriteFileAndCountMismatch(t *testing.T) {
	recs := testutil.Scenario()
	path := filepath.Join(t.TempDir(), "scenario.bin")
	require.NoError(t, WriteFile(path, recs))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	got, err := DecodeAll(data, model.BasicFields)
	require.NoError(t, err)
	assert.Equal(t, recs, got)

	data[countOffset] = 5
	_, err = DecodeAll(data, model.BasicFields)
	assert.ErrorIs(t, err, model.ErrCorruptedData)

	_, err = ReadHeader([]byte("NOTAFILE00000000"))
	assert.ErrorIs(t, err, model.ErrCorruptedData)
}
