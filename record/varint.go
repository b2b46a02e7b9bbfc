package record

import (
	"encoding/binary"

	"github.com/hupe1980/alloclog/model"
)

// MaxVarintLen is the longest encoding of a uint64.
const MaxVarintLen = binary.MaxVarintLen64

// AppendUvarint appends v as a little-endian base-128 varint.
func AppendUvarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// Uvarint decodes a varint from the front of buf and returns it with the
// number of bytes consumed. Truncated input and chains longer than
// MaxVarintLen bytes are corrupted data.
func Uvarint(buf []byte) (uint64, int, error) {
	v, n := binary.Uvarint(buf)
	switch {
	case n > 0:
		return v, n, nil
	case n == 0:
		return 0, 0, model.Corruptedf("record.varint", "truncated varint")
	default:
		return 0, 0, model.Corruptedf("record.varint", "varint exceeds %d bytes", MaxVarintLen)
	}
}

// AppendDeltas appends values as a delta chain: the first value relative to
// zero, every following value relative to its predecessor. Differences wrap,
// so decreasing sequences round-trip too.
func AppendDeltas(dst []byte, values []uint64) []byte {
	var prev uint64
	for _, v := range values {
		dst = AppendUvarint(dst, v-prev)
		prev = v
	}
	return dst
}

// Deltas decodes n delta-encoded values from buf.
func Deltas(buf []byte, n int) ([]uint64, int, error) {
	if n > len(buf) {
		return nil, 0, model.Corruptedf("record.deltas", "count %d exceeds %d available bytes", n, len(buf))
	}
	out := make([]uint64, n)
	var prev uint64
	off := 0
	for i := range out {
		d, m, err := Uvarint(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		off += m
		prev += d
		out[i] = prev
	}
	return out, off, nil
}
