package index

import (
	"encoding/binary"
	"time"

	"github.com/hupe1980/alloclog/model"
	"github.com/hupe1980/alloclog/persistence"
	"github.com/hupe1980/alloclog/record"
)

// magic identifies a serialized index.
const magic = "MSIX"

// MarshalBinary encodes the index as
//
//	magic | version u32 | path | hash u64 | size u64 | mtime i64 | created i64 |
//	data start | data end | count | offsets (delta varints) | quick filter | crc32
//
// All unsized integers are uvarints.
func (x *BinaryIndex) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 64+len(x.FilePath)+2*len(x.Offsets))
	buf = append(buf, magic...)
	buf = binary.LittleEndian.AppendUint32(buf, x.Version)
	buf = record.AppendUvarint(buf, uint64(len(x.FilePath)))
	buf = append(buf, x.FilePath...)
	buf = binary.LittleEndian.AppendUint64(buf, x.FileHash)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(x.FileSize))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(x.FileModTime.UnixNano()))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(x.CreatedAt.UnixNano()))
	buf = record.AppendUvarint(buf, x.DataStart)
	buf = record.AppendUvarint(buf, x.DataEnd)
	buf = record.AppendUvarint(buf, uint64(len(x.Offsets)))
	buf = record.AppendDeltas(buf, x.Offsets)

	if q := x.Quick; q == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = record.AppendUvarint(buf, uint64(q.BatchSize))
		buf = record.AppendUvarint(buf, uint64(len(q.Batches)))
		for i := range q.Batches {
			buf = appendBatch(buf, &q.Batches[i])
		}
	}
	return persistence.AppendChecksum(buf), nil
}

func appendBatch(dst []byte, b *BatchRange) []byte {
	for _, v := range [...]uint64{b.MinPtr, b.MaxPtr, b.MinSize, b.MaxSize, b.MinTimestamp, b.MaxTimestamp} {
		dst = record.AppendUvarint(dst, v)
	}
	dst = appendBloom(dst, b.Threads)
	return appendBloom(dst, b.Types)
}

func appendBloom(dst []byte, b *Bloom) []byte {
	dst = record.AppendUvarint(dst, b.numBits)
	dst = append(dst, byte(b.k))
	dst = record.AppendUvarint(dst, uint64(b.count))
	for _, w := range b.bits {
		dst = binary.LittleEndian.AppendUint64(dst, w)
	}
	return dst
}

// UnmarshalBinary decodes an index written by MarshalBinary and validates it.
func (x *BinaryIndex) UnmarshalBinary(data []byte) error {
	payload, err := persistence.SplitChecksum(data)
	if err != nil {
		return err
	}
	c := &cursor{buf: payload}
	if string(c.raw(len(magic))) != magic {
		return model.Corruptedf("index.decode", "bad magic")
	}

	var out BinaryIndex
	out.Version = c.u32()
	if c.err == nil && (out.Version == 0 || out.Version > Version) {
		return model.Unsupportedf("index.decode", "index version %d", out.Version)
	}
	out.FilePath = string(c.raw(c.length(1)))
	out.FileHash = c.u64()
	out.FileSize = int64(c.u64())
	out.FileModTime = time.Unix(0, int64(c.u64()))
	out.CreatedAt = time.Unix(0, int64(c.u64()))
	out.DataStart = c.uvarint()
	out.DataEnd = c.uvarint()
	n := c.length(1)
	if c.err == nil {
		var used int
		out.Offsets, used, c.err = record.Deltas(c.buf[c.off:], n)
		c.off += used
	}

	switch c.u8() {
	case 0:
	case 1:
		q := &QuickFilter{BatchSize: int(c.uvarint())}
		nb := c.length(8)
		q.Batches = make([]BatchRange, nb)
		for i := range q.Batches {
			c.batch(&q.Batches[i])
		}
		out.Quick = q
	default:
		c.fail("quick filter marker")
	}
	if c.err == nil && c.off != len(c.buf) {
		c.fail("trailing bytes")
	}
	if c.err != nil {
		return c.err
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*x = out
	return nil
}

// cursor is a sticky-error reader over a serialized index.
type cursor struct {
	buf []byte
	off int
	err error
}

func (c *cursor) fail(what string) {
	if c.err == nil {
		c.err = model.Corruptedf("index.decode", "%s at offset %d", what, c.off)
	}
}

func (c *cursor) raw(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || n > len(c.buf)-c.off {
		c.fail("truncated")
		return nil
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b
}

func (c *cursor) u8() byte {
	if b := c.raw(1); b != nil {
		return b[0]
	}
	return 0
}

func (c *cursor) u32() uint32 {
	if b := c.raw(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (c *cursor) u64() uint64 {
	if b := c.raw(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (c *cursor) uvarint() uint64 {
	if c.err != nil {
		return 0
	}
	v, n, err := record.Uvarint(c.buf[c.off:])
	if err != nil {
		c.err = err
		return 0
	}
	c.off += n
	return v
}

// length reads a count whose elements occupy at least minSize bytes each,
// rejecting counts the remaining input cannot hold.
func (c *cursor) length(minSize int) int {
	v := c.uvarint()
	if c.err == nil && v > uint64(len(c.buf)-c.off)/uint64(minSize) {
		c.fail("length out of range")
		return 0
	}
	return int(v)
}

func (c *cursor) batch(b *BatchRange) {
	b.MinPtr, b.MaxPtr = c.uvarint(), c.uvarint()
	b.MinSize, b.MaxSize = c.uvarint(), c.uvarint()
	b.MinTimestamp, b.MaxTimestamp = c.uvarint(), c.uvarint()
	b.Threads = c.bloom()
	b.Types = c.bloom()
}

func (c *cursor) bloom() *Bloom {
	numBits := c.uvarint()
	k := uint32(c.u8())
	count := uint32(c.uvarint())
	if c.err != nil {
		return nil
	}
	if numBits == 0 || numBits%64 != 0 || k == 0 || k > 16 || numBits/8 > uint64(len(c.buf)-c.off) {
		c.fail("bloom filter header")
		return nil
	}
	b := &Bloom{bits: make([]uint64, numBits/64), numBits: numBits, k: k, count: count}
	for i := range b.bits {
		b.bits[i] = c.u64()
	}
	return b
}
