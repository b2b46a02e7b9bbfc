package record

import (
	"encoding/binary"

	"github.com/hupe1980/alloclog/model"
)

// decoder walks a byte slice. The first failure sticks; later reads return
// zero values so call sites can check err once.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = model.Corruptedf("record.decode", format, args...)
	}
}

func (d *decoder) remaining() int { return len(d.buf) - d.off }

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if n < 0 || d.remaining() < n {
		d.fail("need %d bytes at offset %d, have %d", n, d.off, d.remaining())
		return false
	}
	return true
}

func (d *decoder) u8() byte {
	if !d.need(1) {
		return 0
	}
	b := d.buf[d.off]
	d.off++
	return b
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n, err := Uvarint(d.buf[d.off:])
	if err != nil {
		d.err = err
		return 0
	}
	d.off += n
	return v
}

// count reads an element count and rejects values that cannot fit in the
// remaining input at minSize bytes per element.
func (d *decoder) count(minSize int) int {
	n := d.uvarint()
	if d.err != nil {
		return 0
	}
	if n > uint64(d.remaining()/minSize) {
		d.fail("count %d exceeds remaining %d bytes", n, d.remaining())
		return 0
	}
	return int(n)
}

func (d *decoder) raw(n int) []byte {
	if !d.need(n) {
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

// str copies a length-prefixed string out of the buffer.
func (d *decoder) str() string {
	n := d.count(1)
	return string(d.raw(n))
}

func (d *decoder) skipStr() {
	n := d.count(1)
	d.raw(n)
}

func (d *decoder) present() bool {
	switch d.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		d.fail("invalid presence marker at offset %d", d.off-1)
		return false
	}
}

// section reads an optional length-prefixed block. It returns a decoder
// scoped to the block, or nil when the block is absent. The outer decoder
// is advanced past the block either way.
func (d *decoder) section() *decoder {
	if !d.present() {
		return nil
	}
	n := d.count(1)
	b := d.raw(n)
	if d.err != nil {
		return nil
	}
	return &decoder{buf: b}
}

// end fails if a scoped block was not consumed exactly.
func (d *decoder) end(what string) error {
	if d.err == nil && d.remaining() != 0 {
		d.fail("%s: %d trailing bytes", what, d.remaining())
	}
	return d.err
}

func appendU32(dst []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(dst, v) }

func appendU64(dst []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(dst, v) }

func appendStr(dst []byte, s string) []byte {
	dst = AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func appendBool(dst []byte, b bool) []byte {
	if b {
		return append(dst, 1)
	}
	return append(dst, 0)
}

func appendOptStr(dst []byte, s *string) []byte {
	if s == nil {
		return append(dst, 0)
	}
	return appendStr(append(dst, 1), *s)
}

// appendSection writes a presence marker and, when present, the block
// produced by body prefixed with its length.
func appendSection(dst []byte, present bool, body func([]byte) []byte) []byte {
	if !present {
		return append(dst, 0)
	}
	block := body(nil)
	dst = append(dst, 1)
	dst = AppendUvarint(dst, uint64(len(block)))
	return append(dst, block...)
}
