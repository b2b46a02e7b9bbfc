package record

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"

	"github.com/hupe1980/alloclog/model"
	"github.com/hupe1980/alloclog/persistence"
)

const (
	// Magic identifies an allocation log file.
	Magic = "MEMSCOPE"

	// Version is the current file format version.
	Version uint16 = 1

	// HeaderSize is the size of the fixed file header.
	HeaderSize = 16

	countOffset = 12
)

// Header is the fixed prefix of an allocation log file:
// [magic 8][version u16][flags u16][record count u32].
type Header struct {
	Version uint16
	Flags   uint16
	Count   uint32
}

// AppendHeader appends the encoded header to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = append(dst, Magic...)
	dst = binary.LittleEndian.AppendUint16(dst, h.Version)
	dst = binary.LittleEndian.AppendUint16(dst, h.Flags)
	return binary.LittleEndian.AppendUint32(dst, h.Count)
}

// ReadHeader parses the header at the front of data.
func ReadHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, model.Corruptedf("record.header", "file of %d bytes is shorter than header", len(data))
	}
	if !bytes.Equal(data[:len(Magic)], []byte(Magic)) {
		return Header{}, model.Corruptedf("record.header", "bad magic %q", data[:len(Magic)])
	}
	h := Header{
		Version: binary.LittleEndian.Uint16(data[8:]),
		Flags:   binary.LittleEndian.Uint16(data[10:]),
		Count:   binary.LittleEndian.Uint32(data[countOffset:]),
	}
	if h.Version == 0 || h.Version > Version {
		return Header{}, model.Unsupportedf("record.header", "file version %d", h.Version)
	}
	return h, nil
}

// Writer streams records into an allocation log file and patches the
// record count into the header on Close.
type Writer struct {
	ws     io.WriteSeeker
	bw     *bufio.Writer
	buf    []byte
	count  uint32
	closed bool
}

// NewWriter writes a provisional header to ws and returns a Writer.
func NewWriter(ws io.WriteSeeker) (*Writer, error) {
	w := &Writer{ws: ws, bw: bufio.NewWriterSize(ws, 256*1024)}
	if _, err := w.bw.Write(AppendHeader(nil, Header{Version: Version})); err != nil {
		return nil, model.IOError("record.write_header", err)
	}
	return w, nil
}

// Write appends one record.
func (w *Writer) Write(r *model.AllocationRecord) error {
	if w.closed {
		return errors.New("record: write on closed writer")
	}
	if w.count == math.MaxUint32 {
		return model.Invalid("record_count", "file holds at most %d records", uint32(math.MaxUint32))
	}
	w.buf = AppendRecord(w.buf[:0], r)
	if _, err := w.bw.Write(w.buf); err != nil {
		return model.IOError("record.write", err)
	}
	w.count++
	return nil
}

// Count returns the number of records written so far.
func (w *Writer) Count() int { return int(w.count) }

// Close flushes buffered records and writes the final count. It does not
// close the underlying WriteSeeker.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.bw.Flush(); err != nil {
		return model.IOError("record.flush", err)
	}
	end, err := w.ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return model.IOError("record.seek", err)
	}
	if _, err := w.ws.Seek(countOffset, io.SeekStart); err != nil {
		return model.IOError("record.seek", err)
	}
	var cnt [4]byte
	binary.LittleEndian.PutUint32(cnt[:], w.count)
	if _, err := w.ws.Write(cnt[:]); err != nil {
		return model.IOError("record.write_count", err)
	}
	if _, err := w.ws.Seek(end, io.SeekStart); err != nil {
		return model.IOError("record.seek", err)
	}
	return nil
}

// Encode returns a complete allocation log holding recs.
func Encode(recs []model.AllocationRecord) []byte {
	buf := AppendHeader(nil, Header{Version: Version, Count: uint32(len(recs))})
	for i := range recs {
		buf = AppendRecord(buf, &recs[i])
	}
	return buf
}

// WriteFile atomically writes recs to path as an allocation log.
func WriteFile(path string, recs []model.AllocationRecord) error {
	err := persistence.SaveToFile(path, func(w io.Writer) error {
		var buf []byte
		if _, err := w.Write(AppendHeader(nil, Header{Version: Version, Count: uint32(len(recs))})); err != nil {
			return err
		}
		for i := range recs {
			buf = AppendRecord(buf[:0], &recs[i])
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
		return nil
	})
	return model.IOError("record.write_file", err)
}

// DecodeAll decodes every record of an allocation log, materializing the
// fields in mask. The header count must match the records found.
func DecodeAll(data []byte, mask model.FieldSet) ([]model.AllocationRecord, error) {
	h, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}
	recs, err := DecodeStream(data[HeaderSize:], mask)
	if err != nil {
		return nil, err
	}
	if uint32(len(recs)) != h.Count {
		return nil, model.Corruptedf("record.decode_all", "header declares %d records, found %d", h.Count, len(recs))
	}
	return recs, nil
}

// DecodeStream decodes back-to-back framed records until data is exhausted.
func DecodeStream(data []byte, mask model.FieldSet) ([]model.AllocationRecord, error) {
	var recs []model.AllocationRecord
	for off := 0; off < len(data); {
		r, n, err := DecodeRecord(data[off:], mask)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
		off += n
	}
	return recs, nil
}

// AppendStream appends recs as back-to-back framed records.
func AppendStream(dst []byte, recs []model.AllocationRecord) []byte {
	for i := range recs {
		dst = AppendRecord(dst, &recs[i])
	}
	return dst
}
