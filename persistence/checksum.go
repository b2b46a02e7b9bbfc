package persistence

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/hupe1980/alloclog/model"
)

// ChecksumSize is the length of a CRC32 trailer.
const ChecksumSize = 4

// Checksum returns the CRC32 (IEEE) of data.
//
// CRC32 detects accidental corruption only; it offers no tamper resistance.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// AppendChecksum appends the CRC32 of dst as a little-endian trailer.
func AppendChecksum(dst []byte) []byte {
	return binary.LittleEndian.AppendUint32(dst, Checksum(dst))
}

// SplitChecksum verifies a trailer written by AppendChecksum and returns the
// covered payload.
func SplitChecksum(data []byte) ([]byte, error) {
	if len(data) < ChecksumSize {
		return nil, model.Corruptedf("persistence.checksum", "%d bytes cannot hold a checksum", len(data))
	}
	payload := data[:len(data)-ChecksumSize]
	expected := binary.LittleEndian.Uint32(data[len(payload):])
	if actual := Checksum(payload); actual != expected {
		return nil, &ChecksumMismatchError{Expected: expected, Actual: actual}
	}
	return payload, nil
}

// ChecksumWriter wraps an io.Writer and computes a running CRC32.
type ChecksumWriter struct {
	w    io.Writer
	hash hash.Hash32
	n    int64
}

// NewChecksumWriter creates a new checksumming writer.
func NewChecksumWriter(w io.Writer) *ChecksumWriter {
	return &ChecksumWriter{w: w, hash: crc32.NewIEEE()}
}

// Write implements io.Writer.
func (cw *ChecksumWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.hash.Write(p[:n])
	cw.n += int64(n)
	return n, err
}

// Sum returns the checksum of everything written so far.
func (cw *ChecksumWriter) Sum() uint32 { return cw.hash.Sum32() }

// Written returns the number of bytes written so far.
func (cw *ChecksumWriter) Written() int64 { return cw.n }

// WriteTrailer writes the running checksum to the underlying writer.
func (cw *ChecksumWriter) WriteTrailer() error {
	var b [ChecksumSize]byte
	binary.LittleEndian.PutUint32(b[:], cw.Sum())
	_, err := cw.w.Write(b[:])
	return err
}

// ChecksumMismatchError is returned when checksum verification fails.
type ChecksumMismatchError struct {
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected 0x%08x, got 0x%08x", e.Expected, e.Actual)
}

func (e *ChecksumMismatchError) Unwrap() error { return model.ErrCorruptedData }

// VerifyChecksum compares the CRC32 of data with expected.
func VerifyChecksum(data []byte, expected uint32) error {
	if actual := Checksum(data); actual != expected {
		return &ChecksumMismatchError{Expected: expected, Actual: actual}
	}
	return nil
}
