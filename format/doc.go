// Package format converts allocation records between export encodings.
//
// The set of formats is closed. Every encoding starts with a fixed magic
// prefix, which Detect uses to identify input:
//
//	MessagePack            82 a7
//	CustomBinary           "MEMBIN"
//	CompressedMessagePack  28 b5 2f fd
//	Chunked                "CHUNK"
//	Raw                    00 01
//
// Binary formats protect their payload with CRC32 checksums; a mismatch is
// reported as model.ErrCorruptedData.
package format
