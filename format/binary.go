package format

import (
	"bytes"
	"encoding/binary"

	"github.com/hupe1980/alloclog/model"
	"github.com/hupe1980/alloclog/persistence"
	"github.com/hupe1980/alloclog/record"
)

const customBinaryVersion uint32 = 1

// appendCustomBinary writes
//
//	"MEMBIN" | version u32 | payload length u32 | record stream | crc32
//
// with the checksum covering everything before it.
func appendCustomBinary(b []byte, recs []model.AllocationRecord) []byte {
	start := len(b)
	b = append(b, formatMagic[CustomBinary]...)
	b = binary.LittleEndian.AppendUint32(b, customBinaryVersion)
	lenAt := len(b)
	b = append(b, 0, 0, 0, 0)
	b = record.AppendStream(b, recs)
	binary.LittleEndian.PutUint32(b[lenAt:], uint32(len(b)-lenAt-4))
	return binary.LittleEndian.AppendUint32(b, persistence.Checksum(b[start:]))
}

func decodeCustomBinary(data []byte) ([]model.AllocationRecord, error) {
	const op = "format.custom_binary"
	payload, err := persistence.SplitChecksum(data)
	if err != nil {
		return nil, err
	}
	magic := formatMagic[CustomBinary]
	if len(payload) < len(magic)+8 || !bytes.HasPrefix(payload, magic) {
		return nil, model.Corruptedf(op, "missing header")
	}
	version := binary.LittleEndian.Uint32(payload[len(magic):])
	if version == 0 || version > customBinaryVersion {
		return nil, model.Unsupportedf(op, "version %d", version)
	}
	n := binary.LittleEndian.Uint32(payload[len(magic)+4:])
	stream := payload[len(magic)+8:]
	if uint64(n) != uint64(len(stream)) {
		return nil, model.Corruptedf(op, "payload length %d, header says %d", len(stream), n)
	}
	return record.DecodeStream(stream, model.AllFields)
}

// chunkEntrySize is one chunk table row: index, size, crc32.
const chunkEntrySize = 12

// appendChunked writes
//
//	"CHUNK" | chunk count u32 | table of {index u32, size u32, crc32 u32} | chunks
//
// where the chunks are consecutive slices of the record stream of at most
// chunkSize bytes.
func appendChunked(b []byte, recs []model.AllocationRecord, chunkSize int) []byte {
	stream := record.AppendStream(nil, recs)
	count := (len(stream) + chunkSize - 1) / chunkSize

	b = append(b, formatMagic[Chunked]...)
	b = binary.LittleEndian.AppendUint32(b, uint32(count))
	for i := range count {
		chunk := stream[i*chunkSize : min((i+1)*chunkSize, len(stream))]
		b = binary.LittleEndian.AppendUint32(b, uint32(i))
		b = binary.LittleEndian.AppendUint32(b, uint32(len(chunk)))
		b = binary.LittleEndian.AppendUint32(b, persistence.Checksum(chunk))
	}
	return append(b, stream...)
}

func decodeChunked(data []byte) ([]model.AllocationRecord, error) {
	const op = "format.chunked"
	magic := formatMagic[Chunked]
	if len(data) < len(magic)+4 || !bytes.HasPrefix(data, magic) {
		return nil, model.Corruptedf(op, "missing header")
	}
	count := uint64(binary.LittleEndian.Uint32(data[len(magic):]))
	table := data[len(magic)+4:]
	if count*chunkEntrySize > uint64(len(table)) {
		return nil, model.Corruptedf(op, "chunk table of %d entries exceeds input", count)
	}
	body := table[count*chunkEntrySize:]

	stream := make([]byte, 0, len(body))
	for i := range count {
		row := table[i*chunkEntrySize:]
		idx := binary.LittleEndian.Uint32(row)
		size := uint64(binary.LittleEndian.Uint32(row[4:]))
		sum := binary.LittleEndian.Uint32(row[8:])
		if uint64(idx) != i {
			return nil, model.Corruptedf(op, "chunk %d out of order (index %d)", i, idx)
		}
		if size > uint64(len(body)) {
			return nil, model.Corruptedf(op, "chunk %d of %d bytes exceeds input", i, size)
		}
		chunk := body[:size]
		if err := persistence.VerifyChecksum(chunk, sum); err != nil {
			return nil, err
		}
		stream = append(stream, chunk...)
		body = body[size:]
	}
	if len(body) != 0 {
		return nil, model.Corruptedf(op, "%d bytes after last chunk", len(body))
	}
	return record.DecodeStream(stream, model.AllFields)
}

// appendRaw writes 00 01 | count u32 | record stream | count u32.
func appendRaw(b []byte, recs []model.AllocationRecord) []byte {
	b = append(b, formatMagic[Raw]...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(recs)))
	b = record.AppendStream(b, recs)
	return binary.LittleEndian.AppendUint32(b, uint32(len(recs)))
}

func decodeRaw(data []byte) ([]model.AllocationRecord, error) {
	const op = "format.raw"
	magic := formatMagic[Raw]
	if len(data) < len(magic)+8 || !bytes.HasPrefix(data, magic) {
		return nil, model.Corruptedf(op, "missing header")
	}
	head := binary.LittleEndian.Uint32(data[len(magic):])
	foot := binary.LittleEndian.Uint32(data[len(data)-4:])
	if head != foot {
		return nil, model.Corruptedf(op, "header count %d, footer count %d", head, foot)
	}
	recs, err := record.DecodeStream(data[len(magic)+4:len(data)-4], model.AllFields)
	if err != nil {
		return nil, err
	}
	if uint32(len(recs)) != head {
		return nil, model.Corruptedf(op, "found %d records, header says %d", len(recs), head)
	}
	return recs, nil
}
