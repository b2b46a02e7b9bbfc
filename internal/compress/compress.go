// Package compress provides the block codecs used for cached indexes and
// compressed export formats.
package compress

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hupe1980/alloclog/model"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec selects a compression algorithm.
type Codec uint8

const (
	// None stores data verbatim.
	None Codec = iota
	// LZ4 is fast block compression, the default for cached indexes.
	LZ4
	// Zstd trades speed for a better ratio.
	Zstd
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec resolves a codec by name.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none", "":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, model.Invalid("compression", "unknown codec %q", name)
	}
}

// MaxBlockSize bounds the decompressed size accepted by Decompress.
const MaxBlockSize = 1 << 31

// blockHeaderSize covers [codec u8][uncompressed size u32].
const blockHeaderSize = 5

var encoderPools [zstd.SpeedBestCompression + 1]sync.Pool

var decoderPool sync.Pool

func getEncoder(level zstd.EncoderLevel) *zstd.Encoder {
	if v := encoderPools[level].Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	return enc
}

func putEncoder(level zstd.EncoderLevel, enc *zstd.Encoder) {
	encoderPools[level].Put(enc)
}

func getDecoder() *zstd.Decoder {
	if v := decoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(MaxBlockSize))
	return dec
}

func putDecoder(dec *zstd.Decoder) {
	decoderPool.Put(dec)
}

// Compress encodes data as a self-describing block:
// [codec u8][uncompressed size u32][payload]. Incompressible input is
// stored with codec None.
func Compress(c Codec, data []byte) ([]byte, error) {
	if len(data) >= MaxBlockSize {
		return nil, model.CompressionError("compress", fmt.Errorf("block of %d bytes exceeds limit", len(data)))
	}

	var payload []byte
	switch c {
	case None:
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, model.CompressionError("compress.lz4", err)
		}
		payload = buf[:n]
	case Zstd:
		payload = EncodeZstd(nil, data, zstd.SpeedDefault)
	default:
		return nil, model.Unsupportedf("compress", "codec %s", c)
	}

	// No gain: store verbatim.
	if len(payload) == 0 || len(payload) >= len(data) {
		c, payload = None, data
	}

	out := make([]byte, blockHeaderSize, blockHeaderSize+len(payload))
	out[0] = byte(c)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
	return append(out, payload...), nil
}

// Decompress reverses Compress.
func Decompress(block []byte) ([]byte, error) {
	if len(block) < blockHeaderSize {
		return nil, model.Corruptedf("decompress", "block of %d bytes has no header", len(block))
	}
	c := Codec(block[0])
	size := int(binary.LittleEndian.Uint32(block[1:]))
	payload := block[blockHeaderSize:]

	switch c {
	case None:
		if len(payload) != size {
			return nil, model.Corruptedf("decompress", "stored block is %d bytes, header says %d", len(payload), size)
		}
		return payload, nil
	case LZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, model.CompressionError("decompress.lz4", err)
		}
		if n != size {
			return nil, model.Corruptedf("decompress.lz4", "decoded %d bytes, header says %d", n, size)
		}
		return out, nil
	case Zstd:
		out, err := DecodeZstd(make([]byte, 0, size), payload)
		if err != nil {
			return nil, err
		}
		if len(out) != size {
			return nil, model.Corruptedf("decompress.zstd", "decoded %d bytes, header says %d", len(out), size)
		}
		return out, nil
	default:
		return nil, model.Corruptedf("decompress", "unknown codec %d", uint8(c))
	}
}

// EncodeZstd appends a complete zstd frame of src to dst.
func EncodeZstd(dst, src []byte, level zstd.EncoderLevel) []byte {
	if level < zstd.SpeedFastest || level > zstd.SpeedBestCompression {
		level = zstd.SpeedDefault
	}
	enc := getEncoder(level)
	defer putEncoder(level, enc)
	return enc.EncodeAll(src, dst)
}

// DecodeZstd appends the decoded content of the zstd frames in src to dst.
func DecodeZstd(dst, src []byte) ([]byte, error) {
	dec := getDecoder()
	defer putDecoder(dec)
	out, err := dec.DecodeAll(src, dst)
	if err != nil {
		return nil, model.CompressionError("decompress.zstd", err)
	}
	return out, nil
}
