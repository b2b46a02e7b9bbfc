package format

import (
	"fmt"

	"github.com/hupe1980/alloclog/model"
)

// Format is one of the closed set of export encodings.
type Format uint8

const (
	// MessagePack is a generic binary map: {"version": 1, "records": [...]}.
	MessagePack Format = iota
	// CustomBinary frames the native record stream with a length and CRC32.
	CustomBinary
	// CompressedMessagePack is a zstd frame around MessagePack.
	CompressedMessagePack
	// Chunked splits the record stream into fixed-size chunks, each with its own CRC32.
	Chunked
	// Raw is the record stream between a count header and a count footer.
	Raw

	numFormats
)

// Formats lists every supported format.
var Formats = [...]Format{MessagePack, CustomBinary, CompressedMessagePack, Chunked, Raw}

var formatNames = [numFormats]string{"messagepack", "custom_binary", "compressed_messagepack", "chunked", "raw"}

var formatMagic = [numFormats][]byte{
	MessagePack:           {0x82, 0xa7},
	CustomBinary:          []byte("MEMBIN"),
	CompressedMessagePack: {0x28, 0xb5, 0x2f, 0xfd},
	Chunked:               []byte("CHUNK"),
	Raw:                   {0x00, 0x01},
}

func (f Format) String() string {
	if f < numFormats {
		return formatNames[f]
	}
	return fmt.Sprintf("format(%d)", uint8(f))
}

// Magic returns the byte prefix every encoding of f starts with.
func (f Format) Magic() []byte {
	if f < numFormats {
		return append([]byte(nil), formatMagic[f]...)
	}
	return nil
}

// Extension returns the conventional file extension.
func (f Format) Extension() string {
	switch f {
	case MessagePack:
		return ".msgpack"
	case CustomBinary:
		return ".membin"
	case CompressedMessagePack:
		return ".msgpack.zst"
	case Chunked:
		return ".chunked"
	default:
		return ".raw"
	}
}

// Valid reports whether f is a known format.
func (f Format) Valid() bool { return f < numFormats }

// ParseFormat resolves a format by name.
func ParseFormat(name string) (Format, error) {
	for i, n := range formatNames {
		if n == name {
			return Format(i), nil
		}
	}
	return 0, model.Unsupportedf("format.parse", "unknown format %q", name)
}
