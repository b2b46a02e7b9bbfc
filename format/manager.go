package format

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/hupe1980/alloclog/internal/compress"
	"github.com/hupe1980/alloclog/model"
	"github.com/klauspost/compress/zstd"
)

// Confidence levels reported by Detect.
const (
	ConfidenceMagic     = 1.0
	ConfidenceStructure = 0.6
	ConfidenceGzip      = 0.5
	ConfidenceFallback  = 0.1
)

// DefaultChunkSize is the chunk size of the Chunked format.
const DefaultChunkSize = 256 * 1024

// Config configures a Manager.
type Config struct {
	// ChunkSize bounds each chunk of the Chunked format.
	ChunkSize int

	// CompressionLevel is the zstd level of CompressedMessagePack.
	CompressionLevel zstd.EncoderLevel
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{ChunkSize: DefaultChunkSize, CompressionLevel: zstd.SpeedDefault}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return model.Invalid("format.chunk_size", "must be positive, got %d", c.ChunkSize)
	}
	if c.CompressionLevel < zstd.SpeedFastest || c.CompressionLevel > zstd.SpeedBestCompression {
		return model.Invalid("format.compression_level", "unknown zstd level %d", c.CompressionLevel)
	}
	return nil
}

// Detection is the result of Detect.
type Detection struct {
	Format     Format
	Confidence float64
	// Version is the format version found in the header, or 0 if the format
	// has none or it was not recognized.
	Version uint32
	// Gzip is set when the data is gzip-compressed, which Decode rejects.
	Gzip bool
}

// Manager encodes, decodes and converts between export formats.
// It is safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a Manager.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{cfg: cfg, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Encode returns recs encoded as f.
func (m *Manager) Encode(f Format, recs []model.AllocationRecord) ([]byte, error) {
	var out []byte
	switch f {
	case MessagePack:
		out = appendMessagePack(nil, recs)
	case CustomBinary:
		out = appendCustomBinary(nil, recs)
	case CompressedMessagePack:
		out = compress.EncodeZstd(nil, appendMessagePack(nil, recs), m.cfg.CompressionLevel)
	case Chunked:
		out = appendChunked(nil, recs, m.cfg.ChunkSize)
	case Raw:
		out = appendRaw(nil, recs)
	default:
		return nil, model.Unsupportedf("format.encode", "format %s", f)
	}
	m.logger.Debug("encoded records",
		slog.String("format", f.String()),
		slog.Int("records", len(recs)),
		slog.String("size", humanize.IBytes(uint64(len(out)))))
	return out, nil
}

// Write encodes recs as f and writes them to w.
func (m *Manager) Write(w io.Writer, f Format, recs []model.AllocationRecord) (int64, error) {
	data, err := m.Encode(f, recs)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	if err != nil {
		return int64(n), model.IOError("format.write", err)
	}
	return int64(n), nil
}

// Decode detects the format of data and decodes every record.
func (m *Manager) Decode(data []byte) (Format, []model.AllocationRecord, error) {
	d := m.Detect(data)
	if d.Gzip {
		return d.Format, nil, model.Unsupportedf("format.decode", "gzip-compressed input")
	}
	if d.Confidence < ConfidenceStructure {
		return d.Format, nil, model.Unsupportedf("format.decode", "unrecognized input")
	}
	recs, err := m.DecodeAs(d.Format, data)
	return d.Format, recs, err
}

// DecodeAs decodes data as f without detection.
func (m *Manager) DecodeAs(f Format, data []byte) ([]model.AllocationRecord, error) {
	switch f {
	case MessagePack:
		return decodeMessagePack(data)
	case CustomBinary:
		return decodeCustomBinary(data)
	case CompressedMessagePack:
		raw, err := compress.DecodeZstd(nil, data)
		if err != nil {
			return nil, err
		}
		return decodeMessagePack(raw)
	case Chunked:
		return decodeChunked(data)
	case Raw:
		return decodeRaw(data)
	default:
		return nil, model.Unsupportedf("format.decode", "format %s", f)
	}
}

// Detect identifies the format of data. Exact magic prefixes win with
// ConfidenceMagic. Otherwise a MessagePack map prefix yields
// ConfidenceStructure and gzip yields ConfidenceGzip. Anything else is
// reported as Raw with ConfidenceFallback.
func (m *Manager) Detect(data []byte) Detection {
	// Longest magic first so no prefix shadows another.
	for _, f := range [...]Format{CustomBinary, Chunked, CompressedMessagePack, MessagePack, Raw} {
		if bytes.HasPrefix(data, formatMagic[f]) {
			d := Detection{Format: f, Confidence: ConfidenceMagic}
			switch f {
			case CustomBinary:
				if len(data) >= 10 {
					d.Version = binary.LittleEndian.Uint32(data[6:])
				}
			case MessagePack, CompressedMessagePack:
				d.Version = msgpackVersion
			}
			return d
		}
	}
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		return Detection{Format: CompressedMessagePack, Confidence: ConfidenceGzip, Gzip: true}
	}
	if len(data) > 0 && (data[0]&0xf0 == 0x80 || data[0] == 0xde || data[0] == 0xdf) {
		return Detection{Format: MessagePack, Confidence: ConfidenceStructure}
	}
	return Detection{Format: Raw, Confidence: ConfidenceFallback}
}

// CanConvert reports whether data in from can be re-encoded as to without
// loss. Every format carries complete records, so all known pairs convert.
func (m *Manager) CanConvert(from, to Format) bool {
	return from.Valid() && to.Valid()
}

// Convert decodes data in whatever format it is and re-encodes it as to.
func (m *Manager) Convert(data []byte, to Format) ([]byte, error) {
	if !to.Valid() {
		return nil, model.Unsupportedf("format.convert", "format %s", to)
	}
	from, recs, err := m.Decode(data)
	if err != nil {
		return nil, err
	}
	if !m.CanConvert(from, to) {
		return nil, model.Unsupportedf("format.convert", "%s to %s", from, to)
	}
	if from == to {
		return bytes.Clone(data), nil
	}
	return m.Encode(to, recs)
}
