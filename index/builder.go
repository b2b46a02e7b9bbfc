package index

import (
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hupe1980/alloclog/internal/mmap"
	"github.com/hupe1980/alloclog/model"
	"github.com/hupe1980/alloclog/record"
)

const (
	// DefaultQuickFilterThreshold is the record count from which a quick
	// filter is built.
	DefaultQuickFilterThreshold = 1000
	// DefaultBatchSize is the number of records summarized per batch.
	DefaultBatchSize = 1000

	fingerprintSample = 1024
)

// Builder scans allocation log files and produces a BinaryIndex.
type Builder struct {
	threshold int
	batchSize int
	bloomBits uint64
	bloomK    uint32
	logger    *slog.Logger
	now       func() time.Time
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithQuickFilterThreshold sets the minimum record count for a quick filter.
func WithQuickFilterThreshold(n int) BuilderOption {
	return func(b *Builder) { b.threshold = n }
}

// WithBatchSize sets the number of records per quick-filter batch.
func WithBatchSize(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithBloom sizes the per-batch Bloom filters.
func WithBloom(bits uint64, k uint32) BuilderOption {
	return func(b *Builder) { b.bloomBits, b.bloomK = bits, k }
}

// WithLogger sets the logger for build diagnostics.
func WithLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the clock used for CreatedAt.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		threshold: DefaultQuickFilterThreshold,
		batchSize: DefaultBatchSize,
		bloomBits: DefaultBloomBits,
		bloomK:    DefaultBloomHashes,
		logger:    slog.New(slog.DiscardHandler),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build maps the file at path and indexes it in one sequential pass.
func (b *Builder) Build(path string) (*BinaryIndex, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, model.IOError("index.build", err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, model.IOError("index.build", err)
	}
	m, err := mmap.Open(abs)
	if err != nil {
		return nil, model.IOError("index.build", err)
	}
	defer m.Close()
	_ = m.Advise(mmap.AccessSequential)

	return b.BuildBytes(abs, m.Bytes(), fi.ModTime())
}

// BuildBytes indexes an in-memory copy of the file at path.
func (b *Builder) BuildBytes(path string, data []byte, modTime time.Time) (*BinaryIndex, error) {
	const op = "index.build"
	start := b.now()

	h, err := record.ReadHeader(data)
	if err != nil {
		return nil, err
	}

	count := int(h.Count)
	x := &BinaryIndex{
		Version:     Version,
		FilePath:    path,
		FileHash:    Fingerprint(data, modTime),
		FileSize:    int64(len(data)),
		FileModTime: modTime,
		DataStart:   record.HeaderSize,
		DataEnd:     uint64(len(data)),
		Offsets:     make([]uint64, 0, count),
	}

	var quick *QuickFilter
	if count > 0 && count >= b.threshold {
		quick = &QuickFilter{
			BatchSize: b.batchSize,
			Batches:   make([]BatchRange, 0, (count+b.batchSize-1)/b.batchSize),
		}
	}
	mask := model.Fields(model.FieldTypeName)

	off := record.HeaderSize
	for off < len(data) {
		i := len(x.Offsets)
		if i >= count {
			return nil, model.Corruptedf(op, "trailing data after %d records at offset %d", count, off)
		}
		frame := data[off:]
		var n int
		if quick == nil {
			n, err = record.FrameLen(frame)
		} else {
			var r model.AllocationRecord
			r, n, err = record.DecodeRecord(frame, mask)
			if err == nil {
				if i%quick.BatchSize == 0 {
					quick.Batches = append(quick.Batches, newBatchRange(b.bloomBits, b.bloomK))
				}
				quick.Batches[len(quick.Batches)-1].add(r.Ptr, r.Size, r.TimestampAlloc, r.ThreadID, r.TypeName)
			}
		}
		if err != nil {
			return nil, model.Corruptedf(op, "record %d at offset %d: %v", i, off, err)
		}
		x.Offsets = append(x.Offsets, uint64(off))
		off += n
	}
	if len(x.Offsets) != count {
		return nil, model.Corruptedf(op, "header declares %d records, found %d", count, len(x.Offsets))
	}
	x.Quick = quick
	x.CreatedAt = b.now()

	b.logger.Debug("index built",
		slog.String("path", path),
		slog.Int("records", count),
		slog.Bool("quick_filter", quick != nil),
		slog.Duration("elapsed", x.CreatedAt.Sub(start)))
	return x, nil
}

// Fingerprint hashes the file size, modification time and the first and
// last KiB of data. It is cheap to recompute and changes with any append,
// truncation or header rewrite.
func Fingerprint(data []byte, modTime time.Time) uint64 {
	d := xxhash.New()
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(data)))
	binary.LittleEndian.PutUint64(buf[8:], uint64(modTime.UnixNano()))
	_, _ = d.Write(buf[:])
	_, _ = d.Write(data[:min(len(data), fingerprintSample)])
	_, _ = d.Write(data[max(0, len(data)-fingerprintSample):])
	return d.Sum64()
}
