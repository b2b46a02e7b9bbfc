package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/hupe1980/alloclog/codec"
	"github.com/hupe1980/alloclog/index"
	"github.com/hupe1980/alloclog/internal/compress"
	"github.com/hupe1980/alloclog/internal/resource"
	"github.com/hupe1980/alloclog/model"
	"github.com/hupe1980/alloclog/persistence"
)

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("cache: closed")

const metadataVersion = 1

// indexExt is the extension of serialized index files.
const indexExt = ".idx"

// Config configures an IndexCache.
type Config struct {
	// Dir holds the metadata table and one index file per entry.
	Dir string

	// MaxEntries caps the number of cached indexes. Defaults to 100.
	MaxEntries int

	// MaxAge expires entries older than this. Defaults to 7 days.
	MaxAge time.Duration

	// Compression applied to index files. Defaults to LZ4.
	Compression compress.Codec

	// MetadataFile is the name of the entry table inside Dir.
	MetadataFile string
}

// DefaultConfig returns the default configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:          dir,
		MaxEntries:   100,
		MaxAge:       7 * 24 * time.Hour,
		Compression:  compress.LZ4,
		MetadataFile: "cache_metadata.json",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Dir == "":
		return model.Invalid("cache.dir", "must not be empty")
	case c.MaxEntries < 1:
		return model.Invalid("cache.max_entries", "must be at least 1, got %d", c.MaxEntries)
	case c.MaxAge <= 0:
		return model.Invalid("cache.max_age", "must be positive, got %s", c.MaxAge)
	case c.Compression > compress.Zstd:
		return model.Invalid("cache.compression", "unknown codec %s", c.Compression)
	case c.MetadataFile == "" || strings.ContainsRune(c.MetadataFile, filepath.Separator):
		return model.Invalid("cache.metadata_file", "must be a plain file name, got %q", c.MetadataFile)
	}
	return nil
}

// Option configures optional collaborators.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
	ctrl   *resource.Controller
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the clock used for access times and expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithController accounts index loads against a resource controller.
func WithController(c *resource.Controller) Option {
	return func(o *options) { o.ctrl = c }
}

// BuildFunc builds the index for the file at path on a cache miss.
type BuildFunc func(path string) (*index.BinaryIndex, error)

// Entry describes one cached index.
type Entry struct {
	Key           string        `json:"key"`
	SourcePath    string        `json:"source_path"`
	IndexFile     string        `json:"index_file"`
	FileSize      int64         `json:"file_size"`
	FileModTime   time.Time     `json:"file_mod_time"`
	RecordCount   int           `json:"record_count"`
	Compression   string        `json:"compression"`
	StoredBytes   int64         `json:"stored_bytes"`
	BuildDuration time.Duration `json:"build_duration_ns"`
	CreatedAt     time.Time     `json:"created_at"`
	LastAccessed  time.Time     `json:"last_accessed"`
	AccessCount   uint64        `json:"access_count"`
}

type metadata struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// IndexCache persists built indexes on disk, keyed by source path.
//
// One instance owns its directory. All methods are safe for concurrent use
// within a process; sharing a directory between processes requires external
// locking.
type IndexCache struct {
	cfg  Config
	opts options

	mu      sync.Mutex
	entries map[string]*list.Element // of *Entry
	lru     *list.List               // front is most recently used
	stats   Stats
	closed  bool
}

// New opens or creates the cache in cfg.Dir. Expired entries and entries
// whose index file is missing are dropped. An unreadable metadata table is
// logged and replaced by an empty one.
func New(cfg Config, opts ...Option) (*IndexCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, model.IOError("cache.open", err)
	}

	c := &IndexCache{
		cfg:     cfg,
		opts:    o,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}

	loaded, err := c.loadMetadata()
	if err != nil {
		o.logger.Warn("discarding unreadable cache metadata", slog.String("dir", cfg.Dir), slog.Any("error", err))
		loaded = nil
	}

	// Most recent first, so PushBack yields LRU order.
	slices.SortStableFunc(loaded, func(a, b Entry) int { return b.LastAccessed.Compare(a.LastAccessed) })
	now := o.now()
	for i := range loaded {
		e := loaded[i]
		if now.Sub(e.CreatedAt) > cfg.MaxAge {
			_ = os.Remove(c.indexPath(e.Key))
			continue
		}
		if _, err := os.Stat(c.indexPath(e.Key)); err != nil {
			continue
		}
		c.entries[e.Key] = c.lru.PushBack(&e)
	}

	if err := c.persist(); err != nil {
		return nil, err
	}
	return c, nil
}

// Key returns the cache key for the file at path.
func Key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return fmt.Sprintf("index_%016x", xxhash.Sum64String(path))
}

// GetOrBuild returns the cached index for path, or builds, stores and
// returns it. An entry is valid while the file's size and modification time
// match the snapshot taken at build time and its index file exists. Stale
// and corrupted entries are discarded and rebuilt.
func (c *IndexCache) GetOrBuild(ctx context.Context, path string, build BuildFunc) (*index.BinaryIndex, error) {
	const op = "cache.get"
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, model.IOError(op, err)
	}
	key := Key(abs)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.stats.TotalRequests++

	fi, err := os.Stat(abs)
	if err != nil {
		return nil, model.IOError(op, err)
	}

	if el, ok := c.entries[key]; ok {
		idx, err := c.load(ctx, el, fi)
		if err != nil {
			return nil, err
		}
		if idx != nil {
			return idx, nil
		}
	}

	c.stats.Misses++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.store(abs, key, fi, build)
}

// load serves a hit. It returns (nil, nil) when the entry was stale or
// corrupt and has been dropped.
func (c *IndexCache) load(ctx context.Context, el *list.Element, fi fs.FileInfo) (*index.BinaryIndex, error) {
	e := el.Value.(*Entry)
	log := c.opts.logger.With(slog.String("key", e.Key), slog.String("path", e.SourcePath))

	if e.FileSize != fi.Size() || !e.FileModTime.Equal(fi.ModTime()) {
		log.Debug("cache entry stale")
		c.stats.Invalidations++
		c.drop(el)
		return nil, c.persist()
	}

	start := c.opts.now()
	data, err := os.ReadFile(c.indexPath(e.Key))
	if errors.Is(err, fs.ErrNotExist) {
		log.Debug("cache index file missing")
		c.drop(el)
		return nil, c.persist()
	}
	if err != nil {
		return nil, model.IOError("cache.load", err)
	}

	if err := c.opts.ctrl.WaitIO(ctx, len(data)); err != nil {
		return nil, err
	}
	if err := c.opts.ctrl.AcquireMemory(int64(len(data))); err != nil {
		return nil, err
	}
	defer c.opts.ctrl.ReleaseMemory(int64(len(data)))

	idx, err := decode(data)
	if err != nil {
		log.Warn("discarding corrupted cache entry", slog.Any("error", err))
		c.drop(el)
		return nil, c.persist()
	}

	now := c.opts.now()
	e.LastAccessed = now
	e.AccessCount++
	c.lru.MoveToFront(el)
	c.stats.Hits++
	if saved := e.BuildDuration - now.Sub(start); saved > 0 {
		c.stats.TimeSaved += saved
	}
	log.Debug("cache hit", slog.Uint64("access_count", e.AccessCount))
	return idx, c.persist()
}

func decode(data []byte) (*index.BinaryIndex, error) {
	raw, err := compress.Decompress(data)
	if err != nil {
		return nil, err
	}
	idx := new(index.BinaryIndex)
	if err := idx.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return idx, nil
}

func (c *IndexCache) store(abs, key string, fi fs.FileInfo, build BuildFunc) (*index.BinaryIndex, error) {
	start := c.opts.now()
	idx, err := build(abs)
	if err != nil {
		return nil, err
	}
	buildDuration := c.opts.now().Sub(start)

	raw, err := idx.MarshalBinary()
	if err != nil {
		return nil, model.SerializationError("cache.store", err)
	}
	block, err := compress.Compress(c.cfg.Compression, raw)
	if err != nil {
		return nil, err
	}
	if err := persistence.WriteFile(c.indexPath(key), block); err != nil {
		return nil, model.IOError("cache.store", err)
	}

	if el, ok := c.entries[key]; ok {
		c.lru.Remove(el)
		delete(c.entries, key)
	}
	now := c.opts.now()
	e := &Entry{
		Key:           key,
		SourcePath:    abs,
		IndexFile:     key + indexExt,
		FileSize:      fi.Size(),
		FileModTime:   fi.ModTime(),
		RecordCount:   idx.RecordCount(),
		Compression:   c.cfg.Compression.String(),
		StoredBytes:   int64(len(block)),
		BuildDuration: buildDuration,
		CreatedAt:     now,
		LastAccessed:  now,
	}
	c.entries[key] = c.lru.PushFront(e)

	c.opts.logger.Debug("cache stored index",
		slog.String("key", key),
		slog.String("path", abs),
		slog.Int("records", e.RecordCount),
		slog.String("stored", humanize.IBytes(uint64(len(block)))),
		slog.String("raw", humanize.IBytes(uint64(len(raw)))))

	c.enforceLimits(now)
	return idx, c.persist()
}

// enforceLimits expires old entries, then evicts from the LRU tail until the
// entry count fits.
func (c *IndexCache) enforceLimits(now time.Time) {
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if now.Sub(el.Value.(*Entry).CreatedAt) > c.cfg.MaxAge {
			c.drop(el)
			c.stats.Expirations++
		}
		el = prev
	}
	for c.lru.Len() > c.cfg.MaxEntries {
		el := c.lru.Back()
		c.opts.logger.Debug("cache evicted entry", slog.String("key", el.Value.(*Entry).Key))
		c.drop(el)
		c.stats.Evictions++
	}
}

func (c *IndexCache) drop(el *list.Element) {
	e := c.lru.Remove(el).(*Entry)
	delete(c.entries, e.Key)
	if err := os.Remove(c.indexPath(e.Key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.opts.logger.Warn("failed to remove cache index file", slog.String("key", e.Key), slog.Any("error", err))
	}
}

// Invalidate drops the entry for path, if any.
func (c *IndexCache) Invalidate(path string) error {
	key := Key(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	el, ok := c.entries[key]
	if !ok {
		return nil
	}
	c.drop(el)
	c.stats.Invalidations++
	return c.persist()
}

// Clear drops every entry.
func (c *IndexCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		c.drop(el)
		el = next
	}
	return c.persist()
}

// Len returns the number of cached indexes.
func (c *IndexCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Entries returns a snapshot of all entries sorted by key.
func (c *IndexCache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(true)
}

// Stats returns a snapshot of the cache counters.
func (c *IndexCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close persists the entry table. Further operations return ErrClosed.
func (c *IndexCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.persist()
}

func (c *IndexCache) snapshot(byKey bool) []Entry {
	out := make([]Entry, 0, c.lru.Len())
	for el := c.lru.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*Entry))
	}
	if byKey {
		slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Key, b.Key) })
	}
	return out
}

func (c *IndexCache) indexPath(key string) string {
	return filepath.Join(c.cfg.Dir, key+indexExt)
}

func (c *IndexCache) metadataPath() string {
	return filepath.Join(c.cfg.Dir, c.cfg.MetadataFile)
}

func (c *IndexCache) persist() error {
	data, err := codec.Default.Marshal(metadata{Version: metadataVersion, Entries: c.snapshot(false)})
	if err != nil {
		return model.SerializationError("cache.persist", err)
	}
	if err := persistence.WriteFile(c.metadataPath(), data); err != nil {
		return model.IOError("cache.persist", err)
	}
	return nil
}

func (c *IndexCache) loadMetadata() ([]Entry, error) {
	data, err := os.ReadFile(c.metadataPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, model.IOError("cache.load_metadata", err)
	}
	var md metadata
	if err := codec.Default.Unmarshal(data, &md); err != nil {
		return nil, model.SerializationError("cache.load_metadata", err)
	}
	if md.Version != metadataVersion {
		return nil, model.Unsupportedf("cache.load_metadata", "metadata version %d", md.Version)
	}
	return md.Entries, nil
}
