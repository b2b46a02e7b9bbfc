package alloclog

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/hupe1980/alloclog/model"
	"github.com/hupe1980/alloclog/report"
	"github.com/hupe1980/alloclog/selective"
)

// Strategy is the export path chosen for one conversion.
type Strategy uint8

const (
	// StrategySimple parses the whole file in memory.
	StrategySimple Strategy = iota
	// StrategyIndexed reads through a cached index and runs reports in parallel.
	StrategyIndexed
	// StrategyStreaming reads through a cached index one report at a time.
	StrategyStreaming
	// StrategyFallback is the per-report recovery path.
	StrategyFallback

	numStrategies
)

var strategyNames = [numStrategies]string{"simple", "indexed", "streaming", "fallback"}

func (s Strategy) String() string {
	if s < numStrategies {
		return strategyNames[s]
	}
	return fmt.Sprintf("strategy(%d)", uint8(s))
}

// ParseStrategy resolves a strategy by name.
func ParseStrategy(name string) (Strategy, error) {
	for i, n := range strategyNames {
		if n == name {
			return Strategy(i), nil
		}
	}
	return 0, model.Invalid("strategy", "unknown strategy %q", name)
}

const (
	KiB = 1 << 10
	MiB = 1 << 20
	GiB = 1 << 30
)

// Configuration bounds enforced by Validate.
const (
	MinConcurrency        = 1
	MaxConcurrency        = 32
	MinMemoryLimit        = 16 * MiB
	MaxMemoryLimit        = 8 * GiB
	MinTimeout            = 10 * time.Second
	MaxTimeout            = 2 * time.Hour
	MinSmallFileThreshold = 1 * KiB
	MaxLargeFileThreshold = 100 * MiB
)

// Config configures an Exporter.
type Config struct {
	// SmallFileThreshold is t1: files below it use StrategySimple.
	SmallFileThreshold int64

	// LargeFileThreshold is t2: files above it use StrategyStreaming.
	LargeFileThreshold int64

	// MaxConcurrentExports bounds reports generated in parallel and the
	// parse workers of the selective reader.
	MaxConcurrentExports int

	// MemoryLimitBytes caps memory reserved for in-flight record batches.
	MemoryLimitBytes int64

	// Timeout is the wall-clock budget of one Export call.
	Timeout time.Duration

	// EnableRecovery retries a failed conversion report by report.
	EnableRecovery bool

	// BatchSize is the number of records per selective read batch.
	BatchSize int

	// Reports lists the reports each export writes.
	Reports []report.Type

	// ForceStrategy, if set, overrides size-based selection.
	ForceStrategy *Strategy

	// CacheDir holds cached indexes. Empty means a directory under the
	// user cache dir.
	CacheDir string

	// CacheMaxEntries bounds the number of cached indexes.
	CacheMaxEntries int

	// CacheMaxAge expires cached indexes.
	CacheMaxAge time.Duration
}

// DefaultConfig returns the balanced preset.
func DefaultConfig() Config {
	return Config{
		SmallFileThreshold:   150 * KiB,
		LargeFileThreshold:   1 * MiB,
		MaxConcurrentExports: 4,
		MemoryLimitBytes:     512 * MiB,
		Timeout:              5 * time.Minute,
		EnableRecovery:       true,
		BatchSize:            selective.DefaultBatchSize,
		Reports:              slices.Clone(report.Types[:]),
		CacheMaxEntries:      100,
		CacheMaxAge:          7 * 24 * time.Hour,
	}
}

// PerformanceFirstConfig favors throughput: more files go through the index and
// more reports run at once.
func PerformanceFirstConfig() Config {
	cfg := DefaultConfig()
	cfg.SmallFileThreshold = 64 * KiB
	cfg.LargeFileThreshold = 512 * KiB
	cfg.MaxConcurrentExports = 8
	cfg.MemoryLimitBytes = 1 * GiB
	cfg.BatchSize = 2000
	return cfg
}

// MemoryEfficientConfig streams early and keeps batches small.
func MemoryEfficientConfig() Config {
	cfg := DefaultConfig()
	cfg.SmallFileThreshold = 32 * KiB
	cfg.LargeFileThreshold = 128 * KiB
	cfg.MaxConcurrentExports = 2
	cfg.MemoryLimitBytes = 64 * MiB
	cfg.BatchSize = 250
	return cfg
}

// ReliabilityFirstConfig keeps the default thresholds, always recovers and runs
// fewer reports at once.
func ReliabilityFirstConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxConcurrentExports = 2
	cfg.EnableRecovery = true
	cfg.Timeout = 30 * time.Minute
	return cfg
}

// Validate checks the configuration. It performs no I/O.
func (c Config) Validate() error {
	if c.MaxConcurrentExports < MinConcurrency || c.MaxConcurrentExports > MaxConcurrency {
		return model.Invalid("max_concurrent_exports", "must be in [%d, %d], got %d", MinConcurrency, MaxConcurrency, c.MaxConcurrentExports)
	}
	if c.MemoryLimitBytes < MinMemoryLimit || c.MemoryLimitBytes > MaxMemoryLimit {
		return model.Invalid("memory_limit_bytes", "must be in [%d, %d], got %d", int64(MinMemoryLimit), int64(MaxMemoryLimit), c.MemoryLimitBytes)
	}
	if c.Timeout < MinTimeout || c.Timeout > MaxTimeout {
		return model.Invalid("timeout", "must be in [%s, %s], got %s", MinTimeout, MaxTimeout, c.Timeout)
	}
	if c.SmallFileThreshold < MinSmallFileThreshold {
		return model.Invalid("small_file_threshold", "must be at least %d, got %d", MinSmallFileThreshold, c.SmallFileThreshold)
	}
	if c.LargeFileThreshold > MaxLargeFileThreshold {
		return model.Invalid("large_file_threshold", "must be at most %d, got %d", MaxLargeFileThreshold, c.LargeFileThreshold)
	}
	if c.SmallFileThreshold >= c.LargeFileThreshold {
		return model.Invalid("small_file_threshold", "must be below large_file_threshold (%d >= %d)", c.SmallFileThreshold, c.LargeFileThreshold)
	}
	if c.BatchSize <= 0 {
		return model.Invalid("batch_size", "must be positive, got %d", c.BatchSize)
	}
	if len(c.Reports) == 0 {
		return model.Invalid("reports", "at least one report is required")
	}
	seen := make(map[report.Type]bool, len(c.Reports))
	for _, t := range c.Reports {
		if !t.Valid() {
			return model.Invalid("reports", "unknown report type %d", uint8(t))
		}
		if seen[t] {
			return model.Invalid("reports", "duplicate report %s", t)
		}
		seen[t] = true
	}
	if s := c.ForceStrategy; s != nil && *s >= numStrategies {
		return model.Invalid("force_strategy", "unknown strategy %d", uint8(*s))
	}
	if c.CacheMaxEntries <= 0 {
		return model.Invalid("cache_max_entries", "must be positive, got %d", c.CacheMaxEntries)
	}
	if c.CacheMaxAge <= 0 {
		return model.Invalid("cache_max_age", "must be positive, got %s", c.CacheMaxAge)
	}
	return nil
}

// SelectStrategy picks the strategy for a file of size bytes: simple below
// t1, indexed up to and including t2, streaming above.
func (c Config) SelectStrategy(size int64) Strategy {
	switch {
	case c.ForceStrategy != nil:
		return *c.ForceStrategy
	case size < c.SmallFileThreshold:
		return StrategySimple
	case size <= c.LargeFileThreshold:
		return StrategyIndexed
	default:
		return StrategyStreaming
	}
}

func (c Config) cacheDir() (string, error) {
	if c.CacheDir != "" {
		return c.CacheDir, nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", model.IOError("config.cache_dir", err)
	}
	return filepath.Join(dir, "alloclog", "index"), nil
}
