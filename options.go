package alloclog

import (
	"log/slog"
	"time"

	"github.com/hupe1980/alloclog/blobstore"
	"github.com/hupe1980/alloclog/format"
)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	store            blobstore.Store
	storePrefix      string
	formatConfig     format.Config
	ioBytesPerSec    int64
	progress         ProgressFunc
	now              func() time.Time
}

// Option configures an Exporter.
type Option func(*options)

// WithLogger configures structured logging for exports.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := alloclog.NewJSONLogger(slog.LevelInfo)
//	exp, _ := alloclog.New(alloclog.DefaultConfig(), alloclog.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector.
// Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithArtifactStore uploads every written report to store, under prefix
// followed by the run ID.
//
// Example with S3:
//
//	store := s3.NewStore(client, "exports", "memscope/")
//	exp, _ := alloclog.New(cfg, alloclog.WithArtifactStore(store, "runs"))
func WithArtifactStore(store blobstore.Store, prefix string) Option {
	return func(o *options) {
		o.store = store
		o.storePrefix = prefix
	}
}

// WithFormatConfig configures the format manager used by ConvertFormat.
func WithFormatConfig(cfg format.Config) Option {
	return func(o *options) {
		o.formatConfig = cfg
	}
}

// WithIORate caps the throughput of cached index loads and ConvertFormat
// output, in bytes per second.
func WithIORate(bytesPerSec int64) Option {
	return func(o *options) {
		o.ioBytesPerSec = bytesPerSec
	}
}

// WithProgress reports the progress of every export to fn.
//
//	exp, _ := alloclog.New(cfg, alloclog.WithProgress(func(p alloclog.Progress) {
//		fmt.Printf("%s %s %.0f%%\n", p.Stage, p.Report, 100*p.Fraction())
//	}))
func WithProgress(fn ProgressFunc) Option {
	return func(o *options) {
		o.progress = fn
	}
}

// WithClock sets the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
		formatConfig:     format.DefaultConfig(),
		now:              time.Now,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
