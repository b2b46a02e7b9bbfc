package alloclog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hupe1980/alloclog/blobstore"
	"github.com/hupe1980/alloclog/cache"
	"github.com/hupe1980/alloclog/format"
	"github.com/hupe1980/alloclog/index"
	"github.com/hupe1980/alloclog/internal/resource"
	"github.com/hupe1980/alloclog/model"
	"github.com/hupe1980/alloclog/persistence"
	"github.com/hupe1980/alloclog/record"
	"github.com/hupe1980/alloclog/report"
	"github.com/hupe1980/alloclog/selective"
	"github.com/segmentio/ksuid"
	"golang.org/x/sync/errgroup"
)

// Result describes a finished export.
type Result struct {
	// RunID identifies the export in logs, report metadata and artifact names.
	RunID string

	// OutputFiles lists the written reports in the order of Config.Reports.
	OutputFiles []string

	// Artifacts lists the uploaded blob names, if an artifact store is configured.
	Artifacts []string

	RecordsProcessed int
	BytesWritten     int64
	Duration         time.Duration
	Strategy         Strategy

	// Efficiency is the fraction of requested reports that were written.
	Efficiency float64

	// PeakMemory is the exporter's peak reserved memory at completion.
	PeakMemory int64

	// Failures lists reports the fallback could not write.
	Failures []*ReportError
}

// Throughput returns records per second.
func (r *Result) Throughput() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.RecordsProcessed) / r.Duration.Seconds()
}

// Exporter converts binary allocation logs into JSON reports, choosing a
// strategy by file size. It is safe for concurrent use.
//
// Example:
//
//	exp, err := alloclog.New(alloclog.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer exp.Close()
//
//	res, err := exp.Export(ctx, "trace.bin", "out", "trace")
type Exporter struct {
	// mu guards the fields below. Exports hold it shared for their whole
	// run, so UpdateConfig and Close wait for in-flight exports.
	mu     sync.RWMutex
	cfg    Config
	ctrl   *resource.Controller
	cache  *cache.IndexCache
	closed bool

	opts options
	fm   *format.Manager

	statsMu sync.Mutex
	stats   Stats
}

// New creates an exporter. The configuration is validated before any
// directory is touched.
func New(cfg Config, optFns ...Option) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Reports = slices.Clone(cfg.Reports)
	o := applyOptions(optFns)

	fm, err := format.NewManager(o.formatConfig, format.WithLogger(o.logger.Logger))
	if err != nil {
		return nil, err
	}

	ctrl := newController(cfg, o)
	ic, err := openCache(cfg, o, ctrl)
	if err != nil {
		return nil, err
	}

	return &Exporter{
		cfg:   cfg,
		ctrl:  ctrl,
		cache: ic,
		opts:  o,
		fm:    fm,
		stats: Stats{Strategies: make(map[Strategy]int)},
	}, nil
}

func newController(cfg Config, o options) *resource.Controller {
	return resource.NewController(resource.Config{
		MemoryLimitBytes: cfg.MemoryLimitBytes,
		MaxWorkers:       int64(cfg.MaxConcurrentExports),
		IOBytesPerSec:    o.ioBytesPerSec,
	})
}

func openCache(cfg Config, o options, ctrl *resource.Controller) (*cache.IndexCache, error) {
	dir, err := cfg.cacheDir()
	if err != nil {
		return nil, err
	}
	ccfg := cache.DefaultConfig(dir)
	ccfg.MaxEntries = cfg.CacheMaxEntries
	ccfg.MaxAge = cfg.CacheMaxAge
	return cache.New(ccfg,
		cache.WithLogger(o.logger.Logger),
		cache.WithClock(o.now),
		cache.WithController(ctrl),
	)
}

// Config returns a copy of the active configuration.
func (e *Exporter) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cfg := e.cfg
	cfg.Reports = slices.Clone(cfg.Reports)
	return cfg
}

// UpdateConfig validates cfg and makes it the active configuration. It waits
// for in-flight exports. Changed limits or cache settings reopen the
// resource controller and the index cache.
func (e *Exporter) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Reports = slices.Clone(cfg.Reports)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	old := e.cfg
	if cfg.MemoryLimitBytes != old.MemoryLimitBytes ||
		cfg.MaxConcurrentExports != old.MaxConcurrentExports ||
		cfg.CacheDir != old.CacheDir ||
		cfg.CacheMaxEntries != old.CacheMaxEntries ||
		cfg.CacheMaxAge != old.CacheMaxAge {
		ctrl := newController(cfg, e.opts)
		ic, err := openCache(cfg, e.opts, ctrl)
		if err != nil {
			return err
		}
		if err := e.cache.Close(); err != nil {
			e.opts.logger.Warn("closing previous index cache", "error", err)
		}
		e.ctrl, e.cache = ctrl, ic
	}
	e.cfg = cfg
	e.opts.logger.Info("configuration updated",
		"small_file_threshold", humanize.IBytes(uint64(cfg.SmallFileThreshold)),
		"large_file_threshold", humanize.IBytes(uint64(cfg.LargeFileThreshold)),
		"max_concurrent_exports", cfg.MaxConcurrentExports,
	)
	return nil
}

// Stats returns a snapshot of the export statistics.
func (e *Exporter) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats.clone()
}

// ResetStats clears the export statistics and the peak memory mark.
func (e *Exporter) ResetStats() {
	e.mu.RLock()
	e.ctrl.ResetPeak()
	e.mu.RUnlock()

	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats = Stats{Strategies: make(map[Strategy]int)}
}

// Close persists the index cache. Further calls return ErrClosed.
func (e *Exporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.cache.Close()
}

// job carries the state of one export run.
type job struct {
	cfg      Config
	runID    string
	path     string
	outDir   string
	base     string
	strategy Strategy
	log      *Logger
	progress *tracker
}

func (j *job) metadata(now time.Time) report.Metadata {
	return report.Metadata{
		Source:      j.path,
		GeneratedAt: now,
		Strategy:    j.strategy.String(),
		RunID:       j.runID,
	}
}

// outcome aggregates the reports written by one strategy.
type outcome struct {
	files     []string
	records   int
	written   int64
	requested int
	failures  []*ReportError
}

// Export writes every configured report for the allocation log at path into
// outDir, naming each file <base>_<report>.json. An empty base defaults to
// the file name without extension.
//
// The strategy follows the file size (see Config.SelectStrategy). If it
// fails and recovery is enabled, each report is retried against a freshly
// built index; the export then only fails if no report could be written,
// with an error matching ErrAllReportsFailed. Exceeding Config.Timeout
// returns a *TimeoutError; a deadline or cancellation of ctx itself is
// returned as the context error.
func (e *Exporter) Export(ctx context.Context, path, outDir, base string) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	start := time.Now()
	j := &job{
		cfg:    e.cfg,
		runID:  ksuid.New().String(),
		path:   path,
		outDir: outDir,
		base:   base,
	}
	if j.base == "" {
		j.base = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	j.log = e.opts.logger.WithRun(j.runID, path)
	j.progress = newTracker(e.opts.progress, e.opts.now, j.runID, len(j.cfg.Reports))

	// The cause tells the exporter's own budget apart from a deadline the
	// caller set.
	ctx, cancel := context.WithTimeoutCause(ctx, j.cfg.Timeout, ErrTimeout)
	defer cancel()

	res, recovered, err := e.run(ctx, j)
	elapsed := time.Since(start)
	if err != nil && errors.Is(context.Cause(ctx), ErrTimeout) {
		err = &TimeoutError{Path: path, Timeout: j.cfg.Timeout, Elapsed: elapsed, cause: ctx.Err()}
	}
	if err == nil {
		res.Duration = elapsed
		res.PeakMemory = e.ctrl.PeakMemory()
		j.progress.stage(StageCompleted)
	}

	e.record(j, res, recovered, elapsed, err)
	j.log.LogExport(ctx, res, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Exporter) run(ctx context.Context, j *job) (*Result, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	j.progress.stage(StageInitializing)
	fi, err := os.Stat(j.path)
	if err != nil {
		return nil, false, model.IOError("export.stat", err)
	}
	if err := os.MkdirAll(j.outDir, 0o755); err != nil {
		return nil, false, model.IOError("export.mkdir", err)
	}

	j.strategy = j.cfg.SelectStrategy(fi.Size())
	runLog := j.log
	j.log = runLog.WithStrategy(j.strategy)
	j.log.DebugContext(ctx, "strategy selected",
		"size", humanize.IBytes(uint64(fi.Size())),
	)

	var (
		out       *outcome
		recovered bool
	)
	if j.strategy == StrategyFallback {
		out, err = e.fallback(ctx, j, nil)
	} else {
		out, err = e.primary(ctx, j)
		if err != nil && j.cfg.EnableRecovery && ctx.Err() == nil {
			e.opts.metricsCollector.RecordRecovery(err)
			j.log.LogRecovery(ctx, err)
			recovered = true
			j.strategy = StrategyFallback
			j.log = runLog.WithStrategy(j.strategy)
			out, err = e.fallback(ctx, j, err)
		}
	}
	if err != nil {
		return nil, recovered, err
	}

	res := &Result{
		RunID:            j.runID,
		OutputFiles:      out.files,
		RecordsProcessed: out.records,
		BytesWritten:     out.written,
		Strategy:         j.strategy,
		Efficiency:       float64(len(out.files)) / float64(out.requested),
		Failures:         out.failures,
	}
	if err := e.upload(ctx, j, res); err != nil {
		return nil, recovered, err
	}
	return res, recovered, nil
}

func (e *Exporter) primary(ctx context.Context, j *job) (*outcome, error) {
	switch j.strategy {
	case StrategySimple:
		return e.exportSimple(ctx, j)
	case StrategyStreaming:
		return e.exportIndexed(ctx, j, 1)
	default:
		return e.exportIndexed(ctx, j, j.cfg.MaxConcurrentExports)
	}
}

// exportSimple decodes the whole file in memory.
func (e *Exporter) exportSimple(ctx context.Context, j *job) (*outcome, error) {
	j.progress.stage(StageIndexing)
	data, err := os.ReadFile(j.path)
	if err != nil {
		return nil, model.IOError("export.read", err)
	}
	size := int64(len(data))
	if err := e.ctrl.AcquireMemory(size); err != nil {
		return nil, err
	}
	defer e.ctrl.ReleaseMemory(size)

	recs, err := record.DecodeAll(data, model.AllFields)
	if err != nil {
		return nil, err
	}
	j.progress.indexed(len(recs))
	return e.writeReports(ctx, j, report.Records(recs), j.cfg.MaxConcurrentExports, true)
}

// exportIndexed serves reports from a cached index. With limit 1 reports
// run one after another and only one batch per report is in memory.
func (e *Exporter) exportIndexed(ctx context.Context, j *job, limit int) (*outcome, error) {
	j.progress.stage(StageIndexing)
	idx, err := e.cache.GetOrBuild(ctx, j.path, e.newBuilder().Build)
	if err != nil {
		return nil, err
	}
	return e.exportFromIndex(ctx, j, idx, limit, true)
}

func (e *Exporter) exportFromIndex(ctx context.Context, j *job, idx *index.BinaryIndex, limit int, failFast bool) (*outcome, error) {
	r, err := selective.Open(j.path, idx,
		selective.WithController(e.ctrl),
		selective.WithLogger(j.log.Logger),
	)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	j.progress.indexed(idx.RecordCount())
	src := report.ReaderSource{Reader: r, BatchSize: j.cfg.BatchSize}
	return e.writeReports(ctx, j, src, limit, failFast)
}

// fallback rebuilds the index without the cache and writes each report on
// its own, collecting failures instead of stopping at the first.
func (e *Exporter) fallback(ctx context.Context, j *job, primary error) (*outcome, error) {
	if err := e.cache.Invalidate(j.path); err != nil {
		j.log.DebugContext(ctx, "cache invalidation failed", "error", err)
	}

	var out *outcome
	j.progress.stage(StageIndexing)
	idx, err := e.newBuilder().Build(j.path)
	if err == nil {
		out, err = e.exportFromIndex(ctx, j, idx, 1, false)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		out = &outcome{requested: len(j.cfg.Reports)}
		for _, typ := range j.cfg.Reports {
			out.failures = append(out.failures, &ReportError{Report: typ, Err: err})
		}
	}
	if len(out.failures) == out.requested {
		return nil, &RecoveryError{Primary: primary, Failures: out.failures}
	}
	return out, nil
}

func (e *Exporter) newBuilder() *index.Builder {
	return index.NewBuilder(
		index.WithLogger(e.opts.logger.Logger),
		index.WithClock(e.opts.now),
	)
}

type reportResult struct {
	path string
	sum  report.Summary
	err  error
}

// writeReports runs the configured reports over src, at most limit at once.
// With failFast the first failure cancels the others and is returned.
func (e *Exporter) writeReports(ctx context.Context, j *job, src report.Source, limit int, failFast bool) (*outcome, error) {
	results := make([]reportResult, len(j.cfg.Reports))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, typ := range j.cfg.Reports {
		g.Go(func() error {
			if err := e.ctrl.AcquireWorker(gctx); err != nil {
				return err
			}
			defer e.ctrl.ReleaseWorker()

			path := filepath.Join(j.outDir, typ.FileName(j.base))
			start := time.Now()
			sum, err := report.GenerateFile(gctx, path, typ, j.progress.source(src, typ), j.metadata(e.opts.now()))
			e.opts.metricsCollector.RecordReport(typ, time.Since(start), err)
			j.log.LogReport(gctx, typ, sum, err)
			j.progress.reportDone(typ)

			results[i] = reportResult{path: path, sum: sum, err: err}
			if err != nil && failFast {
				return &ReportError{Report: typ, Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &outcome{requested: len(results)}
	for i, r := range results {
		if r.err != nil {
			out.failures = append(out.failures, &ReportError{Report: j.cfg.Reports[i], Err: r.err})
			continue
		}
		out.files = append(out.files, r.path)
		out.records = max(out.records, r.sum.Records)
		out.written += r.sum.BytesWritten
	}
	return out, nil
}

// upload copies the written reports to the artifact store under
// <prefix>/<run id>/<file name>.
func (e *Exporter) upload(ctx context.Context, j *job, res *Result) error {
	if e.opts.store == nil {
		return nil
	}
	j.progress.stage(StageUploading)
	names := make([]string, len(res.OutputFiles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.cfg.MaxConcurrentExports)
	for i, p := range res.OutputFiles {
		g.Go(func() error {
			name := blobstore.Join(e.opts.storePrefix, j.runID, filepath.Base(p))
			n, err := blobstore.PutFile(gctx, e.opts.store, name, p)
			if err != nil {
				return fmt.Errorf("upload %s: %w", name, err)
			}
			j.log.DebugContext(gctx, "artifact uploaded", "name", name, "size", humanize.IBytes(uint64(n)))
			names[i] = name
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.IOError("export.upload", err)
	}
	res.Artifacts = names
	return nil
}

func (e *Exporter) record(j *job, res *Result, recovered bool, elapsed time.Duration, err error) {
	var (
		records int
		written int64
	)
	if res != nil {
		records, written = res.RecordsProcessed, res.BytesWritten
	}
	e.opts.metricsCollector.RecordExport(j.strategy, records, written, elapsed, err)

	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	s := &e.stats
	s.Conversions++
	if recovered {
		s.Recoveries++
	}
	if err != nil {
		s.Failures++
		if errors.Is(err, ErrTimeout) {
			s.Timeouts++
		}
		return
	}
	s.Successes++
	s.Strategies[res.Strategy]++
	s.TotalRecords += res.RecordsProcessed
	s.TotalBytes += res.BytesWritten
	s.TotalDuration += res.Duration
	s.PeakMemory = max(s.PeakMemory, res.PeakMemory)
}

// ConvertFormat re-encodes the allocation log at path into format f and
// writes it atomically to outPath.
func (e *Exporter) ConvertFormat(ctx context.Context, path, outPath string, f format.Format) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return model.IOError("export.convert", err)
	}
	recs, err := record.DecodeAll(data, model.AllFields)
	if err != nil {
		return err
	}

	var writeErr error
	err = persistence.SaveToFile(outPath, func(w io.Writer) error {
		_, writeErr = e.fm.Write(e.ctrl.Writer(ctx, w), f, recs)
		return writeErr
	})
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		return model.IOError("export.convert", err)
	}
	e.opts.logger.DebugContext(ctx, "format converted",
		"path", path,
		"format", f.String(),
		"records", len(recs),
	)
	return nil
}
