package alloclog

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hupe1980/alloclog/blobstore"
	"github.com/hupe1980/alloclog/codec"
	"github.com/hupe1980/alloclog/format"
	"github.com/hupe1980/alloclog/model"
	"github.com/hupe1980/alloclog/record"
	"github.com/hupe1980/alloclog/report"
	"github.com/hupe1980/alloclog/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reportDoc struct {
	Metadata report.Metadata `json:"metadata"`
	Summary  report.Summary  `json:"summary"`
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CacheDir = filepath.Join(t.TempDir(), "cache")
	cfg.Timeout = MinTimeout
	return cfg
}

func forced(s Strategy) *Strategy { return &s }

func writeLog(t *testing.T, recs []model.AllocationRecord) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.memscope")
	require.NoError(t, record.WriteFile(path, recs))
	return path
}

func newExporter(t *testing.T, cfg Config, opts ...Option) *Exporter {
	t.Helper()
	exp, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = exp.Close() })
	return exp
}

func readDoc(t *testing.T, path string) reportDoc {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc reportDoc
	require.NoError(t, codec.Default.Unmarshal(data, &doc))
	return doc
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrentExports = 0

	_, err := New(cfg)
	require.ErrorIs(t, err, ErrValidationFailed)

	_, statErr := os.Stat(cfg.CacheDir)
	assert.True(t, os.IsNotExist(statErr), "no directory is created for an invalid config")
}

func TestExportSimple(t *testing.T) {
	path := writeLog(t, testutil.Scenario())
	outDir := filepath.Join(t.TempDir(), "out")
	exp := newExporter(t, testConfig(t))

	res, err := exp.Export(t.Context(), path, outDir, "")
	require.NoError(t, err)

	assert.Equal(t, StrategySimple, res.Strategy)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 3, res.RecordsProcessed)
	assert.Equal(t, 1.0, res.Efficiency)
	assert.Empty(t, res.Failures)
	assert.Positive(t, res.BytesWritten)
	require.Len(t, res.OutputFiles, len(report.Types))

	var total int64
	for i, typ := range report.Types {
		want := filepath.Join(outDir, typ.FileName("trace"))
		assert.Equal(t, want, res.OutputFiles[i])

		fi, err := os.Stat(want)
		require.NoError(t, err)
		total += fi.Size()

		doc := readDoc(t, want)
		assert.Equal(t, typ, doc.Metadata.ReportType)
		assert.Equal(t, "simple", doc.Metadata.Strategy)
		assert.Equal(t, res.RunID, doc.Metadata.RunID)
		assert.Equal(t, path, doc.Metadata.Source)
		assert.Equal(t, 3, doc.Summary.Records)
	}
	assert.Equal(t, total, res.BytesWritten)
}

func TestExportIndexedUsesCache(t *testing.T) {
	path := writeLog(t, testutil.NewRNG(1).Records(250))
	cfg := testConfig(t)
	cfg.ForceStrategy = forced(StrategyIndexed)
	cfg.BatchSize = 64
	exp := newExporter(t, cfg)

	res, err := exp.Export(t.Context(), path, t.TempDir(), "run")
	require.NoError(t, err)
	assert.Equal(t, StrategyIndexed, res.Strategy)
	assert.Equal(t, 250, res.RecordsProcessed)
	assert.Equal(t, 1, exp.cache.Len())

	_, err = exp.Export(t.Context(), path, t.TempDir(), "run")
	require.NoError(t, err)

	cs := exp.cache.Stats()
	assert.Equal(t, uint64(1), cs.Misses)
	assert.Equal(t, uint64(2), cs.TotalRequests)
}

func TestStrategiesProduceIdenticalSummaries(t *testing.T) {
	recs := testutil.NewRNG(7).Records(120)
	path := writeLog(t, recs)

	summaries := make(map[Strategy]report.Summary)
	for _, s := range []Strategy{StrategySimple, StrategyIndexed, StrategyStreaming, StrategyFallback} {
		cfg := testConfig(t)
		cfg.ForceStrategy = forced(s)
		cfg.Reports = []report.Type{report.MemoryAnalysis}
		exp := newExporter(t, cfg)

		res, err := exp.Export(t.Context(), path, t.TempDir(), "x")
		require.NoError(t, err, s.String())
		assert.Equal(t, s, res.Strategy)

		doc := readDoc(t, res.OutputFiles[0])
		assert.Equal(t, s.String(), doc.Metadata.Strategy)
		summaries[s] = doc.Summary
	}
	for s, sum := range summaries {
		assert.Equal(t, summaries[StrategySimple], sum, s.String())
	}
}

func TestExportStreaming(t *testing.T) {
	path := writeLog(t, testutil.NewRNG(2).Records(300))
	cfg := testConfig(t)
	cfg.ForceStrategy = forced(StrategyStreaming)
	cfg.BatchSize = 50
	exp := newExporter(t, cfg)

	res, err := exp.Export(t.Context(), path, t.TempDir(), "big")
	require.NoError(t, err)
	assert.Equal(t, StrategyStreaming, res.Strategy)
	assert.Equal(t, 300, res.RecordsProcessed)
	assert.Len(t, res.OutputFiles, len(report.Types))
	assert.Positive(t, res.Throughput())
}

func TestExportRecoversFromCacheFailure(t *testing.T) {
	path := writeLog(t, testutil.Scenario())
	cfg := testConfig(t)
	cfg.ForceStrategy = forced(StrategyIndexed)
	metrics := &BasicMetricsCollector{}
	exp := newExporter(t, cfg, WithMetricsCollector(metrics))

	// Replace the cache directory with a file so storing an index fails.
	require.NoError(t, os.RemoveAll(cfg.CacheDir))
	require.NoError(t, os.WriteFile(cfg.CacheDir, []byte("not a directory"), 0o644))

	res, err := exp.Export(t.Context(), path, t.TempDir(), "r")
	require.NoError(t, err)
	assert.Equal(t, StrategyFallback, res.Strategy)
	assert.Len(t, res.OutputFiles, len(report.Types))
	assert.Equal(t, 3, res.RecordsProcessed)

	doc := readDoc(t, res.OutputFiles[0])
	assert.Equal(t, "fallback", doc.Metadata.Strategy)

	stats := exp.Stats()
	assert.Equal(t, 1, stats.Recoveries)
	assert.Equal(t, 1, stats.Successes)
	assert.Equal(t, 1, stats.Strategies[StrategyFallback])
	assert.Equal(t, int64(1), metrics.GetStats().RecoveryCount)
}

func TestExportWithoutRecoveryPropagates(t *testing.T) {
	path := writeLog(t, testutil.Scenario())
	cfg := testConfig(t)
	cfg.ForceStrategy = forced(StrategyIndexed)
	cfg.EnableRecovery = false
	exp := newExporter(t, cfg)

	require.NoError(t, os.RemoveAll(cfg.CacheDir))
	require.NoError(t, os.WriteFile(cfg.CacheDir, nil, 0o644))

	_, err := exp.Export(t.Context(), path, t.TempDir(), "r")
	require.ErrorIs(t, err, ErrIO)

	stats := exp.Stats()
	assert.Equal(t, 0, stats.Recoveries)
	assert.Equal(t, 1, stats.Failures)
}

func TestExportAllReportsFailed(t *testing.T) {
	path := writeLog(t, testutil.Scenario())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0o644))

	exp := newExporter(t, testConfig(t))

	_, err = exp.Export(t.Context(), path, t.TempDir(), "r")
	require.ErrorIs(t, err, ErrAllReportsFailed)

	var rerr *RecoveryError
	require.True(t, errors.As(err, &rerr))
	assert.Error(t, rerr.Primary)
	assert.Len(t, rerr.Failures, len(report.Types))

	stats := exp.Stats()
	assert.Equal(t, 1, stats.Recoveries)
	assert.Equal(t, 1, stats.Failures)
	assert.Zero(t, stats.SuccessRate())
}

// blockingStore holds every upload until the context ends.
type blockingStore struct {
	blobstore.Store
}

func (blockingStore) Put(ctx context.Context, _ string, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestExportTimeout(t *testing.T) {
	path := writeLog(t, testutil.Scenario())
	exp := newExporter(t, testConfig(t), WithArtifactStore(blockingStore{blobstore.NewMemoryStore()}, "runs"))
	exp.cfg.Timeout = 50 * time.Millisecond

	_, err := exp.Export(t.Context(), path, t.TempDir(), "")
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var terr *TimeoutError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, path, terr.Path)
	assert.Equal(t, 50*time.Millisecond, terr.Timeout)
	assert.GreaterOrEqual(t, terr.Elapsed, terr.Timeout)

	stats := exp.Stats()
	assert.Equal(t, 1, stats.Timeouts)
	assert.Equal(t, 0, stats.Recoveries)
}

func TestExportCallerDeadlineIsNotTimeout(t *testing.T) {
	path := writeLog(t, testutil.Scenario())
	exp := newExporter(t, testConfig(t))

	ctx, cancel := context.WithDeadline(t.Context(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := exp.Export(ctx, path, t.TempDir(), "")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrTimeout)

	var terr *TimeoutError
	assert.False(t, errors.As(err, &terr))

	stats := exp.Stats()
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 0, stats.Timeouts)
}

func TestExportMissingFile(t *testing.T) {
	exp := newExporter(t, testConfig(t))

	_, err := exp.Export(t.Context(), filepath.Join(t.TempDir(), "missing.bin"), t.TempDir(), "")
	require.ErrorIs(t, err, ErrIO)
}

func TestExportSubsetOfReports(t *testing.T) {
	path := writeLog(t, testutil.Scenario())
	cfg := testConfig(t)
	cfg.Reports = []report.Type{report.UnsafeFFI, report.Lifetime}
	exp := newExporter(t, cfg)

	outDir := t.TempDir()
	res, err := exp.Export(t.Context(), path, outDir, "sub")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(outDir, "sub_unsafe_ffi.json"),
		filepath.Join(outDir, "sub_lifetime.json"),
	}, res.OutputFiles)
}

func TestExportUploadsArtifacts(t *testing.T) {
	path := writeLog(t, testutil.Scenario())
	store := blobstore.NewMemoryStore()
	exp := newExporter(t, testConfig(t), WithArtifactStore(store, "runs"))

	res, err := exp.Export(t.Context(), path, t.TempDir(), "up")
	require.NoError(t, err)
	require.Len(t, res.Artifacts, len(res.OutputFiles))

	for i, name := range res.Artifacts {
		assert.Equal(t, "runs/"+res.RunID+"/"+filepath.Base(res.OutputFiles[i]), name)

		got, err := store.Get(t.Context(), name)
		require.NoError(t, err)
		local, err := os.ReadFile(res.OutputFiles[i])
		require.NoError(t, err)
		assert.Equal(t, local, got)
	}

	names, err := store.List(t.Context(), "runs/"+res.RunID+"/")
	require.NoError(t, err)
	assert.Len(t, names, len(report.Types))
}

func TestStatsAndReset(t *testing.T) {
	path := writeLog(t, testutil.Scenario())
	cfg := testConfig(t)
	exp := newExporter(t, cfg)

	_, ok := exp.Stats().MostUsedStrategy()
	assert.False(t, ok)

	for range 2 {
		_, err := exp.Export(t.Context(), path, t.TempDir(), "")
		require.NoError(t, err)
	}
	cfg.ForceStrategy = forced(StrategyIndexed)
	require.NoError(t, exp.UpdateConfig(cfg))
	_, err := exp.Export(t.Context(), path, t.TempDir(), "")
	require.NoError(t, err)

	stats := exp.Stats()
	assert.Equal(t, 3, stats.Conversions)
	assert.Equal(t, 3, stats.Successes)
	assert.Equal(t, 9, stats.TotalRecords)
	assert.Positive(t, stats.TotalBytes)
	assert.Equal(t, 1.0, stats.SuccessRate())
	assert.Positive(t, stats.AverageThroughput())

	most, ok := stats.MostUsedStrategy()
	require.True(t, ok)
	assert.Equal(t, StrategySimple, most)

	// Snapshots are independent of the exporter.
	stats.Strategies[StrategyStreaming] = 99
	assert.Zero(t, exp.Stats().Strategies[StrategyStreaming])

	exp.ResetStats()
	assert.Zero(t, exp.Stats().Conversions)
	assert.Empty(t, exp.Stats().Strategies)
}

func TestUpdateConfig(t *testing.T) {
	cfg := testConfig(t)
	exp := newExporter(t, cfg)

	bad := cfg
	bad.BatchSize = -1
	require.ErrorIs(t, exp.UpdateConfig(bad), ErrValidationFailed)
	assert.Equal(t, cfg.BatchSize, exp.Config().BatchSize)

	next := cfg
	next.MaxConcurrentExports = 8
	next.MemoryLimitBytes = 64 * MiB
	require.NoError(t, exp.UpdateConfig(next))
	assert.Equal(t, 8, exp.Config().MaxConcurrentExports)
	assert.Equal(t, int64(64*MiB), exp.ctrl.MemoryLimit())

	// The reopened cache still serves exports.
	path := writeLog(t, testutil.Scenario())
	next.ForceStrategy = forced(StrategyIndexed)
	require.NoError(t, exp.UpdateConfig(next))
	_, err := exp.Export(t.Context(), path, t.TempDir(), "")
	require.NoError(t, err)
}

func TestClose(t *testing.T) {
	exp, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, exp.Close())
	require.NoError(t, exp.Close())

	_, err = exp.Export(t.Context(), "x", t.TempDir(), "")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, exp.UpdateConfig(DefaultConfig()), ErrClosed)
	require.ErrorIs(t, exp.ConvertFormat(t.Context(), "x", "y", format.Raw), ErrClosed)
}

func TestConvertFormat(t *testing.T) {
	recs := testutil.Scenario()
	path := writeLog(t, recs)
	exp := newExporter(t, testConfig(t))
	fm, err := format.NewManager(format.DefaultConfig())
	require.NoError(t, err)

	for _, f := range format.Formats {
		t.Run(f.String(), func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "trace"+f.Extension())
			require.NoError(t, exp.ConvertFormat(t.Context(), path, out, f))

			data, err := os.ReadFile(out)
			require.NoError(t, err)
			assert.Equal(t, f.Magic(), data[:len(f.Magic())])

			got, err := fm.DecodeAs(f, data)
			require.NoError(t, err)
			require.Len(t, got, len(recs))
			for i := range recs {
				assert.Equal(t, recs[i].Ptr, got[i].Ptr)
				assert.Equal(t, recs[i].Size, got[i].Size)
				assert.Equal(t, recs[i].ThreadID, got[i].ThreadID)
			}
		})
	}

	err = exp.ConvertFormat(t.Context(), filepath.Join(t.TempDir(), "missing"), filepath.Join(t.TempDir(), "o"), format.Raw)
	require.ErrorIs(t, err, ErrIO)
}

func TestBasicMetricsCollector(t *testing.T) {
	path := writeLog(t, testutil.Scenario())
	metrics := &BasicMetricsCollector{}
	exp := newExporter(t, testConfig(t), WithMetricsCollector(metrics))

	_, err := exp.Export(t.Context(), path, t.TempDir(), "")
	require.NoError(t, err)
	_, err = exp.Export(t.Context(), filepath.Join(t.TempDir(), "missing"), t.TempDir(), "")
	require.Error(t, err)

	s := metrics.GetStats()
	assert.Equal(t, int64(2), s.ExportCount)
	assert.Equal(t, int64(1), s.ExportErrors)
	assert.Equal(t, int64(3), s.RecordsExported)
	assert.Equal(t, int64(len(report.Types)), s.ReportCount)
	assert.Zero(t, s.ReportErrors)
}

func TestExportReportsProgress(t *testing.T) {
	const n = 300
	path := writeLog(t, testutil.NewRNG(7).Records(n))
	cfg := testConfig(t)
	cfg.ForceStrategy = forced(StrategyIndexed)
	cfg.BatchSize = 64

	var updates []Progress
	exp := newExporter(t, cfg, WithProgress(func(p Progress) {
		updates = append(updates, p)
	}))

	res, err := exp.Export(t.Context(), path, t.TempDir(), "")
	require.NoError(t, err)
	require.NotEmpty(t, updates)

	assert.Equal(t, StageInitializing, updates[0].Stage)
	last := updates[len(updates)-1]
	assert.Equal(t, StageCompleted, last.Stage)
	assert.Equal(t, res.RunID, last.RunID)
	assert.Equal(t, len(cfg.Reports), last.ReportsDone)
	assert.Equal(t, len(cfg.Reports), last.ReportsTotal)

	seen := map[Stage]bool{}
	processed := map[report.Type]int{}
	for i, p := range updates {
		seen[p.Stage] = true
		if i > 0 {
			assert.GreaterOrEqual(t, p.Stage, updates[i-1].Stage, "stages never go back")
		}
		if p.Stage == StageWriting {
			assert.Equal(t, n, p.Total)
			assert.LessOrEqual(t, p.Processed, p.Total)
			processed[p.Report] = max(processed[p.Report], p.Processed)
		}
	}
	assert.True(t, seen[StageIndexing])
	assert.False(t, seen[StageUploading], "no artifact store configured")
	for _, typ := range cfg.Reports {
		assert.Equal(t, n, processed[typ], typ.String())
	}
	assert.Equal(t, 1.0, last.Fraction())
	assert.Equal(t, "writing", StageWriting.String())
}

func TestConvertFormatUsesFormatConfigAndIORate(t *testing.T) {
	const n = 300
	path := writeLog(t, testutil.NewRNG(5).Records(n))

	plain := newExporter(t, testConfig(t))
	ref := filepath.Join(t.TempDir(), "ref.chunk")
	require.NoError(t, plain.ConvertFormat(t.Context(), path, ref, format.Chunked))
	refData, err := os.ReadFile(ref)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(refData[5:]), "default chunk size holds the whole stream")

	fcfg := format.DefaultConfig()
	fcfg.ChunkSize = 1024
	// Two thirds of the output fit in the initial burst; the rest waits
	// at least half a second.
	rate := int64(len(refData)) * 2 / 3
	exp := newExporter(t, testConfig(t), WithFormatConfig(fcfg), WithIORate(rate))

	out := filepath.Join(t.TempDir(), "small.chunk")
	start := time.Now()
	require.NoError(t, exp.ConvertFormat(t.Context(), path, out, format.Chunked))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Greater(t, binary.LittleEndian.Uint32(data[5:]), uint32(1))

	fm, err := format.NewManager(fcfg)
	require.NoError(t, err)
	got, err := fm.DecodeAs(format.Chunked, data)
	require.NoError(t, err)
	assert.Len(t, got, n)
}
