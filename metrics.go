package alloclog

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/alloclog/report"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordExport is called after each Export call.
	RecordExport(strategy Strategy, records int, bytes int64, duration time.Duration, err error)

	// RecordReport is called after each report, including those written by recovery.
	RecordReport(typ report.Type, duration time.Duration, err error)

	// RecordRecovery is called when the fallback path starts.
	RecordRecovery(cause error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordExport(Strategy, int, int64, time.Duration, error) {}
func (NoopMetricsCollector) RecordReport(report.Type, time.Duration, error)          {}
func (NoopMetricsCollector) RecordRecovery(error)                                    {}

// BasicMetricsCollector provides simple in-memory metrics collection.
type BasicMetricsCollector struct {
	ExportCount      atomic.Int64
	ExportErrors     atomic.Int64
	ExportTotalNanos atomic.Int64
	RecordsExported  atomic.Int64
	BytesWritten     atomic.Int64
	ReportCount      atomic.Int64
	ReportErrors     atomic.Int64
	RecoveryCount    atomic.Int64
}

// RecordExport implements MetricsCollector.
func (b *BasicMetricsCollector) RecordExport(_ Strategy, records int, bytes int64, duration time.Duration, err error) {
	b.ExportCount.Add(1)
	b.ExportTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ExportErrors.Add(1)
		return
	}
	b.RecordsExported.Add(int64(records))
	b.BytesWritten.Add(bytes)
}

// RecordReport implements MetricsCollector.
func (b *BasicMetricsCollector) RecordReport(_ report.Type, _ time.Duration, err error) {
	b.ReportCount.Add(1)
	if err != nil {
		b.ReportErrors.Add(1)
	}
}

// RecordRecovery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRecovery(error) {
	b.RecoveryCount.Add(1)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		ExportCount:     b.ExportCount.Load(),
		ExportErrors:    b.ExportErrors.Load(),
		ExportAvgNanos:  b.getAvgExportNanos(),
		RecordsExported: b.RecordsExported.Load(),
		BytesWritten:    b.BytesWritten.Load(),
		ReportCount:     b.ReportCount.Load(),
		ReportErrors:    b.ReportErrors.Load(),
		RecoveryCount:   b.RecoveryCount.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgExportNanos() int64 {
	count := b.ExportCount.Load()
	if count == 0 {
		return 0
	}
	return b.ExportTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	ExportCount     int64
	ExportErrors    int64
	ExportAvgNanos  int64
	RecordsExported int64
	BytesWritten    int64
	ReportCount     int64
	ReportErrors    int64
	RecoveryCount   int64
}
