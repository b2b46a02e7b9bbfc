package alloclog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/alloclog/model"
	"github.com/hupe1980/alloclog/report"
)

// Stage is a phase of an export run.
type Stage uint8

const (
	// StageInitializing covers validation and strategy selection.
	StageInitializing Stage = iota
	// StageIndexing covers decoding the file or loading or building its index.
	StageIndexing
	// StageWriting covers report generation.
	StageWriting
	// StageUploading covers artifact uploads.
	StageUploading
	// StageCompleted is reported once after a successful export.
	StageCompleted
)

var stageNames = [...]string{
	StageInitializing: "initializing",
	StageIndexing:     "indexing",
	StageWriting:      "writing",
	StageUploading:    "uploading",
	StageCompleted:    "completed",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", s)
}

// Progress is a snapshot of a running export.
type Progress struct {
	RunID string
	Stage Stage

	// Report is the report that produced this update during StageWriting.
	Report report.Type

	// Processed counts the records Report has consumed so far. Total is the
	// number of records in the source file, or 0 before it is known.
	Processed int
	Total     int

	// ReportsDone counts finished reports, failed ones included.
	ReportsDone  int
	ReportsTotal int

	Elapsed time.Duration
}

// Fraction returns Processed/Total, or 0 while Total is unknown.
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	return min(1, float64(p.Processed)/float64(p.Total))
}

// ProgressFunc receives progress updates. Calls for one export are
// serialized and must not block for long.
type ProgressFunc func(Progress)

// tracker emits Progress for one export. A nil tracker is a no-op.
type tracker struct {
	mu    sync.Mutex
	fn    ProgressFunc
	now   func() time.Time
	start time.Time
	cur   Progress
}

func newTracker(fn ProgressFunc, now func() time.Time, runID string, reports int) *tracker {
	if fn == nil {
		return nil
	}
	return &tracker{
		fn:    fn,
		now:   now,
		start: now(),
		cur:   Progress{RunID: runID, ReportsTotal: reports},
	}
}

// emit applies update to the current snapshot and publishes it.
func (t *tracker) emit(update func(p *Progress)) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	update(&t.cur)
	t.cur.Elapsed = t.now().Sub(t.start)
	t.fn(t.cur)
}

func (t *tracker) stage(s Stage) {
	t.emit(func(p *Progress) { p.Stage = s })
}

// indexed records the source record count and enters StageWriting.
func (t *tracker) indexed(total int) {
	t.emit(func(p *Progress) {
		p.Stage = StageWriting
		p.Total = total
		p.Processed = 0
		p.ReportsDone = 0
	})
}

func (t *tracker) records(typ report.Type, processed int) {
	t.emit(func(p *Progress) {
		p.Report = typ
		p.Processed = processed
	})
}

func (t *tracker) reportDone(typ report.Type) {
	t.emit(func(p *Progress) {
		p.Report = typ
		p.ReportsDone++
	})
}

// source wraps src so that every delivered batch reports progress for typ.
func (t *tracker) source(src report.Source, typ report.Type) report.Source {
	if t == nil {
		return src
	}
	return progressSource{Source: src, t: t, typ: typ}
}

type progressSource struct {
	report.Source
	t   *tracker
	typ report.Type
}

func (s progressSource) Each(ctx context.Context, fields model.FieldSet, fn func([]model.AllocationRecord) bool) error {
	var n int
	return s.Source.Each(ctx, fields, func(batch []model.AllocationRecord) bool {
		n += len(batch)
		s.t.records(s.typ, n)
		return fn(batch)
	})
}
