package report

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hupe1980/alloclog/codec"
	"github.com/hupe1980/alloclog/model"
	"github.com/hupe1980/alloclog/persistence"
)

// Type is one of the JSON reports produced from an allocation log.
type Type uint8

const (
	MemoryAnalysis Type = iota
	Lifetime
	Performance
	UnsafeFFI
	ComplexTypes

	numTypes
)

// Types lists every report type in export order.
var Types = [...]Type{MemoryAnalysis, Lifetime, Performance, UnsafeFFI, ComplexTypes}

var typeNames = [numTypes]string{"memory_analysis", "lifetime", "performance", "unsafe_ffi", "complex_types"}

func (t Type) String() string {
	if t < numTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("report(%d)", uint8(t))
}

// ParseType resolves a report type by name.
func ParseType(name string) (Type, error) {
	for i, n := range typeNames {
		if n == name {
			return Type(i), nil
		}
	}
	return 0, model.Invalid("report", "unknown report type %q", name)
}

// Valid reports whether t is a known report type.
func (t Type) Valid() bool { return t < numTypes }

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Fields returns the projection the report reads.
func (t Type) Fields() model.FieldSet {
	switch t {
	case MemoryAnalysis:
		return model.MemoryAnalysisFields
	case Lifetime:
		return model.LifetimeFields
	case Performance:
		return model.PerformanceFields
	case UnsafeFFI:
		return model.UnsafeFFIFields
	case ComplexTypes:
		return model.ComplexTypesFields
	default:
		return model.CoreFields
	}
}

// FileName returns the output file name of the report for base, e.g.
// "run_memory_analysis.json".
func (t Type) FileName(base string) string {
	return base + "_" + t.String() + ".json"
}

type layout struct {
	// group nests the sections in an object of that name.
	group    string
	sections []string
}

func (t Type) layout() layout {
	switch t {
	case Lifetime:
		return layout{sections: []string{"lifecycle_events"}}
	case UnsafeFFI:
		return layout{sections: []string{"enhanced_ffi_data", "boundary_events"}}
	case ComplexTypes:
		return layout{group: "categorized_types", sections: categoryNames[:]}
	default:
		return layout{sections: []string{"allocations"}}
	}
}

// Metadata heads every report.
type Metadata struct {
	ReportType  Type      `json:"report_type"`
	Source      string    `json:"source"`
	GeneratedAt time.Time `json:"generated_at"`
	Strategy    string    `json:"strategy"`
	RunID       string    `json:"run_id,omitempty"`
}

// Summary closes every report.
type Summary struct {
	Type         Type           `json:"-"`
	Records      int            `json:"total_records"`
	TotalBytes   uint64         `json:"total_allocated_bytes"`
	Leaked       int            `json:"leaked_records"`
	Sections     map[string]int `json:"section_counts"`
	BytesWritten int64          `json:"-"`
}

// Generate writes report typ over the records of src to w.
//
// The document is streamed: the first section is written as records
// arrive, later sections are spooled and appended once the source is
// exhausted. A zero meta.GeneratedAt is set to the current time.
func Generate(ctx context.Context, w io.Writer, typ Type, src Source, meta Metadata) (Summary, error) {
	const op = "report.generate"
	if !typ.Valid() {
		return Summary{}, model.Unsupportedf(op, "report type %s", typ)
	}
	meta.ReportType = typ
	if meta.GeneratedAt.IsZero() {
		meta.GeneratedAt = time.Now().UTC()
	}

	cw := &countingWriter{w: w}
	g := newGenerator(typ, bufio.NewWriter(cw))

	g.begin(meta)
	err := src.Each(ctx, g.fields, func(batch []model.AllocationRecord) bool {
		for i := range batch {
			g.add(&batch[i])
		}
		return g.err == nil && ctx.Err() == nil
	})
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = g.err
	}
	if err != nil {
		return Summary{}, err
	}

	g.finish()
	if g.err != nil {
		return Summary{}, g.err
	}
	if err := g.out.Flush(); err != nil {
		return Summary{}, model.IOError(op, err)
	}
	g.summary.BytesWritten = cw.n
	return g.summary, nil
}

// GenerateFile writes report typ to path atomically.
func GenerateFile(ctx context.Context, path string, typ Type, src Source, meta Metadata) (Summary, error) {
	var (
		sum    Summary
		genErr error
	)
	err := persistence.SaveToFile(path, func(w io.Writer) error {
		sum, genErr = Generate(ctx, w, typ, src, meta)
		return genErr
	})
	if genErr != nil {
		return Summary{}, genErr
	}
	if err != nil {
		return Summary{}, model.IOError("report.write", err)
	}
	return sum, nil
}

type generator struct {
	typ     Type
	fields  model.FieldSet
	layout  layout
	out     *bufio.Writer
	spool   []bytes.Buffer
	counts  []int
	scratch []byte
	summary Summary
	err     error
}

func newGenerator(typ Type, out *bufio.Writer) *generator {
	l := typ.layout()
	return &generator{
		typ:     typ,
		fields:  typ.Fields(),
		layout:  l,
		out:     out,
		spool:   make([]bytes.Buffer, len(l.sections)),
		counts:  make([]int, len(l.sections)),
		summary: Summary{Type: typ, Sections: make(map[string]int, len(l.sections))},
	}
}

func (g *generator) begin(meta Metadata) {
	g.out.WriteString(`{"metadata":`)
	g.value(g.out, meta)
	g.out.WriteByte(',')
	if g.layout.group != "" {
		g.key(g.out, g.layout.group)
		g.out.WriteByte('{')
	}
	g.key(g.out, g.layout.sections[0])
	g.out.WriteByte('[')
}

func (g *generator) finish() {
	g.out.WriteByte(']')
	for i := 1; i < len(g.layout.sections); i++ {
		g.out.WriteByte(',')
		g.key(g.out, g.layout.sections[i])
		g.out.WriteByte('[')
		g.out.Write(g.spool[i].Bytes())
		g.out.WriteByte(']')
	}
	if g.layout.group != "" {
		g.out.WriteByte('}')
	}
	for i, name := range g.layout.sections {
		g.summary.Sections[name] = g.counts[i]
	}
	g.out.WriteByte(',')
	g.key(g.out, "summary")
	g.value(g.out, g.summary)
	g.out.WriteString("}\n")
}

func (g *generator) add(r *model.AllocationRecord) {
	g.summary.Records++
	g.summary.TotalBytes += r.Size
	if r.IsLeaked {
		g.summary.Leaked++
	}

	switch g.typ {
	case Lifetime:
		for _, e := range lifecycleEvents(r) {
			g.put(0, e)
		}
	case UnsafeFFI:
		g.put(0, newAllocation(r, g.fields))
		if f := r.FFI; f != nil {
			for _, c := range f.Crossings {
				g.put(1, boundaryJSON{
					Ptr:       hex(r.Ptr),
					Timestamp: c.Timestamp,
					Direction: c.Direction.String(),
					Context:   c.Context,
					Library:   f.Library,
					Function:  f.Function,
				})
			}
		}
	case ComplexTypes:
		g.put(int(categorizeRecord(r)), newAllocation(r, g.fields))
	default:
		g.put(0, newAllocation(r, g.fields))
	}
}

// put appends v to section sec.
func (g *generator) put(sec int, v any) {
	if g.err != nil {
		return
	}
	var w io.Writer = g.out
	if sec > 0 {
		w = &g.spool[sec]
	}
	if g.counts[sec] > 0 {
		_, _ = w.Write([]byte{','})
	}
	g.value(w, v)
	g.counts[sec]++
}

func (g *generator) key(w io.Writer, k string) {
	g.value(w, k)
	_, _ = w.Write([]byte{':'})
}

func (g *generator) value(w io.Writer, v any) {
	if g.err != nil {
		return
	}
	b, err := codec.GoJSON{}.Append(g.scratch[:0], v)
	if err != nil {
		g.err = model.SerializationError("report.generate", err)
		return
	}
	g.scratch = b
	_, _ = w.Write(b)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
