package report

import (
	"context"

	"github.com/hupe1980/alloclog/model"
	"github.com/hupe1980/alloclog/selective"
)

// Source delivers records for a report in batches. Implementations deliver
// records in file order, projected to fields, and stop when fn returns false.
// fn must not retain the batch after it returns.
type Source interface {
	Each(ctx context.Context, fields model.FieldSet, fn func([]model.AllocationRecord) bool) error
}

// Records is a Source over records already in memory.
type Records []model.AllocationRecord

// Each delivers projected copies so the backing records are never modified.
func (rs Records) Each(ctx context.Context, fields model.FieldSet, fn func([]model.AllocationRecord) bool) error {
	const batchSize = selective.DefaultBatchSize
	batch := make([]model.AllocationRecord, 0, min(batchSize, len(rs)))
	for start := 0; start < len(rs); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch = batch[:0]
		for _, r := range rs[start:min(start+batchSize, len(rs))] {
			r.Project(fields)
			batch = append(batch, r)
		}
		if !fn(batch) {
			return nil
		}
	}
	return nil
}

// ReaderSource is a Source backed by a selective reader. Filters restrict the
// records a report sees.
type ReaderSource struct {
	Reader    *selective.Reader
	Filters   []model.Filter
	BatchSize int
}

// Each streams matching records from the reader.
func (s ReaderSource) Each(ctx context.Context, fields model.FieldSet, fn func([]model.AllocationRecord) bool) error {
	opts := selective.NewOptions(fields).WithFilter(s.Filters...)
	if s.BatchSize > 0 {
		opts = opts.WithBatchSize(s.BatchSize)
	}
	return s.Reader.Stream(ctx, opts, fn)
}
