package selective

import (
	"slices"

	"github.com/hupe1980/alloclog/model"
)

// DefaultBatchSize is the number of candidate records loaded per batch.
const DefaultBatchSize = 1000

// Options describes one selective read.
type Options struct {
	// Fields is the projection returned to the caller. Core fields are
	// always populated.
	Fields model.FieldSet

	// Filters are ANDed.
	Filters []model.Filter

	// Limit caps the result; 0 means unlimited.
	Limit int

	// Offset skips that many matching records (after sorting, if any).
	Offset int

	// Sort is optional. Ties keep file order.
	Sort *model.SortSpec

	// BatchSize is the number of candidates loaded and delivered per batch.
	BatchSize int
}

// NewOptions returns options projecting fields with the default batch size.
func NewOptions(fields model.FieldSet) Options {
	return Options{Fields: fields, BatchSize: DefaultBatchSize}
}

// WithFilter returns a copy with filters appended.
func (o Options) WithFilter(filters ...model.Filter) Options {
	o.Filters = append(slices.Clip(o.Filters), filters...)
	return o
}

// WithLimit returns a copy with the limit set.
func (o Options) WithLimit(n int) Options {
	o.Limit = n
	return o
}

// WithOffset returns a copy with the offset set.
func (o Options) WithOffset(n int) Options {
	o.Offset = n
	return o
}

// SortBy returns a copy sorted by field in the given order.
func (o Options) SortBy(field model.SortField, order model.SortOrder) Options {
	o.Sort = &model.SortSpec{Field: field, Order: order}
	return o
}

// WithBatchSize returns a copy with the batch size set.
func (o Options) WithBatchSize(n int) Options {
	o.BatchSize = n
	return o
}

// Validate rejects an unusable option set. It performs no I/O.
func (o Options) Validate() error {
	if o.Fields.IsEmpty() {
		return model.Invalid("fields", "at least one field is required")
	}
	if o.Fields&^model.AllFields != 0 {
		return model.Invalid("fields", "unknown field bits %#x", uint64(o.Fields&^model.AllFields))
	}
	if o.BatchSize <= 0 {
		return model.Invalid("batch_size", "must be positive, got %d", o.BatchSize)
	}
	if o.Limit < 0 {
		return model.Invalid("limit", "must not be negative, got %d", o.Limit)
	}
	if o.Offset < 0 {
		return model.Invalid("offset", "must not be negative, got %d", o.Offset)
	}
	for _, f := range o.Filters {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	if o.Sort != nil {
		return o.Sort.Validate()
	}
	return nil
}

// loadMask is the set of fields that must be decoded: the projection plus
// whatever filters and the sort key read.
func (o Options) loadMask() model.FieldSet {
	mask := o.Fields | model.FilterFields(o.Filters)
	if o.Sort != nil {
		mask = mask.With(o.Sort.Field.Field())
	}
	return mask
}

// window applies offset and limit to n items and returns the bounds.
func window(n, offset, limit int) (lo, hi int) {
	lo = min(offset, n)
	hi = n
	if limit > 0 {
		hi = min(lo+limit, n)
	}
	return lo, hi
}
