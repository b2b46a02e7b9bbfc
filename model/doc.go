// Package model defines the core types shared by every alloclog package.
//
// # Records
//
//   - AllocationRecord: one tracked heap allocation. Ptr, Size, TimestampAlloc and
//     ThreadID are always present; every other field may be withheld by a
//     selective read.
//   - LifecycleEvent, AccessEvent, BoundaryEvent: time-series sub-records that
//     the record codec stores delta-encoded.
//
// # Queries
//
//   - Field / FieldSet: the projection mask used by selective reads.
//   - Filter: a closed set of predicates. Range and equality shapes can be
//     answered approximately from an index; every filter is exact on a loaded record.
//   - SortField / SortOrder: stable ordering with defined defaults for absent values.
//
// # Errors
//
// The error taxonomy (ErrIO, ErrSerialization, ErrCompression, ErrCorruptedData,
// ErrValidationFailed, ErrUnsupportedFeature) lives here so that every layer
// reports failures the same way:
//
//	if errors.Is(err, model.ErrCorruptedData) { ... }
package model
