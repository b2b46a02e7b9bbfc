// Package index builds and serializes offset indexes over allocation log
// files.
//
// A BinaryIndex records the start offset of every record so readers can seek
// straight to a record without parsing its predecessors. Files with at least
// DefaultQuickFilterThreshold records also get a QuickFilter: per-batch
// min/max ranges for pointer, size and timestamp plus Bloom filters over
// thread ids and type names. Batches whose summary cannot satisfy a filter
// are skipped without being loaded.
//
// Each index records the size and modification time of the file it was
// built from, plus a content fingerprint carried as metadata.
package index
