// Package cache keeps built record indexes on disk across runs.
//
// Each entry maps a source file (by absolute path) to a serialized,
// optionally compressed index.BinaryIndex plus the file size and
// modification time it was built from. A metadata table in the cache
// directory is rewritten atomically after every mutation. Entries are
// expired by age and then evicted least-recently-used first.
package cache
