// Package blobstore provides storage for export artifacts.
//
// Store is the interface exporters upload finished reports to.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: Local filesystem with atomic writes and mmap reads
//   - MemoryStore: In-memory, for tests
//   - minio.Store: MinIO or any S3-compatible endpoint via minio-go
//   - s3.Store: Amazon S3 with multipart uploads
//
// # Custom Implementations
//
// Implement the Store interface to support custom storage backends:
//
//	type Store interface {
//	    Put(ctx, name, data) error         // Atomic write
//	    Get(ctx, name) ([]byte, error)
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
//
// Missing blobs are reported with an error matching ErrNotFound.
package blobstore
