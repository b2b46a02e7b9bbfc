// Package s3 provides an S3 implementation of the blobstore.Store interface.
//
// # Usage
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	client := awss3.NewFromConfig(cfg)
//	store := s3.NewStore(client, "my-bucket", "exports/")
//
//	exp, err := alloclog.New(alloclog.DefaultConfig(), alloclog.WithArtifactStore(store, "runs"))
//
// # Features
//
//   - Multipart uploads for large reports
//   - CRC32C integrity checksums
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
