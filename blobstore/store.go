package blobstore

import (
	"context"
	"os"
	"path"
	"strings"

	"github.com/hupe1980/alloclog/model"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
// The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Store persists export artifacts by name. Names use forward slashes.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put writes a blob atomically, replacing any previous content.
	Put(ctx context.Context, name string, data []byte) error

	// Get returns the content of a blob.
	Get(ctx context.Context, name string) ([]byte, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the sorted names of all blobs starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// PutFile uploads the file at localPath to store under name and returns the
// number of bytes uploaded.
func PutFile(ctx context.Context, store Store, name, localPath string) (int64, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return 0, model.IOError("blobstore.put_file", err)
	}
	if err := store.Put(ctx, name, data); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// Join builds a blob name from slash-separated parts, ignoring empty ones.
func Join(parts ...string) string {
	return strings.TrimPrefix(path.Join(parts...), "/")
}
