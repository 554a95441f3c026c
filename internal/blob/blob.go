// Package blob provides content-addressed byte storage with streaming
// read/write and presigned download URLs. It defines the Store interface
// (port) and implementations for local disk and S3.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// Static errors for blob operations.
var (
	// ErrNotFound is returned when the requested key does not exist.
	ErrNotFound = errors.New("blob: not found")
	// ErrInvalidKey is returned for keys that could escape the store root.
	ErrInvalidKey = errors.New("blob: invalid key")
)

// Store defines the interface for opaque blob storage.
// Writes are durable before Put/Write return; readers see the complete
// object or ErrNotFound, never a partial write.
type Store interface {
	// Put streams data into the store under a content-addressed key
	// (sha256 of the bytes) and returns the key and byte count.
	Put(ctx context.Context, data io.Reader) (key string, size int64, err error)

	// Write streams data into the store under a caller-chosen key.
	// Keys are write-once by convention; rewriting a key replaces it.
	Write(ctx context.Context, key string, data io.Reader) (size int64, err error)

	// Open streams the blob back. The caller must close the reader.
	// Returns ErrNotFound if the key is absent.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat returns the blob size without reading it.
	Stat(ctx context.Context, key string) (size int64, err error)

	// PresignGet returns a short-lived URL granting read access to the blob
	// without further authentication.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Delete removes a blob. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every key currently in the store. Used by the
	// orphan-blob reconciler.
	List(ctx context.Context) ([]string, error)
}
