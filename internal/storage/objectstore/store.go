// Package objectstore adapts S3-compatible storage to the narrow
// surface the run engine uses for cache archives and run artifacts.
package objectstore

import (
	"context"
	"errors"
	"io"
)

// ObjectInfo carries the metadata a download response needs alongside
// the body.
type ObjectInfo struct {
	Key         string
	Size        int64
	ETag        string
	ContentType string
}

// ErrNotExist reports that the requested object (or its bucket) is
// absent. Cache restores treat it as a miss; artifact reads surface it
// as not found.
var ErrNotExist = errors.New("object does not exist")

// Store is what the engine needs from object storage: upload a body of
// known size, and stream one back with its metadata. The caller owns
// closing the returned reader. Implementations map their backend's
// absence errors to ErrNotExist; tests substitute in-memory maps.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
}
