package storage

import (
	"context"
	"io"
)

// ObjectStorage defines the object operations used to archive run reports.
// It is intentionally small so MinIO can be swapped for any S3 implementation.
type ObjectStorage interface {
	// PutObject uploads sizeBytes read from reader. A negative size streams
	// the object without a known length.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)

	// RemoveObject deletes an object.
	RemoveObject(ctx context.Context, bucket, objectKey string) error
}

// ObjectStat contains object metadata used for validation.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}
