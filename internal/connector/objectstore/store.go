package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrNotFound = errors.New("object not found")
	ErrConflict = errors.New("object changed concurrently")
)

// Store abstracts a blob service. Implementations map their not-found and
// precondition failures to ErrNotFound and ErrConflict.
type Store interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, opts PutOptions) error
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

type PutOptions struct {
	ContentType string
	// IfMatch makes the put conditional on the current ETag. Stores without
	// conditional writes ignore it.
	IfMatch string
}
