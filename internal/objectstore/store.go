// Package objectstore declares the object storage contract used for drop
// chunks and manifests and provides an in-memory implementation. The MinIO/S3
// implementation lives in package s3storage.
package objectstore

import (
	"context"
	"errors"
	"time"
)

// MaxDeleteBatch is the largest number of keys one DeleteBatch call accepts.
const MaxDeleteBatch = 1000

var (
	// ErrNotFound is returned by GetObject for a missing key.
	ErrNotFound = errors.New("object not found")
	// ErrBatchTooLarge is returned when DeleteBatch receives more than
	// MaxDeleteBatch keys.
	ErrBatchTooLarge = errors.New("delete batch too large")
)

// Store is the subset of object storage the drop lifecycle relies on.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	// ListPage returns up to max keys under prefix sorted after startAfter.
	// next is the continuation token for the following page and is empty
	// once the listing is exhausted.
	ListPage(ctx context.Context, prefix, startAfter string, max int) (keys []string, next string, err error)
	// DeleteBatch removes up to MaxDeleteBatch keys. Missing keys are not an
	// error.
	DeleteBatch(ctx context.Context, keys []string) error
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// Target is a time-limited URL for uploading or downloading one object,
// together with the headers the client has to send.
type Target struct {
	Key       string            `json:"key"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"fields,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Presigner issues upload and download targets.
type Presigner interface {
	PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (Target, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (Target, error)
}
