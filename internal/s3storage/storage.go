package s3storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/deaddrop/internal/config"
	"github.com/dharsanguruparan/deaddrop/internal/objectstore"
)

const (
	// SSEAlgorithm is the server-side encryption clients must request on
	// upload; it is part of the signed headers.
	SSEAlgorithm = "AES256"
	headerSSE    = "X-Amz-Server-Side-Encryption"
)

// Storage wraps MinIO/S3 interactions for drop chunks and manifests.
type Storage struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.S3Region,
	}, nil
}

var (
	_ objectstore.Store     = (*Storage)(nil)
	_ objectstore.Presigner = (*Storage)(nil)
)

// EnsureBucket makes sure the drop bucket exists before use.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Exists performs a HEAD on the object; the body is never read.
func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", key, err)
	}
	return true, nil
}

// ListPage lists up to max keys under prefix after startAfter.
func (s *Storage) ListPage(ctx context.Context, prefix, startAfter string, max int) ([]string, string, error) {
	if max <= 0 || max > objectstore.MaxDeleteBatch {
		max = objectstore.MaxDeleteBatch
	}
	// cancelling stops the listing goroutine once we have one key past the page
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	objects := s.client.ListObjects(listCtx, s.bucket, minio.ListObjectsOptions{
		Prefix:     prefix,
		StartAfter: startAfter,
		Recursive:  true,
		MaxKeys:    max,
	})
	keys := make([]string, 0, max)
	more := false
	for obj := range objects {
		if obj.Err != nil {
			return nil, "", fmt.Errorf("list objects %s: %w", prefix, obj.Err)
		}
		if len(keys) == max {
			more = true
			break
		}
		keys = append(keys, obj.Key)
	}
	if !more || len(keys) == 0 {
		return keys, "", nil
	}
	return keys, keys[len(keys)-1], nil
}

// DeleteBatch removes keys with one multi-object delete request.
func (s *Storage) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) > objectstore.MaxDeleteBatch {
		return objectstore.ErrBatchTooLarge
	}
	if len(keys) == 0 {
		return nil
	}
	objectsCh := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		objectsCh <- minio.ObjectInfo{Key: k}
	}
	close(objectsCh)
	var firstErr error
	for rerr := range s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if isNotFound(rerr.Err) {
			continue
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("remove object %s: %w", rerr.ObjectName, rerr.Err)
		}
	}
	return firstErr
}

// GetObject fetches an object body.
func (s *Storage) GetObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, objectstore.ErrNotFound
		}
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return buf, nil
}

// PresignPut returns a PUT URL whose signature covers the content type and the
// server-side encryption header.
func (s *Storage) PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (objectstore.Target, error) {
	headers := http.Header{}
	headers.Set("Content-Type", contentType)
	headers.Set(headerSSE, SSEAlgorithm)
	u, err := s.client.PresignHeader(ctx, http.MethodPut, s.bucket, key, expiry, url.Values{}, headers)
	if err != nil {
		return objectstore.Target{}, fmt.Errorf("presign put %s: %w", key, err)
	}
	return objectstore.Target{
		Key: key,
		URL: u.String(),
		Headers: map[string]string{
			"Content-Type": contentType,
			headerSSE:      SSEAlgorithm,
		},
		ExpiresAt: time.Now().Add(expiry).UTC(),
	}, nil
}

// PresignGet returns a signed GET URL for a chunk or manifest.
func (s *Storage) PresignGet(ctx context.Context, key string, expiry time.Duration) (objectstore.Target, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return objectstore.Target{}, fmt.Errorf("presign get %s: %w", key, err)
	}
	return objectstore.Target{Key: key, URL: u.String(), ExpiresAt: time.Now().Add(expiry).UTC()}, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}
