package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/digest"
)

var (
	// ErrNotFound is returned by Get when no blob exists for a digest.
	ErrNotFound = errors.New("blob not found")

	// ErrDigestMismatch is returned by Put when the written content does not
	// hash to the digest it was stored under.
	ErrDigestMismatch = errors.New("content does not match digest")
)

// BlobStore abstracts the content addressable storage that output blobs are
// pushed to. Blobs are immutable and keyed only by their digest.
type BlobStore interface {
	// Has reports whether a blob with the given digest is already stored.
	Has(ctx context.Context, d digest.Digest) (bool, error)

	// Put stores the content read from r under d. The content is verified
	// against d; on mismatch nothing is published.
	Put(ctx context.Context, d digest.Digest, r io.Reader) error

	// Get opens a stored blob for reading.
	Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error)

	// URI returns the canonical URI for the blob.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(d digest.Digest) string

	// Close releases any resources.
	Close() error
}

// Compression selects how blobs are encoded at rest.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "local" | "mem" | "gcs" | "s3"

	// Local filesystem
	LocalDir string

	// GCS
	GCSBucket string

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string
	S3Endpoint string // custom endpoint for B2/MinIO/R2
	S3Region   string

	// Common
	Prefix      string // "cas/" (path prefix within bucket or local dir)
	Compression Compression
}

// NewBlobStore creates a storage backend based on configuration.
func NewBlobStore(ctx context.Context, cfg StorageConfig, fn digest.Function) (*BucketStore, error) {
	opts := Options{Prefix: cfg.Prefix, Compression: cfg.Compression, Function: fn}
	switch cfg.Compression {
	case "", CompressionNone, CompressionZstd:
	default:
		return nil, fmt.Errorf("unknown compression: %s", cfg.Compression)
	}

	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, opts)
	case "mem":
		return NewMemStore(opts), nil
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCSBucket required for gcs backend")
		}
		return NewGCSStore(ctx, cfg.GCSBucket, opts)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3Bucket required for s3 backend")
		}
		return NewS3Store(ctx, cfg.S3Bucket, cfg.S3Endpoint, cfg.S3Region, opts)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
