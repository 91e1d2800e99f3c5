package storage

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
)

// NewGCSStore creates a store backed by a Google Cloud Storage bucket.
func NewGCSStore(ctx context.Context, bucketName string, opts Options) (*BucketStore, error) {
	bucket, err := blob.OpenBucket(ctx, fmt.Sprintf("gs://%s", bucketName))
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}

	return newBucketStore(bucket, "gs://"+bucketName, opts), nil
}
