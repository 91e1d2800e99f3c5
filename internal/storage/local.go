package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
)

// NewLocalStore creates a store rooted at a directory on the local filesystem.
func NewLocalStore(baseDir string, opts Options) (*BucketStore, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}

	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", baseDir, err)
	}

	bucket, err := fileblob.OpenBucket(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open local bucket %s: %w", abs, err)
	}

	return newBucketStore(bucket, "file://"+abs, opts), nil
}

// NewMemStore creates a process-local in-memory store.
func NewMemStore(opts Options) *BucketStore {
	return newBucketStore(memblob.OpenBucket(nil), "mem://", opts)
}
