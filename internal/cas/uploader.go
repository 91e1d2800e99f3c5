package cas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/digest"
	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/metrics"
	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/storage"
)

// ErrTransfer matches every *TransferError.
var ErrTransfer = errors.New("transfer failed")

// TransferError reports that a batch upload did not complete. Callers must
// assume that no blob of the batch was persisted.
type TransferError struct {
	Digest digest.Digest // first blob that failed
	Err    error
}

func (e *TransferError) Error() string {
	if e.Digest.IsZero() {
		return fmt.Sprintf("upload: %v", e.Err)
	}
	return fmt.Sprintf("upload %s: %v", e.Digest, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Is(target error) bool { return target == ErrTransfer }

// BatchUploader makes sure every blob of a set exists in the remote store,
// as a single logical call.
type BatchUploader interface {
	UploadBlobs(ctx context.Context, blobs BlobSet) error
}

// UploaderConfig holds retry and concurrency policy for StoreUploader.
type UploaderConfig struct {
	// Concurrency is the maximum number of blobs uploaded in parallel.
	// Default: min(NumCPU * 2, 16)
	Concurrency int

	// MaxAttempts bounds the attempts per blob. Default: 3
	MaxAttempts int

	InitialBackoff time.Duration // default 100ms
	MaxBackoff     time.Duration // default 5s

	// Timeout bounds the whole batch. Zero means no timeout.
	Timeout time.Duration

	// Backend labels storage error metrics.
	Backend string
}

// DefaultUploaderConfig returns the default configuration.
func DefaultUploaderConfig() UploaderConfig {
	c := runtime.NumCPU() * 2
	if c > 16 {
		c = 16
	}
	return UploaderConfig{
		Concurrency:    c,
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// StoreUploader uploads blob sets into a storage.BlobStore, skipping blobs
// the store already has.
type StoreUploader struct {
	store storage.BlobStore
	cfg   UploaderConfig
	log   *slog.Logger
}

// NewStoreUploader creates an uploader for store. Zero config fields take
// their defaults.
func NewStoreUploader(store storage.BlobStore, cfg UploaderConfig) *StoreUploader {
	def := DefaultUploaderConfig()
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &StoreUploader{
		store: store,
		cfg:   cfg,
		log:   slog.With("component", "uploader"),
	}
}

// UploadBlobs uploads every blob in the set. Any failure fails the whole
// call with a *TransferError.
func (u *StoreUploader) UploadBlobs(ctx context.Context, blobs BlobSet) error {
	if len(blobs) == 0 {
		return nil
	}

	if u.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.cfg.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	var uploaded, skipped, bytesUploaded atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.cfg.Concurrency)

	for _, d := range blobs.Digests() {
		src := blobs[d]
		g.Go(func() error {
			stored, err := u.uploadWithRetry(gctx, src)
			if err != nil {
				return &TransferError{Digest: d, Err: err}
			}
			if stored {
				uploaded.Add(1)
				bytesUploaded.Add(d.SizeBytes)
			} else {
				skipped.Add(1)
			}
			return nil
		})
	}

	err := g.Wait()
	elapsed := time.Since(startTime)

	if m := metrics.Get(); m != nil {
		m.AddBlobsUploaded(float64(uploaded.Load()))
		m.AddBlobsSkipped(float64(skipped.Load()))
		m.AddBytesUploaded(float64(bytesUploaded.Load()))
		m.ObserveUploadDuration(elapsed.Seconds())
		if err != nil {
			m.IncStorageErrors(metrics.Labels{Backend: u.cfg.Backend})
		}
	}

	if err != nil {
		u.log.Warn("batch upload failed", "blobs", len(blobs), "error", err)
		return err
	}

	u.log.Debug("batch uploaded",
		"blobs", len(blobs),
		"uploaded", uploaded.Load(),
		"skipped", skipped.Load(),
		"bytes", bytesUploaded.Load(),
		"duration_ms", elapsed.Milliseconds(),
	)
	return nil
}

// uploadWithRetry stores one blob, returning false if it was already present.
func (u *StoreUploader) uploadWithRetry(ctx context.Context, src Source) (bool, error) {
	d := src.Digest()
	stored := false

	op := func() error {
		exists, err := u.store.Has(ctx, d)
		if err != nil {
			return err
		}
		if exists {
			stored = false
			return nil
		}

		r, err := src.Open()
		if err != nil {
			// The output vanished or became unreadable; retrying cannot help.
			return backoff.Permanent(err)
		}
		defer r.Close()

		if err := u.store.Put(ctx, d, r); err != nil {
			if errors.Is(err, storage.ErrDigestMismatch) {
				return backoff.Permanent(err)
			}
			return err
		}
		stored = true
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = u.cfg.InitialBackoff
	exp.MaxInterval = u.cfg.MaxBackoff
	exp.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(u.cfg.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		u.log.Warn("blob upload failed, retrying", "digest", d.String(), "wait", wait, "error", err)
		if m := metrics.Get(); m != nil {
			m.IncRetryAttempts(metrics.Labels{Operation: "blob_upload"})
		}
	})
	if err != nil {
		return false, err
	}
	return stored, nil
}

// Verify StoreUploader implements BatchUploader.
var _ BatchUploader = (*StoreUploader)(nil)
