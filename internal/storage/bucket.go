package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/digest"
)

const encodingKey = "encoding"

// Options are shared by every bucket-backed store.
type Options struct {
	Prefix      string
	Compression Compression
	Function    digest.Function
}

// BucketStore stores blobs in a gocloud.dev bucket under
// "<prefix>cas/<hash>-<size>".
type BucketStore struct {
	bucket    *blob.Bucket
	uriPrefix string
	prefix    string
	zstd      bool
	fn        digest.Function
}

func newBucketStore(bucket *blob.Bucket, uriPrefix string, opts Options) *BucketStore {
	fn := opts.Function
	if fn.Value() == 0 {
		fn = digest.SHA256()
	}
	return &BucketStore{
		bucket:    bucket,
		uriPrefix: uriPrefix,
		prefix:    opts.Prefix,
		zstd:      opts.Compression == CompressionZstd,
		fn:        fn,
	}
}

func (s *BucketStore) key(d digest.Digest) string {
	return s.prefix + "cas/" + d.Hash + "-" + strconv.FormatInt(d.SizeBytes, 10)
}

// Has checks if the blob already exists in the bucket.
func (s *BucketStore) Has(ctx context.Context, d digest.Digest) (bool, error) {
	ok, err := s.bucket.Exists(ctx, s.key(d))
	if err != nil {
		return false, fmt.Errorf("check %s: %w", d, err)
	}
	return ok, nil
}

// Put streams r into the bucket, verifying it against d. The write is
// aborted, and nothing becomes visible, if the content does not match.
func (s *BucketStore) Put(ctx context.Context, d digest.Digest, r io.Reader) error {
	key := s.key(d)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := &blob.WriterOptions{
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"digest": d.String()},
	}
	if s.zstd {
		opts.Metadata[encodingKey] = string(CompressionZstd)
	}

	w, err := s.bucket.NewWriter(ctx, key, opts)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	abort := func(err error) error {
		cancel()
		w.Close()
		return err
	}

	var dst io.Writer = w
	var enc *zstd.Encoder
	if s.zstd {
		enc, err = zstd.NewWriter(w)
		if err != nil {
			return abort(fmt.Errorf("create zstd writer: %w", err))
		}
		dst = enc
	}

	h := s.fn.NewHasher()
	n, err := io.Copy(io.MultiWriter(dst, h), r)
	if err != nil {
		if enc != nil {
			enc.Close()
		}
		return abort(fmt.Errorf("write data to %s: %w", key, err))
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return abort(fmt.Errorf("flush zstd for %s: %w", key, err))
		}
	}

	got := digest.Digest{Hash: hex.EncodeToString(h.Sum(nil)), SizeBytes: n}
	if got != d {
		return abort(fmt.Errorf("put %s: got %s: %w", d, got, ErrDigestMismatch))
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// Get opens the blob for reading, decoding it if it was stored compressed.
func (s *BucketStore) Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	key := s.key(d)

	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("get %s: %w", d, ErrNotFound)
		}
		return nil, fmt.Errorf("get attributes for %s: %w", key, err)
	}

	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}

	if attrs.Metadata[encodingKey] != string(CompressionZstd) {
		return r, nil
	}

	dec, err := zstd.NewReader(r)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("create zstd reader for %s: %w", key, err)
	}
	return &decodingReader{Decoder: dec, underlying: r}, nil
}

// URI returns the canonical URI for the blob.
func (s *BucketStore) URI(d digest.Digest) string {
	return s.uriPrefix + "/" + s.key(d)
}

// Close releases the bucket connection.
func (s *BucketStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// decodingReader closes both the zstd decoder and the bucket reader.
type decodingReader struct {
	*zstd.Decoder
	underlying io.Closer
}

func (r *decodingReader) Close() error {
	r.Decoder.Close()
	return r.underlying.Close()
}

// Verify BucketStore implements BlobStore.
var _ BlobStore = (*BucketStore)(nil)
