// Package cas holds the blobs discovered while reporting an action and
// pushes them to the content addressable storage in one batch.
package cas

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"google.golang.org/protobuf/proto"

	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/digest"
)

// Source is a lazy, re-readable handle over a blob's bytes.
// Open may be called more than once (for example on upload retries);
// each call returns a reader positioned at the start of the blob.
type Source interface {
	Digest() digest.Digest
	Open() (io.ReadCloser, error)
}

// FileSource reads a blob from a file on disk. The file is streamed on
// every Open rather than buffered.
type FileSource struct {
	path   string
	digest digest.Digest
}

// NewFileSource hashes the file at path and returns a source for it.
func NewFileSource(fn digest.Function, path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	d, err := fn.ComputeReader(f)
	if err != nil {
		return nil, fmt.Errorf("digest %s: %w", path, err)
	}
	return &FileSource{path: path, digest: d}, nil
}

func (s *FileSource) Digest() digest.Digest { return s.digest }

func (s *FileSource) Open() (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.path, err)
	}
	return f, nil
}

// Path returns the file the source reads from.
func (s *FileSource) Path() string { return s.path }

// MessageSource holds the canonical serialization of a message.
type MessageSource struct {
	data   []byte
	digest digest.Digest
}

// NewMessageSource serializes m deterministically and digests the result.
func NewMessageSource(fn digest.Function, m proto.Message) (*MessageSource, error) {
	d, data, err := fn.ComputeMessage(m)
	if err != nil {
		return nil, err
	}
	return &MessageSource{data: data, digest: d}, nil
}

// NewBytesSource wraps an in-memory blob.
func NewBytesSource(fn digest.Function, data []byte) *MessageSource {
	return &MessageSource{data: data, digest: fn.Compute(data)}
}

func (s *MessageSource) Digest() digest.Digest { return s.digest }

func (s *MessageSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

// Bytes returns the serialized message. Callers must not modify it.
func (s *MessageSource) Bytes() []byte { return s.data }
