// Package digest computes content digests (hash + size) for blobs and
// canonical messages stored in the content addressable storage.
package digest

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// ErrInvalidDigest is returned when a digest cannot be parsed or fails validation.
var ErrInvalidDigest = errors.New("invalid digest")

// Digest identifies a blob by the hash of its contents and its size.
// It is comparable and used directly as a map key for deduplication.
type Digest struct {
	Hash      string // lowercase hex
	SizeBytes int64
}

// String returns the "hash/size" form used in logs and storage keys.
func (d Digest) String() string {
	return d.Hash + "/" + strconv.FormatInt(d.SizeBytes, 10)
}

// IsZero reports whether d is the zero value.
func (d Digest) IsZero() bool {
	return d.Hash == "" && d.SizeBytes == 0
}

// ToProto converts d to its REv2 wire representation.
func (d Digest) ToProto() *remoteexecution.Digest {
	return &remoteexecution.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes}
}

// FromProto converts an REv2 digest, validating its hash encoding.
func FromProto(pb *remoteexecution.Digest) (Digest, error) {
	if pb == nil {
		return Digest{}, fmt.Errorf("nil digest: %w", ErrInvalidDigest)
	}
	d := Digest{Hash: pb.GetHash(), SizeBytes: pb.GetSizeBytes()}
	if err := d.validate(); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// Parse parses the "hash/size" form produced by String.
func Parse(s string) (Digest, error) {
	hash, size, ok := strings.Cut(s, "/")
	if !ok {
		return Digest{}, fmt.Errorf("parse %q: missing size: %w", s, ErrInvalidDigest)
	}
	n, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return Digest{}, fmt.Errorf("parse %q: %w", s, ErrInvalidDigest)
	}
	d := Digest{Hash: hash, SizeBytes: n}
	if err := d.validate(); err != nil {
		return Digest{}, err
	}
	return d, nil
}

func (d Digest) validate() error {
	if d.SizeBytes < 0 {
		return fmt.Errorf("negative size %d: %w", d.SizeBytes, ErrInvalidDigest)
	}
	if d.Hash == "" || d.Hash != strings.ToLower(d.Hash) {
		return fmt.Errorf("hash %q: %w", d.Hash, ErrInvalidDigest)
	}
	if _, err := hex.DecodeString(d.Hash); err != nil {
		return fmt.Errorf("hash %q: %w", d.Hash, ErrInvalidDigest)
	}
	return nil
}
