package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
)

// canonical serialization for every message whose digest is recorded.
var marshalOptions = proto.MarshalOptions{Deterministic: true}

// Function computes digests with a fixed hash algorithm.
type Function struct {
	value   remoteexecution.DigestFunction_Value
	newHash func() hash.Hash
	empty   Digest
}

// NewFunction returns a Function for the given REv2 digest function.
func NewFunction(value remoteexecution.DigestFunction_Value) (Function, error) {
	var newHash func() hash.Hash
	switch value {
	case remoteexecution.DigestFunction_SHA256:
		newHash = sha256.New
	case remoteexecution.DigestFunction_SHA1:
		newHash = sha1.New
	case remoteexecution.DigestFunction_MD5:
		newHash = md5.New
	case remoteexecution.DigestFunction_SHA384:
		newHash = sha512.New384
	case remoteexecution.DigestFunction_SHA512:
		newHash = sha512.New
	default:
		return Function{}, fmt.Errorf("unsupported digest function %s", value)
	}
	fn := Function{value: value, newHash: newHash}
	fn.empty = fn.Compute(nil)
	return fn, nil
}

// ParseFunction returns a Function by name ("sha256", "SHA1", ...).
func ParseFunction(name string) (Function, error) {
	value, ok := remoteexecution.DigestFunction_Value_value[strings.ToUpper(name)]
	if !ok {
		return Function{}, fmt.Errorf("unknown digest function %q", name)
	}
	return NewFunction(remoteexecution.DigestFunction_Value(value))
}

// SHA256 is the default digest function.
func SHA256() Function {
	fn, err := NewFunction(remoteexecution.DigestFunction_SHA256)
	if err != nil {
		panic(err)
	}
	return fn
}

// Value returns the REv2 enum for this function.
func (f Function) Value() remoteexecution.DigestFunction_Value {
	return f.value
}

// Empty returns the digest of the empty byte sequence.
func (f Function) Empty() Digest {
	return f.empty
}

// NewHasher returns a fresh hash.Hash for streaming computations.
func (f Function) NewHasher() hash.Hash {
	return f.newHash()
}

// Compute returns the digest of data.
func (f Function) Compute(data []byte) Digest {
	h := f.newHash()
	h.Write(data)
	return Digest{Hash: hex.EncodeToString(h.Sum(nil)), SizeBytes: int64(len(data))}
}

// ComputeReader digests everything read from r.
func (f Function) ComputeReader(r io.Reader) (Digest, error) {
	h := f.newHash()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, fmt.Errorf("hash content: %w", err)
	}
	return Digest{Hash: hex.EncodeToString(h.Sum(nil)), SizeBytes: n}, nil
}

// ComputeMessage serializes m canonically and returns its digest together
// with the serialized bytes, so callers upload exactly what was hashed.
func (f Function) ComputeMessage(m proto.Message) (Digest, []byte, error) {
	data, err := marshalOptions.Marshal(m)
	if err != nil {
		return Digest{}, nil, fmt.Errorf("marshal %s: %w", m.ProtoReflect().Descriptor().FullName(), err)
	}
	return f.Compute(data), data, nil
}
