package cas

import (
	"sort"

	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/digest"
)

// BlobSet maps digests to the sources that provide them. Keys are unique:
// two paths with identical content collapse into one entry.
type BlobSet map[digest.Digest]Source

// Add inserts s unless its digest is already present.
func (b BlobSet) Add(s Source) {
	if _, ok := b[s.Digest()]; ok {
		return
	}
	b[s.Digest()] = s
}

// Merge adds every entry of other into b, keeping existing entries.
func (b BlobSet) Merge(other BlobSet) {
	for d, s := range other {
		if _, ok := b[d]; !ok {
			b[d] = s
		}
	}
}

// TotalSize sums the sizes of all blobs in the set.
func (b BlobSet) TotalSize() int64 {
	var n int64
	for d := range b {
		n += d.SizeBytes
	}
	return n
}

// Digests returns the keys sorted by hash, then size.
func (b BlobSet) Digests() []digest.Digest {
	out := make([]digest.Digest, 0, len(b))
	for d := range b {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hash != out[j].Hash {
			return out[i].Hash < out[j].Hash
		}
		return out[i].SizeBytes < out[j].SizeBytes
	})
	return out
}
