package kiln

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
)

// KernelDesc describes one compilation request: a named entry point, its
// source text and the option set the compiler must honor. Option order is
// significant; callers that want order-insensitive caching sort before
// building the descriptor.
type KernelDesc struct {
	Name    string
	Source  []byte
	Options []string
}

// Fingerprint digests the whole request. Equal fingerprints mean the store
// may serve one artifact for both requests.
func (k KernelDesc) Fingerprint() uint64 {
	h := xxhash.New()
	hashField(h, k.Name)

	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(k.Source)))
	_, _ = h.Write(lenbuf[:])
	_, _ = h.Write(k.Source)

	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(k.Options)))
	_, _ = h.Write(lenbuf[:])
	for _, opt := range k.Options {
		hashField(h, opt)
	}
	return h.Sum64()
}
