package kiln

import (
	"encoding/binary"
	"hash"
	"strings"

	"github.com/cespare/xxhash"
)

// TargetDescriptor identifies the machine flavor an artifact is compiled
// for. Two accelerators with equal descriptors can share compiled modules,
// so the descriptor doubles as the codegen driver registry key.
//
// The struct is comparable by value on purpose; keep it free of slices.
type TargetDescriptor struct {
	// Platform is the runtime family, e.g. "vptx" or "host".
	Platform string
	// Arch names the instruction set generation within the platform.
	Arch string
	// Features is a normalized "+"-joined feature string, may be empty.
	Features string
}

func (t TargetDescriptor) String() string {
	var sb strings.Builder
	sb.WriteString(t.Platform)
	sb.WriteByte('/')
	sb.WriteString(t.Arch)
	if t.Features != "" {
		sb.WriteByte('+')
		sb.WriteString(t.Features)
	}
	return sb.String()
}

// Fingerprint is a stable 64-bit digest of the descriptor, used in store
// keys. Fields are length-prefixed so no two descriptors can collide by
// boundary shifting.
func (t TargetDescriptor) Fingerprint() uint64 {
	h := xxhash.New()
	hashField(h, t.Platform)
	hashField(h, t.Arch)
	hashField(h, t.Features)
	return h.Sum64()
}

func hashField(h hash.Hash64, s string) {
	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(s)))
	_, _ = h.Write(lenbuf[:])
	_, _ = h.Write([]byte(s))
}
