package kiln

import "sync/atomic"

// refs is an explicit strong-reference count. The garbage collector owns the
// memory; this counter owns the *liveness* of a handle: teardown hooks fire
// exactly once, and weak holders can observe death deterministically.
//
// The count is seeded at 1 by the owner that constructs the object.
type refs struct {
	n atomic.Int64
}

func newRefs() refs {
	var r refs
	r.n.Store(1)
	return r
}

// retain adds one unit of ownership. It fails (returns false) once the count
// has dropped to zero: a dead object can never be revived. This is the same
// contract a weak-handle upgrade needs, so weak upgrades are built on it.
func (r *refs) retain() bool {
	for {
		n := r.n.Load()
		if n <= 0 {
			return false
		}
		if r.n.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops one unit. Returns true for exactly one caller: the one that
// dropped the last unit and must run teardown. Releasing below zero is a
// bookkeeping bug on the caller's side and panics.
func (r *refs) release() bool {
	n := r.n.Add(-1)
	if n < 0 {
		panic("kiln: reference count released below zero")
	}
	return n == 0
}

func (r *refs) alive() bool {
	return r.n.Load() > 0
}

func (r *refs) count() int64 {
	return r.n.Load()
}
