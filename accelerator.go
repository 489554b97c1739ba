package kiln

import (
	"fmt"

	"github.com/cespare/xxhash"
)

// AcceleratorID is a dense per-context device index. IDs are allocated
// monotonically by Context.TakeAcceleratorID and never reused, so they can
// index the per-context module tables directly.
type AcceleratorID uint64

// Module is a loaded, runnable form of a compiled kernel. Implementations
// live in platform packages; the core only needs the platform tag to guard
// against cross-platform confusion when a cache is shared between device
// kinds.
type Module interface {
	Platform() string
}

// Accelerator is one compute device registered with a Context. The core
// drives it through this surface; everything device-specific stays behind it.
type Accelerator interface {
	ID() AcceleratorID
	Target() TargetDescriptor

	// NewCodegen builds the platform compiler backing this device. Called
	// by Context.InitAccelerator only when no live driver exists for the
	// device's target. It runs under the context's registration lock and
	// must not call back into ctx.
	NewCodegen(ctx *Context) (PlatformCodegen, error)

	// AttachCodegen hands the device its (possibly shared) driver. The
	// device owns one strong reference until Close.
	AttachCodegen(cg *CodegenDriver)
	Codegen() *CodegenDriver

	// LoadModule turns a compiled artifact into a runnable module on this
	// device.
	LoadModule(art *Artifact) (Module, error)

	// Close releases the device's driver reference. Idempotent.
	Close() error
}

// Artifact is one compiled kernel image. The core treats the body as opaque
// bytes; it only stores, checksums and hands them to Accelerator.LoadModule.
type Artifact struct {
	Target   TargetDescriptor
	Kernel   string
	Checksum uint64
	Body     []byte
}

// Seal computes and installs the body checksum.
func (a *Artifact) Seal() {
	a.Checksum = xxhash.Sum64(a.Body)
}

// Verify recomputes the body checksum and fails on mismatch. Used on the
// compile path and when reading the persistent store back.
func (a *Artifact) Verify() error {
	if sum := xxhash.Sum64(a.Body); sum != a.Checksum {
		return fmt.Errorf("%w: %s/%s checksum %016x, want %016x",
			ErrBadArtifact, a.Target, a.Kernel, sum, a.Checksum)
	}
	return nil
}
