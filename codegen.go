package kiln

import (
	"time"

	"github.com/kilnworks/kiln/store"
	"github.com/kilnworks/kiln/utils"
)

// PlatformCodegen is the device-specific compiler a CodegenDriver wraps.
// Implementations are built by Accelerator.NewCodegen and closed when the
// last driver reference goes away.
type PlatformCodegen interface {
	// Compile translates one kernel for the driver's target. The shared
	// metadata is the context-wide blob from Context.Metadata.
	Compile(desc *KernelDesc, meta *Metadata) (*Artifact, error)
	Close() error
}

// CodegenDriver is the shared compilation front end for one target. All
// accelerators with an equal TargetDescriptor hold references to the same
// driver; the context's registry keeps only a weak entry, so the driver
// dies with its last device and is rebuilt on demand.
type CodegenDriver struct {
	refs   refs
	target TargetDescriptor
	owner  WeakContext
	pc     PlatformCodegen
	log    utils.Logger
	avg    utils.AvgVal
}

func newCodegenDriver(owner WeakContext, target TargetDescriptor, pc PlatformCodegen, log utils.Logger) *CodegenDriver {
	DriverCount.Inc()
	return &CodegenDriver{
		refs:   newRefs(),
		target: target,
		owner:  owner,
		pc:     pc,
		log:    log,
	}
}

func (cg *CodegenDriver) Target() TargetDescriptor {
	return cg.target
}

// retain is the weak upgrade the driver registry relies on: it fails once
// the last accelerator released the driver.
func (cg *CodegenDriver) retain() bool {
	return cg.refs.retain()
}

// Release drops one reference. The last holder closes the platform compiler.
func (cg *CodegenDriver) Release() {
	if !cg.refs.release() {
		return
	}
	DriverCount.Dec()
	if err := cg.pc.Close(); err != nil {
		cg.log.Warn("platform codegen close failed", "target", cg.target.String(), "err", err)
	}
	cg.log.Debug("codegen driver released", "target", cg.target.String())
}

// AvgCompileMicros reports the running average duration of actual platform
// compiles (cache hits excluded) and how many there were.
func (cg *CodegenDriver) AvgCompileMicros() (float64, int) {
	return cg.avg.Val(), cg.avg.Count()
}

// Compile produces the artifact for desc on this driver's target. The
// persistent store is consulted first; a fresh compile is checksummed and
// written back. Compile errors propagate to the caller and are never cached.
func (cg *CodegenDriver) Compile(desc *KernelDesc) (*Artifact, error) {
	ctx := cg.owner.Upgrade()
	if ctx == nil {
		return nil, ErrClosed
	}
	defer ctx.Release()

	key := store.Key(cg.target.Fingerprint(), desc.Fingerprint())
	if st := ctx.artifacts; st != nil {
		rec, err := st.Get(key)
		switch {
		case err == nil:
			art := artifactOf(rec)
			if verr := art.Verify(); verr == nil {
				CompileCount.WithLabelValues(cg.target.Platform, "cached").Inc()
				return art, nil
			}
			cg.log.Warn("stored artifact failed verification, recompiling",
				"target", cg.target.String(), "kernel", desc.Name)
		case err != store.ErrNotFound:
			cg.log.Warn("artifact store read failed", "kernel", desc.Name, "err", err)
		}
	}

	meta, err := ctx.Metadata()
	if err != nil {
		CompileCount.WithLabelValues(cg.target.Platform, "error").Inc()
		return nil, err
	}

	start := time.Now()
	art, err := cg.pc.Compile(desc, meta)
	if err != nil {
		CompileCount.WithLabelValues(cg.target.Platform, "error").Inc()
		return nil, err
	}
	elapsed := time.Since(start)
	CompileDuration.WithLabelValues(cg.target.Platform).Observe(elapsed.Seconds())
	cg.avg.Add(float64(elapsed.Microseconds()))

	// The driver owns artifact identity; platforms only fill the body.
	art.Target = cg.target
	art.Kernel = desc.Name
	if art.Checksum == 0 {
		art.Seal()
	} else if err := art.Verify(); err != nil {
		CompileCount.WithLabelValues(cg.target.Platform, "error").Inc()
		return nil, err
	}

	if st := ctx.artifacts; st != nil {
		// Best effort: a failed write degrades caching, not compilation.
		if err := st.Put(key, recordOf(art)); err != nil {
			cg.log.Warn("artifact store write failed", "kernel", desc.Name, "err", err)
		}
	}

	CompileCount.WithLabelValues(cg.target.Platform, "compiled").Inc()
	cg.log.Debug("compiled kernel",
		"target", cg.target.String(), "kernel", desc.Name, "micros", elapsed.Microseconds())
	return art, nil
}

func recordOf(art *Artifact) *store.Record {
	return &store.Record{
		Platform: art.Target.Platform,
		Arch:     art.Target.Arch,
		Features: art.Target.Features,
		Kernel:   art.Kernel,
		Checksum: art.Checksum,
		Body:     art.Body,
	}
}

func artifactOf(rec *store.Record) *Artifact {
	return &Artifact{
		Target: TargetDescriptor{
			Platform: rec.Platform,
			Arch:     rec.Arch,
			Features: rec.Features,
		},
		Kernel:   rec.Kernel,
		Checksum: rec.Checksum,
		Body:     rec.Body,
	}
}
