package kiln

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilnworks/kiln/store"
	"github.com/kilnworks/kiln/utils"
)

// Context owns everything per-process: the accelerator table, the shared
// codegen drivers, the lazily loaded codegen metadata and the persistent
// artifact store. Handles are reference counted; the handle returned by
// NewContext and every handle produced by Retain or WeakContext.Upgrade
// must be Released, and the last Release tears the context down.
//
// Context identity is pointer identity. The uuid label exists for logs only.
type Context struct {
	label uuid.UUID
	refs  refs
	log   utils.Logger

	artifacts *store.Store
	ownsStore bool
	collector prometheus.Collector
	registry  prometheus.Registerer
	meta      *metaCell

	nextAccel atomic.Uint64

	lock    sync.RWMutex
	accels  []Accelerator                       // dense, indexed by AcceleratorID
	drivers map[TargetDescriptor]*CodegenDriver // weak entries, replaced when dead
}

func NewContext(opts Options) (*Context, error) {
	opts.SetDefaults()
	if err := bootstrap(&opts); err != nil {
		return nil, err
	}

	ctx := &Context{
		label:   uuid.New(),
		refs:    newRefs(),
		log:     opts.Logger,
		meta:    newMetaCell(opts.MetadataLoader, opts.Logger),
		drivers: make(map[TargetDescriptor]*CodegenDriver),
	}

	ctx.artifacts = opts.Store
	if ctx.artifacts == nil && opts.StorePath != "" {
		st, err := store.Open(opts.StorePath, opts.Logger)
		if err != nil {
			return nil, err
		}
		ctx.artifacts = st
		ctx.ownsStore = true
	}
	if ctx.artifacts != nil {
		c := ctx.artifacts.Collector()
		if err := opts.Registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				ctx.log.Warn("store collector registration failed", "err", err)
			}
		} else {
			ctx.collector = c
			ctx.registry = opts.Registerer
		}
	}

	ctx.log.Debug("context created", "ctx", ctx.label)
	return ctx, nil
}

func (ctx *Context) Label() uuid.UUID {
	return ctx.label
}

// Retain returns one more strong handle to the same context. Retaining a
// context whose last handle is gone is a lifecycle bug and panics.
func (ctx *Context) Retain() *Context {
	if !ctx.refs.retain() {
		panic("kiln: retain of a closed context")
	}
	return ctx
}

// Release drops one strong handle. The last release closes every
// accelerator, drops the driver registry and closes an owned store.
func (ctx *Context) Release() {
	if !ctx.refs.release() {
		return
	}
	ctx.teardown()
}

func (ctx *Context) teardown() {
	ctx.lock.Lock()
	accels := ctx.accels
	ctx.accels = nil
	ctx.drivers = nil
	ctx.lock.Unlock()

	for _, accel := range accels {
		if accel == nil {
			continue
		}
		if err := accel.Close(); err != nil {
			ctx.log.Warn("accelerator close failed", "id", uint64(accel.ID()), "err", err)
		}
		AcceleratorCount.Dec()
	}
	if ctx.registry != nil {
		ctx.registry.Unregister(ctx.collector)
	}
	if ctx.ownsStore && ctx.artifacts != nil {
		if err := ctx.artifacts.Close(); err != nil {
			ctx.log.Warn("artifact store close failed", "err", err)
		}
	}
	ctx.log.Debug("context closed", "ctx", ctx.label)
}

// WeakContext is a non-owning back-reference. Cached data holds these so a
// dying context is observable instead of being kept alive by its own caches.
type WeakContext struct {
	ctx *Context
}

func (ctx *Context) Weak() WeakContext {
	return WeakContext{ctx: ctx}
}

// Upgrade returns a strong handle, or nil when the context is gone. The
// caller must Release a non-nil result.
func (w WeakContext) Upgrade() *Context {
	if w.ctx == nil || !w.ctx.refs.retain() {
		return nil
	}
	return w.ctx
}

// is reports whether the weak reference points at exactly this context.
func (w WeakContext) is(ctx *Context) bool {
	return w.ctx == ctx
}

// Metadata returns the shared codegen metadata, loading it on first use.
func (ctx *Context) Metadata() (*Metadata, error) {
	return ctx.meta.get()
}

// TakeAcceleratorID allocates the next device index. IDs are never reused;
// burning through half the index space means allocation is running wild.
func (ctx *Context) TakeAcceleratorID() AcceleratorID {
	id := ctx.nextAccel.Add(1) - 1
	if id > math.MaxUint64/2 {
		panic("kiln: accelerator id space exhausted")
	}
	return AcceleratorID(id)
}

// InitAccelerator publishes a device in the context table and wires it to
// the codegen driver for its target: a live driver is shared, a dead or
// missing registry entry is replaced with a fresh driver built from the
// device's own compiler.
func (ctx *Context) InitAccelerator(accel Accelerator) error {
	if accel == nil {
		return ErrNilAccelerator
	}

	ctx.lock.Lock()
	defer ctx.lock.Unlock()
	if !ctx.refs.alive() {
		return ErrClosed
	}

	id := uint64(accel.ID())
	if id < uint64(len(ctx.accels)) && ctx.accels[id] != nil {
		return ErrAccelInitialized
	}

	target := accel.Target()
	cg := ctx.drivers[target]
	if cg == nil || !cg.retain() {
		pc, err := accel.NewCodegen(ctx)
		if err != nil {
			return err
		}
		cg = newCodegenDriver(ctx.Weak(), target, pc, ctx.log)
		ctx.drivers[target] = cg
	}
	accel.AttachCodegen(cg)

	for uint64(len(ctx.accels)) <= id {
		ctx.accels = append(ctx.accels, nil)
	}
	ctx.accels[id] = accel
	AcceleratorCount.Inc()

	ctx.log.Debug("accelerator initialized",
		"ctx", ctx.label, "id", id, "target", target.String())
	return nil
}

// AcceleratorByID returns the device registered under id.
func (ctx *Context) AcceleratorByID(id AcceleratorID) (Accelerator, error) {
	ctx.lock.RLock()
	defer ctx.lock.RUnlock()
	if uint64(id) >= uint64(len(ctx.accels)) || ctx.accels[id] == nil {
		return nil, ErrAccelUnknown
	}
	return ctx.accels[id], nil
}

// FindAccelerator returns the first registered device matching pred, nil
// when none does.
func (ctx *Context) FindAccelerator(pred func(Accelerator) bool) Accelerator {
	ctx.lock.RLock()
	defer ctx.lock.RUnlock()
	for _, accel := range ctx.accels {
		if accel != nil && pred(accel) {
			return accel
		}
	}
	return nil
}

// Accelerators returns registered devices matching pred, all of them when
// pred is nil.
func (ctx *Context) Accelerators(pred func(Accelerator) bool) []Accelerator {
	ctx.lock.RLock()
	defer ctx.lock.RUnlock()
	var out []Accelerator
	for _, accel := range ctx.accels {
		if accel != nil && (pred == nil || pred(accel)) {
			out = append(out, accel)
		}
	}
	return out
}

// Store exposes the artifact store, nil when persistent caching is off.
func (ctx *Context) Store() *store.Store {
	return ctx.artifacts
}
