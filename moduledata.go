package kiln

import (
	"fmt"
	"sync"

	"github.com/kilnworks/kiln/utils"
)

// ModuleData caches the loaded form of one kernel across every accelerator
// of one context, indexed by AcceleratorID. Lookups run concurrently; the
// compile-and-load slow path admits one goroutine at a time without blocking
// readers until the moment the result is published.
//
// Handles are reference counted. Whoever obtains one (NewModuleData, Retain,
// ModuleCell.Resolve, ModuleCell.TryUpgrade) must Release it.
type ModuleData struct {
	owner WeakContext
	refs  refs
	log   utils.Logger

	// slow serializes slow-path entrants only. Taking mu for writing while
	// holding slow is the upgrade step: readers drain and the new module
	// appears to them atomically.
	slow sync.Mutex
	mu   sync.RWMutex
	mods []Module // dense, indexed by AcceleratorID
}

func NewModuleData(ctx *Context) *ModuleData {
	return &ModuleData{
		owner: ctx.Weak(),
		refs:  newRefs(),
		log:   ctx.log,
	}
}

// Owner is the context this cache was built for.
func (md *ModuleData) Owner() WeakContext {
	return md.owner
}

func (md *ModuleData) retain() bool {
	return md.refs.retain()
}

// Retain returns one more handle to the same cache. Retaining after the
// last Release is a lifecycle bug and panics.
func (md *ModuleData) Retain() *ModuleData {
	if !md.refs.retain() {
		panic("kiln: retain of a released module cache")
	}
	return md
}

// Release drops one handle. The last one empties the module table.
func (md *ModuleData) Release() {
	if !md.refs.release() {
		return
	}
	md.mu.Lock()
	md.mods = nil
	md.mu.Unlock()
}

// Get returns the cached module for one accelerator. A module of a foreign
// platform in the slot panics under strict, and is treated as a miss (with
// a warning) otherwise.
func (md *ModuleData) Get(id AcceleratorID, platform string, strict bool) (Module, bool) {
	md.mu.RLock()
	defer md.mu.RUnlock()
	return md.lookup(id, platform, strict)
}

func (md *ModuleData) lookup(id AcceleratorID, platform string, strict bool) (Module, bool) {
	if uint64(id) >= uint64(len(md.mods)) || md.mods[id] == nil {
		ModuleLookups.WithLabelValues(platform, "miss").Inc()
		return nil, false
	}
	mod := md.mods[id]
	if mod.Platform() != platform {
		if strict {
			panic(fmt.Sprintf("kiln: module platform %q cached for accelerator %d, want %q",
				mod.Platform(), id, platform))
		}
		md.log.Warn("cached module platform mismatch, treating as miss",
			"id", uint64(id), "have", mod.Platform(), "want", platform)
		ModuleLookups.WithLabelValues(platform, "mismatch").Inc()
		return nil, false
	}
	ModuleLookups.WithLabelValues(platform, "hit").Inc()
	return mod, true
}

// Compile returns the module for desc on accel, compiling and loading it if
// this cache does not hold one yet. Concurrent callers for the same cache
// are collapsed into a single compile; losers of that race return the
// winner's module. Errors propagate to every caller that hit them and leave
// the cache unchanged, so a later call retries.
func (md *ModuleData) Compile(accel Accelerator, desc *KernelDesc, strict bool) (Module, error) {
	if accel == nil {
		return nil, ErrNilAccelerator
	}
	platform := accel.Target().Platform
	if mod, ok := md.Get(accel.ID(), platform, strict); ok {
		return mod, nil
	}

	md.slow.Lock()
	defer md.slow.Unlock()

	// A previous slow-path entrant may have published while we waited.
	if mod, ok := md.Get(accel.ID(), platform, strict); ok {
		return mod, nil
	}

	cg := accel.Codegen()
	if cg == nil || !cg.retain() {
		// The device was closed under us and took its driver along.
		return nil, ErrNoCodegen
	}
	art, err := cg.Compile(desc)
	cg.Release()
	if err != nil {
		return nil, err
	}

	// Upgrade: readers block only for table growth and the device load.
	md.mu.Lock()
	defer md.mu.Unlock()
	for uint64(len(md.mods)) <= uint64(accel.ID()) {
		md.mods = append(md.mods, nil)
	}
	mod, err := accel.LoadModule(art)
	if err != nil {
		return nil, err
	}
	md.mods[accel.ID()] = mod
	return mod, nil
}
