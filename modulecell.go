package kiln

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// ModuleCell memoizes one ModuleData per kernel across context restarts.
// The zero value is ready, so a cell can sit in static storage next to the
// kernel it serves; name-keyed kernels use CellOf instead.
//
// The cell owns exactly one reference unit of whatever it holds. Entries
// whose context died stay in place as stale until the next Resolve replaces
// them; replacement is the only point where a cached ModuleData is freed.
type ModuleCell struct {
	p atomic.Pointer[ModuleData]
}

func (c *ModuleCell) IsEmpty() bool {
	return c.p.Load() == nil
}

func (c *ModuleCell) IsSet() bool {
	return !c.IsEmpty()
}

// observe samples the slot once. When the occupant belongs to ctx it is
// returned retained (the slot's own unit stays untouched). The raw sampled
// pointer is always returned so callers can CAS against exactly the value
// they judged, never a fresher one.
func (c *ModuleCell) observe(ctx *Context) (*ModuleData, *ModuleData) {
	raw := c.p.Load()
	if raw == nil {
		return nil, nil
	}
	if !raw.retain() {
		// The occupant was unlinked and released after our load.
		return nil, raw
	}
	if !raw.owner.is(ctx) {
		raw.Release()
		return nil, raw
	}
	return raw, raw
}

// TryUpgrade returns a retained handle to the cached ModuleData if it
// belongs to ctx. Nil means empty, stale or foreign-owned: a cache-miss
// signal, not an error.
func (c *ModuleCell) TryUpgrade(ctx *Context) *ModuleData {
	md, _ := c.observe(ctx)
	return md
}

// Resolve returns a retained handle to this cell's ModuleData for ctx,
// installing a fresh one when the cell is empty or holds a stale entry of a
// context that no longer exists. It never fails. Losing the install race to
// an entry of a different context that is still alive means two live
// contexts are sharing one cell, which panics.
func (c *ModuleCell) Resolve(ctx *Context) *ModuleData {
	md, observed := c.observe(ctx)
	if md != nil {
		CellResolves.WithLabelValues("hit").Inc()
		return md
	}

	fresh := NewModuleData(ctx) // the caller's unit
	fresh.retain()              // the slot's unit
	for {
		if c.p.CompareAndSwap(observed, fresh) {
			if observed != nil {
				// The displaced stale entry leaves with its slot unit.
				observed.Release()
				CellResolves.WithLabelValues("replaced").Inc()
			} else {
				CellResolves.WithLabelValues("fresh").Inc()
			}
			return fresh
		}

		md, observed = c.adoptAfterLoss(ctx)
		if md != nil {
			fresh.Release()
			fresh.Release()
			CellResolves.WithLabelValues("adopted").Inc()
			return md
		}
	}
}

// adoptAfterLoss re-judges the slot after a lost install race. The winner is
// either ours (returned retained), a stale leftover to swap against on the
// next attempt, or another live context's install, which breaks the
// one-current-context programming model and is fatal.
func (c *ModuleCell) adoptAfterLoss(ctx *Context) (*ModuleData, *ModuleData) {
	md, observed := c.observe(ctx)
	if md != nil {
		return md, observed
	}
	if observed != nil && !observed.owner.is(ctx) {
		if other := observed.owner.Upgrade(); other != nil {
			other.Release()
			panic("kiln: module cell resolved by two live contexts")
		}
	}
	return nil, observed
}

// Release empties the cell. The goroutine whose swap clears the slot drops
// the slot's ownership unit; outstanding handles stay valid.
func (c *ModuleCell) Release() {
	for {
		cur := c.p.Load()
		if cur == nil {
			return
		}
		if c.p.CompareAndSwap(cur, nil) {
			cur.Release()
			return
		}
	}
}

var cells = xsync.NewMapOf[string, *ModuleCell]()

// CellOf returns the process-wide cell for a kernel name, creating it on
// first use. The cell for a given name is stable for the process lifetime.
func CellOf(name string) *ModuleCell {
	cell, _ := cells.LoadOrCompute(name, func() *ModuleCell {
		return &ModuleCell{}
	})
	return cell
}

// Cells iterates the process-wide cell registry in unspecified order.
func Cells(f func(name string, cell *ModuleCell) bool) {
	cells.Range(f)
}
