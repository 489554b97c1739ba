package kiln

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleCellZeroValue(t *testing.T) {
	ctx := newTestContext(t, Options{})
	defer ctx.Release()

	var cell ModuleCell
	assert.True(t, cell.IsEmpty())
	assert.False(t, cell.IsSet())
	assert.Nil(t, cell.TryUpgrade(ctx))
}

func TestModuleCellResolveThenUpgrade(t *testing.T) {
	ctx := newTestContext(t, Options{})
	defer ctx.Release()

	var cell ModuleCell
	md := cell.Resolve(ctx)
	require.NotNil(t, md)
	assert.True(t, cell.IsSet())
	assert.Equal(t, int64(2), md.refs.count(), "one unit for the caller, one for the slot")

	up := cell.TryUpgrade(ctx)
	require.NotNil(t, up)
	assert.Same(t, md, up)
	up.Release()

	md.Release()
	assert.Equal(t, int64(1), md.refs.count(), "the slot keeps its unit")
	assert.True(t, cell.IsSet())

	cell.Release()
	assert.True(t, cell.IsEmpty())
	assert.False(t, md.refs.alive(), "emptying the cell drops the last unit")
	cell.Release()
}

func TestModuleCellConcurrentResolve(t *testing.T) {
	ctx := newTestContext(t, Options{})
	defer ctx.Release()

	// Unbounded concurrent first use must agree on a single instance.
	for round := 0; round < 50; round++ {
		var cell ModuleCell
		const callers = 16
		mds := make([]*ModuleData, callers)
		var wg sync.WaitGroup
		wg.Add(callers)
		for i := 0; i < callers; i++ {
			go func(i int) {
				defer wg.Done()
				mds[i] = cell.Resolve(ctx)
			}(i)
		}
		wg.Wait()

		for i := 1; i < callers; i++ {
			assert.Same(t, mds[0], mds[i])
		}
		for _, md := range mds {
			md.Release()
		}
		assert.Equal(t, int64(1), mds[0].refs.count(), "every loser unit must be returned")
		cell.Release()
		assert.False(t, mds[0].refs.alive())
	}
}

func TestModuleCellStaleReplacement(t *testing.T) {
	ctxA := newTestContext(t, Options{})

	var cell ModuleCell
	mdA := cell.Resolve(ctxA)
	mdA.Release() // the slot's unit keeps it alive
	require.True(t, mdA.refs.alive())

	ctxA.Release()

	ctxB := newTestContext(t, Options{})
	defer ctxB.Release()

	assert.Nil(t, cell.TryUpgrade(ctxB), "a dead owner reads as stale, not as a hit")

	mdB := cell.Resolve(ctxB)
	require.NotNil(t, mdB)
	assert.NotSame(t, mdA, mdB)
	assert.True(t, mdB.owner.is(ctxB))

	// The stale entry was freed by the replacement, exactly once: reaching
	// zero a second time would panic inside release.
	assert.False(t, mdA.refs.alive())

	mdB.Release()
	cell.Release()
}

func TestModuleCellForeignLiveOwner(t *testing.T) {
	ctxA := newTestContext(t, Options{})
	defer ctxA.Release()
	ctxB := newTestContext(t, Options{})
	defer ctxB.Release()

	var cell ModuleCell
	mdA := cell.Resolve(ctxA)
	defer mdA.Release()

	// TryUpgrade is lenient: another live owner is a miss.
	assert.Nil(t, cell.TryUpgrade(ctxB))

	// Losing an install race to another live context is fatal.
	assert.Panics(t, func() { cell.adoptAfterLoss(ctxB) })

	// Losing it to our own install is adoption.
	md, _ := cell.adoptAfterLoss(ctxA)
	require.NotNil(t, md)
	assert.Same(t, mdA, md)
	md.Release()
}

func TestModuleCellAdoptAfterOwnerDeath(t *testing.T) {
	ctxA := newTestContext(t, Options{})

	var cell ModuleCell
	mdA := cell.Resolve(ctxA)
	mdA.Release()
	ctxA.Release()

	ctxB := newTestContext(t, Options{})
	defer ctxB.Release()

	// A dead foreign winner is stale: no adoption, no panic, and the raw
	// pointer is handed back for the next swap attempt.
	md, observed := cell.adoptAfterLoss(ctxB)
	assert.Nil(t, md)
	assert.Same(t, mdA, observed)

	cell.Release()
}

func TestModuleCellResolveReleaseChurn(t *testing.T) {
	ctx := newTestContext(t, Options{})
	defer ctx.Release()

	// Resolvers race cell releases; unit bookkeeping must stay balanced
	// (an imbalance would panic inside refs.release).
	var cell ModuleCell
	var wg sync.WaitGroup
	const workers = 8
	wg.Add(workers * 2)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				md := cell.Resolve(ctx)
				md.Release()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				cell.Release()
			}
		}()
	}
	wg.Wait()

	md := cell.Resolve(ctx)
	assert.True(t, md.owner.is(ctx))
	md.Release()
	cell.Release()
	assert.True(t, cell.IsEmpty())
}

func TestCellRegistry(t *testing.T) {
	c1 := CellOf("kernel.alpha")
	c2 := CellOf("kernel.alpha")
	c3 := CellOf("kernel.beta")
	assert.Same(t, c1, c2)
	assert.NotSame(t, c1, c3)

	const callers = 16
	got := make([]*ModuleCell, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			got[i] = CellOf("kernel.concurrent")
		}(i)
	}
	wg.Wait()
	for i := 1; i < callers; i++ {
		assert.Same(t, got[0], got[i])
	}

	names := map[string]bool{}
	Cells(func(name string, cell *ModuleCell) bool {
		names[name] = true
		return true
	})
	assert.True(t, names["kernel.alpha"])
	assert.True(t, names["kernel.concurrent"])
}
