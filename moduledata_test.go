package kiln

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var saxpy = &KernelDesc{
	Name:    "saxpy",
	Source:  []byte("y[i] = a*x[i] + y[i]"),
	Options: []string{"-O2"},
}

func TestModuleDataGetEmpty(t *testing.T) {
	ctx := newTestContext(t, Options{})
	defer ctx.Release()

	md := NewModuleData(ctx)
	defer md.Release()

	_, ok := md.Get(0, "fake", false)
	assert.False(t, ok)
	_, ok = md.Get(42, "fake", true)
	assert.False(t, ok, "an out-of-range id is a plain miss even under strict")
}

func TestModuleDataCompileOnce(t *testing.T) {
	ctx := newTestContext(t, Options{})
	defer ctx.Release()
	accel := newFakeAccel(t, ctx, "g1")

	md := NewModuleData(ctx)
	defer md.Release()

	mod, err := md.Compile(accel, saxpy, true)
	require.NoError(t, err)
	require.NotNil(t, mod)
	assert.Equal(t, int64(1), accel.pc.compiles.Load())

	// Populated slots are stable: repeat compiles and lookups return the
	// identical module without invoking the compiler again.
	again, err := md.Compile(accel, saxpy, true)
	require.NoError(t, err)
	assert.Same(t, mod, again)

	got, ok := md.Get(accel.id, "fake", true)
	require.True(t, ok)
	assert.Same(t, mod, got)
	assert.Equal(t, int64(1), accel.pc.compiles.Load())
}

func TestModuleDataSingleFlight(t *testing.T) {
	ctx := newTestContext(t, Options{})
	defer ctx.Release()
	accel := newFakeAccel(t, ctx, "g1")
	accel.pc.delay = 20 * time.Millisecond

	md := NewModuleData(ctx)
	defer md.Release()

	const callers = 8
	mods := make([]Module, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			mod, err := md.Compile(accel, saxpy, true)
			assert.NoError(t, err)
			mods[i] = mod
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), accel.pc.compiles.Load(), "concurrent callers collapse into one compile")
	for i := 1; i < callers; i++ {
		assert.Same(t, mods[0], mods[i])
	}
}

func TestModuleDataCompileErrorNotCached(t *testing.T) {
	ctx := newTestContext(t, Options{})
	defer ctx.Release()
	accel := newFakeAccel(t, ctx, "g1")

	md := NewModuleData(ctx)
	defer md.Release()

	accel.pc.failNext.Store(true)
	_, err := md.Compile(accel, saxpy, true)
	require.Error(t, err)
	_, ok := md.Get(accel.id, "fake", false)
	assert.False(t, ok, "failures must not populate the cache")

	mod, err := md.Compile(accel, saxpy, true)
	require.NoError(t, err)
	assert.NotNil(t, mod)
}

func TestModuleDataLoadErrorNotCached(t *testing.T) {
	ctx := newTestContext(t, Options{})
	defer ctx.Release()
	accel := newFakeAccel(t, ctx, "g1")

	md := NewModuleData(ctx)
	defer md.Release()

	boom := errors.New("device out of memory")
	accel.loadErr = boom
	_, err := md.Compile(accel, saxpy, true)
	assert.ErrorIs(t, err, boom)
	_, ok := md.Get(accel.id, "fake", false)
	assert.False(t, ok)

	accel.loadErr = nil
	mod, err := md.Compile(accel, saxpy, true)
	require.NoError(t, err)
	assert.NotNil(t, mod)
}

func TestModuleDataPlatformTag(t *testing.T) {
	ctx := newTestContext(t, Options{})
	defer ctx.Release()
	accel := newFakeAccel(t, ctx, "g1")

	md := NewModuleData(ctx)
	defer md.Release()

	_, err := md.Compile(accel, saxpy, true)
	require.NoError(t, err)

	_, ok := md.Get(accel.id, "other", false)
	assert.False(t, ok, "tolerant mismatch reads as a miss")

	assert.Panics(t, func() { md.Get(accel.id, "other", true) },
		"strict mismatch is a model violation")
}

func TestModuleDataPerAcceleratorSlots(t *testing.T) {
	ctx := newTestContext(t, Options{})
	defer ctx.Release()
	a1 := newFakeAccel(t, ctx, "g1")
	a2 := newFakeAccel(t, ctx, "g2")

	md := NewModuleData(ctx)
	defer md.Release()

	m1, err := md.Compile(a1, saxpy, true)
	require.NoError(t, err)
	m2, err := md.Compile(a2, saxpy, true)
	require.NoError(t, err)
	assert.NotSame(t, m1, m2, "each accelerator loads its own module")

	got1, ok := md.Get(a1.id, "fake", true)
	require.True(t, ok)
	got2, ok := md.Get(a2.id, "fake", true)
	require.True(t, ok)
	assert.Same(t, m1, got1)
	assert.Same(t, m2, got2)
}

func TestModuleDataClosedAccelerator(t *testing.T) {
	ctx := newTestContext(t, Options{})
	defer ctx.Release()
	accel := newFakeAccel(t, ctx, "g1")
	require.NoError(t, accel.Close())

	md := NewModuleData(ctx)
	defer md.Release()

	_, err := md.Compile(accel, saxpy, true)
	assert.ErrorIs(t, err, ErrNoCodegen, "a closed device's driver must not be revived")
}

func TestModuleDataLifecycle(t *testing.T) {
	ctx := newTestContext(t, Options{})
	defer ctx.Release()

	md := NewModuleData(ctx)
	owner := md.Owner()
	up := owner.Upgrade()
	require.NotNil(t, up)
	assert.True(t, up == ctx)
	up.Release()

	clone := md.Retain()
	assert.True(t, clone == md)
	clone.Release()
	md.Release()
	assert.Panics(t, func() { md.Retain() })
}
