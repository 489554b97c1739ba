package kiln

import (
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The fake platform below stands in for a real device in white-box tests.
// End-to-end tests against the vdev platform live in integration_test.go.

type fakeCodegen struct {
	target   TargetDescriptor
	compiles atomic.Int64
	delay    time.Duration
	failNext atomic.Bool
	closed   atomic.Bool
}

func (f *fakeCodegen) Compile(desc *KernelDesc, meta *Metadata) (*Artifact, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failNext.Swap(false) {
		return nil, errors.New("compile refused")
	}
	f.compiles.Add(1)
	body := append([]byte("obj "+meta.Version+" "), desc.Source...)
	return &Artifact{Body: body}, nil
}

func (f *fakeCodegen) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeModule struct {
	platform string
	body     []byte
}

func (m *fakeModule) Platform() string { return m.platform }

type fakeAccel struct {
	id       AcceleratorID
	target   TargetDescriptor
	cg       *CodegenDriver
	pc       *fakeCodegen
	newCalls atomic.Int64
	buildErr error
	loadErr  error
	closes   atomic.Int64
}

func newFakeAccel(t *testing.T, ctx *Context, arch string) *fakeAccel {
	t.Helper()
	a := &fakeAccel{
		id:     ctx.TakeAcceleratorID(),
		target: TargetDescriptor{Platform: "fake", Arch: arch},
	}
	require.NoError(t, ctx.InitAccelerator(a))
	return a
}

func (a *fakeAccel) ID() AcceleratorID               { return a.id }
func (a *fakeAccel) Target() TargetDescriptor        { return a.target }
func (a *fakeAccel) AttachCodegen(cg *CodegenDriver) { a.cg = cg }
func (a *fakeAccel) Codegen() *CodegenDriver         { return a.cg }

func (a *fakeAccel) NewCodegen(ctx *Context) (PlatformCodegen, error) {
	a.newCalls.Add(1)
	if a.buildErr != nil {
		return nil, a.buildErr
	}
	a.pc = &fakeCodegen{target: a.target}
	return a.pc, nil
}

func (a *fakeAccel) LoadModule(art *Artifact) (Module, error) {
	if a.loadErr != nil {
		return nil, a.loadErr
	}
	return &fakeModule{platform: a.target.Platform, body: art.Body}, nil
}

func (a *fakeAccel) Close() error {
	if a.closes.Add(1) == 1 && a.cg != nil {
		a.cg.Release()
	}
	return nil
}

func newTestContext(t *testing.T, opts Options) *Context {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	ctx, err := NewContext(opts)
	require.NoError(t, err)
	return ctx
}

func TestContextIdentity(t *testing.T) {
	ctx := newTestContext(t, Options{})
	other := newTestContext(t, Options{})
	defer other.Release()

	clone := ctx.Retain()
	assert.True(t, clone == ctx, "a retained handle is the same context")
	assert.False(t, ctx == other)
	assert.NotEqual(t, ctx.Label(), other.Label())
	clone.Release()
	ctx.Release()
}

func TestContextWeakUpgrade(t *testing.T) {
	ctx := newTestContext(t, Options{})
	weak := ctx.Weak()

	up := weak.Upgrade()
	require.NotNil(t, up)
	assert.True(t, up == ctx)
	up.Release()

	ctx.Release()
	assert.Nil(t, weak.Upgrade(), "a dead context must not upgrade")
}

func TestContextRetainAfterDeathPanics(t *testing.T) {
	ctx := newTestContext(t, Options{})
	ctx.Release()
	assert.Panics(t, func() { ctx.Retain() })
}

func TestTakeAcceleratorID(t *testing.T) {
	ctx := newTestContext(t, Options{})
	defer ctx.Release()

	assert.Equal(t, AcceleratorID(0), ctx.TakeAcceleratorID())
	assert.Equal(t, AcceleratorID(1), ctx.TakeAcceleratorID())
	assert.Equal(t, AcceleratorID(2), ctx.TakeAcceleratorID())
}

func TestTakeAcceleratorIDExhaustion(t *testing.T) {
	ctx := newTestContext(t, Options{})
	defer ctx.Release()

	ctx.nextAccel.Store(math.MaxUint64/2 + 1)
	assert.Panics(t, func() { ctx.TakeAcceleratorID() })
}

func TestInitAccelerator(t *testing.T) {
	ctx := newTestContext(t, Options{})
	defer ctx.Release()

	a1 := newFakeAccel(t, ctx, "g1")
	require.NotNil(t, a1.Codegen())
	assert.Equal(t, int64(1), a1.newCalls.Load())

	assert.ErrorIs(t, ctx.InitAccelerator(a1), ErrAccelInitialized)
	assert.ErrorIs(t, ctx.InitAccelerator(nil), ErrNilAccelerator)
}

func TestInitAcceleratorBuildError(t *testing.T) {
	ctx := newTestContext(t, Options{})
	defer ctx.Release()

	boom := errors.New("no compiler for target")
	a := &fakeAccel{
		id:       ctx.TakeAcceleratorID(),
		target:   TargetDescriptor{Platform: "fake", Arch: "broken"},
		buildErr: boom,
	}
	assert.ErrorIs(t, ctx.InitAccelerator(a), boom)
	assert.Nil(t, ctx.FindAccelerator(func(x Accelerator) bool { return x.ID() == a.id }),
		"a failed registration must not publish the accelerator")
}

func TestDriverSharedByTarget(t *testing.T) {
	ctx := newTestContext(t, Options{})
	defer ctx.Release()

	a1 := newFakeAccel(t, ctx, "g1")
	a2 := newFakeAccel(t, ctx, "g1")
	a3 := newFakeAccel(t, ctx, "g2")

	assert.Same(t, a1.Codegen(), a2.Codegen(), "equal targets share one driver")
	assert.NotSame(t, a1.Codegen(), a3.Codegen())
	assert.Equal(t, int64(0), a2.newCalls.Load(), "the shared driver is not rebuilt")
}

func TestDriverRebuiltAfterReclaim(t *testing.T) {
	ctx := newTestContext(t, Options{})
	defer ctx.Release()

	a1 := newFakeAccel(t, ctx, "g1")
	first := a1.Codegen()
	require.NoError(t, a1.Close())
	assert.True(t, a1.pc.closed.Load(), "last driver reference closes the platform compiler")

	a2 := newFakeAccel(t, ctx, "g1")
	assert.Equal(t, int64(1), a2.newCalls.Load(), "a dead registry entry is replaced")
	assert.NotSame(t, first, a2.Codegen())
}

func TestFindAndFilter(t *testing.T) {
	ctx := newTestContext(t, Options{})
	defer ctx.Release()

	a1 := newFakeAccel(t, ctx, "g1")
	a2 := newFakeAccel(t, ctx, "g2")

	found := ctx.FindAccelerator(func(a Accelerator) bool { return a.ID() == a2.id })
	assert.Same(t, a2, found)
	assert.Nil(t, ctx.FindAccelerator(func(a Accelerator) bool { return false }))

	byID, err := ctx.AcceleratorByID(a2.id)
	require.NoError(t, err)
	assert.Same(t, a2, byID)
	_, err = ctx.AcceleratorByID(AcceleratorID(99))
	assert.ErrorIs(t, err, ErrAccelUnknown)

	all := ctx.Accelerators(nil)
	assert.Len(t, all, 2)
	g1 := ctx.Accelerators(func(a Accelerator) bool { return a.Target().Arch == "g1" })
	require.Len(t, g1, 1)
	assert.Same(t, a1, g1[0])
}

func TestContextTeardownClosesAccelerators(t *testing.T) {
	ctx := newTestContext(t, Options{})
	a := newFakeAccel(t, ctx, "g1")

	ctx.Release()
	assert.Equal(t, int64(1), a.closes.Load())
	assert.True(t, a.pc.closed.Load())
	assert.ErrorIs(t, ctx.InitAccelerator(&fakeAccel{}), ErrClosed)
}

func TestContextMetadata(t *testing.T) {
	var calls atomic.Int64
	ctx := newTestContext(t, Options{
		MetadataLoader: func() (*Metadata, error) {
			calls.Add(1)
			return &Metadata{Version: "test-v2"}, nil
		},
	})
	defer ctx.Release()

	m1, err := ctx.Metadata()
	require.NoError(t, err)
	m2, err := ctx.Metadata()
	require.NoError(t, err)
	assert.Same(t, m1, m2)
	assert.Equal(t, "test-v2", m1.Version)
	assert.Equal(t, int64(1), calls.Load())
}

func TestBootstrapRegistererConflict(t *testing.T) {
	// Pin the process-wide registerer with a vanilla context first.
	ctx := newTestContext(t, Options{})
	ctx.Release()

	_, err := NewContext(Options{
		Logger:     testLogger(),
		Registerer: prometheus.NewRegistry(),
	})
	assert.ErrorIs(t, err, ErrBootstrapConflict)
}
