package vdev

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/kilnworks/kiln"
	"github.com/kilnworks/kiln/utils"
)

// Device is one virtual accelerator registered with a kiln context.
type Device struct {
	id     kiln.AcceleratorID
	target kiln.TargetDescriptor
	cg     *kiln.CodegenDriver
	closed atomic.Bool
}

// New allocates a device index, registers the device and wires it to the
// codegen driver for its target. Devices with the same arch and features
// share a driver.
func New(ctx *kiln.Context, arch string, feats ...string) (*Device, error) {
	dev := &Device{
		id: ctx.TakeAcceleratorID(),
		target: kiln.TargetDescriptor{
			Platform: Platform,
			Arch:     arch,
			Features: strings.Join(feats, "+"),
		},
	}
	if err := ctx.InitAccelerator(dev); err != nil {
		return nil, err
	}
	return dev, nil
}

func (d *Device) ID() kiln.AcceleratorID {
	return d.id
}

func (d *Device) Target() kiln.TargetDescriptor {
	return d.target
}

func (d *Device) NewCodegen(ctx *kiln.Context) (kiln.PlatformCodegen, error) {
	return newCodegen(d.target), nil
}

func (d *Device) AttachCodegen(cg *kiln.CodegenDriver) {
	d.cg = cg
}

func (d *Device) Codegen() *kiln.CodegenDriver {
	return d.cg
}

func (d *Device) LoadModule(art *kiln.Artifact) (kiln.Module, error) {
	return loadModule(d.target, art)
}

// Close releases the device's driver reference. Idempotent.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	if d.cg != nil {
		d.cg.Release()
	}
	return nil
}

// Module is a loaded virtual bytecode image. Launches are counted per entry
// point so tests can assert dispatch behavior.
type Module struct {
	arch    string
	kernel  string
	entries []string
	body    []byte

	launches utils.CMap[string, *atomic.Int64]
}

func (m *Module) Platform() string {
	return Platform
}

func (m *Module) Arch() string {
	return m.arch
}

func (m *Module) Kernel() string {
	return m.kernel
}

func (m *Module) Entries() []string {
	return append([]string(nil), m.entries...)
}

// Launch dispatches one virtual grid at the named entry point.
func (m *Module) Launch(entry string) error {
	if !contains(m.entries, entry) {
		return fmt.Errorf("%w: %s", ErrNoEntry, entry)
	}
	counter, _ := m.launches.LoadOrStore(entry, &atomic.Int64{})
	counter.Add(1)
	return nil
}

// Launches reports how many times the entry point was dispatched.
func (m *Module) Launches(entry string) int64 {
	counter, ok := m.launches.Load(entry)
	if !ok {
		return 0
	}
	return counter.Load()
}
