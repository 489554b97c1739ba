// Package vdev implements a virtual accelerator platform. Devices execute
// nothing real; they give the caching stack a complete platform to compile
// for in tests, examples and the inspector shell. Sources are PTX-flavored
// text, bytecode is a deterministic function of source, target and options.
package vdev

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kilnworks/kiln"
)

const Platform = "vdev"

const magic = "VBC1"

var (
	ErrUnknownKernel = errors.New("vdev: source does not define the requested kernel")
	ErrNoEntries     = errors.New("vdev: source defines no entry points")
	ErrBadBytecode   = errors.New("vdev: bad bytecode image")
	ErrNoEntry       = errors.New("vdev: entry point not in module")
	ErrClosed        = errors.New("vdev: compiler is closed")
)

var compileDelay atomic.Int64

// SetCompileDelay makes every compile take at least d. Tests use it to
// widen race windows around the single-flight path.
func SetCompileDelay(d time.Duration) {
	compileDelay.Store(int64(d))
}

type codegen struct {
	target kiln.TargetDescriptor
	closed atomic.Bool
}

func newCodegen(target kiln.TargetDescriptor) *codegen {
	return &codegen{target: target}
}

// Compile resolves ${arch} and ${features} macros, collects .entry symbols
// and assembles a bytecode image:
//
//	VBC1 \n arch \n options \n metadata version \n entries \n source
func (cg *codegen) Compile(desc *kiln.KernelDesc, meta *kiln.Metadata) (*kiln.Artifact, error) {
	if cg.closed.Load() {
		return nil, ErrClosed
	}
	if d := compileDelay.Load(); d > 0 {
		time.Sleep(time.Duration(d))
	}

	src := string(desc.Source)
	src = strings.ReplaceAll(src, "${arch}", cg.target.Arch)
	src = strings.ReplaceAll(src, "${features}", cg.target.Features)

	entries := parseEntries(src)
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}
	if !contains(entries, desc.Name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKernel, desc.Name)
	}

	var b bytes.Buffer
	b.WriteString(magic)
	b.WriteByte('\n')
	b.WriteString(cg.target.Arch)
	b.WriteByte('\n')
	b.WriteString(strings.Join(desc.Options, " "))
	b.WriteByte('\n')
	b.WriteString(meta.Version)
	b.WriteByte('\n')
	b.WriteString(strings.Join(entries, ","))
	b.WriteByte('\n')
	b.WriteString(src)

	return &kiln.Artifact{Body: b.Bytes()}, nil
}

func (cg *codegen) Close() error {
	cg.closed.Store(true)
	return nil
}

func parseEntries(src string) []string {
	var entries []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, ".entry")
		if !ok || rest == "" || (rest[0] != ' ' && rest[0] != '\t') {
			continue
		}
		name := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest), "{"))
		if i := strings.IndexAny(name, " \t("); i >= 0 {
			name = name[:i]
		}
		if name != "" {
			entries = append(entries, name)
		}
	}
	return entries
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// loadModule parses a bytecode image back into a runnable module, checking
// that it was assembled for this device's architecture.
func loadModule(target kiln.TargetDescriptor, art *kiln.Artifact) (*Module, error) {
	parts := bytes.SplitN(art.Body, []byte{'\n'}, 6)
	if len(parts) != 6 || string(parts[0]) != magic {
		return nil, ErrBadBytecode
	}
	arch := string(parts[1])
	if arch != target.Arch {
		return nil, fmt.Errorf("%w: assembled for %s, device is %s", ErrBadBytecode, arch, target.Arch)
	}
	return &Module{
		arch:    arch,
		kernel:  art.Kernel,
		entries: strings.Split(string(parts[4]), ","),
		body:    art.Body,
	}, nil
}
