// Package kiln manages accelerator devices and their compiled kernels. A
// Context tracks registered accelerators and shares one codegen driver per
// target; ModuleData caches loaded modules per context with single-flight
// compilation; ModuleCell memoizes one ModuleData per kernel across context
// restarts. Compiled artifacts persist in a pebble-backed store so later
// processes skip compilation entirely.
package kiln

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilnworks/kiln/store"
	"github.com/kilnworks/kiln/utils"
)

// Options configure a Context. The zero value works.
type Options struct {
	// Logger receives all kiln logging. Defaults to a text slog handler at
	// the level named by the KILN_LOG environment variable, info if unset.
	Logger utils.Logger

	// StorePath points the persistent artifact store at a directory. Empty
	// disables persistence; compiles then happen once per process.
	StorePath string

	// Store injects an already open artifact store. Takes precedence over
	// StorePath and is not closed on context teardown.
	Store *store.Store

	// MetadataLoader produces the shared codegen metadata on first demand.
	// Defaults to an empty builtin blob.
	MetadataLoader MetadataLoader

	// Registerer receives the kiln metric collectors. The choice is
	// process-wide; see NewContext. Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(utils.LevelFromEnv("KILN_LOG", slog.LevelInfo))
	}
	if o.Registerer == nil {
		o.Registerer = prometheus.DefaultRegisterer
	}
	if o.MetadataLoader == nil {
		o.MetadataLoader = emptyMetadata
	}
}

var (
	bootOnce sync.Once
	bootReg  prometheus.Registerer
	bootErr  error
)

// bootstrap runs the process-wide part of context creation once. The metric
// registry is pinned by the first context; a later context asking for a
// different one is a conflict, reported rather than absorbed.
func bootstrap(opts *Options) error {
	bootOnce.Do(func() {
		bootReg = opts.Registerer
		if err := registerCollectors(opts.Registerer); err != nil {
			bootErr = err
			return
		}
		bootErr = store.RegisterMetrics(opts.Registerer)
	})
	if bootErr != nil {
		return bootErr
	}
	if opts.Registerer != bootReg {
		return ErrBootstrapConflict
	}
	return nil
}
