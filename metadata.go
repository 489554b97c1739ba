package kiln

import (
	"sync"

	"github.com/kilnworks/kiln/utils"
)

// Metadata is the shared, read-only blob code generators consume (platform
// intrinsics tables, ABI descriptions). Loading it can be expensive, so a
// Context loads it lazily, at most once, on first demand.
type Metadata struct {
	Version string
	Blob    []byte
}

// MetadataLoader produces the shared metadata. It runs at most once per
// Context unless it errors; errors are handed back to the caller and the
// next Metadata call retries.
type MetadataLoader func() (*Metadata, error)

func emptyMetadata() (*Metadata, error) {
	return &Metadata{Version: "builtin"}, nil
}

// metaCell is the lazily-filled slot behind Context.Metadata. Readers share
// the read lock once the slot is filled; first-load callers serialize on the
// write lock so the loader runs once.
type metaCell struct {
	load MetadataLoader
	log  utils.Logger

	lock sync.RWMutex
	meta *Metadata
}

func newMetaCell(load MetadataLoader, log utils.Logger) *metaCell {
	if load == nil {
		load = emptyMetadata
	}
	return &metaCell{load: load, log: log}
}

func (c *metaCell) get() (*Metadata, error) {
	c.lock.RLock()
	meta := c.meta
	c.lock.RUnlock()
	if meta != nil {
		return meta, nil
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.meta != nil {
		return c.meta, nil
	}
	meta, err := c.load()
	if err != nil {
		// Not latched: the next caller retries the loader.
		return nil, err
	}
	if meta == nil {
		meta = &Metadata{}
	}
	c.meta = meta
	c.log.Debug("loaded shared codegen metadata", "version", meta.Version, "bytes", len(meta.Blob))
	return meta, nil
}
