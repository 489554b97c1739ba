// Package store persists compiled kernel artifacts between processes, the
// way GPU runtimes keep an on-disk compute cache. Keys address one
// (target, kernel) pair; values are write-once.
package store

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilnworks/kiln/utils"
)

var Ops = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kiln",
	Subsystem: "store",
	Name:      "ops",
}, []string{"op", "result"})

// RegisterMetrics is tolerant of re-registration so independent stores and
// tests can share one registerer.
func RegisterMetrics(reg prometheus.Registerer) error {
	if err := reg.Register(Ops); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return err
		}
	}
	return nil
}

const hotEntries = 4096

var writeOptions = pebble.WriteOptions{Sync: false}

// Key builds the keyspace entry for one (target, kernel) fingerprint pair.
func Key(targetFP, kernelFP uint64) []byte {
	key := []byte{'A'}
	key = binary.BigEndian.AppendUint64(key, targetFP)
	key = binary.BigEndian.AppendUint64(key, kernelFP)
	return key
}

type Store struct {
	log utils.Logger
	dir string
	db  *pebble.DB
	hot *lru.Cache[string, *Record]
}

func Open(dir string, log utils.Logger) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %s", dir)
	}
	hot, _ := lru.New[string, *Record](hotEntries)
	log.Debug("artifact store open", "dir", dir)
	return &Store{log: log, dir: dir, db: db, hot: hot}, nil
}

// Get returns the record under key, ErrNotFound on a miss. Returned records
// are shared with the hot cache and must not be mutated.
func (s *Store) Get(key []byte) (*Record, error) {
	if rec, ok := s.hot.Get(string(key)); ok {
		Ops.WithLabelValues("get", "hot").Inc()
		return rec, nil
	}
	val, closer, err := s.db.Get(key)
	if closer != nil {
		defer closer.Close()
	}
	if err == pebble.ErrNotFound {
		Ops.WithLabelValues("get", "miss").Inc()
		return nil, ErrNotFound
	}
	if err != nil {
		Ops.WithLabelValues("get", "error").Inc()
		return nil, errors.Wrap(err, "store: get")
	}
	rec, err := decode(val)
	if err != nil {
		Ops.WithLabelValues("get", "error").Inc()
		return nil, err
	}
	Ops.WithLabelValues("get", "hit").Inc()
	s.hot.Add(string(key), rec)
	return rec, nil
}

// Put installs a record. Artifacts are write-once: an identical record
// already present is a no-op; a different record under the same key means a
// fingerprint clash upstream, which is logged and overwritten.
func (s *Store) Put(key []byte, rec *Record) error {
	if old, err := s.Get(key); err == nil {
		if old.Checksum == rec.Checksum {
			Ops.WithLabelValues("put", "dup").Inc()
			return nil
		}
		Ops.WithLabelValues("put", "clash").Inc()
		s.log.Warn("artifact key clash, overwriting",
			"kernel", rec.Kernel, "old_sum", old.Checksum, "new_sum", rec.Checksum)
	} else if err != ErrNotFound {
		return err
	}
	if err := s.db.Set(key, rec.encode(), &writeOptions); err != nil {
		Ops.WithLabelValues("put", "error").Inc()
		return errors.Wrap(err, "store: put")
	}
	Ops.WithLabelValues("put", "write").Inc()
	s.hot.Add(string(key), rec)
	return nil
}

// Count scans the artifact keyspace. Diagnostics only.
func (s *Store) Count() (n int, err error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'A'},
		UpperBound: []byte{'A' + 1},
	})
	if err != nil {
		return 0, errors.Wrap(err, "store: iter")
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Collector exposes the underlying pebble metrics for prometheus scraping.
func (s *Store) Collector() prometheus.Collector {
	return NewPebbleCollector(s.db)
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Close() error {
	s.hot.Purge()
	return s.db.Close()
}
