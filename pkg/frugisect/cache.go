package frugisect

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
)

// CommandSignature derives the cache key prefix for a build command. Keying is
// byte-exact over the argument vector, so any change to the command starts a
// fresh cost namespace.
func CommandSignature(command []string) string {
	return digest.FromString(strings.Join(command, "\x00")).Encoded()
}

// A CostRecord is the persisted result of one measurement. Records are
// immutable once written; the only supported invalidation is deleting the
// whole store.
type CostRecord struct {
	Cost      int
	Artifacts []string
}

// A Store persists cost records across invocations, addressable by
// (command signature, revision). Put never replaces a valid existing record,
// so the first writer wins and concurrent duplicate writes are no-ops.
type Store interface {
	Get(signature, revision string) (CostRecord, bool, error)
	Put(signature, revision string, record CostRecord) error
	Close() error
}

// DefaultStorePath returns the per-user location of the shared cost store.
func DefaultStorePath() string {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	return filepath.Join(cacheDir, "frugisect", "costs.db")
}

// BoltStore is a Store on a single bbolt file, one bucket per command
// signature, one key per revision, gob-encoded records.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if needed) the store file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create cache directory for %s", path), err)
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to open cost store at %s", path), err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(signature, revision string) (CostRecord, bool, error) {
	var record CostRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(signature))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(revision))
		if data == nil {
			return nil
		}
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&record); err != nil {
			return &CacheCorruptionError{Signature: signature, Revision: revision, Err: err}
		}
		found = true
		return nil
	})
	if err != nil {
		return CostRecord{}, false, err
	}
	return record, found, nil
}

func (s *BoltStore) Put(signature, revision string, record CostRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(signature))
		if err != nil {
			return errors.Join(fmt.Errorf("failed to create bucket for signature %s", signature), err)
		}

		if existing := b.Get([]byte(revision)); existing != nil {
			var prev CostRecord
			if gob.NewDecoder(bytes.NewReader(existing)).Decode(&prev) == nil {
				// First writer wins; only corrupt records get replaced
				return nil
			}
		}

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(record); err != nil {
			return errors.Join(fmt.Errorf("failed to encode cost record for revision %s", revision), err)
		}
		return b.Put([]byte(revision), buf.Bytes())
	})
}

func (s *BoltStore) Close() error { return s.db.Close() }

// MemoryStore is a Store held entirely in memory, for simulations and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]CostRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]CostRecord)}
}

func (s *MemoryStore) Get(signature, revision string) (CostRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[signature+"/"+revision]
	return record, ok, nil
}

func (s *MemoryStore) Put(signature, revision string, record CostRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := signature + "/" + revision
	if _, ok := s.records[key]; !ok {
		s.records[key] = record
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// CostCache answers cost lookups from the store and fills misses through the
// oracle, persisting every successful measurement before returning it.
type CostCache struct {
	store       Store
	oracle      CostOracle
	signature   string
	parallelism int

	computing sync.Map // Map of locks per revision to ensure at most one measurement per key runs at once

	log *logrus.Entry
}

// NewCostCache creates a cache for the given command's costs. parallelism
// bounds how many measurements GetOrComputeMany runs at once; values below
// one mean strictly sequential. Parallel measurement beyond one requires an
// oracle that is safe to call concurrently, such as an [OraclePool].
func NewCostCache(store Store, oracle CostOracle, command []string, parallelism int, log *logrus.Logger) *CostCache {
	if log == nil {
		log = mutedLogger()
	}
	if parallelism < 1 {
		parallelism = 1
	}
	signature := CommandSignature(command)
	return &CostCache{
		store:       store,
		oracle:      oracle,
		signature:   signature,
		parallelism: parallelism,
		log:         log.WithField("signature", signature[:12]),
	}
}

// Signature returns the command signature this cache is scoped to.
func (c *CostCache) Signature() string { return c.signature }

// GetOrCompute returns the cost of a revision, measuring it through the
// oracle only if no record exists yet. Oracle failures propagate and leave
// nothing behind, so a later call retries.
func (c *CostCache) GetOrCompute(revision string) (int, error) {
	if record, ok, err := c.lookup(revision); err != nil {
		return 0, err
	} else if ok {
		c.log.Debugf("Cost cache hit for revision %s: %d", revision, record.Cost)
		return record.Cost, nil
	}

	newLock := &sync.Mutex{}
	l, _ := c.computing.LoadOrStore(revision, newLock)
	lock := l.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	// Another goroutine may have measured while we waited for the lock
	if record, ok, err := c.lookup(revision); err != nil {
		return 0, err
	} else if ok {
		return record.Cost, nil
	}

	measurement, err := c.oracle.Measure(revision)
	if err != nil {
		return 0, err
	}
	if measurement.Cost < 0 {
		return 0, fmt.Errorf("oracle returned negative cost %d for revision %s", measurement.Cost, revision)
	}

	if err := c.store.Put(c.signature, revision, CostRecord{Cost: measurement.Cost, Artifacts: measurement.Artifacts}); err != nil {
		return 0, errors.Join(fmt.Errorf("failed to persist cost of revision %s", revision), err)
	}

	// Serve whatever actually won the store race, so repeated calls always
	// agree even across processes
	if record, ok, err := c.lookup(revision); err == nil && ok {
		return record.Cost, nil
	}
	return measurement.Cost, nil
}

// GetOrComputeMany fills the cache for all given revisions and returns their
// costs. It behaves exactly like calling GetOrCompute once per revision,
// except that misses may be measured concurrently up to the configured
// parallelism. On failure the error of the first failing revision is
// returned; successful measurements remain persisted.
func (c *CostCache) GetOrComputeMany(revisions []string) (map[string]int, error) {
	costs := make(map[string]int, len(revisions))

	if c.parallelism == 1 {
		for _, revision := range revisions {
			cost, err := c.GetOrCompute(revision)
			if err != nil {
				return nil, err
			}
			costs[revision] = cost
		}
		return costs, nil
	}

	var mu sync.Mutex
	var group errgroup.Group
	group.SetLimit(c.parallelism)
	for _, revision := range revisions {
		revision := revision
		group.Go(func() error {
			cost, err := c.GetOrCompute(revision)
			if err != nil {
				return err
			}
			mu.Lock()
			costs[revision] = cost
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return costs, nil
}

// EffectiveCost returns the cost of a revision as of now. For oracles that
// support recounting, the stored artifact list is re-checked against the
// current state of the world, so artifacts built earlier in the session stop
// counting. The stored record itself is never modified.
func (c *CostCache) EffectiveCost(revision string) (int, error) {
	record, ok, err := c.lookup(revision)
	if err != nil {
		return 0, err
	}
	if !ok {
		return c.GetOrCompute(revision)
	}
	if recounter, isRecounter := c.oracle.(Recounter); isRecounter && len(record.Artifacts) > 0 {
		return recounter.Recount(record.Artifacts), nil
	}
	return record.Cost, nil
}

// lookup wraps store.Get, downgrading corrupt records to misses as mandated
// for CacheCorruption: the next successful measurement overwrites them.
func (c *CostCache) lookup(revision string) (CostRecord, bool, error) {
	record, ok, err := c.store.Get(c.signature, revision)
	if err != nil {
		var corrupt *CacheCorruptionError
		if errors.As(err, &corrupt) {
			c.log.Warnf("Treating corrupt cost record as a miss: %v", corrupt)
			return CostRecord{}, false, nil
		}
		return CostRecord{}, false, err
	}
	return record, ok, nil
}

// OraclePool fans measurements out over several oracles, each typically
// owning its own workspace, so whole ranges can be measured concurrently.
type OraclePool struct {
	oracles chan CostOracle
	size    int
}

// NewOraclePool builds a pool over the given oracles.
func NewOraclePool(oracles []CostOracle) (*OraclePool, error) {
	if len(oracles) == 0 {
		return nil, errors.New("oracle pool needs at least one oracle")
	}
	ch := make(chan CostOracle, len(oracles))
	for _, o := range oracles {
		ch <- o
	}
	return &OraclePool{oracles: ch, size: len(oracles)}, nil
}

// Size returns the number of pooled oracles, which is the measurement
// parallelism the pool supports.
func (p *OraclePool) Size() int { return p.size }

func (p *OraclePool) Measure(revision string) (Measurement, error) {
	oracle := <-p.oracles
	defer func() { p.oracles <- oracle }()
	return oracle.Measure(revision)
}

// Recount delegates to a pooled oracle, if recounting is supported.
func (p *OraclePool) Recount(artifacts []string) int {
	oracle := <-p.oracles
	defer func() { p.oracles <- oracle }()
	if recounter, ok := oracle.(Recounter); ok {
		return recounter.Recount(artifacts)
	}
	return len(artifacts)
}
