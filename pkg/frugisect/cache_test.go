package frugisect

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	bolt "go.etcd.io/bbolt"
)

// fakeOracle counts its measurements and can be told to fail or to consider
// artifacts as already built.
type fakeOracle struct {
	mu        sync.Mutex
	calls     map[string]int
	costs     map[string]int
	artifacts map[string][]string
	built     map[string]bool
	fail      map[string]error
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		calls:     make(map[string]int),
		costs:     make(map[string]int),
		artifacts: make(map[string][]string),
		built:     make(map[string]bool),
		fail:      make(map[string]error),
	}
}

func (o *fakeOracle) Measure(revision string) (Measurement, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[revision]++
	if err := o.fail[revision]; err != nil {
		return Measurement{}, err
	}
	return Measurement{Cost: o.costs[revision], Artifacts: o.artifacts[revision]}, nil
}

func (o *fakeOracle) Recount(artifacts []string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	count := 0
	for _, artifact := range artifacts {
		if !o.built[artifact] {
			count++
		}
	}
	return count
}

func (o *fakeOracle) measured(revision string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[revision]
}

func TestCommandSignature(t *testing.T) {
	assert.Equal(t, CommandSignature([]string{"make", "all"}), CommandSignature([]string{"make", "all"}), "Equal commands produced different signatures")
	assert.NotEqual(t, CommandSignature([]string{"make", "all"}), CommandSignature([]string{"make all"}), "Joining arguments did not change the signature")
	assert.NotEqual(t, CommandSignature([]string{"make", "all"}), CommandSignature([]string{"make", "test"}), "Different commands produced the same signature")
}

func TestGetOrCompute(t *testing.T) {
	t.Run("Second lookup hits the cache", func(t *testing.T) {
		oracle := newFakeOracle()
		oracle.costs["r1"] = 7
		cache := NewCostCache(NewMemoryStore(), oracle, []string{"make"}, 1, nil)

		for i := 0; i < 3; i++ {
			cost, err := cache.GetOrCompute("r1")
			assert.Nil(t, err, "GetOrCompute returned an error")
			assert.Equal(t, 7, cost, "Wrong cost returned")
		}
		assert.Equal(t, 1, oracle.measured("r1"), "Revision was measured more than once")
	})

	t.Run("Oracle failure persists nothing", func(t *testing.T) {
		oracle := newFakeOracle()
		oracle.costs["r1"] = 4
		oracle.fail["r1"] = fmt.Errorf("builder exploded")
		store := NewMemoryStore()
		cache := NewCostCache(store, oracle, []string{"make"}, 1, nil)

		_, err := cache.GetOrCompute("r1")
		assert.ErrorContains(t, err, "builder exploded", "Oracle failure was not propagated")

		_, ok, err := store.Get(cache.Signature(), "r1")
		assert.Nil(t, err, "Store lookup returned an error")
		assert.False(t, ok, "Failed measurement left a record behind")

		// Once the failure clears, the next call measures again
		delete(oracle.fail, "r1")
		cost, err := cache.GetOrCompute("r1")
		assert.Nil(t, err, "GetOrCompute returned an error after the failure cleared")
		assert.Equal(t, 4, cost, "Wrong cost returned")
		assert.Equal(t, 2, oracle.measured("r1"), "Expected exactly one retry measurement")
	})

	t.Run("Negative oracle costs are rejected", func(t *testing.T) {
		oracle := newFakeOracle()
		oracle.costs["r1"] = -2
		store := NewMemoryStore()
		cache := NewCostCache(store, oracle, []string{"make"}, 1, nil)

		_, err := cache.GetOrCompute("r1")
		assert.ErrorContains(t, err, "negative cost", "Negative cost was not rejected")

		_, ok, err := store.Get(cache.Signature(), "r1")
		assert.Nil(t, err, "Store lookup returned an error")
		assert.False(t, ok, "Rejected measurement left a record behind")
	})

	t.Run("First writer wins for caches sharing a store", func(t *testing.T) {
		store := NewMemoryStore()

		first := newFakeOracle()
		first.costs["r1"] = 5
		cacheA := NewCostCache(store, first, []string{"make"}, 1, nil)
		cost, err := cacheA.GetOrCompute("r1")
		assert.Nil(t, err, "GetOrCompute returned an error")
		assert.Equal(t, 5, cost, "Wrong cost returned")

		// A second cache over the same command sees the stored record and
		// never consults its own oracle
		second := newFakeOracle()
		second.costs["r1"] = 9
		cacheB := NewCostCache(store, second, []string{"make"}, 1, nil)
		cost, err = cacheB.GetOrCompute("r1")
		assert.Nil(t, err, "GetOrCompute returned an error")
		assert.Equal(t, 5, cost, "Stored record was not served")
		assert.Equal(t, 0, second.measured("r1"), "Oracle was consulted despite a stored record")

		// A different command is a different namespace
		cacheC := NewCostCache(store, second, []string{"make", "test"}, 1, nil)
		cost, err = cacheC.GetOrCompute("r1")
		assert.Nil(t, err, "GetOrCompute returned an error")
		assert.Equal(t, 9, cost, "Record leaked across command signatures")
	})
}

func TestGetOrComputeMany(t *testing.T) {
	t.Run("Concurrent misses are measured exactly once", func(t *testing.T) {
		oracle := newFakeOracle()
		revisions := make([]string, 6)
		for i := range revisions {
			revisions[i] = fmt.Sprintf("r%d", i)
			oracle.costs[revisions[i]] = i + 1
		}

		slow := OracleFunc(func(revision string) (Measurement, error) {
			time.Sleep(5 * time.Millisecond)
			return oracle.Measure(revision)
		})
		cache := NewCostCache(NewMemoryStore(), slow, []string{"make"}, 4, nil)

		costs, err := cache.GetOrComputeMany(revisions)
		assert.Nil(t, err, "GetOrComputeMany returned an error")
		for i, revision := range revisions {
			assert.Equalf(t, i+1, costs[revision], "Wrong cost for %s", revision)
			assert.Equalf(t, 1, oracle.measured(revision), "Revision %s was not measured exactly once", revision)
		}
	})

	t.Run("A failing revision fails the whole pass", func(t *testing.T) {
		oracle := newFakeOracle()
		oracle.costs["r0"] = 1
		oracle.fail["r1"] = fmt.Errorf("builder exploded")
		cache := NewCostCache(NewMemoryStore(), oracle, []string{"make"}, 1, nil)

		_, err := cache.GetOrComputeMany([]string{"r0", "r1"})
		assert.ErrorContains(t, err, "builder exploded", "Measurement failure was not propagated")

		// The revision measured before the failure stays cached
		cost, err := cache.GetOrCompute("r0")
		assert.Nil(t, err, "GetOrCompute returned an error")
		assert.Equal(t, 1, cost, "Wrong cost returned")
		assert.Equal(t, 1, oracle.measured("r0"), "Successful measurement was not persisted")
	})
}

func TestEffectiveCost(t *testing.T) {
	oracle := newFakeOracle()
	oracle.costs["r1"] = 3
	oracle.artifacts["r1"] = []string{"liba", "libb", "libc"}
	store := NewMemoryStore()
	cache := NewCostCache(store, oracle, []string{"make"}, 1, nil)

	cost, err := cache.EffectiveCost("r1")
	assert.Nil(t, err, "EffectiveCost returned an error")
	assert.Equal(t, 3, cost, "Wrong cost before anything was built")

	// Two of the artifacts get built by probing another revision
	oracle.built["liba"] = true
	oracle.built["libc"] = true

	cost, err = cache.EffectiveCost("r1")
	assert.Nil(t, err, "EffectiveCost returned an error")
	assert.Equal(t, 1, cost, "Built artifacts still counted towards the cost")

	// The stored record itself stays untouched
	record, ok, err := store.Get(cache.Signature(), "r1")
	assert.Nil(t, err, "Store lookup returned an error")
	assert.True(t, ok, "Record disappeared")
	assert.Equal(t, 3, record.Cost, "Recounting modified the stored record")
}

func TestBoltStore(t *testing.T) {
	t.Run("Records survive reopening the store", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "costs.db")

		store, err := OpenBoltStore(path)
		assert.Nil(t, err, "OpenBoltStore returned an error")
		assert.Nil(t, store.Put("sig", "r1", CostRecord{Cost: 11, Artifacts: []string{"liba"}}), "Put returned an error")
		assert.Nil(t, store.Close(), "Close returned an error")

		store, err = OpenBoltStore(path)
		assert.Nil(t, err, "OpenBoltStore returned an error")
		defer store.Close()

		record, ok, err := store.Get("sig", "r1")
		assert.Nil(t, err, "Get returned an error")
		assert.True(t, ok, "Record did not survive reopening")
		assert.Equal(t, 11, record.Cost, "Wrong cost returned")
		assert.Equal(t, []string{"liba"}, record.Artifacts, "Wrong artifacts returned")
	})

	t.Run("Put never replaces a valid record", func(t *testing.T) {
		store, err := OpenBoltStore(filepath.Join(t.TempDir(), "costs.db"))
		assert.Nil(t, err, "OpenBoltStore returned an error")
		defer store.Close()

		assert.Nil(t, store.Put("sig", "r1", CostRecord{Cost: 1}), "Put returned an error")
		assert.Nil(t, store.Put("sig", "r1", CostRecord{Cost: 99}), "Put returned an error")

		record, _, err := store.Get("sig", "r1")
		assert.Nil(t, err, "Get returned an error")
		assert.Equal(t, 1, record.Cost, "Second writer replaced the record")
	})

	t.Run("Corrupt records read as corruption and get overwritten", func(t *testing.T) {
		store, err := OpenBoltStore(filepath.Join(t.TempDir(), "costs.db"))
		assert.Nil(t, err, "OpenBoltStore returned an error")
		defer store.Close()

		oracle := newFakeOracle()
		cache := NewCostCache(store, oracle, []string{"make"}, 1, nil)
		oracle.costs["r1"] = 6

		// Plant garbage where the record should live
		err = store.db.Update(func(tx *bolt.Tx) error {
			b, err := tx.CreateBucketIfNotExists([]byte(cache.Signature()))
			if err != nil {
				return err
			}
			return b.Put([]byte("r1"), []byte("not a gob"))
		})
		assert.Nil(t, err, "Planting the corrupt record failed")

		_, _, err = store.Get(cache.Signature(), "r1")
		var corrupt *CacheCorruptionError
		assert.ErrorAs(t, err, &corrupt, "Corrupt record did not surface as CacheCorruptionError")

		// The cache treats corruption as a miss and replaces the record
		cost, err := cache.GetOrCompute("r1")
		assert.Nil(t, err, "GetOrCompute returned an error")
		assert.Equal(t, 6, cost, "Wrong cost returned")
		assert.Equal(t, 1, oracle.measured("r1"), "Corrupt record was not remeasured")

		record, ok, err := store.Get(cache.Signature(), "r1")
		assert.Nil(t, err, "Get returned an error")
		assert.True(t, ok, "Remeasured record was not persisted")
		assert.Equal(t, 6, record.Cost, "Corrupt record was not overwritten")
	})
}

func TestOraclePool(t *testing.T) {
	t.Run("Needs at least one oracle", func(t *testing.T) {
		_, err := NewOraclePool(nil)
		assert.NotNil(t, err, "Empty pool was not rejected")
	})

	t.Run("Bounds concurrency to the pooled oracles", func(t *testing.T) {
		var mu sync.Mutex
		inUse, peak := 0, 0

		oracles := make([]CostOracle, 3)
		for i := range oracles {
			oracles[i] = OracleFunc(func(revision string) (Measurement, error) {
				mu.Lock()
				inUse++
				if inUse > peak {
					peak = inUse
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				inUse--
				mu.Unlock()
				return Measurement{Cost: 1}, nil
			})
		}

		pool, err := NewOraclePool(oracles)
		assert.Nil(t, err, "NewOraclePool returned an error")
		assert.Equal(t, 3, pool.Size(), "Wrong pool size")

		var wg sync.WaitGroup
		for i := 0; i < 9; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := pool.Measure(fmt.Sprintf("r%d", i))
				assert.Nil(t, err, "Measure returned an error")
			}(i)
		}
		wg.Wait()

		assert.LessOrEqual(t, peak, 3, "More measurements ran at once than there are oracles")
		assert.Equal(t, 0, inUse, "An oracle was not returned to the pool")
	})
}
