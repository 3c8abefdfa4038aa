package sim

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestGetOrComputeRunsOncePerIteration(t *testing.T) {
	c := NewIterationCache(0)
	calls := 0
	fn := func() (any, error) {
		calls++
		return calls, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrCompute("pools", 1, fn)
		if err != nil || v.(int) != 1 {
			t.Fatalf("unexpected value %v err %v", v, err)
		}
	}
	if calls != 1 {
		t.Fatalf("fn should run once in iteration 1, ran %d", calls)
	}

	v, _ := c.GetOrCompute("pools", 2, fn)
	if v.(int) != 2 || calls != 2 {
		t.Fatalf("new iteration should recompute, got %v after %d calls", v, calls)
	}
	if _, ok := c.Cached("pools_iter_1"); !ok {
		t.Fatalf("iteration key should be stored verbatim")
	}
}

func TestGetOrComputeConcurrentCallers(t *testing.T) {
	c := NewIterationCache(0)
	var calls atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.GetOrCompute("shared", 4, func() (any, error) {
				calls.Add(1)
				time.Sleep(10 * time.Millisecond)
				return "value", nil
			})
		}()
	}
	wg.Wait()
	if calls.Load() != 1 {
		t.Fatalf("expected a single computation, got %d", calls.Load())
	}
}

func TestGetOrComputeDoesNotCacheErrors(t *testing.T) {
	c := NewIterationCache(0)
	fail := true
	fn := func() (any, error) {
		if fail {
			return nil, errors.New("rpc down")
		}
		return 42, nil
	}
	if _, err := c.GetOrCompute("k", 1, fn); err == nil {
		t.Fatalf("expected error")
	}
	fail = false
	v, err := c.GetOrCompute("k", 1, fn)
	if err != nil || v.(int) != 42 {
		t.Fatalf("expected recomputation after error, got %v %v", v, err)
	}
}

func TestCachedEvictsAfterTTL(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewIterationCache(time.Minute)
	c.nowFunc = func() time.Time { return now }

	c.Store("price", 10)
	now = now.Add(30 * time.Second)
	if v, ok := c.Cached("price"); !ok || v.(int) != 10 {
		t.Fatalf("entry should still be fresh")
	}
	now = now.Add(31 * time.Second)
	if _, ok := c.Cached("price"); ok {
		t.Fatalf("entry should expire after ttl")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be removed")
	}
}

func TestBeginPurgesPreviousIterations(t *testing.T) {
	c := NewIterationCache(0)
	c.Begin(1)
	c.Store("raw", 1)
	_, _ = c.GetOrCompute("computed", 1, func() (any, error) { return 1, nil })

	c.Begin(2)
	if c.Len() != 0 {
		t.Fatalf("entries of iteration 1 should be purged, %d left", c.Len())
	}
	c.Store("raw", 2)
	if removed := c.PurgeBefore(2); removed != 0 {
		t.Fatalf("current iteration entries must survive, removed %d", removed)
	}
}

func TestCacheKey(t *testing.T) {
	if CacheKey("x", nil) != "x" || CacheKey("x", &Identifiers{}) != "x" {
		t.Fatalf("no identifiers should keep base key")
	}
	if CacheKey("x", ForBlock(23)) != CacheKey("x", ForBlock(27)) {
		t.Fatalf("blocks in the same bucket should share a key")
	}
	if CacheKey("x", ForBlock(27)) == CacheKey("x", ForBlock(31)) {
		t.Fatalf("blocks in different buckets should differ")
	}
	if got := CacheKey("x", ForBlock(23)); got != "x_block_2" {
		t.Fatalf("unexpected block key %s", got)
	}
	if got := CacheKey("x", ForAgent("0123456789abcdef")); got != "x_agent_01234567" {
		t.Fatalf("unexpected agent key %s", got)
	}
	if got := CacheKey("x", ForAgent("abc")); got != "x_agent_abc" {
		t.Fatalf("short agent id should be used whole, got %s", got)
	}
	block := uint64(5)
	if got := CacheKey("x", &Identifiers{Block: &block, AgentID: "agent"}); got != "x_block_0" {
		t.Fatalf("block should take precedence over agent, got %s", got)
	}
}

func TestFilteredAddressesWithoutKeyReevaluates(t *testing.T) {
	env := testEnvironment(t, newFakeProvider(10))
	agents := buildTraders(t, env, 2)
	ec := NewExecutionContext(agents[0], env, NewIterationCache(0), 1, 10, time.Now())
	all := env.Agents.Addresses()

	excluded := all[0]
	calls := 0
	pred := func(addr common.Address) bool {
		calls++
		return addr != excluded
	}

	first, err := ec.FilteredAddresses(pred, "")
	if err != nil || len(first) != len(all)-1 {
		t.Fatalf("unexpected first result %v %v", first, err)
	}
	excluded = all[1]
	second, err := ec.FilteredAddresses(pred, "")
	if err != nil || len(second) != len(all)-1 {
		t.Fatalf("unexpected second result %v %v", second, err)
	}
	if calls != 2*len(all) {
		t.Fatalf("predicate should run for every address on each call, ran %d times", calls)
	}
	if second[0] != all[0] {
		t.Fatalf("second call should reflect the changed predicate, got %v", second)
	}
	if ec.cache.Len() != 0 {
		t.Fatalf("uncached lookups must not store entries")
	}
}
