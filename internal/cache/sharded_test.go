package cache

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

// oneShard sends every key to shard 0 so eviction order is observable.
func oneShard(int) uint64 { return 0 }

func TestGetOrCreate(t *testing.T) {
	c := NewSharded[string, int](4, StringHasher)
	calls := 0
	create := func() (int, error) {
		calls++
		return 42, nil
	}

	for range 3 {
		v, err := c.GetOrCreate("add.wgsl", create)
		if err != nil {
			t.Fatalf("GetOrCreate: %v", err)
		}
		if v != 42 {
			t.Fatalf("value = %d, want 42", v)
		}
	}
	if calls != 1 {
		t.Errorf("create called %d times, want 1", calls)
	}
	st := c.Stats()
	if st.Hits != 2 || st.Misses != 1 {
		t.Errorf("stats = %+v, want 2 hits 1 miss", st)
	}
	if got := st.HitRate(); got < 0.66 || got > 0.67 {
		t.Errorf("HitRate = %v", got)
	}
}

func TestGetOrCreateError(t *testing.T) {
	c := NewSharded[string, int](4, StringHasher)
	errCompile := errors.New("compile failed")
	if _, err := c.GetOrCreate("bad", func() (int, error) { return 0, errCompile }); !errors.Is(err, errCompile) {
		t.Fatalf("err = %v, want errCompile", err)
	}
	if c.Len() != 0 {
		t.Errorf("failed create was cached")
	}
}

func TestEvictionOrder(t *testing.T) {
	c := NewSharded[int, string](2, oneShard)
	var evicted []int
	c.OnEvict = func(k int, _ string) { evicted = append(evicted, k) }

	c.Set(1, "a")
	c.Set(2, "b")
	c.Get(1) // 2 is now least recently used
	c.Set(3, "c")

	if _, ok := c.Get(2); ok {
		t.Error("key 2 survived eviction")
	}
	for _, k := range []int{1, 3} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("key %d evicted", k)
		}
	}
	if len(evicted) != 1 || evicted[0] != 2 {
		t.Errorf("evicted = %v, want [2]", evicted)
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", c.Stats().Evictions)
	}
}

func TestDeleteAndClear(t *testing.T) {
	c := NewSharded[int, string](4, oneShard)
	released := map[int]bool{}
	c.OnEvict = func(k int, _ string) { released[k] = true }

	for i := range 4 {
		c.Set(i, strconv.Itoa(i))
	}
	if !c.Delete(1) {
		t.Error("Delete(1) = false")
	}
	if c.Delete(1) {
		t.Error("second Delete(1) = true")
	}
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len after Clear = %d", c.Len())
	}
	for i := range 4 {
		if !released[i] {
			t.Errorf("key %d not released", i)
		}
	}
}

func TestSetReplaces(t *testing.T) {
	c := NewSharded[int, string](4, oneShard)
	var replaced []string
	c.OnEvict = func(_ int, v string) { replaced = append(replaced, v) }
	c.Set(1, "old")
	c.Set(1, "new")
	if v, _ := c.Get(1); v != "new" {
		t.Errorf("Get(1) = %q, want new", v)
	}
	if len(replaced) != 1 || replaced[0] != "old" {
		t.Errorf("replaced = %v, want [old]", replaced)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestConcurrentGetOrCreate(t *testing.T) {
	c := NewSharded[string, int](DefaultCapacity, StringHasher)
	var creates atomic.Int32
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				key := "program-" + strconv.Itoa(i%10)
				v, err := c.GetOrCreate(key, func() (int, error) {
					creates.Add(1)
					return i % 10, nil
				})
				if err != nil || v != i%10 {
					t.Errorf("goroutine %d: GetOrCreate(%s) = %d, %v", g, key, v, err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if n := creates.Load(); n != 10 {
		t.Errorf("creates = %d, want 10", n)
	}
}

func TestDefaultCapacity(t *testing.T) {
	c := NewSharded[string, int](0, StringHasher)
	if c.Capacity() != DefaultCapacity {
		t.Errorf("Capacity = %d, want %d", c.Capacity(), DefaultCapacity)
	}
}
