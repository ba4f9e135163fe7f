package cache

import "testing"

func TestCacheGetSet(t *testing.T) {
	c := New[string, int](0)
	c.Set("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Errorf("Get(a) = %v, %v, want 1, true", v, ok)
	}
	if _, ok := c.Get("b"); ok {
		t.Error("Get(b) should miss")
	}
	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Errorf("Stats() = %+v, want 1 hit 1 miss", s)
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[int, int](4)
	var evicted []int
	c.OnEvict(func(k, _ int) { evicted = append(evicted, k) })

	for i := range 4 {
		c.Set(i, i)
	}
	c.Get(0) // 1 is now the oldest
	c.Set(4, 4)

	// 5 entries > 4: evict down to 3.
	if got := c.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	if len(evicted) != 2 || evicted[0] != 1 || evicted[1] != 2 {
		t.Errorf("evicted = %v, want [1 2]", evicted)
	}
	if _, ok := c.Peek(0); !ok {
		t.Error("recently used key 0 was evicted")
	}
	if got := c.Stats().Evictions; got != 2 {
		t.Errorf("Evictions = %d, want 2", got)
	}
}

func TestCacheGetOrCreate(t *testing.T) {
	c := New[string, int](0)
	calls := 0
	create := func() int { calls++; return 7 }
	c.GetOrCreate("k", create)
	if v := c.GetOrCreate("k", create); v != 7 || calls != 1 {
		t.Errorf("GetOrCreate() = %d after %d creates, want 7 after 1", v, calls)
	}
}

func TestCacheDeleteSkipsHook(t *testing.T) {
	c := New[int, string](2)
	hooked := false
	c.OnEvict(func(int, string) { hooked = true })
	c.Set(1, "x")
	v, ok := c.Delete(1)
	if !ok || v != "x" {
		t.Errorf("Delete(1) = %q, %v", v, ok)
	}
	if hooked {
		t.Error("Delete must not call the eviction hook")
	}
	if _, ok := c.Delete(1); ok {
		t.Error("second Delete(1) should report false")
	}
}

func TestCacheDrainOldestFirst(t *testing.T) {
	c := New[int, int](0)
	for i := range 3 {
		c.Set(i, i*10)
	}
	var order []int
	c.Drain(func(k, _ int) { order = append(order, k) })
	if len(order) != 3 || order[0] != 0 || order[2] != 2 {
		t.Errorf("Drain order = %v, want [0 1 2]", order)
	}
	if c.Len() != 0 {
		t.Errorf("Len() after Drain = %d", c.Len())
	}
}

func TestCacheRangeStops(t *testing.T) {
	c := New[int, int](0)
	for i := range 5 {
		c.Set(i, i)
	}
	n := 0
	c.Range(func(int, int) bool { n++; return n < 2 })
	if n != 2 {
		t.Errorf("Range visited %d entries, want 2", n)
	}
}

func TestCacheSetExistingMovesToFront(t *testing.T) {
	c := New[int, int](0)
	c.Set(1, 1)
	c.Set(2, 2)
	c.Set(1, 100)
	var first int
	c.Range(func(k, _ int) bool { first = k; return false })
	if first != 1 {
		t.Errorf("most recent = %d, want 1", first)
	}
	if v, _ := c.Peek(1); v != 100 {
		t.Errorf("Peek(1) = %d, want 100", v)
	}
}
