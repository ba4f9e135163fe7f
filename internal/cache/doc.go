// Package cache provides a generic LRU cache.
//
// Cache[K, V] is a thread-safe map with a soft limit. When the limit is
// exceeded the least recently used quarter is evicted and passed to the
// OnEvict hook, which the engine uses to route native objects to deferred
// deletion instead of destroying them while still in flight.
//
//	c := cache.New[uint64, backend.ID](256)
//	c.OnEvict(func(k uint64, id backend.ID) { ring.QueueDeleteGlobal(...) })
//	id := c.GetOrCreate(key, create)
//
// A soft limit of 0 disables eviction; such caches are emptied with Drain.
package cache
