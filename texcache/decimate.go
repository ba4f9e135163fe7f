package texcache

import (
	"cmp"
	"slices"
)

// Decimate removes stale entries. It runs every DecimationInterval frames
// or when forced:
//
//   - every entry unseen for more than KillAge frames is removed, or
//     KillAgeLowMemory when forced or in low-memory mode;
//   - then at most UnreliableKillMax unreliable entries unseen for more
//     than UnreliableKillAge frames, oldest first.
//
// It returns the number of entries removed.
func (c *Cache) Decimate(sink Sink, forced bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decimate(sink, forced)
}

func (c *Cache) decimate(sink Sink, forced bool) int {
	if !forced && c.frame < c.nextDecimation {
		return 0
	}
	c.nextDecimation = c.frame + uint64(c.cfg.DecimationInterval)
	c.stats.Decimations++

	killAge := uint64(c.cfg.KillAge)
	if forced || c.lowMemory {
		killAge = uint64(c.cfg.KillAgeLowMemory)
	}
	removed := 0
	var unreliable []*entry
	for _, e := range c.entries {
		age := c.frame - e.lastFrame
		switch {
		case age > killAge:
			c.evict(sink, e)
			removed++
		case e.confidence() == StatusUnreliable && age > uint64(c.cfg.UnreliableKillAge):
			unreliable = append(unreliable, e)
		}
	}

	slices.SortFunc(unreliable, func(a, b *entry) int {
		return cmp.Or(cmp.Compare(a.lastFrame, b.lastFrame), cmp.Compare(a.key.Addr, b.key.Addr))
	})
	for _, e := range unreliable[:min(len(unreliable), c.cfg.UnreliableKillMax)] {
		c.evict(sink, e)
		c.stats.EvictedUnreliable++
		removed++
	}
	if removed > 0 {
		slogger().Debug("texcache: decimated", "frame", c.frame, "removed", removed,
			"forced", forced, "entries", len(c.entries))
	}
	return removed
}

func (c *Cache) evict(sink Sink, e *entry) {
	c.remove(sink, e)
	c.stats.Evicted++
	c.acct.evictions++
}
