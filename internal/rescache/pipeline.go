package rescache

import (
	"errors"
	"fmt"

	"github.com/gogpu/emugpu/backend"
	"github.com/gogpu/emugpu/internal/cache"
	"github.com/gogpu/emugpu/internal/frame"
	"github.com/gogpu/emugpu/resource"
)

// ErrPipelineFailed is returned for a key whose pipeline could not be
// created. The failure is cached; the draw using it should be skipped.
var ErrPipelineFailed = errors.New("rescache: pipeline creation failed")

// DefaultPipelineLimit is the soft limit used when none is given.
const DefaultPipelineLimit = 1024

type pipelineEntry struct {
	id  backend.ID
	err error
}

// PipelineStats reports pipeline cache activity.
type PipelineStats struct {
	Hits      uint64
	Misses    uint64
	Failures  uint64
	Evictions uint64
	Len       int
}

// PipelineCache creates render pipelines on first use.
type PipelineCache struct {
	dev      backend.Device
	ring     *frame.Ring
	entries  *cache.Cache[PipelineKey, *pipelineEntry]
	failures uint64
}

// NewPipelineCache creates a pipeline cache holding about limit pipelines.
// Pipelines evicted past the limit are queued for deferred deletion.
func NewPipelineCache(dev backend.Device, ring *frame.Ring, limit int) *PipelineCache {
	if limit <= 0 {
		limit = DefaultPipelineLimit
	}
	c := &PipelineCache{
		dev:     dev,
		ring:    ring,
		entries: cache.New[PipelineKey, *pipelineEntry](limit),
	}
	c.entries.OnEvict(func(_ PipelineKey, e *pipelineEntry) { c.release(e) })
	return c
}

// Get returns the pipeline for key, creating it from desc on a miss.
// desc is only called on a miss.
func (c *PipelineCache) Get(key PipelineKey, desc func() (*backend.PipelineDesc, error)) (backend.ID, error) {
	if e, ok := c.entries.Get(key); ok {
		if e.err != nil {
			return backend.NullID, e.err
		}
		return e.id, nil
	}

	e := &pipelineEntry{}
	d, err := desc()
	if err == nil {
		e.id, err = c.dev.CreatePipeline(d)
	}
	if err != nil {
		c.failures++
		e.err = fmt.Errorf("%w: program %s: %w", ErrPipelineFailed, key.Program, err)
		slogger().Error("rescache: pipeline creation failed", "program", key.Program, "state", fmt.Sprintf("%#x", key.State), "err", err)
	}
	c.entries.Set(key, e)
	return e.id, e.err
}

// PurgeProgram queues every pipeline built from program for deletion.
func (c *PipelineCache) PurgeProgram(program resource.Handle) int {
	var keys []PipelineKey
	c.entries.Range(func(k PipelineKey, _ *pipelineEntry) bool {
		if k.Program == program {
			keys = append(keys, k)
		}
		return true
	})
	for _, k := range keys {
		if e, ok := c.entries.Delete(k); ok {
			c.release(e)
		}
	}
	return len(keys)
}

// Clear queues every pipeline for deferred deletion.
func (c *PipelineCache) Clear() {
	c.entries.Drain(func(_ PipelineKey, e *pipelineEntry) { c.release(e) })
}

// Reset forgets every pipeline without native calls.
func (c *PipelineCache) Reset() {
	c.entries.Clear()
}

// Len returns the number of cached entries, failed ones included.
func (c *PipelineCache) Len() int { return c.entries.Len() }

// Stats returns cache statistics.
func (c *PipelineCache) Stats() PipelineStats {
	s := c.entries.Stats()
	return PipelineStats{
		Hits:      s.Hits,
		Misses:    s.Misses,
		Failures:  c.failures,
		Evictions: s.Evictions,
		Len:       s.Len,
	}
}

func (c *PipelineCache) release(e *pipelineEntry) {
	if e.id == backend.NullID {
		return
	}
	c.ring.QueueDelete(frame.ObjPipeline, &e.id, resource.Invalid)
}
