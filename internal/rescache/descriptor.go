package rescache

import (
	"errors"
	"fmt"

	"github.com/gogpu/emugpu/backend"
	"github.com/gogpu/emugpu/internal/cache"
	"github.com/gogpu/emugpu/internal/frame"
	"github.com/gogpu/emugpu/resource"
	"github.com/gogpu/emugpu/step"
)

// ErrDescriptorPoolFatal is returned when a descriptor set cannot be
// allocated even from a freshly recreated pool.
var ErrDescriptorPoolFatal = errors.New("rescache: descriptor pool unrecoverable")

// DefaultDescriptorPoolSize is the initial number of sets per pool.
const DefaultDescriptorPoolSize = 512

// DescriptorKey identifies a descriptor set by the native objects it
// references.
type DescriptorKey struct {
	Uniform     backend.ID
	UniformSize uint64
	Textures    [step.MaxTextureSlots]backend.ID
	Samplers    [step.MaxTextureSlots]backend.ID
}

func (k *DescriptorKey) desc() *backend.DescriptorSetDesc {
	return &backend.DescriptorSetDesc{
		Uniform:  backend.BufferBinding{Buffer: k.Uniform, Size: k.UniformSize},
		Textures: k.Textures[:],
		Samplers: k.Samplers[:],
	}
}

// DescriptorStats reports descriptor cache activity.
type DescriptorStats struct {
	Hits        uint64
	Misses      uint64
	Allocated   uint64
	Recreations uint64
	Repairs     uint64
	Wipes       uint64
	// Capacity is the largest pool capacity in use.
	Capacity uint32
}

// slotSets is the sub-allocator of one ring slot.
type slotSets struct {
	pool     backend.ID
	capacity uint32
	used     uint32
	uses     int
	sets     *cache.Cache[DescriptorKey, backend.ID]
}

// DescriptorCache hands out descriptor sets from one pool per ring slot.
// Sets are cached by key until the slot's pool is wiped.
type DescriptorCache struct {
	dev          backend.Device
	ring         *frame.Ring
	poolSize     uint32
	wipeInterval int
	slots        []*slotSets
	cur          *slotSets

	allocated   uint64
	recreations uint64
	repairs     uint64
	wipes       uint64
}

// NewDescriptorCache creates a descriptor cache with one sub-allocator per
// ring slot. The pool of a slot is reset every wipeInterval uses of the
// slot.
func NewDescriptorCache(dev backend.Device, ring *frame.Ring, poolSize uint32, wipeInterval int) *DescriptorCache {
	if poolSize == 0 {
		poolSize = DefaultDescriptorPoolSize
	}
	if wipeInterval < 1 {
		wipeInterval = 1
	}
	c := &DescriptorCache{
		dev:          dev,
		ring:         ring,
		poolSize:     poolSize,
		wipeInterval: wipeInterval,
		slots:        make([]*slotSets, ring.Size()),
	}
	for i := range c.slots {
		c.slots[i] = &slotSets{sets: cache.New[DescriptorKey, backend.ID](0)}
	}
	return c
}

// BeginSlot selects the sub-allocator of a ring slot. It must be called
// after the ring began the slot, when the slot's previous work is done.
func (c *DescriptorCache) BeginSlot(slot int) {
	s := c.slots[slot]
	c.cur = s
	s.uses++
	if s.uses%c.wipeInterval != 0 || s.pool == backend.NullID {
		return
	}
	if err := c.dev.ResetDescriptorPool(s.pool); err != nil {
		// The pool is unusable; replace it lazily on the next Get.
		slogger().Warn("rescache: descriptor pool reset failed", "slot", slot, "err", err)
		c.ring.QueueDelete(frame.ObjDescriptorPool, &s.pool, resource.Invalid)
	}
	s.used = 0
	s.sets.Clear()
	c.wipes++
}

// Get returns a descriptor set for key from the current slot.
func (c *DescriptorCache) Get(key DescriptorKey) (backend.ID, error) {
	s := c.cur
	if s == nil {
		return backend.NullID, errors.New("rescache: descriptor cache used outside a frame")
	}
	if id, ok := s.sets.Get(key); ok {
		return id, nil
	}

	if s.pool == backend.NullID {
		if err := c.newPool(s, max(s.capacity, c.poolSize)); err != nil {
			return backend.NullID, err
		}
	} else if s.used+1 > s.capacity {
		slogger().Warn("rescache: descriptor pool full, growing", "capacity", s.capacity, "new", s.capacity*2)
		c.recreations++
		if err := c.newPool(s, s.capacity*2); err != nil {
			return backend.NullID, err
		}
	}

	d := key.desc()
	id, err := c.dev.AllocateDescriptorSet(s.pool, d)
	if err != nil {
		if !errors.Is(err, backend.ErrFragmentedPool) && !errors.Is(err, backend.ErrPoolExhausted) {
			return backend.NullID, fmt.Errorf("rescache: allocate descriptor set: %w", err)
		}
		slogger().Warn("rescache: descriptor pool needs repair", "capacity", s.capacity, "err", err)
		c.repairs++
		if err := c.newPool(s, s.capacity); err != nil {
			return backend.NullID, err
		}
		if id, err = c.dev.AllocateDescriptorSet(s.pool, d); err != nil {
			slogger().Error("rescache: descriptor pool repair failed", "capacity", s.capacity, "err", err)
			return backend.NullID, fmt.Errorf("%w: %w", ErrDescriptorPoolFatal, err)
		}
	}
	s.used++
	c.allocated++
	s.sets.Set(key, id)
	return id, nil
}

// newPool retires the slot's pool and creates one of the given capacity.
// Sets of the old pool stay valid until its deferred deletion runs.
func (c *DescriptorCache) newPool(s *slotSets, capacity uint32) error {
	if s.pool != backend.NullID {
		c.ring.QueueDelete(frame.ObjDescriptorPool, &s.pool, resource.Invalid)
	}
	s.sets.Clear()
	s.used = 0
	id, err := c.dev.CreateDescriptorPool(capacity)
	if err != nil {
		return fmt.Errorf("%w: create pool of %d: %w", ErrDescriptorPoolFatal, capacity, err)
	}
	s.pool = id
	s.capacity = capacity
	return nil
}

// Destroy queues every pool for deferred deletion.
func (c *DescriptorCache) Destroy() {
	for _, s := range c.slots {
		if s.pool != backend.NullID {
			c.ring.QueueDeleteGlobal(frame.ObjDescriptorPool, &s.pool, resource.Invalid)
		}
		s.sets.Clear()
		s.used = 0
	}
	c.cur = nil
}

// Reset forgets every pool without native calls.
func (c *DescriptorCache) Reset() {
	for _, s := range c.slots {
		*s = slotSets{sets: s.sets}
		s.sets.Clear()
	}
	c.cur = nil
}

// Stats returns cache statistics.
func (c *DescriptorCache) Stats() DescriptorStats {
	st := DescriptorStats{
		Allocated:   c.allocated,
		Recreations: c.recreations,
		Repairs:     c.repairs,
		Wipes:       c.wipes,
	}
	for _, s := range c.slots {
		cs := s.sets.Stats()
		st.Hits += cs.Hits
		st.Misses += cs.Misses
		st.Capacity = max(st.Capacity, s.capacity)
	}
	return st
}
