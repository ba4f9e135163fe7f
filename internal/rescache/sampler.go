package rescache

import (
	"fmt"
	"math"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/emugpu/backend"
	"github.com/gogpu/emugpu/internal/cache"
	"github.com/gogpu/emugpu/internal/frame"
	"github.com/gogpu/emugpu/resource"
	"github.com/gogpu/emugpu/step"
)

// Sampler key bits.
const (
	SamplerMipEnable uint16 = 1 << iota
	SamplerMinLinear
	SamplerMipLinear
	SamplerMagLinear
	SamplerClampS
	SamplerClampT
	SamplerAniso
)

// SamplerKey is a packed sampler description. Levels and bias are 8.8
// fixed point.
type SamplerKey struct {
	MaxLevel int16
	MinLevel int16
	LodBias  int16
	Bits     uint16
}

// PointClamp is the fallback sampler: nearest filtering, clamped, no mips.
var PointClamp = SamplerKey{Bits: SamplerClampS | SamplerClampT}

func toFixed(v float32) int16 {
	f := math.Round(float64(v) * 256)
	return int16(max(min(f, math.MaxInt16), math.MinInt16))
}

func fromFixed(v int16) float32 { return float32(v) / 256 }

// NewSamplerKey packs sampler parameters.
func NewSamplerKey(p step.SamplerParams) SamplerKey {
	k := SamplerKey{}
	set := func(b bool, bit uint16) {
		if b {
			k.Bits |= bit
		}
	}
	set(p.MipEnable, SamplerMipEnable)
	set(p.MinLinear, SamplerMinLinear)
	set(p.MipLinear && p.MipEnable, SamplerMipLinear)
	set(p.MagLinear, SamplerMagLinear)
	set(p.ClampS, SamplerClampS)
	set(p.ClampT, SamplerClampT)
	set(p.Aniso, SamplerAniso)
	if p.MipEnable {
		k.MinLevel = toFixed(p.MinLod)
		k.MaxLevel = toFixed(p.MaxLod)
		k.LodBias = toFixed(p.LodBias)
	}
	return k
}

// Packed returns the key as a single 64-bit value.
func (k SamplerKey) Packed() uint64 {
	return uint64(uint16(k.MaxLevel)) | uint64(uint16(k.MinLevel))<<16 |
		uint64(uint16(k.LodBias))<<32 | uint64(k.Bits)<<48
}

func (k SamplerKey) String() string {
	return fmt.Sprintf("sampler(%#016x)", k.Packed())
}

func filter(linear bool) gputypes.FilterMode {
	if linear {
		return gputypes.FilterModeLinear
	}
	return gputypes.FilterModeNearest
}

func address(clamp bool) gputypes.AddressMode {
	if clamp {
		return gputypes.AddressModeClampToEdge
	}
	return gputypes.AddressModeRepeat
}

// Desc returns the sampler descriptor for the key.
func (k SamplerKey) Desc(maxAniso uint16) *backend.SamplerDesc {
	d := &backend.SamplerDesc{
		AddressU:  address(k.Bits&SamplerClampS != 0),
		AddressV:  address(k.Bits&SamplerClampT != 0),
		MagFilter: filter(k.Bits&SamplerMagLinear != 0),
		MinFilter: filter(k.Bits&SamplerMinLinear != 0),
		MipFilter: filter(k.Bits&SamplerMipLinear != 0),
	}
	if k.Bits&SamplerMipEnable != 0 {
		d.LodMin = fromFixed(k.MinLevel)
		d.LodMax = fromFixed(k.MaxLevel)
		d.LodBias = fromFixed(k.LodBias)
	}
	if k.Bits&SamplerAniso != 0 {
		d.Anisotropy = max(maxAniso, 1)
	}
	return d
}

type samplerEntry struct {
	id backend.ID
	// owned is false for keys served by the fallback sampler.
	owned bool
}

// SamplerStats reports sampler cache activity.
type SamplerStats struct {
	Hits      uint64
	Misses    uint64
	Fallbacks uint64
	Len       int
}

// SamplerCache keeps one sampler per key for the lifetime of the device.
type SamplerCache struct {
	dev         backend.Device
	ring        *frame.Ring
	caps        backend.Caps
	entries     *cache.Cache[SamplerKey, samplerEntry]
	anisoLogged bool
	fallbacks   uint64
}

// NewSamplerCache creates an empty sampler cache.
func NewSamplerCache(dev backend.Device, ring *frame.Ring) *SamplerCache {
	return &SamplerCache{
		dev:     dev,
		ring:    ring,
		caps:    dev.Caps(),
		entries: cache.New[SamplerKey, samplerEntry](0),
	}
}

// Get returns the sampler for key. When the device refuses the sampler a
// point/clamp sampler is returned instead.
func (c *SamplerCache) Get(key SamplerKey) (backend.ID, error) {
	if key.Bits&SamplerAniso != 0 && !c.caps.Anisotropy {
		if !c.anisoLogged {
			c.anisoLogged = true
			slogger().Warn("rescache: anisotropic filtering not supported, ignoring")
		}
		key.Bits &^= SamplerAniso
	}
	if e, ok := c.entries.Get(key); ok {
		return e.id, nil
	}

	id, err := c.dev.CreateSampler(key.Desc(c.caps.MaxAnisotropy))
	if err == nil {
		c.entries.Set(key, samplerEntry{id: id, owned: true})
		return id, nil
	}
	if key == PointClamp {
		return backend.NullID, fmt.Errorf("rescache: create fallback sampler: %w", err)
	}
	slogger().Warn("rescache: sampler creation failed, using point/clamp", "key", key, "err", err)
	fb, ferr := c.Get(PointClamp)
	if ferr != nil {
		return backend.NullID, ferr
	}
	c.fallbacks++
	c.entries.Set(key, samplerEntry{id: fb})
	return fb, nil
}

// Destroy queues every sampler for deferred deletion.
func (c *SamplerCache) Destroy() {
	c.entries.Drain(func(_ SamplerKey, e samplerEntry) {
		if e.owned {
			c.ring.QueueDeleteGlobal(frame.ObjSampler, &e.id, resource.Invalid)
		}
	})
}

// Reset forgets every sampler without native calls.
func (c *SamplerCache) Reset() {
	c.entries.Clear()
}

// Stats returns cache statistics.
func (c *SamplerCache) Stats() SamplerStats {
	s := c.entries.Stats()
	return SamplerStats{Hits: s.Hits, Misses: s.Misses, Fallbacks: c.fallbacks, Len: s.Len}
}
