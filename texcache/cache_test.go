package texcache

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/emugpu/resource"
	"github.com/gogpu/emugpu/step"
)

type memory struct{ buf []byte }

func (m *memory) Bytes(addr uint32, size int) []byte {
	if int(addr) >= len(m.buf) {
		return nil
	}
	return m.buf[addr:min(int(addr)+size, len(m.buf))]
}

// rawDecoder treats the source as tightly packed RGBA.
type rawDecoder struct{}

func (rawDecoder) SourceSize(k Key) int { return int(k.Width * k.Height * 4) }

func (rawDecoder) Decode(k Key, src []byte) (*image.NRGBA, AlphaStatus, error) {
	img := image.NewNRGBA(image.Rect(0, 0, int(k.Width), int(k.Height)))
	copy(img.Pix, src)
	return img, AlphaUnknown, nil
}

type sink struct {
	reg     *resource.Registry
	creates []step.TextureDesc
	handles []resource.Handle
	uploads int
	deletes []resource.Handle
}

func newSink() *sink { return &sink{reg: resource.NewRegistry()} }

func (s *sink) CreateTexture(desc step.TextureDesc) resource.Handle {
	h := s.reg.Reserve(resource.KindTexture)
	s.creates = append(s.creates, desc)
	s.handles = append(s.handles, h)
	return h
}

func (s *sink) UploadTexture(resource.Handle, uint32, step.Rect, step.DataFormat, []byte, func([]byte)) {
	s.uploads++
}

func (s *sink) Delete(h resource.Handle) { s.deletes = append(s.deletes, h) }

type notices []Notice

func (n *notices) Notice(x Notice) { *n = append(*n, x) }

func newCache(t *testing.T, cfg Config, opts ...Option) (*Cache, *memory, *sink) {
	t.Helper()
	mem := &memory{buf: make([]byte, 1<<20)}
	for i := range mem.buf {
		mem.buf[i] = 0xF0 | byte(i%16)
	}
	c, err := New(mem, rawDecoder{}, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, mem, newSink()
}

func key16(addr uint32) Key { return Key{Addr: addr, Width: 16, Height: 16} }

func lookup(t *testing.T, c *Cache, s *sink, k Key) Binding {
	t.Helper()
	b, err := c.Lookup(s, k)
	require.NoError(t, err)
	return b
}

func info(t *testing.T, c *Cache, k Key) EntryInfo {
	t.Helper()
	e, ok := c.Entry(k)
	require.True(t, ok, "entry %s missing", k)
	return e
}

func TestLookupCreatesOnce(t *testing.T) {
	c, _, s := newCache(t, Config{})
	k := key16(0x1000)

	c.StartFrame(s)
	b := lookup(t, c, s, k)
	again := lookup(t, c, s, k)

	assert.Equal(t, b, again)
	assert.Equal(t, uint32(16), b.Width)
	assert.Equal(t, 1, b.Scale)
	assert.Equal(t, AlphaUnknown, b.Alpha)
	assert.Equal(t, StatusHashing, b.Status.Confidence())
	require.Len(t, s.creates, 1)
	assert.Equal(t, step.RGBA8888, s.creates[0].Format)
	assert.False(t, s.creates[0].Transient)
	assert.Equal(t, 1, s.uploads)

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, uint64(16*16*4), st.Memory.UsedBytes)
}

func TestHashConfidenceBackoff(t *testing.T) {
	c, _, s := newCache(t, Config{ReliableAfter: 3})
	k := key16(0x1000)

	var fullAt []uint64
	for range 20 {
		c.StartFrame(s)
		before := c.Stats().FullHashes
		lookup(t, c, s, k)
		if c.Stats().FullHashes > before {
			fullAt = append(fullAt, c.Frame())
		}
	}

	// Full hashes at frames 2, 4 and 8: the gap doubles with every
	// consistent check until the entry is trusted.
	assert.Equal(t, []uint64{2, 4, 8}, fullAt)
	e := info(t, c, k)
	assert.Equal(t, StatusReliable, e.Status.Confidence())
	assert.Equal(t, 3, e.NumConsistent)
	assert.Equal(t, uint64(7), c.Stats().MiniHashes, "reliable entries are not hashed")
	assert.Equal(t, 1, s.uploads)
}

func TestBackoffIsCapped(t *testing.T) {
	c, _, s := newCache(t, Config{ReliableAfter: 100, MaxHashBackoff: 4})
	k := key16(0)
	for range 40 {
		c.StartFrame(s)
		lookup(t, c, s, k)
		assert.LessOrEqual(t, info(t, c, k).FramesUntilNextFullHash, 4)
	}
	assert.Equal(t, StatusHashing, info(t, c, k).Status.Confidence())
}

func TestMiniHashChangeMarksUnreliable(t *testing.T) {
	c, mem, s := newCache(t, Config{})
	k := key16(0x1000)

	c.StartFrame(s)
	first := lookup(t, c, s, k)

	c.StartFrame(s)
	mem.buf[0x1000] = 0
	b := lookup(t, c, s, k)

	assert.Equal(t, StatusUnreliable, b.Status.Confidence())
	assert.NotZero(t, b.Status&StatusChangeFrequent)
	assert.NotZero(t, b.Status&StatusTransient)
	assert.NotEqual(t, first.Texture, b.Texture, "moving to the transient pool recreates the texture")
	require.Len(t, s.creates, 2)
	assert.True(t, s.creates[1].Transient)
	assert.Equal(t, []resource.Handle{first.Texture}, s.deletes)
	assert.Equal(t, 1, info(t, c, k).Invalidations)

	// Unreliable entries are fully hashed on every reference.
	hashes := c.Stats().FullHashes
	for range 3 {
		c.StartFrame(s)
		lookup(t, c, s, k)
	}
	assert.Equal(t, hashes+3, c.Stats().FullHashes)
	assert.Equal(t, 2, s.uploads)

	// Further changes upload in place.
	c.StartFrame(s)
	mem.buf[0x1000] = 1
	again := lookup(t, c, s, k)
	assert.Equal(t, b.Texture, again.Texture)
	assert.Equal(t, 3, s.uploads)
	assert.Len(t, s.creates, 2)
}

func TestUnreliableRegainsTrust(t *testing.T) {
	c, mem, s := newCache(t, Config{FramesRegainTrust: 10, FrameChangeFrequentRegainTrust: 5})
	k := key16(0)

	c.StartFrame(s)
	lookup(t, c, s, k)
	c.StartFrame(s)
	mem.buf[0] = 0
	lookup(t, c, s, k)
	require.NotZero(t, info(t, c, k).Status&StatusChangeFrequent)

	for range 10 {
		c.StartFrame(s)
		lookup(t, c, s, k)
	}
	e := info(t, c, k)
	assert.Equal(t, StatusHashing, e.Status.Confidence())
	assert.Zero(t, e.Status&StatusChangeFrequent)
}

func TestReliableTrustedUntilWrite(t *testing.T) {
	c, mem, s := newCache(t, Config{ReliableAfter: 1})
	k := key16(0x2000)

	c.StartFrame(s)
	lookup(t, c, s, k)
	c.StartFrame(s)
	lookup(t, c, s, k)
	require.Equal(t, StatusReliable, info(t, c, k).Status.Confidence())

	c.StartFrame(s)
	mem.buf[0x2000] = 0
	lookup(t, c, s, k)
	assert.Equal(t, 1, s.uploads, "reliable entries are not rehashed")

	assert.Equal(t, 0, c.NotifyWrite(0x2000+16*16*4, 4))
	assert.Equal(t, 1, c.NotifyWrite(0x2000+10, 4))
	b := lookup(t, c, s, k)

	assert.Equal(t, 2, s.uploads)
	assert.Equal(t, StatusUnreliable, b.Status.Confidence())
	assert.Zero(t, b.Status&StatusChangeFrequent, "notified writes do not count as frequent changes")
	assert.Zero(t, b.Status&StatusFreeChange)
}

func TestWriteWithoutChangeKeepsEntry(t *testing.T) {
	c, _, s := newCache(t, Config{ReliableAfter: 2})
	k := key16(0)
	for range 4 {
		c.StartFrame(s)
		lookup(t, c, s, k)
	}
	require.Equal(t, StatusReliable, info(t, c, k).Status.Confidence())

	c.NotifyWrite(0, 1)
	hashes := c.Stats().FullHashes
	b := lookup(t, c, s, k)

	assert.Equal(t, hashes+1, c.Stats().FullHashes)
	assert.Equal(t, StatusHashing, b.Status.Confidence())
	assert.Equal(t, 1, s.uploads)
}

// Entries made unreliable and then left alone are removed a few at a time.
func TestUnreliableEvictionIsCapped(t *testing.T) {
	c, mem, s := newCache(t, Config{})
	keys := make([]Key, 10)
	for i := range keys {
		keys[i] = key16(uint32(i) * 0x1000)
	}

	c.StartFrame(s)
	for _, k := range keys {
		lookup(t, c, s, k)
	}
	c.StartFrame(s)
	for _, k := range keys {
		mem.buf[k.Addr] = 0
		require.Equal(t, StatusUnreliable, lookup(t, c, s, k).Status.Confidence())
	}

	removedAt := map[uint64]uint64{}
	for c.Frame() < 100 {
		before := c.Stats().EvictedUnreliable
		c.StartFrame(s)
		if d := c.Stats().EvictedUnreliable - before; d > 0 {
			removedAt[c.Frame()] = d
		}
	}

	for f, n := range removedAt {
		assert.LessOrEqual(t, n, uint64(4), "frame %d removed %d", f, n)
	}
	assert.Equal(t, map[uint64]uint64{39: 4, 52: 4, 65: 2}, removedAt)
	assert.Zero(t, c.Len())
	assert.Equal(t, uint64(10), c.Stats().Memory.EvictionCount)
}

func TestDecimationRemovesAgedEntries(t *testing.T) {
	cfg := Config{KillAge: 20, KillAgeLowMemory: 10, UnreliableKillAge: 5, DecimationInterval: 1}
	c, _, s := newCache(t, cfg)
	stale, live := key16(0), key16(0x1000)

	c.StartFrame(s)
	staleTex := lookup(t, c, s, stale).Texture
	for c.Frame() < 30 {
		c.StartFrame(s)
		lookup(t, c, s, live)
		for _, k := range []Key{stale, live} {
			if e, ok := c.Entry(k); ok {
				assert.LessOrEqual(t, c.Frame()-e.LastFrame, uint64(20))
			}
		}
		_, ok := c.Entry(stale)
		assert.Equal(t, c.Frame() <= 21, ok, "frame %d", c.Frame())
	}
	assert.Equal(t, []resource.Handle{staleTex}, s.deletes)
}

func TestSlabPressureForcesDecimation(t *testing.T) {
	cfg := Config{SlabSize: 1024, SlabPressure: 1, KillAgeLowMemory: 3}
	c, _, s := newCache(t, cfg)

	c.StartFrame(s)
	lookup(t, c, s, key16(0))
	lookup(t, c, s, key16(0x1000))
	require.Equal(t, 2, c.Stats().Memory.Slabs)

	for range 3 {
		c.StartFrame(s)
	}
	assert.Equal(t, 2, c.Len(), "age 3 is not above the low memory kill age")
	c.StartFrame(s)
	assert.Zero(t, c.Len())
	assert.Zero(t, c.Stats().Memory.UsedBytes)
	assert.Len(t, s.deletes, 2)
}

func TestScalingBudgetDefersScaling(t *testing.T) {
	cfg := Config{ScaleFactor: 2, Filter: FilterNearest, MaxTexelsScaled: 16 * 16}
	c, _, s := newCache(t, cfg)
	a, b := key16(0), key16(0x1000)

	c.StartFrame(s)
	ba := lookup(t, c, s, a)
	bb := lookup(t, c, s, b)

	assert.Equal(t, 2, ba.Scale)
	assert.Equal(t, uint32(32), ba.Width)
	assert.NotZero(t, ba.Status&StatusIsScaled)
	assert.Equal(t, 1, bb.Scale)
	assert.Equal(t, uint32(16), bb.Width)
	assert.NotZero(t, bb.Status&StatusToScale)
	assert.Equal(t, uint64(1), c.Stats().ScaleDeferred)

	c.StartFrame(s)
	bb = lookup(t, c, s, b)
	assert.Equal(t, 2, bb.Scale)
	assert.Equal(t, uint32(32), bb.Height)
	assert.Zero(t, bb.Status&StatusToScale)
	require.Len(t, s.creates, 3)
	assert.Equal(t, uint32(32), s.creates[2].Width)
	assert.Len(t, s.deletes, 1)
	assert.Equal(t, uint64(2), c.Stats().Scaled)
}

func TestFlatTextureIsNotScaled(t *testing.T) {
	cfg := Config{ScaleFactor: 2, Filter: FilterNearest, MaxTexelsScaled: 16 * 16}
	c, mem, s := newCache(t, cfg)
	blank, a := key16(0x8000), key16(0)
	for i := range 16 * 16 * 4 {
		mem.buf[0x8000+i] = 0
	}

	c.StartFrame(s)
	bf := lookup(t, c, s, blank)
	ba := lookup(t, c, s, a)

	assert.Equal(t, 1, bf.Scale)
	assert.Equal(t, uint32(16), bf.Width)
	assert.Zero(t, bf.Status&(StatusIsScaled|StatusToScale))
	assert.Equal(t, 2, ba.Scale, "a flat texture does not use the scaling budget")
	st := c.Stats()
	assert.Equal(t, uint64(1), st.FlatSkipped)
	assert.Equal(t, uint64(1), st.Scaled)
	assert.Zero(t, st.ScaleDeferred)
}

func TestFrequentChangesSkipScaling(t *testing.T) {
	c, mem, s := newCache(t, Config{ScaleFactor: 2})
	k := key16(0)

	c.StartFrame(s)
	require.Equal(t, 2, lookup(t, c, s, k).Scale)
	c.StartFrame(s)
	mem.buf[0] = 0
	b := lookup(t, c, s, k)

	assert.NotZero(t, b.Status&StatusChangeFrequent)
	assert.Equal(t, 1, b.Scale)
	assert.Equal(t, uint32(16), b.Width)
}

func TestHardwareScalingSkipsSoftwarePath(t *testing.T) {
	c, _, s := newCache(t, Config{ScaleFactor: 3, HardwareScaling: true})
	c.StartFrame(s)
	b := lookup(t, c, s, key16(0))
	assert.Equal(t, 3, b.Scale)
	assert.Equal(t, uint32(16), b.Width)
	assert.Zero(t, c.Stats().Scaled)
}

func TestLowMemoryRetriesUnscaled(t *testing.T) {
	var got notices
	cfg := Config{ScaleFactor: 2, MemoryBudget: 2 * 16 * 16 * 4, FramesRegainTrust: 5}
	c, _, s := newCache(t, cfg, WithNotifier(&got))

	c.StartFrame(s)
	b := lookup(t, c, s, key16(0))
	assert.Equal(t, 1, b.Scale, "a scaled texture over budget is retried at scale 1")
	assert.True(t, c.Stats().LowMemory)
	require.Len(t, got, 1)
	assert.Equal(t, NoticeLowMemory, got[0].Kind)

	lookup(t, c, s, key16(0x1000))
	_, err := c.Lookup(s, key16(0x2000))
	require.ErrorIs(t, err, ErrBudget)
	assert.Len(t, got, 1, "the notice is sent once")
	assert.Equal(t, 2, c.Len())

	for range 5 {
		c.StartFrame(s)
	}
	assert.False(t, c.Stats().LowMemory)
}

func TestEnterLowMemoryForcesDecimation(t *testing.T) {
	var got notices
	c, _, s := newCache(t, Config{KillAgeLowMemory: 10}, WithNotifier(&got))

	c.StartFrame(s)
	lookup(t, c, s, key16(0))
	for c.Frame() < 12 {
		c.StartFrame(s)
	}
	require.Equal(t, 1, c.Len())

	c.EnterLowMemory()
	c.StartFrame(s)
	assert.Zero(t, c.Len())
	assert.Len(t, got, 1)
	assert.Len(t, s.deletes, 1)
}

func TestReplacementSkipsScaling(t *testing.T) {
	var seen uint64
	rep := ReplacerFunc(func(k Key, hash uint64) (*image.NRGBA, bool) {
		if k.Addr != 0 {
			return nil, false
		}
		seen = hash
		return image.NewNRGBA(image.Rect(0, 0, 8, 8)), true
	})
	c, _, s := newCache(t, Config{ScaleFactor: 2}, WithReplacer(rep))

	c.StartFrame(s)
	b := lookup(t, c, s, key16(0))
	assert.NotZero(t, b.Status&StatusReplaced)
	assert.Equal(t, uint32(8), b.Width)
	assert.Equal(t, 1, b.Scale)
	assert.Equal(t, info(t, c, key16(0)).FullHash, seen)

	other := lookup(t, c, s, key16(0x1000))
	assert.Zero(t, other.Status&StatusReplaced)
	assert.Equal(t, 2, other.Scale)
	assert.Equal(t, uint64(1), c.Stats().Replaced)
}

func TestSourceErrors(t *testing.T) {
	c, mem, s := newCache(t, Config{})
	_, err := c.Lookup(s, Key{Addr: uint32(len(mem.buf)) - 16, Width: 16, Height: 16})
	require.ErrorIs(t, err, ErrSource)
	_, err = c.Lookup(s, Key{})
	require.ErrorIs(t, err, ErrSource)
	assert.Zero(t, c.Len())
	assert.Empty(t, s.creates)
}

func TestClearAndDeviceLost(t *testing.T) {
	c, _, s := newCache(t, Config{})
	c.StartFrame(s)
	lookup(t, c, s, key16(0))
	lookup(t, c, s, key16(0x1000))

	c.DeviceLost()
	assert.Zero(t, c.Len())
	assert.Empty(t, s.deletes, "lost textures are not deleted again")
	assert.Zero(t, c.Stats().Memory.UsedBytes)

	lookup(t, c, s, key16(0))
	c.Clear(s)
	assert.Zero(t, c.Len())
	assert.Len(t, s.deletes, 1)
}

func TestRecorderSink(t *testing.T) {
	mem := &memory{buf: make([]byte, 4096)}
	c, err := New(mem, rawDecoder{}, Config{})
	require.NoError(t, err)
	defer c.Close()

	rec := step.NewRecorder(resource.NewRegistry())
	c.StartFrame(rec)
	b, err := c.Lookup(rec, key16(0))
	require.NoError(t, err)

	f := rec.Finish(false)
	require.Len(t, f.Steps, 2)
	create, ok := f.Steps[0].(step.CreateTexture)
	require.True(t, ok)
	assert.Equal(t, b.Texture, create.Handle)
	upload, ok := f.Steps[1].(step.UploadTexture)
	require.True(t, ok)
	assert.Equal(t, step.RGBA8888, upload.Format)
	assert.Equal(t, 16*16*4, upload.Data.Len())
}

func TestLookupInsideRenderPass(t *testing.T) {
	mem := &memory{buf: make([]byte, 4096)}
	c, err := New(mem, rawDecoder{}, Config{})
	require.NoError(t, err)
	defer c.Close()

	reg := resource.NewRegistry()
	fb := reg.Reserve(resource.KindFramebuffer)
	record := func() (Binding, *step.Frame) {
		rec := step.NewRecorder(reg)
		c.StartFrame(rec)
		rec.BeginRenderPass(fb, step.PassActions{Color: step.LoadClear})
		b, err := c.Lookup(rec, key16(0))
		require.NoError(t, err)
		rec.Cmd(step.BindTexture{Slot: 0, Texture: b.Texture}, step.Draw{Count: 6})
		rec.EndRenderPass()
		assert.Zero(t, rec.Dropped())
		return b, rec.Finish(false)
	}
	kinds := func(f *step.Frame) []step.StepKind {
		var ks []step.StepKind
		for _, s := range f.Steps {
			ks = append(ks, s.Kind())
		}
		return ks
	}
	pass := func(f *step.Frame) step.RenderPass {
		for _, s := range f.Steps {
			if p, ok := s.(step.RenderPass); ok {
				return p
			}
		}
		t.Fatal("no render pass recorded")
		return step.RenderPass{}
	}

	t.Run("miss", func(t *testing.T) {
		b, f := record()
		assert.Equal(t, []step.StepKind{step.KindCreateTexture, step.KindUploadTexture, step.KindRenderPass}, kinds(f))
		p := pass(f)
		assert.Equal(t, fb, p.Target)
		require.Len(t, p.Commands, 2)
		assert.Equal(t, step.BindTexture{Slot: 0, Texture: b.Texture}, p.Commands[0])
	})

	t.Run("unreliable rebuild", func(t *testing.T) {
		first, _ := record()
		mem.buf[0] ^= 0xFF
		b, f := record()
		require.Equal(t, StatusUnreliable, b.Status.Confidence())
		require.NotEqual(t, first.Texture, b.Texture)

		assert.Equal(t, []step.StepKind{
			step.KindCreateTexture, step.KindUploadTexture, step.KindRenderPass, step.KindDelete,
		}, kinds(f))
		p := pass(f)
		require.Len(t, p.Commands, 2)
		assert.Equal(t, step.BindTexture{Slot: 0, Texture: b.Texture}, p.Commands[0])
		assert.Equal(t, first.Texture, f.Steps[3].(step.Delete).Handle)

		// Content rewritten again uploads in place, still ahead of the pass.
		mem.buf[0] ^= 0xFF
		again, f := record()
		assert.Equal(t, b.Texture, again.Texture)
		assert.Equal(t, []step.StepKind{step.KindUploadTexture, step.KindRenderPass}, kinds(f))
		assert.Len(t, pass(f).Commands, 2)
	})
}
