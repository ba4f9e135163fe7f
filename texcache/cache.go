// Package texcache caches decoded source textures as device textures.
//
// Each entry is keyed by the source address, format, dimensions and
// palette hash. Every reference re-validates the entry with a cost that
// depends on how much the entry is trusted:
//
//   - hashing entries compare a cheap mini-hash and run a full hash with
//     exponential backoff;
//   - reliable entries are not hashed until a memory write touches them;
//   - unreliable entries, whose content changes often, are fully hashed on
//     every reference and live in the transient pool.
//
// Decoded textures are optionally replaced or upscaled before upload.
// Native work is recorded on a Sink, normally a *step.Recorder, so the
// cache itself never touches the device.
package texcache

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/gogpu/emugpu/resource"
	"github.com/gogpu/emugpu/step"
)

var (
	// ErrDecode wraps decoder failures.
	ErrDecode = errors.New("texcache: decode failed")

	// ErrBudget is returned when a texture does not fit the memory budget,
	// even after low-memory decimation.
	ErrBudget = errors.New("texcache: memory budget exceeded")

	// ErrSource is returned when the source bytes cannot be read.
	ErrSource = errors.New("texcache: source bytes unavailable")
)

// Memory gives read access to emulated memory.
type Memory interface {
	// Bytes returns size bytes at addr, or a shorter slice when the range
	// is not mapped.
	Bytes(addr uint32, size int) []byte
}

// Decoder turns source bytes into pixels.
type Decoder interface {
	// SourceSize returns the number of source bytes the key covers.
	SourceSize(key Key) int
	Decode(key Key, src []byte) (*image.NRGBA, AlphaStatus, error)
}

// Replacer supplies replacement pixels by content hash.
type Replacer interface {
	Replacement(key Key, hash uint64) (*image.NRGBA, bool)
}

// ReplacerFunc adapts a function to Replacer.
type ReplacerFunc func(key Key, hash uint64) (*image.NRGBA, bool)

// Replacement calls f.
func (f ReplacerFunc) Replacement(key Key, hash uint64) (*image.NRGBA, bool) { return f(key, hash) }

// NoticeKind classifies a Notice.
type NoticeKind uint8

const (
	// NoticeLowMemory is sent when the cache enters low-memory mode.
	NoticeLowMemory NoticeKind = iota + 1
)

// Notice is a degradation the host may show to the user.
type Notice struct {
	Kind    NoticeKind
	Message string
}

// Notifier receives notices.
type Notifier interface {
	Notice(Notice)
}

// Sink records texture work. *step.Recorder implements it.
type Sink interface {
	CreateTexture(desc step.TextureDesc) resource.Handle
	UploadTexture(tex resource.Handle, level uint32, region step.Rect, format step.DataFormat, data []byte, free func([]byte))
	Delete(h resource.Handle)
}

// Stats reports cache activity.
type Stats struct {
	Frames            uint64
	Lookups           uint64
	Hits              uint64
	Misses            uint64
	MiniHashes        uint64
	FullHashes        uint64
	Changes           uint64
	Uploads           uint64
	Recreations       uint64
	Replaced          uint64
	Scaled            uint64
	ScaleDeferred     uint64
	FlatSkipped       uint64
	Decimations       uint64
	Evicted           uint64
	EvictedUnreliable uint64
	LowMemoryEntries  uint64

	Entries   int
	LowMemory bool
	Memory    MemoryStats
}

// Option configures a Cache.
type Option func(*Cache)

// WithReplacer sets the replacement source.
func WithReplacer(r Replacer) Option {
	return func(c *Cache) { c.rep = r }
}

// WithNotifier sets the notice receiver.
func WithNotifier(n Notifier) Option {
	return func(c *Cache) { c.notify = n }
}

// Cache is a texture cache. It is safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	cfg    Config
	mem    Memory
	dec    Decoder
	rep    Replacer
	notify Notifier
	scaler *scaler

	entries map[Key]*entry
	acct    accounting

	frame          uint64
	nextDecimation uint64
	texelsScaled   int
	lowMemory      bool
	lowMemorySince uint64
	pendingForce   bool

	stats Stats
}

// New creates a cache reading source bytes from mem.
func New(mem Memory, dec Decoder, cfg Config, opts ...Option) (*Cache, error) {
	if mem == nil || dec == nil {
		return nil, errors.New("texcache: nil memory or decoder")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	c := &Cache{
		cfg:            cfg,
		mem:            mem,
		dec:            dec,
		scaler:         newScaler(cfg.Filter, cfg.Workers),
		entries:        make(map[Key]*entry),
		acct:           newAccounting(cfg.MemoryBudget, cfg.SlabSize),
		nextDecimation: uint64(cfg.DecimationInterval),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the effective configuration.
func (c *Cache) Config() Config { return c.cfg }

// Close stops the scaling workers. Entries are left as they are; use
// Clear first to delete their textures.
func (c *Cache) Close() { c.scaler.close() }

// StartFrame begins a frame: the scaling budget resets and decimation
// runs when due, or immediately when the allocator is under pressure.
func (c *Cache) StartFrame(sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.frame++
	c.stats.Frames++
	c.texelsScaled = 0
	if c.lowMemory && c.frame-c.lowMemorySince >= uint64(c.cfg.FramesRegainTrust) {
		c.lowMemory = false
		slogger().Info("texcache: leaving low memory mode", "frame", c.frame)
	}
	limit := c.cfg.SlabPressure * max(c.cfg.ScaleFactor, 1)
	forced := c.pendingForce || c.acct.slabs() > limit
	c.pendingForce = false
	c.decimate(sink, forced)
}

// Frame returns the current frame number.
func (c *Cache) Frame() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

// Lookup returns the binding for key, creating, validating or rebuilding
// the entry as needed.
func (c *Cache) Lookup(sink Sink, key Key) (Binding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Lookups++
	e, ok := c.entries[key]
	if !ok {
		return c.create(sink, key)
	}
	first := e.lastFrame != c.frame
	if !first && !e.forceFull {
		c.stats.Hits++
		return e.binding(), nil
	}
	e.lastFrame = c.frame

	if e.has(StatusChangeFrequent) && c.frame-e.lastChange >= uint64(c.cfg.FrameChangeFrequentRegainTrust) {
		e.set(StatusChangeFrequent, false)
		if c.softwareScale() > e.scale && !e.has(StatusReplaced) {
			e.set(StatusToScale, true)
		}
	}

	src, full, changed, err := c.validate(e)
	if err != nil {
		c.remove(sink, e)
		return Binding{}, err
	}
	if changed {
		if err := c.change(sink, e, src, full); err != nil {
			c.remove(sink, e)
			return Binding{}, err
		}
		return e.binding(), nil
	}

	if first && e.has(StatusToScale) && c.canScale() {
		if src == nil {
			if src, err = c.source(e.key, e.srcSize); err != nil {
				c.remove(sink, e)
				return Binding{}, err
			}
		}
		if err := c.rebuild(sink, e, src, e.fullHash); err != nil {
			c.remove(sink, e)
			return Binding{}, err
		}
	}
	c.stats.Hits++
	return e.binding(), nil
}

func (c *Cache) create(sink Sink, key Key) (Binding, error) {
	size := c.dec.SourceSize(key)
	src, err := c.source(key, size)
	if err != nil {
		return Binding{}, err
	}
	e := &entry{
		key:             key,
		srcSize:         size,
		lastFrame:       c.frame,
		lastChange:      c.frame,
		backoff:         1,
		framesUntilFull: 1,
		scale:           1,
	}
	if err := c.rebuild(sink, e, src, fullHash(src)); err != nil {
		return Binding{}, err
	}
	c.entries[key] = e
	c.stats.Misses++
	return e.binding(), nil
}

func (c *Cache) source(key Key, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %s has no source bytes", ErrSource, key)
	}
	b := c.mem.Bytes(key.Addr, size)
	if len(b) < size {
		return nil, fmt.Errorf("%w: %s: got %d of %d bytes", ErrSource, key, len(b), size)
	}
	return b[:size], nil
}

// validate checks the entry's source for changes at the cost its
// confidence allows. src is nil when nothing was read.
func (c *Cache) validate(e *entry) (src []byte, full uint64, changed bool, err error) {
	needFull := e.forceFull
	switch e.confidence() {
	case StatusReliable:
		if !needFull {
			return nil, 0, false, nil
		}
	case StatusUnreliable:
		needFull = true
	}
	if src, err = c.source(e.key, e.srcSize); err != nil {
		return nil, 0, false, err
	}
	if !needFull {
		c.stats.MiniHashes++
		if miniHash(src) != e.miniHash {
			needFull = true
		} else {
			e.framesUntilFull--
			needFull = e.framesUntilFull <= 0
		}
	}
	if !needFull {
		return src, e.fullHash, false, nil
	}

	e.forceFull = false
	c.stats.FullHashes++
	full = fullHash(src)
	if full != e.fullHash {
		return src, full, true, nil
	}
	switch e.confidence() {
	case StatusHashing:
		e.numConsistent++
		e.backoff = min(e.backoff*2, c.cfg.MaxHashBackoff)
		e.framesUntilFull = e.backoff
		if e.numConsistent >= c.cfg.ReliableAfter {
			e.setConfidence(StatusReliable)
		}
	case StatusUnreliable:
		if c.frame-e.lastChange >= uint64(c.cfg.FramesRegainTrust) {
			c.trustAgain(e)
		}
	}
	return src, full, false, nil
}

func (c *Cache) trustAgain(e *entry) {
	e.setConfidence(StatusHashing)
	e.numConsistent = 0
	e.backoff = 1
	e.framesUntilFull = 1
}

// change handles new content in an existing entry.
func (c *Cache) change(sink Sink, e *entry, src []byte, full uint64) error {
	c.stats.Changes++
	e.invalidations++
	if c.frame-e.lastChange < uint64(c.cfg.FrameChangeFrequent) && !e.has(StatusFreeChange) {
		e.set(StatusChangeFrequent, true)
	}
	e.set(StatusFreeChange, false)
	e.lastChange = c.frame
	e.setConfidence(StatusUnreliable)
	e.numConsistent = 0
	slogger().Debug("texcache: texture changed", "key", e.key, "invalidations", e.invalidations,
		"frequent", e.has(StatusChangeFrequent))
	return c.rebuild(sink, e, src, full)
}

// rebuild decodes src and uploads the result into the entry's texture.
// A texture that does not fit the budget puts the cache in low-memory
// mode and is retried once unscaled.
func (c *Cache) rebuild(sink Sink, e *entry, src []byte, full uint64) error {
	img, err := c.build(e, src, full)
	if err != nil {
		return err
	}
	err = c.place(sink, e, img)
	if !errors.Is(err, ErrBudget) {
		return err
	}
	c.enterLowMemory(err.Error())
	c.decimate(sink, true)
	if img, err = c.build(e, src, full); err != nil {
		return err
	}
	return c.place(sink, e, img)
}

// build decodes the source and applies replacement or scaling.
func (c *Cache) build(e *entry, src []byte, full uint64) (*image.NRGBA, error) {
	img, alpha, err := c.dec.Decode(e.key, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, e.key, err)
	}
	if img == nil {
		return nil, fmt.Errorf("%w: %s: no pixels", ErrDecode, e.key)
	}
	e.fullHash, e.miniHash = full, miniHash(src)
	e.set(StatusAlphaUnknown, alpha == AlphaUnknown)
	e.set(StatusReplaced|StatusIsScaled|StatusToScale, false)
	e.scale = 1

	if c.rep != nil {
		if r, ok := c.rep.Replacement(e.key, full); ok && r != nil {
			c.stats.Replaced++
			e.set(StatusReplaced, true)
			return r, nil
		}
	}
	factor := c.scaleFactor()
	switch {
	case factor <= 1:
		return img, nil
	case c.cfg.HardwareScaling:
		e.scale = factor
		return img, nil
	case e.has(StatusChangeFrequent):
		return img, nil
	case flat(img):
		c.stats.FlatSkipped++
		return img, nil
	case !c.canScale():
		c.stats.ScaleDeferred++
		e.set(StatusToScale, true)
		return img, nil
	}
	b := img.Bounds()
	c.texelsScaled += b.Dx() * b.Dy()
	c.stats.Scaled++
	e.set(StatusIsScaled, true)
	e.scale = factor
	return c.scaler.scale(img, factor), nil
}

func (c *Cache) scaleFactor() int {
	if c.lowMemory {
		return 1
	}
	return c.cfg.ScaleFactor
}

func (c *Cache) softwareScale() int {
	if c.cfg.HardwareScaling {
		return 1
	}
	return c.scaleFactor()
}

// canScale reports whether the frame's scaling budget has room. The first
// texture of a frame is always allowed.
func (c *Cache) canScale() bool {
	return c.texelsScaled < c.cfg.MaxTexelsScaled
}

// place uploads img, in place when the texture keeps its size and pool,
// otherwise into a new texture.
func (c *Cache) place(sink Sink, e *entry, img *image.NRGBA) error {
	b := img.Bounds()
	w, h := uint32(b.Dx()), uint32(b.Dy()) //nolint:gosec // G115: image bounds are non-negative
	transient := e.confidence() == StatusUnreliable
	region := step.Rect{Width: w, Height: h}

	if e.texture != resource.Invalid && w == e.width && h == e.height && transient == e.has(StatusTransient) {
		sink.UploadTexture(e.texture, 0, region, step.RGBA8888, pixels(img), nil)
		c.stats.Uploads++
		return nil
	}

	c.dropTexture(sink, e)
	bytes := uint64(w) * uint64(h) * 4
	if err := c.acct.reserve(bytes, transient); err != nil {
		return err
	}
	e.texture = sink.CreateTexture(step.TextureDesc{
		Label:     "texcache " + e.key.String(),
		Width:     w,
		Height:    h,
		MipLevels: 1,
		Format:    step.RGBA8888,
		Transient: transient,
	})
	e.width, e.height, e.bytes = w, h, bytes
	e.set(StatusTransient, transient)
	sink.UploadTexture(e.texture, 0, region, step.RGBA8888, pixels(img), nil)
	c.stats.Recreations++
	c.stats.Uploads++
	return nil
}

// pixels returns img's rows tightly packed.
func pixels(img *image.NRGBA) []byte {
	b := img.Bounds()
	row := b.Dx() * 4
	if img.Stride == row {
		return img.Pix[:row*b.Dy()]
	}
	out := make([]byte, row*b.Dy())
	for y := range b.Dy() {
		off := img.PixOffset(b.Min.X, b.Min.Y+y)
		copy(out[y*row:(y+1)*row], img.Pix[off:off+row])
	}
	return out
}

func (c *Cache) dropTexture(sink Sink, e *entry) {
	if e.texture == resource.Invalid {
		return
	}
	sink.Delete(e.texture)
	c.acct.release(e.bytes, e.has(StatusTransient))
	e.texture, e.bytes = resource.Invalid, 0
}

func (c *Cache) remove(sink Sink, e *entry) {
	c.dropTexture(sink, e)
	delete(c.entries, e.key)
}

// NotifyWrite tells the cache that emulated memory in [addr, addr+size)
// was written. Overlapping entries get a full hash on their next
// reference; reliable ones go back to hashing. The change that follows,
// if any, does not count toward the frequent-change classifier. It
// returns the number of entries touched.
func (c *Cache) NotifyWrite(addr uint32, size int) int {
	if size <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range c.entries {
		if !e.overlaps(addr, size) {
			continue
		}
		if e.confidence() == StatusReliable {
			c.trustAgain(e)
		}
		e.forceFull = true
		e.set(StatusFreeChange, true)
		n++
	}
	return n
}

// EnterLowMemory switches to low-memory mode: scaling is disabled and the
// next frame runs a forced decimation with the low-memory kill age.
func (c *Cache) EnterLowMemory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enterLowMemory("device out of memory")
	c.pendingForce = true
}

func (c *Cache) enterLowMemory(reason string) {
	c.lowMemorySince = c.frame
	if c.lowMemory {
		return
	}
	c.lowMemory = true
	c.stats.LowMemoryEntries++
	slogger().Warn("texcache: entering low memory mode", "reason", reason, "memory", c.acct.stats())
	if c.notify != nil {
		c.notify.Notice(Notice{
			Kind:    NoticeLowMemory,
			Message: "Running low on texture memory; texture scaling disabled",
		})
	}
}

// Clear deletes every entry.
func (c *Cache) Clear(sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		c.remove(sink, e)
	}
}

// DeviceLost forgets every entry without recording deletions; the device
// objects are already gone.
func (c *Cache) DeviceLost() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]*entry)
	c.acct.reset()
	c.texelsScaled = 0
}

// Entry returns a snapshot of the entry for key.
func (c *Cache) Entry(key Key) (EntryInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return EntryInfo{}, false
	}
	return e.info(), true
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	s.LowMemory = c.lowMemory
	s.Memory = c.acct.stats()
	return s
}
