package emugpu

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gogpu/emugpu/backend"
	"github.com/gogpu/emugpu/internal/runner"
	"github.com/gogpu/emugpu/resource"
	"github.com/gogpu/emugpu/step"
	"github.com/gogpu/emugpu/texcache"
)

// ReadbackRequest describes a synchronous readback.
type ReadbackRequest struct {
	// Source is the framebuffer to read; resource.Invalid reads the
	// backbuffer. Ignored when Texture is set.
	Source resource.Handle
	// Texture, when set, reads a texture mip level, or the color texture
	// of a framebuffer.
	Texture resource.Handle
	Level   uint32

	Rect   step.Rect
	Format step.DataFormat
	Dst    []byte
	// Stride is the destination row pitch; 0 means tightly packed.
	Stride int
}

// SampleBinding is a texture a later step list may sample.
type SampleBinding struct {
	Texture resource.Handle
	Native  backend.ID
}

// Stats reports engine activity.
type Stats struct {
	Runner        runner.Stats
	TextureCaches []texcache.Stats
	// Live counts live registry entries per kind.
	Live         map[resource.Kind]int
	Submitted    uint64
	DeviceLosses uint64
	Restores     uint64
	Lost         bool
}

type request struct {
	fn   func() error
	done chan error
}

type loop struct {
	reqs chan request
	done chan struct{}
}

// Engine executes step frames on a device. Producers record frames with
// NewRecorder and hand them over with Submit or RunFrame; the engine runs
// them on a single executor, either the goroutine calling Run or, without
// Run, the caller of each method under the engine mutex.
type Engine struct {
	mu  sync.Mutex
	cfg Config
	reg *resource.Registry
	dev backend.Device
	run *runner.Runner
	log *attachedDevice

	notice     func(Notice)
	oomNoticed bool
	lost       bool
	closed     bool
	submitted  uint64
	losses     uint64
	restores   uint64

	cachesMu sync.Mutex
	caches   []*texcache.Cache

	loop atomic.Pointer[loop]
}

// New creates an engine driving dev.
func New(dev backend.Device, opts ...Option) (*Engine, error) {
	if dev == nil {
		return nil, errors.New("emugpu: nil device")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	if o.logger != nil {
		SetLogger(o.logger)
	}
	e := &Engine{
		cfg:    o.cfg,
		reg:    resource.NewRegistry(),
		notice: o.notice,
		caches: o.caches,
	}
	if err := e.attach(dev); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) attach(dev backend.Device) error {
	r, err := runner.New(dev, e.reg, e.cfg.runner(e.outOfMemory))
	if err != nil {
		return fmt.Errorf("emugpu: %w", err)
	}
	detachLogger(e.log)
	e.log = propagateLogger(dev)
	e.dev, e.run = dev, r
	caps := dev.Caps()
	Logger().Info("emugpu: device attached", "adapter", caps.Adapter.Name,
		"software", caps.IsSoftware(), "ring", e.cfg.FrameRing)
	return nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// NewRecorder returns a recorder whose handles belong to this engine.
// Recorders may be used from any goroutine, one per goroutine.
func (e *Engine) NewRecorder() *step.Recorder {
	return step.NewRecorder(e.reg)
}

// Run owns the executor until ctx is done: it locks the calling goroutine
// to its OS thread and executes every frame and lifecycle call submitted
// meanwhile, in order. It returns ctx.Err().
func (e *Engine) Run(ctx context.Context) error {
	l := &loop{reqs: make(chan request), done: make(chan struct{})}
	if !e.loop.CompareAndSwap(nil, l) {
		return ErrRunning
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer func() {
		e.loop.Store(nil)
		close(l.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-l.reqs:
			err := e.locked(req.fn)
			if req.done != nil {
				req.done <- err
			} else if err != nil {
				Logger().Warn("emugpu: frame failed", "err", err)
			}
		}
	}
}

func (e *Engine) locked(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}

// do runs fn on the executor. With wait it returns fn's error; without it
// returns once the executor accepted fn.
func (e *Engine) do(ctx context.Context, fn func() error, wait bool) error {
	for {
		l := e.loop.Load()
		if l == nil {
			return e.locked(fn)
		}
		req := request{fn: fn}
		if wait {
			req.done = make(chan error, 1)
		}
		select {
		case l.reqs <- req:
			if !wait {
				return nil
			}
			return <-req.done
		case <-l.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Submit hands f to the executor. When Run is active it returns as soon
// as the executor took the frame and failures are logged; otherwise the
// frame runs before Submit returns. A frame that could not be handed over
// has its payloads released.
func (e *Engine) Submit(ctx context.Context, f *step.Frame) error {
	err := e.do(ctx, func() error { return e.runFrame(f) }, false)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		discard(f, err)
	}
	return err
}

// RunFrame executes f and waits for it.
func (e *Engine) RunFrame(f *step.Frame) error {
	return e.do(context.Background(), func() error { return e.runFrame(f) }, true)
}

func (e *Engine) runFrame(f *step.Frame) error {
	if f == nil {
		return nil
	}
	e.submitted++
	err := e.run.RunFrame(f)
	switch {
	case e.closed:
		return ErrClosed
	case e.lost:
		return ErrDeviceLost
	}
	return err
}

// discard releases a frame the executor never saw.
func discard(f *step.Frame, cause error) {
	if f == nil {
		return
	}
	for _, s := range f.Steps {
		step.ReleasePayloads(s)
		switch s := s.(type) {
		case step.Readback:
			if s.Done != nil {
				s.Done(cause)
			}
		case step.ReadbackImage:
			if s.Done != nil {
				s.Done(cause)
			}
		}
	}
}

// Readback reads pixels synchronously, converting them to req.Format.
func (e *Engine) Readback(ctx context.Context, req ReadbackRequest) error {
	var rbErr error
	done := func(err error) { rbErr = err }
	var s step.Step = step.Readback{
		Source: req.Source, Rect: req.Rect, Format: req.Format,
		Dst: req.Dst, Stride: req.Stride, Done: done,
	}
	if req.Texture != resource.Invalid {
		s = step.ReadbackImage{
			Texture: req.Texture, Level: req.Level, Rect: req.Rect, Format: req.Format,
			Dst: req.Dst, Stride: req.Stride, Done: done,
		}
	}
	f := &step.Frame{Steps: []step.Step{s}}
	err := e.do(ctx, func() error { return e.runFrame(f) }, true)
	if err != nil {
		return err
	}
	return rbErr
}

// BindForSampling resolves a texture or framebuffer created by an
// executed frame to the texture later passes can sample.
func (e *Engine) BindForSampling(h resource.Handle) (SampleBinding, error) {
	var b SampleBinding
	err := e.do(context.Background(), func() error {
		if err := e.usable(); err != nil {
			return err
		}
		tex, id, err := e.run.SampleTexture(h)
		if err != nil {
			return fmt.Errorf("emugpu: bind %s for sampling: %w", h, err)
		}
		b = SampleBinding{Texture: tex, Native: id}
		return nil
	}, true)
	return b, err
}

func (e *Engine) usable() error {
	switch {
	case e.closed:
		return ErrClosed
	case e.lost:
		return ErrDeviceLost
	}
	return nil
}

// DeviceLost tears down every device object: pending deletions, caches,
// shadow state and live resources. Submissions fail with ErrDeviceLost
// until DeviceRestored.
func (e *Engine) DeviceLost() {
	_ = e.do(context.Background(), func() error {
		if e.lost || e.closed {
			return nil
		}
		e.run.Teardown()
		e.lost = true
		e.losses++
		for _, c := range e.textureCaches() {
			c.DeviceLost()
		}
		Logger().Info("emugpu: device lost", "live", e.reg.Live(resource.KindTexture))
		return nil
	}, true)
}

// DeviceRestored resumes execution on dev with empty caches. Resources
// created before the loss stay lost and must be recreated.
func (e *Engine) DeviceRestored(dev backend.Device) error {
	if dev == nil {
		return errors.New("emugpu: nil device")
	}
	return e.do(context.Background(), func() error {
		if e.closed {
			return ErrClosed
		}
		if !e.lost {
			return errors.New("emugpu: device restored without being lost")
		}
		if err := e.attach(dev); err != nil {
			return err
		}
		e.lost = false
		e.oomNoticed = false
		e.restores++
		Logger().Info("emugpu: device restored")
		return nil
	}, true)
}

// NotifyMemoryWrite forwards a memory write to the attached texture
// caches. It may be called from any goroutine and returns the number of
// cache entries touched.
func (e *Engine) NotifyMemoryWrite(addr, size uint32) int {
	n := 0
	for _, c := range e.textureCaches() {
		n += c.NotifyWrite(addr, int(size))
	}
	return n
}

// AttachTextureCache attaches c.
func (e *Engine) AttachTextureCache(c *texcache.Cache) {
	if c == nil {
		return
	}
	e.cachesMu.Lock()
	defer e.cachesMu.Unlock()
	e.caches = append(e.caches, c)
}

// NewTextureCache creates a texture cache from the engine's texture
// configuration and attaches it. Its low-memory notices reach the notice
// handler. Software adapters never scale in hardware.
func (e *Engine) NewTextureCache(mem texcache.Memory, dec texcache.Decoder, opts ...texcache.Option) (*texcache.Cache, error) {
	cfg := e.cfg.Texture
	err := e.do(context.Background(), func() error {
		if e.run.Caps().IsSoftware() {
			cfg.HardwareScaling = false
		}
		return nil
	}, true)
	if err != nil {
		return nil, err
	}
	opts = append([]texcache.Option{texcache.WithNotifier(cacheNotices{e})}, opts...)
	c, err := texcache.New(mem, dec, cfg, opts...)
	if err != nil {
		return nil, err
	}
	e.AttachTextureCache(c)
	return c, nil
}

func (e *Engine) textureCaches() []*texcache.Cache {
	e.cachesMu.Lock()
	defer e.cachesMu.Unlock()
	return append([]*texcache.Cache(nil), e.caches...)
}

// cacheNotices forwards texture cache notices.
type cacheNotices struct{ e *Engine }

func (n cacheNotices) Notice(x texcache.Notice) {
	if x.Kind == texcache.NoticeLowMemory {
		n.e.emit(Notice{Kind: NoticeLowTextureMemory, Message: x.Message})
	}
}

func (e *Engine) emit(n Notice) {
	Logger().Warn("emugpu: notice", "kind", n.Kind, "message", n.Message)
	if e.notice != nil {
		e.notice(n)
	}
}

// outOfMemory runs on the executor when a texture creation ran out of
// device memory, before the creation is retried.
func (e *Engine) outOfMemory(h resource.Handle, bytes uint64) {
	for _, c := range e.textureCaches() {
		c.EnterLowMemory()
	}
	if e.oomNoticed {
		return
	}
	e.oomNoticed = true
	e.emit(Notice{
		Kind:    NoticeOutOfMemory,
		Message: fmt.Sprintf("Out of video memory allocating %d KB for %s; texture quality reduced", bytes/1024, h),
	})
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	var s Stats
	_ = e.do(context.Background(), func() error {
		s = Stats{
			Runner:       e.run.Stats(),
			Submitted:    e.submitted,
			DeviceLosses: e.losses,
			Restores:     e.restores,
			Lost:         e.lost,
			Live:         make(map[resource.Kind]int),
		}
		for _, k := range []resource.Kind{
			resource.KindTexture, resource.KindBuffer, resource.KindShader, resource.KindProgram,
			resource.KindFramebuffer, resource.KindSampler, resource.KindPipeline,
		} {
			s.Live[k] = e.reg.Live(k)
		}
		return nil
	}, true)
	for _, c := range e.textureCaches() {
		s.TextureCaches = append(s.TextureCaches, c.Stats())
	}
	return s
}

// Close releases every device object, closes the attached texture caches
// and, when the device has a Close method, the device. Further calls fail
// with ErrClosed.
func (e *Engine) Close() error {
	return e.do(context.Background(), func() error {
		if e.closed {
			return nil
		}
		e.closed = true
		e.run.Teardown()
		for _, c := range e.textureCaches() {
			c.DeviceLost()
			c.Close()
		}
		detachLogger(e.log)
		e.log = nil
		if cl, ok := e.dev.(interface{ Close() }); ok {
			cl.Close()
		}
		Logger().Info("emugpu: closed", "frames", e.submitted)
		return nil
	}, true)
}
