// Package runner executes step frames against a backend device.
//
// A Runner owns the frame ring, the pipeline, descriptor and sampler
// caches and the ExecutorState. RunFrame begins a ring slot, runs the
// frame's creation steps first, then every other step strictly in order,
// translating render commands into native calls while dropping calls that
// would not change device state. All methods must be called from one
// goroutine.
package runner

import (
	"errors"
	"fmt"

	"github.com/gogpu/emugpu/backend"
	"github.com/gogpu/emugpu/internal/frame"
	"github.com/gogpu/emugpu/internal/rescache"
	"github.com/gogpu/emugpu/resource"
	"github.com/gogpu/emugpu/step"
)

var (
	// ErrFrameSkipped is passed to readback callbacks of dry-run frames.
	ErrFrameSkipped = errors.New("runner: frame skipped")

	// ErrFatal marks programming errors and unrecoverable device state.
	// The offending step is skipped; with Config.Debug the runner panics.
	ErrFatal = errors.New("runner: fatal error")
)

// Config configures a Runner. Zero fields take defaults.
type Config struct {
	RingSize               int
	PushBufferSize         uint64
	PipelineCacheLimit     int
	DescriptorPoolSize     uint32
	DescriptorWipeInterval int

	// Debug turns fatal errors into panics.
	Debug bool

	// OnOutOfMemory is called when the device runs out of memory creating
	// the texture h. It may release memory; the creation is retried once
	// after it returns.
	OnOutOfMemory func(h resource.Handle, bytes uint64)
}

// Stats reports runner activity.
type Stats struct {
	Frames         uint64
	DryRuns        uint64
	Passes         uint64
	PassRestarts   uint64
	DemotedPasses  uint64
	Draws          uint64
	SkippedDraws   uint64
	Creates        uint64
	CreateFailures uint64
	Deletes        uint64
	AbortedFrames  uint64
	SurfaceChanges uint64

	Ring        frame.Stats
	Pipelines   rescache.PipelineStats
	Descriptors rescache.DescriptorStats
	Samplers    rescache.SamplerStats
	Readback    ReadbackStats
}

// Runner executes frames on one device.
type Runner struct {
	dev  backend.Device
	caps backend.Caps
	reg  *resource.Registry
	cfg  Config

	ring        *frame.Ring
	pipelines   *rescache.PipelineCache
	descriptors *rescache.DescriptorCache
	samplers    *rescache.SamplerCache

	state      ExecutorState
	ctx        *frame.Context
	firstPass  bool
	aborted    bool
	surfaceGen uint64
	surfaceSet bool

	logged   map[string]bool
	scratch  readbackScratch
	upload   []byte
	stats    Stats
	torndown bool
}

// New creates a runner for dev. Handles of reg are freed when their
// deferred deletion executes.
func New(dev backend.Device, reg *resource.Registry, cfg Config) (*Runner, error) {
	if cfg.RingSize == 0 {
		cfg.RingSize = 2
	}
	ring, err := frame.NewRing(dev, cfg.RingSize, cfg.PushBufferSize)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		dev:         dev,
		caps:        dev.Caps(),
		reg:         reg,
		cfg:         cfg,
		ring:        ring,
		pipelines:   rescache.NewPipelineCache(dev, ring, cfg.PipelineCacheLimit),
		descriptors: rescache.NewDescriptorCache(dev, ring, cfg.DescriptorPoolSize, cfg.DescriptorWipeInterval),
		samplers:    rescache.NewSamplerCache(dev, ring),
		state:       NewExecutorState(),
		logged:      make(map[string]bool),
	}
	ring.SetOnFreed(r.freed)
	return r, nil
}

func (r *Runner) freed(h resource.Handle) {
	if err := r.reg.Free(h); err != nil {
		slogger().Warn("runner: free handle", "handle", h, "err", err)
	}
}

// Caps returns the device capabilities.
func (r *Runner) Caps() backend.Caps { return r.caps }

// Device returns the device the runner drives.
func (r *Runner) Device() backend.Device { return r.dev }

// State returns the executor state. It is only meaningful between frames.
func (r *Runner) State() *ExecutorState { return &r.state }

// RunFrame executes one frame. The frame is consumed: every payload it
// carries is released, whatever the outcome.
func (r *Runner) RunFrame(f *step.Frame) error {
	if f == nil {
		return nil
	}
	if r.torndown {
		r.dryRun(f, ErrFatal)
		return fmt.Errorf("%w: runner torn down", ErrFatal)
	}
	if f.Skip {
		r.dryRun(f, ErrFrameSkipped)
		return nil
	}
	r.demote(f)

	ctx, err := r.ring.Begin()
	if err != nil {
		r.dryRun(f, err)
		return err
	}
	r.ctx = ctx
	r.descriptors.BeginSlot(ctx.Index)
	r.firstPass = true
	r.aborted = false
	if r.surfaceSet && f.SurfaceGeneration != r.surfaceGen {
		r.stats.SurfaceChanges++
		r.state.InvalidateSurface()
	}
	r.surfaceGen, r.surfaceSet = f.SurfaceGeneration, true

	for _, s := range f.Steps {
		if s.Kind().IsCreate() {
			r.runCreate(s)
		}
	}
	for _, s := range f.Steps {
		if s.Kind().IsCreate() {
			continue
		}
		if r.aborted {
			r.discard(s, ErrFatal)
			continue
		}
		r.runStep(s)
	}

	r.ctx = nil
	r.stats.Frames++
	endErr := r.ring.End()
	if r.aborted {
		r.stats.AbortedFrames++
		return errors.Join(fmt.Errorf("%w: frame %d aborted", ErrFatal, ctx.Frame), endErr)
	}
	return endErr
}

// demote replaces render passes without commands by Skip.
func (r *Runner) demote(f *step.Frame) {
	for i, s := range f.Steps {
		if p, ok := s.(step.RenderPass); ok && len(p.Commands) == 0 {
			f.Steps[i] = step.Skip{}
			r.stats.DemotedPasses++
		}
	}
}

// dryRun consumes a frame without native calls. Payloads are released,
// readbacks fail with cause and deletions are queued on the global list.
func (r *Runner) dryRun(f *step.Frame, cause error) {
	r.stats.DryRuns++
	for _, s := range f.Steps {
		if s.Kind().IsCreate() {
			slogger().Warn("runner: creation step in skipped frame", "kind", s.Kind())
			for _, h := range created(s) {
				if err := r.reg.MarkFailed(h, nil); err != nil {
					slogger().Debug("runner: mark skipped creation", "handle", h, "err", err)
				}
			}
			continue
		}
		r.discard(s, cause)
	}
}

// created returns the handles a creation step binds.
func created(s step.Step) []resource.Handle {
	switch s := s.(type) {
	case step.CreateTexture:
		return []resource.Handle{s.Handle}
	case step.CreateBuffer:
		return []resource.Handle{s.Handle}
	case step.CreateShader:
		return []resource.Handle{s.Handle}
	case step.CreateProgram:
		return []resource.Handle{s.Handle}
	case step.CreateFramebuffer:
		return []resource.Handle{s.Handle, s.ColorTexture}
	}
	return nil
}

// discard releases the payloads of a step that will not run and fails
// its readback callback with cause.
func (r *Runner) discard(s step.Step, cause error) {
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
	case step.Delete:
		r.delete(s.Handle)
	}
}

func (r *Runner) runStep(s step.Step) {
	switch s := s.(type) {
	case step.UploadTexture:
		r.uploadTexture(&s)
	case step.UpdateBuffer:
		r.updateBuffer(&s)
	case step.RenderPass:
		r.runPass(&s)
	case step.Copy:
		r.copyTexture(&s)
	case step.Blit:
		r.blit(&s)
	case step.Readback:
		r.readFramebuffer(&s)
	case step.ReadbackImage:
		r.readTexture(&s)
	case step.Delete:
		r.delete(s.Handle)
	case step.Skip:
	default:
		slogger().Warn("runner: unexpected step", "kind", s.Kind())
	}
}

// logOnce logs a degradation the first time key is seen.
func (r *Runner) logOnce(key, msg string, args ...any) {
	if r.logged[key] {
		return
	}
	r.logged[key] = true
	slogger().Warn(msg, args...)
}

// fatal reports a programming error. It panics in debug mode.
func (r *Runner) fatal(msg string, args ...any) {
	slogger().Error(msg, args...)
	if r.cfg.Debug {
		panic(fmt.Sprintf("%v: %s %v", ErrFatal, msg, args))
	}
}

// Stats returns runner statistics.
func (r *Runner) Stats() Stats {
	s := r.stats
	s.Ring = r.ring.Stats()
	s.Pipelines = r.pipelines.Stats()
	s.Descriptors = r.descriptors.Stats()
	s.Samplers = r.samplers.Stats()
	s.Readback = r.scratch.stats()
	return s
}

// Teardown releases every native object: cached objects and pending
// deletions go through the ring, live registry entries are marked lost
// and destroyed directly once the device is idle. The runner rejects
// further frames.
//
// Teardown serves both device loss and shutdown.
func (r *Runner) Teardown() {
	if r.torndown {
		return
	}
	r.torndown = true
	r.pipelines.Clear()
	r.descriptors.Destroy()
	r.samplers.Destroy()
	r.ring.Destroy()
	r.state = NewExecutorState()

	lost := r.reg.MarkAllLost()
	for kind, ids := range lost {
		for _, native := range ids {
			id := backend.ID(native)
			switch kind {
			case resource.KindTexture:
				r.dev.DestroyTexture(id)
			case resource.KindBuffer:
				r.dev.DestroyBuffer(id)
			case resource.KindShader:
				r.dev.DestroyShader(id)
			case resource.KindFramebuffer:
				r.dev.DestroyFramebuffer(id)
			case resource.KindSampler:
				r.dev.DestroySampler(id)
			case resource.KindPipeline:
				r.dev.DestroyPipeline(id)
			}
		}
	}
	slogger().Info("runner: torn down", "frames", r.stats.Frames)
}
