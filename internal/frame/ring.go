// Package frame implements the frame ring: N per-frame contexts used in
// rotation so the CPU can record frame F while the GPU still executes
// frames F-1..F-N+1.
//
// Native objects are never destroyed directly. They are queued on the
// deletion list of the context that is being recorded and destroyed when
// that context is begun again, N frames later, after the device confirmed
// the slot's previous work completed.
package frame

import (
	"errors"
	"fmt"

	"github.com/gogpu/emugpu/backend"
	"github.com/gogpu/emugpu/resource"
)

// MaxRingSize is the deepest supported pipelining.
const MaxRingSize = 3

// ErrInvalidRingSize is returned by NewRing for sizes outside 1..MaxRingSize.
var ErrInvalidRingSize = errors.New("frame: ring size must be 1..3")

// ErrNotBegun is returned by End without a matching Begin.
var ErrNotBegun = errors.New("frame: End without Begin")

// ObjectKind selects the destroy call for a deletion.
type ObjectKind uint8

// Object kinds.
const (
	// ObjNone has no native object; only the handle is released.
	ObjNone ObjectKind = iota
	ObjTexture
	ObjBuffer
	ObjShader
	ObjPipeline
	ObjSampler
	ObjFramebuffer
	ObjDescriptorPool
)

var objectKindNames = [...]string{"none", "texture", "buffer", "shader", "pipeline", "sampler", "framebuffer", "descriptor pool"}

func (k ObjectKind) String() string {
	if int(k) < len(objectKindNames) {
		return objectKindNames[k]
	}
	return fmt.Sprintf("ObjectKind(%d)", k)
}

// Deletion is one queued destroy.
type Deletion struct {
	Kind   ObjectKind
	ID     backend.ID
	Handle resource.Handle
	// Frame is the frame the deletion was queued in.
	Frame uint64
}

// Context is one ring slot.
type Context struct {
	Index int
	// Frame is the number of the frame currently recorded in this slot.
	Frame uint64
	Push  *PushBuffer

	deletes []Deletion
}

// Pending returns the number of queued deletions.
func (c *Context) Pending() int { return len(c.deletes) }

// Stats reports ring activity.
type Stats struct {
	Frames    uint64
	Queued    uint64
	Destroyed uint64
	Pending   int
}

// Ring is the frame ring. It is used only from the executor goroutine.
type Ring struct {
	dev     backend.Device
	ctxs    []*Context
	cur     int
	frame   uint64
	active  bool
	global  []Deletion
	onFreed func(resource.Handle)

	queued    uint64
	destroyed uint64
}

// NewRing creates a ring of n contexts, each with a push buffer whose
// backing buffers are pushSize bytes.
func NewRing(dev backend.Device, n int, pushSize uint64) (*Ring, error) {
	if n < 1 || n > MaxRingSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRingSize, n)
	}
	r := &Ring{dev: dev, ctxs: make([]*Context, n)}
	for i := range r.ctxs {
		r.ctxs[i] = &Context{Index: i, Push: NewPushBuffer(dev, pushSize)}
	}
	return r, nil
}

// SetOnFreed sets the function called with the handle of every deletion
// after its native object was destroyed.
func (r *Ring) SetOnFreed(fn func(resource.Handle)) { r.onFreed = fn }

// Size returns N.
func (r *Ring) Size() int { return len(r.ctxs) }

// Frame returns the number of the last begun frame.
func (r *Ring) Frame() uint64 { return r.frame }

// Active reports whether a frame is between Begin and End.
func (r *Ring) Active() bool { return r.active }

// Current returns the current context. Between frames it is the context
// the next Begin will use.
func (r *Ring) Current() *Context { return r.ctxs[r.cur] }

// Begin starts the next frame on the current slot. The device blocks until
// the slot's previous work is done; then the slot's deletion list is
// flushed, the global list is moved into it and the push buffer is reset.
func (r *Ring) Begin() (*Context, error) {
	if r.active {
		return nil, errors.New("frame: Begin inside an active frame")
	}
	ctx := r.ctxs[r.cur]
	if err := r.dev.BeginFrame(ctx.Index); err != nil {
		return nil, fmt.Errorf("frame: begin slot %d: %w", ctx.Index, err)
	}
	r.frame++
	r.flush(ctx)
	if len(r.global) > 0 {
		for i := range r.global {
			r.global[i].Frame = r.frame
		}
		ctx.deletes = append(ctx.deletes, r.global...)
		r.global = r.global[:0]
	}
	ctx.Push.Reset()
	ctx.Frame = r.frame
	r.active = true
	return ctx, nil
}

// End finishes the frame and advances to the next slot.
func (r *Ring) End() error {
	if !r.active {
		return ErrNotBegun
	}
	ctx := r.ctxs[r.cur]
	r.active = false
	r.cur = (r.cur + 1) % len(r.ctxs)
	if err := r.dev.EndFrame(ctx.Index); err != nil {
		return fmt.Errorf("frame: end slot %d: %w", ctx.Index, err)
	}
	return nil
}

// QueueDelete queues *id for destruction with the current frame and zeroes
// the caller's reference. Outside an active frame the deletion goes to the
// global list.
func (r *Ring) QueueDelete(kind ObjectKind, id *backend.ID, h resource.Handle) {
	var native backend.ID
	if id != nil {
		native = *id
		*id = backend.NullID
	}
	d := Deletion{Kind: kind, ID: native, Handle: h, Frame: r.frame}
	r.queued++
	if !r.active {
		r.global = append(r.global, d)
		return
	}
	ctx := r.ctxs[r.cur]
	ctx.deletes = append(ctx.deletes, d)
}

// QueueDeleteGlobal queues a deletion whose frame of last use is unknown.
// It is folded into the next begun context.
func (r *Ring) QueueDeleteGlobal(kind ObjectKind, id *backend.ID, h resource.Handle) {
	var native backend.ID
	if id != nil {
		native = *id
		*id = backend.NullID
	}
	r.queued++
	r.global = append(r.global, Deletion{Kind: kind, ID: native, Handle: h, Frame: r.frame})
}

// Drain waits for the device to go idle and destroys every pending
// deletion of every slot and the global list.
func (r *Ring) Drain() {
	if err := r.dev.WaitIdle(); err != nil {
		slogger().Warn("frame: wait idle before drain", "err", err)
	}
	for _, ctx := range r.ctxs {
		r.flush(ctx)
	}
	for _, d := range r.global {
		r.destroy(d)
	}
	r.global = r.global[:0]
	r.active = false
}

// Destroy drains the ring and releases the push buffers.
func (r *Ring) Destroy() {
	r.Drain()
	for _, ctx := range r.ctxs {
		ctx.Push.Release()
	}
}

// Stats returns ring statistics.
func (r *Ring) Stats() Stats {
	s := Stats{Frames: r.frame, Queued: r.queued, Destroyed: r.destroyed, Pending: len(r.global)}
	for _, ctx := range r.ctxs {
		s.Pending += len(ctx.deletes)
	}
	return s
}

func (r *Ring) flush(ctx *Context) {
	if len(ctx.deletes) == 0 {
		return
	}
	slogger().Debug("frame: flushing deletions", "slot", ctx.Index, "count", len(ctx.deletes), "frame", r.frame)
	for _, d := range ctx.deletes {
		r.destroy(d)
	}
	clear(ctx.deletes)
	ctx.deletes = ctx.deletes[:0]
}

func (r *Ring) destroy(d Deletion) {
	if d.ID != backend.NullID {
		switch d.Kind {
		case ObjTexture:
			r.dev.DestroyTexture(d.ID)
		case ObjBuffer:
			r.dev.DestroyBuffer(d.ID)
		case ObjShader:
			r.dev.DestroyShader(d.ID)
		case ObjPipeline:
			r.dev.DestroyPipeline(d.ID)
		case ObjSampler:
			r.dev.DestroySampler(d.ID)
		case ObjFramebuffer:
			r.dev.DestroyFramebuffer(d.ID)
		case ObjDescriptorPool:
			r.dev.DestroyDescriptorPool(d.ID)
		}
		r.destroyed++
	}
	if d.Handle.IsValid() && r.onFreed != nil {
		r.onFreed(d.Handle)
	}
}
