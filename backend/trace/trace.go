// Package trace provides a recording backend.Device for tests and headless
// replays.
//
// The device allocates IDs without touching a GPU, records every call in
// order, counts calls per operation and validates object lifetimes: a
// destroy of an already destroyed ID, or any reference to a destroyed ID,
// is recorded as a Violation instead of crashing. Descriptor pools enforce
// their capacity so pool growth can be exercised.
package trace

import (
	"fmt"
	"sync"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/emugpu/backend"
)

func init() {
	backend.Register(backend.BackendTrace, func() (backend.Device, error) {
		return New(), nil
	})
}

// Op names a recorded device call.
type Op string

// Recorded operations.
const (
	OpCreateTexture         Op = "CreateTexture"
	OpDestroyTexture        Op = "DestroyTexture"
	OpUploadTexture         Op = "UploadTexture"
	OpCreateBuffer          Op = "CreateBuffer"
	OpDestroyBuffer         Op = "DestroyBuffer"
	OpWriteBuffer           Op = "WriteBuffer"
	OpCreateShader          Op = "CreateShader"
	OpDestroyShader         Op = "DestroyShader"
	OpCreatePipeline        Op = "CreatePipeline"
	OpDestroyPipeline       Op = "DestroyPipeline"
	OpCreateSampler         Op = "CreateSampler"
	OpDestroySampler        Op = "DestroySampler"
	OpCreateFramebuffer     Op = "CreateFramebuffer"
	OpDestroyFramebuffer    Op = "DestroyFramebuffer"
	OpCreateDescriptorPool  Op = "CreateDescriptorPool"
	OpDestroyDescriptorPool Op = "DestroyDescriptorPool"
	OpResetDescriptorPool   Op = "ResetDescriptorPool"
	OpAllocateDescriptorSet Op = "AllocateDescriptorSet"
	OpBeginFrame            Op = "BeginFrame"
	OpEndFrame              Op = "EndFrame"
	OpBeginRenderPass       Op = "BeginRenderPass"
	OpEndRenderPass         Op = "EndRenderPass"
	OpSetPipeline           Op = "SetPipeline"
	OpSetViewport           Op = "SetViewport"
	OpSetScissor            Op = "SetScissor"
	OpSetBlendConstant      Op = "SetBlendConstant"
	OpSetStencilReference   Op = "SetStencilReference"
	OpBindDescriptorSet     Op = "BindDescriptorSet"
	OpBindVertexBuffer      Op = "BindVertexBuffer"
	OpBindIndexBuffer       Op = "BindIndexBuffer"
	OpDraw                  Op = "Draw"
	OpDrawIndexed           Op = "DrawIndexed"
	OpCopyTexture           Op = "CopyTexture"
	OpBlitFramebuffer       Op = "BlitFramebuffer"
	OpReadFramebuffer       Op = "ReadFramebuffer"
	OpReadTexture           Op = "ReadTexture"
	OpWaitIdle              Op = "WaitIdle"
)

// StateOps are the calls that change bound or dynamic state.
var StateOps = []Op{
	OpSetPipeline, OpSetViewport, OpSetScissor, OpSetBlendConstant,
	OpSetStencilReference, OpBindDescriptorSet, OpBindVertexBuffer, OpBindIndexBuffer,
}

// Call is one recorded device call.
type Call struct {
	Op    Op
	ID    backend.ID
	Frame uint64
	Arg   any
}

func (c Call) String() string {
	if c.ID == backend.NullID {
		return string(c.Op)
	}
	return fmt.Sprintf("%s(%d)", c.Op, c.ID)
}

// Violation is a lifetime error detected by the device.
type Violation struct {
	Op     Op
	ID     backend.ID
	Frame  uint64
	Reason string
}

func (v Violation) Error() string {
	return fmt.Sprintf("trace: %s(%d) at frame %d: %s", v.Op, v.ID, v.Frame, v.Reason)
}

type objKind uint8

const (
	objTexture objKind = iota
	objBuffer
	objShader
	objPipeline
	objSampler
	objFramebuffer
	objPool
	objSet
)

var objKindNames = [...]string{"texture", "buffer", "shader", "pipeline", "sampler", "framebuffer", "descriptor pool", "descriptor set"}

type object struct {
	kind      objKind
	created   uint64
	destroyed bool
	diedAt    uint64
	tex       backend.TextureDesc
	pool      *pool
}

type pool struct {
	capacity uint32
	sets     []backend.ID
}

// Device is a recording backend.Device. It is safe to inspect from other
// goroutines while the executor runs.
type Device struct {
	mu sync.Mutex

	caps        backend.Caps
	unsupported map[gputypes.TextureFormat]bool

	nextID     backend.ID
	objects    map[backend.ID]*object
	calls      []Call
	counts     map[Op]int
	violations []Violation
	inject     map[Op][]error

	frame  uint64
	inPass bool
}

// Option configures a Device.
type Option func(*Device)

// WithCaps replaces the default capabilities.
func WithCaps(c backend.Caps) Option {
	return func(d *Device) { d.caps = c }
}

// WithUnsupportedFormats makes SupportsFormat reject the given formats.
func WithUnsupportedFormats(formats ...gputypes.TextureFormat) Option {
	return func(d *Device) {
		for _, f := range formats {
			d.unsupported[f] = true
		}
	}
}

// DefaultCaps returns the capabilities of a device created without
// WithCaps.
func DefaultCaps() backend.Caps {
	return backend.Caps{
		Adapter:          gpucontext.AdapterInfo{Name: "trace", Type: gpucontext.AdapterTypeUnknown},
		CopyImage:        true,
		Blit:             true,
		Anisotropy:       true,
		MaxAnisotropy:    16,
		PassScopedState:  true,
		ReadbackFormat:   gputypes.TextureFormatRGBA8Unorm,
		BackbufferFormat: gputypes.TextureFormatBGRA8Unorm,
		BackbufferWidth:  640,
		BackbufferHeight: 480,
		MaxTextureSize:   4096,
	}
}

// New creates a trace device.
func New(opts ...Option) *Device {
	d := &Device{
		caps:        DefaultCaps(),
		unsupported: make(map[gputypes.TextureFormat]bool),
		objects:     make(map[backend.ID]*object),
		counts:      make(map[Op]int),
		inject:      make(map[Op][]error),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Inject queues errors returned by the next calls of op, one per call.
// Only creation, allocation, upload and readback calls consume injected
// errors.
func (d *Device) Inject(op Op, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inject[op] = append(d.inject[op], errs...)
}

// Calls returns a copy of the recorded calls.
func (d *Device) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// Count returns how many times op was called.
func (d *Device) Count(op Op) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[op]
}

// CountAll sums Count over ops.
func (d *Device) CountAll(ops ...Op) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, op := range ops {
		n += d.counts[op]
	}
	return n
}

// Total returns the number of recorded calls.
func (d *Device) Total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// ResetCalls clears the call log and counters. Objects and violations are
// kept.
func (d *Device) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
	d.counts = make(map[Op]int)
}

// Violations returns the lifetime errors detected so far.
func (d *Device) Violations() []Violation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Violation, len(d.violations))
	copy(out, d.violations)
	return out
}

// Frame returns the number of BeginFrame calls so far.
func (d *Device) Frame() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frame
}

// Lifetime returns the frames an object was created and destroyed in.
// destroyed is false while the object is alive.
func (d *Device) Lifetime(id backend.ID) (created, died uint64, destroyed, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects[id]
	if !ok {
		return 0, 0, false, false
	}
	return o.created, o.diedAt, o.destroyed, true
}

// LiveObjects returns the number of objects not yet destroyed, excluding
// descriptor sets.
func (d *Device) LiveObjects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, o := range d.objects {
		if !o.destroyed && o.kind != objSet {
			n++
		}
	}
	return n
}

// PoolCapacity returns the capacity of a descriptor pool.
func (d *Device) PoolCapacity(id backend.ID) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o, ok := d.objects[id]; ok && o.pool != nil {
		return o.pool.capacity
	}
	return 0
}

// --- internal helpers; caller holds d.mu ---

func (d *Device) record(op Op, id backend.ID, arg any) {
	d.calls = append(d.calls, Call{Op: op, ID: id, Frame: d.frame, Arg: arg})
	d.counts[op]++
}

func (d *Device) injected(op Op) error {
	q := d.inject[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	d.inject[op] = q[1:]
	return err
}

func (d *Device) violate(op Op, id backend.ID, reason string) {
	d.violations = append(d.violations, Violation{Op: op, ID: id, Frame: d.frame, Reason: reason})
}

func (d *Device) alloc(kind objKind) (backend.ID, *object) {
	d.nextID++
	o := &object{kind: kind, created: d.frame}
	d.objects[d.nextID] = o
	return d.nextID, o
}

// use validates a reference to id. NullID is accepted when optional.
func (d *Device) use(op Op, id backend.ID, kind objKind, optional bool) bool {
	if id == backend.NullID {
		if !optional {
			d.violate(op, id, "null "+objKindNames[kind])
		}
		return optional
	}
	o, ok := d.objects[id]
	switch {
	case !ok:
		d.violate(op, id, "unknown "+objKindNames[kind])
		return false
	case o.kind != kind:
		d.violate(op, id, fmt.Sprintf("%s used as %s", objKindNames[o.kind], objKindNames[kind]))
		return false
	case o.destroyed:
		d.violate(op, id, fmt.Sprintf("use after free (destroyed at frame %d)", o.diedAt))
		return false
	}
	return true
}

func (d *Device) destroy(op Op, id backend.ID, kind objKind) {
	d.record(op, id, nil)
	if id == backend.NullID {
		d.violate(op, id, "destroy of null id")
		return
	}
	o, ok := d.objects[id]
	switch {
	case !ok:
		d.violate(op, id, "destroy of unknown id")
		return
	case o.kind != kind:
		d.violate(op, id, fmt.Sprintf("destroy of %s as %s", objKindNames[o.kind], objKindNames[kind]))
		return
	case o.destroyed:
		d.violate(op, id, fmt.Sprintf("double free (destroyed at frame %d)", o.diedAt))
		return
	}
	o.destroyed = true
	o.diedAt = d.frame
	if o.pool != nil {
		d.killSets(o.pool)
	}
}

func (d *Device) killSets(p *pool) {
	for _, sid := range p.sets {
		if s := d.objects[sid]; s != nil {
			s.destroyed = true
			s.diedAt = d.frame
		}
	}
	p.sets = p.sets[:0]
}

func (d *Device) requirePass(op Op) {
	if !d.inPass {
		d.violate(op, backend.NullID, "outside render pass")
	}
}
