package step

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/emugpu/resource"
)

// Reserver hands out resource handles. *resource.Registry implements it.
type Reserver interface {
	Reserve(kind resource.Kind) resource.Handle
}

// Recorder builds a Frame. Creation methods return the new handle
// immediately; the native object is created when the executor runs the
// step.
//
// A Recorder is not safe for concurrent use. Use one per producer
// goroutine.
type Recorder struct {
	res   Reserver
	steps []Step
	pass  *RenderPass

	// Work recorded while a pass is open: creations and uploads run
	// before the pass, deletions after it.
	before  []Step
	after   []Step
	dropped int
}

// NewRecorder creates a recorder that reserves handles from res.
func NewRecorder(res Reserver) *Recorder {
	return &Recorder{res: res}
}

// Len returns the number of steps recorded so far, counting an open pass
// and the work held around it.
func (r *Recorder) Len() int {
	n := len(r.steps) + len(r.before) + len(r.after)
	if r.pass != nil {
		n++
	}
	return n
}

// Dropped returns the number of commands discarded because no render
// pass was open.
func (r *Recorder) Dropped() int {
	return r.dropped
}

// CreateTexture records a texture creation and returns its handle.
func (r *Recorder) CreateTexture(desc TextureDesc) resource.Handle {
	h := r.res.Reserve(resource.KindTexture)
	if desc.MipLevels == 0 {
		desc.MipLevels = 1
	}
	r.add(CreateTexture{Handle: h, Desc: desc})
	return h
}

// UploadTexture records a pixel upload. The recorder takes ownership of
// data; free, if non-nil, is called when the executor is done with it.
func (r *Recorder) UploadTexture(tex resource.Handle, level uint32, region Rect, format DataFormat, data []byte, free func([]byte)) {
	r.add(UploadTexture{Texture: tex, Level: level, Region: region, Format: format, Data: NewBlob(data, free)})
}

// CreateBuffer records a buffer creation and returns its handle.
func (r *Recorder) CreateBuffer(label string, size uint64, usage gputypes.BufferUsage) resource.Handle {
	h := r.res.Reserve(resource.KindBuffer)
	r.add(CreateBuffer{Handle: h, Label: label, Size: size, Usage: usage})
	return h
}

// UpdateBuffer records a buffer write.
func (r *Recorder) UpdateBuffer(buf resource.Handle, offset uint64, data []byte, free func([]byte)) {
	r.add(UpdateBuffer{Buffer: buf, Offset: offset, Data: NewBlob(data, free)})
}

// CreateShader records a shader stage compilation.
func (r *Recorder) CreateShader(label string, stage gputypes.ShaderStage, source string) resource.Handle {
	h := r.res.Reserve(resource.KindShader)
	r.add(CreateShader{Handle: h, Label: label, Stage: stage, Source: source})
	return h
}

// CreateProgram records a program link.
func (r *Recorder) CreateProgram(label string, shaders ...resource.Handle) resource.Handle {
	h := r.res.Reserve(resource.KindProgram)
	r.add(CreateProgram{Handle: h, Label: label, Shaders: shaders})
	return h
}

// CreateFramebuffer records a render target creation. It returns the
// framebuffer handle and the handle of its color texture, which may be
// bound for sampling in later passes.
func (r *Recorder) CreateFramebuffer(label string, width, height uint32, format DataFormat, depth bool) (fb, color resource.Handle) {
	fb = r.res.Reserve(resource.KindFramebuffer)
	color = r.res.Reserve(resource.KindTexture)
	r.add(CreateFramebuffer{
		Handle:       fb,
		ColorTexture: color,
		Label:        label,
		Width:        width,
		Height:       height,
		ColorFormat:  format,
		Depth:        depth,
	})
	return fb, color
}

// BeginRenderPass opens a render pass. An already open pass is closed.
func (r *Recorder) BeginRenderPass(target resource.Handle, actions PassActions) {
	r.EndRenderPass()
	r.pass = &RenderPass{Target: target, Actions: actions}
}

// Cmd appends a command to the open render pass. Commands recorded
// outside a pass are dropped with a warning.
func (r *Recorder) Cmd(cmds ...Command) {
	if r.pass == nil {
		if len(cmds) > 0 {
			r.dropped += len(cmds)
			slogger().Warn("step: commands recorded outside a render pass", "dropped", len(cmds), "first", cmds[0].Kind())
		}
		return
	}
	r.pass.Commands = append(r.pass.Commands, cmds...)
}

// EndRenderPass closes the open render pass, if any. Creations and
// uploads recorded inside the pass are placed before it and deletions
// after it.
func (r *Recorder) EndRenderPass() {
	if r.pass == nil {
		return
	}
	r.steps = append(r.steps, r.before...)
	r.steps = append(r.steps, *r.pass)
	r.steps = append(r.steps, r.after...)
	r.pass = nil
	r.before, r.after = nil, nil
}

// Copy records a texture copy.
func (r *Recorder) Copy(src, dst resource.Handle, srcOrigin, dstOrigin Point, size Extent) {
	r.add(Copy{Src: src, Dst: dst, SrcOrigin: srcOrigin, DstOrigin: dstOrigin, Size: size})
}

// Blit records a framebuffer blit.
func (r *Recorder) Blit(src, dst resource.Handle, srcRect, dstRect Rect, linear bool) {
	r.add(Blit{Src: src, Dst: dst, SrcRect: srcRect, DstRect: dstRect, Linear: linear})
}

// Readback records a framebuffer readback.
func (r *Recorder) Readback(rb Readback) {
	r.add(rb)
}

// ReadbackImage records a texture readback.
func (r *Recorder) ReadbackImage(rb ReadbackImage) {
	r.add(rb)
}

// Delete records the deferred deletion of a resource.
func (r *Recorder) Delete(h resource.Handle) {
	if h == resource.Invalid {
		return
	}
	r.add(Delete{Handle: h})
}

// Finish closes any open pass and returns the recorded frame. The recorder
// is reset and may be reused for the next frame.
func (r *Recorder) Finish(skip bool) *Frame {
	r.EndRenderPass()
	f := &Frame{Steps: r.steps, Skip: skip}
	r.steps = nil
	return f
}

// add appends a non-pass step. While a pass is open, creations and
// texture uploads are hoisted in front of it and deletions wait until it
// ends, so the pass is not split. Any other step closes the pass first.
func (r *Recorder) add(s Step) {
	if r.pass != nil {
		switch k := s.Kind(); {
		case k.IsCreate() || k == KindUploadTexture:
			r.before = append(r.before, s)
			return
		case k == KindDelete:
			r.after = append(r.after, s)
			return
		}
	}
	r.EndRenderPass()
	r.steps = append(r.steps, s)
}
