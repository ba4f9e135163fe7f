package runner

import (
	"errors"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/emugpu/backend"
	"github.com/gogpu/emugpu/internal/frame"
	"github.com/gogpu/emugpu/internal/rescache"
	"github.com/gogpu/emugpu/resource"
	"github.com/gogpu/emugpu/step"
)

// passTarget is the resolved render target of a pass.
type passTarget struct {
	fb      backend.ID
	color   gputypes.TextureFormat
	depth   gputypes.TextureFormat
	stencil bool
}

func (r *Runner) resolveTarget(h resource.Handle) (passTarget, error) {
	if h == resource.Invalid {
		return passTarget{fb: backend.NullID, color: r.caps.BackbufferFormat}, nil
	}
	native, err := r.reg.Native(h, resource.KindFramebuffer)
	if err != nil {
		return passTarget{}, err
	}
	e, err := r.reg.Lookup(h)
	if err != nil {
		return passTarget{}, err
	}
	info, ok := e.Meta.(*FramebufferInfo)
	if !ok {
		return passTarget{}, fmt.Errorf("runner: framebuffer %s has no metadata", h)
	}
	return passTarget{fb: backend.ID(native), color: info.ColorFormat, depth: info.DepthFormat, stencil: info.HasStencil()}, nil
}

func loadOp(a step.LoadAction) gputypes.LoadOp {
	if a == step.LoadKeep {
		return gputypes.LoadOpLoad
	}
	return gputypes.LoadOpClear
}

func passDesc(fb backend.ID, a *step.PassActions) backend.RenderPassDesc {
	d := backend.RenderPassDesc{
		Framebuffer:  fb,
		ColorLoad:    loadOp(a.Color),
		ColorStore:   gputypes.StoreOpStore,
		ClearColor:   a.ClearColor,
		DepthLoad:    loadOp(a.Depth),
		DepthStore:   gputypes.StoreOpStore,
		ClearDepth:   a.ClearDepth,
		StencilLoad:  loadOp(a.Stencil),
		StencilStore: gputypes.StoreOpStore,
		ClearStencil: a.ClearStencil,
	}
	if a.DiscardDepth {
		d.DepthStore, d.StencilStore = gputypes.StoreOpDiscard, gputypes.StoreOpDiscard
	}
	return d
}

// foldClear turns the aspects a clear names into clear load ops.
func foldClear(d *backend.RenderPassDesc, c step.Clear) {
	if c.Color != nil {
		d.ColorLoad, d.ClearColor = gputypes.LoadOpClear, *c.Color
	}
	if c.Depth != nil {
		d.DepthLoad, d.ClearDepth = gputypes.LoadOpClear, *c.Depth
	}
	if c.Stencil != nil {
		d.StencilLoad, d.ClearStencil = gputypes.LoadOpClear, *c.Stencil
	}
}

// isDraw reports whether c produces fragments.
func isDraw(c step.Command) bool {
	switch c.(type) {
	case step.Draw, step.DrawIndexed:
		return true
	}
	return false
}

// runPass executes a render pass. Clears before the first draw fold into
// the load ops; a clear after a draw restarts the pass.
func (r *Runner) runPass(p *step.RenderPass) {
	defer step.ReleasePayloads(*p)

	t, err := r.resolveTarget(p.Target)
	if err != nil {
		slogger().Warn("runner: render pass target unavailable, skipping pass", "target", p.Target, "err", err)
		return
	}

	desc := passDesc(t.fb, &p.Actions)
	first := 0
	for first < len(p.Commands) && !isDraw(p.Commands[first]) {
		if c, ok := p.Commands[first].(step.Clear); ok {
			foldClear(&desc, c)
		}
		first++
	}
	if !r.beginPass(&desc) {
		return
	}
	r.stats.Passes++

	for i, c := range p.Commands {
		if r.aborted {
			break
		}
		if c, ok := c.(step.Clear); ok {
			if i < first {
				continue
			}
			if !r.restartPass(t.fb, c) {
				return
			}
			continue
		}
		r.command(c, &t)
	}
	if err := r.dev.EndRenderPass(); err != nil {
		slogger().Warn("runner: end render pass", "err", err)
	}
}

// beginPass resets the native shadow as the device requires and begins
// the pass.
func (r *Runner) beginPass(desc *backend.RenderPassDesc) bool {
	switch {
	case r.firstPass:
		r.firstPass = false
		r.state.Reset()
	case r.caps.PassScopedState:
		r.state.ResetNative()
	default:
		r.state.pipelineDirty, r.state.descDirty = true, true
	}
	if err := r.dev.BeginRenderPass(desc); err != nil {
		slogger().Warn("runner: begin render pass", "framebuffer", desc.Framebuffer, "err", err)
		return false
	}
	r.state.dynamic(r.dev)
	return true
}

// restartPass ends the pass and begins it again clearing the aspects c
// names and keeping the others.
func (r *Runner) restartPass(fb backend.ID, c step.Clear) bool {
	if err := r.dev.EndRenderPass(); err != nil {
		slogger().Warn("runner: end render pass", "err", err)
	}
	desc := passDesc(fb, &step.PassActions{})
	foldClear(&desc, c)
	r.stats.PassRestarts++
	return r.beginPass(&desc)
}

func (r *Runner) command(c step.Command, t *passTarget) {
	st := &r.state
	switch c := c.(type) {
	case step.BindProgram:
		st.bindProgram(c.Program)
	case step.SetVertexFormat:
		st.setLayout(c.Layout)
	case step.SetBlend:
		st.setBlend(c)
	case step.SetDepth:
		st.setDepth(c)
	case step.SetStencil:
		st.setStencil(c)
	case step.SetRaster:
		st.setRaster(c)

	case step.SetStencilRef:
		st.StencilRef, st.stencilRefKnown = c.Ref, true
		st.dynamic(r.dev)
	case step.SetViewport:
		st.Viewport, st.viewportKnown = c.Viewport, true
		st.dynamic(r.dev)
	case step.SetScissor:
		st.Scissor, st.scissorKnown = c.Rect, true
		st.dynamic(r.dev)
	case step.SetBlendColor:
		st.BlendColor, st.blendColorKnown = c.Color, true
		st.dynamic(r.dev)

	case step.BindTexture:
		if int(c.Slot) >= step.MaxTextureSlots {
			r.fatal("runner: texture slot out of range", "slot", c.Slot)
			return
		}
		st.bindTexture(c.Slot, c.Texture)
	case step.SetSampler:
		if int(c.Slot) >= step.MaxTextureSlots {
			r.fatal("runner: sampler slot out of range", "slot", c.Slot)
			return
		}
		st.setSampler(c.Slot, rescache.NewSamplerKey(c.Params))

	case step.PushVertices:
		st.vertex = r.push(c.Data, 4)
	case step.PushIndices:
		st.index = r.push(c.Data, 4)
		st.indexFormat = indexFormat(c.Format)
	case step.PushUniforms:
		size := uint64(c.Data.Len())
		if s := r.push(c.Data, frame.UniformAlignment); s.valid {
			off, ok := dynamicOffset(s.off)
			if !ok {
				r.logOnce("uniform-offset", "runner: uniform offset out of dynamic offset range, dropping uniforms", "off", s.off)
				break
			}
			st.setUniform(uniformRange{buf: s.buf, off: off, size: size})
		}
	case step.BindVertexBuffer:
		st.vertex = r.bufferStream(c.Buffer, c.Offset)
	case step.BindIndexBuffer:
		st.index = r.bufferStream(c.Buffer, c.Offset)
		st.indexFormat = indexFormat(c.Format)

	case step.Draw:
		if r.prepareDraw(t, false) {
			r.dev.Draw(c.Count, max(c.Instances, 1), c.First)
			r.stats.Draws++
		} else {
			r.stats.SkippedDraws++
		}
	case step.DrawIndexed:
		if r.prepareDraw(t, true) {
			r.dev.DrawIndexed(c.Count, max(c.Instances, 1), c.First, c.BaseVertex)
			r.stats.Draws++
		} else {
			r.stats.SkippedDraws++
		}
	}
}

// dynamicOffset narrows a push buffer offset to a descriptor set dynamic
// offset.
func dynamicOffset(off uint64) (uint32, bool) {
	if off > math.MaxUint32 {
		return 0, false
	}
	return uint32(off), true
}

func indexFormat(f gputypes.IndexFormat) gputypes.IndexFormat {
	if f == gputypes.IndexFormatUndefined {
		return gputypes.IndexFormatUint16
	}
	return f
}

// push streams a payload through the frame's push buffer and releases it.
func (r *Runner) push(b *step.Blob, align uint64) stream {
	defer b.Release()
	if b.Len() == 0 {
		return stream{}
	}
	id, off, err := r.ctx.Push.Push(b.Bytes(), align)
	if err != nil {
		slogger().Warn("runner: push data", "bytes", b.Len(), "err", err)
		return stream{}
	}
	return stream{buf: id, off: off, valid: true}
}

func (r *Runner) bufferStream(h resource.Handle, off uint64) stream {
	native, err := r.reg.Native(h, resource.KindBuffer)
	if err != nil {
		slogger().Warn("runner: bind buffer", "buffer", h, "err", err)
		return stream{}
	}
	return stream{buf: backend.ID(native), off: off, valid: true}
}

// program returns the metadata of a linked, live program.
func (r *Runner) program(h resource.Handle) (*ProgramInfo, bool) {
	if h == resource.Invalid {
		return nil, false
	}
	e, err := r.reg.Lookup(h)
	if err != nil || e.State != resource.StateLive {
		return nil, false
	}
	info, ok := e.Meta.(*ProgramInfo)
	return info, ok && !info.Failed
}

func (r *Runner) pipelineDesc(prog *ProgramInfo, t *passTarget) (*backend.PipelineDesc, error) {
	vs, err := r.reg.Native(prog.Vertex, resource.KindShader)
	if err != nil {
		return nil, err
	}
	fs, err := r.reg.Native(prog.Fragment, resource.KindShader)
	if err != nil {
		return nil, err
	}
	st := &r.state
	d := &backend.PipelineDesc{
		Label:        prog.Label,
		Vertex:       backend.ID(vs),
		Fragment:     backend.ID(fs),
		VertexLayout: st.Layout,
		ColorFormat:  t.color,
		DepthFormat:  t.depth,
		SampleCount:  1,
		TextureSlots: step.MaxTextureSlots,
	}
	st.Render.Apply(d)
	if t.depth == gputypes.TextureFormatUndefined {
		d.DepthTest, d.DepthWrite = false, false
	}
	if !t.stencil {
		d.Stencil.Enabled = false
	}
	return d, nil
}

// prepareDraw brings the device up to date with the logical state and
// reports whether the draw can be issued.
func (r *Runner) prepareDraw(t *passTarget, indexed bool) bool {
	st := &r.state
	prog, ok := r.program(st.Program)
	if !ok {
		r.logOnce(fmt.Sprintf("program:%d", st.Program), "runner: draw without a linked program, skipping", "program", st.Program)
		return false
	}

	if st.pipelineDirty {
		key := rescache.NewPipelineKey(st.Program, t.color, t.depth, 1, &st.Render, st.layoutHash)
		st.pipeline, st.pipelineErr = r.pipelines.Get(key, func() (*backend.PipelineDesc, error) {
			return r.pipelineDesc(prog, t)
		})
		st.pipelineDirty = false
	}
	if st.pipelineErr != nil {
		return false
	}
	if st.bound.pipeline != st.pipeline {
		r.dev.SetPipeline(st.pipeline)
		st.bound.pipeline = st.pipeline
	}

	if st.descDirty {
		key, err := r.descriptorKey()
		if err != nil {
			slogger().Warn("runner: draw skipped", "err", err)
			return false
		}
		st.set, st.setErr = r.descriptors.Get(key)
		st.descDirty = false
		if errors.Is(st.setErr, rescache.ErrDescriptorPoolFatal) {
			r.aborted = true
			r.fatal("runner: descriptor pool unrecoverable, aborting frame", "err", st.setErr)
			return false
		}
	}
	if st.setErr != nil {
		return false
	}
	if off := st.uniform.off; st.bound.set != st.set || st.bound.setOffset != off {
		r.dev.BindDescriptorSet(st.set, []uint32{off})
		st.bound.set, st.bound.setOffset = st.set, off
	}

	if st.layoutKnown && st.Layout.ArrayStride > 0 && !st.vertex.valid {
		r.logOnce("vertex", "runner: draw without vertex data, skipping")
		return false
	}
	if st.vertex.valid && st.bound.vertex != st.vertex {
		r.dev.BindVertexBuffer(0, st.vertex.buf, st.vertex.off)
		st.bound.vertex = st.vertex
	}
	if indexed {
		if !st.index.valid {
			r.logOnce("index", "runner: indexed draw without index data, skipping")
			return false
		}
		if st.bound.index != st.index || st.bound.indexFormat != st.indexFormat {
			r.dev.BindIndexBuffer(st.index.buf, st.indexFormat, st.index.off)
			st.bound.index, st.bound.indexFormat = st.index, st.indexFormat
		}
	}
	return true
}

func (r *Runner) descriptorKey() (rescache.DescriptorKey, error) {
	st := &r.state
	key := rescache.DescriptorKey{Uniform: st.uniform.buf, UniformSize: st.uniform.size}
	for slot, h := range st.Textures {
		if h == resource.Invalid {
			continue
		}
		tex, _, err := r.texture(h)
		if err != nil {
			return key, fmt.Errorf("texture slot %d: %w", slot, err)
		}
		smp, err := r.samplers.Get(st.Samplers[slot])
		if err != nil {
			return key, fmt.Errorf("sampler slot %d: %w", slot, err)
		}
		key.Textures[slot], key.Samplers[slot] = tex, smp
	}
	return key, nil
}

// texture resolves a sampleable texture. Framebuffers resolve to their
// color texture.
func (r *Runner) texture(h resource.Handle) (backend.ID, *TextureInfo, error) {
	_, id, info, err := r.resolveTexture(h)
	return id, info, err
}

// SampleTexture resolves h, a texture or a framebuffer, to the texture a
// later pass can sample and its native ID.
func (r *Runner) SampleTexture(h resource.Handle) (resource.Handle, backend.ID, error) {
	tex, id, _, err := r.resolveTexture(h)
	return tex, id, err
}

func (r *Runner) resolveTexture(h resource.Handle) (resource.Handle, backend.ID, *TextureInfo, error) {
	if h.Kind() == resource.KindFramebuffer {
		e, err := r.reg.Lookup(h)
		if err != nil {
			return resource.Invalid, backend.NullID, nil, err
		}
		if e.State != resource.StateLive {
			return resource.Invalid, backend.NullID, nil, fmt.Errorf("%w: %s is %s", resource.ErrNotLive, h, e.State)
		}
		fb, ok := e.Meta.(*FramebufferInfo)
		if !ok {
			return resource.Invalid, backend.NullID, nil, fmt.Errorf("runner: framebuffer %s has no metadata", h)
		}
		h = fb.Color
	}
	native, err := r.reg.Native(h, resource.KindTexture)
	if err != nil {
		return resource.Invalid, backend.NullID, nil, err
	}
	e, err := r.reg.Lookup(h)
	if err != nil {
		return resource.Invalid, backend.NullID, nil, err
	}
	info, _ := e.Meta.(*TextureInfo)
	return h, backend.ID(native), info, nil
}
