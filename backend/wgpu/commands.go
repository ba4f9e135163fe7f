package wgpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/emugpu/backend"
)

var errInPass = errors.New("wgpu: transfer inside render pass")

// releaseSlot frees the command buffers and encoders of a completed slot.
func (d *Device) releaseSlot(s *slotState) {
	for _, cb := range s.cmdBuffers {
		d.dev.FreeCommandBuffer(cb)
	}
	for _, enc := range s.encoders {
		enc.Destroy()
	}
	s.cmdBuffers = s.cmdBuffers[:0]
	s.encoders = s.encoders[:0]
}

// BeginFrame implements backend.Device.
func (d *Device) BeginFrame(slot int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if slot < 0 || slot >= maxSlots {
		return fmt.Errorf("wgpu: ring slot %d out of range", slot)
	}
	s := &d.slots[slot]
	if s.submission > 0 && d.queue.PollCompleted() < s.submission {
		slogger().Debug("wgpu: waiting for slot", "slot", slot, "submission", s.submission)
		if err := d.dev.WaitIdle(); err != nil {
			return fmt.Errorf("wgpu: wait for slot %d: %w", slot, err)
		}
	}
	d.releaseSlot(s)
	d.slot = slot
	return nil
}

// EndFrame implements backend.Device.
func (d *Device) EndFrame(slot int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pass != nil {
		d.pass.End()
		d.pass = nil
	}
	return d.submit(slot)
}

// encoderLocked returns the open encoder of the current slot, creating it
// on first use.
func (d *Device) encoderLocked() (hal.CommandEncoder, error) {
	if d.encoder != nil {
		return d.encoder, nil
	}
	enc, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "emugpu_frame"})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := enc.BeginEncoding("emugpu_frame"); err != nil {
		enc.Destroy()
		return nil, fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	d.encoder = enc
	return enc, nil
}

// submit ends the open encoder, if any, and submits it for slot.
func (d *Device) submit(slot int) error {
	if d.encoder == nil {
		return nil
	}
	enc := d.encoder
	d.encoder = nil
	s := &d.slots[slot]
	s.encoders = append(s.encoders, enc)
	cb, err := enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	s.cmdBuffers = append(s.cmdBuffers, cb)
	idx, err := d.queue.Submit([]hal.CommandBuffer{cb})
	if err != nil {
		return fmt.Errorf("wgpu: submit: %w", err)
	}
	s.submission = idx
	return nil
}

func (d *Device) colorTarget(fb backend.ID) (*texture, *texture, error) {
	if fb == backend.NullID {
		return d.backbuffer, nil, nil
	}
	f, ok := d.framebuffers[fb]
	if !ok {
		return nil, nil, fmt.Errorf("%w: framebuffer %d", backend.ErrUnknownID, fb)
	}
	color, ok := d.textures[f.color]
	if !ok {
		return nil, nil, fmt.Errorf("%w: color texture %d of framebuffer %d", backend.ErrUnknownID, f.color, fb)
	}
	var depth *texture
	if f.depth != backend.NullID {
		depth = d.textures[f.depth]
	}
	return color, depth, nil
}

// BeginRenderPass implements backend.Device.
func (d *Device) BeginRenderPass(desc *backend.RenderPassDesc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pass != nil {
		d.pass.End()
		d.pass = nil
	}
	color, depth, err := d.colorTarget(desc.Framebuffer)
	if err != nil {
		return err
	}
	enc, err := d.encoderLocked()
	if err != nil {
		return err
	}
	rp := &hal.RenderPassDescriptor{
		Label: "emugpu_pass",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       color.view,
			LoadOp:     loadOr(desc.ColorLoad),
			StoreOp:    storeOr(desc.ColorStore),
			ClearValue: desc.ClearColor,
		}},
	}
	if depth != nil {
		ds := &hal.RenderPassDepthStencilAttachment{
			View:              depth.view,
			DepthLoadOp:       loadOr(desc.DepthLoad),
			DepthStoreOp:      storeOr(desc.DepthStore),
			DepthClearValue:   desc.ClearDepth,
			StencilLoadOp:     loadOr(desc.StencilLoad),
			StencilStoreOp:    storeOr(desc.StencilStore),
			StencilClearValue: desc.ClearStencil,
		}
		if !depth.desc.Format.HasStencil() {
			ds.StencilLoadOp = gputypes.LoadOpUndefined
			ds.StencilStoreOp = gputypes.StoreOpUndefined
		}
		rp.DepthStencilAttachment = ds
	}
	d.pass = enc.BeginRenderPass(rp)
	return nil
}

// EndRenderPass implements backend.Device.
func (d *Device) EndRenderPass() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pass == nil {
		return backend.ErrNoRenderPass
	}
	d.pass.End()
	d.pass = nil
	return nil
}

// activePass returns the open pass or logs the dropped call.
func (d *Device) activePass(op string) hal.RenderPassEncoder {
	if d.pass == nil {
		slogger().Warn("wgpu: call outside render pass dropped", "op", op)
	}
	return d.pass
}

// SetPipeline implements backend.Device.
func (d *Device) SetPipeline(id backend.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pipelines[id]
	if !ok {
		slogger().Warn("wgpu: unknown pipeline", "id", id)
		return
	}
	if pass := d.activePass("SetPipeline"); pass != nil {
		pass.SetPipeline(p)
	}
}

// SetViewport implements backend.Device.
func (d *Device) SetViewport(vp backend.Viewport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pass := d.activePass("SetViewport"); pass != nil {
		pass.SetViewport(vp.X, vp.Y, vp.Width, vp.Height, vp.MinDepth, vp.MaxDepth)
	}
}

// SetScissor implements backend.Device.
func (d *Device) SetScissor(r backend.Region) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pass := d.activePass("SetScissor"); pass != nil {
		pass.SetScissorRect(r.X, r.Y, r.Width, r.Height)
	}
}

// SetBlendConstant implements backend.Device.
func (d *Device) SetBlendConstant(c gputypes.Color) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pass := d.activePass("SetBlendConstant"); pass != nil {
		pass.SetBlendConstant(&c)
	}
}

// SetStencilReference implements backend.Device.
func (d *Device) SetStencilReference(ref uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pass := d.activePass("SetStencilReference"); pass != nil {
		pass.SetStencilReference(ref)
	}
}

// BindDescriptorSet implements backend.Device.
func (d *Device) BindDescriptorSet(set backend.ID, offsets []uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.sets[set]
	if !ok {
		slogger().Warn("wgpu: unknown descriptor set", "id", set)
		return
	}
	if pass := d.activePass("BindDescriptorSet"); pass != nil {
		pass.SetBindGroup(0, g, offsets)
	}
}

// BindVertexBuffer implements backend.Device.
func (d *Device) BindVertexBuffer(slot uint32, id backend.ID, offset uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		slogger().Warn("wgpu: unknown vertex buffer", "id", id)
		return
	}
	if pass := d.activePass("BindVertexBuffer"); pass != nil {
		pass.SetVertexBuffer(slot, b.buf, offset)
	}
}

// BindIndexBuffer implements backend.Device.
func (d *Device) BindIndexBuffer(id backend.ID, format gputypes.IndexFormat, offset uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		slogger().Warn("wgpu: unknown index buffer", "id", id)
		return
	}
	if pass := d.activePass("BindIndexBuffer"); pass != nil {
		pass.SetIndexBuffer(b.buf, format, offset)
	}
}

// Draw implements backend.Device.
func (d *Device) Draw(vertexCount, instanceCount, firstVertex uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pass := d.activePass("Draw"); pass != nil {
		pass.Draw(vertexCount, max(instanceCount, 1), firstVertex, 0)
	}
}

// DrawIndexed implements backend.Device.
func (d *Device) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pass := d.activePass("DrawIndexed"); pass != nil {
		pass.DrawIndexed(indexCount, max(instanceCount, 1), firstIndex, baseVertex, 0)
	}
}

// CopyTexture implements backend.Device.
func (d *Device) CopyTexture(src, dst backend.ID, srcOrigin, dstOrigin backend.Origin, size backend.Extent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pass != nil {
		return errInPass
	}
	s, ok := d.textures[src]
	if !ok {
		return fmt.Errorf("%w: texture %d", backend.ErrUnknownID, src)
	}
	t, ok := d.textures[dst]
	if !ok {
		return fmt.Errorf("%w: texture %d", backend.ErrUnknownID, dst)
	}
	if s.desc.Format != t.desc.Format {
		return fmt.Errorf("%w: copy between %v and %v", backend.ErrUnsupported, s.desc.Format, t.desc.Format)
	}
	enc, err := d.encoderLocked()
	if err != nil {
		return err
	}
	enc.CopyTextureToTexture(s.tex, t.tex, []hal.TextureCopy{{
		SrcBase: hal.ImageCopyTexture{Texture: s.tex, Origin: hal.Origin3D{X: srcOrigin.X, Y: srcOrigin.Y}, Aspect: gputypes.TextureAspectAll},
		DstBase: hal.ImageCopyTexture{Texture: t.tex, Origin: hal.Origin3D{X: dstOrigin.X, Y: dstOrigin.Y}, Aspect: gputypes.TextureAspectAll},
		Size:    hal.Extent3D{Width: size.Width, Height: size.Height, DepthOrArrayLayers: 1},
	}})
	return nil
}

// BlitFramebuffer implements backend.Device. Scaled blits need a render
// pipeline per format pair and are not offered; Caps.Blit is false.
func (d *Device) BlitFramebuffer(_, _ backend.ID, _, _ backend.Region, _ bool) error {
	return backend.ErrUnsupported
}

func loadOr(op gputypes.LoadOp) gputypes.LoadOp {
	if op == gputypes.LoadOpUndefined {
		return gputypes.LoadOpLoad
	}
	return op
}

func storeOr(op gputypes.StoreOp) gputypes.StoreOp {
	if op == gputypes.StoreOpUndefined {
		return gputypes.StoreOpStore
	}
	return op
}

// stencilOp maps a gputypes stencil operation onto the HAL enum, which
// has no undefined value.
func stencilOp(op gputypes.StencilOperation) hal.StencilOperation {
	if op == gputypes.StencilOperationUndefined {
		return hal.StencilOperationKeep
	}
	return hal.StencilOperation(op - 1) //nolint:gosec // G115: enum range 1..8
}

func depthStencilState(desc *backend.PipelineDesc) *hal.DepthStencilState {
	if desc.DepthFormat == gputypes.TextureFormatUndefined {
		return nil
	}
	ds := &hal.DepthStencilState{
		Format:            desc.DepthFormat,
		DepthWriteEnabled: desc.DepthTest && desc.DepthWrite,
		DepthCompare:      gputypes.CompareFunctionAlways,
	}
	if desc.DepthTest && desc.DepthCompare != gputypes.CompareFunctionUndefined {
		ds.DepthCompare = desc.DepthCompare
	}
	face := hal.StencilFaceState{
		Compare:     gputypes.CompareFunctionAlways,
		FailOp:      hal.StencilOperationKeep,
		DepthFailOp: hal.StencilOperationKeep,
		PassOp:      hal.StencilOperationKeep,
	}
	if st := desc.Stencil; st.Enabled {
		face = hal.StencilFaceState{
			Compare:     st.Compare,
			FailOp:      stencilOp(st.Fail),
			DepthFailOp: stencilOp(st.DepthFail),
			PassOp:      stencilOp(st.Pass),
		}
		ds.StencilReadMask = st.ReadMask
		ds.StencilWriteMask = st.WriteMask
	}
	ds.StencilFront = face
	ds.StencilBack = face
	return ds
}
