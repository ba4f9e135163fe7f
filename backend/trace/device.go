package trace

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/emugpu/backend"
)

var _ backend.Device = (*Device)(nil)

// Caps implements backend.Device.
func (d *Device) Caps() backend.Caps {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

// SupportsFormat implements backend.Device.
func (d *Device) SupportsFormat(format gputypes.TextureFormat, _ gputypes.TextureUsage) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.unsupported[format]
}

// CreateTexture implements backend.Device.
func (d *Device) CreateTexture(desc *backend.TextureDesc) (backend.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected(OpCreateTexture); err != nil {
		d.record(OpCreateTexture, backend.NullID, *desc)
		return backend.NullID, err
	}
	if d.unsupported[desc.Format] {
		d.record(OpCreateTexture, backend.NullID, *desc)
		return backend.NullID, fmt.Errorf("%w: format %v", backend.ErrUnsupported, desc.Format)
	}
	id, o := d.alloc(objTexture)
	o.tex = *desc
	d.record(OpCreateTexture, id, *desc)
	return id, nil
}

// DestroyTexture implements backend.Device.
func (d *Device) DestroyTexture(id backend.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroy(OpDestroyTexture, id, objTexture)
}

// UploadTexture implements backend.Device.
func (d *Device) UploadTexture(tex backend.ID, _ uint32, region backend.Region, data []byte, _ uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpUploadTexture, tex, region)
	if err := d.injected(OpUploadTexture); err != nil {
		return err
	}
	if !d.use(OpUploadTexture, tex, objTexture, false) {
		return backend.ErrUnknownID
	}
	if len(data) == 0 {
		return fmt.Errorf("trace: upload of %v with no data", region)
	}
	return nil
}

// CreateBuffer implements backend.Device.
func (d *Device) CreateBuffer(desc *backend.BufferDesc) (backend.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected(OpCreateBuffer); err != nil {
		d.record(OpCreateBuffer, backend.NullID, *desc)
		return backend.NullID, err
	}
	id, _ := d.alloc(objBuffer)
	d.record(OpCreateBuffer, id, *desc)
	return id, nil
}

// DestroyBuffer implements backend.Device.
func (d *Device) DestroyBuffer(id backend.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroy(OpDestroyBuffer, id, objBuffer)
}

// WriteBuffer implements backend.Device.
func (d *Device) WriteBuffer(buf backend.ID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpWriteBuffer, buf, offset)
	if !d.use(OpWriteBuffer, buf, objBuffer, false) {
		return backend.ErrUnknownID
	}
	return d.injected(OpWriteBuffer)
}

// CreateShader implements backend.Device. Sources containing the marker
// "#error" fail to compile.
func (d *Device) CreateShader(desc *backend.ShaderDesc) (backend.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected(OpCreateShader); err != nil {
		d.record(OpCreateShader, backend.NullID, desc.Label)
		return backend.NullID, err
	}
	if containsMarker(desc.Source, "#error") {
		d.record(OpCreateShader, backend.NullID, desc.Label)
		return backend.NullID, fmt.Errorf("trace: compile %q: #error directive", desc.Label)
	}
	id, _ := d.alloc(objShader)
	d.record(OpCreateShader, id, desc.Label)
	return id, nil
}

// DestroyShader implements backend.Device.
func (d *Device) DestroyShader(id backend.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroy(OpDestroyShader, id, objShader)
}

// CreatePipeline implements backend.Device.
func (d *Device) CreatePipeline(desc *backend.PipelineDesc) (backend.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected(OpCreatePipeline); err != nil {
		d.record(OpCreatePipeline, backend.NullID, *desc)
		return backend.NullID, err
	}
	if !d.use(OpCreatePipeline, desc.Vertex, objShader, false) ||
		!d.use(OpCreatePipeline, desc.Fragment, objShader, false) {
		d.record(OpCreatePipeline, backend.NullID, *desc)
		return backend.NullID, backend.ErrUnknownID
	}
	id, _ := d.alloc(objPipeline)
	d.record(OpCreatePipeline, id, *desc)
	return id, nil
}

// DestroyPipeline implements backend.Device.
func (d *Device) DestroyPipeline(id backend.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroy(OpDestroyPipeline, id, objPipeline)
}

// CreateSampler implements backend.Device.
func (d *Device) CreateSampler(desc *backend.SamplerDesc) (backend.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected(OpCreateSampler); err != nil {
		d.record(OpCreateSampler, backend.NullID, *desc)
		return backend.NullID, err
	}
	id, _ := d.alloc(objSampler)
	d.record(OpCreateSampler, id, *desc)
	return id, nil
}

// DestroySampler implements backend.Device.
func (d *Device) DestroySampler(id backend.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroy(OpDestroySampler, id, objSampler)
}

// CreateFramebuffer implements backend.Device.
func (d *Device) CreateFramebuffer(desc *backend.FramebufferDesc) (backend.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected(OpCreateFramebuffer); err != nil {
		d.record(OpCreateFramebuffer, backend.NullID, *desc)
		return backend.NullID, err
	}
	if !d.use(OpCreateFramebuffer, desc.Color, objTexture, false) ||
		!d.use(OpCreateFramebuffer, desc.Depth, objTexture, true) {
		d.record(OpCreateFramebuffer, backend.NullID, *desc)
		return backend.NullID, backend.ErrUnknownID
	}
	id, _ := d.alloc(objFramebuffer)
	d.record(OpCreateFramebuffer, id, *desc)
	return id, nil
}

// DestroyFramebuffer implements backend.Device.
func (d *Device) DestroyFramebuffer(id backend.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroy(OpDestroyFramebuffer, id, objFramebuffer)
}

// CreateDescriptorPool implements backend.Device.
func (d *Device) CreateDescriptorPool(capacity uint32) (backend.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected(OpCreateDescriptorPool); err != nil {
		d.record(OpCreateDescriptorPool, backend.NullID, capacity)
		return backend.NullID, err
	}
	id, o := d.alloc(objPool)
	o.pool = &pool{capacity: capacity}
	d.record(OpCreateDescriptorPool, id, capacity)
	return id, nil
}

// DestroyDescriptorPool implements backend.Device.
func (d *Device) DestroyDescriptorPool(id backend.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroy(OpDestroyDescriptorPool, id, objPool)
}

// ResetDescriptorPool implements backend.Device.
func (d *Device) ResetDescriptorPool(id backend.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpResetDescriptorPool, id, nil)
	if !d.use(OpResetDescriptorPool, id, objPool, false) {
		return backend.ErrUnknownID
	}
	d.killSets(d.objects[id].pool)
	return nil
}

// AllocateDescriptorSet implements backend.Device.
func (d *Device) AllocateDescriptorSet(poolID backend.ID, desc *backend.DescriptorSetDesc) (backend.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpAllocateDescriptorSet, poolID, nil)
	if !d.use(OpAllocateDescriptorSet, poolID, objPool, false) {
		return backend.NullID, backend.ErrUnknownID
	}
	if err := d.injected(OpAllocateDescriptorSet); err != nil {
		return backend.NullID, err
	}
	p := d.objects[poolID].pool
	if uint32(len(p.sets)) >= p.capacity { //nolint:gosec // G115: set count bounded by capacity
		return backend.NullID, backend.ErrPoolExhausted
	}
	d.use(OpAllocateDescriptorSet, desc.Uniform.Buffer, objBuffer, true)
	for _, t := range desc.Textures {
		d.use(OpAllocateDescriptorSet, t, objTexture, true)
	}
	for _, s := range desc.Samplers {
		d.use(OpAllocateDescriptorSet, s, objSampler, true)
	}
	id, _ := d.alloc(objSet)
	p.sets = append(p.sets, id)
	return id, nil
}

// BeginFrame implements backend.Device.
func (d *Device) BeginFrame(slot int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frame++
	d.record(OpBeginFrame, backend.NullID, slot)
	return nil
}

// EndFrame implements backend.Device.
func (d *Device) EndFrame(slot int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpEndFrame, backend.NullID, slot)
	if d.inPass {
		d.violate(OpEndFrame, backend.NullID, "frame ended inside render pass")
		d.inPass = false
	}
	return nil
}

// BeginRenderPass implements backend.Device.
func (d *Device) BeginRenderPass(desc *backend.RenderPassDesc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpBeginRenderPass, desc.Framebuffer, *desc)
	if d.inPass {
		d.violate(OpBeginRenderPass, desc.Framebuffer, "nested render pass")
	}
	if !d.use(OpBeginRenderPass, desc.Framebuffer, objFramebuffer, true) {
		return backend.ErrUnknownID
	}
	d.inPass = true
	return nil
}

// EndRenderPass implements backend.Device.
func (d *Device) EndRenderPass() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpEndRenderPass, backend.NullID, nil)
	if !d.inPass {
		return backend.ErrNoRenderPass
	}
	d.inPass = false
	return nil
}

// SetPipeline implements backend.Device.
func (d *Device) SetPipeline(id backend.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpSetPipeline, id, nil)
	d.requirePass(OpSetPipeline)
	d.use(OpSetPipeline, id, objPipeline, false)
}

// SetViewport implements backend.Device.
func (d *Device) SetViewport(vp backend.Viewport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpSetViewport, backend.NullID, vp)
	d.requirePass(OpSetViewport)
}

// SetScissor implements backend.Device.
func (d *Device) SetScissor(r backend.Region) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpSetScissor, backend.NullID, r)
	d.requirePass(OpSetScissor)
}

// SetBlendConstant implements backend.Device.
func (d *Device) SetBlendConstant(c gputypes.Color) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpSetBlendConstant, backend.NullID, c)
	d.requirePass(OpSetBlendConstant)
}

// SetStencilReference implements backend.Device.
func (d *Device) SetStencilReference(ref uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpSetStencilReference, backend.NullID, ref)
	d.requirePass(OpSetStencilReference)
}

// BindDescriptorSet implements backend.Device.
func (d *Device) BindDescriptorSet(set backend.ID, offsets []uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpBindDescriptorSet, set, append([]uint32(nil), offsets...))
	d.requirePass(OpBindDescriptorSet)
	d.use(OpBindDescriptorSet, set, objSet, false)
}

// BindVertexBuffer implements backend.Device.
func (d *Device) BindVertexBuffer(_ uint32, buf backend.ID, offset uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpBindVertexBuffer, buf, offset)
	d.requirePass(OpBindVertexBuffer)
	d.use(OpBindVertexBuffer, buf, objBuffer, false)
}

// BindIndexBuffer implements backend.Device.
func (d *Device) BindIndexBuffer(buf backend.ID, _ gputypes.IndexFormat, offset uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpBindIndexBuffer, buf, offset)
	d.requirePass(OpBindIndexBuffer)
	d.use(OpBindIndexBuffer, buf, objBuffer, false)
}

// Draw implements backend.Device.
func (d *Device) Draw(vertexCount, _, _ uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpDraw, backend.NullID, vertexCount)
	d.requirePass(OpDraw)
}

// DrawIndexed implements backend.Device.
func (d *Device) DrawIndexed(indexCount, _, _ uint32, _ int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpDrawIndexed, backend.NullID, indexCount)
	d.requirePass(OpDrawIndexed)
}

// CopyTexture implements backend.Device.
func (d *Device) CopyTexture(src, dst backend.ID, _, _ backend.Origin, size backend.Extent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpCopyTexture, src, size)
	if !d.caps.CopyImage {
		return backend.ErrUnsupported
	}
	if !d.use(OpCopyTexture, src, objTexture, false) || !d.use(OpCopyTexture, dst, objTexture, false) {
		return backend.ErrUnknownID
	}
	return nil
}

// BlitFramebuffer implements backend.Device.
func (d *Device) BlitFramebuffer(src, dst backend.ID, srcRect, _ backend.Region, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpBlitFramebuffer, src, srcRect)
	if !d.caps.Blit {
		return backend.ErrUnsupported
	}
	if !d.use(OpBlitFramebuffer, src, objFramebuffer, true) || !d.use(OpBlitFramebuffer, dst, objFramebuffer, true) {
		return backend.ErrUnknownID
	}
	return nil
}

// ReadFramebuffer implements backend.Device. The returned pixels are a
// deterministic pattern: byte i of the read is i mod 251.
func (d *Device) ReadFramebuffer(fb backend.ID, r backend.Region, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpReadFramebuffer, fb, r)
	if err := d.injected(OpReadFramebuffer); err != nil {
		return err
	}
	if !d.use(OpReadFramebuffer, fb, objFramebuffer, true) {
		return backend.ErrUnknownID
	}
	return fillPattern(dst, r, backend.FormatSize(d.caps.ReadbackFormat))
}

// ReadTexture implements backend.Device.
func (d *Device) ReadTexture(tex backend.ID, _ uint32, r backend.Region, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpReadTexture, tex, r)
	if err := d.injected(OpReadTexture); err != nil {
		return err
	}
	if !d.use(OpReadTexture, tex, objTexture, false) {
		return backend.ErrUnknownID
	}
	return fillPattern(dst, r, backend.FormatSize(d.caps.ReadbackFormat))
}

// WaitIdle implements backend.Device.
func (d *Device) WaitIdle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(OpWaitIdle, backend.NullID, nil)
	return nil
}

func fillPattern(dst []byte, r backend.Region, bpp uint32) error {
	need := int(r.Width) * int(r.Height) * int(bpp)
	if len(dst) < need {
		return fmt.Errorf("trace: readback buffer %d bytes, need %d", len(dst), need)
	}
	for i := range need {
		dst[i] = byte(i % 251)
	}
	return nil
}

func containsMarker(s, marker string) bool {
	for i := 0; i+len(marker) <= len(s); i++ {
		if s[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}
