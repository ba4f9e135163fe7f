package wgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/emugpu/backend"
)

// newTexture creates a texture and its default view. Caller holds d.mu or
// is still constructing the device.
func (d *Device) newTexture(desc *backend.TextureDesc) (*texture, error) {
	mips := desc.MipLevels
	if mips == 0 {
		mips = 1
	}
	usage := desc.Usage
	if usage == 0 {
		usage = gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst | gputypes.TextureUsageCopySrc
	}
	tex, err := d.dev.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1},
		MipLevelCount: mips,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        desc.Format,
		Usage:         usage,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create texture %q: %w", desc.Label, err)
	}
	view, err := d.dev.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:     desc.Label,
		Format:    desc.Format,
		Dimension: gputypes.TextureViewDimension2D,
		Aspect:    gputypes.TextureAspectAll,
	})
	if err != nil {
		d.dev.DestroyTexture(tex)
		return nil, fmt.Errorf("wgpu: create view %q: %w", desc.Label, err)
	}
	t := &texture{tex: tex, view: view, desc: *desc}
	t.desc.MipLevels = mips
	t.desc.Usage = usage
	return t, nil
}

func (d *Device) freeTexture(t *texture) {
	if t.view != nil {
		d.dev.DestroyTextureView(t.view)
	}
	if t.tex != nil {
		d.dev.DestroyTexture(t.tex)
	}
}

// CreateTexture implements backend.Device.
func (d *Device) CreateTexture(desc *backend.TextureDesc) (backend.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return backend.NullID, ErrClosed
	}
	if desc.Width == 0 || desc.Height == 0 || desc.Width > d.caps.MaxTextureSize || desc.Height > d.caps.MaxTextureSize {
		return backend.NullID, fmt.Errorf("wgpu: texture %q: invalid size %dx%d", desc.Label, desc.Width, desc.Height)
	}
	d2 := *desc
	if d2.Usage == 0 {
		d2.Usage = gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst |
			gputypes.TextureUsageCopySrc | gputypes.TextureUsageRenderAttachment
	}
	t, err := d.newTexture(&d2)
	if err != nil {
		return backend.NullID, err
	}
	id := d.newID()
	d.textures[id] = t
	return id, nil
}

// DestroyTexture implements backend.Device.
func (d *Device) DestroyTexture(id backend.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[id]
	if !ok {
		slogger().Warn("wgpu: destroy of unknown texture", "id", id)
		return
	}
	delete(d.textures, id)
	d.freeTexture(t)
}

// UploadTexture implements backend.Device.
func (d *Device) UploadTexture(id backend.ID, level uint32, r backend.Region, data []byte, bytesPerRow uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[id]
	if !ok {
		return fmt.Errorf("%w: texture %d", backend.ErrUnknownID, id)
	}
	return d.queue.WriteTexture(
		&hal.ImageCopyTexture{
			Texture:  t.tex,
			MipLevel: level,
			Origin:   hal.Origin3D{X: r.X, Y: r.Y},
			Aspect:   gputypes.TextureAspectAll,
		},
		data,
		&hal.ImageDataLayout{BytesPerRow: bytesPerRow, RowsPerImage: r.Height},
		&hal.Extent3D{Width: r.Width, Height: r.Height, DepthOrArrayLayers: 1},
	)
}

// CreateBuffer implements backend.Device.
func (d *Device) CreateBuffer(desc *backend.BufferDesc) (backend.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return backend.NullID, ErrClosed
	}
	buf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: desc.Usage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return backend.NullID, fmt.Errorf("wgpu: create buffer %q: %w", desc.Label, err)
	}
	id := d.newID()
	d.buffers[id] = &buffer{buf: buf, size: desc.Size}
	return id, nil
}

// DestroyBuffer implements backend.Device.
func (d *Device) DestroyBuffer(id backend.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		slogger().Warn("wgpu: destroy of unknown buffer", "id", id)
		return
	}
	delete(d.buffers, id)
	d.dev.DestroyBuffer(b.buf)
}

// WriteBuffer implements backend.Device.
func (d *Device) WriteBuffer(id backend.ID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("%w: buffer %d", backend.ErrUnknownID, id)
	}
	if offset+uint64(len(data)) > b.size {
		return fmt.Errorf("wgpu: write of %d bytes at %d overflows buffer of %d", len(data), offset, b.size)
	}
	return d.queue.WriteBuffer(b.buf, offset, data)
}

// compileWGSL compiles WGSL source to SPIR-V words.
func compileWGSL(src string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(src)
	if err != nil {
		return nil, err
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

// CreateShader implements backend.Device.
func (d *Device) CreateShader(desc *backend.ShaderDesc) (backend.ID, error) {
	spirv, err := compileWGSL(desc.Source)
	if err != nil {
		return backend.NullID, fmt.Errorf("wgpu: compile shader %q: %w", desc.Label, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	mod, err := d.dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return backend.NullID, fmt.Errorf("wgpu: create shader module %q: %w", desc.Label, err)
	}
	id := d.newID()
	d.shaders[id] = mod
	return id, nil
}

// DestroyShader implements backend.Device.
func (d *Device) DestroyShader(id backend.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.shaders[id]; ok {
		delete(d.shaders, id)
		d.dev.DestroyShaderModule(m)
	}
}

// CreatePipeline implements backend.Device.
func (d *Device) CreatePipeline(desc *backend.PipelineDesc) (backend.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	vs, ok := d.shaders[desc.Vertex]
	if !ok {
		return backend.NullID, fmt.Errorf("%w: vertex shader %d", backend.ErrUnknownID, desc.Vertex)
	}
	fs, ok := d.shaders[desc.Fragment]
	if !ok {
		return backend.NullID, fmt.Errorf("%w: fragment shader %d", backend.ErrUnknownID, desc.Fragment)
	}

	var buffers []gputypes.VertexBufferLayout
	if desc.VertexLayout.ArrayStride > 0 {
		buffers = []gputypes.VertexBufferLayout{desc.VertexLayout}
	}
	writeMask := desc.WriteMask
	if writeMask == 0 && desc.Blend == nil {
		writeMask = gputypes.ColorWriteMaskAll
	}
	samples := desc.SampleCount
	if samples == 0 {
		samples = 1
	}

	pd := &hal.RenderPipelineDescriptor{
		Label:  desc.Label,
		Layout: d.pipeLayout,
		Vertex: hal.VertexState{
			Module:     vs,
			EntryPoint: "main",
			Buffers:    buffers,
		},
		Primitive: desc.Primitive,
		Multisample: gputypes.MultisampleState{
			Count: samples,
			Mask:  0xFFFFFFFF,
		},
		Fragment: &hal.FragmentState{
			Module:     fs,
			EntryPoint: "main",
			Targets: []gputypes.ColorTargetState{{
				Format:    desc.ColorFormat,
				Blend:     desc.Blend,
				WriteMask: writeMask,
			}},
		},
		DepthStencil: depthStencilState(desc),
	}
	p, err := d.dev.CreateRenderPipeline(pd)
	if err != nil {
		return backend.NullID, fmt.Errorf("wgpu: create pipeline %q: %w", desc.Label, err)
	}
	id := d.newID()
	d.pipelines[id] = p
	return id, nil
}

// DestroyPipeline implements backend.Device.
func (d *Device) DestroyPipeline(id backend.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pipelines[id]; ok {
		delete(d.pipelines, id)
		d.dev.DestroyRenderPipeline(p)
	}
}

// CreateSampler implements backend.Device. LodBias has no HAL equivalent
// and is folded into the LOD clamp range.
func (d *Device) CreateSampler(desc *backend.SamplerDesc) (backend.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	aniso := desc.Anisotropy
	if aniso == 0 {
		aniso = 1
	}
	if aniso > d.caps.MaxAnisotropy {
		aniso = d.caps.MaxAnisotropy
	}
	lodMin := max(desc.LodMin+desc.LodBias, 0)
	lodMax := max(desc.LodMax+desc.LodBias, lodMin)
	s, err := d.dev.CreateSampler(&hal.SamplerDescriptor{
		AddressModeU: desc.AddressU,
		AddressModeV: desc.AddressV,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    desc.MagFilter,
		MinFilter:    desc.MinFilter,
		MipmapFilter: desc.MipFilter,
		LodMinClamp:  lodMin,
		LodMaxClamp:  lodMax,
		Anisotropy:   aniso,
	})
	if err != nil {
		return backend.NullID, fmt.Errorf("wgpu: create sampler: %w", err)
	}
	id := d.newID()
	d.samplers[id] = s
	return id, nil
}

// DestroySampler implements backend.Device.
func (d *Device) DestroySampler(id backend.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.samplers[id]; ok {
		delete(d.samplers, id)
		d.dev.DestroySampler(s)
	}
}

// CreateFramebuffer implements backend.Device. Framebuffers only reference
// their textures; destroying one does not destroy them.
func (d *Device) CreateFramebuffer(desc *backend.FramebufferDesc) (backend.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.textures[desc.Color]; !ok {
		return backend.NullID, fmt.Errorf("%w: color texture %d", backend.ErrUnknownID, desc.Color)
	}
	if desc.Depth != backend.NullID {
		if _, ok := d.textures[desc.Depth]; !ok {
			return backend.NullID, fmt.Errorf("%w: depth texture %d", backend.ErrUnknownID, desc.Depth)
		}
	}
	id := d.newID()
	d.framebuffers[id] = &framebuffer{color: desc.Color, depth: desc.Depth, width: desc.Width, height: desc.Height}
	return id, nil
}

// DestroyFramebuffer implements backend.Device.
func (d *Device) DestroyFramebuffer(id backend.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.framebuffers, id)
}

// CreateDescriptorPool implements backend.Device.
func (d *Device) CreateDescriptorPool(capacity uint32) (backend.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if capacity == 0 {
		return backend.NullID, fmt.Errorf("wgpu: descriptor pool of capacity 0")
	}
	id := d.newID()
	d.pools[id] = &descPool{capacity: capacity}
	return id, nil
}

// DestroyDescriptorPool implements backend.Device.
func (d *Device) DestroyDescriptorPool(id backend.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pools[id]
	if !ok {
		return
	}
	d.releaseSets(p)
	delete(d.pools, id)
}

// ResetDescriptorPool implements backend.Device.
func (d *Device) ResetDescriptorPool(id backend.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pools[id]
	if !ok {
		return fmt.Errorf("%w: descriptor pool %d", backend.ErrUnknownID, id)
	}
	d.releaseSets(p)
	return nil
}

func (d *Device) releaseSets(p *descPool) {
	for _, sid := range p.sets {
		if g, ok := d.sets[sid]; ok {
			d.dev.DestroyBindGroup(g)
			delete(d.sets, sid)
		}
	}
	p.sets = p.sets[:0]
}

// AllocateDescriptorSet implements backend.Device.
func (d *Device) AllocateDescriptorSet(poolID backend.ID, desc *backend.DescriptorSetDesc) (backend.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pools[poolID]
	if !ok {
		return backend.NullID, fmt.Errorf("%w: descriptor pool %d", backend.ErrUnknownID, poolID)
	}
	if uint32(len(p.sets)) >= p.capacity { //nolint:gosec // G115: bounded by capacity
		return backend.NullID, backend.ErrPoolExhausted
	}

	ub := d.dummyUniform
	if desc.Uniform.Buffer != backend.NullID {
		var ok bool
		if ub, ok = d.buffers[desc.Uniform.Buffer]; !ok {
			return backend.NullID, fmt.Errorf("%w: uniform buffer %d", backend.ErrUnknownID, desc.Uniform.Buffer)
		}
	}
	size := desc.Uniform.Size
	if size == 0 {
		size = ub.size - desc.Uniform.Offset
	}
	entries := make([]gputypes.BindGroupEntry, 0, 1+2*textureSlots)
	entries = append(entries, gputypes.BindGroupEntry{
		Binding:  0,
		Resource: gputypes.BufferBinding{Buffer: ub.buf.NativeHandle(), Offset: desc.Uniform.Offset, Size: size},
	})
	for i := range uint32(textureSlots) {
		view := d.dummyTex.view
		if int(i) < len(desc.Textures) && desc.Textures[i] != backend.NullID {
			t, ok := d.textures[desc.Textures[i]]
			if !ok {
				return backend.NullID, fmt.Errorf("%w: texture %d in slot %d", backend.ErrUnknownID, desc.Textures[i], i)
			}
			view = t.view
		}
		smp := d.dummySampler
		if int(i) < len(desc.Samplers) && desc.Samplers[i] != backend.NullID {
			s, ok := d.samplers[desc.Samplers[i]]
			if !ok {
				return backend.NullID, fmt.Errorf("%w: sampler %d in slot %d", backend.ErrUnknownID, desc.Samplers[i], i)
			}
			smp = s
		}
		entries = append(entries,
			gputypes.BindGroupEntry{Binding: 1 + 2*i, Resource: gputypes.TextureViewBinding{TextureView: view.NativeHandle()}},
			gputypes.BindGroupEntry{Binding: 2 + 2*i, Resource: gputypes.SamplerBinding{Sampler: smp.NativeHandle()}},
		)
	}

	g, err := d.dev.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "emugpu_set",
		Layout:  d.layout,
		Entries: entries,
	})
	if err != nil {
		return backend.NullID, fmt.Errorf("wgpu: create bind group: %w", err)
	}
	id := d.newID()
	d.sets[id] = g
	p.sets = append(p.sets, id)
	return id, nil
}
