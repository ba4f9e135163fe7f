package wgpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/emugpu/backend"
)

func init() {
	backend.Register(backend.BackendNoop, func() (backend.Device, error) {
		return OpenNoop()
	})
}

// textureSlots is the number of texture/sampler pairs in the fixed layout.
const textureSlots = 4

// maxSlots bounds the ring slots a device tracks submissions for.
const maxSlots = 3

// emptyUniformSize is the size of the uniform bound when a draw pushed none.
const emptyUniformSize = 256

// ErrClosed is returned after Close.
var ErrClosed = errors.New("wgpu: device closed")

type texture struct {
	tex  hal.Texture
	view hal.TextureView
	desc backend.TextureDesc
}

type framebuffer struct {
	color, depth  backend.ID
	width, height uint32
}

type buffer struct {
	buf  hal.Buffer
	size uint64
}

type descPool struct {
	capacity uint32
	sets     []backend.ID
}

// slotState tracks the GPU work submitted from one ring slot.
type slotState struct {
	submission uint64
	encoders   []hal.CommandEncoder
	cmdBuffers []hal.CommandBuffer
}

// Device adapts a hal.Device to backend.Device.
type Device struct {
	mu sync.Mutex

	adapter hal.Adapter
	dev     hal.Device
	queue   hal.Queue
	caps    backend.Caps

	nextID atomic.Uint64

	textures     map[backend.ID]*texture
	buffers      map[backend.ID]*buffer
	shaders      map[backend.ID]hal.ShaderModule
	pipelines    map[backend.ID]hal.RenderPipeline
	samplers     map[backend.ID]hal.Sampler
	framebuffers map[backend.ID]*framebuffer
	pools        map[backend.ID]*descPool
	sets         map[backend.ID]hal.BindGroup

	layout     hal.BindGroupLayout
	pipeLayout hal.PipelineLayout

	// Placeholders bound to empty texture slots.
	dummyTex     *texture
	dummySampler hal.Sampler
	dummyUniform *buffer

	backbuffer *texture

	slot    int
	slots   [maxSlots]slotState
	encoder hal.CommandEncoder
	pass    hal.RenderPassEncoder
	closed  bool
}

// Option configures a Device.
type Option func(*backend.Caps)

// WithBackbufferSize sets the size of the offscreen default framebuffer.
func WithBackbufferSize(w, h uint32) Option {
	return func(c *backend.Caps) {
		c.BackbufferWidth = w
		c.BackbufferHeight = h
	}
}

// New opens a device on adapter.
func New(adapter hal.Adapter, info gpucontext.AdapterInfo, opts ...Option) (*Device, error) {
	opened, err := adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		return nil, fmt.Errorf("wgpu: open adapter %q: %w", info.Name, err)
	}
	caps := backend.Caps{
		Adapter:          info,
		CopyImage:        true,
		Anisotropy:       true,
		MaxAnisotropy:    16,
		PassScopedState:  true,
		ReadbackFormat:   gputypes.TextureFormatRGBA8Unorm,
		BackbufferFormat: gputypes.TextureFormatRGBA8Unorm,
		BackbufferWidth:  640,
		BackbufferHeight: 480,
		MaxTextureSize:   gputypes.DefaultLimits().MaxTextureDimension2D,
	}
	for _, opt := range opts {
		opt(&caps)
	}

	d := &Device{
		adapter:      adapter,
		dev:          opened.Device,
		queue:        opened.Queue,
		caps:         caps,
		textures:     make(map[backend.ID]*texture),
		buffers:      make(map[backend.ID]*buffer),
		shaders:      make(map[backend.ID]hal.ShaderModule),
		pipelines:    make(map[backend.ID]hal.RenderPipeline),
		samplers:     make(map[backend.ID]hal.Sampler),
		framebuffers: make(map[backend.ID]*framebuffer),
		pools:        make(map[backend.ID]*descPool),
		sets:         make(map[backend.ID]hal.BindGroup),
	}
	d.nextID.Store(1)

	if err := d.init(); err != nil {
		d.Close()
		return nil, err
	}
	slogger().Info("wgpu: device opened",
		"adapter", info.Name, "backbuffer", fmt.Sprintf("%dx%d", caps.BackbufferWidth, caps.BackbufferHeight))
	return d, nil
}

// OpenNoop opens a device on the HAL noop adapter.
func OpenNoop(opts ...Option) (*Device, error) {
	return New(&noop.Adapter{}, gpucontext.AdapterInfo{
		Name: "noop",
		Type: gpucontext.AdapterTypeUnknown,
	}, opts...)
}

func (d *Device) newID() backend.ID {
	return backend.ID(d.nextID.Add(1) - 1)
}

// init creates the fixed layouts, the empty-slot placeholders and the
// backbuffer.
func (d *Device) init() error {
	entries := []gputypes.BindGroupLayoutEntry{{
		Binding:    0,
		Visibility: gputypes.ShaderStageVertex | gputypes.ShaderStageFragment,
		Buffer: &gputypes.BufferBindingLayout{
			Type:             gputypes.BufferBindingTypeUniform,
			HasDynamicOffset: true,
		},
	}}
	for i := range uint32(textureSlots) {
		entries = append(entries,
			gputypes.BindGroupLayoutEntry{
				Binding:    1 + 2*i,
				Visibility: gputypes.ShaderStageFragment,
				Texture: &gputypes.TextureBindingLayout{
					SampleType:    gputypes.TextureSampleTypeFloat,
					ViewDimension: gputypes.TextureViewDimension2D,
				},
			},
			gputypes.BindGroupLayoutEntry{
				Binding:    2 + 2*i,
				Visibility: gputypes.ShaderStageFragment,
				Sampler:    &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering},
			})
	}
	layout, err := d.dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   "emugpu_layout",
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create bind group layout: %w", err)
	}
	d.layout = layout

	pipeLayout, err := d.dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "emugpu_pipeline_layout",
		BindGroupLayouts: []hal.BindGroupLayout{layout},
	})
	if err != nil {
		return fmt.Errorf("wgpu: create pipeline layout: %w", err)
	}
	d.pipeLayout = pipeLayout

	d.dummyTex, err = d.newTexture(&backend.TextureDesc{
		Label: "emugpu_empty_slot", Width: 1, Height: 1, MipLevels: 1,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageTextureBinding,
	})
	if err != nil {
		return err
	}
	d.dummySampler, err = d.dev.CreateSampler(&hal.SamplerDescriptor{
		Label:        "emugpu_empty_slot",
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    gputypes.FilterModeNearest,
		MinFilter:    gputypes.FilterModeNearest,
		MipmapFilter: gputypes.FilterModeNearest,
		Anisotropy:   1,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create placeholder sampler: %w", err)
	}
	ub, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "emugpu_empty_uniform",
		Size:  emptyUniformSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create placeholder uniform: %w", err)
	}
	d.dummyUniform = &buffer{buf: ub, size: emptyUniformSize}

	d.backbuffer, err = d.newTexture(&backend.TextureDesc{
		Label: "emugpu_backbuffer", Width: d.caps.BackbufferWidth, Height: d.caps.BackbufferHeight, MipLevels: 1,
		Format: d.caps.BackbufferFormat,
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst,
	})
	return err
}

// Caps implements backend.Device.
func (d *Device) Caps() backend.Caps { return d.caps }

// SupportsFormat implements backend.Device.
func (d *Device) SupportsFormat(format gputypes.TextureFormat, usage gputypes.TextureUsage) bool {
	flags := d.adapter.TextureFormatCapabilities(format).Flags
	if usage&gputypes.TextureUsageRenderAttachment != 0 && flags&hal.TextureFormatCapabilityRenderAttachment == 0 {
		return false
	}
	if usage&gputypes.TextureUsageTextureBinding != 0 && flags&hal.TextureFormatCapabilitySampled == 0 {
		return false
	}
	return true
}

// WaitIdle implements backend.Device.
func (d *Device) WaitIdle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dev.WaitIdle()
}

// Close waits for the GPU and destroys every object the device still owns.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.dev == nil {
		return
	}
	if err := d.dev.WaitIdle(); err != nil {
		slogger().Warn("wgpu: wait idle on close", "err", err)
	}
	if d.encoder != nil {
		d.encoder.DiscardEncoding()
		d.encoder.Destroy()
		d.encoder = nil
	}
	for i := range d.slots {
		d.releaseSlot(&d.slots[i])
	}
	for id, g := range d.sets {
		d.dev.DestroyBindGroup(g)
		delete(d.sets, id)
	}
	for id, p := range d.pipelines {
		d.dev.DestroyRenderPipeline(p)
		delete(d.pipelines, id)
	}
	for id, s := range d.shaders {
		d.dev.DestroyShaderModule(s)
		delete(d.shaders, id)
	}
	for id, s := range d.samplers {
		d.dev.DestroySampler(s)
		delete(d.samplers, id)
	}
	for id, b := range d.buffers {
		d.dev.DestroyBuffer(b.buf)
		delete(d.buffers, id)
	}
	for id, t := range d.textures {
		d.freeTexture(t)
		delete(d.textures, id)
	}
	for _, t := range []*texture{d.dummyTex, d.backbuffer} {
		if t != nil {
			d.freeTexture(t)
		}
	}
	if d.dummySampler != nil {
		d.dev.DestroySampler(d.dummySampler)
	}
	if d.dummyUniform != nil {
		d.dev.DestroyBuffer(d.dummyUniform.buf)
	}
	if d.pipeLayout != nil {
		d.dev.DestroyPipelineLayout(d.pipeLayout)
	}
	if d.layout != nil {
		d.dev.DestroyBindGroupLayout(d.layout)
	}
	d.dev.Destroy()
}

var _ backend.Device = (*Device)(nil)
