package backend

import (
	"errors"

	"github.com/gogpu/gputypes"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrOutOfMemory is returned when the device cannot allocate an object.
	ErrOutOfMemory = errors.New("backend: out of device memory")

	// ErrPoolExhausted is returned by AllocateDescriptorSet when the pool
	// has no free sets.
	ErrPoolExhausted = errors.New("backend: descriptor pool exhausted")

	// ErrFragmentedPool is returned by AllocateDescriptorSet when the pool
	// has capacity but cannot satisfy the allocation.
	ErrFragmentedPool = errors.New("backend: descriptor pool fragmented")

	// ErrUnsupported is returned for operations the device cannot perform.
	ErrUnsupported = errors.New("backend: unsupported operation")

	// ErrUnknownID is returned when an ID does not name a live object.
	ErrUnknownID = errors.New("backend: unknown object id")

	// ErrNoRenderPass is returned for pass-scoped calls outside a pass.
	ErrNoRenderPass = errors.New("backend: no active render pass")
)

// Device is the native graphics API boundary.
//
// Every object is named by an opaque ID; the executor never sees native
// handles. All methods are called from a single executor goroutine.
// Destroy methods are only invoked through the deferred deletion path, so
// implementations may assume the object is no longer referenced by
// in-flight work.
type Device interface {
	// Caps reports device capabilities. The result does not change for
	// the lifetime of the device.
	Caps() Caps

	// SupportsFormat reports whether format can be used with usage.
	SupportsFormat(format gputypes.TextureFormat, usage gputypes.TextureUsage) bool

	CreateTexture(desc *TextureDesc) (ID, error)
	DestroyTexture(id ID)
	UploadTexture(tex ID, level uint32, region Region, data []byte, bytesPerRow uint32) error

	CreateBuffer(desc *BufferDesc) (ID, error)
	DestroyBuffer(id ID)
	WriteBuffer(buf ID, offset uint64, data []byte) error

	CreateShader(desc *ShaderDesc) (ID, error)
	DestroyShader(id ID)

	CreatePipeline(desc *PipelineDesc) (ID, error)
	DestroyPipeline(id ID)

	CreateSampler(desc *SamplerDesc) (ID, error)
	DestroySampler(id ID)

	CreateFramebuffer(desc *FramebufferDesc) (ID, error)
	DestroyFramebuffer(id ID)

	// Descriptor pools hand out descriptor sets. Sets die with their pool
	// or on ResetDescriptorPool.
	CreateDescriptorPool(capacity uint32) (ID, error)
	DestroyDescriptorPool(id ID)
	ResetDescriptorPool(id ID) error
	AllocateDescriptorSet(pool ID, desc *DescriptorSetDesc) (ID, error)

	// BeginFrame is called when ring slot starts being recorded; it must
	// block until the GPU work last submitted from that slot completed.
	BeginFrame(slot int) error
	EndFrame(slot int) error

	BeginRenderPass(desc *RenderPassDesc) error
	EndRenderPass() error

	SetPipeline(id ID)
	SetViewport(vp Viewport)
	SetScissor(r Region)
	SetBlendConstant(c gputypes.Color)
	SetStencilReference(ref uint32)
	BindDescriptorSet(set ID, dynamicOffsets []uint32)
	BindVertexBuffer(slot uint32, buf ID, offset uint64)
	BindIndexBuffer(buf ID, format gputypes.IndexFormat, offset uint64)
	Draw(vertexCount, instanceCount, firstVertex uint32)
	DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32)

	// CopyTexture copies between textures of identical format. Only valid
	// when Caps.CopyImage.
	CopyTexture(src, dst ID, srcOrigin, dstOrigin Origin, size Extent) error

	// BlitFramebuffer copies with scaling. Only valid when Caps.Blit.
	BlitFramebuffer(src, dst ID, srcRect, dstRect Region, linear bool) error

	// ReadFramebuffer and ReadTexture block until the pixels are in dst,
	// laid out tightly in Caps.ReadbackFormat. A zero framebuffer ID names
	// the backbuffer.
	ReadFramebuffer(fb ID, r Region, dst []byte) error
	ReadTexture(tex ID, level uint32, r Region, dst []byte) error

	// WaitIdle blocks until all submitted work completed.
	WaitIdle() error
}
