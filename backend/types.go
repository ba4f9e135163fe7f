package backend

import (
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
)

// ID names a native object owned by a Device. Zero is never a valid object.
type ID uint64

// NullID is the zero ID.
const NullID ID = 0

// Caps describes what a device can do.
type Caps struct {
	// Adapter identifies the physical adapter.
	Adapter gpucontext.AdapterInfo

	// CopyImage: same-format texture copies are supported.
	CopyImage bool
	// Blit: scaled framebuffer blits are supported.
	Blit bool
	// Anisotropy: anisotropic filtering is supported.
	Anisotropy    bool
	MaxAnisotropy uint16
	// PassScopedState: bound pipelines and dynamic state do not survive a
	// render pass boundary (explicit APIs).
	PassScopedState bool
	// HardwareScaling: texture upscaling can run on the device instead of
	// the CPU.
	HardwareScaling bool

	// ReadbackFormat is the pixel layout returned by readbacks.
	ReadbackFormat gputypes.TextureFormat
	// BackbufferFormat is the color format of the default framebuffer.
	BackbufferFormat gputypes.TextureFormat
	BackbufferWidth  uint32
	BackbufferHeight uint32
	MaxTextureSize   uint32
}

// IsSoftware reports whether the adapter is a CPU rasterizer.
func (c Caps) IsSoftware() bool {
	return c.Adapter.Type == gpucontext.AdapterTypeSoftware
}

// Origin is a texel offset.
type Origin struct {
	X, Y uint32
}

// Extent is a size in texels.
type Extent struct {
	Width, Height uint32
}

// Region is a texel rectangle.
type Region struct {
	X, Y          uint32
	Width, Height uint32
}

func (r Region) String() string {
	return fmt.Sprintf("%dx%d@%d,%d", r.Width, r.Height, r.X, r.Y)
}

// Viewport is a floating point viewport.
type Viewport struct {
	X, Y, Width, Height float32
	MinDepth, MaxDepth  float32
}

// TextureDesc describes a texture.
type TextureDesc struct {
	Label     string
	Width     uint32
	Height    uint32
	MipLevels uint32
	Format    gputypes.TextureFormat
	Usage     gputypes.TextureUsage
	// Transient hints that the texture belongs to the short-lived pool.
	Transient bool
}

// SizeBytes returns the approximate size of the base level.
func (d *TextureDesc) SizeBytes() uint64 {
	return uint64(d.Width) * uint64(d.Height) * uint64(FormatSize(d.Format))
}

// FormatSize returns the bytes per texel of the formats the engine uses,
// or 4 for anything else.
func FormatSize(f gputypes.TextureFormat) uint32 {
	switch f {
	case gputypes.TextureFormatR8Unorm, gputypes.TextureFormatStencil8:
		return 1
	case gputypes.TextureFormatDepth16Unorm:
		return 2
	case gputypes.TextureFormatDepth32FloatStencil8:
		return 8
	}
	return 4
}

// BufferDesc describes a buffer.
type BufferDesc struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage
}

// ShaderDesc describes one shader stage. Source is WGSL.
type ShaderDesc struct {
	Label  string
	Stage  gputypes.ShaderStage
	Source string
}

// StencilState is the stencil configuration baked into a pipeline.
type StencilState struct {
	Enabled   bool
	Compare   gputypes.CompareFunction
	Fail      gputypes.StencilOperation
	DepthFail gputypes.StencilOperation
	Pass      gputypes.StencilOperation
	ReadMask  uint32
	WriteMask uint32
}

// PipelineDesc describes a render pipeline. Bind group layout is fixed:
// binding 0 is a dynamic uniform buffer, bindings 1+2i / 2+2i are the
// texture and sampler of slot i.
type PipelineDesc struct {
	Label        string
	Vertex       ID
	Fragment     ID
	VertexLayout gputypes.VertexBufferLayout
	Primitive    gputypes.PrimitiveState

	ColorFormat gputypes.TextureFormat
	Blend       *gputypes.BlendState
	WriteMask   gputypes.ColorWriteMask

	DepthFormat  gputypes.TextureFormat
	DepthTest    bool
	DepthWrite   bool
	DepthCompare gputypes.CompareFunction
	Stencil      StencilState

	SampleCount  uint32
	TextureSlots uint32
}

// SamplerDesc describes a sampler.
type SamplerDesc struct {
	AddressU   gputypes.AddressMode
	AddressV   gputypes.AddressMode
	MagFilter  gputypes.FilterMode
	MinFilter  gputypes.FilterMode
	MipFilter  gputypes.FilterMode
	LodMin     float32
	LodMax     float32
	LodBias    float32
	Anisotropy uint16
}

// FramebufferDesc describes a render target built from existing textures.
type FramebufferDesc struct {
	Label  string
	Color  ID
	Depth  ID
	Width  uint32
	Height uint32
}

// BufferBinding binds a range of a buffer.
type BufferBinding struct {
	Buffer ID
	Offset uint64
	Size   uint64
}

// DescriptorSetDesc lists the resources of one set. Textures and Samplers
// are indexed by slot; NullID leaves the slot empty.
type DescriptorSetDesc struct {
	Uniform  BufferBinding
	Textures []ID
	Samplers []ID
}

// RenderPassDesc describes a render pass. A zero Framebuffer targets the
// backbuffer.
type RenderPassDesc struct {
	Framebuffer  ID
	ColorLoad    gputypes.LoadOp
	ColorStore   gputypes.StoreOp
	ClearColor   gputypes.Color
	DepthLoad    gputypes.LoadOp
	DepthStore   gputypes.StoreOp
	ClearDepth   float32
	StencilLoad  gputypes.LoadOp
	StencilStore gputypes.StoreOp
	ClearStencil uint32
}
