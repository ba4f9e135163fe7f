package runner

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/emugpu/backend"
	"github.com/gogpu/emugpu/internal/rescache"
	"github.com/gogpu/emugpu/resource"
	"github.com/gogpu/emugpu/step"
)

// stream is a buffer range bound for vertex or index fetch.
type stream struct {
	buf   backend.ID
	off   uint64
	valid bool
}

// uniformRange is the uniform data of the next draws. The offset is
// passed as the dynamic offset of the descriptor set.
type uniformRange struct {
	buf  backend.ID
	off  uint32
	size uint64
}

// nativeState is what the device was last told. Zero values mean unknown.
type nativeState struct {
	pipeline backend.ID

	set       backend.ID
	setOffset uint32

	vertex      stream
	index       stream
	indexFormat gputypes.IndexFormat

	viewport      backend.Viewport
	viewportValid bool
	scissor       backend.Region
	scissorValid  bool
	blendColor    gputypes.Color
	blendValid    bool
	stencilRef    uint32
	stencilValid  bool
}

// ExecutorState is the state threaded through the processing of one
// frame's steps. It holds the logical state requested by render commands
// and a shadow of the native state last emitted, so redundant native
// calls can be dropped.
type ExecutorState struct {
	// Logical pipeline state. A state is only compared against when it is
	// known; an unknown state is always taken as a change.
	Render       rescache.RenderState
	blendKnown   bool
	depthKnown   bool
	stencilKnown bool
	rasterKnown  bool

	Layout      gputypes.VertexBufferLayout
	layoutHash  uint64
	layoutKnown bool

	Program  resource.Handle
	Textures [step.MaxTextureSlots]resource.Handle
	Samplers [step.MaxTextureSlots]rescache.SamplerKey

	// Logical dynamic state.
	Viewport        step.Viewport
	viewportKnown   bool
	Scissor         step.Rect
	scissorKnown    bool
	BlendColor      gputypes.Color
	blendColorKnown bool
	StencilRef      uint8
	stencilRefKnown bool

	vertex      stream
	index       stream
	indexFormat gputypes.IndexFormat
	uniform     uniformRange

	// pipeline is the native pipeline for the logical state; valid unless
	// pipelineDirty. pipelineErr caches a failed lookup.
	pipeline      backend.ID
	pipelineErr   error
	pipelineDirty bool

	set       backend.ID
	setErr    error
	descDirty bool

	bound nativeState
}

// NewExecutorState returns a state with everything unknown.
func NewExecutorState() ExecutorState {
	s := ExecutorState{Render: rescache.DefaultRenderState()}
	s.Reset()
	return s
}

// Reset forgets everything the executor knows about logical and native
// state. Logical values are kept but no longer suppress commands.
func (s *ExecutorState) Reset() {
	s.blendKnown, s.depthKnown, s.stencilKnown, s.rasterKnown = false, false, false, false
	s.layoutKnown = false
	s.viewportKnown, s.scissorKnown, s.blendColorKnown, s.stencilRefKnown = false, false, false, false
	s.ResetNative()
}

// InvalidateSurface forgets the state tied to the presentation surface:
// viewport, scissor, depth and blend.
func (s *ExecutorState) InvalidateSurface() {
	s.viewportKnown, s.scissorKnown = false, false
	s.depthKnown, s.blendKnown = false, false
	s.bound.viewportValid, s.bound.scissorValid = false, false
	s.pipelineDirty = true
}

// ResetNative forgets the native shadow; the next draw rebinds everything.
func (s *ExecutorState) ResetNative() {
	s.bound = nativeState{}
	s.pipelineDirty = true
	s.descDirty = true
}

// setBlend records a blend command and reports whether it changed state.
func (s *ExecutorState) setBlend(c step.SetBlend) bool {
	if s.blendKnown && s.Render.Blend == c {
		return false
	}
	s.Render.Blend, s.blendKnown, s.pipelineDirty = c, true, true
	return true
}

func (s *ExecutorState) setDepth(c step.SetDepth) bool {
	if s.depthKnown && s.Render.Depth == c {
		return false
	}
	s.Render.Depth, s.depthKnown, s.pipelineDirty = c, true, true
	return true
}

func (s *ExecutorState) setStencil(c step.SetStencil) bool {
	if s.stencilKnown && s.Render.Stencil == c {
		return false
	}
	s.Render.Stencil, s.stencilKnown, s.pipelineDirty = c, true, true
	return true
}

func (s *ExecutorState) setRaster(c step.SetRaster) bool {
	if s.rasterKnown && s.Render.Raster == c {
		return false
	}
	s.Render.Raster, s.rasterKnown, s.pipelineDirty = c, true, true
	return true
}

func (s *ExecutorState) setLayout(l gputypes.VertexBufferLayout) bool {
	h := rescache.LayoutFingerprint(&l)
	if s.layoutKnown && s.layoutHash == h {
		return false
	}
	s.Layout, s.layoutHash, s.layoutKnown, s.pipelineDirty = l, h, true, true
	return true
}

func (s *ExecutorState) bindProgram(h resource.Handle) bool {
	if s.Program == h {
		return false
	}
	s.Program, s.pipelineDirty = h, true
	return true
}

func (s *ExecutorState) bindTexture(slot uint8, h resource.Handle) bool {
	if s.Textures[slot] == h {
		return false
	}
	s.Textures[slot], s.descDirty = h, true
	return true
}

func (s *ExecutorState) setSampler(slot uint8, k rescache.SamplerKey) bool {
	if s.Samplers[slot] == k {
		return false
	}
	s.Samplers[slot], s.descDirty = k, true
	return true
}

func (s *ExecutorState) setUniform(u uniformRange) {
	if u.buf != s.uniform.buf || u.size != s.uniform.size {
		s.descDirty = true
	}
	s.uniform = u
}

func toViewport(v step.Viewport) backend.Viewport {
	return backend.Viewport{X: v.X, Y: v.Y, Width: v.Width, Height: v.Height, MinDepth: v.MinDepth, MaxDepth: v.MaxDepth}
}

func toRegion(r step.Rect) backend.Region {
	return backend.Region{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
}

// dynamic emits the logical dynamic state the device does not have.
func (s *ExecutorState) dynamic(dev backend.Device) {
	if s.viewportKnown {
		if vp := toViewport(s.Viewport); !s.bound.viewportValid || s.bound.viewport != vp {
			dev.SetViewport(vp)
			s.bound.viewport, s.bound.viewportValid = vp, true
		}
	}
	if s.scissorKnown {
		if r := toRegion(s.Scissor); !s.bound.scissorValid || s.bound.scissor != r {
			dev.SetScissor(r)
			s.bound.scissor, s.bound.scissorValid = r, true
		}
	}
	if s.blendColorKnown && (!s.bound.blendValid || s.bound.blendColor != s.BlendColor) {
		dev.SetBlendConstant(s.BlendColor)
		s.bound.blendColor, s.bound.blendValid = s.BlendColor, true
	}
	if ref := uint32(s.StencilRef); s.stencilRefKnown && (!s.bound.stencilValid || s.bound.stencilRef != ref) {
		dev.SetStencilReference(ref)
		s.bound.stencilRef, s.bound.stencilValid = ref, true
	}
}
