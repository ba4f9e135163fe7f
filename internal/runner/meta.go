package runner

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/emugpu/backend"
	"github.com/gogpu/emugpu/resource"
	"github.com/gogpu/emugpu/step"
)

// TextureInfo is the registry metadata of a texture.
type TextureInfo struct {
	Desc   backend.TextureDesc
	Format step.DataFormat
}

// BufferInfo is the registry metadata of a buffer.
type BufferInfo struct {
	Size  uint64
	Usage gputypes.BufferUsage
}

// ShaderInfo is the registry metadata of a shader stage. A failed compile
// keeps the source and the compiler log for diagnosis.
type ShaderInfo struct {
	Label  string
	Stage  gputypes.ShaderStage
	Source string
	Failed bool
	Log    string
}

// ProgramInfo is the registry metadata of a linked program. Programs have
// no native object of their own; pipelines are built from their stages.
type ProgramInfo struct {
	Label    string
	Vertex   resource.Handle
	Fragment resource.Handle
	Failed   bool
	Log      string
}

// FramebufferInfo is the registry metadata of a render target.
type FramebufferInfo struct {
	Label       string
	Color       resource.Handle
	Depth       resource.Handle
	Width       uint32
	Height      uint32
	ColorFormat gputypes.TextureFormat
	DepthFormat gputypes.TextureFormat
}

// HasStencil reports whether the depth attachment has a stencil aspect.
func (f *FramebufferInfo) HasStencil() bool {
	switch f.DepthFormat {
	case gputypes.TextureFormatDepth24PlusStencil8, gputypes.TextureFormatDepth32FloatStencil8:
		return true
	}
	return false
}
