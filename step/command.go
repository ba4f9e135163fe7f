package step

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/emugpu/resource"
)

// CommandKind identifies the type of a render command.
type CommandKind uint8

const (
	// State commands
	CmdBindProgram     CommandKind = iota // Bind a linked program
	CmdSetVertexFormat                    // Set the vertex buffer layout
	CmdSetBlend                           // Blend enable, factors, equation, color mask
	CmdSetDepth                           // Depth test, write, compare
	CmdSetStencil                         // Stencil function and ops
	CmdSetStencilRef                      // Stencil reference (dynamic)
	CmdSetRaster                          // Cull mode, winding, topology
	CmdSetViewport                        // Viewport (dynamic)
	CmdSetScissor                         // Scissor (dynamic)
	CmdSetBlendColor                      // Blend constant (dynamic)

	// Binding commands
	CmdBindTexture      // Bind a texture to a slot
	CmdSetSampler       // Set sampler parameters for a slot
	CmdPushVertices     // Stream vertex data through the push buffer
	CmdPushIndices      // Stream index data through the push buffer
	CmdPushUniforms     // Stream uniform data through the push buffer
	CmdBindVertexBuffer // Bind a persistent vertex buffer
	CmdBindIndexBuffer  // Bind a persistent index buffer

	// Work commands
	CmdClear       // Clear attachments
	CmdDraw        // Non-indexed draw
	CmdDrawIndexed // Indexed draw
)

var commandKindNames = [...]string{
	CmdBindProgram:      "BindProgram",
	CmdSetVertexFormat:  "SetVertexFormat",
	CmdSetBlend:         "SetBlend",
	CmdSetDepth:         "SetDepth",
	CmdSetStencil:       "SetStencil",
	CmdSetStencilRef:    "SetStencilRef",
	CmdSetRaster:        "SetRaster",
	CmdSetViewport:      "SetViewport",
	CmdSetScissor:       "SetScissor",
	CmdSetBlendColor:    "SetBlendColor",
	CmdBindTexture:      "BindTexture",
	CmdSetSampler:       "SetSampler",
	CmdPushVertices:     "PushVertices",
	CmdPushIndices:      "PushIndices",
	CmdPushUniforms:     "PushUniforms",
	CmdBindVertexBuffer: "BindVertexBuffer",
	CmdBindIndexBuffer:  "BindIndexBuffer",
	CmdClear:            "Clear",
	CmdDraw:             "Draw",
	CmdDrawIndexed:      "DrawIndexed",
}

// String returns the string representation of a CommandKind.
func (c CommandKind) String() string {
	if int(c) < len(commandKindNames) {
		return commandKindNames[c]
	}
	return "Unknown"
}

// Command is implemented by every render command.
type Command interface {
	Kind() CommandKind
	isCommand()
}

// MaxTextureSlots is the number of texture/sampler slots a draw can use.
const MaxTextureSlots = 4

// BindProgram selects the program for subsequent draws.
type BindProgram struct {
	Program resource.Handle
}

// SetVertexFormat sets the layout of the vertex stream.
type SetVertexFormat struct {
	Layout gputypes.VertexBufferLayout
}

// SetBlend sets blending and the color write mask.
type SetBlend struct {
	Enabled   bool
	Color     gputypes.BlendComponent
	Alpha     gputypes.BlendComponent
	WriteMask gputypes.ColorWriteMask
}

// SetDepth sets depth testing.
type SetDepth struct {
	Test    bool
	Write   bool
	Compare gputypes.CompareFunction
}

// SetStencil sets the stencil function and operations for both faces.
type SetStencil struct {
	Enabled   bool
	Compare   gputypes.CompareFunction
	Fail      gputypes.StencilOperation
	DepthFail gputypes.StencilOperation
	Pass      gputypes.StencilOperation
	ReadMask  uint8
	WriteMask uint8
}

// SetStencilRef sets the stencil reference value.
type SetStencilRef struct {
	Ref uint8
}

// SetRaster sets rasterizer state.
type SetRaster struct {
	Cull      gputypes.CullMode
	FrontFace gputypes.FrontFace
	Topology  gputypes.PrimitiveTopology
}

// SetViewport sets the viewport.
type SetViewport struct {
	Viewport Viewport
}

// SetScissor sets the scissor rectangle.
type SetScissor struct {
	Rect Rect
}

// SetBlendColor sets the blend constant.
type SetBlendColor struct {
	Color gputypes.Color
}

// BindTexture binds a texture to a sampling slot. The zero Texture unbinds.
type BindTexture struct {
	Slot    uint8
	Texture resource.Handle
}

// SamplerParams are the sampling settings of one slot.
type SamplerParams struct {
	MinLinear bool
	MagLinear bool
	MipLinear bool
	MipEnable bool
	ClampS    bool
	ClampT    bool
	Aniso     bool
	MinLod    float32
	MaxLod    float32
	LodBias   float32
}

// SetSampler sets the sampler parameters of a slot.
type SetSampler struct {
	Slot   uint8
	Params SamplerParams
}

// PushVertices streams vertex data for the next draws.
type PushVertices struct {
	Data *Blob
}

// PushIndices streams index data for the next indexed draws.
type PushIndices struct {
	Data   *Blob
	Format gputypes.IndexFormat
}

// PushUniforms streams uniform data for the next draws.
type PushUniforms struct {
	Data *Blob
}

// BindVertexBuffer binds a persistent vertex buffer.
type BindVertexBuffer struct {
	Buffer resource.Handle
	Offset uint64
}

// BindIndexBuffer binds a persistent index buffer.
type BindIndexBuffer struct {
	Buffer resource.Handle
	Offset uint64
	Format gputypes.IndexFormat
}

// Clear clears the selected attachments. Nil fields are left untouched.
type Clear struct {
	Color   *gputypes.Color
	Depth   *float32
	Stencil *uint32
}

// Draw issues a non-indexed draw.
type Draw struct {
	Count     uint32
	First     uint32
	Instances uint32
}

// DrawIndexed issues an indexed draw.
type DrawIndexed struct {
	Count      uint32
	First      uint32
	BaseVertex int32
	Instances  uint32
}

// Kind implements Command.
func (BindProgram) Kind() CommandKind { return CmdBindProgram }

// Kind implements Command.
func (SetVertexFormat) Kind() CommandKind { return CmdSetVertexFormat }

// Kind implements Command.
func (SetBlend) Kind() CommandKind { return CmdSetBlend }

// Kind implements Command.
func (SetDepth) Kind() CommandKind { return CmdSetDepth }

// Kind implements Command.
func (SetStencil) Kind() CommandKind { return CmdSetStencil }

// Kind implements Command.
func (SetStencilRef) Kind() CommandKind { return CmdSetStencilRef }

// Kind implements Command.
func (SetRaster) Kind() CommandKind { return CmdSetRaster }

// Kind implements Command.
func (SetViewport) Kind() CommandKind { return CmdSetViewport }

// Kind implements Command.
func (SetScissor) Kind() CommandKind { return CmdSetScissor }

// Kind implements Command.
func (SetBlendColor) Kind() CommandKind { return CmdSetBlendColor }

// Kind implements Command.
func (BindTexture) Kind() CommandKind { return CmdBindTexture }

// Kind implements Command.
func (SetSampler) Kind() CommandKind { return CmdSetSampler }

// Kind implements Command.
func (PushVertices) Kind() CommandKind { return CmdPushVertices }

// Kind implements Command.
func (PushIndices) Kind() CommandKind { return CmdPushIndices }

// Kind implements Command.
func (PushUniforms) Kind() CommandKind { return CmdPushUniforms }

// Kind implements Command.
func (BindVertexBuffer) Kind() CommandKind { return CmdBindVertexBuffer }

// Kind implements Command.
func (BindIndexBuffer) Kind() CommandKind { return CmdBindIndexBuffer }

// Kind implements Command.
func (Clear) Kind() CommandKind { return CmdClear }

// Kind implements Command.
func (Draw) Kind() CommandKind { return CmdDraw }

// Kind implements Command.
func (DrawIndexed) Kind() CommandKind { return CmdDrawIndexed }

func (BindProgram) isCommand()      {}
func (SetVertexFormat) isCommand()  {}
func (SetBlend) isCommand()         {}
func (SetDepth) isCommand()         {}
func (SetStencil) isCommand()       {}
func (SetStencilRef) isCommand()    {}
func (SetRaster) isCommand()        {}
func (SetViewport) isCommand()      {}
func (SetScissor) isCommand()       {}
func (SetBlendColor) isCommand()    {}
func (BindTexture) isCommand()      {}
func (SetSampler) isCommand()       {}
func (PushVertices) isCommand()     {}
func (PushIndices) isCommand()      {}
func (PushUniforms) isCommand()     {}
func (BindVertexBuffer) isCommand() {}
func (BindIndexBuffer) isCommand()  {}
func (Clear) isCommand()            {}
func (Draw) isCommand()             {}
func (DrawIndexed) isCommand()      {}
