// Package step defines the immutable work items a producer hands to the
// executor once per frame.
//
// The model is a closed sum type: every step and every render command is a
// distinct struct implementing Step or Command, and the executor dispatches
// with a type switch. Steps reference resources only through
// resource.Handle values; no native object ever appears here.
//
// # Architecture
//
// A Frame carries an ordered list of steps:
//   - Creation steps (CreateTexture, CreateBuffer, CreateShader,
//     CreateProgram, CreateFramebuffer)
//   - Data steps (UploadTexture, UpdateBuffer)
//   - RenderPass, which owns an ordered list of Commands
//   - Transfer steps (Copy, Blit, Readback, ReadbackImage)
//   - Delete, which hands a resource to deferred deletion
//
// CPU-owned payloads travel in Blob values so the executor can release
// them even when a frame is skipped.
//
// # Example
//
//	rec := step.NewRecorder(registry)
//	tex := rec.CreateTexture(step.TextureDesc{Width: 64, Height: 64, Format: step.RGBA8888})
//	rec.BeginRenderPass(resource.Invalid, step.PassActions{Color: step.LoadClear})
//	rec.Cmd(step.BindTexture{Slot: 0, Texture: tex})
//	rec.Cmd(step.Draw{Count: 3})
//	rec.EndRenderPass()
//	frame := rec.Finish(false)
package step

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/emugpu/resource"
)

// StepKind identifies the type of a step.
type StepKind uint8

const (
	KindCreateTexture     StepKind = iota // Create a texture
	KindCreateBuffer                      // Create a buffer
	KindUpdateBuffer                      // Write CPU data into a buffer
	KindCreateShader                      // Compile one shader stage
	KindCreateProgram                     // Link shader stages into a program
	KindCreateFramebuffer                 // Create a render target
	KindUploadTexture                     // Upload pixels into a texture
	KindRenderPass                        // Run render commands against a target
	KindCopy                              // Texture-to-texture copy
	KindBlit                              // Framebuffer blit (scaled copy)
	KindReadback                          // Read framebuffer pixels back
	KindReadbackImage                     // Read texture pixels back
	KindDelete                            // Defer destruction of a resource
	KindSkip                              // No-op (demoted empty render pass)
)

var stepKindNames = [...]string{
	KindCreateTexture:     "CreateTexture",
	KindCreateBuffer:      "CreateBuffer",
	KindUpdateBuffer:      "UpdateBuffer",
	KindCreateShader:      "CreateShader",
	KindCreateProgram:     "CreateProgram",
	KindCreateFramebuffer: "CreateFramebuffer",
	KindUploadTexture:     "UploadTexture",
	KindRenderPass:        "RenderPass",
	KindCopy:              "Copy",
	KindBlit:              "Blit",
	KindReadback:          "Readback",
	KindReadbackImage:     "ReadbackImage",
	KindDelete:            "Delete",
	KindSkip:              "Skip",
}

// String returns the string representation of a StepKind.
func (k StepKind) String() string {
	if int(k) < len(stepKindNames) {
		return stepKindNames[k]
	}
	return "Unknown"
}

// IsCreate reports whether the kind is a resource creation step. Creation
// steps run before any other step of the same frame.
func (k StepKind) IsCreate() bool {
	switch k {
	case KindCreateTexture, KindCreateBuffer, KindCreateShader, KindCreateProgram, KindCreateFramebuffer:
		return true
	}
	return false
}

// Step is implemented by every step type. The unexported method closes the
// set to this package.
type Step interface {
	Kind() StepKind
	isStep()
}

// Frame is one frame's worth of steps. It crosses from the producer to the
// executor exactly once and is owned by the executor afterwards.
type Frame struct {
	Steps []Step

	// Skip selects dry-run mode: payloads are released, no native call is
	// made.
	Skip bool

	// SurfaceGeneration is the windowing layer's render-pass change counter.
	// A change invalidates viewport, scissor, depth and blend shadow state.
	SurfaceGeneration uint64
}

// TextureDesc describes a texture to create.
type TextureDesc struct {
	Label     string
	Width     uint32
	Height    uint32
	MipLevels uint32
	Format    DataFormat
	// Transient textures live in the short-lived pool (frequently changing
	// content).
	Transient bool
}

// CreateTexture creates the texture behind Handle.
type CreateTexture struct {
	Handle resource.Handle
	Desc   TextureDesc
}

// CreateBuffer creates a GPU buffer.
type CreateBuffer struct {
	Handle resource.Handle
	Label  string
	Size   uint64
	Usage  gputypes.BufferUsage
}

// UpdateBuffer writes Data at Offset.
type UpdateBuffer struct {
	Buffer resource.Handle
	Offset uint64
	Data   *Blob
}

// CreateShader compiles one shader stage. Failure is recorded on the
// resource, not propagated.
type CreateShader struct {
	Handle resource.Handle
	Label  string
	Stage  gputypes.ShaderStage
	Source string
}

// CreateProgram links shader stages. A program with no stages is a
// programming error.
type CreateProgram struct {
	Handle  resource.Handle
	Label   string
	Shaders []resource.Handle
}

// CreateFramebuffer creates a render target and its color texture.
// ColorTexture is reserved by the recorder so the producer can sample the
// target in later frames.
type CreateFramebuffer struct {
	Handle       resource.Handle
	ColorTexture resource.Handle
	Label        string
	Width        uint32
	Height       uint32
	ColorFormat  DataFormat
	Depth        bool
}

// UploadTexture copies Data into a region of one mip level.
type UploadTexture struct {
	Texture resource.Handle
	Level   uint32
	Region  Rect
	Format  DataFormat
	Data    *Blob
}

// LoadAction selects how a render pass treats existing target contents.
type LoadAction uint8

// Load actions.
const (
	LoadKeep LoadAction = iota
	LoadClear
	LoadDontCare
)

// PassActions are the load/store settings of a render pass.
type PassActions struct {
	Color        LoadAction
	Depth        LoadAction
	Stencil      LoadAction
	ClearColor   gputypes.Color
	ClearDepth   float32
	ClearStencil uint32
	// DiscardDepth lets the backend drop depth/stencil at pass end.
	DiscardDepth bool
}

// RenderPass runs Commands against Target. The zero Target is the
// backbuffer.
type RenderPass struct {
	Target   resource.Handle
	Actions  PassActions
	Commands []Command
}

// Copy copies a region between two textures of the same format.
type Copy struct {
	Src       resource.Handle
	Dst       resource.Handle
	SrcOrigin Point
	DstOrigin Point
	Size      Extent
}

// Blit copies a rectangle between framebuffers with scaling.
type Blit struct {
	Src     resource.Handle
	Dst     resource.Handle
	SrcRect Rect
	DstRect Rect
	Linear  bool
}

// Readback reads Rect of a framebuffer (zero Source = backbuffer) into Dst,
// converted to Format. Done, if set, receives the result.
type Readback struct {
	Source resource.Handle
	Rect   Rect
	Format DataFormat
	Dst    []byte
	// Stride is the destination row pitch in bytes; 0 means tightly packed.
	Stride int
	Done   func(error)
}

// ReadbackImage reads Rect of a texture mip level into Dst.
type ReadbackImage struct {
	Texture resource.Handle
	Level   uint32
	Rect    Rect
	Format  DataFormat
	Dst     []byte
	Stride  int
	Done    func(error)
}

// Delete hands a resource to deferred deletion.
type Delete struct {
	Handle resource.Handle
}

// Skip is a no-op. The executor substitutes it for empty render passes.
type Skip struct{}

// Kind implements Step.
func (CreateTexture) Kind() StepKind { return KindCreateTexture }

// Kind implements Step.
func (CreateBuffer) Kind() StepKind { return KindCreateBuffer }

// Kind implements Step.
func (UpdateBuffer) Kind() StepKind { return KindUpdateBuffer }

// Kind implements Step.
func (CreateShader) Kind() StepKind { return KindCreateShader }

// Kind implements Step.
func (CreateProgram) Kind() StepKind { return KindCreateProgram }

// Kind implements Step.
func (CreateFramebuffer) Kind() StepKind { return KindCreateFramebuffer }

// Kind implements Step.
func (UploadTexture) Kind() StepKind { return KindUploadTexture }

// Kind implements Step.
func (RenderPass) Kind() StepKind { return KindRenderPass }

// Kind implements Step.
func (Copy) Kind() StepKind { return KindCopy }

// Kind implements Step.
func (Blit) Kind() StepKind { return KindBlit }

// Kind implements Step.
func (Readback) Kind() StepKind { return KindReadback }

// Kind implements Step.
func (ReadbackImage) Kind() StepKind { return KindReadbackImage }

// Kind implements Step.
func (Delete) Kind() StepKind { return KindDelete }

// Kind implements Step.
func (Skip) Kind() StepKind { return KindSkip }

func (CreateTexture) isStep()     {}
func (CreateBuffer) isStep()      {}
func (UpdateBuffer) isStep()      {}
func (CreateShader) isStep()      {}
func (CreateProgram) isStep()     {}
func (CreateFramebuffer) isStep() {}
func (UploadTexture) isStep()     {}
func (RenderPass) isStep()        {}
func (Copy) isStep()              {}
func (Blit) isStep()              {}
func (Readback) isStep()          {}
func (ReadbackImage) isStep()     {}
func (Delete) isStep()            {}
func (Skip) isStep()              {}
