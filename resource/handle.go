// Package resource implements the handle registry shared by the step
// producer and the executor.
//
// A Handle is an opaque, generation-checked index into a per-kind slot map.
// Producers reserve handles while recording steps; only the executor binds
// native objects to them and frees them. Because a slot is only returned to
// the free list when its deferred deletion actually runs, and every reuse
// bumps the generation, a stale handle is detected at lookup time instead of
// silently aliasing a newer object.
package resource

import "fmt"

// Kind identifies the class of native object a handle refers to.
type Kind uint8

// Resource kinds.
const (
	KindInvalid Kind = iota
	KindTexture
	KindBuffer
	KindShader
	KindProgram
	KindFramebuffer
	KindSampler
	KindPipeline

	kindCount
)

var kindNames = [...]string{
	KindInvalid:     "Invalid",
	KindTexture:     "Texture",
	KindBuffer:      "Buffer",
	KindShader:      "Shader",
	KindProgram:     "Program",
	KindFramebuffer: "Framebuffer",
	KindSampler:     "Sampler",
	KindPipeline:    "Pipeline",
}

// String returns the kind name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Handle layout: kind in the top 8 bits, generation in the next 24 and
// slot index in the low 32.
const (
	indexBits = 32
	genBits   = 24
	genMask   = 1<<genBits - 1
	kindShift = indexBits + genBits
)

// Handle is an opaque reference to a registry entry. The zero Handle is
// invalid.
type Handle uint64

// Invalid is the zero handle.
const Invalid Handle = 0

func makeHandle(kind Kind, gen, index uint32) Handle {
	return Handle(uint64(kind)<<kindShift | uint64(gen&genMask)<<indexBits | uint64(index))
}

// Kind returns the resource kind encoded in the handle.
func (h Handle) Kind() Kind { return Kind(h >> kindShift) }

// Index returns the slot index.
func (h Handle) Index() uint32 { return uint32(h) } //nolint:gosec // G115: low 32 bits by construction

// Generation returns the slot generation the handle was issued for.
func (h Handle) Generation() uint32 { return uint32(h>>indexBits) & genMask } //nolint:gosec // G115: masked

// IsValid reports whether h could refer to an entry. It does not check
// liveness; use Registry.Lookup for that.
func (h Handle) IsValid() bool {
	return h != Invalid && h.Kind() != KindInvalid && h.Kind() < kindCount && h.Generation() != 0
}

// String formats the handle for logs.
func (h Handle) String() string {
	if h == Invalid {
		return "Handle(invalid)"
	}
	return fmt.Sprintf("%s#%d.%d", h.Kind(), h.Index(), h.Generation())
}
