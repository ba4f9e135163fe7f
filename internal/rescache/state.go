package rescache

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/emugpu/backend"
	"github.com/gogpu/emugpu/resource"
	"github.com/gogpu/emugpu/step"
)

// RenderState is the logical state baked into a pipeline.
type RenderState struct {
	Blend   step.SetBlend
	Depth   step.SetDepth
	Stencil step.SetStencil
	Raster  step.SetRaster
}

// DefaultRenderState returns the state a fresh pipeline starts from:
// blending and depth off, all channels written, triangle lists.
func DefaultRenderState() RenderState {
	replace := gputypes.BlendStateReplace()
	return RenderState{
		Blend: step.SetBlend{
			Color:     replace.Color,
			Alpha:     replace.Alpha,
			WriteMask: gputypes.ColorWriteMaskAll,
		},
		Depth:   step.SetDepth{Compare: gputypes.CompareFunctionAlways},
		Stencil: step.SetStencil{Compare: gputypes.CompareFunctionAlways, ReadMask: 0xFF, WriteMask: 0xFF},
		Raster:  step.SetRaster{Topology: gputypes.PrimitiveTopologyTriangleList},
	}
}

// Bit layout of the packed state, low to high.
//
//	 0      blend enable
//	 1..4   color src   5..8 color dst   9..11 color op
//	12..15  alpha src  16..19 alpha dst  20..22 alpha op
//	23..26  write mask
//	27      depth test  28 depth write   29..32 depth compare
//	33      stencil     34..37 compare   38..41 fail  42..45 depth fail  46..49 pass
//	50..51  cull        52 front face    53..55 topology
type packer struct {
	v     uint64
	shift uint
}

func (p *packer) put(v uint64, bits uint) {
	p.v |= (v & (1<<bits - 1)) << p.shift
	p.shift += bits
}

func (p *packer) flag(b bool) {
	if b {
		p.put(1, 1)
		return
	}
	p.shift++
}

// Pack returns the render state as a bitfield. Disabled blend, depth and
// stencil pack their parameters as zero so that equivalent states share a
// pipeline.
func (s *RenderState) Pack() uint64 {
	var p packer
	b := s.Blend
	p.flag(b.Enabled)
	if b.Enabled {
		p.put(uint64(b.Color.SrcFactor), 4)
		p.put(uint64(b.Color.DstFactor), 4)
		p.put(uint64(b.Color.Operation), 3)
		p.put(uint64(b.Alpha.SrcFactor), 4)
		p.put(uint64(b.Alpha.DstFactor), 4)
		p.put(uint64(b.Alpha.Operation), 3)
	} else {
		p.shift += 22
	}
	p.put(uint64(b.WriteMask), 4)

	d := s.Depth
	p.flag(d.Test)
	p.flag(d.Test && d.Write)
	if d.Test {
		p.put(uint64(d.Compare), 4)
	} else {
		p.shift += 4
	}

	st := s.Stencil
	p.flag(st.Enabled)
	if st.Enabled {
		p.put(uint64(st.Compare), 4)
		p.put(uint64(st.Fail), 4)
		p.put(uint64(st.DepthFail), 4)
		p.put(uint64(st.Pass), 4)
	} else {
		p.shift += 16
	}

	p.put(uint64(s.Raster.Cull), 2)
	p.put(uint64(s.Raster.FrontFace), 1)
	p.put(uint64(s.Raster.Topology), 3)
	return p.v
}

// stencilMasks returns the read and write masks packed into 16 bits.
func (s *RenderState) stencilMasks() uint16 {
	if !s.Stencil.Enabled {
		return 0
	}
	return uint16(s.Stencil.ReadMask)<<8 | uint16(s.Stencil.WriteMask)
}

// Apply fills the state fields of a pipeline descriptor.
func (s *RenderState) Apply(desc *backend.PipelineDesc) {
	if s.Blend.Enabled {
		desc.Blend = &gputypes.BlendState{Color: s.Blend.Color, Alpha: s.Blend.Alpha}
	} else {
		desc.Blend = nil
	}
	desc.WriteMask = s.Blend.WriteMask

	desc.DepthTest = s.Depth.Test
	desc.DepthWrite = s.Depth.Test && s.Depth.Write
	desc.DepthCompare = s.Depth.Compare

	st := s.Stencil
	desc.Stencil = backend.StencilState{
		Enabled:   st.Enabled,
		Compare:   st.Compare,
		Fail:      st.Fail,
		DepthFail: st.DepthFail,
		Pass:      st.Pass,
		ReadMask:  uint32(st.ReadMask),
		WriteMask: uint32(st.WriteMask),
	}

	desc.Primitive = gputypes.PrimitiveState{
		Topology:  s.Raster.Topology,
		FrontFace: s.Raster.FrontFace,
		CullMode:  s.Raster.Cull,
	}
}

// PipelineKey identifies a pipeline.
type PipelineKey struct {
	Program      resource.Handle
	ColorFormat  gputypes.TextureFormat
	DepthFormat  gputypes.TextureFormat
	Samples      uint32
	State        uint64
	StencilMasks uint16
	Layout       uint64
}

// NewPipelineKey builds the key of a pipeline for a program drawing into a
// pass with the given formats.
func NewPipelineKey(program resource.Handle, color, depth gputypes.TextureFormat, samples uint32, s *RenderState, layout uint64) PipelineKey {
	return PipelineKey{
		Program:      program,
		ColorFormat:  color,
		DepthFormat:  depth,
		Samples:      max(samples, 1),
		State:        s.Pack(),
		StencilMasks: s.stencilMasks(),
		Layout:       layout,
	}
}

// LayoutFingerprint hashes a vertex layout with FNV-1a.
func LayoutFingerprint(l *gputypes.VertexBufferLayout) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = h.Write(buf[:])
	}
	put(l.ArrayStride)
	put(uint64(l.StepMode))
	for _, a := range l.Attributes {
		put(uint64(a.Format))
		put(a.Offset)
		put(uint64(a.ShaderLocation))
	}
	return h.Sum64()
}
