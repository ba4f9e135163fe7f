package rescache

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/emugpu/backend"
	"github.com/gogpu/emugpu/backend/trace"
	"github.com/gogpu/emugpu/internal/frame"
	"github.com/gogpu/emugpu/resource"
	"github.com/gogpu/emugpu/step"
)

func newRing(t *testing.T, dev backend.Device, n int) *frame.Ring {
	t.Helper()
	r, err := frame.NewRing(dev, n, 0)
	require.NoError(t, err)
	return r
}

func shaders(t *testing.T, dev *trace.Device) (backend.ID, backend.ID) {
	t.Helper()
	vs, err := dev.CreateShader(&backend.ShaderDesc{Stage: gputypes.ShaderStageVertex, Source: "vs"})
	require.NoError(t, err)
	fs, err := dev.CreateShader(&backend.ShaderDesc{Stage: gputypes.ShaderStageFragment, Source: "fs"})
	require.NoError(t, err)
	return vs, fs
}

func TestRenderStatePackIgnoresDisabledParameters(t *testing.T) {
	a := DefaultRenderState()
	b := DefaultRenderState()
	b.Blend.Color.SrcFactor = gputypes.BlendFactorSrcAlpha
	b.Depth.Compare = gputypes.CompareFunctionLess
	b.Stencil.Fail = gputypes.StencilOperationZero
	assert.Equal(t, a.Pack(), b.Pack(), "disabled blend/depth/stencil parameters must not split pipelines")

	b.Blend.Enabled = true
	assert.NotEqual(t, a.Pack(), b.Pack())

	c := DefaultRenderState()
	c.Depth.Write = true
	assert.Equal(t, a.Pack(), c.Pack(), "depth write without depth test is a no-op")
	c.Depth.Test = true
	assert.NotEqual(t, a.Pack(), c.Pack())
}

func TestRenderStatePackDistinguishesFields(t *testing.T) {
	base := DefaultRenderState()
	base.Blend.Enabled = true
	base.Depth.Test = true
	base.Stencil.Enabled = true
	seen := map[uint64]string{base.Pack(): "base"}

	mutations := map[string]func(*RenderState){
		"color dst":  func(s *RenderState) { s.Blend.Color.DstFactor = gputypes.BlendFactorOneMinusConstant },
		"alpha op":   func(s *RenderState) { s.Blend.Alpha.Operation = gputypes.BlendOperationMax },
		"write mask": func(s *RenderState) { s.Blend.WriteMask = gputypes.ColorWriteMaskRed },
		"compare":    func(s *RenderState) { s.Depth.Compare = gputypes.CompareFunctionGreater },
		"depth pass": func(s *RenderState) { s.Stencil.Pass = gputypes.StencilOperationDecrementWrap },
		"cull":       func(s *RenderState) { s.Raster.Cull = gputypes.CullModeBack },
		"front face": func(s *RenderState) { s.Raster.FrontFace = gputypes.FrontFaceCW },
		"topology":   func(s *RenderState) { s.Raster.Topology = gputypes.PrimitiveTopologyTriangleStrip },
	}
	for name, mutate := range mutations {
		s := base
		mutate(&s)
		p := s.Pack()
		if prev, dup := seen[p]; dup {
			t.Errorf("%s packs like %s: %#x", name, prev, p)
		}
		seen[p] = name
	}
}

func TestLayoutFingerprint(t *testing.T) {
	l := gputypes.VertexBufferLayout{
		ArrayStride: 20,
		StepMode:    gputypes.VertexStepModeVertex,
		Attributes: []gputypes.VertexAttribute{
			{Format: gputypes.VertexFormatFloat32x3, Offset: 0, ShaderLocation: 0},
			{Format: gputypes.VertexFormatFloat32x2, Offset: 12, ShaderLocation: 1},
		},
	}
	m := l
	m.Attributes = append([]gputypes.VertexAttribute(nil), l.Attributes...)
	assert.Equal(t, LayoutFingerprint(&l), LayoutFingerprint(&m))
	m.Attributes[1].Offset = 16
	assert.NotEqual(t, LayoutFingerprint(&l), LayoutFingerprint(&m))
}

func TestPipelineCacheCreatesOnce(t *testing.T) {
	dev := trace.New()
	ring := newRing(t, dev, 2)
	vs, fs := shaders(t, dev)
	pc := NewPipelineCache(dev, ring, 0)

	st := DefaultRenderState()
	key := NewPipelineKey(resource.Handle(1<<56|1<<32|1), gputypes.TextureFormatBGRA8Unorm, 0, 1, &st, 0)
	builds := 0
	build := func() (*backend.PipelineDesc, error) {
		builds++
		d := &backend.PipelineDesc{Vertex: vs, Fragment: fs, ColorFormat: key.ColorFormat}
		st.Apply(d)
		return d, nil
	}

	id1, err := pc.Get(key, build)
	require.NoError(t, err)
	id2, err := pc.Get(key, build)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, builds)
	assert.Equal(t, 1, dev.Count(trace.OpCreatePipeline))

	s := pc.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
}

func TestPipelineCacheCachesFailure(t *testing.T) {
	dev := trace.New()
	pc := NewPipelineCache(dev, newRing(t, dev, 1), 0)
	vs, fs := shaders(t, dev)
	dev.Inject(trace.OpCreatePipeline, backend.ErrOutOfMemory)

	key := PipelineKey{Program: resource.Handle(1<<56 | 1<<32 | 2)}
	build := func() (*backend.PipelineDesc, error) {
		return &backend.PipelineDesc{Vertex: vs, Fragment: fs}, nil
	}
	_, err := pc.Get(key, build)
	require.ErrorIs(t, err, ErrPipelineFailed)
	require.ErrorIs(t, err, backend.ErrOutOfMemory)

	_, err = pc.Get(key, build)
	require.ErrorIs(t, err, ErrPipelineFailed)
	assert.Equal(t, 1, dev.Count(trace.OpCreatePipeline), "failure must be cached")
	assert.Equal(t, uint64(1), pc.Stats().Failures)
}

func TestPipelineCacheEvictionIsDeferred(t *testing.T) {
	dev := trace.New()
	ring := newRing(t, dev, 2)
	vs, fs := shaders(t, dev)
	pc := NewPipelineCache(dev, ring, 4)
	build := func() (*backend.PipelineDesc, error) {
		return &backend.PipelineDesc{Vertex: vs, Fragment: fs}, nil
	}

	_, err := ring.Begin()
	require.NoError(t, err)
	for i := range 5 {
		_, err := pc.Get(PipelineKey{State: uint64(i)}, build)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, pc.Len())
	assert.Zero(t, dev.Count(trace.OpDestroyPipeline), "evicted pipelines must not be destroyed in the frame that used them")
	assert.Equal(t, 2, ring.Current().Pending())

	require.NoError(t, ring.End())
	_, _ = ring.Begin()
	require.NoError(t, ring.End())
	_, _ = ring.Begin()
	assert.Equal(t, 2, dev.Count(trace.OpDestroyPipeline))
	assert.Empty(t, dev.Violations())
}

func TestPipelineCachePurgeProgramAndReset(t *testing.T) {
	dev := trace.New()
	ring := newRing(t, dev, 1)
	vs, fs := shaders(t, dev)
	pc := NewPipelineCache(dev, ring, 0)
	build := func() (*backend.PipelineDesc, error) {
		return &backend.PipelineDesc{Vertex: vs, Fragment: fs}, nil
	}
	p1 := resource.Handle(1<<56 | 1<<32 | 1)
	p2 := resource.Handle(1<<56 | 1<<32 | 2)
	for i := range 3 {
		_, _ = pc.Get(PipelineKey{Program: p1, State: uint64(i)}, build)
	}
	_, _ = pc.Get(PipelineKey{Program: p2}, build)

	assert.Equal(t, 3, pc.PurgeProgram(p1))
	assert.Equal(t, 1, pc.Len())
	assert.Equal(t, 3, ring.Stats().Pending)

	pc.Reset()
	assert.Zero(t, pc.Len())
	assert.Equal(t, 3, ring.Stats().Pending, "Reset must not queue native deletions")
}

// Scenario D: exhausting the descriptor pool grows it once instead of
// aborting the frame.
func TestDescriptorPoolGrowsOnExhaustion(t *testing.T) {
	dev := trace.New()
	ring := newRing(t, dev, 2)
	const poolSize = 8
	dc := NewDescriptorCache(dev, ring, poolSize, 1)

	ctx, err := ring.Begin()
	require.NoError(t, err)
	dc.BeginSlot(ctx.Index)
	for i := range poolSize + 1 {
		_, err := dc.Get(DescriptorKey{UniformSize: uint64(i + 1)})
		require.NoError(t, err, "set %d", i)
	}

	s := dc.Stats()
	assert.Equal(t, uint64(1), s.Recreations)
	assert.Equal(t, uint32(2*poolSize), s.Capacity)
	assert.Zero(t, s.Repairs)
	assert.Equal(t, 2, dev.Count(trace.OpCreateDescriptorPool))
	assert.Zero(t, dev.Count(trace.OpDestroyDescriptorPool), "old pool is still in use this frame")
	assert.Empty(t, dev.Violations())
}

func TestDescriptorCacheHitsAndWipes(t *testing.T) {
	dev := trace.New()
	ring := newRing(t, dev, 1)
	dc := NewDescriptorCache(dev, ring, 4, 1)

	ctx, _ := ring.Begin()
	dc.BeginSlot(ctx.Index)
	key := DescriptorKey{UniformSize: 64}
	a, err := dc.Get(key)
	require.NoError(t, err)
	b, err := dc.Get(key)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, dev.Count(trace.OpAllocateDescriptorSet))
	require.NoError(t, ring.End())

	ctx, _ = ring.Begin()
	dc.BeginSlot(ctx.Index)
	assert.Equal(t, 1, dev.Count(trace.OpResetDescriptorPool))
	_, err = dc.Get(key)
	require.NoError(t, err)
	assert.Equal(t, 2, dev.Count(trace.OpAllocateDescriptorSet), "wiped cache must reallocate")
	assert.Equal(t, uint64(1), dc.Stats().Wipes)
}

func TestDescriptorCacheWipeInterval(t *testing.T) {
	dev := trace.New()
	ring := newRing(t, dev, 1)
	dc := NewDescriptorCache(dev, ring, 4, 3)
	for range 6 {
		ctx, _ := ring.Begin()
		dc.BeginSlot(ctx.Index)
		_, err := dc.Get(DescriptorKey{UniformSize: 16})
		require.NoError(t, err)
		require.NoError(t, ring.End())
	}
	assert.Equal(t, 2, dev.Count(trace.OpResetDescriptorPool))
	assert.Equal(t, 3, dev.Count(trace.OpAllocateDescriptorSet))
}

func TestDescriptorCacheRepairsFragmentedPool(t *testing.T) {
	dev := trace.New()
	ring := newRing(t, dev, 1)
	dc := NewDescriptorCache(dev, ring, 4, 1)
	ctx, _ := ring.Begin()
	dc.BeginSlot(ctx.Index)

	dev.Inject(trace.OpAllocateDescriptorSet, backend.ErrFragmentedPool)
	_, err := dc.Get(DescriptorKey{UniformSize: 1})
	require.NoError(t, err)
	s := dc.Stats()
	assert.Equal(t, uint64(1), s.Repairs)
	assert.Equal(t, uint32(4), s.Capacity, "repair keeps the pool size")

	dev.Inject(trace.OpAllocateDescriptorSet, backend.ErrFragmentedPool, backend.ErrFragmentedPool)
	_, err = dc.Get(DescriptorKey{UniformSize: 2})
	require.ErrorIs(t, err, ErrDescriptorPoolFatal)
}

func TestDescriptorCacheOutsideFrame(t *testing.T) {
	dev := trace.New()
	dc := NewDescriptorCache(dev, newRing(t, dev, 1), 4, 1)
	_, err := dc.Get(DescriptorKey{})
	require.Error(t, err)
}

func TestDescriptorCacheDestroyAndReset(t *testing.T) {
	dev := trace.New()
	ring := newRing(t, dev, 2)
	dc := NewDescriptorCache(dev, ring, 4, 1)
	for range 2 {
		ctx, _ := ring.Begin()
		dc.BeginSlot(ctx.Index)
		_, _ = dc.Get(DescriptorKey{UniformSize: 1})
		_ = ring.End()
	}
	dc.Destroy()
	ring.Drain()
	assert.Equal(t, 2, dev.Count(trace.OpDestroyDescriptorPool))
	assert.Zero(t, dev.LiveObjects())

	dc.Reset()
	assert.Zero(t, dc.Stats().Capacity)
}

func TestSamplerKeyPacking(t *testing.T) {
	k := NewSamplerKey(step.SamplerParams{
		MipEnable: true, MinLinear: true, MagLinear: true, MipLinear: true,
		ClampS: true, MinLod: 1, MaxLod: 7.5, LodBias: -0.5,
	})
	assert.Equal(t, int16(256), k.MinLevel)
	assert.Equal(t, int16(7*256+128), k.MaxLevel)
	assert.Equal(t, int16(-128), k.LodBias)

	d := k.Desc(16)
	assert.Equal(t, gputypes.AddressModeClampToEdge, d.AddressU)
	assert.Equal(t, gputypes.AddressModeRepeat, d.AddressV)
	assert.Equal(t, gputypes.FilterModeLinear, d.MipFilter)
	assert.InDelta(t, 7.5, d.LodMax, 1e-6)
	assert.InDelta(t, -0.5, d.LodBias, 1e-6)
	assert.Zero(t, d.Anisotropy)

	noMip := NewSamplerKey(step.SamplerParams{MipLinear: true, MaxLod: 4})
	assert.Equal(t, SamplerKey{}, noMip, "mip parameters are ignored without mipmapping")
	assert.NotEqual(t, k.Packed(), noMip.Packed())
}

func TestSamplerCacheReusesAndFallsBack(t *testing.T) {
	dev := trace.New()
	sc := NewSamplerCache(dev, newRing(t, dev, 1))

	k := NewSamplerKey(step.SamplerParams{MagLinear: true})
	a, err := sc.Get(k)
	require.NoError(t, err)
	b, _ := sc.Get(k)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, dev.Count(trace.OpCreateSampler))

	dev.Inject(trace.OpCreateSampler, errors.New("refused"))
	fb, err := sc.Get(NewSamplerKey(step.SamplerParams{MinLinear: true}))
	require.NoError(t, err)
	pc, _ := sc.Get(PointClamp)
	assert.Equal(t, pc, fb)
	assert.Equal(t, uint64(1), sc.Stats().Fallbacks)

	dev.Inject(trace.OpCreateSampler, errors.New("refused"), errors.New("refused"))
	sc.Reset()
	_, err = sc.Get(k)
	require.Error(t, err)
}

func TestSamplerCacheDropsUnsupportedAniso(t *testing.T) {
	caps := trace.DefaultCaps()
	caps.Anisotropy = false
	dev := trace.New(trace.WithCaps(caps))
	sc := NewSamplerCache(dev, newRing(t, dev, 1))

	plain := NewSamplerKey(step.SamplerParams{MinLinear: true})
	aniso := plain
	aniso.Bits |= SamplerAniso
	a, _ := sc.Get(aniso)
	b, _ := sc.Get(plain)
	assert.Equal(t, a, b)
	require.Equal(t, 1, dev.Count(trace.OpCreateSampler))
	desc := dev.Calls()[0].Arg.(backend.SamplerDesc)
	assert.Zero(t, desc.Anisotropy)
}

func TestSamplerCacheDestroyOnlyOwned(t *testing.T) {
	dev := trace.New()
	ring := newRing(t, dev, 1)
	sc := NewSamplerCache(dev, ring)
	_, _ = sc.Get(PointClamp)
	dev.Inject(trace.OpCreateSampler, errors.New("refused"))
	_, _ = sc.Get(NewSamplerKey(step.SamplerParams{MagLinear: true}))

	sc.Destroy()
	ring.Drain()
	assert.Equal(t, 1, dev.Count(trace.OpDestroySampler))
	assert.Empty(t, dev.Violations())
}
