package wgpu

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/emugpu/backend"
)

const testVertexWGSL = `
@vertex
fn main(@location(0) pos: vec2<f32>) -> @builtin(position) vec4<f32> {
    return vec4<f32>(pos, 0.0, 1.0);
}
`

const testFragmentWGSL = `
@fragment
fn main() -> @location(0) vec4<f32> {
    return vec4<f32>(1.0, 0.0, 0.0, 1.0);
}
`

func openTest(t *testing.T, opts ...Option) *Device {
	t.Helper()
	d, err := OpenNoop(opts...)
	if err != nil {
		t.Fatalf("OpenNoop() error = %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestOpenNoopCaps(t *testing.T) {
	d := openTest(t, WithBackbufferSize(320, 240))
	caps := d.Caps()
	if caps.BackbufferWidth != 320 || caps.BackbufferHeight != 240 {
		t.Errorf("backbuffer = %dx%d, want 320x240", caps.BackbufferWidth, caps.BackbufferHeight)
	}
	if caps.Blit {
		t.Error("Caps.Blit = true, want false")
	}
	if !caps.CopyImage || !caps.PassScopedState {
		t.Errorf("Caps = %+v, want CopyImage and PassScopedState", caps)
	}
	if !d.SupportsFormat(gputypes.TextureFormatDepth24PlusStencil8, gputypes.TextureUsageRenderAttachment) {
		t.Error("noop adapter should support depth24plus-stencil8")
	}
}

func TestRegisteredAsNoop(t *testing.T) {
	dev, err := backend.Open(backend.BackendNoop)
	if err != nil {
		t.Fatalf("Open(noop) error = %v", err)
	}
	d, ok := dev.(*Device)
	if !ok {
		t.Fatalf("Open(noop) = %T, want *Device", dev)
	}
	d.Close()
}

func TestTextureLifecycle(t *testing.T) {
	d := openTest(t)
	id, err := d.CreateTexture(&backend.TextureDesc{Label: "t", Width: 8, Height: 8, Format: gputypes.TextureFormatRGBA8Unorm})
	if err != nil {
		t.Fatalf("CreateTexture() error = %v", err)
	}
	if err := d.UploadTexture(id, 0, backend.Region{Width: 8, Height: 8}, make([]byte, 256), 32); err != nil {
		t.Errorf("UploadTexture() error = %v", err)
	}
	d.DestroyTexture(id)
	err = d.UploadTexture(id, 0, backend.Region{Width: 8, Height: 8}, make([]byte, 256), 32)
	if !errors.Is(err, backend.ErrUnknownID) {
		t.Errorf("UploadTexture(destroyed) error = %v, want ErrUnknownID", err)
	}
}

func TestTextureInvalidSize(t *testing.T) {
	d := openTest(t)
	if _, err := d.CreateTexture(&backend.TextureDesc{Width: 0, Height: 4}); err == nil {
		t.Error("CreateTexture(0x4) should fail")
	}
}

func TestWriteBufferBounds(t *testing.T) {
	d := openTest(t)
	id, err := d.CreateBuffer(&backend.BufferDesc{Size: 16, Usage: gputypes.BufferUsageVertex})
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	if err := d.WriteBuffer(id, 8, make([]byte, 8)); err != nil {
		t.Errorf("WriteBuffer(fit) error = %v", err)
	}
	if err := d.WriteBuffer(id, 12, make([]byte, 8)); err == nil {
		t.Error("WriteBuffer(overflow) should fail")
	}
}

func TestDescriptorPoolCapacity(t *testing.T) {
	d := openTest(t)
	ub, _ := d.CreateBuffer(&backend.BufferDesc{Size: 256, Usage: gputypes.BufferUsageUniform})
	pool, err := d.CreateDescriptorPool(1)
	if err != nil {
		t.Fatalf("CreateDescriptorPool() error = %v", err)
	}
	desc := &backend.DescriptorSetDesc{Uniform: backend.BufferBinding{Buffer: ub, Size: 64}}
	if _, err := d.AllocateDescriptorSet(pool, desc); err != nil {
		t.Fatalf("first AllocateDescriptorSet() error = %v", err)
	}
	if _, err := d.AllocateDescriptorSet(pool, desc); !errors.Is(err, backend.ErrPoolExhausted) {
		t.Errorf("second AllocateDescriptorSet() error = %v, want ErrPoolExhausted", err)
	}
	if err := d.ResetDescriptorPool(pool); err != nil {
		t.Fatalf("ResetDescriptorPool() error = %v", err)
	}
	if _, err := d.AllocateDescriptorSet(pool, desc); err != nil {
		t.Errorf("AllocateDescriptorSet() after reset error = %v", err)
	}
}

func TestShaderCompileError(t *testing.T) {
	d := openTest(t)
	if _, err := d.CreateShader(&backend.ShaderDesc{Label: "bad", Source: "fn main( {"}); err == nil {
		t.Error("CreateShader(invalid WGSL) should fail")
	}
}

func TestPipelineAndFrame(t *testing.T) {
	d := openTest(t)
	vs, err := d.CreateShader(&backend.ShaderDesc{Label: "vs", Stage: gputypes.ShaderStageVertex, Source: testVertexWGSL})
	if err != nil {
		t.Fatalf("CreateShader(vs) error = %v", err)
	}
	fs, err := d.CreateShader(&backend.ShaderDesc{Label: "fs", Stage: gputypes.ShaderStageFragment, Source: testFragmentWGSL})
	if err != nil {
		t.Fatalf("CreateShader(fs) error = %v", err)
	}
	pipe, err := d.CreatePipeline(&backend.PipelineDesc{
		Label:    "p",
		Vertex:   vs,
		Fragment: fs,
		VertexLayout: gputypes.VertexBufferLayout{
			ArrayStride: 8,
			StepMode:    gputypes.VertexStepModeVertex,
			Attributes:  []gputypes.VertexAttribute{{Format: gputypes.VertexFormatFloat32x2}},
		},
		ColorFormat: gputypes.TextureFormatRGBA8Unorm,
		DepthFormat: gputypes.TextureFormatDepth24PlusStencil8,
		DepthTest:   true,
		Stencil: backend.StencilState{
			Enabled: true, Compare: gputypes.CompareFunctionEqual,
			Pass: gputypes.StencilOperationReplace, ReadMask: 0xFF, WriteMask: 0xFF,
		},
	})
	if err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}

	for frame := range 4 {
		slot := frame % 2
		if err := d.BeginFrame(slot); err != nil {
			t.Fatalf("BeginFrame(%d) error = %v", slot, err)
		}
		if err := d.BeginRenderPass(&backend.RenderPassDesc{ColorLoad: gputypes.LoadOpClear}); err != nil {
			t.Fatalf("BeginRenderPass() error = %v", err)
		}
		d.SetPipeline(pipe)
		d.SetViewport(backend.Viewport{Width: 640, Height: 480, MaxDepth: 1})
		d.Draw(3, 1, 0)
		if err := d.EndRenderPass(); err != nil {
			t.Errorf("EndRenderPass() error = %v", err)
		}
		if err := d.EndFrame(slot); err != nil {
			t.Fatalf("EndFrame(%d) error = %v", slot, err)
		}
	}
	if err := d.EndRenderPass(); !errors.Is(err, backend.ErrNoRenderPass) {
		t.Errorf("EndRenderPass() outside pass error = %v, want ErrNoRenderPass", err)
	}
}

func TestReadFramebuffer(t *testing.T) {
	d := openTest(t)
	if err := d.BeginFrame(0); err != nil {
		t.Fatal(err)
	}
	dst := make([]byte, 3*2*4)
	if err := d.ReadFramebuffer(backend.NullID, backend.Region{Width: 3, Height: 2}, dst); err != nil {
		t.Errorf("ReadFramebuffer() error = %v", err)
	}
	if err := d.ReadFramebuffer(backend.NullID, backend.Region{Width: 4, Height: 4}, dst); err == nil {
		t.Error("ReadFramebuffer() with short dst should fail")
	}
	if err := d.EndFrame(0); err != nil {
		t.Fatal(err)
	}
}

func TestCopyTextureFormatMismatch(t *testing.T) {
	d := openTest(t)
	a, _ := d.CreateTexture(&backend.TextureDesc{Width: 4, Height: 4, Format: gputypes.TextureFormatRGBA8Unorm})
	b, _ := d.CreateTexture(&backend.TextureDesc{Width: 4, Height: 4, Format: gputypes.TextureFormatR8Unorm})
	err := d.CopyTexture(a, b, backend.Origin{}, backend.Origin{}, backend.Extent{Width: 4, Height: 4})
	if !errors.Is(err, backend.ErrUnsupported) {
		t.Errorf("CopyTexture(mismatch) error = %v, want ErrUnsupported", err)
	}
	c, _ := d.CreateTexture(&backend.TextureDesc{Width: 4, Height: 4, Format: gputypes.TextureFormatRGBA8Unorm})
	if err := d.CopyTexture(a, c, backend.Origin{}, backend.Origin{}, backend.Extent{Width: 4, Height: 4}); err != nil {
		t.Errorf("CopyTexture() error = %v", err)
	}
}

func TestStencilOpMapping(t *testing.T) {
	tests := []struct {
		in   gputypes.StencilOperation
		want hal.StencilOperation
	}{
		{gputypes.StencilOperationUndefined, hal.StencilOperationKeep},
		{gputypes.StencilOperationKeep, hal.StencilOperationKeep},
		{gputypes.StencilOperationZero, hal.StencilOperationZero},
		{gputypes.StencilOperationReplace, hal.StencilOperationReplace},
		{gputypes.StencilOperationDecrementWrap, hal.StencilOperationDecrementWrap},
	}
	for _, tt := range tests {
		if got := stencilOp(tt.in); got != tt.want {
			t.Errorf("stencilOp(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDepthStencilStateDisabledDepth(t *testing.T) {
	ds := depthStencilState(&backend.PipelineDesc{
		DepthFormat: gputypes.TextureFormatDepth32Float,
		DepthWrite:  true,
	})
	if ds.DepthWriteEnabled {
		t.Error("depth writes must be off when the depth test is off")
	}
	if ds.DepthCompare != gputypes.CompareFunctionAlways {
		t.Errorf("DepthCompare = %v, want Always", ds.DepthCompare)
	}
	if depthStencilState(&backend.PipelineDesc{}) != nil {
		t.Error("no depth format should yield nil state")
	}
}

func TestAlignUp(t *testing.T) {
	if got := alignUp(12, 256); got != 256 {
		t.Errorf("alignUp(12, 256) = %d", got)
	}
	if got := alignUp(512, 256); got != 512 {
		t.Errorf("alignUp(512, 256) = %d", got)
	}
}
