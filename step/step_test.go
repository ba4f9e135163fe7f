package step

import (
	"testing"

	"github.com/gogpu/emugpu/resource"
)

func TestStepKind_String(t *testing.T) {
	tests := []struct {
		kind StepKind
		want string
	}{
		{KindCreateTexture, "CreateTexture"},
		{KindRenderPass, "RenderPass"},
		{KindSkip, "Skip"},
		{StepKind(200), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("StepKind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestStepKind_IsCreate(t *testing.T) {
	creates := map[StepKind]bool{
		KindCreateTexture:     true,
		KindCreateBuffer:      true,
		KindCreateShader:      true,
		KindCreateProgram:     true,
		KindCreateFramebuffer: true,
	}
	for k := KindCreateTexture; k <= KindSkip; k++ {
		if got := k.IsCreate(); got != creates[k] {
			t.Errorf("%v.IsCreate() = %v, want %v", k, got, creates[k])
		}
	}
}

func TestDataFormat_BytesPerPixel(t *testing.T) {
	tests := []struct {
		f    DataFormat
		want int
	}{
		{RGBA8888, 4},
		{BGRA8888, 4},
		{RGB565, 2},
		{RGBA5551, 2},
		{RGBA4444, 2},
		{R8, 1},
		{Depth32F, 4},
		{FormatUndefined, 0},
	}
	for _, tt := range tests {
		if got := tt.f.BytesPerPixel(); got != tt.want {
			t.Errorf("%v.BytesPerPixel() = %d, want %d", tt.f, got, tt.want)
		}
	}
}

func TestDataFormat_TextureFormatRoundTrip(t *testing.T) {
	for _, f := range []DataFormat{RGBA8888, BGRA8888, R8, Depth32F} {
		tf, ok := f.TextureFormat()
		if !ok {
			t.Fatalf("%v.TextureFormat() ok = false", f)
		}
		if back := FromTextureFormat(tf); back != f {
			t.Errorf("FromTextureFormat(%v) = %v, want %v", tf, back, f)
		}
	}
	if _, ok := RGB565.TextureFormat(); ok {
		t.Error("RGB565.TextureFormat() ok = true, want false")
	}
}

func TestBlob_ReleaseOnce(t *testing.T) {
	calls := 0
	b := NewBlob([]byte{1, 2, 3}, func(d []byte) {
		calls++
		if len(d) != 3 {
			t.Errorf("free got %d bytes, want 3", len(d))
		}
	})
	b.Release()
	b.Release()
	if calls != 1 {
		t.Errorf("free calls = %d, want 1", calls)
	}
	if b.Bytes() != nil || !b.Released() {
		t.Error("blob not cleared after release")
	}

	var nilBlob *Blob
	nilBlob.Release()
	if nilBlob.Len() != 0 {
		t.Error("nil blob Len() != 0")
	}
}

func TestReleasePayloads(t *testing.T) {
	pass := RenderPass{Commands: []Command{
		PushVertices{Data: NewBlob(make([]byte, 16), nil)},
		PushUniforms{Data: NewBlob(make([]byte, 8), nil)},
		Draw{Count: 3},
		PushIndices{Data: NewBlob(make([]byte, 6), nil)},
	}}
	if got := ReleasePayloads(pass); got != 3 {
		t.Errorf("ReleasePayloads(pass) = %d, want 3", got)
	}
	if got := ReleasePayloads(pass); got != 0 {
		t.Errorf("second ReleasePayloads(pass) = %d, want 0", got)
	}
	up := UploadTexture{Data: NewBlob(make([]byte, 4), nil)}
	if got := ReleasePayloads(up); got != 1 {
		t.Errorf("ReleasePayloads(upload) = %d, want 1", got)
	}
	if got := ReleasePayloads(Skip{}); got != 0 {
		t.Errorf("ReleasePayloads(skip) = %d, want 0", got)
	}
}

func TestRecorder_Ordering(t *testing.T) {
	reg := resource.NewRegistry()
	rec := NewRecorder(reg)

	tex := rec.CreateTexture(TextureDesc{Width: 64, Height: 64, Format: RGBA8888})
	if tex.Kind() != resource.KindTexture {
		t.Fatalf("CreateTexture kind = %v", tex.Kind())
	}
	rec.BeginRenderPass(resource.Invalid, PassActions{Color: LoadClear})
	rec.Cmd(BindTexture{Slot: 0, Texture: tex}, Draw{Count: 3})
	rec.Copy(tex, tex, Point{}, Point{}, Extent{Width: 1, Height: 1}) // closes the pass
	rec.Cmd(Draw{Count: 3})
	fb, color := rec.CreateFramebuffer("fb", 32, 32, RGBA8888, true)

	f := rec.Finish(false)
	wantKinds := []StepKind{KindCreateTexture, KindRenderPass, KindCopy, KindCreateFramebuffer}
	checkKinds(t, f, wantKinds)
	pass := f.Steps[1].(RenderPass)
	if len(pass.Commands) != 2 {
		t.Errorf("pass commands = %d, want 2", len(pass.Commands))
	}
	if rec.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", rec.Dropped())
	}
	if fb.Kind() != resource.KindFramebuffer || color.Kind() != resource.KindTexture {
		t.Errorf("CreateFramebuffer kinds = %v, %v", fb.Kind(), color.Kind())
	}
	if desc := f.Steps[0].(CreateTexture).Desc; desc.MipLevels != 1 {
		t.Errorf("MipLevels = %d, want default 1", desc.MipLevels)
	}
	if rec.Len() != 0 {
		t.Errorf("Len() after Finish = %d, want 0", rec.Len())
	}
}

func TestRecorder_WorkInsidePassKeepsPassOpen(t *testing.T) {
	reg := resource.NewRegistry()
	rec := NewRecorder(reg)
	old := rec.CreateTexture(TextureDesc{Width: 8, Height: 8, Format: RGBA8888})
	fb, _ := rec.CreateFramebuffer("fb", 32, 32, RGBA8888, false)

	rec.BeginRenderPass(fb, PassActions{Color: LoadClear})
	rec.Cmd(BindTexture{Slot: 0, Texture: old}, Draw{Count: 6})
	rec.Delete(old)
	tex := rec.CreateTexture(TextureDesc{Width: 16, Height: 16, Format: RGBA8888})
	rec.UploadTexture(tex, 0, Rect{Width: 16, Height: 16}, RGBA8888, make([]byte, 16*16*4), nil)
	rec.Cmd(BindTexture{Slot: 0, Texture: tex}, Draw{Count: 6})
	if got := rec.Len(); got != 6 {
		t.Errorf("Len() with open pass = %d, want 6", got)
	}
	rec.EndRenderPass()

	f := rec.Finish(false)
	checkKinds(t, f, []StepKind{
		KindCreateTexture, KindCreateFramebuffer,
		KindCreateTexture, KindUploadTexture,
		KindRenderPass,
		KindDelete,
	})
	pass := f.Steps[4].(RenderPass)
	if len(pass.Commands) != 4 {
		t.Errorf("pass commands = %d, want 4", len(pass.Commands))
	}
	if got := f.Steps[5].(Delete).Handle; got != old {
		t.Errorf("deleted %v, want %v", got, old)
	}
	if rec.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", rec.Dropped())
	}
}

func TestRecorder_FinishFlushesHeldWork(t *testing.T) {
	reg := resource.NewRegistry()
	rec := NewRecorder(reg)
	rec.BeginRenderPass(resource.Invalid, PassActions{})
	buf := rec.CreateBuffer("vb", 64, 0)
	rec.Delete(buf)
	rec.Cmd(Draw{Count: 3})

	f := rec.Finish(false)
	checkKinds(t, f, []StepKind{KindCreateBuffer, KindRenderPass, KindDelete})
}

func checkKinds(t *testing.T, f *Frame, want []StepKind) {
	t.Helper()
	if len(f.Steps) != len(want) {
		t.Fatalf("len(Steps) = %d, want %d", len(f.Steps), len(want))
	}
	for i, k := range want {
		if f.Steps[i].Kind() != k {
			t.Errorf("Steps[%d] = %v, want %v", i, f.Steps[i].Kind(), k)
		}
	}
}
