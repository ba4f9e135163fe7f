package resource

import (
	"errors"
	"sync"
	"testing"
)

func TestHandle_Packing(t *testing.T) {
	tests := []struct {
		kind  Kind
		gen   uint32
		index uint32
	}{
		{KindTexture, 1, 0},
		{KindBuffer, 7, 42},
		{KindPipeline, genMask, 1<<32 - 1},
	}
	for _, tt := range tests {
		h := makeHandle(tt.kind, tt.gen, tt.index)
		if h.Kind() != tt.kind {
			t.Errorf("Kind() = %v, want %v", h.Kind(), tt.kind)
		}
		if h.Generation() != tt.gen {
			t.Errorf("Generation() = %d, want %d", h.Generation(), tt.gen)
		}
		if h.Index() != tt.index {
			t.Errorf("Index() = %d, want %d", h.Index(), tt.index)
		}
		if !h.IsValid() {
			t.Errorf("%v.IsValid() = false, want true", h)
		}
	}
	if Invalid.IsValid() {
		t.Error("Invalid.IsValid() = true, want false")
	}
}

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry()
	h := r.Reserve(KindTexture)

	if _, err := r.Native(h, KindTexture); !errors.Is(err, ErrNotLive) {
		t.Fatalf("Native(reserved) err = %v, want ErrNotLive", err)
	}
	if err := r.Bind(h, 99, "meta"); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	id, err := r.Native(h, KindTexture)
	if err != nil || id != 99 {
		t.Fatalf("Native() = %d, %v, want 99, nil", id, err)
	}
	if _, err := r.Native(h, KindBuffer); !errors.Is(err, ErrKindMismatch) {
		t.Errorf("Native(wrong kind) err = %v, want ErrKindMismatch", err)
	}

	native, err := r.MarkDying(h)
	if err != nil || native != 99 {
		t.Fatalf("MarkDying() = %d, %v, want 99, nil", native, err)
	}
	if _, err := r.Native(h, KindTexture); !errors.Is(err, ErrNotLive) {
		t.Errorf("Native(dying) err = %v, want ErrNotLive", err)
	}
	if _, err := r.MarkDying(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("second MarkDying() err = %v, want ErrStaleHandle", err)
	}

	if err := r.Free(h); err != nil {
		t.Fatalf("Free() error = %v", err)
	}
	if _, err := r.Lookup(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Lookup(freed) err = %v, want ErrStaleHandle", err)
	}
	if err := r.Free(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("double Free() err = %v, want ErrStaleHandle", err)
	}
}

func TestRegistry_SlotReuseBumpsGeneration(t *testing.T) {
	r := NewRegistry()
	a := r.Reserve(KindBuffer)
	if _, err := r.MarkDying(a); err != nil {
		t.Fatal(err)
	}
	if err := r.Free(a); err != nil {
		t.Fatal(err)
	}
	b := r.Reserve(KindBuffer)
	if b.Index() != a.Index() {
		t.Fatalf("reused index = %d, want %d", b.Index(), a.Index())
	}
	if b == a {
		t.Fatal("reused slot returned identical handle")
	}
	if _, err := r.Lookup(a); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Lookup(old) err = %v, want ErrStaleHandle", err)
	}
	if _, err := r.Lookup(b); err != nil {
		t.Errorf("Lookup(new) err = %v", err)
	}
}

func TestRegistry_DyingSlotNotReused(t *testing.T) {
	r := NewRegistry()
	a := r.Reserve(KindTexture)
	_ = r.Bind(a, 1, nil)
	if _, err := r.MarkDying(a); err != nil {
		t.Fatal(err)
	}
	b := r.Reserve(KindTexture)
	if b.Index() == a.Index() {
		t.Errorf("slot %d reused while still queued for deletion", a.Index())
	}
	if got := r.Live(KindTexture); got != 2 {
		t.Errorf("Live() = %d, want 2", got)
	}
}

func TestRegistry_MarkAllLost(t *testing.T) {
	r := NewRegistry()
	tex := r.Reserve(KindTexture)
	_ = r.Bind(tex, 10, nil)
	buf := r.Reserve(KindBuffer)
	_ = r.Bind(buf, 11, nil)
	pending := r.Reserve(KindTexture)

	lost := r.MarkAllLost()
	if len(lost[KindTexture]) != 1 || lost[KindTexture][0] != 10 {
		t.Errorf("lost textures = %v, want [10]", lost[KindTexture])
	}
	if len(lost[KindBuffer]) != 1 {
		t.Errorf("lost buffers = %v, want 1 entry", lost[KindBuffer])
	}
	for _, h := range []Handle{tex, buf, pending} {
		e, err := r.Lookup(h)
		if err != nil {
			t.Fatal(err)
		}
		if e.State != StateLost {
			t.Errorf("%v state = %v, want Lost", h, e.State)
		}
	}
}

func TestRegistry_ConcurrentReserve(t *testing.T) {
	r := NewRegistry()
	const n = 64
	var wg sync.WaitGroup
	out := make(chan Handle, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out <- r.Reserve(KindShader)
		}()
	}
	wg.Wait()
	close(out)

	seen := make(map[Handle]bool)
	for h := range out {
		if seen[h] {
			t.Fatalf("duplicate handle %v", h)
		}
		seen[h] = true
	}
	if r.Live(KindShader) != n {
		t.Errorf("Live() = %d, want %d", r.Live(KindShader), n)
	}
}
