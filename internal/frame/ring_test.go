package frame

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/gogpu/emugpu/backend"
	"github.com/gogpu/emugpu/backend/trace"
	"github.com/gogpu/emugpu/resource"
)

func TestNewRingSize(t *testing.T) {
	dev := trace.New()
	for _, n := range []int{0, 4, -1} {
		if _, err := NewRing(dev, n, 0); !errors.Is(err, ErrInvalidRingSize) {
			t.Errorf("NewRing(%d) error = %v, want ErrInvalidRingSize", n, err)
		}
	}
	for n := 1; n <= MaxRingSize; n++ {
		r, err := NewRing(dev, n, 0)
		if err != nil {
			t.Fatalf("NewRing(%d) error = %v", n, err)
		}
		if r.Size() != n {
			t.Errorf("Size() = %d, want %d", r.Size(), n)
		}
	}
}

func TestRingAdvances(t *testing.T) {
	r, _ := NewRing(trace.New(), 3, 0)
	var slots []int
	for range 5 {
		ctx, err := r.Begin()
		if err != nil {
			t.Fatal(err)
		}
		slots = append(slots, ctx.Index)
		if err := r.End(); err != nil {
			t.Fatal(err)
		}
	}
	want := []int{0, 1, 2, 0, 1}
	for i := range want {
		if slots[i] != want[i] {
			t.Fatalf("slots = %v, want %v", slots, want)
		}
	}
	if err := r.End(); !errors.Is(err, ErrNotBegun) {
		t.Errorf("End() without Begin error = %v, want ErrNotBegun", err)
	}
}

func TestQueueDeleteZeroesReference(t *testing.T) {
	dev := trace.New()
	r, _ := NewRing(dev, 2, 0)
	if _, err := r.Begin(); err != nil {
		t.Fatal(err)
	}
	id, _ := dev.CreateTexture(&backend.TextureDesc{Width: 1, Height: 1})
	r.QueueDelete(ObjTexture, &id, resource.Invalid)
	if id != backend.NullID {
		t.Errorf("QueueDelete left id = %d, want NullID", id)
	}
	if got := r.Current().Pending(); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}
}

func TestDeletionWaitsForSlotReuse(t *testing.T) {
	for n := 1; n <= MaxRingSize; n++ {
		dev := trace.New()
		r, _ := NewRing(dev, n, 0)
		var freed []resource.Handle
		r.SetOnFreed(func(h resource.Handle) { freed = append(freed, h) })

		ctx, _ := r.Begin()
		queuedAt := ctx.Frame
		id, _ := dev.CreateTexture(&backend.TextureDesc{Width: 1, Height: 1})
		keep := id
		h := resource.Handle(1<<56 | 1<<32 | 1) // texture, generation 1, index 1
		r.QueueDelete(ObjTexture, &id, h)
		_ = r.End()

		for f := 1; f < n; f++ {
			_, _ = r.Begin()
			if _, _, destroyed, _ := dev.Lifetime(keep); destroyed {
				t.Fatalf("N=%d: destroyed at frame %d, queued at %d", n, r.Frame(), queuedAt)
			}
			_ = r.End()
		}
		_, _ = r.Begin()
		_, died, destroyed, _ := dev.Lifetime(keep)
		if !destroyed {
			t.Fatalf("N=%d: not destroyed at frame %d", n, r.Frame())
		}
		if died != queuedAt+uint64(n) {
			t.Errorf("N=%d: destroyed at frame %d, want %d", n, died, queuedAt+uint64(n))
		}
		if len(freed) != 1 || freed[0] != h {
			t.Errorf("N=%d: OnFreed got %v, want [%v]", n, freed, h)
		}
	}
}

func TestGlobalDeletionFoldsIntoNextFrame(t *testing.T) {
	dev := trace.New()
	r, _ := NewRing(dev, 2, 0)
	id, _ := dev.CreateBuffer(&backend.BufferDesc{Size: 4})
	keep := id
	r.QueueDeleteGlobal(ObjBuffer, &id, resource.Invalid)

	_, _ = r.Begin() // folded into slot 0
	if _, _, destroyed, _ := dev.Lifetime(keep); destroyed {
		t.Fatal("global deletion executed immediately")
	}
	_ = r.End()
	_, _ = r.Begin()
	_ = r.End()
	_, _ = r.Begin() // slot 0 again
	if _, _, destroyed, _ := dev.Lifetime(keep); !destroyed {
		t.Error("global deletion not executed after N frames")
	}
}

func TestQueueDeleteOutsideFrameIsGlobal(t *testing.T) {
	dev := trace.New()
	r, _ := NewRing(dev, 2, 0)
	_, _ = r.Begin()
	_ = r.End()
	id, _ := dev.CreateBuffer(&backend.BufferDesc{Size: 4})
	keep := id
	r.QueueDelete(ObjBuffer, &id, resource.Invalid)

	// Next Begin is slot 1: the deletion must not run there.
	_, _ = r.Begin()
	if _, _, destroyed, _ := dev.Lifetime(keep); destroyed {
		t.Fatal("deletion queued between frames ran at the next Begin")
	}
}

func TestDrainDestroysEverything(t *testing.T) {
	dev := trace.New()
	r, _ := NewRing(dev, 3, 0)
	_, _ = r.Begin()
	for range 3 {
		id, _ := dev.CreateTexture(&backend.TextureDesc{Width: 1, Height: 1})
		r.QueueDelete(ObjTexture, &id, resource.Invalid)
	}
	gid, _ := dev.CreateSampler(&backend.SamplerDesc{})
	r.QueueDeleteGlobal(ObjSampler, &gid, resource.Invalid)

	r.Drain()
	if got := dev.LiveObjects(); got != 0 {
		t.Errorf("LiveObjects() after Drain = %d, want 0", got)
	}
	if s := r.Stats(); s.Pending != 0 || s.Destroyed != 4 {
		t.Errorf("Stats() = %+v, want 0 pending, 4 destroyed", s)
	}
	if v := dev.Violations(); len(v) != 0 {
		t.Errorf("violations: %v", v)
	}
}

// TestDeferredDeletionProperty simulates frames of create/use/delete and
// checks that no object is destroyed while a frame that used it may still
// be in flight.
func TestDeferredDeletionProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for n := 1; n <= MaxRingSize; n++ {
		dev := trace.New()
		r, _ := NewRing(dev, n, 0)
		lastUse := make(map[backend.ID]uint64)
		var live []backend.ID

		for range 200 {
			ctx, err := r.Begin()
			if err != nil {
				t.Fatal(err)
			}
			for range 1 + rng.IntN(3) {
				id, _ := dev.CreateTexture(&backend.TextureDesc{Width: 2, Height: 2})
				live = append(live, id)
			}
			for _, id := range live {
				if rng.IntN(2) == 0 {
					if err := dev.UploadTexture(id, 0, backend.Region{Width: 2, Height: 2}, make([]byte, 16), 8); err != nil {
						t.Fatalf("upload: %v", err)
					}
					lastUse[id] = ctx.Frame
				}
			}
			for len(live) > 0 && rng.IntN(3) > 0 {
				i := rng.IntN(len(live))
				id := live[i]
				live = append(live[:i], live[i+1:]...)
				lastUse[id] = max(lastUse[id], ctx.Frame)
				r.QueueDelete(ObjTexture, &id, resource.Invalid)
			}
			if err := r.End(); err != nil {
				t.Fatal(err)
			}
		}

		if v := dev.Violations(); len(v) != 0 {
			t.Fatalf("N=%d: violations: %v", n, v)
		}
		for id, used := range lastUse {
			if _, died, destroyed, _ := dev.Lifetime(id); destroyed && died < used+uint64(n) {
				t.Errorf("N=%d: object %d used in frame %d destroyed in frame %d", n, id, used, died)
			}
		}
	}
}

func TestPushBufferGrowsAndResets(t *testing.T) {
	dev := trace.New()
	p := NewPushBuffer(dev, 512)

	_, off, err := p.Push(make([]byte, 100), 4)
	if err != nil || off != 0 {
		t.Fatalf("Push() = %d, %v", off, err)
	}
	_, off, _ = p.Push(make([]byte, 16), UniformAlignment)
	if off != 256 {
		t.Errorf("aligned Push() offset = %d, want 256", off)
	}
	buf3, off, _ := p.Push(make([]byte, 400), 4)
	if off != 0 || p.Buffers() != 2 {
		t.Errorf("overflow Push() offset = %d buffers = %d, want 0, 2", off, p.Buffers())
	}
	big, _, _ := p.Push(make([]byte, 2048), 4)
	if big == buf3 || p.Buffers() != 3 {
		t.Errorf("oversized Push() should get its own buffer, buffers = %d", p.Buffers())
	}

	p.Reset()
	if p.Used() != 0 {
		t.Errorf("Used() after Reset = %d", p.Used())
	}
	p.Push(make([]byte, 8), 4)
	if got := dev.Count(trace.OpCreateBuffer); got != 3 {
		t.Errorf("CreateBuffer calls = %d, want 3 (buffers reused after Reset)", got)
	}
	p.Release()
	if got := dev.Count(trace.OpDestroyBuffer); got != 3 {
		t.Errorf("DestroyBuffer calls = %d, want 3", got)
	}
}
