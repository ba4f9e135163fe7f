package runner

import (
	"errors"
	"fmt"

	"github.com/gogpu/emugpu/backend"
	"github.com/gogpu/emugpu/internal/pixconv"
	"github.com/gogpu/emugpu/resource"
	"github.com/gogpu/emugpu/step"
)

// ErrReadback is passed to readback callbacks that could not be served.
var ErrReadback = errors.New("runner: readback failed")

// ReadbackStats reports readback scratch usage.
type ReadbackStats struct {
	SrcSize     int
	DstSize     int
	Reads       uint64
	Conversions uint64
}

// readbackScratch holds the grow-only buffers used by readbacks: src
// receives device pixels, dst holds them converted to the requested
// format.
type readbackScratch struct {
	src, dst    []byte
	reads       uint64
	conversions uint64
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}

func (s *readbackScratch) stats() ReadbackStats {
	return ReadbackStats{SrcSize: cap(s.src), DstSize: cap(s.dst), Reads: s.reads, Conversions: s.conversions}
}

func done(fn func(error), err error) {
	if fn != nil {
		fn(err)
	}
}

func (r *Runner) readFramebuffer(s *step.Readback) {
	fb := backend.NullID
	if s.Source != resource.Invalid {
		native, err := r.reg.Native(s.Source, resource.KindFramebuffer)
		if err != nil {
			done(s.Done, fmt.Errorf("%w: source %s: %w", ErrReadback, s.Source, err))
			return
		}
		fb = backend.ID(native)
	}
	err := r.read(s.Rect, s.Format, s.Dst, s.Stride, func(region backend.Region, dst []byte) error {
		return r.dev.ReadFramebuffer(fb, region, dst)
	})
	done(s.Done, err)
}

func (r *Runner) readTexture(s *step.ReadbackImage) {
	tex, _, err := r.texture(s.Texture)
	if err != nil {
		done(s.Done, fmt.Errorf("%w: texture %s: %w", ErrReadback, s.Texture, err))
		return
	}
	err = r.read(s.Rect, s.Format, s.Dst, s.Stride, func(region backend.Region, dst []byte) error {
		return r.dev.ReadTexture(tex, s.Level, region, dst)
	})
	done(s.Done, err)
}

// read fetches rect in the device readback format, converts it once when
// the requested format differs and copies the rows into out honoring
// stride. A zero stride means tightly packed rows.
func (r *Runner) read(rect step.Rect, format step.DataFormat, out []byte, stride int,
	fetch func(backend.Region, []byte) error) error {
	if rect.Empty() {
		return nil
	}
	srcFormat := step.FromTextureFormat(r.caps.ReadbackFormat)
	if srcFormat == step.FormatUndefined {
		return fmt.Errorf("%w: device readback format %v", ErrReadback, r.caps.ReadbackFormat)
	}
	if format == step.FormatUndefined {
		format = srcFormat
	}
	w, h := int(rect.Width), int(rect.Height)
	row := w * format.BytesPerPixel()
	if stride == 0 {
		stride = row
	}
	if stride < row || len(out) < (h-1)*stride+row {
		return fmt.Errorf("%w: destination %d bytes with stride %d, need %dx%d %v", ErrReadback, len(out), stride, w, h, format)
	}

	sc := &r.scratch
	sc.reads++
	sc.src = grow(sc.src, w*h*srcFormat.BytesPerPixel())
	if err := fetch(toRegion(rect), sc.src); err != nil {
		return fmt.Errorf("%w: %w", ErrReadback, err)
	}
	pixels := sc.src
	if format != srcFormat {
		sc.dst = grow(sc.dst, w*h*format.BytesPerPixel())
		if err := pixconv.Convert(sc.dst, format, sc.src, srcFormat, w*h); err != nil {
			return fmt.Errorf("%w: %w", ErrReadback, err)
		}
		sc.conversions++
		pixels = sc.dst
	}
	for y := range h {
		copy(out[y*stride:y*stride+row], pixels[y*row:(y+1)*row])
	}
	return nil
}
