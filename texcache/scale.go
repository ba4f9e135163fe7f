package texcache

import (
	"image"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"github.com/gogpu/emugpu/internal/parallel"
)

// scaler upscales decoded textures on the CPU.
type scaler struct {
	filter Filter
	pool   *parallel.WorkerPool
}

func newScaler(filter Filter, workers int) *scaler {
	return &scaler{filter: filter, pool: parallel.NewWorkerPool(workers)}
}

func (s *scaler) interpolator() draw.Interpolator {
	switch s.filter {
	case FilterNearest:
		return draw.NearestNeighbor
	case FilterCatmullRom:
		return draw.CatmullRom
	}
	return draw.BiLinear
}

// scale returns src enlarged factor times. Kernel filters run in row
// bands of the destination, each band clipping the full-image mapping.
func (s *scaler) scale(src *image.NRGBA, factor int) *image.NRGBA {
	b := src.Bounds()
	dw, dh := b.Dx()*factor, b.Dy()*factor
	if s.filter == FilterLanczos {
		return imaging.Resize(src, dw, dh, imaging.Lanczos)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, dw, dh))
	full := dst.Bounds()
	q := s.interpolator()
	s.pool.Bands(dh, func(y0, y1 int) {
		band := dst.SubImage(image.Rect(0, y0, dw, y1)).(*image.NRGBA)
		q.Scale(band, full, src, b, draw.Src, nil)
	})
	return dst
}

func (s *scaler) close() { s.pool.Close() }

// flat reports whether img is empty or every texel holds the same value.
// Scaling such a texture cannot change how it looks.
func flat(img *image.NRGBA) bool {
	b := img.Bounds()
	if b.Empty() {
		return true
	}
	first := img.PixOffset(b.Min.X, b.Min.Y)
	ref := img.Pix[first : first+4]
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for i := 0; i < len(row); i += 4 {
			if row[i] != ref[0] || row[i+1] != ref[1] || row[i+2] != ref[2] || row[i+3] != ref[3] {
				return false
			}
		}
	}
	return true
}
