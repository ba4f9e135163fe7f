// Package pixconv converts pixel rows between the engine's data formats.
//
// Packed 16-bit formats are little-endian with the first channel in the
// high bits: RGB565 is R[15:11] G[10:5] B[4:0], RGBA5551 is R[15:11]
// G[10:6] B[5:1] A[0] and RGBA4444 is R[15:12] G[11:8] B[7:4] A[3:0].
// Depth32F converts to color formats as gray, clamped to [0,1].
package pixconv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/gogpu/emugpu/step"
)

// ErrUnsupported is returned for conversions without a defined mapping.
var ErrUnsupported = errors.New("pixconv: unsupported conversion")

// RGBA is one decoded pixel.
type RGBA struct {
	R, G, B, A uint8
}

// BytesPerPixel returns the pixel size of f.
func BytesPerPixel(f step.DataFormat) int { return f.BytesPerPixel() }

// Convert converts n pixels of src in format from into dst in format to.
func Convert(dst []byte, to step.DataFormat, src []byte, from step.DataFormat, n int) error {
	sb, db := from.BytesPerPixel(), to.BytesPerPixel()
	if sb == 0 || db == 0 {
		return fmt.Errorf("%w: %s to %s", ErrUnsupported, from, to)
	}
	if len(src) < n*sb || len(dst) < n*db {
		return fmt.Errorf("pixconv: %d pixels need %d source and %d destination bytes, have %d and %d",
			n, n*sb, n*db, len(src), len(dst))
	}
	switch {
	case from == to:
		copy(dst[:n*db], src[:n*sb])
		return nil
	case to == step.Depth32F:
		return fmt.Errorf("%w: %s to %s", ErrUnsupported, from, to)
	case isSwizzle(from, to):
		swizzle(dst, src, n)
		return nil
	}
	for i := range n {
		encode(dst[i*db:], to, Decode(src[i*sb:], from))
	}
	return nil
}

func isSwizzle(a, b step.DataFormat) bool {
	return (a == step.RGBA8888 && b == step.BGRA8888) || (a == step.BGRA8888 && b == step.RGBA8888)
}

// swizzle exchanges the first and third byte of every pixel.
func swizzle(dst, src []byte, n int) {
	for i := 0; i < n*4; i += 4 {
		dst[i], dst[i+1], dst[i+2], dst[i+3] = src[i+2], src[i+1], src[i], src[i+3]
	}
}

// expand widens a bits-wide channel value to 8 bits.
func expand(v uint16, bits uint) uint8 {
	switch bits {
	case 1:
		return uint8(v&1) * 255 //nolint:gosec // G115: single bit
	case 4:
		return uint8(v&0xF) * 17 //nolint:gosec // G115: masked
	case 5:
		v &= 0x1F
		return uint8(v<<3 | v>>2) //nolint:gosec // G115: 8 bits
	case 6:
		v &= 0x3F
		return uint8(v<<2 | v>>4) //nolint:gosec // G115: 8 bits
	}
	return uint8(v) //nolint:gosec // G115: 8-bit input
}

// narrow reduces an 8-bit channel to bits wide with rounding.
func narrow(v uint8, bits uint) uint16 {
	m := uint32(1)<<bits - 1
	return uint16((uint32(v)*m + 127) / 255) //nolint:gosec // G115: at most m
}

// clampAndRound clamps to [0,1] and converts to a byte with rounding.
func clampAndRound(v float32) uint8 {
	if v <= 0 || v != v {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255.0 + 0.5)
}

// Decode reads one pixel in format f.
func Decode(p []byte, f step.DataFormat) RGBA {
	switch f {
	case step.RGBA8888:
		return RGBA{p[0], p[1], p[2], p[3]}
	case step.BGRA8888:
		return RGBA{p[2], p[1], p[0], p[3]}
	case step.RGB565:
		v := binary.LittleEndian.Uint16(p)
		return RGBA{expand(v>>11, 5), expand(v>>5, 6), expand(v, 5), 255}
	case step.RGBA5551:
		v := binary.LittleEndian.Uint16(p)
		return RGBA{expand(v>>11, 5), expand(v>>6, 5), expand(v>>1, 5), expand(v, 1)}
	case step.RGBA4444:
		v := binary.LittleEndian.Uint16(p)
		return RGBA{expand(v>>12, 4), expand(v>>8, 4), expand(v>>4, 4), expand(v, 4)}
	case step.R8:
		return RGBA{p[0], 0, 0, 255}
	case step.Depth32F:
		g := clampAndRound(math.Float32frombits(binary.LittleEndian.Uint32(p)))
		return RGBA{g, g, g, 255}
	}
	return RGBA{}
}

func encode(p []byte, f step.DataFormat, c RGBA) {
	switch f {
	case step.RGBA8888:
		p[0], p[1], p[2], p[3] = c.R, c.G, c.B, c.A
	case step.BGRA8888:
		p[0], p[1], p[2], p[3] = c.B, c.G, c.R, c.A
	case step.RGB565:
		binary.LittleEndian.PutUint16(p, narrow(c.R, 5)<<11|narrow(c.G, 6)<<5|narrow(c.B, 5))
	case step.RGBA5551:
		binary.LittleEndian.PutUint16(p, narrow(c.R, 5)<<11|narrow(c.G, 5)<<6|narrow(c.B, 5)<<1|uint16(c.A>>7))
	case step.RGBA4444:
		binary.LittleEndian.PutUint16(p, narrow(c.R, 4)<<12|narrow(c.G, 4)<<8|narrow(c.B, 4)<<4|narrow(c.A, 4))
	case step.R8:
		p[0] = c.R
	}
}
