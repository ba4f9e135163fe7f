package step

import "github.com/gogpu/gputypes"

// DataFormat is a pixel layout used for uploads and readbacks.
type DataFormat uint8

// Pixel formats. Byte order is memory order.
const (
	FormatUndefined DataFormat = iota
	RGBA8888
	BGRA8888
	RGB565
	RGBA5551
	RGBA4444
	R8
	Depth32F
)

var formatNames = [...]string{
	FormatUndefined: "Undefined",
	RGBA8888:        "RGBA8888",
	BGRA8888:        "BGRA8888",
	RGB565:          "RGB565",
	RGBA5551:        "RGBA5551",
	RGBA4444:        "RGBA4444",
	R8:              "R8",
	Depth32F:        "Depth32F",
}

func (f DataFormat) String() string {
	if int(f) < len(formatNames) {
		return formatNames[f]
	}
	return "Unknown"
}

// BytesPerPixel returns the size of one pixel, or 0 for undefined formats.
func (f DataFormat) BytesPerPixel() int {
	switch f {
	case RGBA8888, BGRA8888, Depth32F:
		return 4
	case RGB565, RGBA5551, RGBA4444:
		return 2
	case R8:
		return 1
	}
	return 0
}

// TextureFormat returns the device texture format storing f. Packed 16-bit
// formats have no texture equivalent and are only valid as readback
// destinations.
func (f DataFormat) TextureFormat() (gputypes.TextureFormat, bool) {
	switch f {
	case RGBA8888:
		return gputypes.TextureFormatRGBA8Unorm, true
	case BGRA8888:
		return gputypes.TextureFormatBGRA8Unorm, true
	case R8:
		return gputypes.TextureFormatR8Unorm, true
	case Depth32F:
		return gputypes.TextureFormatDepth32Float, true
	}
	return gputypes.TextureFormatUndefined, false
}

// FromTextureFormat maps a device texture format back to a DataFormat.
func FromTextureFormat(tf gputypes.TextureFormat) DataFormat {
	switch tf {
	case gputypes.TextureFormatRGBA8Unorm:
		return RGBA8888
	case gputypes.TextureFormatBGRA8Unorm:
		return BGRA8888
	case gputypes.TextureFormatR8Unorm:
		return R8
	case gputypes.TextureFormatDepth32Float:
		return Depth32F
	}
	return FormatUndefined
}
