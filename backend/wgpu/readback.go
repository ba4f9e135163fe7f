package wgpu

import (
	"fmt"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/emugpu/backend"
)

// copyRowAlignment is the required BytesPerRow alignment of texture to
// buffer copies.
const copyRowAlignment = 256

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) / a * a
}

// ReadFramebuffer implements backend.Device.
func (d *Device) ReadFramebuffer(fb backend.ID, r backend.Region, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	color, _, err := d.colorTarget(fb)
	if err != nil {
		return err
	}
	return d.readLocked(color, 0, r, dst)
}

// ReadTexture implements backend.Device.
func (d *Device) ReadTexture(id backend.ID, level uint32, r backend.Region, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[id]
	if !ok {
		return fmt.Errorf("%w: texture %d", backend.ErrUnknownID, id)
	}
	return d.readLocked(t, level, r, dst)
}

// readLocked copies r of t into a staging buffer, submits the frame so far,
// waits for it and unpads the rows into dst.
func (d *Device) readLocked(t *texture, level uint32, r backend.Region, dst []byte) error {
	if d.pass != nil {
		return errInPass
	}
	bpp := backend.FormatSize(t.desc.Format)
	rowBytes := r.Width * bpp
	need := int(rowBytes) * int(r.Height)
	if len(dst) < need {
		return fmt.Errorf("wgpu: readback buffer %d bytes, need %d", len(dst), need)
	}
	if need == 0 {
		return nil
	}
	padded := alignUp(rowBytes, copyRowAlignment)
	size := uint64(padded) * uint64(r.Height)

	staging, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "emugpu_readback",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create staging buffer: %w", err)
	}
	defer d.dev.DestroyBuffer(staging)

	enc, err := d.encoderLocked()
	if err != nil {
		return err
	}
	enc.CopyTextureToBuffer(t.tex, staging, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{BytesPerRow: padded, RowsPerImage: r.Height},
		TextureBase: hal.ImageCopyTexture{
			Texture:  t.tex,
			MipLevel: level,
			Origin:   hal.Origin3D{X: r.X, Y: r.Y},
			Aspect:   gputypes.TextureAspectAll,
		},
		Size: hal.Extent3D{Width: r.Width, Height: r.Height, DepthOrArrayLayers: 1},
	}})
	if err := d.submit(d.slot); err != nil {
		return err
	}
	if err := d.dev.WaitIdle(); err != nil {
		return fmt.Errorf("wgpu: wait for readback: %w", err)
	}

	m, err := d.dev.MapBuffer(staging, 0, size)
	if err != nil {
		return fmt.Errorf("wgpu: map staging buffer: %w", err)
	}
	src := unsafe.Slice((*byte)(m.Ptr), size)
	for y := range int(r.Height) {
		copy(dst[y*int(rowBytes):(y+1)*int(rowBytes)], src[y*int(padded):])
	}
	if err := d.dev.UnmapBuffer(staging); err != nil {
		slogger().Warn("wgpu: unmap staging buffer", "err", err)
	}

	if t.desc.Format == gputypes.TextureFormatBGRA8Unorm && d.caps.ReadbackFormat == gputypes.TextureFormatRGBA8Unorm {
		for i := 0; i+3 < need; i += 4 {
			dst[i], dst[i+2] = dst[i+2], dst[i]
		}
	}
	return nil
}
