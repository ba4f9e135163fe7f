package frame

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/emugpu/backend"
)

// UniformAlignment is the dynamic offset alignment of uniform pushes.
const UniformAlignment = 256

// DefaultPushSize is the backing buffer size used when none is given.
const DefaultPushSize = 1 << 20

const pushUsage = gputypes.BufferUsageVertex | gputypes.BufferUsageIndex |
	gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst

type pushBuf struct {
	id   backend.ID
	size uint64
}

// PushBuffer is a linear allocator for per-frame vertex, index and uniform
// data. It grows by adding device buffers and is rewound on Reset; buffers
// are kept for the next use of the slot.
type PushBuffer struct {
	dev     backend.Device
	size    uint64
	buffers []pushBuf
	cur     int
	off     uint64
	used    uint64
}

// NewPushBuffer creates an empty push buffer. No device buffer is created
// until the first Push.
func NewPushBuffer(dev backend.Device, size uint64) *PushBuffer {
	if size == 0 {
		size = DefaultPushSize
	}
	return &PushBuffer{dev: dev, size: size}
}

// Push copies data into the buffer at an offset aligned to align and
// returns the buffer and offset.
func (p *PushBuffer) Push(data []byte, align uint64) (backend.ID, uint64, error) {
	if align == 0 {
		align = 4
	}
	n := uint64(len(data))
	for {
		if p.cur < len(p.buffers) {
			b := p.buffers[p.cur]
			off := (p.off + align - 1) / align * align
			if off+n <= b.size {
				if err := p.dev.WriteBuffer(b.id, off, data); err != nil {
					return backend.NullID, 0, fmt.Errorf("frame: push %d bytes: %w", n, err)
				}
				p.off = off + n
				p.used += n
				return b.id, off, nil
			}
			// Try the next buffer.
			p.cur++
			p.off = 0
			continue
		}
		size := max(p.size, n)
		id, err := p.dev.CreateBuffer(&backend.BufferDesc{Label: "push", Size: size, Usage: pushUsage})
		if err != nil {
			return backend.NullID, 0, fmt.Errorf("frame: grow push buffer: %w", err)
		}
		p.buffers = append(p.buffers, pushBuf{id: id, size: size})
		slogger().Debug("frame: push buffer grown", "buffers", len(p.buffers), "size", size)
	}
}

// Reset rewinds the allocator to the first buffer.
func (p *PushBuffer) Reset() {
	p.cur = 0
	p.off = 0
	p.used = 0
}

// Used returns the bytes pushed since the last Reset.
func (p *PushBuffer) Used() uint64 { return p.used }

// Buffers returns the number of device buffers owned.
func (p *PushBuffer) Buffers() int { return len(p.buffers) }

// Release destroys the device buffers. The device must be idle.
func (p *PushBuffer) Release() {
	for _, b := range p.buffers {
		p.dev.DestroyBuffer(b.id)
	}
	p.buffers = nil
	p.Reset()
}
