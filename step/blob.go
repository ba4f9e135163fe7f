package step

// Blob is a CPU-owned payload carried by a step or command.
//
// The executor calls Release exactly once per blob, either after consuming
// the data or when the frame is skipped. Free, if set, receives the data
// so a producer-side pool can recycle it.
type Blob struct {
	Data []byte
	Free func([]byte)

	released bool
}

// NewBlob wraps data with an optional free callback.
func NewBlob(data []byte, free func([]byte)) *Blob {
	return &Blob{Data: data, Free: free}
}

// Bytes returns the payload, or nil after release.
func (b *Blob) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.Data
}

// Len returns the payload size in bytes.
func (b *Blob) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Data)
}

// Release hands the payload back to its owner. Subsequent calls are no-ops.
func (b *Blob) Release() {
	if b == nil || b.released {
		return
	}
	b.released = true
	if b.Free != nil {
		b.Free(b.Data)
	}
	b.Data = nil
}

// Released reports whether Release has run.
func (b *Blob) Released() bool {
	return b == nil || b.released
}

// ReleasePayloads releases every blob owned by s, including blobs inside
// render pass commands. It returns the number of blobs released by this
// call.
func ReleasePayloads(s Step) int {
	n := 0
	rel := func(b *Blob) {
		if b != nil && !b.released {
			b.Release()
			n++
		}
	}
	switch s := s.(type) {
	case UpdateBuffer:
		rel(s.Data)
	case UploadTexture:
		rel(s.Data)
	case RenderPass:
		for _, c := range s.Commands {
			switch c := c.(type) {
			case PushVertices:
				rel(c.Data)
			case PushIndices:
				rel(c.Data)
			case PushUniforms:
				rel(c.Data)
			}
		}
	}
	return n
}
