package runner

import (
	"github.com/gogpu/emugpu/backend"
	"github.com/gogpu/emugpu/internal/frame"
	"github.com/gogpu/emugpu/internal/pixconv"
	"github.com/gogpu/emugpu/resource"
	"github.com/gogpu/emugpu/step"
)

// uploadTexture writes pixels into a texture, converting them to the
// texture's format when the source format differs.
func (r *Runner) uploadTexture(s *step.UploadTexture) {
	defer s.Data.Release()
	tex, info, err := r.texture(s.Texture)
	if err != nil {
		slogger().Warn("runner: upload to unavailable texture", "texture", s.Texture, "err", err)
		return
	}
	if s.Region.Empty() {
		return
	}
	n := s.Region.Area()
	data, format := s.Data.Bytes(), s.Format
	if info != nil && info.Format != step.FormatUndefined && info.Format != s.Format {
		bpp := info.Format.BytesPerPixel()
		if cap(r.upload) < n*bpp {
			r.upload = make([]byte, n*bpp)
		}
		dst := r.upload[:n*bpp]
		if err := pixconv.Convert(dst, info.Format, data, s.Format, n); err != nil {
			slogger().Warn("runner: upload conversion", "texture", s.Texture, "from", s.Format, "to", info.Format, "err", err)
			return
		}
		data, format = dst, info.Format
	}
	if need := n * format.BytesPerPixel(); len(data) < need {
		slogger().Warn("runner: upload data too short", "texture", s.Texture, "bytes", len(data), "need", need)
		return
	}
	region := backend.Region{X: s.Region.X, Y: s.Region.Y, Width: s.Region.Width, Height: s.Region.Height}
	bytesPerRow := s.Region.Width * uint32(format.BytesPerPixel()) //nolint:gosec // G115: small
	if err := r.dev.UploadTexture(tex, s.Level, region, data, bytesPerRow); err != nil {
		slogger().Warn("runner: upload texture", "texture", s.Texture, "region", region, "err", err)
	}
}

func (r *Runner) updateBuffer(s *step.UpdateBuffer) {
	defer s.Data.Release()
	native, err := r.reg.Native(s.Buffer, resource.KindBuffer)
	if err != nil {
		slogger().Warn("runner: update unavailable buffer", "buffer", s.Buffer, "err", err)
		return
	}
	if err := r.dev.WriteBuffer(backend.ID(native), s.Offset, s.Data.Bytes()); err != nil {
		slogger().Warn("runner: write buffer", "buffer", s.Buffer, "err", err)
	}
}

// copyTexture copies between textures of the same format. Framebuffers
// take part through their color texture.
func (r *Runner) copyTexture(s *step.Copy) {
	if !r.caps.CopyImage {
		r.logOnce("copy", "runner: device cannot copy images, ignoring copies")
		return
	}
	src, si, err := r.texture(s.Src)
	if err != nil {
		slogger().Warn("runner: copy source unavailable", "src", s.Src, "err", err)
		return
	}
	dst, di, err := r.texture(s.Dst)
	if err != nil {
		slogger().Warn("runner: copy destination unavailable", "dst", s.Dst, "err", err)
		return
	}
	if si != nil && di != nil && si.Desc.Format != di.Desc.Format {
		slogger().Warn("runner: copy between formats", "src", si.Desc.Format, "dst", di.Desc.Format)
		return
	}
	err = r.dev.CopyTexture(src, dst,
		backend.Origin{X: s.SrcOrigin.X, Y: s.SrcOrigin.Y},
		backend.Origin{X: s.DstOrigin.X, Y: s.DstOrigin.Y},
		backend.Extent{Width: s.Size.Width, Height: s.Size.Height})
	if err != nil {
		slogger().Warn("runner: copy texture", "src", s.Src, "dst", s.Dst, "err", err)
	}
}

// framebuffer resolves a blit endpoint; Invalid is the backbuffer.
func (r *Runner) framebuffer(h resource.Handle) (backend.ID, error) {
	if h == resource.Invalid {
		return backend.NullID, nil
	}
	native, err := r.reg.Native(h, resource.KindFramebuffer)
	return backend.ID(native), err
}

func (r *Runner) blit(s *step.Blit) {
	if !r.caps.Blit {
		r.logOnce("blit", "runner: device cannot blit, ignoring blits")
		return
	}
	src, err := r.framebuffer(s.Src)
	if err != nil {
		slogger().Warn("runner: blit source unavailable", "src", s.Src, "err", err)
		return
	}
	dst, err := r.framebuffer(s.Dst)
	if err != nil {
		slogger().Warn("runner: blit destination unavailable", "dst", s.Dst, "err", err)
		return
	}
	if err := r.dev.BlitFramebuffer(src, dst, toRegion(s.SrcRect), toRegion(s.DstRect), s.Linear); err != nil {
		slogger().Warn("runner: blit", "src", s.Src, "dst", s.Dst, "err", err)
	}
}

// delete queues the native object of h for deferred destruction. The
// handle itself is freed when the deletion executes.
func (r *Runner) delete(h resource.Handle) {
	e, err := r.reg.Lookup(h)
	if err != nil {
		slogger().Warn("runner: delete of stale handle", "handle", h, "err", err)
		return
	}
	native, err := r.reg.MarkDying(h)
	if err != nil {
		slogger().Warn("runner: delete", "handle", h, "err", err)
		return
	}
	r.stats.Deletes++
	id := backend.ID(native)
	switch h.Kind() {
	case resource.KindTexture:
		r.queueDelete(frame.ObjTexture, id, h)
	case resource.KindBuffer:
		r.queueDelete(frame.ObjBuffer, id, h)
	case resource.KindShader:
		r.queueDelete(frame.ObjShader, id, h)
	case resource.KindProgram:
		if n := r.pipelines.PurgeProgram(h); n > 0 {
			slogger().Debug("runner: purged pipelines", "program", h, "count", n)
		}
		if r.state.Program == h {
			r.state.Program, r.state.pipelineDirty = resource.Invalid, true
		}
		r.queueDelete(frame.ObjNone, backend.NullID, h)
	case resource.KindFramebuffer:
		r.queueDelete(frame.ObjFramebuffer, id, h)
		if info, ok := e.Meta.(*FramebufferInfo); ok {
			for _, att := range []resource.Handle{info.Color, info.Depth} {
				if att == resource.Invalid {
					continue
				}
				if an, err := r.reg.MarkDying(att); err == nil {
					r.queueDelete(frame.ObjTexture, backend.ID(an), att)
				}
			}
		}
	default:
		r.queueDelete(frame.ObjNone, id, h)
	}
}

// queueDelete defers to the frame being recorded, or to the global list
// between frames and in skipped frames.
func (r *Runner) queueDelete(kind frame.ObjectKind, id backend.ID, h resource.Handle) {
	if r.ctx != nil {
		r.ring.QueueDelete(kind, &id, h)
		return
	}
	r.ring.QueueDeleteGlobal(kind, &id, h)
}
