package runner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/emugpu/backend"
	"github.com/gogpu/emugpu/resource"
	"github.com/gogpu/emugpu/step"
)

const (
	sampledUsage = gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst | gputypes.TextureUsageCopySrc
	targetUsage  = sampledUsage | gputypes.TextureUsageRenderAttachment
)

// depthFormats is the preference order for framebuffer depth attachments.
var depthFormats = []gputypes.TextureFormat{
	gputypes.TextureFormatDepth24PlusStencil8,
	gputypes.TextureFormatDepth32FloatStencil8,
	gputypes.TextureFormatDepth24Plus,
	gputypes.TextureFormatDepth16Unorm,
}

func (r *Runner) runCreate(s step.Step) {
	r.stats.Creates++
	var ok bool
	switch s := s.(type) {
	case step.CreateTexture:
		ok = r.createTexture(&s)
	case step.CreateBuffer:
		ok = r.createBuffer(&s)
	case step.CreateShader:
		ok = r.createShader(&s)
	case step.CreateProgram:
		ok = r.createProgram(&s)
	case step.CreateFramebuffer:
		ok = r.createFramebuffer(&s)
	}
	if !ok {
		r.stats.CreateFailures++
	}
}

// failed records a failed creation. Handles that no longer resolve
// (deleted before the creation ran) are only logged.
func (r *Runner) failed(h resource.Handle, meta any, err error) {
	slogger().Debug("runner: creation failed", "handle", h, "err", err)
	if merr := r.reg.MarkFailed(h, meta); merr != nil {
		slogger().Warn("runner: mark failed", "handle", h, "err", merr)
	}
}

// bind makes h live, destroying the native object when the handle went
// stale in the meantime.
func (r *Runner) bind(h resource.Handle, id backend.ID, meta any, destroy func(backend.ID)) bool {
	if err := r.reg.Bind(h, uint64(id), meta); err != nil {
		slogger().Warn("runner: bind created object", "handle", h, "err", err)
		destroy(id)
		return false
	}
	return true
}

func (r *Runner) createTexture(s *step.CreateTexture) bool {
	tf, ok := s.Desc.Format.TextureFormat()
	info := &TextureInfo{Format: s.Desc.Format}
	if !ok {
		r.failed(s.Handle, info, fmt.Errorf("%w: texture format %v", backend.ErrUnsupported, s.Desc.Format))
		slogger().Warn("runner: unsupported texture format", "handle", s.Handle, "format", s.Desc.Format)
		return false
	}
	info.Desc = backend.TextureDesc{
		Label:     s.Desc.Label,
		Width:     s.Desc.Width,
		Height:    s.Desc.Height,
		MipLevels: max(s.Desc.MipLevels, 1),
		Format:    tf,
		Usage:     sampledUsage,
		Transient: s.Desc.Transient,
	}
	id, err := r.dev.CreateTexture(&info.Desc)
	if errors.Is(err, backend.ErrOutOfMemory) && r.cfg.OnOutOfMemory != nil {
		// The host may release memory; the creation is retried once.
		r.cfg.OnOutOfMemory(s.Handle, info.Desc.SizeBytes())
		id, err = r.dev.CreateTexture(&info.Desc)
	}
	if err != nil {
		slogger().Warn("runner: create texture", "handle", s.Handle, "label", s.Desc.Label,
			"size", fmt.Sprintf("%dx%d", s.Desc.Width, s.Desc.Height), "err", err)
		r.failed(s.Handle, info, err)
		return false
	}
	return r.bind(s.Handle, id, info, r.dev.DestroyTexture)
}

func (r *Runner) createBuffer(s *step.CreateBuffer) bool {
	desc := backend.BufferDesc{Label: s.Label, Size: s.Size, Usage: s.Usage | gputypes.BufferUsageCopyDst}
	info := &BufferInfo{Size: s.Size, Usage: desc.Usage}
	id, err := r.dev.CreateBuffer(&desc)
	if err != nil {
		slogger().Warn("runner: create buffer", "handle", s.Handle, "label", s.Label, "size", s.Size, "err", err)
		r.failed(s.Handle, info, err)
		return false
	}
	return r.bind(s.Handle, id, info, r.dev.DestroyBuffer)
}

// createShader compiles one stage. A compile failure is not fatal: the
// handle keeps the source and log, and programs using it fail to link.
func (r *Runner) createShader(s *step.CreateShader) bool {
	info := &ShaderInfo{Label: s.Label, Stage: s.Stage, Source: s.Source}
	id, err := r.dev.CreateShader(&backend.ShaderDesc{Label: s.Label, Stage: s.Stage, Source: s.Source})
	if err != nil {
		info.Failed, info.Log = true, err.Error()
		slogger().Warn("runner: shader compile failed", "handle", s.Handle, "label", s.Label, "err", err)
		r.failed(s.Handle, info, err)
		return false
	}
	return r.bind(s.Handle, id, info, r.dev.DestroyShader)
}

// createProgram links shader stages. Linking happens lazily in pipeline
// creation; here the stages are validated and recorded.
func (r *Runner) createProgram(s *step.CreateProgram) bool {
	info := &ProgramInfo{Label: s.Label}
	if len(s.Shaders) == 0 {
		r.fatal("runner: program without shader stages", "handle", s.Handle, "label", s.Label)
		info.Failed, info.Log = true, "no shader stages"
		r.failed(s.Handle, info, ErrFatal)
		return false
	}

	var problems []string
	var diag strings.Builder
	for _, sh := range s.Shaders {
		e, err := r.reg.Lookup(sh)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", sh, err))
			continue
		}
		si, _ := e.Meta.(*ShaderInfo)
		if si != nil {
			fmt.Fprintf(&diag, "--- %s (%s) ---\n%s\n", si.Label, sh, si.Source)
			if si.Log != "" {
				fmt.Fprintf(&diag, "log: %s\n", si.Log)
			}
		}
		if e.State != resource.StateLive || si == nil {
			problems = append(problems, fmt.Sprintf("%s is %s", sh, e.State))
			continue
		}
		switch si.Stage {
		case gputypes.ShaderStageVertex:
			info.Vertex = sh
		case gputypes.ShaderStageFragment:
			info.Fragment = sh
		default:
			problems = append(problems, fmt.Sprintf("%s: unsupported stage %v", sh, si.Stage))
		}
	}
	if info.Vertex == resource.Invalid {
		problems = append(problems, "missing vertex stage")
	}
	if info.Fragment == resource.Invalid {
		problems = append(problems, "missing fragment stage")
	}
	if len(problems) > 0 {
		info.Failed, info.Log = true, strings.Join(problems, "; ")
		slogger().Error("runner: program link failed", "handle", s.Handle, "label", s.Label,
			"problems", info.Log, "stages", diag.String())
		r.failed(s.Handle, info, errors.New(info.Log))
		return false
	}
	if err := r.reg.Bind(s.Handle, 0, info); err != nil {
		slogger().Warn("runner: bind program", "handle", s.Handle, "err", err)
		return false
	}
	return true
}

// createFramebuffer creates the color texture, a depth texture in the
// best supported format and the framebuffer. Any failure releases what
// was created and marks both handles failed.
func (r *Runner) createFramebuffer(s *step.CreateFramebuffer) bool {
	info := &FramebufferInfo{Label: s.Label, Color: s.ColorTexture, Width: s.Width, Height: s.Height}
	colorInfo := &TextureInfo{Format: s.ColorFormat}
	fail := func(err error) bool {
		slogger().Warn("runner: create framebuffer", "handle", s.Handle, "label", s.Label, "err", err)
		r.failed(s.ColorTexture, colorInfo, err)
		r.failed(s.Handle, info, err)
		return false
	}

	tf, ok := s.ColorFormat.TextureFormat()
	if !ok || !r.dev.SupportsFormat(tf, targetUsage) {
		return fail(fmt.Errorf("%w: color format %v", backend.ErrUnsupported, s.ColorFormat))
	}
	info.ColorFormat = tf
	colorInfo.Desc = backend.TextureDesc{
		Label: s.Label + ".color", Width: s.Width, Height: s.Height, MipLevels: 1, Format: tf, Usage: targetUsage,
	}
	color, err := r.dev.CreateTexture(&colorInfo.Desc)
	if err != nil {
		return fail(err)
	}

	depth := backend.NullID
	var depthDesc backend.TextureDesc
	if s.Depth {
		depthDesc, depth, err = r.createDepth(s)
		if err != nil {
			slogger().Warn("runner: no usable depth format, framebuffer without depth", "handle", s.Handle, "err", err)
		} else {
			info.DepthFormat = depthDesc.Format
		}
	}

	fb, err := r.dev.CreateFramebuffer(&backend.FramebufferDesc{
		Label: s.Label, Color: color, Depth: depth, Width: s.Width, Height: s.Height,
	})
	if err != nil {
		r.dev.DestroyTexture(color)
		if depth != backend.NullID {
			r.dev.DestroyTexture(depth)
		}
		return fail(err)
	}

	if !r.bind(s.ColorTexture, color, colorInfo, r.dev.DestroyTexture) {
		r.dev.DestroyFramebuffer(fb)
		if depth != backend.NullID {
			r.dev.DestroyTexture(depth)
		}
		return fail(fmt.Errorf("%w: color texture handle", resource.ErrStaleHandle))
	}
	if depth != backend.NullID {
		// The depth attachment is only reachable through the framebuffer.
		info.Depth = r.reg.Reserve(resource.KindTexture)
		r.bind(info.Depth, depth, &TextureInfo{Desc: depthDesc, Format: step.FormatUndefined}, r.dev.DestroyTexture)
	}
	if !r.bind(s.Handle, fb, info, r.dev.DestroyFramebuffer) {
		// The attachments are live under their own handles.
		r.delete(s.ColorTexture)
		if info.Depth != resource.Invalid {
			r.delete(info.Depth)
		}
		return false
	}
	return true
}

// createDepth tries the depth formats in preference order.
func (r *Runner) createDepth(s *step.CreateFramebuffer) (backend.TextureDesc, backend.ID, error) {
	var errs []error
	for _, f := range depthFormats {
		if !r.dev.SupportsFormat(f, gputypes.TextureUsageRenderAttachment) {
			continue
		}
		desc := backend.TextureDesc{
			Label: s.Label + ".depth", Width: s.Width, Height: s.Height, MipLevels: 1,
			Format: f, Usage: gputypes.TextureUsageRenderAttachment,
		}
		id, err := r.dev.CreateTexture(&desc)
		if err == nil {
			return desc, id, nil
		}
		errs = append(errs, fmt.Errorf("%v: %w", f, err))
	}
	if len(errs) == 0 {
		return backend.TextureDesc{}, backend.NullID, fmt.Errorf("%w: no depth format", backend.ErrUnsupported)
	}
	return backend.TextureDesc{}, backend.NullID, errors.Join(errs...)
}
