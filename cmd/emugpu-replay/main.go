// Command emugpu-replay drives the engine with a synthetic emulator
// workload: textured draws sourced from emulated memory that is
// rewritten every few frames.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"math"
	"os"
	"os/signal"

	"github.com/gogpu/gputypes"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/emugpu"
	"github.com/gogpu/emugpu/backend"
	_ "github.com/gogpu/emugpu/backend/trace"
	_ "github.com/gogpu/emugpu/backend/wgpu"
	"github.com/gogpu/emugpu/resource"
	"github.com/gogpu/emugpu/step"
	"github.com/gogpu/emugpu/texcache"
)

func main() {
	var (
		backendName = flag.String("backend", "", "device backend (wgpu, noop, trace); empty picks the best available")
		configPath  = flag.String("config", "", "TOML configuration file")
		dumpConfig  = flag.Bool("dump-config", false, "print the effective configuration and exit")
		frames      = flag.Int("frames", 120, "frames to replay")
		width       = flag.Int("width", 320, "render target width")
		height      = flag.Int("height", 240, "render target height")
		writeEvery  = flag.Int("write-every", 10, "rewrite emulated texture memory every n frames")
		output      = flag.String("output", "", "write the last frame as PNG")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := emugpu.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = emugpu.LoadConfig(*configPath); err != nil {
			log.Error("config", "err", err)
			os.Exit(1)
		}
	}
	if *dumpConfig {
		if err := cfg.Encode(os.Stdout); err != nil {
			log.Error("config", "err", err)
			os.Exit(1)
		}
		return
	}

	r := &replay{
		frames:     *frames,
		width:      uint32(*width),
		height:     uint32(*height),
		writeEvery: *writeEvery,
		output:     *output,
		log:        log,
	}
	if err := r.run(*backendName, cfg); err != nil {
		log.Error("replay failed", "err", err)
		os.Exit(1)
	}
}

// Emulated memory layout: four 32x32 RGBA textures back to back.
const (
	texSize   = 32
	texBytes  = texSize * texSize * 4
	texCount  = 4
	memoryLen = texBytes * texCount
)

type replay struct {
	frames        int
	width, height uint32
	writeEvery    int
	output        string
	log           *slog.Logger

	mem   memory
	eng   *emugpu.Engine
	cache *texcache.Cache
	fb    resource.Handle
	color resource.Handle
	prog  resource.Handle
}

func (r *replay) run(name string, cfg emugpu.Config) error {
	dev, err := openDevice(name)
	if err != nil {
		return err
	}
	caps := dev.Caps()
	r.log.Info("device opened", "adapter", caps.Adapter.Name, "software", caps.IsSoftware())

	r.eng, err = emugpu.New(dev,
		emugpu.WithConfig(cfg),
		emugpu.WithLogger(r.log),
		emugpu.WithNoticeHandler(func(n emugpu.Notice) {
			r.log.Warn("notice", "kind", n.Kind, "msg", n.Message)
		}),
	)
	if err != nil {
		return err
	}
	defer r.eng.Close()

	r.mem = make(memory, memoryLen)
	for slot := range texCount {
		r.mem.fill(slot, 0)
	}
	r.cache, err = r.eng.NewTextureCache(r.mem, rgbaDecoder{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := r.eng.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer cancel()
		return r.produce(gctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	r.report()
	return nil
}

func openDevice(name string) (backend.Device, error) {
	if name != "" {
		dev, err := backend.Open(name)
		if err != nil {
			return nil, fmt.Errorf("open backend %q: %w", name, err)
		}
		return dev, nil
	}
	dev, _, err := backend.OpenDefault()
	return dev, err
}

func (r *replay) produce(ctx context.Context) error {
	rec := r.eng.NewRecorder()
	r.fb, r.color = rec.CreateFramebuffer("scene", r.width, r.height, step.RGBA8888, true)
	vs := rec.CreateShader("vs", gputypes.ShaderStageVertex, vertexShader)
	fs := rec.CreateShader("fs", gputypes.ShaderStageFragment, fragmentShader)
	r.prog = rec.CreateProgram("textured", vs, fs)

	for i := range r.frames {
		if ctx.Err() != nil {
			return nil
		}
		if i > 0 && r.writeEvery > 0 && i%r.writeEvery == 0 {
			slot := (i / r.writeEvery) % texCount
			r.mem.fill(slot, byte(i))
			n := r.eng.NotifyMemoryWrite(uint32(slot*texBytes), texBytes)
			r.log.Debug("memory write", "frame", i, "slot", slot, "entries", n)
		}
		if err := r.record(rec); err != nil {
			return err
		}
		if err := r.eng.Submit(ctx, rec.Finish(false)); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		rec = r.eng.NewRecorder()
	}
	return r.save(ctx)
}

func (r *replay) record(rec *step.Recorder) error {
	r.cache.StartFrame(rec)
	rec.BeginRenderPass(r.fb, step.PassActions{
		Color:        step.LoadClear,
		Depth:        step.LoadClear,
		ClearColor:   gputypes.Color{R: 0.1, G: 0.1, B: 0.2, A: 1},
		ClearDepth:   1,
		DiscardDepth: true,
	})
	rec.Cmd(
		step.BindProgram{Program: r.prog},
		step.SetDepth{Test: true, Write: true, Compare: gputypes.CompareFunctionLess},
		step.SetSampler{Slot: 0, Params: step.SamplerParams{MinLinear: true, MagLinear: true, ClampS: true, ClampT: true}},
	)
	for slot := range texCount {
		b, err := r.cache.Lookup(rec, texcache.Key{
			Addr:   uint32(slot * texBytes),
			Width:  texSize,
			Height: texSize,
		})
		if err != nil {
			return fmt.Errorf("texture %d: %w", slot, err)
		}
		rec.Cmd(
			step.BindTexture{Slot: 0, Texture: b.Texture},
			step.PushVertices{Data: step.NewBlob(quad(slot), nil)},
			step.Draw{Count: 6},
		)
	}
	rec.EndRenderPass()
	return nil
}

func (r *replay) save(ctx context.Context) error {
	if r.output == "" {
		return nil
	}
	img := image.NewNRGBA(image.Rect(0, 0, int(r.width), int(r.height)))
	err := r.eng.Readback(ctx, emugpu.ReadbackRequest{
		Texture: r.color,
		Rect:    step.Rect{Width: r.width, Height: r.height},
		Format:  step.RGBA8888,
		Dst:     img.Pix,
		Stride:  img.Stride,
	})
	if err != nil {
		return fmt.Errorf("readback: %w", err)
	}
	f, err := os.Create(r.output)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	r.log.Info("frame saved", "path", r.output)
	return f.Close()
}

func (r *replay) report() {
	s := r.eng.Stats()
	r.log.Info("engine",
		"submitted", s.Submitted,
		"frames", s.Runner.Frames,
		"draws", s.Runner.Draws,
		"demoted", s.Runner.DemotedPasses,
		"pipelines", s.Runner.Pipelines.Len,
		"textures", s.Live[resource.KindTexture])
	for _, cs := range s.TextureCaches {
		r.log.Info("texture cache",
			"lookups", cs.Lookups,
			"hits", cs.Hits,
			"changes", cs.Changes,
			"uploads", cs.Uploads,
			"memory", cs.Memory.String())
	}
}

// memory is the emulated RAM the texture cache reads from.
type memory []byte

func (m memory) Bytes(addr uint32, size int) []byte {
	if int(addr) >= len(m) {
		return nil
	}
	return m[addr:min(int(addr)+size, len(m))]
}

func (m memory) fill(slot int, seed byte) {
	texels := m[slot*texBytes : (slot+1)*texBytes]
	for i := range texels {
		texels[i] = byte(slot)*60 + seed + byte(i%7)
	}
}

type rgbaDecoder struct{}

func (rgbaDecoder) SourceSize(k texcache.Key) int { return int(k.Width) * int(k.Height) * 4 }

func (rgbaDecoder) Decode(k texcache.Key, src []byte) (*image.NRGBA, texcache.AlphaStatus, error) {
	img := image.NewNRGBA(image.Rect(0, 0, int(k.Width), int(k.Height)))
	copy(img.Pix, src)
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0xFF {
			return img, texcache.AlphaUnknown, nil
		}
	}
	return img, texcache.AlphaFull, nil
}

// quad returns two triangles of position and UV covering one quadrant.
func quad(slot int) []byte {
	x0, y0 := float32(slot%2)-1, float32(slot/2)-1
	verts := [6][4]float32{
		{x0, y0, 0, 0}, {x0 + 1, y0, 1, 0}, {x0, y0 + 1, 0, 1},
		{x0 + 1, y0, 1, 0}, {x0 + 1, y0 + 1, 1, 1}, {x0, y0 + 1, 0, 1},
	}
	out := make([]byte, 0, len(verts)*16)
	for _, v := range verts {
		for _, f := range v {
			out = appendFloat(out, f)
		}
	}
	return out
}

func appendFloat(b []byte, f float32) []byte {
	return binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
}

const vertexShader = `
struct Out { @builtin(position) pos: vec4<f32>, @location(0) uv: vec2<f32> };
@vertex fn main(@location(0) pos: vec2<f32>, @location(1) uv: vec2<f32>) -> Out {
	return Out(vec4<f32>(pos, 0.0, 1.0), uv);
}`

const fragmentShader = `
@group(0) @binding(0) var tex: texture_2d<f32>;
@group(0) @binding(1) var smp: sampler;
@fragment fn main(@location(0) uv: vec2<f32>) -> @location(0) vec4<f32> {
	return textureSample(tex, smp, uv);
}`
