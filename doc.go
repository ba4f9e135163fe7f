// Package emugpu executes the drawing work of an emulated GPU on a real
// graphics device.
//
// # Overview
//
// A producer, typically the emulator's command processor, records each
// frame as an ordered list of steps: resource creation, uploads, render
// passes, copies, blits and readbacks. The engine translates every frame
// into native device calls, skipping state changes that would not change
// anything, and destroys resources only once no in-flight frame can still
// use them.
//
// # Quick Start
//
//	dev, _ := wgpu.OpenNoop()
//	eng, _ := emugpu.New(dev)
//	defer eng.Close()
//
//	rec := eng.NewRecorder()
//	fb, _ := rec.CreateFramebuffer("scene", 640, 480, step.RGBA8888, true)
//	rec.BeginRenderPass(fb, step.PassActions{})
//	rec.Cmd(step.Clear{Color: &gputypes.Color{A: 1}})
//	rec.EndRenderPass()
//	err := eng.RunFrame(rec.Finish(false))
//
// # Threading
//
// Native calls are issued by one executor. Call Run on a dedicated
// goroutine to make it the executor; it locks itself to its OS thread.
// Without Run every method executes inline under the engine mutex.
// Recorders, NotifyMemoryWrite and texture caches may be used from any
// goroutine.
//
// # Architecture
//
// The engine is organized into:
//   - step: the frame and command model handed to the engine
//   - resource: the handle registry; producers only ever hold handles
//   - backend: the device interface, with wgpu and trace implementations
//   - internal/runner: the executor and its shadow state
//   - internal/frame: the frame ring and deferred deletion
//   - internal/rescache: pipeline, descriptor set and sampler caches
//   - texcache: the content-hashed source texture cache
//
// # Logging
//
// emugpu is silent by default. SetLogger enables structured logging for
// the engine and all its sub-packages.
package emugpu
