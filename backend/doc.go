// Package backend defines the native graphics API boundary of the engine.
//
// A Device exposes creation, destruction and recording calls at the
// granularity of an explicit graphics API (textures, buffers, pipelines,
// samplers, descriptor pools, render passes). Objects are named by opaque
// IDs; nothing above this package touches a native handle.
//
// # Backend Registration
//
// Backends register a Factory from init() and are selected at runtime:
//
//	import _ "github.com/gogpu/emugpu/backend/trace"
//
//	dev, err := backend.Open(backend.BackendTrace)
//
// # Available Backends
//
//   - "wgpu": gogpu/wgpu HAL device (backend/wgpu, constructed with New)
//   - "noop": gogpu/wgpu no-op HAL, headless (backend/wgpu)
//   - "trace": recording mock that validates object lifetimes (backend/trace)
package backend
