// Package wgpu implements backend.Device on top of the gogpu/wgpu HAL.
//
// Objects are kept in per-kind maps keyed by backend.ID, the same way the
// executor sees them. Render work for one ring slot is recorded into a
// single hal.CommandEncoder between BeginFrame and EndFrame and submitted
// once; BeginFrame waits for the submission previously made from the same
// slot before its command buffers are released.
//
// Shaders are WGSL and are compiled to SPIR-V with naga. Every pipeline
// uses one fixed bind group layout:
//
//	binding 0          dynamic uniform buffer (vertex + fragment)
//	binding 1 + 2*i    texture of slot i
//	binding 2 + 2*i    sampler of slot i
//
// Descriptor pools are emulated: a pool is a capacity counter plus the bind
// groups allocated from it, destroyed together on reset.
//
// Uploads and buffer writes go through the queue and are therefore ordered
// before the commands recorded in the current frame.
//
// OpenNoop opens a device on the HAL noop adapter and is registered as the
// "noop" backend. Hosts that enumerated a real adapter call New and may
// register it under "wgpu" themselves.
package wgpu
