// Package rescache holds the executor's lazily built native objects:
// render pipelines keyed by program and render state, descriptor sets
// sub-allocated per frame ring slot, and samplers keyed by a packed
// sampler description.
//
// Every native object released by a cache goes through the frame ring's
// deferred deletion. Reset forgets everything without native calls and
// is used after device loss.
package rescache
