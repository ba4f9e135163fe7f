package texcache

import (
	"fmt"

	"github.com/gogpu/emugpu/resource"
)

// Key identifies a source texture. At most one entry exists per key.
type Key struct {
	Addr     uint32
	Format   uint16 // source format, opaque to the cache
	Width    uint32
	Height   uint32
	ClutHash uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%08x/%d/%dx%d/%08x", k.Addr, k.Format, k.Width, k.Height, k.ClutHash)
}

// Status is an entry's hash confidence plus flag bits.
type Status uint16

// Hash confidence, stored in the low two bits.
const (
	StatusHashing    Status = 0
	StatusReliable   Status = 1
	StatusUnreliable Status = 2
	StatusMask       Status = 3
)

// Flags.
const (
	// StatusAlphaUnknown is set when the decoder could not prove the
	// texture fully opaque.
	StatusAlphaUnknown Status = 1 << (iota + 2)
	StatusChangeFrequent
	// StatusToScale marks an entry uploaded unscaled because the frame's
	// scaling budget ran out.
	StatusToScale
	StatusIsScaled
	// StatusFreeChange lets the next change not count toward
	// StatusChangeFrequent.
	StatusFreeChange
	StatusReplaced
	// StatusTransient means the texture lives in the short-lived pool.
	StatusTransient
)

// Confidence returns the hash confidence bits.
func (s Status) Confidence() Status { return s & StatusMask }

func (s Status) String() string {
	switch s.Confidence() {
	case StatusReliable:
		return "reliable"
	case StatusUnreliable:
		return "unreliable"
	}
	return "hashing"
}

// AlphaStatus classifies the alpha channel of decoded pixels.
type AlphaStatus uint8

const (
	AlphaFull AlphaStatus = iota
	AlphaUnknown
)

// Binding is what a producer embeds into its render passes.
type Binding struct {
	Texture resource.Handle
	Width   uint32
	Height  uint32
	// Scale is the factor applied to the source dimensions, by software
	// or, with hardware scaling, expected of the device.
	Scale  int
	Alpha  AlphaStatus
	Status Status
}

// EntryInfo is a snapshot of an entry.
type EntryInfo struct {
	Key                     Key
	Texture                 resource.Handle
	Status                  Status
	FullHash                uint64
	MiniHash                uint32
	NumConsistent           int
	FramesUntilNextFullHash int
	LastFrame               uint64
	LastChange              uint64
	Invalidations           int
	Scale                   int
	Bytes                   uint64
}

type entry struct {
	key     Key
	texture resource.Handle
	width   uint32
	height  uint32
	status  Status

	fullHash uint64
	miniHash uint32

	backoff         int
	framesUntilFull int
	numConsistent   int
	forceFull       bool
	lastFrame       uint64
	lastChange      uint64
	invalidations   int
	scale           int
	bytes           uint64
	srcSize         int
}

func (e *entry) confidence() Status { return e.status.Confidence() }

func (e *entry) setConfidence(c Status) {
	e.status = e.status&^StatusMask | c
}

func (e *entry) has(f Status) bool { return e.status&f != 0 }

func (e *entry) set(f Status, on bool) {
	if on {
		e.status |= f
	} else {
		e.status &^= f
	}
}

func (e *entry) binding() Binding {
	alpha := AlphaFull
	if e.has(StatusAlphaUnknown) {
		alpha = AlphaUnknown
	}
	return Binding{
		Texture: e.texture,
		Width:   e.width,
		Height:  e.height,
		Scale:   e.scale,
		Alpha:   alpha,
		Status:  e.status,
	}
}

func (e *entry) info() EntryInfo {
	return EntryInfo{
		Key:                     e.key,
		Texture:                 e.texture,
		Status:                  e.status,
		FullHash:                e.fullHash,
		MiniHash:                e.miniHash,
		NumConsistent:           e.numConsistent,
		FramesUntilNextFullHash: e.framesUntilFull,
		LastFrame:               e.lastFrame,
		LastChange:              e.lastChange,
		Invalidations:           e.invalidations,
		Scale:                   e.scale,
		Bytes:                   e.bytes,
	}
}

// overlaps reports whether [addr, addr+size) touches the entry's source.
func (e *entry) overlaps(addr uint32, size int) bool {
	lo, hi := uint64(e.key.Addr), uint64(e.key.Addr)+uint64(e.srcSize)
	wlo, whi := uint64(addr), uint64(addr)+uint64(size)
	return wlo < hi && lo < whi
}
