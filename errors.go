package emugpu

import "errors"

var (
	// ErrDeviceLost is returned for submissions between DeviceLost and
	// DeviceRestored.
	ErrDeviceLost = errors.New("emugpu: device lost")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("emugpu: engine closed")

	// ErrRunning is returned by Run when another Run is active.
	ErrRunning = errors.New("emugpu: already running")
)

// NoticeKind classifies a Notice.
type NoticeKind uint8

const (
	// NoticeOutOfMemory: the device ran out of memory creating a texture.
	NoticeOutOfMemory NoticeKind = iota + 1
	// NoticeLowTextureMemory: a texture cache disabled scaling to fit its
	// memory budget.
	NoticeLowTextureMemory
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeOutOfMemory:
		return "out of memory"
	case NoticeLowTextureMemory:
		return "low texture memory"
	}
	return "unknown"
}

// Notice is a degradation the host may show to the user. It is the only
// problem reported outside of call returns.
type Notice struct {
	Kind    NoticeKind
	Message string
}
