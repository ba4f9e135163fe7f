package resource

import (
	"errors"
	"fmt"
	"sync"
)

// Registry errors.
var (
	// ErrInvalidHandle is returned for the zero handle or a malformed one.
	ErrInvalidHandle = errors.New("resource: invalid handle")

	// ErrStaleHandle is returned when the slot was freed (and possibly
	// reused) after the handle was issued.
	ErrStaleHandle = errors.New("resource: handle already freed")

	// ErrKindMismatch is returned when a handle is used where another
	// kind is expected.
	ErrKindMismatch = errors.New("resource: handle kind mismatch")

	// ErrNotLive is returned when the entry exists but holds no usable
	// native object (reserved, failed, queued for deletion or lost).
	ErrNotLive = errors.New("resource: entry not live")
)

// State is the lifecycle state of a registry entry.
type State uint8

// Entry states.
const (
	// StateReserved: handle issued, creation step not executed yet.
	StateReserved State = iota
	// StateLive: native object bound.
	StateLive
	// StateFailed: creation was attempted and failed.
	StateFailed
	// StateDying: queued for deferred deletion; the native object still
	// exists but may not be referenced by new work.
	StateDying
	// StateLost: native object vanished with the device.
	StateLost
)

var stateNames = [...]string{"Reserved", "Live", "Failed", "Dying", "Lost"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// Entry is the registry view of one resource.
type Entry struct {
	// Native is the backend object ID; zero when not live.
	Native uint64
	State  State
	// Meta holds executor-defined metadata (texture descriptor, shader
	// compile log, framebuffer attachments).
	Meta any
}

type slot struct {
	gen   uint32
	inUse bool
	entry Entry
}

type table struct {
	slots []slot
	free  []uint32
	live  int
}

// Registry is the per-engine slot map of every resource kind.
//
// Reserve may be called from any goroutine. All other mutating methods
// belong to the executor goroutine; the internal mutex only keeps Reserve
// consistent with them.
type Registry struct {
	mu     sync.Mutex
	tables [kindCount]table
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Reserve allocates a handle of the given kind in the Reserved state.
func (r *Registry) Reserve(kind Kind) Handle {
	if kind == KindInvalid || kind >= kindCount {
		return Invalid
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &r.tables[kind]
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots)) //nolint:gosec // G115: slot count bounded by memory
		t.slots = append(t.slots, slot{})
	}
	s := &t.slots[idx]
	s.gen++
	if s.gen&genMask == 0 {
		s.gen = 1
	}
	s.inUse = true
	s.entry = Entry{State: StateReserved}
	t.live++
	return makeHandle(kind, s.gen, idx)
}

// resolve returns the slot for h. Caller must hold r.mu.
func (r *Registry) resolve(h Handle) (*slot, error) {
	if !h.IsValid() {
		return nil, ErrInvalidHandle
	}
	t := &r.tables[h.Kind()]
	idx := h.Index()
	if int(idx) >= len(t.slots) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHandle, h)
	}
	s := &t.slots[idx]
	if !s.inUse || s.gen&genMask != h.Generation() {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	return s, nil
}

// Lookup returns the entry for h.
func (r *Registry) Lookup(h Handle) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.resolve(h)
	if err != nil {
		return Entry{}, err
	}
	return s.entry, nil
}

// Native returns the native ID of a live entry of the expected kind.
func (r *Registry) Native(h Handle, want Kind) (uint64, error) {
	if h.Kind() != want {
		return 0, fmt.Errorf("%w: %s, want %s", ErrKindMismatch, h, want)
	}
	e, err := r.Lookup(h)
	if err != nil {
		return 0, err
	}
	if e.State != StateLive {
		return 0, fmt.Errorf("%w: %s is %s", ErrNotLive, h, e.State)
	}
	return e.Native, nil
}

// Bind attaches a native object to a reserved (or failed) entry and makes
// it live.
func (r *Registry) Bind(h Handle, native uint64, meta any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.resolve(h)
	if err != nil {
		return err
	}
	switch s.entry.State {
	case StateReserved, StateFailed, StateLive:
	default:
		return fmt.Errorf("%w: bind %s in state %s", ErrNotLive, h, s.entry.State)
	}
	s.entry = Entry{Native: native, State: StateLive, Meta: meta}
	return nil
}

// SetMeta replaces the metadata of an entry without changing its state.
func (r *Registry) SetMeta(h Handle, meta any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.resolve(h)
	if err != nil {
		return err
	}
	s.entry.Meta = meta
	return nil
}

// MarkFailed records a failed creation attempt.
func (r *Registry) MarkFailed(h Handle, meta any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.resolve(h)
	if err != nil {
		return err
	}
	s.entry = Entry{State: StateFailed, Meta: meta}
	return nil
}

// MarkDying transitions an entry to Dying and returns the native ID the
// caller must enqueue for deferred deletion. The entry no longer exposes
// its native ID, so a later lookup cannot reach the doomed object.
//
// Reserved and failed entries return native 0; the caller frees them
// through the same deferred path so the slot is still not reused early.
func (r *Registry) MarkDying(h Handle) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.resolve(h)
	if err != nil {
		return 0, err
	}
	if s.entry.State == StateDying {
		return 0, fmt.Errorf("%w: %s already queued for deletion", ErrStaleHandle, h)
	}
	native := s.entry.Native
	if s.entry.State == StateLost {
		native = 0
	}
	s.entry.State = StateDying
	s.entry.Native = 0
	return native, nil
}

// Free releases the slot. It must only be called once the native object
// has really been destroyed.
func (r *Registry) Free(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.resolve(h)
	if err != nil {
		return err
	}
	s.inUse = false
	s.entry = Entry{}
	t := &r.tables[h.Kind()]
	t.free = append(t.free, h.Index())
	t.live--
	return nil
}

// MarkAllLost marks every live or dying entry lost and returns the native
// IDs that were live, grouped by kind, so the caller can destroy them.
func (r *Registry) MarkAllLost() map[Kind][]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[Kind][]uint64)
	for k := KindTexture; k < kindCount; k++ {
		t := &r.tables[k]
		for i := range t.slots {
			s := &t.slots[i]
			if !s.inUse {
				continue
			}
			if s.entry.State == StateLive && s.entry.Native != 0 {
				out[k] = append(out[k], s.entry.Native)
			}
			if s.entry.State != StateDying {
				s.entry.State = StateLost
			}
			s.entry.Native = 0
		}
	}
	return out
}

// Live returns the number of slots in use for kind, including reserved and
// dying entries.
func (r *Registry) Live(kind Kind) int {
	if kind >= kindCount {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tables[kind].live
}
