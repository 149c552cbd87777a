package handle

import (
	"errors"
	"sync"
)

// Handle is the opaque numeric identity shared with the transfer engine.
// The engine only ever sees the number; the object it designates stays on
// this side of the boundary.
type Handle uint64

// None is never issued by a registry and never resolves.
const None Handle = 0

var (
	// ErrNotFound is returned when a handle is unknown, retired, or stale.
	ErrNotFound = errors.New("handle: not found")

	// ErrAlreadyBound is returned when binding a handle that is still live.
	ErrAlreadyBound = errors.New("handle: already bound")
)

// Registry owns the mapping from live handles to host-side callback objects.
// Handles are either allocated here (Register) or issued by the engine side
// and attached to a callback explicitly (Bind). Allocation is monotonic, so a
// retired handle can never silently alias a later registration: looking it up
// yields ErrNotFound.
type Registry struct {
	mu      sync.RWMutex
	next    Handle
	entries map[Handle]any
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Handle]any)}
}

// Register allocates a fresh handle for cb. The returned value is never None
// and never equals a handle currently registered to another live callback.
func (r *Registry) Register(cb any) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		r.next++

		if r.next == None {
			continue
		}

		if _, taken := r.entries[r.next]; taken {
			continue
		}

		r.entries[r.next] = cb

		return r.next
	}
}

// Bind associates cb with an externally issued handle. The engine guarantees
// uniqueness among concurrently live operations; a collision with a live
// registration is reported as ErrAlreadyBound instead of being resolved
// silently.
func (r *Registry) Bind(h Handle, cb any) error {
	if h == None {
		return ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.entries[h]; taken {
		return ErrAlreadyBound
	}

	r.entries[h] = cb

	return nil
}

// Lookup resolves a handle to its callback object.
func (r *Registry) Lookup(h Handle) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cb, ok := r.entries[h]
	if !ok {
		return nil, ErrNotFound
	}

	return cb, nil
}

// Retire removes the mapping for h. Retiring an unknown or already-retired
// handle is a no-op.
func (r *Registry) Retire(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, h)
}

// Live returns the number of currently registered callbacks.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
