// Package bridge implements the host networking stack's request callback and
// forwards each phase to the transfer engine through an opaque handle. The
// host stack drives these objects from threads it owns, so nothing here may
// panic or block beyond forwarding and updating phase state.
package bridge

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/tmavro/enginebridge/internal/engine"
	"github.com/tmavro/enginebridge/internal/handle"
)

// Phase is the position of a request callback in its lifecycle.
type Phase int32

const (
	PhaseCreated Phase = iota
	PhaseRedirectReceived
	PhaseResponseStarted
	PhaseReading
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseRedirectReceived:
		return "redirect_received"
	case PhaseResponseStarted:
		return "response_started"
	case PhaseReading:
		return "reading"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	}

	return fmt.Sprintf("phase(%d)", int32(p))
}

// Terminal reports whether the phase ends the callback's lifecycle.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// ProtocolViolationError reports a phase delivered out of order or after a
// terminal phase. The offending call is dropped, never forwarded.
type ProtocolViolationError struct {
	Handle handle.Handle
	Phase  Phase  // phase the callback was in when the event arrived
	Event  string // the offending phase event
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation on handle %d: %s delivered in phase %s", e.Handle, e.Event, e.Phase)
}

// Violations observes dropped protocol violations, typically for metrics.
type Violations interface {
	RecordProtocolViolation(event string)
}

// RequestCallback forwards the five request phases for a single handle to the
// engine, enforcing monotonic phase order and exactly-once terminal delivery.
// It is safe to call from any thread; the host stack serializes per-handle
// calls in practice but nothing here relies on that.
type RequestCallback struct {
	h          handle.Handle
	sink       engine.CallbackSink
	registry   *handle.Registry
	logger     *slog.Logger
	violations Violations

	mu    sync.Mutex
	phase Phase
}

// NewRequestCallback binds a callback to h. The callback should be registered
// in and retired from registry by its owner; the bridge retires the handle
// itself once a terminal phase has been forwarded.
func NewRequestCallback(h handle.Handle, sink engine.CallbackSink, registry *handle.Registry, logger *slog.Logger) *RequestCallback {
	if logger == nil {
		logger = slog.Default()
	}

	return &RequestCallback{
		h:        h,
		sink:     sink,
		registry: registry,
		logger:   logger.With("handle", uint64(h)),
		phase:    PhaseCreated,
	}
}

// Track creates a callback under a freshly allocated handle and registers it
// in registry. The handle is retired when a terminal phase is forwarded, same
// as for NewRequestCallback.
func Track(registry *handle.Registry, sink engine.CallbackSink, logger *slog.Logger) *RequestCallback {
	if logger == nil {
		logger = slog.Default()
	}

	c := &RequestCallback{
		sink:     sink,
		registry: registry,
		phase:    PhaseCreated,
	}

	c.h = registry.Register(c)
	c.logger = logger.With("handle", uint64(c.h))

	return c
}

// WithViolations attaches a violation observer. Returns c for chaining.
func (c *RequestCallback) WithViolations(v Violations) *RequestCallback {
	c.violations = v

	return c
}

// Phase returns the current lifecycle phase.
func (c *RequestCallback) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.phase
}

// Handle returns the handle this callback is bound to.
func (c *RequestCallback) Handle() handle.Handle {
	return c.h
}

// OnRedirectReceived forwards a redirect notification. Valid before the
// response has started; redirects may repeat.
func (c *RequestCallback) OnRedirectReceived(newLocation string) error {
	return c.deliver("redirect_received", PhaseRedirectReceived, func() {
		c.sink.OnRedirectReceived(c.h, newLocation)
	})
}

// OnResponseStarted forwards the response metadata and closes the redirect
// window.
func (c *RequestCallback) OnResponseStarted(info engine.ResponseInfo) error {
	return c.deliver("response_started", PhaseResponseStarted, func() {
		c.sink.OnResponseStarted(c.h, info)
	})
}

// OnReadCompleted forwards one chunk of response body. May repeat.
func (c *RequestCallback) OnReadCompleted(chunk []byte) error {
	return c.deliver("read_completed", PhaseReading, func() {
		c.sink.OnReadCompleted(c.h, chunk)
	})
}

// OnSucceeded forwards the terminal success phase and retires the handle.
func (c *RequestCallback) OnSucceeded(info engine.ResponseInfo) error {
	return c.deliver("succeeded", PhaseSucceeded, func() {
		c.sink.OnSucceeded(c.h, info)
	})
}

// OnFailed forwards the terminal failure phase and retires the handle.
func (c *RequestCallback) OnFailed(errInfo engine.ErrorInfo) error {
	return c.deliver("failed", PhaseFailed, func() {
		c.sink.OnFailed(c.h, errInfo)
	})
}

// validFrom reports whether the target phase may be entered from cur.
func validFrom(cur, next Phase) bool {
	if cur.Terminal() {
		return false
	}

	switch next {
	case PhaseRedirectReceived, PhaseResponseStarted:
		return cur == PhaseCreated || cur == PhaseRedirectReceived
	case PhaseReading:
		return cur == PhaseResponseStarted || cur == PhaseReading
	case PhaseSucceeded, PhaseFailed:
		return true // any non-terminal phase
	}

	return false
}

// deliver performs the atomic check-and-transition for one phase event and,
// when the transition is accepted, forwards it to the engine. Holding the
// lock through the forward keeps per-handle delivery in the order the host
// stack produced it even under concurrent callers.
func (c *RequestCallback) deliver(event string, next Phase, forward func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !validFrom(c.phase, next) {
		err := &ProtocolViolationError{Handle: c.h, Phase: c.phase, Event: event}

		c.logger.Warn("dropping callback phase", "event", event, "phase", c.phase.String(), "err", err)

		if c.violations != nil {
			c.violations.RecordProtocolViolation(event)
		}

		return err
	}

	c.phase = next

	c.safeForward(event, forward)

	if next.Terminal() && c.registry != nil {
		c.registry.Retire(c.h)
	}

	return nil
}

// safeForward invokes the engine sink without letting a panic escape into the
// host stack's thread.
func (c *RequestCallback) safeForward(event string, forward func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("engine sink panic during phase forward",
				"event", event,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	forward()
}
