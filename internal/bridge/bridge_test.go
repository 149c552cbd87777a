package bridge

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmavro/enginebridge/internal/engine"
	"github.com/tmavro/enginebridge/internal/handle"
)

// recordingSink captures the phase events forwarded to the engine.
type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) record(e string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.events))
	copy(out, s.events)

	return out
}

func (s *recordingSink) OnRedirectReceived(h handle.Handle, newLocation string) {
	s.record("redirect:" + newLocation)
}

func (s *recordingSink) OnResponseStarted(h handle.Handle, info engine.ResponseInfo) {
	s.record(fmt.Sprintf("response:%d", info.StatusCode))
}

func (s *recordingSink) OnReadCompleted(h handle.Handle, chunk []byte) {
	s.record("read:" + string(chunk))
}

func (s *recordingSink) OnSucceeded(h handle.Handle, info engine.ResponseInfo) {
	s.record("succeeded")
}

func (s *recordingSink) OnFailed(h handle.Handle, errInfo engine.ErrorInfo) {
	s.record("failed:" + errInfo.Message)
}

func newCallback(t *testing.T) (*RequestCallback, *recordingSink, *handle.Registry, handle.Handle) {
	t.Helper()

	sink := &recordingSink{}
	reg := handle.NewRegistry()

	h := reg.Register("request-callback")
	cb := NewRequestCallback(h, sink, reg, nil)

	return cb, sink, reg, h
}

func TestTrack_RegistersAndRetires(t *testing.T) {
	sink := &recordingSink{}
	reg := handle.NewRegistry()

	cb := Track(reg, sink, nil)
	require.NotEqual(t, handle.None, cb.Handle())

	got, err := reg.Lookup(cb.Handle())
	require.NoError(t, err)
	assert.Same(t, cb, got)

	require.NoError(t, cb.OnFailed(engine.ErrorInfo{Code: 2, Message: "network"}))

	_, err = reg.Lookup(cb.Handle())
	assert.ErrorIs(t, err, handle.ErrNotFound)
}

func TestRequestCallback_HappyPath(t *testing.T) {
	cb, sink, reg, h := newCallback(t)

	require.NoError(t, cb.OnRedirectReceived("https://x/a"))
	require.NoError(t, cb.OnRedirectReceived("https://x/b"))
	require.NoError(t, cb.OnResponseStarted(engine.ResponseInfo{StatusCode: 200}))
	require.NoError(t, cb.OnReadCompleted([]byte("one")))
	require.NoError(t, cb.OnReadCompleted([]byte("two")))
	require.NoError(t, cb.OnSucceeded(engine.ResponseInfo{StatusCode: 200}))

	assert.Equal(t, []string{
		"redirect:https://x/a",
		"redirect:https://x/b",
		"response:200",
		"read:one",
		"read:two",
		"succeeded",
	}, sink.recorded())

	assert.Equal(t, PhaseSucceeded, cb.Phase())

	_, err := reg.Lookup(h)
	assert.ErrorIs(t, err, handle.ErrNotFound, "terminal phase must retire the handle")
}

func TestRequestCallback_RedirectAfterResponseStarted(t *testing.T) {
	cb, sink, _, _ := newCallback(t)

	require.NoError(t, cb.OnResponseStarted(engine.ResponseInfo{StatusCode: 301}))

	err := cb.OnRedirectReceived("https://x/late")

	var violation *ProtocolViolationError

	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "redirect_received", violation.Event)
	assert.Equal(t, PhaseResponseStarted, violation.Phase)
	assert.Equal(t, []string{"response:301"}, sink.recorded(), "violation must not be forwarded")
}

func TestRequestCallback_ReadBeforeResponse(t *testing.T) {
	cb, sink, _, _ := newCallback(t)

	var violation *ProtocolViolationError

	require.ErrorAs(t, cb.OnReadCompleted([]byte("early")), &violation)
	assert.Empty(t, sink.recorded())
	assert.Equal(t, PhaseCreated, cb.Phase())
}

func TestRequestCallback_NothingAfterTerminal(t *testing.T) {
	cb, sink, _, _ := newCallback(t)

	require.NoError(t, cb.OnFailed(engine.ErrorInfo{Code: 7, Message: "boom"}))

	var violation *ProtocolViolationError

	assert.ErrorAs(t, cb.OnResponseStarted(engine.ResponseInfo{}), &violation)
	assert.ErrorAs(t, cb.OnReadCompleted([]byte("late")), &violation)
	assert.ErrorAs(t, cb.OnSucceeded(engine.ResponseInfo{}), &violation)
	assert.ErrorAs(t, cb.OnFailed(engine.ErrorInfo{Message: "again"}), &violation)

	assert.Equal(t, []string{"failed:boom"}, sink.recorded())
	assert.Equal(t, PhaseFailed, cb.Phase())
}

func TestRequestCallback_FailedValidFromAnyNonTerminal(t *testing.T) {
	for _, setup := range []struct {
		name  string
		drive func(cb *RequestCallback)
	}{
		{name: "created", drive: func(cb *RequestCallback) {}},
		{name: "redirect", drive: func(cb *RequestCallback) {
			_ = cb.OnRedirectReceived("https://x/r")
		}},
		{name: "reading", drive: func(cb *RequestCallback) {
			_ = cb.OnResponseStarted(engine.ResponseInfo{})
			_ = cb.OnReadCompleted([]byte("c"))
		}},
	} {
		t.Run(setup.name, func(t *testing.T) {
			cb, _, _, _ := newCallback(t)
			setup.drive(cb)

			assert.NoError(t, cb.OnFailed(engine.ErrorInfo{Message: "x"}))
			assert.Equal(t, PhaseFailed, cb.Phase())
		})
	}
}

func TestRequestCallback_ConcurrentTerminalRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		cb, sink, _, _ := newCallback(t)
		require.NoError(t, cb.OnResponseStarted(engine.ResponseInfo{}))

		var wg sync.WaitGroup

		wg.Add(2)

		go func() {
			defer wg.Done()
			_ = cb.OnSucceeded(engine.ResponseInfo{})
		}()

		go func() {
			defer wg.Done()
			_ = cb.OnFailed(engine.ErrorInfo{Message: "race"})
		}()

		wg.Wait()

		terminals := 0

		for _, e := range sink.recorded() {
			if e == "succeeded" || e == "failed:race" {
				terminals++
			}
		}

		require.Equal(t, 1, terminals, "exactly one terminal phase must be forwarded")
	}
}

// panicSink blows up on the success phase to prove panics never escape into
// the calling thread.
type panicSink struct{ recordingSink }

func (s *panicSink) OnSucceeded(h handle.Handle, info engine.ResponseInfo) {
	panic("sink exploded")
}

func TestRequestCallback_SinkPanicContained(t *testing.T) {
	sink := &panicSink{}
	reg := handle.NewRegistry()
	h := reg.Register("cb")
	cb := NewRequestCallback(h, sink, reg, nil)

	assert.NotPanics(t, func() {
		require.NoError(t, cb.OnSucceeded(engine.ResponseInfo{}))
	})

	// The phase still counts as delivered and the handle is retired.
	assert.Equal(t, PhaseSucceeded, cb.Phase())

	_, err := reg.Lookup(h)
	assert.ErrorIs(t, err, handle.ErrNotFound)
}

// TestRequestCallback_RandomizedSequences hammers random interleaved phase
// calls and checks the forwarded stream against the lifecycle invariants.
func TestRequestCallback_RandomizedSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for run := 0; run < 200; run++ {
		cb, sink, _, _ := newCallback(t)

		calls := []func() error{
			func() error { return cb.OnRedirectReceived("https://x/r") },
			func() error { return cb.OnResponseStarted(engine.ResponseInfo{StatusCode: 200}) },
			func() error { return cb.OnReadCompleted([]byte("c")) },
			func() error { return cb.OnSucceeded(engine.ResponseInfo{}) },
			func() error { return cb.OnFailed(engine.ErrorInfo{Message: "e"}) },
		}

		var wg sync.WaitGroup

		for i := 0; i < 20; i++ {
			call := calls[rng.Intn(len(calls))]

			wg.Add(1)

			go func() {
				defer wg.Done()

				if err := call(); err != nil {
					var violation *ProtocolViolationError
					if !errors.As(err, &violation) {
						t.Errorf("unexpected error type: %v", err)
					}
				}
			}()
		}

		wg.Wait()

		terminals := 0
		started := false

		for i, e := range sink.recorded() {
			switch {
			case e == "succeeded" || e == "failed:e":
				terminals++

				require.Equal(t, len(sink.recorded())-1, i, "no phase may follow a terminal phase")
			case e == "response:200":
				require.False(t, started, "response_started must not repeat")

				started = true
			case e == "redirect:https://x/r":
				require.False(t, started, "redirect after response_started")
			case e == "read:c":
				require.True(t, started, "read before response_started")
			}
		}

		require.LessOrEqual(t, terminals, 1)
	}
}
