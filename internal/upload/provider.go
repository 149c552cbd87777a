// Package upload supplies request bodies to the host networking stack in
// bounded chunks, with rewind support for retried requests. The host stack
// drives the provider from its own internal thread, so every failure is
// routed through the sink's error channel instead of panicking.
package upload

import (
	"fmt"
	"sync"

	"github.com/tmavro/enginebridge/internal/engine"
	"github.com/tmavro/enginebridge/internal/handle"
)

// Sink is the host stack's acknowledgment channel for body reads and rewinds.
type Sink interface {
	OnReadSucceeded(finalChunk bool)
	OnReadError(err error)
	OnRewindSucceeded()
	OnRewindError(err error)
}

// Provider serves one immutable body from a rewindable cursor. When a
// progress handle was attached at construction, every advancing read reports
// (position, length) toward the engine.
type Provider struct {
	body     []byte
	h        handle.Handle
	progress engine.ProgressSink

	mu  sync.Mutex
	pos uint64
}

// NewProvider builds a provider for body. Pass handle.None (or a nil sink)
// to disable progress reporting.
func NewProvider(body []byte, h handle.Handle, progress engine.ProgressSink) *Provider {
	return &Provider{body: body, h: h, progress: progress}
}

// Length returns the total body length. Constant for the provider's lifetime.
func (p *Provider) Length() uint64 {
	return uint64(len(p.body))
}

// Position returns the current cursor position.
func (p *Provider) Position() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.pos
}

// Read copies min(remaining, len(dst)) bytes into dst, advances the cursor,
// and acknowledges through sink. Returns the number of bytes written.
func (p *Provider) Read(sink Sink, dst []byte) (n int) {
	defer func() {
		if r := recover(); r != nil {
			sink.OnReadError(fmt.Errorf("upload read: %v", r))
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := uint64(len(p.body)) - p.pos

	n = len(dst)
	if uint64(n) > remaining {
		n = int(remaining)
	}

	if n > 0 {
		copy(dst, p.body[p.pos:p.pos+uint64(n)])
		p.pos += uint64(n)

		if p.h != handle.None && p.progress != nil {
			p.progress.OnProgress(p.h, p.pos, uint64(len(p.body)))
		}
	}

	// The host stack tracks completion against Length itself; the final
	// chunk is never flagged for fixed-length bodies.
	sink.OnReadSucceeded(false)

	return n
}

// Rewind resets the cursor to the start so the host stack can retry the
// request after a redirect or auth challenge. Idempotent; emits no progress.
func (p *Provider) Rewind(sink Sink) {
	defer func() {
		if r := recover(); r != nil {
			sink.OnRewindError(fmt.Errorf("upload rewind: %v", r))
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.pos = 0

	sink.OnRewindSucceeded()
}
