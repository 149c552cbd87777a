// Package task executes one transfer to a terminal outcome as a unit of work
// visible to the host scheduler.
package task

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/tmavro/enginebridge/internal/engine"
	"github.com/tmavro/enginebridge/internal/handle"
	"github.com/tmavro/enginebridge/internal/logctx"
)

// NoProgressHandle is the input sentinel for "no progress handle attached".
const NoProgressHandle int64 = -1

// Input is the structured record a task reads from the scheduler.
type Input struct {
	URL              string
	FilePath         string
	HeadersJSON      string // JSON object; empty means "{}"
	ProgressHandleID int64  // NoProgressHandle when absent
}

// Outcome is the structured result reported back to the scheduler. Exactly
// one outcome is produced per execution.
type Outcome struct {
	Success   bool   `json:"success"`
	ErrorCode int32  `json:"error_code,omitempty"` // non-zero engine result code
	Error     string `json:"error,omitempty"`      // failure outside the engine contract
}

func Succeeded() Outcome {
	return Outcome{Success: true}
}

func FailedCode(code int32) Outcome {
	return Outcome{ErrorCode: code}
}

func FailedError(msg string) Outcome {
	return Outcome{Error: msg}
}

// InvalidInputError reports a missing required input field. The engine is
// never reached when input is invalid.
type InvalidInputError struct {
	Field string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid task input: missing %s", e.Field)
}

// ProgressCallback forwards transfer progress toward the engine, keyed by the
// handle it was constructed with.
type ProgressCallback struct {
	h    handle.Handle
	sink engine.ProgressSink
}

func NewProgressCallback(h handle.Handle, sink engine.ProgressSink) *ProgressCallback {
	return &ProgressCallback{h: h, sink: sink}
}

func (c *ProgressCallback) OnProgress(bytesTransferred, totalBytes uint64) {
	c.sink.OnProgress(c.h, bytesTransferred, totalBytes)
}

// Transfer downloads one file through the engine's synchronous entry point.
// The scheduler's thread is occupied for the full transfer duration; only the
// holder of the progress handle observes intermediate progress.
type Transfer struct {
	input    Input
	eng      engine.Engine
	registry *handle.Registry
	progress engine.ProgressSink
	promoter Promoter
}

// NewTransfer builds a transfer task from its input record and collaborators.
func NewTransfer(input Input, deps Deps) *Transfer {
	return &Transfer{
		input:    input,
		eng:      deps.Engine,
		registry: deps.Registry,
		progress: deps.Progress,
		promoter: deps.Promoter,
	}
}

// Run executes the transfer and maps the engine result to an outcome. It
// never panics: anything escaping the engine call boundary is converted into
// a failure outcome.
func (t *Transfer) Run(ctx context.Context) (out Outcome) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("transfer task panic", "panic", r, "stack", string(debug.Stack()))

			out = FailedError(fmt.Sprintf("%v", r))
		}
	}()

	if err := t.validate(); err != nil {
		logger.Error("rejecting task input", "err", err)

		return FailedError(err.Error())
	}

	// Long-running transfer: ask for elevated visibility before touching the
	// network. Presentation only, a refusal must not abort the transfer.
	if t.promoter != nil {
		if err := t.promoter.Promote(ctx, DefaultForegroundInfo()); err != nil {
			logger.Warn("foreground promotion refused", "err", err)
		}
	}

	if err := ctx.Err(); err != nil {
		logger.Info("task cancelled before engine call")

		return FailedError("cancelled before transfer: " + err.Error())
	}

	ph := handle.None
	if t.input.ProgressHandleID != NoProgressHandle {
		ph = handle.Handle(uint64(t.input.ProgressHandleID))

		cb := NewProgressCallback(ph, t.progress)
		if err := t.registry.Bind(ph, cb); err != nil {
			logger.Warn("progress handle already live, continuing without registration",
				"progress_handle", uint64(ph), "err", err)
		} else {
			defer t.registry.Retire(ph)
		}
	}

	headers := t.input.HeadersJSON
	if headers == "" {
		headers = "{}"
	}

	logger.Info("starting transfer",
		"url", t.input.URL,
		"file_path", t.input.FilePath,
		"progress_handle", uint64(ph))

	code := t.submit(ctx, headers, ph)
	if code != engine.ResultOK {
		err := &engine.Error{Code: code}
		logger.Error("transfer failed", "url", t.input.URL, "err", err)

		return FailedCode(code)
	}

	logger.Info("transfer finished", "url", t.input.URL, "file_path", t.input.FilePath)

	return Succeeded()
}

func (t *Transfer) validate() error {
	if t.input.URL == "" {
		return &InvalidInputError{Field: "url"}
	}

	if t.input.FilePath == "" {
		return &InvalidInputError{Field: "file_path"}
	}

	return nil
}

// submit blocks on the engine entry point. Cancellation is not preemptible
// once inside the call; a cancelled context only forwards a hint through the
// handle while the call keeps blocking until the engine returns.
func (t *Transfer) submit(ctx context.Context, headersJSON string, ph handle.Handle) int32 {
	if ph == handle.None {
		return t.eng.Submit(ctx, t.input.URL, t.input.FilePath, headersJSON, ph)
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			t.eng.Cancel(ph)
		case <-done:
		}
	}()

	return t.eng.Submit(ctx, t.input.URL, t.input.FilePath, headersJSON, ph)
}
