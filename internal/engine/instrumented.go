package engine

import (
	"context"

	"github.com/tmavro/enginebridge/internal/handle"
	"github.com/tmavro/enginebridge/internal/telemetry"
)

// InstrumentedEngine wraps an Engine with telemetry.
type InstrumentedEngine struct {
	engine    Engine
	telemetry *telemetry.Telemetry
}

// NewInstrumentedEngine creates a new instrumented engine.
func NewInstrumentedEngine(eng Engine, tel *telemetry.Telemetry) *InstrumentedEngine {
	return &InstrumentedEngine{
		engine:    eng,
		telemetry: tel,
	}
}

// Submit runs a submission with telemetry. A non-zero result code counts as
// an engine error.
func (e *InstrumentedEngine) Submit(ctx context.Context, url, destinationPath, headersJSON string, progressHandle handle.Handle) int32 {
	var code int32

	_ = e.telemetry.InstrumentEngineOperation(ctx, "submit", func(ctx context.Context) error {
		code = e.engine.Submit(ctx, url, destinationPath, headersJSON, progressHandle)

		if code != ResultOK {
			return &Error{Code: code}
		}

		return nil
	})

	return code
}

// Cancel forwards a cancellation hint with telemetry.
func (e *InstrumentedEngine) Cancel(h handle.Handle) {
	e.engine.Cancel(h)
	e.telemetry.RecordEngineOperation("cancel", "success")
}
