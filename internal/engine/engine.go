package engine

import (
	"context"
	"fmt"

	"github.com/tmavro/enginebridge/internal/handle"
)

// ResultOK is the engine result code for a completed transfer. Every other
// value is engine-defined and opaque to this layer.
const ResultOK int32 = 0

// Engine is the asynchronous transfer engine behind the bridge. The only
// identity crossing this boundary is the numeric handle; the engine never
// holds host-side objects.
type Engine interface {
	// Submit runs one download to completion and returns the engine result
	// code. The call blocks for the full transfer duration.
	Submit(ctx context.Context, url, destinationPath, headersJSON string, progressHandle handle.Handle) int32

	// Cancel forwards a best-effort cancellation hint for the operation
	// identified by h. The engine may ignore it.
	Cancel(h handle.Handle)
}

// ResponseInfo is the response metadata attached to callback phases.
type ResponseInfo struct {
	URL        string
	StatusCode int
	Headers    map[string]string
}

// ErrorInfo describes a failed request as reported by the host stack.
type ErrorInfo struct {
	Code    int32
	Message string
}

// CallbackSink is the engine side of the request-callback contract. The
// bridge forwards each phase it accepts from the host networking stack to
// exactly one of these methods, keyed by handle.
type CallbackSink interface {
	OnRedirectReceived(h handle.Handle, newLocation string)
	OnResponseStarted(h handle.Handle, info ResponseInfo)
	OnReadCompleted(h handle.Handle, chunk []byte)
	OnSucceeded(h handle.Handle, info ResponseInfo)
	OnFailed(h handle.Handle, errInfo ErrorInfo)
}

// ProgressSink receives transfer progress reports keyed by handle.
type ProgressSink interface {
	OnProgress(h handle.Handle, bytesTransferred, totalBytes uint64)
}

// Error carries a non-zero engine result code into a task outcome.
type Error struct {
	Code int32
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine returned result code %d", e.Code)
}
