// Package httpengine implements the transfer engine contract on net/http.
// It fills the engine slot when the daemon runs without a platform-native
// engine attached: submissions download over plain HTTP, each one walks a
// request callback through its lifecycle, and progress is routed back
// through the handle registry.
package httpengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tmavro/enginebridge/internal/bridge"
	"github.com/tmavro/enginebridge/internal/engine"
	"github.com/tmavro/enginebridge/internal/handle"
	"github.com/tmavro/enginebridge/internal/logctx"
)

const (
	dirPerm      = 0755
	maxRedirects = 10
)

// Engine result codes. Zero is success; the rest are specific to this engine
// and opaque to the bridge layer.
const (
	ResultOK         int32 = 0
	ResultBadRequest int32 = 1
	ResultNetwork    int32 = 2
	ResultHTTPStatus int32 = 3
	ResultFilesystem int32 = 4
	ResultCancelled  int32 = 5
)

// progressReceiver is what a registered progress callback must look like for
// the engine to drive it.
type progressReceiver interface {
	OnProgress(bytesTransferred, totalBytes uint64)
}

type callbackContextKey struct{}

// Engine downloads URLs to local files. One instance serves any number of
// concurrent submissions.
type Engine struct {
	client   *http.Client
	registry *handle.Registry
	sink     engine.CallbackSink

	mu      sync.Mutex
	cancels map[handle.Handle]context.CancelFunc
}

// New builds an engine over registry. When sink is non-nil every submission
// reports its request lifecycle phases to it through a tracked callback.
func New(registry *handle.Registry, sink engine.CallbackSink) *Engine {
	e := &Engine{
		registry: registry,
		sink:     sink,
		cancels:  make(map[handle.Handle]context.CancelFunc),
	}

	e.client = &http.Client{
		Timeout: 30 * time.Minute,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}

			if cb, ok := req.Context().Value(callbackContextKey{}).(*bridge.RequestCallback); ok && cb != nil {
				_ = cb.OnRedirectReceived(req.URL.String())
			}

			return nil
		},
	}

	return e
}

// Submit downloads url to destinationPath and blocks until the transfer is
// terminal. Progress is reported to the callback registered under
// progressHandle, when there is one.
func (e *Engine) Submit(ctx context.Context, url, destinationPath, headersJSON string, progressHandle handle.Handle) int32 {
	logger := logctx.LoggerFromContext(ctx).With("url", url)

	var cb *bridge.RequestCallback

	if e.sink != nil {
		cb = bridge.Track(e.registry, e.sink, logger)
		ctx = context.WithValue(ctx, callbackContextKey{}, cb)
	}

	headers, err := parseHeaders(headersJSON)
	if err != nil {
		logger.Error("rejecting submission with malformed headers", "err", err)

		return fail(cb, ResultBadRequest, err.Error())
	}

	if progressHandle != handle.None {
		ctx = e.trackCancel(ctx, progressHandle)
		defer e.untrackCancel(progressHandle)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		logger.Error("failed to build request", "err", err)

		return fail(cb, ResultBadRequest, err.Error())
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("transfer cancelled", "err", ctx.Err())

			return fail(cb, ResultCancelled, "cancelled")
		}

		logger.Error("request failed", "err", err)

		return fail(cb, ResultNetwork, err.Error())
	}

	defer resp.Body.Close()

	info := responseInfo(resp)

	if cb != nil {
		_ = cb.OnResponseStarted(info)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Error("bad response status", "status", resp.Status)

		return fail(cb, ResultHTTPStatus, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(destinationPath), dirPerm); err != nil {
		logger.Error("failed to create target directory", "err", err)

		return fail(cb, ResultFilesystem, err.Error())
	}

	out, err := os.Create(destinationPath)
	if err != nil {
		logger.Error("failed to create target file", "err", err)

		return fail(cb, ResultFilesystem, err.Error())
	}

	defer out.Close()

	if code := e.writeFile(ctx, out, resp.Body, resp.ContentLength, progressHandle, cb); code != ResultOK {
		return code
	}

	if cb != nil {
		_ = cb.OnSucceeded(info)
	}

	logger.Info("downloaded and saved file", "target", destinationPath,
		"size", humanize.Bytes(uint64(max64(resp.ContentLength, 0))))

	return ResultOK
}

// Cancel aborts the submission tracked under h, if it is still running.
func (e *Engine) Cancel(h handle.Handle) {
	e.mu.Lock()
	cancel := e.cancels[h]
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (e *Engine) trackCancel(ctx context.Context, h handle.Handle) context.Context {
	ctx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.cancels[h] = cancel
	e.mu.Unlock()

	return ctx
}

func (e *Engine) untrackCancel(h handle.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.cancels, h)
}

func (e *Engine) writeFile(ctx context.Context, out *os.File, body io.Reader, totalBytes int64, h handle.Handle, cb *bridge.RequestCallback) int32 {
	logger := logctx.LoggerFromContext(ctx)

	var progress func(written, total int64)

	if receiver := e.resolveProgress(ctx, h); receiver != nil {
		progress = func(written, total int64) {
			receiver.OnProgress(uint64(written), uint64(max64(total, 0)))
		}
	} else {
		progress = func(written, total int64) {
			if total > 0 {
				logger.Debug("download progress",
					"downloaded", humanize.Bytes(uint64(written)),
					"total", humanize.Bytes(uint64(total)))
			} else {
				logger.Debug("download progress", "downloaded", humanize.Bytes(uint64(written)))
			}
		}
	}

	if cb != nil {
		body = &chunkReader{
			reader: body,
			onChunk: func(chunk []byte) {
				_ = cb.OnReadCompleted(chunk)
			},
		}
	}

	pr := newProgressReader(body, totalBytes, progress)

	if _, err := io.Copy(out, pr); err != nil {
		if ctx.Err() != nil {
			logger.Info("transfer cancelled mid-copy")

			return fail(cb, ResultCancelled, "cancelled")
		}

		logger.Error("failed to copy file", "err", err)

		return fail(cb, ResultNetwork, err.Error())
	}

	return ResultOK
}

// resolveProgress looks the handle up in the registry. A stale or unknown
// handle disables progress for the submission instead of failing it.
func (e *Engine) resolveProgress(ctx context.Context, h handle.Handle) progressReceiver {
	if h == handle.None || e.registry == nil {
		return nil
	}

	cb, err := e.registry.Lookup(h)
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("no progress callback for handle", "handle", uint64(h), "err", err)

		return nil
	}

	receiver, ok := cb.(progressReceiver)
	if !ok {
		logctx.LoggerFromContext(ctx).Warn("handle is not a progress callback", "handle", uint64(h))

		return nil
	}

	return receiver
}

// fail reports the terminal failure phase, when a callback is attached, and
// returns code.
func fail(cb *bridge.RequestCallback, code int32, msg string) int32 {
	if cb != nil {
		_ = cb.OnFailed(engine.ErrorInfo{Code: code, Message: msg})
	}

	return code
}

func responseInfo(resp *http.Response) engine.ResponseInfo {
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	url := ""
	if resp.Request != nil && resp.Request.URL != nil {
		url = resp.Request.URL.String()
	}

	return engine.ResponseInfo{
		URL:        url,
		StatusCode: resp.StatusCode,
		Headers:    headers,
	}
}

func parseHeaders(headersJSON string) (map[string]string, error) {
	if headersJSON == "" {
		return nil, nil
	}

	var headers map[string]string
	if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
		return nil, fmt.Errorf("failed to parse headers: %w", err)
	}

	return headers, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}

	return b
}

// chunkReader hands each successfully read chunk to onChunk before passing it
// downstream.
type chunkReader struct {
	reader  io.Reader
	onChunk func(chunk []byte)
}

func (r *chunkReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.onChunk(p[:n])
	}

	return n, err
}
