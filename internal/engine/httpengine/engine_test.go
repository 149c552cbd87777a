package httpengine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmavro/enginebridge/internal/engine"
	"github.com/tmavro/enginebridge/internal/handle"
)

type progressLog struct {
	mu      sync.Mutex
	reports [][2]uint64
}

func (p *progressLog) OnProgress(bytesTransferred, totalBytes uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reports = append(p.reports, [2]uint64{bytesTransferred, totalBytes})
}

func (p *progressLog) last() ([2]uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.reports) == 0 {
		return [2]uint64{}, false
	}

	return p.reports[len(p.reports)-1], true
}

func TestEngine_SubmitDownloadsFile(t *testing.T) {
	body := "hello transfer engine"

	var gotHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Auth")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "sub", "dir", "out.bin")
	e := New(handle.NewRegistry(), nil)

	code := e.Submit(context.Background(), srv.URL, dest, `{"X-Auth":"secret"}`, handle.None)
	require.Equal(t, ResultOK, code)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
	assert.Equal(t, "secret", gotHeader)
}

func TestEngine_SubmitReportsProgressThroughRegistry(t *testing.T) {
	body := make([]byte, 64*1024)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	reg := handle.NewRegistry()
	progress := &progressLog{}
	h := reg.Register(progress)

	e := New(reg, nil)

	code := e.Submit(context.Background(), srv.URL, filepath.Join(t.TempDir(), "out"), "{}", h)
	require.Equal(t, ResultOK, code)

	last, ok := progress.last()
	require.True(t, ok, "expected at least one progress report")
	assert.Equal(t, uint64(len(body)), last[0])
	assert.Equal(t, uint64(len(body)), last[1])

	// Progress positions never regress.
	progress.mu.Lock()
	defer progress.mu.Unlock()

	var prev uint64

	for _, rep := range progress.reports {
		require.GreaterOrEqual(t, rep[0], prev)
		prev = rep[0]
	}
}

type recordingSink struct {
	mu     sync.Mutex
	phases []string
}

func (s *recordingSink) record(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.phases = append(s.phases, name)
}

func (s *recordingSink) OnRedirectReceived(h handle.Handle, newLocation string) {
	s.record("redirect_received")
}

func (s *recordingSink) OnResponseStarted(h handle.Handle, info engine.ResponseInfo) {
	s.record("response_started")
}

func (s *recordingSink) OnReadCompleted(h handle.Handle, chunk []byte) { s.record("read_completed") }

func (s *recordingSink) OnSucceeded(h handle.Handle, info engine.ResponseInfo) {
	s.record("succeeded")
}

func (s *recordingSink) OnFailed(h handle.Handle, errInfo engine.ErrorInfo) { s.record("failed") }

func TestEngine_SubmitWalksCallbackLifecycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/file", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/file", http.StatusFound)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	reg := handle.NewRegistry()
	sink := &recordingSink{}
	e := New(reg, sink)

	code := e.Submit(context.Background(), srv.URL+"/moved", filepath.Join(t.TempDir(), "out"), "{}", handle.None)
	require.Equal(t, ResultOK, code)

	require.GreaterOrEqual(t, len(sink.phases), 4)
	assert.Equal(t, "redirect_received", sink.phases[0])
	assert.Equal(t, "response_started", sink.phases[1])
	assert.Equal(t, "read_completed", sink.phases[2])
	assert.Equal(t, "succeeded", sink.phases[len(sink.phases)-1])

	assert.Zero(t, reg.Live(), "terminal phase must retire the callback handle")
}

func TestEngine_SubmitReportsFailurePhase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	sink := &recordingSink{}
	e := New(handle.NewRegistry(), sink)

	code := e.Submit(context.Background(), srv.URL, filepath.Join(t.TempDir(), "out"), "{}", handle.None)
	require.Equal(t, ResultHTTPStatus, code)

	assert.Equal(t, []string{"response_started", "failed"}, sink.phases)
}

func TestEngine_SubmitMalformedHeaders(t *testing.T) {
	e := New(handle.NewRegistry(), nil)

	code := e.Submit(context.Background(), "https://x/y", filepath.Join(t.TempDir(), "out"), "not json", handle.None)
	assert.Equal(t, ResultBadRequest, code)
}

func TestEngine_SubmitBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	e := New(handle.NewRegistry(), nil)

	code := e.Submit(context.Background(), srv.URL, filepath.Join(t.TempDir(), "out"), "{}", handle.None)
	assert.Equal(t, ResultHTTPStatus, code)
}

func TestEngine_SubmitUnreachableHost(t *testing.T) {
	e := New(handle.NewRegistry(), nil)

	code := e.Submit(context.Background(), "http://127.0.0.1:1/nothing", filepath.Join(t.TempDir(), "out"), "{}", handle.None)
	assert.Equal(t, ResultNetwork, code)
}

func TestEngine_CancelAbortsSubmission(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	reg := handle.NewRegistry()
	h := reg.Register(&progressLog{})
	e := New(reg, nil)

	go func() {
		<-started
		e.Cancel(h)
	}()

	code := e.Submit(context.Background(), srv.URL, filepath.Join(t.TempDir(), "out"), "{}", h)
	assert.Equal(t, ResultCancelled, code)
}

func TestEngine_StaleProgressHandleDisablesProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	reg := handle.NewRegistry()
	progress := &progressLog{}
	h := reg.Register(progress)
	reg.Retire(h)

	e := New(reg, nil)

	code := e.Submit(context.Background(), srv.URL, filepath.Join(t.TempDir(), "out"), "{}", h)
	assert.Equal(t, ResultOK, code, "a stale handle must not fail the transfer")
	assert.Empty(t, progress.reports)
}
