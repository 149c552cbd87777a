package task

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmavro/enginebridge/internal/engine"
	"github.com/tmavro/enginebridge/internal/handle"
)

// fakeEngine returns a fixed result code and records what it was asked.
type fakeEngine struct {
	mu        sync.Mutex
	result    int32
	panics    bool
	submits   int
	lastURL   string
	lastPath  string
	lastJSON  string
	lastH     handle.Handle
	cancelled []handle.Handle
	onSubmit  func(ctx context.Context)
}

func (e *fakeEngine) Submit(ctx context.Context, url, destinationPath, headersJSON string, progressHandle handle.Handle) int32 {
	e.mu.Lock()
	e.submits++
	e.lastURL = url
	e.lastPath = destinationPath
	e.lastJSON = headersJSON
	e.lastH = progressHandle
	e.mu.Unlock()

	if e.panics {
		panic("engine blew up")
	}

	if e.onSubmit != nil {
		e.onSubmit(ctx)
	}

	return e.result
}

func (e *fakeEngine) Cancel(h handle.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cancelled = append(e.cancelled, h)
}

type nopProgress struct{}

func (nopProgress) OnProgress(h handle.Handle, bytesTransferred, totalBytes uint64) {}

func deps(e engine.Engine, reg *handle.Registry) Deps {
	return Deps{Engine: e, Registry: reg, Progress: nopProgress{}}
}

func TestTransfer_Success(t *testing.T) {
	eng := &fakeEngine{result: 0}
	reg := handle.NewRegistry()

	out := NewTransfer(Input{
		URL:              "https://x/y",
		FilePath:         "/tmp/f",
		HeadersJSON:      "{}",
		ProgressHandleID: NoProgressHandle,
	}, deps(eng, reg)).Run(context.Background())

	assert.Equal(t, Succeeded(), out)
	assert.Equal(t, 1, eng.submits)
	assert.Equal(t, "https://x/y", eng.lastURL)
	assert.Equal(t, "/tmp/f", eng.lastPath)
	assert.Equal(t, "{}", eng.lastJSON)
	assert.Equal(t, handle.None, eng.lastH)
}

func TestTransfer_EngineResultCodeBecomesFailure(t *testing.T) {
	eng := &fakeEngine{result: 7}

	out := NewTransfer(Input{
		URL:              "https://x/y",
		FilePath:         "/tmp/f",
		ProgressHandleID: NoProgressHandle,
	}, deps(eng, handle.NewRegistry())).Run(context.Background())

	assert.False(t, out.Success)
	assert.Equal(t, int32(7), out.ErrorCode)
	assert.Empty(t, out.Error)
}

func TestTransfer_MissingInputNeverReachesEngine(t *testing.T) {
	tests := []struct {
		name  string
		input Input
		field string
	}{
		{
			name:  "missing url",
			input: Input{FilePath: "/tmp/f", ProgressHandleID: NoProgressHandle},
			field: "url",
		},
		{
			name:  "missing file path",
			input: Input{URL: "https://x/y", ProgressHandleID: NoProgressHandle},
			field: "file_path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{}

			out := NewTransfer(tt.input, deps(eng, handle.NewRegistry())).Run(context.Background())

			assert.False(t, out.Success)
			assert.Contains(t, out.Error, tt.field)
			assert.Zero(t, eng.submits, "invalid input must not reach the engine")
		})
	}
}

func TestTransfer_EmptyHeadersDefaultToEmptyObject(t *testing.T) {
	eng := &fakeEngine{}

	NewTransfer(Input{
		URL:              "https://x/y",
		FilePath:         "/tmp/f",
		ProgressHandleID: NoProgressHandle,
	}, deps(eng, handle.NewRegistry())).Run(context.Background())

	assert.Equal(t, "{}", eng.lastJSON)
}

func TestTransfer_EnginePanicBecomesFailure(t *testing.T) {
	eng := &fakeEngine{panics: true}

	out := NewTransfer(Input{
		URL:              "https://x/y",
		FilePath:         "/tmp/f",
		ProgressHandleID: NoProgressHandle,
	}, deps(eng, handle.NewRegistry())).Run(context.Background())

	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "engine blew up")
	assert.Zero(t, out.ErrorCode)
}

func TestTransfer_ProgressHandleBoundAndRetired(t *testing.T) {
	eng := &fakeEngine{}
	reg := handle.NewRegistry()

	var liveDuringSubmit int

	eng.onSubmit = func(ctx context.Context) { liveDuringSubmit = reg.Live() }

	out := NewTransfer(Input{
		URL:              "https://x/y",
		FilePath:         "/tmp/f",
		ProgressHandleID: 42,
	}, deps(eng, reg)).Run(context.Background())

	assert.True(t, out.Success)
	assert.Equal(t, handle.Handle(42), eng.lastH)
	assert.Equal(t, 1, liveDuringSubmit, "progress callback must be registered while the engine runs")
	assert.Equal(t, 0, reg.Live(), "progress handle must be retired afterwards")
}

func TestTransfer_CancelledBeforeEngineCall(t *testing.T) {
	eng := &fakeEngine{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := NewTransfer(Input{
		URL:              "https://x/y",
		FilePath:         "/tmp/f",
		ProgressHandleID: NoProgressHandle,
	}, deps(eng, handle.NewRegistry())).Run(ctx)

	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "cancelled before transfer")
	assert.Zero(t, eng.submits)
}

func TestTransfer_CancellationDuringSubmitForwardsHint(t *testing.T) {
	eng := &fakeEngine{result: 5}
	reg := handle.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())

	hinted := make(chan struct{})

	eng.onSubmit = func(ctx context.Context) {
		cancel()
		<-hinted // stay inside Submit until the hint has been forwarded
	}

	go func() {
		for {
			eng.mu.Lock()
			n := len(eng.cancelled)
			eng.mu.Unlock()

			if n > 0 {
				close(hinted)

				return
			}
		}
	}()

	out := NewTransfer(Input{
		URL:              "https://x/y",
		FilePath:         "/tmp/f",
		ProgressHandleID: 11,
	}, deps(eng, reg)).Run(ctx)

	assert.False(t, out.Success)
	assert.Equal(t, int32(5), out.ErrorCode, "the engine result still decides the outcome")
	assert.Equal(t, []handle.Handle{11}, eng.cancelled)
}

// refusingPromoter always declines, which must not abort the transfer.
type refusingPromoter struct{ calls int }

func (p *refusingPromoter) Promote(ctx context.Context, info ForegroundInfo) error {
	p.calls++

	return errors.New("notifications disabled")
}

func TestTransfer_PromotionFailureDoesNotAbort(t *testing.T) {
	eng := &fakeEngine{}
	promoter := &refusingPromoter{}

	d := deps(eng, handle.NewRegistry())
	d.Promoter = promoter

	out := NewTransfer(Input{
		URL:              "https://x/y",
		FilePath:         "/tmp/f",
		ProgressHandleID: NoProgressHandle,
	}, d).Run(context.Background())

	assert.True(t, out.Success)
	assert.Equal(t, 1, promoter.calls)
}

func TestLogPromoter(t *testing.T) {
	require.NoError(t, LogPromoter{}.Promote(context.Background(), DefaultForegroundInfo()))
}
