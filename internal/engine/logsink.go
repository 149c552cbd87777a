package engine

import (
	"log/slog"

	"github.com/tmavro/enginebridge/internal/handle"
)

// PhaseMetrics observes forwarded callback phases and progress reports.
type PhaseMetrics interface {
	RecordCallbackPhase(phase string)
	RecordProgressReport()
}

// LogSink is an engine-side receiver for callback phases and progress
// reports. Real engines consume these internally; when none is attached the
// daemon records them for observability instead of dropping them on the
// floor.
type LogSink struct {
	logger  *slog.Logger
	metrics PhaseMetrics
}

func NewLogSink(logger *slog.Logger, metrics PhaseMetrics) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}

	return &LogSink{logger: logger, metrics: metrics}
}

func (s *LogSink) phase(h handle.Handle, name string, attrs ...any) {
	if s.metrics != nil {
		s.metrics.RecordCallbackPhase(name)
	}

	args := append([]any{"handle", uint64(h), "phase", name}, attrs...)
	s.logger.Debug("callback phase", args...)
}

func (s *LogSink) OnRedirectReceived(h handle.Handle, newLocation string) {
	s.phase(h, "redirect_received", "location", newLocation)
}

func (s *LogSink) OnResponseStarted(h handle.Handle, info ResponseInfo) {
	s.phase(h, "response_started", "status", info.StatusCode)
}

func (s *LogSink) OnReadCompleted(h handle.Handle, chunk []byte) {
	s.phase(h, "read_completed", "chunk_bytes", len(chunk))
}

func (s *LogSink) OnSucceeded(h handle.Handle, info ResponseInfo) {
	s.phase(h, "succeeded", "status", info.StatusCode)
}

func (s *LogSink) OnFailed(h handle.Handle, errInfo ErrorInfo) {
	s.phase(h, "failed", "code", errInfo.Code, "message", errInfo.Message)
}

func (s *LogSink) OnProgress(h handle.Handle, bytesTransferred, totalBytes uint64) {
	if s.metrics != nil {
		s.metrics.RecordProgressReport()
	}

	s.logger.Debug("transfer progress",
		"handle", uint64(h),
		"bytes_transferred", bytesTransferred,
		"total_bytes", totalBytes)
}
