package task

import (
	"context"

	"github.com/tmavro/enginebridge/internal/logctx"
)

// ForegroundInfo is the presentation payload attached to an elevation
// request. It has no effect on transfer correctness.
type ForegroundInfo struct {
	ChannelID string
	Title     string
	Text      string
}

// DefaultForegroundInfo is what a transfer task presents while running.
func DefaultForegroundInfo() ForegroundInfo {
	return ForegroundInfo{
		ChannelID: "transfer_channel",
		Title:     "Background Transfer",
		Text:      "Downloading file...",
	}
}

// Promoter elevates a running task's execution priority and visibility.
// Strictly best effort: callers log a refusal and carry on.
type Promoter interface {
	Promote(ctx context.Context, info ForegroundInfo) error
}

// LogPromoter satisfies Promoter by recording the request. It stands in for
// a host platform's notification surface when none is attached.
type LogPromoter struct{}

func (LogPromoter) Promote(ctx context.Context, info ForegroundInfo) error {
	logctx.LoggerFromContext(ctx).Info("promoting task to foreground",
		"channel_id", info.ChannelID,
		"title", info.Title)

	return nil
}
