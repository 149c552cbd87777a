// Package scheduler claims queued transfer tasks and runs them to a terminal
// outcome on a bounded worker pool.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/tmavro/enginebridge/internal/logctx"
	"github.com/tmavro/enginebridge/internal/storage"
	"github.com/tmavro/enginebridge/internal/task"
	"github.com/tmavro/enginebridge/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// TransferTaskType is the task type the daemon registers at startup.
const TransferTaskType = "transfer"

const claimBatchSize = 20

// Scheduler polls the task queue and executes claimed tasks.
type Scheduler struct {
	repo            storage.TaskRepository
	factory         *task.Factory
	deps            task.Deps
	telemetry       *telemetry.Telemetry
	pollingInterval time.Duration
	maxParallel     int
	instanceID      string
}

func NewScheduler(
	repo storage.TaskRepository,
	factory *task.Factory,
	deps task.Deps,
	tel *telemetry.Telemetry,
	pollingInterval time.Duration,
	maxParallel int,
) *Scheduler {
	return &Scheduler{
		repo:            repo,
		factory:         factory,
		deps:            deps,
		telemetry:       tel,
		pollingInterval: pollingInterval,
		maxParallel:     maxParallel,
		instanceID:      GenerateInstanceID(),
	}
}

// Run starts the polling loop in the background. It restarts itself after a
// panic unless the context has been cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("scheduler starting",
		"instance_id", s.instanceID,
		"polling_interval", s.pollingInterval.String(),
		"max_parallel", s.maxParallel)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("scheduler panic",
					"panic", r,
					"stack", string(debug.Stack()))

				if ctx.Err() == nil {
					logger.Info("restarting scheduler after panic")
					time.Sleep(time.Second) // Brief backoff before restart
					s.Run(ctx)
				}
			}
		}()

		ticker := time.NewTicker(s.pollingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("scheduler shutdown", "reason", "context_cancelled")

				return
			case <-ticker.C:
				if err := s.ProcessOnce(ctx); err != nil {
					logger.Error("failed to process pending tasks", "err", err)
				}
			}
		}
	}()
}

// ProcessOnce claims all currently pending tasks and runs them, blocking
// until the batch has finished.
func (s *Scheduler) ProcessOnce(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	pending, err := s.repo.GetPendingTasks(claimBatchSize)
	if err != nil {
		return fmt.Errorf("failed to get pending tasks: %w", err)
	}

	if len(pending) == 0 {
		return nil
	}

	logger.Info("pending tasks found", "task_count", len(pending))

	wg, ctx := errgroup.WithContext(ctx)

	sem := make(chan struct{}, s.maxParallel)

	for i := range pending {
		rec := pending[i]
		sem <- struct{}{}

		wg.Go(func() error {
			defer func() { <-sem }() // release the slot

			s.runTask(ctx, rec)

			return nil
		})
	}

	return wg.Wait()
}

// runTask claims, executes and completes one task. Every failure path writes
// an outcome; a task never stays claimed forever.
func (s *Scheduler) runTask(ctx context.Context, rec storage.TaskRecord) {
	logger := logctx.LoggerFromContext(ctx).With("task_id", rec.ID)
	ctx = logctx.WithLogger(ctx, logger)

	claimed, err := s.repo.ClaimTask(rec.ID, s.instanceID)
	if err != nil {
		logger.Error("failed to claim task", "err", err)

		return
	}

	if !claimed {
		logger.Debug("skipping task because it's already claimed")

		return
	}

	var out task.Outcome

	_ = s.telemetry.InstrumentTask(ctx, func(ctx context.Context) error {
		out = s.execute(ctx, rec)

		if !out.Success {
			return fmt.Errorf("task failed: code=%d err=%s", out.ErrorCode, out.Error)
		}

		return nil
	})

	if err := s.repo.CompleteTask(rec.ID, out.Success, out.ErrorCode, out.Error); err != nil {
		logger.Error("failed to record task outcome", "err", err)
	}
}

func (s *Scheduler) execute(ctx context.Context, rec storage.TaskRecord) task.Outcome {
	logger := logctx.LoggerFromContext(ctx)

	input := task.Input{
		URL:              rec.URL,
		FilePath:         rec.FilePath,
		HeadersJSON:      rec.HeadersJSON,
		ProgressHandleID: rec.ProgressHandleID,
	}

	t, err := s.factory.New(ctx, TransferTaskType, input, s.deps)
	if err != nil {
		logger.Error("unable to construct task", "err", err)

		return task.FailedError(err.Error())
	}

	return t.Run(ctx)
}
