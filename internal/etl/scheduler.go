package etl

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Start runs the stage immediately and then every Interval until ctx is
// cancelled. A failed run is logged and retried on the next tick.
func (s *Stage) Start(ctx context.Context) {
	slog.Info("etl scheduler started",
		"interval", s.cfg.Interval.String(),
		"workers", s.cfg.Workers,
		"batch_size", s.cfg.BatchSize,
	)

	s.runScheduled(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("etl scheduler stopped")
			return
		case <-ticker.C:
			s.runScheduled(ctx)
		}
	}
}

func (s *Stage) runScheduled(ctx context.Context) {
	start := time.Now()
	summary, err := s.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		slog.Debug("etl run skipped, previous run still active")
		return
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		slog.Error("etl run failed", "error", err)
		return
	}

	slog.Info("etl run completed",
		"processed", summary.Processed,
		"pending", summary.Pending,
		"rows_failed", summary.RowsFailed,
		"errors", summary.Errors,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
