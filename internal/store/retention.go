package store

import (
	"context"
	"log/slog"
	"time"
)

// RetentionInterval is how often stale chat sessions are swept.
const RetentionInterval = time.Hour

// StartRetentionWorker periodically deletes chat sessions that have not been
// updated within retention. It stops when ctx is cancelled.
func StartRetentionWorker(ctx context.Context, repo Repository, retention, interval time.Duration) {
	if interval <= 0 {
		interval = RetentionInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				sweepStaleSessions(ctx, repo, retention)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepStaleSessions(ctx context.Context, repo Repository, retention time.Duration) {
	n, err := repo.CleanupStaleSessions(ctx, retention)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("Retention worker failed to delete stale sessions", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Retention worker deleted stale sessions", "count", n)
	}
}
