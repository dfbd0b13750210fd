package store

import (
	"context"
	"log/slog"
	"time"
)

// StartRetentionWorker periodically deletes turns older than retention.
func StartRetentionWorker(ctx context.Context, repo Repository, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("History retention worker started", "interval", interval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				pruneTurns(ctx, repo, retention)
			case <-ctx.Done():
				slog.Info("History retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func pruneTurns(ctx context.Context, repo Repository, retention time.Duration) {
	deleted, err := repo.PruneTurns(ctx, time.Now().Add(-retention))
	if err != nil {
		slog.Error("Retention worker failed to prune turns", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Retention worker pruned turns", "count", deleted)
	}
}
