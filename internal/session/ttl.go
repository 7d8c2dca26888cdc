package session

import (
	"context"
	"log/slog"
	"time"
)

const (
	ttlWorkerInterval = 5 * time.Minute
	closedRetention   = 7 * 24 * time.Hour
)

// StartTTLWorker runs a background goroutine that periodically closes
// sessions idle for longer than ttl.
func StartTTLWorker(ctx context.Context, mgr *Manager, ttl time.Duration) {
	startTTLWorker(ctx, mgr, ttl, ttlWorkerInterval)
}

func startTTLWorker(ctx context.Context, mgr *Manager, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				closed, err := mgr.Sweep(ctx, ttl)
				if err != nil {
					slog.Error("TTL worker failed to sweep sessions", "error", err)
					continue
				}
				if closed > 0 {
					slog.Info("TTL worker cleanup completed", "closed", closed)
				}
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
