package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/clipbot/internal/domain"
	"github.com/lthibault/jitterbug/v2"
)

// SweepCallback is called after every sweep with the jobs it removed,
// which may be none.
type SweepCallback func(ctx context.Context, expired []domain.Job)

// StartSweeper runs a background goroutine that periodically removes jobs
// older than ttl. The ticker is jittered so several instances started
// together do not sweep in lockstep.
func StartSweeper(ctx context.Context, r *Registry, interval, ttl time.Duration, onSweep SweepCallback) {
	ticker := jitterbug.New(interval, &jitterbug.Norm{Stdev: interval / 20})
	go func() {
		defer ticker.Stop()
		slog.Info("Job sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepOnce(ctx, r, ttl, onSweep)
			case <-ctx.Done():
				slog.Info("Job sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepOnce(ctx context.Context, r *Registry, ttl time.Duration, onSweep SweepCallback) {
	expired := r.SweepExpired(ttl)
	if onSweep != nil {
		defer onSweep(ctx, expired)
	}
	if len(expired) == 0 {
		return
	}

	active := 0
	for _, job := range expired {
		if !job.Status.Terminal() {
			active++
			slog.Warn("Job sweeper removed non-terminal job",
				"job_id", job.ID,
				"chat_id", job.ChatID,
				"status", job.Status,
				"processor", job.Processor)
		}
	}
	slog.Info("Job sweeper removed expired jobs", "count", len(expired), "non_terminal", active, "remaining", r.Len())
}
