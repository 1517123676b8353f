package repository

import (
	"context"
	"log/slog"
	"time"

	"chatgate/internal/observability"
)

// Sweeper hard-deletes messages past the retention window and mute records
// that have expired.
type Sweeper struct {
	store     MessageStore
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

// NewSweeper creates a Sweeper. A non-positive interval disables Run.
func NewSweeper(store MessageStore, retention, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:     store,
		retention: retention,
		interval:  interval,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce performs a single sweep and returns the number of messages and
// mute records removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, int64, error) {
	now := s.now()

	messages, err := s.store.PurgeMessagesBefore(ctx, now.Add(-s.retention))
	if err != nil {
		return 0, 0, err
	}
	observability.RetentionPurged.WithLabelValues("chat_messages").Add(float64(messages))

	mutes, err := s.store.PurgeExpiredMutes(ctx, now)
	if err != nil {
		return messages, 0, err
	}
	observability.RetentionPurged.WithLabelValues("mute_records").Add(float64(mutes))

	return messages, mutes, nil
}

// Run sweeps on every tick until ctx is cancelled. Failed sweeps are logged
// and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		slog.Info("retention sweeper disabled")
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			messages, mutes, err := s.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Error("retention sweep failed", slog.String("error", err.Error()))
				continue
			}
			if messages > 0 || mutes > 0 {
				slog.Info("retention sweep complete",
					slog.Int64("messages", messages),
					slog.Int64("mute_records", mutes),
				)
			}
		}
	}
}
