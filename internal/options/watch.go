package options

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// DefaultWatchInterval is how often Watch polls for external writes.
const DefaultWatchInterval = 2 * time.Second

// Watch calls Sync every interval until ctx is done.
func (s *Store) Watch(ctx context.Context, interval time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	if err := s.Sync(ctx); err != nil {
		return err
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := s.Sync(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("failed to sync options", "err", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("failed to create options watch job: %w", err)
	}

	scheduler.Start()
	<-ctx.Done()
	if err := scheduler.Shutdown(); err != nil {
		return err
	}
	return ctx.Err()
}
