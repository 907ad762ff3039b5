package servers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Scheduler refreshes the server list in the background.
type Scheduler struct {
	scheduler gocron.Scheduler
	catalog   *Catalog
	recent    *Recent
	interval  time.Duration
	logger    *slog.Logger
	running   bool
}

// NewScheduler creates a Scheduler refreshing every interval. recent may be
// nil; otherwise it is pruned after each refresh.
func NewScheduler(catalog *Catalog, recent *Recent, interval time.Duration, logger *slog.Logger) (*Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if interval <= 0 {
		interval = CacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		scheduler: scheduler,
		catalog:   catalog,
		recent:    recent,
		interval:  interval,
		logger:    logger,
	}, nil
}

// Start starts the scheduler and runs an initial refresh.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			s.refresh(ctx, true)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create refresh job: %w", err)
	}

	s.scheduler.Start()
	s.running = true

	go s.refresh(ctx, false)

	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() error {
	if !s.running {
		return fmt.Errorf("scheduler is not running")
	}

	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}

	s.running = false
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	return s.running
}

func (s *Scheduler) refresh(ctx context.Context, force bool) {
	servers, err := s.catalog.List(ctx, force)
	if err != nil {
		s.logger.Error("server list refresh failed", "err", err)
		return
	}
	if s.recent != nil {
		if err := s.recent.Prune(ctx, servers); err != nil {
			s.logger.Warn("failed to prune recent servers", "err", err)
		}
	}
	s.logger.Debug("server list up to date", "servers", len(servers))
}
