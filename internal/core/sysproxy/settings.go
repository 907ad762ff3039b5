// Package sysproxy implements the declarative proxy surface by writing a
// fixed SOCKS server into the operating system proxy settings.
package sysproxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"

	"mullproxy/internal/core"
	"mullproxy/internal/core/types"
	pkgerrors "mullproxy/pkg/errors"
)

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ProbeFunc checks that a proxy address accepts connections.
type ProbeFunc func(ctx context.Context, addr string) error

func dialProbe(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Options configure Settings.
type Options struct {
	Runner        Runner
	Probe         ProbeFunc
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	Logger        *slog.Logger
}

// Settings is a core.DeclarativeAPI backed by the desktop proxy settings.
// While a server is set, a periodic probe reports an unreachable proxy to
// the error listener.
type Settings struct {
	run      Runner
	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	onError atomic.Pointer[func(error)]

	mu        sync.Mutex
	active    *types.ProxyConfig
	scheduler gocron.Scheduler
}

var _ core.DeclarativeAPI = (*Settings)(nil)

// New creates Settings for the current platform.
func New(opts Options) *Settings {
	if opts.Runner == nil {
		opts.Runner = ExecRunner
	}
	if opts.Probe == nil {
		opts.Probe = dialProbe
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 30 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Settings{
		run:      opts.Runner,
		probe:    opts.Probe,
		interval: opts.ProbeInterval,
		timeout:  opts.ProbeTimeout,
		logger:   opts.Logger,
	}
}

// SetFixedServer points the system proxy at cfg and starts the health probe.
func (s *Settings) SetFixedServer(ctx context.Context, cfg *types.ProxyConfig) error {
	if cfg.Kind != types.ProxyKindSOCKS5 {
		return fmt.Errorf("unsupported proxy kind: %s", cfg.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cmds, err := enableCommands(ctx, s.run, cfg)
	if err != nil {
		return err
	}
	if err := s.runAll(ctx, cmds); err != nil {
		s.rollback(ctx)
		return err
	}
	s.active = cfg
	s.logger.Info("system proxy set", "proxy", cfg.URL())

	if err := s.startProbe(cfg); err != nil {
		s.logger.Warn("health probe not started", "err", err)
	}
	return nil
}

// Clear removes the system proxy. It returns once the settings are reset and
// the probe has stopped.
func (s *Settings) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopProbe()

	cmds, err := disableCommands(ctx, s.run)
	if err != nil {
		return err
	}

	var firstErr error
	for _, args := range cmds {
		if err := s.exec(ctx, args); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil && s.active != nil {
		s.logger.Info("system proxy cleared", "proxy", s.active.URL())
	}
	s.active = nil
	return firstErr
}

func (s *Settings) AddErrorListener(fn func(err error)) { s.onError.Store(&fn) }

func (s *Settings) RemoveErrorListener() { s.onError.Store(nil) }

// Active returns the configured proxy, or nil.
func (s *Settings) Active() *types.ProxyConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Settings) startProbe(cfg *types.ProxyConfig) error {
	s.stopProbe()

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	var reported atomic.Bool
	_, err = scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()

			err := s.probe(ctx, cfg.Address())
			if err == nil || reported.Swap(true) {
				return
			}
			terr := &pkgerrors.TransportError{Host: cfg.Host, Port: cfg.Port, Err: err}
			s.logger.Warn("proxy health probe failed", "err", terr)
			if fn := s.onError.Load(); fn != nil {
				(*fn)(terr)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("failed to create probe job: %w", err)
	}

	scheduler.Start()
	s.scheduler = scheduler
	return nil
}

func (s *Settings) stopProbe() {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Shutdown(); err != nil {
		s.logger.Warn("failed to stop health probe", "err", err)
	}
	s.scheduler = nil
}

// rollback resets settings left behind by a partially applied enable.
func (s *Settings) rollback(ctx context.Context) {
	cmds, err := disableCommands(context.WithoutCancel(ctx), s.run)
	if err != nil {
		s.logger.Warn("failed to reset system proxy", "err", err)
		return
	}
	for _, args := range cmds {
		if err := s.exec(context.WithoutCancel(ctx), args); err != nil {
			s.logger.Warn("failed to reset system proxy", "err", err)
		}
	}
}

func (s *Settings) runAll(ctx context.Context, cmds [][]string) error {
	for _, args := range cmds {
		if err := s.exec(ctx, args); err != nil {
			return err
		}
	}
	return nil
}

func (s *Settings) exec(ctx context.Context, args []string) error {
	if output, err := s.run(ctx, args[0], args[1:]...); err != nil {
		return fmt.Errorf("failed to run %v: %w: %s", args, err, strings.TrimSpace(string(output)))
	}
	return nil
}
