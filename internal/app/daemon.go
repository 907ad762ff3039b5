package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"mullproxy/internal/core"
	"mullproxy/internal/core/intercept"
	"mullproxy/internal/core/sysproxy"
	"mullproxy/internal/core/types"
	"mullproxy/internal/exclude"
	"mullproxy/internal/mullvadapi"
	"mullproxy/internal/notify"
	"mullproxy/internal/options"
	"mullproxy/internal/paths"
	"mullproxy/internal/popup"
	"mullproxy/internal/servers"
	pkgerrors "mullproxy/pkg/errors"
)

// Default listen addresses of the background process.
const (
	DefaultListen      = "127.0.0.1:47000"
	DefaultProxyListen = "127.0.0.1:47001"
)

// DaemonConfig configures the background process.
type DaemonConfig struct {
	Listen      string
	ProxyListen string
	Engine      types.Engine
	Refresh     time.Duration
	// Level is raised to debug while enableDebugInfo is on and reset to
	// BaseLevel otherwise.
	Level     *slog.LevelVar
	BaseLevel slog.Level
	// Started, if set, is called with the popup listen address once it
	// accepts connections.
	Started func(addr string)
}

// Serve runs the background process until ctx is done.
func (a *App) Serve(ctx context.Context, cfg DaemonConfig) error {
	logger := a.Logger

	lock := flock.New(paths.LockPath(a.Config.DBPath))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w (lock %s)", pkgerrors.ErrAlreadyRunning, lock.Path())
	}
	defer lock.Unlock()

	var (
		interception core.InterceptionAPI
		declarative  core.DeclarativeAPI
	)
	if cfg.Engine.Intercepts() {
		proxy := intercept.New(intercept.Options{Logger: logger})
		if _, err := proxy.Start(cfg.ProxyListen); err != nil {
			return fmt.Errorf("failed to start intercept proxy: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = proxy.Close(shutdownCtx)
		}()
		interception = proxy
	} else {
		declarative = sysproxy.New(sysproxy.Options{Logger: logger})
	}

	registrar, err := core.NewRegistrar(cfg.Engine, interception, declarative)
	if err != nil {
		return err
	}

	presenter := notify.NewPresenter(notify.NewDesktopBackend(""), a.Options, logger)

	var (
		ctrl    *core.Controller
		channel *popup.Channel
	)
	verifier := NewVerifier(a.Config.API, func(req core.Request) *types.ProxyConfig {
		return ctrl.ProxyFor(req)
	})
	ctrl = core.NewController(core.Deps{
		Registrar: registrar,
		Verifier:  verifier,
		Notifier:  presenter,
		Recorder:  a.Recent,
		Filter:    exclude.NewFilter(),
		Logger:    logger,
		OnChange:  func(s types.Snapshot) { channel.Publish(s) },
	})
	channel = popup.NewChannel(ctrl, logger)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	abort := func(err error) error {
		stop()
		_ = g.Wait()
		return err
	}

	// the controller must be draining its queue before anything posts to it
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error {
		channel.Run(gctx)
		return nil
	})

	if err := a.applySettings(gctx, ctrl, cfg); err != nil {
		return abort(err)
	}
	unsubscribe := a.Options.Subscribe(func(changed []string) {
		if !slices.ContainsFunc(changed, isControllerOption) {
			return
		}
		if err := a.applySettings(gctx, ctrl, cfg); err != nil {
			logger.Error("failed to apply options", "changed", changed, "err", err)
		}
	})
	defer unsubscribe()

	scheduler, err := servers.NewScheduler(a.Catalog, a.Recent, cfg.Refresh, logger)
	if err != nil {
		return abort(err)
	}
	if err := scheduler.Start(gctx); err != nil {
		return abort(err)
	}
	defer scheduler.Stop()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return abort(fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err))
	}
	mux := http.NewServeMux()
	mux.Handle(popup.Path, popup.NewHandler(channel, logger))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	logger.Info("background started", "listen", ln.Addr().String(), "engine", cfg.Engine)
	if cfg.Started != nil {
		cfg.Started(ln.Addr().String())
	}

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		err := a.Options.Watch(gctx, options.DefaultWatchInterval, logger)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		a.autoConnect(gctx, ctrl)
		return nil
	})

	err = g.Wait()
	logger.Info("background stopped")
	return err
}

func isControllerOption(name string) bool {
	switch name {
	case options.ProxyDNS, options.EnableExcludeList, options.ExcludeList, options.EnableDebugInfo:
		return true
	}
	return false
}

func (a *App) applySettings(ctx context.Context, ctrl *core.Controller, cfg DaemonConfig) error {
	opts, err := a.Options.GetAll(ctx)
	if err != nil {
		return err
	}
	if cfg.Level != nil {
		if opts.EnableDebugInfo {
			cfg.Level.Set(slog.LevelDebug)
		} else {
			cfg.Level.Set(cfg.BaseLevel)
		}
	}
	return ctrl.ApplySettings(ctx, core.Settings{
		ProxyDNS:       opts.ProxyDNS,
		ExcludeEnabled: opts.EnableExcludeList,
		ExcludeList:    opts.ExcludeList,
	})
}

// autoConnect connects on start when the autoConnect option is on, to the
// remembered server if there is one.
func (a *App) autoConnect(ctx context.Context, ctrl *core.Controller) {
	opts, err := a.Options.GetAll(ctx)
	if err != nil {
		a.Logger.Error("failed to read options", "err", err)
		return
	}
	if !opts.AutoConnect {
		return
	}

	host := ""
	if opts.RememberConnectedServer {
		if host, err = a.Recent.LastConnected(ctx); err != nil {
			a.Logger.Warn("failed to read remembered server", "err", err)
		}
	}

	details, err := a.API.Details(ctx)
	if err != nil {
		a.Logger.Warn("auto-connect skipped, connection details unavailable", "err", err)
		return
	}

	a.Logger.Info("auto-connecting", "host", host)
	if _, err := ctrl.Connect(ctx, host, details); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("auto-connect failed", "err", err)
	}
}

// NewVerifier returns an API client whose requests are routed by resolve,
// the same handler that routes intercepted requests.
func NewVerifier(cfg mullvadapi.ClientConfig, resolve core.RequestHandler) *mullvadapi.Client {
	cfg.MaxRetries = 0
	cfg.Transport = &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			pc := resolve(core.Request{URL: req.URL.String(), Host: req.URL.Hostname()})
			if pc == nil {
				return nil, nil
			}
			return url.Parse(pc.URL())
		},
		DisableKeepAlives: true,
	}
	return mullvadapi.NewClient(cfg)
}
