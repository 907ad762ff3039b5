package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"mullproxy/internal/core/types"
	"mullproxy/internal/exclude"
	"mullproxy/internal/notify"
	"mullproxy/internal/storage/models"
	pkgerrors "mullproxy/pkg/errors"
)

const unregisterTimeout = 10 * time.Second

// Verifier checks that traffic flows through the registered proxy.
type Verifier interface {
	IPAddress(ctx context.Context) (string, error)
}

// Notifier shows user-visible notifications.
type Notifier interface {
	Show(ctx context.Context, kind notify.Kind, message string)
}

// ConnectRecorder is told about every verified connection.
type ConnectRecorder interface {
	RecordConnected(ctx context.Context, host string) error
}

// Settings are the option-driven behaviour flags of the controller.
type Settings struct {
	ProxyDNS       bool
	ExcludeEnabled bool
	ExcludeList    []string
}

// Deps holds the collaborators of a Controller.
type Deps struct {
	Registrar Registrar
	Verifier  Verifier
	Notifier  Notifier
	Indicator Indicator
	Recorder  ConnectRecorder
	Filter    *exclude.Filter
	Logger    *slog.Logger
	// OnChange is called on the controller goroutine after every state
	// transition. It must not block.
	OnChange func(types.Snapshot)
}

type attempt struct {
	id      uint64
	host    string
	cancel  context.CancelFunc
	waiters []chan<- types.Snapshot
}

func (a *attempt) resolve(s types.Snapshot) {
	for _, w := range a.waiters {
		w <- s
	}
	a.waiters = nil
}

// Controller owns the proxy configuration and its connection state machine.
// All state transitions run on the goroutine executing Run; public methods
// enqueue work and wait for the outcome.
type Controller struct {
	registrar Registrar
	verifier  Verifier
	notifier  Notifier
	indicator Indicator
	recorder  ConnectRecorder
	filter    *exclude.Filter
	logger    *slog.Logger
	onChange  func(types.Snapshot)

	queue   chan func()
	stopped chan struct{}
	started atomic.Bool

	// owned by the Run goroutine
	ctx         context.Context
	state       types.ConnectionState
	config      *types.ProxyConfig
	registered  bool
	attempt     *attempt
	nextAttempt uint64
	proxyDNS    bool

	// published for readers on other goroutines
	active   atomic.Pointer[types.ProxyConfig]
	snapshot atomic.Pointer[types.Snapshot]

	// test hook, called when a superseded verification result is dropped
	staleDropped func(host string)
}

// NewController creates a Controller. Run must be called to process commands.
func NewController(deps Deps) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	filter := deps.Filter
	if filter == nil {
		filter = exclude.NewFilter()
	}
	indicator := deps.Indicator
	if indicator == nil {
		indicator = NewStatusIndicator(logger)
	}

	c := &Controller{
		registrar: deps.Registrar,
		verifier:  deps.Verifier,
		notifier:  deps.Notifier,
		indicator: indicator,
		recorder:  deps.Recorder,
		filter:    filter,
		logger:    logger,
		onChange:  deps.OnChange,
		queue:     make(chan func(), 64),
		stopped:   make(chan struct{}),
		state:     types.StateIdle,
		proxyDNS:  true,
	}
	c.publish()
	return c
}

// Run processes commands and events until ctx is done. Any active
// registration is removed before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("controller: %w", pkgerrors.ErrAlreadyRunning)
	}
	c.ctx = ctx
	defer close(c.stopped)

	for {
		select {
		case fn := <-c.queue:
			fn()
		case <-ctx.Done():
			if c.config != nil || c.registered {
				c.teardown(false)
			}
			return nil
		}
	}
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() types.Snapshot {
	if s := c.snapshot.Load(); s != nil {
		return *s
	}
	return types.Snapshot{State: types.StateIdle}
}

// Connect starts a connection attempt to host and waits until it settles.
// A call made while another attempt is in flight is ignored and returns the
// current state. An empty host selects the default relay-local address for
// the VPN transport named in details.
func (c *Controller) Connect(ctx context.Context, host string, details *models.ConnectionDetails) (types.Snapshot, error) {
	reply, err := c.PostConnect(ctx, host, details)
	if err != nil {
		return c.Snapshot(), err
	}
	return c.Await(ctx, reply)
}

// PostConnect enqueues a connect and returns without waiting. The returned
// channel yields the settled state.
func (c *Controller) PostConnect(ctx context.Context, host string, details *models.ConnectionDetails) (<-chan types.Snapshot, error) {
	reply := make(chan types.Snapshot, 1)
	if err := c.post(ctx, func() { c.connect(host, details, reply) }); err != nil {
		return nil, err
	}
	return reply, nil
}

// Disconnect removes the proxy and cancels any in-flight attempt. With
// notify set, a notification names the host that was active.
func (c *Controller) Disconnect(ctx context.Context, notify bool) (types.Snapshot, error) {
	reply, err := c.PostDisconnect(ctx, notify)
	if err != nil {
		return c.Snapshot(), err
	}
	return c.Await(ctx, reply)
}

// PostDisconnect enqueues a disconnect and returns without waiting.
func (c *Controller) PostDisconnect(ctx context.Context, notify bool) (<-chan types.Snapshot, error) {
	reply := make(chan types.Snapshot, 1)
	err := c.post(ctx, func() {
		c.teardown(notify)
		reply <- c.current()
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// UpdateDetails shows the country code of details on the badge while a
// connection is active. It is ignored in every other state.
func (c *Controller) UpdateDetails(ctx context.Context, details *models.ConnectionDetails) error {
	reply, err := c.PostUpdateDetails(ctx, details)
	if err != nil {
		return err
	}
	_, err = c.Await(ctx, reply)
	return err
}

// PostUpdateDetails enqueues a details update and returns without waiting.
func (c *Controller) PostUpdateDetails(ctx context.Context, details *models.ConnectionDetails) (<-chan types.Snapshot, error) {
	reply := make(chan types.Snapshot, 1)
	err := c.post(ctx, func() {
		if c.state == types.StateActive && details != nil {
			c.indicator.SetBadge(details.BadgeCode())
		}
		reply <- c.current()
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// Await waits for a reply returned by one of the Post methods. Commands
// still queued when the controller stops yield ErrControllerStopped.
func (c *Controller) Await(ctx context.Context, reply <-chan types.Snapshot) (types.Snapshot, error) {
	select {
	case s := <-reply:
		return s, nil
	case <-c.stopped:
		select {
		case s := <-reply:
			return s, nil
		default:
			return c.Snapshot(), pkgerrors.ErrControllerStopped
		}
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	}
}

// ApplySettings updates the option-driven flags. ProxyDNS takes effect on
// the next connection; the exclude list immediately.
func (c *Controller) ApplySettings(ctx context.Context, s Settings) error {
	done := make(chan struct{})
	err := c.post(ctx, func() {
		defer close(done)
		c.proxyDNS = s.ProxyDNS
		c.filter.Update(s.ExcludeEnabled, s.ExcludeList)
	})
	if err != nil {
		return err
	}
	return c.waitDone(ctx, done)
}

// ProxyFor is the per-request handler of the interception strategy. It is
// safe to call from any goroutine.
func (c *Controller) ProxyFor(req Request) *types.ProxyConfig {
	cfg := c.active.Load()
	if cfg == nil {
		return nil
	}
	if c.filter.Bypass(req.Host, req.DocumentHost) {
		return nil
	}
	return cfg
}

func (c *Controller) connect(host string, details *models.ConnectionDetails, reply chan<- types.Snapshot) {
	if c.state == types.StateConnecting {
		c.logger.Debug("connect ignored, attempt in flight", "host", c.config.Host)
		reply <- c.current()
		return
	}

	if c.config != nil {
		c.teardown(false)
	}

	if host == "" {
		serverType := ""
		if details != nil {
			serverType = details.MullvadServerType
		}
		host = types.DefaultSOCKSHost(serverType)
	}
	host = types.FullSocksHost(host)

	cfg := &types.ProxyConfig{
		Kind:     types.ProxyKindSOCKS5,
		Host:     host,
		Port:     types.SOCKSPort,
		ProxyDNS: c.proxyDNS,
	}
	c.config = cfg
	c.setState(types.StateConnecting)
	c.logger.Info("connecting", "host", host)

	err := c.registrar.Register(c.ctx, Registration{
		Config:  cfg,
		Resolve: c.ProxyFor,
		OnError: c.onProxyError,
	})
	if err != nil {
		c.logger.Error("proxy registration failed", "host", host, "err", err)
		c.notify(notify.KindFailed, failedMessage(host))
		// a partial registration may have reached the networking layer
		c.registered = true
		c.teardown(false)
		reply <- c.current()
		return
	}
	c.registered = true

	if details != nil && !details.MullvadExitIP {
		c.logger.Warn("not connected via Mullvad", "host", host, "err", pkgerrors.ErrNotViaMullvad)
		c.notify(notify.KindNotViaMullvad, "You are not connected to a Mullvad VPN server.")
		c.teardown(false)
		reply <- c.current()
		return
	}

	c.nextAttempt++
	ctx, cancel := context.WithCancel(c.ctx)
	a := &attempt{
		id:      c.nextAttempt,
		host:    host,
		cancel:  cancel,
		waiters: []chan<- types.Snapshot{reply},
	}
	c.attempt = a

	go c.verify(ctx, a.id, host)
}

func (c *Controller) verify(ctx context.Context, id uint64, host string) {
	ip, err := c.verifier.IPAddress(ctx)
	c.enqueue(func() { c.finishAttempt(id, host, ip, err) })
}

func (c *Controller) finishAttempt(id uint64, host, ip string, err error) {
	a := c.attempt
	if a == nil || a.id != id || c.config == nil || c.config.Host != host {
		c.logger.Debug("verification result dropped", "host", host, "attempt", id, "err", pkgerrors.ErrStaleResponse)
		if c.staleDropped != nil {
			c.staleDropped(host)
		}
		return
	}
	c.attempt = nil
	a.cancel()

	if err != nil {
		err = &pkgerrors.VerificationError{Host: host, Err: err}
		c.logger.Error("proxy request failed", "host", host, "err", err)
		c.notify(notify.KindFailed, failedMessage(host))
		c.teardown(false)
		a.resolve(c.current())
		return
	}

	c.logger.Info("connected", "host", host, "ip", ip)
	c.setState(types.StateActive)
	c.notify(notify.KindConnected, fmt.Sprintf("Connected to %s", host))
	c.indicator.SetIcon(types.IconLocked)

	if c.recorder != nil {
		if err := c.recorder.RecordConnected(c.ctx, host); err != nil {
			c.logger.Warn("failed to record connected server", "host", host, "err", err)
		}
	}
	a.resolve(c.current())
}

// onProxyError is called by the networking layer, outside of any attempt.
func (c *Controller) onProxyError(err error) {
	go c.enqueue(func() {
		host := ""
		if c.config != nil {
			host = c.config.Host
		}
		c.logger.Error("proxy error", "host", host, "err", fmt.Errorf("%w: %w", pkgerrors.ErrProxyTransport, err))
		c.notify(notify.KindFailed, failedMessage(host))
		c.teardown(false)
	})
}

// teardown removes the registration and returns to idle. Declarative
// teardown is awaited before the shared fields are cleared.
func (c *Controller) teardown(notifyUser bool) {
	a := c.attempt
	c.attempt = nil
	if a != nil {
		a.cancel()
	}

	host := ""
	if c.config != nil {
		host = c.config.Host
	}

	if c.registered {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), unregisterTimeout)
		if err := c.registrar.Unregister(ctx); err != nil {
			c.logger.Error("failed to remove proxy registration", "host", host, "err", err)
		}
		cancel()
		c.registered = false
	}

	c.indicator.SetIcon(types.IconUnlocked)
	c.indicator.SetBadge("")
	c.config = nil
	c.setState(types.StateIdle)

	if a != nil {
		a.resolve(c.current())
	}
	if notifyUser && host != "" {
		c.logger.Info("disconnected", "host", host)
		c.notify(notify.KindDisconnected, fmt.Sprintf("Disconnected from %s", host))
	}
}

func (c *Controller) notify(kind notify.Kind, message string) {
	if c.notifier == nil {
		return
	}
	c.notifier.Show(c.ctx, kind, message)
}

func (c *Controller) setState(state types.ConnectionState) {
	c.state = state
	c.publish()
	if c.onChange != nil {
		c.onChange(c.current())
	}
}

func (c *Controller) publish() {
	c.active.Store(c.config)
	s := c.current()
	c.snapshot.Store(&s)
}

func (c *Controller) current() types.Snapshot {
	s := types.Snapshot{State: c.state}
	if c.config != nil {
		s.Host = c.config.Host
	}
	return s
}

func (c *Controller) post(ctx context.Context, fn func()) error {
	select {
	case <-c.stopped:
		return pkgerrors.ErrControllerStopped
	default:
	}
	select {
	case c.queue <- fn:
		return nil
	case <-c.stopped:
		return pkgerrors.ErrControllerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) enqueue(fn func()) {
	select {
	case c.queue <- fn:
	case <-c.stopped:
	}
}

func (c *Controller) waitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-c.stopped:
		return pkgerrors.ErrControllerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func failedMessage(host string) string {
	if host == "" {
		host = "proxy"
	}
	return fmt.Sprintf("Could not connect to %s", host)
}
