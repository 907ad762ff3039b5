package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mullproxy/internal/core/types"
	"mullproxy/internal/notify"
	"mullproxy/internal/storage/models"
	pkgerrors "mullproxy/pkg/errors"
)

type fakeRegistrar struct {
	t *testing.T

	mu           sync.Mutex
	active       int
	registered   []string
	unregistered int
	registerErr  error
	onError      func(error)
}

func (r *fakeRegistrar) Register(ctx context.Context, reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registerErr != nil {
		return r.registerErr
	}
	r.active++
	assert.LessOrEqual(r.t, r.active, 1, "more than one proxy registered")
	r.registered = append(r.registered, reg.Config.Host)
	r.onError = reg.OnError
	return nil
}

func (r *fakeRegistrar) Unregister(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active > 0 {
		r.active--
	}
	r.unregistered++
	r.onError = nil
	return nil
}

func (r *fakeRegistrar) counts() (active, registered, unregistered int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, len(r.registered), r.unregistered
}

func (r *fakeRegistrar) fireError(err error) {
	r.mu.Lock()
	fn := r.onError
	r.mu.Unlock()
	fn(err)
}

type verifyResult struct {
	ip  string
	err error
}

type verifyCall struct {
	ctx     context.Context
	respond chan verifyResult
}

// fakeVerifier hands every call to the test and returns whatever the test
// responds, even after the call context is cancelled.
type fakeVerifier struct {
	calls chan verifyCall
}

func (v *fakeVerifier) IPAddress(ctx context.Context) (string, error) {
	call := verifyCall{ctx: ctx, respond: make(chan verifyResult, 1)}
	v.calls <- call
	r := <-call.respond
	return r.ip, r.err
}

type fakeNotifier struct {
	mu    sync.Mutex
	kinds []notify.Kind
}

func (n *fakeNotifier) Show(ctx context.Context, kind notify.Kind, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
}

func (n *fakeNotifier) shown() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Kind(nil), n.kinds...)
}

type fakeRecorder struct {
	mu    sync.Mutex
	hosts []string
}

func (r *fakeRecorder) RecordConnected(ctx context.Context, host string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts = append(r.hosts, host)
	return nil
}

type harness struct {
	ctrl      *Controller
	registrar *fakeRegistrar
	verifier  *fakeVerifier
	notifier  *fakeNotifier
	recorder  *fakeRecorder
	indicator *StatusIndicator
	stale     chan string
	cancel    context.CancelFunc
	done      chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		registrar: &fakeRegistrar{t: t},
		verifier:  &fakeVerifier{calls: make(chan verifyCall, 4)},
		notifier:  &fakeNotifier{},
		recorder:  &fakeRecorder{},
		indicator: NewStatusIndicator(nil),
		stale:     make(chan string, 4),
		done:      make(chan struct{}),
	}
	h.ctrl = NewController(Deps{
		Registrar: h.registrar,
		Verifier:  h.verifier,
		Notifier:  h.notifier,
		Indicator: h.indicator,
		Recorder:  h.recorder,
	})
	h.ctrl.staleDropped = func(host string) { h.stale <- host }

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		_ = h.ctrl.Run(ctx)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

type connectResult struct {
	snap types.Snapshot
	err  error
}

func (h *harness) connectAsync(host string, details *models.ConnectionDetails) <-chan connectResult {
	out := make(chan connectResult, 1)
	go func() {
		snap, err := h.ctrl.Connect(context.Background(), host, details)
		out <- connectResult{snap: snap, err: err}
	}()
	return out
}

func (h *harness) nextCall(t *testing.T) verifyCall {
	t.Helper()
	select {
	case call := <-h.verifier.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("verification was not started")
		return verifyCall{}
	}
}

func awaitResult(t *testing.T, ch <-chan connectResult) connectResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return")
		return connectResult{}
	}
}

func viaMullvad() *models.ConnectionDetails {
	return &models.ConnectionDetails{
		MullvadExitIP:     true,
		MullvadServerType: models.ServerTypeWireGuard,
		CountryCode:       "se",
	}
}

func (h *harness) connect(t *testing.T, host string) types.Snapshot {
	t.Helper()
	result := h.connectAsync(host, viaMullvad())
	h.nextCall(t).respond <- verifyResult{ip: "185.65.135.1"}
	r := awaitResult(t, result)
	require.NoError(t, r.err)
	return r.snap
}

func TestConnectSuccess(t *testing.T) {
	h := newHarness(t)

	result := h.connectAsync("se5-wireguard", viaMullvad())
	call := h.nextCall(t)

	snap := h.ctrl.Snapshot()
	require.True(t, snap.IsConnecting())
	require.Equal(t, "se5-wireguard.mullvad.net", snap.Host)

	call.respond <- verifyResult{ip: "185.65.135.1"}
	r := awaitResult(t, result)
	require.NoError(t, r.err)
	require.True(t, r.snap.IsConnected())
	require.Equal(t, "se5-wireguard.mullvad.net", r.snap.Host)

	require.Equal(t, []notify.Kind{notify.KindConnected}, h.notifier.shown())
	require.Equal(t, types.IconLocked, h.indicator.Icon())
	require.Equal(t, []string{"se5-wireguard.mullvad.net"}, h.recorder.hosts)

	active, _, _ := h.registrar.counts()
	require.Equal(t, 1, active)
}

func TestConnectEmptyHostUsesTransportDefault(t *testing.T) {
	h := newHarness(t)

	snap := h.connect(t, "")
	require.Equal(t, types.DefaultSOCKSWireGuard, snap.Host)

	_, err := h.ctrl.Disconnect(context.Background(), false)
	require.NoError(t, err)

	details := viaMullvad()
	details.MullvadServerType = models.ServerTypeOpenVPN
	result := h.connectAsync("", details)
	h.nextCall(t).respond <- verifyResult{ip: "185.65.135.1"}
	require.Equal(t, types.DefaultSOCKSOpenVPN, awaitResult(t, result).snap.Host)
}

func TestConnectNotViaMullvad(t *testing.T) {
	h := newHarness(t)

	snap, err := h.ctrl.Connect(context.Background(), "se5-wireguard", &models.ConnectionDetails{})
	require.NoError(t, err)
	require.Equal(t, types.StateIdle, snap.State)

	require.Equal(t, []notify.Kind{notify.KindNotViaMullvad}, h.notifier.shown())
	active, registered, unregistered := h.registrar.counts()
	require.Equal(t, 0, active)
	require.Equal(t, 1, registered)
	require.Equal(t, 1, unregistered)

	select {
	case <-h.verifier.calls:
		t.Fatal("verification must not run")
	default:
	}
}

func TestConnectWhileConnectingIsIgnored(t *testing.T) {
	h := newHarness(t)

	first := h.connectAsync("se5-wireguard", viaMullvad())
	call := h.nextCall(t)

	snap, err := h.ctrl.Connect(context.Background(), "de1-wireguard", viaMullvad())
	require.NoError(t, err)
	require.True(t, snap.IsConnecting())
	require.Equal(t, "se5-wireguard.mullvad.net", snap.Host)

	call.respond <- verifyResult{ip: "185.65.135.1"}
	r := awaitResult(t, first)
	require.True(t, r.snap.IsConnected())
	require.Equal(t, "se5-wireguard.mullvad.net", r.snap.Host)

	_, registered, _ := h.registrar.counts()
	require.Equal(t, 1, registered)
}

func TestDisconnectCancelsInFlightVerification(t *testing.T) {
	h := newHarness(t)

	result := h.connectAsync("se5-wireguard", viaMullvad())
	call := h.nextCall(t)

	snap, err := h.ctrl.Disconnect(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, types.StateIdle, snap.State)
	require.ErrorIs(t, call.ctx.Err(), context.Canceled)

	r := awaitResult(t, result)
	require.Equal(t, types.StateIdle, r.snap.State)

	// the cancelled request completes late with a success
	call.respond <- verifyResult{ip: "185.65.135.1"}
	select {
	case host := <-h.stale:
		require.Equal(t, "se5-wireguard.mullvad.net", host)
	case <-time.After(2 * time.Second):
		t.Fatal("late result was not dropped")
	}

	require.Equal(t, types.StateIdle, h.ctrl.Snapshot().State)
	require.Equal(t, types.IconUnlocked, h.indicator.Icon())
	require.Equal(t, []notify.Kind{notify.KindDisconnected}, h.notifier.shown())
	require.Empty(t, h.recorder.hosts)
}

func TestLateResultOfSupersededAttemptIsDropped(t *testing.T) {
	h := newHarness(t)

	result := h.connectAsync("se5-wireguard", viaMullvad())
	old := h.nextCall(t)
	_, err := h.ctrl.Disconnect(context.Background(), false)
	require.NoError(t, err)
	awaitResult(t, result)

	second := h.connectAsync("de1-wireguard", viaMullvad())
	current := h.nextCall(t)

	old.respond <- verifyResult{err: errors.New("connection refused")}
	require.Equal(t, "se5-wireguard.mullvad.net", <-h.stale)

	snap := h.ctrl.Snapshot()
	require.True(t, snap.IsConnecting())
	require.Equal(t, "de1-wireguard.mullvad.net", snap.Host)

	current.respond <- verifyResult{ip: "185.65.135.1"}
	require.True(t, awaitResult(t, second).snap.IsConnected())
	require.Equal(t, []notify.Kind{notify.KindConnected}, h.notifier.shown())
}

func TestVerificationFailure(t *testing.T) {
	h := newHarness(t)

	result := h.connectAsync("se5-wireguard", viaMullvad())
	h.nextCall(t).respond <- verifyResult{err: errors.New("connection refused")}

	r := awaitResult(t, result)
	require.NoError(t, r.err)
	require.Equal(t, types.StateIdle, r.snap.State)
	require.Equal(t, []notify.Kind{notify.KindFailed}, h.notifier.shown())

	active, _, unregistered := h.registrar.counts()
	require.Equal(t, 0, active)
	require.Equal(t, 1, unregistered)
}

func TestRegisterFailure(t *testing.T) {
	h := newHarness(t)
	h.registrar.registerErr = errors.New("permission denied")

	snap, err := h.ctrl.Connect(context.Background(), "se5-wireguard", viaMullvad())
	require.NoError(t, err)
	require.Equal(t, types.StateIdle, snap.State)
	require.Equal(t, []notify.Kind{notify.KindFailed}, h.notifier.shown())

	// a partially applied registration is rolled back
	active, _, unregistered := h.registrar.counts()
	require.Equal(t, 0, active)
	require.Equal(t, 1, unregistered)
	require.Nil(t, h.ctrl.ProxyFor(Request{Host: "example.org"}))
}

func TestPostedCommandsRunInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	connected, err := h.ctrl.PostConnect(ctx, "se5-wireguard", viaMullvad())
	require.NoError(t, err)
	disconnected, err := h.ctrl.PostDisconnect(ctx, true)
	require.NoError(t, err)

	snap, err := h.ctrl.Await(ctx, disconnected)
	require.NoError(t, err)
	require.Equal(t, types.StateIdle, snap.State)

	snap, err = h.ctrl.Await(ctx, connected)
	require.NoError(t, err)
	require.Equal(t, types.StateIdle, snap.State)

	// the verification started by the connect is cancelled
	call := h.nextCall(t)
	require.Error(t, call.ctx.Err())
	call.respond <- verifyResult{err: call.ctx.Err()}
	require.Equal(t, "se5-wireguard.mullvad.net", <-h.stale)

	active, registered, unregistered := h.registrar.counts()
	require.Equal(t, 0, active)
	require.Equal(t, 1, registered)
	require.Equal(t, 1, unregistered)
	require.Equal(t, []notify.Kind{notify.KindDisconnected}, h.notifier.shown())
}

func TestAwaitAfterStop(t *testing.T) {
	h := newHarness(t)
	h.stop()

	_, err := h.ctrl.PostDisconnect(context.Background(), false)
	require.ErrorIs(t, err, pkgerrors.ErrControllerStopped)
}

func TestProxyErrorDisconnects(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "se5-wireguard")

	h.registrar.fireError(errors.New("socks: connection refused"))

	require.Eventually(t, func() bool {
		return h.ctrl.Snapshot().State == types.StateIdle
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(h.notifier.shown()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []notify.Kind{notify.KindConnected, notify.KindFailed}, h.notifier.shown())
}

func TestReconnectTearsDownPrevious(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "se5-wireguard")
	snap := h.connect(t, "de1-wireguard")

	require.Equal(t, "de1-wireguard.mullvad.net", snap.Host)
	active, registered, unregistered := h.registrar.counts()
	require.Equal(t, 1, active)
	require.Equal(t, 2, registered)
	require.Equal(t, 1, unregistered)
	require.Equal(t, []notify.Kind{notify.KindConnected, notify.KindConnected}, h.notifier.shown())
}

func TestDisconnectWhenIdleDoesNotNotify(t *testing.T) {
	h := newHarness(t)

	snap, err := h.ctrl.Disconnect(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, types.StateIdle, snap.State)
	require.Empty(t, h.notifier.shown())
}

func TestProxyForHonoursExcludeList(t *testing.T) {
	h := newHarness(t)
	require.Nil(t, h.ctrl.ProxyFor(Request{Host: "example.org"}))

	require.NoError(t, h.ctrl.ApplySettings(context.Background(), Settings{
		ProxyDNS:       true,
		ExcludeEnabled: true,
		ExcludeList:    []string{"example.com"},
	}))
	h.connect(t, "se5-wireguard")

	cfg := h.ctrl.ProxyFor(Request{Host: "example.org"})
	require.NotNil(t, cfg)
	require.Equal(t, "socks5://se5-wireguard.mullvad.net:1080", cfg.URL())
	require.True(t, cfg.ProxyDNS)

	require.Nil(t, h.ctrl.ProxyFor(Request{Host: "example.com"}))
	require.Nil(t, h.ctrl.ProxyFor(Request{Host: "cdn.example.net", DocumentHost: "example.com"}))
	require.NotNil(t, h.ctrl.ProxyFor(Request{Host: "sub.example.com"}))

	require.NoError(t, h.ctrl.ApplySettings(context.Background(), Settings{
		ExcludeEnabled: false,
		ExcludeList:    []string{"example.com"},
	}))
	require.NotNil(t, h.ctrl.ProxyFor(Request{Host: "example.com"}))
}

func TestProxyDNSAppliesToNextConnection(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.ApplySettings(context.Background(), Settings{ProxyDNS: false}))

	h.connect(t, "se5-wireguard")
	cfg := h.ctrl.ProxyFor(Request{Host: "example.org"})
	require.NotNil(t, cfg)
	require.False(t, cfg.ProxyDNS)
}

func TestUpdateDetailsSetsBadgeOnlyWhenActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.UpdateDetails(ctx, viaMullvad()))
	require.Empty(t, h.indicator.Badge())

	h.connect(t, "se5-wireguard")
	require.NoError(t, h.ctrl.UpdateDetails(ctx, viaMullvad()))
	require.Equal(t, "SE", h.indicator.Badge())

	_, err := h.ctrl.Disconnect(ctx, false)
	require.NoError(t, err)
	require.Empty(t, h.indicator.Badge())
}

func TestErrorsOnlySuppressesSuccessNotifications(t *testing.T) {
	backend := &countingBackend{}
	h := newHarness(t)
	h.ctrl.notifier = notify.NewPresenter(backend, staticPrefs{enabled: true, errorsOnly: true}, nil)

	h.connect(t, "se5-wireguard")
	_, err := h.ctrl.Disconnect(context.Background(), true)
	require.NoError(t, err)
	require.Zero(t, backend.count())

	result := h.connectAsync("se5-wireguard", viaMullvad())
	h.nextCall(t).respond <- verifyResult{err: errors.New("timeout")}
	awaitResult(t, result)
	require.Equal(t, 1, backend.count())
}

func TestStopTearsDownRegistration(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "se5-wireguard")

	h.stop()

	active, _, _ := h.registrar.counts()
	require.Equal(t, 0, active)

	_, err := h.ctrl.Connect(context.Background(), "se5-wireguard", viaMullvad())
	require.ErrorIs(t, err, pkgerrors.ErrControllerStopped)
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t)
	require.Eventually(t, h.ctrl.started.Load, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, h.ctrl.Run(context.Background()), pkgerrors.ErrAlreadyRunning)
}

type staticPrefs struct {
	enabled, errorsOnly bool
}

func (p staticPrefs) NotificationPrefs(ctx context.Context) (bool, bool, error) {
	return p.enabled, p.errorsOnly, nil
}

type countingBackend struct {
	mu      sync.Mutex
	created int
}

func (b *countingBackend) Create(ctx context.Context, id string, n notify.Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created++
	return nil
}

func (b *countingBackend) Clear(ctx context.Context, id string) error { return nil }

func (b *countingBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created
}
