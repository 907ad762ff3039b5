package app

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/require"
	"github.com/things-go/go-socks5"

	"mullproxy/internal/core"
	"mullproxy/internal/core/types"
	"mullproxy/internal/mullvadapi"
	"mullproxy/internal/options"
	"mullproxy/internal/paths"
	"mullproxy/internal/popup"
	pkgerrors "mullproxy/pkg/errors"
)

func newTestApp(t *testing.T, checkURL string) *App {
	t.Helper()
	cfg := Config{DBPath: filepath.Join(t.TempDir(), "mullproxy.db")}
	if checkURL != "" {
		cfg.API = mullvadapi.DefaultClientConfig()
		cfg.API.CheckURL = checkURL
	}
	a, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewSeedsDefaults(t *testing.T) {
	a := newTestApp(t, "")

	opts, err := a.Options.GetAll(context.Background())
	require.NoError(t, err)
	require.True(t, opts.ProxyDNS)
	require.True(t, opts.EnableNotifications)
	require.False(t, opts.AutoConnect)
	require.Equal(t, mullvadapi.DefaultCheckURL, a.Config.API.CheckURL)
}

func TestServeRefusesSecondInstance(t *testing.T) {
	a := newTestApp(t, "")

	lock := flock.New(paths.LockPath(a.Config.DBPath))
	locked, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer lock.Unlock()

	err = a.Serve(context.Background(), DaemonConfig{
		Listen:      "127.0.0.1:0",
		ProxyListen: "127.0.0.1:0",
		Engine:      types.EngineFirefox,
	})
	require.ErrorIs(t, err, pkgerrors.ErrAlreadyRunning)
}

func TestIsControllerOption(t *testing.T) {
	require.True(t, isControllerOption(options.ExcludeList))
	require.True(t, isControllerOption(options.EnableDebugInfo))
	require.False(t, isControllerOption(options.AutoConnect))
}

func TestVerifierRoutesThroughResolvedProxy(t *testing.T) {
	check := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "185.65.135.1\n")
	}))
	defer check.Close()

	var dials atomic.Int32
	server := socks5.NewServer(socks5.WithDial(func(ctx context.Context, network, addr string) (net.Conn, error) {
		dials.Add(1)
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() { _ = server.Serve(ln) }()

	port := ln.Addr().(*net.TCPAddr).Port
	cfg := &types.ProxyConfig{Kind: types.ProxyKindSOCKS5, Host: "127.0.0.1", Port: port}

	var active atomic.Bool
	apiCfg := mullvadapi.DefaultClientConfig()
	apiCfg.CheckURL = check.URL
	apiCfg.Timeout = 3 * time.Second
	verifier := NewVerifier(apiCfg, func(req core.Request) *types.ProxyConfig {
		if active.Load() {
			return cfg
		}
		return nil
	})

	ip, err := verifier.IPAddress(context.Background())
	require.NoError(t, err)
	require.Equal(t, "185.65.135.1", ip)
	require.Zero(t, dials.Load())

	active.Store(true)
	ip, err = verifier.IPAddress(context.Background())
	require.NoError(t, err)
	require.Equal(t, "185.65.135.1", ip)
	require.Equal(t, int32(1), dials.Load())
}

func TestServeAnswersPopup(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, "[]")
	}))
	defer api.Close()

	cfg := Config{DBPath: filepath.Join(t.TempDir(), "mullproxy.db"), API: mullvadapi.DefaultClientConfig()}
	cfg.API.CheckURL = api.URL
	cfg.API.RelaysURL = api.URL
	a, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Options.Set(ctx, options.EnableDebugInfo, true))

	var level slog.LevelVar
	started := make(chan string, 1)
	served := make(chan error, 1)
	go func() {
		served <- a.Serve(ctx, DaemonConfig{
			Listen:      "127.0.0.1:0",
			ProxyListen: "127.0.0.1:0",
			Engine:      types.EngineFirefox,
			Refresh:     time.Hour,
			Level:       &level,
			BaseLevel:   slog.LevelInfo,
			Started:     func(addr string) { started <- addr },
		})
	}()

	var addr string
	select {
	case addr = <-started:
	case err := <-served:
		t.Fatalf("serve returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("background did not start")
	}

	// options were applied before the listener came up
	require.Equal(t, slog.LevelDebug, level.Level())

	dialCtx, dialCancel := context.WithTimeout(ctx, 3*time.Second)
	defer dialCancel()
	client, err := popup.Dial(dialCtx, addr)
	require.NoError(t, err)

	state, err := client.Next(dialCtx)
	require.NoError(t, err)
	require.Equal(t, popup.State{}, state)

	require.NoError(t, client.Disconnect(dialCtx))
	state, err = client.Next(dialCtx)
	require.NoError(t, err)
	require.False(t, state.IsConnected)
	require.NoError(t, client.Close())

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
