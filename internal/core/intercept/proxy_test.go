package intercept

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/things-go/go-socks5"

	"mullproxy/internal/core"
	"mullproxy/internal/core/types"
	pkgerrors "mullproxy/pkg/errors"
)

func startProxy(t *testing.T) (*Proxy, *http.Client) {
	t.Helper()

	p := New(Options{DialTimeout: 2 * time.Second})
	addr, err := p.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	proxyURL, err := url.Parse("http://" + addr)
	require.NoError(t, err)
	client := &http.Client{
		Timeout:   3 * time.Second,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
	return p, client
}

// startSOCKS runs a SOCKS5 server on a random port and counts the
// connections it makes on behalf of clients.
func startSOCKS(t *testing.T) (*types.ProxyConfig, *atomic.Int32) {
	t.Helper()

	var dials atomic.Int32
	server := socks5.NewServer(
		socks5.WithDial(func(ctx context.Context, network, addr string) (net.Conn, error) {
			dials.Add(1)
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}),
	)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var running sync.WaitGroup
	running.Add(1)
	go func() {
		defer running.Done()
		_ = server.Serve(listener)
	}()
	t.Cleanup(func() {
		listener.Close()
		running.Wait()
	})

	host, port, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)

	return &types.ProxyConfig{Kind: types.ProxyKindSOCKS5, Host: host, Port: portNum, ProxyDNS: true}, &dials
}

func startOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello")
	}))
	t.Cleanup(origin.Close)
	return origin
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestHealthEndpoint(t *testing.T) {
	p, _ := startProxy(t)

	resp, err := http.Get("http://" + p.listener.Addr().String() + HealthPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		OK      bool `json:"ok"`
		Proxied bool `json:"proxied"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, body.OK)
	require.False(t, body.Proxied)
}

func TestDirectWithoutListener(t *testing.T) {
	origin := startOrigin(t)
	_, client := startProxy(t)

	resp, err := client.Get(origin.URL + "/hello")
	require.NoError(t, err)
	require.Equal(t, "hello", readBody(t, resp))
}

func TestHTTPThroughSOCKS(t *testing.T) {
	origin := startOrigin(t)
	cfg, dials := startSOCKS(t)
	p, client := startProxy(t)

	var seen []core.Request
	var mu sync.Mutex
	p.AddRequestListener(func(req core.Request) *types.ProxyConfig {
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		return cfg
	})

	req, err := http.NewRequest(http.MethodGet, origin.URL+"/hello", nil)
	require.NoError(t, err)
	req.Header.Set("Referer", "https://example.com/page")

	resp, err := client.Do(req)
	require.NoError(t, err)
	require.Equal(t, "hello", readBody(t, resp))
	require.Equal(t, int32(1), dials.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	require.Equal(t, "127.0.0.1", seen[0].Host)
	require.Equal(t, "example.com", seen[0].DocumentHost)
}

func TestConnectThroughSOCKS(t *testing.T) {
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "secure")
	}))
	defer origin.Close()

	cfg, dials := startSOCKS(t)
	p, _ := startProxy(t)
	p.AddRequestListener(func(req core.Request) *types.ProxyConfig { return cfg })

	proxyURL, err := url.Parse("http://" + p.listener.Addr().String())
	require.NoError(t, err)
	tr := origin.Client().Transport.(*http.Transport).Clone()
	tr.Proxy = http.ProxyURL(proxyURL)
	client := &http.Client{Transport: tr, Timeout: 3 * time.Second}

	resp, err := client.Get(origin.URL)
	require.NoError(t, err)
	require.Equal(t, "secure", readBody(t, resp))
	require.Equal(t, int32(1), dials.Load())
}

func TestNilConfigGoesDirect(t *testing.T) {
	origin := startOrigin(t)
	cfg, dials := startSOCKS(t)
	p, client := startProxy(t)

	p.AddRequestListener(func(req core.Request) *types.ProxyConfig {
		if req.Host == "127.0.0.1" {
			return nil
		}
		return cfg
	})

	resp, err := client.Get(origin.URL)
	require.NoError(t, err)
	require.Equal(t, "hello", readBody(t, resp))
	require.Zero(t, dials.Load())
}

func TestRemovedListenerGoesDirect(t *testing.T) {
	origin := startOrigin(t)
	cfg, dials := startSOCKS(t)
	p, client := startProxy(t)

	p.AddRequestListener(func(req core.Request) *types.ProxyConfig { return cfg })
	p.RemoveRequestListener()

	resp, err := client.Get(origin.URL)
	require.NoError(t, err)
	require.Equal(t, "hello", readBody(t, resp))
	require.Zero(t, dials.Load())
}

func TestUnreachableProxyReportsError(t *testing.T) {
	origin := startOrigin(t)

	// reserve a port and release it so nothing is listening there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	p, client := startProxy(t)
	cfg := &types.ProxyConfig{Kind: types.ProxyKindSOCKS5, Host: "127.0.0.1", Port: port, ProxyDNS: true}
	p.AddRequestListener(func(req core.Request) *types.ProxyConfig { return cfg })

	errs := make(chan error, 1)
	p.AddErrorListener(func(err error) { errs <- err })

	resp, err := client.Get(origin.URL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	select {
	case got := <-errs:
		var terr *pkgerrors.TransportError
		require.True(t, errors.As(got, &terr))
		require.Equal(t, port, terr.Port)
	case <-time.After(2 * time.Second):
		t.Fatal("error listener was not called")
	}
}

func TestDocumentHost(t *testing.T) {
	tests := []struct {
		name    string
		referer string
		origin  string
		want    string
	}{
		{name: "none"},
		{name: "referer", referer: "https://news.example.com/a?b=c", want: "news.example.com"},
		{name: "origin", origin: "https://app.example.org", want: "app.example.org"},
		{name: "referer wins", referer: "http://a.test/", origin: "http://b.test", want: "a.test"},
		{name: "garbage", referer: "::", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://target.test/", nil)
			if tt.referer != "" {
				r.Header.Set("Referer", tt.referer)
			}
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			require.Equal(t, tt.want, documentHost(r))
		})
	}
}

func TestNewSOCKS5DialerRejectsOtherKinds(t *testing.T) {
	_, err := NewSOCKS5Dialer(&types.ProxyConfig{Kind: "http", Host: "10.8.0.1", Port: 1080}, time.Second)
	require.Error(t, err)
}
