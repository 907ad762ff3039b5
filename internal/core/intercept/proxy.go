// Package intercept implements the per-request interception surface as a
// local HTTP forward proxy. Each request asks the registered handler which
// proxy to use and is either dialed through SOCKS5 or sent direct.
package intercept

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	xproxy "golang.org/x/net/proxy"

	"mullproxy/internal/core"
	"mullproxy/internal/core/types"
	pkgerrors "mullproxy/pkg/errors"
)

// HealthPath is answered locally and never proxied.
const HealthPath = "/_mullproxy/health"

// Dialer opens outbound connections.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

type dialerFunc func(network, addr string) (net.Conn, error)

func (d dialerFunc) Dial(network, addr string) (net.Conn, error) { return d(network, addr) }

// Options configure a Proxy.
type Options struct {
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Proxy is a local HTTP/CONNECT proxy implementing core.InterceptionAPI.
type Proxy struct {
	timeout time.Duration
	logger  *slog.Logger

	handler atomic.Pointer[core.RequestHandler]
	onError atomic.Pointer[func(error)]

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// New creates a Proxy. It does not listen until Start is called.
func New(opts Options) *Proxy {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Proxy{timeout: opts.DialTimeout, logger: opts.Logger}
}

var _ core.InterceptionAPI = (*Proxy)(nil)

func (p *Proxy) AddRequestListener(fn core.RequestHandler) { p.handler.Store(&fn) }

func (p *Proxy) RemoveRequestListener() { p.handler.Store(nil) }

func (p *Proxy) AddErrorListener(fn func(err error)) { p.onError.Store(&fn) }

func (p *Proxy) RemoveErrorListener() { p.onError.Store(nil) }

// Start listens on listenAddr and serves in the background. It returns the
// bound address.
func (p *Proxy) Start(listenAddr string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listener != nil {
		return "", errors.New("proxy already started")
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return "", err
	}

	srv := &http.Server{
		Handler:           http.HandlerFunc(p.serveHTTP),
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.listener = ln
	p.server = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("intercept proxy stopped", "err", err)
		}
	}()

	p.logger.Info("intercept proxy listening", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}

// Close stops the proxy.
func (p *Proxy) Close(ctx context.Context) error {
	p.mu.Lock()
	srv := p.server
	p.server = nil
	p.listener = nil
	p.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (p *Proxy) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == HealthPath && r.URL.Host == "" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":      true,
			"proxied": p.handler.Load() != nil,
		})
		return
	}

	if strings.EqualFold(r.Method, http.MethodConnect) {
		p.handleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}

func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	dest := r.Host
	if dest == "" {
		http.Error(w, "missing host", http.StatusBadRequest)
		return
	}

	dialer, cfg := p.route(r, "https://"+dest+"/")
	upstream, err := dialer.Dial("tcp", dest)
	if err != nil {
		p.dialFailed(cfg, dest, err)
		http.Error(w, "dial upstream: "+err.Error(), http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = upstream.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hj.Hijack()
	if err != nil {
		_ = upstream.Close()
		http.Error(w, "hijack: "+err.Error(), http.StatusInternalServerError)
		return
	}

	_, _ = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	go func() {
		_, _ = io.Copy(upstream, clientConn)
		_ = upstream.Close()
	}()
	_, _ = io.Copy(clientConn, upstream)
	_ = clientConn.Close()
}

func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Host == "" {
		http.Error(w, "not a proxy request", http.StatusBadRequest)
		return
	}

	dialer, cfg := p.route(r, r.URL.String())

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	outReq.Header.Del("Proxy-Connection")
	outReq.Header.Del("Proxy-Authorization")

	dialErrs := make(chan error, 1)
	tr := &http.Transport{
		Proxy:                 nil,
		ForceAttemptHTTP2:     false,
		DisableKeepAlives:     true,
		ResponseHeaderTimeout: 30 * time.Second,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.Dial(network, addr)
			if err != nil {
				select {
				case dialErrs <- err:
				default:
				}
			}
			return conn, err
		},
	}

	resp, err := tr.RoundTrip(outReq)
	if err != nil {
		select {
		case dialErr := <-dialErrs:
			p.dialFailed(cfg, r.URL.Host, dialErr)
		default:
		}
		http.Error(w, "round trip: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// route asks the registered handler where a request goes.
func (p *Proxy) route(r *http.Request, rawURL string) (Dialer, *types.ProxyConfig) {
	direct := p.directDialer()

	h := p.handler.Load()
	if h == nil {
		return direct, nil
	}

	cfg := (*h)(core.Request{
		URL:          rawURL,
		Host:         hostname(r.Host),
		DocumentHost: documentHost(r),
	})
	if cfg == nil {
		return direct, nil
	}

	d, err := NewSOCKS5Dialer(cfg, p.timeout)
	if err != nil {
		p.logger.Warn("failed to build socks dialer", "proxy", cfg.Address(), "err", err)
		return direct, nil
	}
	return d, cfg
}

// dialFailed reports failures to reach the proxy itself to the error
// listener. Failures reported by the proxy for the destination are not
// proxy errors.
func (p *Proxy) dialFailed(cfg *types.ProxyConfig, dest string, err error) {
	var proxyErr *proxyDialError
	if cfg == nil || !errors.As(err, &proxyErr) {
		p.logger.Debug("upstream dial failed", "dest", dest, "err", err)
		return
	}

	terr := &pkgerrors.TransportError{Host: cfg.Host, Port: cfg.Port, Err: proxyErr.err}
	p.logger.Warn("proxy unreachable", "dest", dest, "err", terr)
	if fn := p.onError.Load(); fn != nil {
		(*fn)(terr)
	}
}

func (p *Proxy) directDialer() Dialer {
	d := &net.Dialer{Timeout: p.timeout}
	return dialerFunc(d.Dial)
}

type proxyDialError struct {
	err error
}

func (e *proxyDialError) Error() string { return fmt.Sprintf("dial proxy: %v", e.err) }

func (e *proxyDialError) Unwrap() error { return e.err }

// NewSOCKS5Dialer dials through the SOCKS5 proxy of cfg. Without ProxyDNS
// the destination is resolved locally and the proxy only sees addresses.
func NewSOCKS5Dialer(cfg *types.ProxyConfig, timeout time.Duration) (Dialer, error) {
	if cfg.Kind != types.ProxyKindSOCKS5 {
		return nil, fmt.Errorf("unsupported proxy kind: %s", cfg.Kind)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	forward := &net.Dialer{Timeout: timeout}
	fwd := dialerFunc(func(network, addr string) (net.Conn, error) {
		conn, err := forward.Dial(network, addr)
		if err != nil {
			return nil, &proxyDialError{err: err}
		}
		return conn, nil
	})

	d, err := xproxy.SOCKS5("tcp", cfg.Address(), nil, fwd)
	if err != nil {
		return nil, err
	}
	if cfg.ProxyDNS {
		return d, nil
	}

	return dialerFunc(func(network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if net.ParseIP(host) == nil {
			ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
			if err != nil {
				return nil, err
			}
			if len(ips) == 0 {
				return nil, fmt.Errorf("no addresses for %s", host)
			}
			host = ips[0].IP.String()
		}
		return d.Dial(network, net.JoinHostPort(host, port))
	}), nil
}

func hostname(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

// documentHost is the host of the page that issued the request, taken from
// the Referer or Origin header.
func documentHost(r *http.Request) string {
	for _, raw := range []string{r.Header.Get("Referer"), r.Header.Get("Origin")} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	return ""
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
