package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	dialTimeout     = 10 * time.Second
	upstreamTimeout = 60 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Config configures the egress guard.
type Config struct {
	AllowedHosts []string
	Logger       zerolog.Logger
}

// Guard is an HTTP forward proxy that only reaches allowlisted hosts.
// Plain requests are forwarded; HTTPS uses CONNECT tunnels.
type Guard struct {
	allow    *Allowlist
	logger   zerolog.Logger
	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup

	allowed atomic.Int64
	blocked atomic.Int64
}

// Start listens on a free loopback port. It returns nil, nil when no hosts
// are configured: without an allowlist there is nothing to guard.
func Start(cfg Config) (*Guard, error) {
	allow := NewAllowlist(cfg.AllowedHosts)
	if allow.Len() == 0 {
		return nil, nil
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to start egress guard: %w", err)
	}

	g := &Guard{
		allow:    allow,
		logger:   cfg.Logger.With().Str("component", "proxy").Logger(),
		listener: ln,
	}
	g.server = &http.Server{
		Handler:           http.HandlerFunc(g.handle),
		ReadHeaderTimeout: dialTimeout,
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.logger.Error().Err(err).Msg("server stopped")
		}
	}()

	g.logger.Debug().Str("addr", g.Addr()).Int("hosts", allow.Len()).Msg("started")
	return g, nil
}

// Addr returns the listening address.
func (g *Guard) Addr() string {
	return g.listener.Addr().String()
}

// EnvVars returns the proxy variables to add to a subprocess environment.
func (g *Guard) EnvVars() []string {
	if g == nil {
		return nil
	}
	url := "http://" + g.Addr()
	return []string{
		"HTTP_PROXY=" + url,
		"HTTPS_PROXY=" + url,
		"http_proxy=" + url,
		"https_proxy=" + url,
		"NO_PROXY=",
		"no_proxy=",
	}
}

// Stats returns how many requests were let through and refused.
func (g *Guard) Stats() (allowed, blocked int64) {
	return g.allowed.Load(), g.blocked.Load()
}

// Close stops the guard and waits for the server to exit. Nil-safe.
func (g *Guard) Close() error {
	if g == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := g.server.Shutdown(ctx)
	g.wg.Wait()

	allowed, blocked := g.Stats()
	g.logger.Debug().Int64("allowed", allowed).Int64("blocked", blocked).Msg("stopped")
	return err
}

func (g *Guard) handle(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}

	if !g.allow.Allows(host) {
		g.blocked.Add(1)
		g.logger.Warn().Str("method", r.Method).Str("host", host).Msg("blocked")
		http.Error(w, fmt.Sprintf("host not allowed: %s", host), http.StatusForbidden)
		return
	}
	g.allowed.Add(1)

	if r.Method == http.MethodConnect {
		g.tunnel(w, host)
		return
	}
	g.forward(w, r)
}

// tunnel serves CONNECT by splicing the client and target connections.
func (g *Guard) tunnel(w http.ResponseWriter, host string) {
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "443")
	}
	g.logger.Debug().Str("host", host).Msg("connect")

	target, err := net.DialTimeout("tcp", host, dialTimeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		_ = target.Close()
		return
	}
	client, _, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		_ = target.Close()
		return
	}

	_, _ = client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	go func() {
		_, _ = io.Copy(target, client)
		_ = target.Close()
	}()
	go func() {
		_, _ = io.Copy(client, target)
		_ = client.Close()
	}()
}

// forward relays a plain HTTP request without following redirects.
func (g *Guard) forward(w http.ResponseWriter, r *http.Request) {
	g.logger.Debug().Str("method", r.Method).Str("url", r.URL.String()).Msg("forward")

	out, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out.Header = r.Header.Clone()
	for _, h := range []string{"Proxy-Connection", "Proxy-Authenticate", "Proxy-Authorization"} {
		out.Header.Del(h)
	}

	client := &http.Client{
		Timeout:   upstreamTimeout,
		Transport: &http.Transport{Proxy: nil},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
