package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowlist(t *testing.T) {
	a := NewAllowlist([]string{"pypi.org", "*.pythonhosted.org", " Mirror.Example:8443 ", ""})

	tests := []struct {
		host string
		want bool
	}{
		{"pypi.org", true},
		{"PYPI.ORG:443", true},
		{"files.pythonhosted.org:443", true},
		{"pythonhosted.org", false},
		{"mirror.example", true},
		{"evil.com", false},
		{"pypi.org.evil.com", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Allows(tt.host))
		})
	}
	assert.Equal(t, 3, a.Len())
}

func TestStart_without_hosts_returns_nil(t *testing.T) {
	g, err := Start(Config{Logger: zerolog.Nop()})

	require.NoError(t, err)
	assert.Nil(t, g)
	assert.Nil(t, g.EnvVars())
	assert.NoError(t, g.Close())
}

func clientVia(t *testing.T, g *Guard, base *http.Transport) *http.Client {
	t.Helper()
	proxyURL, err := url.Parse("http://" + g.Addr())
	require.NoError(t, err)
	if base == nil {
		base = &http.Transport{}
	}
	base.Proxy = http.ProxyURL(proxyURL)
	return &http.Client{Transport: base}
}

func TestGuard_forwards_allowed_http(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Proxy-Authorization"))
		w.Header().Set("X-Upstream", "yes")
		_, _ = io.WriteString(w, "simple index")
	}))
	defer upstream.Close()

	g, err := Start(Config{AllowedHosts: []string{"127.0.0.1"}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer g.Close()

	req, err := http.NewRequest(http.MethodGet, upstream.URL+"/simple/", nil)
	require.NoError(t, err)
	req.Header.Set("Proxy-Authorization", "Basic c2VjcmV0")
	resp, err := clientVia(t, g, nil).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	assert.Equal(t, "simple index", string(body))

	allowed, blocked := g.Stats()
	assert.Equal(t, int64(1), allowed)
	assert.Equal(t, int64(0), blocked)
}

func TestGuard_blocks_unlisted_host(t *testing.T) {
	g, err := Start(Config{AllowedHosts: []string{"pypi.org"}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer g.Close()

	resp, err := clientVia(t, g, nil).Get("http://exfil.invalid/upload")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(body), "host not allowed: exfil.invalid")

	_, blocked := g.Stats()
	assert.Equal(t, int64(1), blocked)
}

func TestGuard_tunnels_allowed_https(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "tls ok")
	}))
	defer upstream.Close()

	g, err := Start(Config{AllowedHosts: []string{"127.0.0.1"}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer g.Close()

	base := upstream.Client().Transport.(*http.Transport).Clone()
	resp, err := clientVia(t, g, base).Get(upstream.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "tls ok", string(body))
}

func TestGuard_EnvVars(t *testing.T) {
	g, err := Start(Config{AllowedHosts: []string{"pypi.org"}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer g.Close()

	vars := g.EnvVars()

	assert.Contains(t, vars, "HTTPS_PROXY=http://"+g.Addr())
	assert.Contains(t, vars, "NO_PROXY=")
	for _, v := range vars {
		assert.True(t, strings.Contains(v, "="))
	}
}
