package tdclient

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	tlspkg "github.com/szibis/td-shipper/internal/tls"
)

// DefaultEndpoint is the public API host.
const DefaultEndpoint = "api.treasuredata.com"

// baseURL resolves the endpoint into scheme://host. An endpoint that already
// carries a scheme wins over UseSSL.
func baseURL(endpoint string, useSSL bool) (*url.URL, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if !strings.Contains(endpoint, "://") {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		endpoint = scheme + "://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q: missing host", endpoint)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u, nil
}

// newTransport builds the HTTP transport. connect bounds dialing and the TLS
// handshake, read bounds the wait for response headers.
func newTransport(cfg Config) (*http.Transport, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			return nil, fmt.Errorf("invalid http_proxy %q: %w", cfg.HTTPProxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := tlspkg.NewClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	} else {
		transport.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Falls back to the standard library's bundled HTTP/2 on error.
	if h2, err := http2.ConfigureTransports(transport); err == nil && h2 != nil {
		h2.ReadIdleTimeout = 30 * time.Second
		h2.PingTimeout = 15 * time.Second
	}
	return transport, nil
}

// authTransport sets the API key and User-Agent on every request. The key
// is held atomically so a rotated key file takes effect without a restart.
type authTransport struct {
	base      http.RoundTripper
	apiKey    atomic.Pointer[string]
	userAgent string
}

func newAuthTransport(base http.RoundTripper, apiKey, userAgent string) *authTransport {
	t := &authTransport{base: base, userAgent: userAgent}
	t.apiKey.Store(&apiKey)
	return t
}

func (t *authTransport) setAPIKey(key string) {
	t.apiKey.Store(&key)
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	reqClone := req.Clone(req.Context())
	if key := *t.apiKey.Load(); key != "" {
		reqClone.Header.Set("Authorization", "TD1 "+key)
	}
	reqClone.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(reqClone)
}
