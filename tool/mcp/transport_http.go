package mcp

import (
	"net"
	"net/http"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

func newSSETransport(cfg Config) sdkmcp.Transport {
	return &sdkmcp.SSEClientTransport{
		Endpoint:   cfg.URL,
		HTTPClient: httpClientFor(cfg),
	}
}

func newStreamableTransport(cfg Config) sdkmcp.Transport {
	return &sdkmcp.StreamableClientTransport{
		Endpoint:   cfg.URL,
		HTTPClient: httpClientFor(cfg),
	}
}

// httpClientFor returns cfg.HTTPClient (or a fresh client) wrapped so every
// request carries the configured headers.
func httpClientFor(cfg Config) *http.Client {
	base := cfg.HTTPClient
	if base == nil {
		dialTimeout := cfg.Timeout
		if dialTimeout <= 0 {
			dialTimeout = defaultConnectTimeout
		}
		base = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          50,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: dialTimeout,
			},
			Timeout: cfg.SSEReadTimeout,
		}
	}
	if len(cfg.Headers) == 0 {
		return base
	}

	next := base.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	wrapped := *base
	wrapped.Transport = &headerRoundTripper{headers: cloneHeaders(cfg.Headers), next: next}
	return &wrapped
}

type headerRoundTripper struct {
	headers map[string]string
	next    http.RoundTripper
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for key, value := range h.headers {
		clone.Header.Set(key, value)
	}
	return h.next.RoundTrip(clone)
}

func cloneHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
