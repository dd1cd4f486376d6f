package tool

import (
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const maxAPIDialTimeout = 30 * time.Second

// apiTransportPool keeps one keep-alive transport per api server origin.
// Clients are cheap views over it carrying the server's own timeout.
type apiTransportPool struct {
	mu         sync.Mutex
	transports map[string]*http.Transport
}

func newAPITransportPool() *apiTransportPool {
	return &apiTransportPool{transports: map[string]*http.Transport{}}
}

func (p *apiTransportPool) client(def ServerDefinition) *http.Client {
	timeout := seconds(def.Timeout)
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: p.transport(apiOrigin(def.URL), min(timeout, maxAPIDialTimeout)),
	}
}

// transport returns the origin's transport. The dial timeout is fixed by
// the first server seen for that origin.
func (p *apiTransportPool) transport(origin string, dialTimeout time.Duration) *http.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.transports[origin]; ok {
		return existing
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	p.transports[origin] = transport
	return transport
}

func (p *apiTransportPool) closeIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, transport := range p.transports {
		transport.CloseIdleConnections()
	}
}

func (p *apiTransportPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports)
}

func apiOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}
