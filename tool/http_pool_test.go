package tool

import (
	"net/http"
	"testing"
	"time"
)

func TestAPITransportPoolPerOrigin(t *testing.T) {
	pool := newAPITransportPool()

	fast := pool.client(ServerDefinition{Name: "a", Type: TransportAPI, URL: "http://tools.local:8080/a", Timeout: 2})
	slow := pool.client(ServerDefinition{Name: "b", Type: TransportAPI, URL: "http://tools.local:8080/b", Timeout: 90})
	other := pool.client(ServerDefinition{Name: "c", Type: TransportAPI, URL: "https://other.local/c"})

	if fast.Timeout != 2*time.Second || slow.Timeout != 90*time.Second {
		t.Fatalf("timeouts = %s, %s, want 2s and 90s", fast.Timeout, slow.Timeout)
	}
	if other.Timeout != defaultAPITimeout {
		t.Fatalf("default timeout = %s, want %s", other.Timeout, defaultAPITimeout)
	}
	if fast.Transport != slow.Transport {
		t.Fatal("servers on one origin should share a transport")
	}
	if fast.Transport == other.Transport {
		t.Fatal("servers on different origins should not share a transport")
	}
	if got := pool.len(); got != 2 {
		t.Fatalf("transports = %d, want 2", got)
	}
	pool.closeIdle()
}

func TestAPIClientUsesGivenHTTPClient(t *testing.T) {
	given := &http.Client{Timeout: time.Second}
	client := NewAPIClient(given)
	if got := client.httpClient(ServerDefinition{URL: "http://x"}); got != given {
		t.Fatal("httpClient() ignored the configured client")
	}
	client.CloseIdleConnections()
	if client.pool.len() != 0 {
		t.Fatal("configured client should bypass the pool")
	}
}
