package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	searchPath         = "/api/v1/registry/search"
	defaultHTTPTimeout = 30 * time.Second
	maxSearchResponse  = 8 << 20
)

// HTTPSource queries a registry service over HTTP.
type HTTPSource struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(s *HTTPSource) {
		if client != nil {
			s.client = client
		}
	}
}

// WithHeader adds a header to every search request.
func WithHeader(key, value string) HTTPOption {
	return func(s *HTTPSource) {
		s.headers[key] = value
	}
}

// NewHTTPSource returns a source for the registry at baseURL.
func NewHTTPSource(baseURL string, opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		headers: map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type searchRequest struct {
	EntityType string   `json:"entity_type"`
	Status     string   `json:"status"`
	Tools      []string `json:"tools,omitempty"`
	Name       []string `json:"name,omitempty"`
}

type searchResponse struct {
	Entities []Entity `json:"entities"`
}

// Search posts the query to {baseURL}/api/v1/registry/search.
func (s *HTTPSource) Search(ctx context.Context, q Query) ([]Entity, error) {
	if q.empty() {
		return nil, nil
	}
	body, err := json.Marshal(searchRequest{
		EntityType: EntityTypeTool,
		Status:     StatusActive,
		Tools:      q.Tools,
		Name:       q.Names,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: encode search: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+searchPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("registry: build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for key, value := range s.headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: search %s: %w", s.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchResponse))
	if err != nil {
		return nil, fmt.Errorf("registry: read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry: search returned status %d", resp.StatusCode)
	}

	var decoded searchResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("registry: decode search response: %w", err)
	}
	return decoded.Entities, nil
}

// String returns the registry base URL.
func (s *HTTPSource) String() string { return s.baseURL }
