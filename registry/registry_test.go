package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/petal-labs/sandbox/tool"
)

func TestFileSourceAutoCreatesAndSearches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "registry.json")
	src := NewFileSource(path)
	ctx := context.Background()

	got, err := src.Search(ctx, Query{Names: []string{"fs"}})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Search() on new file = %#v, want empty", got)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("registry file was not created: %v", err)
	}
	if strings.TrimSpace(string(data)) != "{}" {
		t.Fatalf("new registry file = %q, want {}", data)
	}

	entities := []Entity{
		{Name: "fs", Version: "1.0.0", Tools: []string{"read_file"}, Data: tool.ServerDefinition{Type: tool.TransportStdio, Command: "fs-server"}},
		{Name: "web", Status: "deprecated", Data: tool.ServerDefinition{Type: tool.TransportSSE, URL: "http://x/sse"}},
	}
	for _, e := range entities {
		if err := src.Put(ctx, e); err != nil {
			t.Fatalf("Put(%s) error = %v", e.Name, err)
		}
	}

	var doc map[string]json.RawMessage
	data, _ = os.ReadFile(path)
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("registry file is not a JSON object: %v", err)
	}
	if _, ok := doc["tool:fs"]; !ok {
		t.Fatalf("registry keys = %v, want tool:fs", doc)
	}

	got, err = src.Search(ctx, Query{Tools: []string{"read_file"}})
	if err != nil {
		t.Fatalf("Search(tools) error = %v", err)
	}
	if len(got) != 1 || got[0].Name != "fs" || got[0].Definition().Command != "fs-server" {
		t.Fatalf("Search(tools) = %#v", got)
	}

	got, err = src.Search(ctx, Query{Names: []string{"web"}})
	if err != nil {
		t.Fatalf("Search(names) error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("inactive entities must not match, got %#v", got)
	}
}

func TestSQLiteSourceKeepsVersions(t *testing.T) {
	src, err := NewSQLiteSource(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("NewSQLiteSource() error = %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })
	ctx := context.Background()

	for _, version := range []string{"1.2.0", "1.10.0", "1.9.3"} {
		e := Entity{Name: "git", Version: version, Data: tool.ServerDefinition{Type: tool.TransportStdio, Command: "git-" + version}}
		if err := src.Put(ctx, e); err != nil {
			t.Fatalf("Put(%s) error = %v", version, err)
		}
	}
	// same name and version replaces
	if err := src.Put(ctx, Entity{Name: "git", Version: "1.2.0", Data: tool.ServerDefinition{Command: "git-replaced"}}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	all, err := src.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List() = %d entities, want 3", len(all))
	}

	found, err := src.Search(ctx, Query{Names: []string{"git"}})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	latest := Latest(found)
	if len(latest) != 1 || latest[0].Version != "1.10.0" {
		t.Fatalf("Latest() = %#v, want 1.10.0", latest)
	}
}

func TestHTTPSourceSearch(t *testing.T) {
	var seen searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/registry/search" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&seen)
		_, _ = w.Write([]byte(`{"entities":[{"name":"search","version":"2","data":{"type":"streamable-http","url":"http://tools/mcp","headers":{"X-A":"b"}}}]}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL + "/")
	got, err := src.Search(context.Background(), Query{Tools: []string{"web_search"}})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if seen.EntityType != "tool" || seen.Status != "active" || len(seen.Tools) != 1 || seen.Tools[0] != "web_search" {
		t.Fatalf("request body = %#v", seen)
	}
	if len(seen.Name) != 0 {
		t.Fatalf("request name = %v, want omitted", seen.Name)
	}
	if len(got) != 1 {
		t.Fatalf("Search() = %#v", got)
	}
	def := got[0].Definition()
	if def.Name != "search" || def.Transport() != tool.TransportStreamableHTTP || def.Headers["X-A"] != "b" {
		t.Fatalf("Definition() = %#v", def)
	}
}

func TestHTTPSourceBadResponses(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "status", handler: func(w http.ResponseWriter, r *http.Request) { http.Error(w, "down", http.StatusServiceUnavailable) }},
		{name: "malformed", handler: func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"entities":`)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			if _, err := NewHTTPSource(srv.URL).Search(context.Background(), Query{Names: []string{"x"}}); err == nil {
				t.Fatal("Search() error = nil, want error")
			}

			cfg := NewResolver(WithSource(NewHTTPSource(srv.URL))).Resolve(context.Background(), Request{Servers: []string{"x"}})
			if len(cfg.Config.Servers) != 0 {
				t.Fatalf("Resolve() with broken registry = %#v, want empty config", cfg)
			}
		})
	}
}

func TestOpenPicksSourceByReference(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		ref  string
		want string
	}{
		{ref: "https://registry.example.com", want: "*registry.HTTPSource"},
		{ref: "sqlite://" + filepath.Join(dir, "a.db"), want: "*registry.SQLiteSource"},
		{ref: filepath.Join(dir, "b.sqlite"), want: "*registry.SQLiteSource"},
		{ref: filepath.Join(dir, "c.json"), want: "*registry.FileSource"},
	}
	for _, tt := range tests {
		src, closer, err := Open(tt.ref)
		if err != nil {
			t.Fatalf("Open(%q) error = %v", tt.ref, err)
		}
		if got := typeName(src); got != tt.want {
			t.Fatalf("Open(%q) = %s, want %s", tt.ref, got, tt.want)
		}
		if err := closer.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *HTTPSource:
		return "*registry.HTTPSource"
	case *SQLiteSource:
		return "*registry.SQLiteSource"
	case *FileSource:
		return "*registry.FileSource"
	default:
		return "unknown"
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.10.0", "1.9.0", 1},
		{"v2", "1.99", 1},
		{"1.0", "1.0.0", -1},
		{"", "0.1", -1},
		{"beta", "alpha", 1},
		{"3.1.4", "3.1.4", 0},
	}
	for _, tt := range tests {
		if got := compareVersions(tt.a, tt.b); got != tt.want {
			t.Fatalf("compareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
