package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/petal-labs/sandbox/tool"
)

type stubSource struct {
	entities []Entity
	err      error
	queries  []Query
}

func (s *stubSource) Search(_ context.Context, q Query) ([]Entity, error) {
	s.queries = append(s.queries, q)
	if s.err != nil {
		return nil, s.err
	}
	return filterEntities(s.entities, q), nil
}

func envMap(values map[string]string) LookupEnv {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestResolveLocalAlwaysWins(t *testing.T) {
	src := &stubSource{entities: []Entity{
		{Name: "fs", Data: tool.ServerDefinition{Type: tool.TransportSSE, URL: "http://evil/sse"}},
		{Name: "git", Version: "1", Data: tool.ServerDefinition{Type: tool.TransportStdio, Command: "git-1"}},
		{Name: "git", Version: "2", Data: tool.ServerDefinition{Type: tool.TransportStdio, Command: "git-2"}},
	}}
	local := tool.MCPConfig{Servers: map[string]tool.ServerDefinition{
		"fs": {Type: tool.TransportStdio, Command: "local-fs"},
	}}

	cfg := NewResolver(WithSource(src)).Resolve(context.Background(), Request{
		Servers: []string{"fs", "git"},
		Local:   local,
	})

	fs, ok := cfg.Config.Server("fs")
	if !ok || fs.Command != "local-fs" || fs.Transport() != tool.TransportStdio {
		t.Fatalf("fs = %#v, want local definition", fs)
	}
	git, ok := cfg.Config.Server("git")
	if !ok || git.Command != "git-2" {
		t.Fatalf("git = %#v, want latest registry version", git)
	}
	if len(src.queries) != 1 || len(src.queries[0].Names) != 1 || src.queries[0].Names[0] != "git" {
		t.Fatalf("registry queries = %#v, want only git", src.queries)
	}
	if len(cfg.Servers) != 2 || cfg.Servers[0] != "fs" || cfg.Servers[1] != "git" {
		t.Fatalf("Servers = %v", cfg.Servers)
	}
}

func TestResolveToolNamesTakePriority(t *testing.T) {
	src := &stubSource{entities: []Entity{
		{Name: "search-server", Tools: []string{"web_search"}, Data: tool.ServerDefinition{Type: tool.TransportStreamableHTTP, URL: "http://s/mcp"}},
		{Name: "explicit", Data: tool.ServerDefinition{Command: "explicit"}},
	}}

	cfg := NewResolver(WithSource(src)).Resolve(context.Background(), Request{
		Tools:   []string{"web_search"},
		Servers: []string{"explicit"},
	})

	if len(src.queries) != 1 || len(src.queries[0].Tools) != 1 || len(src.queries[0].Names) != 0 {
		t.Fatalf("registry queries = %#v, want one tool query", src.queries)
	}
	if _, ok := cfg.Config.Server("search-server"); !ok {
		t.Fatalf("Config = %#v, want search-server", cfg.Config)
	}
	if _, ok := cfg.Config.Server("explicit"); ok {
		t.Fatal("explicit server must not be looked up when tool names are given")
	}
}

func TestResolveRegistryFailureIsEmpty(t *testing.T) {
	src := &stubSource{err: errors.New("connection refused")}
	local := tool.MCPConfig{Servers: map[string]tool.ServerDefinition{"fs": {Command: "fs"}}}

	cfg := NewResolver(WithSource(src)).Resolve(context.Background(), Request{
		Servers: []string{"fs", "remote"},
		Local:   local,
	})
	if len(cfg.Config.Servers) != 1 {
		t.Fatalf("Config = %#v, want only local fs", cfg.Config)
	}
}

func TestResolveWithoutServerListActivatesLocal(t *testing.T) {
	local := tool.MCPConfig{Servers: map[string]tool.ServerDefinition{
		"b": {Command: "b"},
		"a": {Command: "a"},
	}}
	cfg := NewResolver().Resolve(context.Background(), Request{Local: local})
	if len(cfg.Servers) != 2 || cfg.Servers[0] != "a" || cfg.Servers[1] != "b" {
		t.Fatalf("Servers = %v, want [a b]", cfg.Servers)
	}
}

func TestResolveCustomToolsAndAgents(t *testing.T) {
	dir := t.TempDir()
	env := envMap(map[string]string{
		EnvCustomURL:          "https://env.example.com/mcp",
		EnvCustomToken:        "tok",
		EnvCustomImageVersion: "v7",
	})

	cfg := NewResolver(WithLookupEnv(env), WithRunner("runner", "serve")).Resolve(context.Background(), Request{
		CustomTools: []CustomTool{
			{Name: "bundle", Location: "https://github.com/acme/bundle.git", Ref: "main"},
			{Name: "scripts", Location: dir, Command: "python", Args: []string{"server.py"}},
			{Name: "broken", Location: ""},
		},
		Agents: []Agent{
			{Name: "reviewer", Location: "git@github.com:acme/reviewer.git"},
			{Name: "helper", Location: dir},
		},
	})

	bundle, ok := cfg.Config.Server("bundle")
	if !ok || bundle.Transport() != tool.TransportStreamableHTTP || bundle.URL != "https://env.example.com/mcp" {
		t.Fatalf("bundle = %#v", bundle)
	}
	if bundle.Headers["Authorization"] != "Bearer tok" || bundle.Headers[HeaderImageVersion] != "v7" {
		t.Fatalf("bundle headers = %#v", bundle.Headers)
	}
	var header envConfig
	if err := json.Unmarshal([]byte(bundle.Headers[HeaderEnvConfig]), &header); err != nil {
		t.Fatalf("env config header is not JSON: %v", err)
	}
	if header.RepoURL != "https://github.com/acme/bundle.git" || header.Kind != KindTool || header.Ref != "main" {
		t.Fatalf("env config header = %#v", header)
	}

	scripts, _ := cfg.Config.Server("scripts")
	if scripts.Command != "python" || scripts.Cwd != dir {
		t.Fatalf("scripts = %#v", scripts)
	}

	reviewer, _ := cfg.Config.Server("reviewer")
	if reviewer.Transport() != tool.TransportStreamableHTTP {
		t.Fatalf("reviewer = %#v", reviewer)
	}

	helper, _ := cfg.Config.Server("helper")
	if helper.Command != "runner" || len(helper.Args) != 2 || helper.Args[0] != "serve" || helper.Args[1] != dir {
		t.Fatalf("helper = %#v", helper)
	}

	if _, ok := cfg.Config.Server("broken"); ok {
		t.Fatal("invalid custom tool should be skipped")
	}
	want := []string{"bundle", "scripts", "reviewer", "helper"}
	if len(cfg.Servers) != len(want) {
		t.Fatalf("Servers = %v, want %v", cfg.Servers, want)
	}
	for i := range want {
		if cfg.Servers[i] != want[i] {
			t.Fatalf("Servers = %v, want %v", cfg.Servers, want)
		}
	}
}

func TestResolveRemoteConversionNeedsEnv(t *testing.T) {
	env := envMap(map[string]string{EnvCustomURL: "https://env/mcp", EnvCustomToken: "tok"})
	dir := t.TempDir()

	cfg := NewResolver(WithLookupEnv(env)).Resolve(context.Background(), Request{
		Agents: []Agent{
			{Name: "remote", Location: "https://github.com/acme/agent"},
			{Name: "local", Location: dir},
		},
	})
	if _, ok := cfg.Config.Server("remote"); ok {
		t.Fatal("remote agent must be skipped without CUSTOM_ENV_IMAGE_VERSION")
	}
	local, ok := cfg.Config.Server("local")
	if !ok || local.Command != DefaultRunner[0] {
		t.Fatalf("local = %#v, want default runner", local)
	}
}

func TestConverterRejectsMissingDirectory(t *testing.T) {
	_, err := Converter{}.Agent(Agent{Name: "ghost", Location: "/definitely/not/here"})
	if err == nil {
		t.Fatal("Agent() error = nil, want missing directory error")
	}
}
