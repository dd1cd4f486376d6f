package registry

import (
	"context"
	"log/slog"

	"github.com/petal-labs/sandbox/tool"
)

// Request is everything a sandbox knows about the servers it wants.
type Request struct {
	// Tools are tool names to look up in the registry. When set they take
	// priority over Servers for registry lookups.
	Tools []string
	// Servers are explicitly requested server names.
	Servers []string
	// Local holds fully specified servers. Local entries always win.
	Local tool.MCPConfig

	CustomTools []CustomTool
	Agents      []Agent
}

// Resolver merges local config, registry lookups, custom tools and agents
// into one effective config. It never fails: unreachable registries and
// unusable definitions are logged and skipped.
type Resolver struct {
	source    Source
	converter Converter
	logger    *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithSource sets the registry consulted for missing servers.
func WithSource(source Source) ResolverOption {
	return func(r *Resolver) { r.source = source }
}

// WithLookupEnv replaces os.LookupEnv for custom tool and agent conversion.
func WithLookupEnv(lookup LookupEnv) ResolverOption {
	return func(r *Resolver) { r.converter.Lookup = lookup }
}

// WithRunner sets the command used to serve local tool and agent directories.
func WithRunner(runner ...string) ResolverOption {
	return func(r *Resolver) { r.converter.Runner = append([]string(nil), runner...) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver returns a resolver. Without a source, registry lookups are
// skipped.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve produces the effective config for req.
func (r *Resolver) Resolve(ctx context.Context, req Request) tool.EffectiveConfig {
	local := req.Local.Clone()
	merged := tool.MCPConfig{Servers: map[string]tool.ServerDefinition{}}
	for name, def := range local.Servers {
		merged.Servers[name] = def
	}

	var servers []string
	seen := map[string]struct{}{}
	addServer := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		servers = append(servers, name)
	}
	for _, name := range req.Servers {
		addServer(name)
	}
	if len(req.Servers) == 0 {
		// no explicit list: every local server is active
		for _, name := range local.Names() {
			addServer(name)
		}
	}
	for _, name := range req.Tools {
		if _, isLocal := local.Servers[name]; isLocal {
			addServer(name)
		}
	}

	for _, e := range r.lookup(ctx, req, local) {
		if _, isLocal := local.Servers[e.Name]; isLocal {
			r.logger.Debug("registry entry shadowed by local config", "server", e.Name)
			continue
		}
		def := e.Definition()
		if err := def.Validate(); err != nil {
			r.logger.Warn("registry entry skipped", "server", e.Name, "error", err)
			continue
		}
		merged.Servers[e.Name] = def
		addServer(e.Name)
	}

	for _, t := range req.CustomTools {
		def, err := r.converter.Tool(t)
		if err != nil {
			r.logger.Warn("custom tool skipped", "name", t.Name, "error", err)
			continue
		}
		r.mergeExtra(merged, local, def)
		addServer(def.Name)
	}
	for _, a := range req.Agents {
		def, err := r.converter.Agent(a)
		if err != nil {
			r.logger.Warn("agent skipped", "name", a.Name, "error", err)
			continue
		}
		r.mergeExtra(merged, local, def)
		addServer(def.Name)
	}

	return tool.EffectiveConfig{Servers: servers, Config: merged}
}

func (r *Resolver) mergeExtra(merged, local tool.MCPConfig, def tool.ServerDefinition) {
	if _, isLocal := local.Servers[def.Name]; isLocal {
		r.logger.Debug("definition shadowed by local config", "server", def.Name)
		return
	}
	merged.Servers[def.Name] = def
}

// lookup asks the registry for whatever the local config does not cover.
// Tool names take priority: server names are only looked up when no tool
// names were requested.
func (r *Resolver) lookup(ctx context.Context, req Request, local tool.MCPConfig) []Entity {
	if r.source == nil {
		return nil
	}
	var q Query
	if len(req.Tools) > 0 {
		q.Tools = missing(req.Tools, local)
	} else {
		q.Names = missing(req.Servers, local)
	}
	if q.empty() {
		return nil
	}

	entities, err := r.source.Search(ctx, q)
	if err != nil {
		r.logger.Warn("registry lookup failed", "tools", q.Tools, "servers", q.Names, "error", err)
		return nil
	}
	return Latest(entities)
}

func missing(names []string, local tool.MCPConfig) []string {
	var out []string
	for _, name := range names {
		if _, ok := local.Servers[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}
