// Package sandbox gives an agent runtime one object through which it lists
// and calls tools. A sandbox resolves its servers from local config, a
// registry, custom tool bundles and sub-agents, builds a flat tool catalog
// over them, and routes the built-in filesystem and terminal services
// either in-process or to configured servers.
//
// Tool failures are returned as data, never as errors: every call yields a
// result with Success set and a human readable Error when it failed.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/petal-labs/sandbox/builtin"
	"github.com/petal-labs/sandbox/registry"
	"github.com/petal-labs/sandbox/tool"
	"github.com/petal-labs/sandbox/tool/mcp"
)

// EnvType selects the sandbox implementation.
type EnvType string

const (
	// EnvLocal runs built-in services in-process unless the mode is remote.
	EnvLocal EnvType = "local"
	// EnvRemote has no in-process services: built-in service names are
	// always sent to configured servers.
	EnvRemote EnvType = "remote"
)

var (
	// ErrClosed is returned by a sandbox after Close.
	ErrClosed = errors.New("sandbox: closed")
	// ErrUnknownEnvType is returned by NewSandbox for unsupported types.
	ErrUnknownEnvType = errors.New("sandbox: unknown env type")
)

// BuiltinServices are the service names handled by BuiltinToolRouter.
var BuiltinServices = []string{builtin.ServiceFilesystem, builtin.ServiceTerminal}

// Sandbox is the tool surface handed to an agent runtime.
type Sandbox interface {
	ID() string
	EnvType() EnvType
	// Config returns a copy of the current configuration.
	Config() Config
	// EffectiveConfig returns the resolved servers.
	EffectiveConfig() tool.EffectiveConfig

	ListTools(ctx context.Context) ([]tool.ToolDescriptor, error)
	// CallTool runs reqs in order; result i belongs to reqs[i].
	CallTool(ctx context.Context, reqs []tool.CallRequest, cc tool.CallContext) []tool.CallResult
	// CallBuiltin runs one action of a built-in service through the router.
	CallBuiltin(ctx context.Context, service, action string, params map[string]any, cc tool.CallContext) ToolCallResult
	// SessionStates reports reused sessions; nil without reuse.
	SessionStates() map[string]mcp.State

	// Lightweight reconfiguration: the catalog is rebuilt and reused
	// sessions are closed. Registry results from the last full
	// resolution are replayed, the registry itself is not queried.
	SetMCPConfig(ctx context.Context, cfg tool.MCPConfig) error
	SetMCPServers(ctx context.Context, names ...string) error
	SetBlackToolActions(ctx context.Context, deny map[string][]string) error
	SetSkillConfigs(ctx context.Context, skills map[string]SkillConfig) error

	// Full reconfiguration: the registry is queried again.
	SetTools(ctx context.Context, names ...string) error
	SetRegistryURL(ctx context.Context, ref string) error
	SetCustomEnvTools(ctx context.Context, tools ...registry.CustomTool) error
	SetAgents(ctx context.Context, agents ...registry.Agent) error

	Close(ctx context.Context) error
}

// NewSandbox returns the implementation for envType. An empty envType
// means EnvLocal.
func NewSandbox(ctx context.Context, envType EnvType, opts ...Option) (Sandbox, error) {
	switch EnvType(strings.ToLower(strings.TrimSpace(string(envType)))) {
	case EnvLocal, "":
		return NewLocal(ctx, opts...)
	case EnvRemote:
		return NewRemote(ctx, opts...)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownEnvType, envType)
	}
}

// LocalSandbox owns in-process filesystem and terminal services.
type LocalSandbox struct {
	*base
	filesystem *builtin.Filesystem
	terminal   *builtin.Terminal
}

// NewLocal builds a local sandbox. The built-in services are confined to
// the configured workspace directories.
func NewLocal(ctx context.Context, opts ...Option) (*LocalSandbox, error) {
	o := newOptions(opts)
	fs, err := builtin.NewFilesystem(builtin.FilesystemOptions{
		AllowedDirectories: o.cfg.Workspace,
		Logger:             o.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	term, err := builtin.NewTerminal(builtin.TerminalOptions{
		Workspace: fs.AllowedDirectories()[0],
		Logger:    o.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	b, err := newBase(ctx, EnvLocal, o, map[string]builtin.Tool{
		fs.Service():   fs,
		term.Service(): term,
	})
	if err != nil {
		return nil, err
	}
	return &LocalSandbox{base: b, filesystem: fs, terminal: term}, nil
}

// Filesystem returns the in-process filesystem service.
func (s *LocalSandbox) Filesystem() *builtin.Filesystem { return s.filesystem }

// Terminal returns the in-process terminal service.
func (s *LocalSandbox) Terminal() *builtin.Terminal { return s.terminal }

// RemoteSandbox sends every call, built-in services included, to
// configured servers.
type RemoteSandbox struct {
	*base
}

// NewRemote builds a remote sandbox. The mode is always ModeRemote.
func NewRemote(ctx context.Context, opts ...Option) (*RemoteSandbox, error) {
	o := newOptions(opts)
	o.cfg.Mode = ModeRemote
	b, err := newBase(ctx, EnvRemote, o, nil)
	if err != nil {
		return nil, err
	}
	return &RemoteSandbox{base: b}, nil
}

var (
	_ Sandbox = (*LocalSandbox)(nil)
	_ Sandbox = (*RemoteSandbox)(nil)
)

// state is everything derived from one configuration. It is replaced as a
// whole on reconfiguration.
type state struct {
	cfg       Config
	effective tool.EffectiveConfig
	catalog   *tool.Catalog
	router    *BuiltinToolRouter
}

type base struct {
	env      EnvType
	builtins map[string]builtin.Tool

	logger     *slog.Logger
	observer   tool.Observer
	dialer     tool.SessionDialer
	functions  *tool.FunctionRegistry
	api        *tool.APIClient
	httpOpts   []registry.HTTPOption
	lookupEnv  registry.LookupEnv
	source     registry.Source
	runner     []string
	sessions   *tool.SessionRegistry
	forcedMode Mode

	// reconfigMu serializes reconfiguration; cached is only touched under it.
	reconfigMu sync.Mutex
	cached     []registry.Entity

	mu     sync.RWMutex
	st     *state
	closed bool
}

func newBase(ctx context.Context, env EnvType, o options, builtins map[string]builtin.Tool) (*base, error) {
	cfg := o.cfg
	if strings.TrimSpace(cfg.SandboxID) == "" {
		cfg.SandboxID = uuid.NewString()
	}

	b := &base{
		env:       env,
		builtins:  builtins,
		logger:    o.logger.With("sandbox", cfg.SandboxID),
		observer:  o.observer,
		dialer:    o.dialer,
		functions: o.functions,
		api:       tool.NewAPIClient(o.httpClient),
		lookupEnv: o.lookupEnv,
		source:    o.source,
		runner:    o.runner,
	}
	if o.httpClient != nil {
		b.httpOpts = append(b.httpOpts, registry.WithHTTPClient(o.httpClient))
	}
	if env == EnvRemote {
		b.forcedMode = ModeRemote
	}

	if cfg.Reuse {
		sessions, err := tool.NewSessionRegistry(tool.SessionRegistryOptions{
			Dialer:              o.dialer,
			Logger:              b.logger,
			Observer:            o.observer,
			HealthCheckSchedule: cfg.HealthCheck,
			DialTimeout:         cfg.callTimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("sandbox: %w", err)
		}
		b.sessions = sessions
	}

	b.st = b.newState(cfg, b.resolveFull(ctx, cfg))
	b.logger.Debug("sandbox created",
		"env", env,
		"mode", b.st.router.Mode(),
		"servers", b.st.effective.Servers,
	)
	return b, nil
}

func (b *base) ID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.st.cfg.SandboxID
}

func (b *base) EnvType() EnvType { return b.env }

func (b *base) Config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.st.cfg.Clone()
}

func (b *base) EffectiveConfig() tool.EffectiveConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.st.effective.Clone()
}

func (b *base) SessionStates() map[string]mcp.State {
	if b.sessions == nil {
		return nil
	}
	return b.sessions.States()
}

func (b *base) current() (*state, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	return b.st, nil
}

// ListTools returns the catalog. In local mode the built-in services are
// listed from their in-process implementations.
func (b *base) ListTools(ctx context.Context) ([]tool.ToolDescriptor, error) {
	st, err := b.current()
	if err != nil {
		return nil, err
	}
	tools, err := st.catalog.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	if st.router.Mode() != ModeLocal || len(b.builtins) == 0 {
		return tools, nil
	}

	out := tools
	for _, service := range b.builtinNames() {
		for _, d := range b.builtins[service].Descriptors() {
			if builtinVisible(st.cfg, d.Server, d.Tool) {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (b *base) CallTool(ctx context.Context, reqs []tool.CallRequest, cc tool.CallContext) []tool.CallResult {
	out := make([]tool.CallResult, len(reqs))
	st, err := b.current()
	if err != nil {
		for i, req := range reqs {
			out[i] = tool.NewLocalResult(req, false, nil, err.Error())
		}
		return out
	}
	for i, req := range reqs {
		if isBuiltinService(req.Server) {
			out[i] = b.callBuiltin(ctx, st, req, cc)
			continue
		}
		out[i] = st.catalog.CallTool(ctx, []tool.CallRequest{req}, cc)[0]
	}
	return out
}

func (b *base) CallBuiltin(ctx context.Context, service, action string, params map[string]any, cc tool.CallContext) ToolCallResult {
	st, err := b.current()
	if err != nil {
		return ToolCallResult{Error: err.Error()}
	}
	return ResultOf(b.callBuiltin(ctx, st, tool.CallRequest{Server: service, Tool: action, Params: params}, cc))
}

func (b *base) callBuiltin(ctx context.Context, st *state, req tool.CallRequest, cc tool.CallContext) tool.CallResult {
	if st.router.Mode() == ModeLocal && !builtinVisible(st.cfg, req.Server, req.Tool) {
		return tool.NewLocalResult(req, false, nil,
			fmt.Sprintf("%s tool %q is not available", builtin.ErrorPrefix, tool.FlattenName(req.Server, req.Tool)))
	}
	res := st.router.Call(ctx, req, b.builtins[req.Server], cc)
	if st.router.Mode() == ModeLocal && b.observer != nil {
		duration, _ := res.Metadata["duration_ms"].(int64)
		b.observer.ObserveInvoke(tool.InvokeObservation{
			Server:     req.Server,
			Tool:       req.Tool,
			Transport:  builtin.Transport,
			Attempts:   1,
			DurationMS: duration,
			Success:    res.Success,
			ErrorCode:  res.ErrorCode,
		})
	}
	return res
}

// builtinVisible applies the deny list and allow list to a built-in
// action.
func builtinVisible(cfg Config, service, action string) bool {
	for _, denied := range cfg.BlackToolActions[service] {
		if denied == action {
			return false
		}
	}
	allow := cfg.allowList()
	if len(allow) == 0 {
		return true
	}
	key := tool.FlattenName(service, action)
	for _, name := range allow {
		if name == action || name == key {
			return true
		}
	}
	return false
}

func isBuiltinService(name string) bool {
	for _, service := range BuiltinServices {
		if service == name {
			return true
		}
	}
	return false
}

func (b *base) builtinNames() []string {
	names := make([]string, 0, len(b.builtins))
	for name := range b.builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *base) SetMCPConfig(ctx context.Context, cfg tool.MCPConfig) error {
	return b.reconfigure(ctx, false, func(c *Config) { c.MCPConfig = cfg.Clone() })
}

func (b *base) SetMCPServers(ctx context.Context, names ...string) error {
	return b.reconfigure(ctx, false, func(c *Config) { c.MCPServers = append([]string(nil), names...) })
}

func (b *base) SetBlackToolActions(ctx context.Context, deny map[string][]string) error {
	return b.reconfigure(ctx, false, func(c *Config) { c.BlackToolActions = cloneLists(deny) })
}

func (b *base) SetSkillConfigs(ctx context.Context, skills map[string]SkillConfig) error {
	return b.reconfigure(ctx, false, func(c *Config) {
		c.SkillConfigs = Config{SkillConfigs: skills}.Clone().SkillConfigs
	})
}

func (b *base) SetTools(ctx context.Context, names ...string) error {
	return b.reconfigure(ctx, true, func(c *Config) { c.Tools = append([]string(nil), names...) })
}

func (b *base) SetRegistryURL(ctx context.Context, ref string) error {
	return b.reconfigure(ctx, true, func(c *Config) { c.RegistryURL = ref })
}

func (b *base) SetCustomEnvTools(ctx context.Context, tools ...registry.CustomTool) error {
	return b.reconfigure(ctx, true, func(c *Config) {
		c.CustomEnvTools = append([]registry.CustomTool(nil), tools...)
	})
}

func (b *base) SetAgents(ctx context.Context, agents ...registry.Agent) error {
	return b.reconfigure(ctx, true, func(c *Config) { c.Agents = append([]registry.Agent(nil), agents...) })
}

func (b *base) reconfigure(ctx context.Context, full bool, mutate func(*Config)) error {
	b.reconfigMu.Lock()
	defer b.reconfigMu.Unlock()

	st, err := b.current()
	if err != nil {
		return err
	}
	cfg := st.cfg.Clone()
	mutate(&cfg)

	var effective tool.EffectiveConfig
	if full {
		effective = b.resolveFull(ctx, cfg)
	} else {
		effective = b.resolveLight(ctx, cfg)
	}
	next := b.newState(cfg, effective)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.st = next
	b.mu.Unlock()

	if b.sessions != nil {
		if err := b.sessions.Reset(ctx); err != nil {
			b.logger.Warn("closing reused sessions failed", "error", err)
		}
	}
	b.logger.Debug("sandbox reconfigured", "full", full, "servers", effective.Servers)
	return nil
}

// resolveFull queries the registry and remembers what it returned.
func (b *base) resolveFull(ctx context.Context, cfg Config) tool.EffectiveConfig {
	source, closer := b.openSource(cfg.RegistryURL)
	defer func() {
		if err := closer.Close(); err != nil {
			b.logger.Warn("closing registry failed", "error", err)
		}
	}()

	opts := b.resolverOptions()
	var recorder *registry.Recorder
	if source != nil {
		recorder = &registry.Recorder{Source: source}
		opts = append(opts, registry.WithSource(recorder))
	}
	effective := registry.NewResolver(opts...).Resolve(ctx, resolveRequest(cfg))

	b.cached = nil
	if recorder != nil {
		b.cached = recorder.Entities()
	}
	return effective
}

// resolveLight replays the registry entities of the last full resolution.
func (b *base) resolveLight(ctx context.Context, cfg Config) tool.EffectiveConfig {
	opts := append(b.resolverOptions(), registry.WithSource(registry.NewMemorySource(b.cached...)))
	return registry.NewResolver(opts...).Resolve(ctx, resolveRequest(cfg))
}

func (b *base) resolverOptions() []registry.ResolverOption {
	opts := []registry.ResolverOption{
		registry.WithLogger(b.logger),
		registry.WithLookupEnv(b.lookupEnv),
	}
	if len(b.runner) > 0 {
		opts = append(opts, registry.WithRunner(b.runner...))
	}
	return opts
}

func (b *base) openSource(ref string) (registry.Source, io.Closer) {
	if b.source != nil {
		return b.source, nopCloser{}
	}
	if strings.TrimSpace(ref) == "" {
		return nil, nopCloser{}
	}
	source, closer, err := registry.Open(ref, b.httpOpts...)
	if err != nil {
		b.logger.Warn("registry unavailable", "registry", ref, "error", err)
		return nil, closer
	}
	return source, closer
}

func resolveRequest(cfg Config) registry.Request {
	return registry.Request{
		Tools:       cfg.Tools,
		Servers:     cfg.MCPServers,
		Local:       cfg.MCPConfig,
		CustomTools: cfg.CustomEnvTools,
		Agents:      cfg.Agents,
	}
}

func (b *base) newState(cfg Config, effective tool.EffectiveConfig) *state {
	if b.forcedMode != "" {
		cfg.Mode = b.forcedMode
	}
	catalog := tool.NewCatalog(tool.CatalogOptions{
		Config:           b.catalogConfig(cfg.Mode.Normalize(), effective),
		BlackToolActions: cfg.BlackToolActions,
		ToolActions:      cfg.allowList(),
		EnvContentName:   cfg.EnvContentName,
		EnvContent:       cfg.EnvContent,
		Reuse:            cfg.Reuse,
		Sessions:         b.sessions,
		Dialer:           b.dialer,
		Functions:        b.functions,
		API:              b.api,
		MaxRetry:         cfg.MaxRetry,
		CallTimeout:      cfg.callTimeout(),
		Observer:         b.observer,
		Logger:           b.logger,
	})
	return &state{
		cfg:       cfg,
		effective: effective,
		catalog:   catalog,
		router:    NewBuiltinToolRouter(cfg.Mode, effective.Config, catalog, b.logger),
	}
}

// catalogConfig drops servers shadowed by in-process services so that a
// local sandbox never dials them.
func (b *base) catalogConfig(mode Mode, effective tool.EffectiveConfig) tool.EffectiveConfig {
	if mode != ModeLocal || len(b.builtins) == 0 {
		return effective
	}
	out := effective.Clone()
	for name := range b.builtins {
		delete(out.Config.Servers, name)
	}
	if len(effective.Servers) == 0 {
		return out
	}
	// An empty list would activate every server, so the config is cut down
	// to the listed names as well.
	out.Servers = nil
	kept := make(map[string]tool.ServerDefinition, len(effective.Servers))
	for _, name := range effective.Servers {
		def, ok := out.Config.Servers[name]
		if !ok {
			continue
		}
		out.Servers = append(out.Servers, name)
		kept[name] = def
	}
	out.Config.Servers = kept
	return out
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Close closes reused sessions. Later calls fail with ErrClosed.
func (b *base) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.api.CloseIdleConnections()
	if b.sessions != nil {
		return b.sessions.Close(ctx)
	}
	return nil
}
