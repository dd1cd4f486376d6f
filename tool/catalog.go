package tool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petal-labs/sandbox/tool/mcp"
)

// CatalogOptions configures a Catalog. The effective config is fixed for
// the lifetime of a catalog; reconfiguration builds a new one.
type CatalogOptions struct {
	Config EffectiveConfig

	// BlackToolActions removes tools per server before anything else.
	BlackToolActions map[string][]string
	// ToolActions, when non-empty, keeps only the listed tools. Entries may
	// be bare tool names or flattened keys.
	ToolActions []string

	// EnvContentName is the parameter hidden from schemas and injected at
	// call time. Empty disables the pass.
	EnvContentName string
	// EnvContent is the static part of the injected value.
	EnvContent map[string]any

	// Reuse caches sessions in Sessions instead of dialing per call.
	Reuse    bool
	Sessions *SessionRegistry
	Dialer   SessionDialer

	Functions *FunctionRegistry
	API       *APIClient

	MaxRetry    int
	CallTimeout time.Duration

	Observer Observer
	Logger   *slog.Logger
}

type catalogSnapshot struct {
	tools     []ToolDescriptor
	byKey     map[string]int
	envParams map[string]string
}

// Catalog is the flat tool catalog over every active server.
type Catalog struct {
	opts     CatalogOptions
	logger   *slog.Logger
	observer Observer
	dial     SessionDialer
	sessions *SessionRegistry
	ownsReg  bool
	api      *APIClient
	deny     map[string]map[string]struct{}
	allow    map[string]struct{}

	buildMu sync.Mutex

	mu         sync.RWMutex
	snap       *catalogSnapshot
	generation uint64
}

// NewCatalog returns an empty catalog; tools are listed lazily.
func NewCatalog(opts CatalogOptions) *Catalog {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.Config = opts.Config.Clone()
	observer := observerOrNoop(opts.Observer)

	dial := opts.Dialer
	if dial == nil {
		dial = DefaultDialer(logger)
	}

	c := &Catalog{
		opts:     opts,
		logger:   logger,
		observer: observer,
		dial:     dial,
		api:      opts.API,
		deny:     map[string]map[string]struct{}{},
		allow:    map[string]struct{}{},
	}
	if c.api == nil {
		c.api = NewAPIClient(nil)
	}
	for server, tools := range opts.BlackToolActions {
		set := make(map[string]struct{}, len(tools))
		for _, name := range tools {
			set[name] = struct{}{}
		}
		c.deny[server] = set
	}
	for _, name := range opts.ToolActions {
		c.allow[name] = struct{}{}
	}

	if opts.Reuse {
		c.sessions = opts.Sessions
		if c.sessions == nil {
			// no schedule, so construction cannot fail
			c.sessions, _ = NewSessionRegistry(SessionRegistryOptions{
				Dialer:      dial,
				Logger:      logger,
				Observer:    observer,
				DialTimeout: c.callTimeout(),
			})
			c.ownsReg = true
		}
	}
	return c
}

// Config returns a copy of the effective config the catalog serves.
func (c *Catalog) Config() EffectiveConfig { return c.opts.Config.Clone() }

// Sessions returns the session registry used in reuse mode, or nil.
func (c *Catalog) Sessions() *SessionRegistry { return c.sessions }

// ListTools returns the catalog, populating it on first use.
func (c *Catalog) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	snap, err := c.ensure(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ToolDescriptor, len(snap.tools))
	for i, d := range snap.tools {
		out[i] = d.clone()
	}
	return out, nil
}

// Descriptor looks up one entry of a populated catalog.
func (c *Catalog) Descriptor(key string) (ToolDescriptor, bool) {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()
	if snap == nil {
		return ToolDescriptor{}, false
	}
	idx, ok := snap.byKey[key]
	if !ok {
		return ToolDescriptor{}, false
	}
	return snap.tools[idx].clone(), true
}

// Invalidate drops the cached catalog; the next use rebuilds it.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.generation++
	c.mu.Unlock()
}

// Close releases sessions the catalog owns.
func (c *Catalog) Close(ctx context.Context) error {
	if c.ownsReg && c.sessions != nil {
		return c.sessions.Close(ctx)
	}
	return nil
}

func (c *Catalog) ensure(ctx context.Context) (*catalogSnapshot, error) {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}

	c.buildMu.Lock()
	defer c.buildMu.Unlock()

	c.mu.RLock()
	snap = c.snap
	generation := c.generation
	c.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}

	snap, err := c.build(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.generation == generation {
		c.snap = snap
	}
	c.mu.Unlock()
	return snap, nil
}

func (c *Catalog) build(ctx context.Context) (*catalogSnapshot, error) {
	start := time.Now()
	snap := &catalogSnapshot{
		byKey:     map[string]int{},
		envParams: map[string]string{},
	}
	var (
		failed  []string
		servers int
	)

	for _, def := range c.opts.Config.Active() {
		if def.Disabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		servers++

		native, err := c.listServer(ctx, def)
		if err != nil {
			failed = append(failed, def.Name)
			c.logger.Warn("tool server listing failed", "server", def.Name, "transport", string(def.Transport()), "error", err)
			continue
		}
		for _, descriptor := range c.describe(def, native) {
			if _, dup := snap.byKey[descriptor.Key]; dup {
				c.logger.Warn("duplicate tool key skipped", "key", descriptor.Key)
				continue
			}
			snap.byKey[descriptor.Key] = len(snap.tools)
			snap.tools = append(snap.tools, descriptor)
		}
	}

	c.applyEnvContent(snap)

	c.observer.ObserveCatalog(CatalogObservation{
		Servers:       servers,
		Tools:         len(snap.tools),
		FailedServers: failed,
		DurationMS:    time.Since(start).Milliseconds(),
	})
	c.logger.Debug("tool catalog built", "servers", servers, "tools", len(snap.tools), "failed", len(failed))
	return snap, nil
}

func (c *Catalog) listServer(ctx context.Context, def ServerDefinition) ([]mcp.Tool, error) {
	listCtx, cancel := context.WithTimeout(ctx, c.callTimeout())
	defer cancel()

	switch def.Transport() {
	case TransportFunction:
		server, ok := c.opts.Functions.Lookup(def.Name)
		if !ok {
			return nil, fmt.Errorf("%w: no function tools registered for %q", ErrServerNotConfigured, def.Name)
		}
		return server.ListTools(), nil
	case TransportAPI:
		return c.api.ListTools(listCtx, def)
	case TransportStdio, TransportSSE, TransportStreamableHTTP:
		var tools []mcp.Tool
		err := c.withSession(listCtx, def, func(s Session) error {
			var err error
			tools, err = s.ListTools(listCtx)
			return err
		})
		return tools, err
	default:
		return nil, fmt.Errorf("%w %q for server %q", ErrUnknownTransport, def.Type, def.Name)
	}
}

func (c *Catalog) describe(def ServerDefinition, native []mcp.Tool) []ToolDescriptor {
	deny := c.deny[def.Name]
	out := make([]ToolDescriptor, 0, len(native))
	for _, t := range native {
		if t.Name == "" {
			continue
		}
		if _, denied := deny[t.Name]; denied {
			continue
		}
		if !c.allowed(def.Name, t.Name) {
			continue
		}
		out = append(out, DescribeTool(def.Name, def.Transport(), t))
	}
	return out
}

func (c *Catalog) allowed(server, tool string) bool {
	if len(c.allow) == 0 {
		return true
	}
	if _, ok := c.allow[tool]; ok {
		return true
	}
	_, ok := c.allow[FlattenName(server, tool)]
	return ok
}

func (c *Catalog) denied(server, tool string) bool {
	_, ok := c.deny[server][tool]
	return ok
}

// applyEnvContent hides the env-content parameter from every schema that
// declares it and records where to inject it.
func (c *Catalog) applyEnvContent(snap *catalogSnapshot) {
	name := c.opts.EnvContentName
	if name == "" {
		return
	}
	for i := range snap.tools {
		if !snap.tools[i].Parameters.Has(name) {
			continue
		}
		snap.tools[i].Parameters.Remove(name)
		snap.tools[i].EnvContentParam = name
		snap.envParams[snap.tools[i].Key] = name
	}
}

// withSession runs fn on a session for def. Without reuse the session is
// dialed for this call only and always closed; with reuse it comes from the
// registry and is evicted when fn fails.
func (c *Catalog) withSession(ctx context.Context, def ServerDefinition, fn func(Session) error) error {
	if c.opts.Reuse {
		session, err := c.sessions.Get(ctx, def)
		if err != nil {
			return err
		}
		if err := fn(session); err != nil {
			c.sessions.Evict(def.Name, session)
			return err
		}
		return nil
	}

	session, err := c.dial(ctx, def)
	if err != nil {
		return err
	}
	defer c.closeSession(def.Name, session)
	return fn(session)
}

func (c *Catalog) closeSession(name string, session Session) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
	defer cancel()
	if err := session.Close(ctx); err != nil {
		c.logger.Debug("session close failed", "server", name, "error", err)
	}
}

func (c *Catalog) callTimeout() time.Duration {
	if c.opts.CallTimeout > 0 {
		return c.opts.CallTimeout
	}
	return DefaultCallTimeout
}
