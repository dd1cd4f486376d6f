package sandbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/sandbox/registry"
	"github.com/petal-labs/sandbox/tool"
)

// Environment variables consulted when the corresponding setting is empty.
const (
	EnvRegistryURL    = "SANDBOX_REGISTRY_URL"
	EnvMCPCallTimeout = "SANDBOX_MCP_CALL_TIMEOUT"
	EnvMCPMaxRetry    = "SANDBOX_MCP_MAX_RETRY"
)

// Mode decides where built-in services run.
type Mode string

const (
	// ModeLocal runs built-in services in-process.
	ModeLocal Mode = "local"
	// ModeRemote sends built-in services to the configured server of the
	// same name.
	ModeRemote Mode = "remote"
)

// Normalize maps unknown modes to ModeLocal.
func (m Mode) Normalize() Mode {
	if Mode(strings.ToLower(strings.TrimSpace(string(m)))) == ModeRemote {
		return ModeRemote
	}
	return ModeLocal
}

// SkillConfig groups tools under a skill name. The tools of every
// configured skill are added to the sandbox allow-list.
type SkillConfig struct {
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Tools       []string `json:"tools" yaml:"tools"`
}

// Config is the serializable sandbox configuration.
type Config struct {
	SandboxID string         `json:"sandboxId,omitempty" yaml:"sandboxId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	// Timeout is the per-attempt call timeout in seconds.
	Timeout float64 `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	MCPServers       []string               `json:"mcpServers,omitempty" yaml:"mcpServers,omitempty"`
	MCPConfig        tool.MCPConfig         `json:"mcpConfig" yaml:"mcpConfig"`
	BlackToolActions map[string][]string    `json:"blackToolActions,omitempty" yaml:"blackToolActions,omitempty"`
	SkillConfigs     map[string]SkillConfig `json:"skillConfigs,omitempty" yaml:"skillConfigs,omitempty"`
	Tools            []string               `json:"tools,omitempty" yaml:"tools,omitempty"`

	RegistryURL    string                `json:"registryUrl,omitempty" yaml:"registryUrl,omitempty"`
	CustomEnvTools []registry.CustomTool `json:"customEnvTools,omitempty" yaml:"customEnvTools,omitempty"`
	Agents         []registry.Agent      `json:"agents,omitempty" yaml:"agents,omitempty"`

	Workspace []string `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	Mode      Mode     `json:"mode,omitempty" yaml:"mode,omitempty"`
	Reuse     bool     `json:"reuse,omitempty" yaml:"reuse,omitempty"`

	EnvContentName string         `json:"envContentName,omitempty" yaml:"envContentName,omitempty"`
	EnvContent     map[string]any `json:"envContent,omitempty" yaml:"envContent,omitempty"`

	MaxRetry int `json:"maxRetry,omitempty" yaml:"maxRetry,omitempty"`
	// HealthCheck is a cron schedule for pinging reused sessions.
	HealthCheck string `json:"healthCheck,omitempty" yaml:"healthCheck,omitempty"`
}

// LoadConfigFile reads a JSON (.json) or YAML config file.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("sandbox: read config: %w", err)
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("sandbox: decode config %s: %w", path, err)
	}
	cfg.MCPConfig = cfg.MCPConfig.Clone()
	return cfg, nil
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.Metadata = cloneAnyMap(c.Metadata)
	out.MCPServers = append([]string(nil), c.MCPServers...)
	out.MCPConfig = c.MCPConfig.Clone()
	out.BlackToolActions = cloneLists(c.BlackToolActions)
	if c.SkillConfigs != nil {
		out.SkillConfigs = make(map[string]SkillConfig, len(c.SkillConfigs))
		for name, skill := range c.SkillConfigs {
			skill.Tools = append([]string(nil), skill.Tools...)
			out.SkillConfigs[name] = skill
		}
	}
	out.Tools = append([]string(nil), c.Tools...)
	out.CustomEnvTools = append([]registry.CustomTool(nil), c.CustomEnvTools...)
	out.Agents = append([]registry.Agent(nil), c.Agents...)
	out.Workspace = append([]string(nil), c.Workspace...)
	out.EnvContent = cloneAnyMap(c.EnvContent)
	return out
}

// allowList merges the tools whitelist with every skill's tools.
func (c Config) allowList() []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for _, name := range c.Tools {
		add(name)
	}
	for _, skill := range c.SkillConfigs {
		for _, name := range skill.Tools {
			add(name)
		}
	}
	return out
}

func (c Config) callTimeout() time.Duration {
	if c.Timeout <= 0 {
		return 0
	}
	return time.Duration(c.Timeout * float64(time.Second))
}

// Option configures a sandbox.
type Option func(*options)

type options struct {
	cfg Config

	logger     *slog.Logger
	observer   tool.Observer
	dialer     tool.SessionDialer
	functions  *tool.FunctionRegistry
	httpClient *http.Client
	lookupEnv  registry.LookupEnv
	source     registry.Source
	runner     []string
}

func newOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.lookupEnv == nil {
		o.lookupEnv = os.LookupEnv
	}
	o.cfg = o.cfg.Clone()
	o.applyEnv()
	return o
}

// applyEnv fills empty settings from the environment.
func (o *options) applyEnv() {
	if o.cfg.RegistryURL == "" {
		if v, ok := o.lookupEnv(EnvRegistryURL); ok {
			o.cfg.RegistryURL = strings.TrimSpace(v)
		}
	}
	if o.cfg.Timeout <= 0 {
		if v, ok := o.lookupEnv(EnvMCPCallTimeout); ok {
			if secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && secs > 0 {
				o.cfg.Timeout = secs
			} else {
				o.logger.Warn("ignoring invalid environment value", "key", EnvMCPCallTimeout, "value", v)
			}
		}
	}
	if o.cfg.MaxRetry <= 0 {
		if v, ok := o.lookupEnv(EnvMCPMaxRetry); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
				o.cfg.MaxRetry = n
			} else {
				o.logger.Warn("ignoring invalid environment value", "key", EnvMCPMaxRetry, "value", v)
			}
		}
	}
}

// WithConfig replaces the whole configuration. Later options still apply
// on top of it.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg.Clone() }
}

// WithID sets the sandbox id. A random one is generated otherwise.
func WithID(id string) Option {
	return func(o *options) { o.cfg.SandboxID = id }
}

// WithTimeout sets the per-attempt call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.cfg.Timeout = d.Seconds() }
}

// WithMetadata attaches free-form metadata.
func WithMetadata(metadata map[string]any) Option {
	return func(o *options) { o.cfg.Metadata = cloneAnyMap(metadata) }
}

// WithMCPServers sets the requested server names.
func WithMCPServers(names ...string) Option {
	return func(o *options) { o.cfg.MCPServers = append([]string(nil), names...) }
}

// WithMCPConfig sets the locally defined servers.
func WithMCPConfig(cfg tool.MCPConfig) Option {
	return func(o *options) { o.cfg.MCPConfig = cfg.Clone() }
}

// WithBlackToolActions sets the per-server deny list.
func WithBlackToolActions(deny map[string][]string) Option {
	return func(o *options) { o.cfg.BlackToolActions = cloneLists(deny) }
}

// WithSkillConfigs sets the skill configs.
func WithSkillConfigs(skills map[string]SkillConfig) Option {
	return func(o *options) {
		o.cfg.SkillConfigs = Config{SkillConfigs: skills}.Clone().SkillConfigs
	}
}

// WithTools sets the tool whitelist, also used for registry lookups.
func WithTools(names ...string) Option {
	return func(o *options) { o.cfg.Tools = append([]string(nil), names...) }
}

// WithRegistryURL sets the registry reference: an http(s) URL, a SQLite
// database or a JSON file.
func WithRegistryURL(ref string) Option {
	return func(o *options) { o.cfg.RegistryURL = ref }
}

// WithCustomEnvTools sets the custom tool bundles.
func WithCustomEnvTools(tools ...registry.CustomTool) Option {
	return func(o *options) { o.cfg.CustomEnvTools = append([]registry.CustomTool(nil), tools...) }
}

// WithAgents sets the sub-agents exposed as servers.
func WithAgents(agents ...registry.Agent) Option {
	return func(o *options) { o.cfg.Agents = append([]registry.Agent(nil), agents...) }
}

// WithWorkspace sets the directories available to the built-in filesystem.
// The first one is also the terminal working directory.
func WithWorkspace(dirs ...string) Option {
	return func(o *options) { o.cfg.Workspace = append([]string(nil), dirs...) }
}

// WithMode sets where built-in services run.
func WithMode(mode Mode) Option {
	return func(o *options) { o.cfg.Mode = mode }
}

// WithReuse enables session reuse across calls.
func WithReuse(reuse bool) Option {
	return func(o *options) { o.cfg.Reuse = reuse }
}

// WithEnvContent sets the hidden parameter name and its static content.
func WithEnvContent(name string, content map[string]any) Option {
	return func(o *options) {
		o.cfg.EnvContentName = name
		o.cfg.EnvContent = cloneAnyMap(content)
	}
}

// WithMaxRetry sets the number of attempts per protocol call.
func WithMaxRetry(n int) Option {
	return func(o *options) { o.cfg.MaxRetry = n }
}

// WithHealthCheck sets the cron schedule for pinging reused sessions.
func WithHealthCheck(schedule string) Option {
	return func(o *options) { o.cfg.HealthCheck = schedule }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithObserver receives catalog, call, retry and session events.
func WithObserver(observer tool.Observer) Option {
	return func(o *options) { o.observer = observer }
}

// WithDialer replaces the protocol session dialer.
func WithDialer(dialer tool.SessionDialer) Option {
	return func(o *options) { o.dialer = dialer }
}

// WithFunctions registers in-process function_tool servers.
func WithFunctions(functions *tool.FunctionRegistry) Option {
	return func(o *options) { o.functions = functions }
}

// WithHTTPClient sets the client used for registry and api requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(lookup registry.LookupEnv) Option {
	return func(o *options) { o.lookupEnv = lookup }
}

// WithRegistrySource uses source instead of opening RegistryURL.
func WithRegistrySource(source registry.Source) Option {
	return func(o *options) { o.source = source }
}

// WithRunner sets the command serving local custom tool and agent
// directories.
func WithRunner(runner ...string) Option {
	return func(o *options) { o.runner = append([]string(nil), runner...) }
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneLists(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
