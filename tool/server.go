package tool

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/sandbox/tool/mcp"
)

// TransportType identifies how a server is reached.
type TransportType string

const (
	TransportStdio          TransportType = "stdio"
	TransportSSE            TransportType = "sse"
	TransportStreamableHTTP TransportType = "streamable-http"
	TransportAPI            TransportType = "api"
	TransportFunction       TransportType = "function_tool"
)

// ServerDefinition is one entry of an mcpServers document.
type ServerDefinition struct {
	Name string        `json:"name,omitempty" yaml:"name,omitempty"`
	Type TransportType `json:"type,omitempty" yaml:"type,omitempty"`

	Command              string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args                 []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env                  map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Cwd                  string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Encoding             string            `json:"encoding,omitempty" yaml:"encoding,omitempty"`
	EncodingErrorHandler string            `json:"encoding_error_handler,omitempty" yaml:"encoding_error_handler,omitempty"`

	URL            string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout        float64           `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	SSEReadTimeout float64           `json:"sse_read_timeout,omitempty" yaml:"sse_read_timeout,omitempty"`

	ClientSessionTimeoutSeconds float64 `json:"client_session_timeout_seconds,omitempty" yaml:"client_session_timeout_seconds,omitempty"`

	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Transport returns the normalized transport type. Definitions without an
// explicit type are inferred from their fields: a command means stdio, a
// url means sse.
func (d ServerDefinition) Transport() TransportType {
	raw := strings.ToLower(strings.TrimSpace(string(d.Type)))
	switch raw {
	case "":
		if strings.TrimSpace(d.Command) != "" {
			return TransportStdio
		}
		if strings.TrimSpace(d.URL) != "" {
			return TransportSSE
		}
		return ""
	case "function-tool", "function", "function_tool":
		return TransportFunction
	case "streamable_http", "streamablehttp", "http", "streamable-http":
		return TransportStreamableHTTP
	default:
		return TransportType(raw)
	}
}

// IsMCP reports whether the server is reached through a protocol session.
func (d ServerDefinition) IsMCP() bool {
	switch d.Transport() {
	case TransportStdio, TransportSSE, TransportStreamableHTTP:
		return true
	default:
		return false
	}
}

// Validate reports definition errors without contacting the server.
func (d ServerDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("tool: server name is required")
	}
	switch d.Transport() {
	case TransportStdio, TransportSSE, TransportStreamableHTTP:
		return d.SessionConfig(nil).Validate()
	case TransportAPI:
		if strings.TrimSpace(d.URL) == "" {
			return fmt.Errorf("tool: server %q: api url is required", d.Name)
		}
		return nil
	case TransportFunction:
		return nil
	default:
		return fmt.Errorf("%w %q for server %q", ErrUnknownTransport, d.Type, d.Name)
	}
}

// SessionConfig converts the definition to a transport session config.
func (d ServerDefinition) SessionConfig(logger *slog.Logger) mcp.Config {
	return mcp.Config{
		Name:           d.Name,
		Transport:      mcp.TransportType(d.Transport()),
		Command:        d.Command,
		Args:           append([]string(nil), d.Args...),
		Env:            cloneStringMap(d.Env),
		Dir:            d.Cwd,
		Encoding:       d.Encoding,
		URL:            d.URL,
		Headers:        cloneStringMap(d.Headers),
		Timeout:        seconds(d.Timeout),
		SSEReadTimeout: seconds(d.SSEReadTimeout),
		SessionTimeout: seconds(d.ClientSessionTimeoutSeconds),
		Logger:         logger,
	}
}

// Clone returns a deep copy.
func (d ServerDefinition) Clone() ServerDefinition {
	out := d
	out.Args = append([]string(nil), d.Args...)
	out.Env = cloneStringMap(d.Env)
	out.Headers = cloneStringMap(d.Headers)
	return out
}

func (d ServerDefinition) fingerprint() string {
	data, err := json.Marshal(d)
	if err != nil {
		return d.Name
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MCPConfig is the {"mcpServers": {...}} document.
type MCPConfig struct {
	Servers map[string]ServerDefinition `json:"mcpServers" yaml:"mcpServers"`
}

// ParseMCPConfig decodes a JSON or YAML mcpServers document. Entry names
// are taken from the map keys.
func ParseMCPConfig(data []byte) (MCPConfig, error) {
	var cfg MCPConfig
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return MCPConfig{Servers: map[string]ServerDefinition{}}, nil
	}
	var err error
	if trimmed[0] == '{' {
		err = json.Unmarshal(trimmed, &cfg)
	} else {
		err = yaml.Unmarshal(trimmed, &cfg)
	}
	if err != nil {
		return MCPConfig{}, fmt.Errorf("tool: decode mcp config: %w", err)
	}
	return cfg.normalized(), nil
}

func (c MCPConfig) normalized() MCPConfig {
	out := MCPConfig{Servers: make(map[string]ServerDefinition, len(c.Servers))}
	for name, def := range c.Servers {
		def = def.Clone()
		def.Name = name
		out.Servers[name] = def
	}
	return out
}

// Clone returns a deep copy with entry names filled from the map keys.
func (c MCPConfig) Clone() MCPConfig {
	return c.normalized()
}

// Server returns the named definition.
func (c MCPConfig) Server(name string) (ServerDefinition, bool) {
	def, ok := c.Servers[name]
	if !ok {
		return ServerDefinition{}, false
	}
	def = def.Clone()
	def.Name = name
	return def, true
}

// Names returns the configured server names in sorted order.
func (c MCPConfig) Names() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EffectiveConfig is the resolved set of active servers and their definitions.
type EffectiveConfig struct {
	Servers []string  `json:"servers" yaml:"servers"`
	Config  MCPConfig `json:"config" yaml:"config"`
}

// Clone returns a deep copy.
func (c EffectiveConfig) Clone() EffectiveConfig {
	return EffectiveConfig{
		Servers: append([]string(nil), c.Servers...),
		Config:  c.Config.Clone(),
	}
}

// Active returns the definitions of the active servers in order. An empty
// server list activates every configured server. Names without a
// definition are skipped.
func (c EffectiveConfig) Active() []ServerDefinition {
	names := c.Servers
	if len(names) == 0 {
		names = c.Config.Names()
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]ServerDefinition, 0, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if def, ok := c.Config.Server(name); ok {
			out = append(out, def)
		}
	}
	return out
}

// ActiveServer returns the definition of name when it is one of the active
// servers.
func (c EffectiveConfig) ActiveServer(name string) (ServerDefinition, bool) {
	if len(c.Servers) > 0 {
		listed := false
		for _, n := range c.Servers {
			if n == name {
				listed = true
				break
			}
		}
		if !listed {
			return ServerDefinition{}, false
		}
	}
	return c.Config.Server(name)
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
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
