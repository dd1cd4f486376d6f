package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/petal-labs/sandbox/tool"
)

// Environment variables read for remote custom tools and agents.
const (
	EnvCustomURL          = "CUSTOM_ENV_URL"
	EnvCustomToken        = "CUSTOM_ENV_TOKEN"
	EnvCustomImageVersion = "CUSTOM_ENV_IMAGE_VERSION"
)

// Headers attached to remote custom tool and agent servers.
const (
	HeaderImageVersion = "X-Image-Version"
	HeaderEnvConfig    = "X-Env-Config"
)

var errMissingEnv = errors.New("registry: required environment variable is not set")

// DefaultRunner is the command line used to serve a local tool or agent
// directory over stdio. The directory is appended as the last argument.
var DefaultRunner = []string{"agent-runner", "serve", "--dir"}

// Kind distinguishes custom tools from agents in the serialized header.
type Kind string

const (
	KindTool  Kind = "tool"
	KindAgent Kind = "agent"
)

// CustomTool is an ad-hoc tool bundle: a git repository or a local
// directory that serves tools.
type CustomTool struct {
	Name     string            `json:"name" yaml:"name"`
	Location string            `json:"location" yaml:"location"`
	Ref      string            `json:"ref,omitempty" yaml:"ref,omitempty"`
	Command  string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args     []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Agent is a named sub-agent exposed as a tool server.
type Agent struct {
	Name        string            `json:"name" yaml:"name"`
	Location    string            `json:"location" yaml:"location"`
	Ref         string            `json:"ref,omitempty" yaml:"ref,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// LookupEnv reads one environment variable.
type LookupEnv func(key string) (string, bool)

// Converter turns custom tools and agents into server definitions.
type Converter struct {
	Lookup LookupEnv
	Runner []string
}

func (c Converter) lookup(key string) (string, bool) {
	if c.Lookup != nil {
		return c.Lookup(key)
	}
	return os.LookupEnv(key)
}

func (c Converter) runner() []string {
	if len(c.Runner) > 0 {
		return c.Runner
	}
	return DefaultRunner
}

// IsRemote reports whether location names a remote repository rather than
// a local directory.
func IsRemote(location string) bool {
	loc := strings.ToLower(strings.TrimSpace(location))
	return strings.HasPrefix(loc, "http://") ||
		strings.HasPrefix(loc, "https://") ||
		strings.HasPrefix(loc, "git@") ||
		strings.HasPrefix(loc, "ssh://") ||
		strings.HasSuffix(loc, ".git")
}

// Tool converts a custom tool definition.
func (c Converter) Tool(t CustomTool) (tool.ServerDefinition, error) {
	if err := validateNamed(t.Name, t.Location); err != nil {
		return tool.ServerDefinition{}, err
	}
	if IsRemote(t.Location) {
		return c.remote(t.Name, KindTool, t.Location, t.Ref, t.Env)
	}
	dir, err := localDir(t.Location)
	if err != nil {
		return tool.ServerDefinition{}, err
	}
	if t.Command != "" {
		return tool.ServerDefinition{
			Name:    t.Name,
			Type:    tool.TransportStdio,
			Command: t.Command,
			Args:    append([]string(nil), t.Args...),
			Env:     t.Env,
			Cwd:     dir,
		}, nil
	}
	return c.local(t.Name, dir, t.Env), nil
}

// Agent converts an agent definition.
func (c Converter) Agent(a Agent) (tool.ServerDefinition, error) {
	if err := validateNamed(a.Name, a.Location); err != nil {
		return tool.ServerDefinition{}, err
	}
	if IsRemote(a.Location) {
		return c.remote(a.Name, KindAgent, a.Location, a.Ref, a.Env)
	}
	dir, err := localDir(a.Location)
	if err != nil {
		return tool.ServerDefinition{}, err
	}
	return c.local(a.Name, dir, a.Env), nil
}

// envConfig is serialized into the HeaderEnvConfig header.
type envConfig struct {
	Name    string            `json:"name"`
	Kind    Kind              `json:"kind"`
	RepoURL string            `json:"repo_url"`
	Ref     string            `json:"ref,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

func (c Converter) remote(name string, kind Kind, repoURL, ref string, env map[string]string) (tool.ServerDefinition, error) {
	values := map[string]string{}
	for _, key := range []string{EnvCustomURL, EnvCustomToken, EnvCustomImageVersion} {
		value, ok := c.lookup(key)
		if !ok || strings.TrimSpace(value) == "" {
			return tool.ServerDefinition{}, fmt.Errorf("%w: %s (needed by %s %q)", errMissingEnv, key, kind, name)
		}
		values[key] = strings.TrimSpace(value)
	}

	header, err := json.Marshal(envConfig{
		Name:    name,
		Kind:    kind,
		RepoURL: repoURL,
		Ref:     ref,
		Env:     env,
	})
	if err != nil {
		return tool.ServerDefinition{}, fmt.Errorf("registry: encode %s %q config: %w", kind, name, err)
	}

	return tool.ServerDefinition{
		Name: name,
		Type: tool.TransportStreamableHTTP,
		URL:  values[EnvCustomURL],
		Headers: map[string]string{
			"Authorization":    "Bearer " + values[EnvCustomToken],
			HeaderImageVersion: values[EnvCustomImageVersion],
			HeaderEnvConfig:    string(header),
		},
	}, nil
}

func (c Converter) local(name, dir string, env map[string]string) tool.ServerDefinition {
	runner := c.runner()
	args := append(append([]string(nil), runner[1:]...), dir)
	return tool.ServerDefinition{
		Name:    name,
		Type:    tool.TransportStdio,
		Command: runner[0],
		Args:    args,
		Env:     env,
		Cwd:     dir,
	}
}

func validateNamed(name, location string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("registry: definition name is required")
	}
	if strings.TrimSpace(location) == "" {
		return fmt.Errorf("registry: %q: location is required", name)
	}
	return nil
}

func localDir(location string) (string, error) {
	path := strings.TrimSpace(location)
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("registry: expand %q: %w", location, err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("registry: resolve %q: %w", location, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("registry: %q: %w", location, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("registry: %q is not a directory", location)
	}
	return abs, nil
}
