package mcp

import (
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// newStdioTransport builds a subprocess transport. The process lives until the
// session is closed, so it is not bound to the dialing context.
func newStdioTransport(cfg Config, logger *slog.Logger) (sdkmcp.Transport, error) {
	if enc := strings.ToLower(strings.TrimSpace(cfg.Encoding)); enc != "" && enc != "utf-8" && enc != "utf8" {
		logger.Warn("stdio encoding is not supported, using utf-8", "encoding", cfg.Encoding)
	}

	// #nosec G204 -- command/args come from resolved sandbox configuration.
	cmd := exec.Command(cfg.Command, slices.Clone(cfg.Args)...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), flattenEnv(cfg.Env)...)
	}
	if strings.TrimSpace(cfg.Dir) != "" {
		cmd.Dir = cfg.Dir
	}
	return &sdkmcp.CommandTransport{Command: cmd}, nil
}

func flattenEnv(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	out := make([]string, 0, len(values))
	for _, key := range keys {
		out = append(out, key+"="+values[key])
	}
	return out
}
