// Package builtin provides the tools a sandbox can run in-process: a
// filesystem confined to allow-listed directories and a terminal that runs
// shell snippets in a workspace.
//
// Built-in tools never return Go errors for bad input or failed operations.
// Failures come back as strings prefixed with "Error:" so callers can
// normalize them the same way as remote tool results.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/petal-labs/sandbox/tool"
	"github.com/petal-labs/sandbox/tool/mcp"
)

// Transport marks descriptors of built-in tools.
const Transport tool.TransportType = "builtin"

// ErrorPrefix starts every failure string returned by Execute.
const ErrorPrefix = "Error:"

// Tool is a service executed in-process.
type Tool interface {
	// Service is the server name the tool is exposed under.
	Service() string
	// Descriptors lists the actions as catalog entries.
	Descriptors() []tool.ToolDescriptor
	// Execute runs one action. The result is a string, a map, or any
	// JSON-encodable value; failures are "Error: ..." strings.
	Execute(ctx context.Context, action string, params map[string]any) any
}

// DefaultAllowedDirectories are the workspace paths used when none are
// configured.
func DefaultAllowedDirectories() []string {
	root := filepath.Join(os.TempDir(), "sandbox")
	return []string{
		filepath.Join(root, "workspace"),
		filepath.Join(root, "outputs"),
	}
}

type action struct {
	name        string
	description string
	schema      map[string]any
}

func describe(service string, actions []action) []tool.ToolDescriptor {
	out := make([]tool.ToolDescriptor, 0, len(actions))
	for _, a := range actions {
		out = append(out, tool.DescribeTool(service, Transport, mcp.Tool{
			Name:        a.name,
			Description: a.description,
			InputSchema: a.schema,
		}))
	}
	return out
}

func objectSchema(required []string, props map[string]any) map[string]any {
	req := make([]any, 0, len(required))
	for _, name := range required {
		req = append(req, name)
	}
	return map[string]any{"type": "object", "properties": props, "required": req}
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func errorf(format string, args ...any) string {
	return ErrorPrefix + " " + fmt.Sprintf(format, args...)
}

// IsError reports whether a built-in result is a failure string.
func IsError(result any) bool {
	s, ok := result.(string)
	return ok && strings.HasPrefix(s, ErrorPrefix)
}

func stringParam(params map[string]any, name string) (string, bool) {
	switch v := params[name].(type) {
	case string:
		return v, true
	case nil:
		return "", false
	default:
		return fmt.Sprint(v), true
	}
}

func requiredString(params map[string]any, name string) (string, error) {
	v, ok := stringParam(params, name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return v, nil
}

func numberParam(params map[string]any, name string) (float64, bool) {
	switch v := params[name].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func intParam(params map[string]any, name string) (int, bool) {
	f, ok := numberParam(params, name)
	if !ok || math.IsNaN(f) {
		return 0, false
	}
	return int(f), true
}

func boolParam(params map[string]any, name string) bool {
	switch v := params[name].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

func stringsParam(params map[string]any, name string) []string {
	switch v := params[name].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}
