package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/petal-labs/sandbox/builtin"
	"github.com/petal-labs/sandbox/tool"
)

// ToolCallResult is the normalized outcome of a built-in service call.
type ToolCallResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Normalize reduces a built-in or remote result value to a ToolCallResult.
// Strings starting with "Error:" are failures. Maps carrying a boolean
// "success" field pass through, with "error" taken from "message" when
// missing. Everything else is a successful result carrying the value.
func Normalize(value any) ToolCallResult {
	switch v := value.(type) {
	case ToolCallResult:
		return v
	case *ToolCallResult:
		if v == nil {
			return ToolCallResult{Success: true}
		}
		return *v
	case string:
		if strings.HasPrefix(v, builtin.ErrorPrefix) {
			return ToolCallResult{Success: false, Error: v}
		}
		return ToolCallResult{Success: true, Data: v}
	case map[string]any:
		success, ok := v["success"].(bool)
		if !ok {
			return ToolCallResult{Success: true, Data: v}
		}
		out := ToolCallResult{Success: success, Data: v}
		if data, has := v["data"]; has {
			out.Data = data
		}
		if msg, _ := v["error"].(string); msg != "" {
			out.Error = msg
		} else if !success {
			if msg, _ := v["message"].(string); msg != "" {
				out.Error = msg
			} else {
				out.Error = "call failed"
			}
		}
		return out
	default:
		return ToolCallResult{Success: true, Data: value}
	}
}

// RemoteCaller runs a batch of calls on configured servers.
type RemoteCaller interface {
	CallTool(ctx context.Context, reqs []tool.CallRequest, cc tool.CallContext) []tool.CallResult
}

// BuiltinToolRouter decides whether a built-in service runs in-process or
// on the configured server of the same name.
type BuiltinToolRouter struct {
	mode    Mode
	servers tool.MCPConfig
	remote  RemoteCaller
	logger  *slog.Logger
}

// NewBuiltinToolRouter returns a router. servers is the effective server
// config consulted in remote mode.
func NewBuiltinToolRouter(mode Mode, servers tool.MCPConfig, remote RemoteCaller, logger *slog.Logger) *BuiltinToolRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &BuiltinToolRouter{
		mode:    mode.Normalize(),
		servers: servers.Clone(),
		remote:  remote,
		logger:  logger,
	}
}

// Mode returns the normalized routing mode.
func (r *BuiltinToolRouter) Mode() Mode { return r.mode }

// Route runs action of service and returns the normalized outcome.
func (r *BuiltinToolRouter) Route(
	ctx context.Context,
	service string,
	action string,
	impl builtin.Tool,
	params map[string]any,
	cc tool.CallContext,
) ToolCallResult {
	return ResultOf(r.Call(ctx, tool.CallRequest{Server: service, Tool: action, Params: params}, impl, cc))
}

// Call runs req against a built-in service. In local mode impl always
// executes and the network is never touched. In remote mode the service
// must be configured as a server; there is no fallback to impl.
func (r *BuiltinToolRouter) Call(ctx context.Context, req tool.CallRequest, impl builtin.Tool, cc tool.CallContext) tool.CallResult {
	if r.mode == ModeRemote {
		return r.callRemote(ctx, req, cc)
	}
	if impl == nil {
		return tool.NewLocalResult(req, false, nil,
			fmt.Sprintf("%s built-in service %q is not available", builtin.ErrorPrefix, req.Server))
	}

	start := time.Now()
	out := Normalize(impl.Execute(ctx, req.Tool, req.Params))
	res := tool.NewLocalResult(req, out.Success, out.Data, out.Error)
	res.Metadata["server"] = req.Server
	res.Metadata["mode"] = string(ModeLocal)
	res.Metadata["duration_ms"] = time.Since(start).Milliseconds()
	return res
}

func (r *BuiltinToolRouter) callRemote(ctx context.Context, req tool.CallRequest, cc tool.CallContext) tool.CallResult {
	if _, ok := r.servers.Server(req.Server); !ok {
		r.logger.Warn("remote service not configured", "service", req.Server, "tool", req.Tool)
		return tool.NewLocalResult(req, false, nil,
			fmt.Sprintf("%s service %q is not configured for remote mode", builtin.ErrorPrefix, req.Server))
	}
	if r.remote == nil {
		return tool.NewLocalResult(req, false, nil,
			fmt.Sprintf("%s no remote caller for service %q", builtin.ErrorPrefix, req.Server))
	}
	results := r.remote.CallTool(ctx, []tool.CallRequest{req}, cc)
	if len(results) == 0 {
		return tool.NewLocalResult(req, false, nil,
			fmt.Sprintf("%s service %q returned no result", builtin.ErrorPrefix, req.Server))
	}
	res := results[0]
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	res.Metadata["mode"] = string(ModeRemote)
	if !res.Success {
		return res
	}
	out := Normalize(res.Data)
	res.Data = out.Data
	if !out.Success {
		res.Success = false
		res.Error = out.Error
		res.ErrorCode = tool.ToolErrorCodeInvocationFailed
	}
	return res
}

// ResultOf reduces a call result to its normalized shape.
func ResultOf(res tool.CallResult) ToolCallResult {
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "call failed"
		}
		return ToolCallResult{Error: msg}
	}
	return ToolCallResult{Success: true, Data: res.Data}
}
