package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/petal-labs/sandbox/tool/mcp"
)

// FunctionHandler implements one in-process tool. The returned value may be
// a string, a *mcp.CallResult, a []mcp.Content, a single mcp.Content, or any
// JSON-encodable value.
type FunctionHandler func(ctx context.Context, args map[string]any) (any, error)

// FunctionTool is one in-process tool of a function_tool server.
type FunctionTool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     FunctionHandler
}

// FunctionServer groups in-process tools under one server name.
type FunctionServer struct {
	name  string
	tools []FunctionTool
	index map[string]int
}

// NewFunctionServer builds a server. It panics on a tool without a name or
// handler.
func NewFunctionServer(name string, tools ...FunctionTool) *FunctionServer {
	s := &FunctionServer{name: name, index: make(map[string]int, len(tools))}
	for _, t := range tools {
		if strings.TrimSpace(t.Name) == "" || t.Handler == nil {
			panic(fmt.Sprintf("tool: function server %q: tool needs a name and a handler", name))
		}
		if _, dup := s.index[t.Name]; dup {
			panic(fmt.Sprintf("tool: function server %q: duplicate tool %q", name, t.Name))
		}
		s.index[t.Name] = len(s.tools)
		s.tools = append(s.tools, t)
	}
	return s
}

// Name returns the server name.
func (s *FunctionServer) Name() string { return s.name }

// ListTools returns the tools in registration order.
func (s *FunctionServer) ListTools() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, mcp.Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

// CallTool runs the named handler in-process.
func (s *FunctionServer) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallResult, error) {
	idx, ok := s.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, FlattenName(s.name, name))
	}
	if args == nil {
		args = map[string]any{}
	}
	value, err := s.tools[idx].Handler(ctx, args)
	if err != nil {
		return nil, err
	}
	return resultFromValue(value)
}

func resultFromValue(value any) (*mcp.CallResult, error) {
	switch typed := value.(type) {
	case nil:
		return &mcp.CallResult{}, nil
	case *mcp.CallResult:
		return typed, nil
	case mcp.CallResult:
		return &typed, nil
	case string:
		return &mcp.CallResult{Content: []mcp.Content{mcp.TextContent{Text: typed}}}, nil
	case []mcp.Content:
		return &mcp.CallResult{Content: typed}, nil
	case mcp.Content:
		return &mcp.CallResult{Content: []mcp.Content{typed}}, nil
	default:
		data, err := json.Marshal(typed)
		if err != nil {
			return nil, newToolError(ToolErrorCodeDecodeFailure, "encode function result", false, err)
		}
		return &mcp.CallResult{
			Content:           []mcp.Content{mcp.TextContent{Text: string(data)}},
			StructuredContent: typed,
		}, nil
	}
}

// FunctionRegistry holds the in-process servers available to a catalog.
type FunctionRegistry struct {
	mu      sync.RWMutex
	servers map[string]*FunctionServer
}

// NewFunctionRegistry returns a registry holding servers.
func NewFunctionRegistry(servers ...*FunctionServer) *FunctionRegistry {
	r := &FunctionRegistry{servers: map[string]*FunctionServer{}}
	for _, s := range servers {
		r.Register(s)
	}
	return r
}

// Register adds or replaces a server.
func (r *FunctionRegistry) Register(server *FunctionServer) {
	if server == nil {
		panic("tool: nil function server")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[server.Name()] = server
}

// Lookup returns the named server.
func (r *FunctionRegistry) Lookup(name string) (*FunctionServer, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[name]
	return s, ok
}
