// Package mcptest provides small MCP servers for tests: a line-delimited
// JSON-RPC server meant to run inside a helper subprocess, and an HTTP server
// backed by the go-sdk server implementation.
package mcptest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// HelperEnv is the environment variable that switches a test binary into
// helper-server mode.
const HelperEnv = "GO_WANT_SANDBOX_MCP_HELPER"

// HelperToolsEnv optionally restricts the tools advertised by the helper
// (comma separated).
const HelperToolsEnv = "SANDBOX_MCP_HELPER_TOOLS"

// HelperArgs returns the argument list that makes a test binary re-run only
// the named helper test.
func HelperArgs(testName string) []string {
	return []string{"-test.run=^" + testName + "$", "--"}
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// HelperTools is the catalog served by the stdio helper.
var HelperTools = []map[string]any{
	{
		"name":        "read_file",
		"description": "Read a file",
		"inputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []any{"path"},
		},
	},
	{
		"name":        "write_file",
		"description": "Write a file",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []any{"path", "content"},
		},
	},
	{
		"name":        "echo",
		"description": "Echo the arguments back as JSON",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
				"ctx":  map[string]any{"type": "object"},
			},
			"required": []any{"text", "ctx"},
		},
	},
	{
		"name":        "slow",
		"description": "Sleep before answering",
		"inputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"ms": map[string]any{"type": "integer"}},
		},
	},
	{
		"name":        "progress",
		"description": "Report progress then answer",
		"inputSchema": map[string]any{"type": "object"},
	},
	{
		"name":        "artifact",
		"description": "Answer with an artifact attached",
		"inputSchema": map[string]any{"type": "object"},
	},
}

// RunHelper serves MCP over stdin/stdout until stdin closes, then exits the
// process. It is meant to be called from a TestXxx function guarded by
// HelperEnv.
func RunHelper() {
	serve(os.Stdin, os.Stdout)
	os.Exit(0)
}

func serve(in io.Reader, out io.Writer) {
	decoder := json.NewDecoder(in)
	encoder := json.NewEncoder(out)

	for {
		var req rpcMessage
		if err := decoder.Decode(&req); err != nil {
			return
		}
		if len(req.ID) == 0 {
			continue
		}

		switch req.Method {
		case "initialize":
			reply(encoder, req.ID, map[string]any{
				"protocolVersion": "2025-06-18",
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": "helper", "version": "test"},
			})
		case "ping":
			reply(encoder, req.ID, map[string]any{})
		case "tools/list":
			reply(encoder, req.ID, map[string]any{"tools": advertisedTools()})
		case "tools/call":
			handleCall(encoder, req)
		default:
			_ = encoder.Encode(rpcMessage{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &rpcError{Code: -32601, Message: "method not found: " + req.Method},
			})
		}
	}
}

func advertisedTools() []map[string]any {
	allow := strings.TrimSpace(os.Getenv(HelperToolsEnv))
	if allow == "" {
		return HelperTools
	}
	wanted := map[string]bool{}
	for _, name := range strings.Split(allow, ",") {
		wanted[strings.TrimSpace(name)] = true
	}
	out := make([]map[string]any, 0, len(HelperTools))
	for _, t := range HelperTools {
		if wanted[t["name"].(string)] {
			out = append(out, t)
		}
	}
	return out
}

func handleCall(encoder *json.Encoder, req rpcMessage) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
		Meta      map[string]any `json:"_meta"`
	}
	_ = json.Unmarshal(req.Params, &params)

	switch params.Name {
	case "slow":
		ms, _ := params.Arguments["ms"].(float64)
		if ms <= 0 {
			ms = 5000
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		reply(encoder, req.ID, textResult("done"))
	case "progress":
		if token, ok := params.Meta["progressToken"]; ok {
			for i := 1; i <= 2; i++ {
				_ = encoder.Encode(rpcMessage{
					JSONRPC: "2.0",
					Method:  "notifications/progress",
					Params: mustJSON(map[string]any{
						"progressToken": token,
						"progress":      i,
						"total":         2,
						"message":       fmt.Sprintf("step %d", i),
					}),
				})
			}
			// give the client time to dispatch notifications before the reply lands
			time.Sleep(100 * time.Millisecond)
		}
		reply(encoder, req.ID, textResult("finished"))
	case "artifact":
		reply(encoder, req.ID, map[string]any{
			"content": []any{map[string]any{
				"type":  "text",
				"text":  "see artifact",
				"_meta": map[string]any{"artifact": map[string]any{"kind": "file", "path": "/tmp/out.txt"}},
			}},
		})
	default:
		args := params.Arguments
		if args == nil {
			args = map[string]any{}
		}
		reply(encoder, req.ID, textResult(string(mustJSON(args))))
	}
}

func textResult(text string) map[string]any {
	return map[string]any{"content": []any{map[string]any{"type": "text", "text": text}}}
}

func reply(encoder *json.Encoder, id json.RawMessage, result any) {
	_ = encoder.Encode(rpcMessage{JSONRPC: "2.0", ID: id, Result: result})
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// GreetInput is the argument shape of the HTTP server's greet tool.
type GreetInput struct {
	Name string `json:"name" jsonschema:"who to greet"`
}

func newGreeter() *sdkmcp.Server {
	server := sdkmcp.NewServer(&sdkmcp.Implementation{Name: "greeter", Version: "test"}, nil)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "greet",
		Description: "Say hello",
	}, func(ctx context.Context, req *sdkmcp.CallToolRequest, in GreetInput) (*sdkmcp.CallToolResult, any, error) {
		return &sdkmcp.CallToolResult{
			Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: "hello " + in.Name}},
		}, nil, nil
	})
	return server
}

func serveObserved(handler http.Handler, onRequest func(*http.Request)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if onRequest != nil {
			onRequest(r)
		}
		handler.ServeHTTP(w, r)
	}))
}

// NewHTTPServer starts an httptest server exposing a go-sdk MCP server with a
// single "greet" tool over the streamable HTTP transport. Requests seen by
// the server are reported to onRequest when it is non-nil.
func NewHTTPServer(onRequest func(*http.Request)) *httptest.Server {
	server := newGreeter()
	handler := sdkmcp.NewStreamableHTTPHandler(func(*http.Request) *sdkmcp.Server {
		return server
	}, nil)
	return serveObserved(handler, onRequest)
}

// NewSSEServer is NewHTTPServer over the SSE transport.
func NewSSEServer(onRequest func(*http.Request)) *httptest.Server {
	server := newGreeter()
	handler := sdkmcp.NewSSEHandler(func(*http.Request) *sdkmcp.Server {
		return server
	}, nil)
	return serveObserved(handler, onRequest)
}
