package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/petal-labs/sandbox/tool/mcp"
)

const (
	defaultAPITimeout = 60 * time.Second
	maxAPIResponse    = 16 << 20
)

// APIClient talks to "api" servers: tools are listed with
// GET {url}/list_tools and called with POST {url}/{tool}.
type APIClient struct {
	client *http.Client
	pool   *apiTransportPool
}

// NewAPIClient returns a client. A nil http client selects pooled
// per-server clients using each server's timeout.
func NewAPIClient(client *http.Client) *APIClient {
	return &APIClient{client: client, pool: newAPITransportPool()}
}

func (c *APIClient) httpClient(def ServerDefinition) *http.Client {
	if c.client != nil {
		return c.client
	}
	return c.pool.client(def)
}

// CloseIdleConnections drops idle keep-alive connections to api servers.
func (c *APIClient) CloseIdleConnections() {
	if c.client != nil {
		c.client.CloseIdleConnections()
		return
	}
	c.pool.closeIdle()
}

// ListTools fetches the tool list of an api server. Both a bare array and
// {"tools": [...]} bodies are accepted; entries may use the
// function-calling shape.
func (c *APIClient) ListTools(ctx context.Context, def ServerDefinition) ([]mcp.Tool, error) {
	endpoint, err := apiEndpoint(def.URL, "list_tools")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, newToolError(ToolErrorCodeInvalidRequest, "build list_tools request", false, err)
	}
	applyHeaders(req, def.Headers)
	req.Header.Set("Accept", "application/json")

	body, err := c.do(def, req)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Tools []apiTool `json:"tools"`
	}
	var bare []apiTool
	trimmed := bytes.TrimSpace(body)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '[':
		err = json.Unmarshal(trimmed, &bare)
	default:
		err = json.Unmarshal(trimmed, &envelope)
		bare = envelope.Tools
	}
	if err != nil {
		return nil, newToolError(ToolErrorCodeDecodeFailure, "decode list_tools response", false, err)
	}

	out := make([]mcp.Tool, 0, len(bare))
	for _, item := range bare {
		tool := item.toTool()
		if strings.TrimSpace(tool.Name) == "" {
			continue
		}
		out = append(out, tool)
	}
	return out, nil
}

// CallTool posts args to {url}/{tool}. JSON bodies shaped like a protocol
// result ({"content": [...]}) keep their blocks; anything else becomes a
// text block with the decoded value as structured content.
func (c *APIClient) CallTool(ctx context.Context, def ServerDefinition, name string, args map[string]any) (*mcp.CallResult, error) {
	endpoint, err := apiEndpoint(def.URL, url.PathEscape(name))
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, newToolError(ToolErrorCodeInvalidRequest, "encode api arguments", false, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, newToolError(ToolErrorCodeInvalidRequest, "build api request", false, err)
	}
	applyHeaders(req, def.Headers)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(def, req)
	if err != nil {
		return nil, err
	}
	return decodeAPIResult(body), nil
}

func (c *APIClient) do(def ServerDefinition, req *http.Request) ([]byte, error) {
	resp, err := c.httpClient(def).Do(req)
	if err != nil {
		return nil, classifyError(fmt.Errorf("tool: api %s %s: %w", req.Method, req.URL.Path, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponse))
	if err != nil {
		return nil, newToolError(ToolErrorCodeTransportFailure, "read api response", true, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		message := strings.TrimSpace(string(body))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return nil, withToolErrorDetails(
			newToolError(ToolErrorCodeUpstreamFailure,
				fmt.Sprintf("api %s returned status %d: %s", def.Name, resp.StatusCode, message),
				resp.StatusCode >= http.StatusInternalServerError, nil),
			map[string]any{"status": resp.StatusCode},
		)
	}
	return body, nil
}

type apiTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
	InputAlt    map[string]any `json:"input_schema"`
	Parameters  map[string]any `json:"parameters"`
	Function    *apiTool       `json:"function"`
}

func (t apiTool) toTool() mcp.Tool {
	if t.Function != nil && t.Name == "" {
		return t.Function.toTool()
	}
	schema := t.InputSchema
	if schema == nil {
		schema = t.InputAlt
	}
	if schema == nil {
		schema = t.Parameters
	}
	return mcp.Tool{Name: t.Name, Description: t.Description, InputSchema: schema}
}

func decodeAPIResult(body []byte) *mcp.CallResult {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return &mcp.CallResult{Content: []mcp.Content{mcp.TextContent{Text: string(body)}}}
	}

	if obj, ok := decoded.(map[string]any); ok {
		if blocks, ok := obj["content"].([]any); ok {
			out := &mcp.CallResult{}
			for _, block := range blocks {
				out.Content = append(out.Content, apiBlock(block))
			}
			out.IsError, _ = obj["isError"].(bool)
			out.StructuredContent = obj["structuredContent"]
			return out
		}
	}

	text, ok := decoded.(string)
	if !ok {
		text = string(bytes.TrimSpace(body))
	}
	return &mcp.CallResult{
		Content:           []mcp.Content{mcp.TextContent{Text: text}},
		StructuredContent: decoded,
	}
}

func apiBlock(raw any) mcp.Content {
	block, ok := raw.(map[string]any)
	if !ok {
		data, _ := json.Marshal(raw)
		return mcp.TextContent{Text: string(data)}
	}
	meta, _ := block["_meta"].(map[string]any)
	if text, ok := block["text"].(string); ok {
		return mcp.TextContent{Text: text, Meta: meta}
	}
	data, _ := json.Marshal(block)
	return mcp.TextContent{Text: string(data), Meta: meta}
}

func apiEndpoint(base, path string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", newToolError(ToolErrorCodeConfig, "api url is empty", false, nil)
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/"), nil
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for key, value := range headers {
		req.Header.Set(key, value)
	}
}
