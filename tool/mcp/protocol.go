package mcp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// TransportType selects how a Session reaches its tool server.
type TransportType string

const (
	TransportStdio          TransportType = "stdio"
	TransportSSE            TransportType = "sse"
	TransportStreamableHTTP TransportType = "streamable-http"
)

// Tool describes one tool advertised by a server through tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ProgressEvent is one notifications/progress update for an in-flight call.
type ProgressEvent struct {
	Server   string  `json:"server"`
	Tool     string  `json:"tool"`
	Progress float64 `json:"progress"`
	Total    float64 `json:"total,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// ProgressFunc receives progress updates for a single tools/call.
type ProgressFunc func(ProgressEvent)

// Content is one block of a tool result. The set of implementations is
// closed: TextContent, ImageContent and ErrorContent.
type Content interface {
	// Kind returns the wire "type" of the block.
	Kind() string
	// Artifact returns attached artifact metadata, if any.
	Artifact() (map[string]any, bool)

	encode() map[string]any
}

// TextContent is a plain text block.
type TextContent struct {
	Text string
	Meta map[string]any
}

func (TextContent) Kind() string { return "text" }

func (c TextContent) Artifact() (map[string]any, bool) { return artifactFromMeta(c.Meta) }

func (c TextContent) encode() map[string]any {
	return map[string]any{"type": "text", "text": c.Text}
}

// ImageContent is a binary image block.
type ImageContent struct {
	Data     []byte
	MIMEType string
	Meta     map[string]any
}

func (ImageContent) Kind() string { return "image" }

func (c ImageContent) Artifact() (map[string]any, bool) { return artifactFromMeta(c.Meta) }

func (c ImageContent) encode() map[string]any {
	return map[string]any{
		"type":     "image",
		"data":     base64.StdEncoding.EncodeToString(c.Data),
		"mimeType": c.MIMEType,
	}
}

// ErrorContent carries a structured failure in place of tool output.
type ErrorContent struct {
	Code    string
	Message string
}

func (ErrorContent) Kind() string { return "error" }

func (ErrorContent) Artifact() (map[string]any, bool) { return nil, false }

func (c ErrorContent) encode() map[string]any {
	out := map[string]any{"type": "error", "message": c.Message}
	if c.Code != "" {
		out["code"] = c.Code
	}
	return out
}

// EncodeContent serializes content blocks as a JSON array.
func EncodeContent(blocks []Content) (string, error) {
	items := make([]map[string]any, 0, len(blocks))
	for _, block := range blocks {
		if block == nil {
			continue
		}
		items = append(items, block.encode())
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("mcp: encode content: %w", err)
	}
	return string(data), nil
}

// CallResult is the transport-level outcome of tools/call.
type CallResult struct {
	Content           []Content
	StructuredContent any
	IsError           bool
	Meta              map[string]any
}

// Text joins all text blocks with newlines.
func (r CallResult) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, block := range r.Content {
		if text, ok := block.(TextContent); ok && strings.TrimSpace(text.Text) != "" {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func artifactFromMeta(meta map[string]any) (map[string]any, bool) {
	if meta == nil {
		return nil, false
	}
	raw, ok := meta["artifact"]
	if !ok || raw == nil {
		return nil, false
	}
	switch typed := raw.(type) {
	case map[string]any:
		return typed, true
	default:
		return map[string]any{"value": typed}, true
	}
}

func convertTool(t *sdkmcp.Tool) Tool {
	out := Tool{
		Name:        t.Name,
		Description: strings.TrimSpace(t.Description),
	}
	switch schema := t.InputSchema.(type) {
	case map[string]any:
		out.InputSchema = schema
	case nil:
	default:
		// Servers built on typed schema packages still round-trip through JSON.
		if data, err := json.Marshal(schema); err == nil {
			var decoded map[string]any
			if json.Unmarshal(data, &decoded) == nil {
				out.InputSchema = decoded
			}
		}
	}
	return out
}

func convertResult(res *sdkmcp.CallToolResult) *CallResult {
	if res == nil {
		return &CallResult{}
	}
	out := &CallResult{
		Content:           make([]Content, 0, len(res.Content)),
		StructuredContent: res.StructuredContent,
		IsError:           res.IsError,
		Meta:              map[string]any(res.Meta),
	}
	for _, block := range res.Content {
		out.Content = append(out.Content, convertContent(block))
	}
	return out
}

func convertContent(block sdkmcp.Content) Content {
	switch c := block.(type) {
	case *sdkmcp.TextContent:
		return TextContent{Text: c.Text, Meta: map[string]any(c.Meta)}
	case *sdkmcp.ImageContent:
		return ImageContent{Data: c.Data, MIMEType: c.MIMEType, Meta: map[string]any(c.Meta)}
	case *sdkmcp.EmbeddedResource:
		if c.Resource != nil && c.Resource.Text != "" {
			return TextContent{Text: c.Resource.Text, Meta: map[string]any(c.Meta)}
		}
		return TextContent{Text: fmt.Sprintf("[resource %s]", resourceURI(c))}
	default:
		data, err := json.Marshal(block)
		if err != nil {
			return TextContent{Text: fmt.Sprintf("%v", block)}
		}
		return TextContent{Text: string(data)}
	}
}

func resourceURI(c *sdkmcp.EmbeddedResource) string {
	if c == nil || c.Resource == nil {
		return ""
	}
	return c.Resource.URI
}
