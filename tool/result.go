package tool

import (
	"encoding/json"
	"fmt"

	"github.com/petal-labs/sandbox/tool/mcp"
)

// CallRequest names one tool call in a batch.
type CallRequest struct {
	Server string         `json:"server"`
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params,omitempty"`
}

// Key returns the catalog key of the request.
func (r CallRequest) Key() string { return FlattenName(r.Server, r.Tool) }

// CallContext carries per-batch runtime identity and the progress sink.
type CallContext struct {
	TaskID    string
	SessionID string
	AgentID   string
	Progress  mcp.ProgressFunc
}

// CallResult is the normalized outcome of one request. It keeps the raw
// server and tool names, the encoded content and the params actually sent.
type CallResult struct {
	ToolName   string         `json:"tool_name"`
	ActionName string         `json:"action_name"`
	Success    bool           `json:"success"`
	Content    string         `json:"content"`
	Data       any            `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Params     map[string]any `json:"params,omitempty"`

	Blocks []mcp.Content `json:"-"`
}

// Key returns the catalog key of the call.
func (r CallResult) Key() string { return FlattenName(r.ToolName, r.ActionName) }

func newCallResult(req CallRequest) CallResult {
	return CallResult{
		ToolName:   req.Server,
		ActionName: req.Tool,
		Params:     cloneAnyMap(req.Params),
		Metadata:   map[string]any{},
	}
}

func (r *CallResult) fill(out *mcp.CallResult) {
	if out == nil {
		out = &mcp.CallResult{}
	}
	r.Blocks = out.Content
	r.Content = encodeBlocks(out.Content)
	r.Success = !out.IsError

	if out.StructuredContent != nil {
		r.Data = out.StructuredContent
	} else {
		r.Data = out.Text()
	}
	if out.IsError {
		r.Error = out.Text()
		if r.Error == "" {
			r.Error = "tool reported an error"
		}
		r.ErrorCode = ToolErrorCodeUpstreamFailure
	}
	r.updateMetadata(out)
}

func (r *CallResult) fail(err error) {
	toolErr := classifyError(err)
	r.Success = false
	r.Error = err.Error()
	r.ErrorCode = toolErr.Code
	r.Blocks = []mcp.Content{mcp.ErrorContent{Code: toolErr.Code, Message: r.Error}}
	r.Content = encodeBlocks(r.Blocks)
	r.Data = nil
}

// updateMetadata hoists content artifacts and transport metadata into the
// result metadata.
func (r *CallResult) updateMetadata(out *mcp.CallResult) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	var artifacts []map[string]any
	for _, block := range out.Content {
		if block == nil {
			continue
		}
		if artifact, ok := block.Artifact(); ok {
			artifacts = append(artifacts, artifact)
		}
	}
	if len(artifacts) > 0 {
		r.Metadata["artifacts"] = artifacts
	}
	if len(out.Meta) > 0 {
		r.Metadata["meta"] = cloneAnyMap(out.Meta)
	}
}

func encodeBlocks(blocks []mcp.Content) string {
	encoded, err := mcp.EncodeContent(blocks)
	if err != nil {
		return "[]"
	}
	return encoded
}

// NewLocalResult builds the result of a call served in-process rather than
// by a configured server. Text data is kept as a text block; other values
// are encoded as JSON.
func NewLocalResult(req CallRequest, success bool, data any, errMsg string) CallResult {
	r := newCallResult(req)
	r.Success = success
	if !success {
		if errMsg == "" {
			errMsg = "call failed"
		}
		r.Error = errMsg
		r.ErrorCode = ToolErrorCodeInvocationFailed
		r.Blocks = []mcp.Content{mcp.ErrorContent{Code: r.ErrorCode, Message: errMsg}}
		r.Content = encodeBlocks(r.Blocks)
		return r
	}
	r.Data = data
	text, ok := data.(string)
	if !ok && data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			text = fmt.Sprint(data)
		} else {
			text = string(encoded)
		}
	}
	r.Blocks = []mcp.Content{mcp.TextContent{Text: text}}
	r.Content = encodeBlocks(r.Blocks)
	return r
}
