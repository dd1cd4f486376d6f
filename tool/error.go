package tool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/petal-labs/sandbox/tool/mcp"
)

const (
	// ToolErrorCodeToolNotFound is returned when a flattened key does not resolve.
	ToolErrorCodeToolNotFound = "TOOL_NOT_FOUND"
	// ToolErrorCodeConfig is returned when a server definition cannot be used.
	ToolErrorCodeConfig = "CONFIG_ERROR"
	// ToolErrorCodeInvalidRequest is returned when request construction fails.
	ToolErrorCodeInvalidRequest = "INVALID_REQUEST"
	// ToolErrorCodeTransportFailure is returned when transport I/O fails.
	ToolErrorCodeTransportFailure = "TRANSPORT_FAILURE"
	// ToolErrorCodeTimeout is returned when an attempt exceeds its deadline.
	ToolErrorCodeTimeout = "TIMEOUT"
	// ToolErrorCodeUpstreamFailure is returned for non-success upstream responses.
	ToolErrorCodeUpstreamFailure = "UPSTREAM_FAILURE"
	// ToolErrorCodeDecodeFailure is returned when a response cannot be decoded.
	ToolErrorCodeDecodeFailure = "DECODE_FAILURE"
	// ToolErrorCodeMCPFailure is returned when an MCP request fails.
	ToolErrorCodeMCPFailure = "MCP_FAILURE"
	// ToolErrorCodeInvocationFailed is the generic fallback.
	ToolErrorCodeInvocationFailed = "INVOCATION_FAILED"
)

var (
	// ErrToolNotFound is returned for calls to keys missing from the catalog.
	ErrToolNotFound = errors.New("tool: tool not found")
	// ErrServerNotConfigured is returned when a request names an unknown server.
	ErrServerNotConfigured = errors.New("tool: server not configured")
	// ErrServerDisabled is returned for calls to a disabled server.
	ErrServerDisabled = errors.New("tool: server disabled")
	// ErrUnknownTransport is returned for unsupported transport types.
	ErrUnknownTransport = errors.New("tool: unknown transport")
	// ErrRegistryClosed is returned by a SessionRegistry after Close.
	ErrRegistryClosed = errors.New("tool: session registry closed")
)

// ToolError is a structured invocation error. It keeps a machine-readable
// code and retryability while flowing through the catalog into results.
type ToolError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	msg := strings.TrimSpace(e.Message)
	switch {
	case code == "" && msg == "":
		return ToolErrorCodeInvocationFailed
	case code == "":
		return msg
	case msg == "":
		return code
	default:
		return fmt.Sprintf("%s: %s", code, msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func newToolError(code, message string, retryable bool, cause error) *ToolError {
	cleanCode := strings.TrimSpace(code)
	if cleanCode == "" {
		cleanCode = ToolErrorCodeInvocationFailed
	}
	cleanMsg := strings.TrimSpace(message)
	if cleanMsg == "" && cause != nil {
		cleanMsg = cause.Error()
	}
	return &ToolError{
		Code:      cleanCode,
		Message:   cleanMsg,
		Retryable: retryable,
		Cause:     cause,
	}
}

func withToolErrorDetails(err *ToolError, details map[string]any) *ToolError {
	if err == nil || len(details) == 0 {
		return err
	}
	if err.Details == nil {
		err.Details = make(map[string]any, len(details))
	}
	for key, value := range details {
		err.Details[key] = value
	}
	return err
}

func toolErrorFrom(err error) (*ToolError, bool) {
	if err == nil {
		return nil, false
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// ErrorCode returns the ToolError code carried by err, classifying bare
// errors by their cause.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if toolErr, ok := toolErrorFrom(err); ok && strings.TrimSpace(toolErr.Code) != "" {
		return toolErr.Code
	}
	return classifyError(err).Code
}

// classifyError wraps err in a ToolError with a code derived from its cause.
// Errors that already are ToolErrors pass through.
func classifyError(err error) *ToolError {
	if toolErr, ok := toolErrorFrom(err); ok {
		return toolErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newToolError(ToolErrorCodeTimeout, "", true, err)
	case errors.Is(err, ErrToolNotFound):
		return newToolError(ToolErrorCodeToolNotFound, "", false, err)
	case errors.Is(err, ErrServerNotConfigured), errors.Is(err, ErrServerDisabled),
		errors.Is(err, ErrUnknownTransport), errors.Is(err, mcp.ErrUnknownTransport):
		return newToolError(ToolErrorCodeConfig, "", false, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return newToolError(ToolErrorCodeTimeout, "", true, err)
		}
		return newToolError(ToolErrorCodeTransportFailure, "", true, err)
	}
	var reqErr *mcp.RequestError
	if errors.As(err, &reqErr) {
		return newToolError(ToolErrorCodeMCPFailure, "", true, err)
	}
	return newToolError(ToolErrorCodeTransportFailure, "", true, err)
}
