package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petal-labs/sandbox/tool/mcp"
)

const (
	// DefaultMaxRetry is the number of attempts made for a protocol call.
	DefaultMaxRetry = 3
	// DefaultCallTimeout bounds each attempt.
	DefaultCallTimeout = 120 * time.Second
)

// RetryPolicy bounds attempts of one protocol call. Attempts are retried
// immediately, without backoff.
type RetryPolicy struct {
	MaxAttempts int
	Timeout     time.Duration
}

type attemptFunc func(ctx context.Context, attempt int) (*mcp.CallResult, error)

type retryMeta struct {
	server    string
	tool      string
	transport TransportType
}

func callWithRetry(
	ctx context.Context,
	policy RetryPolicy,
	meta retryMeta,
	observer Observer,
	logger *slog.Logger,
	fn attemptFunc,
) (*mcp.CallResult, int, error) {
	normalized := normalizeRetryPolicy(policy)
	var lastErr *ToolError

	for attempt := 1; attempt <= normalized.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt - 1, newToolError(ToolErrorCodeTimeout, "call cancelled", false, err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, normalized.Timeout)
		res, err := fn(attemptCtx, attempt)
		expired := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()
		if err == nil {
			return res, attempt, nil
		}

		if expired {
			lastErr = newToolError(ToolErrorCodeTimeout,
				fmt.Sprintf("attempt %d exceeded %s", attempt, normalized.Timeout), true, err)
		} else {
			lastErr = classifyError(err)
		}
		lastErr = withToolErrorDetails(lastErr, map[string]any{"attempt": attempt})

		logger.Warn("tool call attempt failed",
			"server", meta.server,
			"tool", meta.tool,
			"attempt", attempt,
			"max_attempts", normalized.MaxAttempts,
			"error", lastErr,
		)
		if attempt == normalized.MaxAttempts || !lastErr.Retryable {
			return nil, attempt, lastErr
		}
		observer.ObserveRetry(RetryObservation{
			Server:    meta.server,
			Tool:      meta.tool,
			Transport: meta.transport,
			Attempt:   attempt,
			ErrorCode: lastErr.Code,
		})
	}

	return nil, normalized.MaxAttempts, lastErr
}

func normalizeRetryPolicy(policy RetryPolicy) RetryPolicy {
	out := policy
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxRetry
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultCallTimeout
	}
	return out
}
