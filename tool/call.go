package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/petal-labs/sandbox/tool/mcp"
)

// CallTool runs a batch of requests in order. Results line up with reqs by
// index; a failed request yields a failed result and never stops the batch.
func (c *Catalog) CallTool(ctx context.Context, reqs []CallRequest, cc CallContext) []CallResult {
	results := make([]CallResult, len(reqs))
	for i, req := range reqs {
		results[i] = c.call(ctx, req, cc)
	}
	return results
}

func (c *Catalog) call(ctx context.Context, req CallRequest, cc CallContext) CallResult {
	start := time.Now()
	res := newCallResult(req)

	def, configured := c.opts.Config.Config.Server(req.Server)
	_, active := c.opts.Config.ActiveServer(req.Server)
	transport := def.Transport()
	attempts := 0

	finish := func(err error) CallResult {
		duration := time.Since(start)
		if err != nil {
			res.fail(err)
			c.logger.Warn("tool call failed", "server", req.Server, "tool", req.Tool, "attempts", attempts, "error", err)
		}
		res.Metadata["server"] = req.Server
		res.Metadata["attempts"] = attempts
		res.Metadata["duration_ms"] = duration.Milliseconds()
		c.observer.ObserveInvoke(InvokeObservation{
			Server:     req.Server,
			Tool:       req.Tool,
			Transport:  transport,
			Attempts:   attempts,
			DurationMS: duration.Milliseconds(),
			Success:    res.Success,
			ErrorCode:  res.ErrorCode,
		})
		return res
	}

	switch {
	case !configured:
		return finish(fmt.Errorf("%w: %q", ErrServerNotConfigured, req.Server))
	case !active:
		return finish(fmt.Errorf("%w: server %q is not active", ErrToolNotFound, req.Server))
	case def.Disabled:
		return finish(fmt.Errorf("%w: %q", ErrServerDisabled, req.Server))
	case c.denied(req.Server, req.Tool):
		return finish(fmt.Errorf("%w: %s is blocked", ErrToolNotFound, req.Key()))
	case !c.allowed(req.Server, req.Tool):
		return finish(fmt.Errorf("%w: %s is not in the allow list", ErrToolNotFound, req.Key()))
	}

	snap, err := c.ensure(ctx)
	if err != nil {
		return finish(err)
	}
	params := c.injectEnv(snap, req, cc)
	res.Params = params

	var out *mcp.CallResult
	switch transport {
	case TransportFunction:
		attempts = 1
		server, found := c.opts.Functions.Lookup(def.Name)
		if !found {
			return finish(fmt.Errorf("%w: no function tools registered for %q", ErrServerNotConfigured, def.Name))
		}
		out, err = server.CallTool(ctx, req.Tool, params)
	case TransportAPI:
		attempts = 1
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout())
		out, err = c.api.CallTool(callCtx, def, req.Tool, params)
		cancel()
	case TransportStdio, TransportSSE, TransportStreamableHTTP:
		out, attempts, err = c.callSession(ctx, def, req.Tool, params, cc.Progress)
	default:
		err = fmt.Errorf("%w %q for server %q", ErrUnknownTransport, def.Type, def.Name)
	}
	if err != nil {
		return finish(err)
	}

	res.fill(out)
	return finish(nil)
}

func (c *Catalog) callSession(
	ctx context.Context,
	def ServerDefinition,
	name string,
	params map[string]any,
	progress mcp.ProgressFunc,
) (*mcp.CallResult, int, error) {
	policy := RetryPolicy{MaxAttempts: c.opts.MaxRetry, Timeout: c.callTimeout()}
	meta := retryMeta{server: def.Name, tool: name, transport: def.Transport()}

	return callWithRetry(ctx, policy, meta, c.observer, c.logger, func(attemptCtx context.Context, _ int) (*mcp.CallResult, error) {
		var out *mcp.CallResult
		err := c.withSession(attemptCtx, def, func(s Session) error {
			var err error
			out, err = s.CallTool(attemptCtx, name, params, progress)
			return err
		})
		return out, err
	})
}

// injectEnv merges the env-content value into the request params when the
// tool declares the hidden parameter. Caller-supplied keys win.
func (c *Catalog) injectEnv(snap *catalogSnapshot, req CallRequest, cc CallContext) map[string]any {
	params := cloneAnyMap(req.Params)
	if params == nil {
		params = map[string]any{}
	}
	name, ok := snap.envParams[req.Key()]
	if !ok {
		return params
	}

	injected := cloneAnyMap(c.opts.EnvContent)
	if injected == nil {
		injected = map[string]any{}
	}
	injected["task_id"] = cc.TaskID
	injected["session_id"] = cc.SessionID
	if cc.AgentID != "" {
		injected["agent_id"] = cc.AgentID
	}

	switch existing := params[name].(type) {
	case nil:
		params[name] = injected
	case map[string]any:
		for k, v := range existing {
			injected[k] = v
		}
		params[name] = injected
	default:
		c.logger.Debug("env content param supplied by caller is not an object; leaving it", "key", req.Key(), "param", name)
	}
	return params
}
