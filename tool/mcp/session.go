package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultClientName     = "petal-sandbox"
	defaultClientVersion  = "dev"
	defaultConnectTimeout = 30 * time.Second
)

var (
	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("mcp: session is closed")
	// ErrNotConnected is returned when a session has not been connected yet.
	ErrNotConnected = errors.New("mcp: session is not connected")
	// ErrUnknownTransport is returned for transports other than stdio, sse and streamable-http.
	ErrUnknownTransport = errors.New("mcp: unknown transport")
)

// State is the lifecycle state of a Session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
	StateFailed       State = "failed"
)

// Config describes one server connection.
type Config struct {
	Name      string
	Transport TransportType

	// stdio
	Command  string
	Args     []string
	Env      map[string]string
	Dir      string
	Encoding string

	// sse and streamable-http
	URL            string
	Headers        map[string]string
	Timeout        time.Duration
	SSEReadTimeout time.Duration
	HTTPClient     *http.Client

	// SessionTimeout bounds each request made on the session. Zero disables it.
	SessionTimeout time.Duration

	ClientName    string
	ClientVersion string
	Logger        *slog.Logger
}

// Validate reports configuration errors without opening a connection.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportStdio:
		if strings.TrimSpace(c.Command) == "" {
			return fmt.Errorf("mcp: server %q: stdio command is required", c.Name)
		}
	case TransportSSE, TransportStreamableHTTP:
		if strings.TrimSpace(c.URL) == "" {
			return fmt.Errorf("mcp: server %q: %s url is required", c.Name, c.Transport)
		}
	default:
		return fmt.Errorf("%w %q for server %q", ErrUnknownTransport, c.Transport, c.Name)
	}
	return nil
}

// Session is one connection to one tool server.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	client *sdkmcp.Client
	cs     *sdkmcp.ClientSession
	// stop ends the context the transport streams run under.
	stop context.CancelFunc

	progressMu sync.Mutex
	progress   map[string]progressTarget
}

type progressTarget struct {
	tool string
	fn   ProgressFunc
}

// NewSession validates cfg and returns a disconnected session.
func NewSession(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ClientName == "" {
		cfg.ClientName = defaultClientName
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = defaultClientVersion
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:      cfg,
		logger:   logger.With("server", cfg.Name, "transport", string(cfg.Transport)),
		state:    StateDisconnected,
		progress: map[string]progressTarget{},
	}, nil
}

// Dial creates and connects a session in one step.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	s, err := NewSession(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the server name the session is bound to.
func (s *Session) Name() string { return s.cfg.Name }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect opens the transport and performs the initialize handshake.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateConnecting:
		s.mu.Unlock()
		return fmt.Errorf("mcp: server %q: connect already in progress", s.cfg.Name)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	transport, err := s.newTransport()
	if err != nil {
		s.setState(StateFailed)
		return err
	}

	client := sdkmcp.NewClient(&sdkmcp.Implementation{
		Name:    s.cfg.ClientName,
		Version: s.cfg.ClientVersion,
	}, &sdkmcp.ClientOptions{
		ProgressNotificationHandler: s.handleProgress,
	})

	// The SSE event stream lives as long as the context passed to Connect,
	// so the session gets its own context, cancelled on Close or on a
	// failed handshake. Only the handshake is bounded.
	sessionCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	cs, err := s.handshake(ctx, sessionCtx, stop, client, transport)
	if err != nil {
		stop()
		s.setState(StateFailed)
		return fmt.Errorf("mcp: connect %q: %w", s.cfg.Name, err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = cs.Close()
		stop()
		return ErrSessionClosed
	}
	s.client = client
	s.cs = cs
	s.stop = stop
	s.state = StateConnected
	s.mu.Unlock()

	s.logger.Debug("mcp session connected")
	return nil
}

type connectResult struct {
	cs  *sdkmcp.ClientSession
	err error
}

// handshake runs client.Connect under sessionCtx and waits for it until
// ctx ends or the connect timeout fires. An abandoned handshake is
// cancelled through stop and any late session is closed.
func (s *Session) handshake(
	ctx context.Context,
	sessionCtx context.Context,
	stop context.CancelFunc,
	client *sdkmcp.Client,
	transport sdkmcp.Transport,
) (*sdkmcp.ClientSession, error) {
	done := make(chan connectResult, 1)
	go func() {
		cs, err := client.Connect(sessionCtx, transport, nil)
		done <- connectResult{cs: cs, err: err}
	}()

	timer := time.NewTimer(s.connectTimeout())
	defer timer.Stop()

	var err error
	select {
	case res := <-done:
		return res.cs, res.err
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = fmt.Errorf("handshake exceeded %s: %w", s.connectTimeout(), context.DeadlineExceeded)
	}
	stop()
	go func() {
		if res := <-done; res.cs != nil {
			_ = res.cs.Close()
		}
	}()
	return nil, err
}

// ListTools pages through tools/list and returns every advertised tool.
func (s *Session) ListTools(ctx context.Context) ([]Tool, error) {
	cs, err := s.active()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	var (
		tools  []Tool
		cursor string
	)
	for {
		res, err := cs.ListTools(ctx, &sdkmcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, s.fail("tools/list", err)
		}
		for _, t := range res.Tools {
			if t == nil {
				continue
			}
			tools = append(tools, convertTool(t))
		}
		if res.NextCursor == "" || res.NextCursor == cursor {
			return tools, nil
		}
		cursor = res.NextCursor
	}
}

// CallTool runs tools/call. progress may be nil.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any, progress ProgressFunc) (*CallResult, error) {
	cs, err := s.active()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	params := &sdkmcp.CallToolParams{
		Name:      name,
		Arguments: args,
	}
	if progress != nil {
		token := uuid.NewString()
		params.Meta = sdkmcp.Meta{"progressToken": token}
		s.progressMu.Lock()
		s.progress[token] = progressTarget{tool: name, fn: progress}
		s.progressMu.Unlock()
		defer func() {
			s.progressMu.Lock()
			delete(s.progress, token)
			s.progressMu.Unlock()
		}()
	}

	res, err := cs.CallTool(ctx, params)
	if err != nil {
		return nil, s.fail("tools/call", err)
	}
	return convertResult(res), nil
}

// Ping checks that the server still answers.
func (s *Session) Ping(ctx context.Context) error {
	cs, err := s.active()
	if err != nil {
		return err
	}
	ctx, cancel := s.requestContext(ctx)
	defer cancel()
	if err := cs.Ping(ctx, &sdkmcp.PingParams{}); err != nil {
		return s.fail("ping", err)
	}
	return nil
}

// Close ends the session. Closing twice is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	cs := s.cs
	stop := s.stop
	s.cs = nil
	s.client = nil
	s.stop = nil
	s.state = StateClosed
	s.mu.Unlock()

	if cs == nil {
		if stop != nil {
			stop()
		}
		return nil
	}

	done := make(chan error, 1)
	go func() {
		err := cs.Close()
		stop()
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil && !isBenignCloseError(err) {
			return fmt.Errorf("mcp: close %q: %w", s.cfg.Name, err)
		}
		s.logger.Debug("mcp session closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) active() (*sdkmcp.ClientSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnected:
		return s.cs, nil
	case StateClosed:
		return nil, ErrSessionClosed
	default:
		return nil, fmt.Errorf("%w (server %q, state %s)", ErrNotConnected, s.cfg.Name, s.state)
	}
}

func (s *Session) fail(method string, err error) error {
	return &RequestError{Server: s.cfg.Name, Method: method, Err: err}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = state
	}
	s.mu.Unlock()
}

func (s *Session) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.SessionTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.SessionTimeout)
}

func (s *Session) connectTimeout() time.Duration {
	if s.cfg.SessionTimeout > 0 {
		return s.cfg.SessionTimeout
	}
	if s.cfg.Timeout > 0 {
		return s.cfg.Timeout
	}
	return defaultConnectTimeout
}

func (s *Session) handleProgress(_ context.Context, req *sdkmcp.ProgressNotificationClientRequest) {
	if req == nil || req.Params == nil {
		return
	}
	token := fmt.Sprint(req.Params.ProgressToken)
	s.progressMu.Lock()
	target, ok := s.progress[token]
	s.progressMu.Unlock()
	if !ok || target.fn == nil {
		return
	}
	target.fn(ProgressEvent{
		Server:   s.cfg.Name,
		Tool:     target.tool,
		Progress: req.Params.Progress,
		Total:    req.Params.Total,
		Message:  req.Params.Message,
	})
}

func (s *Session) newTransport() (sdkmcp.Transport, error) {
	switch s.cfg.Transport {
	case TransportStdio:
		return newStdioTransport(s.cfg, s.logger)
	case TransportSSE:
		return newSSETransport(s.cfg), nil
	case TransportStreamableHTTP:
		return newStreamableTransport(s.cfg), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownTransport, s.cfg.Transport)
	}
}

func isBenignCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "signal: killed") ||
		strings.Contains(msg, "file already closed") ||
		strings.Contains(msg, "broken pipe")
}

// RequestError wraps a failed request on a session.
type RequestError struct {
	Server string
	Method string
	Err    error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp: %s on %q failed: %v", e.Method, e.Server, e.Err)
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
