package tool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petal-labs/sandbox/tool/mcp"
)

type recordedCall struct {
	name string
	args map[string]any
}

type fakeSession struct {
	server string
	tools  []mcp.Tool
	callFn func(ctx context.Context, name string, args map[string]any) (*mcp.CallResult, error)

	mu      sync.Mutex
	state   mcp.State
	calls   []recordedCall
	pingErr error
	closes  int
}

func (s *fakeSession) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.tools, nil
}

func (s *fakeSession) CallTool(ctx context.Context, name string, args map[string]any, progress mcp.ProgressFunc) (*mcp.CallResult, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls = append(s.calls, recordedCall{name: name, args: args})
	s.mu.Unlock()
	if progress != nil {
		progress(mcp.ProgressEvent{Server: s.server, Tool: name, Progress: 1, Total: 1})
	}
	if s.callFn != nil {
		return s.callFn(ctx, name, args)
	}
	return &mcp.CallResult{Content: []mcp.Content{mcp.TextContent{Text: s.server + ":" + name}}}, nil
}

func (s *fakeSession) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *fakeSession) State() mcp.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.state = mcp.StateClosed
	return nil
}

func (s *fakeSession) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == mcp.StateClosed {
		return mcp.ErrSessionClosed
	}
	return nil
}

func (s *fakeSession) recorded() []recordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedCall(nil), s.calls...)
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// fakeDialer hands out fakeSessions built by build and counts dials per
// server.
type fakeDialer struct {
	build func(def ServerDefinition, n int) (*fakeSession, error)
	delay time.Duration

	mu       sync.Mutex
	dials    map[string]int
	sessions []*fakeSession
}

func newFakeDialer(build func(def ServerDefinition, n int) (*fakeSession, error)) *fakeDialer {
	return &fakeDialer{build: build, dials: map[string]int{}}
}

func (d *fakeDialer) Dial(ctx context.Context, def ServerDefinition) (Session, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	d.dials[def.Name]++
	n := d.dials[def.Name]
	d.mu.Unlock()

	session, err := d.build(def, n)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, errors.New("fake: no session")
	}
	session.server = def.Name
	session.state = mcp.StateConnected

	d.mu.Lock()
	d.sessions = append(d.sessions, session)
	d.mu.Unlock()
	return session, nil
}

func (d *fakeDialer) dialCount(server string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[server]
}

func (d *fakeDialer) all() []*fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeSession(nil), d.sessions...)
}

func namedTools(names ...string) []mcp.Tool {
	out := make([]mcp.Tool, 0, len(names))
	for _, name := range names {
		out = append(out, mcp.Tool{
			Name:        name,
			Description: name + " tool",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": map[string]any{"type": "string"}},
				"required":   []any{"path"},
			},
		})
	}
	return out
}

func stdioConfig(names ...string) EffectiveConfig {
	servers := map[string]ServerDefinition{}
	for _, name := range names {
		servers[name] = ServerDefinition{Type: TransportStdio, Command: "fake-" + name}
	}
	return EffectiveConfig{Servers: names, Config: MCPConfig{Servers: servers}}
}

type recordingObserver struct {
	mu       sync.Mutex
	catalogs []CatalogObservation
	invokes  []InvokeObservation
	retries  []RetryObservation
	sessions []SessionObservation
}

func (o *recordingObserver) ObserveCatalog(obs CatalogObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.catalogs = append(o.catalogs, obs)
}

func (o *recordingObserver) ObserveInvoke(obs InvokeObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invokes = append(o.invokes, obs)
}

func (o *recordingObserver) ObserveRetry(obs RetryObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, obs)
}

func (o *recordingObserver) ObserveSession(obs SessionObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessions = append(o.sessions, obs)
}
