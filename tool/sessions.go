package tool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/petal-labs/sandbox/tool/mcp"
)

const (
	// DefaultHealthCheckSchedule is the cron spec used for reused session pings.
	DefaultHealthCheckSchedule = "@every 30s"

	defaultPingTimeout  = 10 * time.Second
	defaultDialTimeout  = 30 * time.Second
	defaultCloseTimeout = 5 * time.Second
)

// Session is a connected protocol session. *mcp.Session implements it.
type Session interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any, progress mcp.ProgressFunc) (*mcp.CallResult, error)
	Ping(ctx context.Context) error
	State() mcp.State
	Close(ctx context.Context) error
}

// SessionDialer opens a connected session for a server definition.
type SessionDialer func(ctx context.Context, def ServerDefinition) (Session, error)

// DefaultDialer dials real protocol sessions.
func DefaultDialer(logger *slog.Logger) SessionDialer {
	return func(ctx context.Context, def ServerDefinition) (Session, error) {
		if !def.IsMCP() {
			return nil, fmt.Errorf("%w %q: server %q has no protocol session", ErrUnknownTransport, def.Transport(), def.Name)
		}
		session, err := mcp.Dial(ctx, def.SessionConfig(logger))
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

// SessionRegistryOptions configures a SessionRegistry.
type SessionRegistryOptions struct {
	Dialer   SessionDialer
	Logger   *slog.Logger
	Observer Observer
	// HealthCheckSchedule is a cron spec for pinging cached sessions. Empty
	// disables health checks.
	HealthCheckSchedule string
	PingTimeout         time.Duration
	// DialTimeout bounds a shared dial. It runs apart from any one
	// caller, each of which stops waiting when its own context ends.
	DialTimeout time.Duration
}

type cachedSession struct {
	session     Session
	transport   TransportType
	fingerprint string
	createdAt   time.Time
}

// SessionRegistry caches one session per server name for reuse mode.
// Concurrent first callers for the same server share a single dial.
type SessionRegistry struct {
	dial        SessionDialer
	logger      *slog.Logger
	observer    Observer
	pingTimeout time.Duration
	dialTimeout time.Duration

	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*cachedSession
	closed   bool

	scheduler *cron.Cron
}

// NewSessionRegistry creates a registry and starts health checks when a
// schedule is configured.
func NewSessionRegistry(opts SessionRegistryOptions) (*SessionRegistry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := opts.Dialer
	if dial == nil {
		dial = DefaultDialer(logger)
	}
	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	r := &SessionRegistry{
		dial:        dial,
		logger:      logger,
		observer:    observerOrNoop(opts.Observer),
		pingTimeout: pingTimeout,
		dialTimeout: dialTimeout,
		sessions:    map[string]*cachedSession{},
	}
	if opts.HealthCheckSchedule != "" {
		scheduler := cron.New()
		if _, err := scheduler.AddFunc(opts.HealthCheckSchedule, func() {
			r.CheckHealth(context.Background())
		}); err != nil {
			return nil, fmt.Errorf("tool: invalid health check schedule %q: %w", opts.HealthCheckSchedule, err)
		}
		scheduler.Start()
		r.scheduler = scheduler
	}
	return r, nil
}

// Get returns the cached session for def.Name, dialing one if none is
// cached, the cached one is no longer connected, or the definition changed.
func (r *SessionRegistry) Get(ctx context.Context, def ServerDefinition) (Session, error) {
	fingerprint := def.fingerprint()
	if session, ok, err := r.lookup(def.Name, fingerprint); err != nil || ok {
		return session, err
	}

	ch := r.group.DoChan(def.Name+"\x00"+fingerprint, func() (any, error) {
		if session, ok, err := r.lookup(def.Name, fingerprint); err != nil || ok {
			return session, err
		}

		// Shared by every waiter: bounded by the registry, not by the
		// first caller's context.
		dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.dialTimeout)
		defer cancel()
		start := time.Now()
		session, err := r.dial(dialCtx, def)
		if err != nil {
			r.observer.ObserveSession(SessionObservation{
				Server:     def.Name,
				Transport:  def.Transport(),
				Event:      SessionDialFailed,
				DurationMS: time.Since(start).Milliseconds(),
				ErrorCode:  ErrorCode(err),
			})
			return nil, err
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			r.closeQuietly(def.Name, session)
			return nil, ErrRegistryClosed
		}
		stale := r.sessions[def.Name]
		r.sessions[def.Name] = &cachedSession{
			session:     session,
			transport:   def.Transport(),
			fingerprint: fingerprint,
			createdAt:   time.Now(),
		}
		r.mu.Unlock()

		if stale != nil {
			r.closeQuietly(def.Name, stale.session)
		}
		r.observer.ObserveSession(SessionObservation{
			Server:     def.Name,
			Transport:  def.Transport(),
			Event:      SessionDialed,
			DurationMS: time.Since(start).Milliseconds(),
		})
		r.logger.Debug("session cached", "server", def.Name, "transport", string(def.Transport()))
		return session, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Session), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("tool: waiting for session %q: %w", def.Name, ctx.Err())
	}
}

func (r *SessionRegistry) lookup(name, fingerprint string) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, ErrRegistryClosed
	}
	entry, ok := r.sessions[name]
	if !ok || entry.fingerprint != fingerprint {
		return nil, false, nil
	}
	if entry.session.State() != mcp.StateConnected {
		return nil, false, nil
	}
	return entry.session, true, nil
}

// Evict drops and closes the cached session for name. When session is
// non-nil it is only evicted if it is still the cached one.
func (r *SessionRegistry) Evict(name string, session Session) bool {
	r.mu.Lock()
	entry, ok := r.sessions[name]
	if !ok || (session != nil && entry.session != session) {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, name)
	r.mu.Unlock()

	r.closeQuietly(name, entry.session)
	r.observer.ObserveSession(SessionObservation{
		Server:    name,
		Transport: entry.transport,
		Event:     SessionEvicted,
	})
	r.logger.Debug("session evicted", "server", name)
	return true
}

// States reports the lifecycle state of every cached session.
func (r *SessionRegistry) States() map[string]mcp.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]mcp.State, len(r.sessions))
	for name, entry := range r.sessions {
		out[name] = entry.session.State()
	}
	return out
}

// Len returns the number of cached sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CheckHealth pings every cached session and evicts the ones that fail.
func (r *SessionRegistry) CheckHealth(ctx context.Context) {
	r.mu.Lock()
	names := make([]string, 0, len(r.sessions))
	entries := make(map[string]*cachedSession, len(r.sessions))
	for name, entry := range r.sessions {
		names = append(names, name)
		entries[name] = entry
	}
	r.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		entry := entries[name]
		pingCtx, cancel := context.WithTimeout(ctx, r.pingTimeout)
		start := time.Now()
		err := entry.session.Ping(pingCtx)
		cancel()
		if err == nil {
			continue
		}
		r.logger.Warn("session health check failed", "server", name, "error", err)
		r.observer.ObserveSession(SessionObservation{
			Server:     name,
			Transport:  entry.transport,
			Event:      SessionHealthFailed,
			DurationMS: time.Since(start).Milliseconds(),
			ErrorCode:  ErrorCode(err),
		})
		r.Evict(name, entry.session)
	}
}

// Reset closes every cached session but keeps the registry usable.
func (r *SessionRegistry) Reset(ctx context.Context) error {
	r.mu.Lock()
	entries := r.sessions
	r.sessions = map[string]*cachedSession{}
	r.mu.Unlock()
	return r.closeAll(ctx, entries)
}

// Close stops health checks and closes every cached session. Later Get
// calls fail with ErrRegistryClosed.
func (r *SessionRegistry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.sessions
	r.sessions = map[string]*cachedSession{}
	scheduler := r.scheduler
	r.scheduler = nil
	r.mu.Unlock()

	if scheduler != nil {
		stopped := scheduler.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.closeAll(ctx, entries)
}

func (r *SessionRegistry) closeAll(ctx context.Context, entries map[string]*cachedSession) error {
	var firstErr error
	for name, entry := range entries {
		if err := entry.session.Close(ctx); err != nil {
			r.logger.Warn("session close failed", "server", name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("tool: close session %q: %w", name, err)
			}
		}
	}
	return firstErr
}

func (r *SessionRegistry) closeQuietly(name string, session Session) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
	defer cancel()
	if err := session.Close(ctx); err != nil {
		r.logger.Debug("session close failed", "server", name, "error", err)
	}
}
