package tool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/sandbox/tool/mcp"
)

func TestSessionRegistryGetIsSingleFlight(t *testing.T) {
	dialer := newFakeDialer(func(ServerDefinition, int) (*fakeSession, error) {
		return &fakeSession{}, nil
	})
	dialer.delay = 50 * time.Millisecond
	reg, err := NewSessionRegistry(SessionRegistryOptions{Dialer: dialer.Dial})
	if err != nil {
		t.Fatalf("NewSessionRegistry() error = %v", err)
	}
	defer reg.Close(context.Background())

	def := ServerDefinition{Name: "srv", Type: TransportStdio, Command: "x"}

	const callers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		sessions = map[Session]struct{}{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := reg.Get(context.Background(), def)
			if err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}
			mu.Lock()
			sessions[s] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if got := dialer.dialCount("srv"); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
	if len(sessions) != 1 {
		t.Fatalf("distinct sessions = %d, want 1", len(sessions))
	}
	if reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", reg.Len())
	}
}

func TestSessionRegistryRedialsChangedDefinition(t *testing.T) {
	dialer := newFakeDialer(func(ServerDefinition, int) (*fakeSession, error) {
		return &fakeSession{}, nil
	})
	reg, err := NewSessionRegistry(SessionRegistryOptions{Dialer: dialer.Dial})
	if err != nil {
		t.Fatalf("NewSessionRegistry() error = %v", err)
	}
	defer reg.Close(context.Background())

	first, err := reg.Get(context.Background(), ServerDefinition{Name: "srv", Type: TransportStdio, Command: "a"})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	second, err := reg.Get(context.Background(), ServerDefinition{Name: "srv", Type: TransportStdio, Command: "b"})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if first == second {
		t.Fatal("changed definition reused the old session")
	}
	if first.State() != mcp.StateClosed {
		t.Fatalf("stale session state = %s, want closed", first.State())
	}
	if reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", reg.Len())
	}
}

func TestSessionRegistryCheckHealthEvicts(t *testing.T) {
	observer := &recordingObserver{}
	dialer := newFakeDialer(func(def ServerDefinition, _ int) (*fakeSession, error) {
		s := &fakeSession{}
		if def.Name == "sick" {
			s.pingErr = errors.New("no pong")
		}
		return s, nil
	})
	reg, err := NewSessionRegistry(SessionRegistryOptions{Dialer: dialer.Dial, Observer: observer})
	if err != nil {
		t.Fatalf("NewSessionRegistry() error = %v", err)
	}
	defer reg.Close(context.Background())

	for _, name := range []string{"sick", "well"} {
		if _, err := reg.Get(context.Background(), ServerDefinition{Name: name, Type: TransportStdio, Command: name}); err != nil {
			t.Fatalf("Get(%s) error = %v", name, err)
		}
	}

	reg.CheckHealth(context.Background())

	states := reg.States()
	if _, ok := states["sick"]; ok {
		t.Fatalf("States() = %v, sick session should be evicted", states)
	}
	if states["well"] != mcp.StateConnected {
		t.Fatalf("States() = %v, want well connected", states)
	}

	observer.mu.Lock()
	defer observer.mu.Unlock()
	var sawHealthFailure bool
	for _, obs := range observer.sessions {
		if obs.Server == "sick" && obs.Event == SessionHealthFailed {
			sawHealthFailure = true
		}
	}
	if !sawHealthFailure {
		t.Fatalf("session observations = %#v, want health failure for sick", observer.sessions)
	}
}

func TestSessionRegistryClose(t *testing.T) {
	dialer := newFakeDialer(func(ServerDefinition, int) (*fakeSession, error) {
		return &fakeSession{}, nil
	})
	reg, err := NewSessionRegistry(SessionRegistryOptions{
		Dialer:              dialer.Dial,
		HealthCheckSchedule: DefaultHealthCheckSchedule,
	})
	if err != nil {
		t.Fatalf("NewSessionRegistry() error = %v", err)
	}

	def := ServerDefinition{Name: "srv", Type: TransportStdio, Command: "x"}
	s, err := reg.Get(context.Background(), def)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := reg.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.State() != mcp.StateClosed {
		t.Fatalf("session state after Close = %s", s.State())
	}
	if _, err := reg.Get(context.Background(), def); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("Get() after Close error = %v, want ErrRegistryClosed", err)
	}
	if err := reg.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestSessionRegistryRejectsBadSchedule(t *testing.T) {
	if _, err := NewSessionRegistry(SessionRegistryOptions{HealthCheckSchedule: "every now and then"}); err == nil {
		t.Fatal("NewSessionRegistry() error = nil, want invalid schedule")
	}
}

func TestSessionRegistryGetStopsWaitingOnCallerContext(t *testing.T) {
	release := make(chan struct{})
	dialDone := make(chan error, 1)
	reg, err := NewSessionRegistry(SessionRegistryOptions{
		DialTimeout: 5 * time.Second,
		Dialer: func(ctx context.Context, def ServerDefinition) (Session, error) {
			select {
			case <-release:
				dialDone <- ctx.Err()
				return &fakeSession{state: mcp.StateConnected}, nil
			case <-ctx.Done():
				dialDone <- ctx.Err()
				return nil, ctx.Err()
			}
		},
	})
	if err != nil {
		t.Fatalf("NewSessionRegistry() error = %v", err)
	}
	defer reg.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = reg.Get(ctx, ServerDefinition{Name: "slow", Type: TransportStdio, Command: "x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Get() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Get() waited %s past the caller deadline", elapsed)
	}

	// the shared dial outlives the caller and still caches its session
	close(release)
	if err := <-dialDone; err != nil {
		t.Fatalf("shared dial context error = %v, want live", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for reg.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("dialed session was not cached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionRegistryBoundsSharedDial(t *testing.T) {
	reg, err := NewSessionRegistry(SessionRegistryOptions{
		DialTimeout: 50 * time.Millisecond,
		Dialer: func(ctx context.Context, def ServerDefinition) (Session, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("NewSessionRegistry() error = %v", err)
	}
	defer reg.Close(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := reg.Get(context.Background(), ServerDefinition{Name: "hung", Type: TransportStdio, Command: "x"})
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Get() error = %v, want deadline exceeded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Get() did not return")
	}
}
