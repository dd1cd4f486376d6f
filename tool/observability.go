package tool

// CatalogObservation captures one catalog population.
type CatalogObservation struct {
	Servers       int
	Tools         int
	FailedServers []string
	DurationMS    int64
}

// InvokeObservation captures one call outcome.
type InvokeObservation struct {
	Server     string
	Tool       string
	Transport  TransportType
	Attempts   int
	DurationMS int64
	Success    bool
	ErrorCode  string
}

// RetryObservation captures one failed attempt that will be retried.
type RetryObservation struct {
	Server    string
	Tool      string
	Transport TransportType
	Attempt   int
	ErrorCode string
}

// SessionEvent names a session lifecycle transition seen by a registry.
type SessionEvent string

const (
	SessionDialed       SessionEvent = "dialed"
	SessionDialFailed   SessionEvent = "dial_failed"
	SessionEvicted      SessionEvent = "evicted"
	SessionHealthFailed SessionEvent = "health_failed"
)

// SessionObservation captures one session lifecycle event.
type SessionObservation struct {
	Server     string
	Transport  TransportType
	Event      SessionEvent
	DurationMS int64
	ErrorCode  string
}

// Observer receives tool-level observability events. Implementations must
// be safe for concurrent use.
type Observer interface {
	ObserveCatalog(observation CatalogObservation)
	ObserveInvoke(observation InvokeObservation)
	ObserveRetry(observation RetryObservation)
	ObserveSession(observation SessionObservation)
}

// NoopObserver discards all observations.
type NoopObserver struct{}

func (NoopObserver) ObserveCatalog(CatalogObservation) {}
func (NoopObserver) ObserveInvoke(InvokeObservation)   {}
func (NoopObserver) ObserveRetry(RetryObservation)     {}
func (NoopObserver) ObserveSession(SessionObservation) {}

func observerOrNoop(observer Observer) Observer {
	if observer == nil {
		return NoopObserver{}
	}
	return observer
}
