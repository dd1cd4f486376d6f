package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MemorySource is an in-process registry. It is used to replay entities
// fetched earlier without contacting the original source again.
type MemorySource struct {
	mu       sync.RWMutex
	entities []Entity
}

// NewMemorySource returns a source holding entities.
func NewMemorySource(entities ...Entity) *MemorySource {
	return &MemorySource{entities: append([]Entity(nil), entities...)}
}

// Search implements Source.
func (s *MemorySource) Search(_ context.Context, q Query) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterEntities(s.entities, q), nil
}

// Put implements Writer. An entity with the same name and version is
// replaced.
func (s *MemorySource) Put(_ context.Context, e Entity) error {
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("registry: entity name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.entities {
		if existing.Name == e.Name && existing.Version == e.Version {
			s.entities[i] = e
			return nil
		}
	}
	s.entities = append(s.entities, e)
	return nil
}

// List returns every stored entity.
func (s *MemorySource) List(context.Context) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entity(nil), s.entities...), nil
}

// Recorder wraps a source and keeps every entity it returned.
type Recorder struct {
	Source Source

	mu   sync.Mutex
	seen []Entity
}

// Search implements Source.
func (r *Recorder) Search(ctx context.Context, q Query) ([]Entity, error) {
	entities, err := r.Source.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.seen = append(r.seen, entities...)
	r.mu.Unlock()
	return entities, nil
}

// Entities returns what the wrapped source has returned so far.
func (r *Recorder) Entities() []Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entity(nil), r.seen...)
}
