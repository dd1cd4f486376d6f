package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const fileKeyPrefix = "tool:"

// FileSource is a registry kept in a local JSON object keyed "tool:{name}".
// The file and its parent directory are created as {} on first use.
type FileSource struct {
	path string
	mu   sync.Mutex
}

// NewFileSource returns a source backed by path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Path returns the backing file path.
func (s *FileSource) Path() string { return s.path }

// Search returns the entities matching q.
func (s *FileSource) Search(ctx context.Context, q Query) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entities, err := s.load()
	if err != nil {
		return nil, err
	}
	return filterEntities(entities, q), nil
}

// List returns every stored entity ordered by name.
func (s *FileSource) List(ctx context.Context) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Put stores e under "tool:{name}", replacing any previous entry.
func (s *FileSource) Put(ctx context.Context, e Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("registry: entity name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("registry: encode entity %q: %w", e.Name, err)
	}
	doc[fileKeyPrefix+e.Name] = raw
	return s.write(doc)
}

func (s *FileSource) load() ([]Entity, error) {
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(doc))
	for key := range doc {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]Entity, 0, len(doc))
	for _, key := range keys {
		var e Entity
		if err := json.Unmarshal(doc[key], &e); err != nil {
			return nil, fmt.Errorf("registry: decode %q in %s: %w", key, s.path, err)
		}
		if e.Name == "" {
			e.Name = strings.TrimPrefix(key, fileKeyPrefix)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *FileSource) read() (map[string]json.RawMessage, error) {
	if strings.TrimSpace(s.path) == "" {
		return nil, errors.New("registry: file path is empty")
	}
	// #nosec G304 -- path is configured by the caller.
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		doc := map[string]json.RawMessage{}
		if err := s.write(doc); err != nil {
			return nil, err
		}
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", s.path, err)
	}
	doc := map[string]json.RawMessage{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("registry: decode %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *FileSource) write(doc map[string]json.RawMessage) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("registry: create directory for %s: %w", s.path, err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encode %s: %w", s.path, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("registry: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("registry: replace %s: %w", s.path, err)
	}
	return nil
}
