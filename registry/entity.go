// Package registry resolves tool and server names to server definitions and
// merges them with local configuration into one effective config.
package registry

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/petal-labs/sandbox/tool"
)

const (
	// EntityTypeTool is the only entity type the resolver asks for.
	EntityTypeTool = "tool"
	// StatusActive marks entities that may be resolved.
	StatusActive = "active"
)

// Entity is one registry record: a named server definition.
type Entity struct {
	Name       string                `json:"name"`
	Version    string                `json:"version,omitempty"`
	EntityType string                `json:"entity_type,omitempty"`
	Status     string                `json:"status,omitempty"`
	Tools      []string              `json:"tools,omitempty"`
	Data       tool.ServerDefinition `json:"data"`
}

// Definition returns the entity's server definition named after the entity.
func (e Entity) Definition() tool.ServerDefinition {
	def := e.Data.Clone()
	def.Name = e.Name
	return def
}

// Query selects entities by exposed tool name or by server name.
type Query struct {
	Tools []string `json:"tools,omitempty"`
	Names []string `json:"name,omitempty"`
}

func (q Query) empty() bool { return len(q.Tools) == 0 && len(q.Names) == 0 }

// Source looks entities up.
type Source interface {
	Search(ctx context.Context, q Query) ([]Entity, error)
}

// Writer is implemented by sources that can store entities.
type Writer interface {
	Put(ctx context.Context, e Entity) error
}

// matches reports whether e answers q. An entity exposes the tools it lists
// and a tool named after itself.
func (e Entity) matches(q Query) bool {
	if e.Status != "" && e.Status != StatusActive {
		return false
	}
	if e.EntityType != "" && e.EntityType != EntityTypeTool {
		return false
	}
	for _, name := range q.Names {
		if name == e.Name {
			return true
		}
	}
	for _, want := range q.Tools {
		if want == e.Name {
			return true
		}
		for _, have := range e.Tools {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Latest keeps the highest version of every entity name, ordered by name.
func Latest(entities []Entity) []Entity {
	best := map[string]Entity{}
	for _, e := range entities {
		if strings.TrimSpace(e.Name) == "" {
			continue
		}
		current, ok := best[e.Name]
		if !ok || compareVersions(e.Version, current.Version) > 0 {
			best[e.Name] = e
		}
	}
	out := make([]Entity, 0, len(best))
	for _, e := range best {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// compareVersions orders dotted versions numerically where both parts are
// numbers and lexically otherwise. A leading "v" is ignored.
func compareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(strings.TrimSpace(a), "v"), ".")
	bs := strings.Split(strings.TrimPrefix(strings.TrimSpace(b), "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var pa, pb string
		if i < len(as) {
			pa = as[i]
		}
		if i < len(bs) {
			pb = bs[i]
		}
		if pa == pb {
			continue
		}
		na, errA := strconv.Atoi(pa)
		nb, errB := strconv.Atoi(pb)
		switch {
		case errA == nil && errB == nil:
			if na < nb {
				return -1
			}
			return 1
		case pa < pb:
			return -1
		default:
			return 1
		}
	}
	return 0
}

func filterEntities(entities []Entity, q Query) []Entity {
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if e.matches(q) {
			out = append(out, e)
		}
	}
	return out
}
