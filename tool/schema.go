package tool

import (
	"strings"

	"github.com/petal-labs/sandbox/tool/mcp"
)

// NameSeparator joins server and tool names in catalog keys.
const NameSeparator = "__"

// FlattenName returns the catalog key "{server}__{tool}".
func FlattenName(server, tool string) string {
	return server + NameSeparator + tool
}

// SplitName splits a catalog key at the first separator.
func SplitName(key string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(key, NameSeparator)
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// Schema is a normalized JSON-schema property.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Enum        []any              `json:"enum,omitempty"`
	Default     any                `json:"default,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

func (s *Schema) clone() *Schema {
	if s == nil {
		return nil
	}
	out := *s
	out.Enum = append([]any(nil), s.Enum...)
	out.Items = s.Items.clone()
	out.Required = append([]string(nil), s.Required...)
	if s.Properties != nil {
		out.Properties = make(map[string]*Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = prop.clone()
		}
	}
	return &out
}

// Parameters is the top-level object schema of a tool.
type Parameters struct {
	Type       string             `json:"type"`
	Properties map[string]*Schema `json:"properties"`
	Required   []string           `json:"required"`
}

func (p Parameters) clone() Parameters {
	out := Parameters{
		Type:       p.Type,
		Properties: make(map[string]*Schema, len(p.Properties)),
		Required:   append([]string{}, p.Required...),
	}
	for name, prop := range p.Properties {
		out.Properties[name] = prop.clone()
	}
	return out
}

// Has reports whether name is a declared property.
func (p Parameters) Has(name string) bool {
	_, ok := p.Properties[name]
	return ok
}

// Remove drops a property and its required entry.
func (p *Parameters) Remove(name string) {
	delete(p.Properties, name)
	kept := p.Required[:0]
	for _, req := range p.Required {
		if req != name {
			kept = append(kept, req)
		}
	}
	p.Required = kept
}

// ToolDescriptor is one entry of the flat catalog.
type ToolDescriptor struct {
	Key         string        `json:"key"`
	Server      string        `json:"server"`
	Tool        string        `json:"tool"`
	Description string        `json:"description,omitempty"`
	Parameters  Parameters    `json:"parameters"`
	Transport   TransportType `json:"transport"`

	// EnvContentParam is the hidden parameter injected at call time.
	EnvContentParam string `json:"-"`
}

func (d ToolDescriptor) clone() ToolDescriptor {
	out := d
	out.Parameters = d.Parameters.clone()
	return out
}

// FunctionSpec is the function-calling rendition of a descriptor.
type FunctionSpec struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef is the body of a FunctionSpec.
type FunctionDef struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  Parameters `json:"parameters"`
}

// FunctionSpec renders the descriptor for a function-calling model API.
func (d ToolDescriptor) FunctionSpec() FunctionSpec {
	return FunctionSpec{
		Type: "function",
		Function: FunctionDef{
			Name:        d.Key,
			Description: d.Description,
			Parameters:  d.Parameters.clone(),
		},
	}
}

// DescribeTool converts one native tool into a catalog descriptor.
func DescribeTool(server string, transport TransportType, native mcp.Tool) ToolDescriptor {
	return ToolDescriptor{
		Key:         FlattenName(server, native.Name),
		Server:      server,
		Tool:        native.Name,
		Description: strings.TrimSpace(native.Description),
		Parameters:  NormalizeParameters(native.InputSchema),
		Transport:   transport,
	}
}

// NormalizeParameters converts a native input schema into an object schema
// with normalized nested properties.
func NormalizeParameters(raw map[string]any) Parameters {
	out := Parameters{
		Type:       "object",
		Properties: map[string]*Schema{},
		Required:   []string{},
	}
	if raw == nil {
		return out
	}
	out.Properties = normalizeProperties(raw["properties"])
	out.Required = normalizeRequired(raw["required"], out.Properties)
	return out
}

func normalizeProperties(raw any) map[string]*Schema {
	props, _ := raw.(map[string]any)
	out := make(map[string]*Schema, len(props))
	for name, prop := range props {
		out[name] = normalizeSchema(prop)
	}
	return out
}

func normalizeRequired(raw any, props map[string]*Schema) []string {
	out := []string{}
	seen := map[string]struct{}{}
	add := func(name string) {
		if _, ok := props[name]; !ok {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	switch typed := raw.(type) {
	case []any:
		for _, item := range typed {
			if name, ok := item.(string); ok {
				add(name)
			}
		}
	case []string:
		for _, name := range typed {
			add(name)
		}
	}
	return out
}

func normalizeSchema(raw any) *Schema {
	m, ok := raw.(map[string]any)
	if !ok {
		return &Schema{Type: "string"}
	}

	// anyOf/oneOf collapse to the first non-null alternative; the outer
	// description wins.
	if alt := firstAlternative(m); alt != nil && schemaType(m) == "" {
		out := normalizeSchema(alt)
		if desc, ok := m["description"].(string); ok && desc != "" {
			out.Description = desc
		}
		if def, ok := m["default"]; ok {
			out.Default = def
		}
		return out
	}

	out := &Schema{Type: schemaType(m)}
	if out.Type == "" {
		switch {
		case m["properties"] != nil:
			out.Type = "object"
		case m["items"] != nil:
			out.Type = "array"
		default:
			out.Type = "string"
		}
	}
	if desc, ok := m["description"].(string); ok {
		out.Description = desc
	}
	if enum, ok := m["enum"].([]any); ok {
		out.Enum = append([]any(nil), enum...)
	}
	if def, ok := m["default"]; ok {
		out.Default = def
	}

	switch out.Type {
	case "array":
		out.Items = normalizeItems(m["items"])
	case "object":
		out.Properties = normalizeProperties(m["properties"])
		out.Required = normalizeRequired(m["required"], out.Properties)
		if len(out.Required) == 0 {
			out.Required = nil
		}
	}
	return out
}

func normalizeItems(raw any) *Schema {
	switch typed := raw.(type) {
	case map[string]any:
		return normalizeSchema(typed)
	case []any:
		// tuple form: the first element describes every item
		if len(typed) > 0 {
			return normalizeSchema(typed[0])
		}
	}
	return &Schema{Type: "string"}
}

func schemaType(m map[string]any) string {
	switch typed := m["type"].(type) {
	case string:
		if typed == "null" {
			return "string"
		}
		return typed
	case []any:
		names := make([]string, 0, len(typed))
		for _, item := range typed {
			if name, ok := item.(string); ok && name != "null" {
				names = append(names, name)
			}
		}
		if len(names) == 0 {
			return "string"
		}
		return names[0]
	}
	return ""
}

func firstAlternative(m map[string]any) any {
	for _, key := range []string{"anyOf", "oneOf"} {
		alts, ok := m[key].([]any)
		if !ok {
			continue
		}
		for _, alt := range alts {
			altMap, ok := alt.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := altMap["type"].(string); t == "null" {
				continue
			}
			return altMap
		}
	}
	return nil
}
