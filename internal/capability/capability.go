// Package capability holds the versioned registry of assistant capabilities.
package capability

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/metalagman/anchor/internal/schema"
	"gopkg.in/yaml.v3"
)

// Class groups capabilities that share handling in the pipeline.
type Class string

// Capability classes.
const (
	ClassChat     Class = "chat"
	ClassDateTime Class = "datetime"
	ClassReminder Class = "reminder"
	ClassSearch   Class = "search"
	ClassMemory   Class = "memory"
)

var knownClasses = []Class{ClassChat, ClassDateTime, ClassReminder, ClassSearch, ClassMemory}

// Retrieval kinds for search capabilities.
const (
	RetrievalGeneral = "general"
	RetrievalNews    = "news"
)

// Descriptor describes one capability.
type Descriptor struct {
	ID           string
	Phase        int
	Provider     string
	Summary      string
	Class        Class
	RequiresTime bool
	// Retrieval is set for search capabilities: general or news.
	Retrieval  string
	FallbackTo []string
	Slots      []string

	input  *schema.Schema
	output *schema.Schema
}

// Input returns the compiled input schema, or nil when none was declared.
func (d Descriptor) Input() *schema.Schema { return d.input }

// Output returns the compiled output schema.
func (d Descriptor) Output() *schema.Schema { return d.output }

// UnknownCapabilityError is returned when an id is not registered or not in scope.
type UnknownCapabilityError struct {
	ID string
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("unknown capability %q", e.ID)
}

// IsUnknown reports whether err is an UnknownCapabilityError.
func IsUnknown(err error) bool {
	var target *UnknownCapabilityError
	return errors.As(err, &target)
}

type fileDoc struct {
	Version      int            `yaml:"version"`
	UpdatedAt    string         `yaml:"updated_at"`
	Capabilities []capabilityDoc `yaml:"capabilities"`
}

type capabilityDoc struct {
	ID           string         `yaml:"id"`
	Phase        int            `yaml:"phase"`
	Provider     string         `yaml:"provider"`
	Summary      string         `yaml:"summary"`
	Class        string         `yaml:"class"`
	RequiresTime bool           `yaml:"requires_time"`
	Retrieval    string         `yaml:"retrieval"`
	FallbackTo   []string       `yaml:"fallback_to"`
	Slots        []string       `yaml:"slots"`
	InputSchema  map[string]any `yaml:"input_schema"`
	OutputSchema map[string]any `yaml:"output_schema"`
}

// Registry is an immutable set of capability descriptors.
type Registry struct {
	version   int
	updatedAt string
	order     []string
	byID      map[string]Descriptor
}

//go:embed capabilities.yaml
var defaultDefinition []byte

// Default loads the built-in capability definition.
func Default() (*Registry, error) {
	return Load(bytes.NewReader(defaultDefinition))
}

// LoadFile loads a registry from a YAML file.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capabilities: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Load parses and validates a YAML capability definition.
func Load(r io.Reader) (*Registry, error) {
	var doc fileDoc
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	if doc.Version <= 0 {
		return nil, fmt.Errorf("capabilities: version must be > 0")
	}
	if len(doc.Capabilities) == 0 {
		return nil, fmt.Errorf("capabilities: at least one capability is required")
	}

	reg := &Registry{
		version:   doc.Version,
		updatedAt: doc.UpdatedAt,
		byID:      make(map[string]Descriptor, len(doc.Capabilities)),
	}
	for i, c := range doc.Capabilities {
		d, err := c.descriptor()
		if err != nil {
			return nil, fmt.Errorf("capabilities[%d]: %w", i, err)
		}
		if _, dup := reg.byID[d.ID]; dup {
			return nil, fmt.Errorf("capabilities[%d]: duplicate id %q", i, d.ID)
		}
		reg.byID[d.ID] = d
		reg.order = append(reg.order, d.ID)
	}
	for _, id := range reg.order {
		for _, next := range reg.byID[id].FallbackTo {
			if _, ok := reg.byID[next]; !ok {
				return nil, fmt.Errorf("capability %q: fallback %q is not registered", id, next)
			}
		}
	}
	return reg, nil
}

func (c capabilityDoc) descriptor() (Descriptor, error) {
	id := strings.TrimSpace(c.ID)
	if id == "" {
		return Descriptor{}, fmt.Errorf("id is required")
	}
	class := Class(c.Class)
	if !slices.Contains(knownClasses, class) {
		return Descriptor{}, fmt.Errorf("%s: unknown class %q", id, c.Class)
	}
	if class == ClassSearch && c.Retrieval != RetrievalGeneral && c.Retrieval != RetrievalNews {
		return Descriptor{}, fmt.Errorf("%s: search capability needs retrieval general or news", id)
	}
	if len(c.OutputSchema) == 0 {
		return Descriptor{}, fmt.Errorf("%s: output_schema is required", id)
	}
	out, err := schema.FromMap(c.OutputSchema)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%s: output_schema: %w", id, err)
	}
	d := Descriptor{
		ID:           id,
		Phase:        c.Phase,
		Provider:     c.Provider,
		Summary:      strings.TrimSpace(c.Summary),
		Class:        class,
		RequiresTime: c.RequiresTime,
		Retrieval:    c.Retrieval,
		FallbackTo:   c.FallbackTo,
		Slots:        c.Slots,
		output:       out,
	}
	if len(c.InputSchema) > 0 {
		in, err := schema.FromMap(c.InputSchema)
		if err != nil {
			return Descriptor{}, fmt.Errorf("%s: input_schema: %w", id, err)
		}
		d.input = in
	}
	return d, nil
}

// Version returns the definition version.
func (r *Registry) Version() int { return r.version }

// UpdatedAt returns the definition's updated_at stamp.
func (r *Registry) UpdatedAt() string { return r.updatedAt }

// Resolve returns the descriptor for id.
func (r *Registry) Resolve(id string) (Descriptor, error) {
	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, &UnknownCapabilityError{ID: id}
	}
	return d, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// List returns descriptors in definition order.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// ResolveChain returns id followed by its fallback chain, depth first,
// skipping ids already visited.
func (r *Registry) ResolveChain(id string) ([]string, error) {
	if !r.Has(id) {
		return nil, &UnknownCapabilityError{ID: id}
	}
	var chain []string
	seen := map[string]bool{}
	var walk func(string)
	walk = func(cur string) {
		if seen[cur] {
			return
		}
		seen[cur] = true
		chain = append(chain, cur)
		for _, next := range r.byID[cur].FallbackTo {
			walk(next)
		}
	}
	walk(id)
	return chain, nil
}

// WithScope returns a registry restricted to ids. An empty scope returns r.
// Fallback references that fall outside the scope are dropped.
func (r *Registry) WithScope(ids []string) (*Registry, error) {
	if len(ids) == 0 {
		return r, nil
	}
	scoped := &Registry{
		version:   r.version,
		updatedAt: r.updatedAt,
		byID:      make(map[string]Descriptor, len(ids)),
	}
	for _, id := range ids {
		d, err := r.Resolve(id)
		if err != nil {
			return nil, err
		}
		if _, dup := scoped.byID[id]; dup {
			continue
		}
		scoped.byID[id] = d
	}
	for _, id := range r.order {
		d, ok := scoped.byID[id]
		if !ok {
			continue
		}
		var fallbacks []string
		for _, next := range d.FallbackTo {
			if _, ok := scoped.byID[next]; ok {
				fallbacks = append(fallbacks, next)
			}
		}
		d.FallbackTo = fallbacks
		scoped.byID[id] = d
		scoped.order = append(scoped.order, id)
	}
	return scoped, nil
}
