// Package schema compiles JSON schemas and validates documents against them.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is a compiled JSON schema. It is immutable and safe for concurrent use.
type Schema struct {
	raw      []byte
	compiled *gojsonschema.Schema
}

// Compile parses and compiles a JSON schema document.
// Object schemas that list properties but do not declare
// additionalProperties are closed.
func Compile(doc []byte) (*Schema, error) {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return FromMap(m)
}

// FromMap compiles a schema given as a decoded map.
func FromMap(m map[string]any) (*Schema, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	closeObjects(m)
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{raw: raw, compiled: compiled}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(doc string) *Schema {
	s, err := Compile([]byte(doc))
	if err != nil {
		panic(err)
	}
	return s
}

// JSON returns the normalized schema document.
func (s *Schema) JSON() []byte {
	out := make([]byte, len(s.raw))
	copy(out, s.raw)
	return out
}

// Validate checks doc against the schema and returns sorted violation
// messages. A nil result means the document is valid.
func (s *Schema) Validate(doc []byte) []string {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return []string{fmt.Sprintf("(root): invalid JSON: %v", err)}
	}
	return s.ValidateValue(v)
}

// ValidateValue checks an already decoded value.
func (s *Schema) ValidateValue(v any) []string {
	result, err := s.compiled.Validate(gojsonschema.NewGoLoader(v))
	if err != nil {
		return []string{fmt.Sprintf("(root): %v", err)}
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, 0, len(result.Errors()))
	for _, schemaErr := range result.Errors() {
		errs = append(errs, schemaErr.String())
	}
	sort.Strings(errs)
	return errs
}

// Check is Validate returning a *ValidationError.
func (s *Schema) Check(doc []byte) error {
	if errs := s.Validate(doc); len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// ValidationError lists schema violations for a document.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "schema validation failed: " + strings.Join(e.Errors, "; ")
}

func closeObjects(m map[string]any) {
	props, hasProps := m["properties"].(map[string]any)
	if t, _ := m["type"].(string); t == "object" && hasProps {
		if _, ok := m["additionalProperties"]; !ok {
			m["additionalProperties"] = false
		}
	}
	if hasProps {
		for _, p := range props {
			if pm, ok := p.(map[string]any); ok {
				closeObjects(pm)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		closeObjects(items)
	}
}
