package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/xeipuuv/gojsonschema"
)

var ErrSchemaValidation = errors.New("schema validation failed")

type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrSchemaValidation.Error(), strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrSchemaValidation }

type ParamSpec struct {
	Type    string   `json:"type" yaml:"type"`
	Default any      `json:"default,omitempty" yaml:"default,omitempty"`
	Min     *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Allowed []any    `json:"allowed,omitempty" yaml:"allowed,omitempty"`
}

// ParamSchema keeps parameter specs in declaration order. The order drives
// dataset column layout and sweep iteration.
type ParamSchema struct {
	specs *orderedmap.OrderedMap[string, ParamSpec]

	mu       sync.Mutex
	compiled *gojsonschema.Schema
}

func NewParamSchema() *ParamSchema {
	return &ParamSchema{specs: orderedmap.New[string, ParamSpec]()}
}

func (s *ParamSchema) ensure() {
	if s.specs == nil {
		s.specs = orderedmap.New[string, ParamSpec]()
	}
}

func (s *ParamSchema) Set(name string, spec ParamSpec) *ParamSchema {
	s.ensure()
	s.specs.Set(name, spec)
	s.mu.Lock()
	s.compiled = nil
	s.mu.Unlock()
	return s
}

func (s *ParamSchema) Get(name string) (ParamSpec, bool) {
	if s == nil || s.specs == nil {
		return ParamSpec{}, false
	}
	return s.specs.Get(name)
}

func (s *ParamSchema) Names() []string {
	if s == nil || s.specs == nil {
		return nil
	}
	out := make([]string, 0, s.specs.Len())
	for pair := s.specs.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

func (s *ParamSchema) Len() int {
	if s == nil || s.specs == nil {
		return 0
	}
	return s.specs.Len()
}

func (s *ParamSchema) MarshalJSON() ([]byte, error) {
	s.ensure()
	return s.specs.MarshalJSON()
}

func (s *ParamSchema) UnmarshalJSON(data []byte) error {
	s.specs = orderedmap.New[string, ParamSpec]()
	s.compiled = nil
	return s.specs.UnmarshalJSON(data)
}

// Validate fills defaults for missing parameters and checks the result
// against the schema. The returned Params is a fresh copy.
func (s *ParamSchema) Validate(params Params) (Params, error) {
	if s == nil || s.Len() == 0 {
		return nil, &ValidationError{Problems: []string{"app has no parameter schema"}}
	}
	out := params.Clone()
	if out == nil {
		out = Params{}
	}
	for pair := s.specs.Oldest(); pair != nil; pair = pair.Next() {
		if _, ok := out[pair.Key]; !ok && pair.Value.Default != nil {
			out[pair.Key] = pair.Value.Default
		}
	}

	schema, err := s.compile()
	if err != nil {
		return nil, err
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(map[string]any(out)))
	if err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		sort.Strings(problems)
		return nil, &ValidationError{Problems: problems}
	}
	return out, nil
}

func (s *ParamSchema) compile() (*gojsonschema.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.compiled != nil {
		return s.compiled, nil
	}
	doc, err := s.jsonSchema()
	if err != nil {
		return nil, err
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to compile parameter schema: %w", err)
	}
	s.compiled = compiled
	return compiled, nil
}

func (s *ParamSchema) jsonSchema() (map[string]any, error) {
	properties := map[string]any{}
	required := make([]string, 0, s.Len())
	for pair := s.specs.Oldest(); pair != nil; pair = pair.Next() {
		prop := map[string]any{}
		switch strings.ToLower(strings.TrimSpace(pair.Value.Type)) {
		case "float", "number":
			prop["type"] = "number"
		case "integer", "int":
			prop["type"] = "integer"
		case "string":
			prop["type"] = "string"
		case "boolean", "bool":
			prop["type"] = "boolean"
		default:
			return nil, &ValidationError{Problems: []string{fmt.Sprintf("parameter %q has unsupported type %q", pair.Key, pair.Value.Type)}}
		}
		if pair.Value.Min != nil {
			prop["minimum"] = *pair.Value.Min
		}
		if pair.Value.Max != nil {
			prop["maximum"] = *pair.Value.Max
		}
		if len(pair.Value.Allowed) > 0 {
			prop["enum"] = pair.Value.Allowed
		}
		properties[pair.Key] = prop
		required = append(required, pair.Key)
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}, nil
}

// Float is a convenience for building bounds.
func Float(v float64) *float64 { return &v }

// ParseParamSchema decodes a JSON object while keeping key order.
func ParseParamSchema(raw []byte) (*ParamSchema, error) {
	s := NewParamSchema()
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("failed to decode parameter schema: %w", err)
	}
	return s, nil
}
