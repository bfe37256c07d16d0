// Package schema defines the per-stage extraction schemas: which payload
// fields a stage's items carry, which of them identify an item for consensus
// grouping, and the validation rules executor output must pass before it is
// allowed into a merge.
package schema

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/shelfsight/shelfscan/internal/model"
)

// FieldType enumerates the payload value types a schema field can require.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
)

// Field is one payload field rule.
type Field struct {
	Key      string    `yaml:"key"`
	Type     FieldType `yaml:"type"`
	Required bool      `yaml:"required"`
	Identity bool      `yaml:"identity"` // participates in the consensus identity key
	Pattern  string    `yaml:"pattern,omitempty"`
	Min      *float64  `yaml:"min,omitempty"`
	Max      *float64  `yaml:"max,omitempty"`

	pattern *regexp.Regexp
}

// StageSchema is the full rule set for one extraction stage.
type StageSchema struct {
	Stage  model.Stage `yaml:"stage"`
	Fields []Field     `yaml:"fields"`

	byKey map[string]*Field
}

// Violation is one schema rule a payload broke. Violations sort by field key
// then rule so validation output is stable for identical payloads.
type Violation struct {
	Field  string `json:"field"`
	Rule   string `json:"rule"` // required | type | pattern | range
	Detail string `json:"detail,omitempty"`
}

func (v Violation) String() string {
	if v.Detail == "" {
		return fmt.Sprintf("%s: %s", v.Field, v.Rule)
	}
	return fmt.Sprintf("%s: %s (%s)", v.Field, v.Rule, v.Detail)
}

// Registry holds the resolved schemas for every extraction stage. It is
// built once at run INIT and read-only afterwards.
type Registry struct {
	byStage map[model.Stage]*StageSchema
}

// Load reads stage schemas from a YAML file. An empty path returns the
// built-in schemas.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "schema: read %s", path)
	}

	// The YAML has a top-level "stages" key
	var wrapper struct {
		Stages []StageSchema `yaml:"stages"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "schema: parse")
	}

	return build(wrapper.Stages)
}

func build(schemas []StageSchema) (*Registry, error) {
	r := &Registry{byStage: make(map[model.Stage]*StageSchema, len(schemas))}
	for i := range schemas {
		s := &schemas[i]
		if !s.Stage.Valid() || s.Stage == model.StageValidation {
			return nil, eris.Errorf("schema: %q is not an extraction stage", s.Stage)
		}
		if _, dup := r.byStage[s.Stage]; dup {
			return nil, eris.Errorf("schema: duplicate stage %s", s.Stage)
		}
		if len(s.Fields) == 0 {
			return nil, eris.Errorf("schema: stage %s has no fields", s.Stage)
		}
		s.byKey = make(map[string]*Field, len(s.Fields))
		for j := range s.Fields {
			f := &s.Fields[j]
			if f.Key == "" {
				return nil, eris.Errorf("schema: stage %s has a field without a key", s.Stage)
			}
			if _, dup := s.byKey[f.Key]; dup {
				return nil, eris.Errorf("schema: stage %s duplicates field %s", s.Stage, f.Key)
			}
			switch f.Type {
			case FieldString, FieldInt, FieldFloat, FieldBool:
			default:
				return nil, eris.Errorf("schema: field %s.%s has unknown type %q", s.Stage, f.Key, f.Type)
			}
			if f.Pattern != "" {
				re, err := regexp.Compile(f.Pattern)
				if err != nil {
					return nil, eris.Wrapf(err, "schema: field %s.%s pattern", s.Stage, f.Key)
				}
				f.pattern = re
			}
			s.byKey[f.Key] = f
		}
		r.byStage[s.Stage] = s
	}
	for _, st := range model.ExtractionStages() {
		if _, ok := r.byStage[st]; !ok {
			return nil, eris.Errorf("schema: stage %s missing", st)
		}
	}
	return r, nil
}

// Stage returns the schema for an extraction stage.
func (r *Registry) Stage(st model.Stage) (*StageSchema, error) {
	s, ok := r.byStage[st]
	if !ok {
		return nil, eris.Errorf("schema: no schema for stage %s", st)
	}
	return s, nil
}

// Validate checks a payload against the stage's rules and returns the sorted
// violations. Keys the schema does not know are ignored; executors are free
// to return extra context fields.
func (r *Registry) Validate(st model.Stage, payload map[string]any) []Violation {
	s, ok := r.byStage[st]
	if !ok {
		return []Violation{{Field: string(st), Rule: "stage", Detail: "no schema"}}
	}
	return s.Validate(payload)
}

// Field returns the rule for key, or nil.
func (s *StageSchema) Field(key string) *Field {
	return s.byKey[key]
}

// IdentityKeys returns the keys of the identity fields in schema order.
func (s *StageSchema) IdentityKeys() []string {
	var keys []string
	for i := range s.Fields {
		if s.Fields[i].Identity {
			keys = append(keys, s.Fields[i].Key)
		}
	}
	return keys
}

// Validate checks payload against every field rule. The result is sorted and
// therefore identical for identical payloads regardless of map iteration
// order.
func (s *StageSchema) Validate(payload map[string]any) []Violation {
	var out []Violation
	for i := range s.Fields {
		f := &s.Fields[i]
		raw, present := payload[f.Key]
		if !present || raw == nil {
			if f.Required {
				out = append(out, Violation{Field: f.Key, Rule: "required"})
			}
			continue
		}
		v, ok := coerce(f.Type, raw)
		if !ok {
			out = append(out, Violation{Field: f.Key, Rule: "type",
				Detail: fmt.Sprintf("want %s, got %T", f.Type, raw)})
			continue
		}
		if f.pattern != nil {
			if str, isStr := v.(string); isStr && !f.pattern.MatchString(str) {
				out = append(out, Violation{Field: f.Key, Rule: "pattern", Detail: f.Pattern})
			}
		}
		if f.Min != nil || f.Max != nil {
			if n, isNum := asFloat(v); isNum {
				if f.Min != nil && n < *f.Min {
					out = append(out, Violation{Field: f.Key, Rule: "range",
						Detail: fmt.Sprintf("%v < min %v", n, *f.Min)})
				}
				if f.Max != nil && n > *f.Max {
					out = append(out, Violation{Field: f.Key, Rule: "range",
						Detail: fmt.Sprintf("%v > max %v", n, *f.Max)})
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].Rule < out[j].Rule
	})
	return out
}

// Canonical projects a payload onto the schema fields with coerced types.
// Unknown keys are dropped and typed values normalized, so two executors'
// payloads compare equal whenever they agree on the schema fields.
func (s *StageSchema) Canonical(payload map[string]any) map[string]any {
	out := make(map[string]any, len(s.Fields))
	for i := range s.Fields {
		f := &s.Fields[i]
		raw, present := payload[f.Key]
		if !present || raw == nil {
			continue
		}
		if v, ok := coerce(f.Type, raw); ok {
			out[f.Key] = v
		}
	}
	return out
}

// coerce normalizes raw into the field type. JSON decoding hands numbers
// over as float64 and models sometimes quote them; both are accepted.
func coerce(t FieldType, raw any) (any, bool) {
	switch t {
	case FieldString:
		if s, ok := raw.(string); ok {
			return s, true
		}
	case FieldInt:
		switch n := raw.(type) {
		case int:
			return n, true
		case int64:
			return int(n), true
		case float64:
			if n == math.Trunc(n) {
				return int(n), true
			}
		case string:
			if i, err := strconv.Atoi(n); err == nil {
				return i, true
			}
		}
	case FieldFloat:
		switch n := raw.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				return f, true
			}
		}
	case FieldBool:
		if b, ok := raw.(bool); ok {
			return b, true
		}
	}
	return nil, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
