// Package validate checks property records against declarative portal schemas.
package validate

import (
	"fmt"
	"regexp"
	"sync"

	"portalsync/internal/domain"
)

// Kind is the value type a portal expects for a field.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindEmail   Kind = "email"
	KindList    Kind = "list"
	KindBool    Kind = "bool"
)

// FieldRule declares how one property field maps onto a portal field.
// Zero-valued limits are not checked.
type FieldRule struct {
	Field       string             `yaml:"field" json:"field"`
	PortalField string             `yaml:"portal_field" json:"portal_field"`
	Requirement domain.Requirement `yaml:"requirement" json:"requirement"`
	Kind        Kind               `yaml:"kind" json:"kind"`

	Min       *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max       *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	MinLength int      `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	MaxLength int      `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Enum      []string `yaml:"enum,omitempty" json:"enum,omitempty"`
	Pattern   string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	// Soft thresholds; falling short yields warn instead of error.
	SuggestMinLength int `yaml:"suggest_min_length,omitempty" json:"suggest_min_length,omitempty"`
	SuggestMinItems  int `yaml:"suggest_min_items,omitempty" json:"suggest_min_items,omitempty"`
}

// Schema is the field contract of one portal.
type Schema struct {
	Portal string      `yaml:"portal" json:"portal"`
	Fields []FieldRule `yaml:"fields" json:"fields"`
}

// Check reports schema definition errors: duplicate fields, bad requirement levels, bad patterns.
func (s Schema) Check() error {
	seen := map[string]bool{}
	for _, f := range s.Fields {
		if f.Field == "" {
			return fmt.Errorf("schema %s: rule without field name", s.Portal)
		}
		if seen[f.Field] {
			return fmt.Errorf("schema %s: duplicate field %s", s.Portal, f.Field)
		}
		seen[f.Field] = true
		switch f.Requirement {
		case domain.Required, domain.Recommended, domain.Optional:
		default:
			return fmt.Errorf("schema %s: field %s has invalid requirement %q", s.Portal, f.Field, f.Requirement)
		}
		switch f.Kind {
		case KindString, KindNumber, KindInteger, KindEmail, KindList, KindBool, "":
		default:
			return fmt.Errorf("schema %s: field %s has unknown kind %q", s.Portal, f.Field, f.Kind)
		}
		if f.Pattern != "" {
			if _, err := compiled(f.Pattern); err != nil {
				return fmt.Errorf("schema %s: field %s: %w", s.Portal, f.Field, err)
			}
		}
	}
	return nil
}

// WithRequirements returns a copy of s with requirement levels replaced per field.
func (s Schema) WithRequirements(overrides map[string]domain.Requirement) Schema {
	if len(overrides) == 0 {
		return s
	}
	out := Schema{Portal: s.Portal, Fields: make([]FieldRule, len(s.Fields))}
	copy(out.Fields, s.Fields)
	for i := range out.Fields {
		if req, ok := overrides[out.Fields[i].Field]; ok {
			out.Fields[i].Requirement = req
		}
	}
	return out
}

func (r FieldRule) portalName() string {
	if r.PortalField != "" {
		return r.PortalField
	}
	return r.Field
}

var patterns sync.Map

func compiled(p string) (*regexp.Regexp, error) {
	if re, ok := patterns.Load(p); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
	}
	patterns.Store(p, re)
	return re, nil
}
