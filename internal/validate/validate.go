package validate

import (
	"fmt"
	"math"
	"net/mail"
	"strconv"
	"strings"

	"portalsync/internal/domain"
)

// Validate maps every field declared by s against p. It has no side effects.
func Validate(p domain.Property, s Schema) domain.PortalValidation {
	v := domain.PortalValidation{
		Portal:     s.Portal,
		PropertyID: p.ID,
		Mappings:   make([]domain.FieldMapping, 0, len(s.Fields)),
	}
	for _, rule := range s.Fields {
		v.Mappings = append(v.Mappings, checkField(p, rule))
	}
	v.IsValid = len(v.Blocking()) == 0
	return v
}

func checkField(p domain.Property, rule FieldRule) domain.FieldMapping {
	m := domain.FieldMapping{
		Field:       rule.Field,
		PortalField: rule.portalName(),
		Requirement: rule.Requirement,
		Status:      domain.StatusOK,
	}
	val, ok := p.Field(rule.Field)
	if !ok {
		switch rule.Requirement {
		case domain.Required:
			m.Status = domain.StatusMissing
			m.Message = fmt.Sprintf("%s is required by %s", rule.Field, m.PortalField)
		case domain.Recommended:
			m.Status = domain.StatusWarn
			m.Message = fmt.Sprintf("%s is recommended", rule.Field)
		}
		return m
	}
	if msg := hardCheck(val, rule); msg != "" {
		m.Status = domain.StatusError
		m.Message = msg
		return m
	}
	if msg := softCheck(val, rule); msg != "" {
		m.Status = domain.StatusWarn
		m.Message = msg
	}
	return m
}

func hardCheck(val any, rule FieldRule) string {
	switch rule.Kind {
	case KindNumber, KindInteger:
		n, ok := toFloat(val)
		if !ok {
			return fmt.Sprintf("%s must be a number", rule.Field)
		}
		if rule.Kind == KindInteger && n != math.Trunc(n) {
			return fmt.Sprintf("%s must be a whole number", rule.Field)
		}
		if rule.Min != nil && n < *rule.Min {
			return fmt.Sprintf("%s must be at least %s", rule.Field, fmtNum(*rule.Min))
		}
		if rule.Max != nil && n > *rule.Max {
			return fmt.Sprintf("%s must be at most %s", rule.Field, fmtNum(*rule.Max))
		}
		return ""
	case KindBool:
		if _, ok := val.(bool); !ok {
			return fmt.Sprintf("%s must be true or false", rule.Field)
		}
		return ""
	case KindList:
		items, ok := val.([]string)
		if !ok {
			return fmt.Sprintf("%s must be a list", rule.Field)
		}
		if rule.MaxLength > 0 && len(items) > rule.MaxLength {
			return fmt.Sprintf("%s accepts at most %d entries", rule.Field, rule.MaxLength)
		}
		if rule.MinLength > 0 && len(items) < rule.MinLength {
			return fmt.Sprintf("%s needs at least %d entries", rule.Field, rule.MinLength)
		}
		return ""
	}

	s, ok := val.(string)
	if !ok {
		s = fmt.Sprint(val)
	}
	if rule.MinLength > 0 && len([]rune(s)) < rule.MinLength {
		return fmt.Sprintf("%s must be at least %d characters", rule.Field, rule.MinLength)
	}
	if rule.MaxLength > 0 && len([]rune(s)) > rule.MaxLength {
		return fmt.Sprintf("%s must be at most %d characters", rule.Field, rule.MaxLength)
	}
	if len(rule.Enum) > 0 && !oneOf(s, rule.Enum) {
		return fmt.Sprintf("%s must be one of %s", rule.Field, strings.Join(rule.Enum, ", "))
	}
	if rule.Kind == KindEmail {
		if addr, err := mail.ParseAddress(s); err != nil || addr.Address != s {
			return fmt.Sprintf("%s is not a valid email address", rule.Field)
		}
	}
	if rule.Pattern != "" {
		re, err := compiled(rule.Pattern)
		if err != nil {
			return err.Error()
		}
		if !re.MatchString(s) {
			return fmt.Sprintf("%s has an invalid format", rule.Field)
		}
	}
	return ""
}

func softCheck(val any, rule FieldRule) string {
	if rule.SuggestMinItems > 0 {
		if items, ok := val.([]string); ok && len(items) < rule.SuggestMinItems {
			return fmt.Sprintf("listings with at least %d %s perform better", rule.SuggestMinItems, rule.Field)
		}
	}
	if rule.SuggestMinLength > 0 {
		if s, ok := val.(string); ok && len([]rune(s)) < rule.SuggestMinLength {
			return fmt.Sprintf("%s is short; %d+ characters recommended", rule.Field, rule.SuggestMinLength)
		}
	}
	return ""
}

// Payload returns the portal-side field map for the fields of s that p sets.
func Payload(p domain.Property, s Schema) map[string]any {
	out := make(map[string]any, len(s.Fields))
	for _, rule := range s.Fields {
		if val, ok := p.Field(rule.Field); ok {
			out[rule.portalName()] = val
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func fmtNum(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func oneOf(s string, set []string) bool {
	for _, e := range set {
		if strings.EqualFold(s, e) {
			return true
		}
	}
	return false
}
