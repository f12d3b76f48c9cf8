package domain

import "time"

type Requirement string

const (
	Required    Requirement = "required"
	Recommended Requirement = "recommended"
	Optional    Requirement = "optional"
)

type FieldStatus string

const (
	StatusOK      FieldStatus = "ok"
	StatusWarn    FieldStatus = "warn"
	StatusError   FieldStatus = "error"
	StatusMissing FieldStatus = "missing"
)

// FieldMapping is the result of checking one property field against one portal field.
type FieldMapping struct {
	Field       string      `json:"field"`
	PortalField string      `json:"portal_field"`
	Requirement Requirement `json:"requirement"`
	Status      FieldStatus `json:"status"`
	Message     string      `json:"message,omitempty"`
}

// PortalValidation aggregates the mappings for one (property, portal) pair.
type PortalValidation struct {
	Portal     string         `json:"portal"`
	PropertyID string         `json:"property_id"`
	Mappings   []FieldMapping `json:"mappings"`
	IsValid    bool           `json:"is_valid"`
}

// Blocking returns the required mappings that prevent publishing.
func (v PortalValidation) Blocking() []FieldMapping {
	var out []FieldMapping
	for _, m := range v.Mappings {
		if m.Requirement != Required {
			continue
		}
		if m.Status == StatusError || m.Status == StatusMissing {
			out = append(out, m)
		}
	}
	return out
}

// Mapping looks up the mapping for a property field.
func (v PortalValidation) Mapping(field string) (FieldMapping, bool) {
	for _, m := range v.Mappings {
		if m.Field == field {
			return m, true
		}
	}
	return FieldMapping{}, false
}

type PropertyMetrics struct {
	JobID       string    `json:"job_id"`
	Portal      string    `json:"portal"`
	ExternalID  string    `json:"external_id"`
	Views       int64     `json:"views"`
	Inquiries   int64     `json:"inquiries"`
	Favorites   int64     `json:"favorites"`
	LastUpdated time.Time `json:"last_updated"`
}
