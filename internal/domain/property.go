package domain

import (
	"strings"
	"time"
)

// Property is the read-only view of a property record the orchestrator publishes.
// It is owned by the dashboard's property subsystem.
type Property struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	PropertyType  string         `json:"property_type,omitempty"`
	MarketingType string         `json:"marketing_type,omitempty"`
	Price         *float64       `json:"price,omitempty"`
	Currency      string         `json:"currency,omitempty"`
	LivingArea    *float64       `json:"living_area,omitempty"`
	PlotArea      *float64       `json:"plot_area,omitempty"`
	Rooms         *float64       `json:"rooms,omitempty"`
	Bedrooms      *int           `json:"bedrooms,omitempty"`
	Bathrooms     *int           `json:"bathrooms,omitempty"`
	YearBuilt     *int           `json:"year_built,omitempty"`
	EnergyClass   string         `json:"energy_class,omitempty"`
	Street        string         `json:"street,omitempty"`
	HouseNumber   string         `json:"house_number,omitempty"`
	PostalCode    string         `json:"postal_code,omitempty"`
	City          string         `json:"city,omitempty"`
	Country       string         `json:"country,omitempty"`
	ContactEmail  string         `json:"contact_email,omitempty"`
	ImageURLs     []string       `json:"image_urls,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Field returns the value of a named field and whether it is set.
// Unknown names fall through to Attributes.
func (p Property) Field(name string) (any, bool) {
	switch name {
	case "title":
		return nonEmpty(p.Title)
	case "description":
		return nonEmpty(p.Description)
	case "property_type":
		return nonEmpty(p.PropertyType)
	case "marketing_type":
		return nonEmpty(p.MarketingType)
	case "price":
		return deref(p.Price)
	case "currency":
		return nonEmpty(p.Currency)
	case "living_area":
		return deref(p.LivingArea)
	case "plot_area":
		return deref(p.PlotArea)
	case "rooms":
		return deref(p.Rooms)
	case "bedrooms":
		return deref(p.Bedrooms)
	case "bathrooms":
		return deref(p.Bathrooms)
	case "year_built":
		return deref(p.YearBuilt)
	case "energy_class":
		return nonEmpty(p.EnergyClass)
	case "street":
		return nonEmpty(p.Street)
	case "house_number":
		return nonEmpty(p.HouseNumber)
	case "postal_code":
		return nonEmpty(p.PostalCode)
	case "city":
		return nonEmpty(p.City)
	case "country":
		return nonEmpty(p.Country)
	case "contact_email":
		return nonEmpty(p.ContactEmail)
	case "images":
		if len(p.ImageURLs) == 0 {
			return nil, false
		}
		return p.ImageURLs, true
	}
	v, ok := p.Attributes[name]
	if !ok || v == nil {
		return nil, false
	}
	switch t := v.(type) {
	case string:
		return nonEmpty(t)
	case []string:
		return t, len(t) > 0
	case []any:
		// JSON decoded lists; a list of strings is reported as []string
		if len(t) == 0 {
			return nil, false
		}
		items := make([]string, 0, len(t))
		for _, e := range t {
			s, isStr := e.(string)
			if !isStr {
				return t, true
			}
			items = append(items, s)
		}
		return items, true
	}
	return v, true
}

func nonEmpty(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	return s, true
}

func deref[T any](v *T) (any, bool) {
	if v == nil {
		return nil, false
	}
	return *v, true
}
