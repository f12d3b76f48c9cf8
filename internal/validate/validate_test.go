package validate

import (
	"encoding/json"
	"strings"
	"testing"

	"portalsync/internal/domain"
)

func f64(v float64) *float64 { return &v }
func intp(v int) *int        { return &v }

func testSchema() Schema {
	return Schema{
		Portal: "alpha",
		Fields: []FieldRule{
			{Field: "title", PortalField: "headline", Requirement: domain.Required, Kind: KindString, MaxLength: 20},
			{Field: "price", PortalField: "price_amount", Requirement: domain.Required, Kind: KindNumber, Min: f64(1)},
			{Field: "marketing_type", Requirement: domain.Required, Kind: KindString, Enum: []string{"sale", "rent"}},
			{Field: "description", Requirement: domain.Recommended, Kind: KindString, SuggestMinLength: 30},
			{Field: "images", Requirement: domain.Recommended, Kind: KindList, MaxLength: 5, SuggestMinItems: 3},
			{Field: "postal_code", Requirement: domain.Optional, Kind: KindString, Pattern: `^[0-9]{5}$`},
			{Field: "bedrooms", Requirement: domain.Optional, Kind: KindInteger, Max: f64(50)},
			{Field: "contact_email", Requirement: domain.Optional, Kind: KindEmail},
		},
	}
}

func validProperty() domain.Property {
	return domain.Property{
		ID:            "p1",
		Title:         "Sunny flat",
		Price:         f64(250000),
		MarketingType: "sale",
		Description:   "A bright two bedroom flat close to the park and the river.",
		ImageURLs:     []string{"a.jpg", "b.jpg", "c.jpg"},
		PostalCode:    "10115",
		Bedrooms:      intp(2),
		ContactEmail:  "agent@example.com",
	}
}

func statusOf(t *testing.T, v domain.PortalValidation, field string) domain.FieldMapping {
	t.Helper()
	m, ok := v.Mapping(field)
	if !ok {
		t.Fatalf("no mapping for %s", field)
	}
	return m
}

func TestValidateAllOK(t *testing.T) {
	v := Validate(validProperty(), testSchema())
	if !v.IsValid {
		t.Fatalf("expected valid, got %+v", v.Mappings)
	}
	if v.Portal != "alpha" || v.PropertyID != "p1" {
		t.Fatalf("unexpected header %+v", v)
	}
	for _, m := range v.Mappings {
		if m.Status != domain.StatusOK {
			t.Fatalf("field %s: expected ok, got %s (%s)", m.Field, m.Status, m.Message)
		}
	}
	if m := statusOf(t, v, "title"); m.PortalField != "headline" {
		t.Fatalf("portal field = %s", m.PortalField)
	}
	if m := statusOf(t, v, "marketing_type"); m.PortalField != "marketing_type" {
		t.Fatalf("portal field should default to field name, got %s", m.PortalField)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	p := validProperty()
	p.Price = nil
	v := Validate(p, testSchema())
	if v.IsValid {
		t.Fatalf("missing price must be invalid")
	}
	m := statusOf(t, v, "price")
	if m.Status != domain.StatusMissing {
		t.Fatalf("price status = %s", m.Status)
	}
	if blocking := v.Blocking(); len(blocking) != 1 || blocking[0].Field != "price" {
		t.Fatalf("blocking = %+v", blocking)
	}
}

func TestValidateStatuses(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.Property)
		field  string
		want   domain.FieldStatus
		valid  bool
	}{
		{"title too long", func(p *domain.Property) { p.Title = strings.Repeat("x", 21) }, "title", domain.StatusError, false},
		{"price below min", func(p *domain.Property) { p.Price = f64(0) }, "price", domain.StatusError, false},
		{"enum mismatch", func(p *domain.Property) { p.MarketingType = "lease" }, "marketing_type", domain.StatusError, false},
		{"enum case-insensitive", func(p *domain.Property) { p.MarketingType = "RENT" }, "marketing_type", domain.StatusOK, true},
		{"recommended absent", func(p *domain.Property) { p.Description = "" }, "description", domain.StatusWarn, true},
		{"recommended short", func(p *domain.Property) { p.Description = "Nice." }, "description", domain.StatusWarn, true},
		{"few images", func(p *domain.Property) { p.ImageURLs = []string{"a.jpg"} }, "images", domain.StatusWarn, true},
		{"too many images", func(p *domain.Property) { p.ImageURLs = make([]string, 6) }, "images", domain.StatusError, true},
		{"optional absent", func(p *domain.Property) { p.PostalCode = "" }, "postal_code", domain.StatusOK, true},
		{"optional bad pattern", func(p *domain.Property) { p.PostalCode = "1011" }, "postal_code", domain.StatusError, true},
		{"optional over max", func(p *domain.Property) { p.Bedrooms = intp(51) }, "bedrooms", domain.StatusError, true},
		{"bad email", func(p *domain.Property) { p.ContactEmail = "not-an-email" }, "contact_email", domain.StatusError, true},
	}
	for _, c := range cases {
		p := validProperty()
		c.mutate(&p)
		v := Validate(p, testSchema())
		m := statusOf(t, v, c.field)
		if m.Status != c.want {
			t.Errorf("%s: status = %s (%s), want %s", c.name, m.Status, m.Message, c.want)
		}
		if c.want != domain.StatusOK && m.Message == "" {
			t.Errorf("%s: expected a message", c.name)
		}
		if v.IsValid != c.valid {
			t.Errorf("%s: is_valid = %v, want %v", c.name, v.IsValid, c.valid)
		}
	}
}

func TestValidateAttributeFields(t *testing.T) {
	s := Schema{Portal: "alpha", Fields: []FieldRule{
		{Field: "floor", Requirement: domain.Required, Kind: KindInteger, Min: f64(0)},
		{Field: "furnished", Requirement: domain.Optional, Kind: KindBool},
	}}
	p := domain.Property{ID: "p", Attributes: map[string]any{"floor": "3", "furnished": "yes"}}
	v := Validate(p, s)
	if m := statusOf(t, v, "floor"); m.Status != domain.StatusOK {
		t.Fatalf("numeric string attribute should pass: %+v", m)
	}
	if m := statusOf(t, v, "furnished"); m.Status != domain.StatusError {
		t.Fatalf("non-bool should error: %+v", m)
	}
	p.Attributes["floor"] = 2.5
	if m := statusOf(t, Validate(p, s), "floor"); m.Status != domain.StatusError {
		t.Fatalf("fractional integer should error: %+v", m)
	}
}

func TestValidateListAttributeFromJSON(t *testing.T) {
	s := Schema{Portal: "alpha", Fields: []FieldRule{
		{Field: "features", Requirement: domain.Required, Kind: KindList, MaxLength: 3, SuggestMinItems: 3},
		{Field: "tags", Requirement: domain.Required, Kind: KindList},
	}}
	var p domain.Property
	raw := `{"id":"p","attributes":{"features":["balcony","garden"],"tags":[]}}`
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	v := Validate(p, s)
	if m := statusOf(t, v, "features"); m.Status != domain.StatusWarn {
		t.Fatalf("two features should pass with a suggestion: %+v", m)
	}
	if m := statusOf(t, v, "tags"); m.Status != domain.StatusMissing {
		t.Fatalf("empty list should count as missing: %+v", m)
	}

	p.Attributes["tags"] = []any{"new"}
	p.Attributes["features"] = []any{"a", "b", "c", "d"}
	v = Validate(p, s)
	if m := statusOf(t, v, "features"); m.Status != domain.StatusError {
		t.Fatalf("too many entries should error: %+v", m)
	}
	p.Attributes["features"] = []any{"a", "b", "c"}
	if v = Validate(p, s); !v.IsValid {
		t.Fatalf("expected valid, got %+v", v.Mappings)
	}
	if got := Payload(p, s)["features"]; len(got.([]string)) != 3 {
		t.Fatalf("payload features = %#v", got)
	}
}

func TestSchemaCheck(t *testing.T) {
	if err := testSchema().Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
	bad := []Schema{
		{Portal: "x", Fields: []FieldRule{{Field: "a", Requirement: "mandatory"}}},
		{Portal: "x", Fields: []FieldRule{{Field: "a", Requirement: domain.Optional}, {Field: "a", Requirement: domain.Optional}}},
		{Portal: "x", Fields: []FieldRule{{Field: "a", Requirement: domain.Optional, Pattern: "("}}},
		{Portal: "x", Fields: []FieldRule{{Field: "a", Requirement: domain.Optional, Kind: "date"}}},
		{Portal: "x", Fields: []FieldRule{{Requirement: domain.Optional}}},
	}
	for i, s := range bad {
		if err := s.Check(); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestWithRequirements(t *testing.T) {
	base := testSchema()
	s := base.WithRequirements(map[string]domain.Requirement{"price": domain.Optional})
	p := validProperty()
	p.Price = nil
	if !Validate(p, s).IsValid {
		t.Fatalf("override to optional should make missing price valid")
	}
	if base.Fields[1].Requirement != domain.Required {
		t.Fatalf("override must not mutate the base schema")
	}
}

func TestPayload(t *testing.T) {
	p := validProperty()
	p.PostalCode = ""
	got := Payload(p, testSchema())
	if got["headline"] != "Sunny flat" {
		t.Fatalf("headline = %v", got["headline"])
	}
	if got["price_amount"] != 250000.0 {
		t.Fatalf("price_amount = %v", got["price_amount"])
	}
	if _, ok := got["postal_code"]; ok {
		t.Fatalf("unset fields must be omitted")
	}
	if _, ok := got["title"]; ok {
		t.Fatalf("payload must use portal field names")
	}
}
