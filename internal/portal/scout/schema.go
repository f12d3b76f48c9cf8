package scout

import (
	"portalsync/internal/domain"
	"portalsync/internal/validate"
)

func ptr(f float64) *float64 { return &f }

// DefaultSchema is the aggregator's field contract.
func DefaultSchema() validate.Schema {
	return validate.Schema{
		Portal: "scout",
		Fields: []validate.FieldRule{
			{Field: "title", PortalField: "headline", Requirement: domain.Required, Kind: validate.KindString, MinLength: 10, MaxLength: 100},
			{Field: "property_type", PortalField: "realEstateType", Requirement: domain.Required, Kind: validate.KindString,
				Enum: []string{"apartment", "house", "land", "office", "retail", "garage"}},
			{Field: "marketing_type", PortalField: "marketingType", Requirement: domain.Required, Kind: validate.KindString, Enum: []string{"sale", "rent"}},
			{Field: "price", PortalField: "price.value", Requirement: domain.Required, Kind: validate.KindNumber, Min: ptr(1)},
			{Field: "currency", PortalField: "price.currency", Requirement: domain.Optional, Kind: validate.KindString, Pattern: `^[A-Z]{3}$`},
			{Field: "living_area", PortalField: "livingSpace", Requirement: domain.Required, Kind: validate.KindNumber, Min: ptr(1), Max: ptr(100000)},
			{Field: "rooms", PortalField: "numberOfRooms", Requirement: domain.Recommended, Kind: validate.KindNumber, Min: ptr(0.5), Max: ptr(999)},
			{Field: "plot_area", PortalField: "plotArea", Requirement: domain.Optional, Kind: validate.KindNumber, Min: ptr(0)},
			{Field: "bedrooms", PortalField: "numberOfBedRooms", Requirement: domain.Optional, Kind: validate.KindInteger, Min: ptr(0)},
			{Field: "bathrooms", PortalField: "numberOfBathRooms", Requirement: domain.Optional, Kind: validate.KindInteger, Min: ptr(0)},
			{Field: "year_built", PortalField: "constructionYear", Requirement: domain.Optional, Kind: validate.KindInteger, Min: ptr(1500), Max: ptr(2100)},
			{Field: "energy_class", PortalField: "energyEfficiencyClass", Requirement: domain.Recommended, Kind: validate.KindString,
				Enum: []string{"A+", "A", "B", "C", "D", "E", "F", "G", "H"}},
			{Field: "description", PortalField: "descriptionNote", Requirement: domain.Recommended, Kind: validate.KindString, MaxLength: 3999, SuggestMinLength: 200},
			{Field: "street", PortalField: "address.street", Requirement: domain.Recommended, Kind: validate.KindString},
			{Field: "house_number", PortalField: "address.houseNumber", Requirement: domain.Optional, Kind: validate.KindString, MaxLength: 30},
			{Field: "postal_code", PortalField: "address.postcode", Requirement: domain.Required, Kind: validate.KindString, Pattern: `^[0-9A-Za-z -]{3,10}$`},
			{Field: "city", PortalField: "address.city", Requirement: domain.Required, Kind: validate.KindString, MaxLength: 100},
			{Field: "contact_email", PortalField: "contact.email", Requirement: domain.Optional, Kind: validate.KindEmail},
			{Field: "images", PortalField: "attachments", Requirement: domain.Recommended, Kind: validate.KindList, MaxLength: 100, SuggestMinItems: 5},
		},
	}
}
