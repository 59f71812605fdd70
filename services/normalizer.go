package services

import (
	"fmt"
	"strings"

	"market-intel/models"
	"market-intel/platforms"
)

// NormalizationError means a raw record could not become a canonical
// listing. It affects only that record.
type NormalizationError struct {
	Platform string
	Reason   string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s: %s", e.Platform, e.Reason)
}

// mapFunc converts one platform's raw fields into listing attributes. It
// leaves key and bookkeeping fields to Normalize.
type mapFunc func(fields map[string]any, l *models.PlatformListing)

// Normalizer maps raw records into the canonical listing shape. It does no I/O.
type Normalizer struct {
	mappers    map[string]mapFunc
	currencies map[string]string
}

// NewNormalizer builds a Normalizer. Platform currencies are taken from the
// registry when one is given.
func NewNormalizer(reg *platforms.Registry) *Normalizer {
	n := &Normalizer{
		mappers: map[string]mapFunc{
			"spitogatos": mapSpitogatos,
			"xe":         mapXE,
			"tospitimou": mapToSpitiMou,
		},
		currencies: make(map[string]string),
	}
	if reg != nil {
		for _, id := range reg.IDs() {
			if p, err := reg.Resolve(id); err == nil {
				n.currencies[id] = p.Currency
			}
		}
	}
	return n
}

// Normalize maps raw into a PlatformListing owned by organizationID. The
// record's Platform tag selects the mapping; platform is used when the tag
// is empty.
func (n *Normalizer) Normalize(raw models.RawListing, platform, organizationID string) (*models.PlatformListing, error) {
	tag := raw.Platform
	if tag == "" {
		tag = platform
	}
	mapper, ok := n.mappers[tag]
	if !ok {
		return nil, &NormalizationError{Platform: tag, Reason: "no mapping for platform"}
	}

	fields := raw.Fields
	if fields == nil {
		fields = map[string]any{}
	}

	l := &models.PlatformListing{
		OrganizationID: organizationID,
		Platform:       tag,
		Active:         true,
		FirstSeenAt:    raw.ScrapedAt,
		LastSeenAt:     raw.ScrapedAt,
	}
	mapper(fields, l)

	if l.SourceListingID == "" {
		l.SourceListingID = idFromURL(l.URL)
	}
	if l.SourceListingID == "" {
		return nil, &NormalizationError{Platform: tag, Reason: "missing source listing id"}
	}

	if l.Price < 0 {
		l.Price = 0
	}
	l.Price = round2(l.Price)
	if l.Currency == "" {
		l.Currency = n.currencies[tag]
	}
	if l.Currency == "" {
		l.Currency = "EUR"
	}
	l.Currency = strings.ToUpper(l.Currency)
	return l, nil
}

func mapSpitogatos(f map[string]any, l *models.PlatformListing) {
	l.SourceListingID = firstString(f, "id", "listingId", "code")
	l.Title = normaliseText(firstString(f, "title", "headline"))
	l.Price = parseNumber(f["price"])
	l.Currency = firstString(f, "currency")
	l.PropertyType = canonicalPropertyType(firstString(f, "category", "propertyType"))
	l.TransactionType = canonicalTransactionType(firstString(f, "listingType", "transaction"))
	l.SizeSqm = parseNumber(f["sqMeters"])
	l.Rooms = parseNumber(f["rooms"])
	l.Address = normaliseText(firstString(f, "address"))
	l.Area = normaliseText(firstString(f, "areaName", "area"))
	l.Municipality = normaliseText(firstString(f, "municipality"))
	l.PostalCode = firstString(f, "postalCode")
	l.URL = firstString(f, "url", "link")
	l.Description = normaliseText(firstString(f, "description"))
}

// mapXE handles HTML cards: every value is display text.
func mapXE(f map[string]any, l *models.PlatformListing) {
	l.SourceListingID = firstString(f, "id")
	l.Title = normaliseText(firstString(f, "title"))
	l.Price = parseNumber(f["price"])
	l.SizeSqm = parseNumber(f["size"])
	l.Rooms = parseNumber(f["rooms"])
	l.URL = firstString(f, "url")
	l.Description = normaliseText(firstString(f, "description"))

	// "Κολωνάκι, Αθήνα - Κέντρο" -> area first, municipality next
	location := normaliseText(firstString(f, "location"))
	l.Address = location
	parts := strings.Split(location, ",")
	if len(parts) > 0 {
		l.Area = strings.TrimSpace(parts[0])
	}
	if len(parts) > 1 {
		muni := strings.TrimSpace(parts[1])
		if i := strings.Index(muni, " - "); i >= 0 {
			muni = strings.TrimSpace(muni[:i])
		}
		l.Municipality = muni
	}

	l.PropertyType = canonicalPropertyType(l.Title)
	l.TransactionType = canonicalTransactionType(l.URL)
	if l.TransactionType == "" {
		l.TransactionType = canonicalTransactionType(l.Title)
	}
}

func mapToSpitiMou(f map[string]any, l *models.PlatformListing) {
	l.SourceListingID = firstString(f, "id", "uuid")
	l.Title = normaliseText(firstString(f, "title"))

	if price, ok := f["price"].(map[string]any); ok {
		l.Price = parseNumber(price["amount"])
		l.Currency = firstString(price, "currency")
	} else {
		l.Price = parseNumber(f["price"])
	}

	l.PropertyType = canonicalPropertyType(firstString(f, "type"))
	l.TransactionType = canonicalTransactionType(firstString(f, "purpose"))
	l.SizeSqm = parseNumber(f["surface"])
	l.Rooms = parseNumber(f["rooms"])

	addr := objectField(f, "address")
	l.Address = normaliseText(firstString(addr, "street"))
	l.Area = normaliseText(firstString(addr, "area", "neighbourhood"))
	l.Municipality = normaliseText(firstString(addr, "municipality", "city"))
	l.PostalCode = firstString(addr, "postcode")
	if l.Address == "" {
		l.Address = strings.Trim(strings.Join([]string{l.Area, l.Municipality}, ", "), ", ")
	}

	l.URL = firstString(f, "permalink", "url")
	l.Description = normaliseText(firstString(f, "description"))
}
