package models

import "time"

// RawListing is one unprocessed record as a platform returned it.
// Platform is the variant tag: the Normalizer picks its mapping by it, and
// Fields holds whatever shape that platform uses (decoded JSON for API
// platforms, selector text for HTML platforms).
type RawListing struct {
	Platform  string
	Page      int
	Fields    map[string]any
	ScrapedAt time.Time
}

// PlatformListing is the canonical listing row. Unique key is
// (OrganizationID, Platform, SourceListingID).
type PlatformListing struct {
	OrganizationID  string
	Platform        string
	SourceListingID string

	Title           string
	Price           float64
	Currency        string
	PropertyType    string
	TransactionType string
	SizeSqm         float64
	Rooms           float64
	Address         string
	Area            string
	Municipality    string
	PostalCode      string
	URL             string
	Description     string

	Active            bool
	FirstSeenAt       time.Time
	LastSeenAt        time.Time
	LastPriceChangeAt *time.Time
	PreviousPrice     *float64
	DeactivatedAt     *time.Time
}

// Key returns the reconciliation key as a single string.
func (l *PlatformListing) Key() string {
	return l.OrganizationID + "/" + l.Platform + "/" + l.SourceListingID
}

// UpsertResult reports what an upsert did to the stored row.
type UpsertResult struct {
	IsNew        bool
	PriceChanged bool
}
