package storage

import (
	"context"
	"errors"
	"time"

	"market-intel/models"
)

var (
	// ErrNotFound is returned when a keyed row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrLogClosed is returned when writing to a scrape log that is no
	// longer running.
	ErrLogClosed = errors.New("storage: scrape log already closed")
)

// ListingStore persists canonical listings.
type ListingStore interface {
	UpsertListing(ctx context.Context, l *models.PlatformListing) (models.UpsertResult, error)
	DeactivateStaleListings(ctx context.Context, organizationID, platform string, seenSourceIDs []string) (int, error)
	GetListing(ctx context.Context, organizationID, platform, sourceListingID string) (*models.PlatformListing, error)
	ListListings(ctx context.Context, organizationID, platform string) ([]*models.PlatformListing, error)
}

// ScrapeLogStore persists scrape log rows. Closed rows are immutable.
type ScrapeLogStore interface {
	InsertScrapeLog(ctx context.Context, log *models.ScrapeLog) error
	AddScrapeLogCounts(ctx context.Context, id string, delta models.ScrapeCounts) error
	CloseScrapeLog(ctx context.Context, id string, status models.ScrapeStatus, errs []string, finishedAt time.Time, durationMs int64) error
	ListScrapeLogs(ctx context.Context, organizationID string, limit int) ([]models.ScrapeLog, error)
}

// ConfigStore is the source of truth for organization scrape configuration.
type ConfigStore interface {
	GetConfigsDueForScraping(ctx context.Context, now time.Time) ([]*models.OrgScrapeConfig, error)
	UpdateOrgConfigAfterScrape(ctx context.Context, organizationID string, success bool, errorMessage string, scrapedAt, nextDue time.Time) error
	CheckSchemaExists(ctx context.Context) (bool, error)
	SaveOrgConfig(ctx context.Context, cfg *models.OrgScrapeConfig) error
	GetOrgConfig(ctx context.Context, organizationID string) (*models.OrgScrapeConfig, error)
}

// RawListingWriter is the interface for persisting unprocessed scraped data.
type RawListingWriter interface {
	WriteRaw(organizationID string, listings []models.RawListing) error
	Close() error
}
