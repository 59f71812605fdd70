package services

import (
	"context"

	"market-intel/models"
	"market-intel/platforms"
	"market-intel/scraper"
)

// PageIterator is a one-shot sequence of result pages.
type PageIterator interface {
	Next() bool
	Page() []models.RawListing
	Err() error
	PagesScraped() int
}

// ListingSource starts a paginated fetch for one platform.
type ListingSource interface {
	FetchListings(ctx context.Context, p platforms.PlatformConfig, filters models.TargetFilters, maxPages int) PageIterator
}

type fetcherSource struct {
	f *scraper.Fetcher
}

// FetcherSource exposes a scraper.Fetcher as a ListingSource.
func FetcherSource(f *scraper.Fetcher) ListingSource {
	return fetcherSource{f: f}
}

func (s fetcherSource) FetchListings(ctx context.Context, p platforms.PlatformConfig, filters models.TargetFilters, maxPages int) PageIterator {
	return s.f.FetchListings(ctx, p, filters, maxPages)
}
