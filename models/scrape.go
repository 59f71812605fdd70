package models

import "time"

// TargetFilters narrows what an organization wants scraped.
type TargetFilters struct {
	Areas            []string `json:"areas,omitempty"`
	Municipalities   []string `json:"municipalities,omitempty"`
	MinPrice         *float64 `json:"minPrice,omitempty"`
	MaxPrice         *float64 `json:"maxPrice,omitempty"`
	PropertyTypes    []string `json:"propertyTypes,omitempty"`
	TransactionTypes []string `json:"transactionTypes,omitempty"`
}

// OrgScrapeConfig is the per-organization scraping setup.
type OrgScrapeConfig struct {
	OrganizationID      string
	Enabled             bool
	Platforms           []string
	Filters             TargetFilters
	MaxPagesPerPlatform int
	PlatformPageLimits  map[string]int
	ScrapeIntervalHours int
	NextScrapeDue       time.Time
	LastRunSuccess      *bool
	LastError           string
	LastScrapedAt       *time.Time

	// Invalid is set when the stored row could not be decoded. Such a
	// config is never scraped, only finalized with this message.
	Invalid string
}

// PageLimit returns the page budget for one platform, preferring a
// per-platform override. Zero or negative falls back to one page.
func (c *OrgScrapeConfig) PageLimit(platform string) int {
	if n, ok := c.PlatformPageLimits[platform]; ok && n > 0 {
		return n
	}
	if c.MaxPagesPerPlatform > 0 {
		return c.MaxPagesPerPlatform
	}
	return 1
}

// ScrapeStatus is the outcome of one (organization, platform) run.
type ScrapeStatus string

const (
	StatusRunning ScrapeStatus = "running"
	StatusSuccess ScrapeStatus = "success"
	StatusPartial ScrapeStatus = "partial"
	StatusFailed  ScrapeStatus = "failed"
)

// ScrapeCounts are the counters a run accumulates.
type ScrapeCounts struct {
	Found       int `json:"listingsFound"`
	New         int `json:"listingsNew"`
	Updated     int `json:"listingsUpdated"`
	Deactivated int `json:"listingsDeactivated"`
	Pages       int `json:"pagesScraped"`
}

// Add accumulates d into c.
func (c *ScrapeCounts) Add(d ScrapeCounts) {
	c.Found += d.Found
	c.New += d.New
	c.Updated += d.Updated
	c.Deactivated += d.Deactivated
	c.Pages += d.Pages
}

// ScrapeLog is the audit row for one (organization, platform) run.
type ScrapeLog struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organizationId"`
	Platform       string       `json:"platform"`
	Status         ScrapeStatus `json:"status"`
	Counts         ScrapeCounts `json:"counts"`
	Errors         []string     `json:"errors"`
	StartedAt      time.Time    `json:"startedAt"`
	FinishedAt     *time.Time   `json:"finishedAt,omitempty"`
	DurationMs     int64        `json:"durationMs"`
}

// ScrapeResultSummary is the per-platform entry of the trigger response.
type ScrapeResultSummary struct {
	Platform            string       `json:"platform"`
	Status              ScrapeStatus `json:"status"`
	ListingsFound       int          `json:"listingsFound"`
	ListingsNew         int          `json:"listingsNew"`
	ListingsUpdated     int          `json:"listingsUpdated"`
	ListingsDeactivated int          `json:"listingsDeactivated"`
	PagesScraped        int          `json:"pagesScraped"`
	DurationMs          int64        `json:"durationMs"`
	Errors              []string     `json:"errors"`
}

// OrgResult groups the platform runs of one organization.
type OrgResult struct {
	OrganizationID string                `json:"organizationId"`
	Platforms      []ScrapeResultSummary `json:"platforms"`
	Success        bool                  `json:"success"`
}

// RunResult is what one orchestrator invocation returns.
type RunResult struct {
	Processed      int         `json:"processed"`
	SuccessfulOrgs int         `json:"successfulOrgs"`
	TotalListings  int         `json:"totalListings"`
	DurationMs     int64       `json:"durationMs"`
	Results        []OrgResult `json:"results"`
	BudgetExceeded bool        `json:"budgetExceeded,omitempty"`
	Message        string      `json:"message,omitempty"`

	// RecorderFailures counts scrape log writes that did not reach the store.
	RecorderFailures int64 `json:"recorderFailures,omitempty"`
}
