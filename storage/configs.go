package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"market-intel/models"
)

const configColumns = `organization_id, enabled, platforms, filters, max_pages_per_platform,
	platform_page_limits, scrape_interval_hours, next_scrape_due, last_run_success, last_error,
	last_scraped_at`

// GetConfigsDueForScraping returns enabled configs whose due time has
// passed, longest-waiting first.
func (s *SQLStore) GetConfigsDueForScraping(ctx context.Context, now time.Time) ([]*models.OrgScrapeConfig, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+configColumns+` FROM org_scrape_configs
		WHERE enabled = ? AND next_scrape_due <= ?
		ORDER BY next_scrape_due, organization_id`), true, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("storage: due configs: %w", err)
	}
	defer rows.Close()

	var configs []*models.OrgScrapeConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan config: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// UpdateOrgConfigAfterScrape records the outcome of a run. The due time
// only ever moves forward, so overlapping invocations converge.
func (s *SQLStore) UpdateOrgConfigAfterScrape(ctx context.Context, organizationID string, success bool,
	errorMessage string, scrapedAt, nextDue time.Time) error {
	lastErr := sql.NullString{String: errorMessage, Valid: errorMessage != ""}
	due := nextDue.UTC()

	r, err := s.db.ExecContext(ctx, s.rebind(`UPDATE org_scrape_configs SET
		last_run_success = ?, last_error = ?, last_scraped_at = ?,
		next_scrape_due = CASE WHEN next_scrape_due > ? THEN next_scrape_due ELSE ? END,
		updated_at = ?
		WHERE organization_id = ?`),
		success, lastErr, scrapedAt.UTC(), due, due, s.stamp(), organizationID)
	if err != nil {
		return fmt.Errorf("storage: update config %s: %w", organizationID, err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: update config %s: %w", organizationID, err)
	}
	if n == 0 {
		return fmt.Errorf("storage: update config %s: %w", organizationID, ErrNotFound)
	}
	return nil
}

// SaveOrgConfig creates or replaces an organization's scrape settings.
// Run bookkeeping (last success, last error) is left untouched on update.
func (s *SQLStore) SaveOrgConfig(ctx context.Context, cfg *models.OrgScrapeConfig) error {
	platforms, err := json.Marshal(nonNilStrings(cfg.Platforms))
	if err != nil {
		return fmt.Errorf("storage: encode platforms: %w", err)
	}
	filters, err := json.Marshal(cfg.Filters)
	if err != nil {
		return fmt.Errorf("storage: encode filters: %w", err)
	}
	limits := cfg.PlatformPageLimits
	if limits == nil {
		limits = map[string]int{}
	}
	pageLimits, err := json.Marshal(limits)
	if err != nil {
		return fmt.Errorf("storage: encode page limits: %w", err)
	}

	due := cfg.NextScrapeDue
	if due.IsZero() {
		due = s.stamp()
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO org_scrape_configs (
			organization_id, enabled, platforms, filters, max_pages_per_platform,
			platform_page_limits, scrape_interval_hours, next_scrape_due, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (organization_id) DO UPDATE SET
			enabled = excluded.enabled,
			platforms = excluded.platforms,
			filters = excluded.filters,
			max_pages_per_platform = excluded.max_pages_per_platform,
			platform_page_limits = excluded.platform_page_limits,
			scrape_interval_hours = excluded.scrape_interval_hours,
			next_scrape_due = excluded.next_scrape_due,
			updated_at = excluded.updated_at`),
		cfg.OrganizationID, cfg.Enabled, string(platforms), string(filters), cfg.MaxPagesPerPlatform,
		string(pageLimits), cfg.ScrapeIntervalHours, due.UTC(), s.stamp())
	if err != nil {
		return fmt.Errorf("storage: save config %s: %w", cfg.OrganizationID, err)
	}
	return nil
}

// GetOrgConfig loads one organization's config.
func (s *SQLStore) GetOrgConfig(ctx context.Context, organizationID string) (*models.OrgScrapeConfig, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+configColumns+` FROM org_scrape_configs
		WHERE organization_id = ?`), organizationID)
	c, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get config %s: %w", organizationID, err)
	}
	return c, nil
}

func scanConfig(r rowScanner) (*models.OrgScrapeConfig, error) {
	c := &models.OrgScrapeConfig{}
	var platforms, filters, limits string
	var lastSuccess sql.NullBool
	var lastErr sql.NullString
	var lastScraped sql.NullTime

	if err := r.Scan(&c.OrganizationID, &c.Enabled, &platforms, &filters, &c.MaxPagesPerPlatform,
		&limits, &c.ScrapeIntervalHours, &c.NextScrapeDue, &lastSuccess, &lastErr, &lastScraped); err != nil {
		return nil, err
	}

	// A bad JSON column marks the config invalid instead of failing the
	// whole due list; the caller finalizes it so its due time still moves.
	if err := decodeConfigJSON(c, platforms, filters, limits); err != nil {
		c.Platforms = nil
		c.Filters = models.TargetFilters{}
		c.PlatformPageLimits = nil
		c.Invalid = err.Error()
	}

	c.NextScrapeDue = c.NextScrapeDue.UTC()
	if lastSuccess.Valid {
		b := lastSuccess.Bool
		c.LastRunSuccess = &b
	}
	c.LastError = lastErr.String
	c.LastScrapedAt = timePtr(lastScraped)
	return c, nil
}

func decodeConfigJSON(c *models.OrgScrapeConfig, platforms, filters, limits string) error {
	if err := json.Unmarshal([]byte(platforms), &c.Platforms); err != nil {
		return fmt.Errorf("config %s platforms: %w", c.OrganizationID, err)
	}
	if err := json.Unmarshal([]byte(filters), &c.Filters); err != nil {
		return fmt.Errorf("config %s filters: %w", c.OrganizationID, err)
	}
	if err := json.Unmarshal([]byte(limits), &c.PlatformPageLimits); err != nil {
		return fmt.Errorf("config %s page limits: %w", c.OrganizationID, err)
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
