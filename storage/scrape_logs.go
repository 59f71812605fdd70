package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"market-intel/models"
)

// InsertScrapeLog opens a log row.
func (s *SQLStore) InsertScrapeLog(ctx context.Context, log *models.ScrapeLog) error {
	errs, err := json.Marshal(nonNilStrings(log.Errors))
	if err != nil {
		return fmt.Errorf("storage: encode log errors: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO scrape_logs (
			id, organization_id, platform, status, listings_found, listings_new, listings_updated,
			listings_deactivated, pages_scraped, errors, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		log.ID, log.OrganizationID, log.Platform, string(log.Status),
		log.Counts.Found, log.Counts.New, log.Counts.Updated, log.Counts.Deactivated, log.Counts.Pages,
		string(errs), log.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage: insert scrape log: %w", err)
	}
	return nil
}

// AddScrapeLogCounts adds delta to the counters of a running log.
func (s *SQLStore) AddScrapeLogCounts(ctx context.Context, id string, delta models.ScrapeCounts) error {
	r, err := s.db.ExecContext(ctx, s.rebind(`UPDATE scrape_logs SET
		listings_found = listings_found + ?,
		listings_new = listings_new + ?,
		listings_updated = listings_updated + ?,
		listings_deactivated = listings_deactivated + ?,
		pages_scraped = pages_scraped + ?
		WHERE id = ? AND status = ?`),
		delta.Found, delta.New, delta.Updated, delta.Deactivated, delta.Pages, id, string(models.StatusRunning))
	if err != nil {
		return fmt.Errorf("storage: update scrape log %s: %w", id, err)
	}
	return requireRow(r, id)
}

// CloseScrapeLog stamps the final status. A closed log cannot be closed
// again.
func (s *SQLStore) CloseScrapeLog(ctx context.Context, id string, status models.ScrapeStatus, errs []string,
	finishedAt time.Time, durationMs int64) error {
	encoded, err := json.Marshal(nonNilStrings(errs))
	if err != nil {
		return fmt.Errorf("storage: encode log errors: %w", err)
	}
	r, err := s.db.ExecContext(ctx, s.rebind(`UPDATE scrape_logs SET
		status = ?, errors = ?, finished_at = ?, duration_ms = ?
		WHERE id = ? AND status = ?`),
		string(status), string(encoded), finishedAt.UTC(), durationMs, id, string(models.StatusRunning))
	if err != nil {
		return fmt.Errorf("storage: close scrape log %s: %w", id, err)
	}
	return requireRow(r, id)
}

// ListScrapeLogs returns the most recent logs of an organization.
func (s *SQLStore) ListScrapeLogs(ctx context.Context, organizationID string, limit int) ([]models.ScrapeLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, organization_id, platform, status,
			listings_found, listings_new, listings_updated, listings_deactivated, pages_scraped,
			errors, started_at, finished_at, duration_ms
		FROM scrape_logs WHERE organization_id = ?
		ORDER BY started_at DESC, id LIMIT ?`), organizationID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list scrape logs: %w", err)
	}
	defer rows.Close()

	logs := []models.ScrapeLog{}
	for rows.Next() {
		var l models.ScrapeLog
		var status, errs string
		var finished sql.NullTime
		if err := rows.Scan(&l.ID, &l.OrganizationID, &l.Platform, &status,
			&l.Counts.Found, &l.Counts.New, &l.Counts.Updated, &l.Counts.Deactivated, &l.Counts.Pages,
			&errs, &l.StartedAt, &finished, &l.DurationMs); err != nil {
			return nil, fmt.Errorf("storage: scan scrape log: %w", err)
		}
		l.Status = models.ScrapeStatus(status)
		if err := json.Unmarshal([]byte(errs), &l.Errors); err != nil {
			l.Errors = []string{errs}
		}
		l.StartedAt = l.StartedAt.UTC()
		l.FinishedAt = timePtr(finished)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func requireRow(r sql.Result, id string) error {
	n, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: scrape log %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("storage: scrape log %s: %w", id, ErrLogClosed)
	}
	return nil
}
