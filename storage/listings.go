package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"market-intel/models"
)

const deactivateChunk = 200

const listingColumns = `organization_id, platform, source_listing_id, title, price, currency,
	property_type, transaction_type, size_sqm, rooms, address, area, municipality, postal_code,
	url, description, active, first_seen_at, last_seen_at, last_price_change_at, previous_price,
	deactivated_at`

type priceState struct {
	price         float64
	previousPrice sql.NullFloat64
	lastChangeAt  sql.NullTime
}

// UpsertListing inserts or refreshes a listing keyed by
// (organization, platform, source id) inside one transaction. The price
// history fields move only when the price actually differs.
func (s *SQLStore) UpsertListing(ctx context.Context, l *models.PlatformListing) (models.UpsertResult, error) {
	var res models.UpsertResult

	seenAt := l.LastSeenAt.UTC()
	if l.LastSeenAt.IsZero() {
		seenAt = s.stamp()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		state, err := s.selectPriceState(ctx, tx, l)
		if errors.Is(err, sql.ErrNoRows) {
			var inserted bool
			inserted, err = s.insertListing(ctx, tx, l, seenAt)
			if err != nil {
				return err
			}
			if inserted {
				res.IsNew = true
				return nil
			}
			// another writer inserted the key first; continue as an update
			state, err = s.selectPriceState(ctx, tx, l)
		}
		if err != nil {
			return err
		}

		previous := state.previousPrice
		lastChange := state.lastChangeAt
		if !priceEqual(state.price, l.Price) {
			res.PriceChanged = true
			previous = sql.NullFloat64{Float64: state.price, Valid: true}
			lastChange = sql.NullTime{Time: seenAt, Valid: true}
		}
		return s.updateListing(ctx, tx, l, seenAt, previous, lastChange)
	})
	if err != nil {
		return models.UpsertResult{}, fmt.Errorf("storage: upsert listing %s: %w", l.Key(), err)
	}
	return res, nil
}

func (s *SQLStore) selectPriceState(ctx context.Context, tx *sql.Tx, l *models.PlatformListing) (priceState, error) {
	var st priceState
	query := s.rebind(`SELECT price, previous_price, last_price_change_at FROM platform_listings
		WHERE organization_id = ? AND platform = ? AND source_listing_id = ?` + s.forUpdate())
	err := tx.QueryRowContext(ctx, query, l.OrganizationID, l.Platform, l.SourceListingID).
		Scan(&st.price, &st.previousPrice, &st.lastChangeAt)
	return st, err
}

func (s *SQLStore) insertListing(ctx context.Context, tx *sql.Tx, l *models.PlatformListing, seenAt time.Time) (bool, error) {
	firstSeen := seenAt
	if !l.FirstSeenAt.IsZero() && l.FirstSeenAt.Before(seenAt) {
		firstSeen = l.FirstSeenAt.UTC()
	}

	query := s.rebind(`INSERT INTO platform_listings (` + listingColumns + `)
		VALUES (` + placeholders(22) + `)
		ON CONFLICT (organization_id, platform, source_listing_id) DO NOTHING`)
	r, err := tx.ExecContext(ctx, query,
		l.OrganizationID, l.Platform, l.SourceListingID, l.Title, l.Price, l.Currency,
		l.PropertyType, l.TransactionType, l.SizeSqm, l.Rooms, l.Address, l.Area, l.Municipality, l.PostalCode,
		l.URL, l.Description, true, firstSeen, seenAt, sql.NullTime{}, sql.NullFloat64{},
		sql.NullTime{},
	)
	if err != nil {
		return false, err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) updateListing(ctx context.Context, tx *sql.Tx, l *models.PlatformListing, seenAt time.Time,
	previous sql.NullFloat64, lastChange sql.NullTime) error {
	query := s.rebind(`UPDATE platform_listings SET
		title = ?, price = ?, currency = ?, property_type = ?, transaction_type = ?,
		size_sqm = ?, rooms = ?, address = ?, area = ?, municipality = ?, postal_code = ?,
		url = ?, description = ?, active = ?, deactivated_at = NULL,
		last_seen_at = ?, previous_price = ?, last_price_change_at = ?
		WHERE organization_id = ? AND platform = ? AND source_listing_id = ?`)
	_, err := tx.ExecContext(ctx, query,
		l.Title, l.Price, l.Currency, l.PropertyType, l.TransactionType,
		l.SizeSqm, l.Rooms, l.Address, l.Area, l.Municipality, l.PostalCode,
		l.URL, l.Description, true,
		seenAt, previous, lastChange,
		l.OrganizationID, l.Platform, l.SourceListingID,
	)
	return err
}

// DeactivateStaleListings flags inactive every active listing of the pair
// whose source id is not in seenSourceIDs. Rows are never deleted.
func (s *SQLStore) DeactivateStaleListings(ctx context.Context, organizationID, platform string, seenSourceIDs []string) (int, error) {
	seen := make(map[string]struct{}, len(seenSourceIDs))
	for _, id := range seenSourceIDs {
		seen[id] = struct{}{}
	}
	now := s.stamp()
	total := 0

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.rebind(`SELECT source_listing_id FROM platform_listings
			WHERE organization_id = ? AND platform = ? AND active = ?`), organizationID, platform, true)
		if err != nil {
			return err
		}
		var stale []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			if _, ok := seen[id]; !ok {
				stale = append(stale, id)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for i := 0; i < len(stale); i += deactivateChunk {
			end := i + deactivateChunk
			if end > len(stale) {
				end = len(stale)
			}
			chunk := stale[i:end]

			args := make([]any, 0, len(chunk)+5)
			args = append(args, false, now, organizationID, platform, true)
			for _, id := range chunk {
				args = append(args, id)
			}
			r, err := tx.ExecContext(ctx, s.rebind(`UPDATE platform_listings SET active = ?, deactivated_at = ?
				WHERE organization_id = ? AND platform = ? AND active = ?
				AND source_listing_id IN (`+placeholders(len(chunk))+`)`), args...)
			if err != nil {
				return err
			}
			n, err := r.RowsAffected()
			if err != nil {
				return err
			}
			total += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: deactivate %s/%s: %w", organizationID, platform, err)
	}
	return total, nil
}

// GetListing loads one listing by its key.
func (s *SQLStore) GetListing(ctx context.Context, organizationID, platform, sourceListingID string) (*models.PlatformListing, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+listingColumns+` FROM platform_listings
		WHERE organization_id = ? AND platform = ? AND source_listing_id = ?`),
		organizationID, platform, sourceListingID)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get listing: %w", err)
	}
	return l, nil
}

// ListListings returns every listing of the pair, active or not, ordered by
// source id.
func (s *SQLStore) ListListings(ctx context.Context, organizationID, platform string) ([]*models.PlatformListing, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+listingColumns+` FROM platform_listings
		WHERE organization_id = ? AND platform = ? ORDER BY source_listing_id`), organizationID, platform)
	if err != nil {
		return nil, fmt.Errorf("storage: list listings: %w", err)
	}
	defer rows.Close()

	var listings []*models.PlatformListing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan listing: %w", err)
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(r rowScanner) (*models.PlatformListing, error) {
	l := &models.PlatformListing{}
	var lastChange, deactivated sql.NullTime
	var previous sql.NullFloat64

	err := r.Scan(
		&l.OrganizationID, &l.Platform, &l.SourceListingID, &l.Title, &l.Price, &l.Currency,
		&l.PropertyType, &l.TransactionType, &l.SizeSqm, &l.Rooms, &l.Address, &l.Area, &l.Municipality, &l.PostalCode,
		&l.URL, &l.Description, &l.Active, &l.FirstSeenAt, &l.LastSeenAt, &lastChange, &previous,
		&deactivated,
	)
	if err != nil {
		return nil, err
	}
	l.FirstSeenAt = l.FirstSeenAt.UTC()
	l.LastSeenAt = l.LastSeenAt.UTC()
	l.LastPriceChangeAt = timePtr(lastChange)
	l.DeactivatedAt = timePtr(deactivated)
	if previous.Valid {
		p := previous.Float64
		l.PreviousPrice = &p
	}
	return l, nil
}

// priceEqual compares at cent precision, matching the NUMERIC(14,2) column.
func priceEqual(a, b float64) bool {
	return math.Abs(a-b) < 0.005
}
