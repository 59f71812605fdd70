package services

import (
	"context"
	"fmt"

	"market-intel/models"
	"market-intel/storage"
	"market-intel/utils"
)

// Reconciler merges freshly normalized listings into the canonical store.
// Each (organization, platform) pair has one writer per run, so updates are
// last-write-wins.
type Reconciler struct {
	store  storage.ListingStore
	logger *utils.Logger
}

func NewReconciler(store storage.ListingStore, logger *utils.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// UpsertListing inserts or refreshes one listing. Safe to repeat for the same
// key within a run and across runs.
func (r *Reconciler) UpsertListing(ctx context.Context, l *models.PlatformListing) (models.UpsertResult, error) {
	res, err := r.store.UpsertListing(ctx, l)
	if err != nil {
		return res, fmt.Errorf("reconcile %s: %w", l.SourceListingID, err)
	}
	if res.PriceChanged {
		r.logger.Debug("[reconciler] %s: price changed to %.2f %s", l.Key(), l.Price, l.Currency)
	}
	return res, nil
}

// DeactivateStaleListings flags every active listing of the pair that is not
// in seen. Only call it after a fully successful fetch.
func (r *Reconciler) DeactivateStaleListings(ctx context.Context, organizationID, platform string, seen []string) (int, error) {
	n, err := r.store.DeactivateStaleListings(ctx, organizationID, platform, seen)
	if err != nil {
		return 0, fmt.Errorf("deactivate %s/%s: %w", organizationID, platform, err)
	}
	if n > 0 {
		r.logger.Info("[reconciler] %s/%s: deactivated %d listings no longer on the platform", organizationID, platform, n)
	}
	return n, nil
}
