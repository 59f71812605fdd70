package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"market-intel/models"
	"market-intel/storage"
	"market-intel/utils"
)

// maxLogErrors bounds the error list stored on one scrape log.
const maxLogErrors = 50

// ScrapeLogRecorder writes scrape log rows on a best-effort basis. Store
// errors are logged and counted, never returned, so bookkeeping cannot abort
// a scrape. An empty log id turns every call into a no-op.
type ScrapeLogRecorder struct {
	store    storage.ScrapeLogStore
	logger   *utils.Logger
	failures atomic.Int64
}

func NewScrapeLogRecorder(store storage.ScrapeLogStore, logger *utils.Logger) *ScrapeLogRecorder {
	return &ScrapeLogRecorder{store: store, logger: logger}
}

// Open starts a running log for one platform run and returns its id, or ""
// when the row could not be written.
func (r *ScrapeLogRecorder) Open(ctx context.Context, organizationID, platform string, startedAt time.Time) (id string) {
	target := organizationID + "/" + platform
	defer r.guard("open", target, func() { id = "" })

	log := &models.ScrapeLog{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		Platform:       platform,
		Status:         models.StatusRunning,
		Errors:         []string{},
		StartedAt:      startedAt,
	}
	if err := r.store.InsertScrapeLog(ctx, log); err != nil {
		r.fail("open", target, err)
		return ""
	}
	return log.ID
}

// Update adds delta to the log's counters.
func (r *ScrapeLogRecorder) Update(ctx context.Context, id string, delta models.ScrapeCounts) {
	if id == "" {
		return
	}
	defer r.guard("update", id, nil)
	if err := r.store.AddScrapeLogCounts(ctx, id, delta); err != nil {
		r.fail("update", id, err)
	}
}

// Close stamps the final status. The log is immutable afterwards.
func (r *ScrapeLogRecorder) Close(ctx context.Context, id string, status models.ScrapeStatus, errs []string,
	finishedAt time.Time, durationMs int64) {
	if id == "" {
		return
	}
	defer r.guard("close", id, nil)
	if err := r.store.CloseScrapeLog(ctx, id, status, capErrors(errs), finishedAt, durationMs); err != nil {
		r.fail("close", id, err)
	}
}

// Failures is the number of recorder writes that did not reach the store.
func (r *ScrapeLogRecorder) Failures() int64 {
	return r.failures.Load()
}

func (r *ScrapeLogRecorder) fail(op, target string, err error) {
	r.failures.Add(1)
	r.logger.Error("[recorder] %s %s: %v", op, target, err)
}

// guard turns a panicking store into a counted failure. onPanic, when set,
// runs after the failure is recorded.
func (r *ScrapeLogRecorder) guard(op, target string, onPanic func()) {
	if v := recover(); v != nil {
		r.fail(op, target, fmt.Errorf("panic: %v", v))
		if onPanic != nil {
			onPanic()
		}
	}
}

// capErrors keeps the first maxLogErrors entries and notes how many were cut.
func capErrors(errs []string) []string {
	if errs == nil {
		return []string{}
	}
	if len(errs) <= maxLogErrors {
		return errs
	}
	out := make([]string, 0, maxLogErrors+1)
	out = append(out, errs[:maxLogErrors]...)
	return append(out, fmt.Sprintf("... and %d more errors", len(errs)-maxLogErrors))
}
