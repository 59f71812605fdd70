package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"market-intel/models"
	"market-intel/platforms"
	"market-intel/storage"
	"market-intel/utils"
)

// ErrSchemaMissing aborts a run started before the tables were provisioned.
var ErrSchemaMissing = errors.New("orchestrator: storage schema is missing")

const defaultInterval = 24 * time.Hour

// RunOptions is the invocation-level configuration. It is passed in rather
// than read from the environment mid-run.
type RunOptions struct {
	Enabled         bool
	Budget          time.Duration
	DefaultInterval time.Duration
	Now             func() time.Time
}

// Deps are the collaborators an Orchestrator drives. RawWriter is optional.
type Deps struct {
	Configs    storage.ConfigStore
	Registry   *platforms.Registry
	Source     ListingSource
	Normalizer *Normalizer
	Reconciler *Reconciler
	Recorder   *ScrapeLogRecorder
	RawWriter  storage.RawListingWriter
	Logger     *utils.Logger
}

// Orchestrator runs one time-boxed pass over every organization that is due.
// Organizations and their platforms are processed sequentially.
type Orchestrator struct {
	Deps
	opts RunOptions
}

func NewOrchestrator(deps Deps, opts RunOptions) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = defaultInterval
	}
	if deps.Logger == nil {
		deps.Logger = utils.NewNopLogger()
	}
	return &Orchestrator{Deps: deps, opts: opts}
}

// Run processes due organizations until the list or the budget runs out.
// Only a missing schema or an unreachable config store fails the whole run;
// organization and platform failures are reported in the result.
func (o *Orchestrator) Run(ctx context.Context) (*models.RunResult, error) {
	start := o.opts.Now()
	result := &models.RunResult{Results: []models.OrgResult{}}

	if !o.opts.Enabled {
		o.Logger.Info("[orchestrator] market intelligence is disabled, nothing to do")
		result.Message = "market intelligence is disabled"
		return result, nil
	}

	ok, err := o.Configs.CheckSchemaExists(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: check schema: %w", err)
	}
	if !ok {
		return nil, ErrSchemaMissing
	}

	due, err := o.Configs.GetConfigsDueForScraping(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load due configs: %w", err)
	}
	if len(due) == 0 {
		o.Logger.Info("[orchestrator] no organizations due")
		result.Message = "no organizations due"
		result.DurationMs = o.elapsed(start).Milliseconds()
		return result, nil
	}
	o.Logger.Info("[orchestrator] %d organizations due, budget %s", len(due), o.opts.Budget)
	recorderBefore := o.Recorder.Failures()

	for i, cfg := range due {
		if o.exhausted(ctx, start) {
			o.Logger.Info("[orchestrator] budget exhausted after %d organizations, %d left for the next run",
				i, len(due)-i)
			result.BudgetExceeded = true
			break
		}

		org := o.processOrg(ctx, start, cfg)
		result.Processed++
		if org.Success {
			result.SuccessfulOrgs++
		}
		for _, p := range org.Platforms {
			result.TotalListings += p.ListingsFound
		}
		result.Results = append(result.Results, org)
	}

	result.RecorderFailures = o.Recorder.Failures() - recorderBefore
	result.DurationMs = o.elapsed(start).Milliseconds()
	o.Logger.Info("[orchestrator] done: %d processed, %d successful, %d listings in %dms",
		result.Processed, result.SuccessfulOrgs, result.TotalListings, result.DurationMs)
	return result, nil
}

func (o *Orchestrator) processOrg(ctx context.Context, start time.Time, cfg *models.OrgScrapeConfig) models.OrgResult {
	org := models.OrgResult{OrganizationID: cfg.OrganizationID, Platforms: []models.ScrapeResultSummary{}}
	var problems []string

	platformIDs := cfg.Platforms
	if cfg.Invalid != "" {
		o.Logger.Error("[orchestrator] %s: unreadable config, not scraping: %s", cfg.OrganizationID, cfg.Invalid)
		problems = append(problems, "invalid config: "+cfg.Invalid)
		platformIDs = nil
	}

	for i, platform := range platformIDs {
		if o.exhausted(ctx, start) {
			skipped := platformIDs[i:]
			o.Logger.Info("[orchestrator] %s: budget exhausted, skipping %s", cfg.OrganizationID, strings.Join(skipped, ", "))
			problems = append(problems, "budget exhausted before: "+strings.Join(skipped, ", "))
			break
		}

		sum := o.runPlatform(ctx, cfg, platform)
		org.Platforms = append(org.Platforms, sum)
		if sum.Status != models.StatusSuccess {
			msg := platform + ": " + string(sum.Status)
			if len(sum.Errors) > 0 {
				msg = platform + ": " + sum.Errors[len(sum.Errors)-1]
			}
			problems = append(problems, msg)
		}
	}
	org.Success = len(problems) == 0

	interval := o.opts.DefaultInterval
	if cfg.ScrapeIntervalHours > 0 {
		interval = time.Duration(cfg.ScrapeIntervalHours) * time.Hour
	}
	finished := o.opts.Now()
	nextDue := finished.Add(interval)
	// the attempt must be recorded even when the run is being cancelled
	if err := o.Configs.UpdateOrgConfigAfterScrape(context.WithoutCancel(ctx), cfg.OrganizationID, org.Success,
		strings.Join(problems, "; "), finished, nextDue); err != nil {
		o.Logger.Error("[orchestrator] %s: could not advance due time: %v", cfg.OrganizationID, err)
	}
	return org
}

// runPlatform never panics outward: a panic becomes a failed run.
func (o *Orchestrator) runPlatform(ctx context.Context, cfg *models.OrgScrapeConfig, platform string) (sum models.ScrapeResultSummary) {
	orgID := cfg.OrganizationID
	started := o.opts.Now()
	sum = models.ScrapeResultSummary{Platform: platform, Status: models.StatusFailed, Errors: []string{}}
	var logID string

	defer func() {
		if r := recover(); r != nil {
			o.Logger.Error("[orchestrator] %s/%s: recovered panic: %v", orgID, platform, r)
			sum.Status = models.StatusFailed
			sum.Errors = append(sum.Errors, fmt.Sprintf("panic: %v", r))
		}
		finished := o.opts.Now()
		sum.DurationMs = finished.Sub(started).Milliseconds()
		sum.Errors = capErrors(sum.Errors)
		o.Recorder.Close(context.WithoutCancel(ctx), logID, sum.Status, sum.Errors, finished, sum.DurationMs)
		o.Logger.Info("[orchestrator] %s/%s: %s, found=%d new=%d updated=%d deactivated=%d pages=%d",
			orgID, platform, sum.Status, sum.ListingsFound, sum.ListingsNew, sum.ListingsUpdated,
			sum.ListingsDeactivated, sum.PagesScraped)
	}()

	logID = o.Recorder.Open(ctx, orgID, platform, started)

	p, err := o.Registry.Resolve(platform)
	if err != nil {
		sum.Errors = append(sum.Errors, err.Error())
		return sum
	}

	var counts models.ScrapeCounts
	seen := utils.NewStringSet()
	reconciled := 0

	pages := o.Source.FetchListings(ctx, p, cfg.Filters, cfg.PageLimit(p.ID))
	for pages.Next() {
		batch := pages.Page()
		if o.RawWriter != nil {
			if err := o.RawWriter.WriteRaw(orgID, batch); err != nil {
				o.Logger.Warn("[orchestrator] %s/%s: raw export: %v", orgID, p.ID, err)
			}
		}

		delta := models.ScrapeCounts{Pages: 1}
		for _, raw := range batch {
			delta.Found++
			l, err := o.Normalizer.Normalize(raw, p.ID, orgID)
			if err != nil {
				sum.Errors = append(sum.Errors, err.Error())
				continue
			}
			seen.Add(l.SourceListingID)
			res, err := o.Reconciler.UpsertListing(ctx, l)
			if err != nil {
				sum.Errors = append(sum.Errors, err.Error())
				continue
			}
			reconciled++
			if res.IsNew {
				delta.New++
			} else {
				delta.Updated++
			}
		}
		counts.Add(delta)
		o.Recorder.Update(ctx, logID, delta)
	}

	// pages that decoded to nothing still count as scraped
	if n := pages.PagesScraped(); n > counts.Pages {
		o.Recorder.Update(ctx, logID, models.ScrapeCounts{Pages: n - counts.Pages})
		counts.Pages = n
	}

	switch fetchErr := pages.Err(); {
	case fetchErr != nil && counts.Pages == 0:
		sum.Errors = append(sum.Errors, fetchErr.Error())
		sum.Status = models.StatusFailed
	case fetchErr != nil:
		sum.Errors = append(sum.Errors, fetchErr.Error())
		sum.Status = models.StatusPartial
	case counts.Found > 0 && reconciled == 0:
		sum.Status = models.StatusFailed
	default:
		sum.Status = models.StatusSuccess
	}

	// Transport failures must never age out the prior active set.
	if sum.Status == models.StatusSuccess {
		n, err := o.Reconciler.DeactivateStaleListings(ctx, orgID, p.ID, seen.Values())
		if err != nil {
			sum.Errors = append(sum.Errors, err.Error())
			sum.Status = models.StatusPartial
		} else if n > 0 {
			counts.Deactivated = n
			o.Recorder.Update(ctx, logID, models.ScrapeCounts{Deactivated: n})
		}
	}

	sum.ListingsFound = counts.Found
	sum.ListingsNew = counts.New
	sum.ListingsUpdated = counts.Updated
	sum.ListingsDeactivated = counts.Deactivated
	sum.PagesScraped = counts.Pages
	return sum
}

func (o *Orchestrator) exhausted(ctx context.Context, start time.Time) bool {
	if ctx.Err() != nil {
		return true
	}
	return o.opts.Budget > 0 && o.elapsed(start) >= o.opts.Budget
}

func (o *Orchestrator) elapsed(start time.Time) time.Duration {
	return o.opts.Now().Sub(start)
}
