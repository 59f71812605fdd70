package services

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"market-intel/models"
	"market-intel/platforms"
	"market-intel/scraper"
	"market-intel/storage"
	"market-intel/utils"
)

var runStart = time.Date(2026, 10, 1, 6, 0, 0, 0, time.UTC)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// fakePages yields the given pages, then fails with err if it is set.
type fakePages struct {
	pages  [][]models.RawListing
	err    error
	i      int
	cur    []models.RawListing
	failed bool
}

func (p *fakePages) Next() bool {
	if p.i < len(p.pages) {
		p.cur = p.pages[p.i]
		p.i++
		return true
	}
	p.failed = p.err != nil
	return false
}

func (p *fakePages) Page() []models.RawListing { return p.cur }
func (p *fakePages) PagesScraped() int         { return p.i }

func (p *fakePages) Err() error {
	if p.failed {
		return p.err
	}
	return nil
}

type fakeSource struct {
	fetch   map[string]func() PageIterator
	calls   []string
	onFetch func()
}

func (s *fakeSource) FetchListings(_ context.Context, p platforms.PlatformConfig, _ models.TargetFilters, _ int) PageIterator {
	s.calls = append(s.calls, p.ID)
	if s.onFetch != nil {
		s.onFetch()
	}
	if f, ok := s.fetch[p.ID]; ok {
		return f()
	}
	return &fakePages{}
}

func pagesOf(pages ...[]models.RawListing) func() PageIterator {
	return func() PageIterator { return &fakePages{pages: pages} }
}

func raw(platform, id string, price float64) models.RawListing {
	f := map[string]any{"title": "Flat " + id, "price": price}
	if id != "" {
		f["id"] = id
	}
	return models.RawListing{Platform: platform, Page: 1, Fields: f, ScrapedAt: runStart}
}

type harness struct {
	path   string
	store  *storage.SQLStore
	clock  *fakeClock
	source *fakeSource
	orch   *Orchestrator
}

func newHarness(t *testing.T, budget time.Duration) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.db")
	store, err := storage.OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	reg, err := platforms.LoadDefault()
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{path: path, store: store, clock: &fakeClock{t: runStart}, source: &fakeSource{fetch: map[string]func() PageIterator{}}}
	store.SetClock(h.clock.Now)

	logger := utils.WrapZap(zaptest.NewLogger(t))
	h.orch = NewOrchestrator(Deps{
		Configs:    store,
		Registry:   reg,
		Source:     h.source,
		Normalizer: NewNormalizer(reg),
		Reconciler: NewReconciler(store, logger),
		Recorder:   NewScrapeLogRecorder(store, logger),
		Logger:     logger,
	}, RunOptions{Enabled: true, Budget: budget, DefaultInterval: 24 * time.Hour, Now: h.clock.Now})
	return h
}

func (h *harness) addOrg(t *testing.T, id string, due time.Time, platformIDs ...string) {
	t.Helper()
	err := h.store.SaveOrgConfig(context.Background(), &models.OrgScrapeConfig{
		OrganizationID: id, Enabled: true, Platforms: platformIDs, MaxPagesPerPlatform: 3, NextScrapeDue: due,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (h *harness) seed(t *testing.T, org, platform string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := h.store.UpsertListing(context.Background(), &models.PlatformListing{
			OrganizationID: org, Platform: platform, SourceListingID: id, Price: 1000, Currency: "EUR",
			Active: true, FirstSeenAt: runStart.Add(-48 * time.Hour), LastSeenAt: runStart.Add(-48 * time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func (h *harness) active(t *testing.T, org, platform string) []string {
	t.Helper()
	all, err := h.store.ListListings(context.Background(), org, platform)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, l := range all {
		if l.Active {
			out = append(out, l.SourceListingID)
		}
	}
	return out
}

func (h *harness) run(t *testing.T) *models.RunResult {
	t.Helper()
	res, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func TestRunDisabled(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addOrg(t, "org-1", runStart.Add(-time.Hour), "spitogatos")
	h.orch.opts.Enabled = false

	res := h.run(t)
	if res.Processed != 0 || res.Results == nil || len(h.source.calls) != 0 {
		t.Errorf("disabled run did work: %+v", res)
	}
}

func TestRunNothingDue(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addOrg(t, "org-1", runStart.Add(time.Hour), "spitogatos")

	res := h.run(t)
	if res.Processed != 0 || len(res.Results) != 0 || res.Message == "" {
		t.Errorf("got %+v, want no-op result", res)
	}
}

func TestRunSchemaMissing(t *testing.T) {
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "bare.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	o := NewOrchestrator(Deps{Configs: store}, RunOptions{Enabled: true})

	if _, err := o.Run(context.Background()); !errors.Is(err, ErrSchemaMissing) {
		t.Errorf("got %v, want ErrSchemaMissing", err)
	}
}

func TestRunReconcilesAndDeactivates(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addOrg(t, "org-1", runStart.Add(-time.Hour), "spitogatos")
	h.seed(t, "org-1", "spitogatos", "A", "B", "C")
	h.source.fetch["spitogatos"] = pagesOf(
		[]models.RawListing{raw("spitogatos", "A", 1000), raw("spitogatos", "D", 2000)},
		[]models.RawListing{raw("spitogatos", "C", 1500)},
	)

	res := h.run(t)
	if res.Processed != 1 || res.SuccessfulOrgs != 1 || res.TotalListings != 3 {
		t.Fatalf("totals: %+v", res)
	}
	sum := res.Results[0].Platforms[0]
	if sum.Status != models.StatusSuccess {
		t.Fatalf("status: got %s (%v)", sum.Status, sum.Errors)
	}
	if sum.ListingsNew != 1 || sum.ListingsUpdated != 2 || sum.ListingsDeactivated != 1 || sum.PagesScraped != 2 {
		t.Errorf("counts: %+v", sum)
	}
	if got := strings.Join(h.active(t, "org-1", "spitogatos"), ","); got != "A,C,D" {
		t.Errorf("active set: got %s, want A,C,D", got)
	}

	c, err := h.store.GetListing(context.Background(), "org-1", "spitogatos", "C")
	if err != nil {
		t.Fatal(err)
	}
	if c.Price != 1500 || c.PreviousPrice == nil || *c.PreviousPrice != 1000 {
		t.Errorf("C price history: price %.0f previous %v", c.Price, c.PreviousPrice)
	}

	cfg, _ := h.store.GetOrgConfig(context.Background(), "org-1")
	if !cfg.NextScrapeDue.Equal(runStart.Add(24*time.Hour)) || cfg.LastRunSuccess == nil || !*cfg.LastRunSuccess {
		t.Errorf("config after run: %+v", cfg)
	}

	logs, _ := h.store.ListScrapeLogs(context.Background(), "org-1", 10)
	if len(logs) != 1 || logs[0].Status != models.StatusSuccess {
		t.Fatalf("scrape logs: %+v", logs)
	}
	want := models.ScrapeCounts{Found: 3, New: 1, Updated: 2, Deactivated: 1, Pages: 2}
	if logs[0].Counts != want {
		t.Errorf("log counts: got %+v, want %+v", logs[0].Counts, want)
	}
}

func TestRunNeverDeactivatesOnFetchFailure(t *testing.T) {
	transport := errors.New("fetch spitogatos page 1: connection reset")

	t.Run("failed", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.addOrg(t, "org-1", runStart.Add(-time.Hour), "spitogatos")
		h.seed(t, "org-1", "spitogatos", "A", "B", "C")
		h.source.fetch["spitogatos"] = func() PageIterator { return &fakePages{err: transport} }

		res := h.run(t)
		sum := res.Results[0].Platforms[0]
		if sum.Status != models.StatusFailed || sum.ListingsDeactivated != 0 {
			t.Errorf("summary: %+v", sum)
		}
		if got := len(h.active(t, "org-1", "spitogatos")); got != 3 {
			t.Errorf("active listings: got %d, want 3", got)
		}
		if res.Results[0].Success {
			t.Error("org should not be successful")
		}
	})

	t.Run("partial", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.addOrg(t, "org-1", runStart.Add(-time.Hour), "spitogatos")
		h.seed(t, "org-1", "spitogatos", "A", "B", "C")
		h.source.fetch["spitogatos"] = func() PageIterator {
			return &fakePages{pages: [][]models.RawListing{{raw("spitogatos", "A", 1000)}}, err: transport}
		}

		res := h.run(t)
		sum := res.Results[0].Platforms[0]
		if sum.Status != models.StatusPartial || sum.PagesScraped != 1 || sum.ListingsUpdated != 1 {
			t.Errorf("summary: %+v", sum)
		}
		if got := len(h.active(t, "org-1", "spitogatos")); got != 3 {
			t.Errorf("active listings: got %d, want 3", got)
		}
	})
}

func TestRunPerRecordIsolation(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addOrg(t, "org-1", runStart.Add(-time.Hour), "spitogatos")

	var batch []models.RawListing
	for i := 1; i <= 10; i++ {
		id := "L" + strconv.Itoa(i)
		if i == 5 {
			id = ""
		}
		batch = append(batch, raw("spitogatos", id, float64(i*1000)))
	}
	h.source.fetch["spitogatos"] = pagesOf(batch)

	res := h.run(t)
	sum := res.Results[0].Platforms[0]
	if sum.Status != models.StatusSuccess {
		t.Errorf("status: got %s, want success", sum.Status)
	}
	if sum.ListingsFound != 10 || sum.ListingsNew != 9 || len(sum.Errors) != 1 {
		t.Errorf("summary: %+v", sum)
	}
	if !strings.Contains(sum.Errors[0], "missing source listing id") {
		t.Errorf("error: %q", sum.Errors[0])
	}
	if got := len(h.active(t, "org-1", "spitogatos")); got != 9 {
		t.Errorf("stored: got %d, want 9", got)
	}
}

func TestRunNothingReconciledIsFailure(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addOrg(t, "org-1", runStart.Add(-time.Hour), "spitogatos")
	h.seed(t, "org-1", "spitogatos", "A")
	h.source.fetch["spitogatos"] = pagesOf([]models.RawListing{raw("spitogatos", "", 1), raw("spitogatos", "", 2)})

	res := h.run(t)
	sum := res.Results[0].Platforms[0]
	if sum.Status != models.StatusFailed || len(sum.Errors) != 2 {
		t.Errorf("summary: %+v", sum)
	}
	if got := len(h.active(t, "org-1", "spitogatos")); got != 1 {
		t.Errorf("active listings: got %d, want 1", got)
	}
}

func TestRunUnknownPlatformDoesNotAbortSiblings(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addOrg(t, "org-1", runStart.Add(-time.Hour), "idealista", "xe")
	h.source.fetch["xe"] = pagesOf([]models.RawListing{raw("xe", "991", 100)})

	res := h.run(t)
	org := res.Results[0]
	if len(org.Platforms) != 2 || org.Success {
		t.Fatalf("org result: %+v", org)
	}
	if org.Platforms[0].Status != models.StatusFailed || org.Platforms[1].Status != models.StatusSuccess {
		t.Errorf("statuses: %s / %s", org.Platforms[0].Status, org.Platforms[1].Status)
	}
	if len(h.source.calls) != 1 || h.source.calls[0] != "xe" {
		t.Errorf("fetch calls: %v", h.source.calls)
	}

	cfg, _ := h.store.GetOrgConfig(context.Background(), "org-1")
	if !strings.Contains(cfg.LastError, "idealista") || *cfg.LastRunSuccess {
		t.Errorf("config: %+v", cfg)
	}
	if !cfg.NextScrapeDue.After(runStart) {
		t.Errorf("failed org must still advance: %v", cfg.NextScrapeDue)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addOrg(t, "org-1", runStart.Add(-time.Hour), "spitogatos", "xe")
	h.seed(t, "org-1", "spitogatos", "A")
	h.source.fetch["spitogatos"] = func() PageIterator { panic("decoder blew up") }
	h.source.fetch["xe"] = pagesOf([]models.RawListing{raw("xe", "991", 100)})

	res := h.run(t)
	org := res.Results[0]
	if org.Platforms[0].Status != models.StatusFailed || !strings.Contains(org.Platforms[0].Errors[0], "decoder blew up") {
		t.Errorf("panicking platform: %+v", org.Platforms[0])
	}
	if org.Platforms[1].Status != models.StatusSuccess {
		t.Errorf("sibling platform: %+v", org.Platforms[1])
	}
	if got := len(h.active(t, "org-1", "spitogatos")); got != 1 {
		t.Errorf("active listings: got %d, want 1", got)
	}

	logs, _ := h.store.ListScrapeLogs(context.Background(), "org-1", 10)
	for _, l := range logs {
		if l.Status == models.StatusRunning {
			t.Errorf("log %s left running", l.Platform)
		}
	}
}

func TestRunStopsWhenBudgetIsExhausted(t *testing.T) {
	h := newHarness(t, 10*time.Second)
	orgs := []string{"org-1", "org-2", "org-3", "org-4", "org-5"}
	due := make(map[string]time.Time)
	for i, id := range orgs {
		due[id] = runStart.Add(-time.Duration(len(orgs)-i) * time.Minute)
		h.addOrg(t, id, due[id], "xe")
	}
	h.source.fetch["xe"] = pagesOf([]models.RawListing{raw("xe", "1", 100)})
	h.source.onFetch = func() { h.clock.Advance(6 * time.Second) }

	res := h.run(t)
	if res.Processed != 2 || !res.BudgetExceeded || len(res.Results) != 2 {
		t.Fatalf("result: processed=%d exceeded=%v", res.Processed, res.BudgetExceeded)
	}

	for i, id := range orgs {
		cfg, err := h.store.GetOrgConfig(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if i < 2 {
			if !cfg.NextScrapeDue.After(due[id]) {
				t.Errorf("%s: due %v did not advance", id, cfg.NextScrapeDue)
			}
			continue
		}
		if !cfg.NextScrapeDue.Equal(due[id]) || cfg.LastRunSuccess != nil {
			t.Errorf("%s: untouched org changed: %+v", id, cfg)
		}
	}
}

func TestRunBudgetExhaustedMidOrganization(t *testing.T) {
	h := newHarness(t, 10*time.Second)
	h.addOrg(t, "org-1", runStart.Add(-time.Hour), "xe", "spitogatos", "tospitimou")
	h.source.onFetch = func() { h.clock.Advance(11 * time.Second) }

	res := h.run(t)
	org := res.Results[0]
	if len(org.Platforms) != 1 || org.Success {
		t.Fatalf("org result: %+v", org)
	}
	cfg, _ := h.store.GetOrgConfig(context.Background(), "org-1")
	if !strings.Contains(cfg.LastError, "spitogatos, tospitimou") {
		t.Errorf("last error should name skipped platforms: %q", cfg.LastError)
	}
	if !cfg.NextScrapeDue.After(runStart) {
		t.Errorf("attempted org must advance: %v", cfg.NextScrapeDue)
	}
}

func TestRunUsesOrgInterval(t *testing.T) {
	h := newHarness(t, time.Minute)
	err := h.store.SaveOrgConfig(context.Background(), &models.OrgScrapeConfig{
		OrganizationID: "org-1", Enabled: true, Platforms: []string{"xe"},
		ScrapeIntervalHours: 6, NextScrapeDue: runStart.Add(-time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	h.run(t)

	cfg, _ := h.store.GetOrgConfig(context.Background(), "org-1")
	if !cfg.NextScrapeDue.Equal(runStart.Add(6 * time.Hour)) {
		t.Errorf("next due: got %v, want +6h", cfg.NextScrapeDue)
	}
}

type brokenLogStore struct{}

func (brokenLogStore) InsertScrapeLog(context.Context, *models.ScrapeLog) error { return errors.New("disk full") }
func (brokenLogStore) AddScrapeLogCounts(context.Context, string, models.ScrapeCounts) error {
	return errors.New("disk full")
}
func (brokenLogStore) CloseScrapeLog(context.Context, string, models.ScrapeStatus, []string, time.Time, int64) error {
	return errors.New("disk full")
}
func (brokenLogStore) ListScrapeLogs(context.Context, string, int) ([]models.ScrapeLog, error) {
	return nil, errors.New("disk full")
}

func TestRecorderIsBestEffort(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.orch.Recorder = NewScrapeLogRecorder(brokenLogStore{}, utils.NewNopLogger())
	h.addOrg(t, "org-1", runStart.Add(-time.Hour), "xe")
	h.source.fetch["xe"] = pagesOf([]models.RawListing{raw("xe", "1", 100)})

	res := h.run(t)
	if !res.Results[0].Success {
		t.Errorf("recorder failures must not fail the run: %+v", res.Results[0])
	}
	if h.orch.Recorder.Failures() != 1 {
		t.Errorf("Failures: got %d, want 1 (open only, later calls are no-ops)", h.orch.Recorder.Failures())
	}
	if res.RecorderFailures != 1 {
		t.Errorf("RecorderFailures: got %d, want 1", res.RecorderFailures)
	}
}

// panickingLogStore blows up on open; everything else is a no-op.
type panickingLogStore struct{ brokenLogStore }

func (panickingLogStore) InsertScrapeLog(context.Context, *models.ScrapeLog) error {
	panic("log driver bug")
}

func TestRecorderPanicStaysInsidePlatformRun(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.orch.Recorder = NewScrapeLogRecorder(panickingLogStore{}, utils.NewNopLogger())
	h.addOrg(t, "org-1", runStart.Add(-time.Hour), "xe", "spitogatos")
	h.source.fetch["xe"] = pagesOf([]models.RawListing{raw("xe", "1", 100)})

	res := h.run(t)
	org := res.Results[0]
	if len(org.Platforms) != 2 || !org.Success {
		t.Fatalf("org result: %+v", org)
	}
	if res.RecorderFailures != 2 {
		t.Errorf("RecorderFailures: got %d, want 2", res.RecorderFailures)
	}
}

func TestRecorderCapsErrors(t *testing.T) {
	errs := make([]string, 75)
	for i := range errs {
		errs[i] = "bad record " + strconv.Itoa(i)
	}
	got := capErrors(errs)
	if len(got) != maxLogErrors+1 || got[maxLogErrors] != "... and 25 more errors" {
		t.Errorf("capErrors: got %d entries, last %q", len(got), got[len(got)-1])
	}
	if capErrors(nil) == nil {
		t.Error("nil errors should become an empty list")
	}
}

// jsonPlatformRegistry points the spitogatos mapping at a local server.
func jsonPlatformRegistry(t *testing.T, baseURL string) *platforms.Registry {
	t.Helper()
	reg, err := platforms.NewRegistry(platforms.PlatformConfig{
		ID: "spitogatos", BaseURL: baseURL, SearchPath: "/search", Format: platforms.FormatJSON,
		ItemsField: "listings", ListStyle: platforms.ListRepeat,
		Pagination: platforms.Pagination{Style: platforms.PageNumbered, PageParam: "page", PageSize: 30, StartPage: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestRunErrorEnvelopeKeepsActiveListings(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	cases := []struct {
		body        string
		status      models.ScrapeStatus
		active      int
		deactivated int
	}{
		{`{"error":"rate limited, try later"}`, models.StatusFailed, 3, 0},
		{`{"listings":[]}`, models.StatusSuccess, 0, 3},
	}
	for _, c := range cases {
		body = c.body
		h := newHarness(t, time.Minute)
		h.orch.Registry = jsonPlatformRegistry(t, srv.URL)
		h.orch.Source = FetcherSource(scraper.New(scraper.Options{MaxRetries: 0}, utils.NewNopLogger()))
		h.addOrg(t, "org-1", runStart.Add(-time.Hour), "spitogatos")
		h.seed(t, "org-1", "spitogatos", "A", "B", "C")

		res := h.run(t)
		sum := res.Results[0].Platforms[0]
		if sum.Status != c.status || sum.ListingsDeactivated != c.deactivated {
			t.Errorf("%s: summary %+v", c.body, sum)
		}
		if got := len(h.active(t, "org-1", "spitogatos")); got != c.active {
			t.Errorf("%s: active listings: got %d, want %d", c.body, got, c.active)
		}
		if c.status == models.StatusSuccess && sum.PagesScraped != 1 {
			t.Errorf("%s: empty page should count as scraped, got %d", c.body, sum.PagesScraped)
		}
	}
}

func TestRunCountsEmptyFinalPage(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addOrg(t, "org-1", runStart.Add(-time.Hour), "xe")
	h.source.fetch["xe"] = func() PageIterator {
		return &emptyTailPages{fakePages: fakePages{pages: [][]models.RawListing{{raw("xe", "1", 100)}}}}
	}

	res := h.run(t)
	if got := res.Results[0].Platforms[0].PagesScraped; got != 2 {
		t.Errorf("PagesScraped: got %d, want 2", got)
	}
	logs, _ := h.store.ListScrapeLogs(context.Background(), "org-1", 1)
	if len(logs) != 1 || logs[0].Counts.Pages != 2 {
		t.Errorf("log pages: %+v", logs)
	}
}

// emptyTailPages reports one more fetched page than it yields, like a
// fetcher whose last page decoded to zero items.
type emptyTailPages struct{ fakePages }

func (p *emptyTailPages) PagesScraped() int { return p.i + 1 }

func TestRunSkipsUnreadableConfig(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addOrg(t, "org-bad", runStart.Add(-2*time.Hour), "xe")
	h.addOrg(t, "org-good", runStart.Add(-time.Hour), "xe")
	h.source.fetch["xe"] = pagesOf([]models.RawListing{raw("xe", "1", 100)})

	db, err := sql.Open("sqlite", h.path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Exec(`UPDATE org_scrape_configs SET filters = '{broken' WHERE organization_id = 'org-bad'`); err != nil {
		t.Fatal(err)
	}

	res := h.run(t)
	if res.Processed != 2 || res.SuccessfulOrgs != 1 {
		t.Fatalf("result: processed=%d successful=%d", res.Processed, res.SuccessfulOrgs)
	}
	bad := res.Results[0]
	if bad.OrganizationID != "org-bad" || bad.Success || len(bad.Platforms) != 0 {
		t.Errorf("bad org: %+v", bad)
	}
	if len(h.source.calls) != 1 {
		t.Errorf("fetch calls: got %v, want only org-good's", h.source.calls)
	}

	cfg, err := h.store.GetOrgConfig(context.Background(), "org-bad")
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.NextScrapeDue.After(runStart) || !strings.Contains(cfg.LastError, "invalid config") {
		t.Errorf("bad org must still advance with an error: %+v", cfg)
	}
}

func TestRunFinalizesWhenCancelled(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addOrg(t, "org-1", runStart.Add(-time.Hour), "xe", "spitogatos")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.source.onFetch = cancel

	res, err := h.orch.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 1 || res.Results[0].Success {
		t.Errorf("result: %+v", res)
	}

	cfg, _ := h.store.GetOrgConfig(context.Background(), "org-1")
	if !cfg.NextScrapeDue.After(runStart) || !strings.Contains(cfg.LastError, "spitogatos") {
		t.Errorf("cancelled org must still advance: %+v", cfg)
	}
	logs, _ := h.store.ListScrapeLogs(context.Background(), "org-1", 10)
	if len(logs) != 1 || logs[0].Status == models.StatusRunning {
		t.Errorf("log left running: %+v", logs)
	}
}
