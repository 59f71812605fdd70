package services

import (
	"bytes"
	"strings"
	"testing"

	"market-intel/models"
)

func sampleRun() *models.RunResult {
	return &models.RunResult{
		Processed:      2,
		SuccessfulOrgs: 1,
		TotalListings:  45,
		DurationMs:     1200,
		Results: []models.OrgResult{
			{OrganizationID: "org-a", Success: true, Platforms: []models.ScrapeResultSummary{
				{Platform: "xe", Status: models.StatusSuccess, ListingsFound: 10, ListingsNew: 4, ListingsUpdated: 6, PagesScraped: 1},
				{Platform: "spitogatos", Status: models.StatusSuccess, ListingsFound: 30, ListingsNew: 30, PagesScraped: 1, ListingsDeactivated: 2},
			}},
			{OrganizationID: "org-b", Success: false, Platforms: []models.ScrapeResultSummary{
				{Platform: "xe", Status: models.StatusPartial, ListingsFound: 5, PagesScraped: 1,
					Errors: []string{"fetch xe page 2: status 502"}},
				{Platform: "idealista", Status: models.StatusFailed, Errors: []string{"unknown platform"}},
			}},
		},
	}
}

func TestBuildReportTotals(t *testing.T) {
	r := BuildReport(sampleRun())
	if r.ByStatus[models.StatusSuccess] != 2 || r.ByStatus[models.StatusPartial] != 1 || r.ByStatus[models.StatusFailed] != 1 {
		t.Errorf("ByStatus: got %v", r.ByStatus)
	}
	if r.SuccessRate != 50 {
		t.Errorf("SuccessRate: got %.2f, want 50", r.SuccessRate)
	}
	if len(r.Platforms) != 3 {
		t.Fatalf("Platforms: got %d, want 3", len(r.Platforms))
	}
	if r.Platforms[0].Platform != "spitogatos" || r.Platforms[1].Platform != "xe" {
		t.Errorf("ordering: got %v", r.Platforms)
	}
	xe := r.Platforms[1]
	if xe.Runs != 2 || xe.Found != 15 || xe.New != 4 || xe.Updated != 6 {
		t.Errorf("xe totals: got %+v", xe)
	}
}

func TestBuildReportFailures(t *testing.T) {
	r := BuildReport(sampleRun())
	if len(r.Failures) != 2 {
		t.Fatalf("Failures: got %v", r.Failures)
	}
	if r.Failures[0] != "org-b/xe: fetch xe page 2: status 502" {
		t.Errorf("Failures[0]: got %q", r.Failures[0])
	}
}

func TestBuildReportEmpty(t *testing.T) {
	r := BuildReport(&models.RunResult{Message: "no organizations due"})
	if r.SuccessRate != 0 || len(r.Platforms) != 0 {
		t.Errorf("expected empty report, got %+v", r)
	}
	if BuildReport(nil).Processed != 0 {
		t.Error("nil result should yield an empty report")
	}
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	PrintReport(&buf, sampleRun())
	out := buf.String()
	for _, want := range []string{"MARKET INTEL SCRAPE RUN", "spitogatos", "org-b/idealista: unknown platform"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("Κολωνάκι", 20); got != "Κολωνάκι" {
		t.Errorf("short string changed: %q", got)
	}
	if got := truncate("abcdefghij", 6); got != "abc..." {
		t.Errorf("got %q", got)
	}
}
