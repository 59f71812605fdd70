package services

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"market-intel/models"
)

// PlatformTotals aggregates one platform across every organization of a run.
type PlatformTotals struct {
	Platform string
	Runs     int
	Found    int
	New      int
	Updated  int
	Inactive int
	Pages    int
}

// RunReport is the console view of one orchestrator invocation.
type RunReport struct {
	Processed      int
	SuccessfulOrgs int
	TotalListings  int
	DurationMs     int64
	BudgetExceeded bool
	Message        string
	ByStatus       map[models.ScrapeStatus]int
	Platforms      []PlatformTotals
	Failures       []string
	SuccessRate    float64
}

// BuildReport aggregates a RunResult. Platforms are ordered by listings
// found, busiest first.
func BuildReport(r *models.RunResult) *RunReport {
	report := &RunReport{ByStatus: make(map[models.ScrapeStatus]int)}
	if r == nil {
		return report
	}
	report.Processed = r.Processed
	report.SuccessfulOrgs = r.SuccessfulOrgs
	report.TotalListings = r.TotalListings
	report.DurationMs = r.DurationMs
	report.BudgetExceeded = r.BudgetExceeded
	report.Message = r.Message

	totals := make(map[string]*PlatformTotals)
	for _, org := range r.Results {
		for _, p := range org.Platforms {
			report.ByStatus[p.Status]++
			t, ok := totals[p.Platform]
			if !ok {
				t = &PlatformTotals{Platform: p.Platform}
				totals[p.Platform] = t
			}
			t.Runs++
			t.Found += p.ListingsFound
			t.New += p.ListingsNew
			t.Updated += p.ListingsUpdated
			t.Inactive += p.ListingsDeactivated
			t.Pages += p.PagesScraped

			if p.Status != models.StatusSuccess {
				reason := string(p.Status)
				if len(p.Errors) > 0 {
					reason = p.Errors[len(p.Errors)-1]
				}
				report.Failures = append(report.Failures,
					fmt.Sprintf("%s/%s: %s", org.OrganizationID, p.Platform, reason))
			}
		}
	}

	for _, t := range totals {
		report.Platforms = append(report.Platforms, *t)
	}
	sort.Slice(report.Platforms, func(i, j int) bool {
		if report.Platforms[i].Found != report.Platforms[j].Found {
			return report.Platforms[i].Found > report.Platforms[j].Found
		}
		return report.Platforms[i].Platform < report.Platforms[j].Platform
	})

	if r.Processed > 0 {
		report.SuccessRate = round2(float64(r.SuccessfulOrgs) / float64(r.Processed) * 100)
	}
	return report
}

// PrintReport writes the report of one run to w.
func PrintReport(w io.Writer, r *models.RunResult) {
	rep := BuildReport(r)
	sep := strings.Repeat("═", 60)
	thin := strings.Repeat("─", 60)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  MARKET INTEL SCRAPE RUN\033[0m\n")
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	fmt.Fprintf(w, "\033[1;33m  Overview\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Organizations processed : \033[1m%d\033[0m\n", rep.Processed)
	fmt.Fprintf(w, "  Successful              : \033[1m%d\033[0m (%.2f%%)\n", rep.SuccessfulOrgs, rep.SuccessRate)
	fmt.Fprintf(w, "  Listings found          : \033[1m%d\033[0m\n", rep.TotalListings)
	fmt.Fprintf(w, "  Duration                : %dms\n", rep.DurationMs)
	if rep.BudgetExceeded {
		fmt.Fprintf(w, "  \033[1;31mBudget exhausted, remaining organizations deferred\033[0m\n")
	}
	if rep.Message != "" {
		fmt.Fprintf(w, "  %s\n", rep.Message)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Platform Runs\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if len(rep.Platforms) == 0 {
		fmt.Fprintf(w, "  No platform runs\n")
	} else {
		fmt.Fprintf(w, "  %-14s %5s %7s %6s %8s %8s %6s\n", "platform", "runs", "found", "new", "updated", "inactive", "pages")
		for _, t := range rep.Platforms {
			fmt.Fprintf(w, "  %-14s %5d %7d %6d %8d %8d %6d\n",
				truncate(t.Platform, 14), t.Runs, t.Found, t.New, t.Updated, t.Inactive, t.Pages)
		}
		fmt.Fprintf(w, "  success=%d partial=%d failed=%d\n",
			rep.ByStatus[models.StatusSuccess], rep.ByStatus[models.StatusPartial], rep.ByStatus[models.StatusFailed])
	}
	fmt.Fprintln(w)

	if len(rep.Failures) > 0 {
		fmt.Fprintf(w, "\033[1;33m  Problems\033[0m\n")
		fmt.Fprintf(w, "  %s\n", thin)
		for _, f := range rep.Failures {
			fmt.Fprintf(w, "  \033[1;31m✗\033[0m %s\n", truncate(f, 70))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
