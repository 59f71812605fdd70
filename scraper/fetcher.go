// Package scraper fetches raw listing pages from the platforms in the
// registry over plain HTTP.
package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"market-intel/models"
	"market-intel/platforms"
	"market-intel/utils"
)

const maxBodyBytes = 8 << 20

// Options configures a Fetcher.
type Options struct {
	Timeout    time.Duration
	UserAgent  string
	MaxRetries int
	RetryBase  time.Duration
	// Client overrides the HTTP client; Timeout is ignored when set.
	Client *http.Client
}

// Fetcher retrieves listing pages. One limiter per platform paces requests
// across all runs that share the Fetcher.
type Fetcher struct {
	client    *http.Client
	userAgent string
	retry     *utils.RetryConfig
	logger    *utils.Logger
	now       func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a ready-to-use Fetcher.
func New(opts Options, logger *utils.Logger) *Fetcher {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "market-intel/1.0"
	}
	return &Fetcher{
		client:    client,
		userAgent: ua,
		retry: &utils.RetryConfig{
			MaxAttempts: opts.MaxRetries + 1,
			BaseDelay:   opts.RetryBase,
			MaxDelay:    5 * time.Second,
			Logger:      logger,
		},
		logger:   logger,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// PageError is a page-level failure. Pages fetched before it stay valid.
type PageError struct {
	Platform   string
	Page       int
	StatusCode int
	Err        error
}

func (e *PageError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s page %d: HTTP %d: %v", e.Platform, e.Page, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s page %d: %v", e.Platform, e.Page, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

type statusError struct {
	code int
}

func (e *statusError) Error() string { return "unexpected status " + strconv.Itoa(e.code) }

// FetchListings returns a one-shot iterator over the platform's result pages,
// bounded by maxPages and by the platform's own hard cap.
func (f *Fetcher) FetchListings(ctx context.Context, p platforms.PlatformConfig, filters models.TargetFilters, maxPages int) *Pages {
	if maxPages <= 0 {
		maxPages = 1
	}
	if p.MaxPages > 0 && maxPages > p.MaxPages {
		maxPages = p.MaxPages
	}
	f.logger.Debug("[fetcher] %s: starting, up to %d pages", p.ID, maxPages)
	return &Pages{
		f:        f,
		ctx:      ctx,
		platform: p,
		query:    BuildQuery(p, filters),
		maxPages: maxPages,
		page:     p.Pagination.StartPage,
	}
}

func (f *Fetcher) limiter(p platforms.PlatformConfig) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if l, ok := f.limiters[p.ID]; ok {
		return l
	}
	limit := rate.Inf
	if p.RequestsPerSecond > 0 {
		limit = rate.Limit(p.RequestsPerSecond)
	}
	l := rate.NewLimiter(limit, 1)
	f.limiters[p.ID] = l
	return l
}

// get performs one paced GET with retries on transient failures and returns
// the body and final status code.
func (f *Fetcher) get(ctx context.Context, p platforms.PlatformConfig, rawURL string, pageNum int) ([]byte, int, error) {
	var body []byte
	var status int

	err := f.retry.Do(ctx, fmt.Sprintf("%s-page-%d", p.ID, pageNum), func() error {
		if err := f.limiter(p).Wait(ctx); err != nil {
			return utils.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return utils.Permanent(err)
		}
		req.Header.Set("User-Agent", f.userAgent)
		if p.Format == platforms.FormatHTML {
			req.Header.Set("Accept", "text/html,application/xhtml+xml")
		} else {
			req.Header.Set("Accept", "application/json")
		}

		start := time.Now()
		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		status = resp.StatusCode

		f.logger.Debug("[fetcher] GET %s -> %d (%v)", rawURL, resp.StatusCode, time.Since(start).Round(time.Millisecond))

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return &statusError{code: resp.StatusCode}
		}
		if resp.StatusCode >= 400 {
			return utils.Permanent(&statusError{code: resp.StatusCode})
		}

		b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	return body, status, err
}
