package scraper

import (
	"context"
	"net/url"
	"strconv"

	"market-intel/models"
	"market-intel/platforms"
)

// Pages is a finite, non-restartable sequence of result pages. Each call to
// Next performs at most one page fetch:
//
//	pages := fetcher.FetchListings(ctx, p, filters, 5)
//	for pages.Next() {
//		handle(pages.Page())
//	}
//	if err := pages.Err(); err != nil { ... }
type Pages struct {
	f        *Fetcher
	ctx      context.Context
	platform platforms.PlatformConfig
	query    url.Values
	maxPages int

	page   int
	offset int
	cursor string

	fetched int
	last    bool
	done    bool
	current []models.RawListing
	err     error
}

// Next fetches the following page. It returns false once the sequence is
// exhausted or a page failed; check Err afterwards.
func (p *Pages) Next() bool {
	if p.done {
		return false
	}
	if p.last || p.fetched >= p.maxPages {
		p.finish()
		return false
	}

	pageNum := p.fetched + 1
	target := p.pageURL()

	body, status, err := p.f.get(p.ctx, p.platform, target, pageNum)
	if err != nil {
		p.fail(pageNum, status, err)
		return false
	}

	items, next, err := decodePage(p.platform, body)
	if err != nil {
		p.fail(pageNum, status, err)
		return false
	}
	p.fetched++

	if len(items) == 0 {
		p.finish()
		return false
	}

	scrapedAt := p.f.now()
	p.current = make([]models.RawListing, 0, len(items))
	for _, fields := range items {
		p.current = append(p.current, models.RawListing{
			Platform:  p.platform.ID,
			Page:      pageNum,
			Fields:    fields,
			ScrapedAt: scrapedAt,
		})
	}

	pg := p.platform.Pagination
	switch pg.Style {
	case platforms.Cursor:
		p.cursor = next
		if next == "" {
			p.last = true
		}
	case platforms.OffsetLimit:
		p.offset += len(items)
		if len(items) < pg.PageSize {
			p.last = true
		}
	default:
		p.page++
		if pg.PageSize > 0 && len(items) < pg.PageSize {
			p.last = true
		}
	}
	return true
}

// Page returns the listings of the page Next just fetched.
func (p *Pages) Page() []models.RawListing {
	return p.current
}

// Err returns the page error that stopped the sequence, if any. It is a
// *PageError.
func (p *Pages) Err() error {
	return p.err
}

// PagesScraped counts pages fetched and decoded successfully, including a
// final empty page.
func (p *Pages) PagesScraped() int {
	return p.fetched
}

func (p *Pages) finish() {
	p.done = true
	p.current = nil
	p.f.logger.Debug("[fetcher] %s: done after %d pages", p.platform.ID, p.fetched)
}

func (p *Pages) fail(pageNum, status int, err error) {
	p.err = &PageError{Platform: p.platform.ID, Page: pageNum, StatusCode: status, Err: err}
	p.done = true
	p.current = nil
	p.f.logger.Warn("[fetcher] %v", p.err)
}

func (p *Pages) pageURL() string {
	q := url.Values{}
	for k, v := range p.query {
		q[k] = append([]string(nil), v...)
	}

	pg := p.platform.Pagination
	switch pg.Style {
	case platforms.Cursor:
		if p.cursor != "" {
			q.Set(pg.CursorParam, p.cursor)
		}
	case platforms.OffsetLimit:
		q.Set(pg.PageParam, strconv.Itoa(p.offset))
	default:
		q.Set(pg.PageParam, strconv.Itoa(p.page))
	}

	u := p.platform.SearchURL()
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}
