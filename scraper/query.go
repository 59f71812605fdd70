package scraper

import (
	"net/url"
	"strconv"
	"strings"

	"market-intel/models"
	"market-intel/platforms"
)

// BuildQuery maps target filters onto the platform's query parameters.
// Filters the platform has no parameter for are dropped.
func BuildQuery(p platforms.PlatformConfig, f models.TargetFilters) url.Values {
	q := url.Values{}
	fp := p.Filters

	addList(q, fp.Areas, f.Areas, p.ListStyle)
	addList(q, fp.Municipalities, f.Municipalities, p.ListStyle)
	addList(q, fp.PropertyTypes, f.PropertyTypes, p.ListStyle)
	addList(q, fp.TransactionTypes, f.TransactionTypes, p.ListStyle)
	addPrice(q, fp.MinPrice, f.MinPrice)
	addPrice(q, fp.MaxPrice, f.MaxPrice)

	if p.Pagination.SizeParam != "" && p.Pagination.PageSize > 0 {
		q.Set(p.Pagination.SizeParam, strconv.Itoa(p.Pagination.PageSize))
	}
	return q
}

func addList(q url.Values, param string, values []string, style string) {
	if param == "" {
		return
	}
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			cleaned = append(cleaned, v)
		}
	}
	if len(cleaned) == 0 {
		return
	}
	if style == platforms.ListComma {
		q.Set(param, strings.Join(cleaned, ","))
		return
	}
	for _, v := range cleaned {
		q.Add(param, v)
	}
}

func addPrice(q url.Values, param string, v *float64) {
	if param == "" || v == nil {
		return
	}
	q.Set(param, strconv.FormatFloat(*v, 'f', -1, 64))
}
