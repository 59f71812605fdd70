package scraper

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"market-intel/platforms"
)

func decodePage(p platforms.PlatformConfig, body []byte) ([]map[string]any, string, error) {
	if p.Format == platforms.FormatHTML {
		items, err := decodeHTML(p, body)
		return items, "", err
	}
	return decodeJSON(p, body)
}

// decodeJSON accepts either an object carrying the items under ItemsField
// or a bare array of items. An object without an items array is an error:
// error envelopes and schema changes must not read as an empty result.
func decodeJSON(p platforms.PlatformConfig, body []byte) ([]map[string]any, string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, "", errors.New("search payload is empty")
	}

	if trimmed[0] == '[' {
		var arr []map[string]any
		if err := unmarshalNumbers(trimmed, &arr); err != nil {
			return nil, "", fmt.Errorf("search payload parse: %w", err)
		}
		return arr, "", nil
	}

	var obj map[string]json.RawMessage
	if err := unmarshalNumbers(trimmed, &obj); err != nil {
		return nil, "", fmt.Errorf("search payload parse: %w", err)
	}

	field := p.ItemsField
	if field == "" {
		field = "listings"
	}
	raw, ok := obj[field]
	if !ok {
		return nil, "", fmt.Errorf("search payload has no %q field (%s)", field, snippet(trimmed))
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, "", fmt.Errorf("search payload field %q is not an array", field)
	}
	items := []map[string]any{}
	if err := unmarshalNumbers(raw, &items); err != nil {
		return nil, "", fmt.Errorf("search payload field %q: %w", field, err)
	}

	var cursor string
	if cf := p.Pagination.CursorField; cf != "" {
		if raw, ok := obj[cf]; ok {
			var v any
			if err := unmarshalNumbers(raw, &v); err == nil && v != nil {
				cursor = strings.TrimSpace(fmt.Sprint(v))
			}
		}
	}
	return items, cursor, nil
}

// snippet shortens a payload for error messages.
func snippet(b []byte) string {
	const max = 120
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}

func unmarshalNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// decodeHTML extracts one field map per result card using the platform's
// selectors. Values are trimmed text; "url" is absolute.
func decodeHTML(p platforms.PlatformConfig, body []byte) ([]map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("html parse: %w", err)
	}

	base, _ := url.Parse(p.BaseURL)
	sel := p.Selectors
	if sel.Results != "" && doc.Find(sel.Results).Length() == 0 {
		return nil, fmt.Errorf("html page has no %q results container", sel.Results)
	}
	var items []map[string]any

	doc.Find(sel.Card).Each(func(_ int, card *goquery.Selection) {
		fields := make(map[string]any)

		if sel.ID != "" {
			if v, ok := card.Attr(sel.ID); ok && strings.TrimSpace(v) != "" {
				fields["id"] = strings.TrimSpace(v)
			}
		}

		text := func(key, css string) {
			if css == "" {
				return
			}
			if t := strings.TrimSpace(card.Find(css).First().Text()); t != "" {
				fields[key] = t
			}
		}
		text("title", sel.Title)
		text("price", sel.Price)
		text("size", sel.Size)
		text("rooms", sel.Rooms)
		text("location", sel.Location)
		text("description", sel.Description)

		linkSel := sel.Link
		if linkSel == "" {
			linkSel = "a"
		}
		if href, ok := card.Find(linkSel).First().Attr("href"); ok {
			fields["url"] = absoluteURL(base, href)
		}

		items = append(items, fields)
	})
	return items, nil
}

func absoluteURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	ref, err := url.Parse(href)
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
