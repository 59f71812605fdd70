// Package platforms is the static catalog of listing platforms the scraper
// can talk to.
package platforms

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// ErrUnknownPlatform is returned by Resolve for ids not in the catalog.
var ErrUnknownPlatform = errors.New("unknown platform")

// Response formats.
const (
	FormatJSON = "json"
	FormatHTML = "html"
)

// Pagination styles.
const (
	PageNumbered = "page"
	OffsetLimit  = "offset"
	Cursor       = "cursor"
)

// Multi-value filter encodings.
const (
	ListRepeat = "repeat"
	ListComma  = "comma"
)

// Pagination describes how a platform pages its search results.
type Pagination struct {
	Style       string `yaml:"style"`
	PageParam   string `yaml:"page_param"`
	SizeParam   string `yaml:"size_param"`
	PageSize    int    `yaml:"page_size"`
	StartPage   int    `yaml:"start_page"`
	CursorParam string `yaml:"cursor_param"`
	CursorField string `yaml:"cursor_field"`
}

// FilterParams maps target filters to query parameter names. Empty means
// unsupported.
type FilterParams struct {
	Areas            string `yaml:"areas"`
	Municipalities   string `yaml:"municipalities"`
	MinPrice         string `yaml:"min_price"`
	MaxPrice         string `yaml:"max_price"`
	PropertyTypes    string `yaml:"property_types"`
	TransactionTypes string `yaml:"transaction_types"`
}

// Selectors locate listing fields inside an HTML result card. ID is read as
// an attribute of the card element. When Results is set, a page without
// that container is a failed page rather than an empty one.
type Selectors struct {
	Results     string `yaml:"results"`
	Card        string `yaml:"card"`
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Price       string `yaml:"price"`
	Size        string `yaml:"size"`
	Rooms       string `yaml:"rooms"`
	Location    string `yaml:"location"`
	Link        string `yaml:"link"`
	Description string `yaml:"description"`
}

// PlatformConfig is everything the fetcher needs to know about a platform.
type PlatformConfig struct {
	ID                string       `yaml:"id"`
	Name              string       `yaml:"name"`
	BaseURL           string       `yaml:"base_url"`
	SearchPath        string       `yaml:"search_path"`
	Format            string       `yaml:"format"`
	ItemsField        string       `yaml:"items_field"`
	Currency          string       `yaml:"currency"`
	RequestsPerSecond float64      `yaml:"requests_per_second"`
	MaxPages          int          `yaml:"max_pages"`
	ListStyle         string       `yaml:"list_style"`
	Pagination        Pagination   `yaml:"pagination"`
	Filters           FilterParams `yaml:"filters"`
	Selectors         Selectors    `yaml:"selectors"`
}

// SearchURL is the base URL joined with the search path.
func (p PlatformConfig) SearchURL() string {
	return strings.TrimRight(p.BaseURL, "/") + p.SearchPath
}

type catalogFile struct {
	Platforms []PlatformConfig `yaml:"platforms"`
}

// Registry resolves platform ids to their configuration.
type Registry struct {
	platforms map[string]PlatformConfig
}

// NewRegistry builds a registry from explicit configs, validating each.
func NewRegistry(configs ...PlatformConfig) (*Registry, error) {
	r := &Registry{platforms: make(map[string]PlatformConfig, len(configs))}
	for _, p := range configs {
		p.ID = strings.ToLower(strings.TrimSpace(p.ID))
		applyDefaults(&p)
		if err := validate(p); err != nil {
			return nil, err
		}
		if _, dup := r.platforms[p.ID]; dup {
			return nil, fmt.Errorf("platforms: duplicate id %q", p.ID)
		}
		r.platforms[p.ID] = p
	}
	return r, nil
}

// LoadDefault parses the embedded catalog.
func LoadDefault() (*Registry, error) {
	return Parse(defaultCatalog)
}

// LoadFile parses a catalog from disk.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("platforms: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog.
func Parse(data []byte) (*Registry, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("platforms: parse catalog: %w", err)
	}
	return NewRegistry(f.Platforms...)
}

// Resolve looks up a platform. A miss is a configuration error.
func (r *Registry) Resolve(id string) (PlatformConfig, error) {
	p, ok := r.platforms[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return PlatformConfig{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, id)
	}
	return p, nil
}

// IDs lists the known platform ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.platforms))
	for id := range r.platforms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func applyDefaults(p *PlatformConfig) {
	if p.Format == "" {
		p.Format = FormatJSON
	}
	if p.Pagination.Style == "" {
		p.Pagination.Style = PageNumbered
	}
	if p.Pagination.Style == PageNumbered && p.Pagination.PageParam == "" {
		p.Pagination.PageParam = "page"
	}
	if p.Pagination.Style == OffsetLimit && p.Pagination.PageParam == "" {
		p.Pagination.PageParam = "offset"
	}
	if p.Pagination.Style == PageNumbered && p.Pagination.StartPage == 0 {
		p.Pagination.StartPage = 1
	}
	if p.ListStyle == "" {
		p.ListStyle = ListRepeat
	}
	if p.Currency == "" {
		p.Currency = "EUR"
	}
}

func validate(p PlatformConfig) error {
	if p.ID == "" {
		return errors.New("platforms: entry without id")
	}
	if p.BaseURL == "" {
		return fmt.Errorf("platforms: %s: base_url is required", p.ID)
	}
	switch p.Format {
	case FormatJSON:
	case FormatHTML:
		if p.Selectors.Card == "" {
			return fmt.Errorf("platforms: %s: html format needs a card selector", p.ID)
		}
	default:
		return fmt.Errorf("platforms: %s: unknown format %q", p.ID, p.Format)
	}
	switch p.Pagination.Style {
	case PageNumbered:
	case OffsetLimit:
		if p.Pagination.PageSize <= 0 {
			return fmt.Errorf("platforms: %s: offset pagination needs page_size", p.ID)
		}
	case Cursor:
		if p.Pagination.CursorParam == "" || p.Pagination.CursorField == "" {
			return fmt.Errorf("platforms: %s: cursor pagination needs cursor_param and cursor_field", p.ID)
		}
		if p.Format != FormatJSON {
			return fmt.Errorf("platforms: %s: cursor pagination requires json format", p.ID)
		}
	default:
		return fmt.Errorf("platforms: %s: unknown pagination style %q", p.ID, p.Pagination.Style)
	}
	switch p.ListStyle {
	case ListRepeat, ListComma:
	default:
		return fmt.Errorf("platforms: %s: unknown list_style %q", p.ID, p.ListStyle)
	}
	return nil
}
