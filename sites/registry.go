// Package sites holds the table of supported bookstores and how a price is
// read from each of their product pages.
package sites

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Strategy selects how a site's pages are fetched.
type Strategy string

const (
	// StrategyStatic fetches the page with a single HTTP GET.
	StrategyStatic Strategy = "static"
	// StrategyDynamic renders the page in a headless browser.
	StrategyDynamic Strategy = "dynamic"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategyStatic || s == StrategyDynamic
}

// UnsupportedSiteError is returned when no adapter matches a URL.
type UnsupportedSiteError struct {
	URL string
}

func (e *UnsupportedSiteError) Error() string {
	return fmt.Sprintf("unsupported site: %s", e.URL)
}

// Adapter describes one bookstore.
type Adapter struct {
	ID            string
	Markers       []string
	Strategy      Strategy
	ExtractorName string
	Headers       map[string]string
	// WaitSelectors are awaited by the browser before the page is captured.
	WaitSelectors []string
	// Extract overrides the extractor looked up by ExtractorName.
	Extract Extractor
}

// Matches reports whether any marker is a substring of url.
func (a *Adapter) Matches(url string) bool {
	for _, marker := range a.Markers {
		if strings.Contains(url, marker) {
			return true
		}
	}
	return false
}

// ExtractHTML parses html and runs the adapter's extractor on it. An error is
// returned only when the document cannot be parsed at all.
func (a *Adapter) ExtractHTML(html string) (Extraction, error) {
	if strings.TrimSpace(html) == "" {
		return Absent("empty document"), nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Extraction{}, fmt.Errorf("parse %s document: %w", a.ID, err)
	}
	return a.Extract(doc), nil
}

var siteIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Site ids double as catalog column names, so they may not shadow these.
var reservedIDs = map[string]struct{}{
	"isbn": {}, "author": {}, "title": {}, "year": {}, "publisher": {},
	"full_price": {}, "min_price": {}, "site": {}, "price": {}, "date": {},
}

// Registry resolves URLs to adapters. It is built once and only read
// afterwards, so concurrent Resolve calls need no locking.
type Registry struct {
	adapters []*Adapter
	byID     map[string]*Adapter
}

// NewRegistry builds a registry from adapters in the given order.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{byID: make(map[string]*Adapter, len(adapters))}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends an adapter. It must not be called once the registry is
// shared with readers.
func (r *Registry) Register(a Adapter) error {
	if !siteIDPattern.MatchString(a.ID) {
		return fmt.Errorf("site id %q must match %s", a.ID, siteIDPattern)
	}
	if _, ok := reservedIDs[a.ID]; ok {
		return fmt.Errorf("site id %q is reserved", a.ID)
	}
	if _, ok := r.byID[a.ID]; ok {
		return fmt.Errorf("site %q registered twice", a.ID)
	}
	if len(a.Markers) == 0 {
		return fmt.Errorf("site %q has no url markers", a.ID)
	}
	for _, marker := range a.Markers {
		if strings.TrimSpace(marker) == "" {
			return fmt.Errorf("site %q has an empty url marker", a.ID)
		}
	}
	if !a.Strategy.Valid() {
		return fmt.Errorf("site %q: unknown strategy %q", a.ID, a.Strategy)
	}
	if a.Extract == nil {
		fn, ok := extractors[a.ExtractorName]
		if !ok {
			return fmt.Errorf("site %q: unknown extractor %q", a.ID, a.ExtractorName)
		}
		a.Extract = fn
	}

	adapter := a
	adapter.Markers = append([]string(nil), a.Markers...)
	adapter.WaitSelectors = append([]string(nil), a.WaitSelectors...)
	r.adapters = append(r.adapters, &adapter)
	r.byID[adapter.ID] = &adapter
	return nil
}

// Resolve returns the first registered adapter with a marker contained in
// url. Registration order decides between overlapping markers; the longest
// marker does not win.
func (r *Registry) Resolve(url string) (*Adapter, error) {
	for _, a := range r.adapters {
		if a.Matches(url) {
			return a, nil
		}
	}
	return nil, &UnsupportedSiteError{URL: url}
}

// Lookup returns the adapter registered under id.
func (r *Registry) Lookup(id string) (*Adapter, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// IDs returns site ids in registration order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.adapters))
	for i, a := range r.adapters {
		ids[i] = a.ID
	}
	return ids
}

// Adapters returns the registered adapters in order.
func (r *Registry) Adapters() []*Adapter {
	out := make([]*Adapter, len(r.adapters))
	copy(out, r.adapters)
	return out
}
