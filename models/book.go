// Package models defines data structures shared by the scraper and the ledger.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ISBNLength is the only accepted isbn length.
const ISBNLength = 13

// ValidationError reports a malformed catalog entry.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Book is one row of the catalog.
type Book struct {
	ISBN      string            `json:"isbn"`
	Author    string            `json:"author"`
	Title     string            `json:"title"`
	Year      string            `json:"year"`
	Publisher string            `json:"publisher"`
	FullPrice *float64          `json:"full_price"`
	MinPrice  *float64          `json:"min_price"`
	URLs      map[string]string `json:"urls,omitempty"` // keyed by site id
}

// NewBook validates the isbn and returns a copy with empty site URLs dropped.
func NewBook(b Book) (Book, error) {
	if err := ValidateISBN(b.ISBN); err != nil {
		return Book{}, err
	}
	urls := make(map[string]string, len(b.URLs))
	for site, u := range b.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls[site] = u
		}
	}
	b.URLs = urls
	return b, nil
}

// ValidateISBN checks the isbn is present and exactly ISBNLength characters long.
func ValidateISBN(isbn string) error {
	if isbn == "" {
		return &ValidationError{Field: "isbn", Value: isbn, Reason: "missing"}
	}
	if n := len([]rune(isbn)); n != ISBNLength {
		return &ValidationError{Field: "isbn", Value: isbn, Reason: fmt.Sprintf("length %d, want %d", n, ISBNLength)}
	}
	return nil
}

// URL returns the book's URL for site, or "" when the column is null.
func (b Book) URL(site string) string {
	if b.URLs == nil {
		return ""
	}
	return b.URLs[site]
}

// PriceObservation is one scrape attempt for a book on a site.
type PriceObservation struct {
	ISBN  string    `csv:"isbn" json:"isbn"`
	Site  string    `csv:"site" json:"site"`
	Price *float64  `csv:"price" json:"price"`
	Date  time.Time `csv:"date" json:"date"`
}

// ScrapeTask is a single (isbn, site, url) unit of work.
type ScrapeTask struct {
	ISBN string
	Site string
	URL  string
}

// ScrapeResult holds the overall result of a scrape batch.
type ScrapeResult struct {
	Prices       []*float64
	StartTime    time.Time
	EndTime      time.Time
	TaskCount    int
	PriceCount   int
	AbsentCount  int
	ErrorCount   int
	FailedURLs   []string
	ErrorsByType map[string]int
}

// DateOnly truncates t to its calendar date in UTC.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
