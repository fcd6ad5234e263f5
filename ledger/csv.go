package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/bookprices/bookprices/models"
)

// ReadCatalogCSV reads books from a CSV file whose header names book columns
// and site ids. Unknown columns are ignored; an isbn column is required.
func ReadCatalogCSV(r io.Reader, siteIDs []string) ([]models.Book, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := index[ColISBN]; !ok {
		return nil, fmt.Errorf("catalog header has no %q column", ColISBN)
	}

	var books []models.Book
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read catalog line %d: %w", line, err)
		}
		field := func(name string) string {
			i, ok := index[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		b := models.Book{
			ISBN:      field(ColISBN),
			Author:    field(ColAuthor),
			Title:     field(ColTitle),
			Year:      field(ColYear),
			Publisher: field(ColPublisher),
			URLs:      make(map[string]string),
		}
		if raw := field(ColFullPrice); raw != "" {
			v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
			if err != nil {
				return nil, fmt.Errorf("catalog line %d %s: %w", line, ColFullPrice, err)
			}
			b.FullPrice = &v
		}
		for _, site := range siteIDs {
			if u := field(site); u != "" {
				b.URLs[site] = u
			}
		}
		books = append(books, b)
	}
	return books, nil
}
