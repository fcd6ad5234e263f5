package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bookprices/bookprices/models"
	"github.com/bookprices/bookprices/store"
)

// Table names used in the store.
const (
	BooksTableName  = "books"
	PricesTableName = "prices"
)

// Column names shared by both tables.
const (
	ColISBN      = "isbn"
	ColAuthor    = "author"
	ColTitle     = "title"
	ColYear      = "year"
	ColPublisher = "publisher"
	ColFullPrice = "full_price"
	ColMinPrice  = "min_price"
	ColSite      = "site"
	ColPrice     = "price"
	ColDate      = "date"
)

// DateLayout is how observation dates are stored.
const DateLayout = "2006-01-02"

// BooksTable is the books layout: book info columns then one URL column per site.
func BooksTable(siteIDs []string) store.Table {
	cols := []store.Column{
		{Name: ColISBN, Type: store.Text},
		{Name: ColAuthor, Type: store.Text},
		{Name: ColTitle, Type: store.Text},
		{Name: ColYear, Type: store.Text},
		{Name: ColPublisher, Type: store.Text},
		{Name: ColFullPrice, Type: store.Real},
		{Name: ColMinPrice, Type: store.Real},
	}
	for _, site := range siteIDs {
		cols = append(cols, store.Column{Name: site, Type: store.Text})
	}
	return store.Table{Name: BooksTableName, Columns: cols}
}

// PricesTable is the price history layout.
func PricesTable() store.Table {
	return store.Table{
		Name: PricesTableName,
		Columns: []store.Column{
			{Name: ColISBN, Type: store.Text},
			{Name: ColSite, Type: store.Text},
			{Name: ColPrice, Type: store.Real},
			{Name: ColDate, Type: store.Text},
		},
	}
}

// BookRow maps a book onto every books column; unset columns are nil.
func BookRow(b models.Book, siteIDs []string) store.Row {
	row := store.Row{
		ColISBN:      b.ISBN,
		ColAuthor:    nullString(b.Author),
		ColTitle:     nullString(b.Title),
		ColYear:      nullString(b.Year),
		ColPublisher: nullString(b.Publisher),
		ColFullPrice: nullFloat(b.FullPrice),
		ColMinPrice:  nullFloat(b.MinPrice),
	}
	for _, site := range siteIDs {
		row[site] = nullString(b.URL(site))
	}
	return row
}

// BookFromRow is the inverse of BookRow. Columns not in siteIDs are ignored.
func BookFromRow(row store.Row, siteIDs []string) (models.Book, error) {
	b := models.Book{
		ISBN:      asString(row[ColISBN]),
		Author:    asString(row[ColAuthor]),
		Title:     asString(row[ColTitle]),
		Year:      asString(row[ColYear]),
		Publisher: asString(row[ColPublisher]),
		URLs:      make(map[string]string),
	}
	var err error
	if b.FullPrice, err = asFloat(row[ColFullPrice]); err != nil {
		return models.Book{}, fmt.Errorf("book %s %s: %w", b.ISBN, ColFullPrice, err)
	}
	if b.MinPrice, err = asFloat(row[ColMinPrice]); err != nil {
		return models.Book{}, fmt.Errorf("book %s %s: %w", b.ISBN, ColMinPrice, err)
	}
	for _, site := range siteIDs {
		if u := asString(row[site]); u != "" {
			b.URLs[site] = u
		}
	}
	return b, nil
}

// ObservationRow maps an observation onto the prices columns.
func ObservationRow(o models.PriceObservation) store.Row {
	return store.Row{
		ColISBN:  o.ISBN,
		ColSite:  o.Site,
		ColPrice: nullFloat(o.Price),
		ColDate:  o.Date.Format(DateLayout),
	}
}

// ObservationFromRow is the inverse of ObservationRow.
func ObservationFromRow(row store.Row) (models.PriceObservation, error) {
	o := models.PriceObservation{
		ISBN: asString(row[ColISBN]),
		Site: asString(row[ColSite]),
	}
	var err error
	if o.Price, err = asFloat(row[ColPrice]); err != nil {
		return models.PriceObservation{}, fmt.Errorf("observation %s/%s price: %w", o.ISBN, o.Site, err)
	}
	switch v := row[ColDate].(type) {
	case time.Time:
		o.Date = models.DateOnly(v)
	case nil:
	default:
		s := asString(v)
		if len(s) >= len(DateLayout) {
			s = s[:len(DateLayout)]
		}
		d, err := time.Parse(DateLayout, s)
		if err != nil {
			return models.PriceObservation{}, fmt.Errorf("observation %s/%s date: %w", o.ISBN, o.Site, err)
		}
		o.Date = d
	}
	return o, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

func asFloat(v any) (*float64, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return &val, nil
	case int64:
		f := float64(val)
		return &f, nil
	case int:
		f := float64(val)
		return &f, nil
	case string:
		if strings.TrimSpace(val) == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, err
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("unexpected %T", v)
	}
}
