// Package ledger keeps the catalog and price history consistent: running
// minimum prices, duplicate-free imports, lookups and cascading removal.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/bookprices/bookprices/models"
	"github.com/bookprices/bookprices/store"
)

// UpdateMin returns the lowest of book's current min price and every usable
// observation price for its isbn, or nil if neither side has one.
func UpdateMin(book models.Book, observations []models.PriceObservation) *float64 {
	var min *float64
	if book.MinPrice != nil && usable(*book.MinPrice) {
		v := *book.MinPrice
		min = &v
	}
	for _, o := range observations {
		if o.ISBN != book.ISBN || o.Price == nil || !usable(*o.Price) {
			continue
		}
		if min == nil || *o.Price < *min {
			v := *o.Price
			min = &v
		}
	}
	return min
}

// UpdateMinAll applies UpdateMin to every book and returns updated copies in
// catalog order.
func UpdateMinAll(books []models.Book, observations []models.PriceObservation) []models.Book {
	byISBN := make(map[string][]models.PriceObservation)
	for _, o := range observations {
		byISBN[o.ISBN] = append(byISBN[o.ISBN], o)
	}
	out := make([]models.Book, len(books))
	for i, b := range books {
		b.MinPrice = UpdateMin(b, byISBN[b.ISBN])
		out[i] = b
	}
	return out
}

func usable(p float64) bool {
	return p >= 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}

// DeleteKnownBooks returns the books whose isbn is not in existingISBNs,
// preserving order.
func DeleteKnownBooks(newBooks []models.Book, existingISBNs []string) []models.Book {
	known := make(map[string]struct{}, len(existingISBNs))
	for _, isbn := range existingISBNs {
		known[isbn] = struct{}{}
	}
	out := make([]models.Book, 0, len(newBooks))
	for _, b := range newBooks {
		if _, ok := known[b.ISBN]; ok {
			continue
		}
		out = append(out, b)
	}
	return out
}

// FindBook returns rows where any string column contains text, ignoring case.
func FindBook(text string, rows []store.Row) []store.Row {
	needle := strings.ToLower(text)
	var out []store.Row
	for _, row := range rows {
		for _, v := range row {
			s, ok := v.(string)
			if ok && strings.Contains(strings.ToLower(s), needle) {
				out = append(out, row)
				break
			}
		}
	}
	return out
}

// Ledger runs the catalog operations against a store. Callers must not run
// two writing operations on the same store concurrently.
type Ledger struct {
	store   store.Store
	siteIDs []string
}

// New returns a ledger whose books table carries one URL column per site id.
func New(s store.Store, siteIDs []string) *Ledger {
	return &Ledger{
		store:   s,
		siteIDs: append([]string(nil), siteIDs...),
	}
}

// Catalog reads every book. A store without a books table is an empty catalog.
func (l *Ledger) Catalog(ctx context.Context) ([]models.Book, error) {
	rows, err := l.readTable(ctx, BooksTableName)
	if err != nil {
		return nil, err
	}
	books := make([]models.Book, 0, len(rows))
	for _, row := range rows {
		b, err := BookFromRow(row, l.siteIDs)
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, nil
}

// History reads every price observation.
func (l *Ledger) History(ctx context.Context) ([]models.PriceObservation, error) {
	rows, err := l.readTable(ctx, PricesTableName)
	if err != nil {
		return nil, err
	}
	obs := make([]models.PriceObservation, 0, len(rows))
	for _, row := range rows {
		o, err := ObservationFromRow(row)
		if err != nil {
			return nil, err
		}
		obs = append(obs, o)
	}
	return obs, nil
}

// RecordObservations appends observations to the price history in one write.
func (l *Ledger) RecordObservations(ctx context.Context, observations []models.PriceObservation) error {
	if len(observations) == 0 {
		return nil
	}
	rows := make([]store.Row, len(observations))
	for i, o := range observations {
		rows[i] = ObservationRow(o)
	}
	if err := l.store.WriteTable(ctx, PricesTable(), rows, store.Append); err != nil {
		return fmt.Errorf("record observations: %w", err)
	}
	slog.Info("recorded observations", slog.Int("count", len(rows)))
	return nil
}

// ApplyBatch records a scrape batch and folds it into each book's min price.
func (l *Ledger) ApplyBatch(ctx context.Context, observations []models.PriceObservation) ([]models.Book, error) {
	books, err := l.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	if err := l.RecordObservations(ctx, observations); err != nil {
		return nil, err
	}
	updated := UpdateMinAll(books, observations)
	if err := l.writeBooks(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// RecomputeMinPrices folds the whole price history into every book's min price.
func (l *Ledger) RecomputeMinPrices(ctx context.Context) ([]models.Book, error) {
	books, err := l.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	history, err := l.History(ctx)
	if err != nil {
		return nil, err
	}
	updated := UpdateMinAll(books, history)
	if err := l.writeBooks(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// ImportBooks validates books and appends those not yet in the catalog. It
// returns the books actually inserted.
func (l *Ledger) ImportBooks(ctx context.Context, books []models.Book) ([]models.Book, error) {
	valid := make([]models.Book, 0, len(books))
	seen := make(map[string]struct{}, len(books))
	for _, b := range books {
		nb, err := models.NewBook(b)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[nb.ISBN]; dup {
			continue
		}
		seen[nb.ISBN] = struct{}{}
		valid = append(valid, nb)
	}

	existing, err := l.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	isbns := make([]string, len(existing))
	for i, b := range existing {
		isbns[i] = b.ISBN
	}

	fresh := DeleteKnownBooks(valid, isbns)
	if len(fresh) == 0 {
		return nil, nil
	}
	rows := make([]store.Row, len(fresh))
	for i, b := range fresh {
		rows[i] = BookRow(b, l.siteIDs)
	}
	if err := l.store.WriteTable(ctx, BooksTable(l.siteIDs), rows, store.Append); err != nil {
		return nil, fmt.Errorf("import books: %w", err)
	}
	slog.Info("imported books",
		slog.Int("inserted", len(fresh)),
		slog.Int("skipped", len(books)-len(fresh)),
	)
	return fresh, nil
}

// FindBook searches the books table.
func (l *Ledger) FindBook(ctx context.Context, text string) ([]store.Row, error) {
	rows, err := l.readTable(ctx, BooksTableName)
	if err != nil {
		return nil, err
	}
	return FindBook(text, rows), nil
}

// WipeBook removes isbn from the price history and then from the catalog, so
// no observation is ever left without its book. Unknown isbns are a no-op.
func (l *Ledger) WipeBook(ctx context.Context, isbn string) error {
	prices, err := l.History(ctx)
	if err != nil {
		return err
	}
	keptPrices := make([]store.Row, 0, len(prices))
	for _, o := range prices {
		if o.ISBN != isbn {
			keptPrices = append(keptPrices, ObservationRow(o))
		}
	}
	if removed := len(prices) - len(keptPrices); removed > 0 {
		if err := l.store.WriteTable(ctx, PricesTable(), keptPrices, store.Replace); err != nil {
			return fmt.Errorf("wipe %s from prices: %w", isbn, err)
		}
		slog.Info("wiped observations", slog.String("isbn", isbn), slog.Int("rows", removed))
	}

	books, err := l.Catalog(ctx)
	if err != nil {
		return err
	}
	keptBooks := make([]models.Book, 0, len(books))
	for _, b := range books {
		if b.ISBN != isbn {
			keptBooks = append(keptBooks, b)
		}
	}
	if removed := len(books) - len(keptBooks); removed > 0 {
		if err := l.writeBooks(ctx, keptBooks); err != nil {
			return fmt.Errorf("wipe %s from books: %w", isbn, err)
		}
		slog.Info("wiped book", slog.String("isbn", isbn))
	}
	return nil
}

func (l *Ledger) writeBooks(ctx context.Context, books []models.Book) error {
	rows := make([]store.Row, len(books))
	for i, b := range books {
		rows[i] = BookRow(b, l.siteIDs)
	}
	if err := l.store.WriteTable(ctx, BooksTable(l.siteIDs), rows, store.Replace); err != nil {
		return fmt.Errorf("write books: %w", err)
	}
	return nil
}

func (l *Ledger) readTable(ctx context.Context, name string) ([]store.Row, error) {
	rows, err := l.store.ReadTable(ctx, name)
	if errors.Is(err, store.ErrTableNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rows, nil
}
