// Package store is the tabular persistence used by the price ledger.
package store

import (
	"context"
	"errors"
	"fmt"
)

// WriteMode controls what WriteTable does when the table already exists.
type WriteMode string

const (
	// Append adds rows, creating the table if needed.
	Append WriteMode = "append"
	// Replace drops the existing table and writes rows into a fresh one.
	Replace WriteMode = "replace"
	// Fail refuses to write into an existing table.
	Fail WriteMode = "fail"
)

// ColumnType is the SQL storage class of a column.
type ColumnType string

const (
	Text ColumnType = "TEXT"
	Real ColumnType = "REAL"
)

// Column is a named, typed column.
type Column struct {
	Name string
	Type ColumnType
}

// Table describes a table's name and column layout.
type Table struct {
	Name    string
	Columns []Column
}

// ColumnNames returns the column names in order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Row maps column names to values: string, float64, int64 or nil.
type Row map[string]any

var (
	// ErrTableNotFound is returned by ReadTable for a missing table.
	ErrTableNotFound = errors.New("table not found")
	// ErrTableExists is returned by WriteTable in Fail mode.
	ErrTableExists = errors.New("table already exists")
)

// StoreError wraps any failure talking to the underlying database.
type StoreError struct {
	Op    string
	Table string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Store reads and writes whole tables. Every WriteTable call is all or
// nothing. Store implementations do not serialize concurrent writers.
type Store interface {
	ReadTable(ctx context.Context, name string) ([]Row, error)
	WriteTable(ctx context.Context, table Table, rows []Row, mode WriteMode) error
}
