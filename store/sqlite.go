package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLiteStore instance
func NewSQLiteStore(dbPath string) *SQLiteStore {
	return &SQLiteStore{
		dbPath: dbPath,
	}
}

// Connect opens a connection to the SQLite database
func (s *SQLiteStore) Connect() error {
	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return &StoreError{Op: "open", Table: s.dbPath, Err: err}
	}
	// One connection keeps in-memory databases alive and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return &StoreError{Op: "open", Table: s.dbPath, Err: err}
	}
	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ReadTable returns every row of name in insertion order.
func (s *SQLiteStore) ReadTable(ctx context.Context, name string) ([]Row, error) {
	exists, err := tableExists(ctx, s.db, name)
	if err != nil {
		return nil, &StoreError{Op: "read", Table: name, Err: err}
	}
	if !exists {
		return nil, &StoreError{Op: "read", Table: name, Err: ErrTableNotFound}
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s ORDER BY rowid", quoteIdent(name)))
	if err != nil {
		return nil, &StoreError{Op: "read", Table: name, Err: err}
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, &StoreError{Op: "read", Table: name, Err: err}
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &StoreError{Op: "read", Table: name, Err: err}
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "read", Table: name, Err: err}
	}
	return out, nil
}

// WriteTable writes rows into table inside a single transaction.
func (s *SQLiteStore) WriteTable(ctx context.Context, table Table, rows []Row, mode WriteMode) error {
	if err := s.writeTable(ctx, table, rows, mode); err != nil {
		return &StoreError{Op: "write " + string(mode), Table: table.Name, Err: err}
	}
	return nil
}

func (s *SQLiteStore) writeTable(ctx context.Context, table Table, rows []Row, mode WriteMode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a commit is a harmless no-op.
		_ = tx.Rollback()
	}()

	exists, err := tableExists(ctx, tx, table.Name)
	if err != nil {
		return err
	}

	switch mode {
	case Append:
		if exists {
			if err := addMissingColumns(ctx, tx, table); err != nil {
				return err
			}
		} else if err := createTable(ctx, tx, table); err != nil {
			return err
		}
	case Replace:
		if exists {
			if _, err := tx.ExecContext(ctx, "DROP TABLE "+quoteIdent(table.Name)); err != nil {
				return fmt.Errorf("drop table: %w", err)
			}
		}
		if err := createTable(ctx, tx, table); err != nil {
			return err
		}
	case Fail:
		if exists {
			return ErrTableExists
		}
		if err := createTable(ctx, tx, table); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown write mode %q", mode)
	}

	if err := insertRows(ctx, tx, table, rows); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func tableExists(ctx context.Context, q queryer, name string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("lookup table: %w", err)
	}
	return count > 0, nil
}

func createTable(ctx context.Context, tx *sql.Tx, table Table) error {
	if len(table.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", table.Name)
	}
	defs := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		defs[i] = quoteIdent(c.Name) + " " + string(c.Type)
	}
	query := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table.Name), strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// addMissingColumns lets an existing table grow when new sites are registered.
func addMissingColumns(ctx context.Context, tx *sql.Tx, table Table) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table.Name)))
	if err != nil {
		return fmt.Errorf("table info: %w", err)
	}
	have := make(map[string]struct{})
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan table info: %w", err)
		}
		have[name] = struct{}{}
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close table info: %w", err)
	}

	for _, c := range table.Columns {
		if _, ok := have[c.Name]; ok {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table.Name), quoteIdent(c.Name), c.Type)
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("add column %s: %w", c.Name, err)
		}
	}
	return nil
}

func insertRows(ctx context.Context, tx *sql.Tx, table Table, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	columns := table.ColumnNames()
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
		placeholders[i] = "?"
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table.Name),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
	)

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, row := range rows {
		values := make([]any, len(columns))
		for i, col := range columns {
			values[i] = sqlValue(row[col])
		}
		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			return fmt.Errorf("insert row: %w", err)
		}
	}
	return nil
}

func sqlValue(v any) any {
	switch val := v.(type) {
	case *float64:
		if val == nil {
			return nil
		}
		return *val
	case *string:
		if val == nil {
			return nil
		}
		return *val
	default:
		return v
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
