package schemas

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ExampleRows is how many rows of each table are shown to the builder.
const ExampleRows = 3

type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// TableSchema is written to schemas/tables/<table>.json.
type TableSchema struct {
	Table    string           `json:"table"`
	Columns  []Column         `json:"columns"`
	Examples []map[string]any `json:"example_rows"`
}

// Introspect lists every user table with its columns and a few example rows.
func Introspect(ctx context.Context, db *sql.DB, dialect string) ([]TableSchema, error) {
	tables, err := listTables(ctx, db, dialect)
	if err != nil {
		return nil, err
	}
	out := make([]TableSchema, 0, len(tables))
	for _, name := range tables {
		cols, err := listColumns(ctx, db, dialect, name)
		if err != nil {
			return nil, fmt.Errorf("columns of %s: %w", name, err)
		}
		rows, err := exampleRows(ctx, db, name)
		if err != nil {
			return nil, fmt.Errorf("example rows of %s: %w", name, err)
		}
		out = append(out, TableSchema{Table: name, Columns: cols, Examples: rows})
	}
	return out, nil
}

func listTables(ctx context.Context, db *sql.DB, dialect string) ([]string, error) {
	var query string
	switch dialect {
	case DialectPostgres:
		query = `
			SELECT table_name
			FROM information_schema.tables
			WHERE table_schema = current_schema()
			AND table_type = 'BASE TABLE'
			ORDER BY table_name`
	case DialectSQLite:
		query = `
			SELECT name
			FROM sqlite_master
			WHERE type = 'table'
			AND name NOT LIKE 'sqlite_%'
			ORDER BY name`
	default:
		return nil, fmt.Errorf("unknown dialect %q", dialect)
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func listColumns(ctx context.Context, db *sql.DB, dialect, table string) ([]Column, error) {
	var cols []Column
	if dialect == DialectPostgres {
		rows, err := db.QueryContext(ctx, `
			SELECT column_name, data_type, is_nullable
			FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1
			ORDER BY ordinal_position`, table)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var c Column
			var nullable string
			if err := rows.Scan(&c.Name, &c.Type, &nullable); err != nil {
				return nil, err
			}
			c.Nullable = strings.EqualFold(nullable, "YES")
			cols = append(cols, c)
		}
		return cols, rows.Err()
	}

	// PRAGMA table_info returns: cid, name, type, notnull, dflt_value, pk
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(table)+")")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			cid, notNull, pk int
			c                Column
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &c.Name, &c.Type, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		c.Nullable = notNull == 0 && pk == 0
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func exampleRows(ctx context.Context, db *sql.DB, table string) ([]map[string]any, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(table), ExampleRows))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(names))
		for i, n := range names {
			row[n] = jsonValue(vals[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func jsonValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return x
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
