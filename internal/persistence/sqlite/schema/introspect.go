package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// DBProvider yields the current live database handle. The handle changes
// after a restore, so it must be fetched per operation.
type DBProvider interface {
	DB() *sql.DB
}

// Introspector reads table definitions from the live catalog.
type Introspector struct {
	provider DBProvider
}

// NewIntrospector creates an Introspector over the given handle provider.
func NewIntrospector(provider DBProvider) *Introspector {
	return &Introspector{provider: provider}
}

// Table returns the full structural description of the named table,
// including the raw DDL kept as a fallback for reconstructing dependent
// objects. Returns a NotFoundError when the table is absent.
func (in *Introspector) Table(ctx context.Context, name string) (*Table, error) {
	db := in.provider.DB()

	var rawSQL sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&rawSQL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Table: name}
	}
	if err != nil {
		return nil, fmt.Errorf("schema: read table DDL for %q: %w", name, err)
	}

	table := &Table{Name: name, SQL: rawSQL.String}

	if table.Columns, err = in.columns(ctx, db, name); err != nil {
		return nil, err
	}
	if table.Indexes, err = in.indexes(ctx, db, name); err != nil {
		return nil, err
	}
	if table.Triggers, err = in.triggers(ctx, db, name); err != nil {
		return nil, err
	}

	return table, nil
}

// Tables lists user tables in the catalog, excluding the engine's internal
// bookkeeping tables.
func (in *Introspector) Tables(ctx context.Context) ([]string, error) {
	db := in.provider.DB()
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("schema: list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("schema: scan table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// HasColumn reports whether the named table has the named column.
func (in *Introspector) HasColumn(ctx context.Context, table, column string) (bool, error) {
	tbl, err := in.Table(ctx, table)
	if err != nil {
		return false, err
	}
	_, ok := tbl.Column(column)
	return ok, nil
}

func (in *Introspector) columns(ctx context.Context, db *sql.DB, table string) ([]Column, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("schema: table_info for %q: %w", table, err)
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("schema: scan table_info row: %w", err)
		}
		columns = append(columns, Column{
			Name:      name,
			Type:      colType,
			NotNull:   notNull != 0,
			Default:   dflt,
			PKOrdinal: pk,
		})
	}
	return columns, rows.Err()
}

func (in *Introspector) indexes(ctx context.Context, db *sql.DB, table string) ([]Index, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("schema: index_list for %q: %w", table, err)
	}

	type indexHead struct {
		name   string
		unique bool
	}
	var heads []indexHead
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return nil, fmt.Errorf("schema: scan index_list row: %w", err)
		}
		// Automatic indexes backing UNIQUE/PK constraints have no DDL of
		// their own and are recreated with the table itself.
		if strings.HasPrefix(name, "sqlite_autoindex_") {
			continue
		}
		heads = append(heads, indexHead{name: name, unique: unique != 0})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var indexes []Index
	for _, head := range heads {
		idx := Index{Name: head.name, Unique: head.unique}

		var ddl sql.NullString
		err := db.QueryRowContext(ctx,
			`SELECT sql FROM sqlite_master WHERE type = 'index' AND name = ?`, head.name).Scan(&ddl)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("schema: read index DDL for %q: %w", head.name, err)
		}
		if !ddl.Valid || ddl.String == "" {
			continue
		}
		idx.SQL = ddl.String

		infoRows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", quoteIdent(head.name)))
		if err != nil {
			return nil, fmt.Errorf("schema: index_info for %q: %w", head.name, err)
		}
		for infoRows.Next() {
			var (
				seqno int
				cid   int
				col   sql.NullString
			)
			if err := infoRows.Scan(&seqno, &cid, &col); err != nil {
				infoRows.Close()
				return nil, fmt.Errorf("schema: scan index_info row: %w", err)
			}
			if col.Valid {
				idx.Columns = append(idx.Columns, col.String)
			}
		}
		if err := infoRows.Err(); err != nil {
			infoRows.Close()
			return nil, err
		}
		infoRows.Close()

		indexes = append(indexes, idx)
	}
	return indexes, nil
}

func (in *Introspector) triggers(ctx context.Context, db *sql.DB, table string) ([]Trigger, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name, sql FROM sqlite_master WHERE type = 'trigger' AND tbl_name = ? ORDER BY name`, table)
	if err != nil {
		return nil, fmt.Errorf("schema: read triggers for %q: %w", table, err)
	}
	defer rows.Close()

	var triggers []Trigger
	for rows.Next() {
		var (
			name string
			ddl  sql.NullString
		)
		if err := rows.Scan(&name, &ddl); err != nil {
			return nil, fmt.Errorf("schema: scan trigger row: %w", err)
		}
		triggers = append(triggers, Trigger{Name: name, SQL: ddl.String})
	}
	return triggers, rows.Err()
}
