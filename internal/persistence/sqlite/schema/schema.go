// Package schema reads live SQLite table definitions and rewrites them.
//
// The engine only supports additive column changes natively; dropping and
// renaming columns go through a backup-guarded shadow-table rebuild
// implemented by Rebuilder.
package schema

import (
	"database/sql"
	"strings"
)

// Column describes one column of a table as reported by the catalog.
type Column struct {
	Name      string         // Column name
	Type      string         // Declared type, may be empty
	NotNull   bool           // NOT NULL constraint present
	Default   sql.NullString // Default expression as SQL text, if any
	PKOrdinal int            // 1-based position within the primary key, 0 if not part of it
}

// Index describes a named (non-automatic) index on a table.
type Index struct {
	Name    string   // Index name
	Unique  bool     // UNIQUE index
	Columns []string // Indexed column names in order
	SQL     string   // Original CREATE INDEX statement
}

// Trigger describes a trigger attached to a table.
type Trigger struct {
	Name string // Trigger name
	SQL  string // Original CREATE TRIGGER statement
}

// Table is the full structural description of one table. It is recomputed
// from the catalog on every request and never cached across operations.
type Table struct {
	Name     string
	Columns  []Column
	Indexes  []Index
	Triggers []Trigger
	SQL      string // Original CREATE TABLE statement from the catalog
}

// Column returns the named column, matching case-insensitively as the
// engine does.
func (t *Table) Column(name string) (Column, bool) {
	for _, col := range t.Columns {
		if strings.EqualFold(col.Name, name) {
			return col, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		names[i] = col.Name
	}
	return names
}

// PrimaryKey returns the primary key columns in key order.
func (t *Table) PrimaryKey() []Column {
	var pk []Column
	for _, col := range t.Columns {
		if col.PKOrdinal > 0 {
			pk = append(pk, col)
		}
	}
	for i := 1; i < len(pk); i++ {
		for j := i; j > 0 && pk[j-1].PKOrdinal > pk[j].PKOrdinal; j-- {
			pk[j-1], pk[j] = pk[j], pk[j-1]
		}
	}
	return pk
}

// quoteIdent wraps an identifier in double quotes, escaping embedded quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
