package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Table is one relation scheduled for copy. Immutable after inspection.
type Table struct {
	OID         uint32
	Schema      string
	Name        string
	EstRows     int64
	Bytes       int64
	SplitColumn string // unique integer key candidate, empty when none
	RestoreName string
	Excluded    bool
}

// QualifiedName returns schema.table.
func (t Table) QualifiedName() string {
	if t.Schema == "" || t.Schema == "public" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// QuotedName returns the identifier-quoted, schema-qualified name for SQL.
func (t Table) QuotedName() string {
	return QuoteQualified(t.Schema, t.Name)
}

// TablePart is a half-open row range [Lo, Hi) of a table. ByPage parts range
// over physical page numbers (ctid), others over the split column.
type TablePart struct {
	TableOID uint32
	PartNum  int
	Lo       int64
	Hi       int64
	ByPage   bool
	Done     bool
}

// AddTable inserts one table row.
func (c *Catalog) AddTable(t Table) error {
	_, err := c.conn.Exec(`
		INSERT INTO tables (oid, schema_name, table_name, est_rows, bytes, split_column, restore_name, excluded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(oid) DO NOTHING`,
		t.OID, t.Schema, t.Name, t.EstRows, t.Bytes, t.SplitColumn, t.RestoreName, t.Excluded)
	if err != nil {
		return fmt.Errorf("add table %s: %w", t.QualifiedName(), err)
	}
	return nil
}

// ListTables returns non-excluded tables in descending estimated-rows order,
// the order in which the supervisor enqueues them.
func (c *Catalog) ListTables() ([]Table, error) {
	rows, err := c.conn.Query(`
		SELECT oid, schema_name, table_name, est_rows, bytes, split_column, restore_name, excluded
		FROM tables WHERE excluded = 0 ORDER BY est_rows DESC, oid`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.OID, &t.Schema, &t.Name, &t.EstRows, &t.Bytes,
			&t.SplitColumn, &t.RestoreName, &t.Excluded); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// GetTable looks a table up by oid.
func (c *Catalog) GetTable(oid uint32) (Table, bool, error) {
	var t Table
	err := c.conn.QueryRow(`
		SELECT oid, schema_name, table_name, est_rows, bytes, split_column, restore_name, excluded
		FROM tables WHERE oid = ?`, oid).Scan(
		&t.OID, &t.Schema, &t.Name, &t.EstRows, &t.Bytes, &t.SplitColumn, &t.RestoreName, &t.Excluded)
	if errors.Is(err, sql.ErrNoRows) {
		return Table{}, false, nil
	}
	if err != nil {
		return Table{}, false, fmt.Errorf("get table %d: %w", oid, err)
	}
	return t, true, nil
}

// AddParts inserts the parts of one table.
func (c *Catalog) AddParts(parts []TablePart) error {
	tx, err := c.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin add parts: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		INSERT INTO table_parts (table_oid, part_num, range_lo, range_hi, by_page, done)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(table_oid, part_num) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare add parts: %w", err)
	}
	defer stmt.Close()

	for _, p := range parts {
		if _, err := stmt.Exec(p.TableOID, p.PartNum, p.Lo, p.Hi, p.ByPage); err != nil {
			return fmt.Errorf("add part %d/%d: %w", p.TableOID, p.PartNum, err)
		}
	}
	return tx.Commit()
}

// ListParts returns the parts of a table in part order.
func (c *Catalog) ListParts(tableOID uint32) ([]TablePart, error) {
	rows, err := c.conn.Query(`
		SELECT table_oid, part_num, range_lo, range_hi, by_page, done
		FROM table_parts WHERE table_oid = ? ORDER BY part_num`, tableOID)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	defer rows.Close()

	var parts []TablePart
	for rows.Next() {
		var p TablePart
		if err := rows.Scan(&p.TableOID, &p.PartNum, &p.Lo, &p.Hi, &p.ByPage, &p.Done); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// MarkPartDone persists completion of a single part and reports whether all
// parts of the table are now done. The caller uses that to enqueue the
// table's indexes and vacuum item exactly once.
func (c *Catalog) MarkPartDone(tableOID uint32, partNum int) (allDone bool, err error) {
	tx, err := c.conn.Begin()
	if err != nil {
		return false, fmt.Errorf("begin mark part: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`UPDATE table_parts SET done = 1 WHERE table_oid = ? AND part_num = ?`,
		tableOID, partNum); err != nil {
		return false, fmt.Errorf("mark part done: %w", err)
	}
	var remaining int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM table_parts WHERE table_oid = ? AND done = 0`,
		tableOID).Scan(&remaining); err != nil {
		return false, fmt.Errorf("count pending parts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return remaining == 0, nil
}

// QuoteIdent quotes a SQL identifier.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// QuoteQualified quotes schema.table for SQL.
func QuoteQualified(schema, table string) string {
	if schema == "" || schema == "public" {
		return QuoteIdent(table)
	}
	return QuoteIdent(schema) + "." + QuoteIdent(table)
}
