// Package catalog persists the work plan and run state in SQLite files under
// the working directory. Every worker talks to the catalog instead of sharing
// memory: tables, parts, indexes, sequences, large objects, progress, and the
// CDC sentinel all live here.
package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Catalog is the set of on-disk catalog files of one run. The work plan
// lives in the source catalog, filter state in the filter catalog, and run
// progress plus the CDC sentinel in the target catalog.
type Catalog struct {
	conn *sql.DB
	path string
}

// Open opens or creates the three catalog files. The filter and target
// catalogs are attached to the source connection, so cross-catalog reads
// stay transactional. WAL journal mode keeps concurrent worker writes from
// blocking each other.
func Open(sourcePath, filterPath, targetPath string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(sourcePath), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", sourcePath+"?_journal_mode=WAL&_busy_timeout=5000&_loc=auto")
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}

	for _, att := range []struct{ alias, path string }{
		{"filters", filterPath},
		{"target", targetPath},
	} {
		if _, err := conn.Exec(fmt.Sprintf("ATTACH DATABASE ? AS %s", att.alias), att.path); err != nil {
			conn.Close()
			return nil, fmt.Errorf("attach %s catalog: %w", att.alias, err)
		}
		if _, err := conn.Exec(fmt.Sprintf("PRAGMA %s.journal_mode=WAL", att.alias)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set %s journal mode: %w", att.alias, err)
		}
	}

	c := &Catalog{conn: conn, path: sourcePath}
	if err := c.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init catalog schema: %w", err)
	}
	return c, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Path returns the catalog file path.
func (c *Catalog) Path() string { return c.path }

func (c *Catalog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS setup (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		source_endpoint TEXT NOT NULL,
		target_endpoint TEXT NOT NULL,
		snapshot_id TEXT NOT NULL DEFAULT '',
		plugin TEXT NOT NULL DEFAULT '',
		slot_name TEXT NOT NULL DEFAULT '',
		split_threshold INTEGER NOT NULL DEFAULT 0,
		split_max_parts INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS filters.filters (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		hash TEXT NOT NULL DEFAULT '',
		source_path TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS tables (
		oid INTEGER PRIMARY KEY,
		schema_name TEXT NOT NULL,
		table_name TEXT NOT NULL,
		est_rows INTEGER NOT NULL DEFAULT 0,
		bytes INTEGER NOT NULL DEFAULT 0,
		split_column TEXT NOT NULL DEFAULT '',
		restore_name TEXT NOT NULL DEFAULT '',
		excluded INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_tables_bytes ON tables(bytes DESC);

	CREATE TABLE IF NOT EXISTS table_parts (
		table_oid INTEGER NOT NULL REFERENCES tables(oid),
		part_num INTEGER NOT NULL,
		range_lo INTEGER NOT NULL,
		range_hi INTEGER NOT NULL,
		by_page INTEGER NOT NULL DEFAULT 0,
		done INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (table_oid, part_num)
	);

	CREATE TABLE IF NOT EXISTS indexes (
		oid INTEGER PRIMARY KEY,
		table_oid INTEGER NOT NULL REFERENCES tables(oid),
		index_name TEXT NOT NULL,
		definition TEXT NOT NULL,
		backs_constraint INTEGER NOT NULL DEFAULT 0,
		constraint_name TEXT NOT NULL DEFAULT '',
		constraint_sql TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS sequences (
		oid INTEGER PRIMARY KEY,
		schema_name TEXT NOT NULL,
		sequence_name TEXT NOT NULL,
		last_value INTEGER NOT NULL DEFAULT 0,
		is_called INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS large_objects (
		oid INTEGER PRIMARY KEY,
		done INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS target.progress (
		kind TEXT NOT NULL,
		item_id TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'queued',
		bytes INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME,
		finished_at DATETIME,
		PRIMARY KEY (kind, item_id)
	);

	-- LSNs are stored as integers so monotonic updates compare numerically.
	CREATE TABLE IF NOT EXISTS target.sentinel (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		startpos INTEGER NOT NULL DEFAULT 0,
		endpos INTEGER NOT NULL DEFAULT 0,
		apply INTEGER NOT NULL DEFAULT 0,
		write_lsn INTEGER NOT NULL DEFAULT 0,
		flush_lsn INTEGER NOT NULL DEFAULT 0,
		replay_lsn INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := c.conn.Exec(schema)
	return err
}
