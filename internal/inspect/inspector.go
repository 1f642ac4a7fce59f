// Package inspect queries the source catalogs and materializes the work plan.
package inspect

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/snapshot"
)

// querier is satisfied by both the pool and a pinned pool connection.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Inspector reads schema objects from the source database.
type Inspector struct {
	pool   *pgxpool.Pool
	db     querier
	logger zerolog.Logger
}

// NewInspector creates an Inspector over the given source pool.
func NewInspector(pool *pgxpool.Pool, logger zerolog.Logger) *Inspector {
	return &Inspector{
		pool:   pool,
		db:     pool,
		logger: logger.With().Str("component", "inspect").Logger(),
	}
}

// Snapshot pins all subsequent reads to the exported snapshot, so sizes, key
// ranges, and object lists describe the same database state the copy will
// read. The returned release ends the transaction and unpins the Inspector.
func (i *Inspector) Snapshot(ctx context.Context, name string) (release func(), err error) {
	conn, err := i.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire inspect connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "BEGIN ISOLATION LEVEL REPEATABLE READ READ ONLY"); err != nil {
		conn.Release()
		return nil, fmt.Errorf("begin inspect read: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", name)); err != nil {
		conn.Exec(context.WithoutCancel(ctx), "ROLLBACK")
		conn.Release()
		return nil, fmt.Errorf("%w: import %s: %v", snapshot.ErrSnapshotLost, name, err)
	}
	i.db = conn
	return func() {
		conn.Exec(context.WithoutCancel(ctx), "ROLLBACK")
		conn.Release()
		i.db = i.pool
	}, nil
}

// ListTables returns ordinary and partitioned tables with size estimates and,
// when one exists, the unique NOT NULL non-deferrable integer key usable for
// range splitting.
func (i *Inspector) ListTables(ctx context.Context) ([]catalog.Table, error) {
	rows, err := i.db.Query(ctx, `
		SELECT c.oid, n.nspname, c.relname,
		       GREATEST(c.reltuples::bigint, 0),
		       pg_table_size(c.oid),
		       COALESCE((
		           SELECT a.attname
		           FROM pg_index x
		           JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = x.indkey[0]
		           WHERE x.indrelid = c.oid
		             AND x.indisunique
		             AND x.indnatts = 1
		             AND NOT a.attisdropped
		             AND a.attnotnull
		             AND a.atttypid IN ('int2'::regtype, 'int4'::regtype, 'int8'::regtype)
		             AND NOT EXISTS (
		                 SELECT 1 FROM pg_constraint t
		                 WHERE t.conindid = x.indexrelid AND t.condeferrable
		             )
		           ORDER BY x.indisprimary DESC
		           LIMIT 1
		       ), '')
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind IN ('r', 'p')
		  AND n.nspname NOT IN ('pg_catalog', 'information_schema')
		  AND NOT EXISTS (SELECT 1 FROM pg_inherits h WHERE h.inhrelid = c.oid)
		ORDER BY pg_table_size(c.oid) DESC`)
	if err != nil {
		return nil, fmt.Errorf("list source tables: %w", err)
	}
	defer rows.Close()

	var tables []catalog.Table
	for rows.Next() {
		var t catalog.Table
		if err := rows.Scan(&t.OID, &t.Schema, &t.Name, &t.EstRows, &t.Bytes, &t.SplitColumn); err != nil {
			return nil, fmt.Errorf("scan source table: %w", err)
		}
		t.RestoreName = t.Schema + "." + t.Name
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// KeyRange returns min and max of the split column, and hasRows=false for an
// empty table.
func (i *Inspector) KeyRange(ctx context.Context, t catalog.Table) (lo, hi int64, hasRows bool, err error) {
	q := fmt.Sprintf(`SELECT min(%s)::bigint, max(%s)::bigint FROM ONLY %s`,
		catalog.QuoteIdent(t.SplitColumn), catalog.QuoteIdent(t.SplitColumn), t.QuotedName())
	var minV, maxV *int64
	if err := i.db.QueryRow(ctx, q).Scan(&minV, &maxV); err != nil {
		return 0, 0, false, fmt.Errorf("key range of %s: %w", t.QualifiedName(), err)
	}
	if minV == nil || maxV == nil {
		return 0, 0, false, nil
	}
	return *minV, *maxV, true, nil
}

// RelPages returns the number of physical pages of the table.
func (i *Inspector) RelPages(ctx context.Context, oid uint32) (int64, error) {
	var pages int64
	err := i.db.QueryRow(ctx, `SELECT relpages::bigint FROM pg_class WHERE oid = $1`, oid).Scan(&pages)
	if err != nil {
		return 0, fmt.Errorf("relpages of %d: %w", oid, err)
	}
	return pages, nil
}

// ListIndexes returns the indexes of one table, with constraint promotion
// statements for those backing unique, primary key, or exclusion constraints.
// Index definitions are rewritten to be idempotent on the target.
func (i *Inspector) ListIndexes(ctx context.Context, t catalog.Table) ([]catalog.Index, error) {
	rows, err := i.db.Query(ctx, `
		SELECT x.indexrelid, ic.relname,
		       pg_get_indexdef(x.indexrelid),
		       COALESCE(con.conname, ''),
		       COALESCE(con.contype::text, ''),
		       COALESCE(pg_get_constraintdef(con.oid), '')
		FROM pg_index x
		JOIN pg_class ic ON ic.oid = x.indexrelid
		LEFT JOIN pg_constraint con
		       ON con.conindid = x.indexrelid AND con.contype IN ('p', 'u', 'x')
		WHERE x.indrelid = $1
		ORDER BY x.indexrelid`, t.OID)
	if err != nil {
		return nil, fmt.Errorf("list indexes of %s: %w", t.QualifiedName(), err)
	}
	defer rows.Close()

	var list []catalog.Index
	for rows.Next() {
		var idx catalog.Index
		var conName, conType, conDef string
		if err := rows.Scan(&idx.OID, &idx.Name, &idx.Definition, &conName, &conType, &conDef); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		idx.TableOID = t.OID
		idx.Definition = IdempotentIndexDef(idx.Definition)
		if conName != "" {
			idx.BacksConstraint = true
			idx.ConstraintName = conName
			idx.ConstraintSQL = ConstraintFromIndex(t.QuotedName(), conName, conType, idx.Name, conDef)
			if conType == "x" {
				// ADD CONSTRAINT ... EXCLUDE builds its own index; creating
				// the backing index first would collide on the name.
				idx.Definition = ""
			}
		}
		list = append(list, idx)
	}
	return list, rows.Err()
}

// ListSequences returns all user sequences with their current positions.
func (i *Inspector) ListSequences(ctx context.Context) ([]catalog.Sequence, error) {
	rows, err := i.db.Query(ctx, `
		SELECT c.oid, n.nspname, c.relname,
		       COALESCE(s.last_value, 1),
		       s.last_value IS NOT NULL
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN pg_sequences s ON s.schemaname = n.nspname AND s.sequencename = c.relname
		WHERE c.relkind = 'S'
		  AND n.nspname NOT IN ('pg_catalog', 'information_schema')
		ORDER BY n.nspname, c.relname`)
	if err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	defer rows.Close()

	var list []catalog.Sequence
	for rows.Next() {
		var s catalog.Sequence
		if err := rows.Scan(&s.OID, &s.Schema, &s.Name, &s.LastValue, &s.IsCalled); err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// ListLargeObjects returns the oids of all large objects.
func (i *Inspector) ListLargeObjects(ctx context.Context) ([]uint32, error) {
	rows, err := i.db.Query(ctx, `SELECT oid FROM pg_largeobject_metadata ORDER BY oid`)
	if err != nil {
		return nil, fmt.Errorf("list large objects: %w", err)
	}
	defer rows.Close()

	var oids []uint32
	for rows.Next() {
		var oid uint32
		if err := rows.Scan(&oid); err != nil {
			return nil, fmt.Errorf("scan large object oid: %w", err)
		}
		oids = append(oids, oid)
	}
	return oids, rows.Err()
}

// ListExtensions returns installed non-default extensions.
func (i *Inspector) ListExtensions(ctx context.Context) ([]string, error) {
	rows, err := i.db.Query(ctx,
		`SELECT extname FROM pg_extension WHERE extname <> 'plpgsql' ORDER BY extname`)
	if err != nil {
		return nil, fmt.Errorf("list extensions: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// ListCollations returns user-defined collations.
func (i *Inspector) ListCollations(ctx context.Context) ([]string, error) {
	rows, err := i.db.Query(ctx, `
		SELECT n.nspname || '.' || c.collname
		FROM pg_collation c
		JOIN pg_namespace n ON n.oid = c.collnamespace
		WHERE n.nspname NOT IN ('pg_catalog', 'information_schema')
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list collations: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// DatabaseProperties returns the database-level GUC settings of the current
// database ("key=value" entries from pg_db_role_setting, database-wide only).
func (i *Inspector) DatabaseProperties(ctx context.Context) ([]string, error) {
	rows, err := i.db.Query(ctx, `
		SELECT unnest(s.setconfig)
		FROM pg_db_role_setting s
		JOIN pg_database d ON d.oid = s.setdatabase
		WHERE d.datname = current_database() AND s.setrole = 0`)
	if err != nil {
		return nil, fmt.Errorf("list database properties: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// CurrentWALPosition returns pg_current_wal_lsn() as text.
func (i *Inspector) CurrentWALPosition(ctx context.Context) (string, error) {
	var l string
	if err := i.db.QueryRow(ctx, `SELECT pg_current_wal_lsn()::text`).Scan(&l); err != nil {
		return "", fmt.Errorf("current wal position: %w", err)
	}
	return l, nil
}

func scanStrings(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// IdempotentIndexDef rewrites a pg_get_indexdef statement so it can be rerun
// on --resume without erroring on an existing index.
func IdempotentIndexDef(def string) string {
	switch {
	case strings.HasPrefix(def, "CREATE UNIQUE INDEX IF NOT EXISTS"),
		strings.HasPrefix(def, "CREATE INDEX IF NOT EXISTS"):
		return def
	case strings.HasPrefix(def, "CREATE UNIQUE INDEX"):
		return "CREATE UNIQUE INDEX IF NOT EXISTS" + strings.TrimPrefix(def, "CREATE UNIQUE INDEX")
	case strings.HasPrefix(def, "CREATE INDEX"):
		return "CREATE INDEX IF NOT EXISTS" + strings.TrimPrefix(def, "CREATE INDEX")
	default:
		return def
	}
}

// ConstraintFromIndex builds the ALTER TABLE statement promoting a pre-built
// index into its constraint. Promotion from an existing index only takes the
// access-exclusive lock for a catalog update, so sibling constraints of one
// table can be prepared in parallel. Exclusion constraints cannot adopt an
// index and are recreated from their full definition instead.
func ConstraintFromIndex(quotedTable, conName, conType, indexName, conDef string) string {
	if conType == "x" {
		return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s",
			quotedTable, catalog.QuoteIdent(conName), conDef)
	}
	kind := "UNIQUE"
	if conType == "p" {
		kind = "PRIMARY KEY"
	}
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s USING INDEX %s",
		quotedTable, catalog.QuoteIdent(conName), kind, catalog.QuoteIdent(indexName))
}
