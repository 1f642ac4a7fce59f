// Package compare checks a finished clone against its source: object
// inventory on the schema side, row counts and content checksums on the
// data side.
package compare

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jfoltran/pgclone/internal/catalog"
)

// compareJobs bounds concurrent per-table checksum queries per side.
const compareJobs = 4

// Comparer runs the comparison queries against both clusters.
type Comparer struct {
	source *pgxpool.Pool
	target *pgxpool.Pool
	logger zerolog.Logger
}

// New creates a Comparer.
func New(source, target *pgxpool.Pool, logger zerolog.Logger) *Comparer {
	return &Comparer{
		source: source,
		target: target,
		logger: logger.With().Str("component", "compare").Logger(),
	}
}

// TableShape is the per-table schema fingerprint compared across sides.
type TableShape struct {
	Name    string // schema-qualified
	Columns int
	Indexes int
}

// SchemaReport is the outcome of a schema comparison.
type SchemaReport struct {
	Missing  []string // on source, not on target
	Extra    []string // on target, not on source
	Mismatch []string // present on both with differing shape
	Matched  int
}

// Ok reports whether both schemas line up.
func (r *SchemaReport) Ok() bool {
	return len(r.Missing) == 0 && len(r.Extra) == 0 && len(r.Mismatch) == 0
}

// CompareSchema inventories both sides and diffs them.
func (c *Comparer) CompareSchema(ctx context.Context) (*SchemaReport, error) {
	var src, tgt []TableShape
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		src, err = listShapes(gctx, c.source)
		return err
	})
	g.Go(func() error {
		var err error
		tgt, err = listShapes(gctx, c.target)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := DiffShapes(src, tgt)
	c.logger.Info().
		Int("matched", report.Matched).
		Int("missing", len(report.Missing)).
		Int("extra", len(report.Extra)).
		Int("mismatch", len(report.Mismatch)).
		Msg("schema comparison done")
	return report, nil
}

// DiffShapes computes the schema report from two inventories.
func DiffShapes(src, tgt []TableShape) *SchemaReport {
	tgtByName := make(map[string]TableShape, len(tgt))
	for _, s := range tgt {
		tgtByName[s.Name] = s
	}
	srcNames := make(map[string]struct{}, len(src))

	report := &SchemaReport{}
	for _, s := range src {
		srcNames[s.Name] = struct{}{}
		t, ok := tgtByName[s.Name]
		if !ok {
			report.Missing = append(report.Missing, s.Name)
			continue
		}
		if t.Columns != s.Columns || t.Indexes != s.Indexes {
			report.Mismatch = append(report.Mismatch,
				fmt.Sprintf("%s (source %d cols/%d idx, target %d cols/%d idx)",
					s.Name, s.Columns, s.Indexes, t.Columns, t.Indexes))
			continue
		}
		report.Matched++
	}
	for _, t := range tgt {
		if _, ok := srcNames[t.Name]; !ok {
			report.Extra = append(report.Extra, t.Name)
		}
	}
	sort.Strings(report.Missing)
	sort.Strings(report.Extra)
	sort.Strings(report.Mismatch)
	return report
}

func listShapes(ctx context.Context, pool *pgxpool.Pool) ([]TableShape, error) {
	rows, err := pool.Query(ctx, `
		SELECT n.nspname || '.' || c.relname,
		       (SELECT count(*) FROM pg_attribute a
		        WHERE a.attrelid = c.oid AND a.attnum > 0 AND NOT a.attisdropped),
		       (SELECT count(*) FROM pg_index x WHERE x.indrelid = c.oid)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind IN ('r', 'p')
		  AND n.nspname NOT IN ('pg_catalog', 'information_schema')
		  AND NOT EXISTS (SELECT 1 FROM pg_inherits h WHERE h.inhrelid = c.oid)
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("inventory tables: %w", err)
	}
	defer rows.Close()

	var shapes []TableShape
	for rows.Next() {
		var s TableShape
		if err := rows.Scan(&s.Name, &s.Columns, &s.Indexes); err != nil {
			return nil, fmt.Errorf("scan table shape: %w", err)
		}
		shapes = append(shapes, s)
	}
	return shapes, rows.Err()
}

// TableChecksum is one side's row count and content hash for a table.
type TableChecksum struct {
	Rows     int64
	Checksum int64
}

// DataRow is the comparison outcome for one table.
type DataRow struct {
	Table  string
	Source TableChecksum
	Target TableChecksum
}

// Ok reports whether both sides agree.
func (r DataRow) Ok() bool { return r.Source == r.Target }

// DataReport is the outcome of a data comparison.
type DataReport struct {
	Rows []DataRow
}

// Ok reports whether every table matched.
func (r *DataReport) Ok() bool {
	for _, row := range r.Rows {
		if !row.Ok() {
			return false
		}
	}
	return true
}

// CompareData checksums every catalogued table on both sides. The checksum
// folds each row's text form through hashtextextended, so it is insensitive
// to physical row order.
func (c *Comparer) CompareData(ctx context.Context, tables []catalog.Table) (*DataReport, error) {
	report := &DataReport{Rows: make([]DataRow, len(tables))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(compareJobs)
	for i, t := range tables {
		i, t := i, t
		g.Go(func() error {
			report.Rows[i].Table = t.QualifiedName()

			var src, tgt TableChecksum
			inner, ictx := errgroup.WithContext(gctx)
			inner.Go(func() error {
				var err error
				src, err = tableChecksum(ictx, c.source, t)
				return err
			})
			inner.Go(func() error {
				var err error
				tgt, err = tableChecksum(ictx, c.target, t)
				return err
			})
			if err := inner.Wait(); err != nil {
				return err
			}
			report.Rows[i].Source = src
			report.Rows[i].Target = tgt
			if src != tgt {
				c.logger.Warn().
					Str("table", t.QualifiedName()).
					Int64("source_rows", src.Rows).
					Int64("target_rows", tgt.Rows).
					Msg("table content differs")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(report.Rows, func(i, j int) bool { return report.Rows[i].Table < report.Rows[j].Table })
	return report, nil
}

func tableChecksum(ctx context.Context, pool *pgxpool.Pool, t catalog.Table) (TableChecksum, error) {
	q := fmt.Sprintf(
		`SELECT count(*), COALESCE(sum(hashtextextended(x::text, 0)), 0)::bigint FROM ONLY %s x`,
		t.QuotedName())
	var cs TableChecksum
	if err := pool.QueryRow(ctx, q).Scan(&cs.Rows, &cs.Checksum); err != nil {
		return TableChecksum{}, fmt.Errorf("checksum %s: %w", t.QualifiedName(), err)
	}
	return cs, nil
}

// Render formats the schema report for the terminal.
func (r *SchemaReport) Render() string {
	var b strings.Builder
	if r.Ok() {
		fmt.Fprintf(&b, "schemas match: %d tables\n", r.Matched)
		return b.String()
	}
	for _, m := range r.Missing {
		fmt.Fprintf(&b, "missing on target: %s\n", m)
	}
	for _, e := range r.Extra {
		fmt.Fprintf(&b, "extra on target: %s\n", e)
	}
	for _, m := range r.Mismatch {
		fmt.Fprintf(&b, "shape mismatch: %s\n", m)
	}
	return b.String()
}

// Render formats the data report as an aligned table.
func (r *DataReport) Render() string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tSOURCE ROWS\tTARGET ROWS\tMATCH")
	for _, row := range r.Rows {
		match := "ok"
		if !row.Ok() {
			match = "DIFFERS"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", row.Table, row.Source.Rows, row.Target.Rows, match)
	}
	w.Flush()
	return b.String()
}
