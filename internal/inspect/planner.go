package inspect

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
)

// Planner decides how each table is partitioned and materializes the work
// plan into the source catalog.
type Planner struct {
	Threshold int64 // split tables larger than this many bytes; 0 disables
	MaxParts  int
	SkipCtid  bool
	Filter    *Filter // optional table exclusion list

	inspector *Inspector
	cat       *catalog.Catalog
	logger    zerolog.Logger
}

// NewPlanner creates a Planner writing into the given catalog.
func NewPlanner(inspector *Inspector, cat *catalog.Catalog, threshold int64, maxParts int, skipCtid bool, logger zerolog.Logger) *Planner {
	return &Planner{
		Threshold: threshold,
		MaxParts:  maxParts,
		SkipCtid:  skipCtid,
		inspector: inspector,
		cat:       cat,
		logger:    logger.With().Str("component", "planner").Logger(),
	}
}

// PartCount returns how many parts a table of the given size gets.
func PartCount(size, threshold int64, maxParts int) int {
	if threshold <= 0 || size < threshold {
		return 1
	}
	n := int((size + threshold - 1) / threshold)
	if n > maxParts {
		n = maxParts
	}
	if n < 1 {
		n = 1
	}
	return n
}

// SplitRange divides the half-open range [lo, hi) into n disjoint adjacent
// ranges whose union is [lo, hi). Returns fewer parts when the range is
// narrower than n.
func SplitRange(lo, hi int64, n int) [][2]int64 {
	if hi <= lo || n < 1 {
		return nil
	}
	width := hi - lo
	if int64(n) > width {
		n = int(width)
	}
	step := width / int64(n)
	rem := width % int64(n)

	parts := make([][2]int64, 0, n)
	cur := lo
	for i := 0; i < n; i++ {
		next := cur + step
		if int64(i) < rem {
			next++
		}
		parts = append(parts, [2]int64{cur, next})
		cur = next
	}
	return parts
}

// Plan inspects the source and writes tables, parts, indexes, sequences and
// large objects into the catalog. Returns the planned tables.
func (p *Planner) Plan(ctx context.Context, skipLargeObjects bool) ([]catalog.Table, error) {
	tables, err := p.inspector.ListTables(ctx)
	if err != nil {
		return nil, err
	}

	for _, t := range tables {
		if p.Filter != nil && p.Filter.Match(t.Schema, t.Name) {
			t.Excluded = true
			if err := p.cat.AddTable(t); err != nil {
				return nil, err
			}
			p.logger.Info().Str("table", t.QualifiedName()).Msg("table excluded by filter")
			continue
		}
		if err := p.cat.AddTable(t); err != nil {
			return nil, err
		}
		parts, err := p.planParts(ctx, t)
		if err != nil {
			return nil, err
		}
		if err := p.cat.AddParts(parts); err != nil {
			return nil, err
		}

		indexes, err := p.inspector.ListIndexes(ctx, t)
		if err != nil {
			return nil, err
		}
		for _, idx := range indexes {
			if err := p.cat.AddIndex(idx); err != nil {
				return nil, err
			}
		}

		p.logger.Debug().
			Str("table", t.QualifiedName()).
			Int64("bytes", t.Bytes).
			Int("parts", len(parts)).
			Int("indexes", len(indexes)).
			Msg("planned table")
	}

	seqs, err := p.inspector.ListSequences(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range seqs {
		if err := p.cat.AddSequence(s); err != nil {
			return nil, err
		}
	}

	if !skipLargeObjects {
		oids, err := p.inspector.ListLargeObjects(ctx)
		if err != nil {
			return nil, err
		}
		if err := p.cat.AddLargeObjects(oids); err != nil {
			return nil, err
		}
	}

	p.logger.Info().
		Int("tables", len(tables)).
		Int("sequences", len(seqs)).
		Msg("work plan materialized")
	return tables, nil
}

// planParts decides the partitioning of one table:
// integer key ranges when the table is large enough and has a usable key,
// physical page windows otherwise, single part as the fallback.
func (p *Planner) planParts(ctx context.Context, t catalog.Table) ([]catalog.TablePart, error) {
	single := []catalog.TablePart{{TableOID: t.OID, PartNum: 0, Lo: 0, Hi: 0}}

	n := PartCount(t.Bytes, p.Threshold, p.MaxParts)
	if n <= 1 {
		return single, nil
	}

	if t.SplitColumn != "" {
		lo, hi, hasRows, err := p.inspector.KeyRange(ctx, t)
		if err != nil {
			return nil, err
		}
		if !hasRows {
			return single, nil
		}
		// Half-open ranges over [min, max+1).
		ranges := SplitRange(lo, hi+1, n)
		parts := make([]catalog.TablePart, len(ranges))
		for i, r := range ranges {
			parts[i] = catalog.TablePart{TableOID: t.OID, PartNum: i, Lo: r[0], Hi: r[1]}
		}
		return parts, nil
	}

	if p.SkipCtid {
		return single, nil
	}

	pages, err := p.inspector.RelPages(ctx, t.OID)
	if err != nil {
		return nil, err
	}
	if pages <= 1 {
		return single, nil
	}
	ranges := SplitRange(0, pages, n)
	parts := make([]catalog.TablePart, len(ranges))
	for i, r := range ranges {
		parts[i] = catalog.TablePart{TableOID: t.OID, PartNum: i, Lo: r[0], Hi: r[1], ByPage: true}
	}
	return parts, nil
}

// PartID is the progress identifier of a table part.
func PartID(tableOID uint32, partNum int) string {
	return fmt.Sprintf("%d.%d", tableOID, partNum)
}
