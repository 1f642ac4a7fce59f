// Package copydb runs the base copy: table parts, indexes and constraint
// promotion, vacuum, sequences, and large objects, all fanned out over
// bounded worker pools coordinated through the catalog.
package copydb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/inspect"
)

// ErrWorkerFailed is returned when fail-fast is off and at least one work
// item failed; details are in the catalog's progress table.
var ErrWorkerFailed = errors.New("one or more work items failed")

// Limits bounds the per-phase worker pools.
type Limits struct {
	TableJobs       int
	IndexJobs       int
	LargeObjectJobs int

	FailFast         bool
	DropIfExists     bool
	BinaryCopy       bool
	Resume           bool
	SkipVacuum       bool
	SkipLargeObjects bool
}

// Supervisor owns the base-copy worker tree.
type Supervisor struct {
	source   *pgxpool.Pool
	target   *pgxpool.Pool
	cat      *catalog.Catalog
	snapshot string // exported snapshot name, empty when not consistent
	limits   Limits
	logger   zerolog.Logger
}

// NewSupervisor creates a Supervisor. All source readers import the given
// snapshot; pass an empty name to read without snapshot consistency.
func NewSupervisor(source, target *pgxpool.Pool, cat *catalog.Catalog, snapshotName string, limits Limits, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		source:   source,
		target:   target,
		cat:      cat,
		snapshot: snapshotName,
		limits:   limits,
		logger:   logger.With().Str("component", "supervisor").Logger(),
	}
}

type copyItem struct {
	table  catalog.Table
	part   catalog.TablePart
	single bool // the table has exactly one part
}

// Run executes the whole base copy and returns the per-table summary.
// Tables are dequeued in descending estimated-rows order to shorten the
// long pole; a table's indexes and vacuum item are enqueued only after its
// last part completes.
func (s *Supervisor) Run(ctx context.Context) (*Summary, error) {
	started := time.Now()

	tables, err := s.cat.ListTables()
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Int("tables", len(tables)).
		Int("table_jobs", s.limits.TableJobs).
		Int("index_jobs", s.limits.IndexJobs).
		Msg("starting base copy")

	partCh := make(chan copyItem)
	tableDoneCh := make(chan catalog.Table)
	idxCh := make(chan catalog.Index)
	vacCh := make(chan catalog.Table)

	g, gctx := errgroup.WithContext(ctx)

	// Copy tier: feeder plus table-copy workers. The done channel closes
	// only when every part of every table has been handled.
	copyGrp, copyCtx := errgroup.WithContext(gctx)

	copyGrp.Go(func() error {
		defer close(partCh)
		for _, t := range tables {
			parts, err := s.cat.ListParts(t.OID)
			if err != nil {
				return err
			}
			pending := 0
			for _, p := range parts {
				if !p.Done {
					pending++
				}
			}
			if pending == 0 {
				// Fully copied in a previous run; unblock its indexes now.
				select {
				case tableDoneCh <- t:
				case <-copyCtx.Done():
					return copyCtx.Err()
				}
				continue
			}
			for _, p := range parts {
				if p.Done {
					continue
				}
				if err := s.cat.EnqueueItem(catalog.KindTablePart, inspect.PartID(t.OID, p.PartNum)); err != nil {
					return err
				}
				select {
				case partCh <- copyItem{table: t, part: p, single: len(parts) == 1}:
				case <-copyCtx.Done():
					return copyCtx.Err()
				}
			}
		}
		return nil
	})

	for w := 0; w < s.limits.TableJobs; w++ {
		worker := w
		copyGrp.Go(func() error {
			for item := range partCh {
				allDone, err := s.runCopyItem(copyCtx, item, worker)
				if err != nil {
					return err
				}
				if allDone {
					select {
					case tableDoneCh <- item.table:
					case <-copyCtx.Done():
						return copyCtx.Err()
					}
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		err := copyGrp.Wait()
		close(tableDoneCh)
		return err
	})

	// Router: a completed table releases its indexes and its vacuum item.
	g.Go(func() error {
		defer close(idxCh)
		defer close(vacCh)
		for t := range tableDoneCh {
			indexes, err := s.cat.ListIndexes(t.OID)
			if err != nil {
				return err
			}
			for _, idx := range indexes {
				select {
				case idxCh <- idx:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if !s.limits.SkipVacuum {
				select {
				case vacCh <- t:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
		return nil
	})

	for w := 0; w < s.limits.IndexJobs; w++ {
		g.Go(func() error {
			for idx := range idxCh {
				if err := s.runIndexItem(gctx, idx); err != nil {
					return err
				}
			}
			return nil
		})
	}

	vacuumJobs := s.limits.TableJobs
	for w := 0; w < vacuumJobs; w++ {
		g.Go(func() error {
			for t := range vacCh {
				if err := s.runVacuumItem(gctx, t); err != nil {
					return err
				}
			}
			return nil
		})
	}

	// Sequences resync once, in parallel with the copy phase.
	g.Go(func() error { return s.runSequences(gctx) })

	if !s.limits.SkipLargeObjects {
		g.Go(func() error { return s.runLargeObjects(gctx) })
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	failed, err := s.cat.CountFailed()
	if err != nil {
		return nil, err
	}
	summary, err := BuildSummary(s.cat, started, time.Now())
	if err != nil {
		return nil, err
	}
	if failed > 0 {
		return summary, fmt.Errorf("%w: %d failed items", ErrWorkerFailed, failed)
	}
	s.logger.Info().Dur("elapsed", time.Since(started)).Msg("base copy complete")
	return summary, nil
}

// itemFailed records a failed work item. With fail-fast the error propagates
// and cancels the run; otherwise scheduling continues and the run exits
// non-zero at the end.
func (s *Supervisor) itemFailed(kind, id string, cause error) error {
	if err := s.cat.FailItem(kind, id, cause); err != nil {
		return err
	}
	if s.limits.FailFast {
		return cause
	}
	s.logger.Error().Err(cause).Str("kind", kind).Str("item", id).Msg("work item failed, continuing")
	return nil
}
