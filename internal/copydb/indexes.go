package copydb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jfoltran/pgclone/internal/catalog"
)

// runIndexItem creates one index on the target and, when the index backs a
// primary key or unique constraint, promotes it in the same work item so the
// constraint always follows its index.
func (s *Supervisor) runIndexItem(ctx context.Context, idx catalog.Index) error {
	id := strconv.FormatUint(uint64(idx.OID), 10)
	if err := s.cat.EnqueueItem(catalog.KindIndex, id); err != nil {
		return err
	}
	state, err := s.cat.ItemState(catalog.KindIndex, id)
	if err != nil {
		return err
	}
	if state == catalog.StateDone {
		return nil
	}
	if err := s.cat.StartItem(catalog.KindIndex, id); err != nil {
		return err
	}

	started := time.Now()
	// Exclusion constraints carry no separate index definition: the ALTER
	// TABLE below builds the index itself.
	if idx.Definition != "" {
		if _, err := s.target.Exec(ctx, idx.Definition); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return s.itemFailed(catalog.KindIndex, id, fmt.Errorf("create index %s: %w", idx.Name, err))
		}
	}

	if idx.BacksConstraint {
		if err := s.promoteConstraint(ctx, idx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return s.itemFailed(catalog.KindIndex, id, err)
		}
	}

	if err := s.cat.FinishItem(catalog.KindIndex, id, 0); err != nil {
		return err
	}
	s.logger.Info().
		Str("index", idx.Name).
		Bool("constraint", idx.BacksConstraint).
		Dur("elapsed", time.Since(started)).
		Msg("index built")
	return nil
}

// promoteConstraint attaches the constraint to its freshly built index. On
// --resume the constraint may already exist from a previous run; that shows
// up as duplicate_object and is not an error.
func (s *Supervisor) promoteConstraint(ctx context.Context, idx catalog.Index) error {
	_, err := s.target.Exec(ctx, idx.ConstraintSQL)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42710" {
		s.logger.Debug().Str("constraint", idx.ConstraintName).Msg("constraint already exists, skipping")
		return nil
	}
	return fmt.Errorf("promote constraint %s: %w", idx.ConstraintName, err)
}
