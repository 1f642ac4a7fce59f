package copydb

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jfoltran/pgclone/internal/catalog"
)

// runVacuumItem analyzes one fully copied table on the target so the planner
// has statistics before application traffic arrives.
func (s *Supervisor) runVacuumItem(ctx context.Context, t catalog.Table) error {
	id := strconv.FormatUint(uint64(t.OID), 10)
	if err := s.cat.EnqueueItem(catalog.KindVacuum, id); err != nil {
		return err
	}
	state, err := s.cat.ItemState(catalog.KindVacuum, id)
	if err != nil {
		return err
	}
	if state == catalog.StateDone {
		return nil
	}
	if err := s.cat.StartItem(catalog.KindVacuum, id); err != nil {
		return err
	}

	started := time.Now()
	// VACUUM cannot run inside a transaction block; Exec sends it as a
	// standalone autocommit statement.
	if _, err := s.target.Exec(ctx, "VACUUM (ANALYZE) "+t.QuotedName()); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.itemFailed(catalog.KindVacuum, id, fmt.Errorf("vacuum analyze %s: %w", t.QualifiedName(), err))
	}

	if err := s.cat.FinishItem(catalog.KindVacuum, id, 0); err != nil {
		return err
	}
	s.logger.Debug().
		Str("table", t.QualifiedName()).
		Dur("elapsed", time.Since(started)).
		Msg("vacuum analyze done")
	return nil
}

// runSequences replays every sequence position onto the target. Sequence
// state is tiny and not transactional with the table data, so a single
// worker resets them all in one pass.
func (s *Supervisor) runSequences(ctx context.Context) error {
	seqs, err := s.cat.ListSequences()
	if err != nil {
		return err
	}
	for _, seq := range seqs {
		id := strconv.FormatUint(uint64(seq.OID), 10)
		if err := s.cat.EnqueueItem(catalog.KindSequence, id); err != nil {
			return err
		}
		if err := s.cat.StartItem(catalog.KindSequence, id); err != nil {
			return err
		}
		_, err := s.target.Exec(ctx,
			"SELECT pg_catalog.setval($1::regclass, $2, $3)",
			seq.QualifiedName(), seq.LastValue, seq.IsCalled)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := s.itemFailed(catalog.KindSequence, id, fmt.Errorf("setval %s: %w", seq.QualifiedName(), err)); err != nil {
				return err
			}
			continue
		}
		if err := s.cat.FinishItem(catalog.KindSequence, id, 0); err != nil {
			return err
		}
	}
	s.logger.Info().Int("sequences", len(seqs)).Msg("sequences reset")
	return nil
}
