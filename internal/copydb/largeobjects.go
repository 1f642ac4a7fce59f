package copydb

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/snapshot"
)

// Large objects are fetched in chunks through lo_get/lo_put so no single
// object has to fit in memory.
const loChunkSize = 4 * 1024 * 1024

// runLargeObjects copies every pending large object over a small worker pool
// of its own. Large-object data is not carried by logical replication, so
// this is the only path that moves it.
func (s *Supervisor) runLargeObjects(ctx context.Context) error {
	oids, err := s.cat.PendingLargeObjects()
	if err != nil {
		return err
	}
	if len(oids) == 0 {
		return nil
	}
	s.logger.Info().
		Int("large_objects", len(oids)).
		Int("jobs", s.limits.LargeObjectJobs).
		Msg("copying large objects")

	oidCh := make(chan uint32)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(oidCh)
		for _, oid := range oids {
			select {
			case oidCh <- oid:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < s.limits.LargeObjectJobs; w++ {
		g.Go(func() error {
			for oid := range oidCh {
				if err := s.copyLargeObject(gctx, oid); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// copyLargeObject recreates one large object on the target with the same oid
// and streams its content chunk by chunk. The source side reads under the
// shared exported snapshot so an object mutated mid-run arrives in the state
// the base copy saw.
func (s *Supervisor) copyLargeObject(ctx context.Context, oid uint32) error {
	id := strconv.FormatUint(uint64(oid), 10)
	if err := s.cat.EnqueueItem(catalog.KindLargeObject, id); err != nil {
		return err
	}
	if err := s.cat.StartItem(catalog.KindLargeObject, id); err != nil {
		return err
	}

	src, err := s.source.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire source connection: %w", err)
	}
	defer src.Release()
	srcConn := src.Conn()
	if _, err := srcConn.Exec(ctx, "BEGIN ISOLATION LEVEL REPEATABLE READ READ ONLY"); err != nil {
		return s.itemFailed(catalog.KindLargeObject, id, fmt.Errorf("begin source read: %w", err))
	}
	defer srcConn.Exec(context.WithoutCancel(ctx), "ROLLBACK")
	if s.snapshot != "" {
		if _, err := srcConn.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", s.snapshot)); err != nil {
			return s.itemFailed(catalog.KindLargeObject, id,
				fmt.Errorf("%w: import %s: %v", snapshot.ErrSnapshotLost, s.snapshot, err))
		}
	}

	// Re-running after a partial copy leaves a half-written object behind;
	// unlink first and ignore undefined_object.
	_, _ = s.target.Exec(ctx, "SELECT lo_unlink($1)", oid)
	if _, err := s.target.Exec(ctx, "SELECT lo_create($1)", oid); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.itemFailed(catalog.KindLargeObject, id, fmt.Errorf("lo_create %d: %w", oid, err))
	}

	var total int64
	for offset := int64(0); ; offset += loChunkSize {
		var chunk []byte
		err := srcConn.QueryRow(ctx, "SELECT lo_get($1, $2, $3)", oid, offset, loChunkSize).Scan(&chunk)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return s.itemFailed(catalog.KindLargeObject, id, fmt.Errorf("lo_get %d at %d: %w", oid, offset, err))
		}
		if len(chunk) == 0 {
			break
		}
		if _, err := s.target.Exec(ctx, "SELECT lo_put($1, $2, $3)", oid, offset, chunk); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return s.itemFailed(catalog.KindLargeObject, id, fmt.Errorf("lo_put %d at %d: %w", oid, offset, err))
		}
		total += int64(len(chunk))
		if len(chunk) < loChunkSize {
			break
		}
	}

	if err := s.cat.FinishItem(catalog.KindLargeObject, id, total); err != nil {
		return err
	}
	if err := s.cat.MarkLargeObjectDone(oid); err != nil {
		return err
	}
	s.logger.Debug().Uint32("oid", oid).Int64("bytes", total).Msg("large object copied")
	return nil
}
