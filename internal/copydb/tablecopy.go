package copydb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/inspect"
	"github.com/jfoltran/pgclone/internal/retry"
	"github.com/jfoltran/pgclone/internal/snapshot"
)

// ErrCopyAborted wraps a COPY stream failure after retries ran out.
var ErrCopyAborted = errors.New("table copy aborted")

var copyRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

// runCopyItem copies one table part and reports whether the whole table is
// now done. Failure handling depends on the fail-fast setting.
func (s *Supervisor) runCopyItem(ctx context.Context, item copyItem, worker int) (allDone bool, err error) {
	id := inspect.PartID(item.table.OID, item.part.PartNum)
	log := s.logger.With().
		Int("worker", worker).
		Str("table", item.table.QualifiedName()).
		Str("part", id).
		Logger()

	if err := s.cat.StartItem(catalog.KindTablePart, id); err != nil {
		return false, err
	}

	started := time.Now()
	var bytes int64
	copyErr := copyRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		bytes, err = s.copyPartOnce(ctx, item)
		return err
	})
	if copyErr != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, s.itemFailed(catalog.KindTablePart, id, fmt.Errorf("%w: %s: %v", ErrCopyAborted, id, copyErr))
	}

	if err := s.cat.FinishItem(catalog.KindTablePart, id, bytes); err != nil {
		return false, err
	}
	allDone, err = s.cat.MarkPartDone(item.table.OID, item.part.PartNum)
	if err != nil {
		return false, err
	}

	log.Info().
		Str("bytes", humanize.Bytes(uint64(bytes))).
		Dur("elapsed", time.Since(started)).
		Bool("table_done", allDone).
		Msg("part copied")
	return allDone, nil
}

// copyPartOnce streams one part from source to target. The source side reads
// under the shared exported snapshot; the target side is a plain COPY FROM,
// except for single-part tables with --drop-if-exists where the truncate and
// the copy share one transaction so FREEZE can skip WAL for the rows.
func (s *Supervisor) copyPartOnce(ctx context.Context, item copyItem) (int64, error) {
	src, err := s.source.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire source connection: %w", err)
	}
	defer src.Release()

	tgt, err := s.target.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire target connection: %w", err)
	}
	defer tgt.Release()

	srcConn := src.Conn()
	if _, err := srcConn.Exec(ctx, "BEGIN ISOLATION LEVEL REPEATABLE READ READ ONLY"); err != nil {
		return 0, fmt.Errorf("begin source read: %w", err)
	}
	defer srcConn.Exec(context.WithoutCancel(ctx), "ROLLBACK")

	if s.snapshot != "" {
		if _, err := srcConn.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", s.snapshot)); err != nil {
			return 0, fmt.Errorf("%w: import %s: %v", snapshot.ErrSnapshotLost, s.snapshot, err)
		}
	}

	freeze := item.single && s.limits.DropIfExists
	tgtConn := tgt.Conn()
	if freeze {
		if _, err := tgtConn.Exec(ctx, "BEGIN"); err != nil {
			return 0, fmt.Errorf("begin target load: %w", err)
		}
		defer tgtConn.Exec(context.WithoutCancel(ctx), "ROLLBACK")
		if _, err := tgtConn.Exec(ctx, "TRUNCATE ONLY "+item.table.QuotedName()); err != nil {
			return 0, fmt.Errorf("truncate %s: %w", item.table.QualifiedName(), err)
		}
	}

	pr, pw := io.Pipe()
	counted := &countingWriter{w: pw}

	done := make(chan error, 1)
	go func() {
		_, err := srcConn.PgConn().CopyTo(ctx, counted, s.copyToSQL(item))
		pw.CloseWithError(err)
		done <- err
	}()

	if _, err := tgtConn.PgConn().CopyFrom(ctx, pr, s.copyFromSQL(item.table, freeze)); err != nil {
		pr.CloseWithError(err)
		<-done
		return counted.n, fmt.Errorf("copy into %s: %w", item.table.QualifiedName(), err)
	}
	if err := <-done; err != nil {
		return counted.n, fmt.Errorf("copy from %s: %w", item.table.QualifiedName(), err)
	}

	if freeze {
		if _, err := tgtConn.Exec(ctx, "COMMIT"); err != nil {
			return counted.n, fmt.Errorf("commit target load: %w", err)
		}
	}
	return counted.n, nil
}

// copyToSQL builds the source-side COPY statement for one part.
func (s *Supervisor) copyToSQL(item copyItem) string {
	format := ""
	if s.limits.BinaryCopy {
		format = " WITH (FORMAT binary)"
	}

	t := item.table
	p := item.part
	switch {
	case p.Lo == 0 && p.Hi == 0 && !p.ByPage:
		return fmt.Sprintf("COPY %s TO STDOUT%s", t.QuotedName(), format)
	case p.ByPage:
		// ctid windows address physical pages directly; rows moved by a
		// concurrent vacuum are not a concern under the shared snapshot.
		return fmt.Sprintf(
			"COPY (SELECT * FROM ONLY %s WHERE ctid >= '(%d,0)'::tid AND ctid < '(%d,0)'::tid) TO STDOUT%s",
			t.QuotedName(), p.Lo, p.Hi, format)
	default:
		return fmt.Sprintf(
			"COPY (SELECT * FROM ONLY %s WHERE %s >= %d AND %s < %d) TO STDOUT%s",
			t.QuotedName(), catalog.QuoteIdent(t.SplitColumn), p.Lo, catalog.QuoteIdent(t.SplitColumn), p.Hi, format)
	}
}

// copyFromSQL builds the target-side COPY statement.
func (s *Supervisor) copyFromSQL(t catalog.Table, freeze bool) string {
	var opts []byte
	add := func(o string) {
		if len(opts) > 0 {
			opts = append(opts, ", "...)
		}
		opts = append(opts, o...)
	}
	if freeze {
		add("FREEZE")
	}
	if s.limits.BinaryCopy {
		add("FORMAT binary")
	}
	if len(opts) == 0 {
		return fmt.Sprintf("COPY %s FROM STDIN", t.QuotedName())
	}
	return fmt.Sprintf("COPY %s FROM STDIN WITH (%s)", t.QuotedName(), opts)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
