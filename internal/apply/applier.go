// Package apply replays transformed SQL batches onto the target, using a
// replication origin so every source transaction lands exactly once even
// across restarts.
package apply

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/stream"
	"github.com/jfoltran/pgclone/internal/transform"
)

// ErrApplyConflict wraps a constraint violation during replay. It usually
// means the target received writes outside the replication stream.
var ErrApplyConflict = errors.New("apply conflict on target")

// ErrEndposReached mirrors the stream package: the applier consumed a batch
// file up to the recorded stop position.
var ErrEndposReached = errors.New("stop position reached")

// Applier owns one target session with the replication origin attached.
// Transaction state survives across files because a transaction can start
// in one WAL segment and commit in the next.
type Applier struct {
	conn   *pgx.Conn
	cat    *catalog.Catalog
	origin string
	logger zerolog.Logger

	progress pglogrepl.LSN // commit LSN recorded by the origin
	prepared map[string]struct{}

	inTx     bool
	skipping bool
}

// New attaches the replication origin to a dedicated target session,
// creating the origin on first use, and loads the replay progress.
func New(ctx context.Context, conn *pgx.Conn, cat *catalog.Catalog, origin string, logger zerolog.Logger) (*Applier, error) {
	a := &Applier{
		conn:     conn,
		cat:      cat,
		origin:   origin,
		logger:   logger.With().Str("component", "apply").Logger(),
		prepared: make(map[string]struct{}),
	}

	var oid *uint32
	err := conn.QueryRow(ctx, `SELECT pg_replication_origin_oid($1)`, origin).Scan(&oid)
	if err != nil {
		return nil, fmt.Errorf("look up replication origin %s: %w", origin, err)
	}
	if oid == nil {
		if _, err := conn.Exec(ctx, `SELECT pg_replication_origin_create($1)`, origin); err != nil {
			return nil, fmt.Errorf("create replication origin %s: %w", origin, err)
		}
		a.logger.Info().Str("origin", origin).Msg("created replication origin")
	}

	if _, err := conn.Exec(ctx, `SELECT pg_replication_origin_session_setup($1)`, origin); err != nil {
		return nil, fmt.Errorf("attach replication origin %s: %w", origin, err)
	}

	var progress *string
	err = conn.QueryRow(ctx, `SELECT pg_replication_origin_progress($1, true)`, origin).Scan(&progress)
	if err != nil {
		return nil, fmt.Errorf("read origin progress: %w", err)
	}
	if progress != nil {
		l, err := pglogrepl.ParseLSN(*progress)
		if err != nil {
			return nil, fmt.Errorf("parse origin progress %q: %w", *progress, err)
		}
		a.progress = l
	}
	a.logger.Info().Str("origin", origin).Stringer("progress", a.progress).Msg("applier attached")
	return a, nil
}

// Progress returns the last commit LSN durably recorded by the origin.
func (a *Applier) Progress() pglogrepl.LSN { return a.progress }

// ApplyFile replays one SQL batch file.
func (a *Applier) ApplyFile(ctx context.Context, sqlPath string) error {
	f, err := os.Open(sqlPath)
	if err != nil {
		return fmt.Errorf("open batch file %s: %w", sqlPath, err)
	}
	defer f.Close()
	a.logger.Debug().Str("file", sqlPath).Msg("applying batch file")
	return a.ApplyStream(ctx, f)
}

// ApplyStream replays SQL lines from r until EOF or the endpos marker.
func (a *Applier) ApplyStream(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := a.applyLine(ctx, line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read batch stream: %w", err)
	}
	return nil
}

func (a *Applier) applyLine(ctx context.Context, line string) error {
	switch {
	case strings.HasPrefix(line, "-- "):
		hdr, ok := transform.ParseMarker(line)
		if !ok {
			return nil
		}
		if hdr.Action == stream.ActionEndpos {
			a.logger.Info().Str("endpos", hdr.LSN).Msg("endpos marker reached")
			return ErrEndposReached
		}
		return nil

	case strings.HasPrefix(line, "BEGIN;"):
		return a.beginTx(ctx, line)

	case strings.HasPrefix(line, "COMMIT;"):
		return a.commitTx(ctx, line)

	case strings.HasPrefix(line, "PREPARE "):
		if a.skipping {
			return nil
		}
		return a.prepare(ctx, line)

	case strings.HasPrefix(line, "EXECUTE "):
		if a.skipping {
			return nil
		}
		return a.execute(ctx, line)

	default:
		if a.skipping {
			return nil
		}
		if _, err := a.conn.Exec(ctx, line); err != nil {
			return a.classify(fmt.Errorf("apply statement: %w", err))
		}
		return nil
	}
}

// beginTx opens a target transaction unless the origin already recorded this
// source transaction, in which case everything up to its COMMIT is skipped.
func (a *Applier) beginTx(ctx context.Context, line string) error {
	hdr, ok := transform.ParseMarker(line)
	if !ok {
		return fmt.Errorf("BEGIN line without header: %.120s", line)
	}
	commitLSN, err := transform.MarkerLSN(hdr)
	if err != nil {
		return err
	}

	if commitLSN <= a.progress {
		a.skipping = true
		a.logger.Debug().Stringer("commit_lsn", commitLSN).Uint32("xid", hdr.XID).Msg("transaction already applied, skipping")
		return nil
	}

	if _, err := a.conn.Exec(ctx, "BEGIN"); err != nil {
		return fmt.Errorf("begin target transaction: %w", err)
	}
	// The origin records the source commit position inside the same target
	// transaction, which is what makes replay exactly-once.
	if _, err := a.conn.Exec(ctx, `SELECT pg_replication_origin_xact_setup($1::pg_lsn, now())`, commitLSN.String()); err != nil {
		return fmt.Errorf("origin transaction setup: %w", err)
	}
	a.inTx = true
	return nil
}

func (a *Applier) commitTx(ctx context.Context, line string) error {
	hdr, ok := transform.ParseMarker(line)
	if !ok {
		return fmt.Errorf("COMMIT line without header: %.120s", line)
	}
	commitLSN, err := transform.MarkerLSN(hdr)
	if err != nil {
		return err
	}

	if a.skipping {
		a.skipping = false
		return nil
	}
	if !a.inTx {
		return fmt.Errorf("COMMIT at %s without open transaction", hdr.LSN)
	}
	if _, err := a.conn.Exec(ctx, "COMMIT"); err != nil {
		return a.classify(fmt.Errorf("commit at %s: %w", hdr.LSN, err))
	}
	a.inTx = false
	if commitLSN > a.progress {
		a.progress = commitLSN
	}
	if err := a.cat.UpdateReplayPosition(a.progress); err != nil {
		return err
	}
	return nil
}

// prepare registers one insert statement. Names encode the statement shape,
// so a name seen before is the same SQL and needs no round trip.
func (a *Applier) prepare(ctx context.Context, line string) error {
	name, sql, err := parsePrepareLine(line)
	if err != nil {
		return err
	}
	if _, done := a.prepared[name]; done {
		return nil
	}
	if _, err := a.conn.Prepare(ctx, name, sql); err != nil {
		return a.classify(fmt.Errorf("prepare %s: %w", name, err))
	}
	a.prepared[name] = struct{}{}
	return nil
}

// execute runs one prepared insert batch. The line carries the flattened
// row values as a JSON array right after the statement name.
func (a *Applier) execute(ctx context.Context, line string) error {
	name, args, err := parseExecuteLine(line)
	if err != nil {
		return err
	}
	if _, err := a.conn.Exec(ctx, name, args...); err != nil {
		return a.classify(fmt.Errorf("execute %s: %w", name, err))
	}
	return nil
}

func parsePrepareLine(line string) (name, sql string, err error) {
	rest := strings.TrimPrefix(line, "PREPARE ")
	name, sql, ok := strings.Cut(rest, " AS ")
	if !ok {
		return "", "", fmt.Errorf("malformed PREPARE line: %.120s", line)
	}
	return name, strings.TrimSuffix(strings.TrimSpace(sql), ";"), nil
}

func parseExecuteLine(line string) (name string, args []any, err error) {
	rest := strings.TrimPrefix(line, "EXECUTE ")
	open := strings.IndexByte(rest, '[')
	if open < 0 {
		return "", nil, fmt.Errorf("malformed EXECUTE line: %.120s", line)
	}
	name = rest[:open]
	payload := strings.TrimSuffix(strings.TrimSpace(rest[open:]), ";")

	var values []*string
	if err := json.Unmarshal([]byte(payload), &values); err != nil {
		return "", nil, fmt.Errorf("parse EXECUTE arguments for %s: %w", name, err)
	}
	args = make([]any, len(values))
	for i, v := range values {
		if v == nil {
			args[i] = nil
		} else {
			args[i] = *v
		}
	}
	return name, args, nil
}

// classify rolls back any open transaction and tags constraint violations
// as apply conflicts.
func (a *Applier) classify(err error) error {
	if a.inTx {
		_, _ = a.conn.Exec(context.Background(), "ROLLBACK")
		a.inTx = false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23503", "23514":
			return fmt.Errorf("%w: %v", ErrApplyConflict, err)
		}
	}
	return err
}

// Close detaches the origin and closes the session.
func (a *Applier) Close(ctx context.Context) error {
	if a.inTx {
		_, _ = a.conn.Exec(ctx, "ROLLBACK")
	}
	_, _ = a.conn.Exec(ctx, `SELECT pg_replication_origin_session_reset()`)
	return a.conn.Close(ctx)
}

// DropOrigin removes the replication origin from the target. Used by
// stream cleanup after a finished or abandoned migration.
func DropOrigin(ctx context.Context, conn *pgx.Conn, origin string, logger zerolog.Logger) error {
	var oid *uint32
	if err := conn.QueryRow(ctx, `SELECT pg_replication_origin_oid($1)`, origin).Scan(&oid); err != nil {
		return fmt.Errorf("look up replication origin %s: %w", origin, err)
	}
	if oid == nil {
		return nil
	}
	if _, err := conn.Exec(ctx, `SELECT pg_replication_origin_drop($1)`, origin); err != nil {
		return fmt.Errorf("drop replication origin %s: %w", origin, err)
	}
	logger.Info().Str("origin", origin).Msg("dropped replication origin")
	return nil
}
