// Package snapshot owns the exported transaction snapshot every source-side
// reader of the base copy shares.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// ErrSnapshotLost is returned when the exporting transaction has ended and
// the snapshot can no longer be imported. Resuming then requires waiving
// consistency (--resume --not-consistent).
var ErrSnapshotLost = errors.New("exported snapshot is no longer available")

// Holder keeps one source connection with an open repeatable-read
// transaction whose snapshot has been exported. The snapshot stays valid
// only while this transaction is open.
type Holder struct {
	conn   *pgx.Conn
	tx     pgx.Tx
	name   string
	logger zerolog.Logger
}

// Export connects to the source, opens the holding transaction, and exports
// its snapshot.
func Export(ctx context.Context, dsn string, logger zerolog.Logger) (*Holder, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("snapshot connection: %w", err)
	}

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("begin snapshot transaction: %w", err)
	}

	var name string
	if err := tx.QueryRow(ctx, `SELECT pg_export_snapshot()`).Scan(&name); err != nil {
		_ = tx.Rollback(ctx)
		conn.Close(ctx)
		return nil, fmt.Errorf("export snapshot: %w", err)
	}

	h := &Holder{
		conn:   conn,
		tx:     tx,
		name:   name,
		logger: logger.With().Str("component", "snapshot").Logger(),
	}
	h.logger.Info().Str("snapshot", name).Msg("exported snapshot")
	return h, nil
}

// Name returns the exported snapshot identifier.
func (h *Holder) Name() string { return h.name }

// Keep blocks until ctx is done, pinging the holding connection so idle
// timeouts on the server side do not kill the transaction.
func (h *Holder) Keep(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.conn.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: %v", ErrSnapshotLost, err)
			}
		}
	}
}

// Release ends the holding transaction and closes the connection. The
// snapshot becomes unusable for new importers immediately.
func (h *Holder) Release(ctx context.Context) {
	if h.tx != nil {
		_ = h.tx.Rollback(ctx)
	}
	if h.conn != nil {
		_ = h.conn.Close(ctx)
	}
	h.logger.Info().Str("snapshot", h.name).Msg("released snapshot")
}

// SetTransactionSnapshot imports the named snapshot into the given
// transaction. Must be the transaction's first statement.
func SetTransactionSnapshot(ctx context.Context, tx pgx.Tx, name string) error {
	if name == "" {
		return nil
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", name)); err != nil {
		return fmt.Errorf("%w: set transaction snapshot %s: %v", ErrSnapshotLost, name, err)
	}
	return nil
}
