package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
)

// ErrEndposReached signals a clean stop: the stream consumed a transaction
// ending at or past the sentinel's endpos.
var ErrEndposReached = errors.New("stop position reached")

// ErrDisconnected marks a lost replication connection. Callers may
// reconnect and resume from the last flushed position.
var ErrDisconnected = errors.New("replication connection lost")

const (
	standbyInterval = 1 * time.Second
	recvTimeout     = 2 * time.Second
)

// Receiver drives one logical replication connection, decoding WAL into the
// segment writer and reporting progress through standby status updates. The
// reported flush position is what the segment writer has durably persisted,
// so the slot never releases WAL we could still need after a crash.
type Receiver struct {
	conn    *pgconn.PgConn
	decoder Decoder
	writer  *SegmentWriter
	cat     *catalog.Catalog
	slot    string
	plugin  string
	logger  zerolog.Logger

	midTx bool // between a decoded BEGIN and its COMMIT
}

// ConnectReplication opens a streaming replication connection.
func ConnectReplication(ctx context.Context, replicationDSN string) (*pgconn.PgConn, error) {
	conn, err := pgconn.Connect(ctx, replicationDSN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return conn, nil
}

// NewReceiver creates a Receiver over an established replication connection.
func NewReceiver(conn *pgconn.PgConn, decoder Decoder, writer *SegmentWriter, cat *catalog.Catalog, slot, plugin string, logger zerolog.Logger) *Receiver {
	return &Receiver{
		conn:    conn,
		decoder: decoder,
		writer:  writer,
		cat:     cat,
		slot:    strings.ReplaceAll(slot, "-", "_"),
		plugin:  plugin,
		logger:  logger.With().Str("component", "receive").Logger(),
	}
}

// IdentifySystem returns the source's system identification, including the
// timeline used for segment file naming.
func (r *Receiver) IdentifySystem(ctx context.Context) (pglogrepl.IdentifySystemResult, error) {
	sysident, err := pglogrepl.IdentifySystem(ctx, r.conn)
	if err != nil {
		return pglogrepl.IdentifySystemResult{}, fmt.Errorf("identify system: %w", err)
	}
	return sysident, nil
}

// CreateSlot creates the logical replication slot and exports its snapshot.
// The snapshot stays importable until streaming starts, which is what makes
// the base copy consistent with the change stream.
func (r *Receiver) CreateSlot(ctx context.Context) (snapshotName string, consistentPoint pglogrepl.LSN, err error) {
	sql := fmt.Sprintf(`CREATE_REPLICATION_SLOT %s LOGICAL %s (SNAPSHOT 'export')`, r.slot, r.plugin)
	result, err := pglogrepl.ParseCreateReplicationSlot(r.conn.Exec(ctx, sql))
	if err != nil {
		return "", 0, fmt.Errorf("create replication slot %s: %w", r.slot, err)
	}
	point, err := pglogrepl.ParseLSN(result.ConsistentPoint)
	if err != nil {
		return "", 0, fmt.Errorf("parse consistent point: %w", err)
	}
	r.logger.Info().
		Str("slot", r.slot).
		Str("snapshot", result.SnapshotName).
		Stringer("consistent_point", point).
		Msg("created replication slot")
	return result.SnapshotName, point, nil
}

// DropSlot removes the replication slot, waiting for any active consumer to
// disconnect first.
func (r *Receiver) DropSlot(ctx context.Context) error {
	err := r.conn.Exec(ctx, fmt.Sprintf(`DROP_REPLICATION_SLOT %s WAIT`, r.slot)).Close()
	if err != nil {
		return fmt.Errorf("drop replication slot %s: %w", r.slot, err)
	}
	r.logger.Info().Str("slot", r.slot).Msg("dropped replication slot")
	return nil
}

// Stream consumes WAL from startLSN until ctx is canceled or a transaction
// boundary reaches the sentinel's endpos. Positions are mirrored into the
// catalog sentinel after every status update so other processes can watch
// progress.
func (r *Receiver) Stream(ctx context.Context, startLSN pglogrepl.LSN) error {
	err := pglogrepl.StartReplication(ctx, r.conn, r.slot, startLSN,
		pglogrepl.StartReplicationOptions{PluginArgs: r.decoder.PluginArgs()})
	if err != nil {
		return fmt.Errorf("start replication at %s: %w", startLSN, err)
	}
	r.logger.Info().Stringer("start_lsn", startLSN).Str("plugin", r.plugin).Msg("streaming started")

	endpos, err := r.loadEndpos()
	if err != nil {
		return err
	}
	lastStatus := time.Time{}

	for {
		if time.Since(lastStatus) >= standbyInterval {
			if err := r.writer.Sync(); err != nil {
				return err
			}
			if err := r.sendStandbyStatus(ctx); err != nil {
				return fmt.Errorf("standby status: %w", err)
			}
			if err := r.cat.UpdateReceivePositions(r.writer.Written(), r.writer.Flushed()); err != nil {
				return err
			}
			if endpos, err = r.loadEndpos(); err != nil {
				return err
			}
			lastStatus = time.Now()
		}

		recvCtx, cancel := context.WithDeadline(ctx, time.Now().Add(recvTimeout))
		rawMsg, err := r.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}

		if errResp, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("replication stream error: %s: %s (SQLSTATE %s)",
				errResp.Severity, errResp.Message, errResp.Code)
		}
		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(copyData.Data) == 0 {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("parse keepalive: %w", err)
			}
			if pkm.ReplyRequested {
				if err := r.sendStandbyStatus(ctx); err != nil {
					return fmt.Errorf("keepalive reply: %w", err)
				}
				lastStatus = time.Now()
			}
			if r.keepaliveReachedEndpos(pkm.ServerWALEnd, endpos) {
				return r.stopAtEndpos(endpos)
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("parse xlogdata: %w", err)
			}
			msgs, err := r.decoder.Decode(xld)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				switch m.Action {
				case ActionBegin:
					r.midTx = true
				case ActionCommit:
					r.midTx = false
				}
				if err := r.writer.Append(m); err != nil {
					return err
				}
				if m.Action == ActionCommit && endpos != 0 && m.LSN >= endpos {
					return r.stopAtEndpos(endpos)
				}
			}
		}
	}
}

// keepaliveReachedEndpos reports whether the server position passed the stop
// position. An idle source advances its WAL position without producing any
// XLogData, so keepalives are the only exit on an idle stream. Nothing past
// the last commit was received, which makes stopping here safe; stopping is
// deferred only while a transaction is open.
func (r *Receiver) keepaliveReachedEndpos(serverWALEnd, endpos pglogrepl.LSN) bool {
	return endpos != 0 && serverWALEnd >= endpos && !r.midTx
}

func (r *Receiver) stopAtEndpos(endpos pglogrepl.LSN) error {
	if err := r.writer.Append(Message{Action: ActionEndpos, LSN: endpos}); err != nil {
		return err
	}
	if err := r.writer.Sync(); err != nil {
		return err
	}
	r.logger.Info().Stringer("endpos", endpos).Msg("endpos reached, stopping stream")
	return ErrEndposReached
}

func (r *Receiver) loadEndpos() (pglogrepl.LSN, error) {
	sent, err := r.cat.GetSentinel()
	if err != nil {
		return 0, err
	}
	return sent.Endpos, nil
}

func (r *Receiver) sendStandbyStatus(ctx context.Context) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, r.conn,
		pglogrepl.StandbyStatusUpdate{
			WALWritePosition: r.writer.Written(),
			WALFlushPosition: r.writer.Flushed(),
			WALApplyPosition: r.writer.Flushed(),
		})
}

// Close terminates the replication connection.
func (r *Receiver) Close(ctx context.Context) error {
	return r.conn.Close(ctx)
}
