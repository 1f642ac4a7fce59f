package follow

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jfoltran/pgclone/internal/apply"
	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/retry"
	"github.com/jfoltran/pgclone/internal/stream"
	"github.com/jfoltran/pgclone/internal/transform"
	"github.com/jfoltran/pgclone/internal/workdir"
)

// Leader runs the change data capture pipeline. Each operating mode is one
// phase: the leader starts the services the mode needs, watches the
// sentinel, and tears the phase down when the state machine wants a
// different mode.
type Leader struct {
	Dir workdir.Dir
	Cat *catalog.Catalog

	ReplicationDSN  string
	TargetDSN       string
	Slot            string
	Plugin          string
	Publication     string
	Origin          string
	NumericAsString bool

	Logger zerolog.Logger

	endposReached atomic.Bool
	replayDone    atomic.Bool
}

// Run drives the state machine until the migration is finished or ctx is
// canceled. A lost replication connection restarts the phase with bounded
// backoff; streaming resumes from the last flushed position.
func (l *Leader) Run(ctx context.Context) error {
	logger := l.Logger.With().Str("component", "follow").Logger()
	mode := ModeInit
	reconnects := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := l.currentStatus()
		if err != nil {
			return err
		}
		next := ComputeTransition(mode, st)
		if next == ModeFinished {
			logger.Info().Msg("follow finished: endpos applied")
			return nil
		}
		if next != mode {
			logger.Info().Str("from", string(mode)).Str("to", string(next)).Msg("mode transition")
			mode = next
		}
		if err := l.runPhase(ctx, mode); err != nil {
			if !errors.Is(err, stream.ErrDisconnected) || reconnects >= retry.Default.MaxAttempts {
				return err
			}
			reconnects++
			delay := retry.Default.Delay(reconnects)
			logger.Warn().Err(err).Int("attempt", reconnects).Dur("backoff", delay).
				Msg("replication connection lost, reconnecting")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		reconnects = 0
	}
}

// runPhase runs one mode until the monitor decides to leave it. A phase
// ending because of a mode change returns nil; real failures propagate.
func (l *Leader) runPhase(ctx context.Context, mode Mode) error {
	phaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(phaseCtx)

	var closed <-chan stream.ClosedSegment
	if !l.endposReached.Load() {
		writer, receiver, err := l.setupReceive(gctx)
		if err != nil {
			return err
		}
		closed = writer.Closed()
		g.Go(func() error {
			defer receiver.Close(context.Background())
			err := l.streamFrom(gctx, receiver)
			writer.Close()
			return err
		})
	}

	g.Go(func() error { return l.transformLoop(gctx, closed) })

	if mode == ModeCatchup || mode == ModeReplay {
		g.Go(func() error { return l.applyLoop(gctx, mode) })
	}

	g.Go(func() error { return l.monitor(gctx, cancel, mode) })

	err := g.Wait()
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && ctx.Err() == nil {
		return nil
	}
	return err
}

func (l *Leader) setupReceive(ctx context.Context) (*stream.SegmentWriter, *stream.Receiver, error) {
	conn, err := stream.ConnectReplication(ctx, l.ReplicationDSN)
	if err != nil {
		return nil, nil, err
	}
	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		conn.Close(context.Background())
		return nil, nil, err
	}
	decoder, err := stream.NewDecoder(l.Plugin, stream.DecoderOptions{
		Publication:     l.Publication,
		NumericAsString: l.NumericAsString,
	})
	if err != nil {
		conn.Close(context.Background())
		return nil, nil, err
	}

	writer := stream.NewSegmentWriter(l.Dir, uint32(sysident.Timeline), nil, l.Logger)
	receiver := stream.NewReceiver(conn, decoder, writer, l.Cat, l.Slot, l.Plugin, l.Logger)
	return writer, receiver, nil
}

func (l *Leader) streamFrom(ctx context.Context, receiver *stream.Receiver) error {
	sent, err := l.Cat.GetSentinel()
	if err != nil {
		return err
	}
	start := sent.FlushLSN
	if start == 0 {
		start = sent.Startpos
	}

	err = receiver.Stream(ctx, start)
	switch {
	case errors.Is(err, stream.ErrEndposReached):
		l.endposReached.Store(true)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return err
	}
}

// transformLoop converts closed segments into batch files: notifications
// first, directory scans as the catch-all for segments from earlier runs.
func (l *Leader) transformLoop(ctx context.Context, closed <-chan stream.ClosedSegment) error {
	tr := transform.New(l.Logger)

	scan := func() error {
		pending, err := pendingTransform(l.Dir, l.endposReached.Load())
		if err != nil {
			return err
		}
		for _, jsonPath := range pending {
			if err := tr.TransformFile(ctx, jsonPath, sqlTwin(jsonPath)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := scan(); err != nil {
		return err
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case seg, ok := <-closed:
			if !ok {
				// Receiver is gone; pick up whatever it left behind.
				return scan()
			}
			if err := tr.TransformFile(ctx, seg.Path, sqlTwin(seg.Path)); err != nil {
				return err
			}
		case <-ticker.C:
			if err := scan(); err != nil {
				return err
			}
		}
	}
}

// applyLoop replays batch files in WAL order. Already-applied transactions
// are skipped by the replication origin, so files can be revisited safely.
func (l *Leader) applyLoop(ctx context.Context, mode Mode) error {
	conn, err := pgx.Connect(ctx, l.TargetDSN)
	if err != nil {
		return err
	}
	applier, err := apply.New(ctx, conn, l.Cat, l.Origin, l.Logger)
	if err != nil {
		conn.Close(context.Background())
		return err
	}
	defer applier.Close(context.Background())

	// Replay mode polls faster; the backlog is at most one open segment.
	interval := 2 * time.Second
	if mode == ModeReplay {
		interval = 200 * time.Millisecond
	}

	done := make(map[string]struct{})
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		files, err := pendingSQL(l.Dir)
		if err != nil {
			return err
		}
		for _, f := range files {
			if _, ok := done[f]; ok {
				continue
			}
			err := applier.ApplyFile(ctx, f)
			if errors.Is(err, apply.ErrEndposReached) {
				l.replayDone.Store(true)
				return nil
			}
			if err != nil {
				return err
			}
			done[f] = struct{}{}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// monitor watches the sentinel and cancels the phase when the state machine
// wants a different mode.
func (l *Leader) monitor(ctx context.Context, cancel context.CancelFunc, mode Mode) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			st, err := l.currentStatus()
			if err != nil {
				return err
			}
			if next := ComputeTransition(mode, st); next != mode {
				cancel()
				return nil
			}
		}
	}
}

func (l *Leader) currentStatus() (Status, error) {
	sent, err := l.Cat.GetSentinel()
	if err != nil {
		return Status{}, err
	}
	return Status{
		ApplyEnabled:    sent.Apply,
		EndposReached:   l.endposReached.Load(),
		ReplayDone:      l.replayDone.Load(),
		BacklogSegments: BacklogSegments(sent.WriteLSN, sent.ReplayLSN),
	}, nil
}
