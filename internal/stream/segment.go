package stream

import (
	"fmt"
	"io"
	"os"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/workdir"
	"github.com/jfoltran/pgclone/pkg/lsn"
)

// SegmentWriter persists decoded messages as JSON lines, one file per WAL
// segment. Crossing a segment boundary closes and fsyncs the old file, so
// the flushed position only ever moves at segment granularity plus explicit
// Sync calls.
type SegmentWriter struct {
	dir      workdir.Dir
	timeline uint32
	mirror   io.Writer // optional live tap for replay mode
	logger   zerolog.Logger

	file    *os.File
	segName string
	flushed pglogrepl.LSN
	written pglogrepl.LSN

	closed chan ClosedSegment
}

// ClosedSegment announces one finished, durable segment file.
type ClosedSegment struct {
	WALSegment string // 24-hex segment name
	Path       string
	EndLSN     pglogrepl.LSN
}

// NewSegmentWriter creates a writer for the given working directory and
// timeline. Closed-segment notifications are buffered; the consumer decides
// when to transform them.
func NewSegmentWriter(dir workdir.Dir, timeline uint32, mirror io.Writer, logger zerolog.Logger) *SegmentWriter {
	return &SegmentWriter{
		dir:      dir,
		timeline: timeline,
		mirror:   mirror,
		logger:   logger.With().Str("component", "segments").Logger(),
		closed:   make(chan ClosedSegment, 64),
	}
}

// Closed delivers finished segment files in order.
func (w *SegmentWriter) Closed() <-chan ClosedSegment { return w.closed }

// Append writes one message, rotating files on WAL segment boundaries.
func (w *SegmentWriter) Append(m Message) error {
	seg := lsn.SegmentName(m.LSN, w.timeline)
	if w.file != nil && seg != w.segName {
		// Note the switch in the closing file so a reader can follow the chain.
		switchLine, err := Message{Action: ActionSwitch, LSN: m.LSN}.MarshalLine()
		if err != nil {
			return err
		}
		if _, err := w.file.Write(switchLine); err != nil {
			return fmt.Errorf("write segment switch: %w", err)
		}
		if err := w.rotate(m.LSN); err != nil {
			return err
		}
	}
	if w.file == nil {
		if err := w.open(seg); err != nil {
			return err
		}
	}

	line, err := m.MarshalLine()
	if err != nil {
		return err
	}
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("write segment %s: %w", w.segName, err)
	}
	if w.mirror != nil {
		if _, err := w.mirror.Write(line); err != nil {
			return fmt.Errorf("mirror change line: %w", err)
		}
	}
	if m.LSN > w.written {
		w.written = m.LSN
	}
	return nil
}

// Sync fsyncs the current file and advances the flushed position to the
// last written LSN.
func (w *SegmentWriter) Sync() error {
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync segment %s: %w", w.segName, err)
	}
	if w.written > w.flushed {
		w.flushed = w.written
	}
	return nil
}

// Flushed returns the last LSN known durable on disk. This is what the
// standby status update reports as the flush position.
func (w *SegmentWriter) Flushed() pglogrepl.LSN { return w.flushed }

// Written returns the last LSN handed to Append.
func (w *SegmentWriter) Written() pglogrepl.LSN { return w.written }

// Close finishes the current segment file, if any.
func (w *SegmentWriter) Close() error {
	if w.file == nil {
		close(w.closed)
		return nil
	}
	err := w.rotate(w.written)
	close(w.closed)
	return err
}

func (w *SegmentWriter) open(segName string) error {
	path := w.dir.SegmentJSON(segName)
	// O_APPEND keeps a resumed receive from clobbering lines a previous run
	// already captured for this segment.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open segment file %s: %w", path, err)
	}
	w.file = f
	w.segName = segName
	w.logger.Debug().Str("segment", segName).Msg("opened segment file")
	return nil
}

func (w *SegmentWriter) rotate(endLSN pglogrepl.LSN) error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync segment %s: %w", w.segName, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close segment %s: %w", w.segName, err)
	}
	if w.written > w.flushed {
		w.flushed = w.written
	}
	w.logger.Info().Str("segment", w.segName).Stringer("end_lsn", endLSN).Msg("segment file closed")

	select {
	case w.closed <- ClosedSegment{WALSegment: w.segName, Path: w.dir.SegmentJSON(w.segName), EndLSN: endLSN}:
	default:
		// A stalled consumer must not wedge the receiver; transform catches
		// up from the directory listing instead.
		w.logger.Warn().Str("segment", w.segName).Msg("closed-segment queue full, notification dropped")
	}

	w.file = nil
	w.segName = ""
	return nil
}
