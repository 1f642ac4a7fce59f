// Package transform turns JSON change lines into SQL batch files the apply
// side can replay. Transactions map to BEGIN/COMMIT pairs whose trailing
// comment carries the source position; consecutive inserts into the same
// table collapse into one prepared statement executed with row batches.
package transform

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/stream"
)

// Inserts per EXECUTE line. Bounded so one statement never carries an
// unreasonable parameter count.
const maxInsertRows = 500

// BatchHeader is the JSON comment attached to BEGIN and COMMIT lines and to
// position markers. The apply side reads positions from here.
type BatchHeader struct {
	Action  string `json:"action"`
	XID     uint32 `json:"xid,omitempty"`
	LSN     string `json:"lsn"`
	NextLSN string `json:"nextlsn,omitempty"`
}

// Transformer converts one change stream into SQL statements.
type Transformer struct {
	logger zerolog.Logger
}

// New creates a Transformer.
func New(logger zerolog.Logger) *Transformer {
	return &Transformer{logger: logger.With().Str("component", "transform").Logger()}
}

// TransformFile converts one segment JSON file into its SQL twin. The output
// is written to a temporary file and renamed so a crash never leaves a
// half-written batch file behind.
func (t *Transformer) TransformFile(ctx context.Context, jsonPath, sqlPath string) error {
	in, err := os.Open(jsonPath)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", jsonPath, err)
	}
	defer in.Close()

	tmp := sqlPath + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	if err := t.Transform(ctx, in, out); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, sqlPath); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	t.logger.Debug().Str("sql", sqlPath).Msg("segment transformed")
	return nil
}

// Transform converts change lines from r into SQL statements on w.
func (t *Transformer) Transform(ctx context.Context, r io.Reader, w io.Writer) error {
	bw := bufio.NewWriter(w)
	st := newSQLStream(bw)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		m, err := stream.ParseLine(line)
		if err != nil {
			return err
		}
		if err := st.handle(m); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read change stream: %w", err)
	}
	if err := st.finish(); err != nil {
		return err
	}
	return bw.Flush()
}

// sqlStream holds the in-flight transaction state of one output file.
type sqlStream struct {
	w       *bufio.Writer
	inTx    bool
	pending *insertBatch
}

func newSQLStream(w *bufio.Writer) *sqlStream {
	return &sqlStream{w: w}
}

func (s *sqlStream) handle(m stream.Message) error {
	// Anything that is not a continuation of the current insert run flushes it.
	if s.pending != nil && !s.pending.accepts(m) {
		if err := s.flushInserts(); err != nil {
			return err
		}
	}

	switch m.Action {
	case stream.ActionBegin:
		s.inTx = true
		return s.writeMarked("BEGIN;", m)

	case stream.ActionCommit:
		if err := s.flushInserts(); err != nil {
			return err
		}
		s.inTx = false
		return s.writeMarked("COMMIT;", m)

	case stream.ActionInsert:
		if s.pending == nil {
			s.pending = newInsertBatch(m)
		}
		s.pending.add(m)
		if s.pending.rows() >= maxInsertRows {
			return s.flushInserts()
		}
		return nil

	case stream.ActionUpdate:
		stmt, err := UpdateSQL(m)
		if err != nil {
			return err
		}
		return s.writeLine(stmt)

	case stream.ActionDelete:
		stmt, err := DeleteSQL(m)
		if err != nil {
			return err
		}
		return s.writeLine(stmt)

	case stream.ActionTruncate:
		return s.writeLine(TruncateSQL(m))

	case stream.ActionMessage:
		// Logical decoding messages have no replay effect; keep them visible.
		return s.writeComment(m)

	case stream.ActionKeepaliv, stream.ActionSwitch, stream.ActionEndpos:
		return s.writeComment(m)

	default:
		return fmt.Errorf("unknown action %q at %s", m.Action, m.LSN)
	}
}

func (s *sqlStream) finish() error {
	if err := s.flushInserts(); err != nil {
		return err
	}
	if s.inTx {
		// A segment can end mid-transaction; the next file continues it.
		s.inTx = false
	}
	return nil
}

func (s *sqlStream) flushInserts() error {
	if s.pending == nil {
		return nil
	}
	batch := s.pending
	s.pending = nil

	prepare, execute, err := batch.render()
	if err != nil {
		return err
	}
	if err := s.writeLine(prepare); err != nil {
		return err
	}
	return s.writeLine(execute)
}

func (s *sqlStream) writeLine(stmt string) error {
	if _, err := s.w.WriteString(stmt + "\n"); err != nil {
		return fmt.Errorf("write sql: %w", err)
	}
	return nil
}

func (s *sqlStream) writeMarked(stmt string, m stream.Message) error {
	hdr := BatchHeader{Action: m.Action, XID: m.XID, LSN: m.LSN.String()}
	if m.NextLSN != 0 {
		hdr.NextLSN = m.NextLSN.String()
	}
	b, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("marshal batch header: %w", err)
	}
	return s.writeLine(stmt + " -- " + string(b))
}

func (s *sqlStream) writeComment(m stream.Message) error {
	hdr := BatchHeader{Action: m.Action, LSN: m.LSN.String()}
	b, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("marshal position marker: %w", err)
	}
	return s.writeLine("-- " + string(b))
}

// ParseMarker extracts the batch header from a BEGIN/COMMIT/comment line.
// Returns ok=false for plain statements.
func ParseMarker(line string) (BatchHeader, bool) {
	idx := strings.Index(line, "-- {")
	if idx < 0 {
		return BatchHeader{}, false
	}
	var hdr BatchHeader
	if err := json.Unmarshal([]byte(line[idx+3:]), &hdr); err != nil {
		return BatchHeader{}, false
	}
	if hdr.LSN == "" {
		return BatchHeader{}, false
	}
	return hdr, true
}

// MarkerLSN parses the LSN out of a batch header.
func MarkerLSN(hdr BatchHeader) (pglogrepl.LSN, error) {
	l, err := pglogrepl.ParseLSN(hdr.LSN)
	if err != nil {
		return 0, fmt.Errorf("marker lsn %q: %w", hdr.LSN, err)
	}
	return l, nil
}

// insertBatch accumulates consecutive inserts into one table with one column
// list, the unit that becomes a PREPARE plus one EXECUTE.
type insertBatch struct {
	schema  string
	table   string
	columns []string
	values  [][]*string
}

func newInsertBatch(m stream.Message) *insertBatch {
	cols := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		cols[i] = c.Name
	}
	return &insertBatch{schema: m.Schema, table: m.Table, columns: cols}
}

func (b *insertBatch) accepts(m stream.Message) bool {
	if m.Action != stream.ActionInsert {
		return false
	}
	if m.Schema != b.schema || m.Table != b.table || len(m.Columns) != len(b.columns) {
		return false
	}
	for i, c := range m.Columns {
		if c.Name != b.columns[i] {
			return false
		}
	}
	return true
}

func (b *insertBatch) add(m stream.Message) {
	row := make([]*string, len(m.Columns))
	for i, c := range m.Columns {
		row[i] = c.Value
	}
	b.values = append(b.values, row)
}

func (b *insertBatch) rows() int { return len(b.values) }

// StatementName derives the prepared statement name of one insert shape.
// Identical shapes across segments share a name, so re-preparing on the
// apply side is an idempotent no-op. The row count is part of the shape
// because it changes the placeholder list.
func StatementName(schema, table string, columns []string, rows int) string {
	h := sha256.New()
	io.WriteString(h, schema)
	io.WriteString(h, ".")
	io.WriteString(h, table)
	for _, c := range columns {
		io.WriteString(h, "|")
		io.WriteString(h, c)
	}
	fmt.Fprintf(h, "#%d", rows)
	return "ins_" + hex.EncodeToString(h.Sum(nil))[:12]
}

// render produces the PREPARE and EXECUTE statements of the batch. The
// EXECUTE carries the row values as one JSON array consumed by the applier.
func (b *insertBatch) render() (prepare, execute string, err error) {
	name := StatementName(b.schema, b.table, b.columns, len(b.values))

	var sb strings.Builder
	sb.WriteString("PREPARE ")
	sb.WriteString(name)
	sb.WriteString(" AS INSERT INTO ")
	sb.WriteString(QualifiedIdent(b.schema, b.table))
	sb.WriteString(" (")
	for i, c := range b.columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(QuoteIdent(c))
	}
	sb.WriteString(") VALUES ")
	arg := 1
	for r := range b.values {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c := range b.columns {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", arg)
			arg++
		}
		sb.WriteString(")")
	}
	sb.WriteString(";")
	prepare = sb.String()

	flat := make([]*string, 0, len(b.values)*len(b.columns))
	for _, row := range b.values {
		flat = append(flat, row...)
	}
	args, err := json.Marshal(flat)
	if err != nil {
		return "", "", fmt.Errorf("marshal execute arguments: %w", err)
	}
	execute = "EXECUTE " + name + string(args) + ";"
	return prepare, execute, nil
}
