package stream

import (
	"os"
	"strings"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/workdir"
)

func TestMessageRoundTrip(t *testing.T) {
	v := "42"
	m := Message{
		Action: ActionInsert,
		XID:    734,
		LSN:    pglogrepl.LSN(0x16B3748),
		Schema: "public",
		Table:  "rental",
		Columns: []Column{
			{Name: "rental_id", Type: "23", Value: &v},
			{Name: "return_date", Type: "1184", Value: nil},
		},
	}

	line, err := m.MarshalLine()
	if err != nil {
		t.Fatal(err)
	}
	if line[len(line)-1] != '\n' {
		t.Error("line not newline-terminated")
	}

	got, err := ParseLine(line)
	if err != nil {
		t.Fatal(err)
	}
	if got.Action != ActionInsert || got.XID != 734 || got.LSN != m.LSN {
		t.Errorf("round trip = %+v", got)
	}
	if len(got.Columns) != 2 {
		t.Fatalf("columns = %d, want 2", len(got.Columns))
	}
	if got.Columns[0].Value == nil || *got.Columns[0].Value != "42" {
		t.Errorf("column value = %v", got.Columns[0].Value)
	}
	if got.Columns[1].Value != nil {
		t.Errorf("null column decoded as %q", *got.Columns[1].Value)
	}
}

func TestParseLine_Invalid(t *testing.T) {
	if _, err := ParseLine([]byte("not json\n")); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := ParseLine([]byte(`{"lsn":"0/0"}`)); err == nil {
		t.Error("expected error for missing action")
	}
}

func TestMessagePredicates(t *testing.T) {
	if !(Message{Action: ActionBegin}).IsTransactionBoundary() {
		t.Error("begin should be a boundary")
	}
	if (Message{Action: ActionInsert}).IsTransactionBoundary() {
		t.Error("insert is not a boundary")
	}
	for _, a := range []string{ActionInsert, ActionUpdate, ActionDelete, ActionTruncate} {
		if !(Message{Action: a}).IsDML() {
			t.Errorf("%s should be DML", a)
		}
	}
	if (Message{Action: ActionKeepaliv}).IsDML() {
		t.Error("keepalive is not DML")
	}
}

func TestWal2jsonDecoder(t *testing.T) {
	d := newWal2jsonDecoder(false)

	record := `{"action":"I","xid":734,"lsn":"0/16B3748","timestamp":"2026-01-10 12:00:00.000000+00","schema":"public","table":"rental","columns":[{"name":"rental_id","type":"integer","value":16050},{"name":"staff_id","type":"smallint","value":null},{"name":"note","type":"text","value":"o'brien"}]}`
	msgs, err := d.Decode(pglogrepl.XLogData{WALData: []byte(record), WALStart: pglogrepl.LSN(0x16B3748)})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Action != ActionInsert || m.XID != 734 || m.Schema != "public" || m.Table != "rental" {
		t.Errorf("decoded = %+v", m)
	}
	if m.LSN.String() != "0/16B3748" {
		t.Errorf("lsn = %s", m.LSN)
	}
	if len(m.Columns) != 3 {
		t.Fatalf("columns = %d, want 3", len(m.Columns))
	}
	if m.Columns[0].Value == nil || *m.Columns[0].Value != "16050" {
		t.Errorf("numeric value = %v", m.Columns[0].Value)
	}
	if m.Columns[1].Value != nil {
		t.Errorf("null value decoded as %q", *m.Columns[1].Value)
	}
	if m.Columns[2].Value == nil || *m.Columns[2].Value != "o'brien" {
		t.Errorf("text value = %v", m.Columns[2].Value)
	}
}

func TestWal2jsonDecoder_CommitNextLSN(t *testing.T) {
	d := newWal2jsonDecoder(false)
	record := `{"action":"C","xid":734,"lsn":"0/16B3748","nextlsn":"0/16B3780"}`
	msgs, err := d.Decode(pglogrepl.XLogData{WALData: []byte(record)})
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].NextLSN.String() != "0/16B3780" {
		t.Errorf("nextlsn = %s", msgs[0].NextLSN)
	}
}

func TestWal2jsonDecoder_BeginCarriesCommitLSN(t *testing.T) {
	d := newWal2jsonDecoder(false)
	feed := func(record string) []Message {
		t.Helper()
		msgs, err := d.Decode(pglogrepl.XLogData{WALData: []byte(record)})
		if err != nil {
			t.Fatal(err)
		}
		return msgs
	}

	if msgs := feed(`{"action":"B","xid":100,"lsn":"0/1000"}`); msgs != nil {
		t.Fatalf("begin released %d messages before its commit", len(msgs))
	}
	if msgs := feed(`{"action":"I","xid":100,"lsn":"0/1100","schema":"public","table":"rental","columns":[{"name":"rental_id","type":"integer","value":1}]}`); msgs != nil {
		t.Fatalf("change released %d messages before its commit", len(msgs))
	}
	first := feed(`{"action":"C","xid":100,"lsn":"0/2000","nextlsn":"0/2010"}`)
	if len(first) != 3 {
		t.Fatalf("messages = %d, want 3", len(first))
	}
	if first[0].Action != ActionBegin || first[0].LSN.String() != "0/2000" {
		t.Errorf("begin lsn = %s %s, want the commit position 0/2000", first[0].Action, first[0].LSN)
	}
	if first[2].Action != ActionCommit || first[2].LSN.String() != "0/2000" {
		t.Errorf("commit = %s %s", first[2].Action, first[2].LSN)
	}

	// A transaction that began before the previous one committed still gets
	// its own, later commit position: the begin LSN on the wire is useless
	// for replay ordering.
	feed(`{"action":"B","xid":101,"lsn":"0/1800"}`)
	second := feed(`{"action":"C","xid":101,"lsn":"0/2400"}`)
	if len(second) != 2 {
		t.Fatalf("messages = %d, want 2", len(second))
	}
	if second[0].LSN <= first[2].LSN {
		t.Errorf("begin lsn %s not past the prior commit %s", second[0].LSN, first[2].LSN)
	}
}

func TestKeepaliveReachedEndpos(t *testing.T) {
	r := NewReceiver(nil, newWal2jsonDecoder(false), nil, nil, "pgclone", "wal2json", zerolog.Nop())
	endpos := pglogrepl.LSN(0x2000000)

	if r.keepaliveReachedEndpos(0x1FFFFFF, endpos) {
		t.Error("stopped before the server position reached endpos")
	}
	// An idle stream produces no XLogData at all; the server position alone
	// must be enough to stop.
	if !r.keepaliveReachedEndpos(endpos, endpos) {
		t.Error("idle stream did not stop at endpos")
	}
	if r.keepaliveReachedEndpos(0x3000000, 0) {
		t.Error("unset endpos must never stop the stream")
	}
	r.midTx = true
	if r.keepaliveReachedEndpos(0x3000000, endpos) {
		t.Error("stopped in the middle of an open transaction")
	}
}

func TestNewDecoder_UnknownPlugin(t *testing.T) {
	if _, err := NewDecoder("test_decoding", DecoderOptions{}); err == nil {
		t.Error("expected error for unsupported plugin")
	}
}

func TestSegmentWriter_RotatesOnSegmentBoundary(t *testing.T) {
	dir := workdir.New(t.TempDir(), "pagila")
	if err := dir.Create(); err != nil {
		t.Fatal(err)
	}

	w := NewSegmentWriter(dir, 1, nil, zerolog.Nop())

	// Two messages inside segment 0, one in segment 1.
	inSeg0 := []pglogrepl.LSN{0x100, 0xFFFFF0}
	inSeg1 := pglogrepl.LSN(0x1000010)

	for _, l := range inSeg0 {
		if err := w.Append(Message{Action: ActionBegin, LSN: l}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Append(Message{Action: ActionCommit, LSN: inSeg1}); err != nil {
		t.Fatal(err)
	}

	select {
	case seg := <-w.Closed():
		if seg.WALSegment != "000000010000000000000000" {
			t.Errorf("closed segment = %s", seg.WALSegment)
		}
		data, err := os.ReadFile(seg.Path)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), `"action":"X"`) {
			t.Errorf("closed segment missing switch marker:\n%s", data)
		}
	default:
		t.Fatal("no closed-segment notification after boundary crossing")
	}

	if w.Flushed() < inSeg0[1] {
		t.Errorf("flushed = %s, want >= %s", w.Flushed(), inSeg0[1])
	}

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir.SegmentJSON("000000010000000000000001")); err != nil {
		t.Errorf("second segment file missing: %v", err)
	}
}

func TestSegmentWriter_SyncAdvancesFlushed(t *testing.T) {
	dir := workdir.New(t.TempDir(), "pagila")
	if err := dir.Create(); err != nil {
		t.Fatal(err)
	}
	w := NewSegmentWriter(dir, 1, nil, zerolog.Nop())

	if err := w.Append(Message{Action: ActionBegin, LSN: 0x200}); err != nil {
		t.Fatal(err)
	}
	if w.Flushed() != 0 {
		t.Errorf("flushed before sync = %s", w.Flushed())
	}
	if err := w.Sync(); err != nil {
		t.Fatal(err)
	}
	if w.Flushed() != 0x200 {
		t.Errorf("flushed after sync = %s", w.Flushed())
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}
