package transform

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/stream"
)

func str(s string) *string { return &s }

func TestQuoteLiteral(t *testing.T) {
	tests := []struct {
		in   *string
		want string
	}{
		{nil, "NULL"},
		{str("plain"), "'plain'"},
		{str("o'brien"), "'o''brien'"},
		{str(`back\slash`), `E'back\\slash'`},
		{str(""), "''"},
	}
	for _, tt := range tests {
		if got := QuoteLiteral(tt.in); got != tt.want {
			t.Errorf("QuoteLiteral(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestUpdateSQL(t *testing.T) {
	m := stream.Message{
		Action: stream.ActionUpdate,
		Schema: "public",
		Table:  "rental",
		Columns: []stream.Column{
			{Name: "rental_id", Value: str("7")},
			{Name: "note", Value: nil},
			{Name: "payload", Unchanged: true},
		},
		Identity: []stream.Column{{Name: "rental_id", Value: str("7")}},
	}
	got, err := UpdateSQL(m)
	if err != nil {
		t.Fatal(err)
	}
	want := `UPDATE "public"."rental" SET "rental_id" = '7', "note" = NULL WHERE "rental_id" = '7';`
	if got != want {
		t.Errorf("UpdateSQL = %s, want %s", got, want)
	}
}

func TestUpdateSQL_NoIdentity(t *testing.T) {
	m := stream.Message{Action: stream.ActionUpdate, Schema: "public", Table: "t",
		Columns: []stream.Column{{Name: "a", Value: str("1")}}}
	if _, err := UpdateSQL(m); err == nil {
		t.Error("expected error without identity columns")
	}
}

func TestDeleteSQL_NullIdentity(t *testing.T) {
	m := stream.Message{
		Action:   stream.ActionDelete,
		Schema:   "public",
		Table:    "t",
		Identity: []stream.Column{{Name: "a", Value: str("1")}, {Name: "b", Value: nil}},
	}
	got, err := DeleteSQL(m)
	if err != nil {
		t.Fatal(err)
	}
	want := `DELETE FROM "public"."t" WHERE "a" = '1' AND "b" IS NULL;`
	if got != want {
		t.Errorf("DeleteSQL = %s", got)
	}
}

func TestTruncateSQL(t *testing.T) {
	m := stream.Message{Action: stream.ActionTruncate, Tables: []string{"public.a", "sales.b"}}
	want := `TRUNCATE ONLY "public"."a", "sales"."b";`
	if got := TruncateSQL(m); got != want {
		t.Errorf("TruncateSQL = %s", got)
	}
}

func TestStatementName_StableAndShapeSensitive(t *testing.T) {
	a := StatementName("public", "rental", []string{"id", "note"}, 3)
	b := StatementName("public", "rental", []string{"id", "note"}, 3)
	c := StatementName("public", "rental", []string{"id"}, 3)
	d := StatementName("public", "rental", []string{"id", "note"}, 4)
	if a != b {
		t.Errorf("same shape produced different names: %s != %s", a, b)
	}
	if a == c {
		t.Error("different shapes share a name")
	}
	if a == d {
		t.Error("different row counts share a name")
	}
	if !strings.HasPrefix(a, "ins_") {
		t.Errorf("name = %s", a)
	}
}

func transformLines(t *testing.T, msgs []stream.Message) []string {
	t.Helper()
	var in strings.Builder
	for _, m := range msgs {
		line, err := m.MarshalLine()
		if err != nil {
			t.Fatal(err)
		}
		in.Write(line)
	}
	var out strings.Builder
	tr := New(zerolog.Nop())
	if err := tr.Transform(context.Background(), strings.NewReader(in.String()), &out); err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
}

func TestTransform_CoalescesConsecutiveInserts(t *testing.T) {
	cols := func(v string) []stream.Column {
		return []stream.Column{{Name: "id", Value: str(v)}, {Name: "note", Value: nil}}
	}
	lines := transformLines(t, []stream.Message{
		{Action: stream.ActionBegin, XID: 734, LSN: 0x100},
		{Action: stream.ActionInsert, Schema: "public", Table: "rental", Columns: cols("1")},
		{Action: stream.ActionInsert, Schema: "public", Table: "rental", Columns: cols("2")},
		{Action: stream.ActionInsert, Schema: "public", Table: "rental", Columns: cols("3")},
		{Action: stream.ActionCommit, XID: 734, LSN: 0x1F0, NextLSN: 0x200},
	})

	if len(lines) != 4 {
		t.Fatalf("lines = %d, want 4 (BEGIN, PREPARE, EXECUTE, COMMIT):\n%s", len(lines), strings.Join(lines, "\n"))
	}
	if !strings.HasPrefix(lines[0], "BEGIN; -- {") {
		t.Errorf("begin line = %s", lines[0])
	}
	if !strings.Contains(lines[1], `INSERT INTO "public"."rental" ("id", "note") VALUES ($1, $2), ($3, $4), ($5, $6);`) {
		t.Errorf("prepare line = %s", lines[1])
	}
	if !strings.Contains(lines[2], `["1",null,"2",null,"3",null];`) {
		t.Errorf("execute line = %s", lines[2])
	}
	if !strings.HasPrefix(lines[3], "COMMIT; -- {") {
		t.Errorf("commit line = %s", lines[3])
	}

	hdr, ok := ParseMarker(lines[3])
	if !ok {
		t.Fatalf("commit marker not parseable: %s", lines[3])
	}
	if hdr.XID != 734 || hdr.Action != stream.ActionCommit {
		t.Errorf("commit header = %+v", hdr)
	}
	l, err := MarkerLSN(hdr)
	if err != nil || l != pglogrepl.LSN(0x1F0) {
		t.Errorf("commit lsn = %s, err %v", l, err)
	}
	if hdr.NextLSN != pglogrepl.LSN(0x200).String() {
		t.Errorf("nextlsn = %s", hdr.NextLSN)
	}
}

func TestTransform_BatchBreaksOnDifferentShape(t *testing.T) {
	lines := transformLines(t, []stream.Message{
		{Action: stream.ActionBegin, XID: 1, LSN: 0x100},
		{Action: stream.ActionInsert, Schema: "public", Table: "a", Columns: []stream.Column{{Name: "x", Value: str("1")}}},
		{Action: stream.ActionInsert, Schema: "public", Table: "b", Columns: []stream.Column{{Name: "x", Value: str("2")}}},
		{Action: stream.ActionCommit, XID: 1, LSN: 0x1F0},
	})

	prepares := 0
	for _, l := range lines {
		if strings.HasPrefix(l, "PREPARE ") {
			prepares++
		}
	}
	if prepares != 2 {
		t.Errorf("prepares = %d, want 2:\n%s", prepares, strings.Join(lines, "\n"))
	}
}

func TestTransform_UpdateFlushesPendingInserts(t *testing.T) {
	lines := transformLines(t, []stream.Message{
		{Action: stream.ActionBegin, XID: 1, LSN: 0x100},
		{Action: stream.ActionInsert, Schema: "public", Table: "a", Columns: []stream.Column{{Name: "x", Value: str("1")}}},
		{Action: stream.ActionUpdate, Schema: "public", Table: "a",
			Columns:  []stream.Column{{Name: "x", Value: str("2")}},
			Identity: []stream.Column{{Name: "x", Value: str("1")}}},
		{Action: stream.ActionCommit, XID: 1, LSN: 0x1F0},
	})

	var order []string
	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, "EXECUTE "):
			order = append(order, "execute")
		case strings.HasPrefix(l, "UPDATE "):
			order = append(order, "update")
		}
	}
	if len(order) != 2 || order[0] != "execute" || order[1] != "update" {
		t.Errorf("statement order = %v, want [execute update]", order)
	}
}

func TestTransform_PositionMarkers(t *testing.T) {
	lines := transformLines(t, []stream.Message{
		{Action: stream.ActionSwitch, LSN: 0x1000000},
		{Action: stream.ActionEndpos, LSN: 0x1000010},
	})
	if len(lines) != 2 {
		t.Fatalf("lines = %v", lines)
	}
	for i, action := range []string{stream.ActionSwitch, stream.ActionEndpos} {
		hdr, ok := ParseMarker(lines[i])
		if !ok || hdr.Action != action {
			t.Errorf("marker %d = %q parsed %+v ok=%v", i, lines[i], hdr, ok)
		}
	}
}

func TestParseMarker_PlainStatement(t *testing.T) {
	if _, ok := ParseMarker(`UPDATE "a" SET "x" = '1' WHERE "x" = '0';`); ok {
		t.Error("plain statement should not parse as marker")
	}
}
