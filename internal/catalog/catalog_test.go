package catalog

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pglogrepl"
)

func openTest(t *testing.T) *Catalog {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "source.db"), filepath.Join(dir, "filters.db"), filepath.Join(dir, "target.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpen_SplitsStateAcrossCatalogs(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "source.db"), filepath.Join(dir, "filters.db"), filepath.Join(dir, "target.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.WriteSetup(Setup{SourceEndpoint: "src:5432/pagila", TargetEndpoint: "dst:5432/pagila", FilterHash: "abc123"}); err != nil {
		t.Fatal(err)
	}
	if err := c.InitSentinel(0x100, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.EnqueueItem(KindIndex, "17001"); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	for _, f := range []string{"source.db", "filters.db", "target.db"} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Errorf("catalog file %s missing: %v", f, err)
		}
	}

	// Run progress and the sentinel land in the target catalog, the filter
	// fingerprint in the filter catalog.
	tdb, err := sql.Open("sqlite3", filepath.Join(dir, "target.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer tdb.Close()
	var n int
	if err := tdb.QueryRow(`SELECT COUNT(*) FROM progress`).Scan(&n); err != nil || n != 1 {
		t.Errorf("target.db progress rows = %d err=%v, want 1", n, err)
	}
	if err := tdb.QueryRow(`SELECT COUNT(*) FROM sentinel`).Scan(&n); err != nil || n != 1 {
		t.Errorf("target.db sentinel rows = %d err=%v, want 1", n, err)
	}

	fdb, err := sql.Open("sqlite3", filepath.Join(dir, "filters.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer fdb.Close()
	var hash string
	if err := fdb.QueryRow(`SELECT hash FROM filters WHERE id = 1`).Scan(&hash); err != nil || hash != "abc123" {
		t.Errorf("filters.db hash = %q err=%v, want abc123", hash, err)
	}
}

func TestSetupRoundTrip(t *testing.T) {
	c := openTest(t)

	if _, found, err := c.ReadSetup(); err != nil || found {
		t.Fatalf("ReadSetup on empty catalog = found=%v err=%v", found, err)
	}

	s := Setup{
		SourceEndpoint: "src:5432/pagila",
		TargetEndpoint: "dst:5432/pagila",
		SnapshotID:     "00000003-00000012-1",
		Plugin:         "pgoutput",
		SlotName:       "pgclone",
		SplitThreshold: 200 * 1024,
		SplitMaxParts:  128,
		FilterHash:     "abc123",
	}
	if err := c.WriteSetup(s); err != nil {
		t.Fatalf("WriteSetup: %v", err)
	}

	got, found, err := c.ReadSetup()
	if err != nil || !found {
		t.Fatalf("ReadSetup = found=%v err=%v", found, err)
	}
	if got.SourceEndpoint != s.SourceEndpoint || got.SlotName != s.SlotName ||
		got.SplitThreshold != s.SplitThreshold || got.FilterHash != s.FilterHash {
		t.Errorf("ReadSetup = %+v, want %+v", got, s)
	}
}

func TestCheckSetup_Mismatch(t *testing.T) {
	c := openTest(t)
	base := Setup{
		SourceEndpoint: "src:5432/pagila",
		TargetEndpoint: "dst:5432/pagila",
		Plugin:         "pgoutput",
		SlotName:       "pgclone",
	}
	if err := c.WriteSetup(base); err != nil {
		t.Fatal(err)
	}

	// Same parameters: fine. Different snapshot: still fine.
	same := base
	same.SnapshotID = "different-snapshot"
	if err := c.CheckSetup(same); err != nil {
		t.Errorf("CheckSetup same params: %v", err)
	}

	changed := base
	changed.SourceEndpoint = "elsewhere:5432/pagila"
	if err := c.CheckSetup(changed); !errors.Is(err, ErrConfigMismatch) {
		t.Errorf("CheckSetup changed source = %v, want ErrConfigMismatch", err)
	}

	changed = base
	changed.Plugin = "wal2json"
	if err := c.CheckSetup(changed); !errors.Is(err, ErrConfigMismatch) {
		t.Errorf("CheckSetup changed plugin = %v, want ErrConfigMismatch", err)
	}
}

func TestTablePartCompletion(t *testing.T) {
	c := openTest(t)

	tbl := Table{OID: 16388, Schema: "public", Name: "rental", EstRows: 16044, Bytes: 1224 * 1024, SplitColumn: "rental_id"}
	if err := c.AddTable(tbl); err != nil {
		t.Fatal(err)
	}
	parts := []TablePart{
		{TableOID: 16388, PartNum: 0, Lo: 1, Hi: 5000},
		{TableOID: 16388, PartNum: 1, Lo: 5000, Hi: 10000},
		{TableOID: 16388, PartNum: 2, Lo: 10000, Hi: 16045},
	}
	if err := c.AddParts(parts); err != nil {
		t.Fatal(err)
	}

	got, err := c.ListParts(16388)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("ListParts returned %d parts, want 3", len(got))
	}
	// Ranges are half-open and adjacent: no gaps, no overlap.
	for i := 1; i < len(got); i++ {
		if got[i].Lo != got[i-1].Hi {
			t.Errorf("parts %d and %d not adjacent: hi=%d lo=%d", i-1, i, got[i-1].Hi, got[i].Lo)
		}
	}

	allDone, err := c.MarkPartDone(16388, 0)
	if err != nil || allDone {
		t.Fatalf("MarkPartDone(0) = allDone=%v err=%v", allDone, err)
	}
	if allDone, _ = c.MarkPartDone(16388, 1); allDone {
		t.Fatal("allDone after 2 of 3 parts")
	}
	if allDone, _ = c.MarkPartDone(16388, 2); !allDone {
		t.Fatal("expected allDone after last part")
	}
}

func TestTableOrdering(t *testing.T) {
	c := openTest(t)
	for _, tbl := range []Table{
		{OID: 1, Schema: "public", Name: "actor", EstRows: 200},
		{OID: 2, Schema: "public", Name: "rental", EstRows: 16044},
		{OID: 3, Schema: "public", Name: "film", EstRows: 1000},
		{OID: 4, Schema: "public", Name: "skipme", EstRows: 99999, Excluded: true},
	} {
		if err := c.AddTable(tbl); err != nil {
			t.Fatal(err)
		}
	}
	list, err := c.ListTables()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("ListTables returned %d tables, want 3 (excluded filtered)", len(list))
	}
	if list[0].Name != "rental" || list[1].Name != "film" || list[2].Name != "actor" {
		t.Errorf("tables not in descending row order: %v, %v, %v", list[0].Name, list[1].Name, list[2].Name)
	}
}

func TestProgressTransitions(t *testing.T) {
	c := openTest(t)

	if err := c.EnqueueItem(KindTablePart, "16388.0"); err != nil {
		t.Fatal(err)
	}
	if s, _ := c.ItemState(KindTablePart, "16388.0"); s != StateQueued {
		t.Errorf("state = %s, want queued", s)
	}
	if err := c.StartItem(KindTablePart, "16388.0"); err != nil {
		t.Fatal(err)
	}
	if err := c.FinishItem(KindTablePart, "16388.0", 12345); err != nil {
		t.Fatal(err)
	}
	if s, _ := c.ItemState(KindTablePart, "16388.0"); s != StateDone {
		t.Errorf("state = %s, want done", s)
	}

	// Re-enqueue of a finished item keeps its state.
	if err := c.EnqueueItem(KindTablePart, "16388.0"); err != nil {
		t.Fatal(err)
	}
	if s, _ := c.ItemState(KindTablePart, "16388.0"); s != StateDone {
		t.Errorf("re-enqueue reset state to %s", s)
	}

	if err := c.EnqueueItem(KindIndex, "17001"); err != nil {
		t.Fatal(err)
	}
	if err := c.FailItem(KindIndex, "17001", errors.New("connection reset")); err != nil {
		t.Fatal(err)
	}
	n, err := c.CountFailed()
	if err != nil || n != 1 {
		t.Errorf("CountFailed = %d err=%v, want 1", n, err)
	}

	rows, err := c.ListProgress()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("ListProgress returned %d rows, want 2", len(rows))
	}
	if rows[0].State != StateFailed {
		t.Errorf("failures should sort first, got %s", rows[0].State)
	}
	if rows[0].Error != "connection reset" {
		t.Errorf("error text = %q", rows[0].Error)
	}
}

func TestSentinel(t *testing.T) {
	c := openTest(t)

	start, _ := pglogrepl.ParseLSN("0/16B3748")
	end, _ := pglogrepl.ParseLSN("0/2000000")
	if err := c.InitSentinel(start, end); err != nil {
		t.Fatal(err)
	}

	s, err := c.GetSentinel()
	if err != nil {
		t.Fatal(err)
	}
	if s.Startpos != start || s.Endpos != end || s.Apply {
		t.Errorf("sentinel after init = %+v", s)
	}

	// Positions only move forward.
	w1, _ := pglogrepl.ParseLSN("0/1800000")
	f1, _ := pglogrepl.ParseLSN("0/1700000")
	if err := c.UpdateReceivePositions(w1, f1); err != nil {
		t.Fatal(err)
	}
	older, _ := pglogrepl.ParseLSN("0/1000000")
	if err := c.UpdateReceivePositions(older, older); err != nil {
		t.Fatal(err)
	}
	s, _ = c.GetSentinel()
	if s.WriteLSN != w1 || s.FlushLSN != f1 {
		t.Errorf("positions moved backward: write=%s flush=%s", s.WriteLSN, s.FlushLSN)
	}
	if s.ReplayLSN > s.FlushLSN || s.FlushLSN > s.WriteLSN {
		t.Errorf("lsn ordering violated: replay=%s flush=%s write=%s", s.ReplayLSN, s.FlushLSN, s.WriteLSN)
	}

	if err := c.UpdateReplayPosition(f1); err != nil {
		t.Fatal(err)
	}
	if err := c.SetApplyMode(true); err != nil {
		t.Fatal(err)
	}
	s, _ = c.GetSentinel()
	if !s.Apply || s.ReplayLSN != f1 {
		t.Errorf("sentinel after apply toggle = %+v", s)
	}
}

func TestSentinel_NoRow(t *testing.T) {
	c := openTest(t)
	l, _ := pglogrepl.ParseLSN("0/1")
	if err := c.SetEndpos(l); err == nil {
		t.Error("SetEndpos without sentinel row should fail")
	}
}

func TestLargeObjects(t *testing.T) {
	c := openTest(t)
	if err := c.AddLargeObjects([]uint32{101, 102, 103}); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkLargeObjectDone(102); err != nil {
		t.Fatal(err)
	}
	pending, err := c.PendingLargeObjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0] != 101 || pending[1] != 103 {
		t.Errorf("PendingLargeObjects = %v, want [101 103]", pending)
	}
}

func TestIndexesAndSequences(t *testing.T) {
	c := openTest(t)
	if err := c.AddTable(Table{OID: 1, Schema: "public", Name: "film"}); err != nil {
		t.Fatal(err)
	}
	idx := Index{
		OID:             2001,
		TableOID:        1,
		Name:            "film_pkey",
		Definition:      `CREATE UNIQUE INDEX IF NOT EXISTS film_pkey ON public.film USING btree (film_id)`,
		BacksConstraint: true,
		ConstraintName:  "film_pkey",
		ConstraintSQL:   `ALTER TABLE public.film ADD CONSTRAINT film_pkey PRIMARY KEY USING INDEX film_pkey`,
	}
	if err := c.AddIndex(idx); err != nil {
		t.Fatal(err)
	}
	list, err := c.ListIndexes(1)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListIndexes = %d err=%v", len(list), err)
	}
	if !list[0].BacksConstraint || list[0].ConstraintSQL != idx.ConstraintSQL {
		t.Errorf("index round trip lost constraint info: %+v", list[0])
	}

	seq := Sequence{OID: 3001, Schema: "public", Name: "film_film_id_seq", LastValue: 1000, IsCalled: true}
	if err := c.AddSequence(seq); err != nil {
		t.Fatal(err)
	}
	seqs, err := c.ListSequences()
	if err != nil || len(seqs) != 1 {
		t.Fatalf("ListSequences = %d err=%v", len(seqs), err)
	}
	if seqs[0].LastValue != 1000 || !seqs[0].IsCalled {
		t.Errorf("sequence round trip: %+v", seqs[0])
	}
}
