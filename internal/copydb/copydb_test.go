package copydb

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jfoltran/pgclone/internal/catalog"
)

func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	return &Supervisor{limits: Limits{}}
}

func TestCopyToSQL(t *testing.T) {
	table := catalog.Table{OID: 16388, Schema: "public", Name: "rental", SplitColumn: "rental_id"}

	tests := []struct {
		name   string
		item   copyItem
		binary bool
		want   string
	}{
		{
			name: "whole table",
			item: copyItem{table: table, part: catalog.TablePart{}, single: true},
			want: `COPY "rental" TO STDOUT`,
		},
		{
			name:   "whole table binary",
			item:   copyItem{table: table, part: catalog.TablePart{}, single: true},
			binary: true,
			want:   `COPY "rental" TO STDOUT WITH (FORMAT binary)`,
		},
		{
			name: "key range",
			item: copyItem{table: table, part: catalog.TablePart{PartNum: 2, Lo: 4585, Hi: 6877}},
			want: `COPY (SELECT * FROM ONLY "rental" WHERE "rental_id" >= 4585 AND "rental_id" < 6877) TO STDOUT`,
		},
		{
			name: "page range",
			item: copyItem{table: table, part: catalog.TablePart{PartNum: 1, Lo: 100, Hi: 200, ByPage: true}},
			want: `COPY (SELECT * FROM ONLY "rental" WHERE ctid >= '(100,0)'::tid AND ctid < '(200,0)'::tid) TO STDOUT`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSupervisor(t)
			s.limits.BinaryCopy = tt.binary
			if got := s.copyToSQL(tt.item); got != tt.want {
				t.Errorf("copyToSQL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCopyFromSQL(t *testing.T) {
	table := catalog.Table{Schema: "public", Name: "rental"}

	s := testSupervisor(t)
	if got := s.copyFromSQL(table, false); got != `COPY "rental" FROM STDIN` {
		t.Errorf("plain = %q", got)
	}
	if got := s.copyFromSQL(table, true); got != `COPY "rental" FROM STDIN WITH (FREEZE)` {
		t.Errorf("freeze = %q", got)
	}
	s.limits.BinaryCopy = true
	if got := s.copyFromSQL(table, true); got != `COPY "rental" FROM STDIN WITH (FREEZE, FORMAT binary)` {
		t.Errorf("freeze binary = %q", got)
	}
}

func TestBuildSummary(t *testing.T) {
	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dir, "source.db"), filepath.Join(dir, "filters.db"), filepath.Join(dir, "target.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	table := catalog.Table{OID: 16388, Schema: "public", Name: "rental", Bytes: 1224 * 1024}
	if err := cat.AddTable(table); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"16388.0", "16388.1"} {
		if err := cat.EnqueueItem(catalog.KindTablePart, id); err != nil {
			t.Fatal(err)
		}
		if err := cat.StartItem(catalog.KindTablePart, id); err != nil {
			t.Fatal(err)
		}
		if err := cat.FinishItem(catalog.KindTablePart, id, 512*1024); err != nil {
			t.Fatal(err)
		}
	}
	if err := cat.EnqueueItem(catalog.KindIndex, "20001"); err != nil {
		t.Fatal(err)
	}
	if err := cat.StartItem(catalog.KindIndex, "20001"); err != nil {
		t.Fatal(err)
	}
	if err := cat.FinishItem(catalog.KindIndex, "20001", 0); err != nil {
		t.Fatal(err)
	}

	started := time.Now().Add(-time.Minute)
	sum, err := BuildSummary(cat, started, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Tables) != 1 {
		t.Fatalf("tables = %d, want 1", len(sum.Tables))
	}
	ts := sum.Tables[0]
	if ts.Table != "rental" || ts.Parts != 2 || ts.Bytes != 1024*1024 {
		t.Errorf("table summary = %+v", ts)
	}
	if sum.Indexes != 1 {
		t.Errorf("indexes = %d, want 1", sum.Indexes)
	}
	if sum.Failed != 0 {
		t.Errorf("failed = %d, want 0", sum.Failed)
	}

	out := sum.Render()
	if !strings.Contains(out, "rental") || !strings.Contains(out, "1 tables") {
		t.Errorf("render output missing expected fields:\n%s", out)
	}
}

func TestBuildSummary_FailureCounts(t *testing.T) {
	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dir, "source.db"), filepath.Join(dir, "filters.db"), filepath.Join(dir, "target.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	if err := cat.AddTable(catalog.Table{OID: 99, Schema: "public", Name: "film"}); err != nil {
		t.Fatal(err)
	}
	if err := cat.EnqueueItem(catalog.KindTablePart, "99.0"); err != nil {
		t.Fatal(err)
	}
	if err := cat.StartItem(catalog.KindTablePart, "99.0"); err != nil {
		t.Fatal(err)
	}
	if err := cat.FailItem(catalog.KindTablePart, "99.0", ErrCopyAborted); err != nil {
		t.Fatal(err)
	}

	sum, err := BuildSummary(cat, time.Now(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Failed != 1 {
		t.Errorf("failed = %d, want 1", sum.Failed)
	}
	if !strings.Contains(sum.Render(), "FAILED") {
		t.Errorf("render should flag failures:\n%s", sum.Render())
	}
}
