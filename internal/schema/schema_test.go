package schema

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleListing = `;
; Archive created at 2026-01-10 12:00:00 UTC
;     dbname: pagila
;
2; 3079 16385 EXTENSION - plpgsql
217; 1259 16588 TABLE public actor postgres
218; 1259 16595 TABLE public film postgres
3501; 0 0 SEQUENCE SET public actor_actor_id_seq postgres
4200; 1259 16800 INDEX public idx_title postgres
4212; 2606 16692 FK CONSTRAINT public film_actor_actor_id_fkey postgres
4213; 2606 16690 CONSTRAINT public film_pkey postgres
`

func TestParseArchiveList(t *testing.T) {
	entries, err := ParseArchiveList(sampleListing)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 7 {
		t.Fatalf("entries = %d, want 7", len(entries))
	}

	byID := make(map[int]ArchiveEntry)
	for _, e := range entries {
		byID[e.DumpID] = e
	}
	tests := []struct {
		id   int
		desc string
	}{
		{2, "EXTENSION"},
		{217, "TABLE"},
		{3501, "SEQUENCE SET"},
		{4200, "INDEX"},
		{4212, "FK CONSTRAINT"},
		{4213, "CONSTRAINT"},
	}
	for _, tt := range tests {
		e, ok := byID[tt.id]
		if !ok {
			t.Errorf("entry %d missing", tt.id)
			continue
		}
		if e.Desc != tt.desc {
			t.Errorf("entry %d desc = %q, want %q", tt.id, e.Desc, tt.desc)
		}
	}
}

func TestWriteFilteredList(t *testing.T) {
	entries, err := ParseArchiveList(sampleListing)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "post.list")
	if err := WriteFilteredList(path, entries, PostDataSkip()); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "INDEX") {
		t.Error("filtered list still contains INDEX entries")
	}
	if strings.Contains(out, "4213;") {
		t.Error("plain CONSTRAINT entry should be filtered")
	}
	if !strings.Contains(out, "4212;") {
		t.Error("FK CONSTRAINT entry should be kept")
	}
	if !strings.Contains(out, "217;") {
		t.Error("TABLE entry should be kept")
	}
}
