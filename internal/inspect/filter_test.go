package inspect

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFilter_MatchesTablesAndSchemas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filters")
	content := "# staging data\npublic.staging\naudit.*\n\npublic.payment_p2022\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := LoadFilter(path)
	if err != nil {
		t.Fatalf("LoadFilter: %v", err)
	}
	if f.Hash() == "" {
		t.Error("Hash() is empty for a non-empty filter file")
	}

	tests := []struct {
		schema, table string
		want          bool
	}{
		{"public", "staging", true},
		{"public", "payment_p2022", true},
		{"audit", "anything", true},
		{"public", "rental", false},
		{"staging", "public", false},
	}
	for _, tt := range tests {
		if got := f.Match(tt.schema, tt.table); got != tt.want {
			t.Errorf("Match(%q, %q) = %t, want %t", tt.schema, tt.table, got, tt.want)
		}
	}
}

func TestLoadFilter_EmptyPath(t *testing.T) {
	f, err := LoadFilter("")
	if err != nil {
		t.Fatalf("LoadFilter(\"\"): %v", err)
	}
	if f.Hash() != "" {
		t.Errorf("Hash() = %q, want empty", f.Hash())
	}
	if f.Match("public", "rental") {
		t.Error("empty filter matched a table")
	}
}

func TestLoadFilter_MissingFile(t *testing.T) {
	if _, err := LoadFilter(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("expected an error for a missing filter file")
	}
}
