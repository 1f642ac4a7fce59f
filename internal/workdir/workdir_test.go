package workdir

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLayout(t *testing.T) {
	d := Dir{Root: "/work/pagila"}
	tests := []struct{ got, want string }{
		{d.SourceCatalog(), "/work/pagila/schema/source.db"},
		{d.FilterCatalog(), "/work/pagila/schema/filters.db"},
		{d.TargetCatalog(), "/work/pagila/schema/target.db"},
		{d.SegmentJSON("000000010000000000000002"), "/work/pagila/cdc/000000010000000000000002.json"},
		{d.SegmentSQL("000000010000000000000002"), "/work/pagila/cdc/000000010000000000000002.sql"},
		{d.PidFile(), "/work/pagila/pgclone.pid"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestCreateAndClear(t *testing.T) {
	d := Dir{Root: filepath.Join(t.TempDir(), "wd")}
	if err := d.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	marker := filepath.Join(d.CDCDir(), "000000010000000000000001.json")
	if err := os.WriteFile(marker, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := d.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("Clear did not remove CDC segments")
	}
	if _, err := os.Stat(d.SchemaDir()); err != nil {
		t.Error("Clear should recreate the directory tree")
	}
}

func TestAcquireLock(t *testing.T) {
	d := Dir{Root: t.TempDir()}

	release, err := d.AcquireLock()
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	// Same (live) process holds the lock.
	if _, err := d.AcquireLock(); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}

	release()
	if _, err := os.Stat(d.PidFile()); !os.IsNotExist(err) {
		t.Error("release did not remove pid file")
	}
}

func TestAcquireLock_Stale(t *testing.T) {
	d := Dir{Root: t.TempDir()}
	// A pid that cannot be alive.
	if err := os.WriteFile(d.PidFile(), []byte("999999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	release, err := d.AcquireLock()
	if err != nil {
		t.Fatalf("AcquireLock over stale pid: %v", err)
	}
	release()
}
